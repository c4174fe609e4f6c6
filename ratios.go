// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"math"

	log "github.com/sirupsen/logrus"
)

// ratiosScorer scores each element by the change in its log frequency
// ratio between the first and last timepoints, with a closed form
// standard error from Poisson count variance.
type ratiosScorer struct {
	logr string
}

func newRatiosScorer(logr string) (Scorer, error) {
	if err := checkLogrMethod(logr); err != nil {
		return nil, err
	}
	return &ratiosScorer{logr: logr}, nil
}

func (sc *ratiosScorer) Method() string              { return "ratios" }
func (sc *ratiosScorer) MinTimepoints() int          { return 2 }
func (sc *ratiosScorer) ScratchKeys(string) []string { return nil }

func (sc *ratiosScorer) Score(sel *Selection, label string) error {
	tps := sel.Timepoints()
	cols := []string{tpColumn(tps[0]), tpColumn(tps[len(tps)-1])}
	t, err := sel.store.ReadColumns(countsKey(label), cols...)
	if err != nil {
		return err
	}
	shared, err := sel.referenceCounts(sc.logr, label, cols)
	if err != nil {
		return err
	}
	sharedVariance := 1/shared[0] + 1/shared[1]
	c0, cN := t.Float(cols[0]), t.Float(cols[1])
	n := t.Len()
	score := make([]float64, n)
	se := make([]float64, n)
	logratio := make([]float64, n)
	variance := make([]float64, n)
	for i := 0; i < n; i++ {
		l0 := math.Log(c0[i]+pseudocount) - math.Log(shared[0])
		lN := math.Log(cN[i]+pseudocount) - math.Log(shared[1])
		logratio[i] = lN - l0
		score[i] = logratio[i]
		variance[i] = 1/(c0[i]+pseudocount) + 1/(cN[i]+pseudocount) + sharedVariance
		se[i] = math.Sqrt(variance[i])
	}
	out := NewTable(t.Index)
	out.AddFloat("score", score)
	out.AddFloat("SE", se)
	out.AddFloat("logratio", logratio)
	out.AddFloat("variance", variance)
	log.Printf("[%s] scored %d %s (ratios)", sel.name, n, label)
	return sel.store.Put(scoresKey(label), out)
}
