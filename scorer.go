// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"fmt"
	"math"

	"github.com/enrichseq/enrich/hgvs"
	log "github.com/sirupsen/logrus"
)

// A Scorer turns a label's filtered count table into a score table.
type Scorer interface {
	Method() string
	// MinTimepoints returns the fewest timepoints the method can fit.
	MinTimepoints() int
	// ScratchKeys returns the intermediate tables Score writes for a
	// label, if any. A forced recalculation discards them.
	ScratchKeys(label string) []string
	Score(sel *Selection, label string) error
}

type scorerFactory func(logr string) (Scorer, error)

// Scoring method registry. The "counts" method maps to a nil Scorer:
// the pipeline stops after the count tables.
var scorerFactories = map[string]scorerFactory{
	"counts": func(string) (Scorer, error) { return nil, nil },
	"simple": func(string) (Scorer, error) { return simpleScorer{}, nil },
	"ratios": newRatiosScorer,
	"OLS":    func(logr string) (Scorer, error) { return newRegressionScorer(logr, false) },
	"WLS":    func(logr string) (Scorer, error) { return newRegressionScorer(logr, true) },
}

func newScorer(method, logr string) (Scorer, error) {
	factory, ok := scorerFactories[method]
	if !ok {
		return nil, fmt.Errorf("unknown scoring method %q: %w", method, ErrConfig)
	}
	return factory(logr)
}

// methodUsesReference reports whether a scoring method normalizes
// counts against reference counts chosen by the log ratio method.
func methodUsesReference(method string) bool {
	switch method {
	case "ratios", "OLS", "WLS":
		return true
	}
	return false
}

// scoresHaveSE reports whether a method's score table carries standard
// errors. Outlier testing needs them.
func scoresHaveSE(method string) bool {
	switch method {
	case "ratios", "OLS", "WLS":
		return true
	}
	return false
}

func checkLogrMethod(logr string) error {
	switch logr {
	case "wt", "complete", "full":
		return nil
	}
	return fmt.Errorf("unknown log ratio method %q: %w", logr, ErrConfig)
}

// pseudocount is added to every count before a log or reciprocal so
// that observed zeros stay finite.
const pseudocount = 0.5

// referenceCounts returns the reference count for each of the given
// timepoint columns, pseudocount included. "wt" uses the wild type row
// of the wild type label's filtered counts, "complete" the column sums
// of the label's filtered counts, and "full" the column sums of the
// unfiltered counts with missing cells ignored.
func (sel *Selection) referenceCounts(logr, label string, cols []string) ([]float64, error) {
	out := make([]float64, len(cols))
	switch logr {
	case "wt":
		wtLabel, err := sel.wtLabel()
		if err != nil {
			return nil, err
		}
		t, err := sel.store.ReadRows(countsKey(wtLabel), []string{hgvs.WildType})
		if err != nil {
			return nil, err
		}
		if t.Len() == 0 {
			return nil, fmt.Errorf("no wild type counts in %s after filtering: %w", wtLabel, ErrPrecondition)
		}
		for i, col := range cols {
			out[i] = t.Float(col)[0] + pseudocount
		}
	case "complete":
		t, err := sel.store.ReadColumns(countsKey(label), cols...)
		if err != nil {
			return nil, err
		}
		for i, col := range cols {
			out[i] = t.Sum(col, false) + pseudocount
		}
	case "full":
		t, err := sel.store.ReadColumns(unfilteredCountsKey(label), cols...)
		if err != nil {
			return nil, err
		}
		for i, col := range cols {
			out[i] = t.Sum(col, true) + pseudocount
		}
	default:
		return nil, fmt.Errorf("unknown log ratio method %q: %w", logr, ErrConfig)
	}
	return out, nil
}

// simpleScorer scores each element by the log2 change in its relative
// abundance between the first and last timepoints. No standard errors.
type simpleScorer struct{}

func (simpleScorer) Method() string              { return "simple" }
func (simpleScorer) MinTimepoints() int          { return 2 }
func (simpleScorer) ScratchKeys(string) []string { return nil }

func (simpleScorer) Score(sel *Selection, label string) error {
	tps := sel.Timepoints()
	first, last := tpColumn(tps[0]), tpColumn(tps[len(tps)-1])
	t, err := sel.store.ReadColumns(countsKey(label), first, last)
	if err != nil {
		return err
	}
	c0, cN := t.Float(first), t.Float(last)
	sum0, sumN := t.Sum(first, false), t.Sum(last, false)
	n := t.Len()
	score := make([]float64, n)
	se := make([]float64, n)
	ratio := make([]float64, n)
	for i := 0; i < n; i++ {
		ratio[i] = (cN[i] / sumN) / (c0[i] / sum0)
		score[i] = math.Log2(ratio[i])
		se[i] = math.NaN()
	}
	out := NewTable(t.Index)
	out.AddFloat("score", score)
	out.AddFloat("SE", se)
	out.AddFloat("ratio", ratio)
	log.Printf("[%s] scored %d %s (simple)", sel.name, n, label)
	return sel.store.Put(scoresKey(label), out)
}
