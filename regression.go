// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"math"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

func lColumn(tp int) string { return "L_" + strconv.Itoa(tp) }
func wColumn(tp int) string { return "W_" + strconv.Itoa(tp) }
func eColumn(tp int) string { return "e_" + strconv.Itoa(tp) }

// regressionScorer scores each element by the slope of a least squares
// fit of its log ratios against time, rescaled to [0, 1]. With
// weighted set it fits weighted least squares, weighting each
// timepoint by the reciprocal of its count variance.
type regressionScorer struct {
	logr     string
	weighted bool
}

func newRegressionScorer(logr string, weighted bool) (Scorer, error) {
	if err := checkLogrMethod(logr); err != nil {
		return nil, err
	}
	return &regressionScorer{logr: logr, weighted: weighted}, nil
}

func (sc *regressionScorer) Method() string {
	if sc.weighted {
		return "WLS"
	}
	return "OLS"
}

func (sc *regressionScorer) MinTimepoints() int { return 3 }

func (sc *regressionScorer) ScratchKeys(label string) []string {
	keys := []string{logRatiosKey(label)}
	if sc.weighted {
		keys = append(keys, weightsKey(label))
	}
	return keys
}

func (sc *regressionScorer) Score(sel *Selection, label string) error {
	if err := sc.calcLogRatios(sel, label); err != nil {
		return err
	}
	if sc.weighted {
		if err := sc.calcWeights(sel, label); err != nil {
			return err
		}
	}
	return sc.calcRegression(sel, label)
}

// calcLogRatios writes the per-timepoint log ratio table the
// regression fits. It is memoized separately from the score table, so
// an interrupted run resumes after it.
func (sc *regressionScorer) calcLogRatios(sel *Selection, label string) error {
	key := logRatiosKey(label)
	if sel.store.Exists(key) {
		return nil
	}
	log.Printf("[%s] calculating log ratios (%s)", sel.name, label)
	tps := sel.Timepoints()
	cols := make([]string, len(tps))
	for i, tp := range tps {
		cols[i] = tpColumn(tp)
	}
	counts, err := sel.store.ReadColumns(countsKey(label), cols...)
	if err != nil {
		return err
	}
	ref, err := sel.referenceCounts(sc.logr, label, cols)
	if err != nil {
		return err
	}
	out := NewTable(counts.Index)
	for i, col := range cols {
		c := counts.Float(col)
		logRef := math.Log(ref[i])
		data := make([]float64, len(c))
		for j, v := range c {
			data[j] = math.Log(v+pseudocount) - logRef
		}
		out.AddFloat(lColumn(tps[i]), data)
	}
	return sel.store.Put(key, out)
}

// calcWeights writes the regression weight table: the reciprocal of
// each cell's count variance, reference variance included.
func (sc *regressionScorer) calcWeights(sel *Selection, label string) error {
	key := weightsKey(label)
	if sel.store.Exists(key) {
		return nil
	}
	log.Printf("[%s] calculating regression weights (%s)", sel.name, label)
	tps := sel.Timepoints()
	cols := make([]string, len(tps))
	for i, tp := range tps {
		cols[i] = tpColumn(tp)
	}
	counts, err := sel.store.ReadColumns(countsKey(label), cols...)
	if err != nil {
		return err
	}
	ref, err := sel.referenceCounts(sc.logr, label, cols)
	if err != nil {
		return err
	}
	out := NewTable(counts.Index)
	for i, col := range cols {
		c := counts.Float(col)
		refVar := 1 / ref[i]
		data := make([]float64, len(c))
		for j, v := range c {
			data[j] = 1 / (1/(v+pseudocount) + refVar)
		}
		out.AddFloat(wColumn(tps[i]), data)
	}
	return sel.store.Put(key, out)
}

// calcRegression fits every row of the log ratio table, appending raw
// results chunk by chunk, then rewrites the table once with the score
// and standard error percentile columns in front. The appends stay
// unsealed: only the final rewrite marks the score table complete, so
// an interrupted fit is discarded and redone.
func (sc *regressionScorer) calcRegression(sel *Selection, label string) error {
	dest := scoresKey(label)
	tps := sel.Timepoints()
	index, err := sel.store.ReadIndex(logRatiosKey(label))
	if err != nil {
		return err
	}
	longest := 0
	for _, id := range index {
		if len(id) > longest {
			longest = len(id)
		}
	}
	maxTp := float64(tps[len(tps)-1])
	xs := make([]float64, len(tps))
	for i, tp := range tps {
		xs[i] = float64(tp) / maxTp
	}
	chunkno := 0
	err = sel.store.ReadChunks(logRatiosKey(label), sel.chunkSize, func(chunk *Table) error {
		chunkno++
		log.Printf("[%s] fitting %s chunk %d (%d rows)", sel.name, sc.Method(), chunkno, chunk.Len())
		ls := make([][]float64, len(tps))
		for i, tp := range tps {
			ls[i] = chunk.Float(lColumn(tp))
		}
		var wcols [][]float64
		if sc.weighted {
			wt, err := sel.store.ReadRows(weightsKey(label), chunk.Index)
			if err != nil {
				return err
			}
			wcols = make([][]float64, len(tps))
			for i, tp := range tps {
				wcols[i] = wt.Float(wColumn(tp))
			}
		}
		n := chunk.Len()
		intercept := make([]float64, n)
		slope := make([]float64, n)
		seSlope := make([]float64, n)
		tstat := make([]float64, n)
		pvalue := make([]float64, n)
		resid := make([][]float64, len(tps))
		for i := range resid {
			resid[i] = make([]float64, n)
		}
		ys := make([]float64, len(tps))
		ws := make([]float64, len(tps))
		for r := 0; r < n; r++ {
			for i := range tps {
				ys[i] = ls[i][r]
				if sc.weighted {
					ws[i] = wcols[i][r]
				}
			}
			var fit rowFit
			if sc.weighted {
				fit = fitRow(xs, ys, ws)
			} else {
				fit = fitRow(xs, ys, nil)
			}
			intercept[r] = fit.intercept
			slope[r] = fit.slope
			seSlope[r] = fit.seSlope
			tstat[r] = fit.t
			pvalue[r] = fit.pvalue
			for i := range tps {
				resid[i][r] = fit.resid[i]
			}
		}
		out := NewTable(chunk.Index)
		out.AddFloat("intercept", intercept)
		out.AddFloat("slope", slope)
		out.AddFloat("SE_slope", seSlope)
		out.AddFloat("t", tstat)
		out.AddFloat("pvalue_raw", pvalue)
		for i, tp := range tps {
			out.AddFloat(eColumn(tp), resid[i])
		}
		return sel.store.Append(dest, out, longest)
	})
	if err != nil {
		return err
	}
	return sc.finishScores(sel, label)
}

// finishScores reads the raw fit results back, prepends the score,
// standard error, and standard error percentile columns, and writes
// the final sealed score table.
func (sc *regressionScorer) finishScores(sel *Selection, label string) error {
	key := scoresKey(label)
	data, err := sel.store.Read(key)
	if err != nil {
		return err
	}
	slope := data.Float("slope")
	seSlope := data.Float("SE_slope")
	out := NewTable(data.Index)
	out.AddFloat("score", append([]float64(nil), slope...))
	out.AddFloat("SE", append([]float64(nil), seSlope...))
	out.AddFloat("SE_pctile", weakPercentiles(seSlope))
	out.AddFloat("slope", slope)
	out.AddFloat("intercept", data.Float("intercept"))
	out.AddFloat("SE_slope", seSlope)
	out.AddFloat("t", data.Float("t"))
	out.AddFloat("pvalue_raw", data.Float("pvalue_raw"))
	log.Printf("[%s] scored %d %s (%s)", sel.name, out.Len(), label, sc.Method())
	return sel.store.Put(key, out)
}

// rowFit is one row's least squares fit.
type rowFit struct {
	intercept, slope   float64
	seSlope, t, pvalue float64
	resid              []float64
}

// fitRow fits y = intercept + slope*x by least squares, weighted by ws
// unless ws is nil. The slope's standard error comes from the weighted
// residual variance on len(xs)-2 degrees of freedom, and the p-value
// is the two-sided t-test of slope != 0.
func fitRow(xs, ys, ws []float64) rowFit {
	alpha, beta := stat.LinearRegression(xs, ys, ws, false)
	fit := rowFit{intercept: alpha, slope: beta, resid: make([]float64, len(xs))}
	var sw, swx, swxx, rss float64
	for i, x := range xs {
		w := 1.0
		if ws != nil {
			w = ws[i]
		}
		e := ys[i] - (alpha + beta*x)
		fit.resid[i] = e
		sw += w
		swx += w * x
		swxx += w * x * x
		rss += w * e * e
	}
	delta := sw*swxx - swx*swx
	df := float64(len(xs) - 2)
	fit.seSlope = math.Sqrt(rss / df * sw / delta)
	fit.t = fit.slope / fit.seSlope
	fit.pvalue = 2 * distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.Survival(math.Abs(fit.t))
	return fit
}

// weakPercentiles returns, for each value, the percentage of values
// less than or equal to it. NaN maps to NaN.
func weakPercentiles(vals []float64) []float64 {
	sorted := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	sort.Float64s(sorted)
	out := make([]float64, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) || len(sorted) == 0 {
			out[i] = math.NaN()
		} else {
			out[i] = 100 * stat.CDF(v, stat.Empirical, sorted, nil)
		}
	}
	return out
}
