// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"math"

	"gopkg.in/check.v1"
)

type regressionSuite struct{}

var _ = check.Suite(&regressionSuite{})

func (s *regressionSuite) TestFitRowExactLine(c *check.C) {
	// points on y = 0.5 + x, all binary fractions, so the residuals
	// are exactly zero
	fit := fitRow([]float64{0, 0.5, 1}, []float64{0.5, 1, 1.5}, nil)
	c.Check(fit.slope, check.Equals, 1.0)
	c.Check(fit.intercept, check.Equals, 0.5)
	c.Check(fit.resid, check.DeepEquals, []float64{0, 0, 0})
	c.Check(fit.seSlope, check.Equals, 0.0)
	c.Check(math.IsInf(fit.t, 1), check.Equals, true)
	c.Check(fit.pvalue, check.Equals, 0.0)
}

func (s *regressionSuite) TestFitRowKnownOLS(c *check.C) {
	fit := fitRow([]float64{0, 0.5, 1}, []float64{0, 1, 1}, nil)
	checkClose(c, fit.slope, 1.0)
	checkClose(c, fit.intercept, 1.0/6)
	// residuals [-1/6, 1/3, -1/6] give rss 1/6 on 1 degree of freedom
	checkClose(c, fit.resid[0], -1.0/6)
	checkClose(c, fit.resid[1], 1.0/3)
	checkClose(c, fit.resid[2], -1.0/6)
	checkClose(c, fit.seSlope, 1/math.Sqrt(3))
	checkClose(c, fit.t, math.Sqrt(3))
	// with 1 degree of freedom the t distribution is Cauchy, and
	// arctan(sqrt(3)) is pi/3, so the two-sided p-value is exactly 1/3
	checkClose(c, fit.pvalue, 1.0/3)
}

func (s *regressionSuite) TestFitRowUniformWeights(c *check.C) {
	xs := []float64{0, 0.5, 1}
	ys := []float64{0, 1, 1}
	plain := fitRow(xs, ys, nil)
	weighted := fitRow(xs, ys, []float64{2, 2, 2})
	checkClose(c, weighted.slope, plain.slope)
	checkClose(c, weighted.intercept, plain.intercept)
	checkClose(c, weighted.seSlope, plain.seSlope)
	checkClose(c, weighted.t, plain.t)
	checkClose(c, weighted.pvalue, plain.pvalue)
}

func (s *regressionSuite) TestFitRowWeightsMatter(c *check.C) {
	fit := fitRow([]float64{0, 0.5, 1}, []float64{0, 1, 1}, []float64{10, 1, 1})
	// heavy weight on the first point pulls the fit through it
	checkClose(c, fit.slope, 20.0/17)
	checkClose(c, fit.intercept, 1.0/51)
}

func (s *regressionSuite) TestWeakPercentiles(c *check.C) {
	c.Check(weakPercentiles([]float64{1, 2, 2, 3}), check.DeepEquals, []float64{25, 75, 75, 100})

	got := weakPercentiles([]float64{1, math.NaN(), 3})
	c.Check(got[0], check.Equals, 50.0)
	c.Check(math.IsNaN(got[1]), check.Equals, true)
	c.Check(got[2], check.Equals, 100.0)

	for _, v := range weakPercentiles([]float64{math.NaN(), math.NaN()}) {
		c.Check(math.IsNaN(v), check.Equals, true)
	}
}

func (s *regressionSuite) TestScratchKeys(c *check.C) {
	ols, err := newScorer("OLS", "complete")
	c.Assert(err, check.IsNil)
	c.Check(ols.ScratchKeys("variants"), check.DeepEquals, []string{"/main/variants/log_ratios"})

	wls, err := newScorer("WLS", "complete")
	c.Assert(err, check.IsNil)
	c.Check(wls.ScratchKeys("variants"), check.DeepEquals, []string{
		"/main/variants/log_ratios",
		"/main/variants/weights",
	})
}

func (s *regressionSuite) TestOLSScoring(c *check.C) {
	sel := newTestSelection(c, "OLS", "complete",
		variantSource(c, "t0", 0, map[string]float64{"_wt": 100, "A": 10, "B": 50}),
		variantSource(c, "t1", 1, map[string]float64{"_wt": 90, "A": 20, "B": 25}),
		variantSource(c, "t2", 2, map[string]float64{"_wt": 80, "A": 40, "B": 5}),
	)
	c.Assert(sel.Run(RunOptions{}), check.IsNil)

	// the log ratio table is kept, sealed, for later reuse; OLS has no
	// weight table
	c.Check(sel.store.Exists(logRatiosKey("variants")), check.Equals, true)
	c.Check(sel.store.Exists(weightsKey("variants")), check.Equals, false)

	lr, err := sel.store.Read(logRatiosKey("variants"))
	c.Assert(err, check.IsNil)
	c.Check(lr.ColumnNames(), check.DeepEquals, []string{"L_0", "L_1", "L_2"})
	c.Check(lr.Index, check.DeepEquals, []string{"A", "B", "_wt"})
	checkClose(c, lr.Float("L_0")[0], math.Log(10.5)-math.Log(160.5))
	checkClose(c, lr.Float("L_1")[0], math.Log(20.5)-math.Log(135.5))
	checkClose(c, lr.Float("L_2")[0], math.Log(40.5)-math.Log(125.5))

	scores, err := sel.store.Read(scoresKey("variants"))
	c.Assert(err, check.IsNil)
	c.Check(scores.ColumnNames(), check.DeepEquals, []string{
		"score", "SE", "SE_pctile", "slope", "intercept", "SE_slope", "t", "pvalue_raw",
	})
	c.Check(scores.Float("score"), check.DeepEquals, scores.Float("slope"))
	c.Check(scores.Float("SE"), check.DeepEquals, scores.Float("SE_slope"))

	xs := []float64{0, 0.5, 1}
	for r, id := range scores.Index {
		ys := []float64{lr.Float("L_0")[r], lr.Float("L_1")[r], lr.Float("L_2")[r]}
		want := fitRow(xs, ys, nil)
		c.Logf("row %d %s", r, id)
		checkClose(c, scores.Float("score")[r], want.slope)
		checkClose(c, scores.Float("intercept")[r], want.intercept)
		checkClose(c, scores.Float("SE")[r], want.seSlope)
		checkClose(c, scores.Float("t")[r], want.t)
		checkClose(c, scores.Float("pvalue_raw")[r], want.pvalue)
	}
	// A rises and B falls
	c.Check(scores.Float("score")[0] > 0, check.Equals, true)
	c.Check(scores.Float("score")[1] < 0, check.Equals, true)
}

func (s *regressionSuite) TestRegressionReusesSealedLogRatios(c *check.C) {
	sel := newTestSelection(c, "OLS", "complete",
		variantSource(c, "t0", 0, map[string]float64{"_wt": 1, "A": 1}),
		variantSource(c, "t1", 1, map[string]float64{"_wt": 1, "A": 1}),
		variantSource(c, "t2", 2, map[string]float64{"_wt": 1, "A": 1}),
	)
	// a sealed log ratio table from an earlier run is reused as is,
	// even though the counts would produce different ratios
	seeded := NewTable([]string{"A", "_wt"})
	seeded.AddFloat("L_0", []float64{0, 0})
	seeded.AddFloat("L_1", []float64{1, 0})
	seeded.AddFloat("L_2", []float64{2, 0})
	c.Assert(sel.store.Put(logRatiosKey("variants"), seeded), check.IsNil)

	c.Assert(sel.Run(RunOptions{}), check.IsNil)
	scores, err := sel.store.Read(scoresKey("variants"))
	c.Assert(err, check.IsNil)
	c.Check(scores.Index, check.DeepEquals, []string{"A", "_wt"})
	c.Check(scores.Float("score")[0], check.Equals, 2.0)
	c.Check(scores.Float("intercept")[0], check.Equals, 0.0)
	c.Check(scores.Float("score")[1], check.Equals, 0.0)
}

func (s *regressionSuite) TestRegressionDiscardsPartialScores(c *check.C) {
	sel := newTestSelection(c, "OLS", "complete",
		variantSource(c, "t0", 0, map[string]float64{"_wt": 100, "A": 10}),
		variantSource(c, "t1", 1, map[string]float64{"_wt": 90, "A": 20}),
		variantSource(c, "t2", 2, map[string]float64{"_wt": 80, "A": 40}),
	)
	// an interrupted fit leaves unsealed raw rows behind; the next run
	// must throw them away instead of appending to them
	junk := NewTable([]string{"bogus"})
	junk.AddFloat("intercept", []float64{99})
	c.Assert(sel.store.Append(scoresKey("variants"), junk, 10), check.IsNil)

	c.Assert(sel.Run(RunOptions{}), check.IsNil)
	scores, err := sel.store.Read(scoresKey("variants"))
	c.Assert(err, check.IsNil)
	c.Check(scores.Index, check.DeepEquals, []string{"A", "_wt"})
	c.Check(sel.store.Verify(scoresKey("variants")), check.IsNil)
}
