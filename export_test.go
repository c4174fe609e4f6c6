// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"bytes"
	"io"
	"math"
	"os"

	"github.com/klauspost/pgzip"
	"gopkg.in/check.v1"
)

type exportSuite struct{}

var _ = check.Suite(&exportSuite{})

func (s *exportSuite) TestWriteTableTSV(c *check.C) {
	t := NewTable([]string{"a", "bb"})
	t.AddFloat("score", []float64{1.5, math.NaN()})
	t.AddString("note", []string{"", "x"})
	var buf bytes.Buffer
	c.Assert(writeTableTSV(&buf, t), check.IsNil)
	c.Check(buf.String(), check.Equals, "\tscore\tnote\na\t1.5\tNaN\nbb\tNaN\tx\n")
}

func (s *exportSuite) TestTSVFilename(c *check.C) {
	c.Check(tsvFilename("/main/variants/scores", false), check.Equals, "main_variants_scores.tsv")
	c.Check(tsvFilename("/main/variants/scores", true), check.Equals, "main_variants_scores.tsv.gz")
	c.Check(tsvFilename("/raw/barcodemap", false), check.Equals, "raw_barcodemap.tsv")
}

// exportFixture writes a sqlite store with a score table and a count
// table and returns its path.
func exportFixture(c *check.C) string {
	path := c.MkDir() + "/test.db"
	store, err := OpenSQLite(path)
	c.Assert(err, check.IsNil)
	scores := NewTable([]string{"_wt", "c.1A>G"})
	scores.AddFloat("score", []float64{0, 1.5})
	scores.AddString("parent", []string{"", "p.Lys1Asn"})
	c.Assert(store.Put("/main/variants/scores", scores), check.IsNil)
	counts := NewTable([]string{"A", "B"})
	counts.AddFloat("c_0", []float64{10, math.NaN()})
	c.Assert(store.Put("/main/variants/counts", counts), check.IsNil)
	c.Assert(store.Close(), check.IsNil)
	return path
}

const (
	fixtureCountsTSV = "\tc_0\nA\t10\nB\tNaN\n"
	fixtureScoresTSV = "\tscore\tparent\n_wt\t0\tNaN\nc.1A>G\t1.5\tp.Lys1Asn\n"
)

func (s *exportSuite) TestExportCommand(c *check.C) {
	db := exportFixture(c)
	outdir := c.MkDir()
	var stderr bytes.Buffer
	exited := (&exporter{}).RunCommand("enrich export", []string{
		"-store", db, "-output-dir", outdir,
	}, &bytes.Buffer{}, os.Stderr, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))

	buf, err := os.ReadFile(outdir + "/main_variants_counts.tsv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, fixtureCountsTSV)
	buf, err = os.ReadFile(outdir + "/main_variants_scores.tsv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, fixtureScoresTSV)
}

func (s *exportSuite) TestExportCommandSingleKey(c *check.C) {
	db := exportFixture(c)
	outdir := c.MkDir()
	var stderr bytes.Buffer
	exited := (&exporter{}).RunCommand("enrich export", []string{
		"-store", db, "-output-dir", outdir, "-key", "/main/variants/scores",
	}, &bytes.Buffer{}, os.Stderr, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	buf, err := os.ReadFile(outdir + "/main_variants_scores.tsv")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, fixtureScoresTSV)
	_, err = os.Stat(outdir + "/main_variants_counts.tsv")
	c.Check(os.IsNotExist(err), check.Equals, true)

	stderr.Reset()
	exited = (&exporter{}).RunCommand("enrich export", []string{
		"-store", db, "-output-dir", outdir, "-key", "/main/variants/gone",
	}, &bytes.Buffer{}, os.Stderr, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*/main/variants/gone: key not found.*`)
}

func (s *exportSuite) TestExportCommandGzip(c *check.C) {
	db := exportFixture(c)
	outdir := c.MkDir()
	var stderr bytes.Buffer
	exited := (&exporter{}).RunCommand("enrich export", []string{
		"-store", db, "-output-dir", outdir, "-z", "-key", "/main/variants/counts",
	}, &bytes.Buffer{}, os.Stderr, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))

	f, err := os.Open(outdir + "/main_variants_counts.tsv.gz")
	c.Assert(err, check.IsNil)
	defer f.Close()
	zr, err := pgzip.NewReader(f)
	c.Assert(err, check.IsNil)
	buf, err := io.ReadAll(zr)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, fixtureCountsTSV)
}

func (s *exportSuite) TestExportCommandUsage(c *check.C) {
	var stderr bytes.Buffer
	exited := (&exporter{}).RunCommand("enrich export", nil, &bytes.Buffer{}, os.Stderr, &stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*-store file not specified.*`)

	stderr.Reset()
	exited = (&exporter{}).RunCommand("enrich export", []string{"-store", "x.db", "extra"}, &bytes.Buffer{}, os.Stderr, &stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*errant command line arguments.*`)
}
