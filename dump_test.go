// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"bytes"
	"os"

	"gopkg.in/check.v1"
)

type dumpSuite struct{}

var _ = check.Suite(&dumpSuite{})

func (s *dumpSuite) TestDumpKeys(c *check.C) {
	db := exportFixture(c)
	var stdout, stderr bytes.Buffer
	exited := (&dumpcmd{}).RunCommand("enrich dump", []string{"-store", db}, &bytes.Buffer{}, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Equals, "/main/variants/counts\n/main/variants/scores\n")
}

func (s *dumpSuite) TestDumpTable(c *check.C) {
	db := exportFixture(c)
	var stdout, stderr bytes.Buffer
	exited := (&dumpcmd{}).RunCommand("enrich dump", []string{
		"-store", db, "-key", "/main/variants/scores",
	}, &bytes.Buffer{}, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Equals, fixtureScoresTSV)
}

func (s *dumpSuite) TestDumpMissingKey(c *check.C) {
	db := exportFixture(c)
	var stdout, stderr bytes.Buffer
	exited := (&dumpcmd{}).RunCommand("enrich dump", []string{
		"-store", db, "-key", "/main/variants/gone",
	}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*/main/variants/gone: key not found.*`)
}

func (s *dumpSuite) TestDumpUsage(c *check.C) {
	var stderr bytes.Buffer
	exited := (&dumpcmd{}).RunCommand("enrich dump", nil, &bytes.Buffer{}, os.Stderr, &stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*-store file not specified.*`)

	stderr.Reset()
	exited = (&dumpcmd{}).RunCommand("enrich dump", []string{"-store", "/nonexistent/x.db"}, &bytes.Buffer{}, os.Stderr, &stderr)
	c.Check(exited, check.Equals, 1)
}
