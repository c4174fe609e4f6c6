// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"database/sql"
	"errors"
	"math"
	"path/filepath"

	"gopkg.in/check.v1"
)

type storeSuite struct{}

var _ = check.Suite(&storeSuite{})

// eachStore runs a test body against both store backends.
func eachStore(c *check.C, fn func(name string, store Store)) {
	for _, name := range []string{"mem", "sqlite"} {
		c.Logf("store backend: %s", name)
		var store Store
		if name == "mem" {
			store = NewMemStore()
		} else {
			var err error
			store, err = OpenSQLite(filepath.Join(c.MkDir(), "test.db"))
			c.Assert(err, check.IsNil)
		}
		fn(name, store)
		c.Check(store.Close(), check.IsNil)
	}
}

func testTable() *Table {
	t := NewTable([]string{"_wt", "c.1A>G", "c.2C>T"})
	t.AddFloat("score", []float64{0, 1.25, math.NaN()})
	t.AddString("parent", []string{"", "p.Lys1Asn", "p.Lys1Asn"})
	return t
}

func (s *storeSuite) TestPutReadRoundtrip(c *check.C) {
	eachStore(c, func(name string, store Store) {
		want := testTable()
		c.Assert(store.Put("/t", want), check.IsNil)
		got, err := store.Read("/t")
		c.Assert(err, check.IsNil)
		c.Check(got.Index, check.DeepEquals, want.Index)
		c.Check(got.ColumnNames(), check.DeepEquals, want.ColumnNames())
		c.Check(got.Float("score")[1], check.Equals, 1.25)
		c.Check(math.IsNaN(got.Float("score")[2]), check.Equals, true)
		c.Check(got.Strings("parent"), check.DeepEquals, want.Strings("parent"))
		c.Check(tableDigest(got), check.Equals, tableDigest(want))
	})
}

func (s *storeSuite) TestPutOverwrites(c *check.C) {
	eachStore(c, func(name string, store Store) {
		c.Assert(store.Put("/t", testTable()), check.IsNil)
		repl := NewTable([]string{"x"})
		repl.AddFloat("other", []float64{7})
		c.Assert(store.Put("/t", repl), check.IsNil)
		got, err := store.Read("/t")
		c.Assert(err, check.IsNil)
		c.Check(got.Index, check.DeepEquals, []string{"x"})
		c.Check(got.ColumnNames(), check.DeepEquals, []string{"other"})
	})
}

func (s *storeSuite) TestSealAndExists(c *check.C) {
	eachStore(c, func(name string, store Store) {
		part := NewTable([]string{"a"})
		part.AddFloat("x", []float64{1})
		c.Assert(store.Append("/t", part, 4), check.IsNil)
		c.Check(store.Exists("/t"), check.Equals, false)
		c.Check(store.Keys(), check.HasLen, 0)

		// unsealed data is readable by the writer
		got, err := store.Read("/t")
		c.Assert(err, check.IsNil)
		c.Check(got.Len(), check.Equals, 1)

		c.Assert(store.Seal("/t"), check.IsNil)
		c.Check(store.Exists("/t"), check.Equals, true)
		c.Check(store.Keys(), check.DeepEquals, []string{"/t"})
		c.Check(store.Seal("/t"), check.IsNil)
		c.Check(store.Verify("/t"), check.IsNil)

		err = store.Append("/t", part, 4)
		c.Check(err, check.NotNil)
		c.Check(err, check.ErrorMatches, `append /t: table is sealed`)
	})
}

func (s *storeSuite) TestAppendColumnMismatch(c *check.C) {
	eachStore(c, func(name string, store Store) {
		a := NewTable([]string{"a"})
		a.AddFloat("x", []float64{1})
		c.Assert(store.Append("/t", a, 1), check.IsNil)
		b := NewTable([]string{"b"})
		b.AddFloat("y", []float64{2})
		c.Check(store.Append("/t", b, 1), check.ErrorMatches, `append /t: column 0 is "x", appending "y"`)
	})
}

func (s *storeSuite) TestAppendIndexWidth(c *check.C) {
	eachStore(c, func(name string, store Store) {
		a := NewTable([]string{"aa"})
		a.AddFloat("x", []float64{1})
		c.Assert(store.Append("/t", a, 2), check.IsNil)
		long := NewTable([]string{"cccc"})
		long.AddFloat("x", []float64{2})
		c.Check(store.Append("/t", long, 2), check.ErrorMatches, `append /t: identifier "cccc" exceeds index width 2`)

		// a declared width wider than the first batch leaves room
		c.Assert(store.Append("/u", a, 4), check.IsNil)
		c.Assert(store.Append("/u", long, 4), check.IsNil)
		c.Assert(store.Seal("/u"), check.IsNil)
		ids, err := store.ReadIndex("/u")
		c.Assert(err, check.IsNil)
		c.Check(ids, check.DeepEquals, []string{"aa", "cccc"})
	})
}

func (s *storeSuite) TestReadRowsKeepsStoredOrder(c *check.C) {
	eachStore(c, func(name string, store Store) {
		t := NewTable([]string{"b", "a", "d"})
		t.AddFloat("x", []float64{1, 2, 3})
		c.Assert(store.Put("/t", t), check.IsNil)
		got, err := store.ReadRows("/t", []string{"d", "a", "zz"})
		c.Assert(err, check.IsNil)
		c.Check(got.Index, check.DeepEquals, []string{"a", "d"})
		c.Check(got.Float("x"), check.DeepEquals, []float64{2, 3})
	})
}

func (s *storeSuite) TestReadColumns(c *check.C) {
	eachStore(c, func(name string, store Store) {
		t := NewTable([]string{"a"})
		t.AddFloat("x", []float64{1})
		t.AddFloat("y", []float64{2})
		c.Assert(store.Put("/t", t), check.IsNil)
		got, err := store.ReadColumns("/t", "y", "x")
		c.Assert(err, check.IsNil)
		c.Check(got.ColumnNames(), check.DeepEquals, []string{"y", "x"})
		_, err = store.ReadColumns("/t", "z")
		c.Check(err, check.ErrorMatches, `/t: no column "z"`)
	})
}

func (s *storeSuite) TestReadChunks(c *check.C) {
	eachStore(c, func(name string, store Store) {
		a := NewTable([]string{"r0", "r1", "r2"})
		a.AddFloat("x", []float64{0, 1, 2})
		b := NewTable([]string{"r3", "r4"})
		b.AddFloat("x", []float64{3, 4})
		c.Assert(store.Append("/t", a, 2), check.IsNil)
		c.Assert(store.Append("/t", b, 2), check.IsNil)
		c.Assert(store.Seal("/t"), check.IsNil)

		var sizes []int
		var ids []string
		err := store.ReadChunks("/t", 2, func(chunk *Table) error {
			sizes = append(sizes, chunk.Len())
			ids = append(ids, chunk.Index...)
			return nil
		})
		c.Assert(err, check.IsNil)
		c.Check(sizes, check.DeepEquals, []int{2, 2, 1})
		c.Check(ids, check.DeepEquals, []string{"r0", "r1", "r2", "r3", "r4"})

		sizes = nil
		err = store.ReadChunks("/t", 0, func(chunk *Table) error {
			sizes = append(sizes, chunk.Len())
			return nil
		})
		c.Assert(err, check.IsNil)
		c.Check(sizes, check.DeepEquals, []int{5})
	})
}

func (s *storeSuite) TestDelete(c *check.C) {
	eachStore(c, func(name string, store Store) {
		c.Assert(store.Put("/t", testTable()), check.IsNil)
		c.Assert(store.Delete("/t"), check.IsNil)
		c.Check(store.Exists("/t"), check.Equals, false)
		_, err := store.Read("/t")
		c.Check(errors.Is(err, ErrNotFound), check.Equals, true)
		c.Check(store.Delete("/t"), check.IsNil)
	})
}

func (s *storeSuite) TestReadMissingKey(c *check.C) {
	eachStore(c, func(name string, store Store) {
		_, err := store.Read("/missing")
		c.Check(errors.Is(err, ErrNotFound), check.Equals, true)
		_, err = store.ReadIndex("/missing")
		c.Check(errors.Is(err, ErrNotFound), check.Equals, true)
		c.Check(store.ReadChunks("/missing", 10, func(*Table) error { return nil }), check.NotNil)
	})
}

func (s *storeSuite) TestVerifyUnsealed(c *check.C) {
	eachStore(c, func(name string, store Store) {
		part := NewTable([]string{"a"})
		part.AddFloat("x", []float64{1})
		c.Assert(store.Append("/t", part, 1), check.IsNil)
		c.Check(store.Verify("/t"), check.ErrorMatches, `verify /t: table is not sealed`)
	})
}

func (s *storeSuite) TestDigestStableAcrossBackends(c *check.C) {
	var digests []string
	eachStore(c, func(name string, store Store) {
		c.Assert(store.Put("/t", testTable()), check.IsNil)
		got, err := store.Read("/t")
		c.Assert(err, check.IsNil)
		digests = append(digests, tableDigest(got))
	})
	c.Assert(digests, check.HasLen, 2)
	c.Check(digests[0], check.Equals, digests[1])
}

func (s *storeSuite) TestSQLitePersists(c *check.C) {
	path := filepath.Join(c.MkDir(), "test.db")
	store, err := OpenSQLite(path)
	c.Assert(err, check.IsNil)
	c.Assert(store.Put("/t", testTable()), check.IsNil)
	part := NewTable([]string{"x"})
	part.AddFloat("v", []float64{1})
	c.Assert(store.Append("/partial", part, 1), check.IsNil)
	c.Assert(store.Close(), check.IsNil)

	store, err = OpenSQLite(path)
	c.Assert(err, check.IsNil)
	defer store.Close()
	c.Check(store.Exists("/t"), check.Equals, true)
	c.Check(store.Verify("/t"), check.IsNil)
	got, err := store.Read("/t")
	c.Assert(err, check.IsNil)
	c.Check(tableDigest(got), check.Equals, tableDigest(testTable()))
	// the unsealed table survives, still unsealed
	c.Check(store.Exists("/partial"), check.Equals, false)
	got, err = store.Read("/partial")
	c.Assert(err, check.IsNil)
	c.Check(got.Len(), check.Equals, 1)
}

func (s *storeSuite) TestSQLiteDetectsCorruption(c *check.C) {
	path := filepath.Join(c.MkDir(), "test.db")
	store, err := OpenSQLite(path)
	c.Assert(err, check.IsNil)
	c.Assert(store.Put("/t", testTable()), check.IsNil)
	c.Assert(store.Close(), check.IsNil)

	db, err := sql.Open("sqlite", path)
	c.Assert(err, check.IsNil)
	_, err = db.Exec(`UPDATE "/t" SET "score" = 99 WHERE idx = 'c.1A>G'`)
	c.Assert(err, check.IsNil)
	c.Assert(db.Close(), check.IsNil)

	store, err = OpenSQLite(path)
	c.Assert(err, check.IsNil)
	defer store.Close()
	err = store.Verify("/t")
	c.Check(errors.Is(err, ErrCorrupt), check.Equals, true, check.Commentf("got %v", err))
}
