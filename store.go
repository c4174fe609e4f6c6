// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// Store keys used by the pipeline. Raw per-timepoint counts live under
// /raw in each source's own store; everything else lives under /main
// in the selection store.
const (
	barcodeMapKey    = "/main/barcodemap"
	rawBarcodeMapKey = "/raw/barcodemap"
)

func rawCountsKey(label string) string        { return "/raw/" + label + "/counts" }
func unfilteredCountsKey(label string) string { return "/main/" + label + "/counts_unfiltered" }
func countsKey(label string) string           { return "/main/" + label + "/counts" }
func scoresKey(label string) string           { return "/main/" + label + "/scores" }
func outliersKey(label string) string         { return "/main/" + label + "/outliers" }
func logRatiosKey(label string) string        { return "/main/" + label + "/log_ratios" }
func weightsKey(label string) string          { return "/main/" + label + "/weights" }

// A Store is a keyed collection of Tables with all-or-nothing
// visibility. A table becomes visible to Exists, Keys, and Verify only
// once it has been sealed, either by Put (which writes and seals in
// one step) or by Seal after a series of Appends. Data written by
// Append can be read back by the writer before sealing; an interrupted
// run therefore leaves unsealed keys behind, and the next run redoes
// them instead of trusting partial output.
type Store interface {
	// Exists reports whether key holds a sealed table.
	Exists(key string) bool
	// Read returns the whole table.
	Read(key string) (*Table, error)
	// ReadColumns returns the named columns.
	ReadColumns(key string, cols ...string) (*Table, error)
	// ReadRows returns the rows whose identifiers appear in ids,
	// preserving stored row order and skipping missing identifiers.
	ReadRows(key string, ids []string) (*Table, error)
	// ReadIndex returns the row identifiers in stored order.
	ReadIndex(key string) ([]string, error)
	// ReadChunks passes successive row windows of at most rows rows to
	// fn, in stored order. rows <= 0 means the whole table at once.
	ReadChunks(key string, rows int, fn func(*Table) error) error
	// Put replaces key with t and seals it.
	Put(key string, t *Table) error
	// Append adds rows to an unsealed table, creating it if needed. On
	// creation the index column is sized to indexWidth bytes (or to the
	// longest identifier in t, if larger); appending a longer
	// identifier later is an error. Appending to a sealed table is an
	// error.
	Append(key string, t *Table, indexWidth int) error
	// Seal marks key complete and records its content digest. Sealing
	// a sealed table is a no-op.
	Seal(key string) error
	// Verify recomputes the digest of a sealed table and compares it to
	// the digest recorded at seal time.
	Verify(key string) error
	// Delete removes key, sealed or not. Deleting a missing key is a
	// no-op.
	Delete(key string) error
	// Keys returns the sealed keys in sorted order.
	Keys() []string
	Close() error
}

// tableDigest returns a hex blake2b-256 digest of a table's schema and
// cells. The same rows and columns in the same order always produce
// the same digest, on either store backend.
func tableDigest(t *Table) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	for _, c := range t.Columns {
		if c.IsString() {
			io.WriteString(h, "s:")
		} else {
			io.WriteString(h, "f:")
		}
		io.WriteString(h, c.Name)
		io.WriteString(h, "\x00")
	}
	io.WriteString(h, "\n")
	for i, id := range t.Index {
		io.WriteString(h, id)
		for _, c := range t.Columns {
			io.WriteString(h, "\x00")
			if c.IsString() {
				io.WriteString(h, c.Str[i])
			} else {
				io.WriteString(h, strconv.FormatFloat(c.Float[i], 'g', -1, 64))
			}
		}
		io.WriteString(h, "\n")
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
