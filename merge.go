// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// tpColumn returns the count column name for a timepoint.
func tpColumn(tp int) string { return "c_" + strconv.Itoa(tp) }

// mergeCountsUnfiltered combines the sources' raw count tables for one
// label into the unfiltered count table: one row per element observed
// at any timepoint, one column per timepoint. Counts from sources at
// the same timepoint are summed. An element missing from every source
// at a timepoint gets NaN there, not zero.
//
// The merge walks the union index in chunks so tables larger than
// memory stay tractable, appending each chunk and sealing the
// destination at the end.
func (sel *Selection) mergeCountsUnfiltered(label string) error {
	for _, src := range sel.sources {
		if err := src.Compute(); err != nil {
			return err
		}
	}
	union, width, err := sel.unionIndex(label)
	if err != nil {
		return err
	}
	dest := unfilteredCountsKey(label)
	tps := sel.Timepoints()
	for start := 0; start < len(union); start += sel.chunkSize {
		end := start + sel.chunkSize
		if end > len(union) {
			end = len(union)
		}
		ids := union[start:end]
		var frame *Table
		for _, tp := range tps {
			var col *Table
			for _, src := range sel.sourcesAt(tp) {
				part, err := src.Store().ReadRows(rawCountsKey(label), ids)
				if err != nil {
					return err
				}
				if col == nil {
					col = part
				} else {
					col = col.AddFill(part, 0)
				}
			}
			col.Rename("count", tpColumn(tp))
			if frame == nil {
				frame = col
			} else {
				frame = frame.Join(col)
			}
		}
		if err := sel.store.Append(dest, frame, width); err != nil {
			return err
		}
		log.Printf("[%s] merged %d of %d %s", sel.name, end, len(union), label)
	}
	return sel.store.Seal(dest)
}

// unionIndex returns the sorted union of the sources' element
// identifiers for a label, and the length of the longest one.
func (sel *Selection) unionIndex(label string) ([]string, int, error) {
	seen := make(map[string]bool)
	var union []string
	width := 0
	for _, src := range sel.sources {
		ids, err := src.Store().ReadIndex(rawCountsKey(label))
		if err != nil {
			return nil, 0, err
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				union = append(union, id)
			}
			if len(id) > width {
				width = len(id)
			}
		}
	}
	sort.Strings(union)
	return union, width, nil
}

// combineBarcodeMaps merges the sources' barcode maps into one table,
// sorted by mapped value. Sources normally share one map file; if they
// disagree, the first source's mapping for a barcode wins.
func (sel *Selection) combineBarcodeMaps() error {
	var combined *Table
	for _, src := range sel.sources {
		t, err := src.Store().Read(rawBarcodeMapKey)
		if err != nil {
			return err
		}
		if combined == nil {
			combined = t
		} else {
			combined = mergeBarcodeMapTables(combined, t)
		}
	}
	combined.SortByStrings("value")
	log.Printf("[%s] combined barcode map has %d entries", sel.name, combined.Len())
	return sel.store.Put(barcodeMapKey, combined)
}

func mergeBarcodeMapTables(a, b *Table) *Table {
	index := sortedUnion(a.Index, b.Index)
	av, bv := a.Strings("value"), b.Strings("value")
	apos, bpos := a.rowPos(), b.rowPos()
	data := make([]string, len(index))
	for i, id := range index {
		if r, ok := apos[id]; ok && av[r] != "" {
			data[i] = av[r]
		} else if r, ok := bpos[id]; ok {
			data[i] = bv[r]
		}
	}
	out := NewTable(index)
	out.AddString("value", data)
	return out
}
