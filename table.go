// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"fmt"
	"math"
	"sort"
)

// A Column is a single named column of a Table. Exactly one of Float
// and Str is non-nil. Missing numeric cells are NaN, missing string
// cells are "".
type Column struct {
	Name  string
	Float []float64
	Str   []string
}

// IsString reports whether the column holds string data.
func (c *Column) IsString() bool { return c.Str != nil }

func (c *Column) len() int {
	if c.IsString() {
		return len(c.Str)
	}
	return len(c.Float)
}

// A Table is an ordered collection of rows addressed by string
// identifiers, with named columns of float64 or string cells. It is
// the unit of data exchanged with a Store: count tables, score tables,
// and the barcode map are all Tables.
type Table struct {
	Index   []string
	Columns []Column
}

// NewTable returns a Table with the given row identifiers and no
// columns.
func NewTable(index []string) *Table {
	return &Table{Index: index}
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Index) }

// ColumnNames returns the column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i := range t.Columns {
		names[i] = t.Columns[i].Name
	}
	return names
}

// Column returns the named column, or nil if there is no such column.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Float returns the data of the named numeric column, or nil if the
// column is absent or holds strings.
func (t *Table) Float(name string) []float64 {
	if c := t.Column(name); c != nil {
		return c.Float
	}
	return nil
}

// Strings returns the data of the named string column, or nil if the
// column is absent or holds numbers.
func (t *Table) Strings(name string) []string {
	if c := t.Column(name); c != nil {
		return c.Str
	}
	return nil
}

// AddFloat appends a numeric column. The data length must equal the
// number of rows.
func (t *Table) AddFloat(name string, data []float64) {
	if len(data) != len(t.Index) {
		panic(fmt.Sprintf("table: column %q has %d values for %d rows", name, len(data), len(t.Index)))
	}
	t.Columns = append(t.Columns, Column{Name: name, Float: data})
}

// AddString appends a string column. The data length must equal the
// number of rows.
func (t *Table) AddString(name string, data []string) {
	if len(data) != len(t.Index) {
		panic(fmt.Sprintf("table: column %q has %d values for %d rows", name, len(data), len(t.Index)))
	}
	t.Columns = append(t.Columns, Column{Name: name, Str: data})
}

// Rename changes the name of a column. It is a no-op if the column
// does not exist.
func (t *Table) Rename(old, new string) {
	if c := t.Column(old); c != nil {
		c.Name = new
	}
}

// RowIndex returns the position of the row with the given identifier,
// or -1 if there is no such row. If an identifier appears more than
// once, the first occurrence wins.
func (t *Table) RowIndex(id string) int {
	for i, x := range t.Index {
		if x == id {
			return i
		}
	}
	return -1
}

func (t *Table) rowPos() map[string]int {
	pos := make(map[string]int, len(t.Index))
	for i, id := range t.Index {
		if _, ok := pos[id]; !ok {
			pos[id] = i
		}
	}
	return pos
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	out := &Table{Index: append([]string(nil), t.Index...)}
	for _, c := range t.Columns {
		cc := Column{Name: c.Name}
		if c.IsString() {
			cc.Str = append([]string(nil), c.Str...)
		} else {
			cc.Float = append([]float64(nil), c.Float...)
		}
		out.Columns = append(out.Columns, cc)
	}
	return out
}

// Slice returns the rows in positions [i, j). The returned table
// shares storage with t.
func (t *Table) Slice(i, j int) *Table {
	out := &Table{Index: t.Index[i:j]}
	for _, c := range t.Columns {
		cc := Column{Name: c.Name}
		if c.IsString() {
			cc.Str = c.Str[i:j]
		} else {
			cc.Float = c.Float[i:j]
		}
		out.Columns = append(out.Columns, cc)
	}
	return out
}

// Select returns the rows whose identifiers appear in ids, in ids
// order. Identifiers with no matching row are skipped.
func (t *Table) Select(ids []string) *Table {
	pos := t.rowPos()
	keep := make([]int, 0, len(ids))
	index := make([]string, 0, len(ids))
	for _, id := range ids {
		if i, ok := pos[id]; ok {
			keep = append(keep, i)
			index = append(index, id)
		}
	}
	return t.takeRows(index, keep)
}

// SelectColumns returns a table with the named columns in the given
// order. It panics if a column is missing, which indicates a bug in
// the calling stage.
func (t *Table) SelectColumns(names ...string) *Table {
	out := &Table{Index: t.Index}
	for _, name := range names {
		c := t.Column(name)
		if c == nil {
			panic(fmt.Sprintf("table: no column %q", name))
		}
		out.Columns = append(out.Columns, *c)
	}
	return out
}

func (t *Table) takeRows(index []string, rows []int) *Table {
	out := &Table{Index: index}
	for _, c := range t.Columns {
		cc := Column{Name: c.Name}
		if c.IsString() {
			cc.Str = make([]string, len(rows))
			for i, r := range rows {
				cc.Str[i] = c.Str[r]
			}
		} else {
			cc.Float = make([]float64, len(rows))
			for i, r := range rows {
				cc.Float[i] = c.Float[r]
			}
		}
		out.Columns = append(out.Columns, cc)
	}
	return out
}

// SortByIndex sorts the rows by identifier, ascending.
func (t *Table) SortByIndex() {
	order := make([]int, len(t.Index))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return t.Index[order[a]] < t.Index[order[b]] })
	t.permute(order)
}

// SortByStrings sorts the rows by the given string column, ascending,
// breaking ties by identifier.
func (t *Table) SortByStrings(col string) {
	vals := t.Strings(col)
	if vals == nil {
		return
	}
	order := make([]int, len(t.Index))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		va, vb := vals[order[a]], vals[order[b]]
		if va != vb {
			return va < vb
		}
		return t.Index[order[a]] < t.Index[order[b]]
	})
	t.permute(order)
}

func (t *Table) permute(order []int) {
	index := make([]string, len(order))
	for i, r := range order {
		index[i] = t.Index[r]
	}
	t.Index = index
	for ci := range t.Columns {
		c := &t.Columns[ci]
		if c.IsString() {
			data := make([]string, len(order))
			for i, r := range order {
				data[i] = c.Str[r]
			}
			c.Str = data
		} else {
			data := make([]float64, len(order))
			for i, r := range order {
				data[i] = c.Float[r]
			}
			c.Float = data
		}
	}
}

// AddFill returns the elementwise sum of two numeric tables, aligned
// on the union of their row identifiers and column names (sorted by
// identifier). A cell present on one side only is summed with fill. A
// cell present on neither side is NaN.
func (t *Table) AddFill(other *Table, fill float64) *Table {
	index := sortedUnion(t.Index, other.Index)
	names := t.ColumnNames()
	for _, name := range other.ColumnNames() {
		if t.Column(name) == nil {
			names = append(names, name)
		}
	}
	tpos, opos := t.rowPos(), other.rowPos()
	out := NewTable(index)
	for _, name := range names {
		tc, oc := t.Float(name), other.Float(name)
		data := make([]float64, len(index))
		for i, id := range index {
			av, bv := math.NaN(), math.NaN()
			if r, ok := tpos[id]; ok && tc != nil {
				av = tc[r]
			}
			if r, ok := opos[id]; ok && oc != nil {
				bv = oc[r]
			}
			switch {
			case math.IsNaN(av) && math.IsNaN(bv):
				data[i] = math.NaN()
			case math.IsNaN(av):
				data[i] = fill + bv
			case math.IsNaN(bv):
				data[i] = av + fill
			default:
				data[i] = av + bv
			}
		}
		out.AddFloat(name, data)
	}
	return out
}

// Join returns the outer join of two tables on their row identifiers.
// The result index is the sorted union, the columns are those of t
// followed by those of other, and cells with no source row are NaN or
// "". Column names must not collide.
func (t *Table) Join(other *Table) *Table {
	index := sortedUnion(t.Index, other.Index)
	out := NewTable(index)
	for _, name := range other.ColumnNames() {
		if t.Column(name) != nil {
			panic(fmt.Sprintf("table: join would duplicate column %q", name))
		}
	}
	joinInto(out, t)
	joinInto(out, other)
	return out
}

func joinInto(out, src *Table) {
	pos := src.rowPos()
	for _, c := range src.Columns {
		if c.IsString() {
			data := make([]string, len(out.Index))
			for i, id := range out.Index {
				if r, ok := pos[id]; ok {
					data[i] = c.Str[r]
				}
			}
			out.AddString(c.Name, data)
		} else {
			data := make([]float64, len(out.Index))
			for i, id := range out.Index {
				if r, ok := pos[id]; ok {
					data[i] = c.Float[r]
				} else {
					data[i] = math.NaN()
				}
			}
			out.AddFloat(c.Name, data)
		}
	}
}

// CompleteCases returns the rows that have no NaN in any numeric
// column.
func (t *Table) CompleteCases() *Table {
	keep := make([]int, 0, len(t.Index))
	index := make([]string, 0, len(t.Index))
rows:
	for i, id := range t.Index {
		for _, c := range t.Columns {
			if !c.IsString() && math.IsNaN(c.Float[i]) {
				continue rows
			}
		}
		keep = append(keep, i)
		index = append(index, id)
	}
	return t.takeRows(index, keep)
}

// Sum returns the sum of the named numeric column. With skipMissing,
// NaN cells are ignored; otherwise any NaN makes the result NaN.
func (t *Table) Sum(name string, skipMissing bool) float64 {
	data := t.Float(name)
	sum := 0.0
	for _, v := range data {
		if math.IsNaN(v) && skipMissing {
			continue
		}
		sum += v
	}
	return sum
}

// MaxIndexWidth returns the length of the longest row identifier.
func (t *Table) MaxIndexWidth() int {
	w := 0
	for _, id := range t.Index {
		if len(id) > w {
			w = len(id)
		}
	}
	return w
}

func sortedUnion(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
