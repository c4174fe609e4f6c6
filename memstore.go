// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"fmt"
	"sort"
	"sync"
)

// memStore is an in-memory Store. Source stores default to it, and it
// stands in for the sqlite store in tests.
type memStore struct {
	mu     sync.Mutex
	tables map[string]*memTable
}

type memTable struct {
	t          *Table
	sealed     bool
	indexWidth int
	digest     string
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() Store {
	return &memStore{tables: map[string]*memTable{}}
}

func (s *memStore) get(key string) (*memTable, error) {
	mt, ok := s.tables[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return mt, nil
}

func (s *memStore) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, ok := s.tables[key]
	return ok && mt.sealed
}

func (s *memStore) Read(key string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, err := s.get(key)
	if err != nil {
		return nil, err
	}
	return mt.t.Clone(), nil
}

func (s *memStore) ReadColumns(key string, cols ...string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, err := s.get(key)
	if err != nil {
		return nil, err
	}
	for _, name := range cols {
		if mt.t.Column(name) == nil {
			return nil, fmt.Errorf("%s: no column %q", key, name)
		}
	}
	return mt.t.SelectColumns(cols...).Clone(), nil
}

func (s *memStore) ReadRows(key string, ids []string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, err := s.get(key)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	keep := make([]string, 0, len(ids))
	for _, id := range mt.t.Index {
		if want[id] {
			keep = append(keep, id)
		}
	}
	return mt.t.Select(keep), nil
}

func (s *memStore) ReadIndex(key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, err := s.get(key)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), mt.t.Index...), nil
}

func (s *memStore) ReadChunks(key string, rows int, fn func(*Table) error) error {
	t, err := s.Read(key)
	if err != nil {
		return err
	}
	if rows <= 0 {
		rows = t.Len()
	}
	for start := 0; start < t.Len(); start += rows {
		end := start + rows
		if end > t.Len() {
			end = t.Len()
		}
		if err := fn(t.Slice(start, end)); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) Put(key string, t *Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt := t.Clone()
	s.tables[key] = &memTable{
		t:          tt,
		sealed:     true,
		indexWidth: tt.MaxIndexWidth(),
		digest:     tableDigest(tt),
	}
	return nil
}

func (s *memStore) Append(key string, t *Table, indexWidth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, ok := s.tables[key]
	if !ok {
		w := t.MaxIndexWidth()
		if indexWidth > w {
			w = indexWidth
		}
		s.tables[key] = &memTable{t: t.Clone(), indexWidth: w}
		return nil
	}
	if mt.sealed {
		return fmt.Errorf("append %s: table is sealed", key)
	}
	if err := sameColumns(mt.t, t); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	for _, id := range t.Index {
		if len(id) > mt.indexWidth {
			return fmt.Errorf("append %s: identifier %q exceeds index width %d", key, id, mt.indexWidth)
		}
	}
	mt.t.Index = append(mt.t.Index, t.Index...)
	for i := range mt.t.Columns {
		dst, src := &mt.t.Columns[i], &t.Columns[i]
		if dst.IsString() {
			dst.Str = append(dst.Str, src.Str...)
		} else {
			dst.Float = append(dst.Float, src.Float...)
		}
	}
	return nil
}

func sameColumns(a, b *Table) error {
	if len(a.Columns) != len(b.Columns) {
		return fmt.Errorf("have %d columns, appending %d", len(a.Columns), len(b.Columns))
	}
	for i := range a.Columns {
		if a.Columns[i].Name != b.Columns[i].Name || a.Columns[i].IsString() != b.Columns[i].IsString() {
			return fmt.Errorf("column %d is %q, appending %q", i, a.Columns[i].Name, b.Columns[i].Name)
		}
	}
	return nil
}

func (s *memStore) Seal(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, err := s.get(key)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	if mt.sealed {
		return nil
	}
	mt.sealed = true
	mt.digest = tableDigest(mt.t)
	return nil
}

func (s *memStore) Verify(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, err := s.get(key)
	if err != nil {
		return err
	}
	if !mt.sealed {
		return fmt.Errorf("verify %s: table is not sealed", key)
	}
	if d := tableDigest(mt.t); d != mt.digest {
		return fmt.Errorf("%s: digest mismatch: %w", key, ErrCorrupt)
	}
	return nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, key)
	return nil
}

func (s *memStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, mt := range s.tables {
		if mt.sealed {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *memStore) Close() error { return nil }
