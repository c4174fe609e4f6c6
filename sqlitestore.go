// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// sqliteStore is a Store backed by a single sqlite database file. Each
// table key becomes one sqlite table (named by the key itself, quoted)
// plus a row in the "tables" catalog holding its seal state, column
// layout, declared index width, and content digest.
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens the sqlite-backed Store at path, creating the file
// and catalog if needed.
func OpenSQLite(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// the pipeline is single-writer; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS tables (
		key TEXT PRIMARY KEY,
		sealed INTEGER NOT NULL DEFAULT 0,
		nrows INTEGER NOT NULL DEFAULT 0,
		idxwidth INTEGER NOT NULL DEFAULT 0,
		cols TEXT NOT NULL DEFAULT '[]',
		digest TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &sqliteStore{db: db}, nil
}

type sqliteCol struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func colsOf(t *Table) []sqliteCol {
	cols := make([]sqliteCol, len(t.Columns))
	for i, c := range t.Columns {
		kind := "float"
		if c.IsString() {
			kind = "str"
		}
		cols[i] = sqliteCol{Name: c.Name, Kind: kind}
	}
	return cols
}

type sqliteMeta struct {
	sealed   bool
	nrows    int
	idxwidth int
	cols     []sqliteCol
	digest   string
}

func (s *sqliteStore) meta(key string) (*sqliteMeta, error) {
	var m sqliteMeta
	var colsJSON string
	row := s.db.QueryRow(`SELECT sealed, nrows, idxwidth, cols, digest FROM tables WHERE key = ?`, key)
	err := row.Scan(&m.sealed, &m.nrows, &m.idxwidth, &colsJSON, &m.digest)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(colsJSON), &m.cols); err != nil {
		return nil, fmt.Errorf("%s: catalog entry: %w", key, err)
	}
	return &m, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func createTableSQL(key string, cols []sqliteCol) string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "CREATE TABLE %s (ord INTEGER PRIMARY KEY, idx TEXT NOT NULL", quoteIdent(key))
	for _, c := range cols {
		typ := "REAL"
		if c.Kind == "str" {
			typ = "TEXT"
		}
		fmt.Fprintf(b, ", %s %s", quoteIdent(c.Name), typ)
	}
	b.WriteString(")")
	return b.String()
}

func insertRows(tx *sql.Tx, key string, cols []sqliteCol, t *Table, startOrd int) error {
	b := new(strings.Builder)
	fmt.Fprintf(b, "INSERT INTO %s (ord, idx", quoteIdent(key))
	for _, c := range cols {
		fmt.Fprintf(b, ", %s", quoteIdent(c.Name))
	}
	b.WriteString(") VALUES (?, ?")
	b.WriteString(strings.Repeat(", ?", len(cols)))
	b.WriteString(")")
	stmt, err := tx.Prepare(b.String())
	if err != nil {
		return err
	}
	defer stmt.Close()
	args := make([]interface{}, len(cols)+2)
	for i, id := range t.Index {
		args[0] = startOrd + i
		args[1] = id
		for ci := range t.Columns {
			c := &t.Columns[ci]
			if c.IsString() {
				if c.Str[i] == "" {
					args[ci+2] = nil
				} else {
					args[ci+2] = c.Str[i]
				}
			} else {
				if math.IsNaN(c.Float[i]) {
					args[ci+2] = nil
				} else {
					args[ci+2] = c.Float[i]
				}
			}
		}
		if _, err := stmt.Exec(args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Exists(key string) bool {
	m, err := s.meta(key)
	return err == nil && m.sealed
}

func (s *sqliteStore) Put(key string, t *Table) error {
	cols := colsOf(t)
	colsJSON, err := json.Marshal(cols)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DROP TABLE IF EXISTS " + quoteIdent(key)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if _, err := tx.Exec(createTableSQL(key, cols)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := insertRows(tx, key, cols, t, 0); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	_, err = tx.Exec(`INSERT INTO tables (key, sealed, nrows, idxwidth, cols, digest) VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET sealed=excluded.sealed, nrows=excluded.nrows, idxwidth=excluded.idxwidth, cols=excluded.cols, digest=excluded.digest`,
		key, t.Len(), t.MaxIndexWidth(), string(colsJSON), tableDigest(t))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *sqliteStore) Append(key string, t *Table, indexWidth int) error {
	m, err := s.meta(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("append: %w", err)
	}
	cols := colsOf(t)
	tx, txErr := s.db.Begin()
	if txErr != nil {
		return fmt.Errorf("append %s: %w", key, txErr)
	}
	defer tx.Rollback()
	if err != nil {
		// new table
		w := t.MaxIndexWidth()
		if indexWidth > w {
			w = indexWidth
		}
		colsJSON, err := json.Marshal(cols)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(createTableSQL(key, cols)); err != nil {
			return fmt.Errorf("append %s: %w", key, err)
		}
		if err := insertRows(tx, key, cols, t, 0); err != nil {
			return fmt.Errorf("append %s: %w", key, err)
		}
		if _, err := tx.Exec(`INSERT INTO tables (key, sealed, nrows, idxwidth, cols) VALUES (?, 0, ?, ?, ?)`,
			key, t.Len(), w, string(colsJSON)); err != nil {
			return fmt.Errorf("append %s: %w", key, err)
		}
		return tx.Commit()
	}
	if m.sealed {
		return fmt.Errorf("append %s: table is sealed", key)
	}
	if len(cols) != len(m.cols) {
		return fmt.Errorf("append %s: have %d columns, appending %d", key, len(m.cols), len(cols))
	}
	for i := range cols {
		if cols[i] != m.cols[i] {
			return fmt.Errorf("append %s: column %d is %q, appending %q", key, i, m.cols[i].Name, cols[i].Name)
		}
	}
	for _, id := range t.Index {
		if len(id) > m.idxwidth {
			return fmt.Errorf("append %s: identifier %q exceeds index width %d", key, id, m.idxwidth)
		}
	}
	if err := insertRows(tx, key, cols, t, m.nrows); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	if _, err := tx.Exec(`UPDATE tables SET nrows = ? WHERE key = ?`, m.nrows+t.Len(), key); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return tx.Commit()
}

func emptyTable(cols []sqliteCol) *Table {
	t := NewTable(nil)
	for _, c := range cols {
		if c.Kind == "str" {
			t.Columns = append(t.Columns, Column{Name: c.Name, Str: []string{}})
		} else {
			t.Columns = append(t.Columns, Column{Name: c.Name, Float: []float64{}})
		}
	}
	return t
}

type rowScanner struct {
	ord        int
	idx        string
	floatCells []sql.NullFloat64
	strCells   []sql.NullString
	dest       []interface{}
}

func newRowScanner(cols []sqliteCol) *rowScanner {
	sc := &rowScanner{
		floatCells: make([]sql.NullFloat64, len(cols)),
		strCells:   make([]sql.NullString, len(cols)),
		dest:       make([]interface{}, len(cols)+2),
	}
	sc.dest[0] = &sc.ord
	sc.dest[1] = &sc.idx
	for i, c := range cols {
		if c.Kind == "str" {
			sc.dest[i+2] = &sc.strCells[i]
		} else {
			sc.dest[i+2] = &sc.floatCells[i]
		}
	}
	return sc
}

// appendTo adds the scanned row to t, which must have the same column
// layout the scanner was built with.
func (sc *rowScanner) appendTo(t *Table) {
	t.Index = append(t.Index, sc.idx)
	for i := range t.Columns {
		c := &t.Columns[i]
		if c.IsString() {
			c.Str = append(c.Str, sc.strCells[i].String)
		} else if sc.floatCells[i].Valid {
			c.Float = append(c.Float, sc.floatCells[i].Float64)
		} else {
			c.Float = append(c.Float, math.NaN())
		}
	}
}

// readWindow reads rows with ord >= fromOrd, at most n of them (n <= 0
// means all), returning the table fragment and the last ord seen.
func (s *sqliteStore) readWindow(key string, cols []sqliteCol, fromOrd, n int) (*Table, int, error) {
	q := new(strings.Builder)
	q.WriteString("SELECT ord, idx")
	for _, c := range cols {
		fmt.Fprintf(q, ", %s", quoteIdent(c.Name))
	}
	fmt.Fprintf(q, " FROM %s WHERE ord >= ? ORDER BY ord", quoteIdent(key))
	if n > 0 {
		fmt.Fprintf(q, " LIMIT %d", n)
	}
	rows, err := s.db.Query(q.String(), fromOrd)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", key, err)
	}
	defer rows.Close()
	t := emptyTable(cols)
	sc := newRowScanner(cols)
	lastOrd := fromOrd - 1
	for rows.Next() {
		if err := rows.Scan(sc.dest...); err != nil {
			return nil, 0, fmt.Errorf("%s: %w", key, err)
		}
		sc.appendTo(t)
		lastOrd = sc.ord
	}
	return t, lastOrd, rows.Err()
}

func (s *sqliteStore) readAll(key string, cols []sqliteCol) (*Table, error) {
	if cols == nil {
		m, err := s.meta(key)
		if err != nil {
			return nil, err
		}
		cols = m.cols
	}
	t, _, err := s.readWindow(key, cols, 0, 0)
	return t, err
}

func (s *sqliteStore) Read(key string) (*Table, error) {
	return s.readAll(key, nil)
}

func (s *sqliteStore) ReadColumns(key string, names ...string) (*Table, error) {
	m, err := s.meta(key)
	if err != nil {
		return nil, err
	}
	var cols []sqliteCol
	for _, name := range names {
		found := false
		for _, c := range m.cols {
			if c.Name == name {
				cols = append(cols, c)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%s: no column %q", key, name)
		}
	}
	return s.readAll(key, cols)
}

func (s *sqliteStore) ReadRows(key string, ids []string) (*Table, error) {
	m, err := s.meta(key)
	if err != nil {
		return nil, err
	}
	scratch := emptyTable(m.cols)
	var ords []int
	// sqlite caps the number of bound parameters, so query in batches
	for start := 0; start < len(ids); start += 500 {
		end := start + 500
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		q := new(strings.Builder)
		q.WriteString("SELECT ord, idx")
		for _, c := range m.cols {
			fmt.Fprintf(q, ", %s", quoteIdent(c.Name))
		}
		fmt.Fprintf(q, " FROM %s WHERE idx IN (?%s)", quoteIdent(key), strings.Repeat(", ?", len(batch)-1))
		args := make([]interface{}, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		err := func() error {
			rows, err := s.db.Query(q.String(), args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			sc := newRowScanner(m.cols)
			for rows.Next() {
				if err := rows.Scan(sc.dest...); err != nil {
					return err
				}
				sc.appendTo(scratch)
				ords = append(ords, sc.ord)
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	perm := make([]int, len(ords))
	for i := range perm {
		perm[i] = i
	}
	sort.Slice(perm, func(a, b int) bool { return ords[perm[a]] < ords[perm[b]] })
	index := make([]string, len(perm))
	for i, r := range perm {
		index[i] = scratch.Index[r]
	}
	return scratch.takeRows(index, perm), nil
}

func (s *sqliteStore) ReadIndex(key string) ([]string, error) {
	if _, err := s.meta(key); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(fmt.Sprintf("SELECT idx FROM %s ORDER BY ord", quoteIdent(key)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) ReadChunks(key string, n int, fn func(*Table) error) error {
	m, err := s.meta(key)
	if err != nil {
		return err
	}
	// window queries rather than one long-lived cursor, so fn can
	// write to the store between chunks
	fromOrd := 0
	for {
		t, lastOrd, err := s.readWindow(key, m.cols, fromOrd, n)
		if err != nil {
			return err
		}
		if t.Len() == 0 {
			return nil
		}
		if err := fn(t); err != nil {
			return err
		}
		if n <= 0 {
			return nil
		}
		fromOrd = lastOrd + 1
	}
}

func (s *sqliteStore) Seal(key string) error {
	m, err := s.meta(key)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	if m.sealed {
		return nil
	}
	t, err := s.readAll(key, m.cols)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	if _, err := s.db.Exec(`UPDATE tables SET sealed = 1, digest = ? WHERE key = ?`, tableDigest(t), key); err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Verify(key string) error {
	m, err := s.meta(key)
	if err != nil {
		return err
	}
	if !m.sealed {
		return fmt.Errorf("verify %s: table is not sealed", key)
	}
	t, err := s.readAll(key, m.cols)
	if err != nil {
		return err
	}
	if d := tableDigest(t); d != m.digest {
		return fmt.Errorf("%s: digest mismatch: %w", key, ErrCorrupt)
	}
	return nil
}

func (s *sqliteStore) Delete(key string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DROP TABLE IF EXISTS " + quoteIdent(key)); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if _, err := tx.Exec(`DELETE FROM tables WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *sqliteStore) Keys() []string {
	rows, err := s.db.Query(`SELECT key FROM tables WHERE sealed = 1 ORDER BY key`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if rows.Scan(&key) == nil {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *sqliteStore) Close() error { return s.db.Close() }
