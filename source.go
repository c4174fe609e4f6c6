// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/enrichseq/enrich/hgvs"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

// Element type labels, in canonical processing order. Barcodes are the
// most basic element type and synonymous the most derived, so building
// each label only needs labels that come before it.
var elementLabels = []string{"barcodes", "identifiers", "variants", "synonymous"}

// SourceKind describes what kind of elements a Source counts and how
// its raw count tables relate to each other.
type SourceKind int

const (
	// KindBasic counts variants directly.
	KindBasic SourceKind = iota
	// KindBarcode counts bare barcodes.
	KindBarcode
	// KindBarcodeVariant counts barcodes that map to variants.
	KindBarcodeVariant
	// KindBarcodeIdentifier counts barcodes that map to arbitrary
	// identifiers.
	KindBarcodeIdentifier
	// KindIDOnly counts arbitrary identifiers.
	KindIDOnly
)

var sourceKindNames = map[SourceKind]string{
	KindBasic:             "basic",
	KindBarcode:           "barcode",
	KindBarcodeVariant:    "barcode_variant",
	KindBarcodeIdentifier: "barcode_identifier",
	KindIDOnly:            "id_only",
}

func (k SourceKind) String() string {
	if name, ok := sourceKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("SourceKind(%d)", int(k))
}

// ParseSourceKind converts a configuration string to a SourceKind.
func ParseSourceKind(name string) (SourceKind, error) {
	for k, n := range sourceKindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown library kind %q: %w", name, ErrConfig)
}

func (k SourceKind) labels(coding bool) []string {
	switch k {
	case KindBasic:
		if coding {
			return []string{"variants", "synonymous"}
		}
		return []string{"variants"}
	case KindBarcode:
		return []string{"barcodes"}
	case KindBarcodeVariant:
		if coding {
			return []string{"barcodes", "variants", "synonymous"}
		}
		return []string{"barcodes", "variants"}
	case KindBarcodeIdentifier:
		return []string{"barcodes", "identifiers"}
	case KindIDOnly:
		return []string{"identifiers"}
	}
	return nil
}

// A Source supplies raw per-element counts for a single timepoint of a
// selection. Sources own their stores; the selection only reads
// /raw/<label>/counts tables from them.
type Source interface {
	Name() string
	Timepoint() int
	Kind() SourceKind
	// Labels returns the element types this source counts, in
	// canonical order.
	Labels() []string
	Store() Store
	// Compute populates the raw count tables. It is idempotent:
	// sealed tables from an earlier run are kept.
	Compute() error
	WildtypeSequence() string
	IsCoding() bool
	// BarcodeMapPath returns the barcode map file path, or "" for
	// kinds that have none.
	BarcodeMapPath() string
}

// countSource is a Source fed by tab-separated count files, one per
// element label. Counts for derived labels (synonymous for coding
// sources, variants or identifiers for barcode sources) may be
// omitted, in which case they are rolled up from the more basic label.
type countSource struct {
	name       string
	timepoint  int
	kind       SourceKind
	store      Store
	countFiles map[string]string
	barcodeMap string
	wtSeq      string
	coding     bool
	bcmaps     *barcodeMapCache
}

func (cs *countSource) Name() string             { return cs.name }
func (cs *countSource) Timepoint() int           { return cs.timepoint }
func (cs *countSource) Kind() SourceKind         { return cs.kind }
func (cs *countSource) Labels() []string         { return cs.kind.labels(cs.coding) }
func (cs *countSource) Store() Store             { return cs.store }
func (cs *countSource) WildtypeSequence() string { return cs.wtSeq }
func (cs *countSource) IsCoding() bool           { return cs.coding }
func (cs *countSource) BarcodeMapPath() string   { return cs.barcodeMap }

func (cs *countSource) Compute() error {
	for _, label := range cs.Labels() {
		key := rawCountsKey(label)
		if cs.store.Exists(key) {
			continue
		}
		t, err := cs.countTable(label)
		if err != nil {
			return fmt.Errorf("%s: %w", cs.name, err)
		}
		if err := cs.store.Put(key, t); err != nil {
			return fmt.Errorf("%s: %w", cs.name, err)
		}
		log.Printf("[%s] counted %d %s", cs.name, t.Len(), label)
	}
	if cs.barcodeMap != "" && !cs.store.Exists(rawBarcodeMapKey) {
		m, err := cs.bcmaps.load(cs.barcodeMap)
		if err != nil {
			return fmt.Errorf("%s: %w", cs.name, err)
		}
		if err := cs.store.Put(rawBarcodeMapKey, barcodeMapTable(m)); err != nil {
			return fmt.Errorf("%s: %w", cs.name, err)
		}
	}
	return nil
}

func barcodeMapTable(m map[string]string) *Table {
	ids := make([]string, 0, len(m))
	for bc := range m {
		ids = append(ids, bc)
	}
	sort.Strings(ids)
	vals := make([]string, len(ids))
	for i, bc := range ids {
		vals[i] = m[bc]
	}
	t := NewTable(ids)
	t.AddString("value", vals)
	return t
}

func (cs *countSource) countTable(label string) (*Table, error) {
	if path := cs.countFiles[label]; path != "" {
		return readCountsTSV(path)
	}
	switch {
	case label == "synonymous":
		return cs.rollupSynonymous()
	case label == "variants" && cs.kind == KindBarcodeVariant:
		return cs.rollupBarcodes(label)
	case label == "identifiers" && cs.kind == KindBarcodeIdentifier:
		return cs.rollupBarcodes(label)
	}
	return nil, fmt.Errorf("no counts file for %s: %w", label, ErrPrecondition)
}

// rollupSynonymous aggregates variant counts by their protein-level
// changes. Variants with no amino acid change are pooled under the
// synonymous identifier, and the wild type carries over unchanged.
func (cs *countSource) rollupSynonymous() (*Table, error) {
	vt, err := cs.store.Read(rawCountsKey("variants"))
	if err != nil {
		return nil, err
	}
	data := vt.Float("count")
	counts := make(map[string]float64)
	for i, v := range vt.Index {
		pv, err := hgvs.Protein(v)
		if err != nil {
			return nil, fmt.Errorf("synonymous rollup: %w", err)
		}
		counts[pv] += data[i]
	}
	return countsTable(counts), nil
}

// rollupBarcodes aggregates barcode counts by their mapped value.
// Unmapped barcodes are dropped.
func (cs *countSource) rollupBarcodes(label string) (*Table, error) {
	bt, err := cs.store.Read(rawCountsKey("barcodes"))
	if err != nil {
		return nil, err
	}
	bcmap, err := cs.bcmaps.load(cs.barcodeMap)
	if err != nil {
		return nil, fmt.Errorf("%s rollup: %w", label, err)
	}
	data := bt.Float("count")
	counts := make(map[string]float64)
	dropped := 0
	for i, bc := range bt.Index {
		if v, ok := bcmap[bc]; ok {
			counts[v] += data[i]
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		log.Printf("[%s] dropped %d unmapped barcodes (%s)", cs.name, dropped, label)
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("%s rollup: no barcodes matched the barcode map: %w", label, ErrPrecondition)
	}
	return countsTable(counts), nil
}

func countsTable(counts map[string]float64) *Table {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data := make([]float64, len(ids))
	for i, id := range ids {
		data[i] = counts[id]
	}
	t := NewTable(ids)
	t.AddFloat("count", data)
	return t
}

func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := pgzip.NewReader(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: gzip: %w", path, err)
	}
	return &gzipReadCloser{zr: zr, f: f}, nil
}

type gzipReadCloser struct {
	zr *pgzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipReadCloser) Close() error {
	err := g.zr.Close()
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// readCountsTSV reads a two-column tab-separated count file: element
// identifier, then count. A header line is detected by its second
// field not parsing as a number. Rows are returned sorted by
// identifier.
func readCountsTSV(path string) (*Table, error) {
	rdr, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	counts := make(map[string]float64)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s line %d: expected 2 tab-separated fields, got %d", path, lineno, len(fields))
		}
		count, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			if lineno == 1 {
				// header
				continue
			}
			return nil, fmt.Errorf("%s line %d: bad count %q", path, lineno, fields[1])
		}
		if count < 0 {
			return nil, fmt.Errorf("%s line %d: negative count %q", path, lineno, fields[1])
		}
		id := fields[0]
		if id == "" {
			return nil, fmt.Errorf("%s line %d: empty identifier", path, lineno)
		}
		if _, ok := counts[id]; ok {
			return nil, fmt.Errorf("%s line %d: duplicate identifier %q", path, lineno, id)
		}
		counts[id] = count
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("%s: no count rows: %w", path, ErrPrecondition)
	}
	return countsTable(counts), nil
}

// readBarcodeMap reads a barcode map file: one barcode per line,
// followed by whitespace and the mapped value. The value may itself
// contain spaces (variant strings do).
func readBarcodeMap(path string) (map[string]string, error) {
	rdr, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	m := make(map[string]string)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		cut := strings.IndexAny(line, " \t")
		if cut <= 0 {
			return nil, fmt.Errorf("%s line %d: expected barcode and value", path, lineno)
		}
		bc := line[:cut]
		val := strings.TrimLeft(line[cut:], " \t")
		if val == "" {
			return nil, fmt.Errorf("%s line %d: empty value for barcode %q", path, lineno, bc)
		}
		if prev, ok := m[bc]; ok && prev != val {
			return nil, fmt.Errorf("%s line %d: barcode %q maps to both %q and %q", path, lineno, bc, prev, val)
		}
		m[bc] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%s: no barcode map entries: %w", path, ErrPrecondition)
	}
	return m, nil
}

// barcodeMapCache caches parsed barcode map files by absolute path.
// Sources at different timepoints usually share one map file; the
// cache parses it once per run, rereading only if the file changes on
// disk. Callers must not modify the returned map.
type barcodeMapCache struct {
	mu      sync.Mutex
	entries map[string]*barcodeMapEntry
}

type barcodeMapEntry struct {
	modTime time.Time
	size    int64
	m       map[string]string
}

func newBarcodeMapCache() *barcodeMapCache {
	return &barcodeMapCache{entries: make(map[string]*barcodeMapEntry)}
}

func (c *barcodeMapCache) load(path string) (map[string]string, error) {
	if path == "" {
		return nil, fmt.Errorf("no barcode map file: %w", ErrConfig)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[abs]; ok && e.modTime.Equal(fi.ModTime()) && e.size == fi.Size() {
		return e.m, nil
	}
	m, err := readBarcodeMap(abs)
	if err != nil {
		return nil, err
	}
	c.entries[abs] = &barcodeMapEntry{modTime: fi.ModTime(), size: fi.Size(), m: m}
	return m, nil
}

// invalidate drops the cached entry for path so the next load rereads
// the file even if its size and mtime are unchanged.
func (c *barcodeMapCache) invalidate(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, abs)
}
