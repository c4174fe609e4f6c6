// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Config is the JSON run configuration: one selection experiment and
// the libraries feeding it.
type Config struct {
	Name      string          `json:"name"`
	OutputDir string          `json:"output_dir"`
	ChunkSize int             `json:"chunk_size"`
	Scorer    ScorerConfig    `json:"scorer"`
	Libraries []LibraryConfig `json:"libraries"`
}

type ScorerConfig struct {
	Method     string `json:"method"`
	LogrMethod string `json:"logr_method"`
}

// LibraryConfig describes one sequencing library: a set of count files
// for a single timepoint. Counts maps element labels to tab-separated
// count files; labels a library's kind can derive (synonymous from
// variants, variants or identifiers from barcodes) may be omitted.
type LibraryConfig struct {
	Name       string            `json:"name"`
	Timepoint  int               `json:"timepoint"`
	Kind       string            `json:"kind"`
	Counts     map[string]string `json:"counts"`
	BarcodeMap string            `json:"barcode_map,omitempty"`
	Wildtype   *WildtypeConfig   `json:"wildtype,omitempty"`
}

type WildtypeConfig struct {
	Sequence string `json:"sequence"`
	Coding   bool   `json:"coding"`
}

// LoadConfig reads and checks a JSON configuration file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var cfg Config
	dec := json.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %s: %w", path, err, ErrConfig)
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Check reports the first problem that makes the configuration
// unusable. It does not touch any referenced files.
func (cfg *Config) Check() error {
	if cfg.Name == "" {
		return fmt.Errorf("missing selection name: %w", ErrConfig)
	}
	if len(cfg.Libraries) == 0 {
		return fmt.Errorf("no libraries: %w", ErrConfig)
	}
	if cfg.ChunkSize < 0 {
		return fmt.Errorf("negative chunk_size: %w", ErrConfig)
	}
	if _, ok := scorerFactories[cfg.Scorer.Method]; !ok {
		return fmt.Errorf("unknown scoring method %q: %w", cfg.Scorer.Method, ErrConfig)
	}
	if methodUsesReference(cfg.Scorer.Method) || cfg.Scorer.LogrMethod != "" {
		if err := checkLogrMethod(cfg.Scorer.LogrMethod); err != nil {
			return err
		}
	}
	names := make(map[string]bool)
	for i := range cfg.Libraries {
		lib := &cfg.Libraries[i]
		if lib.Name == "" {
			return fmt.Errorf("library %d: missing name: %w", i, ErrConfig)
		}
		if names[lib.Name] {
			return fmt.Errorf("duplicate library name %q: %w", lib.Name, ErrConfig)
		}
		names[lib.Name] = true
		if lib.Timepoint < 0 {
			return fmt.Errorf("library %s: negative timepoint: %w", lib.Name, ErrConfig)
		}
		kind, err := ParseSourceKind(lib.Kind)
		if err != nil {
			return fmt.Errorf("library %s: %w", lib.Name, err)
		}
		coding := lib.Wildtype != nil && lib.Wildtype.Coding
		labels := kind.labels(coding)
		for label := range lib.Counts {
			ok := false
			for _, l := range labels {
				if l == label {
					ok = true
				}
			}
			if !ok {
				return fmt.Errorf("library %s: counts for label %q do not fit kind %s: %w", lib.Name, label, lib.Kind, ErrConfig)
			}
		}
		if lib.Counts[labels[0]] == "" {
			return fmt.Errorf("library %s: missing %s counts: %w", lib.Name, labels[0], ErrConfig)
		}
		needMap := kind == KindBarcodeVariant || kind == KindBarcodeIdentifier
		if needMap && lib.BarcodeMap == "" {
			return fmt.Errorf("library %s: missing barcode_map: %w", lib.Name, ErrConfig)
		}
		if !needMap && lib.BarcodeMap != "" {
			return fmt.Errorf("library %s: barcode_map does not fit kind %s: %w", lib.Name, lib.Kind, ErrConfig)
		}
	}
	return nil
}

// StoreOpener opens the store for a named pipeline participant: the
// selection itself or one of its libraries.
type StoreOpener func(name string) (Store, error)

// MemStores returns a StoreOpener that keeps every store in memory.
// Nothing is cached across runs.
func MemStores() StoreOpener {
	return func(string) (Store, error) { return NewMemStore(), nil }
}

// FileStores returns a StoreOpener backed by one sqlite file per
// participant under dir, creating dir as needed.
func FileStores(dir string) StoreOpener {
	return func(name string) (Store, error) {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, err
		}
		return OpenSQLite(filepath.Join(dir, fixFilename(name)+".db"))
	}
}

// fixFilename strips a name down to characters safe in a file name and
// turns spaces into underscores.
func fixFilename(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c == ' ':
			b.WriteByte('_')
		case c == '.' || c == '_' || c == '~' || c == '-',
			c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		}
	}
	return b.String()
}

// NewSelection builds the selection and its sources from the
// configuration, opening one store per participant. Sources are
// ordered by timepoint, then name.
func (cfg *Config) NewSelection(stores StoreOpener) (*Selection, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	scorer, err := newScorer(cfg.Scorer.Method, cfg.Scorer.LogrMethod)
	if err != nil {
		return nil, err
	}
	store, err := stores(cfg.Name + "_sel")
	if err != nil {
		return nil, err
	}
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	sel := &Selection{
		name:      cfg.Name,
		store:     store,
		chunkSize: chunkSize,
		method:    cfg.Scorer.Method,
		logr:      cfg.Scorer.LogrMethod,
		scorer:    scorer,
		bcmaps:    newBarcodeMapCache(),
	}
	libs := make([]LibraryConfig, len(cfg.Libraries))
	copy(libs, cfg.Libraries)
	sort.SliceStable(libs, func(a, b int) bool {
		if libs[a].Timepoint != libs[b].Timepoint {
			return libs[a].Timepoint < libs[b].Timepoint
		}
		return libs[a].Name < libs[b].Name
	})
	for _, lib := range libs {
		kind, err := ParseSourceKind(lib.Kind)
		if err != nil {
			sel.Close()
			return nil, err
		}
		srcStore, err := stores(lib.Name + "_lib")
		if err != nil {
			sel.Close()
			return nil, err
		}
		src := &countSource{
			name:       lib.Name,
			timepoint:  lib.Timepoint,
			kind:       kind,
			store:      srcStore,
			countFiles: lib.Counts,
			barcodeMap: lib.BarcodeMap,
			bcmaps:     sel.bcmaps,
		}
		if lib.Wildtype != nil {
			src.wtSeq = lib.Wildtype.Sequence
			src.coding = lib.Wildtype.Coding
		}
		sel.sources = append(sel.sources, src)
	}
	return sel, nil
}
