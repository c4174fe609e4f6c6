// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

// exporter writes the sealed tables of a store to tab-separated files,
// one file per table.
type exporter struct{}

func (cmd *exporter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	storeFile := flags.String("store", "", "store `file` to export (required)")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	key := flags.String("key", "", "export only the named table")
	gz := flags.Bool("z", false, "gzip output files")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}
	if *storeFile == "" {
		err = fmt.Errorf("-store file not specified: %w", ErrConfig)
		return 2
	}
	if _, err = os.Stat(*storeFile); err != nil {
		return 1
	}

	var store Store
	store, err = OpenSQLite(*storeFile)
	if err != nil {
		return 1
	}
	defer store.Close()
	keys := store.Keys()
	if *key != "" {
		if !store.Exists(*key) {
			err = fmt.Errorf("%s: %w", *key, ErrNotFound)
			return 1
		}
		keys = []string{*key}
	}
	for _, k := range keys {
		err = exportTableTSV(store, k, *outputDir, *gz)
		if err != nil {
			return 1
		}
	}
	log.Printf("exported %d tables to %s", len(keys), *outputDir)
	return 0
}

// WriteTSV writes every sealed table of the selection store and of
// each source store below dir, one subdirectory per store.
func (sel *Selection) WriteTSV(dir string, gz bool) error {
	if err := writeStoreTSV(sel.store, filepath.Join(dir, fixFilename(sel.name)+"_sel"), gz); err != nil {
		return err
	}
	for _, src := range sel.sources {
		if err := writeStoreTSV(src.Store(), filepath.Join(dir, fixFilename(src.Name())+"_lib"), gz); err != nil {
			return err
		}
	}
	return nil
}

func writeStoreTSV(store Store, dir string, gz bool) error {
	for _, key := range store.Keys() {
		if err := exportTableTSV(store, key, dir, gz); err != nil {
			return err
		}
	}
	return nil
}

func exportTableTSV(store Store, key, dir string, gz bool) error {
	t, err := store.Read(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	fnm := filepath.Join(dir, tsvFilename(key, gz))
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	var out io.Writer = bufw
	var gzw *pgzip.Writer
	if gz {
		gzw = pgzip.NewWriter(bufw)
		out = gzw
	}
	if err := writeTableTSV(out, t); err != nil {
		return err
	}
	if gzw != nil {
		if err := gzw.Close(); err != nil {
			return err
		}
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// tsvFilename maps a store key to a file name, e.g.
// /main/variants/scores to main_variants_scores.tsv.
func tsvFilename(key string, gz bool) string {
	fnm := strings.ReplaceAll(strings.Trim(key, "/"), "/", "_") + ".tsv"
	if gz {
		fnm += ".gz"
	}
	return fnm
}

// writeTableTSV writes a table the way pandas writes a tab-separated
// data frame: an empty header cell over the row identifiers, "NaN" for
// missing cells, shortest round-trip float formatting.
func writeTableTSV(w io.Writer, t *Table) error {
	for _, name := range t.ColumnNames() {
		if _, err := fmt.Fprintf(w, "\t%s", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	for i, id := range t.Index {
		if _, err := io.WriteString(w, id); err != nil {
			return err
		}
		for _, c := range t.Columns {
			var cell string
			if c.IsString() {
				cell = c.Str[i]
				if cell == "" {
					cell = "NaN"
				}
			} else if math.IsNaN(c.Float[i]) {
				cell = "NaN"
			} else {
				cell = strconv.FormatFloat(c.Float[i], 'g', -1, 64)
			}
			if _, err := fmt.Fprintf(w, "\t%s", cell); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}
