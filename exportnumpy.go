// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// exportNumpy writes one table as a numpy matrix of its numeric
// columns, with the row identifiers and column names in csv sidecar
// files.
type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	storeFile := flags.String("store", "", "store `file` to export (required)")
	key := flags.String("key", "", "table to export (required)")
	outputDir := flags.String("output-dir", ".", "output `directory`")
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
	if *storeFile == "" || *key == "" {
		err = fmt.Errorf("-store and -key must be specified: %w", ErrConfig)
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
	var t *Table
	t, err = store.Read(*key)
	if err != nil {
		return 1
	}
	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return 1
	}
	base := filepath.Join(*outputDir, strings.TrimSuffix(tsvFilename(*key, false), ".tsv"))

	cols := 0
	var names []string
	for _, c := range t.Columns {
		if !c.IsString() {
			names = append(names, c.Name)
			cols++
		}
	}
	rows := t.Len()
	data := make([]float64, rows*cols)
	j := 0
	for _, c := range t.Columns {
		if c.IsString() {
			continue
		}
		for i, v := range c.Float {
			data[i*cols+j] = v
		}
		j++
	}

	var output *os.File
	output, err = os.OpenFile(base+".npy", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	var npw *gonpy.NpyWriter
	npw, err = gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(data)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}

	err = writeCSVList(base+".index.csv", t.Index)
	if err != nil {
		return 1
	}
	err = writeCSVList(base+".columns.csv", names)
	if err != nil {
		return 1
	}
	log.Printf("exported %s as %d x %d matrix", *key, rows, cols)
	return 0
}

func writeCSVList(fnm string, items []string) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	for i, item := range items {
		if _, err := fmt.Fprintf(bufw, "%d,%q\n", i, item); err != nil {
			return err
		}
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
