// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// statscmd summarizes a store as JSON: every sealed table's shape, and
// score distributions where present.
type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	storeFile := flags.String("store", "", "store `file` to summarize (required)")
	outputFilename := flags.String("o", "-", "output `file`")
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

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = cmd.doStats(store, bufw)
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
	return 0
}

type tableStats struct {
	Key     string
	Rows    int
	Columns []string
	Score   *scoreStats `json:",omitempty"`
}

type scoreStats struct {
	Mean      float64
	StdDev    float64
	Min       float64
	Max       float64
	NonFinite int `json:",omitempty"`
}

func (cmd *statscmd) doStats(store Store, output io.Writer) error {
	var ret struct {
		Tables []tableStats
	}
	for _, key := range store.Keys() {
		t, err := store.Read(key)
		if err != nil {
			return err
		}
		ts := tableStats{Key: key, Rows: t.Len(), Columns: t.ColumnNames()}
		if score := t.Float("score"); score != nil {
			finite := make([]float64, 0, len(score))
			for _, v := range score {
				if !math.IsNaN(v) && !math.IsInf(v, 0) {
					finite = append(finite, v)
				}
			}
			if len(finite) > 0 {
				mean, sd := stat.MeanStdDev(finite, nil)
				if math.IsNaN(sd) {
					sd = 0
				}
				ts.Score = &scoreStats{
					Mean:      mean,
					StdDev:    sd,
					Min:       floats.Min(finite),
					Max:       floats.Max(finite),
					NonFinite: len(score) - len(finite),
				}
			}
		}
		ret.Tables = append(ret.Tables, ts)
	}
	return json.NewEncoder(output).Encode(ret)
}
