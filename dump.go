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
)

// dumpcmd prints a store's sealed keys, or one table as tab-separated
// text, on stdout.
type dumpcmd struct{}

func (cmd *dumpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	storeFile := flags.String("store", "", "store `file` to dump (required)")
	key := flags.String("key", "", "table to dump (default: list keys)")
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
	bufw := bufio.NewWriter(stdout)
	if *key == "" {
		for _, k := range store.Keys() {
			fmt.Fprintln(bufw, k)
		}
	} else {
		var t *Table
		t, err = store.Read(*key)
		if err != nil {
			return 1
		}
		err = writeTableTSV(bufw, t)
		if err != nil {
			return 1
		}
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	return 0
}
