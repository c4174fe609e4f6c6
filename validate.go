// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// validatecmd checks a configuration and its input files without
// writing anything to disk: it parses the configuration, counts every
// library into an in-memory store, and runs the same precondition
// checks the score command would.
type validatecmd struct{}

func (cmd *validatecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "", "JSON configuration `file` (required)")
	strict := flags.Bool("strict", false, "also require every library to count exactly the same elements")
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
	if *configFile == "" {
		err = fmt.Errorf("-config file not specified: %w", ErrConfig)
		return 2
	}

	var cfg *Config
	cfg, err = LoadConfig(*configFile)
	if err != nil {
		return 1
	}
	var sel *Selection
	sel, err = cfg.NewSelection(MemStores())
	if err != nil {
		return 1
	}
	defer sel.Close()
	err = sel.Validate()
	if err != nil {
		return 1
	}
	for _, src := range sel.sources {
		err = src.Compute()
		if err != nil {
			return 1
		}
	}
	err = sel.containsVariants()
	if err != nil {
		return 1
	}
	if *strict {
		err = sel.TimepointIndicesIntersect()
		if err != nil {
			return 1
		}
	}
	log.Printf("[%s] configuration valid: %d libraries, %d timepoints, %v",
		sel.Name(), len(sel.sources), len(sel.Timepoints()), sel.Labels())
	return 0
}
