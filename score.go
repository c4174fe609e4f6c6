// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

type scorecmd struct{}

func (cmd *scorecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "", "JSON configuration `file` (required)")
	outputDir := flags.String("output-dir", "", "output `directory` (overrides configuration)")
	chunkSize := flags.Int("chunk-size", 0, "`rows` per chunk (overrides configuration)")
	recalculate := flags.Bool("recalculate", false, "discard cached tables and recalculate everything")
	componentOutliers := flags.Bool("component-outliers", false, "calculate component outlier statistics")
	noTSV := flags.Bool("no-tsv", false, "don't write tab-separated output files")
	gz := flags.Bool("z", false, "gzip tab-separated output files")
	verify := flags.Bool("verify", false, "verify stored table digests after the run")
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
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if *chunkSize > 0 {
		cfg.ChunkSize = *chunkSize
	}
	if cfg.OutputDir == "" {
		err = fmt.Errorf("no output directory in configuration or -output-dir flag: %w", ErrConfig)
		return 2
	}

	var sel *Selection
	sel, err = cfg.NewSelection(FileStores(cfg.OutputDir))
	if err != nil {
		return 1
	}
	defer sel.Close()
	err = sel.Run(RunOptions{
		Force:             *recalculate,
		ComponentOutliers: *componentOutliers,
		Verify:            *verify,
	})
	if err != nil {
		return 1
	}
	if !*noTSV {
		err = sel.WriteTSV(filepath.Join(cfg.OutputDir, "tsv"), *gz)
		if err != nil {
			return 1
		}
	}
	log.Printf("[%s] done", sel.Name())
	return 0
}
