// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"fmt"
	"sort"
	"time"

	"github.com/enrichseq/enrich/hgvs"
	log "github.com/sirupsen/logrus"
)

const defaultChunkSize = 32768

// A Selection scores the change in element abundance across the
// timepoints of one selection experiment. It owns a store for its
// aggregated tables and reads raw counts from its sources.
type Selection struct {
	name      string
	store     Store
	sources   []Source
	chunkSize int
	method    string
	logr      string
	scorer    Scorer
	bcmaps    *barcodeMapCache
}

func (sel *Selection) Name() string { return sel.name }

func (sel *Selection) Store() Store { return sel.store }

// Timepoints returns the sorted distinct timepoints of the sources.
func (sel *Selection) Timepoints() []int {
	seen := make(map[int]bool)
	var tps []int
	for _, src := range sel.sources {
		if !seen[src.Timepoint()] {
			seen[src.Timepoint()] = true
			tps = append(tps, src.Timepoint())
		}
	}
	sort.Ints(tps)
	return tps
}

func (sel *Selection) sourcesAt(tp int) []Source {
	var out []Source
	for _, src := range sel.sources {
		if src.Timepoint() == tp {
			out = append(out, src)
		}
	}
	return out
}

// Labels returns the element labels common to every source, in
// canonical order.
func (sel *Selection) Labels() []string {
	counts := make(map[string]int)
	for _, src := range sel.sources {
		for _, label := range src.Labels() {
			counts[label]++
		}
	}
	var out []string
	for _, label := range elementLabels {
		if counts[label] == len(sel.sources) {
			out = append(out, label)
		}
	}
	return out
}

func (sel *Selection) hasWTSequence() bool {
	for _, src := range sel.sources {
		if src.WildtypeSequence() == "" {
			return false
		}
	}
	return true
}

func (sel *Selection) isCoding() bool {
	for _, src := range sel.sources {
		if !src.IsCoding() {
			return false
		}
	}
	return true
}

func (sel *Selection) isBarcodeVariant() bool {
	for _, src := range sel.sources {
		if src.Kind() != KindBarcodeVariant {
			return false
		}
	}
	return true
}

func (sel *Selection) isBarcodeID() bool {
	for _, src := range sel.sources {
		if src.Kind() != KindBarcodeIdentifier {
			return false
		}
	}
	return true
}

// wtLabel returns the label whose counts hold the wild type reference
// row for wild type normalization.
func (sel *Selection) wtLabel() (string, error) {
	for _, label := range []string{"variants", "identifiers"} {
		for _, have := range sel.Labels() {
			if have == label {
				return label, nil
			}
		}
	}
	return "", fmt.Errorf("[%s] no table suitable for wild type normalization: %w", sel.name, ErrPrecondition)
}

// Validate checks that the selection's timepoints and wild type
// configuration are usable with its scoring method. Inconsistent wild
// type sequences between sources are reported as a warning, with the
// differences spelled out.
func (sel *Selection) Validate() error {
	tps := sel.Timepoints()
	if len(tps) == 0 || tps[0] != 0 {
		return fmt.Errorf("[%s] missing timepoint 0: %w", sel.name, ErrPrecondition)
	}
	if len(tps) < 2 {
		return fmt.Errorf("[%s] multiple timepoints required: %w", sel.name, ErrPrecondition)
	}
	if min := sel.minTimepoints(); len(tps) < min {
		return fmt.Errorf("[%s] scoring method %s requires at least %d timepoints: %w", sel.name, sel.method, min, ErrPrecondition)
	}
	if sel.hasWTSequence() {
		first := sel.sources[0]
		for _, src := range sel.sources[1:] {
			if src.WildtypeSequence() != first.WildtypeSequence() {
				log.Warnf("[%s] inconsistent wild type sequences: %s vs %s differ at %s",
					sel.name, first.Name(), src.Name(),
					hgvs.DiffText(first.WildtypeSequence(), src.WildtypeSequence(), time.Second))
				break
			}
		}
	}
	if sel.logr == "wt" && methodUsesReference(sel.method) && !sel.hasWTSequence() {
		return fmt.Errorf("[%s] no wild type sequence for wild type normalization: %w", sel.name, ErrPrecondition)
	}
	return nil
}

func (sel *Selection) minTimepoints() int {
	if sel.scorer != nil {
		return sel.scorer.MinTimepoints()
	}
	return 2
}

// TimepointIndicesIntersect reports an error unless every source
// counted exactly the same elements for every common label. Run does
// not call it; the validate command does, under -strict.
func (sel *Selection) TimepointIndicesIntersect() error {
	for _, label := range sel.Labels() {
		sets := make([]map[string]bool, len(sel.sources))
		for i, src := range sel.sources {
			ids, err := src.Store().ReadIndex(rawCountsKey(label))
			if err != nil {
				return err
			}
			sets[i] = make(map[string]bool, len(ids))
			for _, id := range ids {
				sets[i][id] = true
			}
		}
		common := 0
		for id := range sets[0] {
			in := true
			for _, set := range sets[1:] {
				if !set[id] {
					in = false
					break
				}
			}
			if in {
				common++
			}
		}
		for _, set := range sets {
			if len(set) != common {
				return fmt.Errorf("[%s] timepoints contain different elements for label %s: %w", sel.name, label, ErrPrecondition)
			}
		}
	}
	return nil
}

// containsVariants reports an error if any source counted nothing but
// the wild type for some label.
func (sel *Selection) containsVariants() error {
	for _, label := range sel.Labels() {
		for _, src := range sel.sources {
			ids, err := src.Store().ReadIndex(rawCountsKey(label))
			if err != nil {
				return err
			}
			if len(ids) == 1 && ids[0] == hgvs.WildType {
				return fmt.Errorf("[%s] source %s contains no %s other than wild type: %w", sel.name, src.Name(), label, ErrPrecondition)
			}
		}
	}
	return nil
}

// mainCountTablesPopulated reports an error if any filtered count
// table is missing or empty.
func (sel *Selection) mainCountTablesPopulated() error {
	for _, label := range sel.Labels() {
		key := countsKey(label)
		if !sel.store.Exists(key) {
			return fmt.Errorf("required table %s does not exist: %w", key, ErrPrecondition)
		}
		ids, err := sel.store.ReadIndex(key)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("required table %s is empty: %w", key, ErrPrecondition)
		}
	}
	return nil
}

// RunOptions control a Selection.Run.
type RunOptions struct {
	// Force discards cached tables and recalculates every stage.
	Force bool
	// ComponentOutliers computes outlier statistics for barcodes and
	// variants after scoring.
	ComponentOutliers bool
	// Verify checks all stored table digests after the run.
	Verify bool
}

// A stage is one step of the calculation. A stage with a destination
// key is skipped when that key already holds a sealed table from an
// earlier run. Scratch keys are intermediate tables the stage may
// reuse from an interrupted run; Force discards them along with the
// destination.
type stage struct {
	name    string
	dest    string
	scratch []string
	run     func() error
}

func (sel *Selection) computeSource(src Source, force bool) error {
	if force {
		for _, label := range src.Labels() {
			if err := src.Store().Delete(rawCountsKey(label)); err != nil {
				return err
			}
		}
		if err := src.Store().Delete(rawBarcodeMapKey); err != nil {
			return err
		}
	}
	return src.Compute()
}

func (sel *Selection) stages(opts RunOptions) []stage {
	labels := sel.Labels()
	var stages []stage
	for _, src := range sel.sources {
		src := src
		stages = append(stages, stage{
			name: "count " + src.Name(),
			run:  func() error { return sel.computeSource(src, opts.Force) },
		})
	}
	for _, label := range labels {
		label := label
		stages = append(stages,
			stage{
				name: "merge " + label,
				dest: unfilteredCountsKey(label),
				run:  func() error { return sel.mergeCountsUnfiltered(label) },
			},
			stage{
				name: "filter " + label,
				dest: countsKey(label),
				run:  func() error { return sel.filterCounts(label) },
			})
	}
	if sel.isBarcodeVariant() || sel.isBarcodeID() {
		stages = append(stages, stage{
			name: "combine barcode maps",
			dest: barcodeMapKey,
			run:  sel.combineBarcodeMaps,
		})
	}
	stages = append(stages,
		stage{name: "check count tables", run: sel.mainCountTablesPopulated},
		stage{name: "check timepoint data", run: sel.containsVariants})
	if sel.scorer != nil {
		for _, label := range labels {
			label := label
			stages = append(stages, stage{
				name:    "score " + label + " (" + sel.method + ")",
				dest:    scoresKey(label),
				scratch: sel.scorer.ScratchKeys(label),
				run:     func() error { return sel.scorer.Score(sel, label) },
			})
		}
	}
	if opts.ComponentOutliers && scoresHaveSE(sel.method) {
		if sel.isBarcodeVariant() || sel.isBarcodeID() {
			stages = append(stages, stage{
				name: "outliers barcodes",
				dest: outliersKey("barcodes"),
				run:  func() error { return sel.calcOutliers("barcodes") },
			})
		}
		if sel.isCoding() {
			stages = append(stages, stage{
				name: "outliers variants",
				dest: outliersKey("variants"),
				run:  func() error { return sel.calcOutliers("variants") },
			})
		}
	}
	return stages
}

// Run calculates counts, scores, and optionally outlier statistics for
// all element labels. Stages whose destination tables are already
// sealed are skipped unless opts.Force is set. Partial tables left by
// an interrupted run are discarded and redone.
func (sel *Selection) Run(opts RunOptions) error {
	if err := sel.Validate(); err != nil {
		return err
	}
	if len(sel.Labels()) == 0 {
		return fmt.Errorf("[%s] no data present across all sources: %w", sel.name, ErrPrecondition)
	}
	if opts.Force {
		for _, src := range sel.sources {
			if path := src.BarcodeMapPath(); path != "" {
				sel.bcmaps.invalidate(path)
			}
		}
	}
	for _, st := range sel.stages(opts) {
		if st.dest != "" {
			if sel.store.Exists(st.dest) {
				if !opts.Force {
					log.Printf("[%s] using cached %s", sel.name, st.dest)
					continue
				}
				log.Printf("[%s] discarding cached %s", sel.name, st.dest)
			}
			// removes sealed tables under Force, and partial tables
			// from interrupted runs otherwise
			if err := sel.store.Delete(st.dest); err != nil {
				return fmt.Errorf("[%s] %s: %w", sel.name, st.name, err)
			}
			if opts.Force {
				for _, key := range st.scratch {
					if err := sel.store.Delete(key); err != nil {
						return fmt.Errorf("[%s] %s: %w", sel.name, st.name, err)
					}
				}
			}
		}
		log.Printf("[%s] %s", sel.name, st.name)
		if err := st.run(); err != nil {
			return fmt.Errorf("[%s] %s: %w", sel.name, st.name, err)
		}
	}
	if opts.Verify {
		keys := sel.store.Keys()
		for _, key := range keys {
			if err := sel.store.Verify(key); err != nil {
				return err
			}
		}
		log.Printf("[%s] verified %d tables", sel.name, len(keys))
	}
	return nil
}

// Close closes the selection store and all source stores.
func (sel *Selection) Close() error {
	err := sel.store.Close()
	for _, src := range sel.sources {
		if cerr := src.Store().Close(); err == nil {
			err = cerr
		}
	}
	return err
}
