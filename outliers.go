// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	"fmt"
	"math"

	"github.com/enrichseq/enrich/hgvs"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

var unitNormal = distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(rand.Uint64())}

// zPvalue returns the two-sided normal p-value for a z statistic.
func zPvalue(z float64) float64 {
	return 2 * unitNormal.Survival(z)
}

const (
	outlierMinComponents = 4
	outlierLogChunk      = 20000
)

// calcOutliers tests whether each scored element of a label differs
// significantly from the parent element it belongs to: barcodes
// against their mapped variant or identifier, variants against their
// protein-level group. Results are one row per element with z,
// pvalue_raw, and parent columns; elements with no usable test keep
// NaN and an empty parent.
func (sel *Selection) calcOutliers(label string) error {
	var parentLabel string
	switch label {
	case "variants":
		parentLabel = "synonymous"
	case "barcodes":
		switch {
		case sel.isBarcodeVariant():
			parentLabel = "variants"
		case sel.isBarcodeID():
			parentLabel = "identifiers"
		default:
			return fmt.Errorf("[%s] no parent label for barcode outliers: %w", sel.name, ErrPrecondition)
		}
	default:
		return fmt.Errorf("[%s] invalid outlier label %q: %w", sel.name, label, ErrPrecondition)
	}
	log.Printf("[%s] identifying outliers (%s-%s)", sel.name, label, parentLabel)
	var mapping map[string][]string
	var err error
	if label == "variants" {
		mapping, err = sel.synonymousVariants()
	} else {
		mapping, err = sel.barcodeMapMapping()
	}
	if err != nil {
		return err
	}
	child, err := sel.store.ReadColumns(scoresKey(label), "score", "SE")
	if err != nil {
		return err
	}
	parent, err := sel.store.ReadColumns(scoresKey(parentLabel), "score", "SE")
	if err != nil {
		return err
	}
	out := outlierTable(sel.name, child, parent, mapping, outlierMinComponents)
	// the wild type is its own parent, so testing it is meaningless
	if r := out.RowIndex(hgvs.WildType); r >= 0 {
		out.Float("z")[r] = math.NaN()
		out.Float("pvalue_raw")[r] = math.NaN()
	}
	return sel.store.Put(outliersKey(label), out)
}

// synonymousVariants maps each protein-level change to the nucleotide
// variants that produce it, using the filtered variant counts.
func (sel *Selection) synonymousVariants() (map[string][]string, error) {
	variants, err := sel.store.ReadIndex(countsKey("variants"))
	if err != nil {
		return nil, fmt.Errorf("[%s] no variant counts found: %w", sel.name, err)
	}
	mapping := make(map[string][]string)
	for _, v := range variants {
		pv, err := hgvs.Protein(v)
		if err != nil {
			return nil, err
		}
		mapping[pv] = append(mapping[pv], v)
	}
	return mapping, nil
}

// barcodeMapMapping maps each barcoded value to its barcodes, using
// the combined barcode map.
func (sel *Selection) barcodeMapMapping() (map[string][]string, error) {
	t, err := sel.store.Read(barcodeMapKey)
	if err != nil {
		return nil, err
	}
	vals := t.Strings("value")
	mapping := make(map[string][]string)
	for i, bc := range t.Index {
		mapping[vals[i]] = append(mapping[vals[i]], bc)
	}
	return mapping, nil
}

// outlierTable z-tests each parent's score against its mapped
// components' scores. Components with both score and standard error
// missing are ignored, and a parent needs minComponents usable
// components before any results are recorded.
func outlierTable(name string, child, parent *Table, mapping map[string][]string, minComponents int) *Table {
	childPos := child.rowPos()
	cscore, cse := child.Float("score"), child.Float("SE")
	pscore, pse := parent.Float("score"), parent.Float("SE")
	n := child.Len()
	zs := make([]float64, n)
	ps := make([]float64, n)
	parents := make([]string, n)
	for i := range zs {
		zs[i] = math.NaN()
		ps[i] = math.NaN()
	}
	for i, x := range parent.Index {
		if i%outlierLogChunk == 0 {
			log.Printf("[%s] calculating outlier p-values (%d of %d parents)", name, i, parent.Len())
		}
		var components []int
		for _, c := range mapping[x] {
			r, ok := childPos[c]
			if !ok {
				continue
			}
			if math.IsNaN(cscore[r]) && math.IsNaN(cse[r]) {
				continue
			}
			components = append(components, r)
		}
		if len(components) < minComponents {
			continue
		}
		pvar := pse[i] * pse[i]
		for _, r := range components {
			z := math.Abs(pscore[i]-cscore[r]) / math.Sqrt(pvar+cse[r]*cse[r])
			zs[r] = z
			ps[r] = zPvalue(z)
			parents[r] = x
		}
	}
	out := NewTable(child.Index)
	out.AddFloat("z", zs)
	out.AddFloat("pvalue_raw", ps)
	out.AddString("parent", parents)
	return out
}
