// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hgvs

import (
	"fmt"
	"regexp"
	"strings"
)

// Special row identifiers that appear alongside HGVS variant strings
// in count and score tables.
const (
	// WildType identifies the unmutated sequence.
	WildType = "_wt"
	// Synonymous identifies coding variants whose protein product is
	// unchanged.
	Synonymous = "_sy"
)

// noChange is the HGVS protein token for a nucleotide change that
// leaves the protein unchanged.
const noChange = "p.="

var proteinRe = regexp.MustCompile(`\((p\.\S*)\)`)

// Protein extracts the protein-level changes from a coding variant
// string like "c.76A>C (p.Tyr26Ser), c.78T>C (p.=)", returning them
// deduplicated and joined with ", ". If every nucleotide change is
// silent, it returns Synonymous. WildType and Synonymous pass through
// unchanged.
func Protein(variant string) (string, error) {
	if variant == WildType || variant == Synonymous {
		return variant, nil
	}
	matches := proteinRe.FindAllStringSubmatch(variant, -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("no protein change in variant %q", variant)
	}
	seen := make(map[string]bool, len(matches))
	var changes []string
	for _, m := range matches {
		pv := m[1]
		if seen[pv] {
			continue
		}
		seen[pv] = true
		if pv != noChange {
			changes = append(changes, pv)
		}
	}
	if len(changes) == 0 {
		return Synonymous, nil
	}
	return strings.Join(changes, ", "), nil
}
