// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import (
	log "github.com/sirupsen/logrus"
)

// filterCounts writes the filtered count table for one label: the rows
// of the unfiltered table that have a count at every timepoint. Every
// later stage reads only the filtered table; the unfiltered table
// survives as the record of what was dropped (and as the denominator
// for full normalization).
func (sel *Selection) filterCounts(label string) error {
	t, err := sel.store.Read(unfilteredCountsKey(label))
	if err != nil {
		return err
	}
	filtered := t.CompleteCases()
	if dropped := t.Len() - filtered.Len(); dropped > 0 {
		log.Printf("[%s] removed %d of %d %s with incomplete cases", sel.name, dropped, t.Len(), label)
	}
	return sel.store.Put(countsKey(label), filtered)
}
