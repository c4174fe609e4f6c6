// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enrich

import "errors"

// Sentinel errors wrapped by pipeline components. Callers distinguish
// them with errors.Is.
var (
	// ErrConfig means the run configuration is invalid or internally
	// inconsistent.
	ErrConfig = errors.New("invalid configuration")
	// ErrPrecondition means input data required by a pipeline stage is
	// missing or unusable.
	ErrPrecondition = errors.New("precondition failed")
	// ErrCorrupt means stored data failed an integrity check.
	ErrCorrupt = errors.New("data integrity")
	// ErrNotFound means the requested store key does not exist.
	ErrNotFound = errors.New("key not found")
)
