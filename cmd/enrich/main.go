// Copyright (C) The Enrich Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/enrichseq/enrich"
)

func main() {
	enrich.Main()
}
