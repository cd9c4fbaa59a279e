// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes form the CLI contract: 1 means verification found failing
// rules, 2 means the run itself broke.
const (
	ExitOK       = 0
	ExitFindings = 1
	ExitError    = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// PersistentPostRun does not fire on an error return, so the
		// file log is flushed here instead.
		if logger != nil {
			logger.Close()
		}
		// Findings are not a broken run; the report already went to
		// stdout and every deferred cleanup has fired by now.
		if errors.Is(err, errFindings) {
			os.Exit(ExitFindings)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(ExitError)
	}
}
