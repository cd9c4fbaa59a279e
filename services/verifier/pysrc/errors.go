// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pysrc provides tree-sitter based structural analysis of Python
// source files.
//
// The package extracts callables (functions, methods), their parameter
// signatures (names, declared types, default values), class context, and
// module-level constants. It also classifies syntax-node kinds inside
// arbitrary line ranges, which the diff mapper uses to tag changed regions
// as conditional, loop, exception, or comparison changes.
//
// # Error Tolerance
//
// Parsing is error-tolerant: syntactically invalid source yields partial
// results with captured error strings rather than a hard failure. Callers
// decide whether to skip or proceed with reduced scope.
//
// # Thread Safety
//
// Parse creates a fresh tree-sitter parser per call and is safe for
// concurrent use. A returned File is safe for concurrent reads but must
// not be Closed while in use.
package pysrc

import "errors"

// Sentinel errors for parsing operations.
var (
	// ErrFileTooLarge is returned when the source exceeds the size limit.
	ErrFileTooLarge = errors.New("source file too large")

	// ErrInvalidContent is returned when the source is not valid UTF-8.
	ErrInvalidContent = errors.New("source content is not valid UTF-8")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")
)
