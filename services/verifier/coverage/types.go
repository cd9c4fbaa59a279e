// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coverage reduces raw execution data to change-scoped
// coverage: of the lines a patch touched, which ran.
//
// The denominator is always the changed-line set, never whole files,
// so a small patch in a large file is judged only on its own lines.
package coverage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// File Lines
// =============================================================================

// FileLines is a set of executed lines per file path.
type FileLines map[string]map[int]bool

// NewFileLines creates an empty line set.
func NewFileLines() FileLines {
	return make(FileLines)
}

// Add records executed lines for a path.
func (fl FileLines) Add(path string, lines ...int) {
	set, ok := fl[path]
	if !ok {
		set = make(map[int]bool)
		fl[path] = set
	}
	for _, line := range lines {
		set[line] = true
	}
}

// Has reports whether a line of a file was executed.
func (fl FileLines) Has(path string, line int) bool {
	return fl[path][line]
}

// Merge unions other into fl.
func (fl FileLines) Merge(other FileLines) {
	for path, lines := range other {
		for line := range lines {
			fl.Add(path, line)
		}
	}
}

// Total returns the number of executed lines across all files.
func (fl FileLines) Total() int {
	n := 0
	for _, lines := range fl {
		n += len(lines)
	}
	return n
}

// Union returns a new FileLines combining both inputs.
func Union(a, b FileLines) FileLines {
	out := NewFileLines()
	out.Merge(a)
	out.Merge(b)
	return out
}

// =============================================================================
// coverage.py JSON
// =============================================================================

// coverageJSON mirrors the parts of coverage.py's JSON report we read.
type coverageJSON struct {
	Files map[string]struct {
		ExecutedLines []int `json:"executed_lines"`
	} `json:"files"`
}

// ParseCoverageJSON extracts executed lines from a coverage.py JSON
// report. Paths are normalized to forward slashes and stripped of a
// leading "./".
func ParseCoverageJSON(data []byte) (FileLines, error) {
	var doc coverageJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse coverage report: %w", err)
	}
	fl := NewFileLines()
	for path, entry := range doc.Files {
		normalized := strings.TrimPrefix(strings.ReplaceAll(path, "\\", "/"), "./")
		fl.Add(normalized, entry.ExecutedLines...)
	}
	return fl, nil
}

// sortedLines returns a set's members in ascending order.
func sortedLines(set map[int]bool) []int {
	lines := make([]int, 0, len(set))
	for line := range set {
		lines = append(lines, line)
	}
	sort.Ints(lines)
	return lines
}
