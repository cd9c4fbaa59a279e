// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diffmap maps unified diffs onto Python callable boundaries.
//
// # Description
//
// This package parses a unified diff, computes the changed-line set in the
// new version of each file, and overlays it on the structural tree of the
// current source to determine exactly which callables a patch touches and
// what kind of constructs changed (conditionals, loops, exception handling,
// comparisons). When structural matching finds nothing it falls back to the
// hunk header's trailing context string.
//
// # Thread Safety
//
// A ChangeMap is immutable after construction and safe for concurrent
// reads. Mapper is safe for concurrent use.
package diffmap

import (
	"sort"

	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
)

// =============================================================================
// Change Risk
// =============================================================================

// ChangeRisk categorizes how risky a change is.
type ChangeRisk string

const (
	// RiskLow indicates pure additions with no control-flow impact.
	RiskLow ChangeRisk = "low"

	// RiskMedium indicates conditional or loop modifications.
	RiskMedium ChangeRisk = "medium"

	// RiskHigh indicates exception-handling or comparison changes.
	RiskHigh ChangeRisk = "high"
)

// String returns the string representation of the risk level.
func (r ChangeRisk) String() string {
	return string(r)
}

// =============================================================================
// Lines and Ranges
// =============================================================================

// LineRange is an inclusive range of line numbers.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains returns true if the line falls inside the range.
func (r LineRange) Contains(line int) bool {
	return r.Start <= line && line <= r.End
}

// DiffLine is one added or removed line with its line number.
//
// For added lines Num is the line number in the new file version; for
// removed lines it is the number in the old version.
type DiffLine struct {
	Num     int    `json:"num"`
	Content string `json:"content"`
}

// =============================================================================
// Callable References
// =============================================================================

// CallableRef identifies a changed callable with enough information to be
// dynamically located and invoked later.
type CallableRef struct {
	// Name is the bare callable name.
	Name string `json:"name"`

	// QualifiedName is "Class.method" for methods.
	QualifiedName string `json:"qualified_name"`

	// ClassName is the declaring class ("" for functions).
	ClassName string `json:"class_name,omitempty"`

	// FilePath is the repository-relative source path.
	FilePath string `json:"file_path"`

	// ModulePath is the dotted Python module path.
	ModulePath string `json:"module_path"`

	// StartLine and EndLine are the callable's span (0 when recovered
	// via the hunk-header fallback and not found structurally).
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// Params are the declared parameters (excluding self/cls).
	Params []pysrc.Param `json:"params,omitempty"`

	// FromFallback marks refs recovered from the hunk header context
	// rather than structural overlap; these have lower precision.
	FromFallback bool `json:"from_fallback,omitempty"`
}

// IsMethod returns true if the callable belongs to a class.
func (c CallableRef) IsMethod() bool {
	return c.ClassName != ""
}

// RequiredParamCount returns the number of parameters without defaults.
func (c CallableRef) RequiredParamCount() int {
	n := 0
	for _, p := range c.Params {
		if !p.HasDefault {
			n++
		}
	}
	return n
}

// =============================================================================
// File Change
// =============================================================================

// FileChange is the per-file portion of a ChangeMap.
type FileChange struct {
	// FilePath is the repository-relative path of the changed file.
	FilePath string `json:"file_path"`

	// ModulePath is the dotted Python module path.
	ModulePath string `json:"module_path"`

	// ChangedLines is the sorted set of added/modified line numbers in
	// the new file version.
	ChangedLines []int `json:"changed_lines"`

	// Ranges are the changed lines collapsed into contiguous ranges.
	Ranges []LineRange `json:"ranges"`

	// AddedLines and RemovedLines preserve the diff line content for
	// static rule checks (e.g. operator-swap detection).
	AddedLines   []DiffLine `json:"added_lines,omitempty"`
	RemovedLines []DiffLine `json:"removed_lines,omitempty"`

	// Callables are the changed callables in this file.
	Callables []CallableRef `json:"callables,omitempty"`

	// Kinds classifies the changed lines by construct kind.
	Kinds map[pysrc.NodeKind][]int `json:"kinds,omitempty"`

	// ClassContext maps callable name to declaring class name, with ""
	// for module-level functions.
	ClassContext map[string]string `json:"class_context,omitempty"`

	// ParseError captures a structural parse failure for this file.
	// A set ParseError means Callables came from the header fallback
	// (or are empty).
	ParseError string `json:"parse_error,omitempty"`

	// IsNew marks files created by the diff.
	IsNew bool `json:"is_new,omitempty"`

	// Risk is the assessed risk of this file's change.
	Risk ChangeRisk `json:"risk"`
}

// LineSet returns the changed lines as a membership set.
func (fc *FileChange) LineSet() map[int]bool {
	set := make(map[int]bool, len(fc.ChangedLines))
	for _, line := range fc.ChangedLines {
		set[line] = true
	}
	return set
}

// HasKind returns true if any changed line carries the given kind.
func (fc *FileChange) HasKind(kind pysrc.NodeKind) bool {
	return len(fc.Kinds[kind]) > 0
}

// =============================================================================
// Change Map
// =============================================================================

// ChangeMap is the complete mapping of one diff onto the source tree.
//
// Built once per diff; immutable after construction.
type ChangeMap struct {
	// Files are the per-file changes, in diff order.
	Files []*FileChange `json:"files"`

	// ParseError captures a diff-level parse failure. When set, Files
	// is empty and callers decide whether to skip or report.
	ParseError string `json:"parse_error,omitempty"`
}

// IsEmpty returns true when the map carries no changed lines.
func (cm *ChangeMap) IsEmpty() bool {
	for _, fc := range cm.Files {
		if len(fc.ChangedLines) > 0 {
			return false
		}
	}
	return true
}

// File returns the FileChange for a path, or nil.
func (cm *ChangeMap) File(path string) *FileChange {
	for _, fc := range cm.Files {
		if fc.FilePath == path {
			return fc
		}
	}
	return nil
}

// AllCallables returns every changed callable across files, deduplicated
// by qualified name within a file.
func (cm *ChangeMap) AllCallables() []CallableRef {
	seen := make(map[string]bool)
	var all []CallableRef
	for _, fc := range cm.Files {
		for _, c := range fc.Callables {
			key := fc.FilePath + "::" + c.QualifiedName
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, c)
		}
	}
	return all
}

// TotalChangedLines returns the count of changed lines across all files.
func (cm *ChangeMap) TotalChangedLines() int {
	total := 0
	for _, fc := range cm.Files {
		total += len(fc.ChangedLines)
	}
	return total
}

// CallablesWithKind returns changed callables in files whose change
// includes the given construct kind.
func (cm *ChangeMap) CallablesWithKind(kind pysrc.NodeKind) []CallableRef {
	var result []CallableRef
	for _, fc := range cm.Files {
		if !fc.HasKind(kind) {
			continue
		}
		result = append(result, fc.Callables...)
	}
	return result
}

// collapseRanges converts a sorted line slice into contiguous ranges.
func collapseRanges(lines []int) []LineRange {
	if len(lines) == 0 {
		return nil
	}
	sorted := make([]int, len(lines))
	copy(sorted, lines)
	sort.Ints(sorted)

	var ranges []LineRange
	current := LineRange{Start: sorted[0], End: sorted[0]}
	for _, line := range sorted[1:] {
		if line == current.End+1 {
			current.End = line
			continue
		}
		if line == current.End {
			continue
		}
		ranges = append(ranges, current)
		current = LineRange{Start: line, End: line}
	}
	ranges = append(ranges, current)
	return ranges
}
