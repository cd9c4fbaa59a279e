// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coverage

import (
	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
)

// =============================================================================
// Reports
// =============================================================================

// FileCoverage is the change-scoped coverage of one file.
//
// Covered and Uncovered partition Changed: their union is exactly the
// changed-line set and they never overlap.
type FileCoverage struct {
	FilePath  string  `json:"file_path"`
	Changed   []int   `json:"changed"`
	Covered   []int   `json:"covered"`
	Uncovered []int   `json:"uncovered"`
	Ratio     float64 `json:"ratio"`
}

// CallableCoverage is the change-scoped coverage of one callable.
type CallableCoverage struct {
	Target   string  `json:"target"`
	FilePath string  `json:"file_path"`
	Changed  int     `json:"changed"`
	Covered  int     `json:"covered"`
	Ratio    float64 `json:"ratio"`
}

// Report is the full change-scoped coverage result.
type Report struct {
	Files     []FileCoverage     `json:"files"`
	Callables []CallableCoverage `json:"callables,omitempty"`

	ChangedTotal int `json:"changed_total"`
	CoveredTotal int `json:"covered_total"`

	// Ratio is CoveredTotal over ChangedTotal, defined as 1.0 when no
	// lines changed: an empty patch is vacuously covered.
	Ratio float64 `json:"ratio"`
}

// UncoveredTotal returns the number of changed lines that never ran.
func (r *Report) UncoveredTotal() int {
	return r.ChangedTotal - r.CoveredTotal
}

// Reduce intersects executed lines with a change map.
//
// Description:
//
//	Every changed line lands in exactly one of covered or uncovered.
//	Files absent from the execution data count as fully uncovered, not
//	as errors: tests that never imported the changed module are a
//	signal, not a failure of the reduction.
//
// Inputs:
//   - cm: the change map. A nil map yields an empty report with ratio 1.
//   - executed: executed lines per file; may be nil.
//
// Outputs:
//   - *Report: never nil.
func Reduce(cm *diffmap.ChangeMap, executed FileLines) *Report {
	report := &Report{Ratio: 1.0}
	if cm == nil {
		return report
	}
	if executed == nil {
		executed = NewFileLines()
	}

	for _, fc := range cm.Files {
		fileCov := reduceFile(fc, executed)
		report.Files = append(report.Files, fileCov)
		report.ChangedTotal += len(fileCov.Changed)
		report.CoveredTotal += len(fileCov.Covered)
		report.Callables = append(report.Callables, reduceCallables(fc, executed)...)
	}

	if report.ChangedTotal > 0 {
		report.Ratio = float64(report.CoveredTotal) / float64(report.ChangedTotal)
	}
	return report
}

func reduceFile(fc *diffmap.FileChange, executed FileLines) FileCoverage {
	cov := FileCoverage{FilePath: fc.FilePath, Ratio: 1.0}

	covered := make(map[int]bool)
	uncovered := make(map[int]bool)
	for _, line := range fc.ChangedLines {
		if executed.Has(fc.FilePath, line) {
			covered[line] = true
		} else {
			uncovered[line] = true
		}
	}

	cov.Changed = append([]int(nil), fc.ChangedLines...)
	cov.Covered = sortedLines(covered)
	cov.Uncovered = sortedLines(uncovered)
	if len(cov.Changed) > 0 {
		cov.Ratio = float64(len(cov.Covered)) / float64(len(cov.Changed))
	}
	return cov
}

func reduceCallables(fc *diffmap.FileChange, executed FileLines) []CallableCoverage {
	var out []CallableCoverage
	for _, c := range fc.Callables {
		if c.StartLine == 0 {
			// Fallback refs have no span to scope by.
			continue
		}
		cc := CallableCoverage{
			Target:   c.QualifiedName,
			FilePath: fc.FilePath,
			Ratio:    1.0,
		}
		for _, line := range fc.ChangedLines {
			if line < c.StartLine || line > c.EndLine {
				continue
			}
			cc.Changed++
			if executed.Has(fc.FilePath, line) {
				cc.Covered++
			}
		}
		if cc.Changed > 0 {
			cc.Ratio = float64(cc.Covered) / float64(cc.Changed)
		}
		out = append(out, cc)
	}
	return out
}
