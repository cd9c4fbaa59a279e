// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synth generates pytest files targeting the callables a patch
// changed.
//
// # Description
//
// Each changed callable gets tests chosen by what kind of construct
// changed: boundary templates for comparison changes, collection-shape
// templates for loop changes, raise templates for exception changes,
// property templates (hypothesis) for numeric signatures, and
// differential templates when a pre-patch snapshot is available. When
// a callable cannot be reliably invoked the synthesizer degrades to an
// existence assertion instead of emitting nothing.
//
// # Thread Safety
//
// Synthesizer is safe for concurrent use; Builder and Program are not.
package synth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// =============================================================================
// Template Kinds
// =============================================================================

// TemplateKind identifies which template produced a test case.
type TemplateKind string

const (
	// KindBoundary probes comparison operands at and around their edges.
	KindBoundary TemplateKind = "boundary"

	// KindLoop exercises empty, single, and large collection shapes.
	KindLoop TemplateKind = "loop"

	// KindException verifies guard clauses still raise.
	KindException TemplateKind = "exception"

	// KindProperty is a hypothesis property test over numeric inputs.
	KindProperty TemplateKind = "property"

	// KindDifferential compares pre-patch and post-patch behavior.
	KindDifferential TemplateKind = "differential"

	// KindExistence is the degraded form when invocation is unsafe.
	KindExistence TemplateKind = "existence"
)

// String returns the string representation of the kind.
func (k TemplateKind) String() string {
	return string(k)
}

// =============================================================================
// Program
// =============================================================================

// TestCase is one generated test function.
type TestCase struct {
	// Name is the unique pytest function name.
	Name string `json:"name"`

	// Kind is the template that produced the case.
	Kind TemplateKind `json:"kind"`

	// Target is the qualified name of the callable under test.
	Target string `json:"target"`

	// Decorators precede the def line, one per entry.
	Decorators []string `json:"decorators,omitempty"`

	// Body holds the function body lines, unindented.
	Body []string `json:"body"`
}

// GeneratedFile is one synthesized pytest file.
type GeneratedFile struct {
	// Path is the repository-relative output path.
	Path string `json:"path"`

	// Source is the complete file content.
	Source string `json:"source"`

	// Cases are the test cases the file contains.
	Cases []TestCase `json:"cases"`
}

// Program is the complete synthesis output for one change map.
type Program struct {
	Files []*GeneratedFile `json:"files"`
}

// CaseCount returns the total number of generated cases.
func (p *Program) CaseCount() int {
	n := 0
	for _, f := range p.Files {
		n += len(f.Cases)
	}
	return n
}

// CountByKind tallies cases per template kind.
func (p *Program) CountByKind() map[TemplateKind]int {
	counts := make(map[TemplateKind]int)
	for _, f := range p.Files {
		for _, c := range f.Cases {
			counts[c.Kind]++
		}
	}
	return counts
}

// WriteTo materializes every generated file under dir.
func (p *Program) WriteTo(dir string) error {
	for _, f := range p.Files {
		dest := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dest, []byte(f.Source), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return nil
}

// testFileName derives the generated file name for a source module.
func testFileName(modulePath string) string {
	flat := strings.ReplaceAll(modulePath, ".", "_")
	return fmt.Sprintf("test_probe_%s.py", flat)
}
