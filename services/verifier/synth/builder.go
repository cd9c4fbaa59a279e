// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synth

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Builder
// =============================================================================

// Builder accumulates test cases for one generated file and renders
// valid pytest source. A test name seen twice is skipped, so a
// callable reached through two paths is tested once.
type Builder struct {
	imports    map[string]bool
	helpers    []string
	helperKeys map[string]bool
	cases      []TestCase
	names      map[string]bool
}

// NewBuilder creates a Builder with the pytest import preloaded.
func NewBuilder() *Builder {
	return &Builder{
		imports:    map[string]bool{"import pytest": true},
		helperKeys: make(map[string]bool),
		names:      make(map[string]bool),
	}
}

// AddImport records an import line, deduplicated.
func (b *Builder) AddImport(line string) {
	b.imports[line] = true
}

// AddHelper appends a module-level helper block, rendered between the
// imports and the test cases. Blocks are deduplicated by key so a
// template emitted for several callables defines its helper once.
func (b *Builder) AddHelper(key string, lines ...string) {
	if b.helperKeys[key] {
		return
	}
	b.helperKeys[key] = true
	b.helpers = append(b.helpers, lines...)
}

// Add appends a test case. A duplicate name is dropped rather than
// renamed; an inherited or overloaded callable mapped twice earns one
// test, not a twin.
func (b *Builder) Add(tc TestCase) {
	if b.names[tc.Name] {
		return
	}
	b.names[tc.Name] = true
	b.cases = append(b.cases, tc)
}

// Empty reports whether no cases were added.
func (b *Builder) Empty() bool {
	return len(b.cases) == 0
}

// Cases returns the accumulated cases.
func (b *Builder) Cases() []TestCase {
	return b.cases
}

// Render produces the complete pytest file source.
func (b *Builder) Render(header string) string {
	var out strings.Builder
	if header != "" {
		for _, line := range strings.Split(strings.TrimRight(header, "\n"), "\n") {
			out.WriteString("# " + line + "\n")
		}
	}

	imports := make([]string, 0, len(b.imports))
	for imp := range b.imports {
		imports = append(imports, imp)
	}
	sort.Strings(imports)
	for _, imp := range imports {
		out.WriteString(imp + "\n")
	}

	if len(b.helpers) > 0 {
		out.WriteString("\n")
		for _, line := range b.helpers {
			out.WriteString(line + "\n")
		}
	}

	for _, tc := range b.cases {
		out.WriteString("\n\n")
		for _, dec := range tc.Decorators {
			out.WriteString(dec + "\n")
		}
		out.WriteString(fmt.Sprintf("def %s(%s):\n", tc.Name, caseParams(tc)))
		for _, line := range tc.Body {
			if line == "" {
				out.WriteString("\n")
				continue
			}
			out.WriteString("    " + line + "\n")
		}
	}
	return out.String()
}

// caseParams extracts the test function's parameters from a hypothesis
// decorator, if present. "@given(value=...)" binds a "value" argument.
func caseParams(tc TestCase) string {
	for _, dec := range tc.Decorators {
		if !strings.HasPrefix(dec, "@given(") {
			continue
		}
		inner := strings.TrimSuffix(strings.TrimPrefix(dec, "@given("), ")")
		var names []string
		for _, part := range splitTopLevel(inner) {
			if name, _, ok := strings.Cut(part, "="); ok {
				names = append(names, strings.TrimSpace(name))
			}
		}
		return strings.Join(names, ", ")
	}
	return ""
}

// splitTopLevel splits on commas outside any bracket nesting.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if start < len(s) {
		parts = append(parts, s[start:])
	}
	return parts
}
