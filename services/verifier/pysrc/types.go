// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pysrc

import (
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// DefaultMaxFileSize is the maximum source size accepted by Parse.
	DefaultMaxFileSize = 10 * 1024 * 1024

	// WarnFileSize is the threshold above which a parse logs a warning.
	WarnFileSize = 1 * 1024 * 1024
)

// =============================================================================
// Node Kinds
// =============================================================================

// NodeKind classifies syntax constructs relevant to change analysis.
type NodeKind string

const (
	// KindConditional covers if statements, elif clauses, and
	// conditional expressions.
	KindConditional NodeKind = "conditional"

	// KindLoop covers for and while statements.
	KindLoop NodeKind = "loop"

	// KindException covers try/except/finally/raise constructs.
	KindException NodeKind = "exception"

	// KindComparison covers comparison and boolean operators.
	KindComparison NodeKind = "comparison"
)

// String returns the string representation of the kind.
func (k NodeKind) String() string {
	return string(k)
}

// =============================================================================
// Literals
// =============================================================================

// LiteralKind categorizes Python literal values.
type LiteralKind string

const (
	// LiteralInt is an integer literal.
	LiteralInt LiteralKind = "int"

	// LiteralFloat is a floating point literal.
	LiteralFloat LiteralKind = "float"

	// LiteralStr is a string literal.
	LiteralStr LiteralKind = "str"

	// LiteralBool is True or False.
	LiteralBool LiteralKind = "bool"

	// LiteralNone is the None literal.
	LiteralNone LiteralKind = "none"

	// LiteralOther is any non-literal or composite expression.
	LiteralOther LiteralKind = "other"
)

// Literal is a Python literal captured as source text plus a classified kind.
//
// Raw preserves the exact source spelling so the value can be re-emitted
// into generated test programs without loss.
type Literal struct {
	// Raw is the literal's source text (including quotes for strings).
	Raw string `json:"raw"`

	// Kind is the classified literal kind.
	Kind LiteralKind `json:"kind"`
}

// IsNumeric returns true for int and float literals.
func (l Literal) IsNumeric() bool {
	return l.Kind == LiteralInt || l.Kind == LiteralFloat
}

// =============================================================================
// Parameters and Callables
// =============================================================================

// Param describes one parameter of a Python callable.
type Param struct {
	// Name is the parameter name.
	Name string `json:"name"`

	// Annotation is the declared type text ("" when unannotated).
	Annotation string `json:"annotation,omitempty"`

	// Default is the default value source text ("" when none).
	Default string `json:"default,omitempty"`

	// HasDefault distinguishes an empty default from a missing one.
	HasDefault bool `json:"has_default"`
}

// Callable describes a function or method with enough identity to be
// located and invoked later.
type Callable struct {
	// Name is the bare callable name.
	Name string `json:"name"`

	// QualifiedName is "Class.method" for methods, the bare name otherwise.
	QualifiedName string `json:"qualified_name"`

	// ClassName is the declaring class ("" for module-level functions).
	ClassName string `json:"class_name,omitempty"`

	// StartLine and EndLine are the 1-based source line span.
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// Params are the declared parameters, excluding self/cls.
	Params []Param `json:"params,omitempty"`

	// Decorators are the decorator names applied to the definition.
	Decorators []string `json:"decorators,omitempty"`

	// IsAsync marks async def callables.
	IsAsync bool `json:"is_async,omitempty"`
}

// IsMethod returns true if the callable is declared inside a class.
func (c *Callable) IsMethod() bool {
	return c.ClassName != ""
}

// RequiredParams returns the parameters without default values.
func (c *Callable) RequiredParams() []Param {
	var required []Param
	for _, p := range c.Params {
		if !p.HasDefault {
			required = append(required, p)
		}
	}
	return required
}

// SpanOverlaps returns true if the callable's line span intersects
// [start, end] (both inclusive).
func (c *Callable) SpanOverlaps(start, end int) bool {
	return c.StartLine <= end && c.EndLine >= start
}

// String returns a compact human-readable identity.
func (c *Callable) String() string {
	return fmt.Sprintf("%s [%d-%d]", c.QualifiedName, c.StartLine, c.EndLine)
}

// Class describes a Python class definition.
type Class struct {
	// Name is the class name.
	Name string `json:"name"`

	// StartLine and EndLine are the 1-based source line span.
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// Init is the __init__ method, nil when the class has none.
	Init *Callable `json:"init,omitempty"`

	// Methods are the class's methods, including Init.
	Methods []*Callable `json:"methods,omitempty"`
}

// HasZeroArgConstructor returns true when the class can be instantiated
// without arguments: either no __init__ or one whose parameters all have
// defaults.
func (c *Class) HasZeroArgConstructor() bool {
	if c.Init == nil {
		return true
	}
	return len(c.Init.RequiredParams()) == 0
}

// =============================================================================
// Module-Level Variables
// =============================================================================

// ModuleVar is a module-level assignment target.
//
// Both conventional constants (ALL_CAPS) and mutable module state are
// recorded; rules filter by name or value shape.
type ModuleVar struct {
	// Name is the assigned name.
	Name string `json:"name"`

	// ValueText is the right-hand side source text.
	ValueText string `json:"value_text"`

	// Value is the evaluated literal value when the right-hand side is a
	// literal (possibly composite), nil otherwise. Dictionaries evaluate
	// to []DictEntry, lists/tuples to []any, scalars to Go scalars.
	Value any `json:"-"`

	// IsConstant is true for ALL_CAPS names (Python convention).
	IsConstant bool `json:"is_constant"`

	// Line is the 1-based line of the assignment.
	Line int `json:"line"`
}

// DictEntry is one key/value pair of an evaluated Python dictionary.
//
// Dictionaries are represented as ordered pair slices because Python
// dict keys (e.g. tuples) have no direct Go map-key equivalent.
type DictEntry struct {
	Key any
	Val any
}

// =============================================================================
// Parsed File
// =============================================================================

// File is the result of parsing one Python source file.
//
// The underlying tree-sitter tree is retained so callers can run
// additional structural queries; Close must be called to release it.
type File struct {
	// Path is the file path the content was parsed from.
	Path string

	// Content is the raw source.
	Content []byte

	// Callables are all functions and methods, in source order.
	Callables []*Callable

	// Classes maps class name to class description.
	Classes map[string]*Class

	// Vars are module-level assignments, in source order.
	Vars []ModuleVar

	// Errors holds non-fatal parse problems (e.g. syntax errors).
	Errors []string

	tree *sitter.Tree
	root *sitter.Node
}

// Root returns the tree root node for structural queries.
func (f *File) Root() *sitter.Node {
	return f.root
}

// Close releases the tree-sitter tree. The File must not be used after.
func (f *File) Close() {
	if f.tree != nil {
		f.tree.Close()
		f.tree = nil
		f.root = nil
	}
}

// HasErrors returns true if the parse recorded any problems.
func (f *File) HasErrors() bool {
	return len(f.Errors) > 0
}

// CallableAt returns the innermost callable whose span contains the line,
// or nil.
func (f *File) CallableAt(line int) *Callable {
	var best *Callable
	for _, c := range f.Callables {
		if c.StartLine <= line && line <= c.EndLine {
			if best == nil || c.StartLine > best.StartLine {
				best = c
			}
		}
	}
	return best
}

// LookupCallable returns the callable with the given qualified name, or nil.
func (f *File) LookupCallable(qualifiedName string) *Callable {
	for _, c := range f.Callables {
		if c.QualifiedName == qualifiedName {
			return c
		}
	}
	return nil
}

// NodeText returns the source text covered by a node.
func (f *File) NodeText(node *sitter.Node) string {
	if node == nil {
		return ""
	}
	return string(f.Content[node.StartByte():node.EndByte()])
}

// CallableSource returns the source text of a callable's full definition.
func (f *File) CallableSource(c *Callable) string {
	lines := splitLines(string(f.Content))
	if c.StartLine < 1 || c.EndLine > len(lines) {
		return ""
	}
	return joinLines(lines[c.StartLine-1 : c.EndLine])
}
