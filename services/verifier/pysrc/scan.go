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
	"sort"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// =============================================================================
// Tree Walking
// =============================================================================

// Walk visits node and all descendants in depth-first order.
//
// The visitor returns false to skip a node's children.
func Walk(node *sitter.Node, visit func(*sitter.Node) bool) {
	if node == nil {
		return
	}
	if !visit(node) {
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		Walk(node.Child(i), visit)
	}
}

// =============================================================================
// Node Kind Classification
// =============================================================================

// nodeKindFor maps tree-sitter node types to NodeKinds.
func nodeKindFor(nodeType string) (NodeKind, bool) {
	switch nodeType {
	case "if_statement", "elif_clause", "conditional_expression":
		return KindConditional, true
	case "for_statement", "while_statement":
		return KindLoop, true
	case "try_statement", "except_clause", "finally_clause", "raise_statement":
		return KindException, true
	case "comparison_operator", "boolean_operator", "not_operator":
		return KindComparison, true
	default:
		return "", false
	}
}

// ScanKinds classifies syntax nodes whose start line falls inside the
// given line set.
//
// Outputs:
//
//	map[NodeKind][]int - For each kind, the sorted, deduplicated lines
//	on which a node of that kind starts.
func ScanKinds(file *File, lines map[int]bool) map[NodeKind][]int {
	found := make(map[NodeKind]map[int]bool)

	Walk(file.Root(), func(n *sitter.Node) bool {
		kind, ok := nodeKindFor(n.Type())
		if !ok {
			return true
		}
		line := int(n.StartPoint().Row + 1)
		if lines[line] {
			if found[kind] == nil {
				found[kind] = make(map[int]bool)
			}
			found[kind][line] = true
		}
		return true
	})

	result := make(map[NodeKind][]int, len(found))
	for kind, set := range found {
		sorted := make([]int, 0, len(set))
		for line := range set {
			sorted = append(sorted, line)
		}
		sort.Ints(sorted)
		result[kind] = sorted
	}
	return result
}

// =============================================================================
// Literal Evaluation
// =============================================================================

// ClassifyLiteral classifies an expression node as a Literal.
func ClassifyLiteral(node *sitter.Node, content []byte) Literal {
	raw := string(content[node.StartByte():node.EndByte()])
	switch node.Type() {
	case "integer":
		return Literal{Raw: raw, Kind: LiteralInt}
	case "float":
		return Literal{Raw: raw, Kind: LiteralFloat}
	case "string", "concatenated_string":
		return Literal{Raw: raw, Kind: LiteralStr}
	case "true", "false":
		return Literal{Raw: raw, Kind: LiteralBool}
	case "none":
		return Literal{Raw: raw, Kind: LiteralNone}
	case "unary_operator":
		// Negative numeric literals parse as unary_operator.
		if arg := node.ChildByFieldName("argument"); arg != nil {
			inner := ClassifyLiteral(arg, content)
			if inner.IsNumeric() {
				return Literal{Raw: raw, Kind: inner.Kind}
			}
		}
		return Literal{Raw: raw, Kind: LiteralOther}
	default:
		return Literal{Raw: raw, Kind: LiteralOther}
	}
}

// EvalLiteral evaluates a literal expression node to a Go value.
//
// Description:
//
//	Supports scalars (int, float, str, bool, None), tuples, lists, sets,
//	and dictionaries. Dictionaries evaluate to []DictEntry to preserve
//	non-hashable-in-Go keys such as tuples. Any non-literal content makes
//	the evaluation fail.
//
// Outputs:
//
//	any - int64, float64, string, bool, nil, []any, or []DictEntry.
//	bool - False when the node is not a pure literal.
func EvalLiteral(node *sitter.Node, content []byte) (any, bool) {
	if node == nil {
		return nil, false
	}
	raw := string(content[node.StartByte():node.EndByte()])

	switch node.Type() {
	case "integer":
		v, err := strconv.ParseInt(strings.ReplaceAll(raw, "_", ""), 0, 64)
		if err != nil {
			return nil, false
		}
		return v, true
	case "float":
		v, err := strconv.ParseFloat(strings.ReplaceAll(raw, "_", ""), 64)
		if err != nil {
			return nil, false
		}
		return v, true
	case "string":
		return unquotePython(raw), true
	case "true":
		return true, true
	case "false":
		return false, true
	case "none":
		return nil, true
	case "unary_operator":
		arg := node.ChildByFieldName("argument")
		inner, ok := EvalLiteral(arg, content)
		if !ok || !strings.HasPrefix(raw, "-") {
			return nil, false
		}
		switch v := inner.(type) {
		case int64:
			return -v, true
		case float64:
			return -v, true
		default:
			return nil, false
		}
	case "parenthesized_expression":
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			if child.IsNamed() {
				return EvalLiteral(child, content)
			}
		}
		return nil, false
	case "tuple", "list", "set":
		items := make([]any, 0, node.ChildCount())
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			if !child.IsNamed() || child.Type() == "comment" {
				continue
			}
			v, ok := EvalLiteral(child, content)
			if !ok {
				return nil, false
			}
			items = append(items, v)
		}
		return items, true
	case "dictionary":
		entries := make([]DictEntry, 0, node.ChildCount())
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			if child.Type() != "pair" {
				continue
			}
			key, okK := EvalLiteral(child.ChildByFieldName("key"), content)
			val, okV := EvalLiteral(child.ChildByFieldName("value"), content)
			if !okK || !okV {
				return nil, false
			}
			entries = append(entries, DictEntry{Key: key, Val: val})
		}
		return entries, true
	default:
		return nil, false
	}
}

// unquotePython strips quoting from a Python string literal.
func unquotePython(raw string) string {
	s := raw
	for _, prefix := range []string{"r", "b", "f", "u", "R", "B", "F", "U"} {
		s = strings.TrimPrefix(s, prefix)
	}
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			return s[len(q) : len(s)-len(q)]
		}
	}
	return s
}

// =============================================================================
// Construction Call Mining
// =============================================================================

// Construction is one observed `ClassName(...)` call expression.
type Construction struct {
	// Line is the 1-based line of the call.
	Line int

	// Args are positional argument literals, in order.
	Args []Literal

	// Kwargs maps keyword-argument names to literal values.
	Kwargs map[string]Literal
}

// FindConstructions locates call expressions invoking the given class name
// and extracts their literal arguments.
//
// Calls through attributes (module.ClassName(...)) are matched on the
// final attribute segment. Non-literal arguments are recorded with
// LiteralOther so callers can decide whether to keep the pattern.
func FindConstructions(file *File, className string) []Construction {
	var constructions []Construction

	Walk(file.Root(), func(n *sitter.Node) bool {
		if n.Type() != "call" {
			return true
		}
		fn := n.ChildByFieldName("function")
		if fn == nil {
			return true
		}
		name := file.NodeText(fn)
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			name = name[idx+1:]
		}
		if name != className {
			return true
		}

		con := Construction{
			Line:   int(n.StartPoint().Row + 1),
			Kwargs: make(map[string]Literal),
		}
		if args := n.ChildByFieldName("arguments"); args != nil {
			for i := 0; i < int(args.ChildCount()); i++ {
				arg := args.Child(i)
				if !arg.IsNamed() || arg.Type() == "comment" {
					continue
				}
				if arg.Type() == "keyword_argument" {
					nameNode := arg.ChildByFieldName("name")
					valueNode := arg.ChildByFieldName("value")
					if nameNode != nil && valueNode != nil {
						con.Kwargs[file.NodeText(nameNode)] = ClassifyLiteral(valueNode, file.Content)
					}
					continue
				}
				con.Args = append(con.Args, ClassifyLiteral(arg, file.Content))
			}
		}
		constructions = append(constructions, con)
		return true
	})

	return constructions
}

// =============================================================================
// Comparison Constants
// =============================================================================

// ComparisonConstants extracts numeric constants used as comparison
// operands inside a callable's line span.
//
// Used for boundary probing: each constant is a candidate threshold.
func ComparisonConstants(file *File, c *Callable) []float64 {
	seen := make(map[float64]bool)
	var constants []float64

	Walk(file.Root(), func(n *sitter.Node) bool {
		if n.Type() != "comparison_operator" {
			return true
		}
		line := int(n.StartPoint().Row + 1)
		if line < c.StartLine || line > c.EndLine {
			return true
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			operand := n.Child(i)
			v, ok := EvalLiteral(operand, file.Content)
			if !ok {
				continue
			}
			var f float64
			switch num := v.(type) {
			case int64:
				f = float64(num)
			case float64:
				f = num
			default:
				continue
			}
			if !seen[f] {
				seen[f] = true
				constants = append(constants, f)
			}
		}
		return true
	})

	sort.Float64s(constants)
	return constants
}
