// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
)

// acquireMarkers name calls whose result holds a live resource.
var acquireMarkers = []string{"open", "connect", "acquire", "socket", "popen"}

// releaseMarkers name method calls that give a resource back.
var releaseMarkers = []string{"close", "release", "disconnect", "shutdown", "terminate"}

// DefUseRule runs static def-use analysis over each changed callable:
// a name read before anything assigns it, a name assigned on only one
// branch of a conditional and read after it, a resource acquired and
// never released, and a value assigned on a changed line that nothing
// reads afterwards.
type DefUseRule struct{}

// NewDefUseRule creates the rule.
func NewDefUseRule() *DefUseRule {
	return &DefUseRule{}
}

// ID implements Rule.
func (r *DefUseRule) ID() string { return "defuse" }

// Name implements Rule.
func (r *DefUseRule) Name() string { return "Definition and use pairing" }

// Applies implements Rule.
func (r *DefUseRule) Applies(ctx context.Context, rc *RunContext) bool {
	for _, t := range rc.Targets(ctx) {
		if !t.Ref.FromFallback {
			return true
		}
	}
	return false
}

// Run implements Rule.
func (r *DefUseRule) Run(ctx context.Context, rc *RunContext) *RuleResult {
	result := NewRuleResult(r.ID(), r.Name())

	for _, t := range rc.Targets(ctx) {
		if t.Ref.FromFallback || t.File == nil {
			continue
		}
		c := t.Callable()
		if c == nil {
			continue
		}
		body := callableNode(t.File, c)
		if body == nil {
			continue
		}
		flow := analyzeFlow(t.File, body, c)

		for _, u := range flow.earlyUses {
			result.AddFinding(Finding{
				Severity: SeverityHigh,
				Target:   t.Ref.QualifiedName,
				FilePath: t.Ref.FilePath,
				Line:     u.line,
				Message:  fmt.Sprintf("%q is read before anything assigns it in %s", u.name, c.Name),
			})
		}
		for _, b := range flow.branchOnly {
			result.AddFinding(Finding{
				Severity: SeverityMedium,
				Target:   t.Ref.QualifiedName,
				FilePath: t.Ref.FilePath,
				Line:     b.line,
				Message:  fmt.Sprintf("%q is assigned on only one branch but read after the conditional in %s", b.name, c.Name),
			})
		}
		for _, h := range flow.heldResources {
			result.AddFinding(Finding{
				Severity: SeverityMedium,
				Target:   t.Ref.QualifiedName,
				FilePath: t.Ref.FilePath,
				Line:     h.line,
				Message:  fmt.Sprintf("%q holds the result of %s() but %s never releases it", h.name, h.acquire, c.Name),
			})
		}
		for _, d := range deadAssignments(t.File, body, t.Change.LineSet()) {
			result.AddFinding(Finding{
				Severity: SeverityLow,
				Target:   t.Ref.QualifiedName,
				FilePath: t.Ref.FilePath,
				Line:     d.line,
				Message:  fmt.Sprintf("%q is assigned on a changed line but never read afterwards in %s", d.name, c.Name),
			})
		}
	}
	return result
}

type flowIssue struct {
	name    string
	line    int
	acquire string
}

type flowReport struct {
	earlyUses     []flowIssue
	branchOnly    []flowIssue
	heldResources []flowIssue
}

type nameDef struct {
	node        *sitter.Node
	startByte   uint32
	line        int
	conditional bool
	onElse      bool
	acquire     string
}

// analyzeFlow collects assignments and reads inside the callable body
// and derives the def-use issues from their textual order.
func analyzeFlow(file *pysrc.File, body *sitter.Node, c *pysrc.Callable) flowReport {
	defs := make(map[string][]nameDef)
	released := make(map[string]bool)
	params := make(map[string]bool)
	for _, p := range c.Params {
		params[p.Name] = true
	}

	pysrc.Walk(body, func(n *sitter.Node) bool {
		switch n.Type() {
		case "assignment", "augmented_assignment":
			left := n.ChildByFieldName("left")
			if left == nil || left.Type() != "identifier" {
				return true
			}
			name := file.NodeText(left)
			if name == "_" || name == "self" {
				return true
			}
			d := nameDef{
				node:      n,
				startByte: n.StartByte(),
				line:      int(n.StartPoint().Row) + 1,
			}
			if cond := enclosingIf(n, body); cond != nil {
				d.conditional = true
				d.onElse = underElse(n, cond)
				d.node = cond
			}
			if right := n.ChildByFieldName("right"); right != nil {
				d.acquire = acquireCall(file, right)
			}
			defs[name] = append(defs[name], d)
		case "for_statement", "with_statement":
			// Loop and context-manager targets count as assignments
			// on every path.
			for _, name := range bindingTargets(file, n) {
				defs[name] = append(defs[name], nameDef{
					node:      n,
					startByte: n.StartByte(),
					line:      int(n.StartPoint().Row) + 1,
				})
				released[name] = true
			}
		case "call":
			if name, ok := releaseReceiver(file, n); ok {
				released[name] = true
			}
		}
		return true
	})

	var report flowReport
	for name, list := range defs {
		if params[name] {
			continue
		}
		first := list[0]
		for _, d := range list[1:] {
			if d.startByte < first.startByte {
				first = d
			}
		}

		// A read strictly before the first assignment means the old
		// initialization was edited away.
		if use := firstUseBefore(file, body, name, first); use != nil {
			report.earlyUses = append(report.earlyUses, flowIssue{
				name: name,
				line: int(use.StartPoint().Row) + 1,
			})
		}

		if branchOnlyDef(list) {
			cond := first.node
			if usedAfter(file, body, name, cond.EndByte()) {
				report.branchOnly = append(report.branchOnly, flowIssue{name: name, line: first.line})
			}
		}

		for _, d := range list {
			if d.acquire != "" && !released[name] {
				report.heldResources = append(report.heldResources, flowIssue{
					name:    name,
					line:    d.line,
					acquire: d.acquire,
				})
				break
			}
		}
	}
	return report
}

// branchOnlyDef reports whether every assignment of the name sits under
// a conditional and none of them covers the else path.
func branchOnlyDef(list []nameDef) bool {
	for _, d := range list {
		if !d.conditional {
			return false
		}
	}
	for _, d := range list {
		if d.onElse {
			return false
		}
	}
	return true
}

// firstUseBefore returns an identifier read of the name that precedes
// the first assignment, or nil. The assignment's own left side is
// excluded by the strict byte comparison.
func firstUseBefore(file *pysrc.File, body *sitter.Node, name string, first nameDef) *sitter.Node {
	var use *sitter.Node
	pysrc.Walk(body, func(n *sitter.Node) bool {
		if use != nil {
			return false
		}
		if n.Type() == "identifier" && n.EndByte() <= first.startByte && file.NodeText(n) == name {
			use = n
			return false
		}
		return true
	})
	return use
}

// usedAfter reports whether any identifier reads the name past the
// given byte offset.
func usedAfter(file *pysrc.File, body *sitter.Node, name string, after uint32) bool {
	found := false
	pysrc.Walk(body, func(n *sitter.Node) bool {
		if found {
			return false
		}
		if n.Type() == "identifier" && n.StartByte() >= after && file.NodeText(n) == name {
			found = true
			return false
		}
		return true
	})
	return found
}

// enclosingIf returns the nearest if statement between the node and
// the callable body, or nil for an unconditional statement.
func enclosingIf(n, body *sitter.Node) *sitter.Node {
	for p := n.Parent(); p != nil && !p.Equal(body); p = p.Parent() {
		if p.Type() == "if_statement" {
			return p
		}
	}
	return nil
}

// underElse reports whether the node sits inside the else clause of
// the given if statement.
func underElse(n, cond *sitter.Node) bool {
	for p := n.Parent(); p != nil && !p.Equal(cond); p = p.Parent() {
		if p.Type() == "else_clause" {
			return true
		}
	}
	return false
}

// acquireCall returns the called name when the expression is a call to
// an open/connect/acquire-style function, else "".
func acquireCall(file *pysrc.File, expr *sitter.Node) string {
	if expr.Type() != "call" {
		return ""
	}
	fn := expr.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	name := file.NodeText(fn)
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	lower := strings.ToLower(name)
	for _, marker := range acquireMarkers {
		if strings.Contains(lower, marker) {
			return name
		}
	}
	return ""
}

// releaseReceiver returns the receiver name of a close/release-style
// method call, e.g. "conn" for conn.close().
func releaseReceiver(file *pysrc.File, call *sitter.Node) (string, bool) {
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "attribute" {
		return "", false
	}
	obj := fn.ChildByFieldName("object")
	attr := fn.ChildByFieldName("attribute")
	if obj == nil || attr == nil || obj.Type() != "identifier" {
		return "", false
	}
	method := strings.ToLower(file.NodeText(attr))
	for _, marker := range releaseMarkers {
		if method == marker {
			return file.NodeText(obj), true
		}
	}
	return "", false
}

// bindingTargets lists the identifier targets bound by a for statement
// or a with statement's as-clauses.
func bindingTargets(file *pysrc.File, n *sitter.Node) []string {
	var out []string
	switch n.Type() {
	case "for_statement":
		if left := n.ChildByFieldName("left"); left != nil && left.Type() == "identifier" {
			out = append(out, file.NodeText(left))
		}
	case "with_statement":
		pysrc.Walk(n, func(sub *sitter.Node) bool {
			if sub.Type() == "as_pattern_target" {
				if sub.NamedChildCount() > 0 && sub.NamedChild(0).Type() == "identifier" {
					out = append(out, file.NodeText(sub.NamedChild(0)))
				} else {
					out = append(out, file.NodeText(sub))
				}
				return false
			}
			return true
		})
	}
	return out
}

type deadAssignment struct {
	name string
	line int
}

// deadAssignments finds simple-name assignments on changed lines that
// no later identifier in the same callable reads. Attribute and
// subscript targets are ignored, as are underscore names.
func deadAssignments(file *pysrc.File, body *sitter.Node, changed map[int]bool) []deadAssignment {
	type def struct {
		name    string
		line    int
		endByte uint32
	}
	var defs []def
	pysrc.Walk(body, func(n *sitter.Node) bool {
		if n.Type() != "assignment" && n.Type() != "augmented_assignment" {
			return true
		}
		line := int(n.StartPoint().Row) + 1
		if !changed[line] {
			return true
		}
		left := n.ChildByFieldName("left")
		if left == nil || left.Type() != "identifier" {
			return true
		}
		name := file.NodeText(left)
		if name == "_" || name == "self" {
			return true
		}
		defs = append(defs, def{name: name, line: line, endByte: n.EndByte()})
		return true
	})
	if len(defs) == 0 {
		return nil
	}

	var dead []deadAssignment
	for _, d := range defs {
		used := false
		pysrc.Walk(body, func(n *sitter.Node) bool {
			if used {
				return false
			}
			if n.Type() == "identifier" && n.StartByte() >= d.endByte && file.NodeText(n) == d.name {
				used = true
				return false
			}
			return true
		})
		if !used {
			dead = append(dead, deadAssignment{name: d.name, line: d.line})
		}
	}
	return dead
}

// callableNode locates the definition node whose span matches the
// callable's recorded lines.
func callableNode(file *pysrc.File, c *pysrc.Callable) *sitter.Node {
	var found *sitter.Node
	pysrc.Walk(file.Root(), func(n *sitter.Node) bool {
		if found != nil {
			return false
		}
		if n.Type() != "function_definition" {
			return true
		}
		if int(n.StartPoint().Row)+1 == c.StartLine {
			found = n
			return false
		}
		return true
	})
	return found
}
