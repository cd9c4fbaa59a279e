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

// hostileExprs are inputs chosen to force error paths rather than the
// happy path.
var hostileExprs = []string{"None", "object()", `""`, "-1"}

// ExceptionRule inspects changed exception handling. Statically it
// flags handlers that swallow everything; dynamically it feeds hostile
// inputs and reports unhandled interpreter-level crashes.
type ExceptionRule struct{}

// NewExceptionRule creates the rule.
func NewExceptionRule() *ExceptionRule {
	return &ExceptionRule{}
}

// ID implements Rule.
func (r *ExceptionRule) ID() string { return "exceptions" }

// Name implements Rule.
func (r *ExceptionRule) Name() string { return "Exception path integrity" }

// Applies implements Rule.
func (r *ExceptionRule) Applies(ctx context.Context, rc *RunContext) bool {
	for _, fc := range rc.Changes.Files {
		if fc.HasKind(pysrc.KindException) {
			return true
		}
	}
	return len(rc.Targets(ctx)) > 0
}

// Run implements Rule.
func (r *ExceptionRule) Run(ctx context.Context, rc *RunContext) *RuleResult {
	result := NewRuleResult(r.ID(), r.Name())

	for _, fc := range rc.Changes.Files {
		if !fc.HasKind(pysrc.KindException) {
			continue
		}
		file := rc.SourceFile(ctx, fc.FilePath)
		if file == nil {
			continue
		}
		r.checkHandlers(fc.FilePath, file, fc.LineSet(), result)
	}

	for _, t := range rc.Targets(ctx) {
		if t.Ref.FromFallback {
			continue
		}
		r.probeHostile(ctx, rc, t, result)
	}
	return result
}

// checkHandlers flags changed except clauses that catch everything and
// discard it.
func (r *ExceptionRule) checkHandlers(filePath string, file *pysrc.File, changed map[int]bool, result *RuleResult) {
	pysrc.Walk(file.Root(), func(n *sitter.Node) bool {
		if n.Type() != "except_clause" {
			return true
		}
		line := int(n.StartPoint().Row) + 1
		if !changed[line] {
			return true
		}
		caught := exceptionCaught(file, n)
		if caught != "" && caught != "Exception" && caught != "BaseException" {
			return true
		}
		if !handlerSwallows(file, n) {
			return true
		}
		label := caught
		if label == "" {
			label = "everything"
		}
		result.AddFinding(Finding{
			Severity: SeverityHigh,
			FilePath: filePath,
			Line:     line,
			Message:  fmt.Sprintf("changed handler catches %s and discards it; failures in this path are now invisible", label),
		})
		return true
	})
}

// probeHostile calls the target with hostile values in each required
// parameter and records interpreter-level crashes.
func (r *ExceptionRule) probeHostile(ctx context.Context, rc *RunContext, t Target, result *RuleResult) {
	st := rc.Probe(ctx, t)
	if st == nil || len(st.Args) == 0 {
		return
	}

	body := targetSetup(t, st)
	body = append(body, `_report["hostile"] = []`, "if fn is not None:")
	var labels []string
	for _, arg := range st.Args {
		for _, expr := range hostileExprs {
			if expr == arg.Expr {
				continue
			}
			labels = append(labels, fmt.Sprintf("%s=%s", arg.Param, expr))
			body = append(body, fmt.Sprintf(
				`    _report["hostile"].append(probe_call(fn, kwargs=dict(%s)))`,
				st.ArgsWith(arg.Param, expr)))
		}
	}
	if len(labels) == 0 {
		return
	}

	report := rc.RunHarness(ctx, t.Ref.FilePath, strings.Join(body, "\n"))
	if report == nil || report.ImportError != "" {
		return
	}
	outcomes, ok := report.Outcomes("hostile")
	if !ok {
		return
	}
	for i, o := range outcomes {
		if i >= len(labels) || !o.Crashed() {
			continue
		}
		result.AddFinding(Finding{
			Severity: SeverityHigh,
			Target:   t.Ref.QualifiedName,
			FilePath: t.Ref.FilePath,
			Line:     t.Ref.StartLine,
			Message:  fmt.Sprintf("hostile input %s escapes as %s instead of a domain error", labels[i], o.ExcType),
			Evidence: o.ExcMsg,
		})
	}
}

// exceptionCaught returns the caught type's text, or empty for a bare
// except.
func exceptionCaught(file *pysrc.File, clause *sitter.Node) string {
	for i := 0; i < int(clause.NamedChildCount()); i++ {
		child := clause.NamedChild(i)
		switch child.Type() {
		case "identifier", "attribute", "tuple":
			return file.NodeText(child)
		case "as_pattern":
			if v := child.NamedChild(0); v != nil {
				return file.NodeText(v)
			}
		}
	}
	return ""
}

// handlerSwallows reports whether the handler body neither re-raises
// nor records the failure. A lone pass, a bare continue, or a bare
// return all count as swallowing.
func handlerSwallows(file *pysrc.File, clause *sitter.Node) bool {
	block := clause.ChildByFieldName("body")
	if block == nil {
		for i := 0; i < int(clause.NamedChildCount()); i++ {
			if clause.NamedChild(i).Type() == "block" {
				block = clause.NamedChild(i)
				break
			}
		}
	}
	if block == nil {
		return false
	}
	text := file.NodeText(block)
	for _, marker := range []string{"raise", "log", "print(", "warn"} {
		if strings.Contains(text, marker) {
			return false
		}
	}
	trimmed := strings.TrimSpace(text)
	return trimmed == "pass" || trimmed == "continue" || trimmed == "return" ||
		strings.HasPrefix(trimmed, "return None")
}
