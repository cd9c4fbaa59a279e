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
	"github.com/AleutianAI/patchprobe/services/verifier/strategy"
)

// PredicateRule checks that changed predicates are actually influenced
// by their inputs.
//
// Statically it flags conditions that became constants, boolean
// expressions carrying a literal True/False operand, and duplicated
// sub-conditions (the `flag and flag` edit that masks the intended
// second clause). Dynamically it toggles each boolean parameter
// individually against an all-True baseline; a parameter whose toggle
// does not change the outcome, or makes the call raise, does not
// independently influence the result.
type PredicateRule struct{}

// NewPredicateRule creates the rule.
func NewPredicateRule() *PredicateRule {
	return &PredicateRule{}
}

// ID implements Rule.
func (r *PredicateRule) ID() string { return "predicate" }

// Name implements Rule.
func (r *PredicateRule) Name() string { return "Predicate influence" }

// Applies implements Rule.
func (r *PredicateRule) Applies(ctx context.Context, rc *RunContext) bool {
	for _, fc := range rc.Changes.Files {
		if fc.HasKind(pysrc.KindConditional) {
			return true
		}
	}
	return false
}

// Run implements Rule.
func (r *PredicateRule) Run(ctx context.Context, rc *RunContext) *RuleResult {
	result := NewRuleResult(r.ID(), r.Name())

	for _, fc := range rc.Changes.Files {
		if !fc.HasKind(pysrc.KindConditional) {
			continue
		}
		file := rc.SourceFile(ctx, fc.FilePath)
		if file == nil {
			continue
		}
		for _, f := range constantPredicates(file, fc.LineSet()) {
			f.FilePath = fc.FilePath
			result.AddFinding(f)
		}
		for _, f := range degeneratePredicates(file, fc.LineSet()) {
			f.FilePath = fc.FilePath
			result.AddFinding(f)
		}
	}

	for _, t := range rc.TargetsWithKind(ctx, pysrc.KindConditional) {
		r.probeToggles(ctx, rc, t, result)
	}
	return result
}

// probeToggles runs the per-parameter toggle protocol: baseline with
// every boolean parameter True, then each boolean flipped to False in
// turn.
func (r *PredicateRule) probeToggles(ctx context.Context, rc *RunContext, t Target, result *RuleResult) {
	st := rc.Probe(ctx, t)
	bools := boolParams(t, st)
	if len(bools) == 0 {
		return
	}

	baseline := make(map[string]string, len(bools))
	for _, name := range bools {
		baseline[name] = "True"
	}
	variants := []string{kwargsWithOverrides(st, baseline)}
	for _, name := range bools {
		toggled := make(map[string]string, len(bools))
		for _, other := range bools {
			toggled[other] = "True"
		}
		toggled[name] = "False"
		variants = append(variants, kwargsWithOverrides(st, toggled))
	}

	body := targetSetup(t, st)
	body = append(body,
		`_report["toggles"] = []`,
		"if fn is not None:",
		fmt.Sprintf("    for _kw in (%s):", strings.Join(variants, ", ")),
		"        _report[\"toggles\"].append(probe_call(fn, kwargs=_kw))",
	)

	report := rc.RunHarness(ctx, t.Change.FilePath, strings.Join(body, "\n"))
	if report == nil || report.ImportError != "" {
		return
	}
	outcomes, ok := report.Outcomes("toggles")
	if !ok || len(outcomes) != len(bools)+1 {
		return
	}
	result.AddMetric("toggle_probes", float64(len(outcomes)))

	base := outcomes[0]
	if !base.OK {
		// The baseline itself raising leaves nothing to compare against.
		return
	}
	for i, name := range bools {
		toggle := outcomes[i+1]
		if !toggle.OK {
			result.AddFinding(Finding{
				Severity: SeverityMedium,
				Target:   t.Ref.QualifiedName,
				FilePath: t.Change.FilePath,
				Line:     t.Ref.StartLine,
				Message: fmt.Sprintf("toggling %s to False makes %s raise instead of switching its result",
					name, t.Ref.QualifiedName),
				Evidence: fmt.Sprintf("%s: %s", toggle.ExcType, toggle.ExcMsg),
			})
			continue
		}
		if toggle.Value == base.Value && toggle.Type == base.Type {
			result.AddFinding(Finding{
				Severity: SeverityMedium,
				Target:   t.Ref.QualifiedName,
				FilePath: t.Change.FilePath,
				Line:     t.Ref.StartLine,
				Message: fmt.Sprintf("%s does not independently influence %s; toggling it left the outcome unchanged",
					name, t.Ref.QualifiedName),
				Evidence: outcomeKey(base),
			})
		}
	}
}

// boolParams returns the target's boolean-looking parameters in
// declaration order.
func boolParams(t Target, st *strategy.InputStrategy) []string {
	planned := make(map[string]string)
	if st != nil {
		for _, plan := range st.Args {
			planned[plan.Param] = plan.Expr
		}
	}
	var out []string
	for _, p := range t.Ref.Params {
		switch {
		case p.Annotation == "bool":
		case planned[p.Name] == "True" || planned[p.Name] == "False":
		case strings.HasPrefix(p.Name, "is_") ||
			strings.Contains(p.Name, "flag") ||
			strings.Contains(p.Name, "enable"):
		default:
			continue
		}
		out = append(out, p.Name)
	}
	return out
}

// constantPredicates finds changed if/while conditions that are bare
// constants.
func constantPredicates(file *pysrc.File, changed map[int]bool) []Finding {
	var findings []Finding
	pysrc.Walk(file.Root(), func(node *sitter.Node) bool {
		nodeType := node.Type()
		if nodeType != "if_statement" && nodeType != "while_statement" {
			return true
		}
		line := int(node.StartPoint().Row) + 1
		if !changed[line] {
			return true
		}
		cond := node.ChildByFieldName("condition")
		if cond == nil {
			return true
		}
		switch cond.Type() {
		case "true", "false", "integer", "float", "string", "none":
			findings = append(findings, Finding{
				Severity: SeverityHigh,
				Line:     line,
				Message:  fmt.Sprintf("changed condition is the constant %q; the branch can never switch", file.NodeText(cond)),
				Evidence: strings.TrimSpace(file.NodeText(node)),
			})
		}
		return true
	})
	return findings
}

// degeneratePredicates finds changed boolean expressions with a
// duplicated sub-condition or a literal True/False operand.
func degeneratePredicates(file *pysrc.File, changed map[int]bool) []Finding {
	var findings []Finding
	pysrc.Walk(file.Root(), func(node *sitter.Node) bool {
		if node.Type() != "boolean_operator" {
			return true
		}
		line := int(node.StartPoint().Row) + 1
		if !changed[line] {
			return true
		}
		// Only the outermost operator of an expression; nested operators
		// are covered as operands of their parent.
		if p := node.Parent(); p != nil && p.Type() == "boolean_operator" {
			return true
		}

		operands := flattenBoolOperands(node)
		seen := make(map[string]bool)
		for _, operand := range operands {
			text := strings.TrimSpace(file.NodeText(operand))
			switch operand.Type() {
			case "true", "false":
				findings = append(findings, Finding{
					Severity: SeverityMedium,
					Line:     line,
					Message:  fmt.Sprintf("boolean expression carries the literal %s; that operand decides nothing", text),
					Evidence: strings.TrimSpace(file.NodeText(node)),
				})
				continue
			}
			if seen[text] {
				findings = append(findings, Finding{
					Severity: SeverityHigh,
					Line:     line,
					Message:  fmt.Sprintf("sub-condition %q appears more than once; a clause it replaced is masked", text),
					Evidence: strings.TrimSpace(file.NodeText(node)),
				})
				continue
			}
			seen[text] = true
		}
		return false
	})
	return findings
}

// flattenBoolOperands collects the leaf operands of a chain of boolean
// operators.
func flattenBoolOperands(node *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	for _, field := range []string{"left", "right"} {
		child := node.ChildByFieldName(field)
		if child == nil {
			continue
		}
		if child.Type() == "boolean_operator" {
			out = append(out, flattenBoolOperands(child)...)
			continue
		}
		out = append(out, child)
	}
	return out
}
