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

	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
	"github.com/AleutianAI/patchprobe/services/verifier/probe"
	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
)

// maxBoundaryConstants caps how many comparison constants one callable
// gets probed around.
const maxBoundaryConstants = 5

// BoundaryRule probes changed comparisons at and around their operand
// values.
//
// Statically it detects comparison operators swapped between the
// removed and added sides of the diff, the classic off-by-one edit.
// Dynamically it invokes each changed callable with every comparison
// constant k at k-1, k, and k+1; when all three probes collapse to one
// identical outcome the threshold no longer discriminates, which is
// the signature of an incorrect operator. A probe that raises is a
// distinct outcome, not a defect.
type BoundaryRule struct{}

// NewBoundaryRule creates the rule.
func NewBoundaryRule() *BoundaryRule {
	return &BoundaryRule{}
}

// ID implements Rule.
func (r *BoundaryRule) ID() string { return "boundary" }

// Name implements Rule.
func (r *BoundaryRule) Name() string { return "Boundary value probing" }

// Applies implements Rule.
func (r *BoundaryRule) Applies(ctx context.Context, rc *RunContext) bool {
	for _, fc := range rc.Changes.Files {
		if fc.HasKind(pysrc.KindComparison) || fc.HasKind(pysrc.KindConditional) {
			return true
		}
	}
	return false
}

// Run implements Rule.
func (r *BoundaryRule) Run(ctx context.Context, rc *RunContext) *RuleResult {
	result := NewRuleResult(r.ID(), r.Name())

	for _, fc := range rc.Changes.Files {
		for _, f := range detectOperatorSwaps(fc) {
			result.AddFinding(f)
		}
	}

	for _, t := range rc.TargetsWithKind(ctx, pysrc.KindComparison) {
		r.probeTarget(ctx, rc, t, result)
	}
	return result
}

// probeTarget runs the dynamic k-1/k/k+1 probe for one callable.
func (r *BoundaryRule) probeTarget(ctx context.Context, rc *RunContext, t Target, result *RuleResult) {
	callable := t.Callable()
	if callable == nil {
		return
	}
	constants := pysrc.ComparisonConstants(t.File, callable)
	if len(constants) == 0 {
		return
	}
	if len(constants) > maxBoundaryConstants {
		constants = constants[:maxBoundaryConstants]
	}

	st := rc.Probe(ctx, t)
	param, ok := numericParam(st)
	if !ok {
		return
	}

	var values []string
	for _, k := range constants {
		values = append(values,
			formatNumber(k-1), formatNumber(k), formatNumber(k+1))
	}

	body := targetSetup(t, st)
	body = append(body,
		`_report["probes"] = []`,
		"if fn is not None:",
		fmt.Sprintf("    for _v in (%s):", strings.Join(values, ", ")),
		fmt.Sprintf("        _o = probe_call(fn, kwargs=%s)", kwargsExpr(st, param, "_v")),
		`        _o["input"] = repr(_v)`,
		`        _report["probes"].append(_o)`,
	)

	report := rc.RunHarness(ctx, t.Change.FilePath, strings.Join(body, "\n"))
	if report == nil {
		return
	}
	if report.ImportError != "" {
		rc.Logger.Debug("module unimportable, boundary probe skipped",
			"target", t.Ref.QualifiedName, "error", report.ImportError)
		return
	}

	outcomes, ok := report.Outcomes("probes")
	if !ok {
		return
	}
	result.AddMetric("boundary_probes", float64(len(outcomes)))

	// One probe triple per constant: below, at, above the threshold.
	for i := 0; i+3 <= len(outcomes) && i/3 < len(constants); i += 3 {
		triple := outcomes[i : i+3]
		if !outcomesCollapse(triple) {
			continue
		}
		k := constants[i/3]
		result.AddFinding(Finding{
			Severity: SeverityMedium,
			Target:   t.Ref.QualifiedName,
			FilePath: t.Change.FilePath,
			Line:     t.Ref.StartLine,
			Message: fmt.Sprintf("%s returns an identical outcome at %s=%s-1, %s, and %s+1; the threshold no longer discriminates",
				t.Ref.QualifiedName, param, formatNumber(k), formatNumber(k), formatNumber(k)),
			Evidence: outcomeKey(triple[0]),
		})
	}
}

// outcomesCollapse reports whether every outcome in the set is
// indistinguishable from the first.
func outcomesCollapse(outcomes []probe.CallOutcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	first := outcomeKey(outcomes[0])
	for _, o := range outcomes[1:] {
		if outcomeKey(o) != first {
			return false
		}
	}
	return true
}

// outcomeKey reduces an outcome to a comparable signature.
func outcomeKey(o probe.CallOutcome) string {
	if o.OK {
		return fmt.Sprintf("value %s (%s)", o.Value, o.Type)
	}
	return fmt.Sprintf("raised %s", o.ExcType)
}

// detectOperatorSwaps matches removed lines against added lines that
// differ only in their comparison operator.
func detectOperatorSwaps(fc *diffmap.FileChange) []Finding {
	removed := make(map[string]diffmap.DiffLine)
	removedOps := make(map[string]string)
	for _, dl := range fc.RemovedLines {
		if normalized, op, ok := splitComparison(dl.Content); ok {
			removed[normalized] = dl
			removedOps[normalized] = op
		}
	}

	var findings []Finding
	for _, dl := range fc.AddedLines {
		normalized, op, ok := splitComparison(dl.Content)
		if !ok {
			continue
		}
		oldLine, seen := removed[normalized]
		if !seen || removedOps[normalized] == op {
			continue
		}
		findings = append(findings, Finding{
			Severity: SeverityHigh,
			FilePath: fc.FilePath,
			Line:     dl.Num,
			Message: fmt.Sprintf("comparison operator changed from %q to %q; boundary inclusion flipped",
				removedOps[normalized], op),
			Evidence: fmt.Sprintf("-%s\n+%s", oldLine.Content, dl.Content),
		})
	}
	return findings
}
