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
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/patchprobe/services/verifier/probe"
	"github.com/AleutianAI/patchprobe/services/verifier/strategy"
)

// =============================================================================
// Harness Building Helpers
// =============================================================================

// targetSetup emits harness lines binding "fn" to the target callable,
// or None when the receiver cannot be constructed. Harness bodies must
// tolerate fn being None.
func targetSetup(t Target, st *strategy.InputStrategy) []string {
	if !t.Ref.IsMethod() {
		return []string{
			fmt.Sprintf("fn = getattr(target, %s, None)", probe.PyString(t.Ref.Name)),
		}
	}
	construct := fmt.Sprintf("%s()", t.Ref.ClassName)
	if st != nil && st.ConstructExpr() != "" {
		construct = st.ConstructExpr()
	}
	return []string{
		"fn = None",
		"try:",
		fmt.Sprintf("    _inst = target.%s", construct),
		fmt.Sprintf("    fn = getattr(_inst, %s, None)", probe.PyString(t.Ref.Name)),
		"except Exception:",
		"    pass",
	}
}

// kwargsExpr renders a python dict literal for the strategy's primary
// arguments, with one parameter substituted.
func kwargsExpr(st *strategy.InputStrategy, param, expr string) string {
	if st == nil {
		return "dict()"
	}
	if param == "" {
		return fmt.Sprintf("dict(%s)", st.KeywordArgs())
	}
	return fmt.Sprintf("dict(%s)", st.ArgsWith(param, expr))
}

// numericParam picks the first parameter whose primary value is a
// numeric literal, the natural operand for boundary probing.
func numericParam(st *strategy.InputStrategy) (string, bool) {
	if st == nil {
		return "", false
	}
	for _, plan := range st.Args {
		if isNumericExpr(plan.Expr) {
			return plan.Param, true
		}
	}
	return "", false
}

func isNumericExpr(s string) bool {
	if s == "" {
		return false
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	return false
}

// formatNumber renders a float without a spurious fraction when it is
// integral, matching how the constant appeared in source.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// kwargsWithOverrides renders a python dict literal for the strategy's
// arguments with any number of parameters substituted.
func kwargsWithOverrides(st *strategy.InputStrategy, overrides map[string]string) string {
	if st == nil {
		return "dict()"
	}
	var parts []string
	for _, plan := range st.Args {
		expr := plan.Expr
		if o, ok := overrides[plan.Param]; ok {
			expr = o
		}
		parts = append(parts, fmt.Sprintf("%s=%s", plan.Param, expr))
	}
	return fmt.Sprintf("dict(%s)", strings.Join(parts, ", "))
}

// =============================================================================
// Static Text Helpers
// =============================================================================

// comparisonOps are the swappable comparison operators, longest first
// so ">=" is found before ">".
var comparisonOps = []string{">=", "<=", "==", "!=", ">", "<"}

// splitComparison finds the first comparison operator in a line and
// returns the line with the operator replaced by a placeholder, plus
// the operator itself.
func splitComparison(line string) (normalized, op string, ok bool) {
	trimmed := strings.Join(strings.Fields(line), " ")
	for _, candidate := range comparisonOps {
		idx := strings.Index(trimmed, candidate)
		if idx < 0 {
			continue
		}
		// "=" immediately after "<"/">" means the longer operator wins;
		// scanning longest-first already guarantees that.
		return trimmed[:idx] + "\x00" + trimmed[idx+len(candidate):], candidate, true
	}
	return "", "", false
}
