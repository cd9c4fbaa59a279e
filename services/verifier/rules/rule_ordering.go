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

	"github.com/AleutianAI/patchprobe/services/verifier/probe"
)

// orderMarkers identify module-level constants that declare the
// expected step order. Matched as lowercase substrings of the name.
var orderMarkers = []string{"order", "sequence", "steps"}

// OrderingRule checks changed callables against the module's declared
// step order. A zero-argument callable whose returned sequence skips
// or permutes the declared steps is flagged. Changed methods are also
// probed for hidden call-order coupling on shared instances.
type OrderingRule struct{}

// NewOrderingRule creates the rule.
func NewOrderingRule() *OrderingRule {
	return &OrderingRule{}
}

// ID implements Rule.
func (r *OrderingRule) ID() string { return "ordering" }

// Name implements Rule.
func (r *OrderingRule) Name() string { return "Step order and call order" }

// Applies implements Rule.
func (r *OrderingRule) Applies(ctx context.Context, rc *RunContext) bool {
	for _, t := range rc.Targets(ctx) {
		if t.Ref.FromFallback {
			continue
		}
		if t.Ref.IsMethod() {
			return true
		}
		if name, _ := declaredOrder(t); name != "" && zeroArgFunction(t) {
			return true
		}
	}
	return false
}

// Run implements Rule.
func (r *OrderingRule) Run(ctx context.Context, rc *RunContext) *RuleResult {
	result := NewRuleResult(r.ID(), r.Name())

	byClass := make(map[string][]Target)
	var keys []string
	for _, t := range rc.Targets(ctx) {
		if t.Ref.FromFallback {
			continue
		}
		if !t.Ref.IsMethod() {
			if name, steps := declaredOrder(t); name != "" && zeroArgFunction(t) {
				r.probeDeclaredOrder(ctx, rc, t, name, steps, result)
			}
			continue
		}
		key := t.Ref.FilePath + "::" + t.Ref.ClassName
		if _, ok := byClass[key]; !ok {
			keys = append(keys, key)
		}
		byClass[key] = append(byClass[key], t)
		r.probeRepeat(ctx, rc, t, result)
	}

	for _, key := range keys {
		group := byClass[key]
		if len(group) >= 2 {
			r.probeInterleaving(ctx, rc, group[0], group[1], result)
		}
	}
	return result
}

// probeDeclaredOrder invokes the callable and compares its returned
// sequence against the declared step order.
func (r *OrderingRule) probeDeclaredOrder(ctx context.Context, rc *RunContext, t Target, constName string, expected []string, result *RuleResult) {
	body := []string{
		fmt.Sprintf("fn = getattr(target, %s, None)", probe.PyString(t.Ref.Name)),
		"if fn is not None:",
		"    try:",
		"        _rv = fn()",
		`        _report["observed"] = [str(_s) for _s in _rv]`,
		"    except Exception as _exc:",
		`        _report["order_error"] = type(_exc).__name__`,
	}

	report := rc.RunHarness(ctx, t.Ref.FilePath, strings.Join(body, "\n"))
	if report == nil || report.ImportError != "" || !report.Has("observed") {
		return
	}
	var observed []string
	if err := report.Decode("observed", &observed); err != nil {
		return
	}
	result.AddMetric("order_comparisons", float64(len(expected)))

	seen := make(map[string]bool, len(observed))
	for _, s := range observed {
		seen[s] = true
	}
	for _, step := range expected {
		if !seen[step] {
			result.AddFinding(Finding{
				Severity: SeverityHigh,
				Target:   t.Ref.QualifiedName,
				FilePath: t.Ref.FilePath,
				Line:     t.Ref.StartLine,
				Message:  fmt.Sprintf("step %q from %s never appears in %s's sequence", step, constName, t.Ref.Name),
				Evidence: fmt.Sprintf("observed: %s", strings.Join(observed, ", ")),
			})
		}
	}

	// Restrict the observed sequence to declared steps and compare
	// positions. Extra undeclared entries are tolerated.
	declared := make(map[string]bool, len(expected))
	for _, s := range expected {
		declared[s] = true
	}
	var filtered []string
	for _, s := range observed {
		if declared[s] && seen[s] {
			filtered = append(filtered, s)
		}
	}
	var expectedPresent []string
	for _, s := range expected {
		if seen[s] {
			expectedPresent = append(expectedPresent, s)
		}
	}
	for i := range filtered {
		if i < len(expectedPresent) && filtered[i] != expectedPresent[i] {
			result.AddFinding(Finding{
				Severity: SeverityHigh,
				Target:   t.Ref.QualifiedName,
				FilePath: t.Ref.FilePath,
				Line:     t.Ref.StartLine,
				Message:  fmt.Sprintf("%s emits %q where %s declares %q; the steps run out of order", t.Ref.Name, filtered[i], constName, expectedPresent[i]),
				Evidence: fmt.Sprintf("observed: %s", strings.Join(observed, ", ")),
			})
			break
		}
	}
}

// probeRepeat calls the method twice on one instance. A first call
// that succeeds followed by a second that crashes means the method
// consumes state it never restores.
func (r *OrderingRule) probeRepeat(ctx context.Context, rc *RunContext, t Target, result *RuleResult) {
	st := rc.Probe(ctx, t)
	if st == nil || st.ConstructExpr() == "" {
		return
	}

	call := fmt.Sprintf("probe_call(fn, kwargs=dict(%s))", st.KeywordArgs())
	body := targetSetup(t, st)
	body = append(body,
		"if fn is not None:",
		`    _report["repeat"] = [`+call+", "+call+"]",
	)

	report := rc.RunHarness(ctx, t.Ref.FilePath, strings.Join(body, "\n"))
	if report == nil || report.ImportError != "" {
		return
	}
	outcomes, ok := report.Outcomes("repeat")
	if !ok || len(outcomes) != 2 {
		return
	}
	first, second := outcomes[0], outcomes[1]
	if first.OK && second.Crashed() {
		result.AddFinding(Finding{
			Severity: SeverityHigh,
			Target:   t.Ref.QualifiedName,
			FilePath: t.Ref.FilePath,
			Line:     t.Ref.StartLine,
			Message:  "second invocation on the same instance crashes after the first succeeds",
			Evidence: fmt.Sprintf("%s: %s", second.ExcType, second.ExcMsg),
		})
	}
}

// probeInterleaving drives two changed methods in both orders on fresh
// instances and compares which calls succeed.
func (r *OrderingRule) probeInterleaving(ctx context.Context, rc *RunContext, a, b Target, result *RuleResult) {
	stA := rc.Probe(ctx, a)
	stB := rc.Probe(ctx, b)
	if stA == nil || stB == nil || stA.ConstructExpr() == "" {
		return
	}

	lines := []string{`_report["order_ab"] = []`, `_report["order_ba"] = []`}
	for _, order := range []struct {
		key           string
		first, second Target
		firstSt       string
		secondSt      string
	}{
		{"order_ab", a, b, stA.KeywordArgs(), stB.KeywordArgs()},
		{"order_ba", b, a, stB.KeywordArgs(), stA.KeywordArgs()},
	} {
		lines = append(lines,
			"try:",
			fmt.Sprintf("    _inst = target.%s", stA.ConstructExpr()),
			fmt.Sprintf(`    _report[%q].append(probe_call(getattr(_inst, %s), kwargs=dict(%s)))`,
				order.key, probe.PyString(order.first.Ref.Name), order.firstSt),
			fmt.Sprintf(`    _report[%q].append(probe_call(getattr(_inst, %s), kwargs=dict(%s)))`,
				order.key, probe.PyString(order.second.Ref.Name), order.secondSt),
			"except Exception:",
			"    pass",
		)
	}

	report := rc.RunHarness(ctx, a.Ref.FilePath, strings.Join(lines, "\n"))
	if report == nil || report.ImportError != "" {
		return
	}
	ab, okAB := report.Outcomes("order_ab")
	ba, okBA := report.Outcomes("order_ba")
	if !okAB || !okBA || len(ab) != 2 || len(ba) != 2 {
		return
	}

	// ab[1] and ba[0] are the same method (b); ab[0] and ba[1] are a.
	if ab[1].OK != ba[0].OK {
		result.AddFinding(orderFinding(b, a, ab[1], ba[0]))
	}
	if ba[1].OK != ab[0].OK {
		result.AddFinding(orderFinding(a, b, ba[1], ab[0]))
	}
}

// orderFinding describes a method whose outcome flips depending on
// whether another method ran first.
func orderFinding(dependent, other Target, after, alone probe.CallOutcome) Finding {
	verb := "succeeds"
	if alone.OK {
		verb = "fails"
	}
	return Finding{
		Severity: SeverityMedium,
		Target:   dependent.Ref.QualifiedName,
		FilePath: dependent.Ref.FilePath,
		Line:     dependent.Ref.StartLine,
		Message: fmt.Sprintf("%s only %s after %s has run; the methods share undocumented state",
			dependent.Ref.Name, verb, other.Ref.Name),
		Evidence: fmt.Sprintf("after=%v alone=%v", after.OK, alone.OK),
	}
}

// declaredOrder locates the module's expected-order constant: a list
// of step names whose variable name marks it as an ordering.
func declaredOrder(t Target) (string, []string) {
	if t.File == nil {
		return "", nil
	}
	for _, v := range t.File.Vars {
		lower := strings.ToLower(v.Name)
		matched := false
		for _, marker := range orderMarkers {
			if strings.Contains(lower, marker) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		items, ok := v.Value.([]any)
		if !ok || len(items) == 0 {
			continue
		}
		steps := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				steps = nil
				break
			}
			steps = append(steps, s)
		}
		if len(steps) > 0 {
			return v.Name, steps
		}
	}
	return "", nil
}
