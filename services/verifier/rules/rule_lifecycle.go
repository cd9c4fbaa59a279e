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
	"sort"
	"strings"

	"github.com/AleutianAI/patchprobe/services/verifier/probe"
)

// lifecycleIterations is how many times a changed callable is driven
// while its module's resource containers are watched.
const lifecycleIterations = 30

// containerMarkers identify module-level variables that hold live
// resources. Matched as lowercase substrings of the variable name.
var containerMarkers = []string{"resource", "handle", "connection", "pool"}

// LifecycleRule drives zero-argument changed callables repeatedly and
// watches the module's resource-like containers. An acquisition added
// without a matching release shows up as net container growth; the
// rule also flags exceptions raised under repeated load.
type LifecycleRule struct{}

// NewLifecycleRule creates the rule.
func NewLifecycleRule() *LifecycleRule {
	return &LifecycleRule{}
}

// ID implements Rule.
func (r *LifecycleRule) ID() string { return "lifecycle" }

// Name implements Rule.
func (r *LifecycleRule) Name() string { return "Resource lifecycle under load" }

// Applies implements Rule.
func (r *LifecycleRule) Applies(ctx context.Context, rc *RunContext) bool {
	for _, t := range rc.Targets(ctx) {
		if zeroArgFunction(t) && len(resourceContainers(t)) > 0 {
			return true
		}
	}
	return false
}

// Run implements Rule.
func (r *LifecycleRule) Run(ctx context.Context, rc *RunContext) *RuleResult {
	result := NewRuleResult(r.ID(), r.Name())

	for _, t := range rc.Targets(ctx) {
		if !zeroArgFunction(t) {
			continue
		}
		containers := resourceContainers(t)
		if len(containers) == 0 {
			continue
		}
		r.probeLoad(ctx, rc, t, containers, result)
	}
	return result
}

// probeLoad snapshots container sizes, invokes the callable under
// load, and compares the snapshots.
func (r *LifecycleRule) probeLoad(ctx context.Context, rc *RunContext, t Target, containers []string, result *RuleResult) {
	nameExprs := make([]string, 0, len(containers))
	for _, name := range containers {
		nameExprs = append(nameExprs, probe.PyString(name))
	}
	names := strings.Join(nameExprs, ", ")

	body := []string{
		fmt.Sprintf("_names = (%s,)", names),
		"def _sizes():",
		"    _out = {}",
		"    for _n in _names:",
		"        try:",
		"            _out[_n] = len(getattr(target, _n))",
		"        except Exception:",
		"            pass",
		"    return _out",
		fmt.Sprintf("fn = getattr(target, %s, None)", probe.PyString(t.Ref.Name)),
		`_report["before"] = _sizes()`,
		`_report["errors"] = []`,
		"if fn is not None:",
		fmt.Sprintf("    for _ in range(%d):", lifecycleIterations),
		"        try:",
		"            fn()",
		"        except Exception as _exc:",
		`            _report["errors"].append(type(_exc).__name__)`,
		`_report["after"] = _sizes()`,
	}

	report := rc.RunHarness(ctx, t.Ref.FilePath, strings.Join(body, "\n"))
	if report == nil || report.ImportError != "" {
		return
	}

	var before, after map[string]int
	if err := report.Decode("before", &before); err != nil {
		return
	}
	if err := report.Decode("after", &after); err != nil {
		return
	}
	result.AddMetric("lifecycle_invocations", float64(lifecycleIterations))

	for _, name := range containers {
		b, okB := before[name]
		a, okA := after[name]
		if !okB || !okA {
			continue
		}
		if growth := a - b; growth > 0 {
			result.AddFinding(Finding{
				Severity: SeverityHigh,
				Target:   t.Ref.QualifiedName,
				FilePath: t.Ref.FilePath,
				Line:     t.Ref.StartLine,
				Message: fmt.Sprintf("%d invocations of %s grew %s by %d entries; nothing reclaims them",
					lifecycleIterations, t.Ref.QualifiedName, name, growth),
				Evidence: fmt.Sprintf("len before=%d after=%d", b, a),
			})
		}
	}

	var errNames []string
	if err := report.Decode("errors", &errNames); err == nil && len(errNames) > 0 {
		result.AddFinding(Finding{
			Severity: SeverityMedium,
			Target:   t.Ref.QualifiedName,
			FilePath: t.Ref.FilePath,
			Line:     t.Ref.StartLine,
			Message: fmt.Sprintf("%s raised %d times across %d repeated invocations",
				t.Ref.QualifiedName, len(errNames), lifecycleIterations),
			Evidence: strings.Join(dedupeStrings(errNames), ", "),
		})
	}
}

// zeroArgFunction reports whether the target is a module-level
// callable invocable without arguments.
func zeroArgFunction(t Target) bool {
	if t.Ref.IsMethod() || t.Ref.FromFallback {
		return false
	}
	for _, p := range t.Ref.Params {
		if !p.HasDefault {
			return false
		}
	}
	return true
}

// resourceContainers returns the module-level variables of the
// target's file whose names mark them as resource holders.
func resourceContainers(t Target) []string {
	if t.File == nil {
		return nil
	}
	var out []string
	for _, v := range t.File.Vars {
		lower := strings.ToLower(v.Name)
		for _, marker := range containerMarkers {
			if strings.Contains(lower, marker) {
				out = append(out, v.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// dedupeStrings returns the distinct values in first-seen order.
func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
