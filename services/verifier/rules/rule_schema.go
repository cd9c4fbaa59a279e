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
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
	"github.com/AleutianAI/patchprobe/services/verifier/probe"
)

// dictKeyPattern matches a string dict key in source text.
var dictKeyPattern = regexp.MustCompile(`["']([A-Za-z_][A-Za-z0-9_]*)["']\s*:`)

// schemaMarkers identify module-level constants that declare a field
// schema. Matched as lowercase substrings of the variable name.
var schemaMarkers = []string{"schema", "fields"}

// SchemaRule verifies structured input validation. When the module
// declares a field schema, a valid payload synthesized from it must be
// accepted and payloads with a missing field or a wrong-typed field
// must both be rejected. The rule also tracks dict keys the patch
// removes, since consumers indexing them will raise KeyError.
type SchemaRule struct{}

// NewSchemaRule creates the rule.
func NewSchemaRule() *SchemaRule {
	return &SchemaRule{}
}

// ID implements Rule.
func (r *SchemaRule) ID() string { return "schema" }

// Name implements Rule.
func (r *SchemaRule) Name() string { return "Structured input validation" }

// Applies implements Rule.
func (r *SchemaRule) Applies(ctx context.Context, rc *RunContext) bool {
	for _, fc := range rc.Changes.Files {
		if len(diffKeys(fc.RemovedLines)) > 0 {
			return true
		}
	}
	for _, t := range rc.Targets(ctx) {
		if schemaConstant(t) != "" && singleArgCallable(t) {
			return true
		}
	}
	return false
}

// Run implements Rule.
func (r *SchemaRule) Run(ctx context.Context, rc *RunContext) *RuleResult {
	result := NewRuleResult(r.ID(), r.Name())

	for _, fc := range rc.Changes.Files {
		removed := diffKeys(fc.RemovedLines)
		if len(removed) == 0 {
			continue
		}
		added := diffKeys(fc.AddedLines)

		// A key on both sides of the hunk is an edited value, not a
		// schema change. A key still present anywhere in the new file
		// survives the patch.
		content := string(fileContent(ctx, rc, fc.FilePath))
		for _, key := range sortedKeys(removed) {
			if _, ok := added[key]; ok {
				continue
			}
			if content != "" && dictKeyInSource(content, key) {
				continue
			}
			result.AddFinding(Finding{
				Severity: SeverityHigh,
				FilePath: fc.FilePath,
				Line:     removed[key],
				Message:  fmt.Sprintf("key %q no longer appears in the mapping; consumers indexing it will raise KeyError", key),
			})
		}
	}

	for _, t := range rc.Targets(ctx) {
		if t.Ref.FromFallback {
			continue
		}
		if name := schemaConstant(t); name != "" && singleArgCallable(t) {
			r.probePayloads(ctx, rc, t, name, result)
		}
		r.probeReturnShape(ctx, rc, t, result)
	}
	return result
}

// probePayloads synthesizes payloads from the declared schema and
// feeds them to the validator: one valid, one with a field removed,
// one with a field of the wrong type.
func (r *SchemaRule) probePayloads(ctx context.Context, rc *RunContext, t Target, constName string, result *RuleResult) {
	body := []string{
		fmt.Sprintf("_schema = getattr(target, %s, None)", probe.PyString(constName)),
		fmt.Sprintf("fn = getattr(target, %s, None)", probe.PyString(t.Ref.Name)),
		"if isinstance(_schema, dict) and _schema and fn is not None:",
		"    _fields = sorted(str(_k) for _k in _schema)",
		"    def _sample(_t):",
		"        _n = _t.__name__ if isinstance(_t, type) else str(_t)",
		`        return {"int": 1, "float": 1.0, "str": "x", "bool": True, "list": [], "dict": {}}.get(_n, "x")`,
		"    _valid = {_k: _sample(_schema[_k]) for _k in _fields}",
		"    _missing = dict(_valid)",
		"    _missing.pop(_fields[0])",
		"    _wrong = dict(_valid)",
		"    _wrong[_fields[0]] = object()",
		`    _report["checked_field"] = _fields[0]`,
		`    _report["payloads"] = [`,
		"        probe_call(fn, args=(_valid,)),",
		"        probe_call(fn, args=(_missing,)),",
		"        probe_call(fn, args=(_wrong,)),",
		"    ]",
	}

	report := rc.RunHarness(ctx, t.Ref.FilePath, strings.Join(body, "\n"))
	if report == nil || report.ImportError != "" {
		return
	}
	outcomes, ok := report.Outcomes("payloads")
	if !ok || len(outcomes) != 3 {
		return
	}
	var field string
	if err := report.Decode("checked_field", &field); err != nil {
		return
	}
	result.AddMetric("schema_probes", float64(len(outcomes)))

	valid, missing, wrong := outcomes[0], outcomes[1], outcomes[2]
	if !valid.OK {
		result.AddFinding(Finding{
			Severity: SeverityMedium,
			Target:   t.Ref.QualifiedName,
			FilePath: t.Ref.FilePath,
			Line:     t.Ref.StartLine,
			Message:  fmt.Sprintf("%s rejects a payload built from %s's own field types", t.Ref.Name, constName),
			Evidence: fmt.Sprintf("%s: %s", valid.ExcType, valid.ExcMsg),
		})
	}
	if missing.OK {
		result.AddFinding(Finding{
			Severity: SeverityHigh,
			Target:   t.Ref.QualifiedName,
			FilePath: t.Ref.FilePath,
			Line:     t.Ref.StartLine,
			Message:  fmt.Sprintf("%s silently accepts a payload missing field %q", t.Ref.Name, field),
		})
	}
	if wrong.OK {
		result.AddFinding(Finding{
			Severity: SeverityHigh,
			Target:   t.Ref.QualifiedName,
			FilePath: t.Ref.FilePath,
			Line:     t.Ref.StartLine,
			Message:  fmt.Sprintf("%s silently accepts a payload whose %q field has the wrong type", t.Ref.Name, field),
		})
	}
}

// probeReturnShape calls the target and, when it returns a dict,
// records its keys so a removed key can be confirmed against live
// output.
func (r *SchemaRule) probeReturnShape(ctx context.Context, rc *RunContext, t Target, result *RuleResult) {
	removed := diffKeys(t.Change.RemovedLines)
	if len(removed) == 0 {
		return
	}
	st := rc.Probe(ctx, t)
	if st == nil {
		return
	}

	body := targetSetup(t, st)
	body = append(body,
		"if fn is not None:",
		fmt.Sprintf(`    _r = probe_call(fn, kwargs=dict(%s))`, st.KeywordArgs()),
		`    if _r.get("ok") and _r.get("type") == "dict":`,
		"        try:",
		fmt.Sprintf(`            _v = fn(**dict(%s))`, st.KeywordArgs()),
		`            _report["result_keys"] = sorted(str(k) for k in _v.keys())`,
		"        except Exception:",
		"            pass",
	)

	report := rc.RunHarness(ctx, t.Ref.FilePath, strings.Join(body, "\n"))
	if report == nil || report.ImportError != "" || !report.Has("result_keys") {
		return
	}
	var keys []string
	if err := report.Decode("result_keys", &keys); err != nil {
		return
	}
	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[k] = true
	}
	for _, key := range sortedKeys(removed) {
		if present[key] {
			continue
		}
		result.AddFinding(Finding{
			Severity: SeverityHigh,
			Target:   t.Ref.QualifiedName,
			FilePath: t.Ref.FilePath,
			Line:     t.Ref.StartLine,
			Message:  fmt.Sprintf("live output confirms key %q is gone from %s's result", key, t.Ref.Name),
			Evidence: fmt.Sprintf("returned keys: %s", strings.Join(keys, ", ")),
		})
	}
}

// schemaConstant locates the module's field-schema constant: a dict
// literal whose variable name marks it as a schema.
func schemaConstant(t Target) string {
	if t.File == nil {
		return ""
	}
	for _, v := range t.File.Vars {
		lower := strings.ToLower(v.Name)
		for _, marker := range schemaMarkers {
			if strings.Contains(lower, marker) && strings.HasPrefix(strings.TrimSpace(v.ValueText), "{") {
				return v.Name
			}
		}
	}
	return ""
}

// singleArgCallable reports whether the target is a module-level
// callable taking exactly one parameter.
func singleArgCallable(t Target) bool {
	return !t.Ref.IsMethod() && !t.Ref.FromFallback && len(t.Ref.Params) == 1
}

// diffKeys extracts string dict keys from one side of a hunk, mapped
// to the first line each key appears on.
func diffKeys(lines []diffmap.DiffLine) map[string]int {
	keys := make(map[string]int)
	for _, l := range lines {
		for _, m := range dictKeyPattern.FindAllStringSubmatch(l.Content, -1) {
			if _, ok := keys[m[1]]; !ok {
				keys[m[1]] = l.Num
			}
		}
	}
	return keys
}

// dictKeyInSource reports whether the key still appears as a dict key
// anywhere in the file.
func dictKeyInSource(content, key string) bool {
	for _, m := range dictKeyPattern.FindAllStringSubmatch(content, -1) {
		if m[1] == key {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fileContent reads the changed file through the context cache.
func fileContent(ctx context.Context, rc *RunContext, path string) []byte {
	file := rc.SourceFile(ctx, path)
	if file == nil {
		return nil
	}
	return file.Content
}
