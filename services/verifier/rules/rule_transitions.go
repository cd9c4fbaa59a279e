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

	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
	"github.com/AleutianAI/patchprobe/services/verifier/probe"
	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
)

// transitionMethodNames are method names treated as state-machine
// event dispatchers.
var transitionMethodNames = []string{"transition", "advance", "dispatch", "fire", "handle_event", "set_state"}

// TransitionRule validates changed state transition tables.
//
// Tables are module-level dicts keyed by (state, event) tuples. The
// rule checks the table's internal consistency (duplicate keys), then
// replays every declared entry through the file's dispatcher and
// compares the observed next state against the table. A two-step tour
// chains two consecutive entries and checks the composed result.
type TransitionRule struct{}

// NewTransitionRule creates the rule.
func NewTransitionRule() *TransitionRule {
	return &TransitionRule{}
}

// ID implements Rule.
func (r *TransitionRule) ID() string { return "transitions" }

// Name implements Rule.
func (r *TransitionRule) Name() string { return "State transition tours" }

// Applies implements Rule.
func (r *TransitionRule) Applies(ctx context.Context, rc *RunContext) bool {
	for _, fc := range rc.Changes.Files {
		file := rc.SourceFile(ctx, fc.FilePath)
		if file == nil {
			continue
		}
		if len(transitionTables(file, fc.LineSet())) > 0 {
			return true
		}
	}
	return false
}

// Run implements Rule.
func (r *TransitionRule) Run(ctx context.Context, rc *RunContext) *RuleResult {
	result := NewRuleResult(r.ID(), r.Name())

	for _, fc := range rc.Changes.Files {
		file := rc.SourceFile(ctx, fc.FilePath)
		if file == nil {
			continue
		}
		tables := transitionTables(file, fc.LineSet())
		for _, table := range tables {
			r.checkTable(fc, table, result)
		}
		if len(tables) > 0 {
			r.tourDispatcher(ctx, rc, fc, file, tables[0], result)
		}
	}
	return result
}

// checkTable validates one table's internal consistency.
func (r *TransitionRule) checkTable(fc *diffmap.FileChange, table pysrc.ModuleVar, result *RuleResult) {
	entries, _ := table.Value.([]pysrc.DictEntry)

	seen := make(map[string]bool)
	for _, e := range entries {
		key := fmt.Sprintf("%v", e.Key)
		if seen[key] {
			result.AddFinding(Finding{
				Severity: SeverityHigh,
				FilePath: fc.FilePath,
				Line:     table.Line,
				Message:  fmt.Sprintf("transition table %s declares key %s twice; the first entry is dead", table.Name, key),
			})
		}
		seen[key] = true
	}
}

// transitionEntry is one declared (state, event) -> next row.
type transitionEntry struct {
	State string
	Event string
	Next  string
}

// tourDispatcher replays every table entry through the dispatcher and
// compares observed next states against the declared ones, then chains
// two consecutive entries as a two-step tour.
func (r *TransitionRule) tourDispatcher(ctx context.Context, rc *RunContext, fc *diffmap.FileChange, file *pysrc.File, table pysrc.ModuleVar, result *RuleResult) {
	class, method := findDispatcher(file)
	if class == nil {
		return
	}
	entries := tableEntries(table)
	if len(entries) == 0 {
		return
	}

	ref := diffmap.CallableRef{
		Name:          method.Name,
		QualifiedName: method.QualifiedName,
		ClassName:     class.Name,
		FilePath:      fc.FilePath,
		ModulePath:    fc.ModulePath,
		StartLine:     method.StartLine,
		EndLine:       method.EndLine,
		Params:        method.Params,
	}
	st := rc.Probe(ctx, Target{Ref: ref, Change: fc, File: file})
	construct := fmt.Sprintf("%s()", class.Name)
	if st != nil && st.ConstructExpr() != "" {
		construct = st.ConstructExpr()
	}

	body := []string{
		"def _fresh(_state):",
		fmt.Sprintf("    _i = target.%s", construct),
		"    try:",
		"        _i.state = _state",
		"    except Exception:",
		"        pass",
		fmt.Sprintf("    return _i, getattr(_i, %s, None)", probe.PyString(method.Name)),
		"",
		"def _observe(_i, _rv):",
		`    _obs = _rv if _rv is not None else getattr(_i, "state", None)`,
		`    return {"ok": True, "value": str(_obs), "type": type(_obs).__name__}`,
		"",
		"def _tour(_state, _event):",
		"    try:",
		"        _i, _fn = _fresh(_state)",
		"        return _observe(_i, _fn(_event))",
		"    except Exception as _exc:",
		`        return {"ok": False, "exc_type": type(_exc).__name__, "exc_msg": str(_exc)}`,
		"",
		"def _chain(_state, _e1, _e2):",
		"    try:",
		"        _i, _fn = _fresh(_state)",
		"        _fn(_e1)",
		"        return _observe(_i, _fn(_e2))",
		"    except Exception as _exc:",
		`        return {"ok": False, "exc_type": type(_exc).__name__, "exc_msg": str(_exc)}`,
		"",
		`_report["tours"] = []`,
	}
	for _, e := range entries {
		body = append(body, fmt.Sprintf(`_report["tours"].append(_tour(%s, %s))`,
			probe.PyString(e.State), probe.PyString(e.Event)))
	}

	first, second, chained := chainPair(entries)
	if chained {
		body = append(body, fmt.Sprintf(`_report["chain"] = _chain(%s, %s, %s)`,
			probe.PyString(first.State), probe.PyString(first.Event), probe.PyString(second.Event)))
	}

	report := rc.RunHarness(ctx, fc.FilePath, strings.Join(body, "\n"))
	if report == nil || report.ImportError != "" {
		return
	}

	tours, ok := report.Outcomes("tours")
	if !ok || len(tours) != len(entries) {
		return
	}
	result.AddMetric("transition_tours", float64(len(tours)))
	for i, o := range tours {
		e := entries[i]
		switch {
		case o.Crashed():
			result.AddFinding(Finding{
				Severity: SeverityHigh,
				Target:   ref.QualifiedName,
				FilePath: fc.FilePath,
				Line:     method.StartLine,
				Message:  fmt.Sprintf("declared event %q crashes the dispatcher in state %q", e.Event, e.State),
				Evidence: fmt.Sprintf("%s: %s", o.ExcType, o.ExcMsg),
			})
		case o.OK && o.Value != e.Next:
			result.AddFinding(Finding{
				Severity: SeverityHigh,
				Target:   ref.QualifiedName,
				FilePath: fc.FilePath,
				Line:     method.StartLine,
				Message: fmt.Sprintf("dispatching %q in state %q reached %q; the table declares %q",
					e.Event, e.State, o.Value, e.Next),
			})
		}
	}

	if chained {
		if o, ok := report.Outcome("chain"); ok && o.OK && o.Value != second.Next {
			result.AddFinding(Finding{
				Severity: SeverityHigh,
				Target:   ref.QualifiedName,
				FilePath: fc.FilePath,
				Line:     method.StartLine,
				Message: fmt.Sprintf("two-step tour %q then %q from state %q reached %q; the table composes to %q",
					first.Event, second.Event, first.State, o.Value, second.Next),
			})
		}
	}
}

// chainPair picks the first entry whose declared next state is itself a
// source, giving a two-step tour.
func chainPair(entries []transitionEntry) (transitionEntry, transitionEntry, bool) {
	for _, a := range entries {
		for _, b := range entries {
			if b.State == a.Next {
				return a, b, true
			}
		}
	}
	return transitionEntry{}, transitionEntry{}, false
}

// transitionTables finds module dicts that look like transition tables
// and intersect the changed lines.
func transitionTables(file *pysrc.File, changed map[int]bool) []pysrc.ModuleVar {
	var tables []pysrc.ModuleVar
	for _, v := range file.Vars {
		entries, ok := v.Value.([]pysrc.DictEntry)
		if !ok || len(entries) == 0 {
			continue
		}
		named := strings.Contains(strings.ToUpper(v.Name), "TRANSITION") ||
			strings.Contains(strings.ToUpper(v.Name), "STATE")
		_, tupleKeyed := entries[0].Key.([]any)
		if !named && !tupleKeyed {
			continue
		}
		if !varTouchesChange(v, changed) {
			continue
		}
		tables = append(tables, v)
	}
	return tables
}

// varTouchesChange reports whether the var's assignment span overlaps
// the changed lines. Multi-line dict literals are approximated by the
// assignment line plus the literal's line count.
func varTouchesChange(v pysrc.ModuleVar, changed map[int]bool) bool {
	span := strings.Count(v.ValueText, "\n")
	for line := v.Line; line <= v.Line+span; line++ {
		if changed[line] {
			return true
		}
	}
	return false
}

// tableEntries extracts the (state, event) -> next rows with string
// states and events, in declaration order.
func tableEntries(table pysrc.ModuleVar) []transitionEntry {
	entries, _ := table.Value.([]pysrc.DictEntry)
	var out []transitionEntry
	for _, e := range entries {
		pair, ok := e.Key.([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		state, okS := pair[0].(string)
		event, okE := pair[1].(string)
		next, okN := e.Val.(string)
		if !okS || !okE || !okN {
			continue
		}
		out = append(out, transitionEntry{State: state, Event: event, Next: next})
	}
	return out
}

// findDispatcher locates a class with an event-dispatch method taking
// one required parameter.
func findDispatcher(file *pysrc.File) (*pysrc.Class, *pysrc.Callable) {
	names := make([]string, 0, len(file.Classes))
	for name := range file.Classes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, className := range names {
		class := file.Classes[className]
		for _, m := range class.Methods {
			for _, name := range transitionMethodNames {
				if m.Name == name && len(m.RequiredParams()) == 1 {
					return class, m
				}
			}
		}
	}
	return nil, nil
}
