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
	"strings"
	"testing"

	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
)

func TestPredicateRuleFlagsConstantCondition(t *testing.T) {
	source := "def check(flag=True):\n" +
		"    if True:\n" +
		"        return 1\n" +
		"    return 0\n"
	root := writeRepo(t, map[string]string{"check.py": source})
	changes := &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "check.py",
		ModulePath:   "check",
		ChangedLines: []int{2},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindConditional: {2}},
	}}}
	rc := ruleContext(t, root, changes, nil)

	rule := NewPredicateRule()
	if !rule.Applies(context.Background(), rc) {
		t.Fatal("rule does not apply to a conditional change")
	}
	result := rule.Run(context.Background(), rc)

	if result.Status != StatusFailed {
		t.Fatalf("constant condition not failing: %v", result.Findings)
	}
	f := findingContaining(result, "constant")
	if f == nil {
		t.Fatalf("no constant finding in %v", result.Findings)
	}
	if f.Line != 2 || f.FilePath != "check.py" {
		t.Errorf("constant finding = %+v", *f)
	}
}

func TestPredicateRuleAcceptsRealCondition(t *testing.T) {
	source := "def check(flag=True):\n" +
		"    if flag:\n" +
		"        return 1\n" +
		"    return 0\n"
	root := writeRepo(t, map[string]string{"check.py": source})
	changes := &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "check.py",
		ModulePath:   "check",
		ChangedLines: []int{2},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindConditional: {2}},
	}}}
	rc := ruleContext(t, root, changes, nil)

	result := NewPredicateRule().Run(context.Background(), rc)
	if len(result.Findings) != 0 {
		t.Errorf("real condition produced findings: %v", result.Findings)
	}
}

func TestPredicateRuleFlagsDuplicatedClause(t *testing.T) {
	source := "def gate(flag=True, ready=True):\n" +
		"    if flag and flag:\n" +
		"        return 1\n" +
		"    return 0\n"
	root := writeRepo(t, map[string]string{"gate.py": source})
	changes := &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "gate.py",
		ModulePath:   "gate",
		ChangedLines: []int{2},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindConditional: {2}},
	}}}
	rc := ruleContext(t, root, changes, nil)

	result := NewPredicateRule().Run(context.Background(), rc)
	if result.Status != StatusFailed {
		t.Fatalf("duplicated clause not failing: %v", result.Findings)
	}
	f := findingContaining(result, "appears more than once")
	if f == nil {
		t.Fatalf("no duplicate finding in %v", result.Findings)
	}
	if f.Line != 2 || !strings.Contains(f.Message, `"flag"`) {
		t.Errorf("duplicate finding = %+v", *f)
	}
}

func TestPredicateRuleFlagsLiteralOperand(t *testing.T) {
	source := "def gate(flag=True):\n" +
		"    if flag and True:\n" +
		"        return 1\n" +
		"    return 0\n"
	root := writeRepo(t, map[string]string{"gate.py": source})
	changes := &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "gate.py",
		ModulePath:   "gate",
		ChangedLines: []int{2},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindConditional: {2}},
	}}}
	rc := ruleContext(t, root, changes, nil)

	result := NewPredicateRule().Run(context.Background(), rc)
	if findingContaining(result, "literal True") == nil {
		t.Errorf("literal operand not reported: %v", result.Findings)
	}
}

func gateChange() *diffmap.ChangeMap {
	return &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "gate.py",
		ModulePath:   "gate",
		ChangedLines: []int{2},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindConditional: {2}},
		Callables: []diffmap.CallableRef{{
			Name:          "gate",
			QualifiedName: "gate",
			FilePath:      "gate.py",
			ModulePath:    "gate",
			StartLine:     1,
			EndLine:       4,
			Params: []pysrc.Param{
				{Name: "flag", Default: "True", HasDefault: true},
				{Name: "ready", Annotation: "bool", Default: "True", HasDefault: true},
			},
		}},
	}}}
}

const gateSource = "def gate(flag=True, ready: bool = True):\n" +
	"    if flag and ready:\n" +
	"        return 1\n" +
	"    return 0\n"

func TestPredicateRuleFlagsUninfluentialToggle(t *testing.T) {
	root := writeRepo(t, map[string]string{"gate.py": gateSource})
	// Baseline all-True, then flag toggled, then ready toggled. The
	// ready toggle leaves the outcome unchanged.
	exec := cannedExec(`{"toggles": [{"ok": true, "value": "1", "type": "int"}, {"ok": true, "value": "0", "type": "int"}, {"ok": true, "value": "1", "type": "int"}]}`)
	rc := ruleContext(t, root, gateChange(), exec)

	result := NewPredicateRule().Run(context.Background(), rc)
	if result.Status != StatusFailed {
		t.Fatalf("uninfluential toggle not failing: %v", result.Findings)
	}
	f := findingContaining(result, "does not independently influence")
	if f == nil {
		t.Fatalf("no toggle finding in %v", result.Findings)
	}
	if !strings.Contains(f.Message, "ready") {
		t.Errorf("toggle finding names %q, want ready", f.Message)
	}
	if result.Metrics["toggle_probes"] != 3 {
		t.Errorf("toggle_probes metric = %v, want 3", result.Metrics["toggle_probes"])
	}
}

func TestPredicateRuleFlagsRaisingToggle(t *testing.T) {
	root := writeRepo(t, map[string]string{"gate.py": gateSource})
	exec := cannedExec(`{"toggles": [{"ok": true, "value": "1", "type": "int"}, {"ok": false, "exc_type": "RuntimeError", "exc_msg": "boom"}, {"ok": true, "value": "0", "type": "int"}]}`)
	rc := ruleContext(t, root, gateChange(), exec)

	result := NewPredicateRule().Run(context.Background(), rc)
	f := findingContaining(result, "raise instead of switching")
	if f == nil {
		t.Fatalf("raising toggle not reported: %v", result.Findings)
	}
	if !strings.Contains(f.Message, "flag") || !strings.Contains(f.Evidence, "RuntimeError") {
		t.Errorf("raising toggle finding = %+v", *f)
	}
}

func TestPredicateRuleAcceptsInfluentialToggles(t *testing.T) {
	root := writeRepo(t, map[string]string{"gate.py": gateSource})
	exec := cannedExec(`{"toggles": [{"ok": true, "value": "1", "type": "int"}, {"ok": true, "value": "0", "type": "int"}, {"ok": true, "value": "0", "type": "int"}]}`)
	rc := ruleContext(t, root, gateChange(), exec)

	result := NewPredicateRule().Run(context.Background(), rc)
	if len(result.Findings) != 0 {
		t.Errorf("influential toggles produced findings: %v", result.Findings)
	}
}
