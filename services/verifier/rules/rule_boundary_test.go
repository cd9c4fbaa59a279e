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

func TestBoundaryRuleDetectsOperatorSwap(t *testing.T) {
	fc := &diffmap.FileChange{
		FilePath:     "billing.py",
		ChangedLines: []int{5},
		RemovedLines: []diffmap.DiffLine{{Num: 5, Content: "    if cost >= limit:"}},
		AddedLines:   []diffmap.DiffLine{{Num: 5, Content: "    if cost > limit:"}},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindComparison: {5}},
	}
	rc := ruleContext(t, t.TempDir(), &diffmap.ChangeMap{Files: []*diffmap.FileChange{fc}}, nil)

	rule := NewBoundaryRule()
	if !rule.Applies(context.Background(), rc) {
		t.Fatal("rule does not apply to a comparison change")
	}
	result := rule.Run(context.Background(), rc)

	if result.Status != StatusFailed {
		t.Errorf("status = %s, want %s", result.Status, StatusFailed)
	}
	f := findingContaining(result, "comparison operator changed")
	if f == nil {
		t.Fatalf("no swap finding in %v", result.Findings)
	}
	if f.Line != 5 || !strings.Contains(f.Message, `">="`) || !strings.Contains(f.Message, `">"`) {
		t.Errorf("swap finding = %+v", *f)
	}
}

func TestBoundaryRuleIgnoresUnrelatedEdits(t *testing.T) {
	fc := &diffmap.FileChange{
		FilePath:     "billing.py",
		ChangedLines: []int{5},
		RemovedLines: []diffmap.DiffLine{{Num: 5, Content: "    if cost >= limit:"}},
		AddedLines:   []diffmap.DiffLine{{Num: 5, Content: "    if price >= limit:"}},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindComparison: {5}},
	}
	rc := ruleContext(t, t.TempDir(), &diffmap.ChangeMap{Files: []*diffmap.FileChange{fc}}, nil)

	result := NewBoundaryRule().Run(context.Background(), rc)
	if len(result.Findings) != 0 {
		t.Errorf("renamed operand produced findings: %v", result.Findings)
	}
}

func TestBoundaryRuleProbesComparisonConstants(t *testing.T) {
	source := "def allow(cost=1):\n" +
		"    if cost > 10:\n" +
		"        raise RuntimeError(\"over\")\n" +
		"    return True\n"
	root := writeRepo(t, map[string]string{"gate.py": source})

	fc := &diffmap.FileChange{
		FilePath:     "gate.py",
		ModulePath:   "gate",
		ChangedLines: []int{2},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindComparison: {2}},
		Callables: []diffmap.CallableRef{{
			Name:          "allow",
			QualifiedName: "allow",
			FilePath:      "gate.py",
			ModulePath:    "gate",
			StartLine:     1,
			EndLine:       4,
			Params:        []pysrc.Param{{Name: "cost", Default: "1", HasDefault: true}},
		}},
	}
	exec := cannedExec(`{"probes": [{"ok": true, "value": "True", "type": "bool"}, {"ok": true, "value": "True", "type": "bool"}, {"ok": true, "value": "True", "type": "bool"}]}`)
	rc := ruleContext(t, root, &diffmap.ChangeMap{Files: []*diffmap.FileChange{fc}}, exec)

	result := NewBoundaryRule().Run(context.Background(), rc)
	if result.Status != StatusFailed {
		t.Fatalf("status = %s, want failed; findings %v", result.Status, result.Findings)
	}
	f := findingContaining(result, "no longer discriminates")
	if f == nil {
		t.Fatalf("no collapse finding in %v", result.Findings)
	}
	if !strings.Contains(f.Message, "cost=10") {
		t.Errorf("collapse finding names %q, want threshold cost=10", f.Message)
	}
	if result.Metrics["boundary_probes"] < 2 {
		t.Errorf("boundary_probes metric = %v, want >= 2", result.Metrics["boundary_probes"])
	}
}

func TestBoundaryRuleAcceptsDiscriminatingOutcomes(t *testing.T) {
	source := "def allow(cost=1):\n" +
		"    if cost > 10:\n" +
		"        raise RuntimeError(\"over\")\n" +
		"    return True\n"
	root := writeRepo(t, map[string]string{"gate.py": source})

	fc := &diffmap.FileChange{
		FilePath:     "gate.py",
		ModulePath:   "gate",
		ChangedLines: []int{2},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindComparison: {2}},
		Callables: []diffmap.CallableRef{{
			Name:          "allow",
			QualifiedName: "allow",
			FilePath:      "gate.py",
			ModulePath:    "gate",
			StartLine:     1,
			EndLine:       4,
			Params:        []pysrc.Param{{Name: "cost", Default: "1", HasDefault: true}},
		}},
	}
	// Crossing the threshold changes the outcome, so the operator still
	// discriminates even though one probe raises.
	exec := cannedExec(`{"probes": [{"ok": true, "value": "True", "type": "bool"}, {"ok": true, "value": "True", "type": "bool"}, {"ok": false, "exc_type": "RuntimeError", "exc_msg": "over"}]}`)
	rc := ruleContext(t, root, &diffmap.ChangeMap{Files: []*diffmap.FileChange{fc}}, exec)

	result := NewBoundaryRule().Run(context.Background(), rc)
	if len(result.Findings) != 0 {
		t.Errorf("discriminating outcomes produced findings: %v", result.Findings)
	}
	if result.Metrics["boundary_probes"] != 3 {
		t.Errorf("boundary_probes metric = %v, want 3", result.Metrics["boundary_probes"])
	}
}

func TestBoundaryRuleSkipsUnimportableModule(t *testing.T) {
	source := "def allow(cost=1):\n" +
		"    if cost > 10:\n" +
		"        return False\n" +
		"    return True\n"
	root := writeRepo(t, map[string]string{"gate.py": source})

	fc := &diffmap.FileChange{
		FilePath:     "gate.py",
		ModulePath:   "gate",
		ChangedLines: []int{2},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindComparison: {2}},
		Callables: []diffmap.CallableRef{{
			Name:          "allow",
			QualifiedName: "allow",
			FilePath:      "gate.py",
			ModulePath:    "gate",
			StartLine:     1,
			EndLine:       4,
			Params:        []pysrc.Param{{Name: "cost", Default: "1", HasDefault: true}},
		}},
	}
	exec := cannedExec(`{"import_error": "ModuleNotFoundError: no module named requests"}`)
	rc := ruleContext(t, root, &diffmap.ChangeMap{Files: []*diffmap.FileChange{fc}}, exec)

	result := NewBoundaryRule().Run(context.Background(), rc)
	if result.Status != StatusPassed {
		t.Errorf("import failure escalated to %s", result.Status)
	}
	if len(result.Findings) != 0 {
		t.Errorf("import failure produced findings: %v", result.Findings)
	}
}
