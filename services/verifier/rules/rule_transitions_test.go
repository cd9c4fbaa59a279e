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
)

const machineSource = `TRANSITIONS = {
    ("idle", "start"): "running",
    ("running", "stop"): "idle",
    ("running", "pause"): "paused",
}

class Machine:
    def __init__(self):
        self.state = "idle"

    def transition(self, event):
        key = (self.state, event)
        if key not in TRANSITIONS:
            raise ValueError(event)
        self.state = TRANSITIONS[key]
        return self.state
`

func machineChange() *diffmap.ChangeMap {
	return &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "machine.py",
		ModulePath:   "machine",
		ChangedLines: []int{2, 4},
	}}}
}

func TestTransitionRuleAppliesToChangedTable(t *testing.T) {
	root := writeRepo(t, map[string]string{"machine.py": machineSource})
	rc := ruleContext(t, root, machineChange(), nil)

	if !NewTransitionRule().Applies(context.Background(), rc) {
		t.Error("rule does not apply to a changed tuple-keyed table")
	}
}

func TestTransitionRuleFlagsDuplicateKey(t *testing.T) {
	source := `TRANSITIONS = {
    ("idle", "start"): "running",
    ("idle", "start"): "stopped",
    ("running", "stop"): "idle",
    ("stopped", "start"): "running",
}
`
	root := writeRepo(t, map[string]string{"machine.py": source})
	changes := &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "machine.py",
		ModulePath:   "machine",
		ChangedLines: []int{3},
	}}}
	rc := ruleContext(t, root, changes, nil)

	result := NewTransitionRule().Run(context.Background(), rc)
	if result.Status != StatusFailed {
		t.Fatalf("duplicate key not failing: %v", result.Findings)
	}
	if findingContaining(result, "twice") == nil {
		t.Errorf("no duplicate finding in %v", result.Findings)
	}
}

func TestTransitionRuleAcceptsMatchingTours(t *testing.T) {
	root := writeRepo(t, map[string]string{"machine.py": machineSource})
	// Entry order: (idle,start)->running, (running,stop)->idle,
	// (running,pause)->paused. The chained tour is start then stop.
	exec := cannedExec(`{"tours": [{"ok": true, "value": "running", "type": "str"}, {"ok": true, "value": "idle", "type": "str"}, {"ok": true, "value": "paused", "type": "str"}], "chain": {"ok": true, "value": "idle", "type": "str"}}`)
	rc := ruleContext(t, root, machineChange(), exec)

	result := NewTransitionRule().Run(context.Background(), rc)
	if len(result.Findings) != 0 {
		t.Errorf("matching tours produced findings: %v", result.Findings)
	}
	if result.Metrics["transition_tours"] != 3 {
		t.Errorf("transition_tours metric = %v, want 3", result.Metrics["transition_tours"])
	}
}

func TestTransitionRuleFlagsNextStateMismatch(t *testing.T) {
	root := writeRepo(t, map[string]string{"machine.py": machineSource})
	exec := cannedExec(`{"tours": [{"ok": true, "value": "running", "type": "str"}, {"ok": true, "value": "paused", "type": "str"}, {"ok": true, "value": "paused", "type": "str"}], "chain": {"ok": true, "value": "idle", "type": "str"}}`)
	rc := ruleContext(t, root, machineChange(), exec)

	result := NewTransitionRule().Run(context.Background(), rc)
	if result.Status != StatusFailed {
		t.Fatalf("mismatched tour not failing: %v", result.Findings)
	}
	f := findingContaining(result, "the table declares")
	if f == nil {
		t.Fatalf("no mismatch finding in %v", result.Findings)
	}
	if !strings.Contains(f.Message, `"stop"`) || !strings.Contains(f.Message, `"idle"`) {
		t.Errorf("mismatch finding = %q", f.Message)
	}
}

func TestTransitionRuleFlagsCrashingTour(t *testing.T) {
	root := writeRepo(t, map[string]string{"machine.py": machineSource})
	exec := cannedExec(`{"tours": [{"ok": true, "value": "running", "type": "str"}, {"ok": false, "exc_type": "KeyError", "exc_msg": "stop"}, {"ok": false, "exc_type": "RuntimeError", "exc_msg": "torn"}], "chain": {"ok": false, "exc_type": "RuntimeError", "exc_msg": "torn"}}`)
	rc := ruleContext(t, root, machineChange(), exec)

	result := NewTransitionRule().Run(context.Background(), rc)
	if result.Status != StatusFailed {
		t.Fatalf("crashing tour not failing: %v", result.Findings)
	}
	f := findingContaining(result, "crashes the dispatcher")
	if f == nil {
		t.Fatalf("no crash finding in %v", result.Findings)
	}
	if !strings.Contains(f.Message, `"pause"`) {
		t.Errorf("crash finding names %q, want the pause event", f.Message)
	}
}

func TestTransitionRuleFlagsDivergentChain(t *testing.T) {
	root := writeRepo(t, map[string]string{"machine.py": machineSource})
	exec := cannedExec(`{"tours": [{"ok": true, "value": "running", "type": "str"}, {"ok": true, "value": "idle", "type": "str"}, {"ok": true, "value": "paused", "type": "str"}], "chain": {"ok": true, "value": "running", "type": "str"}}`)
	rc := ruleContext(t, root, machineChange(), exec)

	result := NewTransitionRule().Run(context.Background(), rc)
	f := findingContaining(result, "two-step tour")
	if f == nil {
		t.Fatalf("divergent chain not reported: %v", result.Findings)
	}
	if !strings.Contains(f.Message, `"idle"`) {
		t.Errorf("chain finding = %q, want the declared composed state", f.Message)
	}
}
