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

const sessionSource = `class Session:
    def __init__(self):
        self.open = True

    def close(self):
        if not self.open:
            raise RuntimeError("already closed")
        self.open = False
        return True
`

func sessionChange() *diffmap.ChangeMap {
	return &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "session.py",
		ModulePath:   "session",
		ChangedLines: []int{8},
		Callables: []diffmap.CallableRef{{
			Name:          "close",
			QualifiedName: "Session.close",
			ClassName:     "Session",
			FilePath:      "session.py",
			ModulePath:    "session",
			StartLine:     5,
			EndLine:       9,
		}},
	}}}
}

func TestOrderingRuleAppliesToChangedMethods(t *testing.T) {
	root := writeRepo(t, map[string]string{"session.py": sessionSource})
	rc := ruleContext(t, root, sessionChange(), nil)

	if !NewOrderingRule().Applies(context.Background(), rc) {
		t.Error("rule does not apply to a changed method")
	}
}

func TestOrderingRuleFlagsNonRepeatableMethod(t *testing.T) {
	root := writeRepo(t, map[string]string{"session.py": sessionSource})
	exec := cannedExec(`{"repeat": [{"ok": true, "value": "True"}, {"ok": false, "exc_type": "RuntimeError", "exc_msg": "already closed"}]}`)
	rc := ruleContext(t, root, sessionChange(), exec)

	result := NewOrderingRule().Run(context.Background(), rc)
	if result.Status != StatusFailed {
		t.Fatalf("non-repeatable method not failing: %v", result.Findings)
	}
	f := findingContaining(result, "second invocation")
	if f == nil {
		t.Fatalf("no repeat finding in %v", result.Findings)
	}
	if f.Target != "Session.close" || !strings.Contains(f.Evidence, "RuntimeError") {
		t.Errorf("repeat finding = %+v", *f)
	}
}

func TestOrderingRuleToleratesDomainErrorOnRepeat(t *testing.T) {
	root := writeRepo(t, map[string]string{"session.py": sessionSource})
	exec := cannedExec(`{"repeat": [{"ok": true, "value": "True"}, {"ok": false, "exc_type": "ValueError", "exc_msg": "already closed"}]}`)
	rc := ruleContext(t, root, sessionChange(), exec)

	result := NewOrderingRule().Run(context.Background(), rc)
	if len(result.Findings) != 0 {
		t.Errorf("domain error on repeat produced findings: %v", result.Findings)
	}
}

func TestOrderingRuleProbesBothInterleavings(t *testing.T) {
	source := `class Feed:
    def __init__(self):
        self.primed = False

    def prime(self):
        self.primed = True
        return True

    def read(self):
        if not self.primed:
            raise RuntimeError("not primed")
        return "data"
`
	root := writeRepo(t, map[string]string{"feed.py": source})
	changes := &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "feed.py",
		ModulePath:   "feed",
		ChangedLines: []int{6, 10},
		Callables: []diffmap.CallableRef{
			{
				Name:          "prime",
				QualifiedName: "Feed.prime",
				ClassName:     "Feed",
				FilePath:      "feed.py",
				ModulePath:    "feed",
				StartLine:     5,
				EndLine:       7,
			},
			{
				Name:          "read",
				QualifiedName: "Feed.read",
				ClassName:     "Feed",
				FilePath:      "feed.py",
				ModulePath:    "feed",
				StartLine:     9,
				EndLine:       12,
			},
		},
	}}}

	// Repeat probes stay quiet; the interleaving shows read succeeding
	// only after prime.
	exec := cannedExec(`{"repeat": [{"ok": true, "value": "True"}, {"ok": true, "value": "True"}], ` +
		`"order_ab": [{"ok": true, "value": "True"}, {"ok": true, "value": "'data'"}], ` +
		`"order_ba": [{"ok": false, "exc_type": "RuntimeError", "exc_msg": "not primed"}, {"ok": true, "value": "True"}]}`)
	rc := ruleContext(t, root, changes, exec)

	result := NewOrderingRule().Run(context.Background(), rc)
	f := findingContaining(result, "share undocumented state")
	if f == nil {
		t.Fatalf("order sensitivity not reported: %v", result.Findings)
	}
	if f.Target != "Feed.read" || f.Severity != SeverityMedium {
		t.Errorf("order finding = %+v", *f)
	}
}

const pipelineSource = "PIPELINE_ORDER = [\"fetch\", \"validate\", \"commit\"]\n" +
	"\n" +
	"def run_pipeline(dry=False):\n" +
	"    return [\"fetch\", \"validate\", \"commit\"]\n"

func pipelineChange() *diffmap.ChangeMap {
	return &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "pipeline.py",
		ModulePath:   "pipeline",
		ChangedLines: []int{4},
		Callables: []diffmap.CallableRef{{
			Name:          "run_pipeline",
			QualifiedName: "run_pipeline",
			FilePath:      "pipeline.py",
			ModulePath:    "pipeline",
			StartLine:     3,
			EndLine:       4,
			Params:        []pysrc.Param{{Name: "dry", Default: "False", HasDefault: true}},
		}},
	}}}
}

func TestOrderingRuleAppliesToDeclaredOrderModule(t *testing.T) {
	root := writeRepo(t, map[string]string{"pipeline.py": pipelineSource})
	rc := ruleContext(t, root, pipelineChange(), nil)

	if !NewOrderingRule().Applies(context.Background(), rc) {
		t.Error("rule does not apply beside an order constant")
	}
}

func TestOrderingRuleFlagsMissingStep(t *testing.T) {
	root := writeRepo(t, map[string]string{"pipeline.py": pipelineSource})
	exec := cannedExec(`{"observed": ["fetch", "commit"]}`)
	rc := ruleContext(t, root, pipelineChange(), exec)

	result := NewOrderingRule().Run(context.Background(), rc)
	if result.Status != StatusFailed {
		t.Fatalf("missing step not failing: %v", result.Findings)
	}
	f := findingContaining(result, "never appears")
	if f == nil {
		t.Fatalf("no missing-step finding in %v", result.Findings)
	}
	if !strings.Contains(f.Message, `"validate"`) || !strings.Contains(f.Message, "PIPELINE_ORDER") {
		t.Errorf("missing-step finding = %+v", *f)
	}
}

func TestOrderingRuleFlagsPermutedSteps(t *testing.T) {
	root := writeRepo(t, map[string]string{"pipeline.py": pipelineSource})
	exec := cannedExec(`{"observed": ["validate", "fetch", "commit"]}`)
	rc := ruleContext(t, root, pipelineChange(), exec)

	result := NewOrderingRule().Run(context.Background(), rc)
	f := findingContaining(result, "out of order")
	if f == nil {
		t.Fatalf("no order finding in %v", result.Findings)
	}
	if !strings.Contains(f.Message, `"validate"`) || !strings.Contains(f.Message, `"fetch"`) {
		t.Errorf("order finding = %+v", *f)
	}
}

func TestOrderingRuleAcceptsDeclaredSequence(t *testing.T) {
	root := writeRepo(t, map[string]string{"pipeline.py": pipelineSource})
	exec := cannedExec(`{"observed": ["fetch", "validate", "commit"]}`)
	rc := ruleContext(t, root, pipelineChange(), exec)

	result := NewOrderingRule().Run(context.Background(), rc)
	if len(result.Findings) != 0 {
		t.Errorf("matching sequence produced findings: %v", result.Findings)
	}
	if result.Metrics["order_comparisons"] != 3 {
		t.Errorf("order_comparisons metric = %v, want 3", result.Metrics["order_comparisons"])
	}
}
