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

func TestExceptionRuleFlagsSwallowedHandler(t *testing.T) {
	source := "def load(path):\n" +
		"    try:\n" +
		"        return open(path).read()\n" +
		"    except Exception:\n" +
		"        pass\n"
	root := writeRepo(t, map[string]string{"loader.py": source})
	changes := &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "loader.py",
		ModulePath:   "loader",
		ChangedLines: []int{4, 5},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindException: {4}},
	}}}
	rc := ruleContext(t, root, changes, nil)

	rule := NewExceptionRule()
	if !rule.Applies(context.Background(), rc) {
		t.Fatal("rule does not apply to a changed handler")
	}
	result := rule.Run(context.Background(), rc)

	if result.Status != StatusFailed {
		t.Fatalf("swallowed handler not failing: %v", result.Findings)
	}
	f := findingContaining(result, "discards it")
	if f == nil {
		t.Fatalf("no swallow finding in %v", result.Findings)
	}
	if f.Line != 4 || !strings.Contains(f.Message, "Exception") {
		t.Errorf("swallow finding = %+v", *f)
	}
}

func TestExceptionRuleAcceptsHandlersThatReraise(t *testing.T) {
	source := "def load(path):\n" +
		"    try:\n" +
		"        return open(path).read()\n" +
		"    except Exception as e:\n" +
		"        raise RuntimeError(path) from e\n"
	root := writeRepo(t, map[string]string{"loader.py": source})
	changes := &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "loader.py",
		ModulePath:   "loader",
		ChangedLines: []int{4, 5},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindException: {4}},
	}}}
	rc := ruleContext(t, root, changes, nil)

	result := NewExceptionRule().Run(context.Background(), rc)
	if len(result.Findings) != 0 {
		t.Errorf("re-raising handler produced findings: %v", result.Findings)
	}
}

func TestExceptionRuleIgnoresNarrowHandlers(t *testing.T) {
	source := "def load(path):\n" +
		"    try:\n" +
		"        return open(path).read()\n" +
		"    except FileNotFoundError:\n" +
		"        pass\n"
	root := writeRepo(t, map[string]string{"loader.py": source})
	changes := &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "loader.py",
		ModulePath:   "loader",
		ChangedLines: []int{4, 5},
		Kinds:        map[pysrc.NodeKind][]int{pysrc.KindException: {4}},
	}}}
	rc := ruleContext(t, root, changes, nil)

	result := NewExceptionRule().Run(context.Background(), rc)
	if len(result.Findings) != 0 {
		t.Errorf("narrow handler produced findings: %v", result.Findings)
	}
}

func TestExceptionRuleFlagsHostileInputCrash(t *testing.T) {
	source := "def parse(text=\"x\"):\n" +
		"    return text.strip()\n"
	root := writeRepo(t, map[string]string{"parse.py": source})
	changes := &diffmap.ChangeMap{Files: []*diffmap.FileChange{{
		FilePath:     "parse.py",
		ModulePath:   "parse",
		ChangedLines: []int{2},
		Callables: []diffmap.CallableRef{{
			Name:          "parse",
			QualifiedName: "parse",
			FilePath:      "parse.py",
			ModulePath:    "parse",
			StartLine:     1,
			EndLine:       2,
			Params:        []pysrc.Param{{Name: "text", Default: `"x"`, HasDefault: true}},
		}},
	}}}
	// Four hostile variants for one parameter; the second (object())
	// escapes as AttributeError, the third raises a tolerated TypeError.
	exec := cannedExec(`{"hostile": [{"ok": false, "exc_type": "TypeError", "exc_msg": "none"}, {"ok": false, "exc_type": "AttributeError", "exc_msg": "no strip"}, {"ok": true, "value": "''"}, {"ok": false, "exc_type": "TypeError", "exc_msg": "int"}]}`)
	rc := ruleContext(t, root, changes, exec)

	result := NewExceptionRule().Run(context.Background(), rc)
	if result.Status != StatusFailed {
		t.Fatalf("hostile crash not failing: %v", result.Findings)
	}
	crashes := 0
	for _, f := range result.Findings {
		if strings.Contains(f.Message, "escapes as") {
			crashes++
			if !strings.Contains(f.Message, "AttributeError") || !strings.Contains(f.Message, "object()") {
				t.Errorf("crash finding = %+v", f)
			}
		}
	}
	if crashes != 1 {
		t.Errorf("crash findings = %d, want 1", crashes)
	}
}
