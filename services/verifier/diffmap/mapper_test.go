// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diffmap

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
)

// gaugeSource is the post-patch content of pkg/gauge.py used by the
// mapping tests.
const gaugeSource = `def check(value, threshold=10):
    if value >= threshold:
        return True
    return False

class Gauge:
    def __init__(self, limit):
        self.limit = limit

    def update(self, amount):
        if amount < 0:
            raise ValueError("negative")
        self.total = amount
`

const gaugeDiff = `--- a/pkg/gauge.py
+++ b/pkg/gauge.py
@@ -1,4 +1,4 @@ def check(value, threshold=10):
 def check(value, threshold=10):
-    if value > threshold:
+    if value >= threshold:
         return True
     return False
`

func writeRepoFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMapStructuralOverlay(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "pkg/gauge.py", gaugeSource)

	m := NewMapper(root)
	cm, err := m.Map(context.Background(), gaugeDiff)
	if err != nil {
		t.Fatalf("Map returned error: %v", err)
	}
	if cm.ParseError != "" {
		t.Fatalf("unexpected diff parse error: %s", cm.ParseError)
	}
	if len(cm.Files) != 1 {
		t.Fatalf("expected 1 file change, got %d", len(cm.Files))
	}

	fc := cm.Files[0]
	if fc.FilePath != "pkg/gauge.py" {
		t.Errorf("file path = %q, want pkg/gauge.py", fc.FilePath)
	}
	if fc.ModulePath != "pkg.gauge" {
		t.Errorf("module path = %q, want pkg.gauge", fc.ModulePath)
	}
	if !reflect.DeepEqual(fc.ChangedLines, []int{2}) {
		t.Errorf("changed lines = %v, want [2]", fc.ChangedLines)
	}
	if fc.ParseError != "" {
		t.Errorf("unexpected file parse error: %s", fc.ParseError)
	}

	if len(fc.Callables) != 1 {
		t.Fatalf("expected 1 callable, got %d: %+v", len(fc.Callables), fc.Callables)
	}
	c := fc.Callables[0]
	if c.Name != "check" || c.FromFallback {
		t.Errorf("callable = %+v, want structural match on check", c)
	}
	if c.StartLine != 1 {
		t.Errorf("callable start = %d, want 1", c.StartLine)
	}
	if len(c.Params) != 2 {
		t.Errorf("expected 2 params, got %d", len(c.Params))
	}

	if !fc.HasKind(pysrc.KindConditional) {
		t.Error("expected conditional kind on changed line")
	}
	if !fc.HasKind(pysrc.KindComparison) {
		t.Error("expected comparison kind on changed line")
	}
	if fc.Risk != RiskHigh {
		t.Errorf("risk = %s, want high", fc.Risk)
	}
}

func TestMapChangedLineSetFromHunk(t *testing.T) {
	// One hunk with three consecutive additions after a context line:
	// the changed-line set must be exactly the added new-version lines.
	hunk := &diff.Hunk{
		OrigStartLine: 5,
		NewStartLine:  5,
		Body: []byte(" keep\n" +
			"+one\n" +
			"+two\n" +
			"+three\n" +
			" tail\n"),
	}

	added, removed := walkHunk(hunk)
	if len(removed) != 0 {
		t.Fatalf("expected no removed lines, got %v", removed)
	}
	var nums []int
	for _, dl := range added {
		nums = append(nums, dl.Num)
	}
	if !reflect.DeepEqual(nums, []int{6, 7, 8}) {
		t.Errorf("added line numbers = %v, want [6 7 8]", nums)
	}
	if added[0].Content != "one" {
		t.Errorf("added content = %q, want one", added[0].Content)
	}
}

func TestMapRemovedLinesDoNotAdvanceNewCounter(t *testing.T) {
	hunk := &diff.Hunk{
		OrigStartLine: 10,
		NewStartLine:  10,
		Body: []byte(" ctx\n" +
			"-old\n" +
			"-older\n" +
			"+new\n"),
	}

	added, removed := walkHunk(hunk)
	if len(added) != 1 || added[0].Num != 11 {
		t.Fatalf("added = %v, want single line 11", added)
	}
	if len(removed) != 2 || removed[0].Num != 11 || removed[1].Num != 12 {
		t.Fatalf("removed = %v, want lines 11 and 12", removed)
	}
	if removed[0].Content != "old" {
		t.Errorf("removed content = %q, want old", removed[0].Content)
	}
}

func TestMapHeaderFallbackOnMissingSource(t *testing.T) {
	root := t.TempDir()

	diffText := `--- a/pkg/missing.py
+++ b/pkg/missing.py
@@ -3,2 +3,2 @@ def helper(x):
-    return x
+    return x + 1
`
	m := NewMapper(root)
	cm, err := m.Map(context.Background(), diffText)
	if err != nil {
		t.Fatalf("Map returned error: %v", err)
	}
	if len(cm.Files) != 1 {
		t.Fatalf("expected 1 file change, got %d", len(cm.Files))
	}

	fc := cm.Files[0]
	if fc.ParseError == "" {
		t.Error("expected parse error for missing source")
	}
	if len(fc.Callables) != 1 {
		t.Fatalf("expected 1 fallback callable, got %d", len(fc.Callables))
	}
	c := fc.Callables[0]
	if c.Name != "helper" || !c.FromFallback {
		t.Errorf("callable = %+v, want fallback ref to helper", c)
	}
	if c.StartLine != 0 {
		t.Errorf("fallback ref should have no span, got start %d", c.StartLine)
	}
}

func TestMapFallbackResolvesSpansWhenParsed(t *testing.T) {
	// Changed lines that land outside every callable span (a module
	// constant) still recover the header name, resolved against the
	// parsed file.
	root := t.TempDir()
	writeRepoFile(t, root, "cfg.py", `LIMIT = 5

def helper(x):
    return x
`)

	diffText := `--- a/cfg.py
+++ b/cfg.py
@@ -1,1 +1,1 @@ def helper(x):
-LIMIT = 4
+LIMIT = 5
`
	m := NewMapper(root)
	cm, err := m.Map(context.Background(), diffText)
	if err != nil {
		t.Fatalf("Map returned error: %v", err)
	}

	fc := cm.Files[0]
	if len(fc.Callables) != 1 {
		t.Fatalf("expected 1 fallback callable, got %d", len(fc.Callables))
	}
	c := fc.Callables[0]
	if !c.FromFallback {
		t.Error("expected fallback flag")
	}
	if c.StartLine != 3 {
		t.Errorf("resolved start = %d, want 3", c.StartLine)
	}
	if len(c.Params) != 1 || c.Params[0].Name != "x" {
		t.Errorf("resolved params = %v, want [x]", c.Params)
	}
}

func TestMapDeletedFileSkipped(t *testing.T) {
	root := t.TempDir()
	diffText := `--- a/pkg/old.py
+++ /dev/null
@@ -1,2 +0,0 @@
-def gone():
-    return 0
`
	m := NewMapper(root)
	cm, err := m.Map(context.Background(), diffText)
	if err != nil {
		t.Fatalf("Map returned error: %v", err)
	}
	if len(cm.Files) != 0 {
		t.Errorf("deleted file should not appear, got %d files", len(cm.Files))
	}
	if !cm.IsEmpty() {
		t.Error("expected empty change map")
	}
}

func TestMapNewFile(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "pkg/fresh.py", "def fresh():\n    return 1\n")

	diffText := `--- /dev/null
+++ b/pkg/fresh.py
@@ -0,0 +1,2 @@
+def fresh():
+    return 1
`
	m := NewMapper(root)
	cm, err := m.Map(context.Background(), diffText)
	if err != nil {
		t.Fatalf("Map returned error: %v", err)
	}

	fc := cm.Files[0]
	if !fc.IsNew {
		t.Error("expected IsNew for file created by diff")
	}
	if !reflect.DeepEqual(fc.ChangedLines, []int{1, 2}) {
		t.Errorf("changed lines = %v, want [1 2]", fc.ChangedLines)
	}
	if len(fc.Callables) != 1 || fc.Callables[0].Name != "fresh" {
		t.Errorf("callables = %+v, want fresh", fc.Callables)
	}
}

func TestMapUnparsableDiffCaptured(t *testing.T) {
	m := NewMapper(t.TempDir())
	cm, err := m.Map(context.Background(), "this is not a diff at all")
	if err != nil {
		t.Fatalf("Map returned error: %v", err)
	}
	if len(cm.Files) != 0 {
		t.Errorf("expected no files for garbage input, got %d", len(cm.Files))
	}
}

func TestMapInputValidation(t *testing.T) {
	m := NewMapper(t.TempDir())
	if _, err := m.Map(context.Background(), "   "); err == nil {
		t.Error("expected error for empty diff")
	}
	if _, err := m.Map(nil, gaugeDiff); err == nil { //nolint:staticcheck
		t.Error("expected error for nil context")
	}
}

func TestCollapseRanges(t *testing.T) {
	tests := []struct {
		name  string
		lines []int
		want  []LineRange
	}{
		{"empty", nil, nil},
		{"single", []int{4}, []LineRange{{4, 4}}},
		{"contiguous", []int{1, 2, 3}, []LineRange{{1, 3}}},
		{"gapped", []int{1, 2, 5, 7, 8}, []LineRange{{1, 2}, {5, 5}, {7, 8}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collapseRanges(tt.lines)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("collapseRanges(%v) = %v, want %v", tt.lines, got, tt.want)
			}
		})
	}
}

func TestModulePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"pkg/gauge.py", "pkg.gauge"},
		{"pkg/sub/__init__.py", "pkg.sub"},
		{"top.py", "top"},
	}
	for _, tt := range tests {
		if got := modulePath(tt.path); got != tt.want {
			t.Errorf("modulePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestAllCallablesDeduplicates(t *testing.T) {
	cm := &ChangeMap{
		Files: []*FileChange{
			{
				FilePath: "a.py",
				Callables: []CallableRef{
					{Name: "f", QualifiedName: "f"},
					{Name: "f", QualifiedName: "f"},
				},
			},
			{
				FilePath:  "b.py",
				Callables: []CallableRef{{Name: "f", QualifiedName: "f"}},
			},
		},
	}
	all := cm.AllCallables()
	if len(all) != 2 {
		t.Errorf("expected 2 deduplicated callables, got %d", len(all))
	}
}
