// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pysrc

import (
	"context"
	"testing"
)

func parseSource(t *testing.T, source string) *File {
	t.Helper()
	parser := NewParser()
	file, err := parser.Parse(context.Background(), []byte(source), "test.py")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	t.Cleanup(file.Close)
	return file
}

func TestScanKinds(t *testing.T) {
	source := `def f(x):
    if x >= 3:
        for i in range(x):
            x += i
    try:
        return x
    except ValueError:
        return 0
`
	file := parseSource(t, source)

	allLines := make(map[int]bool)
	for i := 1; i <= 8; i++ {
		allLines[i] = true
	}

	kinds := ScanKinds(file, allLines)
	if got := kinds[KindConditional]; len(got) != 1 || got[0] != 2 {
		t.Errorf("conditional lines = %v, want [2]", got)
	}
	if got := kinds[KindLoop]; len(got) != 1 || got[0] != 3 {
		t.Errorf("loop lines = %v, want [3]", got)
	}
	if got := kinds[KindComparison]; len(got) != 1 || got[0] != 2 {
		t.Errorf("comparison lines = %v, want [2]", got)
	}
	if got := kinds[KindException]; len(got) < 2 {
		t.Errorf("exception lines = %v, want try and except lines", got)
	}

	// Restricting the line set restricts the result.
	only := ScanKinds(file, map[int]bool{3: true})
	if len(only[KindConditional]) != 0 {
		t.Errorf("conditional on line 3 = %v, want none", only[KindConditional])
	}
	if len(only[KindLoop]) != 1 {
		t.Errorf("loop on line 3 = %v, want [3]", only[KindLoop])
	}
}

func TestEvalLiteral_Scalars(t *testing.T) {
	source := `A = 42
B = -7
C = 3.5
D = "hello"
E = True
F = None
G = [1, 2, 3]
H = ("a", "b")
`
	file := parseSource(t, source)

	byName := make(map[string]ModuleVar)
	for _, v := range file.Vars {
		byName[v.Name] = v
	}

	tests := []struct {
		name string
		want any
	}{
		{"A", int64(42)},
		{"B", int64(-7)},
		{"C", 3.5},
		{"D", "hello"},
		{"E", true},
		{"F", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := byName[tt.name]
			if !ok {
				t.Fatalf("%s not extracted", tt.name)
			}
			if v.Value != tt.want {
				t.Errorf("%s = %#v, want %#v", tt.name, v.Value, tt.want)
			}
		})
	}

	g, ok := byName["G"].Value.([]any)
	if !ok || len(g) != 3 || g[0] != int64(1) {
		t.Errorf("G = %#v, want [1 2 3]", byName["G"].Value)
	}
	h, ok := byName["H"].Value.([]any)
	if !ok || len(h) != 2 || h[1] != "b" {
		t.Errorf("H = %#v, want [a b]", byName["H"].Value)
	}
}

func TestFindConstructions(t *testing.T) {
	source := `import lib

def test_widget():
    w = Widget(size=3, label="big", ratio=0.5)
    x = lib.Widget(size=3, label="big", ratio=0.5)
    y = Widget(7)
    z = Other(size=1)
`
	file := parseSource(t, source)

	cons := FindConstructions(file, "Widget")
	if len(cons) != 3 {
		t.Fatalf("constructions = %d, want 3", len(cons))
	}

	first := cons[0]
	if first.Kwargs["size"].Raw != "3" || first.Kwargs["size"].Kind != LiteralInt {
		t.Errorf("size kwarg = %+v", first.Kwargs["size"])
	}
	if first.Kwargs["label"].Kind != LiteralStr {
		t.Errorf("label kwarg = %+v", first.Kwargs["label"])
	}
	if first.Kwargs["ratio"].Kind != LiteralFloat {
		t.Errorf("ratio kwarg = %+v", first.Kwargs["ratio"])
	}

	third := cons[2]
	if len(third.Args) != 1 || third.Args[0].Raw != "7" {
		t.Errorf("positional args = %+v", third.Args)
	}
}

func TestComparisonConstants(t *testing.T) {
	source := `def gate(count, name):
    if count >= 3:
        return "many"
    if count < 100 and name == "x":
        return "some"
    return "none"

def other(v):
    return v > 9000
`
	file := parseSource(t, source)

	gate := file.LookupCallable("gate")
	if gate == nil {
		t.Fatal("gate not found")
	}
	got := ComparisonConstants(file, gate)
	if len(got) != 2 || got[0] != 3 || got[1] != 100 {
		t.Errorf("ComparisonConstants = %v, want [3 100]", got)
	}

	other := file.LookupCallable("other")
	if got := ComparisonConstants(file, other); len(got) != 1 || got[0] != 9000 {
		t.Errorf("ComparisonConstants(other) = %v, want [9000]", got)
	}
}

func TestUnquotePython(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"abc"`, "abc"},
		{`'abc'`, "abc"},
		{`"""doc"""`, "doc"},
		{`r"raw"`, "raw"},
	}
	for _, tt := range tests {
		if got := unquotePython(tt.in); got != tt.want {
			t.Errorf("unquotePython(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
