// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package strategy

import (
	"testing"

	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
)

func TestInferParam(t *testing.T) {
	si := NewSignatureInferencer()

	tests := []struct {
		name     string
		param    pysrc.Param
		wantExpr string
		wantAnyBoundary string
	}{
		{
			name:            "default wins over annotation",
			param:           pysrc.Param{Name: "limit", Annotation: "int", Default: "10", HasDefault: true},
			wantExpr:        "10",
			wantAnyBoundary: "0",
		},
		{
			name:     "bool default flips",
			param:    pysrc.Param{Name: "strict", Default: "True", HasDefault: true},
			wantExpr: "True",
			wantAnyBoundary: "False",
		},
		{
			name:     "int annotation",
			param:    pysrc.Param{Name: "x", Annotation: "int"},
			wantExpr: "1",
			wantAnyBoundary: "-1",
		},
		{
			name:     "float annotation",
			param:    pysrc.Param{Name: "x", Annotation: "float"},
			wantExpr: "1.0",
			wantAnyBoundary: "0.0",
		},
		{
			name:     "optional unwraps",
			param:    pysrc.Param{Name: "x", Annotation: "Optional[int]"},
			wantExpr: "1",
			wantAnyBoundary: "0",
		},
		{
			name:     "union with none unwraps",
			param:    pysrc.Param{Name: "x", Annotation: "str | None"},
			wantExpr: "\"probe\"",
			wantAnyBoundary: "\"\"",
		},
		{
			name:     "str annotation",
			param:    pysrc.Param{Name: "x", Annotation: "str"},
			wantExpr: "\"probe\"",
			wantAnyBoundary: "\"\"",
		},
		{
			name:     "list annotation",
			param:    pysrc.Param{Name: "x", Annotation: "list[int]"},
			wantExpr: "[]",
			wantAnyBoundary: "[0]",
		},
		{
			name:     "threshold name heuristic",
			param:    pysrc.Param{Name: "threshold"},
			wantExpr: "0.5",
			wantAnyBoundary: "1.1",
		},
		{
			name:     "count name heuristic",
			param:    pysrc.Param{Name: "retry_count"},
			wantExpr: "1",
			wantAnyBoundary: "0",
		},
		{
			name:     "boolean prefix heuristic",
			param:    pysrc.Param{Name: "is_enabled"},
			wantExpr: "True",
			wantAnyBoundary: "False",
		},
		{
			name:     "timeout heuristic",
			param:    pysrc.Param{Name: "timeout"},
			wantExpr: "0.01",
			wantAnyBoundary: "0.0",
		},
		{
			name:     "no signal falls to generic ladder",
			param:    pysrc.Param{Name: "blob"},
			wantExpr: "0",
			wantAnyBoundary: "None",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plans := si.Infer([]pysrc.Param{tt.param})
			if len(plans) != 1 {
				t.Fatalf("expected 1 plan, got %d", len(plans))
			}
			plan := plans[0]
			if plan.Expr != tt.wantExpr {
				t.Errorf("expr = %q, want %q", plan.Expr, tt.wantExpr)
			}
			found := false
			for _, b := range plan.Boundaries {
				if b == tt.wantAnyBoundary {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("boundaries %v missing %q", plan.Boundaries, tt.wantAnyBoundary)
			}
		})
	}
}

func TestInferIntDefaultBoundaries(t *testing.T) {
	si := NewSignatureInferencer()
	plans := si.Infer([]pysrc.Param{{Name: "limit", Default: "10", HasDefault: true}})
	want := map[string]bool{"0": true, "-1": true, "10 + 1": true, "10 - 1": true}
	for _, b := range plans[0].Boundaries {
		if !want[b] {
			t.Errorf("unexpected boundary %q", b)
		}
		delete(want, b)
	}
	if len(want) != 0 {
		t.Errorf("missing boundaries: %v", want)
	}
}

func TestGenericPlans(t *testing.T) {
	plans := GenericPlans([]pysrc.Param{{Name: "a"}, {Name: "b"}})
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(plans))
	}
	for _, plan := range plans {
		if plan.Expr != "0" {
			t.Errorf("generic expr = %q, want 0", plan.Expr)
		}
		if len(plan.Boundaries) == 0 {
			t.Error("generic plan should carry the value ladder")
		}
	}
}

func TestLiteralClassifiers(t *testing.T) {
	ints := []string{"0", "42", "-7", "+3"}
	for _, s := range ints {
		if !isIntLiteral(s) {
			t.Errorf("isIntLiteral(%q) = false", s)
		}
	}
	notInts := []string{"", "-", "1.5", "x", "1e3"}
	for _, s := range notInts {
		if isIntLiteral(s) {
			t.Errorf("isIntLiteral(%q) = true", s)
		}
	}

	floats := []string{"1.5", "-0.25", "1e-9", "2.5E3"}
	for _, s := range floats {
		if !isFloatLiteral(s) {
			t.Errorf("isFloatLiteral(%q) = false", s)
		}
	}
	notFloats := []string{"", "10", "1.2.3", "abc"}
	for _, s := range notFloats {
		if isFloatLiteral(s) {
			t.Errorf("isFloatLiteral(%q) = true", s)
		}
	}
}
