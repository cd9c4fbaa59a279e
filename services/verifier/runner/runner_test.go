// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"testing"
)

func TestParseOutputTallies(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   ExecResult
	}{
		{
			name:   "all passed",
			output: "....\n4 passed in 0.03s\n",
			want:   ExecResult{Passed: 4},
		},
		{
			name:   "mixed",
			output: "..F.s\n3 passed, 1 failed, 1 skipped in 0.10s\n",
			want:   ExecResult{Passed: 3, Failed: 1, Skipped: 1},
		},
		{
			name:   "errors",
			output: "2 passed, 1 error in 0.05s\n",
			want:   ExecResult{Passed: 2, Errored: 1},
		},
		{
			name:   "no tests",
			output: "no tests ran in 0.01s\n",
			want:   ExecResult{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOutput(tt.output)
			if got.Passed != tt.want.Passed || got.Failed != tt.want.Failed ||
				got.Skipped != tt.want.Skipped || got.Errored != tt.want.Errored {
				t.Errorf("parseOutput = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseOutputFailures(t *testing.T) {
	output := `..F
FAILED test_probe_pkg_gauge.py::test_check_boundary_value - ValueError: boom
ERROR test_probe_pkg_gauge.py::test_other
2 passed, 1 failed, 1 error in 0.08s
`
	result := parseOutput(output)
	if len(result.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d: %+v", len(result.Failures), result.Failures)
	}
	f := result.Failures[0]
	if f.Name != "test_probe_pkg_gauge.py::test_check_boundary_value" {
		t.Errorf("failure name = %q", f.Name)
	}
	if f.Message != "ValueError: boom" {
		t.Errorf("failure message = %q", f.Message)
	}
	if result.Failures[1].Message != "" {
		t.Errorf("error entry should carry no message, got %q", result.Failures[1].Message)
	}
}

func TestExecResultHelpers(t *testing.T) {
	r := &ExecResult{Passed: 2, Failed: 1, Skipped: 1}
	if r.Total() != 4 {
		t.Errorf("total = %d, want 4", r.Total())
	}
	if r.Clean() {
		t.Error("result with failures is not clean")
	}
	if !(&ExecResult{Passed: 3}).Clean() {
		t.Error("all-passed result should be clean")
	}
}

func TestPytestRunnerValidation(t *testing.T) {
	r := NewPytestRunner()
	if _, err := r.Run(nil, ExecRequest{RepoDir: "/x"}); err == nil { //nolint:staticcheck
		t.Error("expected error for nil context")
	}
	if _, err := r.Run(context.Background(), ExecRequest{}); err == nil {
		t.Error("expected error for missing repo dir")
	}
}

func TestRunnerFuncAdapter(t *testing.T) {
	stub := RunnerFunc(func(ctx context.Context, req ExecRequest) (*ExecResult, error) {
		return &ExecResult{Passed: 1}, nil
	})
	result, err := stub.Run(context.Background(), ExecRequest{RepoDir: "/x"})
	if err != nil || result.Passed != 1 {
		t.Fatalf("adapter result = %+v, err = %v", result, err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("truncate short = %q", got)
	}
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	got := truncate(string(long), 10)
	if len(got) <= 10 {
		t.Errorf("truncated output should note truncation, got %q", got)
	}
}
