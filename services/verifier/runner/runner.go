// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner executes pytest suites and collects per-line
// execution data for change-scoped coverage.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/patchprobe/services/verifier/coverage"
)

// DefaultTimeout bounds one suite run.
const DefaultTimeout = 5 * time.Minute

// maxCapturedOutput bounds how much pytest output a result retains.
const maxCapturedOutput = 64 * 1024

// =============================================================================
// Interface
// =============================================================================

// ExecRequest describes one test execution.
type ExecRequest struct {
	// RepoDir is the repository the tests run against.
	RepoDir string

	// TestPaths selects specific test files; empty runs the full suite.
	TestPaths []string

	// WithCoverage enables per-line execution collection.
	WithCoverage bool

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// TestFailure is one failed or errored test.
type TestFailure struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// ExecResult is the outcome of one test execution.
type ExecResult struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
	Skipped int `json:"skipped"`

	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`

	Failures []TestFailure `json:"failures,omitempty"`

	// Executed is the per-line execution data, nil unless coverage was
	// requested and collected.
	Executed coverage.FileLines `json:"-"`
}

// Total returns the number of collected test outcomes.
func (r *ExecResult) Total() int {
	return r.Passed + r.Failed + r.Errored + r.Skipped
}

// Clean reports whether nothing failed or errored.
func (r *ExecResult) Clean() bool {
	return r.Failed == 0 && r.Errored == 0
}

// Runner executes tests.
type Runner interface {
	Run(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req ExecRequest) (*ExecResult, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	return f(ctx, req)
}

// =============================================================================
// Pytest Runner
// =============================================================================

// PytestRunner runs suites through "python -m pytest".
type PytestRunner struct {
	interpreter string
	logger      *slog.Logger
}

// PytestOption configures a PytestRunner.
type PytestOption func(*PytestRunner)

// WithInterpreter sets the interpreter binary (default python3).
func WithInterpreter(path string) PytestOption {
	return func(r *PytestRunner) {
		if path != "" {
			r.interpreter = path
		}
	}
}

// WithRunnerLogger sets a custom logger.
func WithRunnerLogger(logger *slog.Logger) PytestOption {
	return func(r *PytestRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewPytestRunner creates a PytestRunner.
func NewPytestRunner(opts ...PytestOption) *PytestRunner {
	r := &PytestRunner{
		interpreter: "python3",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes pytest and parses its terse summary.
//
// Pytest exiting non-zero because tests failed is a result, not an
// error; only a run that produced no recognizable outcome errors.
func (r *PytestRunner) Run(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if req.RepoDir == "" {
		return nil, ErrNoRepoDir
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-m", "pytest", "-q", "--tb=line", "-p", "no:cacheprovider"}
	covPath := ""
	if req.WithCoverage {
		covPath = filepath.Join(os.TempDir(), fmt.Sprintf("cov_%s.json", uuid.New().String()))
		defer os.Remove(covPath)
		args = append(args, "--cov=.", "--cov-report=json:"+covPath)
	}
	args = append(args, req.TestPaths...)

	start := time.Now()
	cmd := exec.CommandContext(runCtx, r.interpreter, args...)
	cmd.Dir = req.RepoDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := out.String()

	result := parseOutput(output)
	result.Output = truncate(output, maxCapturedOutput)
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("test run timed out after %s: %w", timeout, runCtx.Err())
		}
		return nil, fmt.Errorf("run pytest: %w", runErr)
	}

	if result.Total() == 0 && result.ExitCode != 0 && result.ExitCode != 5 {
		// Exit 5 is "no tests collected", a valid empty result.
		return nil, fmt.Errorf("%w (exit %d): %s", ErrNoOutcome, result.ExitCode, truncate(output, 512))
	}

	if covPath != "" {
		if data, err := os.ReadFile(covPath); err == nil {
			if executed, err := coverage.ParseCoverageJSON(data); err == nil {
				result.Executed = executed
			} else {
				r.logger.Warn("coverage report unreadable", "error", err)
			}
		}
	}

	r.logger.Debug("pytest finished",
		"passed", result.Passed,
		"failed", result.Failed,
		"errored", result.Errored,
		"duration", time.Since(start))
	return result, nil
}

// =============================================================================
// Output Parsing
// =============================================================================

var (
	// "3 passed, 1 failed, 2 skipped, 1 error in 0.12s"
	tallyPattern = regexp.MustCompile(`(\d+) (passed|failed|skipped|error|errors)\b`)

	// "FAILED test_x.py::test_name - ValueError: boom"
	failurePattern = regexp.MustCompile(`(?m)^(?:FAILED|ERROR) (\S+)(?: - (.*))?$`)
)

// parseOutput extracts tallies and failure names from pytest's terse
// output.
func parseOutput(output string) *ExecResult {
	result := &ExecResult{}
	for _, match := range tallyPattern.FindAllStringSubmatch(output, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		switch match[2] {
		case "passed":
			result.Passed = n
		case "failed":
			result.Failed = n
		case "skipped":
			result.Skipped = n
		case "error", "errors":
			result.Errored = n
		}
	}
	for _, match := range failurePattern.FindAllStringSubmatch(output, -1) {
		result.Failures = append(result.Failures, TestFailure{
			Name:    match[1],
			Message: strings.TrimSpace(match[2]),
		})
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
