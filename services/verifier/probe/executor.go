// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package probe runs generated Python harness scripts against a target
// repository and parses their JSON reports.
//
// # Description
//
// Dynamic verification needs to call Python code that only exists in
// the repository under test. A harness is a self-contained script that
// loads the target module, performs a sequence of calls, and prints one
// JSON document. The Executor interface isolates the subprocess
// boundary so rule logic can be exercised with canned reports.
//
// # Thread Safety
//
// PythonExecutor is stateless and safe for concurrent use.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds one harness run.
const DefaultTimeout = 30 * time.Second

// =============================================================================
// Executor
// =============================================================================

// Executor runs a harness script in the context of a repository.
type Executor interface {
	// Run executes the script with the repository as working directory
	// and returns its stdout.
	Run(ctx context.Context, repoDir, script string) ([]byte, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, repoDir, script string) ([]byte, error)

// Run implements Executor.
func (f ExecutorFunc) Run(ctx context.Context, repoDir, script string) ([]byte, error) {
	return f(ctx, repoDir, script)
}

// =============================================================================
// Python Executor
// =============================================================================

// PythonExecutor runs harnesses under a real Python interpreter.
type PythonExecutor struct {
	interpreter string
	timeout     time.Duration
	logger      *slog.Logger
}

// ExecutorOption configures a PythonExecutor.
type ExecutorOption func(*PythonExecutor)

// WithInterpreter sets the interpreter binary (default python3).
func WithInterpreter(path string) ExecutorOption {
	return func(e *PythonExecutor) {
		if path != "" {
			e.interpreter = path
		}
	}
}

// WithTimeout bounds one harness run.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *PythonExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithExecutorLogger sets a custom logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *PythonExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewPythonExecutor creates a PythonExecutor.
func NewPythonExecutor(opts ...ExecutorOption) *PythonExecutor {
	e := &PythonExecutor{
		interpreter: "python3",
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run writes the script to a temporary file and executes it with the
// repository as working directory.
//
// A non-zero exit is an error only when stdout carries no report; a
// harness that printed its JSON and then crashed is still usable.
func (e *PythonExecutor) Run(ctx context.Context, repoDir, script string) ([]byte, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if script == "" {
		return nil, ErrEmptyScript
	}

	if _, err := exec.LookPath(e.interpreter); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInterpreterNotFound, e.interpreter)
	}

	scriptPath := filepath.Join(os.TempDir(), fmt.Sprintf("probe_%s.py", uuid.New().String()))
	if err := os.WriteFile(scriptPath, []byte(script), 0o600); err != nil {
		return nil, fmt.Errorf("write harness: %w", err)
	}
	defer os.Remove(scriptPath)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, e.interpreter, scriptPath)
	cmd.Dir = repoDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	e.logger.Debug("harness executed",
		"duration", time.Since(start),
		"stdout_bytes", stdout.Len(),
		"error", err)

	if err != nil && stdout.Len() == 0 {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("harness timed out after %s: %w", e.timeout, runCtx.Err())
		}
		return nil, fmt.Errorf("harness failed: %w (stderr: %s)", err, truncate(stderr.String(), 512))
	}
	return stdout.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
