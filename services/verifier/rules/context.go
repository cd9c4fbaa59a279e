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
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
	"github.com/AleutianAI/patchprobe/services/verifier/probe"
	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
	"github.com/AleutianAI/patchprobe/services/verifier/strategy"
)

// =============================================================================
// Run Context
// =============================================================================

// Target pairs one changed callable with its file change and parsed
// source.
type Target struct {
	Ref    diffmap.CallableRef
	Change *diffmap.FileChange

	// File is the parsed source, nil when the file failed to parse.
	File *pysrc.File
}

// Callable resolves the target's parsed callable, nil when unavailable.
func (t Target) Callable() *pysrc.Callable {
	if t.File == nil {
		return nil
	}
	return t.File.LookupCallable(t.Ref.QualifiedName)
}

// RunContext is the shared state one engine run hands to every rule.
//
// Changed callables and parsed sources are computed once and shared;
// rules read but never mutate the context.
type RunContext struct {
	RepoRoot   string
	Changes    *diffmap.ChangeMap
	Strategies *strategy.Provider
	Exec       probe.Executor
	Logger     *slog.Logger

	parser *pysrc.Parser

	filesMu sync.Mutex
	files   map[string]*pysrc.File

	targetsOnce sync.Once
	targets     []Target
}

// NewRunContext assembles the shared state for one run.
//
// Exec may be nil; rules then skip their dynamic probes and report on
// static analysis alone.
func NewRunContext(repoRoot string, changes *diffmap.ChangeMap, strategies *strategy.Provider, exec probe.Executor, logger *slog.Logger) *RunContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunContext{
		RepoRoot:   repoRoot,
		Changes:    changes,
		Strategies: strategies,
		Exec:       exec,
		Logger:     logger,
		parser:     pysrc.NewParser(),
		files:      make(map[string]*pysrc.File),
	}
}

// SourceFile parses a repository file once and caches the result.
// Returns nil when the file is unreadable or unparsable.
func (rc *RunContext) SourceFile(ctx context.Context, path string) *pysrc.File {
	rc.filesMu.Lock()
	defer rc.filesMu.Unlock()

	if file, ok := rc.files[path]; ok {
		return file
	}
	content, err := os.ReadFile(filepath.Join(rc.RepoRoot, path))
	if err != nil {
		rc.files[path] = nil
		return nil
	}
	file, err := rc.parser.Parse(ctx, content, path)
	if err != nil {
		rc.Logger.Debug("source unparsable for rules", "path", path, "error", err)
		rc.files[path] = nil
		return nil
	}
	rc.files[path] = file
	return file
}

// Targets gathers every changed callable once, paired with its parsed
// source.
func (rc *RunContext) Targets(ctx context.Context) []Target {
	rc.targetsOnce.Do(func() {
		if rc.Changes == nil {
			return
		}
		for _, fc := range rc.Changes.Files {
			file := rc.SourceFile(ctx, fc.FilePath)
			for _, ref := range fc.Callables {
				rc.targets = append(rc.targets, Target{
					Ref:    ref,
					Change: fc,
					File:   file,
				})
			}
		}
	})
	return rc.targets
}

// TargetsWithKind returns targets whose file change includes a kind.
func (rc *RunContext) TargetsWithKind(ctx context.Context, kind pysrc.NodeKind) []Target {
	var out []Target
	for _, t := range rc.Targets(ctx) {
		if t.Change.HasKind(kind) {
			out = append(out, t)
		}
	}
	return out
}

// Probe resolves the input strategy for a target. Returns nil when the
// provider is absent or resolution is cancelled.
func (rc *RunContext) Probe(ctx context.Context, t Target) *strategy.InputStrategy {
	if rc.Strategies == nil {
		return nil
	}
	st, err := rc.Strategies.StrategyFor(ctx, t.Ref)
	if err != nil {
		return nil
	}
	return st
}

// RunHarness builds and executes a harness against the target's file,
// returning the parsed report. Returns nil when no executor is wired
// or the run failed; callers treat nil as "no dynamic evidence".
func (rc *RunContext) RunHarness(ctx context.Context, filePath, body string) *probe.Report {
	if rc.Exec == nil {
		return nil
	}
	script := probe.BuildHarness(filePath, body)
	output, err := rc.Exec.Run(ctx, rc.RepoRoot, script)
	if err != nil {
		rc.Logger.Debug("harness run failed", "file", filePath, "error", err)
		return nil
	}
	report, err := probe.ParseReport(output)
	if err != nil {
		rc.Logger.Debug("harness report unparsable", "file", filePath, "error", err)
		return nil
	}
	return report
}

// Close releases parsed sources held by the context.
func (rc *RunContext) Close() {
	rc.filesMu.Lock()
	defer rc.filesMu.Unlock()
	for _, file := range rc.files {
		if file != nil {
			file.Close()
		}
	}
	rc.files = make(map[string]*pysrc.File)
}
