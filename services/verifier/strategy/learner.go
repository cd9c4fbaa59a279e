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
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
)

// DefaultMaxTestFiles caps how many test files one learning pass parses.
const DefaultMaxTestFiles = 200

// skipDirs are directory names never descended into during discovery.
var skipDirs = map[string]bool{
	".git":          true,
	".tox":          true,
	".venv":         true,
	"venv":          true,
	"node_modules":  true,
	"__pycache__":   true,
	".mypy_cache":   true,
	".pytest_cache": true,
}

// =============================================================================
// Learner
// =============================================================================

// Learner mines construction and call patterns from a repository's
// existing test files.
//
// Test files are discovered once, lazily, and their parse results are
// held for the learner's lifetime. Safe for concurrent use.
type Learner struct {
	repoRoot string
	parser   *pysrc.Parser
	maxFiles int
	logger   *slog.Logger

	once  sync.Once
	files []*pysrc.File
}

// LearnerOption configures a Learner.
type LearnerOption func(*Learner)

// WithLearnerParser sets a custom source parser.
func WithLearnerParser(p *pysrc.Parser) LearnerOption {
	return func(l *Learner) {
		if p != nil {
			l.parser = p
		}
	}
}

// WithMaxTestFiles caps how many test files are parsed.
func WithMaxTestFiles(n int) LearnerOption {
	return func(l *Learner) {
		if n > 0 {
			l.maxFiles = n
		}
	}
}

// WithLearnerLogger sets a custom logger.
func WithLearnerLogger(logger *slog.Logger) LearnerOption {
	return func(l *Learner) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLearner creates a Learner rooted at the given repository directory.
func NewLearner(repoRoot string, opts ...LearnerOption) *Learner {
	l := &Learner{
		repoRoot: repoRoot,
		parser:   pysrc.NewParser(),
		maxFiles: DefaultMaxTestFiles,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LearnClass mines constructor patterns for a class from the test files.
//
// Outputs:
//   - *ClassProfile: patterns ranked by frequency, then by textual
//     order for determinism. Never nil; Patterns may be empty.
//   - error: nil context or empty name only.
func (l *Learner) LearnClass(ctx context.Context, className string) (*ClassProfile, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if className == "" {
		return nil, ErrEmptyName
	}

	profile := &ClassProfile{ClassName: className}
	counts := make(map[string]int)
	for _, file := range l.testFiles(ctx) {
		for _, con := range pysrc.FindConstructions(file, className) {
			counts[renderConstruction(className, con)]++
		}
	}
	profile.Patterns = rankPatterns(counts)

	l.logger.Debug("class patterns learned",
		"class", className, "patterns", len(profile.Patterns))
	return profile, nil
}

// LearnCall mines call-site argument patterns for a function name.
//
// The returned constructions carry the raw argument expressions seen at
// each call site, ranked by frequency.
func (l *Learner) LearnCall(ctx context.Context, name string) ([]pysrc.Construction, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if name == "" {
		return nil, ErrEmptyName
	}

	var all []pysrc.Construction
	for _, file := range l.testFiles(ctx) {
		all = append(all, pysrc.FindConstructions(file, name)...)
	}
	return all, nil
}

// Close releases the parse trees held by the learner.
func (l *Learner) Close() {
	for _, f := range l.files {
		f.Close()
	}
	l.files = nil
}

// testFiles discovers and parses the repository's test files once.
func (l *Learner) testFiles(ctx context.Context) []*pysrc.File {
	l.once.Do(func() {
		paths := l.discover()
		for _, path := range paths {
			content, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			rel, _ := filepath.Rel(l.repoRoot, path)
			file, err := l.parser.Parse(ctx, content, rel)
			if err != nil {
				l.logger.Debug("skipping unparsable test file", "path", rel, "error", err)
				continue
			}
			l.files = append(l.files, file)
		}
		l.logger.Debug("test files parsed", "count", len(l.files))
	})
	return l.files
}

// discover finds candidate test files under the repository root.
func (l *Learner) discover() []string {
	var paths []string
	_ = filepath.WalkDir(l.repoRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(paths) >= l.maxFiles {
			return filepath.SkipAll
		}
		name := d.Name()
		if strings.HasPrefix(name, "test_") && strings.HasSuffix(name, ".py") ||
			strings.HasSuffix(name, "_test.py") {
			paths = append(paths, path)
		}
		return nil
	})
	sort.Strings(paths)
	return paths
}

// renderConstruction rebuilds the constructor expression from a mined
// call site, positional arguments first.
func renderConstruction(className string, con pysrc.Construction) string {
	var parts []string
	for _, arg := range con.Args {
		parts = append(parts, arg.Raw)
	}
	kwNames := make([]string, 0, len(con.Kwargs))
	for k := range con.Kwargs {
		kwNames = append(kwNames, k)
	}
	sort.Strings(kwNames)
	for _, k := range kwNames {
		parts = append(parts, fmt.Sprintf("%s=%s", k, con.Kwargs[k].Raw))
	}
	return fmt.Sprintf("%s(%s)", className, strings.Join(parts, ", "))
}

// rankPatterns orders mined patterns by descending frequency, breaking
// ties textually.
func rankPatterns(counts map[string]int) []InstancePattern {
	patterns := make([]InstancePattern, 0, len(counts))
	for expr, count := range counts {
		patterns = append(patterns, InstancePattern{Expr: expr, Count: count})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Expr < patterns[j].Expr
	})
	return patterns
}
