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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
	"github.com/AleutianAI/patchprobe/services/verifier/probe"
	"github.com/AleutianAI/patchprobe/services/verifier/strategy"
)

// writeRepo materializes source files under a temp repo root.
func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

// cannedExec answers every harness run with one fixed report line.
func cannedExec(report string) probe.Executor {
	return probe.ExecutorFunc(func(ctx context.Context, repoDir, script string) ([]byte, error) {
		return []byte(report + "\n"), nil
	})
}

// ruleContext builds a run context backed by a real strategy provider
// over the repo root.
func ruleContext(t *testing.T, root string, changes *diffmap.ChangeMap, exec probe.Executor) *RunContext {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rc := NewRunContext(root, changes, strategy.NewProvider(root), exec, logger)
	t.Cleanup(rc.Close)
	return rc
}

// findingContaining returns the first finding whose message contains
// the substring.
func findingContaining(result *RuleResult, substr string) *Finding {
	for i := range result.Findings {
		if strings.Contains(result.Findings[i].Message, substr) {
			return &result.Findings[i]
		}
	}
	return nil
}
