// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/patchprobe/services/verifier/coverage"
	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
	"github.com/AleutianAI/patchprobe/services/verifier/probe"
	"github.com/AleutianAI/patchprobe/services/verifier/rules"
	"github.com/AleutianAI/patchprobe/services/verifier/runner"
	"github.com/AleutianAI/patchprobe/services/verifier/strategy"
	"github.com/AleutianAI/patchprobe/services/verifier/synth"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Verify a patch: map, synthesize, execute, judge",
	Long: `run maps the diff onto changed callables, synthesizes probing tests,
executes them under coverage, reduces coverage to the changed lines,
and runs the rule set. The report is printed as JSON on stdout.

Exit codes: 0 clean, 1 failing rules or failing synthesized tests,
2 the run itself broke.`,
	RunE: runVerification,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&diffPath, "diff", "-", "Unified diff file, or - for stdin")
	f.BoolVar(&applyPatch, "apply", false,
		"Treat the repo as unpatched: copy it, apply the diff to the copy, verify the copy")
	f.StringVar(&baselineDir, "baseline", "",
		"Pre-patch source tree for differential tests (implied by --apply)")
	f.BoolVar(&keepTests, "keep-tests", false, "Leave synthesized test files in place")
	f.BoolVar(&staticOnly, "static", false, "Skip dynamic probing; static rule checks only")
	f.StringSliceVar(&disabledRules, "disable", nil, "Rule IDs to skip")
	f.StringVar(&ruleFilter, "rule", "all", "Run a single rule by ID, or all")
}

// errFindings tells main to exit with ExitFindings. Returning it
// instead of calling os.Exit lets the deferred cleanups run.
var errFindings = errors.New("verification reported failures")

// runReport is the JSON document the run command prints.
type runReport struct {
	ChangeMap   *diffmap.ChangeMap         `json:"change_map"`
	Synthesized map[synth.TemplateKind]int `json:"synthesized_cases"`
	Tests       *runner.ExecResult         `json:"tests,omitempty"`
	Coverage    *coverage.Report           `json:"coverage,omitempty"`
	Rules       *rules.Summary             `json:"rules"`
	Findings    []rules.Finding            `json:"findings"`
	Failed      bool                       `json:"failed"`
}

func runVerification(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if ruleFilter != "all" {
		if err := rules.ValidateRuleIDs(ruleFilter); err != nil {
			return err
		}
	}

	diffText, err := readDiff(diffPath)
	if err != nil {
		return err
	}

	workdir := config.Repo
	baseline := baselineDir
	if applyPatch {
		tmp, err := os.MkdirTemp("", "patchprobe-work-")
		if err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		defer os.RemoveAll(tmp)

		if err := copyTree(config.Repo, tmp); err != nil {
			return fmt.Errorf("copy repo: %w", err)
		}
		if err := diffmap.MaterializeSnapshot(config.Repo, tmp, diffText); err != nil {
			return fmt.Errorf("apply patch: %w", err)
		}
		workdir = tmp
		if baseline == "" {
			baseline = config.Repo
		}
		logger.Info("patch applied to working copy", "workdir", tmp)
	}

	slogger := logger.Slog()
	mapper := diffmap.NewMapper(workdir, diffmap.WithLogger(slogger))
	cm, err := mapper.Map(ctx, diffText)
	if err != nil {
		return err
	}

	provider := strategy.NewProvider(workdir, strategy.WithProviderLogger(slogger))

	synthOpts := []synth.SynthOption{synth.WithSynthLogger(slogger)}
	if baseline != "" {
		synthOpts = append(synthOpts, synth.WithSnapshotDir(baseline))
	}
	program, err := synth.NewSynthesizer(workdir, provider, synthOpts...).Synthesize(ctx, cm)
	if err != nil {
		return err
	}

	report := &runReport{
		ChangeMap:   cm,
		Synthesized: program.CountByKind(),
	}

	if len(program.Files) > 0 {
		if err := program.WriteTo(workdir); err != nil {
			return err
		}
		if !keepTests {
			defer removeGenerated(workdir, program)
		}

		paths := make([]string, 0, len(program.Files))
		for _, f := range program.Files {
			paths = append(paths, f.Path)
		}
		pytest := runner.NewPytestRunner(
			runner.WithInterpreter(config.Interpreter),
			runner.WithRunnerLogger(slogger))
		result, err := pytest.Run(ctx, runner.ExecRequest{
			RepoDir:      workdir,
			TestPaths:    paths,
			WithCoverage: true,
			Timeout:      time.Duration(config.TestTimeoutSeconds) * time.Second,
		})
		if err != nil {
			logger.Warn("synthesized suite did not run", "error", err)
		} else {
			report.Tests = result
			report.Coverage = coverage.Reduce(cm, result.Executed)
		}
	} else {
		report.Coverage = coverage.Reduce(cm, nil)
	}

	var exec probe.Executor
	if !config.Rules.StaticOnly {
		execOpts := []probe.ExecutorOption{
			probe.WithInterpreter(config.Interpreter),
			probe.WithExecutorLogger(slogger),
		}
		if config.ProbeTimeoutSeconds > 0 {
			execOpts = append(execOpts, probe.WithTimeout(time.Duration(config.ProbeTimeoutSeconds)*time.Second))
		}
		exec = probe.NewPythonExecutor(execOpts...)
	}

	rc := rules.NewRunContext(workdir, cm, provider, exec, slogger)
	defer rc.Close()

	engineOpts := []rules.EngineOption{rules.WithDisabled(config.Rules.Disabled...)}
	if ruleFilter != "all" {
		engineOpts = append(engineOpts, rules.WithOnly(ruleFilter))
	}
	if config.Rules.Concurrency > 0 {
		engineOpts = append(engineOpts, rules.WithConcurrency(config.Rules.Concurrency))
	}
	summary, err := rules.NewEngine(engineOpts...).Run(ctx, rc)
	if err != nil {
		return err
	}

	report.Rules = summary
	report.Findings = summary.AllFindings()
	rules.SortFindings(report.Findings)
	report.Failed = summary.Failed() ||
		(report.Tests != nil && !report.Tests.Clean())

	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if report.Failed {
		return errFindings
	}
	return nil
}

// removeGenerated deletes the synthesized test files and coverage
// artifacts from the working tree.
func removeGenerated(dir string, program *synth.Program) {
	for _, f := range program.Files {
		os.Remove(filepath.Join(dir, f.Path))
	}
}

// copyTree mirrors src into dest, skipping VCS and cache directories.
func copyTree(src, dest string) error {
	skip := map[string]bool{
		".git":            true,
		"__pycache__":     true,
		".pytest_cache":   true,
		".mypy_cache":     true,
		".ruff_cache":     true,
		"node_modules":    true,
		".tox":            true,
		".hypothesis":     true,
		".coverage_cache": true,
	}
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if skip[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dest, rel), 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, filepath.Join(dest, rel))
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
