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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
	"github.com/AleutianAI/patchprobe/services/verifier/strategy"
	"github.com/AleutianAI/patchprobe/services/verifier/synth"
)

var synthJSON bool

var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Print the synthesized test program without executing it",
	Long: `synth maps the diff and prints the pytest files that run would
generate. By default the Python sources are printed; --json emits the
full program structure instead.`,
	RunE: runSynth,
}

func init() {
	f := synthCmd.Flags()
	f.StringVar(&diffPath, "diff", "-", "Unified diff file, or - for stdin")
	f.StringVar(&baselineDir, "baseline", "", "Pre-patch source tree for differential tests")
	f.BoolVar(&synthJSON, "json", false, "Emit the program as JSON instead of Python source")
}

func runSynth(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	diffText, err := readDiff(diffPath)
	if err != nil {
		return err
	}

	slogger := logger.Slog()
	mapper := diffmap.NewMapper(config.Repo, diffmap.WithLogger(slogger))
	cm, err := mapper.Map(ctx, diffText)
	if err != nil {
		return err
	}

	provider := strategy.NewProvider(config.Repo, strategy.WithProviderLogger(slogger))
	opts := []synth.SynthOption{synth.WithSynthLogger(slogger)}
	if baselineDir != "" {
		opts = append(opts, synth.WithSnapshotDir(baselineDir))
	}
	program, err := synth.NewSynthesizer(config.Repo, provider, opts...).Synthesize(ctx, cm)
	if err != nil {
		return err
	}

	if synthJSON {
		return printJSON(cmd.OutOrStdout(), program)
	}
	out := cmd.OutOrStdout()
	for _, f := range program.Files {
		fmt.Fprintf(out, "# --- %s ---\n%s\n", f.Path, f.Source)
	}
	return nil
}
