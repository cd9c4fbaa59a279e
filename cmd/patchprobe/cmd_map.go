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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Print the change map for a diff as JSON",
	Long: `map parses the diff, overlays it on the repository source, and
prints the resulting change map without running anything. Useful for
inspecting which callables a patch actually touches.`,
	RunE: runMap,
}

func init() {
	mapCmd.Flags().StringVar(&diffPath, "diff", "-", "Unified diff file, or - for stdin")
}

func runMap(cmd *cobra.Command, args []string) error {
	diffText, err := readDiff(diffPath)
	if err != nil {
		return err
	}

	mapper := diffmap.NewMapper(config.Repo, diffmap.WithLogger(logger.Slog()))
	cm, err := mapper.Map(context.Background(), diffText)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), cm)
}
