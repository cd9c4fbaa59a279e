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
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/patchprobe/pkg/logging"
	"github.com/AleutianAI/patchprobe/pkg/validation"
)

// --- Global Command Variables ---
var (
	config Config
	logger *logging.Logger

	configPath  string
	repoPath    string
	logLevel    string
	logDir      string
	jsonLogs    bool
	quiet       bool
	interpreter string

	// run flags
	diffPath      string
	applyPatch    bool
	keepTests     bool
	staticOnly    bool
	disabledRules []string
	baselineDir   string
	ruleFilter    string

	rootCmd = &cobra.Command{
		Use:   "patchprobe",
		Short: "Diff-driven dynamic verification for Python patches",
		Long: `patchprobe maps a unified diff onto the callables it touches,
synthesizes probing tests for them, reduces coverage to the changed
lines, and judges the change with a set of semantic rules.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			explicit := cmd.Flags().Changed("config")
			cfg, err := LoadConfig(configPath, explicit)
			if err != nil {
				return err
			}
			config = cfg

			// Flags win over file values.
			if cmd.Flags().Changed("repo") || config.Repo == "" {
				config.Repo = repoPath
			}
			if cmd.Flags().Changed("interpreter") {
				config.Interpreter = interpreter
			}
			if cmd.Flags().Changed("log-level") || config.Logging.Level == "" {
				config.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("log-dir") {
				config.Logging.Dir = logDir
			}
			if cmd.Flags().Changed("json-logs") {
				config.Logging.JSON = jsonLogs
			}
			if cmd.Flags().Changed("quiet") {
				config.Logging.Quiet = quiet
			}
			if cmd.Flags().Changed("static") {
				config.Rules.StaticOnly = staticOnly
			}
			if cmd.Flags().Changed("disable") {
				config.Rules.Disabled = disabledRules
			}

			if err := validation.ValidateInterpreter(config.Interpreter); err != nil {
				return err
			}

			logger = logging.New(logging.Config{
				Level:   logging.ParseLevel(config.Logging.Level),
				LogDir:  config.Logging.Dir,
				Service: "cli",
				JSON:    config.Logging.JSON,
				Quiet:   config.Logging.Quiet,
			})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				logger.Close()
			}
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "patchprobe.yaml", "Path to the YAML config file")
	pf.StringVar(&repoPath, "repo", ".", "Repository root to verify")
	pf.StringVar(&interpreter, "interpreter", "python3", "Python interpreter for probes and pytest")
	pf.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVar(&logDir, "log-dir", "", "Directory for JSON log files")
	pf.BoolVar(&jsonLogs, "json-logs", false, "Emit JSON logs on stderr")
	pf.BoolVar(&quiet, "quiet", false, "Suppress stderr logging; stdout stays machine-readable")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(mapCmd)
	rootCmd.AddCommand(synthCmd)
}

// readDiff loads the diff text from a file or stdin ("-").
func readDiff(path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read diff: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("diff %s is empty", path)
	}
	return string(data), nil
}
