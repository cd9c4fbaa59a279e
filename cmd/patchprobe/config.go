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
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the file-backed CLI configuration. Flags override file
// values; the file itself is optional.
type Config struct {
	// Repo is the repository root the verification runs against.
	Repo string `yaml:"repo"`

	// Interpreter is the Python binary used for probes and pytest.
	Interpreter string `yaml:"interpreter"`

	// ProbeTimeoutSeconds bounds one probe harness run.
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`

	// TestTimeoutSeconds bounds the synthesized suite run.
	TestTimeoutSeconds int `yaml:"test_timeout_seconds"`

	Rules   RulesConfig   `yaml:"rules"`
	Logging LoggingConfig `yaml:"logging"`
}

// RulesConfig tunes the rule engine.
type RulesConfig struct {
	// Disabled lists rule IDs to skip entirely.
	Disabled []string `yaml:"disabled"`

	// Concurrency bounds parallel rule execution.
	Concurrency int `yaml:"concurrency"`

	// StaticOnly disables dynamic probing; rules report on static
	// analysis alone.
	StaticOnly bool `yaml:"static_only"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Repo:        ".",
		Interpreter: "python3",
	}
}

// LoadConfig reads a YAML config file when present.
//
// An empty path loads pure defaults. A named file that does not exist
// is an error; a missing default file is not.
func LoadConfig(path string, explicit bool) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Repo == "" {
		cfg.Repo = "."
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	return cfg, nil
}
