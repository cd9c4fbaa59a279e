// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"testing"
)

func TestValidateModulePath(t *testing.T) {
	tests := []struct {
		name    string
		module  string
		wantErr bool
	}{
		// Valid module paths
		{"simple", "orders", false},
		{"dotted", "pkg.orders.models", false},
		{"underscore", "_private.mod", false},
		{"digits", "v2.handlers", false},

		// Invalid module paths - injection attempts
		{"empty", "", true},
		{"leading dot", ".orders", true},
		{"trailing dot", "orders.", true},
		{"double dot", "pkg..orders", true},
		{"semicolon injection", "os; import shutil", true},
		{"newline injection", "orders\nimport os", true},
		{"path separator", "pkg/orders", true},
		{"leading digit", "2fast", true},
		{"spaces", "pkg. orders", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModulePath(tt.module)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateModulePath(%q) error = %v, wantErr %v", tt.module, err, tt.wantErr)
			}
		})
	}
}

func TestValidateInterpreter(t *testing.T) {
	tests := []struct {
		name        string
		interpreter string
		wantErr     bool
	}{
		{"bare", "python3", false},
		{"versioned", "python3.12", false},
		{"pypy", "pypy3", false},
		{"absolute path", "/usr/local/bin/python3", false},

		{"empty", "", true},
		{"relative path", "bin/python3", true},
		{"shell metachars", "python3; rm -rf /", true},
		{"leading dash", "-python", true},
		{"spaces", "python 3", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInterpreter(tt.interpreter)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInterpreter(%q) error = %v, wantErr %v", tt.interpreter, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRepoRelPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"simple", "orders.py", false},
		{"nested", "pkg/orders/models.py", false},
		{"dot segment collapses inside", "pkg/./models.py", false},

		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"traversal", "../secrets.py", true},
		{"nested traversal", "pkg/../../secrets.py", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRepoRelPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRepoRelPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}
