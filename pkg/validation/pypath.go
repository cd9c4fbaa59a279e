// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up
// in file paths or subprocess calls. Using these validators prevents
// command injection and path traversal when the verifier shells out to
// a Python interpreter over a repository it did not create.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// modulePattern matches a dotted Python module path: identifiers
// separated by single dots.
var modulePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// interpreterPattern matches a bare interpreter name or version suffix
// (python3, python3.12, pypy3). Full paths are validated separately.
var interpreterPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._\-]{0,63}$`)

// ValidateModulePath validates a dotted Python module path before it is
// interpolated into generated import statements.
//
// Example:
//
//	if err := validation.ValidateModulePath(mod); err != nil {
//	    return fmt.Errorf("invalid module: %w", err)
//	}
//	// Safe to place in an import line
func ValidateModulePath(module string) error {
	if module == "" {
		return fmt.Errorf("module path cannot be empty")
	}
	if !modulePattern.MatchString(module) {
		return fmt.Errorf("invalid module path: %q (must be dot-separated Python identifiers)", module)
	}
	return nil
}

// ValidateInterpreter validates an interpreter command before it is
// handed to exec. Accepts a bare command name or an absolute path whose
// base is a valid command name.
func ValidateInterpreter(interpreter string) error {
	if interpreter == "" {
		return fmt.Errorf("interpreter cannot be empty")
	}
	name := interpreter
	if strings.ContainsRune(interpreter, filepath.Separator) {
		if !filepath.IsAbs(interpreter) {
			return fmt.Errorf("interpreter path must be bare or absolute: %q", interpreter)
		}
		name = filepath.Base(interpreter)
	}
	if !interpreterPattern.MatchString(name) {
		return fmt.Errorf("invalid interpreter name: %q", name)
	}
	return nil
}

// ValidateRepoRelPath validates a repository-relative file path taken
// from a diff header. Rejects absolute paths and any traversal outside
// the repository root.
func ValidateRepoRelPath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must be repository-relative: %q", path)
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes the repository root: %q", path)
	}
	return nil
}
