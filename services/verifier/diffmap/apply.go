// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diffmap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// =============================================================================
// Patch Application
// =============================================================================

// ApplyFileDiff applies one file's hunks to the original content.
//
// Context lines must match the original exactly; a mismatch returns
// ErrHunkMismatch wrapped with the offending line.
func ApplyFileDiff(original []byte, fd *diff.FileDiff) ([]byte, error) {
	lines := strings.Split(string(original), "\n")
	var result []string
	cursor := 0 // 0-based index into lines

	for _, hunk := range fd.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunkStart < 0 {
			hunkStart = 0
		}
		if hunkStart > len(lines) {
			return nil, fmt.Errorf("%w: hunk starts at line %d past end of file (%d lines)",
				ErrHunkMismatch, hunk.OrigStartLine, len(lines))
		}

		result = append(result, lines[cursor:hunkStart]...)
		cursor = hunkStart

		for _, raw := range strings.Split(string(hunk.Body), "\n") {
			if raw == "" {
				continue
			}
			switch raw[0] {
			case '+':
				result = append(result, raw[1:])
			case '-':
				if cursor >= len(lines) || lines[cursor] != raw[1:] {
					return nil, fmt.Errorf("%w: removed line %d does not match original",
						ErrHunkMismatch, cursor+1)
				}
				cursor++
			case '\\':
				// No-newline marker.
			default:
				content := raw
				if raw[0] == ' ' {
					content = raw[1:]
				}
				if cursor >= len(lines) || lines[cursor] != content {
					return nil, fmt.Errorf("%w: context line %d does not match original",
						ErrHunkMismatch, cursor+1)
				}
				result = append(result, content)
				cursor++
			}
		}
	}

	result = append(result, lines[cursor:]...)
	return []byte(strings.Join(result, "\n")), nil
}

// MaterializeSnapshot writes a patched copy of every file a diff touches
// into destDir, reading originals from srcRoot.
//
// Only the files named by the diff are written; destDir mirrors the
// repository-relative layout so the copy can be imported as a package
// tree alongside the unpatched source. New files are created from their
// hunks alone; deleted files are skipped.
func MaterializeSnapshot(srcRoot, destDir, diffText string) error {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(diffText)).ReadAllFiles()
	if err != nil {
		return fmt.Errorf("parse diff: %w", err)
	}

	for _, fd := range fileDiffs {
		newName := stripDiffPrefix(fd.NewName)
		if newName == "/dev/null" || newName == "" {
			continue
		}

		var original []byte
		if stripDiffPrefix(fd.OrigName) != "/dev/null" {
			original, err = os.ReadFile(filepath.Join(srcRoot, stripDiffPrefix(fd.OrigName)))
			if err != nil {
				return fmt.Errorf("read original %s: %w", fd.OrigName, err)
			}
		}

		patched, err := ApplyFileDiff(original, fd)
		if err != nil {
			return fmt.Errorf("apply %s: %w", newName, err)
		}

		dest := filepath.Join(destDir, newName)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", newName, err)
		}
		if err := os.WriteFile(dest, patched, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", newName, err)
		}
	}
	return nil
}
