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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/patchprobe/pkg/validation"
	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
)

// headerCallablePattern extracts def/class names from the trailing context
// string of a hunk header ("@@ -a,b +c,d @@ def check(x):").
var headerCallablePattern = regexp.MustCompile(`(?:def|class)\s+([A-Za-z_][A-Za-z0-9_]*)`)

// =============================================================================
// Mapper
// =============================================================================

// Mapper turns unified diffs into ChangeMaps by overlaying changed lines
// on the structural tree of the current source.
type Mapper struct {
	repoRoot string
	parser   *pysrc.Parser
	logger   *slog.Logger
}

// MapperOption configures a Mapper.
type MapperOption func(*Mapper)

// WithParser sets a custom source parser.
func WithParser(p *pysrc.Parser) MapperOption {
	return func(m *Mapper) {
		if p != nil {
			m.parser = p
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) MapperOption {
	return func(m *Mapper) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMapper creates a Mapper rooted at the given repository directory.
func NewMapper(repoRoot string, opts ...MapperOption) *Mapper {
	m := &Mapper{
		repoRoot: repoRoot,
		parser:   pysrc.NewParser(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Map parses a unified diff and maps its changed regions onto callables.
//
// Description:
//
//	The changed-line set of each file is computed from the new-version
//	side of every hunk: added lines are changed, context lines only
//	advance the counter, removed lines do not occupy new-version lines.
//	Changed lines are matched against callable spans parsed from the
//	current source. When no callable overlaps (or the source fails to
//	parse), names from the hunk header context are used as a degraded
//	fallback and marked as such.
//
// Inputs:
//   - ctx: context for cancellation. Must not be nil.
//   - diffText: the unified diff.
//
// Outputs:
//   - *ChangeMap: the mapping. Diff-level or file-level parse failures
//     are captured inside the map rather than returned, so an empty or
//     partial map is still usable.
//   - error: only for nil context or empty input.
func (m *Mapper) Map(ctx context.Context, diffText string) (*ChangeMap, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if strings.TrimSpace(diffText) == "" {
		return nil, ErrEmptyDiff
	}

	start := time.Now()

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(diffText)).ReadAllFiles()
	if err != nil {
		m.logger.Warn("diff parse failed", "error", err)
		return &ChangeMap{ParseError: fmt.Sprintf("parse diff: %v", err)}, nil
	}

	cm := &ChangeMap{}
	for _, fd := range fileDiffs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fc := m.mapFile(ctx, fd)
		if fc != nil {
			cm.Files = append(cm.Files, fc)
		}
	}

	recordMap(ctx, len(cm.Files), cm.TotalChangedLines(), time.Since(start))
	m.logger.Debug("diff mapped",
		"files", len(cm.Files),
		"changed_lines", cm.TotalChangedLines(),
		"duration", time.Since(start))
	return cm, nil
}

// mapFile maps a single file's diff onto its callables.
func (m *Mapper) mapFile(ctx context.Context, fd *diff.FileDiff) *FileChange {
	newName := stripDiffPrefix(fd.NewName)
	if newName == "/dev/null" || newName == "" {
		// Deleted file: no lines exist in the new version to verify.
		return nil
	}
	if err := validation.ValidateRepoRelPath(newName); err != nil {
		m.logger.Warn("diff names an unsafe path, skipping", "path", newName, "error", err)
		return nil
	}

	fc := &FileChange{
		FilePath:     newName,
		ModulePath:   modulePath(newName),
		ClassContext: make(map[string]string),
		IsNew:        stripDiffPrefix(fd.OrigName) == "/dev/null",
	}

	for _, hunk := range fd.Hunks {
		added, removed := walkHunk(hunk)
		for _, dl := range added {
			fc.ChangedLines = append(fc.ChangedLines, dl.Num)
			fc.AddedLines = append(fc.AddedLines, dl)
		}
		fc.RemovedLines = append(fc.RemovedLines, removed...)
	}
	sort.Ints(fc.ChangedLines)
	fc.ChangedLines = dedupSorted(fc.ChangedLines)
	fc.Ranges = collapseRanges(fc.ChangedLines)

	m.overlay(ctx, fc, fd)
	fc.Risk = assessRisk(fc)
	return fc
}

// overlay parses the current source and attaches callables and kinds to
// the file change, falling back to hunk headers when structural matching
// yields nothing.
func (m *Mapper) overlay(ctx context.Context, fc *FileChange, fd *diff.FileDiff) {
	content, err := os.ReadFile(filepath.Join(m.repoRoot, fc.FilePath))
	if err != nil {
		fc.ParseError = fmt.Sprintf("read source: %v", err)
		fc.Callables = fallbackCallables(fc, fd, nil)
		return
	}

	file, err := m.parser.Parse(ctx, content, fc.FilePath)
	if err != nil {
		fc.ParseError = fmt.Sprintf("parse source: %v", err)
		fc.Callables = fallbackCallables(fc, fd, nil)
		return
	}
	defer file.Close()

	lineSet := fc.LineSet()
	fc.Kinds = pysrc.ScanKinds(file, lineSet)

	for i := range file.Callables {
		c := file.Callables[i]
		for _, r := range fc.Ranges {
			if c.SpanOverlaps(r.Start, r.End) {
				fc.Callables = append(fc.Callables, callableRef(c, fc))
				fc.ClassContext[c.Name] = c.ClassName
				break
			}
		}
	}

	if len(fc.Callables) == 0 && len(fc.ChangedLines) > 0 {
		fc.Callables = fallbackCallables(fc, fd, file)
	}
}

// callableRef builds a CallableRef from a parsed callable.
func callableRef(c *pysrc.Callable, fc *FileChange) CallableRef {
	return CallableRef{
		Name:          c.Name,
		QualifiedName: c.QualifiedName,
		ClassName:     c.ClassName,
		FilePath:      fc.FilePath,
		ModulePath:    fc.ModulePath,
		StartLine:     c.StartLine,
		EndLine:       c.EndLine,
		Params:        c.Params,
	}
}

// fallbackCallables recovers callable names from hunk header context
// strings. When the parsed file is available, recovered names are
// resolved to their real spans and parameters.
func fallbackCallables(fc *FileChange, fd *diff.FileDiff, file *pysrc.File) []CallableRef {
	seen := make(map[string]bool)
	var refs []CallableRef
	for _, hunk := range fd.Hunks {
		matches := headerCallablePattern.FindAllStringSubmatch(hunk.Section, -1)
		for _, match := range matches {
			name := match[1]
			if seen[name] {
				continue
			}
			seen[name] = true

			if file != nil {
				if c := file.LookupCallable(name); c != nil {
					ref := callableRef(c, fc)
					ref.FromFallback = true
					refs = append(refs, ref)
					fc.ClassContext[c.Name] = c.ClassName
					continue
				}
			}
			refs = append(refs, CallableRef{
				Name:          name,
				QualifiedName: name,
				FilePath:      fc.FilePath,
				ModulePath:    fc.ModulePath,
				FromFallback:  true,
			})
		}
	}
	return refs
}

// walkHunk computes added and removed DiffLines from one hunk body.
func walkHunk(hunk *diff.Hunk) (added, removed []DiffLine) {
	newLine := int(hunk.NewStartLine)
	origLine := int(hunk.OrigStartLine)

	for _, raw := range strings.Split(string(hunk.Body), "\n") {
		if raw == "" {
			continue
		}
		switch raw[0] {
		case '+':
			added = append(added, DiffLine{Num: newLine, Content: raw[1:]})
			newLine++
		case '-':
			removed = append(removed, DiffLine{Num: origLine, Content: raw[1:]})
			origLine++
		case '\\':
			// "\ No newline at end of file" marker.
		default:
			newLine++
			origLine++
		}
	}
	return added, removed
}

// assessRisk classifies a file change by the constructs it touches.
func assessRisk(fc *FileChange) ChangeRisk {
	if fc.HasKind(pysrc.KindException) || fc.HasKind(pysrc.KindComparison) {
		return RiskHigh
	}
	if fc.HasKind(pysrc.KindConditional) || fc.HasKind(pysrc.KindLoop) {
		return RiskMedium
	}
	return RiskLow
}

// stripDiffPrefix removes the conventional a/ and b/ path prefixes.
func stripDiffPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

// modulePath derives the dotted Python module path from a file path.
func modulePath(path string) string {
	p := strings.TrimSuffix(path, ".py")
	p = strings.TrimSuffix(p, "/__init__")
	return strings.ReplaceAll(p, "/", ".")
}

// dedupSorted removes duplicates from an already-sorted int slice.
func dedupSorted(lines []int) []int {
	if len(lines) < 2 {
		return lines
	}
	out := lines[:1]
	for _, line := range lines[1:] {
		if line != out[len(out)-1] {
			out = append(out, line)
		}
	}
	return out
}
