// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/patchprobe/pkg/validation"
	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
	"github.com/AleutianAI/patchprobe/services/verifier/probe"
	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
	"github.com/AleutianAI/patchprobe/services/verifier/strategy"
)

// maxBoundaryParams caps how many parameters get boundary cases each.
const maxBoundaryParams = 3

const moduleAlias = "_mod"

// =============================================================================
// Synthesizer
// =============================================================================

// Synthesizer turns a ChangeMap into generated pytest files.
type Synthesizer struct {
	repoRoot    string
	provider    *strategy.Provider
	snapshotDir string
	logger      *slog.Logger
}

// SynthOption configures a Synthesizer.
type SynthOption func(*Synthesizer)

// WithSnapshotDir points at a pre-patch source snapshot, enabling
// differential templates.
func WithSnapshotDir(dir string) SynthOption {
	return func(s *Synthesizer) {
		s.snapshotDir = dir
	}
}

// WithSynthLogger sets a custom logger.
func WithSynthLogger(logger *slog.Logger) SynthOption {
	return func(s *Synthesizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(repoRoot string, provider *strategy.Provider, opts ...SynthOption) *Synthesizer {
	s := &Synthesizer{
		repoRoot: repoRoot,
		provider: provider,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize generates one pytest file per changed source file.
//
// Inputs:
//   - ctx: context for cancellation. Must not be nil.
//   - cm: the change map to target. Files with no callables yield no
//     output; fallback-only callables yield existence assertions.
//
// Outputs:
//   - *Program: never nil on nil error; may contain zero files.
//   - error: nil context or strategy resolution failure only.
func (s *Synthesizer) Synthesize(ctx context.Context, cm *diffmap.ChangeMap) (*Program, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if cm == nil {
		return nil, ErrNilChangeMap
	}

	program := &Program{}
	for _, fc := range cm.Files {
		file, err := s.synthesizeFile(ctx, fc)
		if err != nil {
			return nil, err
		}
		if file != nil {
			program.Files = append(program.Files, file)
		}
	}

	s.logger.Info("tests synthesized",
		"files", len(program.Files),
		"cases", program.CaseCount())
	return program, nil
}

func (s *Synthesizer) synthesizeFile(ctx context.Context, fc *diffmap.FileChange) (*GeneratedFile, error) {
	if len(fc.Callables) == 0 {
		return nil, nil
	}
	if err := validation.ValidateModulePath(fc.ModulePath); err != nil {
		s.logger.Warn("skipping file with unsafe module path", "path", fc.FilePath, "error", err)
		return nil, nil
	}

	b := NewBuilder()
	b.AddImport(fmt.Sprintf("import %s as %s", fc.ModulePath, moduleAlias))
	b.AddHelper("_invoke",
		"def _invoke(fn, **kwargs):",
		"    try:",
		"        return True, fn(**kwargs)",
		"    except (ValueError, TypeError, KeyError, AssertionError) as exc:",
		"        return False, exc",
	)
	b.AddHelper("_stable",
		"",
		"def _stable(fn, **kwargs):",
		"    ok1, r1 = _invoke(fn, **kwargs)",
		"    ok2, r2 = _invoke(fn, **kwargs)",
		"    assert ok1 == ok2, f\"outcome flipped between identical calls: {r1!r} vs {r2!r}\"",
		"    assert type(r1) is type(r2), f\"result type changed between identical calls: {type(r1)} vs {type(r2)}\"",
		"    if ok1:",
		"        assert repr(r1) == repr(r2), f\"result changed between identical calls: {r1!r} vs {r2!r}\"",
		"    return ok1, r1",
	)

	for _, c := range fc.Callables {
		if c.FromFallback && c.StartLine == 0 {
			b.Add(existenceCase(c))
			continue
		}
		st, err := s.provider.StrategyFor(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("resolve strategy for %s: %w", c.QualifiedName, err)
		}
		s.addCases(b, fc, c, st)
	}

	if b.Empty() {
		return nil, nil
	}
	header := fmt.Sprintf("Generated probes for %s (%d changed lines).", fc.FilePath, len(fc.ChangedLines))
	return &GeneratedFile{
		Path:   testFileName(fc.ModulePath),
		Source: b.Render(header),
		Cases:  b.Cases(),
	}, nil
}

// addCases emits the template set one callable earns from its change
// kinds and signature. The determinism property case is unconditional;
// the rest depend on what kind of node changed.
func (s *Synthesizer) addCases(b *Builder, fc *diffmap.FileChange, c diffmap.CallableRef, st *strategy.InputStrategy) {
	if fc.HasKind(pysrc.KindComparison) || fc.HasKind(pysrc.KindConditional) {
		for _, tc := range boundaryCases(c, st) {
			b.Add(tc)
		}
	}
	if fc.HasKind(pysrc.KindLoop) {
		if tc, ok := loopCase(c, st); ok {
			b.Add(tc)
		}
	}
	if fc.HasKind(pysrc.KindException) {
		if tc, ok := exceptionCase(c, st); ok {
			b.Add(tc)
		}
	}
	b.Add(propertyCase(b, c, st))
	if s.snapshotDir != "" && !c.IsMethod() {
		if tc, ok := s.differentialCase(b, fc, c, st); ok {
			b.Add(tc)
		}
	}
}

// =============================================================================
// Templates
// =============================================================================

// setupLines binds "fn" to the target callable, constructing the
// receiver first for methods. Construction failure skips rather than
// errors: the probe is about the callable, not its constructor.
func setupLines(c diffmap.CallableRef, st *strategy.InputStrategy) []string {
	if !c.IsMethod() {
		return []string{fmt.Sprintf("fn = %s.%s", moduleAlias, c.Name)}
	}
	return []string{
		"try:",
		fmt.Sprintf("    inst = %s.%s", moduleAlias, st.ConstructExpr()),
		"except Exception:",
		fmt.Sprintf("    pytest.skip(%s)", probe.PyString("receiver construction failed")),
		fmt.Sprintf("fn = inst.%s", c.Name),
	}
}

func testName(c diffmap.CallableRef, suffix string) string {
	flat := strings.ToLower(strings.ReplaceAll(c.QualifiedName, ".", "_"))
	return fmt.Sprintf("test_%s_%s", flat, suffix)
}

// boundaryCases emits one case per parameter that has boundary values,
// probing each boundary while the other arguments hold their primary
// values.
func boundaryCases(c diffmap.CallableRef, st *strategy.InputStrategy) []TestCase {
	var cases []TestCase
	for i, plan := range st.Args {
		if i >= maxBoundaryParams {
			break
		}
		if len(plan.Boundaries) == 0 {
			continue
		}
		body := setupLines(c, st)
		for _, boundary := range plan.Boundaries {
			body = append(body, fmt.Sprintf("_stable(fn, %s)", st.ArgsWith(plan.Param, boundary)))
		}
		cases = append(cases, TestCase{
			Name:   testName(c, "boundary_"+plan.Param),
			Kind:   KindBoundary,
			Target: c.QualifiedName,
			Body:   body,
		})
	}
	return cases
}

// loopCase drives a collection parameter through empty, singleton, and
// large shapes.
func loopCase(c diffmap.CallableRef, st *strategy.InputStrategy) (TestCase, bool) {
	param := ""
	for _, plan := range st.Args {
		if plan.Expr == "[]" || plan.Expr == "{}" || plan.Expr == "()" || plan.Expr == "set()" {
			param = plan.Param
			break
		}
	}
	if param == "" {
		return TestCase{}, false
	}

	body := setupLines(c, st)
	body = append(body,
		"for shape in ([], [0], list(range(100))):",
		fmt.Sprintf("    _invoke(fn, %s)", st.ArgsWith(param, "shape")),
	)
	return TestCase{
		Name:   testName(c, "collection_shapes"),
		Kind:   KindLoop,
		Target: c.QualifiedName,
		Body:   body,
	}, true
}

// exceptionCase asserts the callable still rejects a hostile value for
// its first required parameter.
func exceptionCase(c diffmap.CallableRef, st *strategy.InputStrategy) (TestCase, bool) {
	param := ""
	for _, p := range c.Params {
		if !p.HasDefault {
			param = p.Name
			break
		}
	}
	if param == "" {
		return TestCase{}, false
	}

	body := setupLines(c, st)
	body = append(body,
		"with pytest.raises(Exception):",
		fmt.Sprintf("    fn(%s)", st.ArgsWith(param, "object()")),
	)
	return TestCase{
		Name:   testName(c, "rejects_invalid_"+param),
		Kind:   KindException,
		Target: c.QualifiedName,
		Body:   body,
	}, true
}

// propertyCase emits the determinism check every changed callable
// gets: two calls with identical arguments must agree in outcome,
// result type, and value. When a numeric annotated parameter exists
// the inputs come from hypothesis; otherwise the primary arguments
// are reused.
func propertyCase(b *Builder, c diffmap.CallableRef, st *strategy.InputStrategy) TestCase {
	param, pyStrategy := "", ""
	for i, p := range c.Params {
		if i >= len(st.Args) {
			break
		}
		switch {
		case p.Annotation == "int":
			param, pyStrategy = p.Name, "hyp_st.integers(min_value=-10**6, max_value=10**6)"
		case p.Annotation == "float":
			param, pyStrategy = p.Name, "hyp_st.floats(allow_nan=False, allow_infinity=False)"
		}
		if param != "" {
			break
		}
	}

	tc := TestCase{
		Kind:   KindProperty,
		Target: c.QualifiedName,
	}
	body := setupLines(c, st)
	if param != "" {
		b.AddImport("from hypothesis import given")
		b.AddImport("from hypothesis import strategies as hyp_st")
		tc.Name = testName(c, "property_"+param)
		tc.Decorators = []string{fmt.Sprintf("@given(%s=%s)", param, pyStrategy)}
		body = append(body, fmt.Sprintf("_stable(fn, %s)", st.ArgsWith(param, param)))
	} else {
		tc.Name = testName(c, "property")
		body = append(body, fmt.Sprintf("_stable(fn, %s)", st.KeywordArgs()))
	}
	tc.Body = body
	return tc
}

// differentialCase compares the callable's behavior between the
// pre-patch snapshot and the current source on primary and boundary
// inputs. Divergence fails the test: an intended behavior change shows
// up as an explicit, reviewable failure.
func (s *Synthesizer) differentialCase(b *Builder, fc *diffmap.FileChange, c diffmap.CallableRef, st *strategy.InputStrategy) (TestCase, bool) {
	oldPath := filepath.Join(s.snapshotDir, fc.FilePath)
	if _, err := os.Stat(oldPath); err != nil {
		return TestCase{}, false
	}

	b.AddHelper("_load",
		"",
		"def _load(path, name):",
		"    import importlib.util",
		"    spec = importlib.util.spec_from_file_location(name, path)",
		"    mod = importlib.util.module_from_spec(spec)",
		"    spec.loader.exec_module(mod)",
		"    return mod",
	)

	inputs := []string{fmt.Sprintf("dict(%s)", st.KeywordArgs())}
	for _, plan := range st.Args {
		for i, boundary := range plan.Boundaries {
			if i >= 2 {
				break
			}
			inputs = append(inputs, fmt.Sprintf("dict(%s)", st.ArgsWith(plan.Param, boundary)))
		}
	}

	body := []string{
		fmt.Sprintf("old = _load(%s, %s)", probe.PyString(oldPath), probe.PyString("pre_"+c.Name)),
		fmt.Sprintf("new = _load(%s, %s)", probe.PyString(fc.FilePath), probe.PyString("post_"+c.Name)),
		fmt.Sprintf("old_fn = getattr(old, %s, None)", probe.PyString(c.Name)),
		fmt.Sprintf("new_fn = getattr(new, %s, None)", probe.PyString(c.Name)),
		"if old_fn is None or new_fn is None:",
		fmt.Sprintf("    pytest.skip(%s)", probe.PyString("callable absent in one version")),
		fmt.Sprintf("for kwargs in [%s]:", strings.Join(inputs, ", ")),
		"    try:",
		"        before = repr(old_fn(**kwargs))",
		"    except Exception as exc:",
		"        before = type(exc).__name__",
		"    try:",
		"        after = repr(new_fn(**kwargs))",
		"    except Exception as exc:",
		"        after = type(exc).__name__",
		"    assert before == after, f\"divergence on {kwargs}: {before} != {after}\"",
	}
	return TestCase{
		Name:   testName(c, "differential"),
		Kind:   KindDifferential,
		Target: c.QualifiedName,
		Body:   body,
	}, true
}

// existenceCase degrades to asserting the callable exists when it was
// recovered without a precise span and cannot be safely invoked.
func existenceCase(c diffmap.CallableRef) TestCase {
	var body []string
	if c.IsMethod() {
		body = []string{
			fmt.Sprintf("cls = getattr(%s, %s, None)", moduleAlias, probe.PyString(c.ClassName)),
			"assert cls is not None",
			fmt.Sprintf("assert callable(getattr(cls, %s, None))", probe.PyString(c.Name)),
		}
	} else {
		body = []string{
			fmt.Sprintf("assert callable(getattr(%s, %s, None))", moduleAlias, probe.PyString(c.Name)),
		}
	}
	return TestCase{
		Name:   testName(c, "exists"),
		Kind:   KindExistence,
		Target: c.QualifiedName,
		Body:   body,
	}
}
