// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rules houses the verification rules and the engine that runs
// them against a change map.
//
// # Description
//
// Each rule inspects the changed code from one angle: boundary
// behavior, predicate influence, state transitions, definition-use
// pairing, resource lifecycle, exception paths, call ordering, schema
// shape, and concurrency safety. Rules combine static analysis of the
// parsed source with dynamic probes executed through generated Python
// harnesses. A rule that does not apply to a change skips rather than
// passes, so a clean run states what was actually checked.
//
// # Thread Safety
//
// Rules run one at a time by default so their probes never contend
// for the interpreter. WithConcurrency raises the bound; rules only
// read the shared RunContext, so doing so is safe.
package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// defaultConcurrency keeps rule execution sequential unless a caller
// opts in to parallelism.
const defaultConcurrency = 1

// =============================================================================
// Rule Interface
// =============================================================================

// Rule is one verification angle.
type Rule interface {
	// ID is the stable rule identifier.
	ID() string

	// Name is the human-readable rule name.
	Name() string

	// Applies reports whether the change gives the rule anything to do.
	Applies(ctx context.Context, rc *RunContext) bool

	// Run executes the rule. Implementations return a result in every
	// case; panics are the engine's problem.
	Run(ctx context.Context, rc *RunContext) *RuleResult
}

// DefaultRules returns the full rule set in execution order.
func DefaultRules() []Rule {
	return []Rule{
		NewBoundaryRule(),
		NewPredicateRule(),
		NewTransitionRule(),
		NewDefUseRule(),
		NewLifecycleRule(),
		NewExceptionRule(),
		NewOrderingRule(),
		NewSchemaRule(),
		NewConcurrencyRule(),
	}
}

// =============================================================================
// Engine
// =============================================================================

// Engine runs a rule set against one change.
type Engine struct {
	rules       []Rule
	disabled    map[string]bool
	concurrency int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRules replaces the default rule set.
func WithRules(rules ...Rule) EngineOption {
	return func(e *Engine) {
		if len(rules) > 0 {
			e.rules = rules
		}
	}
}

// WithDisabled turns off rules by ID.
func WithDisabled(ids ...string) EngineOption {
	return func(e *Engine) {
		for _, id := range ids {
			e.disabled[id] = true
		}
	}
}

// WithOnly restricts the engine to the named rules. Unknown IDs are
// the caller's problem; ValidateRuleIDs exists to catch them first.
func WithOnly(ids ...string) EngineOption {
	return func(e *Engine) {
		keep := make(map[string]bool, len(ids))
		for _, id := range ids {
			keep[id] = true
		}
		var out []Rule
		for _, r := range e.rules {
			if keep[r.ID()] {
				out = append(out, r)
			}
		}
		e.rules = out
	}
}

// ValidateRuleIDs reports the first ID that names no default rule.
func ValidateRuleIDs(ids ...string) error {
	known := make(map[string]bool)
	for _, r := range DefaultRules() {
		known[r.ID()] = true
	}
	for _, id := range ids {
		if !known[id] {
			return fmt.Errorf("unknown rule id %q", id)
		}
	}
	return nil
}

// WithConcurrency bounds parallel rule execution.
func WithConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// NewEngine creates an Engine with the default rule set.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		rules:       DefaultRules(),
		disabled:    make(map[string]bool),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the engine's active rules.
func (e *Engine) Rules() []Rule {
	var out []Rule
	for _, r := range e.rules {
		if !e.disabled[r.ID()] {
			out = append(out, r)
		}
	}
	return out
}

// Run executes every active rule and aggregates the results.
//
// Description:
//
//	Rules run in declaration order, one at a time unless the engine
//	was built with a higher concurrency bound. A rule that
//	does not apply is recorded as skipped; a rule that panics is
//	recorded as errored without taking the run down. Results come
//	back in stable rule order regardless of completion order.
//
// Inputs:
//   - ctx: context for cancellation. Must not be nil.
//   - rc: the shared run context. Must not be nil.
//
// Outputs:
//   - *Summary: one result per active rule.
//   - error: validation or context cancellation only.
func (e *Engine) Run(ctx context.Context, rc *RunContext) (*Summary, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if rc == nil || rc.Changes == nil {
		return nil, ErrNilRunContext
	}

	active := e.Rules()
	summary := &Summary{
		StartedAt: time.Now(),
		Results:   make([]*RuleResult, len(active)),
	}

	ctx, span := startRunSpan(ctx, len(active))
	defer span.End()

	// Shared state is materialized once, before rules race for it.
	rc.Targets(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, rule := range active {
		i, rule := i, rule
		g.Go(func() error {
			summary.Results[i] = e.runOne(gctx, rule, rc)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary.Duration = time.Since(summary.StartedAt)
	span.SetAttributes(attribute.Bool("rules.failed", summary.Failed()))
	recordRun(ctx, len(active), summary.Failed(), summary.Duration)
	rc.Logger.Info("rule run complete",
		"rules", len(active),
		"failed", summary.Failed(),
		"duration", summary.Duration)
	return summary, nil
}

func (e *Engine) runOne(ctx context.Context, rule Rule, rc *RunContext) (result *RuleResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = NewRuleResult(rule.ID(), rule.Name())
			result.MarkError(fmt.Sprintf("rule panicked: %v", r))
		}
		result.Duration = time.Since(start)
		recordRule(ctx, rule.ID(), string(result.Status), result.Duration)
	}()

	if !rule.Applies(ctx, rc) {
		result = NewRuleResult(rule.ID(), rule.Name())
		result.Skip("change contains nothing this rule inspects")
		return result
	}

	rc.Logger.Debug("running rule", "rule", rule.ID())
	result = rule.Run(ctx, rc)
	if result == nil {
		result = NewRuleResult(rule.ID(), rule.Name())
		result.MarkError("rule returned no result")
	}
	return result
}

// SortFindings orders findings by file, line, then rule for stable
// output.
func SortFindings(findings []Finding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.RuleID < b.RuleID
	})
}
