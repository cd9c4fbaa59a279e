// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
)

// =============================================================================
// Provider
// =============================================================================

// Provider resolves input strategies through the three-tier chain and
// caches the results per callable.
//
// Resolution never fails: when the learned tier finds nothing and the
// signature carries no usable information, the generic ladder applies.
type Provider struct {
	repoRoot   string
	parser     *pysrc.Parser
	learner    *Learner
	inferencer *SignatureInferencer
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]*InputStrategy
	group singleflight.Group
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithProviderParser sets a custom source parser.
func WithProviderParser(p *pysrc.Parser) ProviderOption {
	return func(pr *Provider) {
		if p != nil {
			pr.parser = p
		}
	}
}

// WithLearner sets a custom pattern learner.
func WithLearner(l *Learner) ProviderOption {
	return func(pr *Provider) {
		if l != nil {
			pr.learner = l
		}
	}
}

// WithProviderLogger sets a custom logger.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(pr *Provider) {
		if logger != nil {
			pr.logger = logger
		}
	}
}

// NewProvider creates a Provider rooted at the given repository.
func NewProvider(repoRoot string, opts ...ProviderOption) *Provider {
	p := &Provider{
		repoRoot:   repoRoot,
		parser:     pysrc.NewParser(),
		inferencer: NewSignatureInferencer(),
		logger:     slog.Default(),
		cache:      make(map[string]*InputStrategy),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.learner == nil {
		p.learner = NewLearner(repoRoot, WithLearnerParser(p.parser))
	}
	return p
}

// StrategyFor resolves the input strategy for one callable.
//
// Description:
//
//	Concurrent requests for the same callable are deduplicated; the
//	first caller resolves, the rest share the result. Resolution walks
//	the tiers in order and stops at the first that produces a plan.
//
// Inputs:
//   - ctx: context for cancellation. Must not be nil.
//   - ref: the callable to resolve.
//
// Outputs:
//   - *InputStrategy: never nil on nil error.
//   - error: nil context or cancellation only.
func (p *Provider) StrategyFor(ctx context.Context, ref diffmap.CallableRef) (*InputStrategy, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	key := ref.FilePath + "::" + ref.QualifiedName

	p.mu.RLock()
	cached, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}

	result, err, _ := p.group.Do(key, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		s := p.resolve(ctx, ref)

		p.mu.Lock()
		p.cache[key] = s
		p.mu.Unlock()

		recordResolve(ctx, string(s.Tier), time.Since(start))
		p.logger.Debug("strategy resolved",
			"target", ref.QualifiedName, "tier", s.Tier, "args", len(s.Args))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*InputStrategy), nil
}

// Reset clears the strategy cache and discards learned patterns, forcing
// the next resolution to re-mine the test files.
func (p *Provider) Reset() {
	p.mu.Lock()
	p.cache = make(map[string]*InputStrategy)
	p.mu.Unlock()

	p.learner.Close()
	p.learner = NewLearner(p.repoRoot, WithLearnerParser(p.parser), WithLearnerLogger(p.logger))
}

// CacheSize returns the number of cached strategies.
func (p *Provider) CacheSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cache)
}

// resolve runs the tier chain for one callable.
func (p *Provider) resolve(ctx context.Context, ref diffmap.CallableRef) *InputStrategy {
	s := &InputStrategy{Target: ref}

	if plans, ok := p.learnedArgs(ctx, ref); ok {
		s.Tier = TierLearned
		s.Args = plans
	} else if len(ref.Params) > 0 && paramsHaveSignal(ref.Params) {
		s.Tier = TierSignature
		s.Args = p.inferencer.Infer(ref.Params)
	} else {
		s.Tier = TierGeneric
		s.Args = GenericPlans(ref.Params)
	}

	if ref.IsMethod() {
		s.Instance = p.instancePlan(ctx, ref)
	}
	return s
}

// learnedArgs builds argument plans from mined call sites, filling
// parameters missing at the call site from the signature.
func (p *Provider) learnedArgs(ctx context.Context, ref diffmap.CallableRef) ([]ArgPlan, bool) {
	if len(ref.Params) == 0 {
		return nil, false
	}
	// Call sites reference methods through the receiver, so the bare
	// name is what appears in tests for functions and methods alike.
	cons, err := p.learner.LearnCall(ctx, ref.Name)
	if err != nil || len(cons) == 0 {
		return nil, false
	}

	best := mostCommonCall(cons)
	inferred := p.inferencer.Infer(ref.Params)
	plans := make([]ArgPlan, len(ref.Params))
	matched := false
	for i, param := range ref.Params {
		plans[i] = inferred[i]
		if i < len(best.Args) {
			plans[i].Expr = best.Args[i].Raw
			matched = true
		} else if lit, ok := best.Kwargs[param.Name]; ok {
			plans[i].Expr = lit.Raw
			matched = true
		}
	}
	return plans, matched
}

// instancePlan resolves receiver construction through the tier chain.
func (p *Provider) instancePlan(ctx context.Context, ref diffmap.CallableRef) *InstancePlan {
	profile, err := p.learner.LearnClass(ctx, ref.ClassName)
	if err == nil {
		if best := profile.Best(); best != nil {
			return &InstancePlan{Expr: best.Expr, Tier: TierLearned}
		}
	}

	if class := p.lookupClass(ctx, ref); class != nil && class.Init != nil {
		plans := p.inferencer.Infer(class.Init.Params)
		args := make([]string, 0, len(plans))
		for _, plan := range plans {
			args = append(args, fmt.Sprintf("%s=%s", plan.Param, plan.Expr))
		}
		return &InstancePlan{
			Expr: fmt.Sprintf("%s(%s)", ref.ClassName, joinArgs(args)),
			Tier: TierSignature,
		}
	}

	return &InstancePlan{
		Expr: fmt.Sprintf("%s()", ref.ClassName),
		Tier: TierGeneric,
	}
}

// lookupClass parses the callable's source file and finds its class.
func (p *Provider) lookupClass(ctx context.Context, ref diffmap.CallableRef) *pysrc.Class {
	content, err := os.ReadFile(filepath.Join(p.repoRoot, ref.FilePath))
	if err != nil {
		return nil
	}
	file, err := p.parser.Parse(ctx, content, ref.FilePath)
	if err != nil {
		return nil
	}
	defer file.Close()

	return file.Classes[ref.ClassName]
}

// paramsHaveSignal reports whether any parameter carries a default,
// annotation, or recognizable name.
func paramsHaveSignal(params []pysrc.Param) bool {
	for _, p := range params {
		if p.HasDefault || p.Annotation != "" {
			return true
		}
		if _, _, ok := byName(p.Name); ok {
			return true
		}
	}
	return false
}

// mostCommonCall picks the most frequent call shape, ties broken by
// rendered text.
func mostCommonCall(cons []pysrc.Construction) pysrc.Construction {
	counts := make(map[string]int)
	byKey := make(map[string]pysrc.Construction)
	for _, con := range cons {
		key := renderConstruction("", con)
		counts[key]++
		if _, ok := byKey[key]; !ok {
			byKey[key] = con
		}
	}
	bestKey := ""
	bestCount := 0
	for key, count := range counts {
		if count > bestCount || (count == bestCount && key < bestKey) {
			bestKey, bestCount = key, count
		}
	}
	return byKey[bestKey]
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}
