// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package strategy resolves input strategies for changed callables.
//
// # Description
//
// An input strategy answers the question "with what arguments can this
// callable be invoked, and how is its receiver constructed". Resolution
// runs through three tiers and never fails:
//
//  1. learned: construction and call patterns mined from the project's
//     existing test files, ranked by frequency;
//  2. signature: inference from parameter defaults, annotations, and
//     naming conventions;
//  3. generic: a fixed ladder of safe values.
//
// # Thread Safety
//
// Provider is safe for concurrent use. InputStrategy values are
// immutable after resolution.
package strategy

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/patchprobe/services/verifier/diffmap"
)

// =============================================================================
// Tiers
// =============================================================================

// Tier identifies which resolution tier produced a strategy.
type Tier string

const (
	// TierLearned means the strategy was mined from existing tests.
	TierLearned Tier = "learned"

	// TierSignature means the strategy was inferred from the signature.
	TierSignature Tier = "signature"

	// TierGeneric means the fixed fallback ladder was used.
	TierGeneric Tier = "generic"
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	return string(t)
}

// =============================================================================
// Plans
// =============================================================================

// ArgPlan is the invocation plan for one parameter.
type ArgPlan struct {
	// Param is the parameter name.
	Param string `json:"param"`

	// Expr is the primary Python expression to pass.
	Expr string `json:"expr"`

	// Boundaries are alternative expressions probing the parameter's
	// edges (zero, negative, empty, extreme).
	Boundaries []string `json:"boundaries,omitempty"`
}

// InstancePlan describes how to construct a method's receiver.
type InstancePlan struct {
	// Expr is a Python expression constructing the instance.
	Expr string `json:"expr"`

	// Tier records which tier produced the construction.
	Tier Tier `json:"tier"`
}

// InstancePattern is one constructor call pattern mined from tests.
type InstancePattern struct {
	// Expr is the reconstructed constructor expression.
	Expr string `json:"expr"`

	// Count is how many times the pattern appeared.
	Count int `json:"count"`
}

// ClassProfile aggregates the mined construction patterns of one class.
type ClassProfile struct {
	ClassName string            `json:"class_name"`
	Patterns  []InstancePattern `json:"patterns"`
}

// Best returns the most frequent pattern, or nil when none were mined.
func (p *ClassProfile) Best() *InstancePattern {
	if p == nil || len(p.Patterns) == 0 {
		return nil
	}
	return &p.Patterns[0]
}

// =============================================================================
// Input Strategy
// =============================================================================

// InputStrategy is the resolved invocation plan for one callable.
type InputStrategy struct {
	// Target is the callable the strategy applies to.
	Target diffmap.CallableRef `json:"target"`

	// Tier is the tier that produced the argument plans.
	Tier Tier `json:"tier"`

	// Args are the per-parameter plans, in declaration order.
	Args []ArgPlan `json:"args,omitempty"`

	// Instance is the receiver construction plan, nil for functions.
	Instance *InstancePlan `json:"instance,omitempty"`
}

// KeywordArgs renders the primary plan as "a=1, b='x'".
func (s *InputStrategy) KeywordArgs() string {
	parts := make([]string, 0, len(s.Args))
	for _, a := range s.Args {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Param, a.Expr))
	}
	return strings.Join(parts, ", ")
}

// ArgsWith renders the keyword arguments with one parameter substituted.
func (s *InputStrategy) ArgsWith(param, expr string) string {
	parts := make([]string, 0, len(s.Args))
	for _, a := range s.Args {
		if a.Param == param {
			parts = append(parts, fmt.Sprintf("%s=%s", a.Param, expr))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%s", a.Param, a.Expr))
		}
	}
	return strings.Join(parts, ", ")
}

// Arg returns the plan for a parameter name, or nil.
func (s *InputStrategy) Arg(param string) *ArgPlan {
	for i := range s.Args {
		if s.Args[i].Param == param {
			return &s.Args[i]
		}
	}
	return nil
}

// ConstructExpr returns the receiver construction expression, or "" for
// module-level functions.
func (s *InputStrategy) ConstructExpr() string {
	if s.Instance == nil {
		return ""
	}
	return s.Instance.Expr
}
