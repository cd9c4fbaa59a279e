// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Severity and Status
// =============================================================================

// Severity grades a finding. Any finding fails its rule; severity only
// ranks how urgent the defect is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// Status is a rule result's lifecycle state.
type Status string

const (
	// StatusPassed means the rule ran and found nothing failing.
	StatusPassed Status = "passed"

	// StatusFailed means at least one failing finding was recorded.
	// Failed is terminal: no later event reverts it.
	StatusFailed Status = "failed"

	// StatusSkipped means the rule did not apply to this change.
	StatusSkipped Status = "skipped"

	// StatusError means the rule itself could not run to completion.
	StatusError Status = "error"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// =============================================================================
// Findings
// =============================================================================

// Finding is one observation a rule made about the change.
type Finding struct {
	// ID is a unique identifier assigned when the finding is recorded.
	ID string `json:"id"`

	// RuleID identifies the producing rule, assigned on record.
	RuleID string `json:"rule_id"`

	// Severity grades the finding.
	Severity Severity `json:"severity"`

	// Target is the qualified name of the callable involved, if any.
	Target string `json:"target,omitempty"`

	// FilePath and Line locate the finding in the source.
	FilePath string `json:"file_path,omitempty"`
	Line     int    `json:"line,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Evidence is supporting detail (probe output, diff text).
	Evidence string `json:"evidence,omitempty"`
}

// =============================================================================
// Rule Results
// =============================================================================

// RuleResult accumulates one rule's findings.
//
// Status transitions are monotonic toward failure: a result starts
// passed, flips to failed the instant the first finding is appended,
// and never flips back. A result is passed iff it has no findings.
// Skip and error are recorded only while the result has not already
// failed.
type RuleResult struct {
	RuleID   string             `json:"rule_id"`
	RuleName string             `json:"rule_name"`
	Status   Status             `json:"status"`
	Findings []Finding          `json:"findings,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Duration time.Duration      `json:"duration_ns"`
}

// NewRuleResult creates a passed result for a rule.
func NewRuleResult(id, name string) *RuleResult {
	return &RuleResult{
		RuleID:   id,
		RuleName: name,
		Status:   StatusPassed,
	}
}

// AddFinding records a finding, assigning its identifiers. Any finding
// fails the result.
func (r *RuleResult) AddFinding(f Finding) {
	f.ID = uuid.New().String()
	f.RuleID = r.RuleID
	r.Findings = append(r.Findings, f)
	r.Status = StatusFailed
}

// AddMetric records a named measurement on the result. Repeated adds
// under the same name accumulate.
func (r *RuleResult) AddMetric(name string, value float64) {
	if r.Metrics == nil {
		r.Metrics = make(map[string]float64)
	}
	r.Metrics[name] += value
}

// Skip marks the rule not applicable. A result that already failed
// stays failed.
func (r *RuleResult) Skip(reason string) {
	if r.Status == StatusFailed {
		return
	}
	r.Status = StatusSkipped
	r.Reason = reason
}

// MarkError records that the rule could not complete. Findings made
// before the error are kept, and a failed status is not weakened.
func (r *RuleResult) MarkError(reason string) {
	if r.Status == StatusFailed {
		return
	}
	r.Status = StatusError
	r.Reason = reason
}

// =============================================================================
// Summary
// =============================================================================

// Summary is the engine's aggregate outcome.
type Summary struct {
	Results   []*RuleResult `json:"results"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Failed reports whether any rule failed.
func (s *Summary) Failed() bool {
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Counts tallies results by status.
func (s *Summary) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, r := range s.Results {
		counts[r.Status]++
	}
	return counts
}

// AllFindings flattens every rule's findings in rule order.
func (s *Summary) AllFindings() []Finding {
	var out []Finding
	for _, r := range s.Results {
		out = append(out, r.Findings...)
	}
	return out
}

// Result returns the result for a rule ID, or nil.
func (s *Summary) Result(ruleID string) *RuleResult {
	for _, r := range s.Results {
		if r.RuleID == ruleID {
			return r
		}
	}
	return nil
}
