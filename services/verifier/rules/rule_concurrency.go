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
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/patchprobe/services/verifier/probe"
)

const (
	// concurrencyWorkers is the thread count hammering the target.
	concurrencyWorkers = 4

	// concurrencyIterations is the per-thread call count.
	concurrencyIterations = 5

	// concurrencyJoinSeconds bounds the whole join phase. Threads
	// still alive past it are treated as deadlocked.
	concurrencyJoinSeconds = 20
)

// concurrencyMarkers identify callables that coordinate threads.
var concurrencyMarkers = []string{"threading.", "Lock(", "RLock(", "Semaphore(", "Condition(", "Queue(", "acquire(", "release("}

// counterMarkers identify module-level counters whose final value is
// checked against the expected invocation count.
var counterMarkers = []string{"count", "counter", "total", "tally"}

// ConcurrencyRule hammers changed callables from several threads at
// once. Stuck joins surface deadlocks, worker exceptions surface torn
// shared state, and a module counter that ends below workers times
// iterations surfaces a lost update.
type ConcurrencyRule struct{}

// NewConcurrencyRule creates the rule.
func NewConcurrencyRule() *ConcurrencyRule {
	return &ConcurrencyRule{}
}

// ID implements Rule.
func (r *ConcurrencyRule) ID() string { return "concurrency" }

// Name implements Rule.
func (r *ConcurrencyRule) Name() string { return "Concurrent access safety" }

// Applies implements Rule.
func (r *ConcurrencyRule) Applies(ctx context.Context, rc *RunContext) bool {
	for _, t := range rc.Targets(ctx) {
		if touchesConcurrency(t) || (moduleCounter(t) != "" && !t.Ref.FromFallback) {
			return true
		}
	}
	return false
}

// Run implements Rule.
func (r *ConcurrencyRule) Run(ctx context.Context, rc *RunContext) *RuleResult {
	result := NewRuleResult(r.ID(), r.Name())

	for _, t := range rc.Targets(ctx) {
		counter := moduleCounter(t)
		if !touchesConcurrency(t) && (counter == "" || t.Ref.FromFallback) {
			continue
		}
		r.hammer(ctx, rc, t, counter, result)
	}
	return result
}

// hammer runs the worker pool against one target and classifies the
// wreckage.
func (r *ConcurrencyRule) hammer(ctx context.Context, rc *RunContext, t Target, counter string, result *RuleResult) {
	st := rc.Probe(ctx, t)
	if st == nil {
		return
	}

	body := targetSetup(t, st)
	body = append(body,
		"import threading",
		"import time",
		"_errors = []",
		"def _worker():",
		fmt.Sprintf("    for _ in range(%d):", concurrencyIterations),
		"        try:",
		fmt.Sprintf("            fn(**dict(%s))", st.KeywordArgs()),
		"        except (ValueError, TypeError, KeyError, AssertionError, NotImplementedError):",
		"            pass",
		"        except Exception as e:",
		`            _errors.append(type(e).__name__ + ": " + str(e))`,
		"if fn is not None:",
	)
	if counter != "" {
		body = append(body,
			fmt.Sprintf("    _c0 = getattr(target, %s, None)", probe.PyString(counter)),
		)
	}
	body = append(body,
		fmt.Sprintf("    _threads = [threading.Thread(target=_worker, daemon=True) for _ in range(%d)]", concurrencyWorkers),
		"    for _t in _threads:",
		"        _t.start()",
		fmt.Sprintf("    _deadline = time.time() + %d", concurrencyJoinSeconds),
		"    _stuck = 0",
		"    for _t in _threads:",
		"        _t.join(max(0.1, _deadline - time.time()))",
		"        if _t.is_alive():",
		"            _stuck += 1",
		`    _report["threads"] = {"stuck": _stuck, "error_count": len(_errors), "errors": _errors[:5]}`,
	)
	if counter != "" {
		body = append(body,
			fmt.Sprintf("    _c1 = getattr(target, %s, None)", probe.PyString(counter)),
			"    if isinstance(_c0, int) and isinstance(_c1, int):",
			`        _report["counter"] = {"start": _c0, "final": _c1}`,
		)
	}

	report := rc.RunHarness(ctx, t.Ref.FilePath, strings.Join(body, "\n"))
	if report == nil || report.ImportError != "" || !report.Has("threads") {
		return
	}

	var threads struct {
		Stuck      int      `json:"stuck"`
		ErrorCount int      `json:"error_count"`
		Errors     []string `json:"errors"`
	}
	if err := report.Decode("threads", &threads); err != nil {
		return
	}
	expected := concurrencyWorkers * concurrencyIterations
	result.AddMetric("concurrency_calls", float64(expected))

	if threads.Stuck > 0 {
		result.AddFinding(Finding{
			Severity: SeverityHigh,
			Target:   t.Ref.QualifiedName,
			FilePath: t.Ref.FilePath,
			Line:     t.Ref.StartLine,
			Message: fmt.Sprintf("%d of %d threads never finished; the changed locking deadlocks under contention",
				threads.Stuck, concurrencyWorkers),
		})
	}
	if threads.ErrorCount > 0 {
		result.AddFinding(Finding{
			Severity: SeverityMedium,
			Target:   t.Ref.QualifiedName,
			FilePath: t.Ref.FilePath,
			Line:     t.Ref.StartLine,
			Message: fmt.Sprintf("%d worker exceptions across %d concurrent calls point at unguarded shared state",
				threads.ErrorCount, expected),
			Evidence: strings.Join(threads.Errors, "; "),
		})
	}

	if counter != "" && report.Has("counter") {
		var c struct {
			Start int `json:"start"`
			Final int `json:"final"`
		}
		if err := report.Decode("counter", &c); err == nil {
			if advanced := c.Final - c.Start; advanced < expected {
				result.AddFinding(Finding{
					Severity: SeverityHigh,
					Target:   t.Ref.QualifiedName,
					FilePath: t.Ref.FilePath,
					Line:     t.Ref.StartLine,
					Message: fmt.Sprintf("%s advanced by %d across %d concurrent invocations; updates were lost",
						counter, advanced, expected),
					Evidence: fmt.Sprintf("start=%d final=%d", c.Start, c.Final),
				})
			}
		}
	}
}

// touchesConcurrency reports whether the callable's source mentions a
// thread coordination construct.
func touchesConcurrency(t Target) bool {
	if t.File == nil || t.Ref.FromFallback {
		return false
	}
	c := t.Callable()
	if c == nil {
		return false
	}
	src := t.File.CallableSource(c)
	for _, marker := range concurrencyMarkers {
		if strings.Contains(src, marker) {
			return true
		}
	}
	// Methods on classes whose constructor takes a lock also qualify.
	if t.Ref.IsMethod() {
		if class, ok := t.File.Classes[t.Ref.ClassName]; ok && class.Init != nil {
			initSrc := t.File.CallableSource(class.Init)
			for _, marker := range concurrencyMarkers {
				if strings.Contains(initSrc, marker) {
					return true
				}
			}
		}
	}
	return false
}

// moduleCounter returns the name of an integer module variable whose
// name marks it as a counter, or "".
func moduleCounter(t Target) string {
	if t.File == nil {
		return ""
	}
	for _, v := range t.File.Vars {
		if _, ok := v.Value.(int64); !ok {
			continue
		}
		lower := strings.ToLower(v.Name)
		for _, marker := range counterMarkers {
			if strings.Contains(lower, marker) {
				return v.Name
			}
		}
	}
	return ""
}
