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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("patchprobe.rules")

var (
	metricsOnce sync.Once

	runLatency  metric.Float64Histogram
	runTotal    metric.Int64Counter
	ruleLatency metric.Float64Histogram
	ruleTotal   metric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("patchprobe.rules")

	var err error
	runLatency, err = meter.Float64Histogram(
		"rules.run.duration",
		metric.WithDescription("Time for one full rule run"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		runLatency = nil
	}

	runTotal, err = meter.Int64Counter(
		"rules.run.total",
		metric.WithDescription("Number of rule runs"),
	)
	if err != nil {
		runTotal = nil
	}

	ruleLatency, err = meter.Float64Histogram(
		"rules.rule.duration",
		metric.WithDescription("Time for one rule"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		ruleLatency = nil
	}

	ruleTotal, err = meter.Int64Counter(
		"rules.rule.total",
		metric.WithDescription("Rule executions by status"),
	)
	if err != nil {
		ruleTotal = nil
	}
}

// startRunSpan opens a span covering one full rule run.
func startRunSpan(ctx context.Context, ruleCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.Run",
		trace.WithAttributes(
			attribute.Int("rules.active", ruleCount),
		),
	)
}

func recordRun(ctx context.Context, ruleCount int, failed bool, duration time.Duration) {
	metricsOnce.Do(initMetrics)

	attrs := metric.WithAttributes(
		attribute.Int("rules", ruleCount),
		attribute.Bool("failed", failed),
	)
	if runTotal != nil {
		runTotal.Add(ctx, 1, attrs)
	}
	if runLatency != nil {
		runLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

func recordRule(ctx context.Context, ruleID, status string, duration time.Duration) {
	metricsOnce.Do(initMetrics)

	attrs := metric.WithAttributes(
		attribute.String("rule", ruleID),
		attribute.String("status", status),
	)
	if ruleTotal != nil {
		ruleTotal.Add(ctx, 1, attrs)
	}
	if ruleLatency != nil {
		ruleLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}
