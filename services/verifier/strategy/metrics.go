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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once

	resolveLatency metric.Float64Histogram
	resolveTotal   metric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("patchprobe.strategy")

	var err error
	resolveLatency, err = meter.Float64Histogram(
		"strategy.resolve.duration",
		metric.WithDescription("Time to resolve one input strategy"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		resolveLatency = nil
	}

	resolveTotal, err = meter.Int64Counter(
		"strategy.resolve.total",
		metric.WithDescription("Number of strategies resolved, by tier"),
	)
	if err != nil {
		resolveTotal = nil
	}
}

func recordResolve(ctx context.Context, tier string, duration time.Duration) {
	metricsOnce.Do(initMetrics)

	attrs := metric.WithAttributes(attribute.String("tier", tier))
	if resolveTotal != nil {
		resolveTotal.Add(ctx, 1, attrs)
	}
	if resolveLatency != nil {
		resolveLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}
