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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once

	mapLatency   metric.Float64Histogram
	mapTotal     metric.Int64Counter
	changedLines metric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("patchprobe.diffmap")

	var err error
	mapLatency, err = meter.Float64Histogram(
		"diffmap.map.duration",
		metric.WithDescription("Time to map one diff onto callables"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		mapLatency = nil
	}

	mapTotal, err = meter.Int64Counter(
		"diffmap.map.total",
		metric.WithDescription("Number of diffs mapped"),
	)
	if err != nil {
		mapTotal = nil
	}

	changedLines, err = meter.Int64Counter(
		"diffmap.changed_lines.total",
		metric.WithDescription("Number of changed lines mapped"),
	)
	if err != nil {
		changedLines = nil
	}
}

func recordMap(ctx context.Context, files, lines int, duration time.Duration) {
	metricsOnce.Do(initMetrics)

	attrs := metric.WithAttributes(attribute.Int("files", files))
	if mapTotal != nil {
		mapTotal.Add(ctx, 1, attrs)
	}
	if changedLines != nil {
		changedLines.Add(ctx, int64(lines))
	}
	if mapLatency != nil {
		mapLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}
