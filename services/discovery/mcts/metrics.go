// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcts

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("discovery.mcts")

var (
	runsTotal       metric.Int64Counter
	runDuration     metric.Float64Histogram
	iterationsTotal metric.Int64Counter
	oracleCalls     metric.Int64Counter
	degradedNodes   metric.Int64Counter
	batchWidth      metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runsTotal, err = meter.Int64Counter(
			"discovery_runs_total",
			metric.WithDescription("Discovery runs by final status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runDuration, err = meter.Float64Histogram(
			"discovery_run_duration_seconds",
			metric.WithDescription("Wall clock duration of discovery runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		iterationsTotal, err = meter.Int64Counter(
			"discovery_iterations_total",
			metric.WithDescription("Completed evaluate-and-backpropagate iterations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		oracleCalls, err = meter.Int64Counter(
			"discovery_oracle_calls_total",
			metric.WithDescription("Guarded oracle calls by kind and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		degradedNodes, err = meter.Int64Counter(
			"discovery_degraded_nodes_total",
			metric.WithDescription("Nodes that received a neutral update after evidence failed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		batchWidth, err = meter.Int64Histogram(
			"discovery_batch_width",
			metric.WithDescription("Targets selected per batch"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRunMetrics(ctx context.Context, status RunStatus, reason TerminationReason, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("reason", string(reason)),
	)
	runsTotal.Add(ctx, 1, attrs)
	runDuration.Record(ctx, duration.Seconds(), attrs)
}

func recordBatchMetrics(ctx context.Context, width, iterations, degraded int) {
	if err := initMetrics(); err != nil {
		return
	}
	batchWidth.Record(ctx, int64(width))
	iterationsTotal.Add(ctx, int64(iterations))
	if degraded > 0 {
		degradedNodes.Add(ctx, int64(degraded))
	}
}

func recordOracleCall(ctx context.Context, kind, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	oracleCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}
