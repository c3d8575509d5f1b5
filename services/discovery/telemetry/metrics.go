// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetrics holds request instruments for the discovery API.
//
// Thread Safety: Safe for concurrent use after creation.
type HTTPMetrics struct {
	// RequestsTotal counts requests by method, route and status.
	RequestsTotal metric.Int64Counter

	// RequestDuration records request latency in seconds.
	RequestDuration metric.Float64Histogram

	// ActiveRequests tracks in-flight requests.
	ActiveRequests metric.Int64UpDownCounter

	// RunsStored counts run records written to storage, by status.
	RunsStored metric.Int64Counter
}

// NewHTTPMetrics registers the API instruments on meter.
//
// Inputs:
//   - meter: The meter to register with, usually otel.Meter("discovery.api").
//
// Outputs:
//   - *HTTPMetrics: Ready-to-use instruments.
//   - error: Non-nil if any registration fails.
func NewHTTPMetrics(meter metric.Meter) (*HTTPMetrics, error) {
	m := &HTTPMetrics{}
	var err error

	m.RequestsTotal, err = meter.Int64Counter(
		"discovery_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"discovery_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.ActiveRequests, err = meter.Int64UpDownCounter(
		"discovery_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	m.RunsStored, err = meter.Int64Counter(
		"discovery_runs_stored_total",
		metric.WithDescription("Run records written to storage"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create runs_stored_total: %w", err)
	}

	return m, nil
}

// RecordRequest records one finished request.
func (m *HTTPMetrics) RecordRequest(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.RequestsTotal.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordStored counts one stored run record.
func (m *HTTPMetrics) RecordStored(ctx context.Context, status string) {
	m.RunsStored.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
