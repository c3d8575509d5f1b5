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
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const discoveryTracerName = "discovery.mcts"

// Tracer provides OpenTelemetry tracing for discovery runs.
//
// Thread Safety: Safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer.
//
// Inputs:
//   - logger: Logger for structured logging (nil uses slog.Default()).
//   - provider: Tracer provider (nil uses the global provider).
//   - enabled: When false every span is a no-op.
//
// Outputs:
//   - *Tracer: Tracer instance.
func NewTracer(logger *slog.Logger, provider trace.TracerProvider, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Tracer{
		tracer:  provider.Tracer(discoveryTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartRun starts a span for the entire discovery run.
func (t *Tracer) StartRun(ctx context.Context, runID, seed string, cfg Config) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "discovery.run",
		trace.WithAttributes(
			attribute.String("discovery.run_id", runID),
			attribute.String("discovery.seed", truncateForObs(seed, 100)),
			attribute.Int("discovery.max_iterations", cfg.MaxIterations),
			attribute.Int("discovery.max_depth", cfg.MaxDepth),
			attribute.Int("discovery.parallel_expansion", cfg.ParallelExpansion),
			attribute.String("discovery.reward_mode", cfg.RewardMode.String()),
			attribute.Int64("discovery.time_budget_ms", cfg.TimeBudgetMs),
			attribute.Float64("discovery.cost_budget_usd", cfg.CostBudget),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRun completes the run span.
//
// Inputs:
//   - span: The span to end.
//   - result: Final result (may be nil on a config failure).
//   - err: Fatal error, if any.
func (t *Tracer) EndRun(span trace.Span, result *DiscoveryResult, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if result != nil {
		span.SetAttributes(
			attribute.Int("discovery.result.total_nodes", result.TotalNodes),
			attribute.Int("discovery.result.iterations", result.Stats.IterationsRun),
			attribute.Float64("discovery.result.best_score", result.BestSurpriseScore),
			attribute.String("discovery.result.termination", string(result.Stats.TerminationReason)),
			attribute.Int("discovery.result.degraded_nodes", result.Stats.DegradedNodes),
		)
	}
	span.End()
}

// StartBatch starts a span for one select/gather/apply batch.
func (t *Tracer) StartBatch(ctx context.Context, batch, width int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "discovery.batch",
		trace.WithAttributes(
			attribute.Int("discovery.batch", batch),
			attribute.Int("discovery.batch.width", width),
		),
	)
}

// StartGenerate starts a span for one hypothesis generator call.
func (t *Tracer) StartGenerate(ctx context.Context, parent, count int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "discovery.generate",
		trace.WithAttributes(
			attribute.Int("discovery.parent_index", parent),
			attribute.Int("discovery.generate.count", count),
		),
	)
}

// StartGather starts a span for one evidence call.
func (t *Tracer) StartGather(ctx context.Context, node, round int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "discovery.gather",
		trace.WithAttributes(
			attribute.Int("discovery.node_index", node),
			attribute.Int("discovery.round", round),
		),
	)
}

// EndCall completes a generate or gather span.
func (t *Tracer) EndCall(span trace.Span, attempts int, err error) {
	span.SetAttributes(attribute.Int("discovery.call.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceDegradation records a batch width degradation event.
func (t *Tracer) TraceDegradation(ctx context.Context, from, to DegradationLevel, reason string) {
	trace.SpanFromContext(ctx).AddEvent("degradation",
		trace.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
			attribute.String("reason", reason),
		),
	)
	LoggerWithTrace(ctx, t.logger).Warn("Discovery degradation",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
	)
}

// TraceNodeDegraded records a node that received a neutral update.
func (t *Tracer) TraceNodeDegraded(ctx context.Context, node int, hypothesis string, err error) {
	trace.SpanFromContext(ctx).AddEvent("node_degraded",
		trace.WithAttributes(
			attribute.Int("node_index", node),
			attribute.String("error", err.Error()),
		),
	)
	LoggerWithTrace(ctx, t.logger).Warn("Evidence failed, applying neutral update",
		slog.Int("node_index", node),
		slog.String("hypothesis", truncateForObs(hypothesis, 80)),
		slog.String("error", err.Error()),
	)
}

// TraceBudgetExhaustion records budget exhaustion.
func (t *Tracer) TraceBudgetExhaustion(ctx context.Context, reason string, budget *Budget) {
	trace.SpanFromContext(ctx).AddEvent("budget_exhausted",
		trace.WithAttributes(
			attribute.String("reason", reason),
			attribute.Int64("evidence_calls", budget.EvidenceCalls()),
			attribute.Float64("cost_used_usd", budget.CostUSD()),
		),
	)
	LoggerWithTrace(ctx, t.logger).Info("Discovery budget exhausted",
		slog.String("reason", reason),
		slog.Int64("evidence_calls", budget.EvidenceCalls()),
		slog.Float64("cost_usd", budget.CostUSD()),
		slog.Duration("elapsed", budget.Elapsed()),
	)
}

// truncateForObs truncates a string for use in span attributes.
func truncateForObs(s string, maxLen int) string {
	return truncate(s, maxLen)
}

// LoggerWithTrace returns a logger with trace context.
//
// Inputs:
//   - ctx: Context that may contain trace information.
//   - logger: Base logger.
//
// Outputs:
//   - *slog.Logger: Logger with trace_id and span_id if available.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
