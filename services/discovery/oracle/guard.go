// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// GuardConfig configures timeouts, retries, rate limiting and the breaker.
type GuardConfig struct {
	// CallTimeout bounds each attempt. Zero disables the per-call timeout.
	CallTimeout time.Duration `json:"call_timeout"`

	// MaxTimeoutRetries is how many times a timed-out call is retried (default: 2).
	MaxTimeoutRetries int `json:"max_timeout_retries"`

	// MaxMalformedRetries is how many times a malformed response is
	// re-requested (default: 1).
	MaxMalformedRetries int `json:"max_malformed_retries"`

	// RetryBackoff is the pause before each retry (default: 0).
	RetryBackoff time.Duration `json:"retry_backoff"`

	// RatePerSecond caps attempts per second. Zero means unlimited.
	RatePerSecond float64 `json:"rate_per_second"`

	// Burst is the limiter burst size (default: 1).
	Burst int `json:"burst"`

	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
}

// DefaultGuardConfig returns sensible defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		CallTimeout:         30 * time.Second,
		MaxTimeoutRetries:   2,
		MaxMalformedRetries: 1,
		Burst:               1,
		CircuitBreaker:      DefaultCircuitBreakerConfig(),
	}
}

// CallStats describes one guarded call.
type CallStats struct {
	Attempts  int `json:"attempts"`
	Timeouts  int `json:"timeouts"`
	Malformed int `json:"malformed"`
}

// Guard makes oracle calls bounded and retryable.
//
// Thread Safety: Safe for concurrent use.
type Guard struct {
	name    string
	config  GuardConfig
	limiter *rate.Limiter
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard creates a Guard. name labels logs ("generator", "gatherer").
func NewGuard(name string, config GuardConfig, opts ...GuardOption) *Guard {
	g := &Guard{
		name:    name,
		config:  config,
		breaker: NewCircuitBreaker(config.CircuitBreaker),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if config.RatePerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	g.breaker.OnStateChange(func(from, to CircuitState) {
		g.logger.Warn("oracle circuit breaker state changed",
			slog.String("oracle", g.name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	return g
}

// Breaker exposes the guard's circuit breaker.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// Gather calls gatherer under the guard and validates the evidence shape.
//
// Outputs:
//   - Evidence: The gathered evidence (zero value on error).
//   - CallStats: Attempt counters.
//   - error: nil, or wraps ErrOracleTimeout, ErrOracleMalformedResponse,
//     ErrCircuitOpen, a context error (abandoned), or the gatherer's own error.
func (g *Guard) Gather(ctx context.Context, gatherer EvidenceGatherer, req EvidenceRequest) (Evidence, CallStats, error) {
	if gatherer == nil {
		return Evidence{}, CallStats{}, ErrNilOracle
	}
	return guardedCall(ctx, g, "gather", func(ctx context.Context) (Evidence, error) {
		ev, err := gatherer.Gather(ctx, req)
		if err != nil {
			return Evidence{}, err
		}
		if err := ev.Validate(); err != nil {
			return Evidence{}, err
		}
		return ev, nil
	})
}

// Generate calls gen under the guard.
func (g *Guard) Generate(ctx context.Context, gen HypothesisGenerator, req GenerateRequest) ([]Proposal, CallStats, error) {
	if gen == nil {
		return nil, CallStats{}, ErrNilOracle
	}
	return guardedCall(ctx, g, "generate", func(ctx context.Context) ([]Proposal, error) {
		return gen.Generate(ctx, req)
	})
}

func guardedCall[T any](ctx context.Context, g *Guard, op string, fn func(context.Context) (T, error)) (T, CallStats, error) {
	var zero T
	var stats CallStats

	for {
		if err := ctx.Err(); err != nil {
			return zero, stats, err
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return zero, stats, ctxErr
				}
				// The wait would outlast the caller's deadline.
				return zero, stats, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
		}
		if !g.breaker.Allow() {
			return zero, stats, ErrCircuitOpen
		}

		stats.Attempts++
		v, err := attempt(ctx, g.config.CallTimeout, fn)
		if err == nil {
			g.breaker.RecordSuccess()
			return v, stats, nil
		}
		if ctx.Err() != nil {
			g.breaker.Release()
			return zero, stats, ctx.Err()
		}
		g.breaker.RecordFailure()

		switch {
		case errors.Is(err, ErrOracleTimeout):
			stats.Timeouts++
			if stats.Timeouts > g.config.MaxTimeoutRetries {
				return zero, stats, err
			}
		case errors.Is(err, ErrOracleMalformedResponse):
			stats.Malformed++
			if stats.Malformed > g.config.MaxMalformedRetries {
				return zero, stats, err
			}
		default:
			return zero, stats, err
		}

		g.logger.Warn("retrying oracle call",
			slog.String("oracle", g.name),
			slog.String("op", op),
			slog.Int("attempt", stats.Attempts),
			slog.String("reason", Outcome(err)),
		)
		if g.config.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return zero, stats, ctx.Err()
			case <-time.After(g.config.RetryBackoff):
			}
		}
	}
}

// attempt runs fn once with its own deadline. fn runs in a separate
// goroutine so a call that ignores its context is abandoned on deadline;
// its late result is dropped.
func attempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("oracle panic: %v", r)}
			}
		}()
		v, err := fn(callCtx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(r.err, context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %v", ErrOracleTimeout, r.err)
		}
		return r.v, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrOracleTimeout, timeout)
	}
}
