// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package specfn

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
)

// MinShape is the smallest Beta/Gamma shape parameter a Guard will pass on.
const MinShape = 1e-10

var (
	// ErrDomain indicates an argument outside a function's domain.
	ErrDomain = errors.New("numeric domain error")

	// ErrLowPrecision indicates the continued fraction hit MaxIterations
	// before reaching Tolerance. The accompanying value is the last iterate.
	ErrLowPrecision = errors.New("incomplete beta did not converge")
)

// DomainError describes an out-of-domain argument.
//
// Clamped holds the value a Guard substituted; it equals Value when the
// error was produced by a raw function that does not clamp.
type DomainError struct {
	Func     string
	Arg      string
	Value    float64
	Clamped  float64
	Expected string
}

// Error implements error.
func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s=%g outside %s", e.Func, e.Arg, e.Value, e.Expected)
}

// Unwrap lets errors.Is match ErrDomain.
func (e *DomainError) Unwrap() error { return ErrDomain }

// Guard clamps special-function inputs into their domain.
//
// Every clamp is logged at Warn and counted. A nil *Guard is valid and
// clamps silently.
//
// Thread Safety: Safe for concurrent use.
type Guard struct {
	logger     *slog.Logger
	violations atomic.Int64
}

// NewGuard creates a Guard that logs to logger (slog.Default() if nil).
func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{logger: logger}
}

// Violations returns how many arguments have been clamped so far.
func (g *Guard) Violations() int64 {
	if g == nil {
		return 0
	}
	return g.violations.Load()
}

// Shape clamps a shape parameter to at least MinShape.
// NaN and non-positive values become MinShape; +Inf becomes MaxFloat64.
func (g *Guard) Shape(fn, arg string, v float64) float64 {
	switch {
	case math.IsNaN(v) || v < MinShape:
		g.report(&DomainError{Func: fn, Arg: arg, Value: v, Clamped: MinShape, Expected: "(0, +inf)"})
		return MinShape
	case math.IsInf(v, 1):
		g.report(&DomainError{Func: fn, Arg: arg, Value: v, Clamped: math.MaxFloat64, Expected: "(0, +inf)"})
		return math.MaxFloat64
	}
	return v
}

// Unit clamps v into [0, 1]. NaN becomes 0.
func (g *Guard) Unit(fn, arg string, v float64) float64 {
	var c float64
	switch {
	case math.IsNaN(v) || v < 0:
		c = 0
	case v > 1:
		c = 1
	default:
		return v
	}
	g.report(&DomainError{Func: fn, Arg: arg, Value: v, Clamped: c, Expected: "[0, 1]"})
	return c
}

// BetaCDF is BetaCDF with clamped arguments. Low precision is logged at
// Debug and the last iterate returned.
func (g *Guard) BetaCDF(x, a, b float64) float64 {
	x = g.Unit("betaCDF", "x", x)
	a = g.Shape("betaCDF", "a", a)
	b = g.Shape("betaCDF", "b", b)
	v, err := IncompleteBeta(x, a, b)
	if err != nil && g != nil {
		g.logger.Debug("incomplete beta low precision",
			slog.Float64("x", x), slog.Float64("a", a), slog.Float64("b", b))
	}
	return v
}

// LogBeta is LogBeta with clamped shapes.
func (g *Guard) LogBeta(a, b float64) float64 {
	return LogBeta(g.Shape("logBeta", "a", a), g.Shape("logBeta", "b", b))
}

func (g *Guard) report(err *DomainError) {
	if g == nil {
		return
	}
	g.violations.Add(1)
	g.logger.Warn("numeric argument clamped",
		slog.String("func", err.Func),
		slog.String("arg", err.Arg),
		slog.Float64("value", err.Value),
		slog.Float64("clamped", err.Clamped),
		slog.String("error", err.Error()),
	)
}
