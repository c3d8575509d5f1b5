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

import "math"

const (
	// MaxIterations caps the Lentz continued fraction.
	MaxIterations = 200

	// Tolerance is the convergence threshold on |Δ_m - 1|.
	Tolerance = 1e-12

	// lentzTiny replaces zero denominators in Lentz's method.
	lentzTiny = 1e-300
)

// LogBeta returns ln B(a, b) for a, b > 0, NaN otherwise.
func LogBeta(a, b float64) float64 {
	if !validShape(a) || !validShape(b) {
		return math.NaN()
	}
	return LogGamma(a) + LogGamma(b) - LogGamma(a+b)
}

// BetaFunction returns B(a, b) = Γ(a)Γ(b)/Γ(a+b) for a, b > 0, NaN otherwise.
func BetaFunction(a, b float64) float64 {
	return math.Exp(LogBeta(a, b))
}

// IncompleteBeta returns the regularized incomplete beta function I_x(a, b).
//
// Description:
//
//	Evaluates the continued fraction for I_x(a, b) directly when
//	x < (a+1)/(a+b+2) and through the symmetry I_x(a,b) = 1 - I_{1-x}(b,a)
//	otherwise, so the fraction always converges quickly.
//
// Inputs:
//
//	x - Point in [0, 1].
//	a, b - Shape parameters, both > 0.
//
// Outputs:
//
//	float64 - I_x(a, b). NaN when arguments are out of domain.
//	error - *DomainError for out-of-domain arguments, ErrLowPrecision when
//	        MaxIterations was reached (the value is still the last iterate).
func IncompleteBeta(x, a, b float64) (float64, error) {
	if !validShape(a) {
		return math.NaN(), &DomainError{Func: "incompleteBeta", Arg: "a", Value: a, Clamped: a, Expected: "(0, +inf)"}
	}
	if !validShape(b) {
		return math.NaN(), &DomainError{Func: "incompleteBeta", Arg: "b", Value: b, Clamped: b, Expected: "(0, +inf)"}
	}
	if math.IsNaN(x) || x < 0 || x > 1 {
		return math.NaN(), &DomainError{Func: "incompleteBeta", Arg: "x", Value: x, Clamped: x, Expected: "[0, 1]"}
	}
	if x == 0 {
		return 0, nil
	}
	if x == 1 {
		return 1, nil
	}

	// Front factor x^a (1-x)^b / B(a,b), in log space.
	front := math.Exp(a*math.Log(x) + b*math.Log1p(-x) - LogBeta(a, b))

	if x < (a+1)/(a+b+2) {
		cf, ok := betaContinuedFraction(x, a, b)
		v := clampUnit(front * cf / a)
		if !ok {
			return v, ErrLowPrecision
		}
		return v, nil
	}

	cf, ok := betaContinuedFraction(1-x, b, a)
	v := clampUnit(1 - front*cf/b)
	if !ok {
		return v, ErrLowPrecision
	}
	return v, nil
}

// betaContinuedFraction evaluates the continued fraction for I_x(a,b)
// with the modified Lentz method. The bool is false when MaxIterations
// was exhausted.
func betaContinuedFraction(x, a, b float64) (float64, bool) {
	qab := a + b
	qap := a + 1
	qam := a - 1

	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < lentzTiny {
		d = lentzTiny
	}
	d = 1 / d
	h := d

	for m := 1; m <= MaxIterations; m++ {
		fm := float64(m)
		m2 := 2 * fm

		// Even step.
		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < lentzTiny {
			d = lentzTiny
		}
		c = 1 + aa/c
		if math.Abs(c) < lentzTiny {
			c = lentzTiny
		}
		d = 1 / d
		h *= d * c

		// Odd step.
		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < lentzTiny {
			d = lentzTiny
		}
		c = 1 + aa/c
		if math.Abs(c) < lentzTiny {
			c = lentzTiny
		}
		d = 1 / d
		delta := d * c
		h *= delta

		if math.Abs(delta-1) < Tolerance {
			return h, true
		}
	}
	return h, false
}

// BetaCDF returns P(X <= x) for X ~ Beta(a, b).
//
// Arguments outside the domain yield NaN; use Guard.BetaCDF to clamp instead.
// A low-precision result is returned as-is.
func BetaCDF(x, a, b float64) float64 {
	v, _ := IncompleteBeta(x, a, b)
	return v
}

// BetaPDF returns the Beta(a, b) density at x.
//
// The density is 0 outside [0, 1]. At the endpoints it is +Inf, the finite
// limit, or 0 depending on the shape. NaN for non-positive shapes.
func BetaPDF(x, a, b float64) float64 {
	if !validShape(a) || !validShape(b) || math.IsNaN(x) {
		return math.NaN()
	}
	if x < 0 || x > 1 {
		return 0
	}
	if x == 0 {
		return endpointDensity(a, b)
	}
	if x == 1 {
		return endpointDensity(b, a)
	}
	return math.Exp((a-1)*math.Log(x) + (b-1)*math.Log1p(-x) - LogBeta(a, b))
}

// endpointDensity is the density at the endpoint governed by exponent a-1.
func endpointDensity(a, b float64) float64 {
	switch {
	case a < 1:
		return math.Inf(1)
	case a == 1:
		return 1 / BetaFunction(1, b)
	default:
		return 0
	}
}

func validShape(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
