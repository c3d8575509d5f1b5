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

// Source is the random source the samplers draw from.
//
// *rand.Rand from math/rand and math/rand/v2 both satisfy it.
type Source interface {
	Float64() float64
	NormFloat64() float64
}

// SampleGamma draws from Gamma(shape, 1) using Marsaglia and Tsang's method.
//
// Shapes below 1 are boosted: X ~ Gamma(shape+1) * U^(1/shape).
// Returns NaN for a non-positive shape.
func SampleGamma(shape float64, rng Source) float64 {
	if !validShape(shape) {
		return math.NaN()
	}
	if shape < 1 {
		u := rng.Float64()
		return SampleGamma(shape+1, rng) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		x2 := x * x
		if u < 1-0.0331*x2*x2 {
			return d * v
		}
		if math.Log(u) < 0.5*x2+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// SampleBeta draws from Beta(a, b) as X/(X+Y) with X ~ Gamma(a), Y ~ Gamma(b).
//
// The same rng state always yields the same value. Returns NaN for
// non-positive shapes.
func SampleBeta(a, b float64, rng Source) float64 {
	if !validShape(a) || !validShape(b) {
		return math.NaN()
	}
	for i := 0; i < maxBetaRedraws; i++ {
		x := SampleGamma(a, rng)
		y := SampleGamma(b, rng)
		// Both underflow to zero for very small shapes; redraw.
		if s := x + y; s > 0 {
			return x / s
		}
	}
	// Shapes this small put all mass on the endpoints.
	if rng.Float64() < a/(a+b) {
		return 1
	}
	return 0
}

const maxBetaRedraws = 64
