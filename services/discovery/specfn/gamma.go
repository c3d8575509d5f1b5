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

const lanczosG = 7.0

var lanczosCoef = [9]float64{
	0.99999999999980993,
	676.5203681218851,
	-1259.1392167224028,
	771.32342877765313,
	-176.61502916214059,
	12.507343278686905,
	-0.13857109526572012,
	9.9843695780195716e-6,
	1.5056327351493116e-7,
}

// halfLog2Pi is 0.5 * ln(2π).
const halfLog2Pi = 0.91893853320467274178

// LogGamma returns ln Γ(x) for x > 0.
//
// Returns NaN for x <= 0 or NaN, +Inf for +Inf.
func LogGamma(x float64) float64 {
	switch {
	case math.IsNaN(x) || x <= 0:
		return math.NaN()
	case math.IsInf(x, 1):
		return math.Inf(1)
	case x < 0.5:
		// Γ(x)Γ(1-x) = π / sin(πx)
		return math.Log(math.Pi/math.Sin(math.Pi*x)) - LogGamma(1-x)
	}

	x--
	a := lanczosCoef[0]
	t := x + lanczosG + 0.5
	for i := 1; i < len(lanczosCoef); i++ {
		a += lanczosCoef[i] / (x + float64(i))
	}
	return halfLog2Pi + (x+0.5)*math.Log(t) - t + math.Log(a)
}

// digammaShift is where the asymptotic series takes over.
const digammaShift = 6.0

// Digamma returns ψ(x) = d/dx ln Γ(x) for x > 0.
//
// Small arguments are shifted with ψ(x) = ψ(x+1) - 1/x until x >= 6, then
// the asymptotic expansion is summed through the x^-14 term.
//
// Returns NaN for x <= 0 or NaN.
func Digamma(x float64) float64 {
	if math.IsNaN(x) || x <= 0 {
		return math.NaN()
	}
	if math.IsInf(x, 1) {
		return math.Inf(1)
	}

	result := 0.0
	for x < digammaShift {
		result -= 1 / x
		x++
	}

	inv := 1 / x
	inv2 := inv * inv
	// Bernoulli terms B_2k / (2k x^2k), nested in powers of 1/x^2.
	series := inv2 * (1.0/12 -
		inv2*(1.0/120-
			inv2*(1.0/252-
				inv2*(1.0/240-
					inv2*(1.0/132-
						inv2*(691.0/32760-
							inv2*(1.0/12)))))))
	return result + math.Log(x) - 0.5*inv - series
}
