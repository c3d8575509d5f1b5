// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package belief holds the Beta-Bernoulli belief attached to each hypothesis.
//
// A Belief keeps the prior it was created with and a posterior that only
// grows. Evidence arrives as (possibly fractional) success/failure counts;
// an elicited probability p becomes successes=p, failures=1-p.
//
// Thread Safety: Belief is a value type. Update returns a new value and
// never mutates its argument.
package belief

import (
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/discovery/services/discovery/specfn"
)

const (
	// DefaultPriorAlpha is the Jeffreys prior shape used for new nodes.
	DefaultPriorAlpha = 0.5

	// DefaultPriorBeta is the Jeffreys prior shape used for new nodes.
	DefaultPriorBeta = 0.5
)

var (
	// ErrInvalidPrior is returned when a prior shape is not a positive finite number.
	ErrInvalidPrior = errors.New("prior shape must be positive and finite")

	// ErrInvalidEvidence is returned for negative or non-finite evidence counts.
	ErrInvalidEvidence = errors.New("evidence counts must be non-negative and finite")
)

// Params are the shape parameters of a Beta distribution.
type Params struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// Mean returns alpha / (alpha + beta).
func (p Params) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

// Variance returns alpha·beta / ((alpha+beta)^2 (alpha+beta+1)).
func (p Params) Variance() float64 {
	s := p.Alpha + p.Beta
	return p.Alpha * p.Beta / (s * s * (s + 1))
}

// Valid reports whether both shapes are positive and finite.
func (p Params) Valid() bool {
	return positiveFinite(p.Alpha) && positiveFinite(p.Beta)
}

// String renders the distribution, e.g. "Beta(3.5, 0.5)".
func (p Params) String() string {
	return fmt.Sprintf("Beta(%.4g, %.4g)", p.Alpha, p.Beta)
}

// Belief is the prior and accumulated posterior for one hypothesis.
//
// Invariant: PosteriorAlpha >= PriorAlpha and PosteriorBeta >= PriorBeta.
type Belief struct {
	PriorAlpha     float64 `json:"prior_alpha"`
	PriorBeta      float64 `json:"prior_beta"`
	PosteriorAlpha float64 `json:"posterior_alpha"`
	PosteriorBeta  float64 `json:"posterior_beta"`
}

// Initialize creates a belief whose posterior equals its prior.
//
// Inputs:
//   - priorAlpha, priorBeta: Prior shapes. Both must be positive and finite.
//
// Outputs:
//   - Belief: The new belief.
//   - error: ErrInvalidPrior if either shape is invalid.
func Initialize(priorAlpha, priorBeta float64) (Belief, error) {
	p := Params{Alpha: priorAlpha, Beta: priorBeta}
	if !p.Valid() {
		return Belief{}, fmt.Errorf("%w: %s", ErrInvalidPrior, p)
	}
	return Belief{
		PriorAlpha:     priorAlpha,
		PriorBeta:      priorBeta,
		PosteriorAlpha: priorAlpha,
		PosteriorBeta:  priorBeta,
	}, nil
}

// Default returns Initialize(DefaultPriorAlpha, DefaultPriorBeta).
func Default() Belief {
	b, _ := Initialize(DefaultPriorAlpha, DefaultPriorBeta)
	return b
}

// Update adds one batch of evidence to the posterior.
//
// Description:
//
//	Batches accumulate: each call starts from the posterior left by the
//	previous one. The prior is never touched. A zero batch returns b
//	unchanged, which is how a neutral (degraded) update is expressed.
//
// Inputs:
//   - b: Current belief.
//   - successes, failures: Non-negative, finite, possibly fractional counts.
//
// Outputs:
//   - Belief: The updated belief.
//   - error: ErrInvalidEvidence if a count is negative or non-finite; b is
//     returned unchanged in that case.
func Update(b Belief, successes, failures float64) (Belief, error) {
	if !nonNegativeFinite(successes) || !nonNegativeFinite(failures) {
		return b, fmt.Errorf("%w: successes=%g failures=%g", ErrInvalidEvidence, successes, failures)
	}
	b.PosteriorAlpha += successes
	b.PosteriorBeta += failures
	return b, nil
}

// FromProbability converts an elicited probability into pseudo-counts.
//
// p is clamped into [0, 1] (NaN counts as 0.5) and both counts are
// multiplied by weight.
func FromProbability(p, weight float64) (successes, failures float64) {
	switch {
	case math.IsNaN(p):
		p = 0.5
	case p < 0:
		p = 0
	case p > 1:
		p = 1
	}
	return p * weight, (1 - p) * weight
}

// Prior returns the prior as Params.
func (b Belief) Prior() Params {
	return Params{Alpha: b.PriorAlpha, Beta: b.PriorBeta}
}

// Posterior returns the posterior as Params.
func (b Belief) Posterior() Params {
	return Params{Alpha: b.PosteriorAlpha, Beta: b.PosteriorBeta}
}

// Mean returns the posterior mean.
func (b Belief) Mean() float64 { return b.Posterior().Mean() }

// Variance returns the posterior variance.
func (b Belief) Variance() float64 { return b.Posterior().Variance() }

// Evidence returns the total successes and failures applied so far.
func (b Belief) Evidence() (successes, failures float64) {
	return b.PosteriorAlpha - b.PriorAlpha, b.PosteriorBeta - b.PriorBeta
}

// Updated reports whether any non-zero evidence has been applied.
func (b Belief) Updated() bool {
	s, f := b.Evidence()
	return s > 0 || f > 0
}

// ProbabilityAbove returns P(p > threshold) under the posterior.
//
// The guard clamps degenerate shapes or thresholds; it may be nil.
func (b Belief) ProbabilityAbove(threshold float64, guard *specfn.Guard) float64 {
	return 1 - guard.BetaCDF(threshold, b.PosteriorAlpha, b.PosteriorBeta)
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func nonNegativeFinite(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
