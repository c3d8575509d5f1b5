// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package surprise scores how far evidence moved a belief.
//
// Three reward modes are supported:
//
//   - belief: |mean(posterior) - mean(prior)|
//   - kl: KL(posterior || prior) between the two Beta distributions
//   - belief_and_kl: w·belief + (1-w)·kl with an explicit weight w
//
// A score at or above the configured threshold marks the hypothesis as
// surprising.
package surprise

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/AleutianAI/discovery/services/discovery/belief"
	"github.com/AleutianAI/discovery/services/discovery/specfn"
)

// RewardMode selects how a belief change becomes a scalar reward.
type RewardMode string

const (
	// RewardBelief scores the absolute shift of the mean.
	RewardBelief RewardMode = "belief"

	// RewardKL scores KL(posterior || prior).
	RewardKL RewardMode = "kl"

	// RewardBeliefAndKL blends both with an explicit weight.
	RewardBeliefAndKL RewardMode = "belief_and_kl"
)

// Valid reports whether m is a known mode.
func (m RewardMode) Valid() bool {
	switch m {
	case RewardBelief, RewardKL, RewardBeliefAndKL:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (m RewardMode) String() string { return string(m) }

var (
	// ErrUnknownRewardMode is returned for an unrecognised reward mode.
	ErrUnknownRewardMode = errors.New("unknown reward mode")

	// ErrInvalidWeight is returned when the blend weight is outside [0, 1].
	ErrInvalidWeight = errors.New("belief/kl weight must be in [0, 1]")
)

// ParseRewardMode parses "belief", "kl" or "belief_and_kl".
func ParseRewardMode(s string) (RewardMode, error) {
	m := RewardMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRewardMode, s)
	}
	return m, nil
}

// KLDivergenceBeta returns KL(post || prior) for two Beta distributions.
//
// Description:
//
//	Closed form:
//	  ln B(a2,b2) - ln B(a1,b1) + (a1-a2)ψ(a1) + (b1-b2)ψ(b1)
//	  + (a2-a1+b2-b1)ψ(a1+b1)
//	where post = Beta(a1,b1) and prior = Beta(a2,b2). Identical parameters
//	return exactly 0 and tiny negative rounding results are floored at 0.
//
// Inputs:
//   - post, prior: Beta parameters. Invalid shapes are clamped by guard.
//   - guard: Clamping guard; nil clamps silently.
//
// Outputs:
//   - float64: Non-negative divergence in nats.
func KLDivergenceBeta(post, prior belief.Params, guard *specfn.Guard) float64 {
	a1 := guard.Shape("klDivergenceBeta", "post.alpha", post.Alpha)
	b1 := guard.Shape("klDivergenceBeta", "post.beta", post.Beta)
	a2 := guard.Shape("klDivergenceBeta", "prior.alpha", prior.Alpha)
	b2 := guard.Shape("klDivergenceBeta", "prior.beta", prior.Beta)

	if a1 == a2 && b1 == b2 {
		return 0
	}

	kl := specfn.LogBeta(a2, b2) - specfn.LogBeta(a1, b1) +
		(a1-a2)*specfn.Digamma(a1) +
		(b1-b2)*specfn.Digamma(b1) +
		(a2-a1+b2-b1)*specfn.Digamma(a1+b1)

	if math.IsNaN(kl) || kl < 0 {
		return 0
	}
	return kl
}

// BeliefShift returns |mean(posterior) - mean(prior)|.
func BeliefShift(b belief.Belief) float64 {
	return math.Abs(b.Posterior().Mean() - b.Prior().Mean())
}

// Score is the evaluation of one belief.
type Score struct {
	// Value is the reward under the evaluator's mode.
	Value float64 `json:"value"`

	// BeliefShift is |Δ mean| regardless of mode.
	BeliefShift float64 `json:"belief_shift"`

	// KL is KL(posterior || prior) regardless of mode.
	KL float64 `json:"kl"`

	// Surprising is Value >= threshold.
	Surprising bool `json:"surprising"`
}

// Evaluator turns beliefs into rewards.
//
// Thread Safety: Safe for concurrent use once constructed.
type Evaluator struct {
	mode      RewardMode
	weight    float64
	threshold float64
	guard     *specfn.Guard
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithGuard sets the numeric guard used for clamping.
func WithGuard(g *specfn.Guard) EvaluatorOption {
	return func(e *Evaluator) { e.guard = g }
}

// WithLogger installs a guard that logs clamps to logger.
func WithLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.guard = specfn.NewGuard(logger) }
}

// NewEvaluator creates an Evaluator.
//
// Inputs:
//   - mode: Reward mode.
//   - weight: Belief weight w for RewardBeliefAndKL, in [0, 1]. Ignored by
//     the other modes but still validated.
//   - threshold: Surprise threshold.
//
// Outputs:
//   - *Evaluator: Ready evaluator.
//   - error: ErrUnknownRewardMode or ErrInvalidWeight.
func NewEvaluator(mode RewardMode, weight, threshold float64, opts ...EvaluatorOption) (*Evaluator, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRewardMode, mode)
	}
	if math.IsNaN(weight) || weight < 0 || weight > 1 {
		return nil, fmt.Errorf("%w: %g", ErrInvalidWeight, weight)
	}
	e := &Evaluator{mode: mode, weight: weight, threshold: threshold}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Mode returns the evaluator's reward mode.
func (e *Evaluator) Mode() RewardMode { return e.mode }

// Threshold returns the surprise threshold.
func (e *Evaluator) Threshold() float64 { return e.threshold }

// Score evaluates b under the evaluator's mode.
func (e *Evaluator) Score(b belief.Belief) Score {
	shift := BeliefShift(b)
	kl := KLDivergenceBeta(b.Posterior(), b.Prior(), e.guard)

	var v float64
	switch e.mode {
	case RewardBelief:
		v = shift
	case RewardKL:
		v = kl
	case RewardBeliefAndKL:
		v = e.weight*shift + (1-e.weight)*kl
	}
	return Score{
		Value:       v,
		BeliefShift: shift,
		KL:          kl,
		Surprising:  e.IsSurprising(v),
	}
}

// IsSurprising reports v >= threshold.
func (e *Evaluator) IsSurprising(v float64) bool {
	return v >= e.threshold
}
