// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package surprise

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/discovery/services/discovery/belief"
	"github.com/AleutianAI/discovery/services/discovery/specfn"
)

var paramGrid = []belief.Params{
	{Alpha: 0.5, Beta: 0.5},
	{Alpha: 1, Beta: 1},
	{Alpha: 3.5, Beta: 0.5},
	{Alpha: 0.5, Beta: 3.5},
	{Alpha: 2, Beta: 7},
	{Alpha: 40, Beta: 12},
	{Alpha: 0.01, Beta: 5},
}

func TestKLDivergenceBeta_SelfIsZero(t *testing.T) {
	for _, p := range paramGrid {
		assert.InDelta(t, 0, KLDivergenceBeta(p, p, nil), 1e-12, "%s", p)
	}
	// Equal up to rounding.
	p := belief.Params{Alpha: 0.1 + 0.2, Beta: 2}
	q := belief.Params{Alpha: 0.3, Beta: 2}
	assert.InDelta(t, 0, KLDivergenceBeta(p, q, nil), 1e-9)
}

func TestKLDivergenceBeta_NonNegative(t *testing.T) {
	for _, p := range paramGrid {
		for _, q := range paramGrid {
			kl := KLDivergenceBeta(p, q, nil)
			assert.GreaterOrEqual(t, kl, 0.0, "KL(%s || %s)", p, q)
			assert.False(t, math.IsNaN(kl))
		}
	}
}

func TestKLDivergenceBeta_KnownValue(t *testing.T) {
	// KL(Beta(1.5,0.5) || Beta(0.5,0.5)) = ln π - ln(π/2) + ψ(1.5) - ψ(2)
	want := math.Log(2) + specfn.Digamma(1.5) - specfn.Digamma(2)
	got := KLDivergenceBeta(belief.Params{Alpha: 1.5, Beta: 0.5}, belief.Params{Alpha: 0.5, Beta: 0.5}, nil)
	assert.InDelta(t, want, got, 1e-10)
	assert.InDelta(t, 0.30685, got, 1e-4)
}

func TestKLDivergenceBeta_GrowsWithEvidence(t *testing.T) {
	prior := belief.Params{Alpha: 0.5, Beta: 0.5}
	prev := 0.0
	for n := 1.0; n <= 20; n++ {
		kl := KLDivergenceBeta(belief.Params{Alpha: 0.5 + n, Beta: 0.5}, prior, nil)
		assert.Greater(t, kl, prev, "n=%g", n)
		prev = kl
	}
}

func TestKLDivergenceBeta_ClampsInvalid(t *testing.T) {
	g := specfn.NewGuard(nil)
	kl := KLDivergenceBeta(belief.Params{Alpha: -1, Beta: 1}, belief.Params{Alpha: 1, Beta: 1}, g)
	assert.False(t, math.IsNaN(kl))
	assert.Equal(t, int64(1), g.Violations())
}

func TestParseRewardMode(t *testing.T) {
	for _, s := range []string{"belief", "kl", "belief_and_kl"} {
		m, err := ParseRewardMode(s)
		require.NoError(t, err)
		assert.Equal(t, s, m.String())
	}
	_, err := ParseRewardMode("bayes")
	assert.ErrorIs(t, err, ErrUnknownRewardMode)
}

func TestNewEvaluator_Validation(t *testing.T) {
	_, err := NewEvaluator("nope", 0.5, 0.5)
	assert.ErrorIs(t, err, ErrUnknownRewardMode)
	_, err = NewEvaluator(RewardBeliefAndKL, 1.5, 0.5)
	assert.ErrorIs(t, err, ErrInvalidWeight)
	_, err = NewEvaluator(RewardKL, math.NaN(), 0.5)
	assert.ErrorIs(t, err, ErrInvalidWeight)
}

func TestEvaluator_Modes(t *testing.T) {
	b, err := belief.Update(belief.Default(), 3, 0)
	require.NoError(t, err)
	shift := 0.875 - 0.5
	kl := KLDivergenceBeta(b.Posterior(), b.Prior(), nil)

	tests := []struct {
		mode   RewardMode
		weight float64
		want   float64
	}{
		{mode: RewardBelief, weight: 0.5, want: shift},
		{mode: RewardKL, weight: 0.5, want: kl},
		{mode: RewardBeliefAndKL, weight: 0.25, want: 0.25*shift + 0.75*kl},
		{mode: RewardBeliefAndKL, weight: 1, want: shift},
		{mode: RewardBeliefAndKL, weight: 0, want: kl},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			e, err := NewEvaluator(tt.mode, tt.weight, 0.5)
			require.NoError(t, err)
			s := e.Score(b)
			assert.InDelta(t, tt.want, s.Value, 1e-12)
			assert.InDelta(t, shift, s.BeliefShift, 1e-12)
			assert.InDelta(t, kl, s.KL, 1e-12)
			assert.Equal(t, s.Value >= 0.5, s.Surprising)
		})
	}
}

func TestEvaluator_UnchangedBeliefScoresZero(t *testing.T) {
	e, err := NewEvaluator(RewardBeliefAndKL, 0.5, 0.1)
	require.NoError(t, err)
	s := e.Score(belief.Default())
	assert.Equal(t, 0.0, s.Value)
	assert.False(t, s.Surprising)
}

func TestEvaluator_ThresholdInclusive(t *testing.T) {
	e, err := NewEvaluator(RewardBelief, 0, 0.375)
	require.NoError(t, err)
	assert.True(t, e.IsSurprising(0.375))
	assert.False(t, e.IsSurprising(0.3749))
}
