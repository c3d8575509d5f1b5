// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/discovery/services/discovery/oracle"
	"github.com/AleutianAI/discovery/services/discovery/specfn"
)

// DefaultSampleCap bounds the effective sample size of one evidence batch.
const DefaultSampleCap = 30

// Tally is the outcome count of a plan over a dataset.
type Tally struct {
	// Matched rows passed every filter; Hits of them satisfied the outcome.
	Matched int `json:"matched"`
	Hits    int `json:"hits"`

	// BaselineRate is the outcome rate over the whole dataset.
	BaselineRate float64 `json:"baseline_rate"`

	// PValue is P(X >= Hits) for X ~ Binomial(Matched, BaselineRate).
	PValue float64 `json:"p_value"`
}

// Rate returns Hits/Matched, 0 when nothing matched.
func (t Tally) Rate() float64 {
	if t.Matched == 0 {
		return 0
	}
	return float64(t.Hits) / float64(t.Matched)
}

// String renders the tally for an evidence reference.
func (t Tally) String() string {
	return fmt.Sprintf("%d/%d = %.3f vs baseline %.3f (one-sided p = %.4g)",
		t.Hits, t.Matched, t.Rate(), t.BaselineRate, t.PValue)
}

// Gatherer produces statistical evidence by running plans over a dataset.
//
// Thread Safety: Safe for concurrent use if the planner is.
type Gatherer struct {
	ds        oracle.Dataset
	planner   Planner
	sampleCap float64
	logger    *slog.Logger
}

// GathererOption configures a Gatherer.
type GathererOption func(*Gatherer)

// WithSampleCap sets the effective sample cap. Zero or less disables it.
func WithSampleCap(n float64) GathererOption {
	return func(g *Gatherer) { g.sampleCap = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GathererOption {
	return func(g *Gatherer) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGatherer creates a statistical evidence gatherer.
//
// Inputs:
//   - ds: The dataset to test against.
//   - planner: Maps hypotheses to plans.
//   - opts: Optional configuration.
//
// Outputs:
//   - *Gatherer: Ready gatherer.
//   - error: oracle.ErrNilOracle if ds or planner is nil.
func NewGatherer(ds oracle.Dataset, planner Planner, opts ...GathererOption) (*Gatherer, error) {
	if ds == nil || planner == nil {
		return nil, oracle.ErrNilOracle
	}
	g := &Gatherer{
		ds:        ds,
		planner:   planner,
		sampleCap: DefaultSampleCap,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Gather implements oracle.EvidenceGatherer.
//
// Description:
//
//	Plans the hypothesis, counts outcome hits among matching rows and
//	returns them as statistical evidence. When more rows match than the
//	sample cap, both counts are scaled down proportionally so a single
//	batch cannot swamp the belief. The plan and tally are recorded as the
//	evidence reference.
//
// Outputs:
//   - oracle.Evidence: KindStatistical evidence.
//   - error: Wraps ErrNoPlan or ErrEmptySelection when the hypothesis cannot
//     be tested, or the planner's error.
func (g *Gatherer) Gather(ctx context.Context, req oracle.EvidenceRequest) (oracle.Evidence, error) {
	if err := ctx.Err(); err != nil {
		return oracle.Evidence{}, err
	}
	plan, err := g.planner.Plan(ctx, req.Hypothesis, g.ds)
	if err != nil {
		return oracle.Evidence{}, err
	}
	if err := plan.Validate(g.ds); err != nil {
		return oracle.Evidence{}, fmt.Errorf("%w: %v", ErrNoPlan, err)
	}

	tally, err := Run(g.ds, plan)
	if err != nil {
		return oracle.Evidence{}, err
	}

	s, f := float64(tally.Hits), float64(tally.Matched-tally.Hits)
	if g.sampleCap > 0 && float64(tally.Matched) > g.sampleCap {
		scale := g.sampleCap / float64(tally.Matched)
		s, f = s*scale, f*scale
	}

	g.logger.Debug("Dataset evidence",
		slog.Int("node_index", req.NodeIndex),
		slog.String("plan", plan.String()),
		slog.Int("matched", tally.Matched),
		slog.Int("hits", tally.Hits),
		slog.Float64("p_value", tally.PValue),
	)

	return oracle.Evidence{
		Successes: s,
		Failures:  f,
		Kind:      oracle.KindStatistical,
		Ref:       &oracle.EvidenceRef{Plan: plan.String(), Result: tally.String()},
	}, nil
}

// Run executes plan over ds.
func Run(ds oracle.Dataset, plan Plan) (Tally, error) {
	if err := plan.Validate(ds); err != nil {
		return Tally{}, err
	}
	var t Tally
	total, totalHits := 0, 0
	for row := 0; row < ds.Len(); row++ {
		hit := matches(ds, row, plan.Outcome)
		total++
		if hit {
			totalHits++
		}
		if !matchesAll(ds, row, plan.Filters) {
			continue
		}
		t.Matched++
		if hit {
			t.Hits++
		}
	}
	if t.Matched == 0 {
		return t, fmt.Errorf("%w: %s", ErrEmptySelection, plan)
	}
	t.BaselineRate = float64(totalHits) / float64(total)

	p, err := BinomialUpperTail(t.Hits, t.Matched, t.BaselineRate)
	if err != nil && !errors.Is(err, specfn.ErrLowPrecision) {
		return t, err
	}
	t.PValue = p
	return t, nil
}

// BinomialUpperTail returns P(X >= k) for X ~ Binomial(n, p), using
// P(X >= k) = I_p(k, n-k+1).
func BinomialUpperTail(k, n int, p float64) (float64, error) {
	switch {
	case n < 0 || k > n:
		return 0, &specfn.DomainError{Func: "binomialUpperTail", Arg: "k", Value: float64(k), Clamped: float64(k), Expected: "[0, n]"}
	case k <= 0:
		return 1, nil
	}
	return specfn.IncompleteBeta(p, float64(k), float64(n-k+1))
}

func matches(ds oracle.Dataset, row int, c Condition) bool {
	v, ok := ds.Value(row, c.Column)
	return ok && strings.EqualFold(v, c.Value)
}

func matchesAll(ds oracle.Dataset, row int, cs []Condition) bool {
	for _, c := range cs {
		if !matches(ds, row, c) {
			return false
		}
	}
	return true
}
