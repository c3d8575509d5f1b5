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
	"fmt"
	"math"
	"strings"
)

// EvidenceKind says how evidence counts should be weighted.
type EvidenceKind string

const (
	// KindBeliefSample is an elicited probability (successes=p,
	// failures=1-p). Scaled by the run's belief sample weight.
	// The zero value is treated the same way.
	KindBeliefSample EvidenceKind = "belief_sample"

	// KindStatistical is counted evidence from a dataset, used as-is.
	KindStatistical EvidenceKind = "statistical"

	// KindCombined sums Parts, each weighted by its own kind.
	KindCombined EvidenceKind = "combined"
)

// EvidenceRef records the provenance of statistical evidence.
type EvidenceRef struct {
	Plan   string `json:"plan"`
	Result string `json:"result"`
}

// Evidence is one batch of evidence for a hypothesis.
type Evidence struct {
	Successes float64      `json:"successes"`
	Failures  float64      `json:"failures"`
	Ref       *EvidenceRef `json:"evidence_ref,omitempty"`
	Kind      EvidenceKind `json:"kind,omitempty"`
	Parts     []Evidence   `json:"parts,omitempty"`

	// Tokens and CostUSD report oracle usage for budget accounting.
	Tokens  int     `json:"tokens,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// Counts returns the successes and failures to apply to a belief.
//
// Belief samples are multiplied by beliefWeight, statistical evidence is
// returned unchanged and combined evidence sums its parts.
func (e Evidence) Counts(beliefWeight float64) (successes, failures float64) {
	switch e.Kind {
	case KindCombined:
		for _, p := range e.Parts {
			s, f := p.Counts(beliefWeight)
			successes += s
			failures += f
		}
		return successes, failures
	case KindStatistical:
		return e.Successes, e.Failures
	default:
		return e.Successes * beliefWeight, e.Failures * beliefWeight
	}
}

// Validate checks that every count is non-negative and finite.
//
// Returns an error wrapping ErrOracleMalformedResponse otherwise.
func (e Evidence) Validate() error {
	if !countOK(e.Successes) || !countOK(e.Failures) {
		return fmt.Errorf("%w: successes=%g failures=%g", ErrOracleMalformedResponse, e.Successes, e.Failures)
	}
	switch e.Kind {
	case "", KindBeliefSample, KindStatistical, KindCombined:
	default:
		return fmt.Errorf("%w: unknown evidence kind %q", ErrOracleMalformedResponse, e.Kind)
	}
	for i, p := range e.Parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	return nil
}

// Neutral reports whether the evidence carries no counts at all.
func (e Evidence) Neutral() bool {
	s, f := e.Counts(1)
	return s == 0 && f == 0
}

func countOK(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// mergeRefs joins the provenance of several parts.
func mergeRefs(parts []Evidence) *EvidenceRef {
	var plans, results []string
	for _, p := range parts {
		if p.Ref == nil {
			continue
		}
		plans = append(plans, p.Ref.Plan)
		results = append(results, p.Ref.Result)
	}
	if len(plans) == 0 {
		return nil
	}
	return &EvidenceRef{Plan: strings.Join(plans, "; "), Result: strings.Join(results, "; ")}
}
