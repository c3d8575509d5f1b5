// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle defines the ports the discovery engine consumes and the
// guard that makes calls through them safe.
//
// # Ports
//
//   - HypothesisGenerator proposes child hypotheses for a parent.
//   - EvidenceGatherer returns success/failure evidence for one hypothesis.
//   - Dataset is an optional read-only table a gatherer may test against.
//
// Implementations live elsewhere (llmoracle, dataset) or in this package
// for offline use (TemplateGenerator, SimulatedGatherer).
//
// # Guard
//
// Guard wraps every call with a per-attempt timeout, bounded retries for
// timeouts and malformed responses, an optional rate limit and a circuit
// breaker. A call whose parent context ends is abandoned and reported with
// the context's error, never as an oracle timeout.
package oracle

import "context"

// Proposal is one candidate child hypothesis.
type Proposal struct {
	Text     string `json:"text"`
	Category string `json:"category,omitempty"`
}

// GenerateRequest carries everything a generator may condition on.
type GenerateRequest struct {
	// ParentHypothesis is the hypothesis being refined.
	ParentHypothesis string

	// AncestorChain lists hypotheses from the root down to the parent's parent.
	AncestorChain []string

	// FactContext holds background facts (dataset summary, domain notes).
	FactContext []string

	// Siblings are the parent's existing children; proposals repeating
	// them are discarded.
	Siblings []string

	// Count is how many new proposals are wanted.
	Count int

	// Depth is the depth the new children will have.
	Depth int
}

// HypothesisGenerator proposes child hypotheses.
//
// Implementations must honour ctx cancellation. A response that cannot be
// parsed should wrap ErrOracleMalformedResponse.
type HypothesisGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]Proposal, error)
}

// EvidenceRequest identifies the hypothesis to gather evidence for.
type EvidenceRequest struct {
	NodeIndex     int
	Hypothesis    string
	Category      string
	AncestorChain []string
	Depth         int

	// Round counts earlier evidence batches for this node.
	Round int
}

// EvidenceGatherer returns evidence for one hypothesis.
//
// Implementations must honour ctx cancellation and deadlines. Timeouts
// should wrap ErrOracleTimeout and unparseable responses
// ErrOracleMalformedResponse.
type EvidenceGatherer interface {
	Gather(ctx context.Context, req EvidenceRequest) (Evidence, error)
}

// Dataset is a read-only table gatherers may compute statistics over.
type Dataset interface {
	Name() string
	Columns() []string
	Len() int
	Value(row int, column string) (string, bool)
}

// GeneratorFunc adapts a function to HypothesisGenerator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) ([]Proposal, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) ([]Proposal, error) {
	return f(ctx, req)
}

// GathererFunc adapts a function to EvidenceGatherer.
type GathererFunc func(ctx context.Context, req EvidenceRequest) (Evidence, error)

// Gather calls f.
func (f GathererFunc) Gather(ctx context.Context, req EvidenceRequest) (Evidence, error) {
	return f(ctx, req)
}
