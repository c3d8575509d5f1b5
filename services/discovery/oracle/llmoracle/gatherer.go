// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llmoracle

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/AleutianAI/discovery/services/discovery/oracle"
)

const gathererSystemPrompt = `You are a careful analyst. Estimate the probability that a
hypothesis is true given the context. Be calibrated: 0.5 means no idea.
Reply with a JSON object: {"probability": 0.0-1.0, "rationale": "..."}`

// BeliefGatherer elicits a probability that a hypothesis holds.
//
// The probability p is returned as a belief sample (successes=p,
// failures=1-p); the engine scales it by the run's belief sample weight.
type BeliefGatherer struct {
	client *Client
	facts  []string
}

// NewBeliefGatherer creates a gatherer. facts are included in every prompt.
func NewBeliefGatherer(client *Client, facts ...string) *BeliefGatherer {
	return &BeliefGatherer{client: client, facts: facts}
}

type beliefReply struct {
	Probability *float64 `json:"probability"`
	Rationale   string   `json:"rationale"`
}

// Gather implements oracle.EvidenceGatherer.
func (g *BeliefGatherer) Gather(ctx context.Context, req oracle.EvidenceRequest) (oracle.Evidence, error) {
	var reply beliefReply
	usage, err := g.client.completeJSON(ctx, gathererSystemPrompt, g.prompt(req), &reply)
	if err != nil {
		return oracle.Evidence{}, err
	}
	if reply.Probability == nil {
		return oracle.Evidence{}, fmt.Errorf("%w: missing probability", oracle.ErrOracleMalformedResponse)
	}
	p := *reply.Probability
	if math.IsNaN(p) || p < 0 || p > 1 {
		return oracle.Evidence{}, fmt.Errorf("%w: probability %g outside [0, 1]", oracle.ErrOracleMalformedResponse, p)
	}

	return oracle.Evidence{
		Successes: p,
		Failures:  1 - p,
		Kind:      oracle.KindBeliefSample,
		Tokens:    usage.Tokens,
		CostUSD:   usage.CostUSD,
	}, nil
}

func (g *BeliefGatherer) prompt(req oracle.EvidenceRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hypothesis: %s\n\n", req.Hypothesis)
	if req.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n\n", req.Category)
	}
	fmt.Fprintf(&b, "Refines (root first):\n%s\n\n", bulleted(req.AncestorChain))
	fmt.Fprintf(&b, "Known facts:\n%s\n\n", bulleted(g.facts))
	if req.Round > 0 {
		fmt.Fprintf(&b, "This is assessment round %d; reconsider independently.\n\n", req.Round+1)
	}
	b.WriteString("How likely is the hypothesis to be true?")
	return b.String()
}
