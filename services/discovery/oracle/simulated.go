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
	"context"
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"github.com/AleutianAI/discovery/services/discovery/specfn"
)

// DefaultFacets are the refinements TemplateGenerator appends.
var DefaultFacets = []string{
	"among new customers",
	"in the largest region",
	"during peak season",
	"after controlling for price",
	"for repeat buyers",
	"when volume is high",
	"in the most recent quarter",
	"for the premium tier",
}

// TemplateGenerator proposes children by appending facets to the parent.
//
// Proposals are deterministic: facets are tried in order, skipping any
// already present in the parent, its ancestors or its siblings.
type TemplateGenerator struct {
	facets []string
}

// NewTemplateGenerator creates a generator over facets (DefaultFacets if empty).
func NewTemplateGenerator(facets ...string) *TemplateGenerator {
	if len(facets) == 0 {
		facets = DefaultFacets
	}
	return &TemplateGenerator{facets: facets}
}

// Generate implements HypothesisGenerator.
func (g *TemplateGenerator) Generate(ctx context.Context, req GenerateRequest) ([]Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(req.Siblings))
	for _, s := range req.Siblings {
		taken[normalize(s)] = true
	}

	var out []Proposal
	for _, facet := range g.facets {
		if len(out) >= req.Count {
			break
		}
		if strings.Contains(req.ParentHypothesis, facet) || inChain(req.AncestorChain, facet) {
			continue
		}
		text := req.ParentHypothesis + " " + facet
		if taken[normalize(text)] {
			continue
		}
		taken[normalize(text)] = true
		out = append(out, Proposal{Text: text, Category: "facet"})
	}
	return out, nil
}

// SimulatedGatherer elicits synthetic belief samples.
//
// Each hypothesis gets a latent truth rate drawn from Beta(LatentAlpha,
// LatentBeta); each evidence round casts Votes Bernoulli votes at that rate
// and reports the vote share as an elicited probability. Randomness is
// derived from (seed, hypothesis, round) only, so results do not depend on
// call order or concurrency.
type SimulatedGatherer struct {
	seed        uint64
	votes       int
	latentAlpha float64
	latentBeta  float64
}

// NewSimulatedGatherer creates a gatherer with votes per round (min 1).
// The latent prior is Beta(0.6, 0.6), which favours clear-cut hypotheses.
func NewSimulatedGatherer(seed uint64, votes int) *SimulatedGatherer {
	if votes < 1 {
		votes = 1
	}
	return &SimulatedGatherer{seed: seed, votes: votes, latentAlpha: 0.6, latentBeta: 0.6}
}

// TruthRate returns the latent rate for a hypothesis.
func (s *SimulatedGatherer) TruthRate(hypothesis string) float64 {
	rng := rand.New(rand.NewPCG(s.seed, hashText(hypothesis)))
	return specfn.SampleBeta(s.latentAlpha, s.latentBeta, rng)
}

// Gather implements EvidenceGatherer.
func (s *SimulatedGatherer) Gather(ctx context.Context, req EvidenceRequest) (Evidence, error) {
	if err := ctx.Err(); err != nil {
		return Evidence{}, err
	}
	p := s.TruthRate(req.Hypothesis)
	rng := rand.New(rand.NewPCG(s.seed^uint64(req.Round+1), hashText(req.Hypothesis)))

	yes := 0
	for i := 0; i < s.votes; i++ {
		if rng.Float64() < p {
			yes++
		}
	}
	share := float64(yes) / float64(s.votes)
	return Evidence{Successes: share, Failures: 1 - share, Kind: KindBeliefSample}, nil
}

func hashText(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalize(s)))
	return h.Sum64()
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func inChain(chain []string, facet string) bool {
	for _, c := range chain {
		if strings.Contains(c, facet) {
			return true
		}
	}
	return false
}
