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

import "context"

// combined gathers from several sources for one request.
type combined struct {
	gatherers []EvidenceGatherer
}

// Combine returns a gatherer that queries every gatherer in order and
// merges what succeeds into KindCombined evidence.
//
// The merged evidence fails only when every part fails; the first error is
// returned in that case. With a single successful part that part is
// returned unchanged. A context error aborts immediately.
func Combine(gatherers ...EvidenceGatherer) EvidenceGatherer {
	var gs []EvidenceGatherer
	for _, g := range gatherers {
		if g != nil {
			gs = append(gs, g)
		}
	}
	if len(gs) == 1 {
		return gs[0]
	}
	return &combined{gatherers: gs}
}

// Gather implements EvidenceGatherer.
func (c *combined) Gather(ctx context.Context, req EvidenceRequest) (Evidence, error) {
	if len(c.gatherers) == 0 {
		return Evidence{}, ErrNilOracle
	}

	var parts []Evidence
	var firstErr error
	for _, g := range c.gatherers {
		ev, err := g.Gather(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Evidence{}, ctxErr
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		parts = append(parts, ev)
	}

	switch len(parts) {
	case 0:
		return Evidence{}, firstErr
	case 1:
		return parts[0], nil
	}

	out := Evidence{Kind: KindCombined, Parts: parts, Ref: mergeRefs(parts)}
	for _, p := range parts {
		out.Successes += p.Successes
		out.Failures += p.Failures
		out.Tokens += p.Tokens
		out.CostUSD += p.CostUSD
	}
	return out, nil
}
