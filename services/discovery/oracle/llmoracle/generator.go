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
	"strings"

	"github.com/AleutianAI/discovery/services/discovery/oracle"
)

const generatorSystemPrompt = `You are a research assistant exploring hypotheses about data.
Given a parent hypothesis, propose more specific child hypotheses that would
be surprising if true. Each child must refine the parent, differ from the
listed siblings and ancestors, and be testable.
Reply with a JSON object: {"hypotheses": [{"text": "...", "category": "..."}]}`

// Generator proposes child hypotheses with a language model.
type Generator struct {
	client *Client
}

// NewGenerator creates a generator over client.
func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

type generatorReply struct {
	Hypotheses []struct {
		Text     string `json:"text"`
		Category string `json:"category"`
	} `json:"hypotheses"`
}

// Generate implements oracle.HypothesisGenerator.
func (g *Generator) Generate(ctx context.Context, req oracle.GenerateRequest) ([]oracle.Proposal, error) {
	var reply generatorReply
	if _, err := g.client.completeJSON(ctx, generatorSystemPrompt, generatorPrompt(req), &reply); err != nil {
		return nil, err
	}
	if reply.Hypotheses == nil {
		return nil, fmt.Errorf("%w: missing hypotheses", oracle.ErrOracleMalformedResponse)
	}

	out := make([]oracle.Proposal, 0, len(reply.Hypotheses))
	for _, h := range reply.Hypotheses {
		text := strings.TrimSpace(h.Text)
		if text == "" {
			continue
		}
		out = append(out, oracle.Proposal{Text: text, Category: strings.TrimSpace(h.Category)})
	}
	return out, nil
}

func generatorPrompt(req oracle.GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Parent hypothesis: %s\n\n", req.ParentHypothesis)
	fmt.Fprintf(&b, "Ancestors (root first):\n%s\n\n", bulleted(req.AncestorChain))
	fmt.Fprintf(&b, "Known facts:\n%s\n\n", bulleted(req.FactContext))
	fmt.Fprintf(&b, "Existing siblings (do not repeat):\n%s\n\n", bulleted(req.Siblings))
	fmt.Fprintf(&b, "Propose %d new child hypotheses at depth %d.", req.Count, req.Depth)
	return b.String()
}
