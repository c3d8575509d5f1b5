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

	"github.com/AleutianAI/discovery/services/discovery/dataset"
	"github.com/AleutianAI/discovery/services/discovery/oracle"
)

const plannerSystemPrompt = `You translate hypotheses into dataset tests.
Pick equality filters that select the rows the hypothesis is about and one
outcome (column and value) whose rate the hypothesis claims is unusual.
Only use the listed columns and values. If the hypothesis cannot be tested,
set "testable" to false.
Reply with a JSON object:
{"testable": true, "filters": [{"column": "...", "value": "..."}], "outcome": {"column": "...", "value": "..."}}`

// Planner maps hypotheses to dataset plans with a language model.
type Planner struct {
	client *Client

	// MaxValues bounds the sample values listed per column.
	MaxValues int
}

// NewPlanner creates a planner over client.
func NewPlanner(client *Client) *Planner {
	return &Planner{client: client, MaxValues: 12}
}

type planReply struct {
	Testable *bool               `json:"testable"`
	Filters  []dataset.Condition `json:"filters"`
	Outcome  dataset.Condition   `json:"outcome"`
}

// Plan implements dataset.Planner.
func (p *Planner) Plan(ctx context.Context, hypothesis string, ds oracle.Dataset) (dataset.Plan, error) {
	var reply planReply
	if _, err := p.client.completeJSON(ctx, plannerSystemPrompt, p.prompt(hypothesis, ds), &reply); err != nil {
		return dataset.Plan{}, err
	}
	if reply.Testable != nil && !*reply.Testable {
		return dataset.Plan{}, fmt.Errorf("%w: model marked %q untestable", dataset.ErrNoPlan, hypothesis)
	}

	plan := dataset.Plan{Filters: reply.Filters, Outcome: reply.Outcome}
	if err := plan.Validate(ds); err != nil {
		return dataset.Plan{}, fmt.Errorf("%w: %v", oracle.ErrOracleMalformedResponse, err)
	}
	return plan, nil
}

func (p *Planner) prompt(hypothesis string, ds oracle.Dataset) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dataset %q, %d rows.\nColumns and sample values:\n", ds.Name(), ds.Len())
	for _, col := range ds.Columns() {
		fmt.Fprintf(&b, "- %s: %s\n", col, strings.Join(dataset.DistinctValues(ds, col, p.MaxValues), ", "))
	}
	fmt.Fprintf(&b, "\nHypothesis: %s", hypothesis)
	return b.String()
}
