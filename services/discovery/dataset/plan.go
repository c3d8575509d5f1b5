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
	"fmt"
	"strings"
	"unicode"

	"github.com/AleutianAI/discovery/services/discovery/oracle"
)

// Condition selects rows where Column equals Value (case-insensitive).
type Condition struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// String renders the condition as column=value.
func (c Condition) String() string {
	return c.Column + "=" + c.Value
}

// Plan is a dataset test for one hypothesis: among rows matching every
// filter, how often does the outcome hold?
type Plan struct {
	Filters []Condition `json:"filters"`
	Outcome Condition   `json:"outcome"`
}

// String renders the plan for an evidence reference.
func (p Plan) String() string {
	parts := make([]string, len(p.Filters))
	for i, f := range p.Filters {
		parts[i] = f.String()
	}
	where := "all rows"
	if len(parts) > 0 {
		where = strings.Join(parts, " AND ")
	}
	return fmt.Sprintf("P(%s | %s)", p.Outcome, where)
}

// Validate checks that every column exists in ds.
func (p Plan) Validate(ds oracle.Dataset) error {
	known := make(map[string]bool)
	for _, c := range ds.Columns() {
		known[c] = true
	}
	if !known[p.Outcome.Column] {
		return fmt.Errorf("%w: outcome %q", ErrUnknownColumn, p.Outcome.Column)
	}
	for _, f := range p.Filters {
		if !known[f.Column] {
			return fmt.Errorf("%w: filter %q", ErrUnknownColumn, f.Column)
		}
	}
	return nil
}

// Planner maps a hypothesis to a Plan.
//
// Implementations return an error wrapping ErrNoPlan when the hypothesis
// cannot be tested against the dataset.
type Planner interface {
	Plan(ctx context.Context, hypothesis string, ds oracle.Dataset) (Plan, error)
}

// KeywordPlanner filters on every column value the hypothesis mentions.
//
// The outcome is fixed at construction. Values are matched as whole words,
// case-insensitively; when several values of one column match, the longest
// wins.
type KeywordPlanner struct {
	outcome Condition

	// MaxValues bounds how many distinct values per column are considered.
	MaxValues int
}

// NewKeywordPlanner creates a planner for the given outcome.
func NewKeywordPlanner(outcomeColumn, outcomeValue string) *KeywordPlanner {
	return &KeywordPlanner{
		outcome:   Condition{Column: outcomeColumn, Value: outcomeValue},
		MaxValues: 200,
	}
}

// Plan implements Planner.
func (k *KeywordPlanner) Plan(ctx context.Context, hypothesis string, ds oracle.Dataset) (Plan, error) {
	if err := ctx.Err(); err != nil {
		return Plan{}, err
	}
	words := " " + strings.Join(tokenize(hypothesis), " ") + " "

	plan := Plan{Outcome: k.outcome}
	for _, col := range ds.Columns() {
		if col == k.outcome.Column {
			continue
		}
		best := ""
		for _, v := range DistinctValues(ds, col, k.MaxValues) {
			key := strings.Join(tokenize(v), " ")
			if key == "" || !strings.Contains(words, " "+key+" ") {
				continue
			}
			if len(v) > len(best) {
				best = v
			}
		}
		if best != "" {
			plan.Filters = append(plan.Filters, Condition{Column: col, Value: best})
		}
	}
	if len(plan.Filters) == 0 {
		return Plan{}, fmt.Errorf("%w: no column value mentioned in %q", ErrNoPlan, hypothesis)
	}
	return plan, plan.Validate(ds)
}

// DistinctValues returns up to limit distinct values of column in first
// appearance order. A limit below 1 means no limit.
func DistinctValues(ds oracle.Dataset, column string, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for row := 0; row < ds.Len(); row++ {
		v, ok := ds.Value(row, column)
		if !ok || v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
