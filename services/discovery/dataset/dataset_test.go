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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/discovery/services/discovery/oracle"
)

const churnCSV = `region, tier, churned
north,premium,yes
north,basic,no
south,premium,yes
south,premium,yes
south,basic,no
east,basic,no
east,premium,no
north,basic,no
`

func churnTable(t *testing.T) *Table {
	t.Helper()
	table, err := ReadCSV("churn", strings.NewReader(churnCSV))
	require.NoError(t, err)
	return table
}

func TestReadCSV(t *testing.T) {
	table := churnTable(t)
	assert.Equal(t, "churn", table.Name())
	assert.Equal(t, []string{"region", "tier", "churned"}, table.Columns())
	assert.Equal(t, 8, table.Len())

	v, ok := table.Value(2, "tier")
	assert.True(t, ok)
	assert.Equal(t, "premium", v)

	_, ok = table.Value(2, "missing")
	assert.False(t, ok)
	_, ok = table.Value(99, "tier")
	assert.False(t, ok)
	assert.True(t, table.HasColumn("churned"))
	assert.Contains(t, table.Summary(), "8 rows")

	_, err := ReadCSV("empty", strings.NewReader("a,b\n"))
	assert.ErrorIs(t, err, ErrEmptyTable)
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.csv")
	require.NoError(t, os.WriteFile(path, []byte(churnCSV), 0o600))

	table, err := LoadCSV(path)
	require.NoError(t, err)
	assert.Equal(t, "orders", table.Name())

	_, err = LoadCSV(filepath.Join(t.TempDir(), "absent.csv"))
	assert.Error(t, err)
}

func TestKeywordPlanner(t *testing.T) {
	table := churnTable(t)
	planner := NewKeywordPlanner("churned", "yes")

	plan, err := planner.Plan(context.Background(), "Premium customers in the South churn more", table)
	require.NoError(t, err)
	assert.Equal(t, []Condition{{Column: "region", Value: "south"}, {Column: "tier", Value: "premium"}}, plan.Filters)
	assert.Equal(t, "P(churned=yes | region=south AND tier=premium)", plan.String())

	_, err = planner.Plan(context.Background(), "weather affects everything", table)
	assert.ErrorIs(t, err, ErrNoPlan)

	bad := NewKeywordPlanner("absent", "yes")
	_, err = bad.Plan(context.Background(), "south", table)
	assert.ErrorIs(t, err, ErrUnknownColumn)
}

func TestBinomialUpperTail(t *testing.T) {
	tests := []struct {
		k, n int
		p    float64
		want float64
	}{
		{0, 5, 0.3, 1},
		{5, 5, 0.5, 0.03125},
		{1, 1, 0.2, 0.2},
		{2, 2, 0.375, 0.140625},
		{3, 10, 0, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("k=%d,n=%d,p=%g", tt.k, tt.n, tt.p), func(t *testing.T) {
			got, err := BinomialUpperTail(tt.k, tt.n, tt.p)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := BinomialUpperTail(4, 3, 0.5)
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	table := churnTable(t)
	plan := Plan{
		Filters: []Condition{{Column: "region", Value: "South"}, {Column: "tier", Value: "premium"}},
		Outcome: Condition{Column: "churned", Value: "yes"},
	}
	tally, err := Run(table, plan)
	require.NoError(t, err)
	assert.Equal(t, 2, tally.Matched)
	assert.Equal(t, 2, tally.Hits)
	assert.InDelta(t, 0.375, tally.BaselineRate, 1e-12)
	assert.InDelta(t, 0.140625, tally.PValue, 1e-9)
	assert.Equal(t, 1.0, tally.Rate())

	plan.Filters = []Condition{{Column: "region", Value: "west"}}
	_, err = Run(table, plan)
	assert.ErrorIs(t, err, ErrEmptySelection)
}

func TestGatherer(t *testing.T) {
	table := churnTable(t)
	g, err := NewGatherer(table, NewKeywordPlanner("churned", "yes"))
	require.NoError(t, err)

	ev, err := g.Gather(context.Background(), oracle.EvidenceRequest{Hypothesis: "premium south customers churn"})
	require.NoError(t, err)
	assert.Equal(t, oracle.KindStatistical, ev.Kind)
	assert.Equal(t, 2.0, ev.Successes)
	assert.Equal(t, 0.0, ev.Failures)
	require.NotNil(t, ev.Ref)
	assert.Contains(t, ev.Ref.Result, "2/2")

	s, f := ev.Counts(3)
	assert.Equal(t, 2.0, s, "statistical evidence is not reweighted")
	assert.Equal(t, 0.0, f)

	_, err = g.Gather(context.Background(), oracle.EvidenceRequest{Hypothesis: "unrelated"})
	assert.ErrorIs(t, err, ErrNoPlan)

	_, err = NewGatherer(nil, NewKeywordPlanner("churned", "yes"))
	assert.ErrorIs(t, err, oracle.ErrNilOracle)
}

func TestGatherer_SampleCap(t *testing.T) {
	var b strings.Builder
	b.WriteString("segment,converted\n")
	for i := 0; i < 40; i++ {
		outcome := "no"
		if i%4 == 0 {
			outcome = "yes"
		}
		fmt.Fprintf(&b, "web,%s\n", outcome)
	}
	for i := 0; i < 10; i++ {
		b.WriteString("store,no\n")
	}
	table, err := ReadCSV("conversions", strings.NewReader(b.String()))
	require.NoError(t, err)

	g, err := NewGatherer(table, NewKeywordPlanner("converted", "yes"), WithSampleCap(30))
	require.NoError(t, err)
	ev, err := g.Gather(context.Background(), oracle.EvidenceRequest{Hypothesis: "web visitors convert"})
	require.NoError(t, err)

	assert.InDelta(t, 30, ev.Successes+ev.Failures, 1e-9)
	assert.InDelta(t, 7.5, ev.Successes, 1e-9)
}

func TestGatherer_Cancelled(t *testing.T) {
	g, err := NewGatherer(churnTable(t), NewKeywordPlanner("churned", "yes"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Gather(ctx, oracle.EvidenceRequest{Hypothesis: "south"})
	assert.ErrorIs(t, err, context.Canceled)
}
