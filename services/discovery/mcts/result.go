// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcts

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/discovery/services/discovery/specfn"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	StatusRunning         RunStatus = "running"
	StatusCompleted       RunStatus = "completed"
	StatusBudgetExhausted RunStatus = "budget_exhausted"
	StatusFailed          RunStatus = "failed"
)

// TerminationReason explains why a run stopped.
type TerminationReason string

const (
	ReasonMaxIterations     TerminationReason = "max_iterations"
	ReasonFrontierExhausted TerminationReason = "frontier_exhausted"
	ReasonBudgetExhausted   TerminationReason = "budget_exhausted"
	ReasonCancelled         TerminationReason = "cancelled"
	ReasonInvalidConfig     TerminationReason = "invalid_config"
)

// Status maps a termination reason to the run status it implies.
func (r TerminationReason) Status() RunStatus {
	switch r {
	case ReasonMaxIterations, ReasonFrontierExhausted:
		return StatusCompleted
	case ReasonBudgetExhausted, ReasonCancelled:
		return StatusBudgetExhausted
	case ReasonInvalidConfig:
		return StatusFailed
	default:
		return StatusRunning
	}
}

// scoreTolerance treats surprise scores this close as tied.
const scoreTolerance = 1e-9

// RankedHypothesis is one entry of a result's top-K list.
type RankedHypothesis struct {
	NodeIndex       int        `json:"node_index"`
	Hypothesis      string     `json:"hypothesis"`
	Category        string     `json:"category,omitempty"`
	Score           float64    `json:"score"`
	Visits          int64      `json:"visits"`
	Depth           int        `json:"depth"`
	PosteriorMean   float64    `json:"posterior_mean"`
	ProbabilityTrue float64    `json:"probability_true"`
	Surprising      bool       `json:"surprising"`
	Confidence      Confidence `json:"confidence"`
}

// RunStats summarizes a run.
type RunStats struct {
	IterationsRun      int               `json:"iterations_run"`
	AvgBranchingFactor float64           `json:"avg_branching_factor"`
	WallClockMs        int64             `json:"wall_clock_ms"`
	TerminationReason  TerminationReason `json:"termination_reason"`
	DegradedNodes      int               `json:"degraded_nodes"`
	SurprisingNodes    int               `json:"surprising_nodes"`
	MaxDepthReached    int               `json:"max_depth_reached"`
	EvidenceCalls      int64             `json:"evidence_calls"`
	GeneratorCalls     int64             `json:"generator_calls"`
	TokensUsed         int64             `json:"tokens_used"`
	CostUSD            float64           `json:"cost_usd"`

	// ParentsClosedOnFailure counts parents closed to widening because
	// their generator calls kept failing.
	ParentsClosedOnFailure int `json:"parents_closed_on_failure"`
}

// DiscoveryResult is the outcome of a run.
type DiscoveryResult struct {
	TotalNodes        int                `json:"total_nodes"`
	BestHypothesis    string             `json:"best_hypothesis"`
	BestSurpriseScore float64            `json:"best_surprise_score"`
	BestPath          []string           `json:"best_path"`
	TopK              []RankedHypothesis `json:"top_k"`
	Stats             RunStats           `json:"stats"`
}

// rankNodes orders evaluated nodes for best/top-K.
//
// Only nodes with at least one applied evidence round qualify. The root is
// excluded unless it is the only one. Order is surprise descending (ties
// within scoreTolerance), then visits descending, then insertion order.
func rankNodes(nodes []Node) []Node {
	var ranked []Node
	var root *Node
	for i := range nodes {
		n := nodes[i]
		if n.State != StateEvaluated || n.Rounds == 0 {
			continue
		}
		if n.IsRoot() {
			root = &nodes[i]
			continue
		}
		ranked = append(ranked, n)
	}
	if len(ranked) == 0 && root != nil {
		return []Node{*root}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if math.Abs(a.Surprise-b.Surprise) > scoreTolerance {
			return a.Surprise > b.Surprise
		}
		if a.Visits != b.Visits {
			return a.Visits > b.Visits
		}
		return a.Index < b.Index
	})
	return ranked
}

func toRanked(n Node, guard *specfn.Guard) RankedHypothesis {
	return RankedHypothesis{
		NodeIndex:       n.Index,
		Hypothesis:      n.Hypothesis,
		Category:        n.Category,
		Score:           n.Surprise,
		Visits:          n.Visits,
		Depth:           n.Depth,
		PosteriorMean:   n.Belief.Mean(),
		ProbabilityTrue: n.Belief.ProbabilityAbove(0.5, guard),
		Surprising:      n.Surprising,
		Confidence:      n.Confidence,
	}
}

// Run is one discovery session.
//
// Thread Safety: Safe for concurrent reads while the engine runs it.
type Run struct {
	ID     string `json:"run_id"`
	Seed   string `json:"seed"`
	Config Config `json:"config"`
	Tree   *Tree  `json:"-"`

	mu                  sync.RWMutex
	status              RunStatus
	iterationsCompleted int
	best                []RankedHypothesis
	bestPath            []string
	result              *DiscoveryResult
	startedAt           time.Time
	finishedAt          time.Time
}

// Status returns the run status.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// IterationsCompleted returns the number of completed iterations.
func (r *Run) IterationsCompleted() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.iterationsCompleted
}

// StartedAt returns when the run started.
func (r *Run) StartedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt
}

// FinishedAt returns when the run finished, zero while running.
func (r *Run) FinishedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finishedAt
}

// TopK returns the current best hypotheses.
func (r *Run) TopK() []RankedHypothesis {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]RankedHypothesis(nil), r.best...)
}

// Result returns the final result, nil while the run is in progress.
func (r *Run) Result() *DiscoveryResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result
}

// refreshBest recomputes best/top-K from the tree.
func (r *Run) refreshBest(guard *specfn.Guard) {
	ranked := rankNodes(r.Tree.Nodes())
	k := min(r.Config.TopK, len(ranked))
	best := make([]RankedHypothesis, 0, k)
	for _, n := range ranked[:k] {
		best = append(best, toRanked(n, guard))
	}
	var path []string
	if len(best) > 0 {
		path = r.Tree.PathHypotheses(best[0].NodeIndex)
	}

	r.mu.Lock()
	r.best = best
	r.bestPath = path
	r.mu.Unlock()
}

// Progress is a snapshot of a running search, taken after each batch.
type Progress struct {
	RunID          string  `json:"run_id"`
	Batch          int     `json:"batch"`
	Iterations     int     `json:"iterations"`
	MaxIterations  int     `json:"max_iterations"`
	Nodes          int     `json:"nodes"`
	Degraded       int     `json:"degraded"`
	BestHypothesis string  `json:"best_hypothesis,omitempty"`
	BestScore      float64 `json:"best_score"`
}

func (r *Run) progress(batch, nodes, degraded int) Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := Progress{
		RunID:         r.ID,
		Batch:         batch,
		Iterations:    r.iterationsCompleted,
		MaxIterations: r.Config.MaxIterations,
		Nodes:         nodes,
		Degraded:      degraded,
	}
	if len(r.best) > 0 {
		p.BestHypothesis = r.best[0].Hypothesis
		p.BestScore = r.best[0].Score
	}
	return p
}

func (r *Run) addIterations(n int) {
	r.mu.Lock()
	r.iterationsCompleted += n
	r.mu.Unlock()
}

// finish freezes the run and builds its result.
func (r *Run) finish(reason TerminationReason, budget *Budget, closedOnFailure int) *DiscoveryResult {
	nodes := r.Tree.Nodes()
	stats := RunStats{
		AvgBranchingFactor:     r.Tree.AvgBranchingFactor(),
		TerminationReason:      reason,
		MaxDepthReached:        r.Tree.MaxDepthReached(),
		ParentsClosedOnFailure: closedOnFailure,
	}
	for _, n := range nodes {
		if n.Confidence == ConfidenceDegraded {
			stats.DegradedNodes++
		}
		if n.Surprising {
			stats.SurprisingNodes++
		}
	}
	if budget != nil {
		stats.EvidenceCalls = budget.EvidenceCalls()
		stats.GeneratorCalls = budget.GeneratorCalls()
		stats.TokensUsed = budget.TokensUsed()
		stats.CostUSD = budget.CostUSD()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishedAt = time.Now()
	r.status = reason.Status()
	stats.IterationsRun = r.iterationsCompleted
	stats.WallClockMs = r.finishedAt.Sub(r.startedAt).Milliseconds()

	result := &DiscoveryResult{
		TotalNodes: len(nodes),
		BestPath:   append([]string{}, r.bestPath...),
		TopK:       append([]RankedHypothesis{}, r.best...),
		Stats:      stats,
	}
	if len(r.best) > 0 {
		result.BestHypothesis = r.best[0].Hypothesis
		result.BestSurpriseScore = r.best[0].Score
	}
	r.result = result
	return result
}
