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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/discovery/services/discovery/belief"
	"github.com/AleutianAI/discovery/services/discovery/oracle"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scenarioConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxIterations = 10
	cfg.ExplorationConstant = 1.414
	cfg.MaxDepth = 3
	cfg.TracingEnabled = false
	return cfg
}

// scenarioGenerator always proposes the same two children.
type scenarioGenerator struct {
	mu    sync.Mutex
	calls []oracle.GenerateRequest
}

func (g *scenarioGenerator) Generate(ctx context.Context, req oracle.GenerateRequest) ([]oracle.Proposal, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	return []oracle.Proposal{
		{Text: "baseline surprising"},
		{Text: "baseline normal"},
	}, nil
}

// scenarioGatherer supports hypotheses mentioning "surprising" and refutes the rest.
func scenarioGatherer() oracle.GathererFunc {
	return func(ctx context.Context, req oracle.EvidenceRequest) (oracle.Evidence, error) {
		if strings.Contains(req.Hypothesis, "surprising") {
			return oracle.Evidence{Successes: 1, Failures: 0}, nil
		}
		return oracle.Evidence{Successes: 0, Failures: 1}, nil
	}
}

// uniqueGenerator proposes children that never repeat.
func uniqueGenerator() oracle.GeneratorFunc {
	var n atomic.Int64
	return func(ctx context.Context, req oracle.GenerateRequest) ([]oracle.Proposal, error) {
		out := make([]oracle.Proposal, req.Count)
		for i := range out {
			out[i] = oracle.Proposal{Text: fmt.Sprintf("hypothesis %d", n.Add(1))}
		}
		return out, nil
	}
}

func newTestEngine(t *testing.T, cfg Config, gen oracle.HypothesisGenerator, gat oracle.EvidenceGatherer, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithLogger(quietLogger())}, opts...)
	e, err := NewEngine(cfg, gen, gat, opts...)
	require.NoError(t, err)
	return e
}

func TestNewEngine_NilOracle(t *testing.T) {
	_, err := NewEngine(DefaultConfig(), nil, scenarioGatherer())
	assert.ErrorIs(t, err, oracle.ErrNilOracle)
	_, err = NewEngine(DefaultConfig(), &scenarioGenerator{}, nil)
	assert.ErrorIs(t, err, oracle.ErrNilOracle)
}

func TestEngine_ScenarioA_DeterministicDiscovery(t *testing.T) {
	gen := &scenarioGenerator{}
	e := newTestEngine(t, scenarioConfig(), gen, scenarioGatherer(), WithFactContext("fact one"))

	run, err := e.Run(context.Background(), "baseline")
	require.NoError(t, err)
	result := run.Result()
	require.NotNil(t, result)

	assert.Contains(t, result.BestHypothesis, "surprising")
	assert.Equal(t, "baseline surprising", result.BestHypothesis)
	assert.Greater(t, result.BestSurpriseScore, scenarioConfig().SurprisalThreshold)
	assert.InDelta(t, 0.7042677, result.BestSurpriseScore, 1e-4)
	assert.Equal(t, []string{"baseline", "baseline surprising"}, result.BestPath)

	assert.Equal(t, StatusCompleted, run.Status())
	assert.Equal(t, ReasonFrontierExhausted, result.Stats.TerminationReason)
	assert.Equal(t, 5, result.Stats.IterationsRun)
	assert.Equal(t, 5, result.TotalNodes)
	assert.Equal(t, int64(5), result.Stats.EvidenceCalls)
	assert.Equal(t, int64(8), result.Stats.GeneratorCalls)
	assert.Zero(t, result.Stats.DegradedNodes)
	assert.Equal(t, int64(result.Stats.IterationsRun), run.Tree.Root().Visits)

	top := result.TopK
	require.NotEmpty(t, top)
	assert.Equal(t, 1, top[0].NodeIndex)
	assert.Equal(t, int64(2), top[0].Visits)
	assert.Greater(t, top[0].ProbabilityTrue, 0.9)
	for _, h := range top {
		assert.NotZero(t, h.NodeIndex, "root is excluded while other nodes are ranked")
	}

	require.NotEmpty(t, gen.calls)
	first := gen.calls[0]
	assert.Equal(t, "baseline", first.ParentHypothesis)
	assert.Equal(t, 1, first.Depth)
	assert.Equal(t, 2, first.Count)
	assert.Equal(t, []string{"fact one"}, first.FactContext)
}

func TestEngine_ScenarioB_Determinism(t *testing.T) {
	encode := func() []byte {
		e := newTestEngine(t, scenarioConfig(), &scenarioGenerator{}, scenarioGatherer())
		run, err := e.Run(context.Background(), "baseline")
		require.NoError(t, err)
		result := *run.Result()
		result.Stats.WallClockMs = 0
		data, err := json.Marshal(result)
		require.NoError(t, err)
		tree, err := json.Marshal(run.Tree)
		require.NoError(t, err)
		return append(data, tree...)
	}
	assert.Equal(t, string(encode()), string(encode()))
}

func TestEngine_ScenarioC_BudgetExhaustion(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxIterations = 5
	cfg.TimeBudgetMs = 2500

	slow := oracle.GathererFunc(func(ctx context.Context, req oracle.EvidenceRequest) (oracle.Evidence, error) {
		select {
		case <-time.After(time.Second):
			return scenarioGatherer()(ctx, req)
		case <-ctx.Done():
			return oracle.Evidence{}, ctx.Err()
		}
	})
	e := newTestEngine(t, cfg, &scenarioGenerator{}, slow)

	start := time.Now()
	run, err := e.Run(context.Background(), "baseline")
	require.NoError(t, err)
	result := run.Result()

	assert.Equal(t, ReasonBudgetExhausted, result.Stats.TerminationReason)
	assert.Equal(t, StatusBudgetExhausted, run.Status())
	assert.Less(t, run.IterationsCompleted(), 5)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, int64(run.IterationsCompleted()), run.Tree.Root().Visits,
		"abandoned evaluations are not backpropagated")
}

func TestEngine_ScenarioD_DegradedNodes(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxIterations = 20
	cfg.ParallelExpansion = 4

	var calls atomic.Int64
	failing := oracle.GathererFunc(func(ctx context.Context, req oracle.EvidenceRequest) (oracle.Evidence, error) {
		calls.Add(1)
		return oracle.Evidence{}, oracle.ErrOracleTimeout
	})
	e := newTestEngine(t, cfg, uniqueGenerator(), failing)

	run, err := e.Run(context.Background(), "baseline")
	require.NoError(t, err)
	result := run.Result()

	assert.NotEqual(t, StatusFailed, run.Status())
	assert.Contains(t, []RunStatus{StatusCompleted, StatusBudgetExhausted}, run.Status())
	assert.Equal(t, 20, result.Stats.IterationsRun)
	assert.Equal(t, result.TotalNodes, result.Stats.DegradedNodes)
	for _, n := range run.Tree.Nodes() {
		assert.Equal(t, ConfidenceDegraded, n.Confidence, "node %d", n.Index)
		assert.Equal(t, 0.5, n.Belief.Mean(), "neutral update leaves the prior")
	}
	// The breaker opens after five failed attempts and rejects the rest.
	assert.LessOrEqual(t, calls.Load(), int64(5))
}

func TestEngine_GeneratorFailureKeepsParentOpen(t *testing.T) {
	var calls atomic.Int64
	next := uniqueGenerator()
	flaky := oracle.GeneratorFunc(func(ctx context.Context, req oracle.GenerateRequest) ([]oracle.Proposal, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("provider 503")
		}
		return next(ctx, req)
	})
	e := newTestEngine(t, scenarioConfig(), flaky, scenarioGatherer())

	run, err := e.Run(context.Background(), "baseline")
	require.NoError(t, err)
	result := run.Result()

	assert.Equal(t, StatusCompleted, run.Status())
	assert.Equal(t, ReasonMaxIterations, result.Stats.TerminationReason)
	assert.Equal(t, 10, result.Stats.IterationsRun)
	assert.Zero(t, result.Stats.ParentsClosedOnFailure)
	assert.NotEmpty(t, run.Tree.Root().Children)
	assert.Greater(t, calls.Load(), int64(1))
}

func TestEngine_GeneratorFailuresCloseParent(t *testing.T) {
	cfg := scenarioConfig()

	var calls atomic.Int64
	down := oracle.GeneratorFunc(func(ctx context.Context, req oracle.GenerateRequest) ([]oracle.Proposal, error) {
		calls.Add(1)
		return nil, errors.New("provider 503")
	})
	e := newTestEngine(t, cfg, down, scenarioGatherer())

	run, err := e.Run(context.Background(), "baseline")
	require.NoError(t, err)
	result := run.Result()

	assert.Equal(t, ReasonFrontierExhausted, result.Stats.TerminationReason)
	assert.Equal(t, 1, result.Stats.IterationsRun)
	assert.Equal(t, 1, result.Stats.ParentsClosedOnFailure)
	assert.Equal(t, int64(cfg.MaxTimeoutRetries+1), result.Stats.GeneratorCalls)
	assert.Equal(t, int64(cfg.MaxTimeoutRetries+1), calls.Load())

	root := run.Tree.Root()
	assert.True(t, root.Closed)
	assert.Empty(t, root.Children)
}

func TestEngine_DegradedRoundEarnsNoReward(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxEvidenceRounds = 2
	cfg.ParallelExpansion = 1

	var calls atomic.Int64
	gat := oracle.GathererFunc(func(ctx context.Context, req oracle.EvidenceRequest) (oracle.Evidence, error) {
		if calls.Add(1) == 1 {
			return oracle.Evidence{Successes: 1}, nil
		}
		return oracle.Evidence{}, errors.New("evidence store offline")
	})
	empty := oracle.GeneratorFunc(func(ctx context.Context, req oracle.GenerateRequest) ([]oracle.Proposal, error) {
		return nil, nil
	})
	e := newTestEngine(t, cfg, empty, gat)

	run, err := e.Run(context.Background(), "baseline")
	require.NoError(t, err)
	result := run.Result()

	assert.Equal(t, ReasonFrontierExhausted, result.Stats.TerminationReason)
	assert.Equal(t, 2, result.Stats.IterationsRun)
	assert.Equal(t, 1, result.Stats.DegradedNodes)

	root := run.Tree.Root()
	assert.Equal(t, int64(2), root.Visits)
	assert.Equal(t, 2, root.Rounds)
	assert.Equal(t, ConfidenceDegraded, root.Confidence)
	require.Greater(t, root.Surprise, 0.0)
	// Only the first round's score was backpropagated.
	assert.InDelta(t, root.Surprise, root.CumulativeValue, 1e-12)
}

func TestRunState_InsertChildKeepsRejectedProposal(t *testing.T) {
	prior, err := belief.Initialize(1, 1)
	require.NoError(t, err)
	tree, err := NewTree("baseline", prior, TreeConfig{Widening: ProgressiveWidening{K: 1, Alpha: 0.5}, MaxDepth: 3})
	require.NoError(t, err)
	rs := &runState{
		cfg:    scenarioConfig(),
		tree:   tree,
		prior:  prior,
		logger: quietLogger(),
		backlog: map[int][]oracle.Proposal{
			0: {{Text: "returns spike after sales"}, {Text: "refunds lag returns"}},
		},
		genFails: make(map[int]int),
	}

	// An unvisited root has a widening cap of zero.
	_, ok := rs.insertChild(0, &generation{})
	assert.False(t, ok)
	require.Len(t, rs.backlog[0], 2)
	assert.False(t, tree.Root().Closed)

	require.NoError(t, tree.Backpropagate(0, 0))
	idx, ok := rs.insertChild(0, &generation{})
	require.True(t, ok)
	child, err := tree.Node(idx)
	require.NoError(t, err)
	assert.Equal(t, "returns spike after sales", child.Hypothesis)
	require.Len(t, rs.backlog[0], 1)
	assert.Equal(t, "refunds lag returns", rs.backlog[0][0].Text)
}

func TestEngine_Cancellation(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	blocking := oracle.GathererFunc(func(ctx context.Context, req oracle.EvidenceRequest) (oracle.Evidence, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return oracle.Evidence{}, ctx.Err()
	})
	e := newTestEngine(t, scenarioConfig(), &scenarioGenerator{}, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	run, err := e.Run(ctx, "baseline")
	require.NoError(t, err)
	result := run.Result()

	assert.Equal(t, ReasonCancelled, result.Stats.TerminationReason)
	assert.Equal(t, StatusBudgetExhausted, run.Status())
	assert.Zero(t, run.IterationsCompleted())

	root := run.Tree.Root()
	assert.Equal(t, StateEvaluated, root.State)
	assert.Equal(t, ConfidenceDegraded, root.Confidence)
	assert.Zero(t, root.Visits)
	assert.Empty(t, result.BestHypothesis)
}

func TestEngine_InvalidConfig(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxIterations = 0
	cfg.RewardMode = "nope"
	e := newTestEngine(t, cfg, &scenarioGenerator{}, scenarioGatherer())

	run, err := e.Run(context.Background(), "baseline")
	require.Error(t, err)
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("max_iterations"))
	assert.True(t, verr.Has("reward_mode"))

	require.NotNil(t, run)
	assert.Equal(t, StatusFailed, run.Status())
	assert.Nil(t, run.Tree)
	assert.Equal(t, ReasonInvalidConfig, run.Result().Stats.TerminationReason)
}

func TestEngine_EmptySeed(t *testing.T) {
	e := newTestEngine(t, scenarioConfig(), &scenarioGenerator{}, scenarioGatherer())

	_, err := e.Discover(context.Background(), "  \t")
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("seed"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEngine_MalformedResponseRetried(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxIterations = 1

	var calls atomic.Int64
	flaky := oracle.GathererFunc(func(ctx context.Context, req oracle.EvidenceRequest) (oracle.Evidence, error) {
		if calls.Add(1) == 1 {
			return oracle.Evidence{Successes: -1}, nil
		}
		return oracle.Evidence{Successes: 1}, nil
	})
	e := newTestEngine(t, cfg, &scenarioGenerator{}, flaky)

	run, err := e.Run(context.Background(), "baseline")
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, ReasonMaxIterations, run.Result().Stats.TerminationReason)
	assert.Equal(t, ConfidenceNormal, run.Tree.Root().Confidence)
	assert.Zero(t, run.Result().Stats.DegradedNodes)
}

func TestEngine_CostBudget(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxIterations = 100
	cfg.MaxDepth = 10
	cfg.ParallelExpansion = 1
	cfg.CostBudget = 1.0

	priced := oracle.GathererFunc(func(ctx context.Context, req oracle.EvidenceRequest) (oracle.Evidence, error) {
		return oracle.Evidence{Successes: 1, Tokens: 100, CostUSD: 0.4}, nil
	})
	e := newTestEngine(t, cfg, oracle.NewTemplateGenerator(), priced)

	run, err := e.Run(context.Background(), "baseline")
	require.NoError(t, err)
	result := run.Result()

	assert.Equal(t, ReasonBudgetExhausted, result.Stats.TerminationReason)
	assert.Equal(t, 3, result.Stats.IterationsRun)
	assert.InDelta(t, 1.2, result.Stats.CostUSD, 1e-9)
	assert.Equal(t, int64(300), result.Stats.TokensUsed)
}

func TestEngine_SimulatedInvariants(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 60
	cfg.MaxDepth = 4
	cfg.ParallelExpansion = 4
	cfg.TracingEnabled = false

	runOnce := func() *Run {
		e := newTestEngine(t, cfg, oracle.NewTemplateGenerator(), oracle.NewSimulatedGatherer(7, 5))
		run, err := e.Run(context.Background(), "conversion rate differs")
		require.NoError(t, err)
		return run
	}

	run := runOnce()
	result := run.Result()
	nodes := run.Tree.Nodes()
	widening := cfg.WideningPolicy()

	assert.Equal(t, StatusCompleted, run.Status())
	assert.Equal(t, int64(result.Stats.IterationsRun), nodes[0].Visits)
	assert.Equal(t, result.Stats.IterationsRun, result.TotalNodes, "one evidence round per node")
	assert.LessOrEqual(t, result.Stats.MaxDepthReached, cfg.MaxDepth)
	assert.LessOrEqual(t, len(result.TopK), cfg.TopK)

	for _, n := range nodes {
		assert.Equal(t, StateEvaluated, n.State)
		assert.LessOrEqual(t, len(n.Children), widening.Cap(n.Visits), "node %d", n.Index)
		var childVisits int64
		for _, c := range n.Children {
			childVisits += nodes[c].Visits
			assert.Equal(t, n.Depth+1, nodes[c].Depth)
		}
		assert.GreaterOrEqual(t, n.Visits, childVisits, "node %d", n.Index)
	}
	for i := 1; i < len(result.TopK); i++ {
		assert.GreaterOrEqual(t, result.TopK[i-1].Score+scoreTolerance, result.TopK[i].Score)
	}

	again := runOnce().Result()
	assert.Equal(t, result.BestPath, again.BestPath)
	assert.Equal(t, result.TopK, again.TopK)
	assert.Equal(t, result.TotalNodes, again.TotalNodes)
}

func TestEngine_Tracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	cfg := scenarioConfig()
	cfg.TracingEnabled = true
	e := newTestEngine(t, cfg, &scenarioGenerator{}, scenarioGatherer(), WithTracerProvider(tp))

	_, err := e.Run(context.Background(), "baseline")
	require.NoError(t, err)

	names := make(map[string]int)
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["discovery.run"])
	assert.Equal(t, 5, names["discovery.batch"])
	assert.Equal(t, 8, names["discovery.generate"])
	assert.Equal(t, 5, names["discovery.gather"])
}

func TestEngine_TracingDisabled(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	e := newTestEngine(t, scenarioConfig(), &scenarioGenerator{}, scenarioGatherer(), WithTracerProvider(tp))
	_, err := e.Run(context.Background(), "baseline")
	require.NoError(t, err)
	assert.Empty(t, sr.Ended())
}

func TestEngine_RunWithStart(t *testing.T) {
	e := newTestEngine(t, scenarioConfig(), &scenarioGenerator{}, scenarioGatherer())

	var seen *Run
	var statusAtStart RunStatus
	run, err := e.RunWithStart(context.Background(), "baseline", func(r *Run) {
		seen = r
		statusAtStart = r.Status()
	})
	require.NoError(t, err)
	require.Same(t, run, seen)
	assert.Equal(t, StatusRunning, statusAtStart)
	assert.Equal(t, StatusCompleted, run.Status())

	// The hook fires even when the run is rejected.
	called := false
	run, err = e.RunWithStart(context.Background(), " ", func(*Run) { called = true })
	require.Error(t, err)
	assert.True(t, called)
	assert.Equal(t, StatusFailed, run.Status())
}

func TestEngine_Progress(t *testing.T) {
	var events []Progress
	e := newTestEngine(t, scenarioConfig(), &scenarioGenerator{}, scenarioGatherer(),
		WithProgress(func(p Progress) { events = append(events, p) }))

	run, err := e.Run(context.Background(), "baseline")
	require.NoError(t, err)
	require.Len(t, events, 5, "one event per batch")

	for i, p := range events {
		assert.Equal(t, run.ID, p.RunID)
		assert.Equal(t, i+1, p.Batch)
		assert.Equal(t, 10, p.MaxIterations)
		if i > 0 {
			assert.GreaterOrEqual(t, p.Iterations, events[i-1].Iterations)
			assert.GreaterOrEqual(t, p.Nodes, events[i-1].Nodes)
		}
	}
	last := events[len(events)-1]
	assert.Equal(t, run.Result().Stats.IterationsRun, last.Iterations)
	assert.Equal(t, run.Result().BestHypothesis, last.BestHypothesis)
}
