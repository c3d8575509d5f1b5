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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/discovery/services/discovery/belief"
	"github.com/AleutianAI/discovery/services/discovery/oracle"
	"github.com/AleutianAI/discovery/services/discovery/specfn"
	"github.com/AleutianAI/discovery/services/discovery/surprise"
)

// Engine runs Bayesian MCTS discovery over pluggable oracles.
//
// Thread Safety: Safe for concurrent use. Each Run owns its tree, guards,
// budget and degradation state.
type Engine struct {
	config         Config
	generator      oracle.HypothesisGenerator
	gatherer       oracle.EvidenceGatherer
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	facts          []string
	degradation    DegradationConfig
	progress       func(Progress)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracerProvider sets the tracer provider (default: the global one).
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithFactContext sets background facts passed to the hypothesis generator.
func WithFactContext(facts ...string) EngineOption {
	return func(e *Engine) { e.facts = append([]string(nil), facts...) }
}

// WithDegradationConfig overrides the batch width degradation thresholds.
func WithDegradationConfig(cfg DegradationConfig) EngineOption {
	return func(e *Engine) { e.degradation = cfg }
}

// WithProgress sets a callback invoked after every applied batch. It runs
// on the search goroutine and must return quickly.
func WithProgress(fn func(Progress)) EngineOption {
	return func(e *Engine) { e.progress = fn }
}

// NewEngine creates an engine.
//
// Inputs:
//   - config: Run configuration. Validated at the start of every run.
//   - generator: Proposes child hypotheses. Must not be nil.
//   - gatherer: Supplies evidence. Must not be nil.
//   - opts: Optional configuration.
//
// Outputs:
//   - *Engine: Ready engine.
//   - error: oracle.ErrNilOracle if either oracle is nil.
func NewEngine(config Config, generator oracle.HypothesisGenerator, gatherer oracle.EvidenceGatherer, opts ...EngineOption) (*Engine, error) {
	if generator == nil || gatherer == nil {
		return nil, oracle.ErrNilOracle
	}
	e := &Engine{
		config:      config,
		generator:   generator,
		gatherer:    gatherer,
		logger:      slog.Default(),
		degradation: DefaultDegradationConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Discover runs a discovery session and returns only its result.
func (e *Engine) Discover(ctx context.Context, seed string) (*DiscoveryResult, error) {
	run, err := e.Run(ctx, seed)
	if err != nil {
		return nil, err
	}
	return run.Result(), nil
}

// Run executes one discovery session to completion.
//
// Description:
//
//	The run stops when MaxIterations evaluations have completed, when
//	nothing remains selectable under progressive widening, when ctx is
//	cancelled, or when the time or cost budget is spent. Oracle failures
//	degrade individual nodes and never stop the run.
//
// Inputs:
//   - ctx: Cancellation. Cancelling yields a partial run with status
//     budget_exhausted.
//   - seed: Root hypothesis.
//
// Outputs:
//   - *Run: The finished run, including its tree. Never nil.
//   - error: A *ConfigValidationError if the configuration or seed is
//     invalid; the returned run then has status failed and no tree.
func (e *Engine) Run(ctx context.Context, seed string) (*Run, error) {
	return e.RunWithStart(ctx, seed, nil)
}

// RunWithStart is Run with a hook called once the run has its ID, before
// validation and before any oracle call. Callers use it to publish the run
// ID of a run executing in the background. onStart may be nil.
func (e *Engine) RunWithStart(ctx context.Context, seed string, onStart func(*Run)) (*Run, error) {
	cfg := e.config
	run := &Run{
		ID:        uuid.NewString(),
		Seed:      seed,
		Config:    cfg,
		status:    StatusRunning,
		startedAt: time.Now(),
	}
	if onStart != nil {
		onStart(run)
	}
	tracer := NewTracer(e.logger, e.tracerProvider, cfg.TracingEnabled)
	ctx, span := tracer.StartRun(ctx, run.ID, seed, cfg)
	logger := LoggerWithTrace(ctx, e.logger).With(slog.String("run_id", run.ID))

	if err := validateRun(cfg, seed); err != nil {
		result := run.fail()
		logger.Error("Discovery run rejected", slog.String("error", err.Error()))
		recordRunMetrics(ctx, StatusFailed, ReasonInvalidConfig, 0)
		tracer.EndRun(span, result, err)
		return run, err
	}

	prior, _ := belief.Initialize(cfg.PriorAlpha, cfg.PriorBeta)
	tree, err := NewTree(seed, prior, TreeConfig{Widening: cfg.WideningPolicy(), MaxDepth: cfg.MaxDepth})
	if err != nil {
		// validateRun rejects blank seeds, so this is unreachable.
		return run, err
	}
	run.Tree = tree

	numeric := specfn.NewGuard(logger)
	evaluator, err := surprise.NewEvaluator(cfg.RewardMode, cfg.BeliefKLWeight, cfg.SurprisalThreshold, surprise.WithGuard(numeric))
	if err != nil {
		return run, err
	}

	rs := &runState{
		engine:    e,
		cfg:       cfg,
		run:       run,
		tree:      tree,
		prior:     prior,
		evaluator: evaluator,
		numeric:   numeric,
		tracer:    tracer,
		logger:    logger,
		budget:    NewBudget(cfg.BudgetConfig()),
		evidence:  oracle.NewGuard("gatherer", cfg.EvidenceGuardConfig(), oracle.WithGuardLogger(logger)),
		generate:  oracle.NewGuard("generator", cfg.GeneratorGuardConfig(), oracle.WithGuardLogger(logger)),
		backlog:   make(map[int][]oracle.Proposal),
		genFails:  make(map[int]int),
	}
	rs.degradation = NewDegradationManager(e.degradation, rs.evidence.Breaker(), rs.generate.Breaker())
	rs.degradation.OnChange(func(from, to DegradationLevel, reason string) {
		tracer.TraceDegradation(ctx, from, to, reason)
	})

	logger.Info("Discovery run started",
		slog.String("seed", truncateForObs(seed, 100)),
		slog.Int("max_iterations", cfg.MaxIterations),
		slog.Int("parallel_expansion", cfg.ParallelExpansion),
		slog.String("reward_mode", cfg.RewardMode.String()),
	)

	reason := rs.loop(ctx)

	if reason == ReasonBudgetExhausted || reason == ReasonCancelled {
		tracer.TraceBudgetExhaustion(ctx, string(reason), rs.budget)
	}
	result := run.finish(reason, rs.budget, rs.closedOnFailure)
	recordRunMetrics(ctx, run.Status(), reason, run.FinishedAt().Sub(run.StartedAt()))

	logger.Info("Discovery run finished",
		slog.String("status", string(run.Status())),
		slog.String("reason", string(reason)),
		slog.Int("iterations", result.Stats.IterationsRun),
		slog.Int("nodes", result.TotalNodes),
		slog.Float64("best_score", result.BestSurpriseScore),
		slog.Int("degraded_nodes", result.Stats.DegradedNodes),
		slog.Int("parents_closed_on_failure", result.Stats.ParentsClosedOnFailure),
		slog.Int64("clamped_numeric_inputs", numeric.Violations()),
	)
	tracer.EndRun(span, result, nil)
	return run, nil
}

// validateRun checks the configuration and seed together.
func validateRun(cfg Config, seed string) error {
	var verr *ConfigValidationError
	if err := cfg.Validate(); err != nil {
		if !errors.As(err, &verr) {
			return err
		}
	}
	if strings.TrimSpace(seed) == "" {
		if verr == nil {
			verr = &ConfigValidationError{}
		}
		verr.Violations = append(verr.Violations, FieldViolation{Field: "seed", Rule: "required", Value: ""})
	}
	if verr != nil {
		return verr
	}
	return nil
}

// fail marks a run that never started.
func (r *Run) fail() *DiscoveryResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusFailed
	r.finishedAt = time.Now()
	r.result = &DiscoveryResult{
		BestPath: []string{},
		TopK:     []RankedHypothesis{},
		Stats: RunStats{
			TerminationReason: ReasonInvalidConfig,
			WallClockMs:       r.finishedAt.Sub(r.startedAt).Milliseconds(),
		},
	}
	return r.result
}

// runState is the mutable state of one run. Only loop's goroutine touches
// it outside the generate and gather phases.
type runState struct {
	engine      *Engine
	cfg         Config
	run         *Run
	tree        *Tree
	prior       belief.Belief
	evaluator   *surprise.Evaluator
	numeric     *specfn.Guard
	tracer      *Tracer
	logger      *slog.Logger
	budget      *Budget
	evidence    *oracle.Guard
	generate    *oracle.Guard
	degradation *DegradationManager

	// backlog holds distinct proposals a generator returned beyond what a
	// batch needed, consumed by later expansions of the same parent.
	backlog map[int][]oracle.Proposal

	// genFails counts consecutive failed generator rounds per parent. A
	// parent is closed once the count exceeds MaxTimeoutRetries.
	genFails        map[int]int
	closedOnFailure int
}

func (rs *runState) loop(ctx context.Context) TerminationReason {
	runCtx := ctx
	if limit := rs.cfg.TimeBudget(); limit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	selCfg := SelectorConfig{
		ExplorationConstant: rs.cfg.ExplorationConstant,
		Widening:            rs.cfg.WideningPolicy(),
		MaxDepth:            rs.cfg.MaxDepth,
		MaxEvidenceRounds:   rs.cfg.MaxEvidenceRounds,
	}

	for batch := 1; ; batch++ {
		done := rs.run.IterationsCompleted()
		if done >= rs.cfg.MaxIterations {
			return ReasonMaxIterations
		}
		if ctx.Err() != nil {
			return ReasonCancelled
		}
		if runCtx.Err() != nil {
			rs.budget.MarkExhausted(ExhaustedByTime)
			return ReasonBudgetExhausted
		}
		if rs.budget.Exhausted() != nil {
			return ReasonBudgetExhausted
		}

		width := min(rs.degradation.Width(rs.cfg.ParallelExpansion), rs.cfg.MaxIterations-done)
		sel := NewSelector(rs.tree, selCfg)
		targets := make([]Target, 0, width)
		for len(targets) < width {
			tg, ok := sel.Next()
			if !ok {
				break
			}
			targets = append(targets, tg)
		}
		if len(targets) == 0 {
			return ReasonFrontierExhausted
		}

		bctx, span := rs.tracer.StartBatch(runCtx, batch, len(targets))
		completed, degraded := rs.batch(bctx, targets)
		span.End()

		rs.run.addIterations(completed)
		rs.run.refreshBest(rs.numeric)
		recordBatchMetrics(ctx, len(targets), completed, degraded)
		if rs.engine.progress != nil {
			rs.engine.progress(rs.run.progress(batch, rs.tree.Len(), degraded))
		}

		rs.logger.Debug("Discovery batch applied",
			slog.Int("batch", batch),
			slog.Int("targets", len(targets)),
			slog.Int("completed", completed),
			slog.Int("degraded", degraded),
			slog.Int("nodes", rs.tree.Len()),
			slog.String("degradation", rs.degradation.Level().String()),
		)
	}
}

// evalJob is one evidence call of a batch.
type evalJob struct {
	node Node
	ev   oracle.Evidence
	err  error
}

// batch runs the generate, insert, gather and apply phases for targets.
//
// Outputs:
//   - completed: Evaluations that were backpropagated.
//   - degraded: Evaluations that received a neutral update.
func (rs *runState) batch(ctx context.Context, targets []Target) (completed, degraded int) {
	generated := rs.generateChildren(ctx, targets)

	jobs := make([]*evalJob, 0, len(targets))
	for _, tg := range targets {
		idx := tg.Node
		if tg.Kind == TargetExpand {
			child, ok := rs.insertChild(tg.Node, generated[tg.Node])
			if !ok {
				continue
			}
			idx = child
		}
		_ = rs.tree.SetState(idx, StateEvaluating)
		node, _ := rs.tree.Node(idx)
		jobs = append(jobs, &evalJob{node: node})
	}

	rs.gatherEvidence(ctx, jobs)

	for _, job := range jobs {
		switch rs.apply(ctx, job) {
		case applied:
			completed++
		case appliedDegraded:
			completed++
			degraded++
		}
	}
	return completed, degraded
}

// generation is the outcome of one generator call for a parent.
type generation struct {
	err error
}

// generateChildren refills the proposal backlog of every parent that an
// expansion target needs and the backlog cannot cover, one generator call
// per parent, concurrently.
func (rs *runState) generateChildren(ctx context.Context, targets []Target) map[int]*generation {
	need := make(map[int]int)
	var parents []int
	for _, tg := range targets {
		if tg.Kind != TargetExpand {
			continue
		}
		if need[tg.Node] == 0 {
			parents = append(parents, tg.Node)
		}
		need[tg.Node]++
	}

	out := make(map[int]*generation, len(parents))
	var calls []int
	for _, p := range parents {
		out[p] = &generation{}
		if len(rs.backlog[p]) < need[p] {
			calls = append(calls, p)
		}
	}
	if len(calls) == 0 {
		return out
	}

	reqs := make([]oracle.GenerateRequest, len(calls))
	for i, p := range calls {
		parent, _ := rs.tree.Node(p)
		siblings := rs.tree.ChildHypotheses(p)
		for _, b := range rs.backlog[p] {
			siblings = append(siblings, b.Text)
		}
		reqs[i] = oracle.GenerateRequest{
			ParentHypothesis: parent.Hypothesis,
			AncestorChain:    rs.tree.AncestorChain(p),
			FactContext:      rs.engine.facts,
			Siblings:         siblings,
			Count:            max(rs.cfg.ChildrenPerExpansion, need[p]),
			Depth:            parent.Depth + 1,
		}
	}

	proposals := make([][]oracle.Proposal, len(calls))
	errs := make([]error, len(calls))
	g := new(errgroup.Group)
	g.SetLimit(rs.cfg.ParallelExpansion)
	for i, p := range calls {
		g.Go(func() error {
			cctx, span := rs.tracer.StartGenerate(ctx, p, reqs[i].Count)
			props, stats, err := rs.generate.Generate(cctx, rs.engine.generator, reqs[i])
			rs.tracer.EndCall(span, stats.Attempts, err)
			recordOracleCall(ctx, "generate", oracle.Outcome(err))
			proposals[i], errs[i] = props, err
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range calls {
		rs.budget.RecordGeneratorCall()
		out[p].err = errs[i]
		if errs[i] != nil {
			if !oracle.IsAbandoned(errs[i]) || ctx.Err() == nil {
				rs.degradation.RecordFailure()
				rs.genFails[p]++
				rs.logger.Warn("Hypothesis generation failed",
					slog.Int("parent_index", p),
					slog.Int("consecutive_failures", rs.genFails[p]),
					slog.String("error", errs[i].Error()),
				)
			}
			continue
		}
		rs.degradation.RecordSuccess()
		delete(rs.genFails, p)
		rs.backlog[p] = rs.distinct(p, append(rs.backlog[p], proposals[i]...))
	}
	return out
}

// distinct drops proposals repeating an ancestor, an existing child or an
// earlier proposal, comparing case- and whitespace-insensitively.
func (rs *runState) distinct(parent int, props []oracle.Proposal) []oracle.Proposal {
	seen := make(map[string]bool)
	for _, h := range rs.tree.PathHypotheses(parent) {
		seen[normalizeHypothesis(h)] = true
	}
	for _, h := range rs.tree.ChildHypotheses(parent) {
		seen[normalizeHypothesis(h)] = true
	}
	out := props[:0]
	for _, p := range props {
		key := normalizeHypothesis(p.Text)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// insertChild adds the next backlog proposal under parent. A proposal
// leaves the backlog only once the tree accepts it.
//
// When the backlog is empty and the generator answered without a new
// distinct proposal, the parent is closed to further widening. A failed
// generator call leaves the parent open until it has failed more than
// MaxTimeoutRetries rounds in a row.
func (rs *runState) insertChild(parent int, gen *generation) (int, bool) {
	if queue := rs.backlog[parent]; len(queue) > 0 {
		idx, err := rs.tree.AddChild(parent, queue[0], rs.prior)
		if err != nil {
			// The widening cap lifts with visits; other rejections are final.
			if !errors.Is(err, ErrWideningCap) {
				delete(rs.backlog, parent)
			}
			rs.logger.Warn("Child insertion rejected",
				slog.Int("parent_index", parent),
				slog.String("error", err.Error()),
			)
			return 0, false
		}
		rs.backlog[parent] = queue[1:]
		return idx, true
	}
	delete(rs.backlog, parent)

	if gen == nil || gen.err == nil {
		_ = rs.tree.Close(parent)
		rs.logger.Debug("Parent closed to widening", slog.Int("parent_index", parent))
		return 0, false
	}
	if fails := rs.genFails[parent]; fails > rs.cfg.MaxTimeoutRetries {
		_ = rs.tree.Close(parent)
		delete(rs.genFails, parent)
		rs.closedOnFailure++
		rs.logger.Warn("Parent closed after repeated generator failures",
			slog.Int("parent_index", parent),
			slog.Int("consecutive_failures", fails),
		)
	}
	return 0, false
}

// gatherEvidence runs every job's evidence call on a bounded pool.
func (rs *runState) gatherEvidence(ctx context.Context, jobs []*evalJob) {
	g := new(errgroup.Group)
	g.SetLimit(rs.cfg.ParallelExpansion)
	for _, job := range jobs {
		req := oracle.EvidenceRequest{
			NodeIndex:     job.node.Index,
			Hypothesis:    job.node.Hypothesis,
			Category:      job.node.Category,
			AncestorChain: rs.tree.AncestorChain(job.node.Index),
			Depth:         job.node.Depth,
			Round:         job.node.Rounds,
		}
		g.Go(func() error {
			cctx, span := rs.tracer.StartGather(ctx, req.NodeIndex, req.Round)
			ev, stats, err := rs.evidence.Gather(cctx, rs.engine.gatherer, req)
			rs.tracer.EndCall(span, stats.Attempts, err)
			recordOracleCall(ctx, "gather", oracle.Outcome(err))
			job.ev, job.err = ev, err
			return nil
		})
	}
	_ = g.Wait()
}

type applyOutcome int

const (
	applied applyOutcome = iota
	appliedDegraded
	abandoned
)

// apply commits one job's evidence and backpropagates its reward.
func (rs *runState) apply(ctx context.Context, job *evalJob) applyOutcome {
	idx := job.node.Index

	if job.err != nil && oracle.IsAbandoned(job.err) && ctx.Err() != nil {
		_ = rs.tree.Abandon(idx)
		return abandoned
	}
	rs.budget.RecordEvidenceCall(int64(job.ev.Tokens), job.ev.CostUSD)

	if job.err == nil {
		s, f := job.ev.Counts(rs.cfg.BeliefSampleWeight)
		nb, err := belief.Update(job.node.Belief, s, f)
		if err == nil {
			score := rs.evaluator.Score(nb)
			_ = rs.tree.Commit(idx, Evaluation{Belief: nb, Score: score, Ref: job.ev.Ref, Confidence: ConfidenceNormal})
			_ = rs.tree.Backpropagate(idx, score.Value)
			rs.degradation.RecordSuccess()
			return applied
		}
		job.err = fmt.Errorf("%w: %v", oracle.ErrOracleMalformedResponse, err)
	}

	// Neutral update: the belief stays where it was and the visit earns
	// no reward.
	score := rs.evaluator.Score(job.node.Belief)
	_ = rs.tree.Commit(idx, Evaluation{Belief: job.node.Belief, Score: score, Confidence: ConfidenceDegraded})
	_ = rs.tree.Backpropagate(idx, 0)
	rs.degradation.RecordFailure()
	rs.tracer.TraceNodeDegraded(ctx, idx, job.node.Hypothesis, job.err)
	return appliedDegraded
}

func normalizeHypothesis(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
