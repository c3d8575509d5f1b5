// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves discovery runs over HTTP.
//
// Routes:
//
//	POST /v1/discovery/runs      start a run (seed plus config overrides)
//	GET  /v1/discovery/runs      list stored runs, newest first
//	GET  /v1/discovery/runs/:id  fetch one stored run
//	GET  /v1/discovery/runs/:id/events  websocket of progress, then the final record
//	GET  /health                 liveness
//	GET  /metrics                Prometheus scrape, when enabled
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/discovery/services/discovery/mcts"
	"github.com/AleutianAI/discovery/services/discovery/oracle"
	"github.com/AleutianAI/discovery/services/discovery/storage"
	"github.com/AleutianAI/discovery/services/discovery/telemetry"
)

// ErrNilDependency is returned when NewServer is missing a store or oracle factory.
var ErrNilDependency = errors.New("api: nil dependency")

// OracleFactory builds the oracles for one run.
//
// It receives the run's final configuration so simulated oracles can derive
// their RNG from Config.Seed.
type OracleFactory func(cfg mcts.Config) (oracle.HypothesisGenerator, oracle.EvidenceGatherer, error)

// RunRequest is the body of POST /v1/discovery/runs.
type RunRequest struct {
	// Seed is the root hypothesis.
	Seed string `json:"seed" binding:"required,max=2000"`

	// Config holds engine fields to override, using the engine's JSON
	// names. Absent fields keep the server default.
	Config json.RawMessage `json:"config,omitempty"`

	// Async returns 202 immediately; poll GET /v1/discovery/runs/:id.
	Async bool `json:"async"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHTTPMetrics records request metrics on m.
func WithHTTPMetrics(m *telemetry.HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithEngineOptions passes opts to every engine the server creates.
func WithEngineOptions(opts ...mcts.EngineOption) Option {
	return func(s *Server) { s.engineOpts = append(s.engineOpts, opts...) }
}

// Server is the discovery HTTP API.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	store          *storage.ResultStore
	oracles        OracleFactory
	defaults       atomic.Pointer[mcts.Config]
	engineOpts     []mcts.EngineOption
	logger         *slog.Logger
	metrics        *telemetry.HTTPMetrics
	metricsHandler http.Handler
	router         *gin.Engine
	events         *eventHub

	// background tracks async runs. baseCtx is cancelled by Shutdown.
	background sync.WaitGroup
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// NewServer creates the API server.
//
// Inputs:
//   - store: Where run records are written.
//   - oracles: Builds the generator and gatherer for each run.
//   - defaults: Engine configuration that request overrides start from.
//     It must be valid.
//   - opts: Optional settings.
//
// Outputs:
//   - *Server: Ready to serve via Handler or ListenAndServe.
//   - error: ErrNilDependency, or the defaults' validation error.
func NewServer(store *storage.ResultStore, oracles OracleFactory, defaults mcts.Config, opts ...Option) (*Server, error) {
	if store == nil || oracles == nil {
		return nil, ErrNilDependency
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default engine config: %w", err)
	}

	s := &Server{
		store:   store,
		oracles: oracles,
		logger:  slog.Default(),
		events:  newEventHub(),
	}
	s.defaults.Store(&defaults)
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.initRouter()
	return s, nil
}

func (s *Server) initRouter() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("discovery-api"))
	if s.metrics != nil {
		r.Use(s.metricsMiddleware())
	}

	r.GET("/health", s.handleHealth)
	if s.metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.metricsHandler))
	}

	v1 := r.Group("/v1/discovery")
	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/events", s.handleRunEvents)

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Defaults returns the current default engine configuration.
func (s *Server) Defaults() mcts.Config {
	return *s.defaults.Load()
}

// SetDefaults replaces the default engine configuration for new runs.
// Runs already in progress keep the configuration they started with.
func (s *Server) SetDefaults(cfg mcts.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.defaults.Store(&cfg)
	s.logger.Info("Default engine config updated",
		slog.Int("max_iterations", cfg.MaxIterations),
		slog.Int("parallel_expansion", cfg.ParallelExpansion),
	)
	return nil
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Discovery API listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Shutdown()
	return err
}

// Shutdown cancels async runs and waits for them to be stored.
func (s *Server) Shutdown() {
	s.cancel()
	s.background.Wait()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := s.runConfig(req.Config)
	if err != nil {
		respondConfigError(c, err)
		return
	}

	gen, gath, err := s.oracles(cfg)
	if err != nil {
		s.logger.Error("Failed to build oracles", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build oracles"})
		return
	}
	opts := append([]mcts.EngineOption{mcts.WithProgress(s.events.publish)}, s.engineOpts...)
	engine, err := mcts.NewEngine(cfg, gen, gath, opts...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if req.Async {
		s.startAsync(c, engine, req.Seed)
		return
	}

	run, runErr := engine.Run(c.Request.Context(), req.Seed)
	rec := storage.RecordFromRun(run, runErr)
	if err := s.save(c.Request.Context(), rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store run"})
		return
	}
	if runErr != nil {
		respondConfigError(c, runErr)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// startAsync stores a running record, answers 202 and finishes the run in
// the background under the server's lifetime context.
func (s *Server) startAsync(c *gin.Context, engine *mcts.Engine, seed string) {
	runCtx, cancel := context.WithCancel(s.baseCtx)
	started := make(chan storage.Record, 1)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer cancel()

		run, runErr := engine.RunWithStart(runCtx, seed, func(r *mcts.Run) {
			s.events.start(r.ID)
			rec := storage.Record{
				RunID:     r.ID,
				Seed:      r.Seed,
				Status:    mcts.StatusRunning,
				CreatedAt: r.StartedAt(),
				Config:    r.Config,
			}
			if err := s.save(context.Background(), rec); err != nil {
				s.logger.Warn("Failed to store running record", slog.String("run_id", r.ID))
			}
			started <- rec
		})
		if err := s.save(context.Background(), storage.RecordFromRun(run, runErr)); err != nil {
			s.logger.Warn("Failed to store finished async run", slog.String("run_id", run.ID))
		}
		s.events.finish(run.ID)
	}()

	c.JSON(http.StatusAccepted, <-started)
}

func (s *Server) handleListRuns(c *gin.Context) {
	var q struct {
		Limit int `form:"limit" binding:"omitempty,gte=0,lte=1000"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recs, err := s.store.List(c.Request.Context(), q.Limit)
	if err != nil {
		s.logger.Error("Failed to list runs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": recs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	rec, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to load run", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// runConfig applies overrides to a copy of the defaults and validates it.
func (s *Server) runConfig(overrides json.RawMessage) (mcts.Config, error) {
	cfg := s.Defaults()
	if len(overrides) > 0 && string(overrides) != "null" {
		if err := json.Unmarshal(overrides, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config overrides: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

func (s *Server) save(ctx context.Context, rec storage.Record) error {
	if err := s.store.Save(ctx, rec); err != nil {
		s.logger.Error("Failed to store run", slog.String("run_id", rec.RunID), slog.String("error", err.Error()))
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordStored(ctx, string(rec.Status))
	}
	return nil
}

func respondConfigError(c *gin.Context, err error) {
	var verr *mcts.ConfigValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "violations": verr.Violations})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		start := time.Now()
		s.metrics.ActiveRequests.Add(ctx, 1)
		defer s.metrics.ActiveRequests.Add(ctx, -1)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordRequest(ctx, c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
