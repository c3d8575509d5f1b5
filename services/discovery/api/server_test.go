// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/discovery/services/discovery/mcts"
	"github.com/AleutianAI/discovery/services/discovery/oracle"
	"github.com/AleutianAI/discovery/services/discovery/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDefaults() mcts.Config {
	cfg := mcts.DefaultConfig()
	cfg.MaxIterations = 6
	cfg.TracingEnabled = false
	return cfg
}

func simulatedOracles(cfg mcts.Config) (oracle.HypothesisGenerator, oracle.EvidenceGatherer, error) {
	return oracle.NewTemplateGenerator(), oracle.NewSimulatedGatherer(cfg.Seed, 5), nil
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	opts = append([]Option{WithLogger(quietLogger()), WithEngineOptions(mcts.WithLogger(quietLogger()))}, opts...)
	s, err := NewServer(storage.NewResultStore(db), simulatedOracles, testDefaults(), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewServer_NilDependencies(t *testing.T) {
	_, err := NewServer(nil, simulatedOracles, testDefaults())
	assert.ErrorIs(t, err, ErrNilDependency)

	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	_, err = NewServer(storage.NewResultStore(db), nil, testDefaults())
	assert.ErrorIs(t, err, ErrNilDependency)

	bad := testDefaults()
	bad.MaxIterations = 0
	_, err = NewServer(storage.NewResultStore(db), simulatedOracles, bad)
	assert.ErrorIs(t, err, mcts.ErrInvalidConfig)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateRun_Sync(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/discovery/runs", RunRequest{Seed: "orders drop on rainy days"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[storage.Record](t, rec)
	assert.NotEmpty(t, created.RunID)
	assert.Equal(t, "orders drop on rainy days", created.Seed)
	assert.Equal(t, mcts.StatusCompleted, created.Status)
	require.NotNil(t, created.Result)
	assert.LessOrEqual(t, created.Result.Stats.IterationsRun, 6)
	assert.NotEmpty(t, created.Result.BestHypothesis)

	got := do(t, s, http.MethodGet, "/v1/discovery/runs/"+created.RunID, nil)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, created.Result.BestHypothesis, decode[storage.Record](t, got).Result.BestHypothesis)

	list := do(t, s, http.MethodGet, "/v1/discovery/runs", nil)
	require.Equal(t, http.StatusOK, list.Code)
	runs := decode[struct {
		Runs []storage.Record `json:"runs"`
	}](t, list).Runs
	require.Len(t, runs, 1)
	assert.Equal(t, created.RunID, runs[0].RunID)
}

func TestCreateRun_ConfigOverrides(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/discovery/runs", map[string]any{
		"seed":   "returns spike after promotions",
		"config": map[string]any{"max_iterations": 3, "top_k": 2},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[storage.Record](t, rec)
	assert.Equal(t, 3, created.Config.MaxIterations)
	assert.Equal(t, 2, created.Config.TopK)
	assert.Equal(t, testDefaults().ExplorationConstant, created.Config.ExplorationConstant)
	assert.LessOrEqual(t, created.Result.Stats.IterationsRun, 3)
	assert.LessOrEqual(t, len(created.Result.TopK), 2)
}

func TestCreateRun_BadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing seed", body: map[string]any{"config": map[string]any{}}},
		{name: "invalid override", body: map[string]any{"seed": "x", "config": map[string]any{"max_iterations": 0}}},
		{name: "mistyped override", body: map[string]any{"seed": "x", "config": map[string]any{"max_iterations": "many"}}},
		{name: "blank seed", body: map[string]any{"seed": "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/v1/discovery/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, s, http.MethodPost, "/v1/discovery/runs", map[string]any{"seed": "x", "config": map[string]any{"max_iterations": 0}})
	body := decode[struct {
		Violations []mcts.FieldViolation `json:"violations"`
	}](t, rec)
	require.NotEmpty(t, body.Violations)
	assert.Equal(t, "max_iterations", body.Violations[0].Field)
}

func TestCreateRun_OracleFactoryError(t *testing.T) {
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	failing := func(mcts.Config) (oracle.HypothesisGenerator, oracle.EvidenceGatherer, error) {
		return nil, nil, errors.New("no api key")
	}
	s, err := NewServer(storage.NewResultStore(db), failing, testDefaults(), WithLogger(quietLogger()))
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/v1/discovery/runs", RunRequest{Seed: "x"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCreateRun_Async(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/discovery/runs", RunRequest{Seed: "churn rises with price", Async: true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decode[storage.Record](t, rec)
	assert.Equal(t, mcts.StatusRunning, accepted.Status)
	require.NotEmpty(t, accepted.RunID)

	require.Eventually(t, func() bool {
		got := do(t, s, http.MethodGet, "/v1/discovery/runs/"+accepted.RunID, nil)
		return got.Code == http.StatusOK && decode[storage.Record](t, got).Status == mcts.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/v1/discovery/runs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns_Limit(t *testing.T) {
	s := newTestServer(t)
	for _, seed := range []string{"a happens", "b happens", "c happens"} {
		require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/discovery/runs", RunRequest{Seed: seed}).Code)
	}

	rec := do(t, s, http.MethodGet, "/v1/discovery/runs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Runs []storage.Record `json:"runs"`
	}](t, rec).Runs
	assert.Len(t, runs, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/discovery/runs?limit=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/discovery/runs?limit=abc", nil).Code)
}

func TestListRuns_Empty(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/v1/discovery/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	plain := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, plain, http.MethodGet, "/metrics", nil).Code)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("discovery_runs_total 1\n"))
	})
	withMetrics := newTestServer(t, WithMetricsHandler(handler))
	rec := do(t, withMetrics, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "discovery_runs_total")
}

func TestSetDefaults(t *testing.T) {
	s := newTestServer(t)

	next := testDefaults()
	next.MaxIterations = 2
	require.NoError(t, s.SetDefaults(next))
	assert.Equal(t, 2, s.Defaults().MaxIterations)

	bad := testDefaults()
	bad.ParallelExpansion = 0
	assert.Error(t, s.SetDefaults(bad))
	assert.Equal(t, 2, s.Defaults().MaxIterations)

	rec := do(t, s, http.MethodPost, "/v1/discovery/runs", RunRequest{Seed: "late deliveries cluster on fridays"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 2, decode[storage.Record](t, rec).Config.MaxIterations)
}

func TestWatchConfig(t *testing.T) {
	s := newTestServer(t)
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_iterations: 4\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, WatchConfig(ctx, path, 20*time.Millisecond, s.SetDefaults, quietLogger()))

	require.NoError(t, os.WriteFile(path, []byte("max_iterations: 7\ntracing_enabled: false\n"), 0o600))
	require.Eventually(t, func() bool {
		return s.Defaults().MaxIterations == 7
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("max_iterations: 0\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 7, s.Defaults().MaxIterations)
}

func TestWatchConfig_MissingDirectory(t *testing.T) {
	err := WatchConfig(context.Background(), filepath.Join(t.TempDir(), "nope", "engine.yaml"), 0, func(mcts.Config) error { return nil }, quietLogger())
	assert.Error(t, err)
}
