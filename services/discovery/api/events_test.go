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
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/discovery/services/discovery/mcts"
	"github.com/AleutianAI/discovery/services/discovery/oracle"
	"github.com/AleutianAI/discovery/services/discovery/storage"
)

func eventsURL(srv *httptest.Server, runID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/discovery/runs/" + runID + "/events"
}

func readEvents(t *testing.T, ws *websocket.Conn) []RunEvent {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))
	var events []RunEvent
	for {
		var ev RunEvent
		if err := ws.ReadJSON(&ev); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected read error: %v", err)
			return events
		}
		events = append(events, ev)
	}
}

func TestRunEvents_StreamsProgressThenRecord(t *testing.T) {
	gate := make(chan struct{})
	gated := func(cfg mcts.Config) (oracle.HypothesisGenerator, oracle.EvidenceGatherer, error) {
		sim := oracle.NewSimulatedGatherer(cfg.Seed, 5)
		return oracle.NewTemplateGenerator(), oracle.GathererFunc(func(ctx context.Context, req oracle.EvidenceRequest) (oracle.Evidence, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return oracle.Evidence{}, ctx.Err()
			}
			return sim.Gather(ctx, req)
		}), nil
	}

	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewServer(storage.NewResultStore(db), gated, testDefaults(),
		WithLogger(quietLogger()), WithEngineOptions(mcts.WithLogger(quietLogger())))
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	rec := do(t, s, http.MethodPost, "/v1/discovery/runs", RunRequest{Seed: "returns spike after sales", Async: true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	runID := decode[storage.Record](t, rec).RunID

	ws, _, err := websocket.DefaultDialer.Dial(eventsURL(srv, runID), nil)
	require.NoError(t, err)
	defer ws.Close()
	close(gate)

	events := readEvents(t, ws)
	require.GreaterOrEqual(t, len(events), 2)

	last := events[len(events)-1]
	assert.Equal(t, EventFinished, last.Type)
	require.NotNil(t, last.Record)
	assert.Equal(t, runID, last.Record.RunID)
	assert.Equal(t, mcts.StatusCompleted, last.Record.Status)

	prevIterations := 0
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, EventProgress, ev.Type)
		require.NotNil(t, ev.Progress)
		assert.Equal(t, runID, ev.Progress.RunID)
		assert.GreaterOrEqual(t, ev.Progress.Iterations, prevIterations)
		prevIterations = ev.Progress.Iterations
	}
	assert.Equal(t, last.Record.Result.Stats.IterationsRun, prevIterations)
}

func TestRunEvents_FinishedRun(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	rec := do(t, s, http.MethodPost, "/v1/discovery/runs", RunRequest{Seed: "tickets rise on mondays"})
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := decode[storage.Record](t, rec).RunID

	ws, _, err := websocket.DefaultDialer.Dial(eventsURL(srv, runID), nil)
	require.NoError(t, err)
	defer ws.Close()

	events := readEvents(t, ws)
	require.Len(t, events, 1)
	assert.Equal(t, EventFinished, events[0].Type)
	require.NotNil(t, events[0].Record)
	assert.Equal(t, mcts.StatusCompleted, events[0].Record.Status)
}

func TestRunEvents_OrphanedRunningRecord(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	// Left behind by a process that died mid-run.
	orphan := storage.Record{
		RunID:     "run-orphan",
		Seed:      "tickets rise on mondays",
		Status:    mcts.StatusRunning,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, s.store.Save(context.Background(), orphan))

	ws, _, err := websocket.DefaultDialer.Dial(eventsURL(srv, orphan.RunID), nil)
	require.NoError(t, err)
	defer ws.Close()

	events := readEvents(t, ws)
	require.Len(t, events, 1)
	assert.Equal(t, EventFinished, events[0].Type)
	require.NotNil(t, events[0].Record)
	assert.Equal(t, orphan.RunID, events[0].Record.RunID)
	assert.Equal(t, mcts.StatusRunning, events[0].Record.Status)
}

func TestRunEvents_NotFound(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	_, resp, err := websocket.DefaultDialer.Dial(eventsURL(srv, "missing"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventHub(t *testing.T) {
	h := newEventHub()
	h.start("run-1")
	assert.True(t, h.running("run-1"))
	assert.False(t, h.running("run-2"))
	a := h.subscribe("run-1")
	b := h.subscribe("run-2")

	h.publish(mcts.Progress{RunID: "run-1", Batch: 1})
	assert.Equal(t, 1, (<-a).Batch)
	assert.Empty(t, b)

	// A full buffer drops snapshots instead of blocking.
	for i := 0; i < subscriberBuffer+5; i++ {
		h.publish(mcts.Progress{RunID: "run-1", Batch: i})
	}
	assert.Len(t, a, subscriberBuffer)

	h.finish("run-1")
	assert.False(t, h.running("run-1"))
	for range a {
	}
	h.unsubscribe("run-1", a)

	h.unsubscribe("run-2", b)
	_, open := <-b
	assert.False(t, open)
	assert.Empty(t, h.subs)
}
