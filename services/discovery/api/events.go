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
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/discovery/services/discovery/mcts"
	"github.com/AleutianAI/discovery/services/discovery/storage"
)

// Event types sent on the run events socket.
const (
	EventProgress = "progress"
	EventFinished = "finished"
)

const (
	subscriberBuffer = 32
	writeTimeout     = 10 * time.Second
)

// RunEvent is one message on GET /v1/discovery/runs/:id/events.
type RunEvent struct {
	Type     string          `json:"type"`
	Progress *mcts.Progress  `json:"progress,omitempty"`
	Record   *storage.Record `json:"record,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// eventHub fans engine progress out to socket subscribers by run ID. It
// also tracks which runs are executing in this process.
//
// Thread Safety: Safe for concurrent use.
type eventHub struct {
	mu   sync.Mutex
	subs map[string]map[chan mcts.Progress]struct{}
	live map[string]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{
		subs: make(map[string]map[chan mcts.Progress]struct{}),
		live: make(map[string]struct{}),
	}
}

// start marks runID as executing. finish clears the mark.
func (h *eventHub) start(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live[runID] = struct{}{}
}

// running reports whether runID is executing in this process.
func (h *eventHub) running(runID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.live[runID]
	return ok
}

func (h *eventHub) subscribe(runID string) chan mcts.Progress {
	ch := make(chan mcts.Progress, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan mcts.Progress]struct{})
	}
	h.subs[runID][ch] = struct{}{}
	return ch
}

func (h *eventHub) unsubscribe(runID string, ch chan mcts.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[runID][ch]; !ok {
		return
	}
	delete(h.subs[runID], ch)
	if len(h.subs[runID]) == 0 {
		delete(h.subs, runID)
	}
	close(ch)
}

// publish never blocks the search; slow subscribers miss snapshots.
func (h *eventHub) publish(p mcts.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[p.RunID] {
		select {
		case ch <- p:
		default:
		}
	}
}

// finish closes every subscription to runID. Subscribers then read the
// stored record.
func (h *eventHub) finish(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, runID)
	for ch := range h.subs[runID] {
		close(ch)
	}
	delete(h.subs, runID)
}

// handleRunEvents streams progress snapshots of a running run, then its
// final record. A run that already finished gets only the final record, as
// does a record still marked running that no run in this process owns.
func (s *Server) handleRunEvents(c *gin.Context) {
	runID := c.Param("id")

	// Subscribe before reading the record so a finish in between is not lost.
	ch := s.events.subscribe(runID)
	defer s.events.unsubscribe(runID, ch)

	rec, err := s.store.Get(c.Request.Context(), runID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to load run", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade run events socket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	logger := s.logger.With(slog.String("run_id", runID))
	logger.Debug("Run events client connected")

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if rec.Status == mcts.StatusRunning {
		if s.events.running(runID) {
			if !s.streamProgress(ctx, ws, ch) {
				return
			}
		} else {
			logger.Warn("Run record is running but no run is live")
		}
		// Reload either way; the run may have finished since the first read.
		if rec, err = s.store.Get(context.Background(), runID); err != nil {
			logger.Warn("Failed to load finished run", slog.String("error", err.Error()))
			return
		}
	}

	if err := writeEvent(ws, RunEvent{Type: EventFinished, Record: &rec}); err != nil {
		logger.Debug("Run events client gone", slog.String("error", err.Error()))
		return
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
		time.Now().Add(writeTimeout))
}

// streamProgress forwards snapshots until the run finishes. It reports
// false when the client or the server went away first.
func (s *Server) streamProgress(ctx context.Context, ws *websocket.Conn, ch <-chan mcts.Progress) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case p, ok := <-ch:
			if !ok {
				return true
			}
			if err := writeEvent(ws, RunEvent{Type: EventProgress, Progress: &p}); err != nil {
				return false
			}
		}
	}
}

func writeEvent(ws *websocket.Conn, ev RunEvent) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ws.WriteJSON(ev)
}
