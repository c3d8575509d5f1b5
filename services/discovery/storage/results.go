// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/discovery/services/discovery/mcts"
)

const runPrefix = "run:"

var (
	// ErrNotFound indicates no record exists for a run ID.
	ErrNotFound = errors.New("run record not found")

	// ErrInvalidRecord indicates a record without a run ID.
	ErrInvalidRecord = errors.New("run record has no run ID")
)

// Record is the persisted summary of one run.
type Record struct {
	RunID      string                `json:"run_id"`
	Seed       string                `json:"seed"`
	Status     mcts.RunStatus        `json:"status"`
	CreatedAt  time.Time             `json:"created_at"`
	FinishedAt time.Time             `json:"finished_at,omitempty"`
	Config     mcts.Config           `json:"config"`
	Result     *mcts.DiscoveryResult `json:"result,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// RecordFromRun snapshots run. err is the run's fatal error, if any.
func RecordFromRun(run *mcts.Run, err error) Record {
	rec := Record{
		RunID:      run.ID,
		Seed:       run.Seed,
		Status:     run.Status(),
		CreatedAt:  run.StartedAt(),
		FinishedAt: run.FinishedAt(),
		Config:     run.Config,
		Result:     run.Result(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// ResultStore saves and loads run records.
//
// Thread Safety: Safe for concurrent use.
type ResultStore struct {
	db *DB
}

// NewResultStore creates a store over db.
func NewResultStore(db *DB) *ResultStore {
	return &ResultStore{db: db}
}

// Save writes rec, replacing any record with the same run ID.
func (s *ResultStore) Save(ctx context.Context, rec Record) error {
	if rec.RunID == "" {
		return ErrInvalidRecord
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	return s.db.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(runKey(rec.RunID), data)
	})
}

// Get loads the record for runID.
//
// Outputs:
//   - Record: The stored record.
//   - error: ErrNotFound if absent.
func (s *ResultStore) Get(ctx context.Context, runID string) (Record, error) {
	var rec Record
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// List returns up to limit records, newest first. limit <= 0 means all.
func (s *ResultStore) List(ctx context.Context, limit int) ([]Record, error) {
	var recs []Record
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].RunID < recs[j].RunID
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Delete removes the record for runID. Deleting a missing record is not an error.
func (s *ResultStore) Delete(ctx context.Context, runID string) error {
	return s.db.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(runKey(runID))
	})
}

func runKey(id string) []byte {
	return []byte(runPrefix + id)
}
