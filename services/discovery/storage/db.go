// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists discovery run summaries in BadgerDB.
//
// Only the run record (seed, status, configuration and result) is stored;
// trees are rebuilt by re-running with the same configuration.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the result database.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory keeps everything in RAM. Useful for tests and one-shot runs.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns durable defaults for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB is a BadgerDB handle with a background value log GC loop.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens the database described by cfg.
//
// Inputs:
//   - cfg: Database configuration. Path is required unless InMemory.
//
// Outputs:
//   - *DB: The open database. Call Close when done.
//   - error: Non-nil if the path is missing or the database cannot open.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	d := &DB{db: bdb, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		d.stopGC = make(chan struct{})
		d.gcDone = make(chan struct{})
		go d.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return d, nil
}

func (d *DB) runGC(interval time.Duration, ratio float64) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && d.logger != nil {
				d.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.gcDone
		d.stopGC = nil
	}
	return d.db.Close()
}

// update runs fn in a read-write transaction, committing if it returns nil.
func (d *DB) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return d.db.Update(fn)
}

// view runs fn in a read-only transaction.
func (d *DB) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return d.db.View(fn)
}
