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
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/discovery/services/discovery/mcts"
)

// DefaultReloadDebounce groups the burst of events an editor save produces.
const DefaultReloadDebounce = 200 * time.Millisecond

// WatchConfig reloads the engine config at path whenever it changes and
// passes each valid result to apply. Invalid files are logged and skipped,
// so the previous configuration stays in effect.
//
// The parent directory is watched rather than the file so that editors that
// save by rename are still seen.
//
// Inputs:
//   - ctx: Stops the watcher when cancelled.
//   - path: Engine config file (YAML or JSON).
//   - debounce: Quiet period before reloading. Zero uses DefaultReloadDebounce.
//   - apply: Receives each successfully loaded config.
//   - logger: Receives reload outcomes. Nil uses slog.Default().
//
// Outputs:
//   - error: Non-nil if the watcher cannot start. Runs until ctx is done.
func WatchConfig(ctx context.Context, path string, debounce time.Duration, apply func(mcts.Config) error, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				timerC = timer.C

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", slog.String("error", err.Error()))

			case <-timerC:
				timerC = nil
				reload(abs, apply, logger)
			}
		}
	}()
	return nil
}

func reload(path string, apply func(mcts.Config) error, logger *slog.Logger) {
	cfg, err := mcts.LoadConfig(path)
	if err == nil {
		err = apply(cfg)
	}
	if err != nil {
		logger.Warn("Config reload rejected, keeping previous config",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("Config reloaded", slog.String("path", path))
}
