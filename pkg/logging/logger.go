// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the slog logger used by the discovery binaries.
//
// Output goes to stderr (text on a terminal, JSON otherwise) and, when LogDir
// is set, also to a daily JSON file named {service}_{YYYY-MM-DD}.log.
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.discovery/logs",
//	    Service: "discovery",
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the level name, or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel parses "debug", "info", "warn"/"warning" or "error",
// case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// UnmarshalText lets Level be read from YAML and JSON config files.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalText renders the level in lower case.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(l.String())), nil
}

// Config describes where and how to log.
type Config struct {
	// Level is the minimum level written. Default: LevelInfo.
	Level Level `yaml:"level"`

	// LogDir enables JSON file logging. "~" expands to the home directory.
	LogDir string `yaml:"log_dir"`

	// Service is attached to every record as the "service" attribute.
	Service string `yaml:"service"`

	// JSON forces JSON on stderr even on a terminal.
	JSON bool `yaml:"json"`

	// Quiet disables stderr output.
	Quiet bool `yaml:"quiet"`

	// Output replaces stderr. Used by tests.
	Output io.Writer `yaml:"-"`
}

// Logger owns the slog logger and its log file.
//
// Thread Safety: Safe for concurrent use.
type Logger struct {
	slog *slog.Logger
	file *os.File
	path string
	mu   sync.Mutex
}

// New creates a logger from config.
//
// Outputs:
//   - *Logger: Ready to use. Close it to flush the log file.
//   - error: Non-nil if LogDir is set but the file cannot be opened.
func New(config Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	logger := &Logger{}
	var handlers []slog.Handler

	if !config.Quiet {
		out := config.Output
		jsonOut := config.JSON
		if out == nil {
			out = os.Stderr
			jsonOut = jsonOut || !isatty.IsTerminal(os.Stderr.Fd())
		}
		if jsonOut {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	if config.LogDir != "" {
		dir := expandPath(config.LogDir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		service := config.Service
		if service == "" {
			service = "discovery"
		}
		logger.path = filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logger.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.file = file
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger, nil
}

// Slog returns the underlying slog logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// FilePath returns the log file path, or "" when file logging is off.
func (l *Logger) FilePath() string {
	return l.path
}

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(syncErr, closeErr)
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
