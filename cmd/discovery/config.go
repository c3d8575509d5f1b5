// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/discovery/pkg/logging"
	"github.com/AleutianAI/discovery/services/discovery/mcts"
	"github.com/AleutianAI/discovery/services/discovery/oracle/llmoracle"
	"github.com/AleutianAI/discovery/services/discovery/storage"
	"github.com/AleutianAI/discovery/services/discovery/telemetry"
)

// AppConfig is the discovery.yaml document.
//
//	engine:
//	  max_iterations: 50
//	  reward_mode: belief_and_kl
//	engine_file: ./engine.yaml   # optional, replaces engine and is hot-reloaded by serve
//	llm:
//	  model: gpt-4o-mini
//	storage:
//	  path: ~/.discovery/db
//	telemetry:
//	  trace_exporter: otlp
//	logging:
//	  level: debug
//	server:
//	  addr: ":8090"
//	dataset:
//	  path: ./churn.csv
//	  outcome: churned=yes
type AppConfig struct {
	Engine     mcts.Config      `yaml:"engine"`
	EngineFile string           `yaml:"engine_file"`
	Simulate   bool             `yaml:"simulate"`
	LLM        llmoracle.Config `yaml:"llm"`
	Dataset    DatasetConfig    `yaml:"dataset"`
	Storage    storage.Config   `yaml:"storage"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Logging    logging.Config   `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
}

// DatasetConfig points statistical evidence at a CSV file.
type DatasetConfig struct {
	Path string `yaml:"path"`

	// Outcome is "column=value". Empty asks the model to plan each test.
	Outcome string `yaml:"outcome"`

	// SampleCap bounds effective sample size. Zero uses the default.
	SampleCap float64 `yaml:"sample_cap"`
}

// ServerConfig configures `discovery serve`.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

func defaultAppConfig() AppConfig {
	dataDir := ".discovery"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".discovery")
	}
	return AppConfig{
		Engine:    mcts.DefaultConfig(),
		Storage:   storage.DefaultConfig(filepath.Join(dataDir, "db")),
		Telemetry: telemetry.DefaultConfig(),
		Logging:   logging.Config{Level: logging.LevelInfo, Service: "discovery"},
		Server:    ServerConfig{Addr: ":8090"},
	}
}

// loadAppConfig reads path over the defaults. An empty path uses defaults
// only. The engine section (or engine_file) then receives DISCOVERY_*
// overrides and is validated.
func loadAppConfig(path string) (AppConfig, error) {
	cfg := defaultAppConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if cfg.EngineFile != "" {
		if !filepath.IsAbs(cfg.EngineFile) && path != "" {
			cfg.EngineFile = filepath.Join(filepath.Dir(path), cfg.EngineFile)
		}
		engine, err := mcts.LoadConfig(cfg.EngineFile)
		if err != nil {
			return cfg, err
		}
		cfg.Engine = engine
	} else {
		mcts.ApplyEnv(&cfg.Engine)
		if err := cfg.Engine.Validate(); err != nil {
			return cfg, fmt.Errorf("invalid engine config: %w", err)
		}
	}

	if strings.HasPrefix(cfg.Storage.Path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Storage.Path = filepath.Join(home, cfg.Storage.Path[1:])
		}
	}
	return cfg, nil
}

// parseOutcome splits "column=value".
func parseOutcome(s string) (column, value string, err error) {
	column, value, ok := strings.Cut(s, "=")
	column, value = strings.TrimSpace(column), strings.TrimSpace(value)
	if !ok || column == "" || value == "" {
		return "", "", fmt.Errorf("outcome %q must be column=value", s)
	}
	return column, value, nil
}
