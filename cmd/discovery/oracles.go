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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/discovery/services/discovery/api"
	"github.com/AleutianAI/discovery/services/discovery/dataset"
	"github.com/AleutianAI/discovery/services/discovery/mcts"
	"github.com/AleutianAI/discovery/services/discovery/oracle"
	"github.com/AleutianAI/discovery/services/discovery/oracle/llmoracle"
)

// simulatedVotes is the Bernoulli votes a simulated gatherer casts per round.
const simulatedVotes = 5

var errOutcomeRequired = errors.New("--outcome is required with --dataset in simulated mode")

// oracleSet is what a run needs besides its config.
type oracleSet struct {
	factory api.OracleFactory
	facts   []string
	client  *llmoracle.Client
}

// buildOracles wires generators and gatherers from the app config.
//
// Simulated mode uses template proposals and seeded votes. Otherwise the
// model proposes hypotheses and estimates beliefs. A dataset adds
// statistical evidence, combined with the belief or simulated evidence.
func buildOracles(cfg AppConfig, logger *slog.Logger) (*oracleSet, error) {
	set := &oracleSet{}

	var table *dataset.Table
	if cfg.Dataset.Path != "" {
		t, err := dataset.LoadCSV(cfg.Dataset.Path)
		if err != nil {
			return nil, err
		}
		table = t
		set.facts = append(set.facts, t.Summary())
	}

	if !cfg.Simulate {
		client, err := llmoracle.NewClient(cfg.LLM, llmoracle.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("model client: %w", err)
		}
		set.client = client
	}

	var datasetGatherer oracle.EvidenceGatherer
	if table != nil {
		var planner dataset.Planner
		switch {
		case cfg.Dataset.Outcome != "":
			col, val, err := parseOutcome(cfg.Dataset.Outcome)
			if err != nil {
				return nil, err
			}
			if !table.HasColumn(col) {
				return nil, fmt.Errorf("%w: %s", dataset.ErrUnknownColumn, col)
			}
			planner = dataset.NewKeywordPlanner(col, val)
		case set.client != nil:
			planner = llmoracle.NewPlanner(set.client)
		default:
			return nil, errOutcomeRequired
		}

		opts := []dataset.GathererOption{dataset.WithLogger(logger)}
		if cfg.Dataset.SampleCap > 0 {
			opts = append(opts, dataset.WithSampleCap(cfg.Dataset.SampleCap))
		}
		g, err := dataset.NewGatherer(table, planner, opts...)
		if err != nil {
			return nil, err
		}
		datasetGatherer = g
	}

	facts := set.facts
	client := set.client
	set.factory = func(engineCfg mcts.Config) (oracle.HypothesisGenerator, oracle.EvidenceGatherer, error) {
		var gen oracle.HypothesisGenerator
		var gatherer oracle.EvidenceGatherer
		if client == nil {
			gen = oracle.NewTemplateGenerator()
			gatherer = oracle.NewSimulatedGatherer(engineCfg.Seed, simulatedVotes)
		} else {
			gen = llmoracle.NewGenerator(client)
			gatherer = llmoracle.NewBeliefGatherer(client, facts...)
		}
		if datasetGatherer != nil {
			gatherer = oracle.Combine(gatherer, datasetGatherer)
		}
		return gen, gatherer, nil
	}
	return set, nil
}
