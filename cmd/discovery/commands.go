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
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/discovery/pkg/logging"
	"github.com/AleutianAI/discovery/services/discovery/api"
	"github.com/AleutianAI/discovery/services/discovery/mcts"
	"github.com/AleutianAI/discovery/services/discovery/storage"
	"github.com/AleutianAI/discovery/services/discovery/telemetry"
)

// cli holds state shared by all subcommands.
type cli struct {
	configPath string
	logLevel   string
	jsonLogs   bool

	cfg    AppConfig
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "discovery",
		Short: "Search for surprising hypotheses with Bayesian Monte Carlo tree search",
		Long: `discovery grows a tree of hypotheses from a seed, gathers evidence for each,
and ranks them by how far the evidence moved its Beta belief.`,
		SilenceUsage:       true,
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to discovery.yaml")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&c.jsonLogs, "json-logs", false, "Write logs as JSON")

	root.AddCommand(c.newRunCmd(), c.newResultsCmd(), c.newServeCmd())
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadAppConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		level, err := logging.ParseLevel(c.logLevel)
		if err != nil {
			return err
		}
		cfg.Logging.Level = level
	}
	if c.jsonLogs {
		cfg.Logging.JSON = true
	}
	if errOut := cmd.ErrOrStderr(); errOut != os.Stderr {
		cfg.Logging.Output = errOut
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger.Slog())
	c.cfg = cfg
	c.logger = logger
	return nil
}

func (c *cli) teardown(*cobra.Command, []string) error {
	if c.logger != nil {
		return c.logger.Close()
	}
	return nil
}

func (c *cli) openStore() (*storage.DB, *storage.ResultStore, error) {
	scfg := c.cfg.Storage
	scfg.Logger = c.logger.Slog().With(slog.String("component", "badger"))
	db, err := storage.Open(scfg)
	if err != nil {
		return nil, nil, err
	}
	return db, storage.NewResultStore(db), nil
}

func (c *cli) newRunCmd() *cobra.Command {
	var (
		simulate    bool
		datasetPath string
		outcome     string
		store       bool
		showTree    bool
		jsonOut     bool
		iterations  int
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <seed hypothesis>",
		Short: "Run one discovery session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			if cmd.Flags().Changed("simulate") {
				cfg.Simulate = simulate
			}
			if datasetPath != "" {
				cfg.Dataset.Path = datasetPath
			}
			if outcome != "" {
				cfg.Dataset.Outcome = outcome
			}
			if iterations > 0 {
				cfg.Engine.MaxIterations = iterations
			}

			logger := c.logger.Slog()
			oracles, err := buildOracles(cfg, logger)
			if err != nil {
				return err
			}
			gen, gatherer, err := oracles.factory(cfg.Engine)
			if err != nil {
				return err
			}
			engineOpts := []mcts.EngineOption{
				mcts.WithLogger(logger),
				mcts.WithFactContext(oracles.facts...),
			}
			errOut := cmd.ErrOrStderr()
			showProgress := !jsonOut && isTerminal(errOut)
			if showProgress {
				engineOpts = append(engineOpts, mcts.WithProgress(progressPrinter(errOut)))
			}
			engine, err := mcts.NewEngine(cfg.Engine, gen, gatherer, engineOpts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			run, runErr := engine.Run(ctx, strings.Join(args, " "))
			if showProgress {
				fmt.Fprintln(errOut)
			}
			rec := storage.RecordFromRun(run, runErr)
			if store {
				if err := c.saveRecord(rec); err != nil {
					logger.Warn("Run not stored", slog.String("error", err.Error()))
				}
			}
			if runErr != nil {
				return runErr
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, rec)
			}
			printRecord(out, rec)
			if showTree && run.Tree != nil {
				best := mcts.NoParent
				if res := run.Result(); res != nil && len(res.TopK) > 0 {
					best = res.TopK[0].NodeIndex
				}
				fmt.Fprintln(out)
				fmt.Fprint(out, run.Tree.Format(best))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&simulate, "simulate", false, "Use simulated oracles instead of a language model")
	f.StringVar(&datasetPath, "dataset", "", "CSV file used for statistical evidence")
	f.StringVar(&outcome, "outcome", "", "Outcome tested in the dataset, as column=value")
	f.BoolVar(&store, "store", true, "Save the run record to the result store")
	f.BoolVar(&showTree, "tree", false, "Print the search tree")
	f.BoolVar(&jsonOut, "json", false, "Print the run record as JSON")
	f.IntVarP(&iterations, "iterations", "n", 0, "Override engine max_iterations")
	f.DurationVar(&timeout, "timeout", 0, "Stop the run after this long (partial results are kept)")
	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func (c *cli) saveRecord(rec storage.Record) error {
	db, store, err := c.openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	return store.Save(context.Background(), rec)
}

func (c *cli) newResultsCmd() *cobra.Command {
	results := &cobra.Command{
		Use:   "results",
		Short: "Inspect stored runs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, store, err := c.openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			recs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRecordList(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list (0 for all)")

	var jsonOut bool
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := c.openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			rec, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}
	show.Flags().BoolVar(&jsonOut, "json", false, "Print the run record as JSON")

	results.AddCommand(list, show)
	return results
}

func (c *cli) newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the discovery HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = c.cfg.Server.Addr
			}
			logger := c.logger.Slog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown, err := telemetry.Init(ctx, c.cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Warn("Telemetry shutdown error", slog.String("error", err.Error()))
				}
			}()
			metrics, err := telemetry.NewHTTPMetrics(otel.Meter("discovery.api"))
			if err != nil {
				return err
			}

			db, store, err := c.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			oracles, err := buildOracles(c.cfg, logger)
			if err != nil {
				return err
			}
			opts := []api.Option{
				api.WithLogger(logger),
				api.WithHTTPMetrics(metrics),
				api.WithEngineOptions(mcts.WithLogger(logger), mcts.WithFactContext(oracles.facts...)),
			}
			if h := telemetry.MetricsHandler(); h != nil {
				opts = append(opts, api.WithMetricsHandler(h))
			}
			server, err := api.NewServer(store, oracles.factory, c.cfg.Engine, opts...)
			if err != nil {
				return err
			}

			if c.cfg.EngineFile != "" {
				if err := api.WatchConfig(ctx, c.cfg.EngineFile, 0, server.SetDefaults, logger); err != nil {
					logger.Warn("Engine config hot reload disabled", slog.String("error", err.Error()))
				}
			}
			return server.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :8090)")
	return cmd
}
