// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcts

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/discovery/services/discovery/oracle"
	"github.com/AleutianAI/discovery/services/discovery/surprise"
)

// Config is the immutable configuration of one discovery run.
//
// Zero values for TimeBudgetMs and CostBudget mean "no budget".
//
// Thread Safety: Safe to read concurrently. Not safe to modify after a run starts.
type Config struct {
	MaxIterations            int                 `json:"max_iterations" yaml:"max_iterations" validate:"gte=1"`
	ExplorationConstant      float64             `json:"exploration_constant" yaml:"exploration_constant" validate:"gt=0"`
	MaxDepth                 int                 `json:"max_depth" yaml:"max_depth" validate:"gte=1,lte=64"`
	SurprisalThreshold       float64             `json:"surprisal_threshold" yaml:"surprisal_threshold" validate:"gte=0"`
	ProgressiveWideningK     float64             `json:"progressive_widening_k" yaml:"progressive_widening_k" validate:"gt=0"`
	ProgressiveWideningAlpha float64             `json:"progressive_widening_alpha" yaml:"progressive_widening_alpha" validate:"gte=0,lte=1"`
	RewardMode               surprise.RewardMode `json:"reward_mode" yaml:"reward_mode" validate:"oneof=belief kl belief_and_kl"`

	// BeliefKLWeight is w in w·belief + (1-w)·kl for reward mode belief_and_kl.
	BeliefKLWeight float64 `json:"belief_kl_weight" yaml:"belief_kl_weight" validate:"gte=0,lte=1"`

	ParallelExpansion int `json:"parallel_expansion" yaml:"parallel_expansion" validate:"gte=1,lte=256"`

	// BeliefSampleWeight is how many observations one elicited probability counts as.
	BeliefSampleWeight float64 `json:"belief_sample_weight" yaml:"belief_sample_weight" validate:"gt=0"`

	TimeBudgetMs int64   `json:"time_budget_ms" yaml:"time_budget_ms" validate:"gte=0"`
	CostBudget   float64 `json:"cost_budget" yaml:"cost_budget" validate:"gte=0"`

	PriorAlpha float64 `json:"prior_alpha" yaml:"prior_alpha" validate:"gt=0"`
	PriorBeta  float64 `json:"prior_beta" yaml:"prior_beta" validate:"gt=0"`

	// ChildrenPerExpansion is the count passed to the hypothesis generator.
	ChildrenPerExpansion int `json:"children_per_expansion" yaml:"children_per_expansion" validate:"gte=1,lte=32"`

	// MaxEvidenceRounds is how many evidence batches a childless leaf may receive.
	MaxEvidenceRounds int `json:"max_evidence_rounds" yaml:"max_evidence_rounds" validate:"gte=1,lte=100"`

	TopK int    `json:"top_k" yaml:"top_k" validate:"gte=1,lte=1000"`
	Seed uint64 `json:"seed" yaml:"seed"`

	EvidenceTimeoutMs   int64   `json:"evidence_timeout_ms" yaml:"evidence_timeout_ms" validate:"gte=1"`
	GeneratorTimeoutMs  int64   `json:"generator_timeout_ms" yaml:"generator_timeout_ms" validate:"gte=1"`
	MaxTimeoutRetries   int     `json:"max_timeout_retries" yaml:"max_timeout_retries" validate:"gte=0,lte=10"`
	MaxMalformedRetries int     `json:"max_malformed_retries" yaml:"max_malformed_retries" validate:"gte=0,lte=10"`
	RetryBackoffMs      int64   `json:"retry_backoff_ms" yaml:"retry_backoff_ms" validate:"gte=0"`
	OracleRatePerSecond float64 `json:"oracle_rate_per_second" yaml:"oracle_rate_per_second" validate:"gte=0"`

	// CircuitFailureThreshold of 0 disables the oracle circuit breakers.
	CircuitFailureThreshold int   `json:"circuit_failure_threshold" yaml:"circuit_failure_threshold" validate:"gte=0"`
	CircuitOpenMs           int64 `json:"circuit_open_ms" yaml:"circuit_open_ms" validate:"gte=0"`

	TracingEnabled bool `json:"tracing_enabled" yaml:"tracing_enabled"`
}

// DefaultConfig returns the default configuration.
//
// Outputs:
//   - Config: Default configuration with sensible values.
func DefaultConfig() Config {
	return Config{
		MaxIterations:            500,
		ExplorationConstant:      math.Sqrt2,
		MaxDepth:                 10,
		SurprisalThreshold:       0.5,
		ProgressiveWideningK:     1.0,
		ProgressiveWideningAlpha: 0.5,
		RewardMode:               surprise.RewardKL,
		BeliefKLWeight:           0.5,
		ParallelExpansion:        10,
		BeliefSampleWeight:       3.0,
		PriorAlpha:               0.5,
		PriorBeta:                0.5,
		ChildrenPerExpansion:     2,
		MaxEvidenceRounds:        1,
		TopK:                     5,
		Seed:                     1,
		EvidenceTimeoutMs:        30000,
		GeneratorTimeoutMs:       30000,
		MaxTimeoutRetries:        2,
		MaxMalformedRetries:      1,
		CircuitFailureThreshold:  5,
		CircuitOpenMs:            30000,
		TracingEnabled:           true,
	}
}

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	configValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
}

// Validate checks every field and returns all violations at once.
//
// Outputs:
//   - error: nil, or a *ConfigValidationError.
func (c Config) Validate() error {
	var violations []FieldViolation

	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			rule := fe.Tag()
			if fe.Param() != "" {
				rule += "=" + fe.Param()
			}
			violations = append(violations, FieldViolation{
				Field: fe.Field(),
				Rule:  rule,
				Value: fmt.Sprint(fe.Value()),
			})
		}
	}

	// validator accepts +Inf for gt/gte rules.
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"exploration_constant", c.ExplorationConstant},
		{"surprisal_threshold", c.SurprisalThreshold},
		{"progressive_widening_k", c.ProgressiveWideningK},
		{"belief_sample_weight", c.BeliefSampleWeight},
		{"cost_budget", c.CostBudget},
		{"prior_alpha", c.PriorAlpha},
		{"prior_beta", c.PriorBeta},
		{"oracle_rate_per_second", c.OracleRatePerSecond},
	} {
		if math.IsInf(f.v, 0) {
			violations = append(violations, FieldViolation{Field: f.name, Rule: "finite", Value: fmt.Sprint(f.v)})
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &ConfigValidationError{Violations: violations}
}

// TimeBudget returns the run's wall-clock budget, zero if none.
func (c Config) TimeBudget() time.Duration {
	return time.Duration(c.TimeBudgetMs) * time.Millisecond
}

// EvidenceGuardConfig builds the guard configuration for evidence calls.
func (c Config) EvidenceGuardConfig() oracle.GuardConfig {
	return c.guardConfig(c.EvidenceTimeoutMs)
}

// GeneratorGuardConfig builds the guard configuration for generator calls.
func (c Config) GeneratorGuardConfig() oracle.GuardConfig {
	return c.guardConfig(c.GeneratorTimeoutMs)
}

func (c Config) guardConfig(timeoutMs int64) oracle.GuardConfig {
	g := oracle.DefaultGuardConfig()
	g.CallTimeout = time.Duration(timeoutMs) * time.Millisecond
	g.MaxTimeoutRetries = c.MaxTimeoutRetries
	g.MaxMalformedRetries = c.MaxMalformedRetries
	g.RetryBackoff = time.Duration(c.RetryBackoffMs) * time.Millisecond
	g.RatePerSecond = c.OracleRatePerSecond
	g.CircuitBreaker.Enabled = c.CircuitFailureThreshold > 0
	g.CircuitBreaker.FailureThreshold = c.CircuitFailureThreshold
	g.CircuitBreaker.OpenDuration = time.Duration(c.CircuitOpenMs) * time.Millisecond
	return g
}

// WideningPolicy returns the progressive widening policy of c.
func (c Config) WideningPolicy() ProgressiveWidening {
	return ProgressiveWidening{K: c.ProgressiveWideningK, Alpha: c.ProgressiveWideningAlpha}
}

// BudgetConfig returns the run budget limits of c.
func (c Config) BudgetConfig() BudgetConfig {
	return BudgetConfig{
		TimeLimit:    c.TimeBudget(),
		CostLimitUSD: c.CostBudget,
	}
}

// LoadConfig loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - configPath: Path to a YAML or JSON (by .json extension) file. Optional;
//     a missing file is not an error.
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file is unreadable or the result is invalid.
//     Validation failures wrap a *ConfigValidationError.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}

	ApplyEnv(&config)

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return json.Unmarshal(data, config)
	}
	return yaml.Unmarshal(data, config)
}

// ApplyEnv applies DISCOVERY_* environment overrides to config.
// Unparseable values are ignored.
func ApplyEnv(config *Config) {
	envInt("DISCOVERY_MAX_ITERATIONS", &config.MaxIterations)
	envFloat("DISCOVERY_EXPLORATION_CONSTANT", &config.ExplorationConstant)
	envInt("DISCOVERY_MAX_DEPTH", &config.MaxDepth)
	envFloat("DISCOVERY_SURPRISAL_THRESHOLD", &config.SurprisalThreshold)
	envFloat("DISCOVERY_PROGRESSIVE_WIDENING_K", &config.ProgressiveWideningK)
	envFloat("DISCOVERY_PROGRESSIVE_WIDENING_ALPHA", &config.ProgressiveWideningAlpha)
	if v := os.Getenv("DISCOVERY_REWARD_MODE"); v != "" {
		config.RewardMode = surprise.RewardMode(strings.ToLower(v))
	}
	envFloat("DISCOVERY_BELIEF_KL_WEIGHT", &config.BeliefKLWeight)
	envInt("DISCOVERY_PARALLEL_EXPANSION", &config.ParallelExpansion)
	envFloat("DISCOVERY_BELIEF_SAMPLE_WEIGHT", &config.BeliefSampleWeight)
	envInt64("DISCOVERY_TIME_BUDGET_MS", &config.TimeBudgetMs)
	envFloat("DISCOVERY_COST_BUDGET", &config.CostBudget)
	envInt("DISCOVERY_CHILDREN_PER_EXPANSION", &config.ChildrenPerExpansion)
	envInt("DISCOVERY_MAX_EVIDENCE_ROUNDS", &config.MaxEvidenceRounds)
	envInt("DISCOVERY_TOP_K", &config.TopK)
	if v := os.Getenv("DISCOVERY_SEED"); v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.Seed = u
		}
	}
	envInt64("DISCOVERY_EVIDENCE_TIMEOUT_MS", &config.EvidenceTimeoutMs)
	envInt64("DISCOVERY_GENERATOR_TIMEOUT_MS", &config.GeneratorTimeoutMs)
	envInt("DISCOVERY_MAX_TIMEOUT_RETRIES", &config.MaxTimeoutRetries)
	envFloat("DISCOVERY_ORACLE_RATE_PER_SECOND", &config.OracleRatePerSecond)
	if v := os.Getenv("DISCOVERY_TRACING_ENABLED"); v != "" {
		config.TracingEnabled = v == "true" || v == "1"
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = i
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
