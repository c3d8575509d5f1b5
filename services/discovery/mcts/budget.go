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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// BudgetConfig contains the run's resource limits. Zero disables a limit.
type BudgetConfig struct {
	TimeLimit    time.Duration `json:"time_limit"`
	CostLimitUSD float64       `json:"cost_limit_usd"`
}

// Exhaustion causes reported by Budget.ExhaustedBy.
const (
	ExhaustedByTime = "time"
	ExhaustedByCost = "cost"
)

// Budget tracks resource consumption during a discovery run.
//
// Thread Safety: Safe for concurrent use.
type Budget struct {
	config    BudgetConfig
	startTime time.Time
	now       func() time.Time

	evidenceCalls  int64
	generatorCalls int64
	tokensUsed     int64

	mu          sync.RWMutex
	costUSD     float64
	exhaustedBy string
}

// NewBudget creates a budget tracker whose clock starts now.
func NewBudget(config BudgetConfig) *Budget {
	return &Budget{
		config:    config,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Config returns the budget configuration.
func (b *Budget) Config() BudgetConfig {
	return b.config
}

// RecordEvidenceCall records one evidence call and its usage.
func (b *Budget) RecordEvidenceCall(tokens int64, costUSD float64) {
	atomic.AddInt64(&b.evidenceCalls, 1)
	b.record(tokens, costUSD)
}

// RecordGeneratorCall records one generator call.
func (b *Budget) RecordGeneratorCall() {
	atomic.AddInt64(&b.generatorCalls, 1)
}

func (b *Budget) record(tokens int64, costUSD float64) {
	atomic.AddInt64(&b.tokensUsed, tokens)
	if costUSD > 0 {
		b.mu.Lock()
		b.costUSD += costUSD
		b.mu.Unlock()
	}
}

// EvidenceCalls returns the number of evidence calls made.
func (b *Budget) EvidenceCalls() int64 { return atomic.LoadInt64(&b.evidenceCalls) }

// GeneratorCalls returns the number of generator calls made.
func (b *Budget) GeneratorCalls() int64 { return atomic.LoadInt64(&b.generatorCalls) }

// TokensUsed returns the total tokens reported by oracles.
func (b *Budget) TokensUsed() int64 { return atomic.LoadInt64(&b.tokensUsed) }

// CostUSD returns the total cost reported by oracles.
func (b *Budget) CostUSD() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.costUSD
}

// Elapsed returns time elapsed since the budget was created.
func (b *Budget) Elapsed() time.Duration {
	return b.now().Sub(b.startTime)
}

// Exhausted checks every limit. Once exhausted, a budget stays exhausted.
//
// Outputs:
//   - error: nil, or ErrBudgetExhausted wrapped with the cause.
func (b *Budget) Exhausted() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exhaustedBy == "" {
		switch {
		case b.config.TimeLimit > 0 && b.now().Sub(b.startTime) >= b.config.TimeLimit:
			b.exhaustedBy = ExhaustedByTime
		case b.config.CostLimitUSD > 0 && b.costUSD >= b.config.CostLimitUSD:
			b.exhaustedBy = ExhaustedByCost
		}
	}
	if b.exhaustedBy != "" {
		return fmt.Errorf("%w: %s", ErrBudgetExhausted, b.exhaustedBy)
	}
	return nil
}

// ExhaustedBy returns which limit caused exhaustion, empty if none.
func (b *Budget) ExhaustedBy() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.exhaustedBy
}

// MarkExhausted records exhaustion observed elsewhere, e.g. a fired deadline.
func (b *Budget) MarkExhausted(cause string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exhaustedBy == "" {
		b.exhaustedBy = cause
	}
}

// String returns a human-readable budget status.
func (b *Budget) String() string {
	status := ""
	if by := b.ExhaustedBy(); by != "" {
		status = fmt.Sprintf(" [EXHAUSTED by %s]", by)
	}
	return fmt.Sprintf("Budget{time=%v/%v, evidence=%d, generator=%d, tokens=%d, cost=$%.4f/$%.2f}%s",
		b.Elapsed().Round(time.Millisecond), b.config.TimeLimit,
		b.EvidenceCalls(), b.GeneratorCalls(), b.TokensUsed(),
		b.CostUSD(), b.config.CostLimitUSD, status)
}
