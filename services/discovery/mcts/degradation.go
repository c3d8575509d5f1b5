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
	"sync"
	"time"

	"github.com/AleutianAI/discovery/services/discovery/oracle"
)

// DegradationLevel represents how much concurrency the run still trusts
// the oracles with.
type DegradationLevel int

const (
	// DegradationNormal runs full batches.
	DegradationNormal DegradationLevel = iota

	// DegradationReduced halves the batch width.
	DegradationReduced

	// DegradationMinimal runs one target per batch.
	DegradationMinimal
)

// String returns a human-readable degradation level name.
func (d DegradationLevel) String() string {
	switch d {
	case DegradationNormal:
		return "normal"
	case DegradationReduced:
		return "reduced"
	case DegradationMinimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// DegradationConfig configures degradation behavior.
type DegradationConfig struct {
	// ConsecutiveFailuresForReduced is failures before reduced mode (default: 2).
	ConsecutiveFailuresForReduced int

	// ConsecutiveFailuresForMinimal is failures before minimal mode (default: 4).
	ConsecutiveFailuresForMinimal int

	// SuccessesForRecovery is successes to recover one level (default: 3).
	SuccessesForRecovery int
}

// DefaultDegradationConfig returns sensible defaults.
func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		ConsecutiveFailuresForReduced: 2,
		ConsecutiveFailuresForMinimal: 4,
		SuccessesForRecovery:          3,
	}
}

// DegradationStatus contains current status.
type DegradationStatus struct {
	Level                string    `json:"level"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastDegradation      time.Time `json:"last_degradation,omitempty"`
}

// DegradationManager narrows batch width while oracle calls keep failing
// and widens it again after sustained successes.
//
// An open circuit on any watched breaker forces minimal mode.
//
// Thread Safety: Safe for concurrent use.
type DegradationManager struct {
	config   DegradationConfig
	breakers []*oracle.CircuitBreaker

	mu                   sync.RWMutex
	level                DegradationLevel
	consecutiveFailures  int
	consecutiveSuccesses int
	lastDegradation      time.Time

	onChange func(from, to DegradationLevel, reason string)
}

// NewDegradationManager creates a degradation manager.
//
// Inputs:
//   - config: Degradation configuration.
//   - breakers: Circuit breakers to watch. Nil entries are ignored.
//
// Outputs:
//   - *DegradationManager: Ready to use manager at normal level.
func NewDegradationManager(config DegradationConfig, breakers ...*oracle.CircuitBreaker) *DegradationManager {
	m := &DegradationManager{config: config}
	for _, b := range breakers {
		if b != nil {
			m.breakers = append(m.breakers, b)
		}
	}
	return m
}

// OnChange sets a callback invoked outside the lock on every level change.
func (m *DegradationManager) OnChange(fn func(from, to DegradationLevel, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// RecordSuccess records a successful oracle call.
func (m *DegradationManager) RecordSuccess() {
	m.mu.Lock()
	m.consecutiveFailures = 0
	m.consecutiveSuccesses++

	from := m.level
	reason := ""
	if m.consecutiveSuccesses >= m.config.SuccessesForRecovery && m.level > DegradationNormal && !m.circuitOpen() {
		m.level--
		m.consecutiveSuccesses = 0
		reason = "recovery after successes"
	}
	m.notify(from, reason)
}

// RecordFailure records a failed oracle call.
func (m *DegradationManager) RecordFailure() {
	m.mu.Lock()
	m.consecutiveSuccesses = 0
	m.consecutiveFailures++

	from := m.level
	target, reason := m.level, ""
	switch {
	case m.circuitOpen():
		target, reason = DegradationMinimal, "circuit breaker open"
	case m.consecutiveFailures >= m.config.ConsecutiveFailuresForMinimal:
		target, reason = DegradationMinimal, "consecutive failures"
	case m.consecutiveFailures >= m.config.ConsecutiveFailuresForReduced:
		target, reason = DegradationReduced, "consecutive failures"
	}
	if target > m.level {
		m.level = target
		m.lastDegradation = time.Now()
	} else {
		reason = ""
	}
	m.notify(from, reason)
}

// notify releases the lock and fires the callback if the level changed.
func (m *DegradationManager) notify(from DegradationLevel, reason string) {
	to, fn := m.level, m.onChange
	m.mu.Unlock()
	if fn != nil && to != from {
		fn(from, to, reason)
	}
}

// Must be called with lock held.
func (m *DegradationManager) circuitOpen() bool {
	for _, b := range m.breakers {
		if b.State() == oracle.CircuitOpen {
			return true
		}
	}
	return false
}

// Level returns the current degradation level.
func (m *DegradationManager) Level() DegradationLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Width returns the batch width for the current level given the configured
// parallelism.
func (m *DegradationManager) Width(parallel int) int {
	if parallel < 1 {
		parallel = 1
	}
	switch m.Level() {
	case DegradationReduced:
		return max(1, parallel/2)
	case DegradationMinimal:
		return 1
	default:
		return parallel
	}
}

// Status returns current degradation status for observability.
func (m *DegradationManager) Status() DegradationStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return DegradationStatus{
		Level:                m.level.String(),
		ConsecutiveFailures:  m.consecutiveFailures,
		ConsecutiveSuccesses: m.consecutiveSuccesses,
		LastDegradation:      m.lastDegradation,
	}
}
