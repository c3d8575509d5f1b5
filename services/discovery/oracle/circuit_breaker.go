// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"sync"
	"time"
)

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until OpenDuration has elapsed.
	CircuitOpen
	// CircuitHalfOpen lets up to HalfOpenMax trial calls through.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// Enabled turns the breaker on. A disabled breaker allows every call.
	Enabled bool `json:"enabled"`

	// FailureThreshold is consecutive failed attempts before opening (default: 5).
	FailureThreshold int `json:"failure_threshold"`

	// SuccessThreshold is trial successes needed to close from half-open (default: 2).
	SuccessThreshold int `json:"success_threshold"`

	// OpenDuration is how long to stay open before trying again (default: 30s).
	OpenDuration time.Duration `json:"open_duration"`

	// HalfOpenMax is the number of concurrent trial calls in half-open (default: 1).
	HalfOpenMax int `json:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitBreakerStats is a snapshot of breaker counters.
type CircuitBreakerStats struct {
	State           string    `json:"state"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	CurrentFailures int       `json:"current_failures"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreaker stops calling a failing oracle for a while.
//
// After FailureThreshold consecutive failures the breaker opens and every
// call is rejected. Once OpenDuration passes it moves to half-open and
// admits HalfOpenMax trial calls; SuccessThreshold successes close it, any
// failure reopens it.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	halfOpenActive  int
	lastStateChange time.Time
	onStateChange   func(from, to CircuitState)

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config,
		now:             time.Now,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// OnStateChange registers a callback invoked (under the breaker lock) on
// every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State returns the current state, moving open to half-open when due.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by exactly one RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	if !cb.config.Enabled {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()
	switch cb.state {
	case CircuitOpen:
		cb.totalRejections++
		return false
	case CircuitHalfOpen:
		if cb.halfOpenActive >= cb.config.HalfOpenMax {
			cb.totalRejections++
			return false
		}
		cb.halfOpenActive++
	}
	cb.totalCalls++
	return true
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.config.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.releaseTrial()
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed)
		}
	default:
		cb.failures = 0
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.config.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	switch cb.state {
	case CircuitHalfOpen:
		cb.releaseTrial()
		cb.transition(CircuitOpen)
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	}
}

// Release returns an allowed call's slot without recording an outcome,
// for calls abandoned by their caller.
func (cb *CircuitBreaker) Release() {
	if !cb.config.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.releaseTrial()
	}
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:           cb.state.String(),
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		CurrentFailures: cb.failures,
		LastStateChange: cb.lastStateChange,
	}
}

// maybeHalfOpen must be called with mu held.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == CircuitOpen && cb.now().Sub(cb.lastStateChange) >= cb.config.OpenDuration {
		cb.transition(CircuitHalfOpen)
	}
}

func (cb *CircuitBreaker) releaseTrial() {
	if cb.halfOpenActive > 0 {
		cb.halfOpenActive--
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.lastStateChange = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenActive = 0
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
