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
	"testing"
	"time"

	"github.com/AleutianAI/discovery/services/discovery/oracle"
)

func TestDegradationManager_Escalation(t *testing.T) {
	m := NewDegradationManager(DefaultDegradationConfig())

	var transitions []DegradationLevel
	m.OnChange(func(from, to DegradationLevel, reason string) {
		transitions = append(transitions, to)
		// The callback runs outside the lock.
		_ = m.Level()
	})

	if m.Level() != DegradationNormal || m.Width(10) != 10 {
		t.Fatalf("initial level %s width %d", m.Level(), m.Width(10))
	}

	m.RecordFailure()
	if m.Level() != DegradationNormal {
		t.Errorf("one failure: level = %s, want normal", m.Level())
	}
	m.RecordFailure()
	if m.Level() != DegradationReduced || m.Width(10) != 5 {
		t.Errorf("two failures: level = %s width = %d", m.Level(), m.Width(10))
	}
	m.RecordFailure()
	m.RecordFailure()
	if m.Level() != DegradationMinimal || m.Width(10) != 1 {
		t.Errorf("four failures: level = %s width = %d", m.Level(), m.Width(10))
	}

	for i := 0; i < 3; i++ {
		m.RecordSuccess()
	}
	if m.Level() != DegradationReduced {
		t.Errorf("three successes: level = %s, want reduced", m.Level())
	}
	for i := 0; i < 3; i++ {
		m.RecordSuccess()
	}
	if m.Level() != DegradationNormal {
		t.Errorf("six successes: level = %s, want normal", m.Level())
	}

	want := []DegradationLevel{DegradationReduced, DegradationMinimal, DegradationReduced, DegradationNormal}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestDegradationManager_SuccessResetsFailures(t *testing.T) {
	m := NewDegradationManager(DefaultDegradationConfig())
	m.RecordFailure()
	m.RecordSuccess()
	m.RecordFailure()
	if m.Level() != DegradationNormal {
		t.Errorf("level = %s, want normal after interrupted failures", m.Level())
	}
	if s := m.Status(); s.ConsecutiveFailures != 1 || s.Level != "normal" {
		t.Errorf("status = %+v", s)
	}
}

func TestDegradationManager_OpenBreakerForcesMinimal(t *testing.T) {
	breaker := oracle.NewCircuitBreaker(oracle.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenDuration:     time.Hour,
		HalfOpenMax:      1,
	})
	m := NewDegradationManager(DefaultDegradationConfig(), breaker, nil)

	breaker.RecordFailure()
	if breaker.State() != oracle.CircuitOpen {
		t.Fatalf("breaker state = %s, want open", breaker.State())
	}

	m.RecordFailure()
	if m.Level() != DegradationMinimal {
		t.Errorf("level = %s, want minimal with open breaker", m.Level())
	}

	// No recovery while the breaker stays open.
	for i := 0; i < 10; i++ {
		m.RecordSuccess()
	}
	if m.Level() != DegradationMinimal {
		t.Errorf("level = %s, want minimal while breaker open", m.Level())
	}
}

func TestDegradationManager_Width(t *testing.T) {
	m := NewDegradationManager(DefaultDegradationConfig())
	if got := m.Width(0); got != 1 {
		t.Errorf("Width(0) = %d, want 1", got)
	}
	m.RecordFailure()
	m.RecordFailure()
	if got := m.Width(1); got != 1 {
		t.Errorf("reduced Width(1) = %d, want 1", got)
	}
	if got := m.Width(7); got != 3 {
		t.Errorf("reduced Width(7) = %d, want 3", got)
	}
}

func TestDegradationLevel_String(t *testing.T) {
	for level, want := range map[DegradationLevel]string{
		DegradationNormal:    "normal",
		DegradationReduced:   "reduced",
		DegradationMinimal:   "minimal",
		DegradationLevel(42): "unknown",
	} {
		if got := level.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", level, got, want)
		}
	}
}
