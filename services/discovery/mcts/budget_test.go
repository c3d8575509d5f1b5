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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBudget_Unlimited(t *testing.T) {
	b := NewBudget(BudgetConfig{})
	for i := 0; i < 100; i++ {
		b.RecordEvidenceCall(10, 1)
	}
	if err := b.Exhausted(); err != nil {
		t.Errorf("unlimited budget exhausted: %v", err)
	}
	if b.EvidenceCalls() != 100 || b.TokensUsed() != 1000 || b.CostUSD() != 100 {
		t.Errorf("counters = %d/%d/%g", b.EvidenceCalls(), b.TokensUsed(), b.CostUSD())
	}
}

func TestBudget_Cost(t *testing.T) {
	b := NewBudget(BudgetConfig{CostLimitUSD: 1.0})
	b.RecordEvidenceCall(0, 0.4)
	b.RecordEvidenceCall(0, 0.4)
	if err := b.Exhausted(); err != nil {
		t.Fatalf("0.8 of 1.0 exhausted: %v", err)
	}
	b.RecordEvidenceCall(0, 0.4)
	err := b.Exhausted()
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("error = %v, want ErrBudgetExhausted", err)
	}
	if b.ExhaustedBy() != ExhaustedByCost {
		t.Errorf("ExhaustedBy = %q", b.ExhaustedBy())
	}
	if !strings.Contains(b.String(), "EXHAUSTED by cost") {
		t.Errorf("String = %q", b.String())
	}
}

func TestBudget_Time(t *testing.T) {
	b := NewBudget(BudgetConfig{TimeLimit: time.Second})
	now := b.startTime
	b.now = func() time.Time { return now }

	if err := b.Exhausted(); err != nil {
		t.Fatalf("fresh budget exhausted: %v", err)
	}
	now = now.Add(time.Second)
	if err := b.Exhausted(); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("error = %v, want ErrBudgetExhausted", err)
	}
	if b.ExhaustedBy() != ExhaustedByTime {
		t.Errorf("ExhaustedBy = %q", b.ExhaustedBy())
	}
	if b.Elapsed() != time.Second {
		t.Errorf("Elapsed = %v", b.Elapsed())
	}
}

func TestBudget_MarkExhaustedIsSticky(t *testing.T) {
	b := NewBudget(BudgetConfig{CostLimitUSD: 1})
	b.MarkExhausted(ExhaustedByTime)
	b.MarkExhausted(ExhaustedByCost)
	if b.ExhaustedBy() != ExhaustedByTime {
		t.Errorf("ExhaustedBy = %q, want first cause", b.ExhaustedBy())
	}
	if err := b.Exhausted(); !errors.Is(err, ErrBudgetExhausted) {
		t.Errorf("error = %v", err)
	}
}

func TestBudget_Concurrent(t *testing.T) {
	b := NewBudget(BudgetConfig{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.RecordEvidenceCall(1, 0.01)
				b.RecordGeneratorCall()
			}
		}()
	}
	wg.Wait()
	if b.EvidenceCalls() != 1000 || b.GeneratorCalls() != 1000 || b.TokensUsed() != 1000 {
		t.Errorf("counters = %d/%d/%d", b.EvidenceCalls(), b.GeneratorCalls(), b.TokensUsed())
	}
	if got := b.CostUSD(); got < 9.999 || got > 10.001 {
		t.Errorf("CostUSD = %g, want 10", got)
	}
}
