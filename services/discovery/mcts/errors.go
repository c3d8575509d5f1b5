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
	"fmt"
	"strings"
)

var (
	// ErrInvalidConfig is wrapped by every ConfigValidationError.
	ErrInvalidConfig = errors.New("invalid discovery config")

	// ErrBudgetExhausted indicates a time or cost budget was reached.
	ErrBudgetExhausted = errors.New("discovery budget exhausted")

	// ErrEmptySeed indicates a blank seed hypothesis.
	ErrEmptySeed = errors.New("seed hypothesis is empty")

	// ErrNodeNotFound indicates an index outside the arena.
	ErrNodeNotFound = errors.New("node not found")

	// ErrWideningCap indicates a child insertion beyond the widening cap.
	ErrWideningCap = errors.New("progressive widening cap reached")

	// ErrMaxDepth indicates a child insertion beyond MaxDepth.
	ErrMaxDepth = errors.New("maximum depth reached")
)

// FieldViolation is one failed configuration rule.
type FieldViolation struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Value string `json:"value"`
}

// String renders the violation, e.g. "max_iterations: gte=1 (got -3)".
func (v FieldViolation) String() string {
	return fmt.Sprintf("%s: %s (got %s)", v.Field, v.Rule, v.Value)
}

// ConfigValidationError lists every configuration rule a Config broke.
//
// It is fatal: a run with an invalid configuration never starts.
type ConfigValidationError struct {
	Violations []FieldViolation `json:"violations"`
}

// Error implements error.
func (e *ConfigValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%v: %s", ErrInvalidConfig, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *ConfigValidationError) Unwrap() error { return ErrInvalidConfig }

// Has reports whether field has a violation.
func (e *ConfigValidationError) Has(field string) bool {
	for _, v := range e.Violations {
		if v.Field == field {
			return true
		}
	}
	return false
}
