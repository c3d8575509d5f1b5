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
	"context"
	"errors"
)

var (
	// ErrOracleTimeout indicates a call exceeded its per-call deadline.
	ErrOracleTimeout = errors.New("oracle timeout")

	// ErrOracleMalformedResponse indicates a response did not parse into
	// the expected shape.
	ErrOracleMalformedResponse = errors.New("oracle malformed response")

	// ErrCircuitOpen indicates the circuit breaker rejected the call.
	ErrCircuitOpen = errors.New("oracle circuit breaker is open")

	// ErrNilOracle indicates a nil generator or gatherer.
	ErrNilOracle = errors.New("oracle is nil")
)

// IsAbandoned reports whether err came from the caller's context ending
// rather than from the oracle.
func IsAbandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Outcome labels a finished guarded call for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrOracleTimeout):
		return "timeout"
	case errors.Is(err, ErrOracleMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case IsAbandoned(err):
		return "abandoned"
	default:
		return "error"
	}
}
