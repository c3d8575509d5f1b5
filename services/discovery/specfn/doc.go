// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package specfn implements the special functions behind Beta-Bernoulli
// belief tracking.
//
// # Functions
//
//   - LogGamma: Lanczos approximation (g=7, 9 terms) with reflection below 0.5.
//   - Digamma: recurrence into x >= 6, then the asymptotic series.
//   - BetaFunction / LogBeta: via LogGamma.
//   - IncompleteBeta: regularized I_x(a, b) by Lentz's continued fraction,
//     capped at MaxIterations with tolerance Tolerance.
//   - BetaCDF / BetaPDF.
//   - SampleGamma / SampleBeta: Marsaglia-Tsang with an injected Source.
//
// # Domain Handling
//
// The raw functions never panic. Out-of-domain arguments yield NaN (and a
// *DomainError where the function returns an error). Callers on a hot path
// that prefer an approximate answer to NaN use a Guard, which clamps inputs
// to the nearest valid boundary and logs a warning.
//
// # Thread Safety
//
// All functions are pure. Guard is safe for concurrent use. A Source passed
// to the samplers must not be shared across goroutines without locking.
package specfn
