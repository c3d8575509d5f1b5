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

import "math"

// wideningEpsilon absorbs float error in K·v^alpha so exact integers do not
// round up (1·4^0.5 must cap at 2, not 3).
const wideningEpsilon = 1e-9

// ProgressiveWidening bounds a node's branching factor by its visits.
type ProgressiveWidening struct {
	K     float64 `json:"k"`
	Alpha float64 `json:"alpha"`
}

// Cap returns ceil(K · visits^Alpha).
//
// An unvisited node has cap 0 unless Alpha is 0, so a node must be
// evaluated before it can grow children.
func (w ProgressiveWidening) Cap(visits int64) int {
	if visits < 0 {
		visits = 0
	}
	raw := w.K * math.Pow(float64(visits), w.Alpha)
	if math.IsNaN(raw) || raw <= 0 {
		return 0
	}
	if raw >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Ceil(raw - wideningEpsilon))
}

// Allows reports whether a node with children and visits may add one more.
func (w ProgressiveWidening) Allows(children int, visits int64) bool {
	return children < w.Cap(visits)
}
