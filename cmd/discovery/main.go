// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command discovery searches for surprising hypotheses with Bayesian MCTS.
//
// Usage:
//
//	# Offline, with simulated oracles
//	discovery run --simulate "weekend orders are smaller"
//
//	# With a model and a CSV for statistical evidence
//	OPENAI_API_KEY=... discovery run --dataset churn.csv --outcome churned=yes --tree \
//	  "premium customers churn less"
//
//	# Stored results
//	discovery results list
//	discovery results show <run-id>
//
//	# HTTP API
//	discovery serve --config discovery.yaml
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
