// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mcts implements Bayesian Monte Carlo Tree Search over
// natural-language hypotheses.
//
// # Overview
//
// Each node of the search tree is a hypothesis with a Beta belief about
// whether it holds. Evidence updates the belief; the surprise of the update
// (KL divergence or mean shift between prior and posterior) is the reward
// that flows back up the tree. The search therefore spends its budget where
// evidence keeps moving beliefs.
//
// # Tree
//
// Nodes live in an append-only arena and refer to each other by index.
// Selection descends by UCB1 over the posterior mean, visiting unvisited
// children first in insertion order. Progressive widening caps a node's
// children at ceil(K · visits^alpha); a new child is requested only when
// the node is under its cap and has no unvisited child.
//
// # Engine
//
// Engine.Run drives batches:
//
//  1. Select up to ParallelExpansion targets, reserving each so the next
//     selection in the same batch goes elsewhere.
//  2. Generate new children for expansion targets, grouped per parent.
//  3. Insert the children, in selection order.
//  4. Gather evidence for every target on a bounded worker pool.
//  5. Apply belief updates, score and backpropagate, in selection order.
//
// Only steps 2 and 4 run concurrently and neither touches the tree, so the
// arena needs no fine-grained locking and a deterministic oracle yields an
// identical tree on every run.
//
// # Failure Handling
//
// Oracle calls go through oracle.Guard. A call that still fails after its
// retries gives the node a neutral update and marks it degraded; the run
// continues. A run cut short by cancellation or its time budget returns a
// valid partial tree with status budget_exhausted. Only an invalid
// configuration makes Run return an error.
//
// # Thread Safety
//
// Engine is safe to reuse for sequential or concurrent runs. A Tree is
// written only by the run that owns it; its read methods are safe to call
// concurrently with that run.
package mcts
