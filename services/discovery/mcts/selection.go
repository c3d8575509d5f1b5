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
	"math"
	"sort"
)

// UCB1 returns mean + c·sqrt(ln(parentVisits)/childVisits).
//
// An unvisited child scores +Inf.
func UCB1(mean float64, parentVisits, childVisits int64, c float64) float64 {
	if childVisits <= 0 {
		return math.Inf(1)
	}
	if parentVisits < 1 {
		parentVisits = 1
	}
	return mean + c*math.Sqrt(math.Log(float64(parentVisits))/float64(childVisits))
}

// TargetKind distinguishes the two kinds of work a selection can yield.
type TargetKind int

const (
	// TargetEvaluate gathers evidence for an existing node.
	TargetEvaluate TargetKind = iota

	// TargetExpand generates a new child of Node, then evaluates it.
	TargetExpand
)

// String returns a human-readable kind name.
func (k TargetKind) String() string {
	switch k {
	case TargetEvaluate:
		return "evaluate"
	case TargetExpand:
		return "expand"
	default:
		return "unknown"
	}
}

// Target is one unit of work chosen by the Selector.
type Target struct {
	Kind TargetKind
	// Node is the node to evaluate, or the parent to expand.
	Node int
}

// SelectorConfig holds the selection parameters.
type SelectorConfig struct {
	ExplorationConstant float64
	Widening            ProgressiveWidening
	MaxDepth            int
	MaxEvidenceRounds   int
}

// Selector picks batch targets by UCB1 descent over a Tree.
//
// Description:
//
//	Starting at the root, a node that has never been evaluated is itself the
//	target. Otherwise its first unevaluated child (insertion order) is the
//	target. Otherwise, if progressive widening allows another child, the node
//	is expanded. Otherwise the descent recurses into evaluated children in
//	UCB1 order, ties broken by insertion order, backtracking from dead ends.
//	A childless leaf with evidence rounds left is re-evaluated last.
//
//	Each target is reserved for the rest of the batch: a node being
//	evaluated is skipped, and a pending expansion counts toward its parent's
//	widening cap, so repeated calls spread the batch across the frontier.
//	The cap itself is computed from committed visits only.
//
// Thread Safety: Not safe for concurrent use. One Selector per batch.
type Selector struct {
	tree     *Tree
	config   SelectorConfig
	reserved map[int]bool
	pending  map[int]int
}

// NewSelector creates a selector with no reservations.
func NewSelector(tree *Tree, config SelectorConfig) *Selector {
	return &Selector{
		tree:     tree,
		config:   config,
		reserved: make(map[int]bool),
		pending:  make(map[int]int),
	}
}

// Next selects and reserves the next target.
//
// Outputs:
//   - Target: The selected target.
//   - bool: False when nothing in the tree is selectable.
func (s *Selector) Next() (Target, bool) {
	s.tree.mu.RLock()
	tg, ok := s.descend(0)
	s.tree.mu.RUnlock()

	if !ok {
		return Target{}, false
	}
	if tg.Kind == TargetExpand {
		s.pending[tg.Node]++
	} else {
		s.reserved[tg.Node] = true
	}
	return tg, true
}

// Must be called with the tree read lock held.
func (s *Selector) descend(idx int) (Target, bool) {
	if s.reserved[idx] {
		return Target{}, false
	}
	n := &s.tree.nodes[idx]
	if n.State != StateEvaluated {
		return Target{Kind: TargetEvaluate, Node: idx}, true
	}

	blocked := false
	for _, c := range n.Children {
		if s.tree.nodes[c].State == StateEvaluated {
			continue
		}
		if s.reserved[c] {
			blocked = true
			continue
		}
		return Target{Kind: TargetEvaluate, Node: c}, true
	}

	if !blocked && s.canWiden(idx) {
		return Target{Kind: TargetExpand, Node: idx}, true
	}

	for _, c := range s.ranked(n) {
		if tg, ok := s.descend(c); ok {
			return tg, true
		}
	}

	if len(n.Children) == 0 && s.pending[idx] == 0 && n.Rounds < s.config.MaxEvidenceRounds {
		return Target{Kind: TargetEvaluate, Node: idx}, true
	}
	return Target{}, false
}

// Must be called with the tree read lock held.
func (s *Selector) canWiden(idx int) bool {
	n := &s.tree.nodes[idx]
	if n.Closed || n.Depth >= s.config.MaxDepth {
		return false
	}
	return s.config.Widening.Allows(len(n.Children)+s.pending[idx], n.Visits)
}

// ranked returns n's evaluated children by UCB1 descending, stable.
func (s *Selector) ranked(n *Node) []int {
	type scored struct {
		idx int
		ucb float64
	}
	out := make([]scored, 0, len(n.Children))
	for _, c := range n.Children {
		child := &s.tree.nodes[c]
		if child.State != StateEvaluated {
			continue
		}
		out = append(out, scored{
			idx: c,
			ucb: UCB1(child.Belief.Mean(), n.Visits, child.Visits, s.config.ExplorationConstant),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ucb > out[j].ucb })

	idx := make([]int, len(out))
	for i, o := range out {
		idx[i] = o.idx
	}
	return idx
}
