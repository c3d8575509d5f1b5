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
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/AleutianAI/discovery/services/discovery/belief"
	"github.com/AleutianAI/discovery/services/discovery/oracle"
	"github.com/AleutianAI/discovery/services/discovery/surprise"
)

// TreeConfig holds the structural limits of a tree.
type TreeConfig struct {
	Widening ProgressiveWidening
	MaxDepth int
}

// Tree is an append-only arena of hypothesis nodes addressed by index.
//
// Index 0 is always the root. Nodes are never removed.
//
// Thread Safety: Safe for concurrent use. Writes are expected from a single
// orchestration loop; the lock lets readers observe consistent snapshots.
type Tree struct {
	mu     sync.RWMutex
	nodes  []Node
	config TreeConfig
}

// NewTree creates a tree holding only the seed hypothesis.
//
// Inputs:
//   - seed: Root hypothesis. Must not be blank.
//   - prior: Belief every node starts from.
//   - config: Structural limits.
//
// Outputs:
//   - *Tree: The new tree.
//   - error: ErrEmptySeed if seed is blank.
func NewTree(seed string, prior belief.Belief, config TreeConfig) (*Tree, error) {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return nil, ErrEmptySeed
	}
	root := Node{
		Index:      0,
		Hypothesis: seed,
		Parent:     NoParent,
		Belief:     prior,
		State:      StatePending,
		Confidence: ConfidenceNormal,
	}
	return &Tree{nodes: []Node{root}, config: config}, nil
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Root returns a copy of the root node.
func (t *Tree) Root() Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[0].clone()
}

// Node returns a copy of the node at idx.
func (t *Tree) Node(idx int) (Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.valid(idx) {
		return Node{}, fmt.Errorf("%w: %d", ErrNodeNotFound, idx)
	}
	return t.nodes[idx].clone(), nil
}

// Nodes returns copies of every node in insertion order.
func (t *Tree) Nodes() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, len(t.nodes))
	for i := range t.nodes {
		out[i] = t.nodes[i].clone()
	}
	return out
}

// AddChild appends a new child of parent.
//
// Description:
//
//	The child starts in StateExpanding with the given prior. Insertion fails
//	if the parent's depth is already MaxDepth or if the parent is at its
//	progressive widening cap for its current visits.
//
// Outputs:
//   - int: Index of the new node.
//   - error: ErrNodeNotFound, ErrMaxDepth or ErrWideningCap.
func (t *Tree) AddChild(parent int, p oracle.Proposal, prior belief.Belief) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.valid(parent) {
		return 0, fmt.Errorf("%w: %d", ErrNodeNotFound, parent)
	}
	pn := &t.nodes[parent]
	if pn.Depth >= t.config.MaxDepth {
		return 0, fmt.Errorf("%w: parent %d at depth %d", ErrMaxDepth, parent, pn.Depth)
	}
	if !t.config.Widening.Allows(len(pn.Children), pn.Visits) {
		return 0, fmt.Errorf("%w: parent %d has %d children at %d visits",
			ErrWideningCap, parent, len(pn.Children), pn.Visits)
	}

	idx := len(t.nodes)
	t.nodes = append(t.nodes, Node{
		Index:      idx,
		Hypothesis: strings.TrimSpace(p.Text),
		Category:   p.Category,
		Parent:     parent,
		Depth:      pn.Depth + 1,
		Belief:     prior,
		State:      StateExpanding,
		Confidence: ConfidenceNormal,
	})
	// pn may be stale after append.
	t.nodes[parent].Children = append(t.nodes[parent].Children, idx)
	return idx, nil
}

// SetState moves a node to state.
func (t *Tree) SetState(idx int, state NodeState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(idx) {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, idx)
	}
	t.nodes[idx].State = state
	return nil
}

// Close stops further widening of a node.
func (t *Tree) Close(idx int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(idx) {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, idx)
	}
	t.nodes[idx].Closed = true
	return nil
}

// Evaluation is the outcome of one evidence round for a node.
type Evaluation struct {
	Belief     belief.Belief
	Score      surprise.Score
	Ref        *oracle.EvidenceRef
	Confidence Confidence
}

// Commit records an evaluation and marks the node evaluated.
//
// A nil Ref keeps the previous provenance. Degraded confidence is sticky:
// a later successful round does not clear it.
func (t *Tree) Commit(idx int, ev Evaluation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(idx) {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, idx)
	}
	n := &t.nodes[idx]
	n.Belief = ev.Belief
	n.Surprise = ev.Score.Value
	n.KLDivergence = ev.Score.KL
	n.BeliefShift = ev.Score.BeliefShift
	n.Surprising = ev.Score.Surprising
	if ev.Ref != nil {
		ref := *ev.Ref
		n.EvidenceRef = &ref
	}
	if ev.Confidence == ConfidenceDegraded {
		n.Confidence = ConfidenceDegraded
	}
	n.State = StateEvaluated
	n.Rounds++
	return nil
}

// Abandon marks a node whose evidence call was cut short by cancellation.
// Its belief and statistics are left untouched.
func (t *Tree) Abandon(idx int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(idx) {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, idx)
	}
	t.nodes[idx].State = StateEvaluated
	t.nodes[idx].Confidence = ConfidenceDegraded
	return nil
}

// Backpropagate adds one visit and reward to idx and every ancestor.
func (t *Tree) Backpropagate(idx int, reward float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(idx) {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, idx)
	}
	for i := idx; i != NoParent; i = t.nodes[i].Parent {
		t.nodes[i].Visits++
		t.nodes[i].CumulativeValue += reward
	}
	return nil
}

// Path returns node indices from the root to idx, inclusive.
func (t *Tree) Path(idx int) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathLocked(idx)
}

// PathHypotheses returns the hypotheses from the root to idx, inclusive.
func (t *Tree) PathHypotheses(idx int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	path := t.pathLocked(idx)
	out := make([]string, len(path))
	for i, p := range path {
		out[i] = t.nodes[p].Hypothesis
	}
	return out
}

// AncestorChain returns the hypotheses from the root to idx's parent.
func (t *Tree) AncestorChain(idx int) []string {
	chain := t.PathHypotheses(idx)
	if len(chain) == 0 {
		return nil
	}
	return chain[:len(chain)-1]
}

// ChildHypotheses returns the hypotheses of idx's children in insertion order.
func (t *Tree) ChildHypotheses(idx int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.valid(idx) {
		return nil
	}
	out := make([]string, 0, len(t.nodes[idx].Children))
	for _, c := range t.nodes[idx].Children {
		out = append(out, t.nodes[c].Hypothesis)
	}
	return out
}

// MaxDepthReached returns the deepest node depth.
func (t *Tree) MaxDepthReached() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	deepest := 0
	for i := range t.nodes {
		if t.nodes[i].Depth > deepest {
			deepest = t.nodes[i].Depth
		}
	}
	return deepest
}

// AvgBranchingFactor returns children per internal node, 0 for a lone root.
func (t *Tree) AvgBranchingFactor() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	internal, children := 0, 0
	for i := range t.nodes {
		if n := len(t.nodes[i].Children); n > 0 {
			internal++
			children += n
		}
	}
	if internal == 0 {
		return 0
	}
	return float64(children) / float64(internal)
}

func (t *Tree) valid(idx int) bool {
	return idx >= 0 && idx < len(t.nodes)
}

func (t *Tree) pathLocked(idx int) []int {
	if !t.valid(idx) {
		return nil
	}
	var path []int
	for i := idx; i != NoParent; i = t.nodes[i].Parent {
		path = append(path, i)
	}
	for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
		path[l], path[r] = path[r], path[l]
	}
	return path
}

// Format renders the tree as ASCII art, starring nodes on highlight's path.
//
// Pass NoParent to highlight nothing.
func (t *Tree) Format(highlight int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	onPath := make(map[int]bool)
	for _, i := range t.pathLocked(highlight) {
		onPath[i] = true
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Seed: %s\n", t.nodes[0].Hypothesis))
	sb.WriteString(fmt.Sprintf("Nodes: %d, Root Visits: %d\n\n", len(t.nodes), t.nodes[0].Visits))
	t.formatNode(&sb, 0, "", true, onPath)
	return sb.String()
}

func (t *Tree) formatNode(sb *strings.Builder, idx int, prefix string, isLast bool, onPath map[int]bool) {
	n := &t.nodes[idx]

	branch := "├── "
	if isLast {
		branch = "└── "
	}

	marker := ""
	if n.Surprising {
		marker += " !"
	}
	if n.Confidence == ConfidenceDegraded {
		marker += " ~"
	}
	if onPath[idx] {
		marker += " ★"
	}

	sb.WriteString(fmt.Sprintf("%s%s[%d] %s (surprise: %.3f, mean: %.2f, visits: %d)%s\n",
		prefix, branch, idx, truncate(n.Hypothesis, 60),
		n.Surprise, n.Belief.Mean(), n.Visits, marker))

	childPrefix := prefix
	if isLast {
		childPrefix += "    "
	} else {
		childPrefix += "│   "
	}
	for i, c := range n.Children {
		t.formatNode(sb, c, childPrefix, i == len(n.Children)-1, onPath)
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// MarshalJSON implements json.Marshaler.
func (t *Tree) MarshalJSON() ([]byte, error) {
	type treeJSON struct {
		TotalNodes int    `json:"total_nodes"`
		Nodes      []Node `json:"nodes"`
	}
	nodes := t.Nodes()
	return json.Marshal(&treeJSON{TotalNodes: len(nodes), Nodes: nodes})
}
