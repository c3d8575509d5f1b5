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
	"fmt"

	"github.com/AleutianAI/discovery/services/discovery/belief"
	"github.com/AleutianAI/discovery/services/discovery/oracle"
)

// NodeState represents the lifecycle state of a hypothesis node.
type NodeState string

const (
	// StatePending is a node with no evidence yet. Only the root starts here.
	StatePending NodeState = "pending"

	// StateExpanding is a freshly generated child awaiting its first evidence.
	StateExpanding NodeState = "expanding"

	// StateEvaluating is a node whose evidence call is in flight.
	StateEvaluating NodeState = "evaluating"

	// StateEvaluated is a node with a committed belief and score.
	StateEvaluated NodeState = "evaluated"
)

// String returns the string representation of the node state.
func (s NodeState) String() string {
	return string(s)
}

// Confidence describes how trustworthy a node's belief is.
type Confidence string

const (
	// ConfidenceNormal means the belief reflects gathered evidence.
	ConfidenceNormal Confidence = "normal"

	// ConfidenceDegraded means evidence failed and a neutral update was used.
	ConfidenceDegraded Confidence = "degraded"
)

// String returns the string representation of the confidence.
func (c Confidence) String() string {
	return string(c)
}

// NoParent is the Parent index of the root.
const NoParent = -1

// Node is one hypothesis in the arena.
//
// Nodes are values. Tree accessors return copies, so callers cannot mutate
// the arena through them.
type Node struct {
	Index      int    `json:"index"`
	Hypothesis string `json:"hypothesis"`
	Category   string `json:"category,omitempty"`
	Parent     int    `json:"parent"`
	Children   []int  `json:"children"`
	Depth      int    `json:"depth"`

	Visits          int64   `json:"visits"`
	CumulativeValue float64 `json:"cumulative_value"`

	Belief       belief.Belief `json:"belief"`
	State        NodeState     `json:"state"`
	Surprise     float64       `json:"surprise"`
	KLDivergence float64       `json:"kl_divergence"`
	BeliefShift  float64       `json:"belief_shift"`
	Surprising   bool          `json:"surprising"`

	EvidenceRef *oracle.EvidenceRef `json:"evidence_ref,omitempty"`
	Confidence  Confidence          `json:"confidence"`

	// Rounds counts evidence batches applied to the node.
	Rounds int `json:"rounds"`

	// Closed is set when the generator has nothing new to offer here.
	Closed bool `json:"closed,omitempty"`
}

// IsRoot returns true for the seed node.
func (n Node) IsRoot() bool {
	return n.Parent == NoParent
}

// IsLeaf returns true if the node has no children.
func (n Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// MeanValue returns the average backpropagated reward, 0 when unvisited.
func (n Node) MeanValue() float64 {
	if n.Visits == 0 {
		return 0
	}
	return n.CumulativeValue / float64(n.Visits)
}

// String returns a one-line summary.
func (n Node) String() string {
	return fmt.Sprintf("Node[%d](%s, visits=%d, surprise=%.3f)", n.Index, n.State, n.Visits, n.Surprise)
}

func (n Node) clone() Node {
	c := n
	c.Children = append([]int(nil), n.Children...)
	if n.EvidenceRef != nil {
		ref := *n.EvidenceRef
		c.EvidenceRef = &ref
	}
	return c
}
