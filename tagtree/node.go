// Package tagtree models the tag structure of an analysed hierarchical file.
//
// A tree arrives from the analysis service as nested nodes, one per distinct
// path. Nodes with no value lengths are structural containers; nodes with
// lengths carry values. Everything here is pure: the package never talks to
// the network.
package tagtree

import (
	"encoding/json"
	"fmt"
)

// LengthRanges are the bucket names the analyser uses for value lengths,
// in display order.
var LengthRanges = []string{
	"0", "1", "2", "3", "4", "5", "6-10", "11-15", "16-20", "21-30", "31-50", "50-100", "100-*",
}

// Node is one element of the tag tree.
type Node struct {
	Tag     string         `json:"tag"`
	Path    string         `json:"path"`
	Count   int            `json:"count"`
	Lengths []LengthBucket `json:"lengths"`
	Kids    []*Node        `json:"kids"`
}

// Structural reports whether the node is a container without values of its own.
func (n *Node) Structural() bool { return len(n.Lengths) == 0 }

// Selectable reports whether the node carries values and can be inspected.
func (n *Node) Selectable() bool { return len(n.Lengths) > 0 }

// LengthBucket counts the values whose length falls in Range.
type LengthBucket struct {
	Range string
	Count int
}

// UnmarshalJSON accepts the wire form ["6-10", 42].
func (b *LengthBucket) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("tagtree: length bucket: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("tagtree: length bucket: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &b.Range); err != nil {
		return fmt.Errorf("tagtree: length bucket range: %w", err)
	}
	if err := json.Unmarshal(pair[1], &b.Count); err != nil {
		return fmt.Errorf("tagtree: length bucket count: %w", err)
	}
	return nil
}

// MarshalJSON writes the same pair form UnmarshalJSON reads.
func (b LengthBucket) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{b.Range, b.Count})
}

// NodeStatus holds the statistics the analyser computed for one node.
// Samples and Histograms are the ascending page sizes available for
// on-demand fetches.
type NodeStatus struct {
	Lengths     []LengthBucket `json:"lengths"`
	Samples     []int          `json:"samples"`
	Histograms  []int          `json:"histograms"`
	UniqueCount int            `json:"uniqueCount"`
	SampleCount int            `json:"sampleCount"`
}

// Walk visits n and its descendants in pre-order. Returning false from fn
// stops the walk.
func Walk(n *Node, fn func(*Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, kid := range n.Kids {
		if !Walk(kid, fn) {
			return false
		}
	}
	return true
}
