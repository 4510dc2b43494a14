package tagtree

import (
	"slices"
	"strings"
)

// Normalize sorts the kids of every node by lowercased tag, recursively and
// in place. The sort is stable, so tags equal under case folding keep their
// arrival order and a second call changes nothing. Null kids are dropped.
func Normalize(root *Node) *Node {
	if root == nil {
		return nil
	}
	root.Kids = slices.DeleteFunc(root.Kids, func(n *Node) bool { return n == nil })
	slices.SortStableFunc(root.Kids, func(a, b *Node) int {
		return strings.Compare(strings.ToLower(a.Tag), strings.ToLower(b.Tag))
	})
	for _, kid := range root.Kids {
		Normalize(kid)
	}
	return root
}
