package tagtree

import "strings"

// SplitPath turns "/a/b/c" into ["a", "b", "c"].
func SplitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Resolve walks segments down from root and returns the node they name.
//
// Leading empty segments are skipped. The first remaining segment must match
// the root's own tag, each following one the tag of a kid of the node
// reached so far. A path that runs off the tree, or no segments at all,
// yields (nil, false). Stale deep links end up here and are not errors.
func Resolve(root *Node, segments []string) (*Node, bool) {
	for len(segments) > 0 && segments[0] == "" {
		segments = segments[1:]
	}
	if root == nil || len(segments) == 0 {
		return nil, false
	}
	if root.Tag != segments[0] {
		return nil, false
	}
	cur := root
	for _, tag := range segments[1:] {
		next := kidByTag(cur, tag)
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// ResolvePath is Resolve over a slash-delimited path.
func ResolvePath(root *Node, path string) (*Node, bool) {
	return Resolve(root, SplitPath(path))
}

func kidByTag(n *Node, tag string) *Node {
	for _, kid := range n.Kids {
		if kid != nil && kid.Tag == tag {
			return kid
		}
	}
	return nil
}

// Locate finds the node whose Path equals path by a pre-order scan.
func Locate(root *Node, path string) (*Node, bool) {
	if path == "" {
		return nil, false
	}
	var found *Node
	Walk(root, func(n *Node) bool {
		if n.Path == path {
			found = n
			return false
		}
		return true
	})
	return found, found != nil
}
