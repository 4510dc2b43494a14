package tagtree

import "errors"

// ErrNoCandidate is returned when no structural node shares the cardinality
// of the chosen identifier. Callers treat it as "make no change".
var ErrNoCandidate = errors.New("tagtree: no record root candidate")

// ErrNotValueNode is returned when the chosen identifier is a structural
// node: only value nodes can identify records.
var ErrNotValueNode = errors.New("tagtree: not a value node")

// DelimiterSelection is the record-root / unique-id pair that tells the
// backend how to cut the file into records.
type DelimiterSelection struct {
	RecordRoot  string `json:"recordRoot"`
	UniqueID    string `json:"uniqueId"`
	RecordCount int    `json:"recordCount"`
}

// IsSet reports whether a record root has been chosen.
func (d DelimiterSelection) IsSet() bool { return d.RecordRoot != "" }

// InferRecordRoot proposes a record root for the identifier node candidate.
//
// It returns the first node in pre-order that is structural and whose count
// equals candidate.Count. Whether that node is an ancestor of the candidate
// is not checked, so the result is only a proposal. A candidate without
// lengths is not an identifier and yields (nil, false).
func InferRecordRoot(root, candidate *Node) (*Node, bool) {
	if root == nil || candidate == nil || candidate.Structural() {
		return nil, false
	}
	var match *Node
	Walk(root, func(n *Node) bool {
		if n.Structural() && n.Count == candidate.Count {
			match = n
			return false
		}
		return true
	})
	return match, match != nil
}

// Propose runs InferRecordRoot and packages the outcome for persistence.
func Propose(root, candidate *Node) (DelimiterSelection, error) {
	if candidate == nil || candidate.Structural() {
		return DelimiterSelection{}, ErrNotValueNode
	}
	match, ok := InferRecordRoot(root, candidate)
	if !ok {
		return DelimiterSelection{}, ErrNoCandidate
	}
	return DelimiterSelection{
		RecordRoot:  match.Path,
		UniqueID:    candidate.Path,
		RecordCount: candidate.Count,
	}, nil
}
