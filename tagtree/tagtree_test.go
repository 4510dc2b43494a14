package tagtree

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"
)

func leaf(tag, path string, count int) *Node {
	return &Node{Tag: tag, Path: path, Count: count, Lengths: []LengthBucket{{Range: "1", Count: count}}}
}

func box(tag, path string, count int, kids ...*Node) *Node {
	return &Node{Tag: tag, Path: path, Count: count, Kids: kids}
}

func tags(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Tag
	}
	return out
}

func sampleTree() *Node {
	return box("rdf", "/rdf", 1,
		box("Description", "/rdf/Description", 3,
			leaf("title", "/rdf/Description/title", 3),
			leaf("Creator", "/rdf/Description/Creator", 2),
			leaf("about", "/rdf/Description/about", 3),
		),
		leaf("@version", "/rdf/@version", 1),
	)
}

func TestNormalize_SortsCaseInsensitive(t *testing.T) {
	// WHAT: kids are ordered by lowercased tag at every level.
	// WHY: every other component relies on a deterministic traversal order.
	root := Normalize(sampleTree())

	if got := tags(root.Kids); !slices.Equal(got, []string{"@version", "Description"}) {
		t.Fatalf("root kids = %v", got)
	}
	desc := root.Kids[1]
	if got := tags(desc.Kids); !slices.Equal(got, []string{"about", "Creator", "title"}) {
		t.Fatalf("Description kids = %v", got)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	// WHAT: normalizing twice yields the same order.
	// WHY: trees are re-normalized after every reload.
	once := Normalize(box("r", "/r", 1,
		leaf("b", "/r/b", 1), leaf("B", "/r/B", 1), leaf("a", "/r/a", 1), leaf("A", "/r/A", 1)))
	first := tags(once.Kids)
	second := tags(Normalize(once).Kids)
	if !slices.Equal(first, second) {
		t.Fatalf("first %v, second %v", first, second)
	}
	if !slices.Equal(first, []string{"a", "A", "b", "B"}) {
		t.Fatalf("stable order lost: %v", first)
	}
}

func TestNormalize_NilAndLeaf(t *testing.T) {
	if Normalize(nil) != nil {
		t.Fatal("nil root should stay nil")
	}
	l := leaf("x", "/x", 1)
	if Normalize(l) != l {
		t.Fatal("leaf should be returned unchanged")
	}
}

func TestNormalize_DropsNullKids(t *testing.T) {
	// WHAT: a null entry in kids is dropped instead of crashing the sort.
	// WHY: the tree is decoded from service JSON, where "kids": [.., null] is possible.
	var root Node
	if err := json.Unmarshal([]byte(`{"tag":"r","path":"/r","kids":[{"tag":"b","path":"/r/b"},null,{"tag":"a","path":"/r/a"}]}`), &root); err != nil {
		t.Fatal(err)
	}
	Normalize(&root)
	if got := tags(root.Kids); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("kids = %v", got)
	}
}

func TestResolve_SkipsNullKids(t *testing.T) {
	root := box("r", "/r", 1, nil, leaf("a", "/r/a", 1))
	if n, ok := ResolvePath(root, "/r/a"); !ok || n.Path != "/r/a" {
		t.Fatalf("got %v %v", n, ok)
	}
	if _, ok := ResolvePath(root, "/r/missing"); ok {
		t.Fatal("missing kid found")
	}
}

func TestResolve(t *testing.T) {
	root := Normalize(sampleTree())

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/rdf/Description/title", "/rdf/Description/title", true},
		{"/rdf", "/rdf", true},
		{"/rdf/Description/missing", "", false},
		{"/other/Description", "", false},
		{"", "", false},
		// one segment deeper than the tree goes
		{"/rdf/Description/title/deeper", "", false},
	}
	for _, tt := range tests {
		n, ok := ResolvePath(root, tt.path)
		if ok != tt.ok {
			t.Errorf("ResolvePath(%q) ok = %v, want %v", tt.path, ok, tt.ok)
			continue
		}
		if ok && n.Path != tt.want {
			t.Errorf("ResolvePath(%q) = %q, want %q", tt.path, n.Path, tt.want)
		}
	}
}

func TestResolve_SkipsLeadingEmptySegments(t *testing.T) {
	root := Normalize(sampleTree())
	n, ok := Resolve(root, []string{"", "rdf", "Description"})
	if !ok || n.Path != "/rdf/Description" {
		t.Fatalf("got %v %v", n, ok)
	}
}

func TestLocate(t *testing.T) {
	root := sampleTree()
	if n, ok := Locate(root, "/rdf/Description/about"); !ok || n.Tag != "about" {
		t.Fatalf("Locate about: %v %v", n, ok)
	}
	if _, ok := Locate(root, "/rdf/gone"); ok {
		t.Fatal("stale path should not be found")
	}
	if _, ok := Locate(root, ""); ok {
		t.Fatal("empty path should not be found")
	}
}

func TestInferRecordRoot_FirstInPreOrder(t *testing.T) {
	// WHAT: A(3,[]) -> B(3,[]) -> C(3,[1]); inferring from C yields A.
	// WHY: the first structural match in pre-order wins, ancestry unchecked.
	c := leaf("C", "/A/B/C", 3)
	root := box("A", "/A", 3, box("B", "/A/B", 3, c))

	got, ok := InferRecordRoot(root, c)
	if !ok {
		t.Fatal("expected a match")
	}
	if got.Path != "/A" {
		t.Fatalf("got %s, want /A", got.Path)
	}
}

func TestInferRecordRoot_UnrelatedContainer(t *testing.T) {
	// WHAT: a non-ancestor container with the right count is still proposed.
	// WHY: the heuristic does not verify ancestry; callers must confirm.
	id := leaf("id", "/root/rec/id", 4)
	root := box("root", "/root", 1,
		box("aaa", "/root/aaa", 4),
		box("rec", "/root/rec", 4, id),
	)
	got, ok := InferRecordRoot(Normalize(root), id)
	if !ok || got.Path != "/root/aaa" {
		t.Fatalf("got %v %v, want /root/aaa", got, ok)
	}
}

func TestInferRecordRoot_NoMatch(t *testing.T) {
	id := leaf("id", "/r/id", 7)
	root := box("r", "/r", 1, id)
	if _, ok := InferRecordRoot(root, id); ok {
		t.Fatal("no structural node has count 7")
	}
	if _, err := Propose(root, id); !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("Propose err = %v, want ErrNoCandidate", err)
	}
}

func TestInferRecordRoot_StructuralCandidateRejected(t *testing.T) {
	rec := box("rec", "/r/rec", 2, leaf("id", "/r/rec/id", 2))
	root := box("r", "/r", 2, rec)
	if _, ok := InferRecordRoot(root, rec); ok {
		t.Fatal("a structural node is not an identifier")
	}
}

func TestPropose_StructuralIdentifier(t *testing.T) {
	rec := box("rec", "/r/rec", 2, leaf("id", "/r/rec/id", 2))
	root := box("r", "/r", 2, rec)
	if _, err := Propose(root, rec); !errors.Is(err, ErrNotValueNode) {
		t.Fatalf("Propose err = %v, want ErrNotValueNode", err)
	}
}

func TestStructuralIffEligible(t *testing.T) {
	// WHAT: a node is a match candidate exactly when its lengths are empty.
	for _, n := range []*Node{leaf("a", "/a", 1), box("b", "/b", 1)} {
		candidate := leaf("id", "/id", 1)
		root := box("top", "/top", 99, n)
		got, ok := InferRecordRoot(root, candidate)
		if n.Structural() != (ok && got == n) {
			t.Errorf("node %s: structural=%v matched=%v", n.Path, n.Structural(), ok)
		}
	}
}

func TestPropose(t *testing.T) {
	root := Normalize(sampleTree())
	title, _ := ResolvePath(root, "/rdf/Description/title")
	sel, err := Propose(root, title)
	if err != nil {
		t.Fatal(err)
	}
	want := DelimiterSelection{RecordRoot: "/rdf/Description", UniqueID: "/rdf/Description/title", RecordCount: 3}
	if sel != want {
		t.Fatalf("got %+v, want %+v", sel, want)
	}
	if !sel.IsSet() {
		t.Fatal("selection should be set")
	}
}

func TestNextSize(t *testing.T) {
	sizes := []int{100, 500, 2500}
	if n, ok := NextSize(sizes, 100); !ok || n != 500 {
		t.Fatalf("NextSize(100) = %d %v", n, ok)
	}
	if _, ok := NextSize(sizes, 2500); ok {
		t.Fatal("no size after the last one")
	}
	if _, ok := NextSize(sizes, 42); ok {
		t.Fatal("unknown size has no successor")
	}
	if FirstSize(nil, 100) != 100 || LastSize(sizes, 0) != 2500 {
		t.Fatal("FirstSize/LastSize")
	}
}

func TestDecodeTree(t *testing.T) {
	raw := `{"tag":"r","path":"/r","count":1,"lengths":[],"kids":[
		{"tag":"v","path":"/r/v","count":2,"lengths":[["1",1],["6-10",1]],"kids":[]}]}`
	var root Node
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		t.Fatal(err)
	}
	if !root.Structural() {
		t.Fatal("root should be structural")
	}
	v := root.Kids[0]
	if len(v.Lengths) != 2 || v.Lengths[1] != (LengthBucket{Range: "6-10", Count: 1}) {
		t.Fatalf("lengths = %+v", v.Lengths)
	}
	if !v.Selectable() {
		t.Fatal("value node should be selectable")
	}
}

func TestDecodeLengthBucket_Malformed(t *testing.T) {
	var b LengthBucket
	if err := json.Unmarshal([]byte(`["1"]`), &b); err == nil {
		t.Fatal("expected error for single-element bucket")
	}
}
