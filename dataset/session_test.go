package dataset

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/narthex/backend"
	"github.com/hazyhaar/narthex/tagtree"
	"github.com/hazyhaar/narthex/terms"
)

var lengths = []tagtree.LengthBucket{{Range: "1", Count: 3}}

// fakeBackend serves one dataset:
//
//	/pockets/pocket (3)/rec (3)/{id (3), title (3)}
type fakeBackend struct {
	mu        sync.Mutex
	info      backend.DatasetInfo
	status    tagtree.NodeStatus
	histogram []terms.ValueCount
	failNext  map[string]error
	delimits  []tagtree.DelimiterSelection
	sizes     []int // sizes requested by Sample and Histogram
	queries   []string
	onStatus  func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		info: backend.DatasetInfo{Origin: backend.Origin{Type: backend.OriginDrop}},
		status: tagtree.NodeStatus{
			Samples:     []int{10, 100},
			Histograms:  []int{50, 500},
			UniqueCount: 2,
		},
		histogram: []terms.ValueCount{{Value: "painting", Count: 2}, {Value: "vase", Count: 1}},
		failNext:  map[string]error{},
	}
}

func (f *fakeBackend) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.failNext[op]
	delete(f.failNext, op)
	return err
}

func (f *fakeBackend) DatasetInfo(_ context.Context, _ string) (backend.DatasetInfo, error) {
	if err := f.fail("info"); err != nil {
		return backend.DatasetInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info, nil
}

func (f *fakeBackend) Index(_ context.Context, _ string) (*tagtree.Node, error) {
	if err := f.fail("index"); err != nil {
		return nil, err
	}
	// Kids arrive unsorted; Load normalizes.
	rec := &tagtree.Node{Tag: "rec", Path: "/pockets/pocket/rec", Count: 3, Kids: []*tagtree.Node{
		{Tag: "title", Path: "/pockets/pocket/rec/title", Count: 3, Lengths: lengths},
		{Tag: "id", Path: "/pockets/pocket/rec/id", Count: 3, Lengths: lengths},
	}}
	pocket := &tagtree.Node{Tag: "pocket", Path: "/pockets/pocket", Count: 4, Kids: []*tagtree.Node{rec}}
	return &tagtree.Node{Tag: "pockets", Path: "/pockets", Count: 1, Kids: []*tagtree.Node{pocket}}, nil
}

func (f *fakeBackend) NodeStatus(_ context.Context, _, _ string) (tagtree.NodeStatus, error) {
	if f.onStatus != nil {
		f.onStatus()
	}
	if err := f.fail("status"); err != nil {
		return tagtree.NodeStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeBackend) Sample(_ context.Context, _, _ string, size int) ([]string, error) {
	f.mu.Lock()
	f.sizes = append(f.sizes, size)
	f.mu.Unlock()
	return []string{"a", "b"}, nil
}

func (f *fakeBackend) Histogram(_ context.Context, _, _ string, size int) ([]terms.ValueCount, error) {
	if err := f.fail("histogram"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, size)
	return f.histogram, nil
}

func (f *fakeBackend) QueryRecords(_ context.Context, _, path, value string) (string, error) {
	if err := f.fail("records"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, path+"="+value)
	return "<records><record>" + value + "</record></records>", nil
}

func (f *fakeBackend) SetRecordDelimiter(_ context.Context, _ string, sel tagtree.DelimiterSelection) error {
	if err := f.fail("delimit"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delimits = append(f.delimits, sel)
	return nil
}

func loaded(t *testing.T, be *fakeBackend) *Session {
	t.Helper()
	s := New("objects", "org", be, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestLoad_NormalizesAndLocatesDelimiters(t *testing.T) {
	be := newFakeBackend()
	be.info.Delimit = tagtree.DelimiterSelection{
		RecordRoot: "/pockets/pocket/rec", UniqueID: "/pockets/pocket/rec/id", RecordCount: 3,
	}
	s := loaded(t, be)

	kids := s.Tree().Kids[0].Kids[0].Kids
	if kids[0].Tag != "id" || kids[1].Tag != "title" {
		t.Fatalf("kids not sorted: %s, %s", kids[0].Tag, kids[1].Tag)
	}
	root, id := s.Delimiters()
	if root == nil || root.Path != "/pockets/pocket/rec" || id == nil || id.Tag != "id" {
		t.Fatalf("delimiters = %v, %v", root, id)
	}
}

func TestLoad_Failure(t *testing.T) {
	be := newFakeBackend()
	be.failNext["index"] = &backend.ProblemError{Op: "index", Status: 404}
	s := New("objects", "org", be, nil)
	if err := s.Load(context.Background()); !backend.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
	if _, err := s.SelectPath(context.Background(), "/pockets"); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("select before load: %v", err)
	}
}

func TestSelectPath(t *testing.T) {
	s := loaded(t, newFakeBackend())
	ctx := context.Background()

	ok, err := s.SelectPath(ctx, "/pockets/pocket/rec/title")
	if err != nil || !ok {
		t.Fatalf("select = %v, %v", ok, err)
	}
	sel, _ := s.Selection()
	if sel.SampleSize != 10 || sel.HistogramSize != 50 {
		t.Fatalf("sizes = %d/%d, want the smallest", sel.SampleSize, sel.HistogramSize)
	}

	// WHAT: structural nodes are ignored, not errors.
	ok, err = s.SelectPath(ctx, "/pockets/pocket")
	if err != nil || ok {
		t.Fatalf("structural select = %v, %v", ok, err)
	}
	if sel, _ := s.Selection(); sel.Node.Tag != "title" {
		t.Fatalf("selection changed to %s", sel.Node.Tag)
	}

	if _, err := s.SelectPath(ctx, "/pockets/nope"); !errors.Is(err, ErrUnknownPath) {
		t.Fatalf("unknown path: %v", err)
	}
}

func TestSelectPath_FailureKeepsSelection(t *testing.T) {
	be := newFakeBackend()
	s := loaded(t, be)
	ctx := context.Background()
	s.SelectPath(ctx, "/pockets/pocket/rec/title")

	be.failNext["status"] = &backend.NetworkError{Op: "status", Err: io.EOF}
	if _, err := s.SelectPath(ctx, "/pockets/pocket/rec/id"); err == nil {
		t.Fatal("expected error")
	}
	if sel, _ := s.Selection(); sel.Node.Tag != "title" {
		t.Fatalf("selection = %s, want title", sel.Node.Tag)
	}
}

func TestFetch_RequiresSelection(t *testing.T) {
	s := loaded(t, newFakeBackend())
	if _, err := s.FetchSample(context.Background()); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("sample: %v", err)
	}
	if _, err := s.FetchHistogram(context.Background()); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("histogram: %v", err)
	}
}

func TestFetchHistogram_SourceURIsAndFlags(t *testing.T) {
	s := loaded(t, newFakeBackend())
	ctx := context.Background()
	s.SelectPath(ctx, "/pockets/pocket/rec/title")

	h, err := s.FetchHistogram(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Entries) != 2 || h.Size != 50 {
		t.Fatalf("histogram = %+v", h)
	}
	// WHY: dropped files strip the parent of the record root. No record
	// root is set, so the full node path remains.
	if want := "org/objects/pockets/pocket/rec/title/painting"; h.Entries[0].SourceURI != want {
		t.Fatalf("uri = %q, want %q", h.Entries[0].SourceURI, want)
	}
	if h.Flags.Unique || !h.Flags.VocabularyEligible {
		t.Fatalf("flags = %+v", h.Flags)
	}
	if h.Entries[0].Percent != 100*2.0/3.0 {
		t.Fatalf("percent = %v", h.Entries[0].Percent)
	}
}

func TestFetchHistogram_SourceURIWithRecordRoot(t *testing.T) {
	be := newFakeBackend()
	be.info.Delimit = tagtree.DelimiterSelection{
		RecordRoot: "/pockets/pocket/rec", UniqueID: "/pockets/pocket/rec/id", RecordCount: 3,
	}
	be.histogram = []terms.ValueCount{{Value: "a b", Count: 1}}
	s := loaded(t, be)
	ctx := context.Background()
	s.SelectPath(ctx, "/pockets/pocket/rec/title")

	h, err := s.FetchHistogram(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := "org/objects/rec/title/a%20b"; h.Entries[0].SourceURI != want {
		t.Fatalf("uri = %q, want %q", h.Entries[0].SourceURI, want)
	}
	if !h.Flags.Unique || h.Flags.VocabularyEligible {
		t.Fatalf("flags = %+v, want unique only", h.Flags)
	}
}

func TestFlags_TooManyValues(t *testing.T) {
	f := flags([]terms.HistogramEntry{{Count: 4}}, &tagtree.NodeStatus{UniqueCount: MaxForVocabulary})
	if f.Unique || f.VocabularyEligible {
		t.Fatalf("flags = %+v", f)
	}
}

func TestMore_StepsThroughSizes(t *testing.T) {
	be := newFakeBackend()
	s := loaded(t, be)
	ctx := context.Background()
	s.SelectPath(ctx, "/pockets/pocket/rec/title")

	sample, ok, err := s.MoreSample(ctx)
	if err != nil || !ok || sample.Size != 100 {
		t.Fatalf("more sample = %+v, %v, %v", sample, ok, err)
	}
	// WHAT: at the largest size, nothing more is fetched.
	if _, ok, _ := s.MoreSample(ctx); ok {
		t.Fatal("stepped past the largest sample size")
	}
	h, ok, err := s.MoreHistogram(ctx)
	if err != nil || !ok || h.Size != 500 {
		t.Fatalf("more histogram = %d, %v, %v", h.Size, ok, err)
	}
	if _, ok, _ := s.MoreHistogram(ctx); ok {
		t.Fatal("stepped past the largest histogram size")
	}
	if got := be.sizes; len(got) != 2 || got[0] != 100 || got[1] != 500 {
		t.Fatalf("requested sizes = %v", got)
	}
}

func TestSelectionChangedDuringStatusFetch(t *testing.T) {
	// WHAT: a slower selection loses to a newer one.
	be := newFakeBackend()
	s := loaded(t, be)
	ctx := context.Background()

	fired := false
	be.onStatus = func() {
		if fired {
			return
		}
		fired = true
		if ok, err := s.SelectPath(ctx, "/pockets/pocket/rec/id"); !ok || err != nil {
			t.Errorf("inner select = %v, %v", ok, err)
		}
	}
	if _, err := s.SelectPath(ctx, "/pockets/pocket/rec/title"); !errors.Is(err, ErrSelectionChanged) {
		t.Fatalf("outer select: %v", err)
	}
	if sel, _ := s.Selection(); sel.Node.Tag != "id" {
		t.Fatalf("selection = %s, want id", sel.Node.Tag)
	}
}

func TestSetUniqueID(t *testing.T) {
	be := newFakeBackend()
	s := loaded(t, be)

	sel, err := s.SetUniqueID(context.Background(), "/pockets/pocket/rec/id")
	if err != nil {
		t.Fatal(err)
	}
	want := tagtree.DelimiterSelection{RecordRoot: "/pockets/pocket/rec", UniqueID: "/pockets/pocket/rec/id", RecordCount: 3}
	if sel != want || len(be.delimits) != 1 || be.delimits[0] != want {
		t.Fatalf("sel = %+v, persisted = %+v", sel, be.delimits)
	}
	root, id := s.Delimiters()
	if root.Path != want.RecordRoot || id.Path != want.UniqueID || s.Info().Delimit != want {
		t.Fatalf("local state not committed")
	}
}

func TestSetUniqueID_PersistFailureKeepsSelection(t *testing.T) {
	be := newFakeBackend()
	s := loaded(t, be)
	be.failNext["delimit"] = &backend.ProblemError{Op: "delimit", Status: 500, Problem: "locked"}

	if _, err := s.SetUniqueID(context.Background(), "/pockets/pocket/rec/id"); err == nil || !strings.Contains(err.Error(), "locked") {
		t.Fatalf("err = %v", err)
	}
	if root, id := s.Delimiters(); root != nil || id != nil {
		t.Fatal("delimiters committed despite failure")
	}
}

func TestSetUniqueID_NoCandidate(t *testing.T) {
	// WHY: a node of a unique count has no structural twin; no change.
	be := newFakeBackend()
	s := loaded(t, be)
	s.Tree().Kids[0].Kids[0].Count = 7 // rec no longer matches id's count

	_, err := s.SetUniqueID(context.Background(), "/pockets/pocket/rec/id")
	if !errors.Is(err, tagtree.ErrNoCandidate) {
		t.Fatalf("err = %v", err)
	}
	if len(be.delimits) != 0 {
		t.Fatal("persisted without candidate")
	}
}

func TestQueryRecords(t *testing.T) {
	// WHAT: records are queried for the selected node and the given value.
	be := newFakeBackend()
	s := loaded(t, be)
	ctx := context.Background()

	if _, err := s.QueryRecords(ctx, "vase"); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("without selection: %v", err)
	}
	if _, err := s.SelectPath(ctx, "/pockets/pocket/rec/title"); err != nil {
		t.Fatal(err)
	}
	recs, err := s.QueryRecords(ctx, "vase")
	if err != nil {
		t.Fatal(err)
	}
	if recs.Path != "/pockets/pocket/rec/title" || recs.Value != "vase" || !strings.Contains(recs.Records, "<record>vase</record>") {
		t.Fatalf("records = %+v", recs)
	}
	if len(be.queries) != 1 || be.queries[0] != "/pockets/pocket/rec/title=vase" {
		t.Fatalf("queries = %v", be.queries)
	}

	be.failNext["records"] = &backend.NetworkError{Op: "query records", Err: errors.New("reset")}
	var netErr *backend.NetworkError
	if _, err := s.QueryRecords(ctx, "vase"); !errors.As(err, &netErr) {
		t.Fatalf("failure not surfaced: %v", err)
	}
}

func TestSetUniqueID_StructuralIdentifier(t *testing.T) {
	be := newFakeBackend()
	s := loaded(t, be)
	if _, err := s.SetUniqueID(context.Background(), "/pockets/pocket/rec"); !errors.Is(err, tagtree.ErrNotValueNode) {
		t.Fatalf("err = %v", err)
	}
	if len(be.delimits) != 0 {
		t.Fatal("persisted a structural identifier")
	}
}

func TestUseHistogramSize(t *testing.T) {
	be := newFakeBackend()
	s := loaded(t, be)
	if err := s.UseHistogramSize(500); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("before select: %v", err)
	}
	s.SelectPath(context.Background(), "/pockets/pocket/rec/title")
	if err := s.UseHistogramSize(77); !errors.Is(err, ErrUnknownSize) {
		t.Fatalf("unlisted size: %v", err)
	}
	if err := s.UseHistogramSize(500); err != nil {
		t.Fatal(err)
	}
	h, err := s.FetchHistogram(context.Background())
	if err != nil || h.Size != 500 {
		t.Fatalf("histogram size = %d, %v", h.Size, err)
	}
}
