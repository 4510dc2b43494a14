// Package dataset holds the state of one opened dataset: its tag tree, the
// configured record delimiters, the selected node and the sample and
// histogram pages fetched for it.
//
// A Session is safe for concurrent use. Backend calls run outside its lock
// and their results commit only if they succeeded and the selection they
// were made for is still current.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hazyhaar/narthex/backend"
	"github.com/hazyhaar/narthex/tagtree"
	"github.com/hazyhaar/narthex/terms"
)

// MaxForVocabulary is the distinct-value count above which a node is not
// offered for vocabulary mapping.
const MaxForVocabulary = 12500

// DefaultPageSize is used when the analyser lists no page sizes.
const DefaultPageSize = 100

var (
	// ErrNotLoaded is returned before Load succeeded.
	ErrNotLoaded = errors.New("dataset: not loaded")
	// ErrUnknownPath is returned when a path resolves to no node.
	ErrUnknownPath = errors.New("dataset: unknown path")
	// ErrNoSelection is returned by fetches when no node is selected.
	ErrNoSelection = errors.New("dataset: no node selected")
	// ErrSelectionChanged is returned when another selection replaced the
	// one a fetch was made for.
	ErrSelectionChanged = errors.New("dataset: selection changed")
	// ErrUnknownSize is returned for a page size the analyser does not list.
	ErrUnknownSize = errors.New("dataset: page size not available")
)

// Backend is what a Session needs from the analysis service.
type Backend interface {
	DatasetInfo(ctx context.Context, name string) (backend.DatasetInfo, error)
	Index(ctx context.Context, name string) (*tagtree.Node, error)
	NodeStatus(ctx context.Context, name, path string) (tagtree.NodeStatus, error)
	Sample(ctx context.Context, name, path string, size int) ([]string, error)
	Histogram(ctx context.Context, name, path string, size int) ([]terms.ValueCount, error)
	QueryRecords(ctx context.Context, name, path, value string) (string, error)
	SetRecordDelimiter(ctx context.Context, name string, sel tagtree.DelimiterSelection) error
}

// HistogramFlags describe a fetched histogram.
type HistogramFlags struct {
	// Unique: the most frequent value occurs once, so every value does.
	Unique bool `json:"unique"`
	// VocabularyEligible: values repeat and there are few enough of them
	// to map to a vocabulary.
	VocabularyEligible bool `json:"vocabularyEligible"`
}

// Histogram is one fetched histogram page.
type Histogram struct {
	Path    string                 `json:"path"`
	Size    int                    `json:"size"`
	Entries []terms.HistogramEntry `json:"entries"`
	Flags   HistogramFlags         `json:"flags"`
}

// Sample is one fetched sample page.
type Sample struct {
	Path   string   `json:"path"`
	Size   int      `json:"size"`
	Values []string `json:"values"`
}

// Records holds the records in which a node holds one value.
type Records struct {
	Path    string `json:"path"`
	Value   string `json:"value"`
	Records string `json:"records"`
}

// Selection describes the selected node.
type Selection struct {
	Node          *tagtree.Node       `json:"node"`
	Status        *tagtree.NodeStatus `json:"status"`
	SampleSize    int                 `json:"sampleSize"`
	HistogramSize int                 `json:"histogramSize"`
}

// Session is one opened dataset.
type Session struct {
	name   string
	orgID  string
	be     Backend
	logger *slog.Logger

	mu         sync.Mutex
	loaded     bool
	info       backend.DatasetInfo
	tree       *tagtree.Node
	recordRoot *tagtree.Node
	uniqueID   *tagtree.Node

	gen           uint64 // bumped on every selection change
	selected      *tagtree.Node
	status        *tagtree.NodeStatus
	sampleSize    int
	histogramSize int
}

// New creates a Session for dataset name of organisation orgID.
func New(name, orgID string, be Backend, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{name: name, orgID: orgID, be: be, logger: logger}
}

// Name returns the dataset name.
func (s *Session) Name() string { return s.name }

// Load fetches the dataset info and tag tree, normalizes the tree and
// locates the configured record root and unique id. The previous selection
// is dropped.
func (s *Session) Load(ctx context.Context) error {
	info, err := s.be.DatasetInfo(ctx, s.name)
	if err != nil {
		return fmt.Errorf("dataset: load %s info: %w", s.name, err)
	}
	tree, err := s.be.Index(ctx, s.name)
	if err != nil {
		return fmt.Errorf("dataset: load %s tree: %w", s.name, err)
	}
	tagtree.Normalize(tree)

	var recordRoot, uniqueID *tagtree.Node
	if info.Delimit.IsSet() {
		var ok bool
		if recordRoot, ok = tagtree.Locate(tree, info.Delimit.RecordRoot); !ok {
			s.logger.Warn("dataset: record root not in tree", "dataset", s.name, "path", info.Delimit.RecordRoot)
		}
		if uniqueID, ok = tagtree.Locate(tree, info.Delimit.UniqueID); !ok {
			s.logger.Warn("dataset: unique id not in tree", "dataset", s.name, "path", info.Delimit.UniqueID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.info = info
	s.tree = tree
	s.recordRoot = recordRoot
	s.uniqueID = uniqueID
	s.clearSelectionLocked()
	return nil
}

// Tree returns the normalized tree. It must not be modified.
func (s *Session) Tree() *tagtree.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Info returns the dataset info as of the last Load or delimiter change.
func (s *Session) Info() backend.DatasetInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Delimiters returns the record root and unique id nodes, nil when unset.
func (s *Session) Delimiters() (recordRoot, uniqueID *tagtree.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordRoot, s.uniqueID
}

// Selection returns the selected node, if any.
func (s *Session) Selection() (Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return Selection{}, false
	}
	return Selection{
		Node:          s.selected,
		Status:        s.status,
		SampleSize:    s.sampleSize,
		HistogramSize: s.histogramSize,
	}, true
}

// SelectPath selects the node at path and fetches its statistics. A
// structural node is not selectable: the call then returns false and
// changes nothing.
func (s *Session) SelectPath(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return false, ErrNotLoaded
	}
	node, ok := tagtree.ResolvePath(s.tree, path)
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	if !node.Selectable() {
		s.mu.Unlock()
		return false, nil
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	status, err := s.be.NodeStatus(ctx, s.name, node.Path)
	if err != nil {
		return false, fmt.Errorf("dataset: node status %s: %w", node.Path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false, ErrSelectionChanged
	}
	s.selected = node
	s.status = &status
	s.sampleSize = tagtree.FirstSize(status.Samples, DefaultPageSize)
	s.histogramSize = tagtree.FirstSize(status.Histograms, DefaultPageSize)
	return true, nil
}

// FetchSample fetches the sample page of the selected node at the current
// sample size.
func (s *Session) FetchSample(ctx context.Context) (Sample, error) {
	node, size, gen, err := s.current(func() int { return s.sampleSize })
	if err != nil {
		return Sample{}, err
	}
	values, err := s.be.Sample(ctx, s.name, node.Path, size)
	if err != nil {
		return Sample{}, fmt.Errorf("dataset: sample %s: %w", node.Path, err)
	}
	if err := s.stillCurrent(gen); err != nil {
		return Sample{}, err
	}
	return Sample{Path: node.Path, Size: size, Values: values}, nil
}

// MoreSample steps to the next larger sample size and fetches it. ok is
// false, and nothing is fetched, when the largest size is already shown.
func (s *Session) MoreSample(ctx context.Context) (Sample, bool, error) {
	if !s.step(func(st *tagtree.NodeStatus) []int { return st.Samples }, &s.sampleSize) {
		return Sample{}, false, nil
	}
	sample, err := s.FetchSample(ctx)
	return sample, err == nil, err
}

// FetchHistogram fetches the histogram page of the selected node at the
// current histogram size, with source URIs and flags.
func (s *Session) FetchHistogram(ctx context.Context) (Histogram, error) {
	node, size, gen, err := s.current(func() int { return s.histogramSize })
	if err != nil {
		return Histogram{}, err
	}
	lines, err := s.be.Histogram(ctx, s.name, node.Path, size)
	if err != nil {
		return Histogram{}, fmt.Errorf("dataset: histogram %s: %w", node.Path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return Histogram{}, ErrSelectionChanged
	}
	uri := s.sourceURIFunc(node.Path)
	h := Histogram{
		Path:    node.Path,
		Size:    size,
		Entries: terms.BuildHistogram(lines, node.Count, uri),
	}
	h.Flags = flags(h.Entries, s.status)
	return h, nil
}

// UseHistogramSize sets the histogram size for the next fetch. size must be
// one of the sizes listed for the selected node.
func (s *Session) UseHistogramSize(size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return ErrNoSelection
	}
	if !slices.Contains(s.status.Histograms, size) {
		return fmt.Errorf("%w: %d", ErrUnknownSize, size)
	}
	s.histogramSize = size
	return nil
}

// MoreHistogram steps to the next larger histogram size and fetches it.
func (s *Session) MoreHistogram(ctx context.Context) (Histogram, bool, error) {
	if !s.step(func(st *tagtree.NodeStatus) []int { return st.Histograms }, &s.histogramSize) {
		return Histogram{}, false, nil
	}
	h, err := s.FetchHistogram(ctx)
	return h, err == nil, err
}

// QueryRecords fetches the records in which the selected node holds value.
func (s *Session) QueryRecords(ctx context.Context, value string) (Records, error) {
	node, _, gen, err := s.current(func() int { return 0 })
	if err != nil {
		return Records{}, err
	}
	recs, err := s.be.QueryRecords(ctx, s.name, node.Path, value)
	if err != nil {
		return Records{}, fmt.Errorf("dataset: query records %s: %w", node.Path, err)
	}
	if err := s.stillCurrent(gen); err != nil {
		return Records{}, err
	}
	return Records{Path: node.Path, Value: value, Records: recs}, nil
}

// SetUniqueID designates the node at path as the record identifier. The
// record root is inferred, persisted on the backend, and only then applied
// locally: on any failure the previous selection stays.
func (s *Session) SetUniqueID(ctx context.Context, path string) (tagtree.DelimiterSelection, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return tagtree.DelimiterSelection{}, ErrNotLoaded
	}
	tree := s.tree
	candidate, ok := tagtree.ResolvePath(tree, path)
	s.mu.Unlock()
	if !ok {
		return tagtree.DelimiterSelection{}, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}

	sel, err := tagtree.Propose(tree, candidate)
	if err != nil {
		return tagtree.DelimiterSelection{}, err
	}
	if err := s.be.SetRecordDelimiter(ctx, s.name, sel); err != nil {
		return tagtree.DelimiterSelection{}, fmt.Errorf("dataset: persist delimiter of %s: %w", s.name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree != tree {
		// Reloaded meanwhile: the backend holds sel, so reflect it in the
		// fresh tree.
		candidate, _ = tagtree.Locate(s.tree, sel.UniqueID)
	}
	recordRoot, _ := tagtree.Locate(s.tree, sel.RecordRoot)
	s.recordRoot = recordRoot
	s.uniqueID = candidate
	s.info.Delimit = sel
	s.logger.Info("dataset: delimiter set", "dataset", s.name,
		"record_root", sel.RecordRoot, "unique_id", sel.UniqueID, "records", sel.RecordCount)
	return sel, nil
}

// SourceURI returns the source URI of value under the selected node.
func (s *Session) SourceURI(value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return "", ErrNoSelection
	}
	return s.sourceURIFunc(s.selected.Path)(value), nil
}

// Must be called with mu held.
func (s *Session) sourceURIFunc(nodePath string) func(string) string {
	container := terms.RecordContainer(s.info.Origin.Type, s.info.Delimit.RecordRoot)
	sourcePath := terms.SourcePath(nodePath, container)
	return func(value string) string {
		return terms.SourceURI(s.orgID, s.name, sourcePath, value)
	}
}

func (s *Session) current(size func() int) (*tagtree.Node, int, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return nil, 0, 0, ErrNoSelection
	}
	return s.selected, size(), s.gen, nil
}

func (s *Session) stillCurrent(gen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return ErrSelectionChanged
	}
	return nil
}

func (s *Session) step(sizes func(*tagtree.NodeStatus) []int, current *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return false
	}
	next, ok := tagtree.NextSize(sizes(s.status), *current)
	if ok {
		*current = next
	}
	return ok
}

// Must be called with mu held.
func (s *Session) clearSelectionLocked() {
	s.gen++
	s.selected = nil
	s.status = nil
	s.sampleSize = 0
	s.histogramSize = 0
}

func flags(entries []terms.HistogramEntry, status *tagtree.NodeStatus) HistogramFlags {
	var f HistogramFlags
	f.Unique = len(entries) > 0 && entries[0].Count == 1
	if !f.Unique && status != nil {
		f.VocabularyEligible = status.UniqueCount < MaxForVocabulary
	}
	return f
}
