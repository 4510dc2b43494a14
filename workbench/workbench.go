// Package workbench wires the dataset workbench: the analysis service
// client, the status loop, opened dataset sessions, per-dataset mapping
// reconcilers and the observability stores. It exposes the result over a
// chi HTTP API and as MCP tools.
package workbench

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/narthex/backend"
	"github.com/hazyhaar/narthex/dataset"
	"github.com/hazyhaar/narthex/horosafe"
	"github.com/hazyhaar/narthex/idgen"
	"github.com/hazyhaar/narthex/observability"
	"github.com/hazyhaar/narthex/statussync"
	"github.com/hazyhaar/narthex/tagtree"
	"github.com/hazyhaar/narthex/terms"
)

// ErrMissingValue is returned by a record query without a value.
var ErrMissingValue = errors.New("workbench: record query needs a value")

// Option configures a Workbench.
type Option func(*options)

type options struct {
	httpClient *http.Client
	clock      statussync.Clock
	newID      idgen.Generator
}

// WithHTTPClient sets the client used to reach the analysis service.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithClock sets the clock of the status loop.
func WithClock(c statussync.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRequestIDGenerator sets the generator of request IDs.
func WithRequestIDGenerator(gen idgen.Generator) Option {
	return func(o *options) { o.newID = gen }
}

// Workbench is the running application.
type Workbench struct {
	cfg     *Config
	logger  *slog.Logger
	newID   idgen.Generator
	client  *backend.Client
	loop    *statussync.Loop
	notices *observability.NoticeLog
	metrics *observability.MetricsManager
	audit   *observability.AuditLogger

	mu          sync.Mutex
	sessions    map[string]*dataset.Session
	reconcilers map[string]*terms.Reconciler
	loopDone    chan struct{}

	ep endpoints
}

// New builds a Workbench over db, which must already hold the
// observability schema.
func New(cfg *Config, db *sql.DB, logger *slog.Logger, opts ...Option) (*Workbench, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("workbench: config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := options{newID: idgen.Prefixed("req_", idgen.Default)}
	for _, fn := range opts {
		fn(&o)
	}

	client, err := backend.New(backend.Options{
		BaseURL:          cfg.Backend.URL,
		Timeout:          cfg.Backend.Timeout,
		MaxRetries:       cfg.Backend.MaxRetries,
		BreakerThreshold: cfg.Backend.BreakerThreshold,
		BreakerReset:     cfg.Backend.BreakerReset,
		SessionCookie:    sessionCookie(cfg.Backend.SessionCookie),
		HTTPClient:       o.httpClient,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("workbench: %w", err)
	}

	w := &Workbench{
		cfg:         cfg,
		logger:      logger,
		newID:       o.newID,
		client:      client,
		notices:     observability.NewNoticeLog(db, observability.WithNoticeLogger(logger)),
		metrics:     observability.NewMetricsManager(db, cfg.Metrics.BufferSize, cfg.Metrics.FlushInterval),
		audit:       observability.NewAuditLogger(db, 1000),
		sessions:    make(map[string]*dataset.Session),
		reconcilers: make(map[string]*terms.Reconciler),
	}
	w.loop = statussync.New(client, statussync.Options{
		Delay:    cfg.Poll.Delay,
		Clock:    o.clock,
		Notifier: forgetful{w},
		Metrics:  w.metrics,
		Logger:   logger,
	})
	w.buildEndpoints()
	return w, nil
}

// Start runs the status loop and the retention sweep until ctx is done, and
// asks for the first dataset list.
func (w *Workbench) Start(ctx context.Context) {
	done := make(chan struct{})
	w.mu.Lock()
	w.loopDone = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		if err := w.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("workbench: status loop", "error", err)
		}
	}()
	go w.retention(ctx)
	w.loop.Refresh()
}

// Close waits for the status loop to stop and flushes the observability
// stores. Cancel the context given to Start first.
func (w *Workbench) Close() error {
	w.mu.Lock()
	done := w.loopDone
	w.mu.Unlock()
	if done != nil {
		<-done
	}
	return errors.Join(w.metrics.Close(), w.audit.Close())
}

// Loop exposes the status loop.
func (w *Workbench) Loop() *statussync.Loop { return w.loop }

// DatasetsView is the tracked-dataset overview.
type DatasetsView struct {
	Datasets []statussync.Entry `json:"datasets"`
	Stats    statussync.Stats   `json:"stats"`
	Backend  string             `json:"backend"`
}

// Datasets returns the status loop snapshot.
func (w *Workbench) Datasets() DatasetsView {
	return DatasetsView{
		Datasets: w.loop.Snapshot(),
		Stats:    w.loop.Stats(),
		Backend:  w.client.Breaker().State().String(),
	}
}

// Refresh asks the status loop for a new dataset list.
func (w *Workbench) Refresh() { w.loop.Refresh() }

// SaveRecords starts record cutting for dataset id.
func (w *Workbench) SaveRecords(ctx context.Context, id string) error {
	if err := validateName(id); err != nil {
		return err
	}
	return w.loop.SaveRecords(ctx, id)
}

// Delete removes dataset id on the service and forgets its local state.
func (w *Workbench) Delete(ctx context.Context, id string) error {
	if err := validateName(id); err != nil {
		return err
	}
	if err := w.loop.Delete(ctx, id); err != nil {
		return err
	}
	w.forget(id)
	return nil
}

// TreeView is the tag tree of one dataset with its delimiters.
type TreeView struct {
	Dataset string                     `json:"dataset"`
	Origin  string                     `json:"origin"`
	Delimit tagtree.DelimiterSelection `json:"delimit"`
	Tree    *tagtree.Node              `json:"tree"`
}

// Tree returns the tree of dataset id, loading it on first use or when
// reload is set. A reload also drops the cached mapping table.
func (w *Workbench) Tree(ctx context.Context, id string, reload bool) (TreeView, error) {
	if reload {
		w.mu.Lock()
		delete(w.reconcilers, id)
		w.mu.Unlock()
	}
	s, err := w.session(ctx, id, reload)
	if err != nil {
		return TreeView{}, err
	}
	info := s.Info()
	return TreeView{Dataset: id, Origin: info.Origin.Type, Delimit: info.Delimit, Tree: s.Tree()}, nil
}

// DelimiterView reports the outcome of a unique-id choice. Applied is false
// when the path names no value node or no record root matches it; Delimit
// then holds the unchanged selection.
type DelimiterView struct {
	Dataset string                     `json:"dataset"`
	Applied bool                       `json:"applied"`
	Reason  string                     `json:"reason,omitempty"`
	Delimit tagtree.DelimiterSelection `json:"delimit"`
}

// SetUniqueID designates the node at path as record identifier of id.
func (w *Workbench) SetUniqueID(ctx context.Context, id, path string) (DelimiterView, error) {
	s, err := w.session(ctx, id, false)
	if err != nil {
		return DelimiterView{}, err
	}
	sel, err := s.SetUniqueID(ctx, path)
	switch {
	case validationGap(err):
		w.logger.Debug("workbench: unique id not applied", "dataset", id, "path", path, "reason", err)
		return DelimiterView{Dataset: id, Reason: err.Error(), Delimit: s.Info().Delimit}, nil
	case err != nil:
		return DelimiterView{}, err
	}
	return DelimiterView{Dataset: id, Applied: true, Delimit: sel}, nil
}

// TermsRequest asks for the classified histogram of one node.
type TermsRequest struct {
	Dataset string `json:"dataset"`
	Path    string `json:"path"`
	Size    int    `json:"size,omitempty"`
	Show    string `json:"show,omitempty"`
}

// TermsView is a node histogram classified against the mapping table.
// Selected is false when the path names no value node; the view is then
// empty and Reason tells why.
type TermsView struct {
	Dataset  string                 `json:"dataset"`
	Selected bool                   `json:"selected"`
	Reason   string                 `json:"reason,omitempty"`
	Path     string                 `json:"path"`
	Size     int                    `json:"size"`
	Sizes    []int                  `json:"sizes"`
	Flags    dataset.HistogramFlags `json:"flags"`
	terms.View
}

// Terms selects req.Path when it is not already selected, fetches its
// histogram and classifies it against the mappings stored on the service,
// synced again on every call.
func (w *Workbench) Terms(ctx context.Context, req TermsRequest) (TermsView, error) {
	s, err := w.session(ctx, req.Dataset, false)
	if err != nil {
		return TermsView{}, err
	}
	sel, reason, err := focus(ctx, s, req.Path)
	if err != nil {
		return TermsView{}, err
	}
	if reason != "" {
		return TermsView{Dataset: req.Dataset, Reason: reason, Path: req.Path}, nil
	}
	if req.Size > 0 {
		if err := s.UseHistogramSize(req.Size); err != nil {
			return TermsView{}, err
		}
	}
	h, err := s.FetchHistogram(ctx)
	if err != nil {
		return TermsView{}, err
	}
	r, err := w.syncedReconciler(ctx, req.Dataset)
	if err != nil {
		return TermsView{}, err
	}
	return TermsView{
		Dataset:  req.Dataset,
		Selected: true,
		Path:     h.Path,
		Size:     h.Size,
		Sizes:    sel.Status.Histograms,
		Flags:    h.Flags,
		View:     r.Classify(h.Entries, terms.ParseFilterMode(req.Show)),
	}, nil
}

// RecordsRequest asks for the records in which the node at Path holds Value.
type RecordsRequest struct {
	Dataset string `json:"dataset"`
	Path    string `json:"path"`
	Value   string `json:"value"`
}

// RecordsView carries the matching records. Selected is false, with a
// Reason, when the path names no value node.
type RecordsView struct {
	Dataset  string `json:"dataset"`
	Selected bool   `json:"selected"`
	Reason   string `json:"reason,omitempty"`
	dataset.Records
}

// Records selects req.Path when it is not already selected and queries the
// records holding req.Value there.
func (w *Workbench) Records(ctx context.Context, req RecordsRequest) (RecordsView, error) {
	if req.Value == "" {
		return RecordsView{}, ErrMissingValue
	}
	s, err := w.session(ctx, req.Dataset, false)
	if err != nil {
		return RecordsView{}, err
	}
	_, reason, err := focus(ctx, s, req.Path)
	if err != nil {
		return RecordsView{}, err
	}
	if reason != "" {
		return RecordsView{
			Dataset: req.Dataset,
			Reason:  reason,
			Records: dataset.Records{Path: req.Path, Value: req.Value},
		}, nil
	}
	recs, err := s.QueryRecords(ctx, req.Value)
	if err != nil {
		return RecordsView{}, err
	}
	return RecordsView{Dataset: req.Dataset, Selected: true, Records: recs}, nil
}

// MappingRequest sets or removes the mapping of one source URI.
type MappingRequest struct {
	Dataset    string `json:"dataset"`
	Source     string `json:"source"`
	Target     string `json:"target,omitempty"`
	Vocabulary string `json:"vocabulary,omitempty"`
	PrefLabel  string `json:"prefLabel,omitempty"`
	Remove     bool   `json:"remove,omitempty"`
}

// Map applies req and returns the mapping now held for the source, nil
// after a removal.
func (w *Workbench) Map(ctx context.Context, req MappingRequest) (*terms.Entry, error) {
	r, _, err := w.reconciler(ctx, req.Dataset)
	if err != nil {
		return nil, err
	}
	if req.Remove {
		if err := r.RemoveMapping(ctx, req.Source); err != nil {
			return nil, err
		}
		w.metrics.Count(observability.MetricMappingWrites, "dataset", req.Dataset, "op", "remove")
		return nil, nil
	}
	e, err := r.SetMapping(ctx, req.Source, req.Target, req.Vocabulary, req.PrefLabel)
	if err != nil {
		return nil, err
	}
	w.metrics.Count(observability.MetricMappingWrites, "dataset", req.Dataset, "op", "set")
	return &e, nil
}

// Concepts orders candidate concepts for source with its current target
// first.
func (w *Workbench) Concepts(ctx context.Context, id, source string, candidates []terms.Concept) ([]terms.Concept, error) {
	r, _, err := w.reconciler(ctx, id)
	if err != nil {
		return nil, err
	}
	return terms.PrioritizeConcepts(candidates, r.Table().Snapshot(), source), nil
}

// Notices returns the latest notices, of one dataset when id is set.
func (w *Workbench) Notices(ctx context.Context, id string, limit int) ([]observability.Notice, error) {
	return w.notices.Recent(ctx, id, limit)
}

func (w *Workbench) session(ctx context.Context, id string, reload bool) (*dataset.Session, error) {
	if err := validateName(id); err != nil {
		return nil, err
	}
	w.mu.Lock()
	s, ok := w.sessions[id]
	if !ok {
		s = dataset.New(id, w.cfg.OrgID, w.client, w.logger)
		w.sessions[id] = s
	}
	w.mu.Unlock()

	if ok && !reload && s.Tree() != nil {
		return s, nil
	}
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// reconciler returns the reconciler of id, syncing a new one first. A
// failed sync installs nothing. synced reports whether this call synced.
func (w *Workbench) reconciler(ctx context.Context, id string) (r *terms.Reconciler, synced bool, err error) {
	if err := validateName(id); err != nil {
		return nil, false, err
	}
	w.mu.Lock()
	r, ok := w.reconcilers[id]
	w.mu.Unlock()
	if ok {
		return r, false, nil
	}

	r = terms.NewReconciler(id, w.client, w.logger)
	if err := r.Sync(ctx); err != nil {
		return nil, false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.reconcilers[id]; ok {
		return existing, false, nil
	}
	w.reconcilers[id] = r
	return r, true, nil
}

// syncedReconciler is reconciler with the table fetched again when it was
// cached, so mappings written by other clients are seen.
func (w *Workbench) syncedReconciler(ctx context.Context, id string) (*terms.Reconciler, error) {
	r, synced, err := w.reconciler(ctx, id)
	if err != nil {
		return nil, err
	}
	if !synced {
		if err := r.Sync(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// forget drops the session and mapping table cached for id.
func (w *Workbench) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.sessions, id)
	delete(w.reconcilers, id)
}

// forgetful is the notifier of the status loop. A processing notice means
// the service lost the dataset, so its cached state goes before the notice
// is stored.
type forgetful struct{ w *Workbench }

func (f forgetful) Notify(ctx context.Context, n observability.Notice) {
	if n.Kind == observability.NoticeProcessing && n.Dataset != "" {
		f.w.forget(n.Dataset)
	}
	f.w.notices.Notify(ctx, n)
}

// focus selects path on s unless it is already selected. A path that names
// no value node is not an error: it yields a reason and no selection.
func focus(ctx context.Context, s *dataset.Session, path string) (dataset.Selection, string, error) {
	if sel, ok := s.Selection(); ok && sel.Node.Path == path {
		return sel, "", nil
	}
	selected, err := s.SelectPath(ctx, path)
	if errors.Is(err, dataset.ErrUnknownPath) {
		return dataset.Selection{}, err.Error(), nil
	}
	if err != nil {
		return dataset.Selection{}, "", err
	}
	if !selected {
		return dataset.Selection{}, fmt.Sprintf("%v: %s", tagtree.ErrNotValueNode, path), nil
	}
	sel, _ := s.Selection()
	return sel, "", nil
}

// validationGap reports errors that leave state unchanged and are answered
// with an unapplied result rather than a failure.
func validationGap(err error) bool {
	return errors.Is(err, dataset.ErrUnknownPath) ||
		errors.Is(err, tagtree.ErrNoCandidate) ||
		errors.Is(err, tagtree.ErrNotValueNode)
}

func (w *Workbench) retention(ctx context.Context) {
	interval := w.cfg.Retention.Interval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Workbench) sweep(ctx context.Context) {
	if age := w.cfg.Retention.Notices; age > 0 {
		if n, err := w.notices.Cleanup(ctx, age); err != nil {
			w.logger.Warn("workbench: notice cleanup", "error", err)
		} else if n > 0 {
			w.logger.Info("workbench: notices purged", "count", n)
		}
	}
	if age := w.cfg.Retention.Metrics; age > 0 {
		if n, err := w.metrics.Cleanup(ctx, age); err != nil {
			w.logger.Warn("workbench: metrics cleanup", "error", err)
		} else if n > 0 {
			w.logger.Info("workbench: metrics purged", "count", n)
		}
	}
}

func validateName(id string) error {
	if err := horosafe.ValidateIdentifier(id); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrInvalidName, err)
	}
	return nil
}

func sessionCookie(s string) *http.Cookie {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return nil
	}
	return &http.Cookie{Name: name, Value: value}
}
