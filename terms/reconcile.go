package terms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrInvalidMapping is returned when a mapping lacks a source, target or
// vocabulary.
var ErrInvalidMapping = errors.New("terms: invalid mapping")

// Persister stores mappings on the analysis service.
type Persister interface {
	GetMappings(ctx context.Context, dataset string) ([]Entry, error)
	SetMapping(ctx context.Context, dataset string, e Entry, remove bool) error
}

// Reconciler owns the mapping table of one dataset and is its only writer.
type Reconciler struct {
	dataset string
	table   *Table
	store   Persister
	logger  *slog.Logger

	mu sync.Mutex // one mapping write at a time
}

// NewReconciler creates a Reconciler with an empty table. Call Sync to load
// the stored mappings.
func NewReconciler(dataset string, store Persister, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		dataset: dataset,
		table:   NewTable(),
		store:   store,
		logger:  logger,
	}
}

// Table returns the table for reading.
func (r *Reconciler) Table() *Table { return r.table }

// Sync replaces the whole table with the mappings stored on the service.
// On failure the table keeps its previous contents. A sync waits for a
// mapping write in progress.
func (r *Reconciler) Sync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.store.GetMappings(ctx, r.dataset)
	if err != nil {
		return fmt.Errorf("terms: sync %s: %w", r.dataset, err)
	}
	r.table.replaceAll(entries)
	r.logger.Debug("terms: mappings synced", "dataset", r.dataset, "count", len(entries))
	return nil
}

// Classify classifies histogram against the current table.
func (r *Reconciler) Classify(histogram []HistogramEntry, mode FilterMode) View {
	return Classify(histogram, r.table.Snapshot(), mode)
}

// SetMapping maps source to target.
//
// When source already has a mapping, its removal is persisted first and the
// new mapping after it. The table changes only once the service accepted a
// write: if the removal fails nothing changes, if the new mapping fails the
// source is left unmapped, as it now is on the service. Mapping a source to
// the target it already has is a no-op.
func (r *Reconciler) SetMapping(ctx context.Context, source, target, vocabulary, label string) (Entry, error) {
	if source == "" || target == "" || vocabulary == "" {
		return Entry{}, ErrInvalidMapping
	}
	e := Entry{Source: source, Target: target, Vocabulary: vocabulary, PrefLabel: label}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.table.Lookup(source); ok {
		if old == e {
			return old, nil
		}
		if err := r.store.SetMapping(ctx, r.dataset, old, true); err != nil {
			return Entry{}, fmt.Errorf("terms: remove old mapping of %s: %w", source, err)
		}
		r.table.remove(source)
	}

	if err := r.store.SetMapping(ctx, r.dataset, e, false); err != nil {
		return Entry{}, fmt.Errorf("terms: set mapping of %s: %w", source, err)
	}
	r.table.put(e)
	r.logger.Info("terms: mapping set", "dataset", r.dataset, "source", source, "target", target)
	return e, nil
}

// RemoveMapping removes the mapping of source. Removing a mapping that does
// not exist locally succeeds without calling the service.
func (r *Reconciler) RemoveMapping(ctx context.Context, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.table.Lookup(source)
	if !ok {
		r.logger.Debug("terms: remove of unmapped source ignored", "dataset", r.dataset, "source", source)
		return nil
	}
	if err := r.store.SetMapping(ctx, r.dataset, old, true); err != nil {
		return fmt.Errorf("terms: remove mapping of %s: %w", source, err)
	}
	r.table.remove(source)
	return nil
}
