// Package statussync tracks the analysis progress of every dataset.
//
// A Loop owns one entry per dataset of the tracked set. It fetches the
// status of each entry, re-checks after a fixed delay while the backend
// still has work, and stops once the work is done or a fetch fails.
//
// All entry state lives on the goroutine running Loop.Run. Backend calls
// run on their own goroutines and post their outcome back as events, and
// so do timer fires. Each re-check and each fetch carries the generation
// of the tracked set and a per-entry token: an event whose tokens no
// longer match the live entry is dropped. Replacing the tracked set always
// cancels the armed re-checks of the old set before installing the new one.
package statussync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/narthex/backend"
	"github.com/hazyhaar/narthex/observability"
)

// Backend is what the loop needs from the analysis service.
type Backend interface {
	List(ctx context.Context) ([]backend.Dataset, error)
	DatasetInfo(ctx context.Context, name string) (backend.DatasetInfo, error)
	SaveRecords(ctx context.Context, name string) error
	Zap(ctx context.Context, name string) error
}

// Notifier receives user-visible problems.
type Notifier interface {
	Notify(ctx context.Context, n observability.Notice)
}

// Recorder receives poll and transition datapoints.
type Recorder interface {
	Record(m *observability.Metric)
}

// Options configures a Loop.
type Options struct {
	// Delay is the wait before a re-check. Default: 1s.
	Delay time.Duration
	// Clock defaults to the wall clock.
	Clock    Clock
	Notifier Notifier
	Metrics  Recorder
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Delay <= 0 {
		o.Delay = time.Second
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Loop is the status synchronization loop. Create it with New and start it
// with Run; Refresh may be called before Run starts.
type Loop struct {
	be     Backend
	opts   Options
	logger *slog.Logger

	events chan func()
	done   chan struct{}
	view   atomic.Pointer[view]

	// Owned by the Run goroutine.
	ctx     context.Context
	entries map[string]*pollEntry
	order   []string
	epoch   uint64
	listSeq uint64
	stats   Stats
}

type view struct {
	entries []Entry
	stats   Stats
}

// New creates a Loop.
func New(be Backend, opts Options) *Loop {
	opts.defaults()
	l := &Loop{
		be:      be,
		opts:    opts,
		logger:  opts.Logger,
		events:  make(chan func(), 256),
		done:    make(chan struct{}),
		entries: make(map[string]*pollEntry),
	}
	l.view.Store(&view{})
	return l
}

// Run processes events until ctx is cancelled. Every armed re-check is
// cancelled on the way out.
func (l *Loop) Run(ctx context.Context) error {
	l.ctx = ctx
	defer close(l.done)
	l.logger.Info("statussync: loop started", "delay", l.opts.Delay)

	for {
		select {
		case <-ctx.Done():
			for _, e := range l.entries {
				l.cancelSchedule(e)
			}
			l.publish()
			l.logger.Info("statussync: loop stopped")
			return ctx.Err()
		case ev := <-l.events:
			ev()
			l.publish()
		}
	}
}

// Refresh asks for a new dataset list. The tracked set is replaced once the
// list arrives.
func (l *Loop) Refresh() {
	l.post(l.requestList)
}

// SaveRecords asks the backend to cut dataset id into records, then arms a
// re-check so the job's progress is followed.
func (l *Loop) SaveRecords(ctx context.Context, id string) error {
	if err := l.be.SaveRecords(ctx, id); err != nil {
		return fmt.Errorf("statussync: save records of %s: %w", id, err)
	}
	l.post(func() {
		e, ok := l.entries[id]
		if !ok {
			l.logger.Debug("statussync: save records for untracked dataset", "dataset", id)
			return
		}
		e.Err = ""
		l.transition(e, Polling)
		l.arm(e)
	})
	return nil
}

// Delete removes dataset id on the backend and refreshes the list.
func (l *Loop) Delete(ctx context.Context, id string) error {
	if err := l.be.Zap(ctx, id); err != nil {
		return fmt.Errorf("statussync: delete %s: %w", id, err)
	}
	l.Refresh()
	return nil
}

// Snapshot returns the tracked entries in list order, as of the last
// processed event.
func (l *Loop) Snapshot() []Entry {
	v := l.view.Load()
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Lookup returns the entry of dataset id.
func (l *Loop) Lookup(id string) (Entry, bool) {
	for _, e := range l.view.Load().entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Stats returns the loop counters as of the last processed event.
func (l *Loop) Stats() Stats { return l.view.Load().stats }

// post queues ev for the Run goroutine. Events posted after Run returned
// are dropped.
func (l *Loop) post(ev func()) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

func (l *Loop) requestList() {
	l.listSeq++
	l.stats.Refreshes++
	seq := l.listSeq
	ctx := l.ctx
	go func() {
		datasets, err := l.be.List(ctx)
		l.post(func() { l.applyList(seq, datasets, err) })
	}()
}

func (l *Loop) applyList(seq uint64, datasets []backend.Dataset, err error) {
	if seq != l.listSeq {
		l.stats.StaleEvents++
		return
	}
	if err != nil {
		l.logger.Warn("statussync: list fetch failed", "error", err)
		l.notify(observability.Notice{
			Kind:    observability.NoticeNetwork,
			Message: "Network problem fetching the dataset list",
			Detail:  err.Error(),
		})
		return
	}

	// Cancel before install: no re-check of the old set may survive it.
	for _, e := range l.entries {
		l.cancelSchedule(e)
	}
	l.epoch++
	entries := make(map[string]*pollEntry, len(datasets))
	order := make([]string, 0, len(datasets))
	for _, d := range datasets {
		if _, dup := entries[d.Name]; dup {
			continue
		}
		entries[d.Name] = &pollEntry{Entry: Entry{ID: d.Name, State: Idle}, epoch: l.epoch}
		order = append(order, d.Name)
	}
	l.entries, l.order = entries, order
	l.logger.Info("statussync: tracked set replaced", "datasets", len(order), "epoch", l.epoch)

	for _, id := range order {
		l.fetch(entries[id])
	}
}

// fetch issues a status fetch for e unless one is already in flight.
func (l *Loop) fetch(e *pollEntry) {
	if e.fetching {
		return
	}
	e.fetching = true
	e.fetchSeq = e.next()
	if e.State == Idle {
		l.transition(e, Polling)
	}
	l.stats.Polls++
	l.record(observability.MetricStatusPolls, 1, "count", map[string]string{"dataset": e.ID})

	id, epoch, seq, ctx := e.ID, e.epoch, e.fetchSeq, l.ctx
	go func() {
		info, err := l.be.DatasetInfo(ctx, id)
		l.post(func() { l.applyStatus(id, epoch, seq, info, err) })
	}()
}

func (l *Loop) applyStatus(id string, epoch, seq uint64, info backend.DatasetInfo, err error) {
	e, ok := l.entries[id]
	if !ok || e.epoch != epoch || !e.fetching || e.fetchSeq != seq {
		l.stats.StaleEvents++
		return
	}
	e.fetching = false
	e.LastCheckedAt = l.opts.Clock.Now()

	if err != nil {
		l.cancelSchedule(e)
		e.Err = err.Error()
		l.transition(e, Errored)
		if errors.Is(err, context.Canceled) {
			return
		}
		if backend.IsNotFound(err) {
			l.logger.Warn("statussync: dataset gone", "dataset", id, "error", err)
			l.notify(observability.Notice{
				Kind:    observability.NoticeProcessing,
				Dataset: id,
				Message: "Problem processing " + id,
				Detail:  err.Error(),
			})
			l.requestList()
			return
		}
		l.logger.Warn("statussync: status fetch failed", "dataset", id, "error", err)
		l.notify(observability.Notice{
			Kind:    observability.NoticeNetwork,
			Dataset: id,
			Message: "Network problem checking " + id,
			Detail:  err.Error(),
		})
		return
	}

	e.Status = info.Status
	e.Delimit = info.Delimit
	e.Origin = info.Origin.Type
	e.Err = ""
	if info.Status.Working() {
		l.transition(e, Polling)
		l.arm(e)
		return
	}
	l.cancelSchedule(e)
	l.transition(e, Completed)
}

// arm replaces the re-check of e with a fresh one after Delay.
func (l *Loop) arm(e *pollEntry) {
	l.cancelSchedule(e)
	seq := e.next()
	id, epoch := e.ID, e.epoch
	e.timerSeq = seq
	e.timer = l.opts.Clock.AfterFunc(l.opts.Delay, func() {
		l.post(func() { l.fire(id, epoch, seq) })
	})
	l.stats.SchedulesCreated++
}

func (l *Loop) fire(id string, epoch, seq uint64) {
	e, ok := l.entries[id]
	if !ok || e.epoch != epoch || e.timer == nil || e.timerSeq != seq {
		l.stats.StaleEvents++
		return
	}
	e.timer = nil
	l.fetch(e)
}

func (l *Loop) cancelSchedule(e *pollEntry) {
	if e.timer == nil {
		return
	}
	e.timer.Stop()
	e.timer = nil
	l.stats.SchedulesCancelled++
}

func (l *Loop) transition(e *pollEntry, s State) {
	if e.State == s {
		return
	}
	l.logger.Debug("statussync: transition", "dataset", e.ID, "from", e.State, "to", s)
	e.State = s
	l.record(observability.MetricDatasetTransitions, 1, "count", map[string]string{"dataset": e.ID, "state": s.String()})
}

func (l *Loop) notify(n observability.Notice) {
	if l.opts.Notifier == nil {
		return
	}
	l.opts.Notifier.Notify(context.WithoutCancel(l.ctx), n)
}

func (l *Loop) record(name string, value float64, unit string, labels map[string]string) {
	if l.opts.Metrics == nil {
		return
	}
	l.opts.Metrics.Record(&observability.Metric{
		Name:      name,
		Timestamp: l.opts.Clock.Now(),
		Value:     value,
		Labels:    labels,
		Unit:      unit,
	})
}

// publish copies the loop state for lock-free readers.
func (l *Loop) publish() {
	v := &view{entries: make([]Entry, 0, len(l.order)), stats: l.stats}
	for _, id := range l.order {
		e := l.entries[id]
		v.entries = append(v.entries, e.Entry)
		if e.timer != nil {
			v.stats.LiveSchedules++
		}
	}
	l.view.Store(v)
}
