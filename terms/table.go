// Package terms reconciles the value histogram of one node with the user's
// vocabulary mappings.
//
// A Table holds at most one target concept per source URI. Readers take a
// Snapshot and never see a mutation in progress: every write installs a
// fresh map. The only writer is a Reconciler, which persists through the
// backend before touching the table.
package terms

import (
	"sync"
	"sync/atomic"
)

// Entry maps one source value URI to a vocabulary concept.
type Entry struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	Vocabulary string `json:"vocabulary"`
	PrefLabel  string `json:"prefLabel"`
}

// Snapshot is an immutable view of a Table at one point in time.
type Snapshot map[string]Entry

// Lookup returns the mapping for source.
func (s Snapshot) Lookup(source string) (Entry, bool) {
	e, ok := s[source]
	return e, ok
}

// Table is the mapping table of one dataset.
type Table struct {
	mu  sync.Mutex // serialises writers
	cur atomic.Pointer[map[string]Entry]
}

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{}
	empty := map[string]Entry{}
	t.cur.Store(&empty)
	return t
}

// Snapshot returns the current contents. The map must not be modified.
func (t *Table) Snapshot() Snapshot { return *t.cur.Load() }

// Lookup returns the mapping for source.
func (t *Table) Lookup(source string) (Entry, bool) { return t.Snapshot().Lookup(source) }

// Len returns the number of mapped sources.
func (t *Table) Len() int { return len(t.Snapshot()) }

// put installs e as the single mapping of e.Source.
func (t *Table) put(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := *t.cur.Load()
	next := make(map[string]Entry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[e.Source] = e
	t.cur.Store(&next)
}

// remove drops the mapping of source and reports whether there was one.
func (t *Table) remove(source string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := *t.cur.Load()
	if _, ok := old[source]; !ok {
		return false
	}
	next := make(map[string]Entry, len(old))
	for k, v := range old {
		if k != source {
			next[k] = v
		}
	}
	t.cur.Store(&next)
	return true
}

// replaceAll swaps in a table built from entries. A later entry for the
// same source wins.
func (t *Table) replaceAll(entries []Entry) {
	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		next[e.Source] = e
	}
	t.mu.Lock()
	t.cur.Store(&next)
	t.mu.Unlock()
}
