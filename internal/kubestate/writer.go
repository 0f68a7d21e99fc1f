// Package kubestate holds the out-of-scope Kubernetes reflector state
// writer: a concurrent key→value map with a
// purge/refresh/flush discipline, re-expressed in Go as a plain
// mutex-guarded map rather than a dedicated eventually-consistent map
// library (none exists in this module's dependency pack, and this
// concern is intentionally far simpler than the auto-concurrency
// controller's own state management).
package kubestate

import (
	"sync"

	goccyjson "github.com/goccy/go-json"
)

// Keyed identifies the UID a watched object is stored under.
type Keyed interface {
	UID() string
}

// entry wraps a stored value with the staleness bit resync/flush use to
// decide whether an object survived the last watch generation.
type entry[T Keyed] struct {
	value T
	stale bool
}

// Writer is a concurrent map from object UID to the last-known object,
// with upsert-on-add/update, remove-on-delete, and a resync/flush
// cycle that lets a full re-list mark the previous generation stale
// without erasing it until the new generation actually flushes: add and
// update insert and clear staleness, delete empties the key, resync
// marks every entry stale without flushing so readers keep seeing the
// previous generation's data until new events arrive and flush.
type Writer[T Keyed] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
}

// NewWriter returns an empty Writer.
func NewWriter[T Keyed]() *Writer[T] {
	return &Writer[T]{entries: make(map[string]entry[T])}
}

// Add upserts item under its UID and clears any staleness left over
// from a prior resync.
func (w *Writer[T]) Add(item T) {
	w.upsert(item)
}

// Update upserts item under its UID, identical to Add at this layer:
// callers distinguish add from update only for their own event
// bookkeeping, not for map semantics.
func (w *Writer[T]) Update(item T) {
	w.upsert(item)
}

func (w *Writer[T]) upsert(item T) {
	key := item.UID()
	if key == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[key] = entry[T]{value: item}
}

// Delete removes item's UID from the map outright.
func (w *Writer[T]) Delete(item T) {
	key := item.UID()
	if key == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, key)
}

// Resync marks every current entry stale without removing it. Readers
// continue to see the previous generation's values until new Add/Update
// calls refresh them or Flush drops whatever is still stale.
func (w *Writer[T]) Resync() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, e := range w.entries {
		e.stale = true
		w.entries[k] = e
	}
}

// Flush drops any entry still marked stale -- objects that were present
// before the last Resync and were never refreshed by a subsequent
// Add/Update, meaning the upstream watch no longer reports them.
func (w *Writer[T]) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, e := range w.entries {
		if e.stale {
			delete(w.entries, k)
		}
	}
}

// Get returns the current value for uid, if present, regardless of its
// staleness bit (staleness only governs Flush, not visibility).
func (w *Writer[T]) Get(uid string) (T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[uid]
	return e.value, ok
}

// Len returns the number of entries currently stored, stale or not.
func (w *Writer[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Snapshot returns a copy of every currently stored value.
func (w *Writer[T]) Snapshot() []T {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]T, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e.value)
	}
	return out
}

// SnapshotJSON encodes the current snapshot with goccy/go-json, for a
// debug endpoint to dump watched-object state without exposing the
// staleness bit.
func (w *Writer[T]) SnapshotJSON() ([]byte, error) {
	return goccyjson.Marshal(w.Snapshot())
}
