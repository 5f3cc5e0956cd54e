// Package registry is the in-memory mirror of the session table: a
// change-detecting cache refreshed on a tick, handing out shared,
// reference-counted cells so the UI reads session state without contending
// with turn workers (spec.md §4.5, §9 "Shared-cell cloning").
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/store"
)

// Cell is the shared, mutex-guarded state for one session: the UI reads it
// without blocking a concurrent turn worker's narrow append/update critical
// sections (spec.md §5 "Shared state").
type Cell struct {
	mu sync.RWMutex

	session     domain.Session
	progress    string
	commitCount int
}

// Session returns a snapshot of the cached session row.
func (c *Cell) Session() domain.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SetSession replaces the cached session row (called by Refresh on reload).
func (c *Cell) SetSession(s domain.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// Progress returns the current transient progress message, if any.
func (c *Cell) Progress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.progress
}

// SetProgress updates the transient progress message, deduplicating
// identical consecutive values (spec.md §4.1 step 3: "deduplicating
// identical consecutive values"). Returns true if the value actually
// changed.
func (c *Cell) SetProgress(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progress == msg {
		return false
	}
	c.progress = msg
	return true
}

// ClearProgress resets the transient progress message, used once a turn
// reaches a terminal state.
func (c *Cell) ClearProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = ""
}

// CommitCount returns how many auto-commits this session has produced.
func (c *Cell) CommitCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commitCount
}

// IncrementCommitCount bumps the session's commit counter by one.
func (c *Cell) IncrementCommitCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitCount++
}

// Registry mirrors the session table in memory, refreshed on demand via a
// cheap (row_count, max_updated_at) poll (spec.md §4.5).
type Registry struct {
	store *store.Store

	mu             sync.RWMutex
	cells          map[string]*Cell
	order          []string
	lastRowCount   int64
	lastMaxUpdated int64
}

// New creates an empty Registry bound to a Store; call Refresh once before
// first use to populate it.
func New(s *store.Store) *Registry {
	return &Registry{store: s, cells: make(map[string]*Cell)}
}

// Refresh polls (row_count, max_updated_at); if either changed since the
// last call, performs a full reload. Returns whether a reload happened.
func (r *Registry) Refresh(ctx context.Context) (bool, error) {
	count, maxUpdated, err := r.store.SessionsMetadata(ctx)
	if err != nil {
		return false, fmt.Errorf("polling session metadata: %w", err)
	}

	r.mu.RLock()
	unchanged := count == r.lastRowCount && maxUpdated == r.lastMaxUpdated
	r.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	sessions, err := r.store.LoadSessions(ctx)
	if err != nil {
		return false, fmt.Errorf("reloading sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(sessions))
	order := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		seen[sess.ID] = true
		order = append(order, sess.ID)

		// Terminal sessions are retained on reload even without a live
		// folder; non-terminal sessions without one are skipped by callers
		// that check the filesystem, not by the registry itself, which only
		// mirrors the store (spec.md §4.5).
		cell, ok := r.cells[sess.ID]
		if !ok {
			cell = &Cell{}
			r.cells[sess.ID] = cell
		}
		cell.SetSession(sess)
	}

	for id := range r.cells {
		if !seen[id] {
			delete(r.cells, id)
		}
	}

	r.order = order
	r.lastRowCount = count
	r.lastMaxUpdated = maxUpdated
	return true, nil
}

// Get returns the cell for a session id, if loaded.
func (r *Registry) Get(id string) (*Cell, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cells[id]
	return c, ok
}

// Snapshot returns every loaded session in the registry's current order
// (most-recently-updated first, matching store.LoadSessions).
func (r *Registry) Snapshot() []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Session, 0, len(r.order))
	for _, id := range r.order {
		if c, ok := r.cells[id]; ok {
			out = append(out, c.Session())
		}
	}
	return out
}

// Remove drops a session's cell immediately, used by delete_selected_session
// so a just-deleted session disappears from the UI without waiting for the
// next poll tick (spec.md §5 "Cancellation": "proceeds with cleanup without
// awaiting the worker").
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cells, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Put inserts or replaces a cell directly, used by create_session to make a
// freshly inserted row immediately visible without waiting for a poll tick.
func (r *Registry) Put(sess domain.Session) *Cell {
	r.mu.Lock()
	defer r.mu.Unlock()
	cell, ok := r.cells[sess.ID]
	if !ok {
		cell = &Cell{}
		r.cells[sess.ID] = cell
		r.order = append([]string{sess.ID}, r.order...)
	}
	cell.SetSession(sess)
	return cell
}
