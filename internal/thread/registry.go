// Package thread caches conversation threads on top of the console API.
//
// The registry mirrors server state; it is never the source of truth.
// Mutations go to the server first, except Delete, which removes
// optimistically and rolls back when the server refuses.
package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/doclens-ai/doclens/internal/api"
	"github.com/doclens-ai/doclens/internal/event"
	"github.com/doclens-ai/doclens/internal/logging"
	"github.com/doclens-ai/doclens/pkg/types"
)

// RegistryError wraps a thread CRUD failure with the operation that hit it.
type RegistryError struct {
	Op  string
	Err error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("thread %s: %v", e.Op, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// Registry is a CRUD cache of conversation threads. Safe for concurrent
// use. One registry serves all console panels of a composition; selection
// state lives here, per-turn state lives in the session controller.
type Registry struct {
	api *api.Client
	bus *event.Bus
	log zerolog.Logger

	mu         sync.RWMutex
	threads    []types.Thread
	selectedID string
	loaded     bool
}

// NewRegistry creates a registry over the given API client and bus.
func NewRegistry(client *api.Client, bus *event.Bus) *Registry {
	return &Registry{
		api: client,
		bus: bus,
		log: logging.Component("thread"),
	}
}

// List returns thread summaries, fetching from the server only on first
// use. Call Refresh to force a refetch.
func (r *Registry) List(ctx context.Context) ([]types.Thread, error) {
	r.mu.RLock()
	if r.loaded {
		out := r.snapshotLocked()
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()

	return r.Refresh(ctx)
}

// Refresh replaces the cache with the server's thread list. A selection
// pointing at a thread that vanished server-side is cleared.
func (r *Registry) Refresh(ctx context.Context) ([]types.Thread, error) {
	threads, err := r.api.ListThreads(ctx)
	if err != nil {
		return nil, &RegistryError{Op: "list", Err: err}
	}

	r.mu.Lock()
	r.threads = threads
	r.loaded = true
	if r.selectedID != "" && r.indexOfLocked(r.selectedID) < 0 {
		r.log.Debug().Str("threadID", r.selectedID).Msg("Selected thread gone after refresh")
		r.selectedID = ""
	}
	out := r.snapshotLocked()
	r.mu.Unlock()

	return out, nil
}

// Create makes a new thread and puts it at the front of the cache.
func (r *Registry) Create(ctx context.Context, title string) (*types.Thread, error) {
	created, err := r.api.CreateThread(ctx, title)
	if err != nil {
		return nil, &RegistryError{Op: "create", Err: err}
	}

	r.mu.Lock()
	r.threads = append([]types.Thread{*created}, r.threads...)
	r.mu.Unlock()

	info := created.Clone()
	r.bus.Publish(event.Event{Type: event.ThreadCreated, Data: event.ThreadCreatedData{Info: &info}})

	out := created.Clone()
	return &out, nil
}

// Select fetches one thread's full history and marks it current.
func (r *Registry) Select(ctx context.Context, id string) (*types.Thread, error) {
	full, err := r.api.GetThread(ctx, id)
	if err != nil {
		return nil, &RegistryError{Op: "select", Err: err}
	}

	r.mu.Lock()
	if idx := r.indexOfLocked(id); idx >= 0 {
		r.threads[idx] = *full
	} else {
		r.threads = append([]types.Thread{*full}, r.threads...)
	}
	r.selectedID = id
	r.mu.Unlock()

	r.bus.Publish(event.Event{Type: event.ThreadSelected, Data: event.ThreadSelectedData{ThreadID: id}})

	out := full.Clone()
	return &out, nil
}

// Selected returns a copy of the current thread, or nil when none is
// selected.
func (r *Registry) Selected() *types.Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.selectedID == "" {
		return nil
	}
	idx := r.indexOfLocked(r.selectedID)
	if idx < 0 {
		return nil
	}
	out := r.threads[idx].Clone()
	return &out
}

// SelectedID returns the current thread's identifier, or "".
func (r *Registry) SelectedID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectedID
}

// Deselect clears the current selection without touching the server.
func (r *Registry) Deselect() {
	r.mu.Lock()
	r.selectedID = ""
	r.mu.Unlock()
}

// Delete removes a thread. The cache entry and any selection of it go away
// immediately, in one step; both come back if the server call fails. A
// server-side 404 counts as success since the thread is gone either way.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	idx := r.indexOfLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return &RegistryError{Op: "delete", Err: api.ErrNotFound}
	}
	removed := r.threads[idx]
	r.threads = append(r.threads[:idx], r.threads[idx+1:]...)
	wasSelected := r.selectedID == id
	if wasSelected {
		r.selectedID = ""
	}
	r.mu.Unlock()

	if err := r.api.DeleteThread(ctx, id); err != nil && !isNotFound(err) {
		r.mu.Lock()
		if idx > len(r.threads) {
			idx = len(r.threads)
		}
		rest := append([]types.Thread{removed}, r.threads[idx:]...)
		r.threads = append(r.threads[:idx], rest...)
		if wasSelected {
			r.selectedID = id
		}
		r.mu.Unlock()
		return &RegistryError{Op: "delete", Err: err}
	}

	r.bus.Publish(event.Event{Type: event.ThreadDeleted, Data: event.ThreadDeletedData{ThreadID: id}})
	return nil
}

// Rename sets a thread's title.
func (r *Registry) Rename(ctx context.Context, id, title string) error {
	updated, err := r.api.UpdateThread(ctx, id, api.ThreadPatch{Title: &title})
	if err != nil {
		return &RegistryError{Op: "rename", Err: err}
	}

	r.mu.Lock()
	if idx := r.indexOfLocked(id); idx >= 0 {
		r.threads[idx].Title = updated.Title
		r.threads[idx].UpdatedAt = updated.UpdatedAt
	}
	r.mu.Unlock()

	info := updated.Clone()
	r.bus.Publish(event.Event{Type: event.ThreadUpdated, Data: event.ThreadUpdatedData{Info: &info}})
	return nil
}

// AppendTurns merges finalized turns into the cached thread after a
// completed exchange. The server persisted them while streaming; this
// keeps the mirror in step without a refetch. Threads cached as summaries
// only get their counts bumped.
func (r *Registry) AppendTurns(threadID string, turns ...types.Turn) {
	if threadID == "" || len(turns) == 0 {
		return
	}

	r.mu.Lock()
	idx := r.indexOfLocked(threadID)
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	th := &r.threads[idx]
	if th.Turns != nil {
		th.Turns = append(th.Turns, turns...)
	}
	th.MessageCount += len(turns)
	th.UpdatedAt = time.Now()
	info := th.Clone()
	r.mu.Unlock()

	r.bus.Publish(event.Event{Type: event.ThreadUpdated, Data: event.ThreadUpdatedData{Info: &info}})
}

func (r *Registry) indexOfLocked(id string) int {
	for i := range r.threads {
		if r.threads[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Registry) snapshotLocked() []types.Thread {
	out := make([]types.Thread, len(r.threads))
	for i := range r.threads {
		out[i] = r.threads[i].Clone()
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, api.ErrNotFound)
}
