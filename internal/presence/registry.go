// Package presence tracks which users currently hold a live connection.
package presence

import (
	"sort"
	"sync"
)

// Mode selects how a repeated join from the same user is treated.
type Mode int

const (
	// MultiDevice keeps every handle a user registers until each one is removed.
	MultiDevice Mode = iota
	// SingleDevice keeps only the most recently registered handle per user.
	// The superseded handle is dropped from dispatch but is not closed.
	SingleDevice
)

// Registry maps user IDs to their live connection handles.
// All methods are safe for concurrent use.
type Registry[H comparable] struct {
	mu     sync.RWMutex
	mode   Mode
	users  map[string]map[H]struct{}
	owners map[H]string // reverse index: handle -> user
}

// NewRegistry creates an empty registry.
func NewRegistry[H comparable](mode Mode) *Registry[H] {
	return &Registry[H]{
		mode:   mode,
		users:  make(map[string]map[H]struct{}),
		owners: make(map[H]string),
	}
}

// Mode returns the registry's device mode.
func (r *Registry[H]) Mode() Mode {
	return r.mode
}

// Register binds handle to userID. It returns the handles that were
// superseded by this call (only ever non-empty in SingleDevice mode).
// A handle already bound to another user is moved.
func (r *Registry[H]) Register(userID string, handle H) (superseded []H) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owners[handle]; ok && prev != userID {
		r.removeLocked(prev, handle)
	}

	handles, ok := r.users[userID]
	if !ok {
		handles = make(map[H]struct{})
		r.users[userID] = handles
	}

	if r.mode == SingleDevice {
		for h := range handles {
			if h != handle {
				superseded = append(superseded, h)
				delete(handles, h)
				delete(r.owners, h)
			}
		}
	}

	handles[handle] = struct{}{}
	r.owners[handle] = userID
	return superseded
}

// Unregister removes handle. It reports the user the handle was bound to and
// whether anything was removed; a handle that was already superseded is a no-op.
func (r *Registry[H]) Unregister(handle H) (userID string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.owners[handle]
	if !ok {
		return "", false
	}
	r.removeLocked(userID, handle)
	return userID, true
}

func (r *Registry[H]) removeLocked(userID string, handle H) {
	delete(r.owners, handle)
	if handles, ok := r.users[userID]; ok {
		delete(handles, handle)
		if len(handles) == 0 {
			delete(r.users, userID)
		}
	}
}

// Lookup returns the live handles for userID, or nil when the user is offline.
func (r *Registry[H]) Lookup(userID string) []H {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]H, 0, len(handles))
	for h := range handles {
		out = append(out, h)
	}
	return out
}

// UserOf returns the user a handle is bound to.
func (r *Registry[H]) UserOf(handle H) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.owners[handle]
	return userID, ok
}

// IsOnline reports whether userID has at least one live handle.
func (r *Registry[H]) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Snapshot returns the sorted IDs of every user with a live handle.
func (r *Registry[H]) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of online users.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// HandleCount returns the number of registered handles across all users.
func (r *Registry[H]) HandleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
