// Package registry tracks the in-memory state of active sessions. It is
// the single source of truth for which sessions are live in this process;
// durable session rows live in the store.
package registry

import (
	"sync"
	"time"
)

// State is the transient per-session record. A State exists here exactly
// while the corresponding session row is active.
type State struct {
	SessionID    string
	StartedAt    time.Time
	LastActivity time.Time
	Language     string
	Config       map[string]any
}

// Registry maps session ids to live state. The lock guards the map only;
// callers never hold it across blocking work.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*State)}
}

// Put inserts or replaces the state for a session.
func (r *Registry) Put(state *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[state.SessionID] = state
}

// Get returns the state for a session, or nil when absent.
func (r *Registry) Get(sessionID string) *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Remove deletes a session and reports whether it was present.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	delete(r.sessions, sessionID)
	return true
}

// Touch refreshes the last-activity time for a session and reports whether
// it was present.
func (r *Registry) Touch(sessionID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	state.LastActivity = at
	return true
}

// IDs lists all active session ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count reports the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ExpiredBefore lists sessions whose last activity is older than the cutoff.
func (r *Registry) ExpiredBefore(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, state := range r.sessions {
		if state.LastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
