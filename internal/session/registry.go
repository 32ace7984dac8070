package session

import "sync"

// Registry is the in-memory table of active sessions. It owns no session
// state beyond membership; per-session fields are guarded by the session's
// own mutex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns a session by id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// ByTask returns the first non-error session bound to a task, or nil. At most
// one such session exists per task at any instant.
func (r *Registry) ByTask(taskID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.TaskID == taskID && s.Status() != StatusError {
			return s
		}
	}
	return nil
}

// Insert adds a session unless a live session for the same task already
// exists, in which case the existing one is returned and added is false.
func (r *Registry) Insert(s *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing.TaskID == s.TaskID && existing.Status() != StatusError {
			return existing, false
		}
	}
	r.sessions[s.ID] = s
	return s, true
}

// Remove deletes a session by id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns a snapshot of all registered sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
