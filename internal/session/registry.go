package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry tracks the live sessions of one daemon, keyed by session ID.
// Sessions never share mutable state; the registry only indexes them for
// listing, external close and daemon shutdown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      *zap.SugaredLogger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{sessions: make(map[string]*Session), log: log}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.log.Infof("registry: session %s added", s.ID)
}

// Remove drops a session from the index. It does not close it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get returns a session by ID, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// List returns all tracked sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseSession closes a specific session by ID.
func (r *Registry) CloseSession(id string) error {
	s := r.Get(id)
	if s == nil {
		return fmt.Errorf("session %q not found", id)
	}
	s.Close("closed by server")
	r.log.Infof("registry: session %s close requested", id)
	return nil
}

// CloseAll closes every tracked session. Used on daemon shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.List() {
		s.Close("server shutting down")
	}
}
