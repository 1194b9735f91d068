package transport

import (
	"sync"

	"github.com/paseohq/paseo/internal/notifier"
	"github.com/paseohq/paseo/internal/session"
)

// Registry tracks every live session.Session so the notification
// dispatcher (C7) can enumerate connected clients' heartbeats, and so
// the daemon can account for direct and relayed connections uniformly.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session.Session)}
}

func (r *Registry) add(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

func (r *Registry) remove(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID())
}

// Sessions implements notifier.Registry.
func (r *Registry) Sessions() []notifier.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notifier.Client, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of currently connected sessions, direct and
// relayed combined.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
