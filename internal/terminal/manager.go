package terminal

import (
	"fmt"
	"sync"
)

// Manager tracks every live terminal Session, keyed by id, so the
// session bridge can route terminal_input/terminal_resize frames by
// subscriptionId without holding its own reference.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Start creates and registers a new terminal session under opts.ID.
func (m *Manager) Start(opts Options, onOutput OutputFunc, onExit ExitFunc) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[opts.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("terminal: session already exists: %s", opts.ID)
	}
	m.mu.Unlock()

	s, err := Start(opts, onOutput, func(code int) {
		if onExit != nil {
			onExit(code)
		}
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[opts.ID] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Write routes input to the named session.
func (m *Manager) Write(id string, data []byte) error {
	s, ok := m.get(id)
	if !ok {
		return fmt.Errorf("terminal: no session: %s", id)
	}
	return s.Write(data)
}

// Resize routes a resize to the named session.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	s, ok := m.get(id)
	if !ok {
		return fmt.Errorf("terminal: no session: %s", id)
	}
	return s.Resize(cols, rows)
}

// Snapshot returns the named session's buffered recent output.
func (m *Manager) Snapshot(id string) ([]byte, bool) {
	s, ok := m.get(id)
	if !ok {
		return nil, false
	}
	return s.Snapshot(), true
}

// Stop terminates and unregisters the named session.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Stop()
	}
}

// StopAll terminates every session, e.g. on daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}
