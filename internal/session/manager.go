package session

import (
	"sort"
	"sync"
)

// Manager is the registry of live controllers, one per connected client.
type Manager struct {
	mu              sync.RWMutex
	sessions        map[string]*Controller
	sessionByClient map[string]string
}

func NewManager() *Manager {
	return &Manager{
		sessions:        make(map[string]*Controller),
		sessionByClient: make(map[string]string),
	}
}

// Register adds c under its id. A previous controller for the same client is
// returned so the caller can shut it down.
func (m *Manager) Register(clientID string, c *Controller) (previous *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clientID != "" {
		if oldID, ok := m.sessionByClient[clientID]; ok && oldID != c.ID() {
			previous = m.sessions[oldID]
			delete(m.sessions, oldID)
		}
		m.sessionByClient[clientID] = c.ID()
	}
	m.sessions[c.ID()] = c
	return previous
}

func (m *Manager) Get(sessionID string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Remove drops the controller. It is a no-op when another controller has
// already replaced it for the same client.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	for client, id := range m.sessionByClient {
		if id == sessionID {
			delete(m.sessionByClient, client)
		}
	}
}

// List returns snapshots ordered by session id.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.sessions {
		if c.Snapshot().State == StateActive {
			count++
		}
	}
	return count
}
