package pacer

import "sync"

// Manager keeps one pacer per session. Entries are single-writer: only the
// owning consumer calls WaitForSlot/RecordSend; control endpoints mutate
// config through the pacer's own lock.
type Manager struct {
	mu     sync.RWMutex
	pacers map[string]*Pacer
	def    Config
}

// NewManager builds a manager with shared defaults for new pacers.
func NewManager(def Config) *Manager {
	return &Manager{pacers: make(map[string]*Pacer), def: def}
}

// Get returns the pacer for a session, creating it with defaults on first use.
func (m *Manager) Get(sessionID string) *Pacer {
	m.mu.RLock()
	p, ok := m.pacers[sessionID]
	m.mu.RUnlock()
	if ok {
		return p
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pacers[sessionID]; ok {
		return p
	}
	p = New(sessionID, m.def)
	m.pacers[sessionID] = p
	return p
}

// Lookup returns an existing pacer without creating one.
func (m *Manager) Lookup(sessionID string) (*Pacer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pacers[sessionID]
	return p, ok
}

// Remove drops a session's pacer.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pacers, sessionID)
}

// AllStats snapshots every pacer for the control API.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.pacers))
	for _, p := range m.pacers {
		out = append(out, p.Stats())
	}
	return out
}

// Count returns the number of live pacers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pacers)
}
