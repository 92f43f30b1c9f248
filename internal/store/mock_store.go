// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	agents    map[string]*AgentRecord
	sessions  map[string]*SessionRecord
	exchanges []*Exchange
	closed    bool

	// PingErr, when set, is returned by Ping.
	PingErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:   make(map[string]*AgentRecord),
		sessions: make(map[string]*SessionRecord),
	}
}

// UpsertAgent stores a copy of the agent, keeping the first registered_at.
func (m *MockStore) UpsertAgent(ctx context.Context, a *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *a
	if prev, ok := m.agents[a.ID]; ok {
		rec.RegisteredAt = prev.RegisteredAt
	} else if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = rec.LastSeen
	}
	m.agents[a.ID] = &rec
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

// ListAgents returns every agent ordered by ID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AgentRecord, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *AgentRecord) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// UpsertSession stores a copy of the session.
func (m *MockStore) UpsertSession(ctx context.Context, s *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *s
	if prev, ok := m.sessions[s.ID]; ok {
		rec.InitiatorID = prev.InitiatorID
		rec.TargetID = prev.TargetID
		rec.StartedAt = prev.StartedAt
	}
	m.sessions[s.ID] = &rec
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s
	return &out, nil
}

// ListSessions returns sessions matching the filter, newest first.
func (m *MockStore) ListSessions(ctx context.Context, f SessionFilter) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SessionRecord
	for _, s := range m.sessions {
		if f.AgentID != "" && s.InitiatorID != f.AgentID && s.TargetID != f.AgentID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *SessionRecord) int { return b.StartedAt.Compare(a.StartedAt) })

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateExchange appends an exchange.
func (m *MockStore) CreateExchange(ctx context.Context, e *Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		return errors.New("exchange id is required")
	}
	c := *e
	m.exchanges = append(m.exchanges, &c)
	return nil
}

// ListExchanges returns an agent's exchanges, newest first.
func (m *MockStore) ListExchanges(ctx context.Context, agentID string, limit int) ([]*Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*Exchange
	for i := len(m.exchanges) - 1; i >= 0 && len(out) < limit; i-- {
		if m.exchanges[i].AgentID == agentID {
			c := *m.exchanges[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// Reconcile marks every agent offline and ends every active session.
func (m *MockStore) Reconcile(ctx context.Context, reason string, at time.Time) (ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res ReconcileResult
	for _, a := range m.agents {
		if a.Status != "offline" {
			a.Status = "offline"
			res.AgentsMarkedOffline++
		}
	}
	for _, s := range m.sessions {
		if s.Status == "active" {
			ended := at
			s.Status = "ended"
			s.EndReason = reason
			s.EndedAt = &ended
			res.SessionsEnded++
		}
	}
	return res, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
