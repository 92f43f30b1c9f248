// ABOUTME: Tests for the journal worker and its store sink.
// ABOUTME: Validates ordering, drop-on-full, drain on close and store round trips.

package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/envelope"
	"github.com/2389/a2a-relay/internal/session"
	"github.com/2389/a2a-relay/internal/store"
)

type recordingSink struct {
	mu      sync.Mutex
	order   []string
	block   chan struct{}
	failAll bool
}

func (s *recordingSink) note(v string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, v)
	if s.failAll {
		return errors.New("sink unavailable")
	}
	return nil
}

func (s *recordingSink) SaveAgent(_ context.Context, a agent.Agent) error {
	return s.note("agent:" + a.ID + ":" + string(a.Status))
}

func (s *recordingSink) SaveSession(_ context.Context, sess session.Session) error {
	return s.note("session:" + sess.ID + ":" + sess.Status)
}

func (s *recordingSink) SaveExchange(_ context.Context, e store.Exchange) error {
	return s.note("exchange:" + e.ID)
}

func (s *recordingSink) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func TestJournal_AppliesInOrderToEverySink(t *testing.T) {
	first, second := &recordingSink{}, &recordingSink{failAll: true}
	j := New(Params{Sinks: []Sink{first, second}})

	j.AgentChanged(agent.Agent{ID: "a", Status: envelope.StatusOnline})
	j.SessionChanged(session.Session{ID: "s1", Status: envelope.SessionStatusActive})
	j.Exchange(store.Exchange{ID: "x1"})
	j.AgentChanged(agent.Agent{ID: "a", Status: envelope.StatusOffline})

	require.NoError(t, j.Close(t.Context()))

	want := []string{"agent:a:online", "session:s1:active", "exchange:x1", "agent:a:offline"}
	assert.Equal(t, want, first.seen())
	assert.Equal(t, want, second.seen(), "a failing sink still receives every record")
}

func TestJournal_DropsWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	var dropped int
	var mu sync.Mutex
	j := New(Params{
		Buffer: 1,
		Sinks:  []Sink{sink},
		OnDrop: func() {
			mu.Lock()
			defer mu.Unlock()
			dropped++
		},
	})

	for range 10 {
		j.Exchange(store.Exchange{ID: "x"})
	}

	mu.Lock()
	assert.GreaterOrEqual(t, dropped, 8, "the worker holds one record and the buffer one more")
	mu.Unlock()

	close(sink.block)
	require.NoError(t, j.Close(t.Context()))
}

func TestJournal_CloseIsIdempotentAndIgnoresLateRecords(t *testing.T) {
	sink := &recordingSink{}
	j := New(Params{Sinks: []Sink{sink}})

	require.NoError(t, j.Close(t.Context()))
	require.NoError(t, j.Close(t.Context()))

	j.AgentChanged(agent.Agent{ID: "late"})
	assert.Empty(t, sink.seen())
}

func TestJournal_CloseRespectsContext(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	defer close(sink.block)
	j := New(Params{Sinks: []Sink{sink}})
	j.Exchange(store.Exchange{ID: "stuck"})

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, j.Close(ctx), context.DeadlineExceeded)
}

func TestStoreSink_RoundTrip(t *testing.T) {
	st := store.NewMockStore()
	j := New(Params{Sinks: []Sink{NewStoreSink(st)}})

	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	j.AgentChanged(agent.Agent{ID: "agent_001", Name: "Alice", Status: envelope.StatusOnline, LastSeen: now, RegisteredAt: now})
	j.SessionChanged(session.Session{ID: "s1", InitiatorID: "agent_001", TargetID: "ai_agent", Status: envelope.SessionStatusActive, StartedAt: now})
	j.SessionChanged(session.Session{ID: "s1", InitiatorID: "agent_001", TargetID: "ai_agent", Status: envelope.SessionStatusEnded, StartedAt: now, EndedAt: now.Add(time.Minute), EndReason: session.ReasonDisconnect})
	require.NoError(t, j.Close(t.Context()))

	ctx := context.Background()
	sess, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.ReasonDisconnect, sess.EndReason)
	require.NotNil(t, sess.EndedAt)

	agents, err := AgentsFromStore(ctx, st)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "Alice", agents[0].Name)
	assert.Equal(t, envelope.StatusOnline, agents[0].Status)
}
