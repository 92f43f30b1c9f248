// ABOUTME: Journal sink that writes agents, sessions and exchanges to a store.Store.

package journal

import (
	"context"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/envelope"
	"github.com/2389/a2a-relay/internal/session"
	"github.com/2389/a2a-relay/internal/store"
)

// StoreSink adapts a store.Store to Sink.
type StoreSink struct {
	store store.Store
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(s store.Store) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) SaveAgent(ctx context.Context, a agent.Agent) error {
	return s.store.UpsertAgent(ctx, &store.AgentRecord{
		ID:           a.ID,
		Name:         a.Name,
		Status:       string(a.Status),
		LastSeen:     a.LastSeen,
		RegisteredAt: a.RegisteredAt,
	})
}

func (s *StoreSink) SaveSession(ctx context.Context, sess session.Session) error {
	rec := &store.SessionRecord{
		ID:          sess.ID,
		InitiatorID: sess.InitiatorID,
		TargetID:    sess.TargetID,
		Status:      sess.Status,
		EndReason:   sess.EndReason,
		StartedAt:   sess.StartedAt,
	}
	if !sess.EndedAt.IsZero() {
		ended := sess.EndedAt
		rec.EndedAt = &ended
	}
	return s.store.UpsertSession(ctx, rec)
}

func (s *StoreSink) SaveExchange(ctx context.Context, e store.Exchange) error {
	return s.store.CreateExchange(ctx, &e)
}

// AgentsFromStore loads persisted agents as registry records.
func AgentsFromStore(ctx context.Context, s store.Store) ([]agent.Agent, error) {
	recs, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]agent.Agent, 0, len(recs))
	for _, r := range recs {
		out = append(out, agent.Agent{
			ID:           r.ID,
			Name:         r.Name,
			Status:       envelope.Status(r.Status),
			LastSeen:     r.LastSeen,
			RegisteredAt: r.RegisteredAt,
		})
	}
	return out, nil
}
