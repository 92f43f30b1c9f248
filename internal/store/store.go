// ABOUTME: Store interface and record types for relay persistence
// ABOUTME: Agents, sessions and AI exchanges survive restarts for history and reconciliation

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentRecord is the persisted form of an agent's presence record
type AgentRecord struct {
	ID           string
	Name         string
	Status       string
	LastSeen     time.Time
	RegisteredAt time.Time
}

// SessionRecord is the persisted form of a session
type SessionRecord struct {
	ID          string
	InitiatorID string
	TargetID    string
	Status      string // "active" or "ended"
	EndReason   string
	StartedAt   time.Time
	EndedAt     *time.Time
}

// Exchange outcomes
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Exchange records one AI responder turn
type Exchange struct {
	ID              string
	AgentID         string
	SessionID       string
	MessageID       string
	TranscribedText string
	ReplyText       string
	ReplyAudioBytes int
	Outcome         string
	ErrorCode       string
	LatencyMS       int64
	CreatedAt       time.Time
}

// SessionFilter narrows ListSessions
type SessionFilter struct {
	AgentID string // either participant
	Status  string // "" for any
	Limit   int
}

// ReconcileResult reports what Reconcile changed
type ReconcileResult struct {
	AgentsMarkedOffline int64
	SessionsEnded       int64
}

// Store defines the persistence operations the relay needs
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, a *AgentRecord) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)

	// Sessions
	UpsertSession(ctx context.Context, s *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]*SessionRecord, error)

	// AI exchanges (history)
	CreateExchange(ctx context.Context, e *Exchange) error
	ListExchanges(ctx context.Context, agentID string, limit int) ([]*Exchange, error)

	// Reconcile brings state left by a previous process in line with an
	// empty relay: agents offline, open sessions ended with reason.
	Reconcile(ctx context.Context, reason string, at time.Time) (ReconcileResult, error)

	Ping(ctx context.Context) error
	Close() error
}
