// ABOUTME: Session manager pairing two agents (or an agent and the AI responder) for voice exchange.
// ABOUTME: Enforces at most one active session per human agent and notifies both participants.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/a2a-relay/internal/envelope"
)

var (
	// ErrAgentBusy indicates a participant already has an active session.
	ErrAgentBusy = errors.New("agent is already in a session")

	// ErrTargetUnreachable indicates the target is neither online nor the AI responder.
	ErrTargetUnreachable = errors.New("target agent is not reachable")

	// ErrUnknownSession indicates the session id does not name a session the caller may act on.
	ErrUnknownSession = errors.New("unknown session")
)

// End reasons carried in session_ended.
const (
	ReasonRequested    = "requested"
	ReasonDisconnect   = "disconnect"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonTurnComplete = "turn_complete"
	ReasonAdmin        = "admin"
	ReasonRestart      = "restart"
	ReasonShutdown     = "shutdown"
)

// Session is a snapshot of one pairing.
type Session struct {
	ID           string    `json:"session_id"`
	InitiatorID  string    `json:"initiator_id"`
	TargetID     string    `json:"target_id"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitzero"`
	EndReason    string    `json:"end_reason,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// Active reports whether the session has not ended.
func (s Session) Active() bool {
	return s.Status == envelope.SessionStatusActive
}

// Involves reports whether agentID is a participant.
func (s Session) Involves(agentID string) bool {
	return s.InitiatorID == agentID || s.TargetID == agentID
}

// Peer returns the other participant, or "" if agentID is not a participant.
func (s Session) Peer(agentID string) string {
	switch agentID {
	case s.InitiatorID:
		return s.TargetID
	case s.TargetID:
		return s.InitiatorID
	}
	return ""
}

// Info converts the session to its wire form.
func (s Session) Info() envelope.SessionInfo {
	return envelope.SessionInfo{
		SessionID:   s.ID,
		InitiatorID: s.InitiatorID,
		TargetID:    s.TargetID,
		Status:      s.Status,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
	}
}

// Presence answers whether an agent is currently connected.
type Presence interface {
	IsOnline(agentID string) bool
}

// Notifier delivers an envelope to one agent without blocking.
type Notifier interface {
	SendTo(agentID string, env envelope.Envelope) error
}

// ManagerParams configures a Manager.
type ManagerParams struct {
	Presence  Presence
	Notifier  Notifier
	AIAgentID string
	// IdleTimeout ends sessions with no activity for this long. Zero disables it.
	IdleTimeout time.Duration
	// Retention is how long ended sessions stay queryable. Defaults to ten minutes.
	Retention time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
	// OnChange observes session starts and ends. Called with the manager lock
	// held; it must not block.
	OnChange func(Session)
}

// Manager owns every session. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	active   map[string]*Session
	byAgent  map[string]string
	ended    map[string]Session
	presence Presence
	notifier Notifier
	aiID     string
	idle     time.Duration
	retain   time.Duration
	now      func() time.Time
	onChange func(Session)
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(p ManagerParams) *Manager {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	retain := p.Retention
	if retain <= 0 {
		retain = 10 * time.Minute
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		active:   make(map[string]*Session),
		byAgent:  make(map[string]string),
		ended:    make(map[string]Session),
		presence: p.Presence,
		notifier: p.Notifier,
		aiID:     p.AIAgentID,
		idle:     p.IdleTimeout,
		retain:   retain,
		now:      now,
		onChange: p.OnChange,
		logger:   logger.With("component", "sessions"),
	}
}

// AIAgentID returns the id that addresses the AI responder.
func (m *Manager) AIAgentID() string {
	return m.aiID
}

// IsAI reports whether agentID addresses the AI responder.
func (m *Manager) IsAI(agentID string) bool {
	return m.aiID != "" && agentID == m.aiID
}

// Start creates an active session between initiator and target and sends
// session_started to both. The AI responder may hold any number of sessions;
// every other agent holds at most one.
func (m *Manager) Start(initiatorID, targetID string) (Session, error) {
	if initiatorID == targetID {
		return Session{}, fmt.Errorf("%w: cannot start a session with yourself", ErrTargetUnreachable)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, busy := m.byAgent[initiatorID]; busy {
		return Session{}, fmt.Errorf("%w: %s is in %s", ErrAgentBusy, initiatorID, id)
	}
	if !m.IsAI(targetID) {
		if id, busy := m.byAgent[targetID]; busy {
			return Session{}, fmt.Errorf("%w: %s is in %s", ErrAgentBusy, targetID, id)
		}
		if !m.presence.IsOnline(targetID) {
			return Session{}, fmt.Errorf("%w: %s", ErrTargetUnreachable, targetID)
		}
	}

	now := m.now()
	s := &Session{
		ID:           newSessionID(initiatorID, targetID, now),
		InitiatorID:  initiatorID,
		TargetID:     targetID,
		Status:       envelope.SessionStatusActive,
		StartedAt:    now,
		LastActivity: now,
	}
	m.active[s.ID] = s
	m.byAgent[initiatorID] = s.ID
	if !m.IsAI(targetID) {
		m.byAgent[targetID] = s.ID
	}

	m.notifyLocked(*s, envelope.New(envelope.SessionStarted{SessionInfo: s.Info()}))
	m.observe(*s)

	m.logger.Info("session started",
		"session_id", s.ID,
		"initiator_id", initiatorID,
		"target_id", targetID,
		"active", len(m.active),
	)
	return *s, nil
}

func newSessionID(initiatorID, targetID string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("session_%s_%s_%d_%s", initiatorID, targetID, at.Unix(), suffix)
}

// End ends a session and sends session_ended to both participants. Ending
// a session that has already ended is a no-op.
func (m *Manager) End(sessionID, reason string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.active[sessionID]; ok {
		return m.endLocked(s, reason), nil
	}
	if s, ok := m.ended[sessionID]; ok {
		return s, nil
	}
	return Session{}, ErrUnknownSession
}

// Leave ends sessionID on behalf of agentID, which must be a participant.
func (m *Manager) Leave(agentID, sessionID, reason string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.active[sessionID]; ok {
		if !s.Involves(agentID) {
			return Session{}, fmt.Errorf("%w: %s is not a participant of %s", ErrUnknownSession, agentID, sessionID)
		}
		return m.endLocked(s, reason), nil
	}
	if s, ok := m.ended[sessionID]; ok && s.Involves(agentID) {
		return s, nil
	}
	return Session{}, ErrUnknownSession
}

// EndFor ends every active session involving agentID.
func (m *Manager) EndFor(agentID, reason string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []*Session
	for _, s := range m.active {
		if s.Involves(agentID) {
			targets = append(targets, s)
		}
	}

	out := make([]Session, 0, len(targets))
	for _, s := range targets {
		out = append(out, m.endLocked(s, reason))
	}
	return out
}

// EndAll ends every active session.
func (m *Manager) EndAll(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.active {
		m.endLocked(s, reason)
		n++
	}
	return n
}

func (m *Manager) endLocked(s *Session, reason string) Session {
	now := m.now()
	s.Status = envelope.SessionStatusEnded
	s.EndedAt = now
	s.EndReason = reason

	delete(m.active, s.ID)
	for _, agentID := range []string{s.InitiatorID, s.TargetID} {
		if m.byAgent[agentID] == s.ID {
			delete(m.byAgent, agentID)
		}
	}
	m.ended[s.ID] = *s

	m.notifyLocked(*s, envelope.New(envelope.SessionEnded{SessionInfo: s.Info(), Reason: reason}))
	m.observe(*s)

	m.logger.Info("session ended",
		"session_id", s.ID,
		"reason", reason,
		"duration", now.Sub(s.StartedAt).Round(time.Millisecond),
		"active", len(m.active),
	)
	return *s
}

// notifyLocked sends env to both participants, skipping the AI responder.
func (m *Manager) notifyLocked(s Session, env envelope.Envelope) {
	if m.notifier == nil {
		return
	}
	for _, agentID := range []string{s.InitiatorID, s.TargetID} {
		if m.IsAI(agentID) {
			continue
		}
		if err := m.notifier.SendTo(agentID, env); err != nil {
			m.logger.Debug("session notification not delivered",
				"session_id", s.ID,
				"agent_id", agentID,
				"type", env.Type(),
				"error", err)
		}
	}
}

func (m *Manager) observe(s Session) {
	if m.onChange != nil {
		m.onChange(s)
	}
}

// ActiveFor returns the agent's active session, if any. The AI responder
// never has a single active session.
func (m *Manager) ActiveFor(agentID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byAgent[agentID]
	if !ok {
		return Session{}, false
	}
	return *m.active[id], true
}

// Get returns an active or recently ended session.
func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.active[sessionID]; ok {
		return *s, nil
	}
	if s, ok := m.ended[sessionID]; ok {
		return s, nil
	}
	return Session{}, ErrUnknownSession
}

// ListActive returns every active session ordered by start time.
func (m *Manager) ListActive() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ActiveCount returns the number of active sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Touch records activity on an active session.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.active[sessionID]; ok {
		s.LastActivity = m.now()
	}
}

// Sweep ends sessions idle for longer than the idle timeout and forgets
// ended sessions past retention. Returns the sessions it ended.
func (m *Manager) Sweep(now time.Time) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Session
	if m.idle > 0 {
		var idle []*Session
		for _, s := range m.active {
			if now.Sub(s.LastActivity) > m.idle {
				idle = append(idle, s)
			}
		}
		for _, s := range idle {
			out = append(out, m.endLocked(s, ReasonIdleTimeout))
		}
	}

	for id, s := range m.ended {
		if now.Sub(s.EndedAt) > m.retain {
			delete(m.ended, id)
		}
	}
	return out
}

// Run sweeps periodically until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := time.Minute
	if m.idle > 0 {
		interval = min(max(m.idle/4, time.Second), time.Minute)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ended := m.Sweep(m.now()); len(ended) > 0 {
				m.logger.Info("idle sessions ended", "count", len(ended))
			}
		}
	}
}
