// ABOUTME: Presence registry for agents: who is registered, who is connected, and their status.
// ABOUTME: Every status change is announced to the other connected agents via the fan-out.

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/a2a-relay/internal/broadcast"
	"github.com/2389/a2a-relay/internal/envelope"
)

var (
	// ErrUnknownAgent indicates the agent id has never been registered.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrDuplicateAgent indicates the agent is already connected and the
	// registry is configured to reject a second connection.
	ErrDuplicateAgent = errors.New("agent already connected")

	// ErrAgentOffline indicates a status change was requested for an agent
	// with no live connection.
	ErrAgentOffline = errors.New("agent is offline")

	// ErrStaleConnection indicates the connection has been superseded or detached.
	ErrStaleConnection = errors.New("connection is no longer bound to its agent")

	// ErrAgentThinking indicates an AI turn is already in flight for the agent.
	ErrAgentThinking = errors.New("agent is waiting for an AI response")

	// ErrInvalidAgentID indicates an empty or reserved agent id.
	ErrInvalidAgentID = errors.New("invalid agent id")
)

// DuplicatePolicy decides what happens when an agent connects while already online.
type DuplicatePolicy string

const (
	PolicySupersede DuplicatePolicy = "supersede"
	PolicyReject    DuplicatePolicy = "reject"
)

// Agent is a snapshot of one agent's presence record.
type Agent struct {
	ID           string          `json:"agent_id"`
	Name         string          `json:"name"`
	Status       envelope.Status `json:"status"`
	LastSeen     time.Time       `json:"last_seen"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// Online reports whether the agent has a live connection.
func (a Agent) Online() bool {
	return a.Status != envelope.StatusOffline && a.Status != ""
}

// Fanout is the delivery side of the registry. *broadcast.Broadcaster implements it.
type Fanout interface {
	Attach(agentID string, sink broadcast.Sink)
	Detach(agentID string, sink broadcast.Sink) bool
	Broadcast(env envelope.Envelope, exclude string) int
}

// RegistryParams configures a Registry.
type RegistryParams struct {
	Fanout   Fanout
	Policy   DuplicatePolicy
	Reserved []string
	Now      func() time.Time
	Logger   *slog.Logger
	// OnChange observes every record change. It is called with the registry
	// lock held and must not block or call back into the registry.
	OnChange func(Agent)
}

type entry struct {
	agent Agent
	conn  *Connection
}

// Registry tracks every known agent and the connection currently bound to it.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*entry
	fanout   Fanout
	policy   DuplicatePolicy
	reserved map[string]bool
	now      func() time.Time
	onChange func(Agent)
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(p RegistryParams) *Registry {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	policy := p.Policy
	if policy == "" {
		policy = PolicySupersede
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reserved := make(map[string]bool, len(p.Reserved))
	for _, id := range p.Reserved {
		reserved[id] = true
	}

	return &Registry{
		agents:   make(map[string]*entry),
		fanout:   p.Fanout,
		policy:   policy,
		reserved: reserved,
		now:      now,
		onChange: p.OnChange,
		logger:   logger.With("component", "registry"),
	}
}

// Policy returns the configured duplicate-connection policy.
func (r *Registry) Policy() DuplicatePolicy {
	return r.policy
}

// ValidateID reports whether agentID may be registered.
func (r *Registry) ValidateID(agentID string) error {
	return r.checkID(agentID)
}

func (r *Registry) checkID(agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidAgentID)
	}
	if r.reserved[agentID] {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidAgentID, agentID)
	}
	return nil
}

// Register creates the agent record if absent, or refreshes its name.
// created reports whether a new record was made. Under the reject policy an
// already-online agent yields ErrDuplicateAgent.
func (r *Registry) Register(agentID, name string) (a Agent, created bool, err error) {
	if err := r.checkID(agentID); err != nil {
		return Agent{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[agentID]; ok {
		if e.conn != nil && r.policy == PolicyReject {
			return Agent{}, false, ErrDuplicateAgent
		}
		if name != "" && name != e.agent.Name {
			e.agent.Name = name
			r.notify(e.agent)
		}
		return e.agent, false, nil
	}

	e := r.newEntryLocked(agentID, name)
	r.notify(e.agent)
	r.logger.Info("agent registered", "agent_id", agentID, "name", e.agent.Name)
	return e.agent, true, nil
}

func (r *Registry) newEntryLocked(agentID, name string) *entry {
	if name == "" {
		name = agentID
	}
	now := r.now()
	e := &entry{agent: Agent{
		ID:           agentID,
		Name:         name,
		Status:       envelope.StatusOffline,
		LastSeen:     now,
		RegisteredAt: now,
	}}
	r.agents[agentID] = e
	return e
}

// Restore loads persisted records as offline agents. Records for ids the
// registry already knows are ignored.
func (r *Registry) Restore(agents []Agent) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, a := range agents {
		if a.ID == "" || r.reserved[a.ID] {
			continue
		}
		if _, ok := r.agents[a.ID]; ok {
			continue
		}
		a.Status = envelope.StatusOffline
		r.agents[a.ID] = &entry{agent: a}
		n++
	}
	return n
}

// Connect binds c to its agent, auto-registering unknown agents, marks the
// agent online and announces it. When another connection was bound it is
// returned so the caller can close it; it has already been detached.
func (r *Registry) Connect(c *Connection) (superseded *Connection, err error) {
	if err := r.checkID(c.AgentID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[c.AgentID]
	if !ok {
		e = r.newEntryLocked(c.AgentID, c.Name)
	} else if c.Name != "" {
		e.agent.Name = c.Name
	}

	if e.conn != nil {
		if r.policy == PolicyReject {
			return nil, ErrDuplicateAgent
		}
		superseded = e.conn
		r.fanout.Detach(c.AgentID, superseded)
	}

	e.conn = c
	r.fanout.Attach(c.AgentID, c)

	if !r.transitionLocked(e, envelope.StatusOnline) {
		r.notify(e.agent)
	}

	if superseded != nil {
		r.logger.Info("=== AGENT RECONNECTED ===",
			"agent_id", c.AgentID,
			"conn_id", c.ID,
			"superseded_conn_id", superseded.ID,
		)
	} else {
		r.logger.Info("=== AGENT CONNECTED ===",
			"agent_id", c.AgentID,
			"name", e.agent.Name,
			"conn_id", c.ID,
			"online", r.onlineLocked(),
		)
	}
	return superseded, nil
}

// Disconnect unbinds c and marks its agent offline, but only if c is still
// the agent's current connection. Returns false for superseded connections.
func (r *Registry) Disconnect(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[c.AgentID]
	if !ok || e.conn != c {
		return false
	}

	r.detachLocked(e)
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", c.AgentID,
		"conn_id", c.ID,
		"online", r.onlineLocked(),
	)
	return true
}

// MarkOffline unbinds whatever connection the agent has and marks it
// offline. It is idempotent and returns whether anything changed.
func (r *Registry) MarkOffline(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok || (e.conn == nil && e.agent.Status == envelope.StatusOffline) {
		return false
	}
	r.detachLocked(e)
	return true
}

func (r *Registry) detachLocked(e *entry) {
	if e.conn != nil {
		r.fanout.Detach(e.agent.ID, e.conn)
		e.conn = nil
	}
	r.transitionLocked(e, envelope.StatusOffline)
}

// SetStatus changes an online agent's status and announces the change.
// Setting the current status again only refreshes last-seen.
func (r *Registry) SetStatus(agentID string, status envelope.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", envelope.ErrMalformed, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if status == envelope.StatusOffline {
		r.detachLocked(e)
		return nil
	}
	if e.conn == nil {
		return ErrAgentOffline
	}
	r.transitionLocked(e, status)
	return nil
}

// SetStatusVia changes the status on behalf of connection c. It fails with
// ErrStaleConnection once c is no longer the agent's current connection, so
// late results for a superseded connection cannot clobber the new one.
func (r *Registry) SetStatusVia(c *Connection, status envelope.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.currentLocked(c)
	if err != nil {
		return err
	}
	r.transitionLocked(e, status)
	return nil
}

// RequestStatus applies a status the agent asked for itself. While an AI
// turn is in flight the agent stays thinking and the request fails with
// ErrAgentThinking.
func (r *Registry) RequestStatus(c *Connection, status envelope.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.currentLocked(c)
	if err != nil {
		return err
	}
	if e.agent.Status == envelope.StatusThinking && status != envelope.StatusThinking {
		return ErrAgentThinking
	}
	r.transitionLocked(e, status)
	return nil
}

// BeginThinking moves c's agent to thinking unless an AI turn is already in flight.
func (r *Registry) BeginThinking(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.currentLocked(c)
	if err != nil {
		return err
	}
	if e.agent.Status == envelope.StatusThinking {
		return ErrAgentThinking
	}
	r.transitionLocked(e, envelope.StatusThinking)
	return nil
}

func (r *Registry) currentLocked(c *Connection) (*entry, error) {
	e, ok := r.agents[c.AgentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	if e.conn != c {
		return nil, ErrStaleConnection
	}
	return e, nil
}

// transitionLocked applies a status change, refreshes last-seen, and
// announces it to everyone but the agent itself. Returns false when the
// status was already current.
func (r *Registry) transitionLocked(e *entry, status envelope.Status) bool {
	now := r.now()
	e.agent.LastSeen = now
	if e.agent.Status == status {
		return false
	}

	e.agent.Status = status
	r.fanout.Broadcast(envelope.New(envelope.StatusUpdate{
		AgentID:   e.agent.ID,
		Name:      e.agent.Name,
		Status:    status,
		Timestamp: now,
	}), e.agent.ID)
	r.notify(e.agent)

	r.logger.Debug("status changed", "agent_id", e.agent.ID, "status", status)
	return true
}

func (r *Registry) notify(a Agent) {
	if r.onChange != nil {
		r.onChange(a)
	}
}

// Get returns the agent record regardless of status.
func (r *Registry) Get(agentID string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return Agent{}, ErrUnknownAgent
	}
	return e.agent, nil
}

// IsOnline reports whether the agent has a live connection.
func (r *Registry) IsOnline(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	return ok && e.conn != nil
}

// Connection returns the agent's current connection, or nil.
func (r *Registry) Connection(agentID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.agents[agentID]; ok {
		return e.conn
	}
	return nil
}

// ListOnline returns a snapshot of every online agent, sorted by id.
func (r *Registry) ListOnline() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, e := range r.agents {
		if e.conn != nil {
			out = append(out, e.agent)
		}
	}
	sortAgents(out)
	return out
}

// ListAll returns a snapshot of every known agent, sorted by id.
func (r *Registry) ListAll() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.agent)
	}
	sortAgents(out)
	return out
}

// Connections returns every live connection. Used to drain on shutdown.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.agents))
	for _, e := range r.agents {
		if e.conn != nil {
			out = append(out, e.conn)
		}
	}
	return out
}

func (r *Registry) onlineLocked() int {
	n := 0
	for _, e := range r.agents {
		if e.conn != nil {
			n++
		}
	}
	return n
}

func sortAgents(agents []Agent) {
	slices.SortFunc(agents, func(a, b Agent) int {
		return strings.Compare(a.ID, b.ID)
	})
}
