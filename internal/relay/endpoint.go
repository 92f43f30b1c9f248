// ABOUTME: WebSocket endpoint that upgrades agent requests and serves one Connection per agent.
// ABOUTME: Enforces the duplicate policy before upgrading and runs disconnect cleanup afterwards.

package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/metrics"
)

// EndpointParams configures an Endpoint.
type EndpointParams struct {
	Registry *agent.Registry
	Router   *Router

	// AllowedOrigins restricts browser origins. Empty or "*" allows any.
	AllowedOrigins []string

	QueueDepth     int
	Overflow       agent.OverflowPolicy
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64

	// BaseContext bounds every served connection. Cancelling it closes
	// them all with 1001 going away.
	BaseContext context.Context
	Logger      *slog.Logger
}

// Endpoint is the http.Handler for GET /ws/{agentID}.
type Endpoint struct {
	p        EndpointParams
	upgrader websocket.Upgrader
	base     context.Context
	logger   *slog.Logger
	conns    sync.WaitGroup
}

// NewEndpoint creates an Endpoint.
func NewEndpoint(p EndpointParams) *Endpoint {
	base := p.BaseContext
	if base == nil {
		base = context.Background()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{
		p:        p,
		upgrader: makeUpgrader(p.AllowedOrigins),
		base:     base,
		logger:   logger.With("component", "endpoint"),
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP reads the agent id from the chi route.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.ServeAgent(w, r, chi.URLParam(r, "agentID"))
}

// ServeAgent upgrades r and serves the agent's connection until it ends.
func (e *Endpoint) ServeAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	if e.base.Err() != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if err := e.p.Registry.ValidateID(agentID); err != nil {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if e.p.Registry.Policy() == agent.PolicyReject && e.p.Registry.IsOnline(agentID) {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, agent.ErrDuplicateAgent.Error(), http.StatusConflict)
		return
	}

	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		e.logger.Warn("websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	e.conns.Add(1)
	defer e.conns.Done()

	c := agent.NewConnection(agent.ConnectionParams{
		AgentID:        agentID,
		Name:           r.URL.Query().Get("name"),
		Stream:         ws,
		QueueDepth:     e.p.QueueDepth,
		Overflow:       e.p.Overflow,
		WriteTimeout:   e.p.WriteTimeout,
		PingInterval:   e.p.PingInterval,
		PongWait:       e.p.PongWait,
		MaxMessageSize: e.p.MaxMessageSize,
		Logger:         e.logger,
	})

	superseded, err := e.p.Registry.Connect(c)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		e.logger.Info("refusing connection", "agent_id", agentID, "error", err)
		c.Close(websocket.ClosePolicyViolation, ErrorCode(err))
		return
	}
	if superseded != nil {
		metrics.ConnectionsTotal.WithLabelValues("superseded").Inc()
		superseded.Close(agent.CloseSuperseded, "superseded")
	} else {
		metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	}

	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	if err := c.Serve(e.base, e.p.Router); err != nil {
		e.logger.Info("connection ended with error", "agent_id", agentID, "conn_id", c.ID, "error", err)
	}
	e.p.Router.Disconnect(c)

	if n := c.Dropped(); n > 0 {
		e.logger.Warn("connection dropped outbound envelopes", "agent_id", agentID, "conn_id", c.ID, "dropped", n)
	}
}

// Wait blocks until every served connection has finished its cleanup.
func (e *Endpoint) Wait() {
	e.conns.Wait()
}
