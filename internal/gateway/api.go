// ABOUTME: HTTP API handlers for presence, sessions and AI exchange history.
// ABOUTME: Routes are mounted on chi alongside health, metrics and the WebSocket endpoint.

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/metrics"
	"github.com/2389/a2a-relay/internal/relay"
	"github.com/2389/a2a-relay/internal/session"
	"github.com/2389/a2a-relay/internal/store"
)

// RegisterAgentRequest is the JSON request body for POST /api/agents.
type RegisterAgentRequest struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// AgentListResponse is the JSON response for GET /api/agents.
type AgentListResponse struct {
	Agents []agent.Agent `json:"agents"`
}

// SessionListResponse is the JSON response for session listings.
type SessionListResponse struct {
	Sessions []session.Session `json:"sessions"`
}

// ExchangeResponse is one AI turn in GET /api/agents/{agentID}/exchanges.
type ExchangeResponse struct {
	ID              string `json:"id"`
	SessionID       string `json:"session_id,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
	TranscribedText string `json:"transcribed_text,omitempty"`
	ReplyText       string `json:"reply_text,omitempty"`
	ReplyAudioBytes int    `json:"reply_audio_bytes"`
	Outcome         string `json:"outcome"`
	ErrorCode       string `json:"error_code,omitempty"`
	LatencyMS       int64  `json:"latency_ms"`
	CreatedAt       string `json:"created_at"`
}

// ExchangeListResponse is the JSON response for GET /api/agents/{agentID}/exchanges.
type ExchangeListResponse struct {
	AgentID   string             `json:"agent_id"`
	Exchanges []ExchangeResponse `json:"exchanges"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	AgentsOnline     int `json:"agents_online"`
	AgentsKnown      int `json:"agents_known"`
	SessionsActive   int `json:"sessions_active"`
	FanoutRecipients int `json:"fanout_recipients"`
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// routes builds the chi router for every HTTP surface.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(g.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Get("/agents", g.handleListAgents)
		r.Post("/agents", g.handleRegisterAgent)
		r.Get("/agents/{agentID}", g.handleGetAgent)
		r.Get("/agents/{agentID}/sessions", g.handleAgentSessions)
		r.Get("/agents/{agentID}/exchanges", g.handleAgentExchanges)

		r.Get("/stats", g.handleStats)

		r.Get("/sessions", g.handleListSessions)
		r.Get("/sessions/{sessionID}", g.handleGetSession)
		r.Delete("/sessions/{sessionID}", g.handleEndSession)
	})

	r.Get("/ws/{agentID}", g.endpoint.ServeHTTP)

	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.Handler())
	}
	return r
}

// requestLogger logs each request at debug level with its chi request id.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug("request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"latency", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the store is reachable and the relay is not draining.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleListAgents handles GET /api/agents. It returns the online agents
// sorted by id, or every known agent with ?all=true.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := g.registry.ListOnline()
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		agents = g.registry.ListAll()
	}
	g.sendJSON(w, http.StatusOK, AgentListResponse{Agents: agents})
}

// handleStats handles GET /api/stats with live relay counters.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, StatsResponse{
		AgentsOnline:     len(g.registry.Connections()),
		AgentsKnown:      len(g.registry.ListAll()),
		SessionsActive:   g.sessions.ActiveCount(),
		FanoutRecipients: g.fanout.Recipients(),
	})
}

// handleRegisterAgent handles POST /api/agents.
func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, relay.CodeMalformedEnvelope, "invalid JSON body")
		return
	}

	a, created, err := g.registry.Register(req.AgentID, req.Name)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.sendJSON(w, status, a)
}

// handleGetAgent handles GET /api/agents/{agentID}, returning the record in any status.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := g.registry.Get(chi.URLParam(r, "agentID"))
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, a)
}

// handleAgentSessions handles GET /api/agents/{agentID}/sessions from the session history.
func (g *Gateway) handleAgentSessions(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, relay.CodeMalformedEnvelope, err.Error())
		return
	}

	recs, err := g.store.ListSessions(r.Context(), store.SessionFilter{
		AgentID: agentID,
		Status:  r.URL.Query().Get("status"),
		Limit:   limit,
	})
	if err != nil {
		g.logger.Error("listing sessions", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, relay.CodeInternal, "failed to list sessions")
		return
	}

	out := make([]session.Session, 0, len(recs))
	for _, rec := range recs {
		out = append(out, sessionFromRecord(rec))
	}
	g.sendJSON(w, http.StatusOK, SessionListResponse{Sessions: out})
}

// handleAgentExchanges handles GET /api/agents/{agentID}/exchanges, newest first.
func (g *Gateway) handleAgentExchanges(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, relay.CodeMalformedEnvelope, err.Error())
		return
	}

	exchanges, err := g.store.ListExchanges(r.Context(), agentID, limit)
	if err != nil {
		g.logger.Error("listing exchanges", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, relay.CodeInternal, "failed to list exchanges")
		return
	}

	resp := ExchangeListResponse{AgentID: agentID, Exchanges: make([]ExchangeResponse, 0, len(exchanges))}
	for _, e := range exchanges {
		resp.Exchanges = append(resp.Exchanges, ExchangeResponse{
			ID:              e.ID,
			SessionID:       e.SessionID,
			MessageID:       e.MessageID,
			TranscribedText: e.TranscribedText,
			ReplyText:       e.ReplyText,
			ReplyAudioBytes: e.ReplyAudioBytes,
			Outcome:         e.Outcome,
			ErrorCode:       e.ErrorCode,
			LatencyMS:       e.LatencyMS,
			CreatedAt:       e.CreatedAt.Format(time.RFC3339),
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleListSessions handles GET /api/sessions, the live active sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, SessionListResponse{Sessions: g.sessions.ListActive()})
}

// handleGetSession handles GET /api/sessions/{sessionID}. Sessions that have
// aged out of memory are read from the store.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	s, err := g.sessions.Get(sessionID)
	if err == nil {
		g.sendJSON(w, http.StatusOK, s)
		return
	}

	rec, err := g.store.GetSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendAPIError(w, session.ErrUnknownSession)
		return
	}
	if err != nil {
		g.logger.Error("loading session", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, relay.CodeInternal, "failed to load session")
		return
	}
	g.sendJSON(w, http.StatusOK, sessionFromRecord(rec))
}

// handleEndSession handles DELETE /api/sessions/{sessionID}. Ending an
// already ended session succeeds.
func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if _, err := g.sessions.End(chi.URLParam(r, "sessionID"), session.ReasonAdmin); err != nil {
		g.sendAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sessionFromRecord(rec *store.SessionRecord) session.Session {
	s := session.Session{
		ID:           rec.ID,
		InitiatorID:  rec.InitiatorID,
		TargetID:     rec.TargetID,
		Status:       rec.Status,
		StartedAt:    rec.StartedAt,
		EndReason:    rec.EndReason,
		LastActivity: rec.StartedAt,
	}
	if rec.EndedAt != nil {
		s.EndedAt = *rec.EndedAt
		s.LastActivity = *rec.EndedAt
	}
	return s
}

// parseLimit reads ?limit=, defaulting and capping it.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxHistoryLimit), nil
}

// httpStatus maps relay errors onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrUnknownAgent), errors.Is(err, session.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrDuplicateAgent), errors.Is(err, session.ErrAgentBusy):
		return http.StatusConflict
	case errors.Is(err, agent.ErrInvalidAgentID):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrTargetUnreachable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendAPIError writes err with the wire code and HTTP status it maps to.
func (g *Gateway) sendAPIError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	code := relay.ErrorCode(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("api request failed", "error", err)
		message = "internal error"
	}
	g.sendJSONError(w, status, code, message)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	g.sendJSON(w, status, map[string]string{"code": code, "error": message})
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}
