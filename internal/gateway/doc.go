// Package gateway orchestrates the a2a-relay server components.
//
// # Overview
//
// The gateway package owns every long-lived component of the relay: the
// SQLite store, the journal that feeds it, the optional Redis mirror, the
// presence registry, the session manager and its idle sweeper, the message
// router and the WebSocket endpoint. It also owns the listeners.
//
// # Startup
//
// New opens the store and reconciles what a previous process left behind:
// agents are marked offline and open sessions end with reason "restart".
// Known agents are then restored into the registry as offline records so the
// HTTP API can still describe them.
//
// # HTTP API
//
// Routes are served by chi (api.go):
//
//   - GET /health - Liveness check
//   - GET /health/ready - Store reachable and not draining
//   - GET /api/agents - Online agents sorted by id (?all=true includes offline)
//   - POST /api/agents - Register an agent ({agent_id, name})
//   - GET /api/agents/{agentID} - One agent in any status
//   - GET /api/agents/{agentID}/sessions - Session history from the store
//   - GET /api/agents/{agentID}/exchanges - AI turn history from the store
//   - GET /api/stats - Online agents, known agents, active sessions
//   - GET /api/sessions - Active sessions
//   - GET /api/sessions/{sessionID} - One session, live or historical
//   - DELETE /api/sessions/{sessionID} - End a session with reason "admin"
//   - GET /ws/{agentID}?name=... - Agent WebSocket stream
//   - GET /metrics - Prometheus metrics when enabled
//
// Errors are JSON objects carrying the same code an agent would see in an
// error envelope:
//
//	{"code": "unknown_session", "error": "unknown session"}
//
// # gRPC
//
// When server.grpc_addr is set (or Tailscale is enabled, on :50051) the
// standard grpc.health.v1 service is served. It reports SERVING while the
// relay runs and NOT_SERVING from the moment shutdown begins.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens there instead of on server.http_addr. tailscale.https serves TLS
// with tailnet certificates on :443; tailscale.funnel exposes it publicly.
//
// # Shutdown
//
// Shutdown runs once, in order:
//
//  1. Health goes NOT_SERVING and readiness starts failing
//  2. The HTTP server stops accepting
//  3. Every agent connection is closed with 1001 and cleaned up
//  4. In-flight AI turns finish or are discarded
//  5. The sweeper stops and any remaining sessions end with "shutdown"
//  6. The journal is flushed, then the store and Redis client are closed
package gateway
