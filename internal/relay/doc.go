// Package relay routes envelopes between connected agents and the AI responder.
//
// The Router implements agent.Handler. Each connection's read loop calls it
// once per inbound envelope, in arrival order:
//
//   - status_update: apply a client-settable status (online, recording, speaking)
//   - start_session / end_session: delegate to the session.Manager
//   - voice_message to a peer: forward to the receiver's connection
//   - voice_message to the AI: mark the sender thinking and run the turn
//     on its own goroutine, answering with ai_response or error
//
// Recoverable failures are reported to the offending agent as an error
// envelope whose code comes from ErrorCode. The connection stays open.
//
// The Endpoint upgrades GET /ws/{agentID} to a WebSocket, binds the
// Connection in the registry and serves it until the stream ends, then calls
// Router.Disconnect.
package relay
