// Package session pairs agents for voice exchange.
//
// A session is active from Start until End, Leave, EndFor or an idle sweep
// ends it. A human agent holds at most one active session at a time. The AI
// responder, addressed by a configured agent id, is always reachable and may
// be a participant in any number of sessions.
//
// Both participants receive session_started and session_ended through the
// Notifier. Ending a session that already ended does not notify again.
// Ended sessions are kept for a retention window so late end requests and
// lookups resolve instead of failing.
package session
