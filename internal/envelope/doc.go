// Package envelope defines the messages exchanged between agents and the relay.
//
// # Wire format
//
// Every envelope is a single WebSocket text frame holding a JSON object:
//
//	{"type": "voice_message", "data": {"sender_id": "agent_001", ...}}
//
// The type tag selects exactly one payload struct. Decode rejects unknown
// tags, missing required fields, invalid statuses and undecodable audio with
// an error wrapping ErrMalformed, so nothing downstream ever sees a
// half-formed message.
//
// # Audio
//
// Audio fields are byte slices. encoding/json renders them as standard
// base64, which keeps binary payloads safe inside text frames.
//
// # Immutability
//
// Envelope holds its payload by value behind an unexported field. Once
// built it is shared between goroutines (fan-out hands the same value to
// every recipient queue); callers must not modify audio slices obtained
// from a payload.
package envelope
