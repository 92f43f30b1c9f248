// ABOUTME: Envelope tagged union exchanged over agent streaming connections
// ABOUTME: One payload struct per envelope type, each validating its own required fields

package envelope

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned for frames that cannot be turned into a valid Envelope.
var ErrMalformed = errors.New("malformed envelope")

// Type is the envelope type tag carried on the wire.
type Type string

const (
	TypeStatusUpdate   Type = "status_update"
	TypeStartSession   Type = "start_session"
	TypeEndSession     Type = "end_session"
	TypeSessionStarted Type = "session_started"
	TypeSessionEnded   Type = "session_ended"
	TypeVoiceMessage   Type = "voice_message"
	TypeAIResponse     Type = "ai_response"
	TypeError          Type = "error"
)

// Status is an agent's presence status.
type Status string

const (
	StatusOffline   Status = "offline"
	StatusOnline    Status = "online"
	StatusRecording Status = "recording"
	StatusThinking  Status = "thinking"
	StatusSpeaking  Status = "speaking"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOffline, StatusOnline, StatusRecording, StatusThinking, StatusSpeaking:
		return true
	}
	return false
}

// ClientSettable reports whether an agent may request s for itself.
// thinking and offline are owned by the relay.
func (s Status) ClientSettable() bool {
	return s == StatusOnline || s == StatusRecording || s == StatusSpeaking
}

// Session statuses as carried in session_started / session_ended.
const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// Payload is implemented by every envelope variant.
type Payload interface {
	Type() Type
	validate() error
}

// Sender is implemented by variants that an agent sends on its own behalf.
type Sender interface {
	Sender() string
}

// Envelope is an immutable, typed message. The zero value is not valid;
// build one with New or Decode.
type Envelope struct {
	payload Payload
}

// New wraps a payload into an Envelope.
func New(p Payload) Envelope {
	return Envelope{payload: p}
}

// Type returns the envelope's type tag.
func (e Envelope) Type() Type {
	if e.payload == nil {
		return ""
	}
	return e.payload.Type()
}

// Payload returns the variant carried by the envelope.
func (e Envelope) Payload() Payload {
	return e.payload
}

// SenderID returns the originating agent for client-sent variants, or "".
func (e Envelope) SenderID() string {
	if s, ok := e.payload.(Sender); ok {
		return s.Sender()
	}
	return ""
}

// StatusUpdate announces (or requests) a presence status change.
type StatusUpdate struct {
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name,omitempty"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func (StatusUpdate) Type() Type       { return TypeStatusUpdate }
func (p StatusUpdate) Sender() string { return p.AgentID }

func (p StatusUpdate) validate() error {
	if p.AgentID == "" {
		return missing("agent_id")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrMalformed, p.Status)
	}
	return nil
}

// StartSession asks the relay to pair the sender with TargetID.
type StartSession struct {
	SenderID string `json:"sender_id"`
	TargetID string `json:"target_id"`
}

func (StartSession) Type() Type       { return TypeStartSession }
func (p StartSession) Sender() string { return p.SenderID }

func (p StartSession) validate() error {
	if p.SenderID == "" {
		return missing("sender_id")
	}
	if p.TargetID == "" {
		return missing("target_id")
	}
	if p.SenderID == p.TargetID {
		return fmt.Errorf("%w: cannot start a session with yourself", ErrMalformed)
	}
	return nil
}

// EndSession asks the relay to end one of the sender's sessions.
type EndSession struct {
	SenderID  string `json:"sender_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

func (EndSession) Type() Type       { return TypeEndSession }
func (p EndSession) Sender() string { return p.SenderID }

func (p EndSession) validate() error {
	if p.SenderID == "" {
		return missing("sender_id")
	}
	if p.SessionID == "" {
		return missing("session_id")
	}
	return nil
}

// SessionInfo is the session description shared by session lifecycle events.
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	InitiatorID string    `json:"initiator_id"`
	TargetID    string    `json:"target_id"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
}

func (s SessionInfo) validate() error {
	switch {
	case s.SessionID == "":
		return missing("session_id")
	case s.InitiatorID == "":
		return missing("initiator_id")
	case s.TargetID == "":
		return missing("target_id")
	}
	return nil
}

// SessionStarted is sent to both participants when a session begins.
type SessionStarted struct {
	SessionInfo
}

func (SessionStarted) Type() Type { return TypeSessionStarted }

// SessionEnded is sent to both participants when a session ends.
type SessionEnded struct {
	SessionInfo
	Reason string `json:"reason"`
}

func (SessionEnded) Type() Type { return TypeSessionEnded }

// VoiceMessage carries one recorded audio clip. Audio travels as base64.
type VoiceMessage struct {
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	SessionID  string    `json:"session_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Audio      []byte    `json:"audio_base64"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

func (VoiceMessage) Type() Type       { return TypeVoiceMessage }
func (p VoiceMessage) Sender() string { return p.SenderID }

func (p VoiceMessage) validate() error {
	switch {
	case p.SenderID == "":
		return missing("sender_id")
	case p.ReceiverID == "":
		return missing("receiver_id")
	case len(p.Audio) == 0:
		return missing("audio_base64")
	}
	return nil
}

// AIResponse is the AI responder's answer to a voice message.
type AIResponse struct {
	OriginalSenderID string    `json:"original_sender_id"`
	SessionID        string    `json:"session_id,omitempty"`
	MessageID        string    `json:"message_id,omitempty"`
	TranscribedText  string    `json:"transcribed_text"`
	ReplyText        string    `json:"ai_response_text"`
	ReplyAudio       []byte    `json:"ai_response_audio,omitempty"`
	Timestamp        time.Time `json:"timestamp,omitzero"`
}

func (AIResponse) Type() Type { return TypeAIResponse }

func (p AIResponse) validate() error {
	if p.OriginalSenderID == "" {
		return missing("original_sender_id")
	}
	return nil
}

// Error reports a recoverable failure to the agent that caused it.
type Error struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func (Error) Type() Type { return TypeError }

func (p Error) validate() error {
	if p.Code == "" {
		return missing("code")
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformed, field)
}
