// ABOUTME: Maps internal sentinel errors onto the error codes carried in error envelopes.
// ABOUTME: Anything unrecognised is reported to agents as internal_error.

package relay

import (
	"errors"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/envelope"
	"github.com/2389/a2a-relay/internal/responder"
	"github.com/2389/a2a-relay/internal/session"
)

// Wire error codes.
const (
	CodeUnknownAgent        = "unknown_agent"
	CodeDuplicateAgent      = "duplicate_agent"
	CodeAgentBusy           = "agent_busy"
	CodeTargetUnreachable   = "target_unreachable"
	CodeUnknownSession      = "unknown_session"
	CodeMalformedEnvelope   = "malformed_envelope"
	CodeTranscriptionFailed = "transcription_failed"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeQueueOverflow       = "queue_overflow"
	CodeInternal            = "internal_error"
)

var codes = []struct {
	err  error
	code string
}{
	{agent.ErrUnknownAgent, CodeUnknownAgent},
	{agent.ErrDuplicateAgent, CodeDuplicateAgent},
	{agent.ErrInvalidAgentID, CodeMalformedEnvelope},
	{agent.ErrAgentThinking, CodeAgentBusy},
	{session.ErrAgentBusy, CodeAgentBusy},
	{session.ErrTargetUnreachable, CodeTargetUnreachable},
	{agent.ErrAgentOffline, CodeTargetUnreachable},
	{agent.ErrConnectionClosed, CodeTargetUnreachable},
	{session.ErrUnknownSession, CodeUnknownSession},
	{envelope.ErrMalformed, CodeMalformedEnvelope},
	{responder.ErrTranscriptionFailed, CodeTranscriptionFailed},
	{responder.ErrUpstreamTimeout, CodeUpstreamTimeout},
	{responder.ErrUpstreamUnavailable, CodeUpstreamUnavailable},
	{agent.ErrQueueOverflow, CodeQueueOverflow},
}

// ErrorCode returns the wire code for err.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
