// ABOUTME: Tests for the sentinel error to wire code mapping.
// ABOUTME: Covers every code plus wrapped and unknown errors.

package relay

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/envelope"
	"github.com/2389/a2a-relay/internal/responder"
	"github.com/2389/a2a-relay/internal/session"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unknown agent", agent.ErrUnknownAgent, CodeUnknownAgent},
		{"duplicate agent", agent.ErrDuplicateAgent, CodeDuplicateAgent},
		{"busy", session.ErrAgentBusy, CodeAgentBusy},
		{"thinking", agent.ErrAgentThinking, CodeAgentBusy},
		{"unreachable", session.ErrTargetUnreachable, CodeTargetUnreachable},
		{"unknown session", session.ErrUnknownSession, CodeUnknownSession},
		{"malformed", envelope.ErrMalformed, CodeMalformedEnvelope},
		{"transcription", responder.ErrTranscriptionFailed, CodeTranscriptionFailed},
		{"timeout", responder.ErrUpstreamTimeout, CodeUpstreamTimeout},
		{"unavailable", responder.ErrUpstreamUnavailable, CodeUpstreamUnavailable},
		{"overflow", agent.ErrQueueOverflow, CodeQueueOverflow},
		{"wrapped", fmt.Errorf("routing: %w", fmt.Errorf("%w: bob", session.ErrAgentBusy)), CodeAgentBusy},
		{"unknown", errors.New("disk on fire"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}
