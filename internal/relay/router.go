// ABOUTME: Message router: applies inbound envelopes to presence, sessions and the AI responder.
// ABOUTME: Forwards voice between agents and runs AI turns off the connection's read loop.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/dedupe"
	"github.com/2389/a2a-relay/internal/envelope"
	"github.com/2389/a2a-relay/internal/metrics"
	"github.com/2389/a2a-relay/internal/responder"
	"github.com/2389/a2a-relay/internal/session"
	"github.com/2389/a2a-relay/internal/store"
)

// Config holds routing behaviour switches.
type Config struct {
	// MinAudioBytes rejects voice messages with shorter audio payloads.
	MinAudioBytes int
	// EndAISessionAfterTurn ends the session that carried an AI turn once
	// the turn has been answered.
	EndAISessionAfterTurn bool
	// AudioFormat is passed to the responder as the clip's container.
	AudioFormat string
}

// ExchangeRecorder receives one record per completed AI turn.
// *journal.Journal implements it.
type ExchangeRecorder interface {
	Exchange(store.Exchange)
}

// RouterParams configures a Router.
type RouterParams struct {
	Config    Config
	Registry  *agent.Registry
	Sessions  *session.Manager
	Responder responder.Responder
	// Dedupe drops retransmitted voice messages. Nil disables it.
	Dedupe *dedupe.Window
	// Exchanges is optional.
	Exchanges ExchangeRecorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Router implements agent.Handler for every connection.
type Router struct {
	cfg       Config
	registry  *agent.Registry
	sessions  *session.Manager
	responder responder.Responder
	dedupe    *dedupe.Window
	exchanges ExchangeRecorder
	now       func() time.Time
	logger    *slog.Logger

	turns sync.WaitGroup
}

// NewRouter creates a Router.
func NewRouter(p RouterParams) *Router {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resp := p.Responder
	if resp == nil {
		resp = responder.Disabled{}
	}
	return &Router{
		cfg:       p.Config,
		registry:  p.Registry,
		sessions:  p.Sessions,
		responder: resp,
		dedupe:    p.Dedupe,
		exchanges: p.Exchanges,
		now:       now,
		logger:    logger.With("component", "router"),
	}
}

// HandleEnvelope routes one inbound envelope from c.
func (r *Router) HandleEnvelope(ctx context.Context, c *agent.Connection, env envelope.Envelope) {
	metrics.EnvelopesReceived.WithLabelValues(string(env.Type())).Inc()

	switch p := env.Payload().(type) {
	case envelope.StatusUpdate:
		r.handleStatus(c, p)
	case envelope.StartSession:
		r.handleStartSession(c, p)
	case envelope.EndSession:
		r.handleEndSession(c, p)
	case envelope.VoiceMessage:
		r.handleVoice(c, p)
	default:
		r.sendError(c, fmt.Errorf("%w: %s is not accepted from agents", envelope.ErrMalformed, env.Type()), "", "")
	}
}

// HandleInvalid reports an undecodable frame back to its sender.
func (r *Router) HandleInvalid(ctx context.Context, c *agent.Connection, err error) {
	metrics.EnvelopesReceived.WithLabelValues("invalid").Inc()
	if !errors.Is(err, envelope.ErrMalformed) {
		err = fmt.Errorf("%w: %v", envelope.ErrMalformed, err)
	}
	r.sendError(c, err, "", "")
}

func (r *Router) handleStatus(c *agent.Connection, p envelope.StatusUpdate) {
	if !p.Status.ClientSettable() {
		r.sendError(c, fmt.Errorf("%w: status %q is managed by the relay", envelope.ErrMalformed, p.Status), "", "")
		return
	}

	err := r.registry.RequestStatus(c, p.Status)
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrStaleConnection):
		r.logger.Debug("ignoring status from superseded connection", "agent_id", c.AgentID, "conn_id", c.ID)
	default:
		r.sendError(c, err, "", "")
	}
}

func (r *Router) handleStartSession(c *agent.Connection, p envelope.StartSession) {
	if _, err := r.sessions.Start(c.AgentID, p.TargetID); err != nil {
		r.sendError(c, err, "", "")
	}
}

func (r *Router) handleEndSession(c *agent.Connection, p envelope.EndSession) {
	reason := p.Reason
	if reason == "" {
		reason = session.ReasonRequested
	}
	if _, err := r.sessions.Leave(c.AgentID, p.SessionID, reason); err != nil {
		r.sendError(c, err, p.SessionID, "")
	}
}

func (r *Router) handleVoice(c *agent.Connection, p envelope.VoiceMessage) {
	if p.ReceiverID == c.AgentID {
		r.sendError(c, fmt.Errorf("%w: cannot send a voice message to yourself", envelope.ErrMalformed), p.SessionID, p.MessageID)
		return
	}
	if len(p.Audio) < r.cfg.MinAudioBytes {
		r.sendError(c, fmt.Errorf("%w: audio payload too small", envelope.ErrMalformed), p.SessionID, p.MessageID)
		return
	}

	sessionID, err := r.sessionContext(c.AgentID, p)
	if err != nil {
		r.sendError(c, err, p.SessionID, p.MessageID)
		return
	}
	p.SessionID = sessionID

	key := r.dedupeKey(c.AgentID, p.MessageID)
	if key != "" && r.dedupe.Seen(key) {
		metrics.EnvelopesDropped.WithLabelValues("duplicate").Inc()
		r.logger.Info("dropping retransmitted voice message",
			"agent_id", c.AgentID,
			"message_id", p.MessageID,
		)
		return
	}

	if p.Timestamp.IsZero() {
		p.Timestamp = r.now()
	}

	var routed bool
	if r.sessions.IsAI(p.ReceiverID) {
		routed = r.startTurn(c, p, key)
	} else {
		routed = r.forward(c, p)
	}
	if !routed {
		r.forget(key)
	}
}

// dedupeKey returns the retransmit key for a message, or "" when the
// message carries no id or dedupe is off.
func (r *Router) dedupeKey(senderID, messageID string) string {
	if messageID == "" || r.dedupe == nil {
		return ""
	}
	return dedupe.Key(senderID, messageID)
}

// forget lets a retry of an undelivered message through the dedupe window.
func (r *Router) forget(key string) {
	if key != "" {
		r.dedupe.Forget(key)
	}
}

// sessionContext resolves the session a voice message belongs to. An
// explicit session id must be the sender's active session with the
// receiver; without one, the active session is attached when it is with
// the receiver.
func (r *Router) sessionContext(senderID string, p envelope.VoiceMessage) (string, error) {
	active, ok := r.sessions.ActiveFor(senderID)
	if p.SessionID != "" {
		if !ok || active.ID != p.SessionID || !active.Involves(p.ReceiverID) {
			return "", fmt.Errorf("%w: %s is not an active session between %s and %s",
				session.ErrUnknownSession, p.SessionID, senderID, p.ReceiverID)
		}
		return p.SessionID, nil
	}
	if ok && active.Peer(senderID) == p.ReceiverID {
		return active.ID, nil
	}
	return "", nil
}

// forward delivers p to its receiver's queue and reports whether it was enqueued.
func (r *Router) forward(c *agent.Connection, p envelope.VoiceMessage) bool {
	target := r.registry.Connection(p.ReceiverID)
	if target == nil {
		r.sendError(c, fmt.Errorf("%w: %s", session.ErrTargetUnreachable, p.ReceiverID), p.SessionID, p.MessageID)
		return false
	}

	err := target.Enqueue(envelope.New(p))
	switch {
	case errors.Is(err, agent.ErrQueueOverflow):
		metrics.EnvelopesDropped.WithLabelValues("queue_overflow").Inc()
		r.sendError(c, fmt.Errorf("%w: %s is not keeping up", err, p.ReceiverID), p.SessionID, p.MessageID)
		return false
	case err != nil:
		metrics.EnvelopesDropped.WithLabelValues("closed").Inc()
		r.sendError(c, fmt.Errorf("%w: %s", session.ErrTargetUnreachable, p.ReceiverID), p.SessionID, p.MessageID)
		return false
	}

	if p.SessionID != "" {
		r.sessions.Touch(p.SessionID)
	}
	r.settle(c)

	r.logger.Debug("voice message forwarded",
		"type", envelope.TypeVoiceMessage,
		"sender_id", c.AgentID,
		"receiver_id", p.ReceiverID,
		"session_id", p.SessionID,
		"bytes", len(p.Audio),
	)
	return true
}

// settle returns the sender to online after routing. An in-flight AI turn
// keeps it thinking.
func (r *Router) settle(c *agent.Connection) {
	err := r.registry.RequestStatus(c, envelope.StatusOnline)
	if err != nil && !errors.Is(err, agent.ErrAgentThinking) && !errors.Is(err, agent.ErrStaleConnection) {
		r.logger.Warn("failed to reset status", "agent_id", c.AgentID, "error", err)
	}
}

// startTurn moves c to thinking and runs the AI turn in the background. It
// reports false when the turn could not start.
func (r *Router) startTurn(c *agent.Connection, p envelope.VoiceMessage, key string) bool {
	if err := r.registry.BeginThinking(c); err != nil {
		r.sendError(c, err, p.SessionID, p.MessageID)
		return false
	}

	r.turns.Add(1)
	go func() {
		defer r.turns.Done()
		r.runTurn(c, p, key)
	}()
	return true
}

// runTurn calls the responder on behalf of c and emits exactly one
// ai_response or error, unless c closed in the meantime. A failed turn
// forgets its dedupe key so the client may retry it.
func (r *Router) runTurn(c *agent.Connection, p envelope.VoiceMessage, key string) {
	ctx := c.Context()
	logger := r.logger.With("agent_id", c.AgentID, "session_id", p.SessionID, "message_id", p.MessageID)
	logger.Info("AI turn started", "bytes", len(p.Audio))

	start := time.Now()
	reply, err := r.responder.Respond(ctx, responder.Request{
		AgentID:   c.AgentID,
		SessionID: p.SessionID,
		Audio:     p.Audio,
		Format:    r.cfg.AudioFormat,
	})
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		r.forget(key)
		metrics.ResponderLatency.WithLabelValues("discarded").Observe(elapsed.Seconds())
		logger.Info("discarding AI result for closed connection", "elapsed", elapsed)
		return
	}

	ex := store.Exchange{
		ID:        uuid.New().String(),
		AgentID:   c.AgentID,
		SessionID: p.SessionID,
		MessageID: p.MessageID,
		LatencyMS: elapsed.Milliseconds(),
		CreatedAt: r.now(),
	}

	if err := r.registry.SetStatusVia(c, envelope.StatusOnline); err != nil && !errors.Is(err, agent.ErrStaleConnection) {
		logger.Warn("failed to reset status after AI turn", "error", err)
	}

	if err != nil {
		ex.Outcome = store.OutcomeError
		ex.ErrorCode = ErrorCode(err)
		metrics.ResponderLatency.WithLabelValues(ex.ErrorCode).Observe(elapsed.Seconds())
		logger.Warn("AI turn failed", "error", err, "elapsed", elapsed)
		r.forget(key)
		r.sendError(c, err, p.SessionID, p.MessageID)
	} else {
		ex.Outcome = store.OutcomeOK
		ex.TranscribedText = reply.TranscribedText
		ex.ReplyText = reply.ReplyText
		ex.ReplyAudioBytes = len(reply.ReplyAudio)
		metrics.ResponderLatency.WithLabelValues(store.OutcomeOK).Observe(elapsed.Seconds())

		resp := envelope.AIResponse{
			OriginalSenderID: c.AgentID,
			SessionID:        p.SessionID,
			MessageID:        p.MessageID,
			TranscribedText:  reply.TranscribedText,
			ReplyText:        reply.ReplyText,
			ReplyAudio:       reply.ReplyAudio,
			Timestamp:        r.now(),
		}
		if err := c.Enqueue(envelope.New(resp)); err != nil {
			// The sender's own queue is full; it gets neither envelope.
			r.forget(key)
			metrics.EnvelopesDropped.WithLabelValues("queue_overflow").Inc()
			logger.Warn("failed to deliver AI response", "error", err)
		}
		logger.Info("AI turn completed", "elapsed", elapsed, "reply_audio_bytes", ex.ReplyAudioBytes)
	}

	if r.exchanges != nil {
		r.exchanges.Exchange(ex)
	}

	if p.SessionID != "" {
		r.sessions.Touch(p.SessionID)
		if r.cfg.EndAISessionAfterTurn {
			if _, err := r.sessions.End(p.SessionID, session.ReasonTurnComplete); err != nil {
				logger.Warn("failed to end session after AI turn", "error", err)
			}
		}
	}
}

// sendError reports err to c and returns its status to online. Recoverable
// errors never leave an agent recording or speaking; an in-flight AI turn
// keeps it thinking.
func (r *Router) sendError(c *agent.Connection, err error, sessionID, messageID string) {
	r.settle(c)

	code := ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		r.logger.Error("internal error while routing", "agent_id", c.AgentID, "error", err)
		msg = "internal error"
	}
	metrics.ErrorsSent.WithLabelValues(code).Inc()

	env := envelope.New(envelope.Error{
		Code:      code,
		Message:   msg,
		SessionID: sessionID,
		MessageID: messageID,
		Timestamp: r.now(),
	})
	if qerr := c.Enqueue(env); qerr != nil {
		r.logger.Warn("failed to deliver error envelope",
			"agent_id", c.AgentID,
			"code", code,
			"error", qerr,
		)
		return
	}
	r.logger.Debug("error sent", "agent_id", c.AgentID, "code", code, "message", msg)
}

// Disconnect runs cleanup for a connection whose stream has ended. Sessions
// end only when the agent actually went offline; a superseded connection
// leaves them to its replacement.
func (r *Router) Disconnect(c *agent.Connection) {
	if !r.registry.Disconnect(c) && r.registry.IsOnline(c.AgentID) {
		return
	}
	for _, s := range r.sessions.EndFor(c.AgentID, session.ReasonDisconnect) {
		r.logger.Info("session ended by disconnect", "session_id", s.ID, "agent_id", c.AgentID)
	}
}

// Wait blocks until every in-flight AI turn has finished.
func (r *Router) Wait() {
	r.turns.Wait()
}
