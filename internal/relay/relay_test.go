// ABOUTME: End-to-end tests for the router and WebSocket endpoint over a real HTTP server.
// ABOUTME: Agents are gorilla websocket clients exchanging JSON envelopes with the relay.

package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/broadcast"
	"github.com/2389/a2a-relay/internal/dedupe"
	"github.com/2389/a2a-relay/internal/envelope"
	"github.com/2389/a2a-relay/internal/responder"
	"github.com/2389/a2a-relay/internal/session"
	"github.com/2389/a2a-relay/internal/store"
)

const aiID = "ai_agent"

var clip = []byte("RIFF....WAVEfmt not really audio")

type recordedExchanges struct {
	mu   sync.Mutex
	list []store.Exchange
}

func (r *recordedExchanges) Exchange(e store.Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, e)
}

func (r *recordedExchanges) all() []store.Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Exchange(nil), r.list...)
}

type harnessOptions struct {
	responder    responder.Responder
	policy       agent.DuplicatePolicy
	endAfterTurn bool
}

type harness struct {
	url       string
	registry  *agent.Registry
	sessions  *session.Manager
	router    *Router
	endpoint  *Endpoint
	window    *dedupe.Window
	exchanges *recordedExchanges
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := broadcast.New(logger)
	t.Cleanup(b.Close)

	registry := agent.NewRegistry(agent.RegistryParams{
		Fanout:   b,
		Policy:   opts.policy,
		Reserved: []string{aiID},
		Logger:   logger,
	})
	sessions := session.NewManager(session.ManagerParams{
		Presence:  registry,
		Notifier:  b,
		AIAgentID: aiID,
		Logger:    logger,
	})
	window := dedupe.NewWindow(dedupe.Options{TTL: time.Minute})
	t.Cleanup(window.Close)

	exchanges := &recordedExchanges{}
	router := NewRouter(RouterParams{
		Config: Config{
			MinAudioBytes:         8,
			EndAISessionAfterTurn: opts.endAfterTurn,
			AudioFormat:           "webm",
		},
		Registry:  registry,
		Sessions:  sessions,
		Responder: opts.responder,
		Dedupe:    window,
		Exchanges: exchanges,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	endpoint := NewEndpoint(EndpointParams{
		Registry:     registry,
		Router:       router,
		WriteTimeout: time.Second,
		BaseContext:  ctx,
		Logger:       logger,
	})

	mux := chi.NewRouter()
	mux.Handle("/ws/{agentID}", endpoint)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		endpoint.Wait()
		router.Wait()
		srv.Close()
	})

	return &harness{
		url:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		registry:  registry,
		sessions:  sessions,
		router:    router,
		endpoint:  endpoint,
		window:    window,
		exchanges: exchanges,
		cancel:    cancel,
	}
}

type client struct {
	t  *testing.T
	id string
	ws *websocket.Conn
}

func (h *harness) tryDial(agentID string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(h.url+"/ws/"+agentID+"?name="+agentID, nil)
}

// dial connects agentID and waits until the registry reports it online.
func (h *harness) dial(t *testing.T, agentID string) *client {
	t.Helper()
	ws, _, err := h.tryDial(agentID)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	require.Eventually(t, func() bool { return h.registry.IsOnline(agentID) }, 2*time.Second, 5*time.Millisecond)
	return &client{t: t, id: agentID, ws: ws}
}

func (c *client) send(p envelope.Payload) {
	c.t.Helper()
	data, err := envelope.Encode(envelope.New(p))
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *client) sendRaw(s string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(s)))
}

func (c *client) voice(receiverID, messageID string) envelope.VoiceMessage {
	return envelope.VoiceMessage{SenderID: c.id, ReceiverID: receiverID, MessageID: messageID, Audio: clip}
}

func (c *client) next() envelope.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	env, err := envelope.Decode(data)
	require.NoError(c.t, err)
	return env
}

// closeCode reads until the relay closes the stream and returns the close code.
func (c *client) closeCode() int {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(c.t, err, &ce)
			return ce.Code
		}
	}
}

// expect reads past presence announcements until a T arrives.
func expect[T envelope.Payload](c *client) T {
	c.t.Helper()
	for {
		env := c.next()
		if p, ok := env.Payload().(T); ok {
			return p
		}
		if _, ok := env.Payload().(envelope.StatusUpdate); ok {
			continue
		}
		var want T
		c.t.Fatalf("%s: expected %s, got %s", c.id, want.Type(), env.Type())
	}
}

// expectQuiet asserts nothing but presence announcements arrives within d.
// The read deadline breaks the stream, so call it last.
func (c *client) expectQuiet(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(d)))
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			require.True(c.t, errors.As(err, &ne) && ne.Timeout(), "unexpected read error: %v", err)
			return
		}
		env, err := envelope.Decode(data)
		require.NoError(c.t, err)
		if _, ok := env.Payload().(envelope.StatusUpdate); ok {
			continue
		}
		c.t.Fatalf("%s: unexpected %s", c.id, env.Type())
	}
}

func onlineIDs(r *agent.Registry) []string {
	var ids []string
	for _, a := range r.ListOnline() {
		ids = append(ids, a.ID)
	}
	return ids
}

func requireStatus(t *testing.T, r *agent.Registry, agentID string, want envelope.Status) {
	t.Helper()
	a, err := r.Get(agentID)
	require.NoError(t, err)
	require.Equal(t, want, a.Status)
}

func expectError(c *client, code string) envelope.Error {
	c.t.Helper()
	e := expect[envelope.Error](c)
	require.Equal(c.t, code, e.Code, "message: %s", e.Message)
	return e
}

func startSession(t *testing.T, initiator, target *client) envelope.SessionStarted {
	t.Helper()
	initiator.send(envelope.StartSession{SenderID: initiator.id, TargetID: target.id})
	started := expect[envelope.SessionStarted](initiator)
	assert.Equal(t, started.SessionID, expect[envelope.SessionStarted](target).SessionID)
	return started
}

func TestRelay_PresenceAnnouncements(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	su := expect[envelope.StatusUpdate](alice)
	assert.Equal(t, "bob", su.AgentID)
	assert.Equal(t, envelope.StatusOnline, su.Status)

	bob.send(envelope.StatusUpdate{AgentID: "bob", Status: envelope.StatusRecording})
	su = expect[envelope.StatusUpdate](alice)
	assert.Equal(t, envelope.StatusRecording, su.Status)

	require.NoError(t, bob.ws.Close())
	su = expect[envelope.StatusUpdate](alice)
	assert.Equal(t, "bob", su.AgentID)
	assert.Equal(t, envelope.StatusOffline, su.Status)

	rec, err := h.registry.Get("bob")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusOffline, rec.Status, "offline agents stay registered")
}

func TestRelay_PeerVoiceForward(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	started := startSession(t, alice, bob)
	assert.Equal(t, "alice", started.InitiatorID)
	assert.Equal(t, "bob", started.TargetID)
	assert.Equal(t, envelope.SessionStatusActive, started.Status)

	alice.send(alice.voice("bob", "m1"))
	got := expect[envelope.VoiceMessage](bob)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, started.SessionID, got.SessionID, "active session is attached")
	assert.Equal(t, clip, got.Audio)
	assert.False(t, got.Timestamp.IsZero())

	t.Run("retransmit is dropped", func(t *testing.T) {
		alice.send(alice.voice("bob", "m1"))
		alice.send(alice.voice("bob", "m2"))
		assert.Equal(t, "m2", expect[envelope.VoiceMessage](bob).MessageID)
	})

	t.Run("voice outside a session", func(t *testing.T) {
		carol := h.dial(t, "carol")
		carol.send(carol.voice("bob", "c1"))
		got := expect[envelope.VoiceMessage](bob)
		assert.Equal(t, "carol", got.SenderID)
		assert.Empty(t, got.SessionID)
	})
}

func TestRelay_SessionErrors(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	carol := h.dial(t, "carol")
	startSession(t, alice, bob)

	t.Run("target busy", func(t *testing.T) {
		carol.send(envelope.StartSession{SenderID: "carol", TargetID: "alice"})
		expectError(carol, CodeAgentBusy)
	})

	t.Run("initiator busy", func(t *testing.T) {
		alice.send(envelope.StartSession{SenderID: "alice", TargetID: "carol"})
		expectError(alice, CodeAgentBusy)
	})

	t.Run("offline target", func(t *testing.T) {
		carol.send(envelope.StartSession{SenderID: "carol", TargetID: "ghost"})
		expectError(carol, CodeTargetUnreachable)
	})

	t.Run("voice to unknown session", func(t *testing.T) {
		v := carol.voice("bob", "x1")
		v.SessionID = "session_nope"
		carol.send(v)
		e := expectError(carol, CodeUnknownSession)
		assert.Equal(t, "x1", e.MessageID)
		assert.Equal(t, "session_nope", e.SessionID)
	})

	t.Run("voice to offline agent", func(t *testing.T) {
		carol.send(carol.voice("ghost", "x2"))
		expectError(carol, CodeTargetUnreachable)
	})

	t.Run("ending someone else's session", func(t *testing.T) {
		active, ok := h.sessions.ActiveFor("alice")
		require.True(t, ok)
		carol.send(envelope.EndSession{SenderID: "carol", SessionID: active.ID})
		expectError(carol, CodeUnknownSession)
	})
}

func TestRelay_EndSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	started := startSession(t, alice, bob)

	bob.send(envelope.EndSession{SenderID: "bob", SessionID: started.SessionID})
	for _, c := range []*client{alice, bob} {
		ended := expect[envelope.SessionEnded](c)
		assert.Equal(t, started.SessionID, ended.SessionID)
		assert.Equal(t, session.ReasonRequested, ended.Reason)
		assert.Equal(t, envelope.SessionStatusEnded, ended.Status)
	}

	_, ok := h.sessions.ActiveFor("alice")
	assert.False(t, ok)
}

func TestRelay_DisconnectEndsSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	started := startSession(t, alice, bob)

	require.NoError(t, bob.ws.Close())

	ended := expect[envelope.SessionEnded](alice)
	assert.Equal(t, started.SessionID, ended.SessionID)
	assert.Equal(t, session.ReasonDisconnect, ended.Reason)
	assert.Zero(t, h.sessions.ActiveCount())
	assert.NotContains(t, onlineIDs(h.registry), "bob")
	assert.Equal(t, []string{"alice"}, onlineIDs(h.registry))

	alice.expectQuiet(200 * time.Millisecond)
}

func TestRelay_MalformedInput(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.dial(t, "alice")
	h.dial(t, "bob")

	tests := []struct {
		name string
		send func()
	}{
		{"invalid json", func() { alice.sendRaw("{not json") }},
		{"unknown type", func() { alice.sendRaw(`{"type":"teleport","data":{}}`) }},
		{"relay-owned status", func() {
			alice.send(envelope.StatusUpdate{AgentID: "alice", Status: envelope.StatusThinking})
		}},
		{"spoofed sender", func() {
			alice.send(envelope.VoiceMessage{SenderID: "bob", ReceiverID: "alice", Audio: clip})
		}},
		{"server-only type", func() {
			alice.send(envelope.AIResponse{OriginalSenderID: "alice", ReplyText: "hi"})
		}},
		{"audio too small", func() {
			alice.send(envelope.VoiceMessage{SenderID: "alice", ReceiverID: "bob", Audio: []byte("ab")})
		}},
		{"voice to self", func() { alice.send(alice.voice("alice", "")) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.send()
			expectError(alice, CodeMalformedEnvelope)
		})
	}

	assert.True(t, h.registry.IsOnline("alice"), "malformed input does not drop the connection")
}

func TestRelay_AITurn(t *testing.T) {
	var gotReq responder.Request
	var mu sync.Mutex
	resp := responder.Func(func(ctx context.Context, req responder.Request) (responder.Reply, error) {
		mu.Lock()
		gotReq = req
		mu.Unlock()
		return responder.Reply{TranscribedText: "hello there", ReplyText: "general kenobi", ReplyAudio: []byte("mp3")}, nil
	})
	h := newHarness(t, harnessOptions{responder: resp})
	alice := h.dial(t, "alice")

	alice.send(envelope.StartSession{SenderID: "alice", TargetID: aiID})
	started := expect[envelope.SessionStarted](alice)
	assert.Equal(t, aiID, started.TargetID)

	alice.send(alice.voice(aiID, "m1"))
	reply := expect[envelope.AIResponse](alice)
	assert.Equal(t, "alice", reply.OriginalSenderID)
	assert.Equal(t, started.SessionID, reply.SessionID)
	assert.Equal(t, "m1", reply.MessageID)
	assert.Equal(t, "hello there", reply.TranscribedText)
	assert.Equal(t, "general kenobi", reply.ReplyText)
	assert.Equal(t, []byte("mp3"), reply.ReplyAudio)

	mu.Lock()
	assert.Equal(t, "webm", gotReq.Format)
	assert.Equal(t, clip, gotReq.Audio)
	mu.Unlock()

	require.Eventually(t, func() bool {
		a, err := h.registry.Get("alice")
		return err == nil && a.Status == envelope.StatusOnline
	}, 2*time.Second, 5*time.Millisecond)

	h.router.Wait()
	exchanges := h.exchanges.all()
	require.Len(t, exchanges, 1)
	assert.Equal(t, store.OutcomeOK, exchanges[0].Outcome)
	assert.Equal(t, 3, exchanges[0].ReplyAudioBytes)

	_, ok := h.sessions.ActiveFor("alice")
	assert.True(t, ok, "session outlives the turn by default")

	alice.expectQuiet(200 * time.Millisecond)
}

func TestRelay_AITurnWhileThinking(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	resp := responder.Func(func(ctx context.Context, req responder.Request) (responder.Reply, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return responder.Reply{}, ctx.Err()
		}
		return responder.Reply{TranscribedText: "first", ReplyText: "answer"}, nil
	})
	h := newHarness(t, harnessOptions{responder: resp})
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	alice.send(alice.voice(aiID, "m1"))
	<-started

	su := expect[envelope.StatusUpdate](bob)
	assert.Equal(t, envelope.StatusThinking, su.Status)

	alice.send(alice.voice(aiID, "m2"))
	e := expectError(alice, CodeAgentBusy)
	assert.Equal(t, "m2", e.MessageID)

	alice.send(envelope.StatusUpdate{AgentID: "alice", Status: envelope.StatusRecording})
	expectError(alice, CodeAgentBusy)

	close(release)
	reply := expect[envelope.AIResponse](alice)
	assert.Equal(t, "m1", reply.MessageID)

	su = expect[envelope.StatusUpdate](bob)
	assert.Equal(t, envelope.StatusOnline, su.Status)

	t.Run("busy message can be retried", func(t *testing.T) {
		alice.send(alice.voice(aiID, "m2"))
		assert.Equal(t, "m2", expect[envelope.AIResponse](alice).MessageID)
	})
}

func TestRelay_AIFailureLeavesAgentOnline(t *testing.T) {
	h := newHarness(t, harnessOptions{responder: responder.Disabled{}})
	alice := h.dial(t, "alice")

	alice.send(alice.voice(aiID, "m1"))
	e := expectError(alice, CodeUpstreamUnavailable)
	assert.Equal(t, "m1", e.MessageID)

	require.Eventually(t, func() bool {
		a, err := h.registry.Get("alice")
		return err == nil && a.Status == envelope.StatusOnline
	}, 2*time.Second, 5*time.Millisecond)

	h.router.Wait()
	exchanges := h.exchanges.all()
	require.Len(t, exchanges, 1)
	assert.Equal(t, store.OutcomeError, exchanges[0].Outcome)
	assert.Equal(t, CodeUpstreamUnavailable, exchanges[0].ErrorCode)

	alice.expectQuiet(200 * time.Millisecond)
}

func TestRelay_RecoverableErrorsResetStatus(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.dial(t, "alice")

	tests := []struct {
		name string
		send envelope.Payload
		code string
	}{
		{"voice to offline agent", alice.voice("ghost", "v1"), CodeTargetUnreachable},
		{"audio too small", envelope.VoiceMessage{SenderID: "alice", ReceiverID: aiID, Audio: []byte("a")}, CodeMalformedEnvelope},
		{"unknown session", envelope.VoiceMessage{SenderID: "alice", ReceiverID: "ghost", SessionID: "session_nope", Audio: clip}, CodeUnknownSession},
		{"start with offline agent", envelope.StartSession{SenderID: "alice", TargetID: "ghost"}, CodeTargetUnreachable},
		{"end unknown session", envelope.EndSession{SenderID: "alice", SessionID: "session_nope"}, CodeUnknownSession},
		{"relay-owned status", envelope.StatusUpdate{AgentID: "alice", Status: envelope.StatusThinking}, CodeMalformedEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice.send(envelope.StatusUpdate{AgentID: "alice", Status: envelope.StatusRecording})
			alice.send(tt.send)
			expectError(alice, tt.code)
			requireStatus(t, h.registry, "alice", envelope.StatusOnline)
		})
	}

	t.Run("malformed frame", func(t *testing.T) {
		alice.send(envelope.StatusUpdate{AgentID: "alice", Status: envelope.StatusSpeaking})
		alice.sendRaw("{not json")
		expectError(alice, CodeMalformedEnvelope)
		requireStatus(t, h.registry, "alice", envelope.StatusOnline)
	})
}

func TestRelay_RetryAfterFailedDelivery(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.dial(t, "alice")

	alice.send(alice.voice("carol", "m1"))
	e := expectError(alice, CodeTargetUnreachable)
	assert.Equal(t, "m1", e.MessageID)

	carol := h.dial(t, "carol")
	alice.send(alice.voice("carol", "m1"))
	got := expect[envelope.VoiceMessage](carol)
	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, "alice", got.SenderID)

	// Once delivered, the same id is a retransmit again.
	alice.send(alice.voice("carol", "m1"))
	alice.send(alice.voice("carol", "m2"))
	assert.Equal(t, "m2", expect[envelope.VoiceMessage](carol).MessageID)

	alice.expectQuiet(200 * time.Millisecond)
}

func TestRelay_AIRetryAfterFailure(t *testing.T) {
	var calls atomic.Int32
	resp := responder.Func(func(ctx context.Context, req responder.Request) (responder.Reply, error) {
		if calls.Add(1) == 1 {
			return responder.Reply{}, responder.ErrUpstreamUnavailable
		}
		return responder.Reply{TranscribedText: "again", ReplyText: "got it"}, nil
	})
	h := newHarness(t, harnessOptions{responder: resp})
	alice := h.dial(t, "alice")

	alice.send(alice.voice(aiID, "m1"))
	expectError(alice, CodeUpstreamUnavailable)

	alice.send(alice.voice(aiID, "m1"))
	reply := expect[envelope.AIResponse](alice)
	assert.Equal(t, "m1", reply.MessageID)
	assert.Equal(t, "got it", reply.ReplyText)

	alice.expectQuiet(200 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRelay_UndeliveredAIResponseCanBeRetried(t *testing.T) {
	resp := responder.Func(func(ctx context.Context, req responder.Request) (responder.Reply, error) {
		return responder.Reply{TranscribedText: "hi", ReplyText: "hello"}, nil
	})
	h := newHarness(t, harnessOptions{responder: resp})

	// A connection that is never served keeps its queue full.
	c := agent.NewConnection(agent.ConnectionParams{AgentID: "alice", QueueDepth: 1})
	_, err := h.registry.Connect(c)
	require.NoError(t, err)
	require.NoError(t, c.Enqueue(envelope.New(envelope.StatusUpdate{AgentID: "bob", Status: envelope.StatusOnline})))

	key := dedupe.Key("alice", "m1")
	require.False(t, h.window.Seen(key))
	require.NoError(t, h.registry.BeginThinking(c))

	h.router.runTurn(c, envelope.VoiceMessage{SenderID: "alice", ReceiverID: aiID, MessageID: "m1", Audio: clip}, key)

	assert.False(t, h.window.Seen(key), "undelivered reply must not block a retry")
	requireStatus(t, h.registry, "alice", envelope.StatusOnline)
	require.Len(t, h.exchanges.all(), 1)
	assert.Equal(t, store.OutcomeOK, h.exchanges.all()[0].Outcome)
}

func TestRelay_AIResultDiscardedAfterDisconnect(t *testing.T) {
	started := make(chan struct{}, 1)
	resp := responder.Func(func(ctx context.Context, req responder.Request) (responder.Reply, error) {
		started <- struct{}{}
		<-ctx.Done()
		return responder.Reply{}, ctx.Err()
	})
	h := newHarness(t, harnessOptions{responder: resp})
	alice := h.dial(t, "alice")

	alice.send(alice.voice(aiID, "m1"))
	<-started
	require.NoError(t, alice.ws.Close())

	require.Eventually(t, func() bool { return !h.registry.IsOnline("alice") }, 2*time.Second, 5*time.Millisecond)
	h.router.Wait()
	assert.Empty(t, h.exchanges.all())
}

func TestRelay_EndAISessionAfterTurn(t *testing.T) {
	resp := responder.Func(func(ctx context.Context, req responder.Request) (responder.Reply, error) {
		return responder.Reply{TranscribedText: "hi", ReplyText: "hello"}, nil
	})
	h := newHarness(t, harnessOptions{responder: resp, endAfterTurn: true})
	alice := h.dial(t, "alice")

	alice.send(envelope.StartSession{SenderID: "alice", TargetID: aiID})
	started := expect[envelope.SessionStarted](alice)

	alice.send(alice.voice(aiID, "m1"))
	assert.Equal(t, started.SessionID, expect[envelope.AIResponse](alice).SessionID)

	ended := expect[envelope.SessionEnded](alice)
	assert.Equal(t, started.SessionID, ended.SessionID)
	assert.Equal(t, session.ReasonTurnComplete, ended.Reason)
}

func TestRelay_SupersedeKeepsSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	started := startSession(t, first, bob)

	ws, _, err := h.tryDial("alice")
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	second := &client{t: t, id: "alice", ws: ws}

	assert.Equal(t, agent.CloseSuperseded, first.closeCode())
	assert.True(t, h.registry.IsOnline("alice"))

	second.send(second.voice("bob", "after"))
	got := expect[envelope.VoiceMessage](bob)
	assert.Equal(t, "after", got.MessageID)
	assert.Equal(t, started.SessionID, got.SessionID, "session survives the reconnect")
}

func TestRelay_RejectPolicy(t *testing.T) {
	h := newHarness(t, harnessOptions{policy: agent.PolicyReject})
	h.dial(t, "alice")

	_, resp, err := h.tryDial("alice")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRelay_RefusesReservedID(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, resp, err := h.tryDial(aiID)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelay_ShutdownClosesConnections(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.dial(t, "alice")

	h.cancel()
	assert.Equal(t, websocket.CloseGoingAway, alice.closeCode())

	h.endpoint.Wait()
	assert.False(t, h.registry.IsOnline("alice"))

	_, resp, err := h.tryDial("bob")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
