// ABOUTME: Represents a single connected agent and owns its full-duplex WebSocket stream.
// ABOUTME: Decodes inbound frames, serialises outbound envelopes through a bounded queue.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/a2a-relay/internal/envelope"
)

// CloseSuperseded is the close code sent to a connection replaced by a newer
// connection for the same agent.
const CloseSuperseded = 4000

var (
	// ErrQueueOverflow indicates the outbound queue is full and the envelope was refused.
	ErrQueueOverflow = errors.New("outbound queue full")

	// ErrConnectionClosed indicates the connection no longer accepts envelopes.
	ErrConnectionClosed = errors.New("connection closed")
)

// OverflowPolicy decides what happens when the outbound queue is full.
type OverflowPolicy string

const (
	OverflowRejectNew  OverflowPolicy = "reject_new"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// Stream is the subset of *websocket.Conn used by a Connection.
type Stream interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Handler receives decoded inbound traffic. Implementations must return
// quickly; anything slow belongs on another goroutine.
type Handler interface {
	HandleEnvelope(ctx context.Context, c *Connection, env envelope.Envelope)
	HandleInvalid(ctx context.Context, c *Connection, err error)
}

// ConnectionParams configures a new Connection.
type ConnectionParams struct {
	AgentID        string
	Name           string
	Stream         Stream
	QueueDepth     int
	Overflow       OverflowPolicy
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	Logger         *slog.Logger
}

// Connection is one live stream bound to one agent.
type Connection struct {
	ID      string
	AgentID string
	Name    string

	stream         Stream
	out            chan envelope.Envelope
	overflow       OverflowPolicy
	writeTimeout   time.Duration
	pingInterval   time.Duration
	pongWait       time.Duration
	maxMessageSize int64

	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	writerDone chan struct{}
	dropped    atomic.Uint64
	logger     *slog.Logger
}

// NewConnection creates a Connection for a freshly upgraded stream.
func NewConnection(p ConnectionParams) *Connection {
	depth := p.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	overflow := p.Overflow
	if overflow == "" {
		overflow = OverflowRejectNew
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &Connection{
		ID:             id,
		AgentID:        p.AgentID,
		Name:           p.Name,
		stream:         p.Stream,
		out:            make(chan envelope.Envelope, depth),
		overflow:       overflow,
		writeTimeout:   p.WriteTimeout,
		pingInterval:   p.PingInterval,
		pongWait:       p.PongWait,
		maxMessageSize: p.MaxMessageSize,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		writerDone:     make(chan struct{}),
		logger:         logger.With("agent_id", p.AgentID, "conn_id", id),
	}
}

// Context is cancelled when the connection closes. Work done on behalf of
// this connection (AI turns) should use it so results are discarded after a
// disconnect.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Dropped returns how many envelopes the overflow policy discarded.
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}

// Enqueue queues env for delivery without blocking.
// Returns ErrQueueOverflow when the queue is full under reject_new, and
// ErrConnectionClosed once the connection is closed.
func (c *Connection) Enqueue(env envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.out <- env:
		return nil
	default:
	}

	if c.overflow == OverflowDropOldest {
		select {
		case evicted := <-c.out:
			c.dropped.Add(1)
			c.logger.Warn("outbound queue full, dropped oldest envelope", "type", evicted.Type())
		default:
		}
		select {
		case c.out <- env:
			return nil
		default:
		}
	}

	c.dropped.Add(1)
	c.logger.Warn("outbound queue full, rejected envelope", "type", env.Type())
	return ErrQueueOverflow
}

// Serve runs the connection until the stream fails, the peer closes it, or
// ctx is cancelled. Inbound envelopes are passed to h in arrival order.
// A clean close returns nil.
func (c *Connection) Serve(ctx context.Context, h Handler) error {
	go c.writeLoop()

	stop := context.AfterFunc(ctx, func() {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	err := c.readLoop(h)

	c.mu.Lock()
	closedLocally := c.closed
	c.mu.Unlock()

	c.Close(websocket.CloseNormalClosure, "")
	<-c.writerDone

	if closedLocally || websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return nil
	}
	return err
}

func (c *Connection) readLoop(h Handler) error {
	if c.maxMessageSize > 0 {
		c.stream.SetReadLimit(c.maxMessageSize)
	}
	c.extendReadDeadline()
	c.stream.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		messageType, data, err := c.stream.ReadMessage()
		if err != nil {
			c.logger.Debug("read loop ended", "error", err)
			return err
		}
		c.extendReadDeadline()

		if messageType != websocket.TextMessage {
			h.HandleInvalid(c.ctx, c, fmt.Errorf("%w: only text frames are accepted", envelope.ErrMalformed))
			continue
		}

		env, err := envelope.Decode(data)
		if err != nil {
			h.HandleInvalid(c.ctx, c, err)
			continue
		}

		if sender := env.SenderID(); sender != "" && sender != c.AgentID {
			h.HandleInvalid(c.ctx, c, fmt.Errorf("%w: sender %q does not match connected agent %q",
				envelope.ErrMalformed, sender, c.AgentID))
			continue
		}

		h.HandleEnvelope(c.ctx, c, env)
	}
}

func (c *Connection) extendReadDeadline() {
	if c.pongWait > 0 {
		_ = c.stream.SetReadDeadline(time.Now().Add(c.pongWait))
	}
}

// writeLoop is the single writer for the stream; it drains the outbound
// queue in FIFO order and sends keepalive pings.
func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return

		case env := <-c.out:
			data, err := envelope.Encode(env)
			if err != nil {
				c.logger.Error("dropping unencodable envelope", "type", env.Type(), "error", err)
				continue
			}
			if c.writeTimeout > 0 {
				_ = c.stream.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.stream.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed, closing connection", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ping:
			if err := c.stream.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.controlTimeout())); err != nil {
				c.logger.Debug("ping failed, closing connection", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *Connection) controlTimeout() time.Duration {
	if c.writeTimeout > 0 {
		return c.writeTimeout
	}
	return time.Second
}

// Close stops the connection. It is safe to call multiple times and from
// any goroutine; only the first call has an effect.
func (c *Connection) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.cancel()

	if code != websocket.CloseAbnormalClosure {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.stream.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.controlTimeout()))
	}
	_ = c.stream.Close()

	c.logger.Debug("connection closed", "code", code, "reason", reason)
}
