// ABOUTME: Asynchronous persistence worker: records are queued without blocking and applied in order.
// ABOUTME: Fans each record out to every configured sink (SQLite store, Redis mirror).

package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/session"
	"github.com/2389/a2a-relay/internal/store"
)

// Sink persists journal records. Calls arrive from a single goroutine.
type Sink interface {
	SaveAgent(ctx context.Context, a agent.Agent) error
	SaveSession(ctx context.Context, s session.Session) error
	SaveExchange(ctx context.Context, e store.Exchange) error
}

// Params configures a Journal.
type Params struct {
	// Buffer is the number of records held before new ones are dropped.
	Buffer int
	// Timeout bounds each sink call.
	Timeout time.Duration
	Sinks   []Sink
	Logger  *slog.Logger
	// OnDrop is called for every record dropped because the buffer was full.
	OnDrop func()
}

type record struct {
	agent    *agent.Agent
	session  *session.Session
	exchange *store.Exchange
}

// Journal decouples the relay from storage latency. The relay never waits
// on a sink; when the buffer is full the record is dropped with a warning.
type Journal struct {
	mu      sync.RWMutex
	closed  bool
	records chan record
	done    chan struct{}
	sinks   []Sink
	timeout time.Duration
	onDrop  func()
	logger  *slog.Logger
}

// New creates a Journal and starts its worker.
func New(p Params) *Journal {
	buffer := p.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	j := &Journal{
		records: make(chan record, buffer),
		done:    make(chan struct{}),
		sinks:   p.Sinks,
		timeout: timeout,
		onDrop:  p.OnDrop,
		logger:  logger.With("component", "journal"),
	}
	go j.run()
	return j
}

// AgentChanged queues an agent record.
func (j *Journal) AgentChanged(a agent.Agent) {
	j.enqueue(record{agent: &a})
}

// SessionChanged queues a session record.
func (j *Journal) SessionChanged(s session.Session) {
	j.enqueue(record{session: &s})
}

// Exchange queues an AI exchange record.
func (j *Journal) Exchange(e store.Exchange) {
	j.enqueue(record{exchange: &e})
}

func (j *Journal) enqueue(r record) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return
	}
	select {
	case j.records <- r:
	default:
		j.logger.Warn("journal buffer full, dropping record", "kind", r.kind())
		if j.onDrop != nil {
			j.onDrop()
		}
	}
}

func (r record) kind() string {
	switch {
	case r.agent != nil:
		return "agent"
	case r.session != nil:
		return "session"
	default:
		return "exchange"
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for r := range j.records {
		j.apply(r)
	}
}

func (j *Journal) apply(r record) {
	for _, sink := range j.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		var err error
		switch {
		case r.agent != nil:
			err = sink.SaveAgent(ctx, *r.agent)
		case r.session != nil:
			err = sink.SaveSession(ctx, *r.session)
		case r.exchange != nil:
			err = sink.SaveExchange(ctx, *r.exchange)
		}
		cancel()
		if err != nil {
			j.logger.Error("journal sink failed", "kind", r.kind(), "error", err)
		}
	}
}

// Close stops accepting records and waits for queued ones to be applied,
// or for ctx to end.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.records)
	}
	j.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
