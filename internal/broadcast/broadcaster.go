// ABOUTME: In-memory fan-out of envelopes to every connected agent's outbound queue
// ABOUTME: Best-effort per recipient: one failed enqueue never aborts the batch

package broadcast

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/a2a-relay/internal/envelope"
)

// ErrNoRecipient is returned by SendTo when the agent has no attached sink.
var ErrNoRecipient = errors.New("no recipient attached")

// Sink accepts envelopes for one agent. Enqueue must not block.
type Sink interface {
	Enqueue(env envelope.Envelope) error
}

// DropFunc observes envelopes that a sink refused.
type DropFunc func(agentID string, env envelope.Envelope, err error)

// Broadcaster maps agent ids to their sinks and delivers envelopes to them.
type Broadcaster struct {
	mu     sync.RWMutex
	sinks  map[string]Sink
	onDrop DropFunc
	logger *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		sinks:  make(map[string]Sink),
		logger: logger.With("component", "broadcaster"),
	}
}

// OnDrop installs a hook called for every refused delivery.
func (b *Broadcaster) OnDrop(fn DropFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Attach registers sink as the recipient for agentID, replacing any previous sink.
func (b *Broadcaster) Attach(agentID string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks[agentID] = sink

	b.logger.Debug("sink attached", "agent_id", agentID, "recipients", len(b.sinks))
}

// Detach removes agentID's sink only if it is still sink.
// Returns false when a newer sink has replaced it.
func (b *Broadcaster) Detach(agentID string, sink Sink) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.sinks[agentID]
	if !ok || current != sink {
		return false
	}
	delete(b.sinks, agentID)

	b.logger.Debug("sink detached", "agent_id", agentID, "recipients", len(b.sinks))
	return true
}

// Broadcast delivers env to every attached agent except exclude and returns
// how many recipients accepted it.
func (b *Broadcaster) Broadcast(env envelope.Envelope, exclude string) int {
	type target struct {
		agentID string
		sink    Sink
	}

	// Copy targets under read lock to avoid holding it during enqueue.
	b.mu.RLock()
	targets := make([]target, 0, len(b.sinks))
	for id, sink := range b.sinks {
		if id == exclude {
			continue
		}
		targets = append(targets, target{agentID: id, sink: sink})
	}
	onDrop := b.onDrop
	b.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if err := t.sink.Enqueue(env); err != nil {
			b.logger.Debug("broadcast delivery failed",
				"agent_id", t.agentID,
				"type", env.Type(),
				"error", err)
			if onDrop != nil {
				onDrop(t.agentID, env, err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo delivers env to a single agent.
func (b *Broadcaster) SendTo(agentID string, env envelope.Envelope) error {
	b.mu.RLock()
	sink, ok := b.sinks[agentID]
	onDrop := b.onDrop
	b.mu.RUnlock()

	if !ok {
		return ErrNoRecipient
	}
	if err := sink.Enqueue(env); err != nil {
		if onDrop != nil {
			onDrop(agentID, env, err)
		}
		return err
	}
	return nil
}

// Recipients returns the number of attached sinks.
func (b *Broadcaster) Recipients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

// Close detaches every sink.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id := range b.sinks {
		delete(b.sinks, id)
	}
	b.logger.Debug("broadcaster closed")
}
