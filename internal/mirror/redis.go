// ABOUTME: Mirrors live presence and active sessions into Redis for other services to read.
// ABOUTME: Implements journal.Sink; every change is also published on a pub/sub channel.

package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/envelope"
	"github.com/2389/a2a-relay/internal/session"
	"github.com/2389/a2a-relay/internal/store"
)

const defaultTTL = 10 * time.Minute

// Event is the message published on the events channel.
type Event struct {
	Kind    string           `json:"kind"` // "presence" or "session"
	Agent   *agent.Agent     `json:"agent,omitempty"`
	Session *session.Session `json:"session,omitempty"`
}

// RedisMirror writes presence to a hash keyed by agent id and active
// sessions to a hash keyed by session id. Both hashes expire unless
// refreshed, so a crashed relay does not leave stale presence behind.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisMirror connects to redisURL and verifies the connection.
func NewRedisMirror(ctx context.Context, redisURL, prefix string, ttl time.Duration, logger *slog.Logger) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewFromClient(client, prefix, ttl, logger), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMirror{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("component", "mirror"),
	}
}

// PresenceKey is the hash holding online agents.
func (m *RedisMirror) PresenceKey() string {
	return m.prefix + "presence"
}

// SessionsKey is the hash holding active sessions.
func (m *RedisMirror) SessionsKey() string {
	return m.prefix + "sessions"
}

// EventsChannel is the pub/sub channel carrying every change.
func (m *RedisMirror) EventsChannel() string {
	return m.prefix + "presence:events"
}

// SaveAgent mirrors an agent's presence. Offline agents are removed.
func (m *RedisMirror) SaveAgent(ctx context.Context, a agent.Agent) error {
	event, err := json.Marshal(Event{Kind: "presence", Agent: &a})
	if err != nil {
		return err
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if a.Status == envelope.StatusOffline {
			pipe.HDel(ctx, m.PresenceKey(), a.ID)
		} else {
			val, err := json.Marshal(a)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, m.PresenceKey(), a.ID, val)
			pipe.Expire(ctx, m.PresenceKey(), m.ttl)
		}
		pipe.Publish(ctx, m.EventsChannel(), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirroring agent %s: %w", a.ID, err)
	}
	return nil
}

// SaveSession mirrors a session. Ended sessions are removed.
func (m *RedisMirror) SaveSession(ctx context.Context, s session.Session) error {
	event, err := json.Marshal(Event{Kind: "session", Session: &s})
	if err != nil {
		return err
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if s.Active() {
			val, err := json.Marshal(s)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, m.SessionsKey(), s.ID, val)
			pipe.Expire(ctx, m.SessionsKey(), m.ttl)
		} else {
			pipe.HDel(ctx, m.SessionsKey(), s.ID)
		}
		pipe.Publish(ctx, m.EventsChannel(), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirroring session %s: %w", s.ID, err)
	}
	return nil
}

// SaveExchange is a no-op; exchanges live only in the store.
func (m *RedisMirror) SaveExchange(context.Context, store.Exchange) error {
	return nil
}

// Presence reads back the mirrored online agents.
func (m *RedisMirror) Presence(ctx context.Context) (map[string]agent.Agent, error) {
	raw, err := m.client.HGetAll(ctx, m.PresenceKey()).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]agent.Agent, len(raw))
	for id, val := range raw {
		var a agent.Agent
		if err := json.Unmarshal([]byte(val), &a); err != nil {
			m.logger.Warn("skipping unreadable presence entry", "agent_id", id, "error", err)
			continue
		}
		out[id] = a
	}
	return out, nil
}

// Reset clears mirrored state left by a previous run.
func (m *RedisMirror) Reset(ctx context.Context) error {
	return m.client.Del(ctx, m.PresenceKey(), m.SessionsKey()).Err()
}

// Ping checks the Redis connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
