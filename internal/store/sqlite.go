// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists agents, sessions and AI exchanges with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id      TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			status        TEXT NOT NULL,
			last_seen     TEXT NOT NULL,
			registered_at TEXT NOT NULL,

			CHECK (status IN ('offline', 'online', 'recording', 'thinking', 'speaking'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id   TEXT PRIMARY KEY,
			initiator_id TEXT NOT NULL,
			target_id    TEXT NOT NULL,
			status       TEXT NOT NULL,
			end_reason   TEXT,
			started_at   TEXT NOT NULL,
			ended_at     TEXT,

			CHECK (status IN ('active', 'ended'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_initiator ON sessions(initiator_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(target_id, started_at);

		CREATE TABLE IF NOT EXISTS exchanges (
			exchange_id       TEXT PRIMARY KEY,
			agent_id          TEXT NOT NULL,
			session_id        TEXT,
			message_id        TEXT,
			transcribed_text  TEXT,
			reply_text        TEXT,
			reply_audio_bytes INTEGER NOT NULL DEFAULT 0,
			outcome           TEXT NOT NULL,
			error_code        TEXT,
			latency_ms        INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,

			CHECK (outcome IN ('ok', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_exchanges_agent ON exchanges(agent_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// nullString converts empty strings to SQL NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UpsertAgent inserts or replaces an agent record.
// registered_at is kept from the first insert.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *AgentRecord) error {
	query := `
		INSERT INTO agents (agent_id, name, status, last_seen, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			last_seen = excluded.last_seen
	`

	registered := a.RegisteredAt
	if registered.IsZero() {
		registered = a.LastSeen
	}

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.Name,
		a.Status,
		formatTime(a.LastSeen),
		formatTime(registered),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	query := `
		SELECT agent_id, name, status, last_seen, registered_at
		FROM agents
		WHERE agent_id = ?
	`
	a, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAgents returns every agent ordered by ID
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	query := `
		SELECT agent_id, name, status, last_seen, registered_at
		FROM agents
		ORDER BY agent_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*AgentRecord, error) {
	var a AgentRecord
	var lastSeen, registered string
	if err := row.Scan(&a.ID, &a.Name, &a.Status, &lastSeen, &registered); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	var err error
	if a.LastSeen, err = parseTime("last_seen", lastSeen); err != nil {
		return nil, err
	}
	if a.RegisteredAt, err = parseTime("registered_at", registered); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertSession inserts a session or updates its status, reason and end time
func (s *SQLiteStore) UpsertSession(ctx context.Context, rec *SessionRecord) error {
	query := `
		INSERT INTO sessions (session_id, initiator_id, target_id, status, end_reason, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			end_reason = excluded.end_reason,
			ended_at = excluded.ended_at
	`

	var endedAt any
	if rec.EndedAt != nil {
		endedAt = formatTime(*rec.EndedAt)
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.InitiatorID,
		rec.TargetID,
		rec.Status,
		nullString(rec.EndReason),
		formatTime(rec.StartedAt),
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	query := `
		SELECT session_id, initiator_id, target_id, status, end_reason, started_at, ended_at
		FROM sessions
		WHERE session_id = ?
	`
	rec, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListSessions returns sessions matching the filter, newest first
func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]*SessionRecord, error) {
	var where []string
	var args []any
	if f.AgentID != "" {
		where = append(where, "(initiator_id = ? OR target_id = ?)")
		args = append(args, f.AgentID, f.AgentID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `
		SELECT session_id, initiator_id, target_id, status, end_reason, started_at, ended_at
		FROM sessions
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var reason, endedAt sql.NullString
	var startedAt string
	err := row.Scan(&rec.ID, &rec.InitiatorID, &rec.TargetID, &rec.Status, &reason, &startedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	rec.EndReason = reason.String
	if rec.StartedAt, err = parseTime("started_at", startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t, err := parseTime("ended_at", endedAt.String)
		if err != nil {
			return nil, err
		}
		rec.EndedAt = &t
	}
	return &rec, nil
}

// CreateExchange records one AI responder turn
func (s *SQLiteStore) CreateExchange(ctx context.Context, e *Exchange) error {
	query := `
		INSERT INTO exchanges (
			exchange_id, agent_id, session_id, message_id, transcribed_text, reply_text,
			reply_audio_bytes, outcome, error_code, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.AgentID,
		nullString(e.SessionID),
		nullString(e.MessageID),
		nullString(e.TranscribedText),
		nullString(e.ReplyText),
		e.ReplyAudioBytes,
		e.Outcome,
		nullString(e.ErrorCode),
		e.LatencyMS,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting exchange: %w", err)
	}
	return nil
}

// ListExchanges returns an agent's most recent exchanges, newest first
func (s *SQLiteStore) ListExchanges(ctx context.Context, agentID string, limit int) ([]*Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT exchange_id, agent_id, session_id, message_id, transcribed_text, reply_text,
			reply_audio_bytes, outcome, error_code, latency_ms, created_at
		FROM exchanges
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying exchanges: %w", err)
	}
	defer rows.Close()

	var out []*Exchange
	for rows.Next() {
		var e Exchange
		var sessionID, messageID, transcribed, reply, code sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.AgentID, &sessionID, &messageID, &transcribed, &reply,
			&e.ReplyAudioBytes, &e.Outcome, &code, &e.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning exchange: %w", err)
		}
		e.SessionID = sessionID.String
		e.MessageID = messageID.String
		e.TranscribedText = transcribed.String
		e.ReplyText = reply.String
		e.ErrorCode = code.String
		if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating exchanges: %w", err)
	}
	return out, nil
}

// Reconcile marks every agent offline and ends every active session
func (s *SQLiteStore) Reconcile(ctx context.Context, reason string, at time.Time) (ReconcileResult, error) {
	var res ReconcileResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("beginning reconcile: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := tx.ExecContext(ctx, `UPDATE agents SET status = 'offline' WHERE status != 'offline'`)
	if err != nil {
		return res, fmt.Errorf("marking agents offline: %w", err)
	}
	res.AgentsMarkedOffline, _ = r.RowsAffected()

	r, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'ended', end_reason = ?, ended_at = ? WHERE status = 'active'`,
		reason, formatTime(at))
	if err != nil {
		return res, fmt.Errorf("ending stale sessions: %w", err)
	}
	res.SessionsEnded, _ = r.RowsAffected()

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("committing reconcile: %w", err)
	}

	if res.AgentsMarkedOffline > 0 || res.SessionsEnded > 0 {
		s.logger.Info("reconciled state from previous run",
			"agents_offline", res.AgentsMarkedOffline,
			"sessions_ended", res.SessionsEnded)
	}
	return res, nil
}
