// Package postgres persists baton sessions in PostgreSQL over a pgx
// connection pool. Events are stored as JSONB rows keyed by log position.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/batonkit/baton"
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store's logger. Defaults to a no-op logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// Store is a PostgreSQL-backed baton.SessionService.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ baton.SessionService = (*Store)(nil)

// New connects to dsn and ensures the schema.
func New(ctx context.Context, dsn string, opts ...StoreOption) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool, logger: nopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS baton_sessions (
	id         TEXT PRIMARY KEY,
	app_name   TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	status     TEXT NOT NULL,
	state      JSONB
);
CREATE TABLE IF NOT EXISTS baton_events (
	session_id TEXT NOT NULL REFERENCES baton_sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	payload    JSONB NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_baton_sessions_app_user ON baton_sessions(app_name, user_id);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) CreateSession(ctx context.Context, session *baton.Session) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM baton_sessions WHERE id = $1)`, session.ID()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists {
		return fmt.Errorf("session %s already exists", session.ID())
	}
	return s.SaveSession(ctx, session)
}

func (s *Store) SaveSession(ctx context.Context, session *baton.Session) error {
	snap := session.Snapshot()
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO baton_sessions (id, app_name, user_id, created_at, updated_at, status, state)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at,
	status = EXCLUDED.status, state = EXCLUDED.state`,
		snap.ID, snap.AppName, snap.UserID, snap.CreatedAt, snap.UpdatedAt, string(snap.Status), state)
	if err != nil {
		return fmt.Errorf("save session row: %w", err)
	}

	var have int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(1) FROM baton_events WHERE session_id = $1`, snap.ID).Scan(&have); err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	for i := have; i < len(snap.Events); i++ {
		payload, err := json.Marshal(snap.Events[i])
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", i, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO baton_events (session_id, seq, payload) VALUES ($1, $2, $3)`,
			snap.ID, i, payload); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	s.logger.Debug("session saved", "session_id", snap.ID, "events", len(snap.Events))
	return nil
}

func (s *Store) LoadSession(ctx context.Context, id string) (*baton.Session, error) {
	snap := &baton.SessionSnapshot{}
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, app_name, user_id, created_at, updated_at, status FROM baton_sessions WHERE id = $1`, id).
		Scan(&snap.ID, &snap.AppName, &snap.UserID, &snap.CreatedAt, &snap.UpdatedAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &baton.ErrSessionNotFound{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("load session row: %w", err)
	}
	snap.Status = baton.SessionStatus(status)

	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM baton_events WHERE session_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev baton.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		snap.Events = append(snap.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return baton.RestoreSession(snap), nil
}

func (s *Store) ListSessions(ctx context.Context, appName, userID string) ([]baton.SessionInfo, error) {
	rows, err := s.pool.Query(ctx, `
SELECT s.id, s.app_name, s.user_id, s.created_at, s.updated_at, s.status,
	(SELECT COUNT(1) FROM baton_events e WHERE e.session_id = s.id)
FROM baton_sessions s
WHERE ($1 = '' OR s.app_name = $1) AND ($2 = '' OR s.user_id = $2)
ORDER BY s.created_at`, appName, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []baton.SessionInfo
	for rows.Next() {
		var info baton.SessionInfo
		var status string
		if err := rows.Scan(&info.ID, &info.AppName, &info.UserID,
			&info.CreatedAt, &info.UpdatedAt, &status, &info.EventCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.Status = baton.SessionStatus(status)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM baton_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func nopLogger() *slog.Logger {
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
