// Package sqlite persists baton sessions in a local SQLite database. The
// driver is pure Go (modernc.org/sqlite), so no cgo is needed.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/batonkit/baton"
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store's logger. Defaults to a no-op logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// Store is a SQLite-backed baton.SessionService. The event log is the
// authoritative record; the state column is a convenience snapshot and may be
// NULL without affecting restores.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ baton.SessionService = (*Store)(nil)

// New opens (or creates) the database at path and ensures the schema.
func New(path string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: nopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	app_name   TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	status     TEXT NOT NULL,
	state      TEXT
);
CREATE TABLE IF NOT EXISTS events (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_sessions_app_user ON sessions(app_name, user_id);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateSession(ctx context.Context, session *baton.Session) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, session.ID()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists > 0 {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions (id, app_name, user_id, created_at, updated_at, status, state)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at,
	status = excluded.status, state = excluded.state`,
		snap.ID, snap.AppName, snap.UserID, snap.CreatedAt, snap.UpdatedAt, string(snap.Status), string(state))
	if err != nil {
		return fmt.Errorf("save session row: %w", err)
	}

	// The log is append-only: only events past the stored high-water mark
	// are inserted.
	var have int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE session_id = ?`, snap.ID).Scan(&have); err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	for i := have; i < len(snap.Events); i++ {
		payload, err := json.Marshal(snap.Events[i])
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO events (session_id, seq, payload) VALUES (?, ?, ?)`,
			snap.ID, i, string(payload)); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	s.logger.Debug("session saved", "session_id", snap.ID, "events", len(snap.Events))
	return nil
}

func (s *Store) LoadSession(ctx context.Context, id string) (*baton.Session, error) {
	snap := &baton.SessionSnapshot{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, app_name, user_id, created_at, updated_at, status FROM sessions WHERE id = ?`, id).
		Scan(&snap.ID, &snap.AppName, &snap.UserID, &snap.CreatedAt, &snap.UpdatedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &baton.ErrSessionNotFound{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("load session row: %w", err)
	}
	snap.Status = baton.SessionStatus(status)

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM events WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev baton.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
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
	rows, err := s.db.QueryContext(ctx, `
SELECT s.id, s.app_name, s.user_id, s.created_at, s.updated_at, s.status,
	(SELECT COUNT(1) FROM events e WHERE e.session_id = s.id)
FROM sessions s
WHERE (? = '' OR s.app_name = ?) AND (? = '' OR s.user_id = ?)
ORDER BY s.created_at`, appName, appName, userID, userID)
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
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
