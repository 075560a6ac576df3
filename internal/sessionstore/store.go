// Package sessionstore persists session lifecycles and final statistics to
// SQLite so operators can inspect past streams. Retention mirrors the
// configured mode; ephemeral disables persistence entirely.
package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/claude-did-this/chip-audio-receiver/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one recorded lifecycle entry for a session.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps the SQLite-backed session archive.
type Store struct {
	db    *sql.DB
	cfg   config.SessionStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode returns a
// no-op store with no database behind it.
func Open(ctx context.Context, cfg config.SessionStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    endpoint TEXT,
    format TEXT,
    sample_rate INTEGER,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS session_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_session_events_session_created ON session_events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession upserts a session row; repeat registration updates the
// endpoint and declared format the way the registry does.
func (s *Store) AppendSession(ctx context.Context, sessionID, endpoint, format string, sampleRate uint32) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, endpoint, format, sample_rate, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET endpoint=excluded.endpoint, format=excluded.format, sample_rate=excluded.sample_rate`,
		sessionID, endpoint, format, sampleRate, s.clock().UTC())
	return err
}

// AppendEvent records a lifecycle event (ended, timeout, degraded) with an
// optional JSON payload such as the final statistics.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events(session_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered
// ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM session_events WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention; called on startup and from the
// cleanup loop.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM session_events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
