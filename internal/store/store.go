// Package store persists session records and finalized transcripts in
// SQLite. Interim recognition results never reach this layer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/engine"
)

// Session status values. A session leaves "active" exactly once and is
// never reactivated.
const (
	StatusActive  = "active"
	StatusStopped = "stopped"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

// Session is the durable session record. EndedAt is nil exactly while the
// status is active.
type Session struct {
	ID        string
	CreatedAt time.Time
	EndedAt   *time.Time
	Status    string
	Language  string
	Config    map[string]any
}

// Transcript is a finalized recognition result owned by a session record.
type Transcript struct {
	ID         int64
	SessionID  string
	Text       string
	Confidence float64
	IsFinal    bool
	Words      []engine.WordInfo
	Timestamp  time.Time
}

// Repository is the persistence contract consumed by the session
// coordinator.
type Repository interface {
	CreateSession(ctx context.Context, id string, createdAt time.Time, language string, cfg map[string]any) error
	EndSession(ctx context.Context, id string, endedAt time.Time, status string) error
	SaveTranscript(ctx context.Context, t Transcript) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListTranscripts(ctx context.Context, sessionID string) ([]Transcript, error)
	CountTranscripts(ctx context.Context, sessionID string) (int, error)
}

// Store is the SQLite-backed Repository.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the session store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
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

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("session store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if cfg.ReconcileOnStart {
		n, err := s.ReconcileStale(ctx, s.clock().UTC())
		if err != nil {
			log.Warn("stale session reconciliation failed", slog.String("error", err.Error()))
		} else if n > 0 {
			log.Info("reconciled stale active sessions", slog.Int64("count", n))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    status TEXT NOT NULL DEFAULT 'active',
    language TEXT NOT NULL DEFAULT 'en-US',
    config_json TEXT
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    text TEXT NOT NULL,
    confidence REAL NOT NULL,
    is_final INTEGER NOT NULL DEFAULT 1,
    words_json TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session_created ON transcripts(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateSession inserts a new session row with status active.
func (s *Store) CreateSession(ctx context.Context, id string, createdAt time.Time, language string, cfg map[string]any) error {
	var blob []byte
	if len(cfg) > 0 {
		var err error
		blob, err = json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode session config: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at, status, language, config_json)
		 VALUES(?, ?, ?, ?, ?)`,
		id, createdAt.UTC(), StatusActive, language, nullableString(blob))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession marks a session terminal. Status must be one of stopped,
// timeout, or error.
func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, status = ? WHERE session_id = ?`,
		endedAt.UTC(), status, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end session: no row for %s", id)
	}
	return nil
}

// SaveTranscript writes a finalized transcript.
func (s *Store) SaveTranscript(ctx context.Context, t Transcript) error {
	var words []byte
	if len(t.Words) > 0 {
		var err error
		words, err = json.Marshal(t.Words)
		if err != nil {
			return fmt.Errorf("encode transcript words: %w", err)
		}
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, text, confidence, is_final, words_json, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Text, t.Confidence, t.IsFinal, nullableString(words), t.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// GetSession fetches one session row, or nil when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, created_at, ended_at, status, language, config_json
		 FROM sessions WHERE session_id = ?`, id)

	var sess Session
	var created string
	var ended sql.NullString
	var blob sql.NullString
	if err := row.Scan(&sess.ID, &created, &ended, &sess.Status, &sess.Language, &blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	if ts, err := parseTimestamp(created); err == nil {
		sess.CreatedAt = ts
	}
	if ended.Valid {
		if ts, err := parseTimestamp(ended.String); err == nil {
			sess.EndedAt = &ts
		}
	}
	if blob.Valid && blob.String != "" {
		if err := json.Unmarshal([]byte(blob.String), &sess.Config); err != nil {
			s.log.Warn("failed to decode session config", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	return &sess, nil
}

// ListTranscripts retrieves all transcripts for a session ordered ascending
// by time.
func (s *Store) ListTranscripts(ctx context.Context, sessionID string) ([]Transcript, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, text, confidence, is_final, words_json, created_at
		 FROM transcripts WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var transcripts []Transcript
	for rows.Next() {
		var t Transcript
		var words sql.NullString
		var created string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Text, &t.Confidence, &t.IsFinal, &words, &created); err != nil {
			return nil, err
		}
		if ts, err := parseTimestamp(created); err == nil {
			t.Timestamp = ts
		}
		if words.Valid && words.String != "" {
			if err := json.Unmarshal([]byte(words.String), &t.Words); err != nil {
				s.log.Warn("failed to decode transcript words", slog.Int64("transcript_id", t.ID), slog.String("error", err.Error()))
			}
		}
		transcripts = append(transcripts, t)
	}
	return transcripts, rows.Err()
}

// CountTranscripts reports the number of stored transcripts for a session.
func (s *Store) CountTranscripts(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcripts WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transcripts: %w", err)
	}
	return n, nil
}

// ReconcileStale marks sessions still recorded as active as errored. Used
// at process start when no in-memory state can correspond to them.
func (s *Store) ReconcileStale(ctx context.Context, endedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, status = ? WHERE status = ?`,
		endedAt.UTC(), StatusError, StatusActive)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Prune applies configured retention (called on startup and can be
// scheduled). Transcripts follow their session via cascade delete.
func (s *Store) Prune(ctx context.Context) error {
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

func nullableString(blob []byte) any {
	if len(blob) == 0 {
		return nil
	}
	return string(blob)
}

func parseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02 15:04:05.999999999-07:00", value)
}
