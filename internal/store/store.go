package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/giovanycoelho/respondergpt/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS outcomes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	chat_id    TEXT NOT NULL,
	state      TEXT NOT NULL,
	reason     TEXT,
	service    TEXT
);
CREATE INDEX IF NOT EXISTS idx_outcomes_at ON outcomes(at);
CREATE INDEX IF NOT EXISTS idx_outcomes_sender ON outcomes(sender_key);
`

// OutcomeRecord is one journaled pipeline outcome.
type OutcomeRecord struct {
	At        time.Time `json:"at"`
	EventID   string    `json:"event_id"`
	SenderKey string    `json:"sender_key"`
	ChatID    string    `json:"chat_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Service   string    `json:"service,omitempty"`
}

// Store is the local sqlite audit journal. Writes happen on the pipeline
// hot path, so RecordOutcome is fire-and-forget: it logs failures instead
// of propagating them.
type Store struct {
	db *sql.DB
}

// Open creates or opens the journal database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordOutcome implements pipeline.Journal.
func (s *Store) RecordOutcome(eventID, senderKey, chatID string, state pipeline.State, reason pipeline.DropReason, service string) {
	_, err := s.db.Exec(
		`INSERT INTO outcomes(at, event_id, sender_key, chat_id, state, reason, service)
		 VALUES(?,?,?,?,?,?,?)`,
		time.Now().UTC().Format(time.RFC3339Nano), eventID, senderKey, chatID,
		string(state), nullStr(string(reason)), nullStr(service),
	)
	if err != nil {
		slog.Warn("journal write failed", "event_id", eventID, "error", err)
	}
}

// Recent returns the latest journaled outcomes, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, event_id, sender_key, chat_id, state, COALESCE(reason,''), COALESCE(service,'')
		 FROM outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var rec OutcomeRecord
		var at string
		if err := rows.Scan(&at, &rec.EventID, &rec.SenderKey, &rec.ChatID, &rec.State, &rec.Reason, &rec.Service); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		rec.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByState returns outcome totals grouped by state since the cutoff.
func (s *Store) CountByState(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM outcomes WHERE at >= ? GROUP BY state`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// Prune deletes journal rows older than the cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outcomes WHERE at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

var _ pipeline.Journal = (*Store)(nil)
