// Package sqlite is a durable FindingsStore backed by SQLite, letting
// investigations survive daemon restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/arbiter-dev/arbiterd/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS findings (
	continuation_id TEXT PRIMARY KEY,
	tool TEXT NOT NULL,
	payload TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_expires ON findings(expires_at);
`

// Store is a SQLite implementation of FindingsStore.
type Store struct {
	db *sqlx.DB
}

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Load returns the findings for a continuation id, or nil on a miss.
// Expired rows are deleted lazily and reported as misses.
func (s *Store) Load(ctx context.Context, continuationID string) (*domain.ConsolidatedFindings, error) {
	var row struct {
		Payload   string `db:"payload"`
		ExpiresAt int64  `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT payload, expires_at FROM findings WHERE continuation_id = ?", continuationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load findings: %w", err)
	}

	if time.Now().Unix() >= row.ExpiresAt {
		_, _ = s.db.ExecContext(ctx,
			"DELETE FROM findings WHERE continuation_id = ? AND expires_at <= ?",
			continuationID, time.Now().Unix())
		return nil, nil
	}

	var findings domain.ConsolidatedFindings
	if err := json.Unmarshal([]byte(row.Payload), &findings); err != nil {
		return nil, fmt.Errorf("failed to decode findings payload: %w", err)
	}
	return &findings, nil
}

// Save upserts findings with the given TTL.
func (s *Store) Save(ctx context.Context, continuationID string, findings *domain.ConsolidatedFindings, ttl time.Duration) error {
	payload, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("failed to encode findings: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO findings (continuation_id, tool, payload, expires_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(continuation_id) DO UPDATE SET
	tool = excluded.tool,
	payload = excluded.payload,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at`,
		continuationID, findings.Tool, string(payload), now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to save findings: %w", err)
	}
	return nil
}

// Sweep deletes all expired rows. Intended for a periodic maintenance
// goroutine; Load already treats expired rows as misses.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM findings WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep findings: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}
