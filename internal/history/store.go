// Package history keeps a sqlite ledger of completed downloads so later
// runs can skip what is already on disk.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
    url          TEXT PRIMARY KEY,
    dest_path    TEXT NOT NULL,
    bytes        INTEGER NOT NULL,
    attempts     INTEGER NOT NULL,
    elapsed_ms   INTEGER NOT NULL,
    run_id       TEXT NOT NULL,
    completed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_completed_at ON downloads(completed_at);
`

// Entry is one completed download.
type Entry struct {
	URL         string
	DestPath    string
	Bytes       int64
	Attempts    int
	Elapsed     time.Duration
	RunID       string
	CompletedAt time.Time
}

// Store manages the ledger backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or connects to the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path is the database file.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record upserts a completed download.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO downloads (url, dest_path, bytes, attempts, elapsed_ms, run_id, completed_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(url) DO UPDATE SET
             dest_path = excluded.dest_path,
             bytes = excluded.bytes,
             attempts = excluded.attempts,
             elapsed_ms = excluded.elapsed_ms,
             run_id = excluded.run_id,
             completed_at = excluded.completed_at`,
		e.URL, e.DestPath, e.Bytes, e.Attempts, e.Elapsed.Milliseconds(), e.RunID,
		e.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

// Has reports whether url completed in an earlier run.
func (s *Store) Has(ctx context.Context, url string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM downloads WHERE url = ?`, url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup download: %w", err)
	}
	return true, nil
}

// List returns the most recent entries first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT url, dest_path, bytes, attempts, elapsed_ms, run_id, completed_at
              FROM downloads ORDER BY completed_at DESC, url`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			elapsedMS int64
			completed string
		)
		if err := rows.Scan(&e.URL, &e.DestPath, &e.Bytes, &e.Attempts, &elapsedMS, &e.RunID, &completed); err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		if ts, err := time.Parse(time.RFC3339Nano, completed); err == nil {
			e.CompletedAt = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count is the number of entries in the ledger.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM downloads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count downloads: %w", err)
	}
	return n, nil
}
