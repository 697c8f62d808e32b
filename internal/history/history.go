// Package history persists an append-only, read-optimized
// denormalization of each iteration's Result to a local SQLite
// database, purely for later querying (spec.md §9's open question on
// stats counters). It is explicitly derivative, never authoritative:
// callers must never read it to make scheduling decisions — those
// always recompute from the backlog's pending/blocked/completed
// slices.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"ralph/internal/logx"
)

// Record is one completed iteration, as written by the driver after
// every RunIteration call.
type Record struct {
	ID         int64
	StoryID    string
	Outcome    string
	ErrorClass string
	Iteration  int
	DurationMs int64
	RecordedAt time.Time
}

// Store is a SQLite-backed append-only log of Records.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open connects to (creating if necessary) the SQLite database at
// path and ensures its schema exists. Connection settings mirror the
// teacher's single-writer SQLite convention: WAL journaling, a busy
// timeout so a concurrent reader never trips SQLITE_BUSY, and a
// single open connection since SQLite permits only one writer.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path,
	))
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &Store{db: db, logger: logx.NewLogger("history")}, nil
}

func createSchema(db *sql.DB) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS iteration_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	story_id    TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	error_class TEXT NOT NULL DEFAULT '',
	iteration   INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_iteration_history_story ON iteration_history(story_id);
`
	_, err := db.Exec(stmt)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one completed iteration. Callers (the driver) treat
// a failure here as non-fatal to the iteration itself — only logged.
func (s *Store) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO iteration_history (story_id, outcome, error_class, iteration, duration_ms) VALUES (?, ?, ?, ?, ?)`,
		rec.StoryID, rec.Outcome, rec.ErrorClass, rec.Iteration, rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("append iteration history: %w", err)
	}
	return nil
}

// RecentIterations returns the most recent limit records, newest
// first.
func (s *Store) RecentIterations(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, story_id, outcome, error_class, iteration, duration_ms, recorded_at
		 FROM iteration_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent iterations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.StoryID, &r.Outcome, &r.ErrorClass, &r.Iteration, &r.DurationMs, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan iteration history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StoryDuration sums the recorded duration of every iteration
// attributed to storyID.
func (s *Store) StoryDuration(ctx context.Context, storyID string) (time.Duration, error) {
	var totalMs sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(duration_ms) FROM iteration_history WHERE story_id = ?`, storyID,
	).Scan(&totalMs)
	if err != nil {
		return 0, fmt.Errorf("query story duration: %w", err)
	}
	return time.Duration(totalMs.Int64) * time.Millisecond, nil
}

// RetryBreakdown counts ERROR-outcome iterations by error class,
// across the whole history.
func (s *Store) RetryBreakdown(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT error_class, COUNT(*) FROM iteration_history WHERE outcome = 'ERROR' GROUP BY error_class`)
	if err != nil {
		return nil, fmt.Errorf("query retry breakdown: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var class string
		var count int
		if err := rows.Scan(&class, &count); err != nil {
			return nil, fmt.Errorf("scan retry breakdown row: %w", err)
		}
		out[class] = count
	}
	return out, rows.Err()
}
