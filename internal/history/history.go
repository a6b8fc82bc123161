// Package history persists scheduler job outcomes to a local SQLite file so
// operators can inspect runs across daemon restarts and from other processes.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Record is one job run outcome.
type Record struct {
	ID         int64
	Job        string
	StartedAt  time.Time
	DurationMS int64
	Status     string
	Detail     string
}

// Store is a SQLite-backed run log. Safe for concurrent use; writes are
// serialized on a single connection.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS job_runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job         TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job, id DESC);
`

// Open opens (creating if needed) the run log at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history: db path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "history: open %s", path)
	}
	// Single writer connection keeps modernc/sqlite happy under concurrency.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "history: %s", pragma)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "history: create schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Insert appends one run record.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (job, started_at, duration_ms, status, detail) VALUES (?, ?, ?, ?, ?)`,
		rec.Job, rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.DurationMS, rec.Status, rec.Detail)
	if err != nil {
		return errors.Wrapf(err, "history: insert run for %s", rec.Job)
	}
	return nil
}

// Recent returns the most recent runs across all jobs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.query(ctx,
		`SELECT id, job, started_at, duration_ms, status, detail FROM job_runs ORDER BY id DESC LIMIT ?`,
		limit)
}

// RecentForJob returns the most recent runs of one job, newest first.
func (s *Store) RecentForJob(ctx context.Context, job string, limit int) ([]Record, error) {
	return s.query(ctx,
		`SELECT id, job, started_at, duration_ms, status, detail FROM job_runs WHERE job = ? ORDER BY id DESC LIMIT ?`,
		job, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "history: query runs")
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var startedAt string
		if err := rows.Scan(&rec.ID, &rec.Job, &startedAt, &rec.DurationMS, &rec.Status, &rec.Detail); err != nil {
			return nil, errors.Wrap(err, "history: scan run")
		}
		ts, err := time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "history: bad timestamp %q", startedAt)
		}
		rec.StartedAt = ts
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "history: iterate runs")
}
