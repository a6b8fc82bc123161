package zkfleet

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zkfleet/zkfleet/internal/env"
	"github.com/zkfleet/zkfleet/internal/history"
)

// RunStatus classifies one scheduler job run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// RunRecord is one job run outcome handed to the recorder. Job is the
// scheduler job id; per-device jobs embed the device key ("backup/tmi").
type RunRecord struct {
	Job       string
	StartedAt time.Time
	Duration  time.Duration
	Status    RunStatus
	Detail    string
}

// RunRecorder persists job run outcomes. Implementations must be safe for
// concurrent use; the scheduler calls it from job goroutines.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

type noopRecorder struct{}

func (noopRecorder) RecordRun(context.Context, RunRecord) error { return nil }

// HistoryRecorder writes run outcomes to the SQLite run log.
type HistoryRecorder struct {
	store *history.Store
}

// NewHistoryRecorder opens (creating if needed) the run log at path.
func NewHistoryRecorder(path string) (*HistoryRecorder, error) {
	store, err := history.Open(path)
	if err != nil {
		return nil, err
	}
	return &HistoryRecorder{store: store}, nil
}

func (r *HistoryRecorder) RecordRun(ctx context.Context, rec RunRecord) error {
	return r.store.Insert(ctx, history.Record{
		Job:        rec.Job,
		StartedAt:  rec.StartedAt,
		DurationMS: rec.Duration.Milliseconds(),
		Status:     string(rec.Status),
		Detail:     rec.Detail,
	})
}

// Close closes the underlying database.
func (r *HistoryRecorder) Close() error { return r.store.Close() }

// NewRunRecorderFromEnv returns the SQLite recorder when HISTORY_DB_PATH is
// set, and a no-op recorder otherwise.
func NewRunRecorderFromEnv() (RunRecorder, error) {
	path := env.String("HISTORY_DB_PATH", "")
	if path == "" {
		log.Debug().Msg("HISTORY_DB_PATH not set, job history disabled")
		return noopRecorder{}, nil
	}
	rec, err := NewHistoryRecorder(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("job history enabled")
	return rec, nil
}
