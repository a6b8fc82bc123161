package zkfleet

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/zkfleet/zkfleet/internal/history"
)

func TestHistoryRecorderWritesRunLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	rec, err := NewHistoryRecorder(path)
	if err != nil {
		t.Fatalf("NewHistoryRecorder: %v", err)
	}

	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	runs := []RunRecord{
		{Job: "backup/tmi", StartedAt: started, Duration: 1200 * time.Millisecond, Status: RunSuccess},
		{Job: "refresh/tmi", StartedAt: started.Add(time.Minute), Duration: 80 * time.Millisecond, Status: RunFailed, Detail: "device unavailable"},
	}
	for _, run := range runs {
		if err := rec.RecordRun(context.Background(), run); err != nil {
			t.Fatalf("RecordRun(%s): %v", run.Job, err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err := history.Open(path)
	if err != nil {
		t.Fatalf("reopen history: %v", err)
	}
	defer store.Close()
	got, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d records, want 2", len(got))
	}
	// Newest first.
	if got[0].Job != "refresh/tmi" || got[0].Status != string(RunFailed) {
		t.Fatalf("newest record = %+v, want refresh/tmi failed", got[0])
	}
	if got[0].Detail != "device unavailable" {
		t.Fatalf("Detail = %q, want device unavailable", got[0].Detail)
	}
	if got[1].Job != "backup/tmi" || got[1].DurationMS != 1200 {
		t.Fatalf("oldest record = %+v, want backup/tmi with 1200ms", got[1])
	}
}

func TestNewRunRecorderFromEnv(t *testing.T) {
	t.Setenv("HISTORY_DB_PATH", "")
	rec, err := NewRunRecorderFromEnv()
	if err != nil {
		t.Fatalf("NewRunRecorderFromEnv: %v", err)
	}
	if _, ok := rec.(noopRecorder); !ok {
		t.Fatalf("recorder without HISTORY_DB_PATH = %T, want noopRecorder", rec)
	}
	if err := rec.RecordRun(context.Background(), RunRecord{Job: "x"}); err != nil {
		t.Fatalf("noop RecordRun: %v", err)
	}

	t.Setenv("HISTORY_DB_PATH", filepath.Join(t.TempDir(), "runs.db"))
	rec, err = NewRunRecorderFromEnv()
	if err != nil {
		t.Fatalf("NewRunRecorderFromEnv with path: %v", err)
	}
	hr, ok := rec.(*HistoryRecorder)
	if !ok {
		t.Fatalf("recorder with HISTORY_DB_PATH = %T, want *HistoryRecorder", rec)
	}
	if err := hr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
