package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/fanout/internal/history"
	"github.com/mattjoyce/fanout/internal/storage"
)

func TestBuildReportRendersWorkers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "fanout.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := history.New(db)
	id, err := store.Begin(ctx, "alpha", "druby://10.0.0.2:9000", 3)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	now := time.Now().UTC()
	err = store.Finish(ctx, id, history.Outcome{
		Status: history.StatusCompleted,
		Workers: []history.WorkerRun{
			{Index: 1, PID: 101, StartedAt: now, ExitedAt: now.Add(2 * time.Second)},
			{Index: 2, PID: 102, ExitCode: 1, StartedAt: now, ExitedAt: now.Add(3 * time.Second)},
			{Index: 3, PID: 103, Signaled: true, StartedAt: now, ExitedAt: now.Add(time.Second)},
		},
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	report, err := BuildReport(ctx, db, id)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{
		"Dispatch ID : " + id,
		"Project     : alpha",
		"Status      : completed",
		"[1] pid 101",
		"ok",
		"exit 1",
		"killed by signal",
		"2 of 3 workers failed",
	} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}

	raw, err := BuildJSONReport(ctx, db, id)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.FailedWorkers != 2 || len(decoded.Workers) != 3 || decoded.Workers[1].Duration != "3s" {
		t.Fatalf("unexpected JSON report: %+v", decoded)
	}
}

func TestBuildReportNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "fanout.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := BuildReport(ctx, db, "missing"); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRenderFailedBeforeFork(t *testing.T) {
	t.Parallel()

	msg := "rsync exited 10: connection refused\n"
	kind := "sync"
	finished := time.Now()
	out := Render(FromDispatch(&history.Dispatch{
		ID:         "d-1",
		Project:    "alpha",
		Status:     history.StatusFailed,
		WorkerSize: 2,
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: &finished,
		LastError:  &msg,
		ErrorKind:  &kind,
	}))
	if !strings.Contains(out, "Error       : rsync exited 10: connection refused (sync)") {
		t.Fatalf("missing error line:\n%s", out)
	}
	if !strings.Contains(out, "No workers were started.") {
		t.Fatalf("missing empty-pool line:\n%s", out)
	}
}

func TestRenderRunning(t *testing.T) {
	t.Parallel()
	out := Render(FromDispatch(&history.Dispatch{ID: "d-2", Status: history.StatusRunning, StartedAt: time.Now()}))
	if !strings.Contains(out, "Finished    : <running>") {
		t.Fatalf("expected running marker:\n%s", out)
	}
}

func TestOutcome(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code     int
		signaled bool
		want     string
	}{
		{0, false, "ok"},
		{3, false, "exit 3"},
		{-1, true, "killed by signal"},
	}
	for _, tt := range tests {
		if got := Outcome(tt.code, tt.signaled); got != tt.want {
			t.Errorf("Outcome(%d, %v) = %q, want %q", tt.code, tt.signaled, got, tt.want)
		}
	}
}
