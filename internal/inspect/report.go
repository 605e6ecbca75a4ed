// Package inspect renders a recorded dispatch for terminals and scripts.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/fanout/internal/history"
)

// Report is the structured JSON representation of a dispatch report.
type Report struct {
	DispatchID    string          `json:"dispatch_id"`
	Project       string          `json:"project"`
	Dispatcher    string          `json:"dispatcher"`
	Status        string          `json:"status"`
	WorkerSize    int             `json:"worker_size"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	Duration      string          `json:"duration,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	FailedWorkers int             `json:"failed_workers"`
	Workers       []WorkerSummary `json:"workers"`
}

// WorkerSummary is one worker line of the report.
type WorkerSummary struct {
	Index    int    `json:"index"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Signaled bool   `json:"signaled"`
	Outcome  string `json:"outcome"`
	Duration string `json:"duration,omitempty"`
}

// BuildReport renders a terminal-friendly report for a dispatch in the
// local state database.
func BuildReport(ctx context.Context, db *sql.DB, dispatchID string) (string, error) {
	d, err := history.New(db).Get(ctx, dispatchID)
	if err != nil {
		return "", err
	}
	return Render(FromDispatch(d)), nil
}

// BuildJSONReport is BuildReport as indented JSON.
func BuildJSONReport(ctx context.Context, db *sql.DB, dispatchID string) (string, error) {
	d, err := history.New(db).Get(ctx, dispatchID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(FromDispatch(d), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	return string(data), nil
}

// FromDispatch builds a Report from a dispatch loaded with its worker runs.
func FromDispatch(d *history.Dispatch) *Report {
	r := &Report{
		DispatchID:    d.ID,
		Project:       d.Project,
		Dispatcher:    d.Dispatcher,
		Status:        string(d.Status),
		WorkerSize:    d.WorkerSize,
		StartedAt:     d.StartedAt,
		FinishedAt:    d.FinishedAt,
		FailedWorkers: d.FailedWorkers(),
		Workers:       make([]WorkerSummary, 0, len(d.Workers)),
	}
	if d.FinishedAt != nil {
		r.Duration = d.FinishedAt.Sub(d.StartedAt).Round(time.Millisecond).String()
	}
	if d.LastError != nil {
		r.Error = strings.TrimSpace(*d.LastError)
	}
	if d.ErrorKind != nil {
		r.ErrorKind = *d.ErrorKind
	}
	for _, w := range d.Workers {
		ws := WorkerSummary{
			Index:    w.Index,
			PID:      w.PID,
			ExitCode: w.ExitCode,
			Signaled: w.Signaled,
			Outcome:  Outcome(w.ExitCode, w.Signaled),
		}
		if !w.StartedAt.IsZero() && !w.ExitedAt.IsZero() {
			ws.Duration = w.ExitedAt.Sub(w.StartedAt).Round(time.Millisecond).String()
		}
		r.Workers = append(r.Workers, ws)
	}
	return r
}

// Outcome summarises a worker exit in a few words.
func Outcome(code int, signaled bool) string {
	switch {
	case signaled:
		return "killed by signal"
	case code == 0:
		return "ok"
	default:
		return fmt.Sprintf("exit %d", code)
	}
}

// Render formats r for a terminal.
func Render(r *Report) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Dispatch Report\n")
	fmt.Fprintf(&out, "Dispatch ID : %s\n", r.DispatchID)
	fmt.Fprintf(&out, "Project     : %s\n", r.Project)
	fmt.Fprintf(&out, "Dispatcher  : %s\n", r.Dispatcher)
	fmt.Fprintf(&out, "Status      : %s\n", r.Status)
	fmt.Fprintf(&out, "Workers     : %d\n", r.WorkerSize)
	fmt.Fprintf(&out, "Started     : %s\n", r.StartedAt.Local().Format(time.DateTime))
	if r.FinishedAt != nil {
		fmt.Fprintf(&out, "Finished    : %s (%s)\n", r.FinishedAt.Local().Format(time.DateTime), r.Duration)
	} else {
		fmt.Fprintf(&out, "Finished    : <running>\n")
	}
	if r.Error != "" {
		fmt.Fprintf(&out, "Error       : %s (%s)\n", r.Error, renderUnset(r.ErrorKind, "unknown"))
	}

	if len(r.Workers) == 0 {
		fmt.Fprintf(&out, "\nNo workers were started.\n")
		return out.String()
	}

	fmt.Fprintf(&out, "\n")
	for _, w := range r.Workers {
		fmt.Fprintf(&out, "[%d] pid %-8d %-18s %s\n", w.Index, w.PID, w.Outcome, w.Duration)
	}
	if r.FailedWorkers > 0 {
		fmt.Fprintf(&out, "\n%d of %d workers failed\n", r.FailedWorkers, len(r.Workers))
	}
	return out.String()
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
