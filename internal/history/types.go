package history

import (
	"errors"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Dispatch is one recorded dispatch.
type Dispatch struct {
	ID         string      `json:"id"`
	Project    string      `json:"project"`
	Dispatcher string      `json:"dispatcher"`
	WorkerSize int         `json:"worker_size"`
	Status     Status      `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	LastError  *string     `json:"last_error,omitempty"`
	ErrorKind  *string     `json:"error_kind,omitempty"`
	Workers    []WorkerRun `json:"workers,omitempty"`
}

// FailedWorkers counts workers that exited non-zero or were signalled.
func (d Dispatch) FailedWorkers() int {
	n := 0
	for _, w := range d.Workers {
		if w.ExitCode != 0 || w.Signaled {
			n++
		}
	}
	return n
}

// WorkerRun is the outcome of one worker process.
type WorkerRun struct {
	Index     int       `json:"index"`
	PID       int       `json:"pid"`
	ExitCode  int       `json:"exit_code"`
	Signaled  bool      `json:"signaled"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at"`
}

// Outcome is what Finish records.
type Outcome struct {
	Status    Status
	LastError *string
	ErrorKind *string
	Workers   []WorkerRun
}

var ErrNotFound = errors.New("dispatch not found")
