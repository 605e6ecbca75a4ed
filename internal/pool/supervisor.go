// Package pool starts, tracks and terminates the worker processes of a dispatch.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/fanout/internal/log"
)

// ErrClosed is returned when a worker would be started after Close.
var ErrClosed = errors.New("worker pool closed")

// DefaultGrace is the time between SIGTERM and SIGKILL when a dispatch is cancelled.
const DefaultGrace = 5 * time.Second

// Factory returns the unstarted command for worker index (1-based).
type Factory func(ctx context.Context, index int) (*exec.Cmd, error)

// Worker is a started worker process.
type Worker struct {
	Index     int       `json:"index"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Result describes how a worker process ended.
type Result struct {
	Index     int       `json:"index"`
	PID       int       `json:"pid"`
	ExitCode  int       `json:"exit_code"`
	Signaled  bool      `json:"signaled"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at"`
	Err       error     `json:"-"`
}

// Observer is notified about worker lifecycle changes. Calls come from
// the goroutine that started or reaped the worker.
type Observer interface {
	WorkerStarted(w Worker)
	WorkerExited(r Result)
}

type handle struct {
	index   int
	cmd     *exec.Cmd
	started time.Time
}

// Supervisor owns the handle list of the current dispatch.
type Supervisor struct {
	grace    time.Duration
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	handles []*handle
	closed  bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGrace sets the SIGTERM to SIGKILL delay used on cancellation.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithObserver registers lifecycle callbacks.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observer = o }
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		grace:  DefaultGrace,
		logger: log.WithComponent("pool"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn replaces the handle list, starts n workers in index order and blocks
// until every one of them has exited. If a worker cannot be created or
// started, the workers already running are terminated and reaped before the
// error is returned.
//
// Cancelling ctx while workers run sends SIGTERM, then SIGKILL after the
// grace period. Spawn still waits for every process and returns ctx's error
// alongside the results.
func (s *Supervisor) Spawn(ctx context.Context, n int, factory Factory) ([]Result, error) {
	if n < 1 {
		return nil, fmt.Errorf("worker count must be positive, got %d", n)
	}

	s.mu.Lock()
	s.handles = make([]*handle, 0, n)
	s.mu.Unlock()

	var startErr error
	for index := 1; index <= n; index++ {
		h, err := s.start(ctx, index, factory)
		if err != nil {
			startErr = fmt.Errorf("start worker %d: %w", index, err)
			break
		}
		s.mu.Lock()
		s.handles = append(s.handles, h)
		s.mu.Unlock()
		s.logger.Debug("worker started", "index", index, "pid", h.cmd.Process.Pid)
		if s.observer != nil {
			s.observer.WorkerStarted(Worker{Index: index, PID: h.cmd.Process.Pid, StartedAt: h.started})
		}
	}
	if startErr != nil {
		s.KillAll()
	}

	results := s.waitAll(ctx)

	s.mu.Lock()
	s.handles = nil
	s.mu.Unlock()

	if startErr != nil {
		return results, startErr
	}
	return results, ctx.Err()
}

func (s *Supervisor) start(ctx context.Context, index int, factory Factory) (*handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	cmd, err := factory(ctx, index)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, errors.New("factory returned no command")
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &handle{index: index, cmd: cmd, started: time.Now().UTC()}, nil
}

// waitAll reaps every tracked process. It is the only place Wait is called.
func (s *Supervisor) waitAll(ctx context.Context) []Result {
	s.mu.Lock()
	handles := append([]*handle(nil), s.handles...)
	s.mu.Unlock()

	results := make([]Result, len(handles))
	if len(handles) == 0 {
		return results
	}

	allDone := make(chan struct{})
	go s.terminateOnCancel(ctx, allDone)
	defer close(allDone)

	var g errgroup.Group
	for i, h := range handles {
		g.Go(func() error {
			err := h.cmd.Wait()
			results[i] = resultOf(h, err)
			s.logger.Debug("worker exited", "index", h.index, "pid", results[i].PID, "exit_code", results[i].ExitCode)
			if s.observer != nil {
				s.observer.WorkerExited(results[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Supervisor) terminateOnCancel(ctx context.Context, allDone <-chan struct{}) {
	select {
	case <-allDone:
		return
	case <-ctx.Done():
	}

	s.logger.Warn("dispatch cancelled, sending SIGTERM to workers")
	s.signalAll(syscall.SIGTERM)

	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-allDone:
	case <-grace.C:
		s.logger.Warn("workers did not exit after SIGTERM, sending SIGKILL")
		s.signalAll(syscall.SIGKILL)
	}
}

func resultOf(h *handle, waitErr error) Result {
	r := Result{
		Index:     h.index,
		PID:       h.cmd.Process.Pid,
		StartedAt: h.started,
		ExitedAt:  time.Now().UTC(),
		ExitCode:  -1,
	}
	if st := h.cmd.ProcessState; st != nil {
		r.ExitCode = st.ExitCode()
		if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			r.Signaled = true
		}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		r.Err = waitErr
	}
	return r
}

// KillAll sends SIGTERM to every tracked worker. Processes that already
// exited are skipped silently. Safe to call at any time and more than once.
func (s *Supervisor) KillAll() {
	s.signalAll(syscall.SIGTERM)
}

// ForceKill sends SIGKILL to every tracked worker.
func (s *Supervisor) ForceKill() {
	s.signalAll(syscall.SIGKILL)
}

func (s *Supervisor) signalAll(sig syscall.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.handles {
		if err := h.cmd.Process.Signal(sig); err != nil && !isGone(err) {
			s.logger.Error("failed to signal worker", "index", h.index, "pid", h.cmd.Process.Pid, "signal", sig.String(), "error", err)
		}
	}
}

func isGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

// PIDs returns the pids of the current dispatch's workers in index order.
func (s *Supervisor) PIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h.cmd.Process.Pid)
	}
	return out
}

// Close terminates any residual workers and refuses to start new ones.
// Used on shutdown.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.KillAll()
	return nil
}
