// Package coordinator runs the dispatch lifecycle of a manager:
// sync, install, start the worker pool, wait for it, and re-advertise.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/fanout/internal/config"
	"github.com/mattjoyce/fanout/internal/events"
	"github.com/mattjoyce/fanout/internal/history"
	"github.com/mattjoyce/fanout/internal/install"
	"github.com/mattjoyce/fanout/internal/log"
	"github.com/mattjoyce/fanout/internal/pool"
	"github.com/mattjoyce/fanout/internal/resolve"
	"github.com/mattjoyce/fanout/internal/shell"
	"github.com/mattjoyce/fanout/internal/worker"
	"github.com/mattjoyce/fanout/internal/workspace"
)

// State is the dispatch state machine position.
type State string

const (
	StateIdle            State = "idle"
	StateSyncing         State = "syncing"
	StateInstalling      State = "installing"
	StateForking         State = "forking"
	StateAwaitingWorkers State = "awaiting_workers"
)

// Config is the static configuration of a manager.
type Config struct {
	ID          string
	Name        string
	WorkerSize  int
	Projects    []string
	StagingRoot string
	Hooks       Hooks
	Grace       time.Duration
}

// Deps are the collaborators of a Coordinator. Syncer and Announcer are required.
type Deps struct {
	Syncer    Syncer
	Installer Installer
	Resolver  Resolver
	Announcer Announcer
	// Pool defaults to a pool.Supervisor observed by the coordinator.
	Pool    Pool
	History HistoryStore
	Events  events.Publisher
	// Shell runs hook commands. Required when hooks are configured.
	Shell shell.Runner
	// WorkerCommand builds the child process of a worker. Defaults to
	// re-running this executable at its worker entry point.
	WorkerCommand func(d worker.Descriptor) (*exec.Cmd, error)
	// Staging defaults to a filesystem manager over Config.StagingRoot.
	Staging workspace.Manager
}

// Request asks for one dispatch.
type Request struct {
	Project    string `json:"project"`
	Dispatcher string `json:"dispatcher"`
}

// Report describes a finished (or aborted) dispatch.
type Report struct {
	ID         string         `json:"id"`
	Project    string         `json:"project"`
	Dispatcher string         `json:"dispatcher"`
	WorkerSize int            `json:"worker_size"`
	Status     history.Status `json:"status"`
	Workers    []pool.Result  `json:"workers"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
}

// FailedWorkers counts workers that exited non-zero or were signalled.
func (r *Report) FailedWorkers() int {
	n := 0
	for _, w := range r.Workers {
		if w.ExitCode != 0 || w.Signaled {
			n++
		}
	}
	return n
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State      State  `json:"state"`
	DispatchID string `json:"dispatch_id,omitempty"`
	Project    string `json:"project,omitempty"`
	Dispatcher string `json:"dispatcher,omitempty"`
	WorkerPIDs []int  `json:"worker_pids"`
	Announced  bool   `json:"announced"`
}

type Coordinator struct {
	cfg      Config
	projects map[string]struct{}

	syncer        Syncer
	installer     Installer
	resolver      Resolver
	announcer     Announcer
	pool          Pool
	history       HistoryStore
	events        events.Publisher
	shell         shell.Runner
	staging       workspace.Manager
	workerCommand func(d worker.Descriptor) (*exec.Cmd, error)

	logger *slog.Logger

	busy atomic.Bool

	mu         sync.Mutex
	state      State
	dispatchID string
	project    string
	dispatcher *url.URL
	closed     bool
	running    chan struct{} // closed when the dispatch in flight returns

	closeOnce sync.Once
}

// shutdownMargin is how long Close waits beyond the worker grace period.
const shutdownMargin = 2 * time.Second

// New builds a Coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if cfg.WorkerSize < 1 {
		return nil, fmt.Errorf("worker size must be positive, got %d", cfg.WorkerSize)
	}
	if cfg.StagingRoot == "" {
		return nil, fmt.Errorf("staging root is required")
	}
	if deps.Syncer == nil {
		return nil, fmt.Errorf("syncer is required")
	}
	if deps.Announcer == nil {
		return nil, fmt.Errorf("announcer is required")
	}
	if cfg.Hooks.configured() && deps.Shell == nil {
		return nil, fmt.Errorf("a shell runner is required when hooks are configured")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	c := &Coordinator{
		cfg:           cfg,
		projects:      make(map[string]struct{}, len(cfg.Projects)),
		syncer:        deps.Syncer,
		installer:     deps.Installer,
		resolver:      deps.Resolver,
		announcer:     deps.Announcer,
		pool:          deps.Pool,
		history:       deps.History,
		events:        deps.Events,
		shell:         deps.Shell,
		staging:       deps.Staging,
		workerCommand: deps.WorkerCommand,
		logger:        log.WithComponent("coordinator"),
		state:         StateIdle,
	}
	for _, p := range cfg.Projects {
		c.projects[p] = struct{}{}
	}
	if c.installer == nil {
		c.installer = install.Noop{}
	}
	if c.resolver == nil {
		c.resolver = resolve.New(nil)
	}
	if c.events == nil {
		c.events = nopPublisher{}
	}
	if c.staging == nil {
		staging, err := workspace.NewFSManager(cfg.StagingRoot)
		if err != nil {
			return nil, err
		}
		c.staging = staging
	}
	if c.pool == nil {
		c.pool = pool.NewSupervisor(pool.WithGrace(cfg.Grace), pool.WithObserver(c))
	}
	if c.workerCommand == nil {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable for workers: %w", err)
		}
		c.workerCommand = func(d worker.Descriptor) (*exec.Cmd, error) {
			return worker.Command(exe, d), nil
		}
	}
	return c, nil
}

// ID is the instance id used in the advertisement.
func (c *Coordinator) ID() string { return c.cfg.ID }

// Config returns the static configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Pool returns the worker pool, so shutdown paths can terminate residual workers.
func (c *Coordinator) Pool() Pool { return c.pool }

// AvailableFor reports whether this manager accepts project. With no
// allow-list configured every project is accepted.
func (c *Coordinator) AvailableFor(project string) bool {
	if len(c.projects) == 0 {
		return true
	}
	_, ok := c.projects[project]
	return ok
}

// ValidateProjectName rejects names that would escape the staging root.
func ValidateProjectName(project string) error {
	if !config.ValidProjectName(project) {
		return fmt.Errorf("%w: %q", ErrInvalidProject, project)
	}
	return nil
}

// ProjectPath is the staging directory of project.
func (c *Coordinator) ProjectPath(project string) (string, error) {
	return c.staging.Path(project)
}

// Start advertises the manager.
func (c *Coordinator) Start() error {
	if err := c.announcer.Announce(); err != nil {
		return err
	}
	c.logger.Info(fmt.Sprintf("Workers ready: %d", c.cfg.WorkerSize))
	if len(c.cfg.Projects) > 0 {
		c.logger.Info(fmt.Sprintf("Listening for %v", c.cfg.Projects))
	} else {
		c.logger.Info("Listening for any project")
	}
	c.events.Publish(events.ManagerReady, map[string]any{
		"id":          c.cfg.ID,
		"worker_size": c.cfg.WorkerSize,
		"projects":    c.cfg.Projects,
	})
	c.events.Publish(events.AnnouncementOn, nil)
	return nil
}

// Close withdraws the advertisement for good, terminates residual workers and
// waits for a dispatch in flight to return. Workers still running one grace
// period after SIGTERM are killed.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.events.Publish(events.ManagerStopping, nil)

		c.mu.Lock()
		c.closed = true
		running := c.running
		c.mu.Unlock()

		c.announcer.Close()
		_ = c.pool.Close()
		if running == nil {
			return
		}

		grace := c.cfg.Grace
		if grace <= 0 {
			grace = pool.DefaultGrace
		}
		select {
		case <-running:
			return
		case <-time.After(grace + shutdownMargin):
		}
		c.logger.Warn("dispatch still running after shutdown grace, killing workers", "pids", c.pool.PIDs())
		c.pool.ForceKill()
		select {
		case <-running:
		case <-time.After(shutdownMargin):
			c.logger.Error("dispatch did not return after SIGKILL")
		}
	})
	return nil
}

// State returns the current state machine position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current state together with the dispatch in flight.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		State:      c.state,
		DispatchID: c.dispatchID,
		Project:    c.project,
	}
	if c.dispatcher != nil {
		st.Dispatcher = c.dispatcher.String()
	}
	c.mu.Unlock()

	st.WorkerPIDs = c.pool.PIDs()
	st.Announced = c.announcer.Active()
	return st
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	id := c.dispatchID
	c.mu.Unlock()

	if prev != s {
		c.logger.Debug("state changed", "from", prev, "to", s, "dispatch_id", id)
		c.events.Publish(events.DispatchState, map[string]any{"dispatch_id": id, "from": prev, "to": s})
	}
}

// Dispatch runs one full cycle for req: sync, install, preload, start
// WorkerSize workers and wait for all of them. The advertisement is withdrawn
// for the duration and re-armed on every exit path.
//
// Worker exit codes are reported but never turn into an error.
func (c *Coordinator) Dispatch(ctx context.Context, req Request) (*Report, error) {
	if err := ValidateProjectName(req.Project); err != nil {
		return nil, c.reject(req, err)
	}
	if !c.AvailableFor(req.Project) {
		return nil, c.reject(req, fmt.Errorf("%w: %s", ErrNotRegistered, req.Project))
	}
	target, err := parseDispatcher(req.Dispatcher)
	if err != nil {
		return nil, c.reject(req, err)
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, c.reject(req, ErrBusy)
	}
	defer c.busy.Store(false)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.reject(req, ErrShuttingDown)
	}
	running := make(chan struct{})
	c.running = running
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = nil
		c.mu.Unlock()
		close(running)
	}()

	resolved, err := c.resolver.Resolve(ctx, target)
	if err != nil {
		c.logger.Error("dispatcher address resolution failed", "dispatcher", req.Dispatcher, "error", err)
		c.events.Publish(events.DispatchFailed, map[string]any{"project": req.Project, "error": err.Error(), "kind": Kind(err)})
		return nil, err
	}

	report := &Report{
		Project:    req.Project,
		Dispatcher: resolved.String(),
		WorkerSize: c.cfg.WorkerSize,
		StartedAt:  time.Now().UTC(),
	}
	report.ID = c.beginHistory(ctx, report)

	c.mu.Lock()
	c.dispatchID = report.ID
	c.project = req.Project
	c.dispatcher = resolved
	c.mu.Unlock()

	logger := log.WithDispatch(report.ID).With("component", "coordinator", "project", req.Project)
	logger.Info("dispatch started", "dispatcher", report.Dispatcher, "worker_size", c.cfg.WorkerSize)
	c.events.Publish(events.DispatchStarted, report)
	c.events.Publish(events.AnnouncementOff, nil)

	err = c.announcer.SuspendAround(func() error {
		return c.run(ctx, report, resolved)
	})
	c.setState(StateIdle)
	if c.announcer.Active() {
		c.events.Publish(events.AnnouncementOn, nil)
	}

	c.mu.Lock()
	c.dispatchID = ""
	c.project = ""
	c.mu.Unlock()

	report.FinishedAt = time.Now().UTC()
	report.Status = history.StatusCompleted
	if err != nil {
		report.Error = err.Error()
		report.ErrorKind = Kind(err)
		report.Status = history.StatusFailed
		if report.ErrorKind == KindCancelled {
			report.Status = history.StatusCancelled
		}
	}
	c.finishHistory(report)

	if err != nil {
		logger.Error("dispatch failed", "kind", report.ErrorKind, "error", err)
		c.events.Publish(events.DispatchFailed, report)
		return report, err
	}
	logger.Info("dispatch completed",
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		"failed_workers", report.FailedWorkers(),
	)
	c.events.Publish(events.DispatchCompleted, report)
	return report, nil
}

// run is the suspended part of a dispatch.
func (c *Coordinator) run(ctx context.Context, report *Report, dispatcher *url.URL) error {
	c.setState(StateSyncing)
	ws, err := c.staging.Prepare(ctx, report.Project)
	if err != nil {
		return err
	}
	path := ws.Dir
	if err := c.syncer.Sync(ctx, dispatcher.Hostname(), report.Project, path); err != nil {
		return err
	}

	c.setState(StateInstalling)
	if _, err := install.Ensure(ctx, c.installer, path); err != nil {
		return err
	}

	c.setState(StateForking)
	if err := c.runHooks(ctx, path); err != nil {
		return err
	}

	callback := dispatcher.String()
	results, err := c.pool.Spawn(ctx, c.cfg.WorkerSize, func(ctx context.Context, index int) (*exec.Cmd, error) {
		return c.workerCommand(worker.Descriptor{
			Index:           index,
			ProjectPath:     path,
			CallbackAddress: callback,
		})
	})
	report.Workers = results
	return err
}

func (c *Coordinator) reject(req Request, err error) error {
	c.logger.Warn("dispatch rejected", "project", req.Project, "dispatcher", req.Dispatcher, "reason", err)
	c.events.Publish(events.DispatchRejected, map[string]any{
		"project": req.Project,
		"error":   err.Error(),
		"kind":    Kind(err),
	})
	return err
}

func (c *Coordinator) beginHistory(ctx context.Context, r *Report) string {
	if c.history == nil {
		return uuid.NewString()
	}
	id, err := c.history.Begin(ctx, r.Project, r.Dispatcher, r.WorkerSize)
	if err != nil {
		c.logger.Error("failed to record dispatch start", "error", err)
		return uuid.NewString()
	}
	return id
}

func (c *Coordinator) finishHistory(r *Report) {
	if c.history == nil {
		return
	}
	out := history.Outcome{Status: r.Status}
	if r.Error != "" {
		out.LastError = &r.Error
		out.ErrorKind = &r.ErrorKind
	}
	for _, w := range r.Workers {
		out.Workers = append(out.Workers, history.WorkerRun{
			Index:     w.Index,
			PID:       w.PID,
			ExitCode:  w.ExitCode,
			Signaled:  w.Signaled,
			StartedAt: w.StartedAt,
			ExitedAt:  w.ExitedAt,
		})
	}
	// The dispatch context may be cancelled by now; the audit row is still written.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.history.Finish(ctx, r.ID, out); err != nil {
		c.logger.Error("failed to record dispatch outcome", "dispatch_id", r.ID, "error", err)
	}
}

// WorkerStarted implements pool.Observer.
func (c *Coordinator) WorkerStarted(w pool.Worker) {
	c.mu.Lock()
	id := c.dispatchID
	c.mu.Unlock()

	c.events.Publish(events.WorkerStarted, map[string]any{"dispatch_id": id, "index": w.Index, "pid": w.PID})
	if w.Index == c.cfg.WorkerSize {
		c.setState(StateAwaitingWorkers)
	}
}

// WorkerExited implements pool.Observer.
func (c *Coordinator) WorkerExited(r pool.Result) {
	c.mu.Lock()
	id := c.dispatchID
	c.mu.Unlock()

	log.WithWorker(r.Index).Info("worker exited", "dispatch_id", id, "pid", r.PID, "exit_code", r.ExitCode, "signaled", r.Signaled)
	c.events.Publish(events.WorkerExited, map[string]any{
		"dispatch_id": id,
		"index":       r.Index,
		"pid":         r.PID,
		"exit_code":   r.ExitCode,
		"signaled":    r.Signaled,
	})
}

func parseDispatcher(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDispatcher, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidDispatcher, raw)
	}
	return u, nil
}

// Projects returns the allow-list, sorted.
func (c *Coordinator) Projects() []string {
	out := make([]string, 0, len(c.projects))
	for p := range c.projects {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Type, any) {}
