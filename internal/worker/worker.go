// Package worker describes a single worker of a dispatch and runs it inside
// its own process.
package worker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/mattjoyce/fanout/internal/log"
)

// Environment variables set for the test command.
const (
	EnvIndex       = "FANOUT_WORKER_INDEX"
	EnvCallbackURL = "FANOUT_CALLBACK_URL"
	EnvProjectPath = "FANOUT_PROJECT_PATH"
	// EnvTestNumber follows the parallel_tests convention: empty for the first worker.
	EnvTestNumber = "TEST_ENV_NUMBER"
	// EnvCommand carries the manager's configured test command to the worker process.
	EnvCommand = "FANOUT_WORKER_COMMAND"
)

// Descriptor is everything a worker process needs to know.
type Descriptor struct {
	Index           int    `json:"index"`
	ProjectPath     string `json:"project_path"`
	CallbackAddress string `json:"callback_address"`
}

// Validate checks that d can be run.
func (d Descriptor) Validate() error {
	if d.Index < 1 {
		return fmt.Errorf("worker index must be >= 1, got %d", d.Index)
	}
	if d.ProjectPath == "" {
		return errors.New("project path is required")
	}
	if d.CallbackAddress != "" {
		if _, err := url.Parse(d.CallbackAddress); err != nil {
			return fmt.Errorf("invalid callback address: %w", err)
		}
	}
	return nil
}

// Args returns the command-line arguments of the worker entry point.
func (d Descriptor) Args() []string {
	return []string{
		"--index", strconv.Itoa(d.Index),
		"--project-path", d.ProjectPath,
		"--callback", d.CallbackAddress,
	}
}

// Env returns the environment entries describing d.
func (d Descriptor) Env() []string {
	testNumber := ""
	if d.Index > 1 {
		testNumber = strconv.Itoa(d.Index)
	}
	return []string{
		EnvIndex + "=" + strconv.Itoa(d.Index),
		EnvCallbackURL + "=" + d.CallbackAddress,
		EnvProjectPath + "=" + d.ProjectPath,
		EnvTestNumber + "=" + testNumber,
	}
}

// Parse reads a Descriptor from the worker entry point's arguments.
func Parse(args []string) (Descriptor, error) {
	var d Descriptor
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&d.Index, "index", 0, "1-based worker index")
	fs.StringVar(&d.ProjectPath, "project-path", "", "staged project directory")
	fs.StringVar(&d.CallbackAddress, "callback", "", "dispatcher address")
	if err := fs.Parse(args); err != nil {
		return Descriptor{}, err
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Runner runs the tests of one worker. It returns the exit code the worker
// process should terminate with.
type Runner interface {
	Run(ctx context.Context, d Descriptor) (int, error)
}

// CommandRunner runs a shell command inside the project directory.
type CommandRunner struct {
	Command string
	Stdout  io.Writer
	Stderr  io.Writer
	// Grace is the delay between forwarding SIGTERM and killing the test command.
	Grace time.Duration
}

// Run starts the test command and waits for it. A cancelled ctx forwards
// SIGTERM to the test command.
func (r *CommandRunner) Run(ctx context.Context, d Descriptor) (int, error) {
	if err := d.Validate(); err != nil {
		return 2, err
	}
	logger := log.WithWorker(d.Index).With(slog.String("component", "worker"))

	cmd := exec.CommandContext(ctx, "sh", "-c", r.Command)
	cmd.Dir = d.ProjectPath
	cmd.Env = append(os.Environ(), d.Env()...)
	cmd.Stdout = orDefault(r.Stdout, os.Stdout)
	cmd.Stderr = orDefault(r.Stderr, os.Stderr)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.Grace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	logger.Info("worker running", "project_path", d.ProjectPath, "callback", d.CallbackAddress, "command", r.Command)
	err := cmd.Run()
	if err == nil {
		logger.Info("worker finished", "exit_code", 0)
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			code = 1
		}
		logger.Info("worker finished", "exit_code", code)
		return code, nil
	}
	return 1, fmt.Errorf("run worker %d: %w", d.Index, err)
}

func orDefault(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}

// Command builds the child-process command that re-enters the binary at its
// worker entry point for d.
func Command(executable string, d Descriptor) *exec.Cmd {
	args := append([]string{"worker"}, d.Args()...)
	cmd := exec.Command(executable, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), d.Env()...)
	return cmd
}
