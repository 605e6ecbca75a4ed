// Package shell runs shell command lines on the local host through a gosh session.
package shell

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/viant/gosh"
	"github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"
)

// Runner executes a command line and reports its output and exit status.
type Runner interface {
	Run(ctx context.Context, command string) (output string, status int, err error)
}

// ExitError is returned by Check when a command exits non-zero.
type ExitError struct {
	Command string
	Status  int
	Output  string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = out[len(out)-512:]
	}
	if out == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Command, e.Status)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.Status, out)
}

// Session is a Runner backed by a single local gosh shell.
// Commands are serialized because the underlying shell is stateful.
type Session struct {
	mu      sync.Mutex
	svc     *gosh.Service
	timeout time.Duration
}

// NewLocal opens a local shell session. env is added to the session environment.
// timeout bounds each command; zero means one hour.
func NewLocal(ctx context.Context, env map[string]string, timeout time.Duration) (*Session, error) {
	var opts []runner.Option
	if len(env) > 0 {
		opts = append(opts, runner.WithEnvironment(env))
	}
	svc, err := gosh.New(ctx, local.New(opts...))
	if err != nil {
		return nil, fmt.Errorf("open local shell: %w", err)
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Session{svc: svc, timeout: timeout}, nil
}

// Run executes command in a subshell so directory changes do not leak between calls.
func (s *Session) Run(ctx context.Context, command string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", -1, err
	}
	return s.svc.Run(ctx, "("+command+")", runner.WithTimeout(int(s.timeout.Milliseconds())))
}

// Close releases the shell session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svc.Close()
}

// Check runs command and converts a non-zero exit status into *ExitError.
func Check(ctx context.Context, r Runner, command string) (string, error) {
	out, status, err := r.Run(ctx, command)
	if err != nil {
		return out, fmt.Errorf("run %q: %w", command, err)
	}
	if status != 0 {
		return out, &ExitError{Command: command, Status: status, Output: out}
	}
	return out, nil
}

// InDir prefixes command with a cd into dir.
func InDir(dir, command string) string {
	return "cd " + Quote(dir) + " && " + command
}

// Quote single-quotes s for POSIX shells.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("@%+=:,./_-", r):
		return false
	}
	return true
}
