// Package rsync pulls a project from the dispatcher's rsync daemon into the
// local staging directory.
package rsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/fanout/internal/shell"
)

// DefaultPort is the rsync daemon port dispatchers serve projects on.
const DefaultPort = 8989

// Syncer populates localPath with the remote copy of project.
type Syncer interface {
	Sync(ctx context.Context, remoteHost, project, localPath string) error
}

// Error reports a failed sync.
type Error struct {
	Host    string
	Project string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sync %s::%s: %v", e.Host, e.Project, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Daemon syncs from an rsync daemon module named after the project.
// Transfers follow symlinks and delete local files missing on the remote side.
type Daemon struct {
	runner  shell.Runner
	command string
	port    int
}

// New creates a Daemon syncer. command defaults to "rsync", port to DefaultPort.
func New(runner shell.Runner, command string, port int) *Daemon {
	if command == "" {
		command = "rsync"
	}
	if port <= 0 {
		port = DefaultPort
	}
	return &Daemon{runner: runner, command: command, port: port}
}

// Command returns the command line used for a sync.
func (d *Daemon) Command(remoteHost, project, localPath string) string {
	args := []string{
		d.command,
		"-aL",
		"--delete",
		"--port=" + strconv.Itoa(d.port),
		shell.Quote(remoteHost + "::" + project),
		shell.Quote(localPath),
	}
	return strings.Join(args, " ")
}

// Sync runs rsync and wraps any failure in *Error.
func (d *Daemon) Sync(ctx context.Context, remoteHost, project, localPath string) error {
	if remoteHost == "" {
		return &Error{Host: remoteHost, Project: project, Err: fmt.Errorf("remote host is empty")}
	}
	if _, err := shell.Check(ctx, d.runner, d.Command(remoteHost, project, localPath)); err != nil {
		return &Error{Host: remoteHost, Project: project, Err: err}
	}
	return nil
}
