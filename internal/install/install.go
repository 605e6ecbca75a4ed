// Package install makes sure a staged project's dependencies are present.
package install

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/fanout/internal/shell"
)

// Installer checks and installs dependencies inside a project directory.
type Installer interface {
	CheckSatisfied(ctx context.Context, projectDir string) (bool, error)
	Install(ctx context.Context, projectDir string) error
}

// Error reports a failed dependency step.
type Error struct {
	Dir string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("install dependencies in %s: %v", e.Dir, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Commands is an Installer driven by two shell commands, e.g. bundle check / bundle install.
type Commands struct {
	runner  shell.Runner
	check   string
	install string
}

// New creates a command-driven installer.
func New(runner shell.Runner, checkCommand, installCommand string) *Commands {
	return &Commands{runner: runner, check: checkCommand, install: installCommand}
}

// CheckSatisfied runs the check command. A non-zero exit means "not satisfied", not an error.
func (c *Commands) CheckSatisfied(ctx context.Context, projectDir string) (bool, error) {
	_, err := shell.Check(ctx, c.runner, shell.InDir(projectDir, c.check))
	if err == nil {
		return true, nil
	}
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, &Error{Dir: projectDir, Err: err}
}

// Install runs the install command.
func (c *Commands) Install(ctx context.Context, projectDir string) error {
	if _, err := shell.Check(ctx, c.runner, shell.InDir(projectDir, c.install)); err != nil {
		return &Error{Dir: projectDir, Err: err}
	}
	return nil
}

// Ensure installs only when the check reports missing dependencies.
// It returns whether an install was performed.
func Ensure(ctx context.Context, in Installer, projectDir string) (bool, error) {
	ok, err := in.CheckSatisfied(ctx, projectDir)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if err := in.Install(ctx, projectDir); err != nil {
		return true, err
	}
	return true, nil
}

// Noop is used when the install step is disabled.
type Noop struct{}

func (Noop) CheckSatisfied(context.Context, string) (bool, error) { return true, nil }
func (Noop) Install(context.Context, string) error                { return nil }
