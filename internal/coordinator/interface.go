package coordinator

import (
	"context"
	"net/url"

	"github.com/mattjoyce/fanout/internal/history"
	"github.com/mattjoyce/fanout/internal/pool"
)

//go:generate mockgen -destination=mocks/mock_collaborators.go -package=mocks github.com/mattjoyce/fanout/internal/coordinator Syncer,Installer,Resolver,HistoryStore

// Syncer pulls a project from the dispatcher into localPath.
type Syncer interface {
	Sync(ctx context.Context, remoteHost, project, localPath string) error
}

// Installer checks and installs the staged project's dependencies.
type Installer interface {
	CheckSatisfied(ctx context.Context, projectDir string) (bool, error)
	Install(ctx context.Context, projectDir string) error
}

// Resolver turns the dispatcher's address into a connectable one.
type Resolver interface {
	Resolve(ctx context.Context, u *url.URL) (*url.URL, error)
}

// Announcer toggles the manager's network advertisement.
type Announcer interface {
	Announce() error
	Stop()
	Close()
	SuspendAround(fn func() error) error
	Active() bool
}

// Pool starts and supervises the worker processes of a dispatch.
type Pool interface {
	Spawn(ctx context.Context, n int, factory pool.Factory) ([]pool.Result, error)
	KillAll()
	ForceKill()
	PIDs() []int
	Close() error
}

// HistoryStore records dispatches.
type HistoryStore interface {
	Begin(ctx context.Context, project, dispatcher string, workerSize int) (string, error)
	Finish(ctx context.Context, id string, out history.Outcome) error
}
