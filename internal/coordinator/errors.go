package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/fanout/internal/install"
	"github.com/mattjoyce/fanout/internal/pool"
	"github.com/mattjoyce/fanout/internal/resolve"
	"github.com/mattjoyce/fanout/internal/rsync"
)

var (
	// ErrBusy rejects a dispatch while another one is in flight.
	ErrBusy = errors.New("manager is busy with another dispatch")
	// ErrNotRegistered rejects a project outside the allow-list.
	ErrNotRegistered = errors.New("project is not registered with this manager")
	// ErrInvalidProject rejects names that cannot be used as a staging directory.
	ErrInvalidProject = errors.New("invalid project name")
	// ErrInvalidDispatcher rejects a dispatcher address without a host.
	ErrInvalidDispatcher = errors.New("invalid dispatcher address")
	// ErrShuttingDown rejects a dispatch once the manager is closing.
	ErrShuttingDown = errors.New("manager is shutting down")
)

// HookError reports a failed preload or before_fork command.
type HookError struct {
	Hook string
	Err  error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook: %v", e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Error kinds reported to callers.
const (
	KindBusy          = "busy"
	KindNotRegistered = "not_registered"
	KindBadRequest    = "bad_request"
	KindResolution    = "resolution"
	KindSync          = "sync"
	KindInstall       = "install"
	KindHook          = "hook"
	KindCancelled     = "cancelled"
	KindInternal      = "internal"
)

// Kind classifies a Dispatch error.
func Kind(err error) string {
	var (
		resolveErr *resolve.Error
		syncErr    *rsync.Error
		installErr *install.Error
		hookErr    *HookError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrNotRegistered):
		return KindNotRegistered
	case errors.Is(err, ErrInvalidProject), errors.Is(err, ErrInvalidDispatcher):
		return KindBadRequest
	case errors.Is(err, ErrShuttingDown), errors.Is(err, pool.ErrClosed),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.As(err, &resolveErr):
		return KindResolution
	case errors.As(err, &syncErr):
		return KindSync
	case errors.As(err, &installErr):
		return KindInstall
	case errors.As(err, &hookErr):
		return KindHook
	default:
		return KindInternal
	}
}
