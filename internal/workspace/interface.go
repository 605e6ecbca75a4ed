// Package workspace manages the staging root: one directory per project,
// synced from the dispatcher and reused by every later dispatch of it.
package workspace

import (
	"context"
	"time"
)

// Workspace is the staged copy of one project.
type Workspace struct {
	Project string
	Dir     string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
	Deleted     []string
}

// Manager governs the staging directories.
type Manager interface {
	// Path returns the staging directory of project without touching disk.
	Path(project string) (string, error)

	// Prepare makes sure project can be synced into its directory and marks
	// it as used now.
	Prepare(ctx context.Context, project string) (Workspace, error)

	// Cleanup removes staged projects not prepared within olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
