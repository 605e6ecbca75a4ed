package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/fanout/internal/config"
)

// usedMarkerPrefix names the sidecar file recording when a project was last
// prepared. It sits next to the project directory because rsync --delete
// owns everything inside it.
const usedMarkerPrefix = ".fanout-used-"

// fsWorkspaceManager manages staged project directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("staging root is empty")
	}

	return &fsWorkspaceManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// Path returns baseDir joined with project.
func (m *fsWorkspaceManager) Path(project string) (string, error) {
	if err := validateProject(project); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, project), nil
}

// Prepare creates the staging root and project directory and refreshes the
// project's used marker.
func (m *fsWorkspaceManager) Prepare(ctx context.Context, project string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.Path(project)
	if err != nil {
		return Workspace{}, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create staging directory for %q: %w", project, err)
	}

	marker := m.markerPath(project)
	now := m.now()
	if err := os.WriteFile(marker, []byte(now.UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return Workspace{}, fmt.Errorf("mark %q as used: %w", project, err)
	}
	if err := os.Chtimes(marker, now, now); err != nil {
		return Workspace{}, fmt.Errorf("mark %q as used: %w", project, err)
	}

	return Workspace{Project: project, Dir: path}, nil
}

// Cleanup removes project directories whose used marker (or, lacking one,
// the directory itself) is older than olderThan. Entries that are not valid
// project names are left alone.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read staging root: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name := entry.Name()
		if !entry.IsDir() || validateProject(name) != nil {
			continue
		}

		lastUsed, err := m.lastUsed(entry)
		if err != nil {
			return report, err
		}
		if lastUsed.After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(m.baseDir, name)); err != nil {
			return report, fmt.Errorf("remove staged project %q: %w", name, err)
		}
		_ = os.Remove(m.markerPath(name))
		report.DeletedDirs++
		report.Deleted = append(report.Deleted, name)
	}

	return report, nil
}

func (m *fsWorkspaceManager) lastUsed(entry os.DirEntry) (time.Time, error) {
	if info, err := os.Stat(m.markerPath(entry.Name())); err == nil {
		return info.ModTime(), nil
	}
	info, err := entry.Info()
	if err != nil {
		return time.Time{}, fmt.Errorf("read staging entry info %q: %w", entry.Name(), err)
	}
	return info.ModTime(), nil
}

func (m *fsWorkspaceManager) markerPath(project string) string {
	return filepath.Join(m.baseDir, usedMarkerPrefix+project)
}

// validateProject also keeps markers out, since they start with a dot.
func validateProject(project string) error {
	if !config.ValidProjectName(project) {
		return fmt.Errorf("invalid project name %q", project)
	}
	return nil
}
