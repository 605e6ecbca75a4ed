package coordinator

import (
	"context"
	"strings"

	"github.com/mattjoyce/fanout/internal/shell"
)

// Hooks are the optional preload steps run once per dispatch, after
// dependencies are installed and before any worker starts. Nothing runs
// unless PreloadApp is set.
type Hooks struct {
	PreloadApp bool
	// PreloadSpec and PreloadFeature are paths inside the project handed to
	// their preloader commands.
	PreloadSpec           string
	PreloadFeature        string
	PreloadSpecCommand    string
	PreloadFeatureCommand string
	BeforeFork            string
}

func (h Hooks) configured() bool {
	return h.PreloadApp && (h.spec() != "" || h.feature() != "" || strings.TrimSpace(h.BeforeFork) != "")
}

func (h Hooks) spec() string {
	if h.PreloadSpec == "" || h.PreloadSpecCommand == "" {
		return ""
	}
	return h.PreloadSpecCommand + " " + shell.Quote(h.PreloadSpec)
}

func (h Hooks) feature() string {
	if h.PreloadFeature == "" || h.PreloadFeatureCommand == "" {
		return ""
	}
	return h.PreloadFeatureCommand + " " + shell.Quote(h.PreloadFeature)
}

// runHooks runs the preloaders, then before_fork, inside projectDir.
func (c *Coordinator) runHooks(ctx context.Context, projectDir string) error {
	h := c.cfg.Hooks
	if !h.configured() {
		return nil
	}

	steps := []struct {
		name    string
		command string
	}{
		{"preload_spec", h.spec()},
		{"preload_feature", h.feature()},
		{"before_fork", strings.TrimSpace(h.BeforeFork)},
	}
	for _, step := range steps {
		if step.command == "" {
			continue
		}
		c.logger.Debug("running hook", "hook", step.name, "dir", projectDir)
		if _, err := shell.Check(ctx, c.shell, shell.InDir(projectDir, step.command)); err != nil {
			return &HookError{Hook: step.name, Err: err}
		}
	}
	return nil
}
