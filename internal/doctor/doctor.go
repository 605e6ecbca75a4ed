// Package doctor checks that a loaded fanout configuration can actually run a
// manager on this host: tools on PATH, staging root, auth scopes.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"github.com/mattjoyce/fanout/internal/auth"
	"github.com/mattjoyce/fanout/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

func (i Issue) String() string {
	if i.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", i.Category, i.Field, i.Message)
	}
	return fmt.Sprintf("[%s] %s", i.Category, i.Message)
}

// Doctor validates a configuration against the host it would run on.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	stat     func(string) (fs.FileInfo, error)
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath, stat: os.Stat}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTools(r)
	d.validateStagingRoot(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnEmptyAllowList(r)
	d.warnIgnoredPreloads(r)
	d.warnMissingEnvVars(r)
	d.warnWorkerGrace(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateTools checks that the programs a dispatch shells out to exist.
// The sync tool and sh are required; the install and test commands usually
// run through bundler binstubs, so a miss there is only a warning.
func (d *Doctor) validateTools(r *Result) {
	if _, err := d.lookPath("sh"); err != nil {
		d.addError(r, "tools", "", "sh not found on PATH; hooks and workers cannot run")
	}
	if name := program(d.cfg.Sync.Command); name != "" {
		if _, err := d.lookPath(name); err != nil {
			d.addError(r, "tools", "sync.command", fmt.Sprintf("%q not found on PATH", name))
		}
	}

	optional := []struct{ field, command string }{
		{"worker.command", d.cfg.Worker.Command},
	}
	if d.cfg.Install.Enabled {
		optional = append(optional,
			struct{ field, command string }{"install.check_command", d.cfg.Install.CheckCommand},
			struct{ field, command string }{"install.install_command", d.cfg.Install.InstallCommand},
		)
	}
	for _, o := range optional {
		name := program(o.command)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		if _, err := d.lookPath(name); err != nil {
			d.addWarning(r, "tools", o.field, fmt.Sprintf("%q not found on PATH", name))
		}
	}
}

// validateStagingRoot checks that projects can be synced under the staging root.
func (d *Doctor) validateStagingRoot(r *Result) {
	root := d.cfg.Manager.StagingRoot
	info, err := d.stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		d.addWarning(r, "staging", "manager.staging_root",
			fmt.Sprintf("%s does not exist; the sync tool will need to create it", root))
	case err != nil:
		d.addError(r, "staging", "manager.staging_root", err.Error())
	case !info.IsDir():
		d.addError(r, "staging", "manager.staging_root", fmt.Sprintf("%s is not a directory", root))
	}
}

// validateAPIConfig checks endpoint settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	a := d.cfg.API.Auth
	if a.APIKey == "" && len(a.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "no authentication configured; anyone on the network can dispatch")
		return
	}
	if a.APIKey != "" && len(a.Tokens) > 0 {
		d.addWarning(r, "api", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
}

// validateTokenScopes checks that every scope is one the endpoint understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			switch scope {
			case auth.ScopeAll, auth.ScopeManagerRead, auth.ScopeManagerWrite:
			default:
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected %s, %s or %s)",
						scope, auth.ScopeManagerRead, auth.ScopeManagerWrite, auth.ScopeAll))
			}
		}
	}
}

func (d *Doctor) warnEmptyAllowList(r *Result) {
	if len(d.cfg.Manager.Projects) == 0 {
		d.addWarning(r, "projects", "manager.projects", "allow-list is empty; any project will be accepted")
	}
}

// warnIgnoredPreloads flags hooks that only run when preload_app is set.
func (d *Doctor) warnIgnoredPreloads(r *Result) {
	if d.cfg.Manager.PreloadApp {
		return
	}
	m := d.cfg.Manager
	for _, hook := range []struct{ field, value string }{
		{"manager.before_fork", m.BeforeFork},
		{"manager.preload_spec", m.PreloadSpec},
		{"manager.preload_feature", m.PreloadFeature},
	} {
		if hook.value != "" {
			d.addWarning(r, "preload", hook.field, "ignored because manager.preload_app is false")
		}
	}
}

// warnMissingEnvVars warns about token values that interpolated to nothing.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}
}

func (d *Doctor) warnWorkerGrace(r *Result) {
	if d.cfg.Worker.TerminationGrace == 0 {
		d.addWarning(r, "worker", "worker.termination_grace",
			"workers are killed without a chance to clean up on shutdown")
	}
}

// program returns the executable name of a shell command line.
func program(command string) string {
	fields := strings.Fields(command)
	for _, f := range fields {
		// Skip leading VAR=value assignments.
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "=") {
			continue
		}
		return f
	}
	return ""
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Host checks passed.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Host checks passed (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Host checks failed (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  ERROR %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  WARN  %s\n", w)
	}
	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
