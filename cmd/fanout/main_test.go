package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/fanout/internal/api"
	"github.com/mattjoyce/fanout/internal/config"
	"github.com/mattjoyce/fanout/internal/coordinator"
	"github.com/mattjoyce/fanout/internal/history"
	"github.com/mattjoyce/fanout/internal/lock"
	"github.com/mattjoyce/fanout/internal/pool"
	"github.com/mattjoyce/fanout/internal/storage"
	"github.com/mattjoyce/fanout/internal/worker"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion, origCommit, origBuildDate := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuildDate
	})
}

func writeConfigFixture(t *testing.T, dir, extra string) string {
	t.Helper()

	configYAML := `
service:
  name: build-01
  log_level: info
manager:
  worker_size: 2
  projects: [alpha]
  staging_root: ` + filepath.Join(dir, "staging") + `
api:
  listen: 127.0.0.1:0
  auth:
    api_key: s3cret
state:
  path: ` + filepath.Join(dir, "data", "fanout.db") + `
` + extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// withFakeTools puts stand-ins for the sync and install tools on PATH so host
// checks pass on machines without rsync or bundler.
func withFakeTools(t *testing.T) {
	t.Helper()
	bin := t.TempDir()
	for _, name := range []string{"rsync", "bundle"} {
		if err := os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("unexpected stderr: %s", stderr)
	}
}

func TestRunCLINounHelp(t *testing.T) {
	for _, noun := range []string{"system", "config", "dispatch"} {
		code, stdout, _ := captureOutputWithExitCode(t, func() int {
			return runCLI([]string{noun, "help"})
		})
		if code != 0 {
			t.Fatalf("%s help: expected exit 0, got %d", noun, code)
		}
		if !strings.Contains(stdout, "fanout "+noun) {
			t.Fatalf("%s help: unexpected output %q", noun, stdout)
		}
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-03-01T10:20:30+02:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version", "--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion() = %d, stderr=%s", code, stderr)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if info.Version != "1.2.3" || info.Commit != "0123456789ab" || info.BuildTime != "2026-03-01T08:20:30Z" {
		t.Fatalf("unexpected version info: %+v", info)
	}
}

func TestParseInterleaved(t *testing.T) {
	fs := flag.NewFlagSet("t", flag.ContinueOnError)
	url := fs.String("url", "", "")
	jsonOut := fs.Bool("json", false, "")

	positional, err := parseInterleaved(fs, []string{"alpha", "--url", "fanout://h:1", "beta", "--json"})
	if err != nil {
		t.Fatalf("parseInterleaved: %v", err)
	}
	if !slices.Equal(positional, []string{"alpha", "beta"}) {
		t.Fatalf("positional = %v", positional)
	}
	if *url != "fanout://h:1" || !*jsonOut {
		t.Fatalf("flags not parsed: url=%q json=%v", *url, *jsonOut)
	}
}

func TestRunConfigCheck(t *testing.T) {
	withFakeTools(t)
	dir := t.TempDir()
	path := writeConfigFixture(t, dir, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path, "--json"})
	})
	if code != 0 {
		t.Fatalf("config check = %d, stdout=%s stderr=%s", code, stdout, stderr)
	}

	var result configCheckResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if !result.Valid || result.Integrity != "unlocked" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunConfigCheckReportsRunningManager(t *testing.T) {
	withFakeTools(t)
	dir := t.TempDir()
	path := writeConfigFixture(t, dir, "")

	held, err := lock.AcquirePIDLock(lock.PathFor(filepath.Join(dir, "data", "fanout.db")))
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	defer held.Release()

	result := checkConfig(path)
	if !result.Valid {
		t.Fatalf("expected valid config: %+v", result)
	}
	found := false
	for _, w := range result.Warnings {
		if w.Category == "state" && strings.Contains(w.Message, "manager is running") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected running-manager warning, got %v", result.Warnings)
	}
}

func TestRunConfigCheckInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFixture(t, dir, "worker:\n  command: \"\"\n")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	if code == 0 {
		t.Fatalf("expected failure, stdout=%s", stdout)
	}
	if !strings.Contains(stdout, "worker.command is required") {
		t.Fatalf("expected validation error in output: %s", stdout)
	}
}

func TestRunConfigLockWritesChecksums(t *testing.T) {
	withFakeTools(t)
	dir := t.TempDir()
	path := writeConfigFixture(t, dir, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", path, "--dry-run"})
	})
	if code != 0 {
		t.Fatalf("dry run = %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "Dry run") {
		t.Fatalf("unexpected dry-run output: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(dir, ".checksums")); !os.IsNotExist(err) {
		t.Fatalf("dry run must not write .checksums (stat err=%v)", err)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", path})
	})
	if code != 0 {
		t.Fatalf("lock = %d, stderr=%s", code, stderr)
	}
	if result := checkConfig(path); result.Integrity != "verified" {
		t.Fatalf("expected verified integrity, got %+v", result)
	}

	// Tampering is caught by the next load.
	if err := os.WriteFile(path, []byte("manager:\n  worker_size: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected hash mismatch after edit")
	}
}

func TestRunConfigLockRefusesInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFixture(t, dir, "sync:\n  port: 0\n")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", path})
	})
	if code == 0 {
		t.Fatal("expected lock to be refused")
	}
	if !strings.Contains(stderr, "sync.port") {
		t.Fatalf("unexpected stderr: %s", stderr)
	}
}

func TestRunConfigShowRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFixture(t, dir, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", path})
	})
	if code != 0 {
		t.Fatalf("config show = %d, stderr=%s", code, stderr)
	}
	if strings.Contains(stdout, "s3cret") {
		t.Fatalf("secret leaked: %s", stdout)
	}
	if !strings.Contains(stdout, redacted) || !strings.Contains(stdout, "worker_size: 2") {
		t.Fatalf("unexpected output: %s", stdout)
	}
}

// stubManager serves the endpoint for caller-side command tests.
type stubManager struct {
	report *coordinator.Report
	err    error
}

func (stubManager) Config() coordinator.Config {
	return coordinator.Config{ID: "mgr-1", Name: "build-01", WorkerSize: 2, Projects: []string{"alpha"}}
}
func (stubManager) Projects() []string { return []string{"alpha"} }
func (stubManager) Status() coordinator.Status {
	return coordinator.Status{State: coordinator.StateIdle}
}
func (stubManager) AvailableFor(project string) bool { return project == "alpha" }
func (m stubManager) Dispatch(context.Context, coordinator.Request) (*coordinator.Report, error) {
	return m.report, m.err
}

func startStubManager(t *testing.T, m api.Manager) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := httptest.NewServer(api.New(api.Config{}, m, nil, nil, logger).Handler())
	t.Cleanup(ts.Close)
	return strings.Replace(ts.URL, "http://", "fanout://", 1)
}

func TestRunAvailable(t *testing.T) {
	addr := startStubManager(t, stubManager{})

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"available", "alpha", "--url", addr})
	})
	if code != 0 || !strings.Contains(stdout, "alpha: available") {
		t.Fatalf("available alpha = %d, stdout=%s stderr=%s", code, stdout, stderr)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"available", "--url", addr, "beta"})
	})
	if code != exitUnavailable || !strings.Contains(stdout, "beta: not available") {
		t.Fatalf("available beta = %d, stdout=%s", code, stdout)
	}
}

func TestRunAvailableRequiresURL(t *testing.T) {
	t.Setenv("FANOUT_URL", "")
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runAvailable([]string{"alpha"})
	})
	if code != 1 || !strings.Contains(stderr, "--url") {
		t.Fatalf("expected usage error, got %d: %s", code, stderr)
	}
}

func TestRunDispatchRun(t *testing.T) {
	report := &coordinator.Report{
		ID:         "d-1",
		Project:    "alpha",
		Dispatcher: "druby://10.0.0.2:9000",
		Status:     history.StatusCompleted,
		Workers:    []pool.Result{{Index: 1, PID: 11}, {Index: 2, PID: 12}},
	}
	addr := startStubManager(t, stubManager{report: report})

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"dispatch", "run", "alpha", "--url", addr, "--dispatcher", "druby://runner:9000"})
	})
	if code != 0 {
		t.Fatalf("dispatch run = %d, stdout=%s stderr=%s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "Dispatch d-1: completed") || !strings.Contains(stdout, "worker 2") {
		t.Fatalf("unexpected output: %s", stdout)
	}
}

func TestRunDispatchRunFailsOnWorkerExit(t *testing.T) {
	report := &coordinator.Report{
		ID:      "d-2",
		Status:  history.StatusCompleted,
		Workers: []pool.Result{{Index: 1, PID: 11}, {Index: 2, PID: 12, ExitCode: 1}},
	}
	addr := startStubManager(t, stubManager{report: report})

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"dispatch", "run", "alpha", "--url", addr, "--dispatcher", "druby://runner:9000"})
	})
	if code != 1 {
		t.Fatalf("expected exit 1 with a failed worker, got %d", code)
	}
	if !strings.Contains(stdout, "exit 1") {
		t.Fatalf("expected worker exit in output: %s", stdout)
	}
}

func TestRunDispatchRunRejected(t *testing.T) {
	addr := startStubManager(t, stubManager{err: coordinator.ErrBusy})

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"dispatch", "run", "alpha", "--url", addr, "--dispatcher", "druby://runner:9000"})
	})
	if code != 1 || !strings.Contains(stderr, "busy") {
		t.Fatalf("expected busy rejection, got %d: %s", code, stderr)
	}
}

func TestRunDispatchInspectLocal(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFixture(t, dir, "")

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, "data", "fanout.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	store := history.New(db)
	id, err := store.Begin(ctx, "alpha", "druby://10.0.0.2:9000", 1)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	now := time.Now()
	if err := store.Finish(ctx, id, history.Outcome{
		Status:  history.StatusCompleted,
		Workers: []history.WorkerRun{{Index: 1, PID: 4242, ExitCode: 2, StartedAt: now, ExitedAt: now}},
	}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	_ = db.Close()

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"dispatch", "inspect", id, "--local", "--config", path})
	})
	if code != 0 {
		t.Fatalf("inspect = %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "Dispatch ID : "+id) || !strings.Contains(stdout, "exit 2") {
		t.Fatalf("unexpected report: %s", stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"dispatch", "inspect", "missing", "--local", "--config", path})
	})
	if code != 1 || !strings.Contains(stderr, "not found") {
		t.Fatalf("expected not found, got %d: %s", code, stderr)
	}
}

func TestRunSystemPrune(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFixture(t, dir, "")
	staging := filepath.Join(dir, "staging")

	old := filepath.Join(staging, "alpha")
	if err := os.MkdirAll(old, 0o755); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(staging, "beta"), 0o755); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"system", "prune", "--config", path, "--older-than", "24h"})
	})
	if code != 0 {
		t.Fatalf("prune = %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "removed alpha") || !strings.Contains(stdout, "Pruned 1") {
		t.Fatalf("unexpected output: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(staging, "beta")); err != nil {
		t.Fatalf("recent project must be kept: %v", err)
	}
}

func TestRunSystemPruneRefusesWhileRunning(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFixture(t, dir, "")

	held, err := lock.AcquirePIDLock(lock.PathFor(filepath.Join(dir, "data", "fanout.db")))
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	defer held.Release()

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"system", "prune", "--config", path})
	})
	if code != 1 || !strings.Contains(stderr, "manager is running") {
		t.Fatalf("expected refusal, got %d: %s", code, stderr)
	}
}

func TestRunWorkerRunsCommand(t *testing.T) {
	t.Setenv(worker.EnvCommand, `test "$FANOUT_WORKER_INDEX" = 2 && exit 7`)
	dir := t.TempDir()

	code, _, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"worker", "--index", "2", "--project-path", dir, "--callback", "druby://10.0.0.2:9000"})
	})
	if code != 7 {
		t.Fatalf("expected the test command's exit status 7, got %d", code)
	}
}

func TestRunWorkerRejectsBadArgs(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runWorker([]string{"--index", "0", "--project-path", "/tmp"})
	})
	if code != 2 || !strings.Contains(stderr, "worker index") {
		t.Fatalf("expected usage failure, got %d: %s", code, stderr)
	}
}

func TestRunWorkerRequiresCommand(t *testing.T) {
	t.Setenv(worker.EnvCommand, "")
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runWorker([]string{"--index", "1", "--project-path", t.TempDir()})
	})
	if code != 2 || !strings.Contains(stderr, worker.EnvCommand) {
		t.Fatalf("expected missing command failure, got %d: %s", code, stderr)
	}
}

func TestWorkerCommandCarriesSettings(t *testing.T) {
	cfg := config.Defaults()
	cfg.Worker.Command = "bundle exec rspec --tag fast"
	cfg.Service.LogLevel = "debug"

	cmd, err := workerCommand("/usr/local/bin/fanout", cfg)(worker.Descriptor{
		Index:           3,
		ProjectPath:     "/tmp/alpha",
		CallbackAddress: "druby://10.0.0.2:9000",
	})
	if err != nil {
		t.Fatalf("workerCommand: %v", err)
	}
	if !slices.Equal(cmd.Args[:2], []string{"/usr/local/bin/fanout", "worker"}) {
		t.Fatalf("unexpected args: %v", cmd.Args)
	}
	for _, want := range []string{
		worker.EnvCommand + "=bundle exec rspec --tag fast",
		envLogLevel + "=debug",
		worker.EnvIndex + "=3",
		worker.EnvTestNumber + "=3",
	} {
		if !slices.Contains(cmd.Env, want) {
			t.Fatalf("missing env %q", want)
		}
	}
}

func TestServiceTXT(t *testing.T) {
	cfg := config.Defaults()
	cfg.Service.Name = "build-01"
	cfg.Manager.WorkerSize = 4
	cfg.Manager.Projects = []string{"alpha", "beta"}

	txt := serviceTXT("abc", cfg)
	for _, want := range []string{"id=abc", "name=build-01", "scheme=fanout", "workers=4", "projects=alpha,beta"} {
		if !slices.Contains(txt, want) {
			t.Fatalf("TXT %v missing %q", txt, want)
		}
	}
}
