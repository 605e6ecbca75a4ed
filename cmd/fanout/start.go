package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/mattjoyce/fanout/internal/announce"
	"github.com/mattjoyce/fanout/internal/api"
	"github.com/mattjoyce/fanout/internal/auth"
	"github.com/mattjoyce/fanout/internal/config"
	"github.com/mattjoyce/fanout/internal/coordinator"
	"github.com/mattjoyce/fanout/internal/events"
	"github.com/mattjoyce/fanout/internal/history"
	"github.com/mattjoyce/fanout/internal/install"
	"github.com/mattjoyce/fanout/internal/lock"
	"github.com/mattjoyce/fanout/internal/log"
	"github.com/mattjoyce/fanout/internal/resolve"
	"github.com/mattjoyce/fanout/internal/rsync"
	"github.com/mattjoyce/fanout/internal/shell"
	"github.com/mattjoyce/fanout/internal/storage"
	"github.com/mattjoyce/fanout/internal/worker"
)

// Log settings handed down to worker processes.
const (
	envLogLevel  = "FANOUT_LOG_LEVEL"
	envLogFormat = "FANOUT_LOG_FORMAT"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolved, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("fanout starting", "version", version, "config", resolved)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another manager may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	store := history.New(db)
	hub := events.NewHub(256)

	syncShell, err := shell.NewLocal(ctx, nil, cfg.Sync.Timeout)
	if err != nil {
		logger.Error("failed to open shell", "error", err)
		return 1
	}
	defer syncShell.Close()
	installShell, err := shell.NewLocal(ctx, nil, cfg.Install.Timeout)
	if err != nil {
		logger.Error("failed to open shell", "error", err)
		return 1
	}
	defer installShell.Close()

	var installer coordinator.Installer = install.Noop{}
	if cfg.Install.Enabled {
		installer = install.New(installShell, cfg.Install.CheckCommand, cfg.Install.InstallCommand)
	}

	// Bind first so the advertised port is the real one.
	ln, err := net.Listen("tcp", cfg.API.Listen)
	if err != nil {
		logger.Error("failed to bind endpoint", "listen", cfg.API.Listen, "error", err)
		return 1
	}
	port := ln.Addr().(*net.TCPAddr).Port

	advertiseHost := cfg.API.AdvertiseHost
	if advertiseHost == "" {
		if advertiseHost, err = os.Hostname(); err != nil {
			advertiseHost = "localhost"
		}
	}

	id := uuid.NewString()
	var registrar announce.Registrar = announce.NopRegistrar{}
	if cfg.Discovery.Enabled {
		registrar = announce.ZeroconfRegistrar{}
	}
	announcer := announce.New(registrar, announce.Service{
		Instance: announce.InstanceName(id),
		Type:     cfg.Discovery.Service,
		Domain:   cfg.Discovery.Domain,
		Port:     port,
		TXT:      serviceTXT(id, cfg),
	})

	exe, err := os.Executable()
	if err != nil {
		logger.Error("failed to locate executable for workers", "error", err)
		return 1
	}

	coord, err := coordinator.New(coordinator.Config{
		ID:          id,
		Name:        cfg.Service.Name,
		WorkerSize:  cfg.Manager.WorkerSize,
		Projects:    cfg.Manager.Projects,
		StagingRoot: cfg.Manager.StagingRoot,
		Grace:       cfg.Worker.TerminationGrace,
		Hooks: coordinator.Hooks{
			PreloadApp:            cfg.Manager.PreloadApp,
			PreloadSpec:           cfg.Manager.PreloadSpec,
			PreloadFeature:        cfg.Manager.PreloadFeature,
			PreloadSpecCommand:    cfg.Worker.PreloadSpecCommand,
			PreloadFeatureCommand: cfg.Worker.PreloadFeatureCommand,
			BeforeFork:            cfg.Manager.BeforeFork,
		},
	}, coordinator.Deps{
		Syncer:        rsync.New(syncShell, cfg.Sync.Command, cfg.Sync.Port),
		Installer:     installer,
		Resolver:      resolve.New(nil),
		Announcer:     announcer,
		History:       store,
		Events:        hub,
		Shell:         installShell,
		WorkerCommand: workerCommand(exe, cfg),
	})
	if err != nil {
		logger.Error("failed to create coordinator", "error", err)
		return 1
	}
	// Residual workers must never outlive the manager.
	defer coord.Pool().KillAll()
	// Close blocks until a dispatch in flight has reaped its workers.
	defer coord.Close()

	server := api.New(api.Config{
		Listener:      ln,
		AdvertiseHost: advertiseHost,
		WriteTimeout:  cfg.API.WriteTimeout,
		APIKey:        cfg.API.Auth.APIKey,
		Tokens:        tokenConfigs(cfg.API.Auth.Tokens),
	}, coord, store, hub, log.WithComponent("api"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ctx)
	}()

	if err := coord.Start(); err != nil {
		logger.Error("failed to announce manager", "error", err)
		cancel()
		<-errCh
		return 1
	}
	logger.Info("fanout running (press Ctrl+C to stop)", "address", server.Address(), "instance", announcer.Service().Instance)

	select {
	case sig := <-sigCh:
		fmt.Println("Shutting down manager...")
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		if err := <-errCh; err != nil {
			logger.Warn("endpoint shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("endpoint failed", "error", err)
			return 1
		}
	}

	logger.Info("fanout stopped")
	return 0
}

// workerCommand re-enters this binary at the worker entry point, carrying the
// test command and log settings through the environment.
func workerCommand(exe string, cfg *config.Config) func(worker.Descriptor) (*exec.Cmd, error) {
	return func(d worker.Descriptor) (*exec.Cmd, error) {
		cmd := worker.Command(exe, d)
		cmd.Env = append(cmd.Env,
			worker.EnvCommand+"="+cfg.Worker.Command,
			envLogLevel+"="+cfg.Service.LogLevel,
			envLogFormat+"="+cfg.Service.LogFormat,
		)
		return cmd, nil
	}
}

// serviceTXT describes the manager in its DNS-SD TXT record.
func serviceTXT(id string, cfg *config.Config) []string {
	txt := []string{
		"id=" + id,
		"name=" + cfg.Service.Name,
		"scheme=" + api.Scheme,
		"workers=" + strconv.Itoa(cfg.Manager.WorkerSize),
		"version=" + version,
	}
	if len(cfg.Manager.Projects) > 0 {
		txt = append(txt, "projects="+strings.Join(cfg.Manager.Projects, ","))
	}
	return txt
}

func tokenConfigs(tokens []config.APIToken) []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}

// runWorker is the entry point of a worker process started by the manager.
// Its exit status is the test command's.
func runWorker(args []string) int {
	d, err := worker.Parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return 2
	}
	log.Setup(os.Getenv(envLogLevel), os.Getenv(envLogFormat))

	command := os.Getenv(worker.EnvCommand)
	if command == "" {
		fmt.Fprintf(os.Stderr, "worker: %s is not set\n", worker.EnvCommand)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := &worker.CommandRunner{Command: command}
	code, err := runner.Run(ctx, d)
	if err != nil {
		log.WithWorker(d.Index).Error("worker failed", "error", err)
	}
	return code
}

// loadConfig loads the config at path, or the discovered one when path is empty.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, "", err
		}
		path = discovered
	}
	resolved, err := config.ResolveConfigFile(path)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(resolved)
	if err != nil {
		return nil, resolved, err
	}
	return cfg, resolved, nil
}
