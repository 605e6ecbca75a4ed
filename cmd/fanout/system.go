package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/fanout/internal/lock"
	"github.com/mattjoyce/fanout/internal/workspace"
)

// runPrune removes staged projects that have not been dispatched recently.
// It holds the manager's PID lock so it never races a running dispatch.
func runPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	olderThan := fs.Duration("older-than", 7*24*time.Hour, "Remove projects not dispatched within this long")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	pidLock, err := lock.AcquirePIDLock(lock.PathFor(cfg.State.Path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to prune while a manager is running: %v\n", err)
		return 1
	}
	defer pidLock.Release()

	mgr, err := workspace.NewFSManager(cfg.Manager.StagingRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	report, err := mgr.Cleanup(context.Background(), *olderThan)
	for _, name := range report.Deleted {
		fmt.Printf("removed %s\n", name)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed: %v\n", err)
		return 1
	}
	fmt.Printf("Pruned %d staged project(s) from %s\n", report.DeletedDirs, cfg.Manager.StagingRoot)
	return 0
}
