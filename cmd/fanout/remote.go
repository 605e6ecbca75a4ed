package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/fanout/internal/announce"
	"github.com/mattjoyce/fanout/internal/api"
	"github.com/mattjoyce/fanout/internal/client"
	"github.com/mattjoyce/fanout/internal/coordinator"
	"github.com/mattjoyce/fanout/internal/history"
	"github.com/mattjoyce/fanout/internal/inspect"
	"github.com/mattjoyce/fanout/internal/storage"
	"github.com/mattjoyce/fanout/internal/tui/watch"
)

// exitUnavailable is returned by `available` for a project the manager declines.
const exitUnavailable = 3

// remoteFlags are shared by every command that talks to a manager.
type remoteFlags struct {
	url     string
	token   string
	timeout time.Duration
}

func (r *remoteFlags) register(fs *flag.FlagSet, defaultTimeout time.Duration) {
	fs.StringVar(&r.url, "url", os.Getenv("FANOUT_URL"), "Manager address (fanout://host:port or http://host:port)")
	fs.StringVar(&r.token, "token", os.Getenv("FANOUT_TOKEN"), "Bearer token")
	fs.DurationVar(&r.timeout, "timeout", defaultTimeout, "Request timeout (0 for none)")
}

func (r *remoteFlags) client() (*client.Client, error) {
	if r.url == "" {
		return nil, errors.New("manager address required: use --url or FANOUT_URL")
	}
	var opts []client.Option
	if r.token != "" {
		opts = append(opts, client.WithToken(r.token))
	}
	return client.New(r.url, opts...)
}

func (r *remoteFlags) context() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if r.timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	return tctx, func() { cancel(); stop() }
}

func runFind(args []string) int {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 3*time.Second, "How long to browse")
	service := fs.String("service", announce.ServiceType(api.Scheme), "DNS-SD service type")
	domain := fs.String("domain", "local.", "DNS-SD domain")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	entries, err := announce.Browse(ctx, *service, *domain, api.Scheme, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Browse failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		if entries == nil {
			entries = []announce.Entry{}
		}
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No managers found.")
		return 0
	}
	for _, e := range entries {
		fmt.Printf("%-40s %s\n", e.Instance, e.Address)
		for _, kv := range e.TXT {
			fmt.Printf("  %s\n", kv)
		}
	}
	return 0
}

func runAvailable(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("available", flag.ContinueOnError)
	rf.register(fs, 10*time.Second)
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: fanout available <project> --url ADDR")
		return 1
	}
	project := positional[0]

	c, err := rf.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ctx, cancel := rf.context()
	defer cancel()

	ok, err := c.AvailableFor(ctx, project)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Printf("%s: not available\n", project)
		return exitUnavailable
	}
	fmt.Printf("%s: available\n", project)
	return 0
}

func runDispatchRun(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("dispatch run", flag.ContinueOnError)
	rf.register(fs, 0)
	dispatcher := fs.String("dispatcher", "", "Callback address handed to every worker (scheme://host:port)")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 || *dispatcher == "" {
		fmt.Fprintln(os.Stderr, "Usage: fanout dispatch run <project> --url ADDR --dispatcher ADDR")
		return 1
	}

	c, err := rf.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ctx, cancel := rf.context()
	defer cancel()

	report, err := c.Dispatch(ctx, positional[0], *dispatcher)
	if err != nil {
		var apiErr *client.Error
		if errors.As(err, &apiErr) && apiErr.Report != nil {
			printReport(apiErr.Report)
		}
		fmt.Fprintf(os.Stderr, "Dispatch failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		if code := printJSON(report); code != 0 {
			return code
		}
	} else {
		printReport(report)
	}
	// Failing workers fail the command so CI sees the test outcome.
	if report.FailedWorkers() > 0 {
		return 1
	}
	return 0
}

func printReport(r *coordinator.Report) {
	fmt.Printf("Dispatch %s: %s\n", r.ID, r.Status)
	fmt.Printf("  project:    %s\n", r.Project)
	fmt.Printf("  dispatcher: %s\n", r.Dispatcher)
	if !r.FinishedAt.IsZero() {
		fmt.Printf("  duration:   %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	if r.Error != "" {
		fmt.Printf("  error:      %s (%s)\n", r.Error, r.ErrorKind)
	}
	for _, w := range r.Workers {
		fmt.Printf("  worker %-3d pid %-8d %s\n", w.Index, w.PID, inspect.Outcome(w.ExitCode, w.Signaled))
	}
}

func runDispatchList(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("dispatch list", flag.ContinueOnError)
	rf.register(fs, 10*time.Second)
	limit := fs.Int("limit", 20, "Maximum number of dispatches")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	c, err := rf.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ctx, cancel := rf.context()
	defer cancel()

	list, err := c.Dispatches(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		if list == nil {
			list = []history.Dispatch{}
		}
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No dispatches recorded.")
		return 0
	}
	fmt.Printf("%-36s  %-10s  %-20s  %s\n", "ID", "STATUS", "PROJECT", "STARTED")
	for _, d := range list {
		fmt.Printf("%-36s  %-10s  %-20s  %s\n", d.ID, d.Status, d.Project, d.StartedAt.Local().Format(time.DateTime))
	}
	return 0
}

func runDispatchInspect(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("dispatch inspect", flag.ContinueOnError)
	rf.register(fs, 10*time.Second)
	local := fs.Bool("local", false, "Read the state database of the local manager instead of calling --url")
	configPath := fs.String("config", "", "Config of the local manager (with --local)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: fanout dispatch inspect <id> (--url ADDR | --local [--config PATH])")
		return 1
	}
	id := positional[0]

	if *local {
		return inspectLocal(*configPath, id, *jsonOut)
	}

	c, err := rf.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ctx, cancel := rf.context()
	defer cancel()

	d, err := c.GetDispatch(ctx, id)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Dispatch %s not found\n", id)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	report := inspect.FromDispatch(d)
	if *jsonOut {
		return printJSON(report)
	}
	fmt.Print(inspect.Render(report))
	return 0
}

// inspectLocal reads a dispatch straight from the state database, which works
// while the manager is down.
func inspectLocal(configPath, id string, jsonOut bool) int {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()

	var out string
	if jsonOut {
		out, err = inspect.BuildJSONReport(ctx, db, id)
	} else {
		out, err = inspect.BuildReport(ctx, db, id)
	}
	if errors.Is(err, history.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Dispatch %s not found\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	if jsonOut {
		fmt.Println(out)
	} else {
		fmt.Print(out)
	}
	return 0
}

func runWatch(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	rf.register(fs, 0)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	c, err := rf.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(c))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
