package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "dispatch":
		return runDispatchNoun(args)

	// --- ROOT ACTIONS ---
	case "start":
		if hasHelpFlag(args) {
			printSystemStartHelp()
			return 0
		}
		return runStart(args)
	case "worker":
		return runWorker(args)
	case "find":
		if hasHelpFlag(args) {
			printFindHelp()
			return 0
		}
		return runFind(args)
	case "available":
		if hasHelpFlag(args) {
			printAvailableHelp()
			return 0
		}
		return runAvailable(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: fanout version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("fanout %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `fanout - distribute a test suite across local worker processes

Usage:
  fanout <command> [flags]
  fanout <noun> <action> [flags]

Manager:
  start                 Start a manager in the foreground (alias: system start)
  system watch          Live view of a manager (alias: watch)
  system prune          Remove staged projects not dispatched recently

Callers:
  find                  List managers advertised on the local network
  available <project>   Ask a manager whether it accepts a project
  dispatch run <proj>   Trigger a dispatch and wait for its workers
  dispatch list         Show recent dispatches of a manager
  dispatch inspect <id> Show one dispatch with its worker exits

Config:
  config check          Validate configuration, integrity and host tools
  config lock           Write the .checksums manifest for the config file
  config show           Print the effective configuration

General:
  version               Show version information
  help                  Show this help message

Use 'fanout <noun> help' for action-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	case "prune":
		if hasHelpFlag(actionArgs) {
			printSystemPruneHelp()
			return 0
		}
		return runPrune(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runDispatchNoun(args []string) int {
	if len(args) < 1 {
		printDispatchNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printDispatchNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	if hasHelpFlag(actionArgs) {
		printDispatchNounHelp(os.Stdout)
		return 0
	}
	switch action {
	case "run":
		return runDispatchRun(actionArgs)
	case "list":
		return runDispatchList(actionArgs)
	case "inspect":
		return runDispatchInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown dispatch action: %s\n", action)
		return 1
	}
}

// --- HELPERS ---

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

// parseInterleaved parses flags that may appear before or after positional
// arguments, e.g. `available alpha --url X`. It returns the positionals.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: fanout system <start|watch|prune> [flags]")
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: fanout config <check|lock|show> [--config PATH]")
}

func printDispatchNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage:
  fanout dispatch run <project> --url ADDR --dispatcher ADDR [--token T] [--json]
  fanout dispatch list --url ADDR [--limit N] [--token T] [--json]
  fanout dispatch inspect <id> --url ADDR [--token T] [--json]
  fanout dispatch inspect <id> --local [--config PATH] [--json]

ADDR may be fanout://host:port or http://host:port.
--url defaults to $FANOUT_URL and --token to $FANOUT_TOKEN.
`)
}

func printSystemStartHelp() {
	fmt.Println("Usage: fanout start [--config PATH]")
	fmt.Println("Start a manager: bind the endpoint, advertise it and serve dispatches until interrupted.")
}

func printSystemPruneHelp() {
	fmt.Println("Usage: fanout system prune [--config PATH] [--older-than 168h]")
	fmt.Println("Delete staged project copies under manager.staging_root. Refuses while a manager holds the PID lock.")
}

func printFindHelp() {
	fmt.Println("Usage: fanout find [--timeout 3s] [--service _fanout._tcp] [--domain local.] [--json]")
	fmt.Println("Browse the local network for advertised managers.")
}

func printAvailableHelp() {
	fmt.Println("Usage: fanout available <project> --url ADDR [--token T]")
	fmt.Println("Exit status is 0 when the manager accepts the project and 3 when it does not.")
}

func printWatchHelp() {
	fmt.Println("Usage: fanout watch --url ADDR [--token T]")
	fmt.Println()
	fmt.Println("Live view of one manager: state, announcement, workers and event stream.")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: fanout config check [--config PATH] [--json]")
	fmt.Println("Checks the config loads, its .checksums pin, and that rsync, sh and the staging root are usable.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: fanout config lock [--config PATH] [--dry-run]")
	fmt.Println("Hash the config file with BLAKE3 and write .checksums next to it.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: fanout config show [--config PATH] [--json]")
	fmt.Println("Secrets are redacted.")
}
