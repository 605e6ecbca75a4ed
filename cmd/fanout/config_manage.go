package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/fanout/internal/config"
	"github.com/mattjoyce/fanout/internal/doctor"
	"github.com/mattjoyce/fanout/internal/lock"
)

const redacted = "[redacted]"

type configCheckResult struct {
	Valid      bool           `json:"valid"`
	ConfigPath string         `json:"config_path,omitempty"`
	Integrity  string         `json:"integrity"`
	Errors     []doctor.Issue `json:"errors,omitempty"`
	Warnings   []doctor.Issue `json:"warnings,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	result := checkConfig(*configPath)
	if *jsonOut {
		if code := printJSON(result); code != 0 {
			return code
		}
	} else {
		printCheckResult(result)
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func checkConfig(path string) configCheckResult {
	cfg, resolved, err := loadConfig(path)
	result := configCheckResult{ConfigPath: resolved, Integrity: "unlocked"}
	if err != nil {
		result.Errors = append(result.Errors, doctor.Issue{Category: "config", Message: err.Error()})
		return result
	}

	if _, err := config.LoadChecksums(filepath.Dir(resolved)); err == nil {
		result.Integrity = "verified"
	} else {
		result.Warnings = append(result.Warnings, doctor.Issue{
			Category: "integrity",
			Message:  "no .checksums manifest; run 'fanout config lock' to pin this config",
		})
	}

	host := doctor.New(cfg).Validate()
	result.Errors = append(result.Errors, host.Errors...)
	result.Warnings = append(result.Warnings, host.Warnings...)

	lockPath := lock.PathFor(cfg.State.Path)
	if l, err := lock.AcquirePIDLock(lockPath); err != nil {
		msg := "a manager is running with this state path"
		if pid, perr := lock.ReadPID(lockPath); perr == nil {
			msg = fmt.Sprintf("%s (pid %d)", msg, pid)
		}
		result.Warnings = append(result.Warnings, doctor.Issue{Category: "state", Field: "state.path", Message: msg})
	} else {
		_ = l.Release()
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func printCheckResult(r configCheckResult) {
	if r.ConfigPath != "" {
		fmt.Printf("Config: %s\n", r.ConfigPath)
	}
	for _, e := range r.Errors {
		fmt.Printf("  ERROR %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Printf("  WARN  %s\n", w)
	}
	if r.Valid {
		fmt.Printf("Status: Configuration check PASSED (integrity: %s).\n", r.Integrity)
	} else {
		fmt.Println("Status: Configuration check FAILED.")
	}
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Compute the hash without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	// Refuse to pin a config that would not load.
	data, err := readConfigFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	cfg, err := config.Parse(data)
	if err == nil {
		err = config.Validate(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock refused, configuration is invalid: %v\n", err)
		return 1
	}

	report, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	if report.Written {
		fmt.Printf("Wrote %s\n", report.ChecksumPath)
	} else {
		fmt.Printf("Dry run: would write %s\n", report.ChecksumPath)
	}
	fmt.Printf("  %s  blake3:%s\n", filepath.Base(report.ConfigPath), report.Hash)
	return 0
}

func readConfigFile(path string) ([]byte, error) {
	resolved, err := config.ResolveConfigFile(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	redactSecrets(cfg)

	if *jsonOut {
		return printJSON(cfg)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	fmt.Print(string(out))
	return 0
}

func redactSecrets(cfg *config.Config) {
	if cfg.API.Auth.APIKey != "" {
		cfg.API.Auth.APIKey = redacted
	}
	for i := range cfg.API.Auth.Tokens {
		cfg.API.Auth.Tokens[i].Token = redacted
	}
}
