package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// projectNamePattern matches names that are safe to join onto the staging root.
var projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Load reads, interpolates, verifies and validates the configuration at configPath.
// configPath may be a file or a directory containing config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse interpolates ${VAR} references and decodes YAML on top of Defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// ResolveConfigFile returns the absolute path of the config file for a file or directory argument.
func ResolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $FANOUT_CONFIG_DIR, ~/.config/fanout, /etc/fanout, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("FANOUT_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "fanout")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/fanout"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	localConfigPath := "./config.yaml"
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $FANOUT_CONFIG_DIR, ~/.config/fanout, /etc/fanout, ./config.yaml)")
}

// verifyConfigHash checks the config file against a sibling .checksums manifest.
// A missing manifest skips verification.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: fanout config lock --config %s", basename, dir, path)
	}

	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: fanout config lock --config %s", path, err, path)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate performs basic validation on the configuration.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Manager.WorkerSize <= 0 {
		return fmt.Errorf("manager.worker_size must be positive (got %d)", cfg.Manager.WorkerSize)
	}
	if cfg.Manager.StagingRoot == "" {
		return fmt.Errorf("manager.staging_root is required")
	}
	for i, p := range cfg.Manager.Projects {
		if !ValidProjectName(p) {
			return fmt.Errorf("manager.projects[%d]: invalid project name %q", i, p)
		}
	}

	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d].token", i)
		if tok.Token == "" {
			return fmt.Errorf("%s is required", field)
		}
		if err := checkUnresolved(field, tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
	}

	if cfg.Sync.Command == "" {
		return fmt.Errorf("sync.command is required")
	}
	if cfg.Sync.Port <= 0 || cfg.Sync.Port > 65535 {
		return fmt.Errorf("sync.port must be between 1 and 65535 (got %d)", cfg.Sync.Port)
	}

	if cfg.Install.Enabled && (cfg.Install.CheckCommand == "" || cfg.Install.InstallCommand == "") {
		return fmt.Errorf("install.check_command and install.install_command are required when install is enabled")
	}

	if cfg.Worker.Command == "" {
		return fmt.Errorf("worker.command is required")
	}
	if cfg.Worker.TerminationGrace < 0 {
		return fmt.Errorf("worker.termination_grace must not be negative")
	}

	if cfg.Discovery.Enabled && !strings.HasPrefix(cfg.Discovery.Service, "_") {
		return fmt.Errorf("discovery.service must look like _name._tcp (got %q)", cfg.Discovery.Service)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	return nil
}

// ValidProjectName reports whether name can be used as a staging directory name.
func ValidProjectName(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return projectNamePattern.MatchString(name)
}

func checkUnresolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}
