package config

import "time"

// Config represents the complete fanout configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Manager   ManagerConfig   `yaml:"manager"`
	API       APIConfig       `yaml:"api"`
	Sync      SyncConfig      `yaml:"sync"`
	Install   InstallConfig   `yaml:"install"`
	Worker    WorkerConfig    `yaml:"worker"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	State     StateConfig     `yaml:"state"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ManagerConfig defines the dispatch behaviour of this coordinator.
type ManagerConfig struct {
	WorkerSize int `yaml:"worker_size"`
	// Projects is the optional allow-list. Empty means any project is accepted.
	Projects    []string `yaml:"projects,omitempty"`
	StagingRoot string   `yaml:"staging_root"`

	PreloadApp     bool   `yaml:"preload_app"`
	PreloadSpec    string `yaml:"preload_spec,omitempty"`
	PreloadFeature string `yaml:"preload_feature,omitempty"`
	// BeforeFork runs once before workers are started, only when PreloadApp is set.
	BeforeFork string `yaml:"before_fork,omitempty"`
}

// APIConfig defines the RPC endpoint settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// AdvertiseHost is the host name put in the advertised address. Defaults to os.Hostname().
	AdvertiseHost string        `yaml:"advertise_host,omitempty"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	Auth          APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
// When neither APIKey nor Tokens are set the endpoint is open.
type APIAuthConfig struct {
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// SyncConfig defines how project sources are pulled from the dispatcher.
type SyncConfig struct {
	Command string        `yaml:"command"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// InstallConfig defines the dependency installation step.
type InstallConfig struct {
	Enabled        bool          `yaml:"enabled"`
	CheckCommand   string        `yaml:"check_command"`
	InstallCommand string        `yaml:"install_command"`
	Timeout        time.Duration `yaml:"timeout"`
}

// WorkerConfig defines what each worker process runs.
type WorkerConfig struct {
	Command               string `yaml:"command"`
	PreloadSpecCommand    string `yaml:"preload_spec_command,omitempty"`
	PreloadFeatureCommand string `yaml:"preload_feature_command,omitempty"`
	// TerminationGrace is the delay between SIGTERM and SIGKILL on shutdown.
	TerminationGrace time.Duration `yaml:"termination_grace"`
}

// DiscoveryConfig defines the DNS-SD advertisement.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
	Domain  string `yaml:"domain"`
}

// StateConfig defines dispatch history storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "fanout",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Manager: ManagerConfig{
			WorkerSize:  1,
			StagingRoot: "/tmp",
		},
		API: APIConfig{
			Listen:       "0.0.0.0:0",
			WriteTimeout: time.Hour,
		},
		Sync: SyncConfig{
			Command: "rsync",
			Port:    8989,
			Timeout: 10 * time.Minute,
		},
		Install: InstallConfig{
			Enabled:        true,
			CheckCommand:   "bundle check",
			InstallCommand: "bundle install --relock",
			Timeout:        30 * time.Minute,
		},
		Worker: WorkerConfig{
			Command:               "bundle exec rspec",
			PreloadSpecCommand:    "bundle exec ruby -e 'require ARGV[0]'",
			PreloadFeatureCommand: "bundle exec cucumber --dry-run",
			TerminationGrace:      5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Service: "_fanout._tcp",
			Domain:  "local.",
		},
		State: StateConfig{
			Path: "./data/fanout.db",
		},
	}
}
