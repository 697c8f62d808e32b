// Package config defines the value structs that parameterize a run of
// the engine and loads them from a YAML document. Per SPEC_FULL.md §1
// this package deliberately performs no on-disk path discovery (no
// "search upward for ralph.yaml" convention) — callers pass the path
// explicitly.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ralph/internal/supervisor"
)

// Defaults applied by Load when a value is left unset in YAML.
const (
	DefaultModel         = "sonnet"
	DefaultMaxIterations = 0 // 0 = unlimited
	DefaultGapSeconds    = 0
	DefaultMaxContextTok = 150_000
)

// Config is the full set of values one `ralph` run is parameterized
// by.
type Config struct {
	Project ProjectConfig `yaml:"project"`
	Run     RunConfig     `yaml:"run"`
	Notify  NotifyConfig  `yaml:"notify"`
	Server  ServerConfig  `yaml:"server"`
}

// ProjectConfig names the working directory and backlog layout.
type ProjectConfig struct {
	Name       string `yaml:"name"`
	WorkingDir string `yaml:"working_dir"`
	BacklogDir string `yaml:"backlog_dir"`
}

// RunConfig parameterizes the run loop and subprocess supervisor. Mode
// is spelled as a string in YAML ("pipe" or "pty") since
// supervisor.Mode has no textual (un)marshaler of its own; ResolveMode
// converts it.
type RunConfig struct {
	Model             string        `yaml:"model"`
	Mode              string        `yaml:"mode"`
	MaxIterations     int           `yaml:"max_iterations"`
	GapSeconds        int           `yaml:"gap_seconds"`
	// SubprocessTimeout is loaded and defaulted here, but cmd/ralph does
	// not pass it on: every spawn uses supervisor.DefaultTimeout.
	SubprocessTimeout time.Duration `yaml:"subprocess_timeout"`
	MaxContextTokens  int           `yaml:"max_context_tokens"`
	HistoryDBPath     string        `yaml:"history_db_path"`
	StatusFilePath    string        `yaml:"status_file_path"`
}

// ResolveMode converts the configured mode string to a
// supervisor.Mode.
func (r RunConfig) ResolveMode() (supervisor.Mode, error) {
	switch r.Mode {
	case "pipe":
		return supervisor.ModePipe, nil
	case "pty":
		return supervisor.ModePTY, nil
	default:
		return 0, fmt.Errorf("run.mode must be \"pipe\" or \"pty\", got %q", r.Mode)
	}
}

// NotifyConfig selects and parameterizes the Notification Port.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url,omitempty"`
}

// ServerConfig parameterizes the optional /status and /metrics HTTP
// surface; Addr left empty disables the server entirely.
type ServerConfig struct {
	Addr      string `yaml:"addr,omitempty"`
	AuthToken string `yaml:"auth_token,omitempty"`
}

// Load reads and parses a Config from path, applying defaults for
// anything left unset.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config YAML %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Run.Model == "" {
		cfg.Run.Model = DefaultModel
	}
	if cfg.Run.Mode == "" {
		cfg.Run.Mode = "pipe"
	}
	if cfg.Run.SubprocessTimeout == 0 {
		cfg.Run.SubprocessTimeout = supervisor.DefaultTimeout
	}
	if cfg.Run.MaxContextTokens == 0 {
		cfg.Run.MaxContextTokens = DefaultMaxContextTok
	}
	if cfg.Project.BacklogDir == "" {
		cfg.Project.BacklogDir = "backlog"
	}
}

func validate(cfg Config) error {
	if cfg.Project.WorkingDir == "" {
		return fmt.Errorf("project.working_dir is required")
	}
	if _, err := cfg.Run.ResolveMode(); err != nil {
		return err
	}
	if cfg.Run.MaxIterations < 0 {
		return fmt.Errorf("run.max_iterations must be >= 0")
	}
	if cfg.Run.GapSeconds < 0 {
		return fmt.Errorf("run.gap_seconds must be >= 0")
	}
	if cfg.Server.Addr != "" && cfg.Server.AuthToken == "" {
		return fmt.Errorf("server.auth_token is required when server.addr is set")
	}
	return nil
}
