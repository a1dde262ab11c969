// Package config defines all configuration structures for the sandclaw
// daemon. Configuration is loaded from a single YAML file layered over
// DefaultConfig, with a .env file loaded beforehand for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	// DataDir is the base directory for the database and IPC root.
	// Defaults to "./data".
	DataDir string `yaml:"data_dir"`

	// Store configures the SQLite storage layer.
	Store StoreConfig `yaml:"store"`

	// Pool configures the warm container pool.
	Pool PoolConfig `yaml:"pool"`

	// IPC configures the file-based tool-call bridge.
	IPC IPCConfig `yaml:"ipc"`

	// Runtime configures the container runtime used for agent sandboxes.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Dispatch configures per-run limits for agent dispatches.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Scheduler configures the task scheduler poll loop.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the SQLite database.
type StoreConfig struct {
	// Path is the database file path. Defaults to <data_dir>/sandclaw.db.
	Path string `yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `yaml:"busy_timeout_ms"`

	// RunLogRetention is how long task run logs are kept before the
	// retention sweep deletes them. Defaults to 30 days.
	RunLogRetention time.Duration `yaml:"run_log_retention"`
}

// PoolConfig configures the warm container pool.
type PoolConfig struct {
	// IdleTimeout is how long an unacquired warm container is kept
	// alive before eviction. Zero disables idle eviction.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// IPCConfig configures the filesystem bridge between the host and
// sandboxed agent processes.
type IPCConfig struct {
	// Root is the IPC root directory shared with sandboxes.
	// Defaults to <data_dir>/ipc.
	Root string `yaml:"root"`

	// PollInterval is the cadence for directory polls, both for the
	// host-side drain fallback and the sandbox-side result wait.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ResultWait is how long a sandbox-side request waits for its
	// result file before giving up.
	ResultWait time.Duration `yaml:"result_wait"`
}

// RuntimeConfig configures the container runtime subprocess.
type RuntimeConfig struct {
	// Binary is the container runtime binary ("docker" or "podman").
	Binary string `yaml:"binary"`

	// Image is the sandbox image to run.
	Image string `yaml:"image"`

	// Network is the container network mode. Defaults to "none":
	// the mounted IPC directory is the sandbox's only side channel.
	Network string `yaml:"network"`

	// ExtraArgs are additional arguments inserted before the image.
	ExtraArgs []string `yaml:"extra_args"`
}

// DispatchConfig configures per-dispatch limits.
type DispatchConfig struct {
	// Timeout is the wall-clock budget for one agent run.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes caps the agent's stdout capture. Output beyond
	// the cap truncates the run and marks it failed.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// KillGrace is how long to wait after a graceful termination
	// signal before escalating to SIGKILL.
	KillGrace time.Duration `yaml:"kill_grace"`
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	// Enabled turns the scheduler poll loop on/off.
	Enabled bool `yaml:"enabled"`

	// PollInterval is how often due tasks are computed.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() Config {
	return Config{
		DataDir: "./data",
		Store: StoreConfig{
			BusyTimeoutMs:   5000,
			RunLogRetention: 30 * 24 * time.Hour,
		},
		Pool: PoolConfig{
			IdleTimeout: 10 * time.Minute,
		},
		IPC: IPCConfig{
			PollInterval: 250 * time.Millisecond,
			ResultWait:   60 * time.Second,
		},
		Runtime: RuntimeConfig{
			Binary:  "docker",
			Image:   "sandclaw-agent:latest",
			Network: "none",
		},
		Dispatch: DispatchConfig{
			Timeout:        5 * time.Minute,
			MaxOutputBytes: 1 * 1024 * 1024,
			KillGrace:      5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file layered over the defaults. A missing
// file is not an error: the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDerivedPaths()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.applyDerivedPaths()
	return cfg, nil
}

// applyDerivedPaths fills paths that default relative to DataDir.
func (c *Config) applyDerivedPaths() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "sandclaw.db")
	}
	if c.IPC.Root == "" {
		c.IPC.Root = filepath.Join(c.DataDir, "ipc")
	}
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	if c.Runtime.Binary == "" {
		return fmt.Errorf("runtime binary is required")
	}
	if c.Runtime.Image == "" {
		return fmt.Errorf("runtime image is required")
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch timeout must be positive")
	}
	if c.Dispatch.MaxOutputBytes <= 0 {
		return fmt.Errorf("dispatch max_output_bytes must be positive")
	}
	if c.IPC.PollInterval <= 0 {
		return fmt.Errorf("ipc poll_interval must be positive")
	}
	if c.IPC.ResultWait <= 0 {
		return fmt.Errorf("ipc result_wait must be positive")
	}
	if c.Scheduler.Enabled && c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll_interval must be positive")
	}
	return nil
}
