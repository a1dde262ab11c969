package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Runtime.Binary != "docker" {
		t.Errorf("runtime binary = %q", cfg.Runtime.Binary)
	}
	if cfg.Runtime.Network != "none" {
		t.Errorf("runtime network = %q", cfg.Runtime.Network)
	}
	if cfg.Store.Path != filepath.Join("./data", "sandclaw.db") {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.IPC.Root != filepath.Join("./data", "ipc") {
		t.Errorf("ipc root = %q", cfg.IPC.Root)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sandclaw.yaml")
	content := `
data_dir: /var/lib/sandclaw
runtime:
  binary: podman
  image: my-agent:v2
dispatch:
  timeout: 90s
scheduler:
  enabled: false
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Runtime.Binary != "podman" || cfg.Runtime.Image != "my-agent:v2" {
		t.Errorf("runtime = %+v", cfg.Runtime)
	}
	if cfg.Dispatch.Timeout != 90*time.Second {
		t.Errorf("timeout = %s", cfg.Dispatch.Timeout)
	}
	if cfg.Scheduler.Enabled {
		t.Error("scheduler not disabled")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}

	// Untouched fields keep their defaults.
	if cfg.Dispatch.MaxOutputBytes != 1*1024*1024 {
		t.Errorf("max output bytes = %d", cfg.Dispatch.MaxOutputBytes)
	}
	// Derived paths follow the overridden data dir.
	if cfg.Store.Path != filepath.Join("/var/lib/sandclaw", "sandclaw.db") {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
}

func TestLoadExplicitPathsWin(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sandclaw.yaml")
	content := `
store:
  path: /mnt/fast/sandclaw.db
ipc:
  root: /mnt/shared/ipc
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/mnt/fast/sandclaw.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.IPC.Root != "/mnt/shared/ipc" {
		t.Errorf("ipc root = %q", cfg.IPC.Root)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sandclaw.yaml")
	if err := os.WriteFile(path, []byte("runtime: [not a mapping"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed YAML accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"missing binary", func(c *Config) { c.Runtime.Binary = "" }, true},
		{"missing image", func(c *Config) { c.Runtime.Image = "" }, true},
		{"zero timeout", func(c *Config) { c.Dispatch.Timeout = 0 }, true},
		{"zero output cap", func(c *Config) { c.Dispatch.MaxOutputBytes = 0 }, true},
		{"zero ipc poll", func(c *Config) { c.IPC.PollInterval = 0 }, true},
		{"zero result wait", func(c *Config) { c.IPC.ResultWait = 0 }, true},
		{"scheduler on without poll", func(c *Config) {
			c.Scheduler.Enabled = true
			c.Scheduler.PollInterval = 0
		}, true},
		{"scheduler off without poll", func(c *Config) {
			c.Scheduler.Enabled = false
			c.Scheduler.PollInterval = 0
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.applyDerivedPaths()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
