package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Database defaults
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected driver sqlite3, got %s", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "pimsync.db" {
		t.Errorf("expected DSN pimsync.db, got %s", cfg.Database.DSN)
	}

	// Scheduler defaults
	if cfg.Scheduler.DebounceInterval != time.Minute {
		t.Errorf("expected debounce_interval 1m, got %v", cfg.Scheduler.DebounceInterval)
	}
	if !cfg.Scheduler.SyncOnAdd {
		t.Error("expected sync_on_add by default")
	}

	// Network defaults
	if cfg.Network.Initial != "online" {
		t.Errorf("expected initial connectivity online, got %s", cfg.Network.Initial)
	}
	if cfg.Network.Probe {
		t.Error("expected probing disabled by default")
	}

	// HTTP defaults
	if !cfg.HTTP.Enabled {
		t.Error("expected HTTP enabled by default")
	}
	if cfg.HTTP.Addr() != "127.0.0.1:8484" {
		t.Errorf("expected HTTP address 127.0.0.1:8484, got %s", cfg.HTTP.Addr())
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[database]
dsn = "/var/lib/pimsync/state.db"

[scheduler]
debounce_interval = "30s"
sync_on_start = true

[syncer]
run_flush_interval = "10s"

[status]
retryable_codes = [408, 508]

[network]
initial = "limited"
probe = true
hosts = ["example.org:443"]

[engine]
command = "/usr/bin/syncevolution"
args = ["--daemon=no"]

[registry]
path = "/etc/pimsync/accounts.yaml"

[stats]
enabled = false

[http]
enabled = false

[logging]
level = "debug"
format = "json"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Database.DSN != "/var/lib/pimsync/state.db" {
		t.Errorf("expected overridden DSN, got %s", cfg.Database.DSN)
	}
	// Unset keys keep their defaults
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected default driver, got %s", cfg.Database.Driver)
	}
	if cfg.Scheduler.DebounceInterval != 30*time.Second {
		t.Errorf("expected debounce_interval 30s, got %v", cfg.Scheduler.DebounceInterval)
	}
	if !cfg.Scheduler.SyncOnStart {
		t.Error("expected sync_on_start true")
	}
	if cfg.Syncer.RunFlushInterval != 10*time.Second {
		t.Errorf("expected run_flush_interval 10s, got %v", cfg.Syncer.RunFlushInterval)
	}
	if len(cfg.Status.RetryableCodes) != 2 {
		t.Errorf("expected 2 retryable codes, got %v", cfg.Status.RetryableCodes)
	}
	if cfg.Network.Initial != "limited" || !cfg.Network.Probe {
		t.Errorf("unexpected network config %+v", cfg.Network)
	}
	if cfg.Engine.Command != "/usr/bin/syncevolution" || len(cfg.Engine.Args) != 1 {
		t.Errorf("unexpected engine config %+v", cfg.Engine)
	}
	if cfg.Registry.Path != "/etc/pimsync/accounts.yaml" {
		t.Errorf("expected registry path override, got %s", cfg.Registry.Path)
	}
	if cfg.Stats.Enabled {
		t.Error("expected stats disabled")
	}
	if cfg.HTTP.Enabled {
		t.Error("expected HTTP disabled")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging config %+v", cfg.Logging)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected loaded config to validate, got %v", err)
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFromFile_Malformed(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[scheduler\nbroken"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Error("expected default config")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"unsupported driver", func(c *Config) { c.Database.Driver = "postgres" }, "unsupported database driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database"},
		{"zero debounce", func(c *Config) { c.Scheduler.DebounceInterval = 0 }, "scheduler"},
		{"zero flush interval", func(c *Config) { c.Syncer.RunFlushInterval = 0 }, "syncer"},
		{"overlapping codes", func(c *Config) { c.Status.RetryableCodes = append(c.Status.RetryableCodes, 0) }, "status"},
		{"bad connectivity", func(c *Config) { c.Network.Initial = "sideways" }, "network"},
		{"empty engine command", func(c *Config) { c.Engine.Command = "" }, "engine"},
		{"zero registry buffer", func(c *Config) { c.Registry.EventBufferSize = 0 }, "registry"},
		{"zero stats interval", func(c *Config) { c.Stats.SampleInterval = 0 }, "stats"},
		{"bad HTTP port", func(c *Config) { c.HTTP.Port = 70000 }, "HTTP port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_HTTPDisabledIgnoresPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP.Enabled = false
	cfg.HTTP.Port = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected no error with HTTP disabled, got %v", err)
	}
}
