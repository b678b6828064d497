package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/livinlefevreloca/pimsync/internal/db"
	"github.com/livinlefevreloca/pimsync/internal/engine"
	"github.com/livinlefevreloca/pimsync/internal/network"
	"github.com/livinlefevreloca/pimsync/internal/registry"
	"github.com/livinlefevreloca/pimsync/internal/scheduler"
	"github.com/livinlefevreloca/pimsync/internal/stats"
	"github.com/livinlefevreloca/pimsync/internal/status"
	"github.com/livinlefevreloca/pimsync/internal/syncer"
)

// Config represents the application configuration
type Config struct {
	Database  db.Config        `toml:"database"`
	Scheduler scheduler.Config `toml:"scheduler"`
	Syncer    syncer.Config    `toml:"syncer"`
	Status    status.Config    `toml:"status"`
	Network   network.Config   `toml:"network"`
	Engine    engine.Config    `toml:"engine"`
	Registry  registry.Config  `toml:"registry"`
	Stats     stats.Config     `toml:"stats"`
	HTTP      HTTPConfig       `toml:"http"`
	Logging   LoggingConfig    `toml:"logging"`
}

// HTTPConfig holds control API server settings
type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Addr returns the listen address
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database:  db.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Syncer:    syncer.DefaultConfig(),
		Status:    status.DefaultConfig(),
		Network:   network.DefaultConfig(),
		Engine:    engine.DefaultConfig(),
		Registry:  registry.DefaultConfig(),
		Stats:     stats.DefaultConfig(),
		HTTP: HTTPConfig{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    8484,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := db.ValidateConfig(c.Database); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}

	if err := scheduler.ValidateConfig(c.Scheduler); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := syncer.ValidateConfig(c.Syncer); err != nil {
		return fmt.Errorf("syncer: %w", err)
	}
	if err := status.ValidateConfig(c.Status); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if err := network.ValidateConfig(c.Network); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := engine.ValidateConfig(c.Engine); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := registry.ValidateConfig(c.Registry); err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	if c.Stats.Enabled {
		if err := stats.ValidateConfig(c.Stats); err != nil {
			return fmt.Errorf("stats: %w", err)
		}
	}

	// HTTP validation
	if c.HTTP.Enabled {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("HTTP port must be between 1 and 65535")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
