package syncer

import (
	"fmt"
	"time"
)

// Config defines configuration for run history write buffering
type Config struct {
	// Maximum buffered runs before new ones are dropped
	MaxBufferedRuns int `toml:"max_buffered_runs"`

	// Channel buffer size between the buffer and the writer goroutine
	RunChannelSize int `toml:"run_channel_size"`

	// Dual mechanism: size OR time triggers a flush
	RunFlushThreshold int           `toml:"run_flush_threshold"`
	RunFlushInterval  time.Duration `toml:"run_flush_interval"`

	// Maximum runs written in one transaction
	WriteBatchSize int `toml:"write_batch_size"`
}

// DefaultConfig returns syncer configuration defaults
func DefaultConfig() Config {
	return Config{
		MaxBufferedRuns:   10000,
		RunChannelSize:    200,
		RunFlushThreshold: 50,
		RunFlushInterval:  5 * time.Second,
		WriteBatchSize:    100,
	}
}

// ValidateConfig validates syncer configuration
func ValidateConfig(config Config) error {
	return validateConfig(config)
}

func validateConfig(config Config) error {
	if config.MaxBufferedRuns <= 0 {
		return fmt.Errorf("MaxBufferedRuns must be positive, got %d", config.MaxBufferedRuns)
	}

	if config.RunChannelSize <= 0 {
		return fmt.Errorf("RunChannelSize must be positive, got %d", config.RunChannelSize)
	}

	if config.RunFlushThreshold <= 0 {
		return fmt.Errorf("RunFlushThreshold must be positive, got %d", config.RunFlushThreshold)
	}

	if config.RunFlushThreshold > config.MaxBufferedRuns {
		return fmt.Errorf("RunFlushThreshold (%d) must not exceed MaxBufferedRuns (%d)",
			config.RunFlushThreshold, config.MaxBufferedRuns)
	}

	if config.RunFlushInterval <= 0 {
		return fmt.Errorf("RunFlushInterval must be positive, got %v", config.RunFlushInterval)
	}

	if config.WriteBatchSize <= 0 {
		return fmt.Errorf("WriteBatchSize must be positive, got %d", config.WriteBatchSize)
	}

	return nil
}
