package stats

import (
	"fmt"
	"time"
)

// Config defines configuration for the stats collector
type Config struct {
	Enabled bool `toml:"enabled"`

	// How often the scheduler is sampled
	SampleInterval time.Duration `toml:"sample_interval"`

	// Length of one summarized period
	PeriodDuration time.Duration `toml:"period_duration"`
}

// DefaultConfig returns default stats collector configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		SampleInterval: 10 * time.Second,
		PeriodDuration: 5 * time.Minute,
	}
}

// ValidateConfig validates stats collector configuration
func ValidateConfig(config Config) error {
	if config.SampleInterval <= 0 {
		return fmt.Errorf("SampleInterval must be positive, got %v", config.SampleInterval)
	}
	if config.PeriodDuration < config.SampleInterval {
		return fmt.Errorf("PeriodDuration (%v) must not be shorter than SampleInterval (%v)",
			config.PeriodDuration, config.SampleInterval)
	}
	return nil
}
