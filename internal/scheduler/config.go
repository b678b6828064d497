package scheduler

import (
	"fmt"
	"time"
)

// Config defines configuration for the scheduler's event loop and dispatch policy
type Config struct {
	// How long to collect non-immediate requests before dispatching
	DebounceInterval time.Duration `toml:"debounce_interval"`

	// Inbox buffer size
	InboxBufferSize int `toml:"inbox_buffer_size"`

	// Timeout for sending to inbox
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`

	// Request an immediate sync of every service when an account is added
	SyncOnAdd bool `toml:"sync_on_add"`

	// Request a sync of every account when the scheduler starts
	SyncOnStart bool `toml:"sync_on_start"`
}

// DefaultConfig returns scheduler configuration defaults
func DefaultConfig() Config {
	return Config{
		DebounceInterval: 1 * time.Minute,
		InboxBufferSize:  1000,
		InboxSendTimeout: 5 * time.Second,
		SyncOnAdd:        true,
		SyncOnStart:      false,
	}
}

// validateConfig validates scheduler configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.DebounceInterval <= 0 {
		return fmt.Errorf("DebounceInterval must be positive, got %v", config.DebounceInterval)
	}

	if config.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", config.InboxBufferSize)
	}

	if config.InboxSendTimeout <= 0 {
		return fmt.Errorf("InboxSendTimeout must be positive, got %v", config.InboxSendTimeout)
	}

	return nil
}

// ValidateConfig validates scheduler configuration
func ValidateConfig(config Config) error {
	return validateConfig(config)
}
