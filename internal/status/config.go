package status

import "fmt"

// Config defines the data-driven classification tables
type Config struct {
	// Codes treated as success in addition to 0
	OKCodes []int `toml:"ok_codes"`

	// Transient codes eligible for a single immediate retry
	RetryableCodes []int `toml:"retryable_codes"`

	// Codes meaning the last incremental run failed to apply
	FullResyncCodes []int `toml:"full_resync_codes"`
}

// DefaultConfig returns the classification tables for the current engine
func DefaultConfig() Config {
	return Config{
		OKCodes: []int{
			CodeHTTPOK,
			CodeItemAdded,
			CodeNoContent,
			CodeItemMerged,
			CodeConflictResolved,
			CodeItemReplaced,
		},
		RetryableCodes: []int{
			CodeForbidden,       // auth races while connectivity flaps
			CodeNoSourcesActive, // reported spuriously by the engine
		},
		FullResyncCodes: []int{
			CodeRefreshRequired,
		},
	}
}

// validateConfig rejects codes listed in more than one class
func validateConfig(config Config) error {
	seen := make(map[int]string)

	check := func(codes []int, class string) error {
		for _, c := range codes {
			if c < 0 {
				return fmt.Errorf("%s code must not be negative, got %d", class, c)
			}
			if prev, ok := seen[c]; ok && prev != class {
				return fmt.Errorf("code %d listed as both %s and %s", c, prev, class)
			}
			seen[c] = class
		}
		return nil
	}

	if err := check(config.OKCodes, "ok"); err != nil {
		return err
	}
	if err := check(config.RetryableCodes, "retryable"); err != nil {
		return err
	}
	for _, c := range config.RetryableCodes {
		if c == CodeOK {
			return fmt.Errorf("code 0 cannot be retryable")
		}
	}
	for _, c := range config.FullResyncCodes {
		if prev, ok := seen[c]; ok && prev == "ok" {
			return fmt.Errorf("code %d cannot be both ok and full_resync", c)
		}
	}

	return nil
}

// ValidateConfig validates classification tables
func ValidateConfig(config Config) error {
	return validateConfig(config)
}
