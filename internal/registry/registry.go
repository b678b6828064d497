// Package registry holds the set of configured accounts and reports when
// accounts are added, removed or changed.
//
// Accounts are read from a YAML file:
//
//	accounts:
//	  - id: work
//	    display_name: Work
//	    keep_local_data: true
//	    services:
//	      - name: calendar
//	      - name: contacts
//	        enabled: false
//
// Services default to enabled. Reload rereads the file and emits one event
// per difference.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownAccount is returned for account ids not in the registry
var ErrUnknownAccount = errors.New("registry: unknown account")

// Service is one service offered by an account
type Service struct {
	Name    string
	Enabled bool
}

// Account is a registered account
type Account struct {
	ID            string
	DisplayName   string
	Services      []Service
	KeepLocalData bool
}

// EventType identifies registry changes
type EventType int

const (
	EventAdded EventType = iota + 1
	EventRemoved
	EventChanged
)

// String returns a human-readable representation of the event type
func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// Event reports a change to one account
type Event struct {
	Type    EventType
	Account Account
}

// Config defines where accounts are read from
type Config struct {
	// YAML account file; empty means no accounts
	Path string `toml:"path"`

	EventBufferSize int `toml:"event_buffer_size"`
}

// DefaultConfig returns registry defaults
func DefaultConfig() Config {
	return Config{
		Path:            "accounts.yaml",
		EventBufferSize: 64,
	}
}

// ValidateConfig validates registry configuration
func ValidateConfig(config Config) error {
	if config.EventBufferSize <= 0 {
		return fmt.Errorf("registry EventBufferSize must be positive, got %d", config.EventBufferSize)
	}
	return nil
}

type file struct {
	Accounts []fileAccount `yaml:"accounts"`
}

type fileAccount struct {
	ID            string        `yaml:"id"`
	DisplayName   string        `yaml:"display_name,omitempty"`
	Services      []fileService `yaml:"services"`
	KeepLocalData bool          `yaml:"keep_local_data,omitempty"`
}

type fileService struct {
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// Registry is the set of configured accounts. It is safe for concurrent use.
type Registry struct {
	config Config
	logger *slog.Logger

	mu       sync.RWMutex
	accounts map[string]Account
	order    []string
	removed  map[string]bool // id → keep local data, until confirmed

	events chan Event
}

// New creates a registry holding accounts. No events are emitted for them.
func New(config Config, accounts []Account, logger *slog.Logger) (*Registry, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	if err := validateAccounts(accounts); err != nil {
		return nil, err
	}

	r := &Registry{
		config:   config,
		logger:   logger,
		accounts: make(map[string]Account),
		removed:  make(map[string]bool),
		events:   make(chan Event, config.EventBufferSize),
	}
	for _, a := range accounts {
		r.accounts[a.ID] = a
		r.order = append(r.order, a.ID)
	}
	return r, nil
}

// Load creates a registry from the configured file. A missing file yields an
// empty registry.
func Load(config Config, logger *slog.Logger) (*Registry, error) {
	accounts, err := ReadFile(config.Path)
	if err != nil {
		return nil, err
	}
	return New(config, accounts, logger)
}

// ReadFile parses an account file. A missing or empty path yields no accounts.
func ReadFile(path string) ([]Account, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read account file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML account data
func Parse(data []byte) ([]Account, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	accounts := make([]Account, 0, len(f.Accounts))
	for _, fa := range f.Accounts {
		a := Account{
			ID:            fa.ID,
			DisplayName:   fa.DisplayName,
			KeepLocalData: fa.KeepLocalData,
		}
		for _, fs := range fa.Services {
			enabled := true
			if fs.Enabled != nil {
				enabled = *fs.Enabled
			}
			a.Services = append(a.Services, Service{Name: fs.Name, Enabled: enabled})
		}
		accounts = append(accounts, a)
	}

	if err := validateAccounts(accounts); err != nil {
		return nil, fmt.Errorf("invalid account file: %w", err)
	}
	return accounts, nil
}

func validateAccounts(accounts []Account) error {
	seen := make(map[string]bool)
	for i, a := range accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true

		services := make(map[string]bool)
		for j, s := range a.Services {
			if s.Name == "" {
				return fmt.Errorf("accounts[%d].services[%d]: name is required", i, j)
			}
			if services[s.Name] {
				return fmt.Errorf("accounts[%d].services[%d]: duplicate service %q", i, j, s.Name)
			}
			services[s.Name] = true
		}
	}
	return nil
}

// Events returns the stream of account changes
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Accounts returns all accounts in file order
func (r *Registry) Accounts() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Account, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.accounts[id])
	}
	return out
}

// Account returns one account
func (r *Registry) Account(id string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	return a, ok
}

// AvailableServices returns every service name offered by the account
func (r *Registry) AvailableServices(id string) ([]string, error) {
	a, ok := r.Account(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	names := make([]string, 0, len(a.Services))
	for _, s := range a.Services {
		names = append(names, s.Name)
	}
	return names, nil
}

// EnabledServices returns the names of the account's enabled services
func (r *Registry) EnabledServices(id string) ([]string, error) {
	a, ok := r.Account(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	names := make([]string, 0, len(a.Services))
	for _, s := range a.Services {
		if s.Enabled {
			names = append(names, s.Name)
		}
	}
	return names, nil
}

// ConfirmRemoval reports whether local data of a removed account is kept.
// Each removal is confirmed once; unknown ids keep their data.
func (r *Registry) ConfirmRemoval(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep, ok := r.removed[id]
	if !ok {
		return true
	}
	delete(r.removed, id)
	return keep
}

// Reload rereads the account file and applies the differences
func (r *Registry) Reload(ctx context.Context) error {
	accounts, err := ReadFile(r.config.Path)
	if err != nil {
		return err
	}
	return r.Apply(ctx, accounts)
}

// Apply replaces the account set and emits added, changed and removed
// events in that order
func (r *Registry) Apply(ctx context.Context, accounts []Account) error {
	if err := validateAccounts(accounts); err != nil {
		return err
	}

	r.mu.Lock()
	var events []Event
	next := make(map[string]Account, len(accounts))
	order := make([]string, 0, len(accounts))

	for _, a := range accounts {
		next[a.ID] = a
		order = append(order, a.ID)

		prev, existed := r.accounts[a.ID]
		switch {
		case !existed:
			delete(r.removed, a.ID)
			events = append(events, Event{Type: EventAdded, Account: a})
		case !sameAccount(prev, a):
			events = append(events, Event{Type: EventChanged, Account: a})
		}
	}
	for _, id := range r.order {
		if _, still := next[id]; !still {
			prev := r.accounts[id]
			r.removed[id] = prev.KeepLocalData
			events = append(events, Event{Type: EventRemoved, Account: prev})
		}
	}

	r.accounts = next
	r.order = order
	r.mu.Unlock()

	r.logger.Info("account registry updated",
		"accounts", len(accounts),
		"changes", len(events))

	for _, ev := range events {
		select {
		case r.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func sameAccount(a, b Account) bool {
	if a.ID != b.ID || a.DisplayName != b.DisplayName || a.KeepLocalData != b.KeepLocalData {
		return false
	}
	if len(a.Services) != len(b.Services) {
		return false
	}
	for i := range a.Services {
		if a.Services[i] != b.Services[i] {
			return false
		}
	}
	return true
}
