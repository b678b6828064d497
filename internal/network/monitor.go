package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Monitor reports connectivity changes
type Monitor interface {
	States() <-chan State
}

// Config defines connectivity monitoring
type Config struct {
	// Initial state assumed before the first probe
	Initial string `toml:"initial"`

	// Probe hosts with TCP dials; when false the initial state is fixed
	Probe bool `toml:"probe"`

	// host:port targets, any successful dial counts as connected
	Hosts []string `toml:"hosts"`

	ProbeInterval time.Duration `toml:"probe_interval"`
	ProbeTimeout  time.Duration `toml:"probe_timeout"`

	// Report a reachable network as limited instead of online
	Metered bool `toml:"metered"`
}

// DefaultConfig returns monitoring defaults
func DefaultConfig() Config {
	return Config{
		Initial:       "online",
		Probe:         false,
		Hosts:         []string{"1.1.1.1:443", "8.8.8.8:53"},
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Metered:       false,
	}
}

// ValidateConfig validates monitoring configuration
func ValidateConfig(config Config) error {
	if _, err := ParseState(config.Initial); err != nil {
		return err
	}
	if !config.Probe {
		return nil
	}
	if len(config.Hosts) == 0 {
		return fmt.Errorf("network probe requires at least one host")
	}
	if config.ProbeInterval <= 0 {
		return fmt.Errorf("network ProbeInterval must be positive, got %v", config.ProbeInterval)
	}
	if config.ProbeTimeout <= 0 {
		return fmt.Errorf("network ProbeTimeout must be positive, got %v", config.ProbeTimeout)
	}
	return nil
}

// StaticMonitor reports states pushed with Set
type StaticMonitor struct {
	ch chan State
}

// NewStaticMonitor creates a monitor that only changes when Set is called
func NewStaticMonitor() *StaticMonitor {
	return &StaticMonitor{ch: make(chan State, 16)}
}

// Set reports a new state
func (m *StaticMonitor) Set(s State) {
	m.ch <- s
}

func (m *StaticMonitor) States() <-chan State {
	return m.ch
}

// DialFunc opens a connection, matching net.Dialer.DialContext
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ProbeMonitor classifies connectivity by dialing well-known hosts
type ProbeMonitor struct {
	config Config
	logger *slog.Logger
	dial   DialFunc

	ch   chan State
	last State
	wg   sync.WaitGroup
}

// NewProbeMonitor creates a probing monitor. A nil dial uses net.Dialer.
func NewProbeMonitor(config Config, dial DialFunc, logger *slog.Logger) (*ProbeMonitor, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	initial, _ := ParseState(config.Initial)

	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}

	return &ProbeMonitor{
		config: config,
		logger: logger,
		dial:   dial,
		ch:     make(chan State, 4),
		last:   initial,
	}, nil
}

func (m *ProbeMonitor) States() <-chan State {
	return m.ch
}

// Start probes until ctx is cancelled
func (m *ProbeMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Wait blocks until the probe loop has exited
func (m *ProbeMonitor) Wait() {
	m.wg.Wait()
}

func (m *ProbeMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	m.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

// probeOnce classifies the network and reports changes
func (m *ProbeMonitor) probeOnce(ctx context.Context) {
	next := m.Probe(ctx)
	if next == m.last {
		return
	}

	m.logger.Info("connectivity changed",
		"from", m.last.String(),
		"to", next.String())
	m.last = next

	select {
	case m.ch <- next:
	case <-ctx.Done():
	}
}

// Probe dials the configured hosts once and returns the resulting state
func (m *ProbeMonitor) Probe(ctx context.Context) State {
	for _, host := range m.config.Hosts {
		dialCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
		conn, err := m.dial(dialCtx, "tcp", host)
		cancel()

		if err != nil {
			m.logger.Debug("probe failed", "host", host, "error", err)
			continue
		}
		conn.Close()

		if m.config.Metered {
			return Limited
		}
		return Online
	}
	return Offline
}
