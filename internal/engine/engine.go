// Package engine defines the contract with the external synchronization
// engine and a process-backed implementation of it.
//
// The engine runs at most one session at a time. Every operation that does
// real work is asynchronous: the call returns once the request is issued and
// the outcome arrives later on Events(), tagged with the session handle.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Mode is the synchronization mode requested for a session
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ParseMode parses a mode string
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeIncremental:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}

// Handle identifies one engine session
type Handle string

// Session status strings reported by the engine
const (
	StatusQueueing       = "queueing"
	StatusRunning        = "running"
	StatusDone           = "done"
	StatusRunningWaiting = "running;waiting"
)

// EventType distinguishes engine notifications
type EventType int

const (
	EventStatus     EventType = iota + 1 // Session status changed
	EventDone                            // Sync finished with an outcome code
	EventConfigured                      // Configuration round-trip finished
	EventLost                            // Engine connection lost or process died
)

// String returns a human-readable representation of the event type
func (t EventType) String() string {
	switch t {
	case EventStatus:
		return "status"
	case EventDone:
		return "done"
	case EventConfigured:
		return "configured"
	case EventLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Event is an asynchronous notification from the engine
type Event struct {
	Type   EventType
	Handle Handle
	Status string // EventStatus
	Code   int    // EventDone
	Err    error  // EventConfigured, EventLost
}

// Errors returned by engine implementations
var (
	ErrBusy           = errors.New("engine: another session is active")
	ErrUnknownSession = errors.New("engine: unknown session")
	ErrConnectionLost = errors.New("engine: connection lost")
	ErrClosed         = errors.New("engine: closed")
)

// Engine is the session collaborator used by the scheduler
type Engine interface {
	// OpenSession prepares a session for the named configuration
	OpenSession(ctx context.Context, name string) (Handle, error)

	// Configure (re)writes the session's target configuration for services.
	// Completion is reported with EventConfigured.
	Configure(ctx context.Context, h Handle, services []string) error

	// Sync starts synchronizing services in the given mode. Progress is
	// reported with EventStatus, completion with EventDone.
	Sync(ctx context.Context, h Handle, mode Mode, services []string) error

	// Cancel asks the engine to abort the session. A late EventDone may still
	// be delivered for it.
	Cancel(h Handle) error

	// Status returns the last known session status
	Status(h Handle) (string, error)

	// Close releases the session
	Close(h Handle) error

	// Events delivers notifications for all sessions
	Events() <-chan Event
}
