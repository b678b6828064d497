// Package network tracks connectivity and decides whether sync work may be
// dispatched.
package network

import "fmt"

// State is the connectivity classification. The zero value is Online, so
// callers that never learn about connectivity do not park all work.
type State int

const (
	Online  State = iota // Unrestricted connection
	Limited              // Metered or otherwise restricted connection
	Offline              // No usable connection
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Limited:
		return "limited"
	case Online:
		return "online"
	default:
		return "unknown"
	}
}

// ParseState parses a connectivity state name
func ParseState(s string) (State, error) {
	switch s {
	case "offline":
		return Offline, nil
	case "limited":
		return Limited, nil
	case "online":
		return Online, nil
	default:
		return Offline, fmt.Errorf("unknown connectivity state %q", s)
	}
}

// Transition is the scheduler-relevant effect of a state change
type Transition int

const (
	TransitionNone    Transition = iota // No change that affects queued work
	TransitionResumed                   // offline → online|limited: deferred work may run
	TransitionLost                      // online|limited → offline: in-flight work must be deferred
)

// String returns a human-readable representation of the transition
func (t Transition) String() string {
	switch t {
	case TransitionNone:
		return "none"
	case TransitionResumed:
		return "resumed"
	case TransitionLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Gate holds the current connectivity state and the metered opt-in.
// Not safe for concurrent use; the scheduler loop owns it.
type Gate struct {
	state        State
	allowMetered bool
}

// NewGate creates a gate in the given initial state
func NewGate(initial State) *Gate {
	return &Gate{state: initial}
}

// State returns the current connectivity state
func (g *Gate) State() State {
	return g.state
}

// Update records a new state and classifies the change
func (g *Gate) Update(next State) Transition {
	prev := g.state
	g.state = next

	switch {
	case prev == Offline && next != Offline:
		return TransitionResumed
	case prev != Offline && next == Offline:
		return TransitionLost
	default:
		return TransitionNone
	}
}

// SetAllowMetered sets the metered-connection opt-in for the current batch
func (g *Gate) SetAllowMetered(allow bool) {
	g.allowMetered = allow
}

// AllowMetered reports the metered-connection opt-in
func (g *Gate) AllowMetered() bool {
	return g.allowMetered
}

// CanDispatch reports whether a job may be started now
func (g *Gate) CanDispatch() bool {
	switch g.state {
	case Online:
		return true
	case Limited:
		return g.allowMetered
	default:
		return false
	}
}

// Offline reports whether there is no connection at all
func (g *Gate) Offline() bool {
	return g.state == Offline
}
