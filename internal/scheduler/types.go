package scheduler

import (
	"time"

	"github.com/livinlefevreloca/pimsync/internal/engine"
	"github.com/livinlefevreloca/pimsync/internal/inbox"
	"github.com/livinlefevreloca/pimsync/internal/jobqueue"
	"github.com/livinlefevreloca/pimsync/internal/network"
	"github.com/livinlefevreloca/pimsync/internal/status"
)

// RunState is the externally visible scheduler state
type RunState int

const (
	RunIdle    RunState = iota // Nothing queued or in flight
	RunPending                 // Jobs queued, none in flight
	RunSyncing                 // A job is in flight
)

// String returns a human-readable representation of the run state
func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunPending:
		return "pending"
	case RunSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// EventType identifies scheduler events
type EventType int

const (
	EventSyncStarted EventType = iota + 1
	EventSyncFinished
	EventSyncFailed
	EventSyncCanceled
	EventStateChanged
	EventDrained
)

// String returns the event name used by the control surface
func (t EventType) String() string {
	switch t {
	case EventSyncStarted:
		return "syncStarted"
	case EventSyncFinished:
		return "syncFinished"
	case EventSyncFailed:
		return "syncFailed"
	case EventSyncCanceled:
		return "syncCanceled"
	case EventStateChanged:
		return "stateChanged"
	case EventDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers on the scheduler goroutine. For one job
// the order is started, finished, then failed when the outcome is surfaced
// as a failure. Canceled replaces finished for aborted jobs.
type Event struct {
	Type  EventType
	Time  time.Time
	Token string // Job token, shared by every event of one dispatch

	Account   string
	Service   string
	Mode      engine.Mode
	FirstSync bool
	Code      int
	Class     status.Class
	Reason    string

	Retrying bool // Finished with a retryable code; the job was re-queued
	Deferred bool // Canceled by connectivity loss; the job waits in the deferred queue

	State RunState // For EventStateChanged
}

// Subscriber receives scheduler events. It runs on the scheduler goroutine
// and must not call back into the scheduler's blocking methods.
type Subscriber func(Event)

// inflight is the single authoritative record of the job being executed
type inflight struct {
	job       jobqueue.Job
	token     string
	handle    engine.Handle
	mode      engine.Mode
	startedAt time.Time
}

// InFlight describes the job being executed
type InFlight struct {
	Account   string
	Service   string
	Token     string
	Mode      engine.Mode
	StartedAt time.Time
}

// Stats provides high-level scheduler statistics
type Stats struct {
	State        RunState
	Connectivity network.State
	AllowMetered bool
	ActiveJobs   int
	DeferredJobs int
	InFlight     *InFlight
	Next         *jobqueue.Job // Head of the active queue

	RetryableCodes []int

	Dispatched int64
	Finished   int64
	Failed     int64
	Retried    int64
	Canceled   int64
	Deferred   int64
	Discarded  int64 // Engine events for sessions no longer in flight

	Inbox inbox.Stats
}
