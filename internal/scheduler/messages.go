package scheduler

import (
	"github.com/livinlefevreloca/pimsync/internal/network"
)

// InboxMessage is the container for all messages sent to the scheduler
type InboxMessage struct {
	Type         MessageType
	Data         interface{}
	ResponseChan chan<- interface{} // Optional, for request/response pattern
}

// MessageType identifies the type of message being sent to the scheduler
type MessageType int

const (
	// Control surface
	MsgRequestSync MessageType = iota // Enqueue sync jobs
	MsgCancel                         // Cancel jobs for one account
	MsgCancelAll                      // Cancel everything

	// From collaborators
	MsgConnectivity // Connectivity state changed

	// State queries
	MsgGetState    // Request the current run state
	MsgGetStats    // Request scheduler statistics
	MsgGetAccounts // Request per-account summaries
)

// String returns a human-readable representation of the message type
func (m MessageType) String() string {
	switch m {
	case MsgRequestSync:
		return "request_sync"
	case MsgCancel:
		return "cancel"
	case MsgCancelAll:
		return "cancel_all"
	case MsgConnectivity:
		return "connectivity"
	case MsgGetState:
		return "get_state"
	case MsgGetStats:
		return "get_stats"
	case MsgGetAccounts:
		return "get_accounts"
	default:
		return "unknown"
	}
}

// RequestSyncMsg enqueues jobs. An empty Account means every account; empty
// Services means every enabled service.
type RequestSyncMsg struct {
	Account      string
	Services     []string
	Immediate    bool
	AllowMetered bool
}

// CancelMsg removes jobs for one account. Empty Services means all of them.
type CancelMsg struct {
	Account  string
	Services []string
}

// ConnectivityMsg reports a new connectivity state
type ConnectivityMsg struct {
	State network.State
}

// AccountInfo summarizes one account for the control surface
type AccountInfo struct {
	ID          string
	DisplayName string
	State       string
	Stale       bool
	Services    []string // enabled
	Queued      []string // active queue
	Deferred    []string // deferred queue
}
