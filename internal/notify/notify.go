// Package notify collects change notifications from remote services and
// hands them to the scheduler in batches.
//
// While frozen, changes accumulate and are coalesced per (service, source).
// They are released by Unfreeze followed by Flush. The consumer waits on
// Ready and collects the pending batch with Take.
package notify

import (
	"log/slog"
	"sync"
)

// Change reports that data for a service changed remotely. Source is
// optional and identifies the account the change belongs to.
type Change struct {
	Service string
	Source  string
}

// Stats tracks notifier activity
type Stats struct {
	Received  int64
	Coalesced int64
	Delivered int64
	Pending   int
	Frozen    bool
}

// Notifier batches change notifications
type Notifier struct {
	mu      sync.Mutex
	frozen  bool
	pending []Change
	seen    map[Change]struct{}
	stats   Stats

	ready  chan struct{}
	logger *slog.Logger
}

// New creates an unfrozen notifier
func New(logger *slog.Logger) *Notifier {
	return &Notifier{
		seen:   make(map[Change]struct{}),
		ready:  make(chan struct{}, 1),
		logger: logger,
	}
}

// Notify records a change. Duplicate changes not yet taken are dropped.
func (n *Notifier) Notify(service, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stats.Received++

	c := Change{Service: service, Source: source}
	if _, dup := n.seen[c]; dup {
		n.stats.Coalesced++
		n.logger.Debug("change coalesced", "service", service, "source", source)
		return
	}
	n.seen[c] = struct{}{}
	n.pending = append(n.pending, c)

	if !n.frozen {
		n.signal()
	}
}

// Freeze holds back delivery until Unfreeze and Flush
func (n *Notifier) Freeze() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frozen = true
}

// Unfreeze allows delivery again. Held changes wait for Flush.
func (n *Notifier) Unfreeze() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frozen = false
}

// Flush signals the consumer if changes are pending and delivery is allowed
func (n *Notifier) Flush() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.frozen || len(n.pending) == 0 {
		return
	}
	n.signal()
}

// Ready is signalled when Take has changes to return
func (n *Notifier) Ready() <-chan struct{} {
	return n.ready
}

// Take returns and clears the pending batch. It returns nil while frozen.
func (n *Notifier) Take() []Change {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.frozen || len(n.pending) == 0 {
		return nil
	}

	batch := n.pending
	n.pending = nil
	n.seen = make(map[Change]struct{})
	n.stats.Delivered += int64(len(batch))
	return batch
}

// Frozen reports whether delivery is held back
func (n *Notifier) Frozen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frozen
}

// Stats returns a copy of the notifier statistics
func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	st := n.stats
	st.Pending = len(n.pending)
	st.Frozen = n.frozen
	return st
}

// signal wakes the consumer without blocking; must hold mu
func (n *Notifier) signal() {
	select {
	case n.ready <- struct{}{}:
	default:
	}
}
