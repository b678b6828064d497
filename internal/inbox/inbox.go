// Package inbox is a bounded, typed message channel for single-consumer
// event loops.
package inbox

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Inbox provides a generic typed interface for message channels with timeout support
// T is the message type that will be sent through the inbox
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger

	totalSent     atomic.Int64
	totalReceived atomic.Int64
	timeoutCount  atomic.Int64
	maxDepthSeen  atomic.Int64
}

// Stats tracks inbox usage and performance metrics
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates a new inbox with the specified buffer size and timeout
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Send sends a message to the inbox, giving up after the inbox timeout or
// when ctx is done. Returns true if the message was accepted.
func (ib *Inbox[T]) Send(ctx context.Context, msg T) bool {
	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case ib.ch <- msg:
		ib.totalSent.Add(1)
		ib.observeDepth()
		return true
	case <-timer.C:
		ib.timeoutCount.Add(1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	case <-ctx.Done():
		return false
	}
}

// C returns the receive side for use in a select loop. Callers must
// report each received message with Received.
func (ib *Inbox[T]) C() <-chan T {
	return ib.ch
}

// Received counts a message taken from C
func (ib *Inbox[T]) Received() {
	ib.totalReceived.Add(1)
}

// TryReceive attempts to receive a message without blocking
// Returns the message and true if available, zero value and false otherwise
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-ib.ch:
		ib.totalReceived.Add(1)
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

func (ib *Inbox[T]) observeDepth() {
	depth := int64(len(ib.ch))
	for {
		seen := ib.maxDepthSeen.Load()
		if depth <= seen || ib.maxDepthSeen.CompareAndSwap(seen, depth) {
			return
		}
	}
}

// Stats returns a copy of the current inbox statistics
func (ib *Inbox[T]) Stats() Stats {
	return Stats{
		TotalSent:     ib.totalSent.Load(),
		TotalReceived: ib.totalReceived.Load(),
		TimeoutCount:  ib.timeoutCount.Load(),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  int(ib.maxDepthSeen.Load()),
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}
