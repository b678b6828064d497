package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/livinlefevreloca/pimsync/internal/engine"
)

// EngineCall records one call made against FakeEngine
type EngineCall struct {
	Op       string // open, configure, sync, cancel, close
	Handle   engine.Handle
	Name     string
	Mode     engine.Mode
	Services []string
}

// FakeEngine is a scriptable engine. It never produces events on its own;
// tests deliver them with Emit or drive the scheduler's handlers directly.
type FakeEngine struct {
	mu       sync.Mutex
	calls    []EngineCall
	nextID   int
	open     map[engine.Handle]bool
	statuses map[engine.Handle]string

	openErr      error
	configureErr error
	syncErr      error
	enforceOne   bool

	events chan engine.Event
}

// NewFakeEngine creates a fake engine with a buffered event channel
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		open:     make(map[engine.Handle]bool),
		statuses: make(map[engine.Handle]string),
		events:   make(chan engine.Event, 256),
	}
}

// SetOpenError makes OpenSession fail
func (f *FakeEngine) SetOpenError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// SetConfigureError makes Configure fail to start
func (f *FakeEngine) SetConfigureError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configureErr = err
}

// SetSyncError makes Sync fail to start
func (f *FakeEngine) SetSyncError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncErr = err
}

// EnforceSingleSession makes OpenSession return ErrBusy while a session is open
func (f *FakeEngine) EnforceSingleSession(enforce bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enforceOne = enforce
}

func (f *FakeEngine) OpenSession(_ context.Context, name string) (engine.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		return "", f.openErr
	}
	if f.enforceOne && len(f.open) > 0 {
		return "", engine.ErrBusy
	}

	f.nextID++
	h := engine.Handle(fmt.Sprintf("%s#%d", name, f.nextID))
	f.open[h] = true
	f.statuses[h] = engine.StatusQueueing
	f.calls = append(f.calls, EngineCall{Op: "open", Handle: h, Name: name})
	return h, nil
}

func (f *FakeEngine) Configure(_ context.Context, h engine.Handle, services []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.configureErr != nil {
		return f.configureErr
	}
	if !f.open[h] {
		return engine.ErrUnknownSession
	}
	f.calls = append(f.calls, EngineCall{Op: "configure", Handle: h, Services: append([]string(nil), services...)})
	return nil
}

func (f *FakeEngine) Sync(_ context.Context, h engine.Handle, mode engine.Mode, services []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.syncErr != nil {
		return f.syncErr
	}
	if !f.open[h] {
		return engine.ErrUnknownSession
	}
	f.calls = append(f.calls, EngineCall{Op: "sync", Handle: h, Mode: mode, Services: append([]string(nil), services...)})
	return nil
}

func (f *FakeEngine) Cancel(h engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open[h] {
		return engine.ErrUnknownSession
	}
	f.calls = append(f.calls, EngineCall{Op: "cancel", Handle: h})
	return nil
}

func (f *FakeEngine) Status(h engine.Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.statuses[h]
	if !ok {
		return "", engine.ErrUnknownSession
	}
	return st, nil
}

func (f *FakeEngine) Close(h engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open[h] {
		return engine.ErrUnknownSession
	}
	delete(f.open, h)
	f.calls = append(f.calls, EngineCall{Op: "close", Handle: h})
	return nil
}

func (f *FakeEngine) Events() <-chan engine.Event {
	return f.events
}

// Emit delivers an event as if the engine produced it
func (f *FakeEngine) Emit(ev engine.Event) {
	f.mu.Lock()
	if ev.Type == engine.EventStatus {
		f.statuses[ev.Handle] = ev.Status
	}
	f.mu.Unlock()

	f.events <- ev
}

// Calls returns a copy of every recorded call
func (f *FakeEngine) Calls() []EngineCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make([]EngineCall, len(f.calls))
	copy(result, f.calls)
	return result
}

// CallsOf returns the recorded calls of one kind
func (f *FakeEngine) CallsOf(op string) []EngineCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make([]EngineCall, 0)
	for _, c := range f.calls {
		if c.Op == op {
			result = append(result, c)
		}
	}
	return result
}

// LastCall returns the most recent call of one kind
func (f *FakeEngine) LastCall(op string) (EngineCall, bool) {
	calls := f.CallsOf(op)
	if len(calls) == 0 {
		return EngineCall{}, false
	}
	return calls[len(calls)-1], true
}

// OpenSessions returns the number of sessions not yet closed
func (f *FakeEngine) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

// ClearCalls forgets recorded calls
func (f *FakeEngine) ClearCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
