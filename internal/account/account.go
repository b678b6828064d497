package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/pimsync/internal/engine"
	"github.com/livinlefevreloca/pimsync/internal/status"
)

// Errors returned by account operations
var (
	ErrNotIdle     = errors.New("account: not idle")
	ErrInvalid     = errors.New("account: configuration invalid")
	ErrSetupFailed = errors.New("account: session setup failed")
	ErrConfigure   = errors.New("account: configuration failed")
	ErrNoService   = errors.New("account: service not available")
)

// Service is one synchronizable service offered by an account
type Service struct {
	Name    string
	Enabled bool
}

// EventType identifies account lifecycle events
type EventType int

const (
	EventStarted        EventType = iota + 1 // Engine started syncing the service
	EventFinished                            // Engine finished with an outcome code
	EventConfigureError                      // Configuration round-trip failed
)

// String returns a human-readable representation of the event type
func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventFinished:
		return "finished"
	case EventConfigureError:
		return "configure_error"
	default:
		return "unknown"
	}
}

// Event reports a state change to the scheduler
type Event struct {
	Type      EventType
	Account   string
	Service   string
	FirstSync bool
	Code      int
	Class     status.Class
	Mode      engine.Mode
	Err       error
}

// attempt is the engine session currently owned by the account
type attempt struct {
	handle    engine.Handle
	service   string
	mode      engine.Mode
	firstSync bool
	announced bool
}

// Account tracks the configuration and sync lifecycle of one account
type Account struct {
	id          string
	displayName string
	services    []Service

	state   State
	stale   bool
	records map[string]AttemptRecord
	current *attempt

	eng      engine.Engine
	taxonomy *status.Taxonomy
	store    RecordStore
	logger   *slog.Logger

	// Optional state recorder for testing
	recorder *StateRecorder
}

// Options configures a new Account
type Options struct {
	DisplayName string
	Services    []Service
	Engine      engine.Engine
	Taxonomy    *status.Taxonomy
	Store       RecordStore // optional
	Logger      *slog.Logger
}

// New creates an account in the Idle state. The target configuration starts
// stale so the first sync writes it. Stored attempt records are loaded when a
// store is given.
func New(id string, opts Options) (*Account, error) {
	if id == "" {
		return nil, fmt.Errorf("account id must not be empty")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("account %s: engine is required", id)
	}
	if opts.Taxonomy == nil {
		opts.Taxonomy = status.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &Account{
		id:          id,
		displayName: opts.DisplayName,
		services:    append([]Service(nil), opts.Services...),
		state:       &IdleState{},
		stale:       true,
		records:     make(map[string]AttemptRecord),
		eng:         opts.Engine,
		taxonomy:    opts.Taxonomy,
		store:       opts.Store,
		logger:      opts.Logger.With("account", id),
	}

	if a.store != nil {
		records, err := a.store.LoadAttemptRecords(id)
		if err != nil {
			return nil, fmt.Errorf("failed to load attempt records for %s: %w", id, err)
		}
		for _, rec := range records {
			a.records[rec.Service] = rec
		}
	}

	return a, nil
}

// ID returns the account identifier
func (a *Account) ID() string { return a.id }

// DisplayName returns the account's display identity
func (a *Account) DisplayName() string {
	if a.displayName == "" {
		return a.id
	}
	return a.displayName
}

// State returns the current lifecycle state
func (a *Account) State() State { return a.state }

// StateName returns the current lifecycle state name
func (a *Account) StateName() string { return a.state.Name() }

// SetRecorder attaches a transition recorder
func (a *Account) SetRecorder(r *StateRecorder) { a.recorder = r }

// Stale reports whether the target configuration must be rewritten before
// the next sync
func (a *Account) Stale() bool { return a.stale }

// Handle returns the engine session currently owned by the account
func (a *Account) Handle() (engine.Handle, bool) {
	if a.current == nil {
		return "", false
	}
	return a.current.handle, true
}

// AvailableServices returns every service name offered by the account
func (a *Account) AvailableServices() []string {
	names := make([]string, 0, len(a.services))
	for _, s := range a.services {
		names = append(names, s.Name)
	}
	return names
}

// EnabledServices returns the names of enabled services
func (a *Account) EnabledServices() []string {
	names := make([]string, 0, len(a.services))
	for _, s := range a.services {
		if s.Enabled {
			names = append(names, s.Name)
		}
	}
	return names
}

// HasService reports whether the account offers an enabled service
func (a *Account) HasService(name string) bool {
	for _, s := range a.services {
		if s.Name == name {
			return s.Enabled
		}
	}
	return false
}

// SetServices replaces the service list. A changed list makes the target
// configuration stale.
func (a *Account) SetServices(services []Service) {
	if !sameServices(a.services, services) {
		a.stale = true
	}
	a.services = append([]Service(nil), services...)
}

// Record returns the last attempt record for a service
func (a *Account) Record(service string) (AttemptRecord, bool) {
	rec, ok := a.records[service]
	return rec, ok
}

// NextMode returns the mode the next sync of service would use
func (a *Account) NextMode(service string) engine.Mode {
	if rec, ok := a.records[service]; ok {
		return DecideMode(&rec, a.taxonomy)
	}
	return DecideMode(nil, a.taxonomy)
}

// RequestSync starts syncing one service. It opens an engine session,
// decides the mode and either starts the configuration round-trip (stale
// target configuration) or the sync itself. Progress is reported through
// HandleStatus, HandleDone and HandleConfigured.
func (a *Account) RequestSync(ctx context.Context, service string) (engine.Handle, error) {
	idle, ok := a.state.(*IdleState)
	if !ok {
		if _, invalid := a.state.(*InvalidState); invalid {
			return "", ErrInvalid
		}
		return "", fmt.Errorf("%w: %s", ErrNotIdle, a.state.Name())
	}
	if a.current != nil {
		return "", fmt.Errorf("%w: session %s pending", ErrNotIdle, a.current.handle)
	}
	if !a.HasService(service) {
		return "", fmt.Errorf("%w: %s", ErrNoService, service)
	}

	rec, hasRecord := a.records[service]
	var last *AttemptRecord
	if hasRecord {
		last = &rec
	}
	mode := DecideMode(last, a.taxonomy)

	h, err := a.eng.OpenSession(ctx, a.id)
	if err != nil {
		a.saveRecord(service, mode, status.CodeLocalSetupFailed)
		return "", fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	a.current = &attempt{
		handle:    h,
		service:   service,
		mode:      mode,
		firstSync: !hasRecord,
	}

	if a.stale {
		if err := a.eng.Configure(ctx, h, a.EnabledServices()); err != nil {
			a.failSetup(mode, err)
			return "", fmt.Errorf("%w: %v", ErrSetupFailed, err)
		}
		a.transitionTo(idle.ToConfiguring())
		a.logger.Info("configuring account",
			"service", service,
			"session", string(h))
		return h, nil
	}

	if err := a.eng.Sync(ctx, h, mode, []string{service}); err != nil {
		a.failSetup(mode, err)
		return "", fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	a.logger.Info("sync requested",
		"service", service,
		"mode", string(mode),
		"session", string(h))

	return h, nil
}

// HandleStatus applies an engine status report for the current session
func (a *Account) HandleStatus(statusStr string) []Event {
	if a.current == nil {
		a.logger.Warn("status for account without session", "status", statusStr)
		return nil
	}

	switch statusStr {
	case engine.StatusRunning:
		switch st := a.state.(type) {
		case *IdleState:
			a.transitionTo(st.ToSyncing())
			a.current.announced = true
			return []Event{a.startedEvent()}
		case *SyncingState:
			a.logger.Warn("unexpected running status while already syncing",
				"service", a.current.service)
		case *ConfiguringState:
			a.logger.Debug("engine running configuration",
				"service", a.current.service)
		}
		return nil

	case engine.StatusQueueing, engine.StatusRunningWaiting, engine.StatusDone:
		return nil

	default:
		a.logger.Warn("unrecognized engine status",
			"status", statusStr,
			"state", a.state.Name())
		return nil
	}
}

// HandleDone applies the engine's outcome for the current session and
// returns the account to Idle
func (a *Account) HandleDone(code int) []Event {
	if a.current == nil {
		a.logger.Warn("done for account without session", "code", code)
		return nil
	}

	var events []Event
	cur := a.current

	switch st := a.state.(type) {
	case *IdleState:
		// Engine skipped the running report
		cur.announced = true
		events = append(events, a.startedEvent())
		syncing := st.ToSyncing()
		a.transitionTo(syncing)
		a.transitionTo(syncing.ToIdle())
	case *SyncingState:
		a.transitionTo(st.ToIdle())
	case *ConfiguringState:
		// Session ended before configuration was confirmed. The outcome
		// still closes the job; configuration stays stale.
		a.logger.Warn("done report while configuring",
			"service", cur.service,
			"code", code)
		if !cur.announced {
			cur.announced = true
			events = append(events, a.startedEvent())
		}
		a.transitionTo(st.ToIdle())
	default:
		a.logger.Warn("done report in unexpected state",
			"state", a.state.Name(),
			"code", code)
		return nil
	}

	class := a.taxonomy.Classify(code)
	a.saveRecord(cur.service, cur.mode, code)
	a.releaseSession()

	a.logger.Info("sync finished",
		"service", cur.service,
		"mode", string(cur.mode),
		"code", code,
		"class", class.String())

	events = append(events, Event{
		Type:      EventFinished,
		Account:   a.id,
		Service:   cur.service,
		FirstSync: cur.firstSync,
		Code:      code,
		Class:     class,
		Mode:      cur.mode,
	})

	return events
}

// HandleConfigured completes the configuration round-trip. On success the
// queued sync is issued immediately; on failure the account becomes Invalid.
func (a *Account) HandleConfigured(ctx context.Context, configErr error) ([]Event, error) {
	st, ok := a.state.(*ConfiguringState)
	if !ok || a.current == nil {
		a.logger.Warn("configuration result in unexpected state",
			"state", a.state.Name())
		return nil, nil
	}

	cur := a.current

	if configErr != nil {
		a.transitionTo(st.ToInvalid())
		a.releaseSession()

		a.logger.Error("account configuration failed",
			"service", cur.service,
			"error", configErr)

		return []Event{{
			Type:    EventConfigureError,
			Account: a.id,
			Service: cur.service,
			Mode:    cur.mode,
			Err:     fmt.Errorf("%w: %v", ErrConfigure, configErr),
		}}, nil
	}

	a.stale = false
	a.transitionTo(st.ToIdle())

	if err := a.eng.Sync(ctx, cur.handle, cur.mode, []string{cur.service}); err != nil {
		a.failSetup(cur.mode, err)
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	a.logger.Info("configuration complete, sync requested",
		"service", cur.service,
		"mode", string(cur.mode))

	return nil, nil
}

// HandleLost treats a lost engine connection as a terminal outcome for the
// current session
func (a *Account) HandleLost(cause error) []Event {
	if a.current == nil {
		return nil
	}

	cur := a.current
	a.saveRecord(cur.service, cur.mode, status.CodeConnectionLost)
	a.resetToIdle()
	a.releaseSession()

	a.logger.Error("engine connection lost during sync",
		"service", cur.service,
		"error", cause)

	var events []Event
	if !cur.announced {
		events = append(events, Event{
			Type:      EventStarted,
			Account:   a.id,
			Service:   cur.service,
			FirstSync: cur.firstSync,
			Mode:      cur.mode,
		})
	}
	return append(events, Event{
		Type:      EventFinished,
		Account:   a.id,
		Service:   cur.service,
		FirstSync: cur.firstSync,
		Code:      status.CodeConnectionLost,
		Class:     status.ClassTerminal,
		Mode:      cur.mode,
		Err:       cause,
	})
}

// Abort cancels the current session without recording an outcome
func (a *Account) Abort() {
	if a.current == nil {
		return
	}

	h := a.current.handle
	if err := a.eng.Cancel(h); err != nil && !errors.Is(err, engine.ErrUnknownSession) {
		a.logger.Warn("failed to cancel engine session",
			"session", string(h),
			"error", err)
	}

	a.logger.Info("sync aborted",
		"service", a.current.service,
		"session", string(h))

	a.resetToIdle()
	a.releaseSession()
}

// Invalidate moves the account to Invalid after an unrecoverable local error
func (a *Account) Invalidate(reason error) {
	a.Abort()

	switch st := a.state.(type) {
	case *IdleState:
		a.transitionTo(st.ToInvalid())
	case *ConfiguringState:
		a.transitionTo(st.ToInvalid())
	case *SyncingState:
		a.transitionTo(st.ToInvalid())
	}

	a.logger.Error("account invalidated", "error", reason)
}

// Reconfigure is the only way out of Invalid. It marks the target
// configuration stale so the next sync rewrites it.
func (a *Account) Reconfigure() {
	a.stale = true
	if st, ok := a.state.(*InvalidState); ok {
		a.transitionTo(st.ToIdle())
	}
}

// ForgetRecords drops all attempt records, including stored ones
func (a *Account) ForgetRecords() error {
	a.records = make(map[string]AttemptRecord)
	if a.store == nil {
		return nil
	}
	return a.store.DeleteAttemptRecords(a.id)
}

// failSetup releases a session whose setup could not be completed and
// records the local failure
func (a *Account) failSetup(mode engine.Mode, cause error) {
	service := a.current.service
	a.saveRecord(service, mode, status.CodeLocalSetupFailed)
	a.resetToIdle()
	a.releaseSession()

	a.logger.Error("sync setup failed",
		"service", service,
		"error", cause)
}

func (a *Account) resetToIdle() {
	switch st := a.state.(type) {
	case *ConfiguringState:
		a.transitionTo(st.ToIdle())
	case *SyncingState:
		a.transitionTo(st.ToIdle())
	}
}

func (a *Account) releaseSession() {
	if a.current == nil {
		return
	}
	if err := a.eng.Close(a.current.handle); err != nil && !errors.Is(err, engine.ErrUnknownSession) {
		a.logger.Warn("failed to close engine session",
			"session", string(a.current.handle),
			"error", err)
	}
	a.current = nil
}

func (a *Account) saveRecord(service string, mode engine.Mode, code int) {
	rec := AttemptRecord{
		Service:   service,
		Mode:      mode,
		Code:      code,
		UpdatedAt: time.Now(),
	}
	a.records[service] = rec

	if a.store == nil {
		return
	}
	if err := a.store.SaveAttemptRecord(a.id, rec); err != nil {
		a.logger.Error("failed to persist attempt record",
			"service", service,
			"error", err)
	}
}

func (a *Account) startedEvent() Event {
	return Event{
		Type:      EventStarted,
		Account:   a.id,
		Service:   a.current.service,
		FirstSync: a.current.firstSync,
		Mode:      a.current.mode,
	}
}

// transitionTo performs a state transition and logs it
func (a *Account) transitionTo(newState State) {
	oldStateName := a.state.Name()
	a.state = newState

	if a.recorder != nil {
		a.recorder.Record(newState)
	}

	a.logger.Debug("state transition",
		"from", oldStateName,
		"to", newState.Name())
}

func sameServices(a, b []Service) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
