// Package scheduler serializes account sync jobs through the single engine
// session.
//
// All queue and account state is owned by one goroutine running the event
// loop. Control calls, engine events, change notifications, connectivity
// changes, registry changes and the debounce timer all arrive on channels
// and are handled one at a time, so none of that state needs locking.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/pimsync/internal/account"
	"github.com/livinlefevreloca/pimsync/internal/engine"
	"github.com/livinlefevreloca/pimsync/internal/inbox"
	"github.com/livinlefevreloca/pimsync/internal/jobqueue"
	"github.com/livinlefevreloca/pimsync/internal/network"
	"github.com/livinlefevreloca/pimsync/internal/notify"
	"github.com/livinlefevreloca/pimsync/internal/registry"
	"github.com/livinlefevreloca/pimsync/internal/status"
)

// Errors returned by the control surface
var (
	ErrStopped   = errors.New("scheduler: stopped")
	ErrInboxFull = errors.New("scheduler: inbox full")
)

// Notifier is the change-notification source. Changes are held back while
// frozen and released by Unfreeze followed by Flush.
type Notifier interface {
	Ready() <-chan struct{}
	Take() []notify.Change
	Notify(service, source string)
	Freeze()
	Unfreeze()
	Flush()
}

// Registry is the source of configured accounts
type Registry interface {
	Accounts() []registry.Account
	Events() <-chan registry.Event
	ConfirmRemoval(id string) bool
}

// Deps are the collaborators the scheduler drives
type Deps struct {
	Engine   engine.Engine
	Registry Registry
	Taxonomy *status.Taxonomy    // default taxonomy when nil
	Store    account.RecordStore // optional
	Notifier Notifier            // in-process notifier when nil
	Monitor  network.Monitor     // optional

	// Connectivity assumed until the monitor reports. Online when unset.
	InitialConnectivity network.State
}

// Scheduler is the main scheduler component that owns the job queues and
// the in-flight slot
type Scheduler struct {
	// Configuration
	config Config
	logger *slog.Logger

	// Collaborators
	engine   engine.Engine
	registry Registry
	taxonomy *status.Taxonomy
	store    account.RecordStore
	notifier Notifier
	monitor  network.Monitor

	// State (accessed only by main loop)
	ctx      context.Context
	accounts map[string]*account.Account
	order    []string
	active   *jobqueue.Queue
	deferred *jobqueue.Queue
	gate     *network.Gate
	inflight *inflight
	retried  map[jobqueue.Job]bool
	state    RunState
	drained  bool
	stats    Stats

	// Debounce
	debounceTimer *time.Timer
	debounceArmed bool
	debounceGen   uint64
	debounceC     chan uint64

	// Subscribers
	subMu       sync.RWMutex
	subscribers []Subscriber

	// Communication
	inbox *inbox.Inbox[InboxMessage]

	// Control
	lifetime context.Context
	stop     context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a scheduler with one account per registry entry
func New(config Config, deps Deps, logger *slog.Logger) (*Scheduler, error) {
	// 1. Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("scheduler requires an engine")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("scheduler requires an account registry")
	}
	if deps.Taxonomy == nil {
		deps.Taxonomy = status.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.New(logger)
	}

	lifetime, stop := context.WithCancel(context.Background())

	s := &Scheduler{
		config:    config,
		logger:    logger,
		engine:    deps.Engine,
		registry:  deps.Registry,
		taxonomy:  deps.Taxonomy,
		store:     deps.Store,
		notifier:  deps.Notifier,
		monitor:   deps.Monitor,
		ctx:       context.Background(),
		accounts:  make(map[string]*account.Account),
		gate:      network.NewGate(deps.InitialConnectivity),
		retried:   make(map[jobqueue.Job]bool),
		state:     RunIdle,
		drained:   true,
		debounceC: make(chan uint64, 1),
		inbox:     inbox.New[InboxMessage](config.InboxBufferSize, config.InboxSendTimeout, logger),
		lifetime:  lifetime,
		stop:      stop,
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	// 2. Queues expand "all services" to the account's enabled services
	s.active = jobqueue.New(s.enabledServices)
	s.deferred = jobqueue.New(s.enabledServices)

	// 3. Load accounts
	for _, a := range deps.Registry.Accounts() {
		if err := s.addAccount(a); err != nil {
			stop()
			return nil, err
		}
	}

	return s, nil
}

// Subscribe registers a subscriber for scheduler events
func (s *Scheduler) Subscribe(sub Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

// Start runs the scheduler loop until ctx is done or Shutdown is called
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.logger.Info("starting scheduler",
		"accounts", len(s.order),
		"connectivity", s.gate.State().String())

	if s.config.SyncOnStart && len(s.order) > 0 {
		s.handleRequestSync(RequestSyncMsg{})
	}

	s.run(ctx)
}

// Shutdown sends a shutdown signal to the scheduler
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.shutdown) })
}

// Done is closed once the loop has exited
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// RequestSync enqueues jobs. An empty account means every account; no
// services means every enabled service. Immediate skips the debounce
// window; allowMetered opts the current batch into metered connections.
func (s *Scheduler) RequestSync(acct string, services []string, immediate, allowMetered bool) error {
	return s.send(InboxMessage{
		Type: MsgRequestSync,
		Data: RequestSyncMsg{
			Account:      acct,
			Services:     services,
			Immediate:    immediate,
			AllowMetered: allowMetered,
		},
	})
}

// Cancel removes queued jobs for the account and aborts the in-flight job
// if it matches. No services means all of the account's services.
func (s *Scheduler) Cancel(acct string, services []string) error {
	return s.send(InboxMessage{
		Type: MsgCancel,
		Data: CancelMsg{Account: acct, Services: services},
	})
}

// CancelAll empties both queues and aborts the in-flight job
func (s *Scheduler) CancelAll() error {
	return s.send(InboxMessage{Type: MsgCancelAll})
}

// OnChangeNotification reports a remote change. It is subject to the
// notifier's freeze discipline.
func (s *Scheduler) OnChangeNotification(service, source string) {
	s.notifier.Notify(service, source)
}

// OnConnectivityChanged reports a connectivity change
func (s *Scheduler) OnConnectivityChanged(state network.State) error {
	return s.send(InboxMessage{
		Type: MsgConnectivity,
		Data: ConnectivityMsg{State: state},
	})
}

// State returns the current run state
func (s *Scheduler) State() RunState {
	resp, err := s.query(MsgGetState)
	if err != nil {
		return RunIdle
	}
	return resp.(RunState)
}

// Stats returns a snapshot of scheduler statistics
func (s *Scheduler) Stats() (Stats, error) {
	resp, err := s.query(MsgGetStats)
	if err != nil {
		return Stats{}, err
	}
	return resp.(Stats), nil
}

// Accounts returns a summary of every account
func (s *Scheduler) Accounts() ([]AccountInfo, error) {
	resp, err := s.query(MsgGetAccounts)
	if err != nil {
		return nil, err
	}
	return resp.([]AccountInfo), nil
}

func (s *Scheduler) send(msg InboxMessage) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}

	if !s.inbox.Send(s.lifetime, msg) {
		if s.lifetime.Err() != nil {
			return ErrStopped
		}
		return ErrInboxFull
	}
	return nil
}

func (s *Scheduler) query(t MessageType) (interface{}, error) {
	resp := make(chan interface{}, 1)
	if err := s.send(InboxMessage{Type: t, ResponseChan: resp}); err != nil {
		return nil, err
	}

	select {
	case r := <-resp:
		return r, nil
	case <-s.done:
		return nil, ErrStopped
	}
}

// run is the main scheduler loop
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	defer s.stop()

	engineEvents := s.engine.Events()
	registryEvents := s.registry.Events()

	var monitorStates <-chan network.State
	if s.monitor != nil {
		monitorStates = s.monitor.States()
	}

	for {
		select {
		case <-ctx.Done():
			s.handleShutdown()
			return

		case <-s.shutdown:
			s.handleShutdown()
			return

		case msg := <-s.inbox.C():
			s.inbox.Received()
			s.handleMessage(msg)

		case ev, ok := <-engineEvents:
			if !ok {
				s.logger.Warn("engine event stream closed")
				engineEvents = nil
				continue
			}
			s.handleEngineEvent(ev)

		case <-s.notifier.Ready():
			for _, c := range s.notifier.Take() {
				s.handleChange(c)
			}

		case st := <-monitorStates:
			s.handleConnectivity(st)

		case ev := <-registryEvents:
			s.handleRegistryEvent(ev)

		case gen := <-s.debounceC:
			s.handleDebounce(gen)
		}
	}
}

// handleMessage dispatches messages to appropriate handlers
func (s *Scheduler) handleMessage(msg InboxMessage) {
	s.logger.Debug("handling message", "type", msg.Type.String())

	switch msg.Type {
	case MsgRequestSync:
		s.handleRequestSync(msg.Data.(RequestSyncMsg))
	case MsgCancel:
		s.handleCancel(msg.Data.(CancelMsg))
	case MsgCancelAll:
		s.handleCancelAll()
	case MsgConnectivity:
		s.handleConnectivity(msg.Data.(ConnectivityMsg).State)
	case MsgGetState:
		s.respond(msg, s.state)
	case MsgGetStats:
		s.respond(msg, s.snapshot())
	case MsgGetAccounts:
		s.respond(msg, s.accountInfos())
	default:
		s.logger.Warn("unknown message type", "type", msg.Type)
	}
}

func (s *Scheduler) respond(msg InboxMessage, v interface{}) {
	if msg.ResponseChan != nil {
		msg.ResponseChan <- v
	}
}

// handleShutdown aborts in-flight work and clears both queues
func (s *Scheduler) handleShutdown() {
	s.logger.Info("scheduler shutting down",
		"active", s.active.Count(),
		"deferred", s.deferred.Count(),
		"in_flight", s.inflight != nil)

	s.stopDebounce()
	if s.inflight != nil {
		s.cancelInflight("scheduler shutdown")
	}
	s.active.Clear()
	s.deferred.Clear()
	s.updateState()

	// Callers of queued messages observe ErrStopped through done
	dropped := 0
	for {
		if _, ok := s.inbox.TryReceive(); !ok {
			break
		}
		dropped++
	}

	s.logger.Info("scheduler shutdown complete", "dropped_messages", dropped)
}

// snapshot builds a Stats copy
func (s *Scheduler) snapshot() Stats {
	st := s.stats
	st.State = s.state
	st.Connectivity = s.gate.State()
	st.AllowMetered = s.gate.AllowMetered()
	st.ActiveJobs = s.active.Count()
	st.DeferredJobs = s.deferred.Count()
	st.Inbox = s.inbox.Stats()
	st.RetryableCodes = s.taxonomy.RetryableCodes()

	if next, ok := s.active.Peek(); ok {
		st.Next = &next
	}

	if s.inflight != nil {
		st.InFlight = &InFlight{
			Account:   s.inflight.job.Account,
			Service:   s.inflight.job.Service,
			Token:     s.inflight.token,
			Mode:      s.inflight.mode,
			StartedAt: s.inflight.startedAt,
		}
	}
	return st
}

func (s *Scheduler) accountInfos() []AccountInfo {
	queued := jobsByAccount(s.active.Jobs())
	deferred := jobsByAccount(s.deferred.Jobs())

	infos := make([]AccountInfo, 0, len(s.order))
	for _, id := range s.order {
		acc := s.accounts[id]
		infos = append(infos, AccountInfo{
			ID:          id,
			DisplayName: acc.DisplayName(),
			State:       acc.StateName(),
			Stale:       acc.Stale(),
			Services:    acc.EnabledServices(),
			Queued:      queued[id],
			Deferred:    deferred[id],
		})
	}
	return infos
}

func jobsByAccount(jobs []jobqueue.Job) map[string][]string {
	out := make(map[string][]string)
	for _, j := range jobs {
		out[j.Account] = append(out[j.Account], j.Service)
	}
	return out
}

// emit delivers an event to every subscriber in registration order
func (s *Scheduler) emit(ev Event) {
	ev.Time = time.Now()

	s.subMu.RLock()
	subs := append([]Subscriber(nil), s.subscribers...)
	s.subMu.RUnlock()

	for _, sub := range subs {
		sub(ev)
	}
}

// computeState derives the run state from the slot, queue and timer
func (s *Scheduler) computeState() RunState {
	switch {
	case s.inflight != nil:
		return RunSyncing
	case !s.active.Empty() || s.debounceArmed:
		return RunPending
	default:
		return RunIdle
	}
}

// updateState emits StateChanged when the run state changes
func (s *Scheduler) updateState() {
	next := s.computeState()
	if next == s.state {
		return
	}

	s.logger.Debug("run state changed",
		"from", s.state.String(),
		"to", next.String())
	s.state = next
	s.emit(Event{Type: EventStateChanged, State: next})
}

// enabledServices resolves "all services" for the job queues
func (s *Scheduler) enabledServices(id string) []string {
	acc, ok := s.accounts[id]
	if !ok {
		return nil
	}
	return acc.EnabledServices()
}
