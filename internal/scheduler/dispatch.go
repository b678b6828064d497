package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/pimsync/internal/account"
	"github.com/livinlefevreloca/pimsync/internal/engine"
	"github.com/livinlefevreloca/pimsync/internal/jobqueue"
	"github.com/livinlefevreloca/pimsync/internal/network"
	"github.com/livinlefevreloca/pimsync/internal/notify"
	"github.com/livinlefevreloca/pimsync/internal/status"
)

// =============================================================================
// Triggers
// =============================================================================

// handleRequestSync enqueues the requested jobs and starts the debounce
// window, or dispatches right away for immediate requests
func (s *Scheduler) handleRequestSync(req RequestSyncMsg) {
	targets := s.order
	if req.Account != "" {
		if _, ok := s.accounts[req.Account]; !ok {
			s.logger.Warn("sync requested for unknown account", "account", req.Account)
			return
		}
		targets = []string{req.Account}
	}

	queued := 0
	for _, id := range targets {
		acc := s.accounts[id]

		services := req.Services
		if len(services) == 0 {
			services = acc.EnabledServices()
		}
		for _, svc := range services {
			if !acc.HasService(svc) {
				if req.Account != "" {
					s.logger.Warn("sync requested for unavailable service",
						"account", id,
						"service", svc)
				}
				continue
			}
			s.enqueue(jobqueue.Job{Account: id, Service: svc})
			queued++
		}
	}

	if req.AllowMetered {
		s.gate.SetAllowMetered(true)
	}

	s.logger.Info("sync requested",
		"account", req.Account,
		"jobs", queued,
		"immediate", req.Immediate,
		"allow_metered", req.AllowMetered)

	s.trigger(req.Immediate)
}

// handleChange routes a change notification to the account named by its
// source, or to every account offering the service
func (s *Scheduler) handleChange(c notify.Change) {
	if acc, ok := s.accounts[c.Source]; ok {
		if acc.HasService(c.Service) {
			s.enqueue(jobqueue.Job{Account: c.Source, Service: c.Service})
			s.trigger(false)
		}
		return
	}

	queued := 0
	for _, id := range s.order {
		if s.accounts[id].HasService(c.Service) {
			s.enqueue(jobqueue.Job{Account: id, Service: c.Service})
			queued++
		}
	}

	s.logger.Debug("change notification",
		"service", c.Service,
		"source", c.Source,
		"jobs", queued)

	if queued > 0 {
		s.trigger(false)
	}
}

// enqueue adds a job for a fresh trigger. Jobs wait in the deferred queue
// while offline.
func (s *Scheduler) enqueue(job jobqueue.Job) {
	delete(s.retried, job)

	if s.gate.Offline() {
		s.deferred.PushJob(job)
		return
	}

	s.deferred.Remove(job.Account, job.Service)
	s.active.PushJob(job)
	s.drained = false
}

// trigger dispatches now, or arms the debounce timer when idle
func (s *Scheduler) trigger(immediate bool) {
	if immediate {
		s.stopDebounce()
		s.dispatch()
		return
	}

	if s.inflight == nil && !s.active.Empty() {
		s.armDebounce()
	}
	s.updateState()
}

// =============================================================================
// Debounce
// =============================================================================

// armDebounce starts the collection window unless one is already running
func (s *Scheduler) armDebounce() {
	if s.debounceArmed {
		return
	}

	s.debounceGen++
	gen := s.debounceGen
	s.debounceArmed = true
	s.debounceTimer = time.AfterFunc(s.config.DebounceInterval, func() {
		select {
		case s.debounceC <- gen:
		case <-s.done:
		}
	})

	s.logger.Debug("debounce armed", "interval", s.config.DebounceInterval)
}

// stopDebounce cancels the window; a fire already in flight is discarded
// by generation
func (s *Scheduler) stopDebounce() {
	if !s.debounceArmed {
		return
	}
	s.debounceTimer.Stop()
	s.debounceArmed = false
	s.debounceGen++
}

func (s *Scheduler) handleDebounce(gen uint64) {
	if !s.debounceArmed || gen != s.debounceGen {
		s.logger.Debug("discarding stale debounce fire", "generation", gen)
		return
	}
	s.debounceArmed = false
	s.dispatch()
}

// =============================================================================
// Dispatch
// =============================================================================

// dispatch starts jobs one at a time until one is in flight, the gate
// closes or the active queue is empty
func (s *Scheduler) dispatch() {
	for s.inflight == nil {
		if !s.gate.CanDispatch() {
			if !s.active.Empty() {
				s.logger.Debug("dispatch held by network gate",
					"connectivity", s.gate.State().String(),
					"pending", s.active.Count())
			}
			break
		}

		job, ok := s.active.Pop()
		if !ok {
			break
		}
		s.startJob(job)
	}

	s.updateState()
	s.checkDrained()
}

// startJob hands a job to its account. Setup failures are terminal for the
// job and leave the slot free.
func (s *Scheduler) startJob(job jobqueue.Job) {
	acc, ok := s.accounts[job.Account]
	if !ok {
		s.logger.Warn("dropping job for unknown account", "job", job.String())
		return
	}

	s.notifier.Freeze()
	s.inflight = &inflight{
		job:       job,
		token:     uuid.NewString(),
		mode:      acc.NextMode(job.Service),
		startedAt: time.Now(),
	}
	s.stats.Dispatched++
	s.drained = false

	h, err := acc.RequestSync(s.ctx, job.Service)
	if err != nil {
		s.logger.Error("failed to start sync",
			"account", job.Account,
			"service", job.Service,
			"error", err)
		s.failInflight(err)
		return
	}

	s.inflight.handle = h
	s.logger.Info("job dispatched",
		"account", job.Account,
		"service", job.Service,
		"mode", string(s.inflight.mode),
		"token", s.inflight.token)
	s.updateState()
}

// handleEngineEvent applies an engine event to the in-flight account.
// Events for any other session are late reports for aborted jobs.
func (s *Scheduler) handleEngineEvent(ev engine.Event) {
	if s.inflight == nil || s.inflight.handle == "" || ev.Handle != s.inflight.handle {
		s.stats.Discarded++
		s.logger.Debug("discarding engine event for stale session",
			"type", ev.Type.String(),
			"session", string(ev.Handle))
		return
	}

	acc := s.accounts[s.inflight.job.Account]

	switch ev.Type {
	case engine.EventStatus:
		s.applyAccountEvents(acc.HandleStatus(ev.Status))

	case engine.EventDone:
		s.applyAccountEvents(acc.HandleDone(ev.Code))

	case engine.EventConfigured:
		events, err := acc.HandleConfigured(s.ctx, ev.Err)
		if err != nil {
			s.failInflight(err)
			s.dispatch()
			return
		}
		s.applyAccountEvents(events)

	case engine.EventLost:
		if s.gate.Offline() {
			s.deferInflight()
			s.dispatch()
			return
		}
		s.applyAccountEvents(acc.HandleLost(ev.Err))

	default:
		s.logger.Warn("unknown engine event", "type", ev.Type)
	}
}

// applyAccountEvents turns account events into scheduler events
func (s *Scheduler) applyAccountEvents(events []account.Event) {
	for _, ev := range events {
		if s.inflight == nil {
			return
		}

		switch ev.Type {
		case account.EventStarted:
			s.emit(Event{
				Type:      EventSyncStarted,
				Token:     s.inflight.token,
				Account:   ev.Account,
				Service:   ev.Service,
				Mode:      ev.Mode,
				FirstSync: ev.FirstSync,
			})

		case account.EventFinished:
			s.completeInflight(ev)

		case account.EventConfigureError:
			s.failInflight(ev.Err)
			s.dispatch()
		}
	}
}

// completeInflight frees the slot, applies the retry policy and moves on
func (s *Scheduler) completeInflight(ev account.Event) {
	cur := s.inflight
	s.releaseSlot()
	s.stats.Finished++

	finished := Event{
		Type:      EventSyncFinished,
		Token:     cur.token,
		Account:   ev.Account,
		Service:   ev.Service,
		Mode:      ev.Mode,
		FirstSync: ev.FirstSync,
		Code:      ev.Code,
		Class:     ev.Class,
	}

	switch ev.Class {
	case status.ClassOK:
		delete(s.retried, cur.job)
		s.emit(finished)

	case status.ClassRetryable:
		if ev.Mode != engine.ModeFull && !s.retried[cur.job] {
			s.retried[cur.job] = true
			s.stats.Retried++
			finished.Retrying = true
			s.emit(finished)
			s.requeue(cur.job)

			s.logger.Info("retrying job",
				"account", cur.job.Account,
				"service", cur.job.Service,
				"code", ev.Code)
			break
		}
		delete(s.retried, cur.job)
		s.emit(finished)
		s.reportFailure(finished)

	default:
		delete(s.retried, cur.job)
		s.emit(finished)
		s.reportFailure(finished)
	}

	s.dispatch()
}

func (s *Scheduler) reportFailure(finished Event) {
	s.stats.Failed++

	failed := finished
	failed.Type = EventSyncFailed
	failed.Reason = status.Describe(finished.Code)
	if finished.Code == status.CodeConnectionLost {
		failed.Reason = engine.ErrConnectionLost.Error()
	}
	s.emit(failed)
}

// failInflight reports a local failure that never reached the engine
// outcome stage
func (s *Scheduler) failInflight(cause error) {
	cur := s.inflight
	s.releaseSlot()
	delete(s.retried, cur.job)
	s.stats.Failed++

	s.emit(Event{
		Type:    EventSyncFailed,
		Token:   cur.token,
		Account: cur.job.Account,
		Service: cur.job.Service,
		Mode:    cur.mode,
		Code:    status.CodeLocalSetupFailed,
		Class:   status.ClassTerminal,
		Reason:  cause.Error(),
	})
}

// cancelInflight aborts the in-flight job. Cancellation is never a failure.
func (s *Scheduler) cancelInflight(reason string) {
	cur := s.inflight
	if acc, ok := s.accounts[cur.job.Account]; ok {
		acc.Abort()
	}
	s.releaseSlot()
	delete(s.retried, cur.job)
	s.stats.Canceled++

	s.logger.Info("in-flight job canceled",
		"account", cur.job.Account,
		"service", cur.job.Service,
		"reason", reason)

	s.emit(Event{
		Type:    EventSyncCanceled,
		Token:   cur.token,
		Account: cur.job.Account,
		Service: cur.job.Service,
		Mode:    cur.mode,
		Reason:  reason,
	})
}

// deferInflight aborts the in-flight job and parks it until connectivity
// returns
func (s *Scheduler) deferInflight() {
	cur := s.inflight
	if acc, ok := s.accounts[cur.job.Account]; ok {
		acc.Abort()
	}
	s.releaseSlot()

	s.active.Remove(cur.job.Account, cur.job.Service)
	s.deferred.PushJob(cur.job)
	s.stats.Deferred++

	s.logger.Info("in-flight job deferred",
		"account", cur.job.Account,
		"service", cur.job.Service)

	s.emit(Event{
		Type:     EventSyncCanceled,
		Token:    cur.token,
		Account:  cur.job.Account,
		Service:  cur.job.Service,
		Mode:     cur.mode,
		Reason:   "connectivity lost",
		Deferred: true,
	})
}

// releaseSlot clears the in-flight slot and releases held notifications
func (s *Scheduler) releaseSlot() {
	s.inflight = nil
	s.notifier.Unfreeze()
	s.notifier.Flush()
}

// requeue puts a retried job back for the next dispatch pass
func (s *Scheduler) requeue(job jobqueue.Job) {
	if s.gate.Offline() {
		s.deferred.PushJob(job)
		return
	}
	s.active.PushJob(job)
}

// checkDrained emits Drained once when the slot and active queue empty out.
// The metered opt-in ends with the batch. Retry bookkeeping survives for
// jobs parked in the deferred queue so a flap cannot grant a second retry.
func (s *Scheduler) checkDrained() {
	if s.drained || s.inflight != nil || !s.active.Empty() {
		return
	}

	s.drained = true
	s.gate.SetAllowMetered(false)
	for job := range s.retried {
		if !s.deferred.Contains(job.Account, job.Service) {
			delete(s.retried, job)
		}
	}

	s.logger.Info("queues drained", "deferred", s.deferred.Count())
	s.emit(Event{Type: EventDrained})
}

// settle refreshes the run state after queue removals without starting work
func (s *Scheduler) settle() {
	if s.active.Empty() {
		s.stopDebounce()
	}
	s.updateState()
	s.checkDrained()
}

// =============================================================================
// Cancellation
// =============================================================================

func (s *Scheduler) handleCancel(msg CancelMsg) {
	if msg.Account == "" {
		s.handleCancelAll()
		return
	}

	removed := s.active.Remove(msg.Account, msg.Services...)
	removed += s.deferred.Remove(msg.Account, msg.Services...)

	wasInflight := s.inflight != nil && s.inflightMatches(msg.Account, msg.Services)
	if wasInflight {
		s.cancelInflight("canceled")
	}

	s.logger.Info("jobs canceled",
		"account", msg.Account,
		"services", msg.Services,
		"removed", removed)

	if wasInflight {
		s.dispatch()
		return
	}
	s.settle()
}

func (s *Scheduler) handleCancelAll() {
	removed := s.active.Count() + s.deferred.Count()
	s.active.Clear()
	s.deferred.Clear()
	s.stopDebounce()

	if s.inflight != nil {
		s.cancelInflight("canceled")
	}

	s.logger.Info("all jobs canceled", "removed", removed)
	s.dispatch()
}

func (s *Scheduler) inflightMatches(acct string, services []string) bool {
	if s.inflight.job.Account != acct {
		return false
	}
	if len(services) == 0 {
		return true
	}
	for _, svc := range services {
		if svc == s.inflight.job.Service {
			return true
		}
	}
	return false
}

// =============================================================================
// Connectivity
// =============================================================================

// handleConnectivity applies a connectivity change to the queues
func (s *Scheduler) handleConnectivity(state network.State) {
	prev := s.gate.State()
	transition := s.gate.Update(state)

	s.logger.Info("connectivity changed",
		"from", prev.String(),
		"to", state.String(),
		"transition", transition.String())

	switch transition {
	case network.TransitionLost:
		s.stopDebounce()
		if s.inflight != nil {
			s.deferInflight()
		}
		for _, job := range s.active.Drain() {
			s.deferred.PushJob(job)
			s.stats.Deferred++
		}
		s.dispatch()

	case network.TransitionResumed:
		for _, job := range s.deferred.Drain() {
			s.active.PushJob(job)
		}
		if !s.active.Empty() {
			s.drained = false
			if s.inflight == nil {
				s.armDebounce()
			}
		}
		s.updateState()

	default:
		if prev != state && s.gate.CanDispatch() && s.inflight == nil && !s.active.Empty() {
			s.armDebounce()
			s.updateState()
		}
	}
}
