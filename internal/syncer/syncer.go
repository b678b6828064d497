package syncer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/pimsync/internal/db"
	"github.com/livinlefevreloca/pimsync/internal/scheduler"
	"github.com/livinlefevreloca/pimsync/internal/status"
)

var (
	ErrBufferFull  = errors.New("syncer: run buffer full")
	ErrChannelFull = errors.New("syncer: run channel full")
	ErrClosed      = errors.New("syncer: shut down")
)

// Syncer turns scheduler events into run history and writes it in batches
type Syncer struct {
	// Configuration
	config Config
	logger *slog.Logger

	// Run buffering
	mu        sync.Mutex
	started   map[string]time.Time // token → start time
	buffer    []db.SyncRun
	lastFlush time.Time
	closed    bool

	runChannel chan db.SyncRun

	// Counters
	recorded    atomic.Int64
	written     atomic.Int64
	dropped     atomic.Int64
	writeErrors atomic.Int64

	// Control
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewSyncer creates a new syncer with the specified configuration
func NewSyncer(config Config, logger *slog.Logger) (*Syncer, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return &Syncer{
		config:     config,
		logger:     logger,
		started:    make(map[string]time.Time),
		buffer:     make([]db.SyncRun, 0),
		runChannel: make(chan db.SyncRun, config.RunChannelSize),
		lastFlush:  time.Now(),
		shutdown:   make(chan struct{}),
	}, nil
}

// Observe is a scheduler subscriber. It never blocks the scheduler loop.
func (s *Syncer) Observe(ev scheduler.Event) {
	var run db.SyncRun

	switch ev.Type {
	case scheduler.EventSyncStarted:
		s.mu.Lock()
		s.started[ev.Token] = ev.Time
		s.mu.Unlock()
		return

	case scheduler.EventSyncFinished:
		switch {
		case ev.Retrying:
			run = s.newRun(ev, db.OutcomeRetrying)
		case ev.Class == status.ClassOK:
			run = s.newRun(ev, db.OutcomeSucceeded)
		default:
			// The failed event that follows carries the reason
			return
		}

	case scheduler.EventSyncFailed:
		run = s.newRun(ev, db.OutcomeFailed)
		reason := ev.Reason
		run.Error = &reason

	case scheduler.EventSyncCanceled:
		outcome := db.OutcomeCanceled
		if ev.Deferred {
			outcome = db.OutcomeDeferred
		}
		run = s.newRun(ev, outcome)
		if ev.Reason != "" {
			reason := ev.Reason
			run.Error = &reason
		}

	default:
		return
	}

	if err := s.BufferRun(run); err != nil {
		s.logger.Error("dropping run record",
			"run_id", run.ID,
			"account", run.Account,
			"service", run.Service,
			"error", err)
		return
	}

	if s.Buffered() >= s.config.RunFlushThreshold {
		if err := s.FlushRuns(); err != nil {
			s.logger.Warn("failed to flush runs", "error", err)
		}
	}
}

// newRun builds a run from a terminal event, consuming its start time
func (s *Syncer) newRun(ev scheduler.Event, outcome string) db.SyncRun {
	finished := ev.Time
	if finished.IsZero() {
		finished = time.Now()
	}

	s.mu.Lock()
	startedAt, ok := s.started[ev.Token]
	delete(s.started, ev.Token)
	s.mu.Unlock()
	if !ok {
		startedAt = finished
	}

	id := ev.Token
	if id == "" {
		id = uuid.NewString()
	}

	return db.SyncRun{
		ID:         id,
		Account:    ev.Account,
		Service:    ev.Service,
		Mode:       string(ev.Mode),
		Code:       ev.Code,
		Outcome:    outcome,
		StartedAt:  startedAt,
		FinishedAt: finished,
	}
}

// BufferRun adds a run to the buffer
// Returns an error if the buffer is at its maximum size
func (s *Syncer) BufferRun(run db.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.dropped.Add(1)
		return ErrClosed
	}
	if len(s.buffer) >= s.config.MaxBufferedRuns {
		s.dropped.Add(1)
		return fmt.Errorf("%w: %d runs buffered", ErrBufferFull, len(s.buffer))
	}

	s.buffer = append(s.buffer, run)
	s.recorded.Add(1)
	return nil
}

// FlushRuns sends buffered runs to the writer channel. Runs that do not fit
// stay buffered for the next flush.
func (s *Syncer) FlushRuns() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if len(s.buffer) == 0 {
		return nil
	}

	sent := 0
	for _, run := range s.buffer {
		select {
		case s.runChannel <- run:
			sent++
		default:
			s.buffer = s.buffer[sent:]
			return fmt.Errorf("%w: %d runs still buffered", ErrChannelFull, len(s.buffer))
		}
	}

	s.buffer = make([]db.SyncRun, 0)
	s.lastFlush = time.Now()
	return nil
}

// Buffered returns the number of runs waiting to be flushed
func (s *Syncer) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// GetStats returns current syncer statistics
func (s *Syncer) GetStats() Stats {
	s.mu.Lock()
	buffered := len(s.buffer)
	open := len(s.started)
	s.mu.Unlock()

	return Stats{
		BufferedRuns: buffered,
		OpenRuns:     open,
		Recorded:     s.recorded.Load(),
		Written:      s.written.Load(),
		Dropped:      s.dropped.Load(),
		WriteErrors:  s.writeErrors.Load(),
	}
}

// GetConfig returns the syncer configuration
func (s *Syncer) GetConfig() Config {
	return s.config
}

// GetLastFlushTime returns the timestamp of the last complete flush
func (s *Syncer) GetLastFlushTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFlush
}

// Start launches the interval flusher and the writer goroutine
func (s *Syncer) Start(writer RunWriter) {
	s.wg.Add(2)

	go s.runFlusher()
	go s.runWriter(writer)
}

// runFlusher flushes on the configured interval until shutdown
func (s *Syncer) runFlusher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RunFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.FlushRuns(); err != nil {
				s.logger.Warn("interval flush incomplete", "error", err)
			}
		case <-s.shutdown:
			return
		}
	}
}

// runWriter writes runs in batches until the channel is closed and drained
func (s *Syncer) runWriter(writer RunWriter) {
	defer s.wg.Done()

	batch := make([]db.SyncRun, 0, s.config.WriteBatchSize)
	for run := range s.runChannel {
		batch = append(batch, run)

		// Collect whatever else is already queued
	collect:
		for len(batch) < s.config.WriteBatchSize {
			select {
			case next, ok := <-s.runChannel:
				if !ok {
					break collect
				}
				batch = append(batch, next)
			default:
				break collect
			}
		}

		s.write(writer, batch)
		batch = batch[:0]
	}

	s.logger.Debug("run writer shut down")
}

func (s *Syncer) write(writer RunWriter, batch []db.SyncRun) {
	if err := writer.InsertSyncRuns(batch); err != nil {
		s.writeErrors.Add(1)
		s.logger.Error("failed to write runs",
			"count", len(batch),
			"first_run_id", batch[0].ID,
			"error", err)
		return
	}

	s.written.Add(int64(len(batch)))
	s.logger.Debug("wrote runs", "count", len(batch))
}

// Shutdown performs graceful shutdown ensuring buffered runs are persisted.
// Events observed after Shutdown are dropped.
func (s *Syncer) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("starting syncer shutdown")

		// Stop the interval flusher first so it cannot race the final flush
		close(s.shutdown)

		// Final flush: the writer keeps draining, so retry until everything fits
		for attempt := 0; attempt < 100; attempt++ {
			if err = s.FlushRuns(); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if err != nil {
			s.logger.Warn("failed to flush runs on shutdown",
				"lost", s.Buffered(),
				"error", err)
		}

		// The writer's "for range" drains what is queued, then exits
		s.mu.Lock()
		s.closed = true
		close(s.runChannel)
		s.mu.Unlock()

		s.wg.Wait()

		s.logger.Info("syncer shutdown complete", "written", s.written.Load())
	})
	return err
}
