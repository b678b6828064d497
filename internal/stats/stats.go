package stats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/pimsync/internal/db"
)

// StatsCollector samples the scheduler on an interval and writes one
// summary per period
type StatsCollector struct {
	db        DatabaseWriter
	scheduler SchedulerSource
	syncer    SyncerSource // optional
	config    Config
	logger    *slog.Logger

	// Mutex protects all mutable fields below
	mu sync.Mutex

	currentPeriod   string
	periodStartTime time.Time
	acc             PeriodAccumulator
	baseline        *Sample // last sample of the previous period
	periods         int

	// Shutdown coordination
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector(config Config, sched SchedulerSource, syncer SyncerSource, db DatabaseWriter, logger *slog.Logger) (*StatsCollector, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	now := time.Now()
	return &StatsCollector{
		db:              db,
		scheduler:       sched,
		syncer:          syncer,
		config:          config,
		logger:          logger,
		currentPeriod:   generatePeriodID(now),
		periodStartTime: now,
		done:            make(chan struct{}),
	}, nil
}

// Start begins the sampling loop
func (sc *StatsCollector) Start() {
	sc.logger.Info("starting stats collector",
		"sample_interval", sc.config.SampleInterval,
		"period", sc.config.PeriodDuration)

	sc.wg.Add(1)
	go sc.run()
}

// Stop gracefully shuts down the collector, writing the partial period
func (sc *StatsCollector) Stop() error {
	var stopErr error
	sc.stopOnce.Do(func() {
		sc.logger.Info("stopping stats collector")

		close(sc.done)
		sc.wg.Wait()

		if err := sc.flush(time.Now()); err != nil {
			sc.logger.Error("final flush failed", "error", err)
			stopErr = err
			return
		}

		sc.logger.Info("stats collector stopped")
	})
	return stopErr
}

// run is the main sampling loop
func (sc *StatsCollector) run() {
	defer sc.wg.Done()

	ticker := time.NewTicker(sc.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.done:
			sc.logger.Debug("shutdown signal received")
			return

		case now := <-ticker.C:
			sc.SampleOnce()

			sc.mu.Lock()
			periodOver := now.Sub(sc.periodStartTime) >= sc.config.PeriodDuration
			sc.mu.Unlock()

			if periodOver {
				if err := sc.flush(now); err != nil {
					sc.logger.Error("period flush failed", "error", err)
				}
			}
		}
	}
}

// SampleOnce takes one sample. A stopped scheduler is skipped.
func (sc *StatsCollector) SampleOnce() bool {
	st, err := sc.scheduler.Stats()
	if err != nil {
		sc.logger.Debug("skipping stats sample", "error", err)
		return false
	}

	sample := Sample{Scheduler: st}
	if sc.syncer != nil {
		sample.RunsWritten = sc.syncer.GetStats().Written
	}

	sc.mu.Lock()
	sc.acc.Add(sample)
	sc.mu.Unlock()
	return true
}

// flush writes the current period and starts the next one
func (sc *StatsCollector) flush(now time.Time) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.acc.Samples == 0 {
		sc.startNewPeriodLocked(now)
		return nil
	}

	summary := sc.acc.Summarize(sc.baseline)
	summary.PeriodID = sc.currentPeriod
	summary.StartTime = sc.periodStartTime
	summary.EndTime = now

	sc.logger.Info("scheduler period summary",
		"period", summary.PeriodID,
		"samples", summary.Samples,
		"dispatched", summary.Dispatched,
		"failed", summary.Failed,
		"max_active_jobs", summary.MaxActiveJobs,
		"busy_ratio", summary.BusyRatio)

	var err error
	if sc.db != nil {
		if writeErr := sc.db.InsertPeriodStats(&summary); writeErr != nil {
			err = fmt.Errorf("write period stats failed: %w", writeErr)
		}
	}

	sc.baseline = sc.acc.Last()
	sc.acc.Reset()
	sc.periods++
	sc.startNewPeriodLocked(now)
	return err
}

func (sc *StatsCollector) startNewPeriodLocked(now time.Time) {
	sc.currentPeriod = generatePeriodID(now)
	sc.periodStartTime = now
	sc.logger.Debug("started new period", "period", sc.currentPeriod)
}

// Periods returns how many periods have been summarized
func (sc *StatsCollector) Periods() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.periods
}

// PendingSamples returns the samples taken in the current period
func (sc *StatsCollector) PendingSamples() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.acc.Samples
}

// generatePeriodID generates a unique period ID based on timestamp
func generatePeriodID(t time.Time) string {
	return fmt.Sprintf("period-%d", t.UnixNano())
}

var _ DatabaseWriter = (*db.DB)(nil)
