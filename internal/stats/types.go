package stats

import (
	"github.com/livinlefevreloca/pimsync/internal/db"
	"github.com/livinlefevreloca/pimsync/internal/network"
	"github.com/livinlefevreloca/pimsync/internal/scheduler"
	"github.com/livinlefevreloca/pimsync/internal/syncer"
)

// SchedulerSource provides scheduler snapshots
type SchedulerSource interface {
	Stats() (scheduler.Stats, error)
}

// SyncerSource provides run history writer statistics
type SyncerSource interface {
	GetStats() syncer.Stats
}

// DatabaseWriter persists period summaries
type DatabaseWriter interface {
	InsertPeriodStats(stats *db.PeriodStats) error
}

// Sample is one observation of the running system
type Sample struct {
	Scheduler   scheduler.Stats
	RunsWritten int64
}

// PeriodAccumulator accumulates samples for one period
type PeriodAccumulator struct {
	Samples int

	// First and last samples bound the counter deltas
	first *Sample
	last  *Sample

	ActiveJobsSamples   []int
	DeferredJobsSamples []int
	InboxDepthSamples   []int

	BusySamples    int
	OfflineSamples int
}

// Add records a sample
func (acc *PeriodAccumulator) Add(s Sample) {
	if acc.first == nil {
		first := s
		acc.first = &first
	}
	last := s
	acc.last = &last

	acc.Samples++
	acc.ActiveJobsSamples = append(acc.ActiveJobsSamples, s.Scheduler.ActiveJobs)
	acc.DeferredJobsSamples = append(acc.DeferredJobsSamples, s.Scheduler.DeferredJobs)
	acc.InboxDepthSamples = append(acc.InboxDepthSamples, s.Scheduler.Inbox.CurrentDepth)
	if s.Scheduler.InFlight != nil {
		acc.BusySamples++
	}
	if s.Scheduler.Connectivity == network.Offline {
		acc.OfflineSamples++
	}
}

// Summarize builds the period summary. baseline is the last sample of the
// previous period, so counter deltas include activity between periods.
func (acc *PeriodAccumulator) Summarize(baseline *Sample) db.PeriodStats {
	var out db.PeriodStats
	if acc.Samples == 0 {
		return out
	}

	from := acc.first
	if baseline != nil {
		from = baseline
	}
	to := acc.last.Scheduler
	prev := from.Scheduler

	out.Samples = acc.Samples
	out.Dispatched = to.Dispatched - prev.Dispatched
	out.Finished = to.Finished - prev.Finished
	out.Failed = to.Failed - prev.Failed
	out.Retried = to.Retried - prev.Retried
	out.Canceled = to.Canceled - prev.Canceled
	out.Deferred = to.Deferred - prev.Deferred
	out.RunsWritten = acc.last.RunsWritten - from.RunsWritten

	minActive, maxActive, avgActive := calculateMinMaxAvgInt(acc.ActiveJobsSamples)
	out.MinActiveJobs = minActive
	out.MaxActiveJobs = maxActive
	out.AvgActiveJobs = avgActive

	_, out.MaxDeferredJobs, _ = calculateMinMaxAvgInt(acc.DeferredJobsSamples)
	_, out.MaxInboxDepth, _ = calculateMinMaxAvgInt(acc.InboxDepthSamples)

	out.BusyRatio = float64(acc.BusySamples) / float64(acc.Samples)
	out.OfflineRatio = float64(acc.OfflineSamples) / float64(acc.Samples)
	return out
}

// Last returns the most recent sample, or nil
func (acc *PeriodAccumulator) Last() *Sample {
	return acc.last
}

// Reset clears the accumulator for a new period
func (acc *PeriodAccumulator) Reset() {
	*acc = PeriodAccumulator{}
}

func calculateMinMaxAvgInt(values []int) (min, max int, avg float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}

	min = values[0]
	max = values[0]
	sum := 0

	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}

	avg = float64(sum) / float64(len(values))
	return min, max, avg
}
