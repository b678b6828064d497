package db

import (
	"fmt"
	"time"
)

// PeriodStats summarizes scheduler activity over one sampling period
type PeriodStats struct {
	PeriodID  string
	StartTime time.Time
	EndTime   time.Time
	Samples   int

	// Counter deltas over the period
	Dispatched int64
	Finished   int64
	Failed     int64
	Retried    int64
	Canceled   int64
	Deferred   int64

	MinActiveJobs   int
	MaxActiveJobs   int
	AvgActiveJobs   float64
	MaxDeferredJobs int
	MaxInboxDepth   int

	BusyRatio    float64 // Share of samples with a job in flight
	OfflineRatio float64 // Share of samples taken while offline

	RunsWritten int64
}

// InsertPeriodStats records one period summary
func (db *DB) InsertPeriodStats(stats *PeriodStats) error {
	query := `
		INSERT INTO period_stats (
			period_id, start_time, end_time, samples,
			dispatched, finished, failed, retried, canceled, deferred,
			min_active_jobs, max_active_jobs, avg_active_jobs,
			max_deferred_jobs, max_inbox_depth,
			busy_ratio, offline_ratio, runs_written
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		stats.PeriodID,
		stats.StartTime.UTC(),
		stats.EndTime.UTC(),
		stats.Samples,
		stats.Dispatched,
		stats.Finished,
		stats.Failed,
		stats.Retried,
		stats.Canceled,
		stats.Deferred,
		stats.MinActiveJobs,
		stats.MaxActiveJobs,
		stats.AvgActiveJobs,
		stats.MaxDeferredJobs,
		stats.MaxInboxDepth,
		stats.BusyRatio,
		stats.OfflineRatio,
		stats.RunsWritten,
	)
	if err != nil {
		return fmt.Errorf("failed to write period stats: %w", err)
	}
	return nil
}

// ListPeriodStats returns the most recent period summaries first
func (db *DB) ListPeriodStats(limit int) ([]*PeriodStats, error) {
	query := `
		SELECT period_id, start_time, end_time, samples,
			dispatched, finished, failed, retried, canceled, deferred,
			min_active_jobs, max_active_jobs, avg_active_jobs,
			max_deferred_jobs, max_inbox_depth,
			busy_ratio, offline_ratio, runs_written
		FROM period_stats
		ORDER BY start_time DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PeriodStats
	for rows.Next() {
		var s PeriodStats
		err := rows.Scan(
			&s.PeriodID, &s.StartTime, &s.EndTime, &s.Samples,
			&s.Dispatched, &s.Finished, &s.Failed, &s.Retried, &s.Canceled, &s.Deferred,
			&s.MinActiveJobs, &s.MaxActiveJobs, &s.AvgActiveJobs,
			&s.MaxDeferredJobs, &s.MaxInboxDepth,
			&s.BusyRatio, &s.OfflineRatio, &s.RunsWritten,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, &s)
	}

	return result, rows.Err()
}
