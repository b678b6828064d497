package db

import "time"

// Run outcomes recorded in sync_runs
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRetrying  = "retrying"
	OutcomeCanceled  = "canceled"
	OutcomeDeferred  = "deferred"
)

// SyncRun is one finished attempt of a (account, service) job
type SyncRun struct {
	ID         string
	Account    string
	Service    string
	Mode       string
	Code       int
	Outcome    string
	StartedAt  time.Time
	FinishedAt time.Time
	Error      *string
}

// Duration returns how long the run took
func (r SyncRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunFilter narrows ListSyncRuns
type RunFilter struct {
	Account string
	Service string
	Outcome string
	Since   time.Time
	Limit   int
}
