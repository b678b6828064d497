package account

import (
	"time"

	"github.com/livinlefevreloca/pimsync/internal/engine"
	"github.com/livinlefevreloca/pimsync/internal/status"
)

// AttemptRecord is the last known outcome for one (account, service) pair
type AttemptRecord struct {
	Service   string
	Mode      engine.Mode
	Code      int
	UpdatedAt time.Time
}

// RecordStore persists attempt records across restarts
type RecordStore interface {
	LoadAttemptRecords(account string) ([]AttemptRecord, error)
	SaveAttemptRecord(account string, record AttemptRecord) error
	DeleteAttemptRecords(account string) error
}

// DecideMode picks the mode for the next attempt from the previous one.
//
// No record means the pair was never synchronized, so a full sync builds the
// baseline. A successful previous run continues incrementally. A code saying
// the previous incremental run could not be applied forces a new baseline.
// Any other failure is assumed to be transient and orthogonal to sync
// completeness, so the previous mode is reused.
func DecideMode(last *AttemptRecord, taxonomy *status.Taxonomy) engine.Mode {
	if last == nil {
		return engine.ModeFull
	}

	if taxonomy.Classify(last.Code) == status.ClassOK {
		return engine.ModeIncremental
	}

	if taxonomy.ForcesFullSync(last.Code) {
		return engine.ModeFull
	}

	if last.Mode == "" {
		return engine.ModeFull
	}
	return last.Mode
}
