package syncer

import "github.com/livinlefevreloca/pimsync/internal/db"

// RunWriter persists batches of finished runs
type RunWriter interface {
	InsertSyncRuns(runs []db.SyncRun) error
}

// Stats provides current syncer statistics
type Stats struct {
	BufferedRuns int
	OpenRuns     int   // Started runs still waiting for an outcome
	Recorded     int64 // Runs accepted into the buffer
	Written      int64
	Dropped      int64 // Runs lost to a full buffer or channel
	WriteErrors  int64
}
