package db

import (
	"database/sql"
	"fmt"
	"strings"
)

const runColumns = `id, account, service, mode, code, outcome, started_at, finished_at, error`

// InsertSyncRun records a finished run. Writing the same id twice is a no-op,
// so a flush retried after a partial failure does not duplicate history.
func (db *DB) InsertSyncRun(run *SyncRun) error {
	return insertSyncRun(db, run)
}

// InsertSyncRuns writes a batch of runs in a single transaction
func (db *DB) InsertSyncRuns(runs []SyncRun) error {
	if len(runs) == 0 {
		return nil
	}
	return db.WithTransaction(func(tx *Tx) error {
		for i := range runs {
			if err := insertSyncRun(tx, &runs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertSyncRun(e execer, run *SyncRun) error {
	query := `
		INSERT INTO sync_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := e.Exec(query,
		run.ID,
		run.Account,
		run.Service,
		run.Mode,
		run.Code,
		run.Outcome,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync run %s: %w", run.ID, err)
	}
	return nil
}

// GetSyncRun retrieves a run by id
func (db *DB) GetSyncRun(id string) (*SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE id = ?`

	run, err := scanSyncRun(db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListSyncRuns returns runs matching the filter, most recent first
func (db *DB) ListSyncRuns(filter RunFilter) ([]*SyncRun, error) {
	var where []string
	var args []any

	if filter.Account != "" {
		where = append(where, "account = ?")
		args = append(args, filter.Account)
	}
	if filter.Service != "" {
		where = append(where, "service = ?")
		args = append(args, filter.Service)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + runColumns + ` FROM sync_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// DeleteSyncRunsForAccount removes the run history of an account
func (db *DB) DeleteSyncRunsForAccount(acct string) (int64, error) {
	result, err := db.Exec(`DELETE FROM sync_runs WHERE account = ?`, acct)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSyncRun(row scanner) (*SyncRun, error) {
	var run SyncRun
	var errMsg sql.NullString
	err := row.Scan(
		&run.ID,
		&run.Account,
		&run.Service,
		&run.Mode,
		&run.Code,
		&run.Outcome,
		&run.StartedAt,
		&run.FinishedAt,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return &run, nil
}
