package db

import (
	"fmt"

	"github.com/livinlefevreloca/pimsync/internal/account"
	"github.com/livinlefevreloca/pimsync/internal/engine"
)

// LoadAttemptRecords returns every stored record for an account
func (db *DB) LoadAttemptRecords(acct string) ([]account.AttemptRecord, error) {
	query := `
		SELECT service, mode, code, updated_at
		FROM attempt_records
		WHERE account = ?
		ORDER BY service
	`

	rows, err := db.Query(query, acct)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempt records for %s: %w", acct, err)
	}
	defer rows.Close()

	var records []account.AttemptRecord
	for rows.Next() {
		var rec account.AttemptRecord
		var mode string
		if err := rows.Scan(&rec.Service, &mode, &rec.Code, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Mode = engine.Mode(mode)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveAttemptRecord inserts or replaces the record for (account, service)
func (db *DB) SaveAttemptRecord(acct string, rec account.AttemptRecord) error {
	query := `
		INSERT INTO attempt_records (account, service, mode, code, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account, service) DO UPDATE SET
			mode = excluded.mode,
			code = excluded.code,
			updated_at = excluded.updated_at
	`

	_, err := db.Exec(query, acct, rec.Service, string(rec.Mode), rec.Code, rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save attempt record %s/%s: %w", acct, rec.Service, err)
	}
	return nil
}

// DeleteAttemptRecords removes every record for an account
func (db *DB) DeleteAttemptRecords(acct string) error {
	_, err := db.Exec(`DELETE FROM attempt_records WHERE account = ?`, acct)
	if err != nil {
		return fmt.Errorf("failed to delete attempt records for %s: %w", acct, err)
	}
	return nil
}

// CountAttemptRecords returns how many records exist across all accounts
func (db *DB) CountAttemptRecords() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM attempt_records`).Scan(&n)
	return n, err
}

var _ account.RecordStore = (*DB)(nil)
