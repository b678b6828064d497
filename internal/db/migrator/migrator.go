// Package migrator applies versioned sqlite migrations read from an fs.FS.
package migrator

import (
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
)

// RunMigrations applies every migration in dir of fsys that is not yet
// recorded in schema_migrations. It returns the versions it applied.
func RunMigrations(db *sql.DB, fsys fs.FS, dir string) ([]int, error) {
	if err := createSchemaTable(db); err != nil {
		return nil, fmt.Errorf("failed to create schema table: %w", err)
	}

	migrations, err := LoadMigrations(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	appliedSet := make(map[int]bool, len(applied))
	maxApplied := 0
	for _, v := range applied {
		appliedSet[v] = true
		if v > maxApplied {
			maxApplied = v
		}
	}

	var pending []Migration
	for _, m := range migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}

	// History only moves forward
	for _, m := range pending {
		if m.Version < maxApplied {
			return nil, fmt.Errorf("cannot apply migration %d: version %d is already applied (migrations must be applied in order)", m.Version, maxApplied)
		}
	}

	var done []int
	for _, m := range pending {
		for _, dep := range m.Dependencies {
			if !appliedSet[dep] {
				return done, fmt.Errorf("migration %d depends on version %d which has not been applied", m.Version, dep)
			}
		}

		if err := applyMigration(db, m); err != nil {
			return done, fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}

		appliedSet[m.Version] = true
		done = append(done, m.Version)
	}

	return done, nil
}

// GetCurrentVersion returns the highest applied version, or 0 on a database
// that was never migrated.
func GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// GetAppliedMigrations returns the applied versions in ascending order.
func GetAppliedMigrations(db *sql.DB) ([]int, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		if isMissingTable(err) {
			return []int{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func createSchemaTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// applyMigration runs the migration and records its version, inside one
// transaction unless the file opted out.
func applyMigration(db *sql.DB, m Migration) error {
	const record = "INSERT INTO schema_migrations (version) VALUES (?)"

	if m.NoTransaction {
		if _, err := db.Exec(m.UpSQL); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
		if _, err := db.Exec(record, m.Version); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(m.UpSQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	if _, err := tx.Exec(record, m.Version); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isMissingTable(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}
