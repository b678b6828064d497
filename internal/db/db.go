package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/pimsync/internal/db/migrator"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps sql.DB with additional context
type DB struct {
	*sql.DB
	driver string
}

// Tx wraps sql.Tx with additional context
type Tx struct {
	*sql.Tx
	db *DB
}

// Config holds database connection configuration
type Config struct {
	Driver          string        `toml:"driver"`
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `toml:"conn_max_idle_time"`
	SkipSchema      bool          `toml:"skip_schema"`
}

// DefaultConfig returns database defaults
func DefaultConfig() Config {
	return Config{
		Driver:       "sqlite3",
		DSN:          "pimsync.db",
		MaxOpenConns: 1,
	}
}

// Standard errors
var (
	ErrNotFound  = errors.New("db: not found")
	ErrDuplicate = errors.New("db: duplicate key")
)

// Open creates a new database connection and applies the schema
func Open(driver, dsn string) (*DB, error) {
	db, err := open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.ApplySchema(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func open(driver, dsn string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// An in-memory sqlite database exists per connection
	if driver == "sqlite3" && strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	return &DB{
		DB:     db,
		driver: driver,
	}, nil
}

// OpenWithConfig creates a connection with custom configuration
func OpenWithConfig(config Config) (*DB, error) {
	db, err := open(config.Driver, config.DSN)
	if err != nil {
		return nil, err
	}

	// Apply connection pool settings
	if config.MaxOpenConns > 0 && !strings.Contains(config.DSN, ":memory:") {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	if !config.SkipSchema {
		if err := db.ApplySchema(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

// ValidateConfig validates database configuration
func ValidateConfig(config Config) error {
	if config.Driver == "" {
		return fmt.Errorf("database driver is required")
	}
	if config.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if config.MaxOpenConns < 0 {
		return fmt.Errorf("MaxOpenConns must not be negative, got %d", config.MaxOpenConns)
	}
	return nil
}

// ApplySchema runs any migrations the database has not seen yet
func (db *DB) ApplySchema() error {
	if _, err := migrator.RunMigrations(db.DB, migrations, "migrations"); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version
func (db *DB) SchemaVersion() (int, error) {
	return migrator.GetCurrentVersion(db.DB)
}

// Driver returns the database driver name
func (db *DB) Driver() string {
	return db.driver
}

// Begin starts a new transaction
func (db *DB) Begin() (*Tx, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

// WithTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error
func (db *DB) WithTransaction(fn func(*Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Error classification functions

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}

	// Check database-specific error messages
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "duplicate key")
}
