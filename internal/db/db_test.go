package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/pimsync/internal/account"
	"github.com/livinlefevreloca/pimsync/internal/engine"
	"github.com/livinlefevreloca/pimsync/internal/status"
)

// Test Fixtures and Helpers

// NewTestDB creates an in-memory SQLite database for testing
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// MakeTestRun creates a run with default test values
func MakeTestRun(id, acct string, startedAt time.Time) *SyncRun {
	return &SyncRun{
		ID:         id,
		Account:    acct,
		Service:    "calendar",
		Mode:       string(engine.ModeIncremental),
		Code:       0,
		Outcome:    OutcomeSucceeded,
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(2 * time.Second),
	}
}

func strPtr(s string) *string {
	return &s
}

// Connection Tests

func TestOpen(t *testing.T) {
	db, err := Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Driver() != "sqlite3" {
		t.Errorf("Driver() = %q, want %q", db.Driver(), "sqlite3")
	}

	// Schema is applied on open
	for _, table := range []string{"attempt_records", "sync_runs"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpen_InvalidDriver(t *testing.T) {
	_, err := Open("nonexistent", "whatever")
	if err == nil {
		t.Fatal("expected error for unknown driver, got nil")
	}
}

func TestOpenWithConfig(t *testing.T) {
	config := DefaultConfig()
	config.DSN = ":memory:"
	config.MaxIdleConns = 2
	config.ConnMaxLifetime = time.Hour

	db, err := OpenWithConfig(config)
	if err != nil {
		t.Fatalf("OpenWithConfig failed: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if n, err := db.CountAttemptRecords(); err != nil || n != 0 {
		t.Errorf("CountAttemptRecords() = %d, %v; want 0, nil", n, err)
	}
}

func TestOpenWithConfig_SkipSchema(t *testing.T) {
	config := DefaultConfig()
	config.DSN = ":memory:"
	config.SkipSchema = true

	db, err := OpenWithConfig(config)
	if err != nil {
		t.Fatalf("OpenWithConfig failed: %v", err)
	}
	defer db.Close()

	if _, err := db.CountAttemptRecords(); err == nil {
		t.Error("expected error querying a missing table")
	}

	if v, err := db.SchemaVersion(); err != nil || v != 0 {
		t.Errorf("SchemaVersion() = %d, %v; want 0, nil", v, err)
	}

	if err := db.ApplySchema(); err != nil {
		t.Fatalf("ApplySchema failed: %v", err)
	}
	// Applying twice is harmless
	if err := db.ApplySchema(); err != nil {
		t.Fatalf("second ApplySchema failed: %v", err)
	}

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != 2 {
		t.Errorf("SchemaVersion() = %d, want 2", v)
	}
}

func TestOpen_FilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pimsync.db")
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	db, err := Open("sqlite3", path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	rec := account.AttemptRecord{Service: "calendar", Mode: engine.ModeFull, Code: 0, UpdatedAt: ts}
	if err := db.SaveAttemptRecord("alice", rec); err != nil {
		t.Fatalf("SaveAttemptRecord failed: %v", err)
	}
	db.Close()

	reopened, err := Open("sqlite3", path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	records, err := reopened.LoadAttemptRecords("alice")
	if err != nil {
		t.Fatalf("LoadAttemptRecords failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records after reopen, want 1", len(records))
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"missing driver", func(c *Config) { c.Driver = "" }, true},
		{"missing dsn", func(c *Config) { c.DSN = "" }, true},
		{"negative pool", func(c *Config) { c.MaxOpenConns = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			err := ValidateConfig(config)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// Attempt Record Tests

func TestSaveAttemptRecord(t *testing.T) {
	db := NewTestDB(t)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := account.AttemptRecord{Service: "calendar", Mode: engine.ModeFull, Code: 0, UpdatedAt: ts}
	if err := db.SaveAttemptRecord("alice", rec); err != nil {
		t.Fatalf("SaveAttemptRecord failed: %v", err)
	}

	records, err := db.LoadAttemptRecords("alice")
	if err != nil {
		t.Fatalf("LoadAttemptRecords failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}

	got := records[0]
	if got.Service != "calendar" {
		t.Errorf("Service = %q, want %q", got.Service, "calendar")
	}
	if got.Mode != engine.ModeFull {
		t.Errorf("Mode = %q, want %q", got.Mode, engine.ModeFull)
	}
	if got.Code != 0 {
		t.Errorf("Code = %d, want 0", got.Code)
	}
	if !got.UpdatedAt.Equal(ts) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, ts)
	}
}

func TestSaveAttemptRecord_Upsert(t *testing.T) {
	db := NewTestDB(t)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := account.AttemptRecord{Service: "contacts", Mode: engine.ModeFull, Code: 0, UpdatedAt: ts}
	second := account.AttemptRecord{Service: "contacts", Mode: engine.ModeIncremental, Code: 403, UpdatedAt: ts.Add(time.Hour)}

	if err := db.SaveAttemptRecord("alice", first); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := db.SaveAttemptRecord("alice", second); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	records, err := db.LoadAttemptRecords("alice")
	if err != nil {
		t.Fatalf("LoadAttemptRecords failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 after upsert", len(records))
	}
	if records[0].Mode != engine.ModeIncremental || records[0].Code != 403 {
		t.Errorf("record = %+v, want incremental/403", records[0])
	}
}

func TestLoadAttemptRecords_PerAccount(t *testing.T) {
	db := NewTestDB(t)
	ts := time.Now().UTC()

	for _, acct := range []string{"alice", "bob"} {
		for _, svc := range []string{"contacts", "calendar"} {
			rec := account.AttemptRecord{Service: svc, Mode: engine.ModeFull, UpdatedAt: ts}
			if err := db.SaveAttemptRecord(acct, rec); err != nil {
				t.Fatalf("SaveAttemptRecord failed: %v", err)
			}
		}
	}

	records, err := db.LoadAttemptRecords("bob")
	if err != nil {
		t.Fatalf("LoadAttemptRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	// Ordered by service
	if records[0].Service != "calendar" || records[1].Service != "contacts" {
		t.Errorf("services = %q, %q; want calendar, contacts", records[0].Service, records[1].Service)
	}

	empty, err := db.LoadAttemptRecords("nobody")
	if err != nil {
		t.Fatalf("LoadAttemptRecords failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("got %d records for unknown account, want 0", len(empty))
	}
}

func TestDeleteAttemptRecords(t *testing.T) {
	db := NewTestDB(t)
	ts := time.Now().UTC()

	for _, acct := range []string{"alice", "bob"} {
		rec := account.AttemptRecord{Service: "calendar", Mode: engine.ModeFull, UpdatedAt: ts}
		if err := db.SaveAttemptRecord(acct, rec); err != nil {
			t.Fatalf("SaveAttemptRecord failed: %v", err)
		}
	}

	if err := db.DeleteAttemptRecords("alice"); err != nil {
		t.Fatalf("DeleteAttemptRecords failed: %v", err)
	}

	n, err := db.CountAttemptRecords()
	if err != nil {
		t.Fatalf("CountAttemptRecords failed: %v", err)
	}
	if n != 1 {
		t.Errorf("CountAttemptRecords() = %d, want 1", n)
	}

	// Deleting an account without records is not an error
	if err := db.DeleteAttemptRecords("nobody"); err != nil {
		t.Errorf("DeleteAttemptRecords(nobody) failed: %v", err)
	}
}

func TestRecordStore_DrivesAccountMode(t *testing.T) {
	db := NewTestDB(t)

	rec := account.AttemptRecord{Service: "calendar", Mode: engine.ModeIncremental, Code: 0, UpdatedAt: time.Now().UTC()}
	if err := db.SaveAttemptRecord("alice", rec); err != nil {
		t.Fatalf("SaveAttemptRecord failed: %v", err)
	}

	records, err := db.LoadAttemptRecords("alice")
	if err != nil {
		t.Fatalf("LoadAttemptRecords failed: %v", err)
	}
	if got := account.DecideMode(&records[0], status.Default()); got != engine.ModeIncremental {
		t.Errorf("DecideMode() = %q, want %q", got, engine.ModeIncremental)
	}
}

// Sync Run Tests

func TestInsertSyncRun(t *testing.T) {
	db := NewTestDB(t)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	run := MakeTestRun("run-1", "alice", start)
	run.Outcome = OutcomeFailed
	run.Code = 403
	run.Error = strPtr("forbidden")

	if err := db.InsertSyncRun(run); err != nil {
		t.Fatalf("InsertSyncRun failed: %v", err)
	}

	got, err := db.GetSyncRun("run-1")
	if err != nil {
		t.Fatalf("GetSyncRun failed: %v", err)
	}
	if got.Account != "alice" {
		t.Errorf("Account = %q, want %q", got.Account, "alice")
	}
	if got.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %q, want %q", got.Outcome, OutcomeFailed)
	}
	if got.Code != 403 {
		t.Errorf("Code = %d, want 403", got.Code)
	}
	if got.Error == nil || *got.Error != "forbidden" {
		t.Errorf("Error = %v, want forbidden", got.Error)
	}
	if got.Duration() != 2*time.Second {
		t.Errorf("Duration() = %v, want 2s", got.Duration())
	}
}

func TestInsertSyncRun_Idempotent(t *testing.T) {
	db := NewTestDB(t)
	run := MakeTestRun("run-1", "alice", time.Now().UTC())

	if err := db.InsertSyncRun(run); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	run.Outcome = OutcomeFailed
	if err := db.InsertSyncRun(run); err != nil {
		t.Fatalf("second insert failed: %v", err)
	}

	got, err := db.GetSyncRun("run-1")
	if err != nil {
		t.Fatalf("GetSyncRun failed: %v", err)
	}
	if got.Outcome != OutcomeSucceeded {
		t.Errorf("Outcome = %q, want first write %q", got.Outcome, OutcomeSucceeded)
	}
}

func TestGetSyncRun_NotFound(t *testing.T) {
	db := NewTestDB(t)

	_, err := db.GetSyncRun("missing")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !IsNotFound(err) {
		t.Errorf("expected IsNotFound(err) = true, got false: %v", err)
	}
}

func TestInsertSyncRuns_Batch(t *testing.T) {
	db := NewTestDB(t)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	runs := []SyncRun{
		*MakeTestRun("run-1", "alice", start),
		*MakeTestRun("run-2", "alice", start.Add(time.Minute)),
		*MakeTestRun("run-3", "bob", start.Add(2*time.Minute)),
	}
	if err := db.InsertSyncRuns(runs); err != nil {
		t.Fatalf("InsertSyncRuns failed: %v", err)
	}

	all, err := db.ListSyncRuns(RunFilter{})
	if err != nil {
		t.Fatalf("ListSyncRuns failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d runs, want 3", len(all))
	}
	// Most recent first
	if all[0].ID != "run-3" {
		t.Errorf("first run = %q, want run-3", all[0].ID)
	}

	if err := db.InsertSyncRuns(nil); err != nil {
		t.Errorf("empty batch failed: %v", err)
	}
}

func TestListSyncRuns_Filter(t *testing.T) {
	db := NewTestDB(t)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	runs := []SyncRun{
		*MakeTestRun("run-1", "alice", start),
		*MakeTestRun("run-2", "alice", start.Add(time.Hour)),
		*MakeTestRun("run-3", "bob", start.Add(2*time.Hour)),
	}
	runs[1].Service = "contacts"
	runs[1].Outcome = OutcomeCanceled
	if err := db.InsertSyncRuns(runs); err != nil {
		t.Fatalf("InsertSyncRuns failed: %v", err)
	}

	tests := []struct {
		name   string
		filter RunFilter
		want   []string
	}{
		{"by account", RunFilter{Account: "alice"}, []string{"run-2", "run-1"}},
		{"by service", RunFilter{Service: "contacts"}, []string{"run-2"}},
		{"by outcome", RunFilter{Outcome: OutcomeSucceeded}, []string{"run-3", "run-1"}},
		{"since", RunFilter{Since: start.Add(30 * time.Minute)}, []string{"run-3", "run-2"}},
		{"limit", RunFilter{Limit: 1}, []string{"run-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListSyncRuns(tt.filter)
			if err != nil {
				t.Fatalf("ListSyncRuns failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d runs, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("run[%d] = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestDeleteSyncRunsForAccount(t *testing.T) {
	db := NewTestDB(t)
	start := time.Now().UTC()

	for i, acct := range []string{"alice", "alice", "bob"} {
		run := MakeTestRun(acct+"-"+string(rune('a'+i)), acct, start)
		if err := db.InsertSyncRun(run); err != nil {
			t.Fatalf("InsertSyncRun failed: %v", err)
		}
	}

	n, err := db.DeleteSyncRunsForAccount("alice")
	if err != nil {
		t.Fatalf("DeleteSyncRunsForAccount failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d runs, want 2", n)
	}
}

// Transaction Tests

func TestWithTransaction_Success(t *testing.T) {
	db := NewTestDB(t)

	err := db.WithTransaction(func(tx *Tx) error {
		return insertSyncRun(tx, MakeTestRun("run-1", "alice", time.Now().UTC()))
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}

	if _, err := db.GetSyncRun("run-1"); err != nil {
		t.Errorf("run was not committed: %v", err)
	}
}

func TestWithTransaction_Rollback(t *testing.T) {
	db := NewTestDB(t)
	boom := errors.New("boom")

	err := db.WithTransaction(func(tx *Tx) error {
		if err := insertSyncRun(tx, MakeTestRun("run-1", "alice", time.Now().UTC())); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTransaction error = %v, want %v", err, boom)
	}

	_, err = db.GetSyncRun("run-1")
	if !IsNotFound(err) {
		t.Errorf("expected rolled back run to be missing, got %v", err)
	}
}

func TestWithTransaction_Panic(t *testing.T) {
	db := NewTestDB(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		db.WithTransaction(func(tx *Tx) error {
			insertSyncRun(tx, MakeTestRun("run-1", "alice", time.Now().UTC()))
			panic("boom")
		})
	}()

	if _, err := db.GetSyncRun("run-1"); !IsNotFound(err) {
		t.Errorf("expected rolled back run to be missing, got %v", err)
	}
}

// Error Classification Tests

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(ErrNotFound) {
		t.Error("IsNotFound(ErrNotFound) = false, want true")
	}
	if IsNotFound(errors.New("other")) {
		t.Error("IsNotFound(other) = true, want false")
	}
}

func TestIsDuplicate(t *testing.T) {
	if !IsDuplicate(ErrDuplicate) {
		t.Error("IsDuplicate(ErrDuplicate) = false, want true")
	}
	if !IsDuplicate(errors.New("UNIQUE constraint failed: sync_runs.id")) {
		t.Error("IsDuplicate(sqlite unique error) = false, want true")
	}
	if IsDuplicate(nil) {
		t.Error("IsDuplicate(nil) = true, want false")
	}
}

// Period Stats Tests

func TestInsertPeriodStats(t *testing.T) {
	db := NewTestDB(t)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		s := &PeriodStats{
			PeriodID:      "period-" + string(rune('a'+i)),
			StartTime:     start.Add(time.Duration(i) * 5 * time.Minute),
			EndTime:       start.Add(time.Duration(i+1) * 5 * time.Minute),
			Samples:       30,
			Dispatched:    int64(i),
			MaxActiveJobs: 4,
			AvgActiveJobs: 1.5,
			BusyRatio:     0.25,
		}
		if err := db.InsertPeriodStats(s); err != nil {
			t.Fatalf("InsertPeriodStats failed: %v", err)
		}
	}

	got, err := db.ListPeriodStats(2)
	if err != nil {
		t.Fatalf("ListPeriodStats failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d periods, want 2", len(got))
	}
	if got[0].PeriodID != "period-c" {
		t.Errorf("first period = %q, want period-c", got[0].PeriodID)
	}
	if got[0].Dispatched != 2 || got[0].AvgActiveJobs != 1.5 || got[0].BusyRatio != 0.25 {
		t.Errorf("unexpected period %+v", got[0])
	}

	// Period ids are unique
	dup := &PeriodStats{PeriodID: "period-a", StartTime: start, EndTime: start}
	if err := db.InsertPeriodStats(dup); !IsDuplicate(err) {
		t.Errorf("expected duplicate error, got %v", err)
	}
}
