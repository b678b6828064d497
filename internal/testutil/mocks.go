package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/pimsync/internal/account"
)

// MemoryRecordStore keeps attempt records in memory
type MemoryRecordStore struct {
	mu        sync.Mutex
	records   map[string]map[string]account.AttemptRecord // account → service → record
	loadError error
	saveError error
	saves     int
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]map[string]account.AttemptRecord),
	}
}

func (m *MemoryRecordStore) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

func (m *MemoryRecordStore) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MemoryRecordStore) LoadAttemptRecords(acct string) ([]account.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loadError != nil {
		return nil, m.loadError
	}

	result := make([]account.AttemptRecord, 0, len(m.records[acct]))
	for _, rec := range m.records[acct] {
		result = append(result, rec)
	}
	return result, nil
}

func (m *MemoryRecordStore) SaveAttemptRecord(acct string, rec account.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveError != nil {
		return m.saveError
	}

	if m.records[acct] == nil {
		m.records[acct] = make(map[string]account.AttemptRecord)
	}
	m.records[acct][rec.Service] = rec
	m.saves++
	return nil
}

func (m *MemoryRecordStore) DeleteAttemptRecords(acct string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, acct)
	return nil
}

// Put seeds a record
func (m *MemoryRecordStore) Put(acct string, rec account.AttemptRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[acct] == nil {
		m.records[acct] = make(map[string]account.AttemptRecord)
	}
	m.records[acct][rec.Service] = rec
}

// Get returns a stored record
func (m *MemoryRecordStore) Get(acct, service string) (account.AttemptRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[acct][service]
	return rec, ok
}

// SaveCount returns the number of successful saves
func (m *MemoryRecordStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// TestLogger provides a logger that captures logs for testing
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		entries: make([]LogEntry, 0),
	}
}

func (l *TestLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}

	for i := 0; i+1 < len(fields); i += 2 {
		entry.Fields[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}

	l.entries = append(l.entries, entry)
}

func (l *TestLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, len(l.entries))
	copy(result, l.entries)
	return result
}

func (l *TestLogger) GetEntriesByLevel(level string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, 0)
	for _, entry := range l.entries {
		if entry.Level == level {
			result = append(result, entry)
		}
	}
	return result
}

// HasMessage reports whether any entry was logged with msg
func (l *TestLogger) HasMessage(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Message == msg {
			return true
		}
	}
	return false
}

func (l *TestLogger) HasError() bool {
	return len(l.GetEntriesByLevel("ERROR")) > 0
}

func (l *TestLogger) HasWarning() bool {
	return len(l.GetEntriesByLevel("WARN")) > 0
}

func (l *TestLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]LogEntry, 0)
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]interface{}, 0, (r.NumAttrs()+len(h.attrs))*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}

	h.logger.log(r.Level.String(), r.Message, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &testLogHandler{logger: h.logger, attrs: newAttrs}
}

func (h *testLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

// WaitFor waits for a condition to be true with timeout
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		<-ticker.C
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
	}
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
