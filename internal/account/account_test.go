package account_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/pimsync/internal/account"
	"github.com/livinlefevreloca/pimsync/internal/engine"
	"github.com/livinlefevreloca/pimsync/internal/status"
	"github.com/livinlefevreloca/pimsync/internal/testutil"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

func newTestAccount(t *testing.T, eng *testutil.FakeEngine, store account.RecordStore) *account.Account {
	t.Helper()
	logger := testutil.NewTestLogger()

	acct, err := account.New("acct1", account.Options{
		DisplayName: "Work",
		Services: []account.Service{
			{Name: "contacts", Enabled: true},
			{Name: "calendar", Enabled: true},
			{Name: "tasks", Enabled: false},
		},
		Engine:   eng,
		Taxonomy: status.Default(),
		Store:    store,
		Logger:   logger.Logger(),
	})
	require.NoError(t, err)
	return acct
}

// configured returns an account whose target configuration is already written
func configured(t *testing.T, eng *testutil.FakeEngine, store account.RecordStore) *account.Account {
	t.Helper()
	acct := newTestAccount(t, eng, store)

	_, err := acct.RequestSync(context.Background(), "contacts")
	require.NoError(t, err)
	_, err = acct.HandleConfigured(context.Background(), nil)
	require.NoError(t, err)
	acct.HandleDone(status.CodeOK)

	require.False(t, acct.Stale())
	eng.ClearCalls()
	return acct
}

// ==============================================================================
// Mode Decision Tests
// ==============================================================================

func TestDecideMode(t *testing.T) {
	tax := status.Default()

	tests := []struct {
		name string
		last *account.AttemptRecord
		want engine.Mode
	}{
		{"no record is first sync", nil, engine.ModeFull},
		{"ok after incremental", &account.AttemptRecord{Mode: engine.ModeIncremental, Code: 0}, engine.ModeIncremental},
		{"ok after full", &account.AttemptRecord{Mode: engine.ModeFull, Code: 200}, engine.ModeIncremental},
		{"refresh required forces full", &account.AttemptRecord{Mode: engine.ModeIncremental, Code: status.CodeRefreshRequired}, engine.ModeFull},
		{"transient failure keeps incremental", &account.AttemptRecord{Mode: engine.ModeIncremental, Code: status.CodeForbidden}, engine.ModeIncremental},
		{"transient failure keeps full", &account.AttemptRecord{Mode: engine.ModeFull, Code: status.CodeTransportFailure}, engine.ModeFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, account.DecideMode(tt.last, tax))
		})
	}
}

// ==============================================================================
// Lifecycle Tests
// ==============================================================================

func TestRequestSync_StaleConfigurationConfiguresFirst(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := newTestAccount(t, eng, nil)
	recorder := account.NewStateRecorder()
	acct.SetRecorder(recorder)

	h, err := acct.RequestSync(context.Background(), "calendar")
	require.NoError(t, err)
	assert.Equal(t, "configuring", acct.StateName())

	cfg, ok := eng.LastCall("configure")
	require.True(t, ok)
	assert.Equal(t, h, cfg.Handle)
	assert.Equal(t, []string{"contacts", "calendar"}, cfg.Services)
	assert.Empty(t, eng.CallsOf("sync"))

	events, err := acct.HandleConfigured(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "idle", acct.StateName())
	assert.False(t, acct.Stale())

	syncCall, ok := eng.LastCall("sync")
	require.True(t, ok)
	assert.Equal(t, engine.ModeFull, syncCall.Mode)
	assert.Equal(t, []string{"calendar"}, syncCall.Services)

	events = acct.HandleStatus(engine.StatusRunning)
	require.Len(t, events, 1)
	assert.Equal(t, account.EventStarted, events[0].Type)
	assert.True(t, events[0].FirstSync)

	events = acct.HandleDone(status.CodeOK)
	require.Len(t, events, 1)
	fin := events[0]
	assert.Equal(t, account.EventFinished, fin.Type)
	assert.Equal(t, "calendar", fin.Service)
	assert.True(t, fin.FirstSync)
	assert.Equal(t, engine.ModeFull, fin.Mode)
	assert.Equal(t, status.ClassOK, fin.Class)

	assert.Equal(t, []string{"configuring", "idle", "syncing", "idle"}, recorder.Path())
	assert.Equal(t, 0, eng.OpenSessions(), "session must be closed after done")
}

func TestRequestSync_SecondSyncIsIncremental(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := configured(t, eng, nil)

	_, err := acct.RequestSync(context.Background(), "contacts")
	require.NoError(t, err)

	call, ok := eng.LastCall("sync")
	require.True(t, ok)
	assert.Equal(t, engine.ModeIncremental, call.Mode)
	assert.Empty(t, eng.CallsOf("configure"))
	assert.Equal(t, "idle", acct.StateName(), "waits for running report")
}

func TestHandleStatus_RunningTwiceIsNoop(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := configured(t, eng, nil)

	_, err := acct.RequestSync(context.Background(), "calendar")
	require.NoError(t, err)

	require.Len(t, acct.HandleStatus(engine.StatusRunning), 1)
	assert.Empty(t, acct.HandleStatus(engine.StatusRunning))
	assert.Empty(t, acct.HandleStatus(engine.StatusRunningWaiting))
	assert.Empty(t, acct.HandleStatus("exploded"))
	assert.Equal(t, "syncing", acct.StateName())
}

func TestHandleDone_WithoutRunningEmitsStartedFirst(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := configured(t, eng, nil)

	_, err := acct.RequestSync(context.Background(), "calendar")
	require.NoError(t, err)

	events := acct.HandleDone(status.CodeForbidden)
	require.Len(t, events, 2)
	assert.Equal(t, account.EventStarted, events[0].Type)
	assert.Equal(t, account.EventFinished, events[1].Type)
	assert.Equal(t, status.ClassRetryable, events[1].Class)

	rec, ok := acct.Record("calendar")
	require.True(t, ok)
	assert.Equal(t, status.CodeForbidden, rec.Code)
	assert.Equal(t, engine.ModeFull, rec.Mode)
}

func TestHandleDone_WhileConfiguringClosesJob(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := newTestAccount(t, eng, nil)
	recorder := account.NewStateRecorder()
	acct.SetRecorder(recorder)

	_, err := acct.RequestSync(context.Background(), "contacts")
	require.NoError(t, err)
	require.Equal(t, "configuring", acct.StateName())

	events := acct.HandleDone(status.CodeNotFound)
	require.Len(t, events, 2)
	assert.Equal(t, account.EventStarted, events[0].Type)
	assert.Equal(t, account.EventFinished, events[1].Type)
	assert.Equal(t, status.ClassTerminal, events[1].Class)
	assert.Equal(t, engine.ModeFull, events[1].Mode)

	assert.Equal(t, "idle", acct.StateName())
	assert.True(t, acct.Stale(), "configuration was never confirmed")
	assert.Equal(t, 0, eng.OpenSessions())
	assert.Equal(t, []string{"configuring", "idle"}, recorder.Path())

	// A late configured report for the closed session is ignored
	events, err = acct.HandleConfigured(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, eng.CallsOf("sync"))
}

func TestRequestSync_SetupFailureStaysIdle(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := newTestAccount(t, eng, nil)
	eng.SetOpenError(errors.New("dbus unavailable"))

	_, err := acct.RequestSync(context.Background(), "contacts")
	assert.ErrorIs(t, err, account.ErrSetupFailed)
	assert.Equal(t, "idle", acct.StateName())

	rec, ok := acct.Record("contacts")
	require.True(t, ok)
	assert.Equal(t, status.CodeLocalSetupFailed, rec.Code)
}

func TestRequestSync_SyncStartFailureClosesSession(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := configured(t, eng, nil)
	eng.SetSyncError(errors.New("spawn failed"))

	_, err := acct.RequestSync(context.Background(), "contacts")
	assert.ErrorIs(t, err, account.ErrSetupFailed)
	assert.Equal(t, 0, eng.OpenSessions())

	_, pending := acct.Handle()
	assert.False(t, pending)
}

func TestRequestSync_RejectsDisabledOrUnknownService(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := newTestAccount(t, eng, nil)

	_, err := acct.RequestSync(context.Background(), "tasks")
	assert.ErrorIs(t, err, account.ErrNoService)

	_, err = acct.RequestSync(context.Background(), "memos")
	assert.ErrorIs(t, err, account.ErrNoService)
}

func TestRequestSync_NotIdle(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := configured(t, eng, nil)

	_, err := acct.RequestSync(context.Background(), "contacts")
	require.NoError(t, err)

	_, err = acct.RequestSync(context.Background(), "calendar")
	assert.ErrorIs(t, err, account.ErrNotIdle)
}

func TestHandleConfigured_FailureInvalidates(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := newTestAccount(t, eng, nil)

	_, err := acct.RequestSync(context.Background(), "contacts")
	require.NoError(t, err)

	events, err := acct.HandleConfigured(context.Background(), errors.New("bad url"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, account.EventConfigureError, events[0].Type)
	assert.ErrorIs(t, events[0].Err, account.ErrConfigure)
	assert.Equal(t, "invalid", acct.StateName())

	_, err = acct.RequestSync(context.Background(), "contacts")
	assert.ErrorIs(t, err, account.ErrInvalid)

	acct.Reconfigure()
	assert.Equal(t, "idle", acct.StateName())
	assert.True(t, acct.Stale())
}

func TestAbort_ReturnsToIdleAndCancelsSession(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := configured(t, eng, nil)

	h, err := acct.RequestSync(context.Background(), "contacts")
	require.NoError(t, err)
	acct.HandleStatus(engine.StatusRunning)

	acct.Abort()
	assert.Equal(t, "idle", acct.StateName())

	cancel, ok := eng.LastCall("cancel")
	require.True(t, ok)
	assert.Equal(t, h, cancel.Handle)
	assert.Equal(t, 0, eng.OpenSessions())

	// A late done for the aborted session is ignored
	assert.Empty(t, acct.HandleDone(status.CodeOK))
}

func TestHandleLost_IsTerminal(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := configured(t, eng, nil)

	_, err := acct.RequestSync(context.Background(), "contacts")
	require.NoError(t, err)
	acct.HandleStatus(engine.StatusRunning)

	events := acct.HandleLost(engine.ErrConnectionLost)
	require.Len(t, events, 1)
	assert.Equal(t, account.EventFinished, events[0].Type)
	assert.Equal(t, status.ClassTerminal, events[0].Class)
	assert.Equal(t, status.CodeConnectionLost, events[0].Code)
	assert.Equal(t, "idle", acct.StateName())
}

func TestSetServices_ChangeMarksStale(t *testing.T) {
	eng := testutil.NewFakeEngine()
	acct := configured(t, eng, nil)

	acct.SetServices([]account.Service{
		{Name: "contacts", Enabled: true},
		{Name: "calendar", Enabled: true},
		{Name: "tasks", Enabled: false},
	})
	assert.False(t, acct.Stale(), "identical list keeps configuration")

	acct.SetServices([]account.Service{{Name: "contacts", Enabled: true}})
	assert.True(t, acct.Stale())
	assert.Equal(t, []string{"contacts"}, acct.AvailableServices())
}

// ==============================================================================
// Record Store Tests
// ==============================================================================

func TestRecords_LoadedAndPersisted(t *testing.T) {
	eng := testutil.NewFakeEngine()
	store := testutil.NewMemoryRecordStore()
	store.Put("acct1", account.AttemptRecord{Service: "calendar", Mode: engine.ModeIncremental, Code: 0})

	acct := newTestAccount(t, eng, store)
	assert.Equal(t, engine.ModeIncremental, acct.NextMode("calendar"))
	assert.Equal(t, engine.ModeFull, acct.NextMode("contacts"))

	_, err := acct.RequestSync(context.Background(), "contacts")
	require.NoError(t, err)
	_, err = acct.HandleConfigured(context.Background(), nil)
	require.NoError(t, err)
	acct.HandleDone(status.CodeRefreshRequired)

	rec, ok := store.Get("acct1", "contacts")
	require.True(t, ok)
	assert.Equal(t, status.CodeRefreshRequired, rec.Code)
	assert.Equal(t, engine.ModeFull, acct.NextMode("contacts"))

	require.NoError(t, acct.ForgetRecords())
	_, ok = store.Get("acct1", "calendar")
	assert.False(t, ok)
}

func TestNew_LoadFailure(t *testing.T) {
	store := testutil.NewMemoryRecordStore()
	store.SetLoadError(errors.New("disk gone"))

	_, err := account.New("acct1", account.Options{Engine: testutil.NewFakeEngine(), Store: store})
	assert.Error(t, err)
}
