// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers schema creation, server state, alerts dedup, events, commands and audit

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedServer(t *testing.T, s Store, id, owner string) {
	t.Helper()
	require.NoError(t, s.CreateServer(t.Context(), &Server{ID: id, Name: "host-" + id, OwnerID: owner}))
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
	assert.NoError(t, s.Ping(t.Context()))
}

func TestNewSQLiteStore_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	seedServer(t, s, "srv-1", "user-1")
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	srv, err := s.GetServer(t.Context(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "host-srv-1", srv.Name)
}

func TestServerOwnershipAndState(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedServer(t, s, "srv-1", "user-1")

	_, err := s.GetServerForOwner(ctx, "srv-1", "user-2")
	assert.ErrorIs(t, err, ErrNotFound)

	srv, err := s.GetServerForOwner(ctx, "srv-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, ServerStatusUnknown, srv.Status)
	assert.Nil(t, srv.LastSeen)

	seen := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkServerOnline(ctx, "srv-1", seen))
	require.NoError(t, s.MarkServerOffline(ctx, "srv-1"))

	srv, err = s.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, ServerStatusOffline, srv.Status)
	require.NotNil(t, srv.LastSeen)
	assert.True(t, seen.Equal(*srv.LastSeen), "going offline must not touch last_seen")

	assert.ErrorIs(t, s.MarkServerOnline(ctx, "missing", seen), ErrNotFound)
}

func TestAPIKeysByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedServer(t, s, "srv-1", "user-1")

	exp := time.Now().Add(time.Hour).UTC()
	require.NoError(t, s.CreateAPIKey(ctx, &APIKey{
		ID: "key-1", ServerID: "srv-1", Prefix: "abcd1234", KeyHash: "hash-1", IsActive: true, ExpiresAt: &exp,
	}))
	require.NoError(t, s.CreateAPIKey(ctx, &APIKey{
		ID: "key-2", ServerID: "srv-1", Prefix: "zzzz9999", KeyHash: "hash-2",
	}))

	keys, err := s.ListAPIKeysByPrefix(ctx, "abcd1234")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "key-1", keys[0].ID)
	assert.True(t, keys[0].IsActive)
	require.NotNil(t, keys[0].ExpiresAt)

	require.NoError(t, s.TouchAPIKey(ctx, "key-1", time.Now()))
	keys, err = s.ListAPIKeysByPrefix(ctx, "abcd1234")
	require.NoError(t, err)
	assert.NotNil(t, keys[0].LastUsed)
}

func TestAlertsOneOpenPerMetric(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedServer(t, s, "srv-1", "user-1")

	first := &Alert{ServerID: "srv-1", Type: MetricCPU, Severity: SeverityWarning, Message: "cpu high", Threshold: 80, CurrentValue: 85}
	require.NoError(t, s.CreateAlert(ctx, first))

	dup := &Alert{ServerID: "srv-1", Type: MetricCPU, Severity: SeverityCritical, Message: "cpu higher", Threshold: 80, CurrentValue: 130}
	assert.ErrorIs(t, s.CreateAlert(ctx, dup), ErrDuplicateOpenAlert)

	// A different metric on the same server is independent.
	require.NoError(t, s.CreateAlert(ctx, &Alert{ServerID: "srv-1", Type: MetricDisk, Severity: SeverityWarning, Message: "disk"}))

	open, err := s.ListOpenAlerts(ctx, "srv-1")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	changed, err := s.ResolveAlert(ctx, first.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.ResolveAlert(ctx, first.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, changed, "resolving twice is a no-op")

	// Once resolved, a new open alert for the same metric is allowed.
	require.NoError(t, s.CreateAlert(ctx, dup))

	all, err := s.ListAlerts(ctx, "srv-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestThresholdsOnlyEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedServer(t, s, "srv-1", "user-1")

	require.NoError(t, s.CreateThreshold(ctx, &AlertThreshold{ServerID: "srv-1", MetricType: MetricCPU, Comparison: ComparisonGT, ThresholdValue: 80, Enabled: true}))
	require.NoError(t, s.CreateThreshold(ctx, &AlertThreshold{ServerID: "srv-1", MetricType: MetricMemory, Comparison: ComparisonGT, ThresholdValue: 90, Enabled: false}))

	got, err := s.ListThresholds(ctx, "srv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, MetricCPU, got[0].MetricType)
	assert.Equal(t, 80.0, got[0].ThresholdValue)
}

func TestMetricsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedServer(t, s, "srv-1", "user-1")

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveMetric(ctx, &MetricRecord{ServerID: "srv-1", Timestamp: base, CPUPercent: 10}))
	require.NoError(t, s.SaveMetric(ctx, &MetricRecord{ServerID: "srv-1", Timestamp: base.Add(time.Minute), CPUPercent: 20, Payload: []byte(`{"cpu":{}}`)}))

	recs, err := s.ListMetrics(ctx, "srv-1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 20.0, recs[0].CPUPercent)
	assert.JSONEq(t, `{"cpu":{}}`, string(recs[0].Payload))
}

func TestConnectionEventsAndLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedServer(t, s, "srv-1", "user-1")

	dur := 12.5
	require.NoError(t, s.AppendConnectionEvent(ctx, &ConnectionEvent{ServerID: "srv-1", EventType: EventConnected, IPAddress: "10.0.0.1"}))
	require.NoError(t, s.AppendConnectionEvent(ctx, &ConnectionEvent{ServerID: "srv-1", EventType: EventDisconnected, DurationSeconds: &dur}))

	events, err := s.ListConnectionEvents(ctx, "srv-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventDisconnected, events[0].EventType)
	require.NotNil(t, events[0].DurationSeconds)
	assert.Equal(t, 12.5, *events[0].DurationSeconds)
	assert.Equal(t, "10.0.0.1", events[1].IPAddress)

	require.NoError(t, s.AppendLogEntry(ctx, &LogEntry{ServerID: "srv-1", Message: "Container abc started", Component: "docker", Source: LogSourceApplication}))
	logs, err := s.ListLogEntries(ctx, "srv-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, LogLevelInfo, logs[0].Level)
	assert.Equal(t, "docker", logs[0].Component)
}

func TestCommandHistoryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedServer(t, s, "srv-1", "user-1")

	c := &CommandHistory{ServerID: "srv-1", UserID: "user-1", Command: "uptime"}
	require.NoError(t, s.CreateCommandHistory(ctx, c))
	assert.Equal(t, CommandStatusRunning, c.Status)

	code := 0
	c.Status = CommandStatusCompleted
	c.ExitCode = &code
	c.Stdout = "up 3 days"
	require.NoError(t, s.FinishCommandHistory(ctx, c))

	history, err := s.ListCommandHistory(ctx, "srv-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, CommandStatusCompleted, history[0].Status)
	require.NotNil(t, history[0].ExitCode)
	assert.Equal(t, 0, *history[0].ExitCode)
	assert.Equal(t, "up 3 days", history[0].Stdout)
	assert.NotNil(t, history[0].CompletedAt)
	assert.NotNil(t, history[0].DurationMS)

	assert.ErrorIs(t, s.FinishCommandHistory(ctx, &CommandHistory{ID: "missing", Status: CommandStatusFailed}), ErrNotFound)
}

func TestAuditLogFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
		ActorPrincipalID: "user-1", ServerID: "srv-1", Action: AuditContainerStarted,
		TargetType: "container", TargetID: "abc", Success: true, Detail: map[string]any{"name": "web"},
	}))
	require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
		ActorPrincipalID: "user-2", ServerID: "srv-2", Action: AuditCommandExecuted,
		TargetType: "command", TargetID: "cmd-1",
	}))

	server := "srv-1"
	entries, err := s.ListAuditLog(ctx, AuditFilter{ServerID: &server})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditContainerStarted, entries[0].Action)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "web", entries[0].Detail["name"])

	all, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
