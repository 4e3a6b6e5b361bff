// ABOUTME: Tests for the metrics ingestion pipeline and latest-value cache
// ABOUTME: Covers stage ordering, non-fatal failures, panics and log pushes

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opsbridge/internal/alerts"
	"github.com/2389/opsbridge/internal/hub"
	"github.com/2389/opsbridge/internal/store"
)

type captureSub struct {
	id string

	mu       sync.Mutex
	received [][]byte
}

func (s *captureSub) ID() string { return s.id }

func (s *captureSub) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, payload)
	return nil
}

func (s *captureSub) pushes(t *testing.T) []hub.Push {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hub.Push, 0, len(s.received))
	for _, raw := range s.received {
		var p hub.Push
		require.NoError(t, json.Unmarshal(raw, &p))
		out = append(out, p)
	}
	return out
}

type panickingEvaluator struct{}

func (panickingEvaluator) Evaluate(context.Context, string, alerts.Reading) (alerts.Result, error) {
	panic("threshold table corrupt")
}

type fixture struct {
	store      *store.MockStore
	pipeline   *Pipeline
	metricsHub *hub.Hub
	logsHub    *hub.Hub
}

func newFixture(t *testing.T, evaluator Evaluator) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMockStore()
	require.NoError(t, s.CreateServer(t.Context(), &store.Server{ID: "srv-1", Name: "web", OwnerID: "user-1"}))

	if evaluator == nil {
		evaluator = alerts.NewEvaluator(s, logger)
	}
	f := &fixture{
		store:      s,
		metricsHub: hub.New("metrics", logger),
		logsHub:    hub.New("logs", logger),
	}
	f.pipeline = NewPipeline(Deps{
		Metrics:    s,
		Servers:    s,
		Logs:       s,
		Evaluator:  evaluator,
		MetricsHub: f.metricsHub,
		LogsHub:    f.logsHub,
	}, logger)
	f.pipeline.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func TestHandleMetrics_FullPipeline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	require.NoError(t, f.store.CreateThreshold(ctx, &store.AlertThreshold{
		ServerID: "srv-1", MetricType: store.MetricCPU, Comparison: store.ComparisonGT, ThresholdValue: 80, Enabled: true,
	}))
	sub := &captureSub{id: "dash-1"}
	f.metricsHub.Subscribe(sub, "srv-1")

	raw := json.RawMessage(`{
		"timestamp": "2026-05-01T11:59:00Z",
		"cpu": {"usage_percent": 91.5, "cores": 4},
		"memory": {"usage_percent": 40},
		"disk": {"usage_percent": 70},
		"network": {"bytes_sent": 100, "bytes_recv": 200},
		"containers": [{"id": "abc123", "name": "web", "state": "running"}]
	}`)

	ack, err := f.pipeline.HandleMetrics(ctx, "srv-1", raw)
	require.NoError(t, err)
	assert.Equal(t, MetricsAck, ack)

	snap, ok := f.pipeline.Cache().Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 1, 11, 59, 0, 0, time.UTC), snap.Timestamp)

	recs, err := f.store.ListMetrics(ctx, "srv-1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 91.5, recs[0].CPUPercent)
	assert.Equal(t, uint64(200), recs[0].BytesRecv)

	srv, err := f.store.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, store.ServerStatusOnline, srv.Status)

	open, err := f.store.ListOpenAlerts(ctx, "srv-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, store.MetricCPU, open[0].Type)

	pushes := sub.pushes(t)
	require.Len(t, pushes, 1)
	assert.Equal(t, hub.PushMetrics, pushes[0].Type)

	containers, ok := f.pipeline.Cache().Containers("srv-1")
	require.True(t, ok)
	require.Len(t, containers, 1)
	assert.Equal(t, "abc123", containers[0].ID)
}

func TestHandleMetrics_CacheHoldsLatest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	_, err := f.pipeline.HandleMetrics(ctx, "srv-1", json.RawMessage(`{"cpu":{"usage_percent":10}}`))
	require.NoError(t, err)
	_, err = f.pipeline.HandleMetrics(ctx, "srv-1", json.RawMessage(`{"cpu":{"usage_percent":20}}`))
	require.NoError(t, err)

	snap, ok := f.pipeline.Cache().Get("srv-1")
	require.True(t, ok)
	v, ok := snap.MetricValue(store.MetricCPU)
	require.True(t, ok)
	assert.Equal(t, 20.0, v)
}

func TestHandleMetrics_BadTimestampUsesNow(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.pipeline.HandleMetrics(t.Context(), "srv-1", json.RawMessage(`{"timestamp":"yesterday-ish"}`))
	require.NoError(t, err)

	snap, ok := f.pipeline.Cache().Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), snap.Timestamp)
}

func TestHandleMetrics_PersistenceFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, nil)
	f.store.SaveMetricErr = errors.New("disk full")
	sub := &captureSub{id: "dash-1"}
	f.metricsHub.Subscribe(sub, "srv-1")

	ack, err := f.pipeline.HandleMetrics(t.Context(), "srv-1", json.RawMessage(`{"cpu":{"usage_percent":50}}`))
	require.Error(t, err)
	assert.Equal(t, MetricsAck, ack)
	assert.False(t, IsFatal(err))

	stages := StageErrors(err)
	require.Len(t, stages, 1)
	assert.Equal(t, StagePersistence, stages[0].Stage)

	_, ok := f.pipeline.Cache().Get("srv-1")
	assert.True(t, ok)
	assert.Len(t, sub.pushes(t), 1)
}

func TestHandleMetrics_EvaluatorPanicIsContained(t *testing.T) {
	f := newFixture(t, panickingEvaluator{})
	sub := &captureSub{id: "dash-1"}
	f.metricsHub.Subscribe(sub, "srv-1")

	ack, err := f.pipeline.HandleMetrics(t.Context(), "srv-1", json.RawMessage(`{"cpu":{"usage_percent":50}}`))
	require.Error(t, err)
	assert.Equal(t, MetricsAck, ack)

	stages := StageErrors(err)
	require.Len(t, stages, 1)
	assert.Equal(t, StageEvaluation, stages[0].Stage)
	assert.Contains(t, stages[0].Error(), "threshold table corrupt")
	assert.Len(t, sub.pushes(t), 1)
}

func TestHandleMetrics_MalformedData(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"array", `[1,2,3]`},
		{"string", `"cpu"`},
		{"wrong section type", `{"cpu": "high"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)

			ack, err := f.pipeline.HandleMetrics(t.Context(), "srv-1", json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.True(t, IsFatal(err))
			assert.Equal(t, Ack{}, ack)

			_, ok := f.pipeline.Cache().Get("srv-1")
			assert.False(t, ok, "malformed frames never reach the cache")
		})
	}
}

func TestHandleMetrics_EmptyData(t *testing.T) {
	f := newFixture(t, nil)

	ack, err := f.pipeline.HandleMetrics(t.Context(), "srv-1", nil)
	require.NoError(t, err)
	assert.Equal(t, MetricsAck, ack)

	snap, ok := f.pipeline.Cache().Get("srv-1")
	require.True(t, ok)
	_, ok = snap.MetricValue(store.MetricCPU)
	assert.False(t, ok)
	assert.NotNil(t, snap.Containers)
}

func TestPublishLog(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()
	sub := &captureSub{id: "dash-1"}
	f.logsHub.Subscribe(sub, "srv-1")

	entry := &store.LogEntry{
		ServerID: "srv-1", Level: store.LogLevelInfo, Source: store.LogSourceApplication,
		Component: "docker", Message: "Container abc123 started by user-1",
	}
	require.NoError(t, f.pipeline.PublishLog(ctx, entry))

	logs, err := f.store.ListLogEntries(ctx, "srv-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	pushes := sub.pushes(t)
	require.Len(t, pushes, 1)
	assert.Equal(t, hub.PushLog, pushes[0].Type)
}

func TestPublishLog_PushesWhenPersistenceFails(t *testing.T) {
	f := newFixture(t, nil)
	f.store.AppendLogEntryErr = errors.New("locked")
	sub := &captureSub{id: "dash-1"}
	f.logsHub.Subscribe(sub, "srv-1")

	err := f.pipeline.PublishLog(t.Context(), &store.LogEntry{ServerID: "srv-1", Message: "hello"})
	require.Error(t, err)
	assert.Len(t, sub.pushes(t), 1)
}

func TestCache_Unknown(t *testing.T) {
	c := NewCache()
	_, ok := c.Get("nope")
	assert.False(t, ok)
	_, ok = c.Containers("nope")
	assert.False(t, ok)

	c.Put(&Snapshot{ServerID: "srv-1"})
	_, ok = c.Get("srv-2")
	assert.False(t, ok)
}
