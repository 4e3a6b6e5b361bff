// ABOUTME: Tests for the agent socket lifecycle over a real websocket
// ABOUTME: Covers authentication, metrics ingestion, heartbeats, supersede and teardown

package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opsbridge/internal/auth"
	"github.com/2389/opsbridge/internal/config"
	"github.com/2389/opsbridge/internal/store"
)

const testSnapshot = `{
	"timestamp": "2026-05-01T10:00:00Z",
	"cpu": {"usage_percent": 91.5, "cores": 4},
	"memory": {"total_gb": 16, "used_gb": 8, "usage_percent": 50},
	"disk": {"total_gb": 100, "used_gb": 40, "usage_percent": 40},
	"network": {"bytes_sent": 10, "bytes_recv": 20},
	"containers": [{"id": "abcdef0123456789", "name": "web", "image": "nginx", "status": "Up", "state": "running"}]
}`

func sendMetrics(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"type": "metrics", "data": json.RawMessage(testSnapshot)})
}

func TestAgentAuthRejected(t *testing.T) {
	tests := []struct {
		name   string
		first  any
		reason string
	}{
		{"wrong frame type", map[string]any{"type": "metrics"}, reasonAgentAuthRequired},
		{"missing key", map[string]any{"type": "auth"}, reasonAgentAuthRequired},
		{"not json", "hello", reasonAgentAuthRequired},
		{"unknown key", map[string]any{"type": "auth", "api_key": "definitely-not-a-valid-key-xxxxxxxxxxxxxxx"}, reasonInvalidAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			conn := env.dial(t, "/api/v1/agents/ws")
			if s, ok := tt.first.(string); ok {
				require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(s)))
			} else {
				writeJSON(t, conn, tt.first)
			}

			ce := readClose(t, conn)
			assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
			assert.Equal(t, tt.reason, ce.Text)

			assert.Equal(t, 0, env.gw.registry.Count())
			assert.Empty(t, eventsOfType(t, env.store, testServerID, store.EventConnected))
			assert.Empty(t, eventsOfType(t, env.store, testServerID, store.EventAuthenticationFailed),
				"unattributable failures leave no server event")
		})
	}
}

func TestAgentAuthTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Agents.AuthTimeout = 100 * time.Millisecond })
	conn := env.dial(t, "/api/v1/agents/ws")

	ce := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, reasonAuthTimeout, ce.Text)
}

func TestAgentInactiveKeyIsAttributed(t *testing.T) {
	env := newTestEnv(t)
	plain, prefix, hash, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	require.NoError(t, env.store.CreateAPIKey(context.Background(), &store.APIKey{
		ServerID: testServerID, Prefix: prefix, KeyHash: hash, IsActive: false,
	}))

	conn := env.dial(t, "/api/v1/agents/ws")
	writeJSON(t, conn, map[string]any{"type": "auth", "api_key": plain})

	ce := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, reasonInvalidAPIKey, ce.Text)

	require.Eventually(t, func() bool {
		return len(eventsOfType(t, env.store, testServerID, store.EventAuthenticationFailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	action := store.AuditAgentAuthFailed
	entries, err := env.store.ListAuditLog(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, testServerID, entries[0].ServerID)
	assert.NotEqual(t, store.ServerStatusOnline, serverStatus(t, env.store, testServerID))
}

func TestAgentConnectMarksOnline(t *testing.T) {
	env := newTestEnv(t)
	env.connectAgent(t)

	assert.Equal(t, 1, env.gw.registry.Count())
	assert.Equal(t, store.ServerStatusOnline, serverStatus(t, env.store, testServerID))

	connected := eventsOfType(t, env.store, testServerID, store.EventConnected)
	require.Len(t, connected, 1)
	assert.Equal(t, "127.0.0.1", connected[0].IPAddress)
	assert.Contains(t, connected[0].UserAgent, "Go-http-client")
}

func TestAgentMetricsAckedAndIngested(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.CreateThreshold(context.Background(), &store.AlertThreshold{
		ServerID: testServerID, MetricType: store.MetricCPU, Comparison: store.ComparisonGT, ThresholdValue: 80, Enabled: true,
	}))
	conn := env.connectAgent(t)

	sendMetrics(t, conn)
	ack := readJSON(t, conn)
	assert.Equal(t, "metrics_received", ack["type"])
	assert.Equal(t, "ok", ack["status"])

	snap, ok := env.gw.pipeline.Cache().Get(testServerID)
	require.True(t, ok)
	require.NotNil(t, snap.CPU.UsagePercent)
	assert.Equal(t, 91.5, *snap.CPU.UsagePercent)

	recs, err := env.store.ListMetrics(context.Background(), testServerID, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// A second identical sample keeps the single open alert.
	sendMetrics(t, conn)
	readJSON(t, conn)
	open, err := env.store.ListOpenAlerts(context.Background(), testServerID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, store.MetricCPU, open[0].Type)
}

func TestAgentStoreFailureStillAcks(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectAgent(t)
	env.store.Inject(func(m *store.MockStore) { m.SaveMetricErr = assert.AnError })

	sendMetrics(t, conn)
	ack := readJSON(t, conn)
	assert.Equal(t, "metrics_received", ack["type"])

	// The connection survives and keeps answering.
	writeJSON(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", readJSON(t, conn)["type"])
}

func TestAgentPingPong(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectAgent(t)

	writeJSON(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", readJSON(t, conn)["type"])
}

func TestAgentUnknownFrameIgnored(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectAgent(t)

	writeJSON(t, conn, map[string]any{"type": "hello"})
	writeJSON(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", readJSON(t, conn)["type"])
}

func TestAgentMalformedFrameClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectAgent(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ce := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, reasonMalformedFrame, ce.Text)

	require.Eventually(t, func() bool {
		return serverStatus(t, env.store, testServerID) == store.ServerStatusOffline
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, eventsOfType(t, env.store, testServerID, store.EventError), 1)
}

func TestAgentDisconnectMarksOffline(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectAgent(t)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		return len(eventsOfType(t, env.store, testServerID, store.EventDisconnected)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, env.gw.registry.Count())
	assert.Equal(t, store.ServerStatusOffline, serverStatus(t, env.store, testServerID))
	ev := eventsOfType(t, env.store, testServerID, store.EventDisconnected)[0]
	require.NotNil(t, ev.DurationSeconds)
	assert.GreaterOrEqual(t, *ev.DurationSeconds, 0.0)
	assert.Empty(t, ev.Detail)
}

func TestAgentAbruptDropRecordsError(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectAgent(t)

	// No close frame: the TCP connection just goes away.
	require.NoError(t, conn.UnderlyingConn().Close())

	require.Eventually(t, func() bool {
		return len(eventsOfType(t, env.store, testServerID, store.EventError)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, eventsOfType(t, env.store, testServerID, store.EventDisconnected))
	assert.Equal(t, store.ServerStatusOffline, serverStatus(t, env.store, testServerID))
	assert.Equal(t, 0, env.gw.registry.Count())
	ev := eventsOfType(t, env.store, testServerID, store.EventError)[0]
	assert.NotEmpty(t, ev.Detail)
	require.NotNil(t, ev.DurationSeconds)
}

// gatedOfflineStore holds the first MarkServerOffline call until released.
type gatedOfflineStore struct {
	*store.MockStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedOfflineStore) MarkServerOffline(ctx context.Context, id string) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.MockStore.MarkServerOffline(ctx, id)
}

func TestAgentReconnectDuringTeardownStaysOnline(t *testing.T) {
	gated := &gatedOfflineStore{entered: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnvWithStore(t, func(m *store.MockStore) store.Store {
		gated.MockStore = m
		return gated
	})
	released := false
	defer func() {
		if !released {
			close(gated.release)
		}
	}()

	first := env.connectAgent(t)
	require.NoError(t, first.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))

	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown never wrote the offline status")
	}

	// Reconnect while the old session is still writing its offline status.
	second := env.dial(t, "/api/v1/agents/ws")
	writeJSON(t, second, map[string]any{"type": "auth", "api_key": env.apiKey})
	time.Sleep(50 * time.Millisecond)
	close(gated.release)
	released = true

	msg := readJSON(t, second)
	require.Equal(t, "auth_success", msg["type"])
	assert.Equal(t, store.ServerStatusOnline, serverStatus(t, env.store, testServerID))
	assert.Equal(t, 1, env.gw.registry.Count())
}

func TestAgentReconnectSupersedes(t *testing.T) {
	env := newTestEnv(t)
	first := env.connectAgent(t)
	second := env.connectAgent(t)

	ce := readClose(t, first)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, reasonSuperseded, ce.Text)

	require.Eventually(t, func() bool {
		return len(eventsOfType(t, env.store, testServerID, store.EventDisconnected)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ev := eventsOfType(t, env.store, testServerID, store.EventDisconnected)[0]
	assert.Equal(t, "superseded", ev.Detail)
	assert.Equal(t, store.ServerStatusOnline, serverStatus(t, env.store, testServerID),
		"the superseded connection must not mark the server offline")
	assert.Equal(t, 1, env.gw.registry.Count())

	// The new connection is the live one.
	writeJSON(t, second, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", readJSON(t, second)["type"])
}

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state sessionState
		want  string
	}{
		{stateConnecting, "connecting"},
		{stateAuthenticating, "authenticating"},
		{stateOnline, "online"},
		{stateOffline, "offline"},
		{stateError, "error"},
		{sessionState(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}
