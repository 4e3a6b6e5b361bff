// ABOUTME: Tests for the REST API backed by a scripted agent on a real websocket
// ABOUTME: Covers command dispatch outcomes, container actions, history reads and ownership

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opsbridge/internal/auth"
	"github.com/2389/opsbridge/internal/store"
)

// replyFunc builds the agent's answer to a command. Returning nil leaves the
// command unanswered.
type replyFunc func(cmd map[string]any) map[string]any

// fakeAgent connects an authenticated agent that answers every command with
// reply. Commands it receives are forwarded on the returned channel. The
// goroutine is the only writer on the socket.
func (e *testEnv) fakeAgent(t *testing.T, reply replyFunc) <-chan map[string]any {
	t.Helper()
	conn := e.connectAgent(t)
	require.NoError(t, conn.SetReadDeadline(time.Time{}))

	commands := make(chan map[string]any, 16)
	go func() {
		defer close(commands)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd map[string]any
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			select {
			case commands <- cmd:
			default:
			}
			resp := reply(cmd)
			if resp == nil {
				continue
			}
			resp["request_id"] = cmd["request_id"]
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if conn.WriteJSON(resp) != nil {
				return
			}
		}
	}()
	return commands
}

func commandResult(output string, exitCode int) replyFunc {
	return func(map[string]any) map[string]any {
		return map[string]any{
			"type": "command_result",
			"data": map[string]any{"output": output, "exit_code": exitCode},
		}
	}
}

func auditEntries(t *testing.T, s *store.MockStore, action store.AuditAction) []store.AuditEntry {
	t.Helper()
	entries, err := s.ListAuditLog(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	return entries
}

func commandHistory(t *testing.T, s *store.MockStore) []*store.CommandHistory {
	t.Helper()
	history, err := s.ListCommandHistory(context.Background(), testServerID, 0)
	require.NoError(t, err)
	return history
}

func TestExecuteCommandSuccess(t *testing.T) {
	env := newTestEnv(t)
	commands := env.fakeAgent(t, commandResult("up 3 days", 0))

	code, body := env.request(t, http.MethodPost, "/api/v1/commands/"+testServerID, `{"command":"uptime"}`)
	require.Equal(t, http.StatusOK, code, string(body))
	resp := decodeJSON[executeResponse](t, body)
	assert.True(t, resp.Success)
	assert.Equal(t, "up 3 days", resp.Output)
	require.NotNil(t, resp.ExitCode)
	assert.Equal(t, 0, *resp.ExitCode)

	cmd := <-commands
	assert.Equal(t, "execute_command", cmd["type"])
	assert.Equal(t, "uptime", cmd["command"])
	assert.NotEmpty(t, cmd["request_id"])

	history := commandHistory(t, env.store)
	require.Len(t, history, 1)
	assert.Equal(t, store.CommandStatusCompleted, history[0].Status)
	assert.Equal(t, "up 3 days", history[0].Stdout)
	assert.Equal(t, testOwner, history[0].UserID)
	assert.NotNil(t, history[0].CompletedAt)

	entries := auditEntries(t, env.store, store.AuditCommandExecuted)
	require.Len(t, entries, 1)
	assert.Equal(t, testOwner, entries[0].ActorPrincipalID)
	assert.Equal(t, history[0].ID, entries[0].TargetID)
	assert.True(t, entries[0].Success)
}

func TestExecuteCommandNonZeroExit(t *testing.T) {
	env := newTestEnv(t)
	env.fakeAgent(t, commandResult("no such file", 2))

	code, body := env.request(t, http.MethodPost, "/api/v1/commands/"+testServerID, `{"command":"cat /nope"}`)
	require.Equal(t, http.StatusOK, code)
	resp := decodeJSON[executeResponse](t, body)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.ExitCode)
	assert.Equal(t, 2, *resp.ExitCode)

	history := commandHistory(t, env.store)
	require.Len(t, history, 1)
	assert.Equal(t, store.CommandStatusFailed, history[0].Status)
	assert.Equal(t, "no such file", history[0].Stderr)
	assert.Empty(t, history[0].Stdout)
	assert.False(t, auditEntries(t, env.store, store.AuditCommandExecuted)[0].Success)
}

func TestExecuteCommandFailures(t *testing.T) {
	tests := []struct {
		name       string
		reply      replyFunc
		connect    bool
		wantCode   int
		wantError  string
		wantStatus string
	}{
		{
			name:       "agent offline",
			wantCode:   http.StatusServiceUnavailable,
			wantError:  "Agent not connected. Please ensure the agent is running and connected.",
			wantStatus: store.CommandStatusFailed,
		},
		{
			name:       "agent silent",
			connect:    true,
			reply:      func(map[string]any) map[string]any { return nil },
			wantCode:   http.StatusGatewayTimeout,
			wantError:  "Agent did not respond in time",
			wantStatus: store.CommandStatusTimeout,
		},
		{
			name:    "agent error frame",
			connect: true,
			reply: func(map[string]any) map[string]any {
				return map[string]any{"type": "error", "message": "permission denied"}
			},
			wantCode:   http.StatusInternalServerError,
			wantError:  "permission denied",
			wantStatus: store.CommandStatusFailed,
		},
		{
			name:    "unexpected response",
			connect: true,
			reply: func(map[string]any) map[string]any {
				return map[string]any{"type": "container_started"}
			},
			wantCode:   http.StatusInternalServerError,
			wantError:  "Unexpected response from agent",
			wantStatus: store.CommandStatusFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.connect {
				env.fakeAgent(t, tt.reply)
			}

			code, body := env.request(t, http.MethodPost, "/api/v1/commands/"+testServerID, `{"command":"uptime"}`)
			assert.Equal(t, tt.wantCode, code)
			resp := decodeJSON[executeResponse](t, body)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantError, resp.Error)

			history := commandHistory(t, env.store)
			require.Len(t, history, 1)
			assert.Equal(t, tt.wantStatus, history[0].Status)
			assert.Equal(t, tt.wantError, history[0].ErrorMessage)
			assert.Len(t, auditEntries(t, env.store, store.AuditCommandExecuted), 1)
		})
	}
}

func TestExecuteCommandRequestChecks(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.requestAs(t, "", http.MethodPost, "/api/v1/commands/"+testServerID, `{"command":"uptime"}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := env.request(t, http.MethodPost, "/api/v1/commands/"+testServerID, `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `{"error":"command is required"}`, string(body))

	code, body = env.request(t, http.MethodPost, "/api/v1/commands/srv-2", `{"command":"uptime"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"error":"Server not found"}`, string(body))

	assert.Empty(t, commandHistory(t, env.store))
}

func TestContainerAction(t *testing.T) {
	env := newTestEnv(t)
	logs := env.connectDashboard(t, "/ws/logs/"+testServerID)
	require.Eventually(t, func() bool { return env.gw.logsHub.Len(testServerID) == 1 },
		2*time.Second, 10*time.Millisecond)

	commands := env.fakeAgent(t, func(cmd map[string]any) map[string]any {
		return map[string]any{"type": "container_started"}
	})

	code, body := env.request(t, http.MethodPost,
		"/api/v1/docker/"+testServerID+"/containers/abcdef0123456789/start", "")
	require.Equal(t, http.StatusOK, code, string(body))
	assert.JSONEq(t, `{"status":"success","message":"Container started successfully"}`, string(body))

	cmd := <-commands
	assert.Equal(t, "start_container", cmd["type"])
	assert.Equal(t, "abcdef0123456789", cmd["container_id"])

	push := readJSON(t, logs)
	assert.Equal(t, "log", push["type"])
	data, ok := push["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Container abcdef012345 started by "+testOwner, data["message"])
	assert.Equal(t, "docker", data["component"])

	entries := auditEntries(t, env.store, store.AuditContainerStarted)
	require.Len(t, entries, 1)
	assert.Equal(t, "abcdef0123456789", entries[0].TargetID)
	assert.True(t, entries[0].Success)

	stored, err := env.store.ListLogEntries(context.Background(), testServerID, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestContainerActionFailures(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.request(t, http.MethodPost, "/api/v1/docker/"+testServerID+"/containers/abc/pause", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := env.request(t, http.MethodPost, "/api/v1/docker/"+testServerID+"/containers/abc/stop", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, string(body), "Agent not connected")

	entries := auditEntries(t, env.store, store.AuditContainerStopped)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success, "failed actions are audited too")

	env.fakeAgent(t, func(map[string]any) map[string]any {
		return map[string]any{"type": "container_started"}
	})
	code, _ = env.request(t, http.MethodPost, "/api/v1/docker/"+testServerID+"/containers/abc/restart", "")
	assert.Equal(t, http.StatusInternalServerError, code, "a mismatched response type is rejected")
}

func TestContainerLogs(t *testing.T) {
	env := newTestEnv(t)
	commands := env.fakeAgent(t, func(map[string]any) map[string]any {
		return map[string]any{"type": "container_logs", "data": map[string]any{"logs": []string{"line 1", "line 2"}}}
	})
	path := "/api/v1/docker/" + testServerID + "/containers/abc/logs"

	code, body := env.request(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, []string{"line 1", "line 2"}, decodeJSON[[]string](t, body))
	assert.Equal(t, float64(500), (<-commands)["tail"])

	code, _ = env.request(t, http.MethodGet, path+"?tail=20", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(20), (<-commands)["tail"])

	code, _ = env.request(t, http.MethodGet, path+"?tail=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)

	entries := auditEntries(t, env.store, store.AuditContainerLogs)
	assert.Len(t, entries, 2)
}

func TestListContainersAndLatestMetrics(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.request(t, http.MethodGet, "/api/v1/docker/"+testServerID+"/containers", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))

	code, _ = env.request(t, http.MethodGet, "/api/v1/metrics/"+testServerID+"/latest", "")
	assert.Equal(t, http.StatusNotFound, code)

	conn := env.connectAgent(t)
	sendMetrics(t, conn)
	readJSON(t, conn)

	code, body = env.request(t, http.MethodGet, "/api/v1/docker/"+testServerID+"/containers", "")
	require.Equal(t, http.StatusOK, code)
	containers := decodeJSON[[]map[string]any](t, body)
	require.Len(t, containers, 1)
	assert.Equal(t, "web", containers[0]["name"])

	code, body = env.request(t, http.MethodGet, "/api/v1/metrics/"+testServerID+"/latest", "")
	require.Equal(t, http.StatusOK, code)
	latest := decodeJSON[map[string]any](t, body)
	cpu, ok := latest["cpu"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 91.5, cpu["usage_percent"])

	code, _ = env.request(t, http.MethodGet, "/api/v1/metrics/srv-2/latest", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.CreateThreshold(context.Background(), &store.AlertThreshold{
		ServerID: testServerID, MetricType: store.MetricCPU, Comparison: store.ComparisonGT, ThresholdValue: 80, Enabled: true,
	}))
	conn := env.connectAgent(t)
	sendMetrics(t, conn)
	readJSON(t, conn)

	code, body := env.request(t, http.MethodGet, "/api/v1/metrics/"+testServerID+"/history", "")
	require.Equal(t, http.StatusOK, code)
	points := decodeJSON[[]metricPoint](t, body)
	require.Len(t, points, 1)
	assert.Equal(t, 91.5, points[0].CPUPercent)

	code, body = env.request(t, http.MethodGet, "/api/v1/alerts/"+testServerID, "")
	require.Equal(t, http.StatusOK, code)
	alerts := decodeJSON[[]alertView](t, body)
	require.Len(t, alerts, 1)
	assert.Equal(t, store.MetricCPU, alerts[0].Type)
	assert.False(t, alerts[0].Resolved)

	code, body = env.request(t, http.MethodGet, "/api/v1/servers/"+testServerID+"/events", "")
	require.Equal(t, http.StatusOK, code)
	events := decodeJSON[[]eventView](t, body)
	require.NotEmpty(t, events)
	assert.Equal(t, store.EventConnected, events[0].EventType)

	code, body = env.request(t, http.MethodGet, "/api/v1/logs/"+testServerID, "")
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, decodeJSON[[]map[string]any](t, body))

	code, body = env.request(t, http.MethodGet, "/api/v1/commands/"+testServerID+"/history", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decodeJSON[[]commandView](t, body))

	for _, path := range []string{
		"/api/v1/metrics/srv-2/history",
		"/api/v1/alerts/srv-2",
		"/api/v1/servers/srv-2/events",
		"/api/v1/logs/srv-2",
		"/api/v1/commands/srv-2/history",
	} {
		code, _ := env.request(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, code, path)
	}
}

func TestAuditListIsScopedToCaller(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.AppendAuditLog(ctx, &store.AuditEntry{
		ActorPrincipalID: testOwner, ServerID: testServerID, Action: store.AuditCommandExecuted, Success: true,
	}))
	require.NoError(t, env.store.AppendAuditLog(ctx, &store.AuditEntry{
		ActorPrincipalID: testOwner, ServerID: "srv-3", Action: store.AuditContainerStarted, Success: true,
	}))
	require.NoError(t, env.store.AppendAuditLog(ctx, &store.AuditEntry{
		ActorPrincipalID: "user-2", ServerID: "srv-2", Action: store.AuditCommandExecuted, Success: true,
	}))

	code, body := env.request(t, http.MethodGet, "/api/v1/audit", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeJSON[[]auditView](t, body), 2)

	code, body = env.request(t, http.MethodGet, "/api/v1/audit?server_id="+testServerID, "")
	require.Equal(t, http.StatusOK, code)
	entries := decodeJSON[[]auditView](t, body)
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditCommandExecuted, entries[0].Action)
}

func TestListAgentsFiltersByOwner(t *testing.T) {
	env := newTestEnv(t)
	env.connectAgent(t)

	plain, prefix, hash, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	require.NoError(t, env.store.CreateAPIKey(context.Background(), &store.APIKey{
		ServerID: "srv-2", Name: "other", Prefix: prefix, KeyHash: hash, IsActive: true,
	}))
	other := env.dial(t, "/api/v1/agents/ws")
	writeJSON(t, other, map[string]any{"type": "auth", "api_key": plain})
	require.Equal(t, "srv-2", readJSON(t, other)["server_id"])
	require.Equal(t, 2, env.gw.registry.Count())

	code, body := env.request(t, http.MethodGet, "/api/v1/agents", "")
	require.Equal(t, http.StatusOK, code)
	agents := decodeJSON[[]map[string]any](t, body)
	require.Len(t, agents, 1)
	assert.Equal(t, testServerID, agents[0]["server_id"])
	assert.NotEmpty(t, agents[0]["remote_addr"])
}
