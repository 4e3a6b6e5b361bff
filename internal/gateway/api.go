// ABOUTME: REST handlers dispatching commands and container actions to agents
// ABOUTME: Also serves cached snapshots, stored history and the caller's audit trail

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/2389/opsbridge/internal/agent"
	"github.com/2389/opsbridge/internal/auth"
	"github.com/2389/opsbridge/internal/ingest"
	"github.com/2389/opsbridge/internal/store"
)

// executeRequest is the body of POST /api/v1/commands/:server_id.
type executeRequest struct {
	Command string `json:"command" binding:"required"`
}

// executeResponse reports the outcome of a shell command.
type executeResponse struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	ExitCode *int   `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// containerAction describes one container lifecycle verb.
type containerAction struct {
	build    func(containerID string) agent.Command
	expect   string
	audit    store.AuditAction
	pastVerb string
}

var containerActions = map[string]containerAction{
	"start": {
		build:    agent.StartContainer,
		expect:   agent.FrameContainerStarted,
		audit:    store.AuditContainerStarted,
		pastVerb: "started",
	},
	"stop": {
		build:    agent.StopContainer,
		expect:   agent.FrameContainerStopped,
		audit:    store.AuditContainerStopped,
		pastVerb: "stopped",
	},
	"restart": {
		build:    agent.RestartContainer,
		expect:   agent.FrameContainerRestarted,
		audit:    store.AuditContainerRestarted,
		pastVerb: "restarted",
	},
}

// dispatchStatus maps a dispatch failure to an HTTP status and message.
func dispatchStatus(err error) (int, string) {
	var transportErr *agent.TransportError
	var agentErr *agent.AgentError
	switch {
	case errors.Is(err, agent.ErrAgentOffline):
		return http.StatusServiceUnavailable, "Agent not connected. Please ensure the agent is running and connected."
	case errors.Is(err, agent.ErrCommandTimeout):
		return http.StatusGatewayTimeout, "Agent did not respond in time"
	case errors.As(err, &transportErr):
		return http.StatusBadGateway, "Failed to reach agent"
	case errors.As(err, &agentErr):
		return http.StatusInternalServerError, agentErr.Message
	case errors.Is(err, agent.ErrUnexpectedResponse):
		return http.StatusInternalServerError, "Unexpected response from agent"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "Request canceled"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// ownedServer loads the route's server if the caller owns it, writing the
// error response and returning nil otherwise.
func (g *Gateway) ownedServer(c *gin.Context) *store.Server {
	srv, err := g.store.GetServerForOwner(c.Request.Context(), c.Param("server_id"), auth.Principal(c))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Server not found"})
		return nil
	}
	if err != nil {
		g.logger.Error("ownership lookup failed", "server_id", c.Param("server_id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return nil
	}
	return srv
}

// handleExecuteCommand runs a shell command on the agent and records it.
func (g *Gateway) handleExecuteCommand(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}
	srv := g.ownedServer(c)
	if srv == nil {
		return
	}
	ctx := c.Request.Context()
	user := auth.Principal(c)
	logger := g.logger.With("server_id", srv.ID, "principal_id", user)

	hist := &store.CommandHistory{ServerID: srv.ID, UserID: user, Command: req.Command}
	if err := g.store.CreateCommandHistory(ctx, hist); err != nil {
		logger.Warn("failed to record command history", "error", err)
		hist = nil
	}

	resp, status := g.executeCommand(ctx, srv.ID, req.Command, hist)

	// Bookkeeping must outlive a client that hung up.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if hist != nil {
		if err := g.store.FinishCommandHistory(bctx, hist); err != nil {
			logger.Warn("failed to finish command history", "error", err)
		}
	}
	g.appendAudit(bctx, c, &store.AuditEntry{
		ServerID:   srv.ID,
		Action:     store.AuditCommandExecuted,
		TargetType: "command",
		TargetID:   historyID(hist),
		Success:    resp.Success,
		Detail:     map[string]any{"command": req.Command, "exit_code": resp.ExitCode},
	})

	c.JSON(status, resp)
}

// executeCommand dispatches the command and, when hist is non-nil, fills in
// its final state.
func (g *Gateway) executeCommand(ctx context.Context, serverID, command string, hist *store.CommandHistory) (executeResponse, int) {
	finish := func(status string, f func(h *store.CommandHistory)) {
		if hist == nil {
			return
		}
		hist.Status = status
		f(hist)
	}

	frame, err := g.dispatcher.SendCommand(ctx, serverID, agent.ExecuteCommand(command), 0)
	if err == nil {
		err = frame.AppError()
	}
	var res agent.CommandResult
	if err == nil {
		res, err = frame.CommandResult()
	}
	if err != nil {
		status, msg := dispatchStatus(err)
		histStatus := store.CommandStatusFailed
		if errors.Is(err, agent.ErrCommandTimeout) {
			histStatus = store.CommandStatusTimeout
		}
		finish(histStatus, func(h *store.CommandHistory) { h.ErrorMessage = msg })
		return executeResponse{Error: msg}, status
	}

	exitCode := res.ExitCode
	success := exitCode == 0
	if success {
		finish(store.CommandStatusCompleted, func(h *store.CommandHistory) {
			h.ExitCode = &exitCode
			h.Stdout = res.Output
		})
	} else {
		finish(store.CommandStatusFailed, func(h *store.CommandHistory) {
			h.ExitCode = &exitCode
			h.Stderr = res.Output
		})
	}
	return executeResponse{Success: success, Output: res.Output, ExitCode: &exitCode}, http.StatusOK
}

func historyID(h *store.CommandHistory) string {
	if h == nil {
		return ""
	}
	return h.ID
}

// handleContainerAction starts, stops or restarts a container.
func (g *Gateway) handleContainerAction(c *gin.Context) {
	action, ok := containerActions[c.Param("action")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown container action"})
		return
	}
	srv := g.ownedServer(c)
	if srv == nil {
		return
	}
	ctx := c.Request.Context()
	containerID := c.Param("container_id")
	user := auth.Principal(c)

	frame, err := g.dispatcher.SendCommand(ctx, srv.ID, action.build(containerID), 0)
	if err == nil {
		err = frame.AppError()
	}
	if err == nil && frame.Type != action.expect {
		err = fmt.Errorf("%w: expected %s, got %q", agent.ErrUnexpectedResponse, action.expect, frame.Type)
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	g.appendAudit(bctx, c, &store.AuditEntry{
		ServerID:   srv.ID,
		Action:     action.audit,
		TargetType: "container",
		TargetID:   containerID,
		Success:    err == nil,
	})

	if err != nil {
		status, msg := dispatchStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	g.publishLog(bctx, &store.LogEntry{
		ServerID:  srv.ID,
		Level:     store.LogLevelInfo,
		Source:    store.LogSourceApplication,
		Component: "docker",
		Message:   fmt.Sprintf("Container %s %s by %s", shortID(containerID), action.pastVerb, user),
	})

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("Container %s successfully", action.pastVerb),
	})
}

// handleContainerLogs fetches the last lines of a container's log.
func (g *Gateway) handleContainerLogs(c *gin.Context) {
	tail := agent.DefaultLogTail
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tail must be a positive integer"})
			return
		}
		tail = n
	}
	srv := g.ownedServer(c)
	if srv == nil {
		return
	}
	ctx := c.Request.Context()
	containerID := c.Param("container_id")

	frame, err := g.dispatcher.SendCommand(ctx, srv.ID, agent.ContainerLogs(containerID, tail), 0)
	if err == nil {
		err = frame.AppError()
	}
	var lines []string
	if err == nil {
		lines, err = frame.ContainerLogs()
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	g.appendAudit(bctx, c, &store.AuditEntry{
		ServerID:   srv.ID,
		Action:     store.AuditContainerLogs,
		TargetType: "container",
		TargetID:   containerID,
		Success:    err == nil,
		Detail:     map[string]any{"tail": tail},
	})

	if err != nil {
		status, msg := dispatchStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, lines)
}

// handleListContainers returns the containers from the latest snapshot.
func (g *Gateway) handleListContainers(c *gin.Context) {
	srv := g.ownedServer(c)
	if srv == nil {
		return
	}
	containers, ok := g.pipeline.Cache().Containers(srv.ID)
	if !ok {
		containers = []ingest.Container{}
	}
	c.JSON(http.StatusOK, containers)
}

// handleLatestMetrics returns the most recent snapshot held in memory.
func (g *Gateway) handleLatestMetrics(c *gin.Context) {
	srv := g.ownedServer(c)
	if srv == nil {
		return
	}
	snap, ok := g.pipeline.Cache().Get(srv.ID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No metrics available"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

type metricPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	BytesSent     uint64    `json:"bytes_sent"`
	BytesRecv     uint64    `json:"bytes_recv"`
}

// handleMetricsHistory returns persisted samples, newest first.
func (g *Gateway) handleMetricsHistory(c *gin.Context) {
	srv := g.ownedServer(c)
	if srv == nil {
		return
	}
	recs, err := g.store.ListMetrics(c.Request.Context(), srv.ID, queryLimit(c))
	if err != nil {
		g.internalError(c, "listing metrics", err)
		return
	}
	out := make([]metricPoint, 0, len(recs))
	for _, r := range recs {
		out = append(out, metricPoint{
			Timestamp:     r.Timestamp,
			CPUPercent:    r.CPUPercent,
			MemoryPercent: r.MemoryPercent,
			DiskPercent:   r.DiskPercent,
			BytesSent:     r.BytesSent,
			BytesRecv:     r.BytesRecv,
		})
	}
	c.JSON(http.StatusOK, out)
}

type alertView struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Severity     string     `json:"severity"`
	Message      string     `json:"message"`
	Threshold    float64    `json:"threshold"`
	CurrentValue float64    `json:"current_value"`
	Resolved     bool       `json:"resolved"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// handleListAlerts returns a server's alerts, newest first.
func (g *Gateway) handleListAlerts(c *gin.Context) {
	srv := g.ownedServer(c)
	if srv == nil {
		return
	}
	list, err := g.store.ListAlerts(c.Request.Context(), srv.ID, queryLimit(c))
	if err != nil {
		g.internalError(c, "listing alerts", err)
		return
	}
	out := make([]alertView, 0, len(list))
	for _, a := range list {
		out = append(out, alertView{
			ID:           a.ID,
			Type:         a.Type,
			Severity:     a.Severity,
			Message:      a.Message,
			Threshold:    a.Threshold,
			CurrentValue: a.CurrentValue,
			Resolved:     a.Resolved,
			CreatedAt:    a.CreatedAt,
			ResolvedAt:   a.ResolvedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// handleListLogs returns stored log entries for a server.
func (g *Gateway) handleListLogs(c *gin.Context) {
	srv := g.ownedServer(c)
	if srv == nil {
		return
	}
	entries, err := g.store.ListLogEntries(c.Request.Context(), srv.ID, queryLimit(c))
	if err != nil {
		g.internalError(c, "listing logs", err)
		return
	}
	if entries == nil {
		entries = []*store.LogEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

type eventView struct {
	ID              string    `json:"id"`
	EventType       string    `json:"event_type"`
	Timestamp       time.Time `json:"timestamp"`
	Detail          string    `json:"detail,omitempty"`
	IPAddress       string    `json:"ip_address,omitempty"`
	UserAgent       string    `json:"user_agent,omitempty"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
}

// handleListEvents returns a server's connection events, newest first.
func (g *Gateway) handleListEvents(c *gin.Context) {
	srv := g.ownedServer(c)
	if srv == nil {
		return
	}
	events, err := g.store.ListConnectionEvents(c.Request.Context(), srv.ID, queryLimit(c))
	if err != nil {
		g.internalError(c, "listing connection events", err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			ID:              e.ID,
			EventType:       e.EventType,
			Timestamp:       e.Timestamp,
			Detail:          e.Detail,
			IPAddress:       e.IPAddress,
			UserAgent:       e.UserAgent,
			DurationSeconds: e.DurationSeconds,
		})
	}
	c.JSON(http.StatusOK, out)
}

type commandView struct {
	ID           string     `json:"id"`
	Command      string     `json:"command"`
	Status       string     `json:"status"`
	ExitCode     *int       `json:"exit_code"`
	Stdout       string     `json:"stdout,omitempty"`
	Stderr       string     `json:"stderr,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMS   *int64     `json:"duration_ms,omitempty"`
}

// handleCommandHistory returns the commands run on a server, newest first.
func (g *Gateway) handleCommandHistory(c *gin.Context) {
	srv := g.ownedServer(c)
	if srv == nil {
		return
	}
	history, err := g.store.ListCommandHistory(c.Request.Context(), srv.ID, queryLimit(c))
	if err != nil {
		g.internalError(c, "listing command history", err)
		return
	}
	out := make([]commandView, 0, len(history))
	for _, h := range history {
		out = append(out, commandView{
			ID:           h.ID,
			Command:      h.Command,
			Status:       h.Status,
			ExitCode:     h.ExitCode,
			Stdout:       h.Stdout,
			Stderr:       h.Stderr,
			ErrorMessage: h.ErrorMessage,
			StartedAt:    h.StartedAt,
			CompletedAt:  h.CompletedAt,
			DurationMS:   h.DurationMS,
		})
	}
	c.JSON(http.StatusOK, out)
}

type auditView struct {
	ID         string            `json:"id"`
	ServerID   string            `json:"server_id,omitempty"`
	Action     store.AuditAction `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   string            `json:"target_id"`
	Timestamp  time.Time         `json:"timestamp"`
	IPAddress  string            `json:"ip_address,omitempty"`
	Success    bool              `json:"success"`
	Detail     map[string]any    `json:"detail,omitempty"`
}

// handleListAudit returns the caller's own audit trail.
func (g *Gateway) handleListAudit(c *gin.Context) {
	actor := auth.Principal(c)
	filter := store.AuditFilter{ActorPrincipalID: &actor, Limit: queryLimit(c)}
	if serverID := c.Query("server_id"); serverID != "" {
		filter.ServerID = &serverID
	}
	entries, err := g.store.ListAuditLog(c.Request.Context(), filter)
	if err != nil {
		g.internalError(c, "listing audit log", err)
		return
	}
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView{
			ID:         e.ID,
			ServerID:   e.ServerID,
			Action:     e.Action,
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp,
			IPAddress:  e.IPAddress,
			Success:    e.Success,
			Detail:     e.Detail,
		})
	}
	c.JSON(http.StatusOK, out)
}

// handleListAgents returns the connected agents of servers the caller owns.
func (g *Gateway) handleListAgents(c *gin.Context) {
	ctx := c.Request.Context()
	principal := auth.Principal(c)

	out := make([]agent.ConnectionInfo, 0)
	for _, info := range g.registry.List() {
		if _, err := g.store.GetServerForOwner(ctx, info.ServerID, principal); err != nil {
			continue
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, out)
}

func (g *Gateway) appendAudit(ctx context.Context, c *gin.Context, e *store.AuditEntry) {
	e.ActorPrincipalID = auth.Principal(c)
	e.IPAddress = c.ClientIP()
	if err := g.store.AppendAuditLog(ctx, e); err != nil {
		g.logger.Warn("failed to append audit entry", "action", e.Action, "server_id", e.ServerID, "error", err)
	}
}

func (g *Gateway) publishLog(ctx context.Context, e *store.LogEntry) {
	if err := g.pipeline.PublishLog(ctx, e); err != nil {
		g.logger.Warn("failed to publish log entry", "server_id", e.ServerID, "error", err)
	}
}

func (g *Gateway) internalError(c *gin.Context, op string, err error) {
	g.logger.Error(op+" failed", "server_id", c.Param("server_id"), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// queryLimit reads ?limit=N, leaving range checks to the store.
func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		return 0
	}
	return n
}

// shortID abbreviates a container ID the way docker prints it.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
