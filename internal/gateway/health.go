// ABOUTME: Liveness and readiness endpoints for the gateway
// ABOUTME: Readiness pings the store and reports agents, sessions and process stats

package gateway

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/process"
)

// readyProbeTimeout bounds the store ping made by the readiness check.
const readyProbeTimeout = 2 * time.Second

// ProcessStats describes the gateway process for readiness reports.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Goroutines int     `json:"goroutines"`
}

// ReadyReport is the body of GET /health/ready.
type ReadyReport struct {
	Status          string       `json:"status"`
	Agents          int          `json:"agents"`
	PendingCommands int          `json:"pending_commands"`
	UptimeSeconds   float64      `json:"uptime_seconds"`
	Store           string       `json:"store"`
	Process         ProcessStats `json:"process"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// handleReady returns 200 when the store answers and 503 otherwise. Having
// no agents connected is reported but does not fail readiness.
func (g *Gateway) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyProbeTimeout)
	defer cancel()

	report := ReadyReport{
		Status:          "ready",
		Agents:          g.registry.Count(),
		PendingCommands: g.dispatcher.Pending(),
		UptimeSeconds:   time.Since(g.startedAt).Seconds(),
		Store:           "ok",
		Process:         processStats(),
	}

	status := http.StatusOK
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness store ping failed", "error", err)
		report.Status = "unavailable"
		report.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// processStats samples the current process. Fields gopsutil cannot read on
// this platform are left zero.
func processStats() ProcessStats {
	stats := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
	}
	p, err := process.NewProcess(stats.PID)
	if err != nil {
		return stats
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats
}
