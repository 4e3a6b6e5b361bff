// ABOUTME: Gin route table for sockets, REST commands, health and metrics
// ABOUTME: REST routes require a bearer token; command routes are rate limited per IP

package gateway

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/opsbridge/internal/auth"
)

func (g *Gateway) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(g.logger))

	r.GET("/health", g.handleHealth)
	r.GET("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.GET(g.config.Metrics.Path, gin.WrapH(promhttp.HandlerFor(g.promRegistry, promhttp.HandlerOpts{})))
	}

	// Socket routes authenticate with their first frame.
	r.GET("/api/v1/agents/ws", g.handleAgentSocket)
	r.GET("/ws/metrics/:server_id", g.dashboardHandler(g.metricsHub))
	r.GET("/ws/logs/:server_id", g.dashboardHandler(g.logsHub))

	api := r.Group("/api/v1", auth.RequireToken(g.tokens))
	{
		api.GET("/agents", g.handleListAgents)
		api.GET("/metrics/:server_id/latest", g.handleLatestMetrics)
		api.GET("/metrics/:server_id/history", g.handleMetricsHistory)
		api.GET("/alerts/:server_id", g.handleListAlerts)
		api.GET("/logs/:server_id", g.handleListLogs)
		api.GET("/servers/:server_id/events", g.handleListEvents)
		api.GET("/commands/:server_id/history", g.handleCommandHistory)
		api.GET("/docker/:server_id/containers", g.handleListContainers)
		api.GET("/audit", g.handleListAudit)

		commands := api.Group("", g.rateLimitMiddleware())
		commands.POST("/commands/:server_id", g.handleExecuteCommand)
		commands.POST("/docker/:server_id/containers/:container_id/:action", g.handleContainerAction)
		commands.GET("/docker/:server_id/containers/:container_id/logs", g.handleContainerLogs)
	}

	return r
}

// requestLogger logs every request at debug level, and failures at warn.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"elapsed", time.Since(start),
			"remote_addr", c.ClientIP(),
		}
		if status >= 500 {
			logger.Warn("request failed", attrs...)
			return
		}
		logger.Debug("request handled", attrs...)
	}
}
