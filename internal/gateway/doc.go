// Package gateway serves the opsbridge control plane over HTTP.
//
// # Overview
//
// The Gateway owns every long-lived component: the SQLite store, the agent
// registry and command dispatcher, the metrics and log hubs, the metrics
// ingestion pipeline and the alert evaluator. New wires them from a
// config.Config; Run serves until its context ends and Shutdown releases
// them in order.
//
// # Agent Sockets
//
// Agents connect to GET /api/v1/agents/ws. The first frame must be
//
//	{"type": "auth", "api_key": "..."}
//
// sent within agents.auth_timeout. A missing or invalid key closes the
// socket with 1008 before any state changes. On success the connection is
// registered for its server (closing any previous one with 1008), the
// server is marked online and the agent receives auth_success. Frames are
// then processed in arrival order: responses resolve pending commands,
// metrics go through the ingestion pipeline and are acknowledged, ping is
// answered with pong.
//
// Only the connection still registered for a server marks it offline on
// teardown.
//
// # Dashboard Sockets
//
// Dashboards connect to GET /ws/metrics/:server_id or /ws/logs/:server_id
// and authenticate with {"type": "auth", "token": "<jwt>"}. The caller must
// own the server. Pushes arrive as {"type", "data", "timestamp"}.
//
// # REST API
//
// Routes under /api/v1 require a bearer token and server ownership:
//
//   - POST /api/v1/commands/:server_id - Run a shell command
//   - GET /api/v1/commands/:server_id/history - Command history
//   - POST /api/v1/docker/:server_id/containers/:container_id/{start|stop|restart}
//   - GET /api/v1/docker/:server_id/containers/:container_id/logs?tail=N
//   - GET /api/v1/docker/:server_id/containers - Containers from the latest snapshot
//   - GET /api/v1/metrics/:server_id/latest - Latest snapshot
//   - GET /api/v1/metrics/:server_id/history - Stored samples
//   - GET /api/v1/alerts/:server_id - Alerts
//   - GET /api/v1/logs/:server_id - Log entries
//   - GET /api/v1/servers/:server_id/events - Connection events
//   - GET /api/v1/agents - Connected agents of owned servers
//   - GET /api/v1/audit - The caller's audit trail
//
// Dispatch failures map to 503 (agent offline), 504 (timeout), 502
// (transport) and 500 (agent error or unexpected response). Command routes
// are rate limited per client IP.
//
// # Health
//
//   - GET /health - Liveness check
//   - GET /health/ready - Store ping, agent count and process stats
//   - GET /metrics - Prometheus metrics, when metrics.enabled
//
// When server.grpc_addr is set, the standard gRPC health service is served
// there as well.
//
// # Key Files
//
//   - gateway.go: Gateway struct, wiring, Run/Shutdown
//   - socket.go: single-writer WebSocket wrapper
//   - agent_session.go: agent authentication, read loop and teardown
//   - dashboard_session.go: dashboard authentication and streaming
//   - api.go: REST handlers
//   - health.go, grpc.go: health endpoints
package gateway
