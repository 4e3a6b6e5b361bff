// ABOUTME: Store interfaces and data types for opsbridge persistence
// ABOUTME: Servers, API keys, metrics, alerts, connection events, commands and logs

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateOpenAlert is returned when an unresolved alert already exists
// for the same server and metric type
var ErrDuplicateOpenAlert = errors.New("open alert already exists")

// Server status values
const (
	ServerStatusOnline  = "online"
	ServerStatusOffline = "offline"
	ServerStatusUnknown = "unknown"
)

// Server is a managed host that runs an agent
type Server struct {
	ID        string
	Name      string
	Host      string
	OwnerID   string // principal that may view and command the server
	Status    string
	LastSeen  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// APIKey authenticates an agent as a specific server. Only the bcrypt hash
// of the key is stored; Prefix is the leading part of the plain key used to
// narrow verification candidates.
type APIKey struct {
	ID        string
	ServerID  string
	Name      string
	Prefix    string
	KeyHash   string
	IsActive  bool
	LastUsed  *time.Time
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Expired reports whether the key has passed its expiry at now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Metric types shared by thresholds and alerts
const (
	MetricCPU     = "cpu"
	MetricMemory  = "memory"
	MetricDisk    = "disk"
	MetricNetwork = "network"
)

// Comparison operators for thresholds
const (
	ComparisonGT = "gt"
	ComparisonLT = "lt"
)

// Alert severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// MetricRecord is a persisted telemetry sample
type MetricRecord struct {
	ID            string
	ServerID      string
	Timestamp     time.Time
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	BytesSent     uint64
	BytesRecv     uint64
	Payload       []byte // full snapshot as JSON
}

// AlertThreshold configures when an alert fires for a server metric
type AlertThreshold struct {
	ID             string
	ServerID       string
	MetricType     string
	Comparison     string
	ThresholdValue float64
	Enabled        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Alert is a threshold breach. At most one unresolved alert exists per
// (ServerID, Type).
type Alert struct {
	ID           string
	ServerID     string
	Type         string
	Severity     string
	Message      string
	Threshold    float64
	CurrentValue float64
	Resolved     bool
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

// Connection event types
const (
	EventConnected            = "connected"
	EventDisconnected         = "disconnected"
	EventError                = "error"
	EventAuthenticationFailed = "authentication_failed"
)

// ConnectionEvent is an append-only record of an agent connection change
type ConnectionEvent struct {
	ID              string
	ServerID        string
	EventType       string
	Timestamp       time.Time
	Detail          string
	IPAddress       string
	UserAgent       string
	DurationSeconds *float64
}

// Command history status values
const (
	CommandStatusRunning   = "running"
	CommandStatusCompleted = "completed"
	CommandStatusFailed    = "failed"
	CommandStatusTimeout   = "timeout"
)

// CommandHistory records a shell command executed on a server
type CommandHistory struct {
	ID           string
	ServerID     string
	UserID       string
	Command      string
	Status       string
	ExitCode     *int
	Stdout       string
	Stderr       string
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
	DurationMS   *int64
}

// Log levels and sources for server log entries
const (
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"

	LogSourceSystem      = "system"
	LogSourceAgent       = "agent"
	LogSourceApplication = "application"
	LogSourceAlert       = "alert"
)

// LogEntry is a server-scoped log line shown on the dashboard log stream
type LogEntry struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"server_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
}

// ServerStore reads and creates managed servers
type ServerStore interface {
	CreateServer(ctx context.Context, s *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	// GetServerForOwner returns ErrNotFound unless ownerID owns the server.
	GetServerForOwner(ctx context.Context, id, ownerID string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
}

// ServerStateStore tracks connection status of servers
type ServerStateStore interface {
	MarkServerOnline(ctx context.Context, id string, seenAt time.Time) error
	// MarkServerOffline sets the status without touching last_seen.
	MarkServerOffline(ctx context.Context, id string) error
}

// APIKeyStore persists agent API keys
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, k *APIKey) error
	ListAPIKeysByPrefix(ctx context.Context, prefix string) ([]*APIKey, error)
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error
}

// MetricStore persists telemetry samples
type MetricStore interface {
	SaveMetric(ctx context.Context, m *MetricRecord) error
	ListMetrics(ctx context.Context, serverID string, limit int) ([]*MetricRecord, error)
}

// AlertStore persists thresholds and alerts
type AlertStore interface {
	CreateThreshold(ctx context.Context, t *AlertThreshold) error
	// ListThresholds returns the enabled thresholds for a server.
	ListThresholds(ctx context.Context, serverID string) ([]*AlertThreshold, error)
	// CreateAlert returns ErrDuplicateOpenAlert if an unresolved alert
	// already exists for the same server and type.
	CreateAlert(ctx context.Context, a *Alert) error
	// ResolveAlert marks an alert resolved and reports whether it changed.
	ResolveAlert(ctx context.Context, id string, resolvedAt time.Time) (bool, error)
	ListOpenAlerts(ctx context.Context, serverID string) ([]*Alert, error)
	ListAlerts(ctx context.Context, serverID string, limit int) ([]*Alert, error)
}

// ConnectionEventStore persists agent connection events
type ConnectionEventStore interface {
	AppendConnectionEvent(ctx context.Context, e *ConnectionEvent) error
	ListConnectionEvents(ctx context.Context, serverID string, limit int) ([]*ConnectionEvent, error)
}

// CommandHistoryStore persists executed commands
type CommandHistoryStore interface {
	CreateCommandHistory(ctx context.Context, c *CommandHistory) error
	FinishCommandHistory(ctx context.Context, c *CommandHistory) error
	ListCommandHistory(ctx context.Context, serverID string, limit int) ([]*CommandHistory, error)
}

// LogStore persists server log entries
type LogStore interface {
	AppendLogEntry(ctx context.Context, e *LogEntry) error
	ListLogEntries(ctx context.Context, serverID string, limit int) ([]*LogEntry, error)
}

// AuditStore persists audit records
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store combines every persistence concern used by the control plane
type Store interface {
	ServerStore
	ServerStateStore
	APIKeyStore
	MetricStore
	AlertStore
	ConnectionEventStore
	CommandHistoryStore
	LogStore
	AuditStore

	Ping(ctx context.Context) error
	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
