// Package store provides persistent storage for the control plane using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with narrow
// interfaces, one per consumer concern:
//
//   - ServerStore: Managed servers and the ownership check
//   - ServerStateStore: Online/offline status and last-seen time
//   - APIKeyStore: Agent API keys (bcrypt hashes only)
//   - MetricStore: Telemetry samples
//   - AlertStore: Thresholds and alerts
//   - ConnectionEventStore: Agent connect/disconnect/error history
//   - CommandHistoryStore: Executed shell commands
//   - LogStore: Server log entries pushed to dashboards
//   - AuditStore: Operator actions
//
// SQLiteStore and MockStore implement the combined Store interface.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The alerts table carries a partial unique index on (server_id, type)
// WHERE resolved = 0, so CreateAlert returns ErrDuplicateOpenAlert rather
// than inserting a second open alert for the same metric.
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateOpenAlert: An unresolved alert already exists
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests. Its exported *Err fields inject
// failures into the matching operation.
package store
