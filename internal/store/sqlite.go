// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema, and handles servers and API keys

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			host TEXT,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'unknown',
			last_seen TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('online', 'offline', 'unknown'))
		);

		CREATE INDEX IF NOT EXISTS idx_servers_owner ON servers(owner_id);

		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			name TEXT,
			prefix TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_used TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);
		CREATE INDEX IF NOT EXISTS idx_api_keys_server ON api_keys(server_id);

		CREATE TABLE IF NOT EXISTS metrics (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			cpu_percent REAL NOT NULL,
			memory_percent REAL NOT NULL,
			disk_percent REAL NOT NULL,
			bytes_sent INTEGER NOT NULL DEFAULT 0,
			bytes_recv INTEGER NOT NULL DEFAULT 0,
			payload_json TEXT,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_metrics_server_ts ON metrics(server_id, ts);

		CREATE TABLE IF NOT EXISTS alert_thresholds (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			metric_type TEXT NOT NULL,
			comparison TEXT NOT NULL,
			threshold_value REAL NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,

			CHECK (metric_type IN ('cpu', 'memory', 'disk', 'network')),
			CHECK (comparison IN ('gt', 'lt'))
		);

		CREATE INDEX IF NOT EXISTS idx_thresholds_server ON alert_thresholds(server_id);

		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			threshold REAL,
			current_value REAL,
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			resolved_at TEXT,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,

			CHECK (severity IN ('info', 'warning', 'critical'))
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_server ON alerts(server_id, created_at);

		-- At most one unresolved alert per (server, metric type)
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open
			ON alerts(server_id, type) WHERE resolved = 0;

		CREATE TABLE IF NOT EXISTS connection_events (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			ts TEXT NOT NULL,
			detail TEXT,
			ip_address TEXT,
			user_agent TEXT,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,

			CHECK (event_type IN ('connected', 'disconnected', 'error', 'authentication_failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_connection_events_server ON connection_events(server_id, ts);

		CREATE TABLE IF NOT EXISTS command_history (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			user_id TEXT,
			command TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER,
			stdout TEXT,
			stderr TEXT,
			error_message TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_ms INTEGER,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,

			CHECK (status IN ('running', 'completed', 'failed', 'timeout'))
		);

		CREATE INDEX IF NOT EXISTS idx_command_history_server ON command_history(server_id, started_at);

		CREATE TABLE IF NOT EXISTS log_entries (
			id TEXT PRIMARY KEY,
			server_id TEXT,
			ts TEXT NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			component TEXT,
			message TEXT NOT NULL,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_log_entries_server ON log_entries(server_id, ts);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			actor_principal_id TEXT NOT NULL,
			server_id TEXT,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			ip_address TEXT,
			success INTEGER NOT NULL DEFAULT 1,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_log_server ON audit_log(server_id, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "api_keys",
			column: "expires_at",
			apply:  `ALTER TABLE api_keys ADD COLUMN expires_at TEXT`,
		},
		{
			table:  "connection_events",
			column: "duration_seconds",
			apply:  `ALTER TABLE connection_events ADD COLUMN duration_seconds REAL`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateServer inserts a new server. Status defaults to unknown.
func (s *SQLiteStore) CreateServer(ctx context.Context, srv *Server) error {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	if srv.UpdatedAt.IsZero() {
		srv.UpdatedAt = srv.CreatedAt
	}
	if srv.Status == "" {
		srv.Status = ServerStatusUnknown
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, host, owner_id, status, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		srv.ID,
		srv.Name,
		nullString(srv.Host),
		srv.OwnerID,
		srv.Status,
		formatTimePtr(srv.LastSeen),
		formatTime(srv.CreatedAt),
		formatTime(srv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting server: %w", err)
	}

	s.logger.Debug("created server", "id", srv.ID, "owner", srv.OwnerID)
	return nil
}

const serverColumns = `id, name, host, owner_id, status, last_seen, created_at, updated_at`

// GetServer retrieves a server by ID.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*Server, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

// GetServerForOwner retrieves a server only if ownerID owns it.
func (s *SQLiteStore) GetServerForOwner(ctx context.Context, id, ownerID string) (*Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanServer(row)
}

// ListServers returns all servers ordered by name.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	servers := []*Server{}
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating servers: %w", err)
	}
	return servers, nil
}

func scanServer(scanner interface{ Scan(dest ...any) error }) (*Server, error) {
	var srv Server
	var host, lastSeen sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(&srv.ID, &srv.Name, &host, &srv.OwnerID, &srv.Status, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning server: %w", err)
	}

	srv.Host = host.String
	if srv.LastSeen, err = parseTimePtr(lastSeen); err != nil {
		return nil, err
	}
	if srv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if srv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &srv, nil
}

// MarkServerOnline sets the server status to online and refreshes last_seen.
func (s *SQLiteStore) MarkServerOnline(ctx context.Context, id string, seenAt time.Time) error {
	return s.updateServerState(ctx, `
		UPDATE servers SET status = 'online', last_seen = ?, updated_at = ? WHERE id = ?
	`, formatTime(seenAt), formatTime(time.Now()), id)
}

// MarkServerOffline sets the server status to offline, leaving last_seen.
func (s *SQLiteStore) MarkServerOffline(ctx context.Context, id string) error {
	return s.updateServerState(ctx, `
		UPDATE servers SET status = 'offline', updated_at = ? WHERE id = ?
	`, formatTime(time.Now()), id)
}

func (s *SQLiteStore) updateServerState(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating server state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAPIKey inserts a new API key record.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, server_id, name, prefix, key_hash, is_active, last_used, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		k.ID,
		k.ServerID,
		nullString(k.Name),
		k.Prefix,
		k.KeyHash,
		boolToInt(k.IsActive),
		formatTimePtr(k.LastUsed),
		formatTimePtr(k.ExpiresAt),
		formatTime(k.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	s.logger.Debug("created api key", "id", k.ID, "server_id", k.ServerID)
	return nil
}

// ListAPIKeysByPrefix returns every key sharing prefix, active or not.
func (s *SQLiteStore) ListAPIKeysByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, name, prefix, key_hash, is_active, last_used, expires_at, created_at
		FROM api_keys
		WHERE prefix = ?
		ORDER BY created_at DESC
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := []*APIKey{}
	for rows.Next() {
		var k APIKey
		var name, lastUsed, expiresAt sql.NullString
		var active int
		var createdAt string
		if err := rows.Scan(&k.ID, &k.ServerID, &name, &k.Prefix, &k.KeyHash, &active, &lastUsed, &expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		k.Name = name.String
		k.IsActive = active != 0
		if k.LastUsed, err = parseTimePtr(lastUsed); err != nil {
			return nil, err
		}
		if k.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
			return nil, err
		}
		if k.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api keys: %w", err)
	}
	return keys, nil
}

// TouchAPIKey records that a key was used.
func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used = ? WHERE id = ?`, formatTime(usedAt), id)
	if err != nil {
		return fmt.Errorf("updating api key last_used: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
