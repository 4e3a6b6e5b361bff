// ABOUTME: Connection event and server log persistence for SQLiteStore
// ABOUTME: Both are append-only and listed newest first per server

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendConnectionEvent records an agent connection change.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendConnectionEvent(ctx context.Context, e *ConnectionEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var duration any
	if e.DurationSeconds != nil {
		duration = *e.DurationSeconds
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_events (id, server_id, event_type, ts, detail, ip_address, user_agent, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.ServerID,
		e.EventType,
		formatTime(e.Timestamp),
		nullString(e.Detail),
		nullString(e.IPAddress),
		nullString(e.UserAgent),
		duration,
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}

	s.logger.Debug("appended connection event", "server_id", e.ServerID, "event", e.EventType)
	return nil
}

// ListConnectionEvents returns recent connection events for a server.
func (s *SQLiteStore) ListConnectionEvents(ctx context.Context, serverID string, limit int) ([]*ConnectionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, event_type, ts, detail, ip_address, user_agent, duration_seconds
		FROM connection_events
		WHERE server_id = ?
		ORDER BY ts DESC, rowid DESC
		LIMIT ?
	`, serverID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*ConnectionEvent{}
	for rows.Next() {
		var e ConnectionEvent
		var ts string
		var detail, ip, ua sql.NullString
		var duration sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.ServerID, &e.EventType, &ts, &detail, &ip, &ua, &duration); err != nil {
			return nil, fmt.Errorf("scanning connection event: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		if duration.Valid {
			d := duration.Float64
			e.DurationSeconds = &d
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection events: %w", err)
	}
	return events, nil
}

// AppendLogEntry records a server log line. Generates ID and Timestamp if
// not set.
func (s *SQLiteStore) AppendLogEntry(ctx context.Context, e *LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = LogLevelInfo
	}
	if e.Source == "" {
		e.Source = LogSourceSystem
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_entries (id, server_id, ts, level, source, component, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		nullString(e.ServerID),
		formatTime(e.Timestamp),
		e.Level,
		e.Source,
		nullString(e.Component),
		e.Message,
	)
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}
	return nil
}

// ListLogEntries returns recent log entries for a server, newest first.
func (s *SQLiteStore) ListLogEntries(ctx context.Context, serverID string, limit int) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, ts, level, source, component, message
		FROM log_entries
		WHERE server_id = ?
		ORDER BY ts DESC, rowid DESC
		LIMIT ?
	`, serverID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying log entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []*LogEntry{}
	for rows.Next() {
		var e LogEntry
		var ts string
		var server, component sql.NullString
		if err := rows.Scan(&e.ID, &server, &ts, &e.Level, &e.Source, &component, &e.Message); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.ServerID = server.String
		e.Component = component.String
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log entries: %w", err)
	}
	return entries, nil
}
