// ABOUTME: Alert threshold and alert persistence for SQLiteStore
// ABOUTME: A partial unique index keeps one unresolved alert per server and type

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateThreshold inserts a threshold. Generates ID and timestamps if not set.
func (s *SQLiteStore) CreateThreshold(ctx context.Context, t *AlertThreshold) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_thresholds (id, server_id, metric_type, comparison, threshold_value, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		t.ServerID,
		t.MetricType,
		t.Comparison,
		t.ThresholdValue,
		boolToInt(t.Enabled),
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting threshold: %w", err)
	}
	return nil
}

// ListThresholds returns the enabled thresholds for a server.
func (s *SQLiteStore) ListThresholds(ctx context.Context, serverID string) ([]*AlertThreshold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, metric_type, comparison, threshold_value, enabled, created_at, updated_at
		FROM alert_thresholds
		WHERE server_id = ? AND enabled = 1
		ORDER BY created_at, id
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying thresholds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	thresholds := []*AlertThreshold{}
	for rows.Next() {
		var t AlertThreshold
		var enabled int
		var createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.ServerID, &t.MetricType, &t.Comparison, &t.ThresholdValue, &enabled, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning threshold: %w", err)
		}
		t.Enabled = enabled != 0
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		thresholds = append(thresholds, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thresholds: %w", err)
	}
	return thresholds, nil
}

// CreateAlert inserts an unresolved alert. Generates ID and CreatedAt if not
// set. Returns ErrDuplicateOpenAlert if one is already open for the same
// server and type.
func (s *SQLiteStore) CreateAlert(ctx context.Context, a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, server_id, type, severity, message, threshold, current_value, resolved, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.ServerID,
		a.Type,
		a.Severity,
		a.Message,
		a.Threshold,
		a.CurrentValue,
		boolToInt(a.Resolved),
		formatTime(a.CreatedAt),
		formatTimePtr(a.ResolvedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateOpenAlert
		}
		return fmt.Errorf("inserting alert: %w", err)
	}

	s.logger.Debug("created alert", "id", a.ID, "server_id", a.ServerID, "type", a.Type, "severity", a.Severity)
	return nil
}

// ResolveAlert marks an alert resolved. Resolving an already-resolved alert
// is a no-op and reports false.
func (s *SQLiteStore) ResolveAlert(ctx context.Context, id string, resolvedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0
	`, formatTime(resolvedAt), id)
	if err != nil {
		return false, fmt.Errorf("resolving alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

const alertColumns = `id, server_id, type, severity, message, threshold, current_value, resolved, created_at, resolved_at`

// ListOpenAlerts returns the unresolved alerts for a server.
func (s *SQLiteStore) ListOpenAlerts(ctx context.Context, serverID string) ([]*Alert, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE server_id = ? AND resolved = 0
		ORDER BY created_at, rowid
	`, serverID)
}

// ListAlerts returns recent alerts for a server, newest first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, serverID string, limit int) ([]*Alert, error) {
	return s.queryAlerts(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE server_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, serverID, normalizeLimit(limit))
}

func (s *SQLiteStore) queryAlerts(ctx context.Context, query string, args ...any) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	alerts := []*Alert{}
	for rows.Next() {
		var a Alert
		var threshold, current sql.NullFloat64
		var resolved int
		var createdAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.ServerID, &a.Type, &a.Severity, &a.Message, &threshold, &current, &resolved, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		a.Threshold = threshold.Float64
		a.CurrentValue = current.Float64
		a.Resolved = resolved != 0
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if a.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alerts: %w", err)
	}
	return alerts, nil
}
