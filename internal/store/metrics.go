// ABOUTME: Metric sample persistence for SQLiteStore
// ABOUTME: Stores headline percentages as columns and the full snapshot as JSON

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveMetric stores a telemetry sample. Generates ID if not set.
func (s *SQLiteStore) SaveMetric(ctx context.Context, m *MetricRecord) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	var payload any
	if len(m.Payload) > 0 {
		payload = string(m.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (id, server_id, ts, cpu_percent, memory_percent, disk_percent, bytes_sent, bytes_recv, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID,
		m.ServerID,
		formatTime(m.Timestamp),
		m.CPUPercent,
		m.MemoryPercent,
		m.DiskPercent,
		int64(m.BytesSent),
		int64(m.BytesRecv),
		payload,
	)
	if err != nil {
		return fmt.Errorf("inserting metric: %w", err)
	}
	return nil
}

// ListMetrics returns the most recent samples for a server, newest first.
func (s *SQLiteStore) ListMetrics(ctx context.Context, serverID string, limit int) ([]*MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, ts, cpu_percent, memory_percent, disk_percent, bytes_sent, bytes_recv, payload_json
		FROM metrics
		WHERE server_id = ?
		ORDER BY ts DESC, rowid DESC
		LIMIT ?
	`, serverID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []*MetricRecord{}
	for rows.Next() {
		var m MetricRecord
		var ts string
		var sent, recv int64
		var payload sql.NullString
		if err := rows.Scan(&m.ID, &m.ServerID, &ts, &m.CPUPercent, &m.MemoryPercent, &m.DiskPercent, &sent, &recv, &payload); err != nil {
			return nil, fmt.Errorf("scanning metric: %w", err)
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		m.BytesSent = uint64(sent)
		m.BytesRecv = uint64(recv)
		if payload.Valid {
			m.Payload = []byte(payload.String)
		}
		records = append(records, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metrics: %w", err)
	}
	return records, nil
}
