// ABOUTME: Command history persistence for SQLiteStore
// ABOUTME: Rows are created as running and finished with the agent's result

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCommandHistory inserts a command record. Generates ID and StartedAt
// if not set; Status defaults to running.
func (s *SQLiteStore) CreateCommandHistory(ctx context.Context, c *CommandHistory) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = CommandStatusRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_history (id, server_id, user_id, command, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.ServerID, nullString(c.UserID), c.Command, c.Status, formatTime(c.StartedAt))
	if err != nil {
		return fmt.Errorf("inserting command history: %w", err)
	}
	return nil
}

// FinishCommandHistory writes the terminal state of a command. CompletedAt
// and DurationMS are derived when not set.
func (s *SQLiteStore) FinishCommandHistory(ctx context.Context, c *CommandHistory) error {
	if c.CompletedAt == nil {
		now := time.Now().UTC()
		c.CompletedAt = &now
	}
	if c.DurationMS == nil && !c.StartedAt.IsZero() {
		d := c.CompletedAt.Sub(c.StartedAt).Milliseconds()
		c.DurationMS = &d
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE command_history
		SET status = ?, exit_code = ?, stdout = ?, stderr = ?, error_message = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
	`,
		c.Status,
		c.ExitCode,
		nullString(c.Stdout),
		nullString(c.Stderr),
		nullString(c.ErrorMessage),
		formatTimePtr(c.CompletedAt),
		c.DurationMS,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating command history: %w", err)
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

// ListCommandHistory returns recent commands for a server, newest first.
func (s *SQLiteStore) ListCommandHistory(ctx context.Context, serverID string, limit int) ([]*CommandHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, user_id, command, status, exit_code, stdout, stderr, error_message, started_at, completed_at, duration_ms
		FROM command_history
		WHERE server_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, serverID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying command history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	history := []*CommandHistory{}
	for rows.Next() {
		var c CommandHistory
		var userID, stdout, stderr, errMsg, completedAt sql.NullString
		var exitCode, duration sql.NullInt64
		var startedAt string
		if err := rows.Scan(&c.ID, &c.ServerID, &userID, &c.Command, &c.Status, &exitCode, &stdout, &stderr, &errMsg, &startedAt, &completedAt, &duration); err != nil {
			return nil, fmt.Errorf("scanning command history: %w", err)
		}
		c.UserID = userID.String
		c.Stdout = stdout.String
		c.Stderr = stderr.String
		c.ErrorMessage = errMsg.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			c.ExitCode = &code
		}
		if duration.Valid {
			d := duration.Int64
			c.DurationMS = &d
		}
		if c.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if c.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
		history = append(history, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command history: %w", err)
	}
	return history, nil
}
