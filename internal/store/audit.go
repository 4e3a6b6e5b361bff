// ABOUTME: Audit log entity and store methods for tracking operator actions
// ABOUTME: Records who commanded which server and whether the action succeeded

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditCommandExecuted    AuditAction = "command_executed"
	AuditContainerStarted   AuditAction = "container_started"
	AuditContainerStopped   AuditAction = "container_stopped"
	AuditContainerRestarted AuditAction = "container_restarted"
	AuditContainerLogs      AuditAction = "container_logs_viewed"
	AuditAgentAuthFailed    AuditAction = "agent_auth_failed"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditCommandExecuted,
	AuditContainerStarted,
	AuditContainerStopped,
	AuditContainerRestarted,
	AuditContainerLogs,
	AuditAgentAuthFailed,
}

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID               string         // UUID v4
	ActorPrincipalID string         // who performed the action
	ServerID         string         // server acted upon, if any
	Action           AuditAction    // what action was performed
	TargetType       string         // "server", "container", "command"
	TargetID         string         // ID of the affected resource
	Timestamp        time.Time      // when it happened
	IPAddress        string         // client address
	Success          bool           // whether the action succeeded
	Detail           map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since            *time.Time   // entries after this time
	Until            *time.Time   // entries before this time
	ActorPrincipalID *string      // filter by actor
	ServerID         *string      // filter by server
	Action           *AuditAction // filter by action type
	Limit            int          // max results (default 100, max 1000)
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	detailJSON, err := marshalDetail(e.Detail)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_log (audit_id, actor_principal_id, server_id, action, target_type, target_id, ts, ip_address, success, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.ActorPrincipalID,
		nullString(e.ServerID),
		e.Action,
		e.TargetType,
		e.TargetID,
		formatTime(e.Timestamp),
		nullString(e.IPAddress),
		boolToInt(e.Success),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.ActorPrincipalID,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

func marshalDetail(detail map[string]any) (*string, error) {
	if detail == nil {
		return nil, nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit detail: %w", err)
	}
	str := string(data)
	return &str, nil
}

// auditQueryArgs builds the query arguments from an AuditFilter.
type auditQueryArgs struct {
	sinceStr  *string
	untilStr  *string
	actionStr *string
}

// buildAuditQueryArgs converts filter time/action fields to query args.
func buildAuditQueryArgs(f AuditFilter) auditQueryArgs {
	var args auditQueryArgs
	if f.Since != nil {
		s := formatTime(*f.Since)
		args.sinceStr = &s
	}
	if f.Until != nil {
		s := formatTime(*f.Until)
		args.untilStr = &s
	}
	if f.Action != nil {
		a := string(*f.Action)
		args.actionStr = &a
	}
	return args
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var serverID, ip sql.NullString
	var success int
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.ActorPrincipalID,
		&serverID,
		&actionStr,
		&e.TargetType,
		&e.TargetID,
		&tsStr,
		&ip,
		&success,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	e.ServerID = serverID.String
	e.IPAddress = ip.String
	e.Success = success != 0
	var err error
	e.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return e, err
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, actor_principal_id, server_id, action, target_type, target_id, ts, ip_address, success, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR actor_principal_id = ?)
	  AND (? IS NULL OR server_id = ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeLimit(f.Limit)
	args := buildAuditQueryArgs(f)

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		args.sinceStr, args.sinceStr,
		args.untilStr, args.untilStr,
		f.ActorPrincipalID, f.ActorPrincipalID,
		f.ServerID, f.ServerID,
		args.actionStr, args.actionStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}
