package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/toolrun/internal/audit"
)

// InsertAudit appends an audit record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are silently ignored.
func (s *Store) InsertAudit(ctx context.Context, rec audit.Record) error {
	input, err := marshalJSON(rec.Input)
	if err != nil {
		return fmt.Errorf("insert audit: marshal input: %w", err)
	}
	output, err := marshalJSON(rec.Output)
	if err != nil {
		return fmt.Errorf("insert audit: marshal output: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log
		(id, connection_id, org_id, user_id, tool_id, action_id, run_id, action_type,
		 integration_id, input, output, status, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID, rec.ConnectionID, rec.OrgID, rec.UserID, rec.ToolID, rec.ActionID, rec.RunID,
		string(rec.ActionType), rec.IntegrationID, input, output, string(rec.Status),
		rec.DurationMs, rec.Error, toMillis(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAudit returns a tool's audit records newest first. limit <= 0 means
// no limit.
func (s *Store) ListAudit(ctx context.Context, orgID, toolID string, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, org_id, user_id, tool_id, action_id, run_id, action_type,
		       integration_id, input, output, status, duration_ms, error, created_at
		FROM audit_log
		WHERE org_id = ? AND tool_id = ?
		ORDER BY created_at DESC, id COLLATE BINARY DESC
		LIMIT ?
	`, orgID, toolID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	records := []audit.Record{}
	for rows.Next() {
		var (
			rec           audit.Record
			actionType    string
			status        string
			input, output sql.NullString
			createdAt     int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.ConnectionID, &rec.OrgID, &rec.UserID, &rec.ToolID, &rec.ActionID, &rec.RunID,
			&actionType, &rec.IntegrationID, &input, &output, &status, &rec.DurationMs, &rec.Error, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		rec.ActionType = audit.ActionType(actionType)
		rec.Status = audit.Status(status)
		rec.CreatedAt = fromMillis(createdAt)
		if err := unmarshalJSON(input, &rec.Input); err != nil {
			return nil, fmt.Errorf("scan audit %s: %w", rec.ID, err)
		}
		if err := unmarshalJSON(output, &rec.Output); err != nil {
			return nil, fmt.Errorf("scan audit %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return records, nil
}

// PutConnection records the connection id for (orgID, integrationID),
// replacing any previous one.
func (s *Store) PutConnection(ctx context.Context, orgID, integrationID, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_connections (id, org_id, integration_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(org_id, integration_id) DO UPDATE SET id = excluded.id
	`, connectionID, orgID, integrationID, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

// LookupConnection returns the connection id for (orgID, integrationID) or
// audit.ErrNoConnection.
func (s *Store) LookupConnection(ctx context.Context, orgID, integrationID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM integration_connections
		WHERE org_id = ? AND integration_id = ?
	`, orgID, integrationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", audit.ErrNoConnection
	}
	if err != nil {
		return "", fmt.Errorf("lookup connection: %w", err)
	}
	return id, nil
}
