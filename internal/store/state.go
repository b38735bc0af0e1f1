package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PutState stores the latest raw payload fetched from an integration for a
// tool, replacing the previous one.
func (s *Store) PutState(ctx context.Context, orgID, toolID, integrationID string, payload any) error {
	data, err := marshalJSON(payload)
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	if !data.Valid {
		data = sql.NullString{String: "null", Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integration_state (org_id, tool_id, integration_id, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(org_id, tool_id, integration_id)
		DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, orgID, toolID, integrationID, data.String, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	return nil
}

// ReadState returns the cached payloads for a tool keyed by integration id.
// A tool with no cached state yields an empty map.
func (s *Store) ReadState(ctx context.Context, orgID, toolID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT integration_id, payload
		FROM integration_state
		WHERE org_id = ? AND tool_id = ?
		ORDER BY integration_id COLLATE BINARY ASC
	`, orgID, toolID)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	defer rows.Close()

	state := make(map[string]any)
	for rows.Next() {
		var integrationID, payload string
		if err := rows.Scan(&integrationID, &payload); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		var v any
		if err := unmarshalJSON(sql.NullString{String: payload, Valid: true}, &v); err != nil {
			return nil, fmt.Errorf("read state %s: %w", integrationID, err)
		}
		state[integrationID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state: %w", err)
	}
	return state, nil
}
