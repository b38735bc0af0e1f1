package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/toolerr"
)

const runColumns = `id, org_id, tool_id, user_id, action_id, workflow_id, trigger_id, status,
	current_step, retries, input, output, error, spec_hash, state, resume_at, created_at, updated_at`

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, r *run.ExecutionRun) error {
	cols, err := encodeRun(r)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.OrgID, r.ToolID, r.UserID, r.ActionID, r.WorkflowID, r.TriggerID, string(r.Status),
		r.CurrentStep, r.Retries, cols.input, cols.output, cols.errJSON, r.SpecHash, cols.state, cols.resumeAt,
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun returns the run matching key or run.ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, key run.Key) (*run.ExecutionRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM execution_runs
		WHERE id = ? AND org_id = ? AND tool_id = ?
	`, key.RunID, key.OrgID, key.ToolID)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, run.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// UpdateRun overwrites the mutable fields of the run matching r.Key().
// Returns run.ErrRunNotFound if no row matched.
func (s *Store) UpdateRun(ctx context.Context, r *run.ExecutionRun) error {
	return s.updateRun(ctx, r, nil)
}

// UpdateRunIf overwrites the run only while its stored status is one of
// g.Statuses (and, with g.Suspended, it has a resume time). The check and
// the write are one statement, so concurrent callers cannot both win.
func (s *Store) UpdateRunIf(ctx context.Context, r *run.ExecutionRun, g run.Guard) error {
	return s.updateRun(ctx, r, &g)
}

func (s *Store) updateRun(ctx context.Context, r *run.ExecutionRun, g *run.Guard) error {
	cols, err := encodeRun(r)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	query := `
		UPDATE execution_runs SET
			user_id = ?, action_id = ?, workflow_id = ?, trigger_id = ?, status = ?,
			current_step = ?, retries = ?, input = ?, output = ?, error = ?,
			spec_hash = ?, state = ?, resume_at = ?, updated_at = ?
		WHERE id = ? AND org_id = ? AND tool_id = ?`
	args := []any{
		r.UserID, r.ActionID, r.WorkflowID, r.TriggerID, string(r.Status),
		r.CurrentStep, r.Retries, cols.input, cols.output, cols.errJSON,
		r.SpecHash, cols.state, cols.resumeAt, toMillis(r.UpdatedAt),
		r.ID, r.OrgID, r.ToolID,
	}
	if g != nil {
		if len(g.Statuses) > 0 {
			query += ` AND status IN (?` + strings.Repeat(", ?", len(g.Statuses)-1) + `)`
			for _, st := range g.Statuses {
				args = append(args, string(st))
			}
		}
		if g.Suspended {
			query += ` AND resume_at IS NOT NULL`
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n > 0 {
		return nil
	}
	if g == nil {
		return run.ErrRunNotFound
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `
		SELECT 1 FROM execution_runs WHERE id = ? AND org_id = ? AND tool_id = ?
	`, r.ID, r.OrgID, r.ToolID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return run.ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return run.ErrRunChanged
}

// ListRuns returns a tool's runs newest first (created_at DESC, id DESC).
// limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, orgID, toolID string, limit int) ([]*run.ExecutionRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM execution_runs
		WHERE org_id = ? AND tool_id = ?
		ORDER BY created_at DESC, id COLLATE BINARY DESC
		LIMIT ?
	`, orgID, toolID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

// ListDueRuns returns running runs suspended at a wait node whose resume
// time is at or before now, oldest first.
func (s *Store) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*run.ExecutionRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM execution_runs
		WHERE resume_at IS NOT NULL AND resume_at <= ? AND status = 'running'
		ORDER BY resume_at ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due runs: %w", err)
	}
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*run.ExecutionRun, error) {
	defer rows.Close()

	runs := []*run.ExecutionRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

type runColumnValues struct {
	input    string
	output   sql.NullString
	errJSON  sql.NullString
	state    sql.NullString
	resumeAt sql.NullInt64
}

func encodeRun(r *run.ExecutionRun) (runColumnValues, error) {
	var cols runColumnValues

	input := r.Input
	if input == nil {
		input = map[string]any{}
	}
	in, err := marshalJSON(input)
	if err != nil {
		return cols, fmt.Errorf("marshal input: %w", err)
	}
	cols.input = in.String

	if cols.output, err = marshalJSON(r.Output); err != nil {
		return cols, fmt.Errorf("marshal output: %w", err)
	}
	if r.Error != nil {
		if cols.errJSON, err = marshalJSON(r.Error); err != nil {
			return cols, fmt.Errorf("marshal error: %w", err)
		}
	}
	if r.State != nil {
		if cols.state, err = marshalJSON(r.State); err != nil {
			return cols, fmt.Errorf("marshal state: %w", err)
		}
	}
	if r.ResumeAt != nil {
		cols.resumeAt = sql.NullInt64{Int64: toMillis(*r.ResumeAt), Valid: true}
	}
	return cols, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*run.ExecutionRun, error) {
	var (
		r                  run.ExecutionRun
		status             string
		input              string
		output, errJSON    sql.NullString
		state              sql.NullString
		resumeAt           sql.NullInt64
		createdAt, updated int64
	)
	err := sc.Scan(
		&r.ID, &r.OrgID, &r.ToolID, &r.UserID, &r.ActionID, &r.WorkflowID, &r.TriggerID, &status,
		&r.CurrentStep, &r.Retries, &input, &output, &errJSON, &r.SpecHash, &state, &resumeAt,
		&createdAt, &updated,
	)
	if err != nil {
		return nil, err
	}

	r.Status = run.Status(status)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updated)
	if resumeAt.Valid {
		t := fromMillis(resumeAt.Int64)
		r.ResumeAt = &t
	}
	if err := unmarshalJSON(sql.NullString{String: input, Valid: true}, &r.Input); err != nil {
		return nil, fmt.Errorf("scan run %s input: %w", r.ID, err)
	}
	if err := unmarshalJSON(output, &r.Output); err != nil {
		return nil, fmt.Errorf("scan run %s output: %w", r.ID, err)
	}
	if errJSON.Valid {
		r.Error = &toolerr.ResultError{}
		if err := unmarshalJSON(errJSON, r.Error); err != nil {
			return nil, fmt.Errorf("scan run %s error: %w", r.ID, err)
		}
	}
	if state.Valid {
		r.State = run.NewWorkflowState()
		if err := unmarshalJSON(state, r.State); err != nil {
			return nil, fmt.Errorf("scan run %s state: %w", r.ID, err)
		}
	}
	return &r, nil
}
