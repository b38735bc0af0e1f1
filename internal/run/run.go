// Package run defines the ExecutionRun record and the persistence contract
// every executor writes through.
//
// The persisted row is the single source of truth for a run's progress.
// Writers update it scoped by (runId, orgId, toolId) and treat
// ErrRunNotFound as a benign no-op: the run may have been deleted or reset
// concurrently.
package run

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/roach88/toolrun/internal/toolerr"
)

// ErrRunNotFound is returned when no run matches the scoped key.
var ErrRunNotFound = errors.New("run not found")

// ErrRunChanged is returned by a guarded update when the stored run no
// longer satisfies the guard.
var ErrRunChanged = errors.New("run changed concurrently")

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// TerminalStatuses are the statuses a run can be retried from.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed}

// Terminal reports whether no further transitions happen without a retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Guard restricts an update to a run whose stored row is still in the
// state the caller read.
type Guard struct {
	// Statuses lists the stored statuses the update may replace.
	Statuses []Status

	// Suspended requires the stored row to have a resume time.
	Suspended bool
}

// Key scopes every read and write of a run.
type Key struct {
	RunID  string `json:"runId"`
	OrgID  string `json:"orgId"`
	ToolID string `json:"toolId"`
}

// ExecutionRun is the persisted record of one action or workflow invocation.
type ExecutionRun struct {
	ID          string         `json:"id"`
	ToolID      string         `json:"toolId"`
	OrgID       string         `json:"orgId"`
	UserID      string         `json:"userId,omitempty"`
	ActionID    string         `json:"actionId,omitempty"`
	WorkflowID  string         `json:"workflowId,omitempty"`
	TriggerID   string         `json:"triggerId,omitempty"`
	Status      Status         `json:"status"`
	CurrentStep string         `json:"currentStep,omitempty"`
	Retries     int            `json:"retries"`
	Input       map[string]any `json:"input"`
	Output      any            `json:"output,omitempty"`

	// Error is the last terminal error, if the run failed.
	Error *toolerr.ResultError `json:"error,omitempty"`

	// SpecHash identifies the spec version the run executed against.
	SpecHash string `json:"specHash,omitempty"`

	// State is workflow progress; nil for standalone actions.
	State *WorkflowState `json:"state,omitempty"`

	// ResumeAt is set while a workflow is suspended at a wait node.
	ResumeAt *time.Time `json:"resumeAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Key returns the scoped key of the run.
func (r *ExecutionRun) Key() Key {
	return Key{RunID: r.ID, OrgID: r.OrgID, ToolID: r.ToolID}
}

// Fail marks the run failed with err recorded.
func (r *ExecutionRun) Fail(err error) {
	r.Status = StatusFailed
	r.ResumeAt = nil
	r.Error = toolerr.ToResult(err).Error
}

// WorkflowState is the per-run progress of a workflow walk. It is enough to
// continue the walk after a process restart.
type WorkflowState struct {
	// Steps holds each executed node's output, keyed by node id.
	Steps map[string]any `json:"steps"`

	// Completed lists executed nodes in execution order.
	Completed []string `json:"completed"`

	// Activated lists nodes reached through a taken edge.
	Activated []string `json:"activated"`

	// Skipped lists nodes never reached, filled in when the run ends.
	Skipped []string `json:"skipped,omitempty"`

	// ElapsedMs is active execution time accumulated across resumes.
	ElapsedMs int64 `json:"elapsedMs"`

	// Approved lets action nodes that require approval run.
	Approved bool `json:"approved,omitempty"`
}

// NewWorkflowState returns an empty state.
func NewWorkflowState() *WorkflowState {
	return &WorkflowState{Steps: make(map[string]any)}
}

// IsCompleted reports whether node already ran.
func (s *WorkflowState) IsCompleted(node string) bool {
	return slices.Contains(s.Completed, node)
}

// IsActivated reports whether node was reached.
func (s *WorkflowState) IsActivated(node string) bool {
	return slices.Contains(s.Activated, node)
}

// Activate marks node as reached. Idempotent.
func (s *WorkflowState) Activate(node string) {
	if !s.IsActivated(node) {
		s.Activated = append(s.Activated, node)
	}
}

// Complete records node's output.
func (s *WorkflowState) Complete(node string, output any) {
	if s.Steps == nil {
		s.Steps = make(map[string]any)
	}
	s.Steps[node] = output
	if !s.IsCompleted(node) {
		s.Completed = append(s.Completed, node)
	}
}

// Store persists runs.
type Store interface {
	// CreateRun inserts a new run. The ID must be unique.
	CreateRun(ctx context.Context, r *ExecutionRun) error

	// GetRun returns the run matching key or ErrRunNotFound.
	GetRun(ctx context.Context, key Key) (*ExecutionRun, error)

	// UpdateRun overwrites the mutable fields of the run matching r.Key().
	// Returns ErrRunNotFound if no row matched.
	UpdateRun(ctx context.Context, r *ExecutionRun) error

	// UpdateRunIf is UpdateRun applied only while the stored row satisfies
	// g. Returns ErrRunChanged if the row exists but no longer matches.
	UpdateRunIf(ctx context.Context, r *ExecutionRun, g Guard) error

	// ListRuns returns a tool's runs newest first. limit <= 0 means no limit.
	ListRuns(ctx context.Context, orgID, toolID string, limit int) ([]*ExecutionRun, error)

	// ListDueRuns returns suspended runs whose ResumeAt is at or before now,
	// oldest ResumeAt first.
	ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*ExecutionRun, error)
}
