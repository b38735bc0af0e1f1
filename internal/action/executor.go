// Package action executes a single spec action against its integration.
//
// An action call is: resolve the capability, validate the input against it,
// invoke the bound integration runtime with a bounded timeout, classify any
// failure, and hand an audit entry to the write-audit logger for effectful
// operations. Execute additionally owns an ExecutionRun row; Invoke is the
// row-less form the workflow engine uses for action nodes.
package action

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/toolrun/internal/audit"
	"github.com/roach88/toolrun/internal/capability"
	"github.com/roach88/toolrun/internal/integration"
	"github.com/roach88/toolrun/internal/metrics"
	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/toolerr"
	"github.com/roach88/toolrun/internal/toolspec"
)

// DefaultTimeout bounds one integration call.
const DefaultTimeout = 30 * time.Second

// Status is the outcome of an action call.
type Status string

const (
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusDryRun          Status = "dry_run"
	StatusPendingApproval Status = "pending_approval"
)

// Invocation is one action call.
type Invocation struct {
	OrgID    string
	ToolID   string
	UserID   string
	RunID    string
	Spec     *toolspec.Spec
	ActionID string
	Input    map[string]any

	// DryRun skips the integration call.
	DryRun bool

	// Approved allows actions marked requiresApproval to run.
	Approved bool
}

// Outcome is the result of a successful Invoke.
type Outcome struct {
	Status Status `json:"status"`
	Output any    `json:"output,omitempty"`
}

// Params starts a standalone action run.
type Params struct {
	OrgID     string
	ToolID    string
	UserID    string
	ActionID  string
	TriggerID string
	Spec      *toolspec.Spec
	Input     map[string]any
	DryRun    bool
	Approved  bool
}

// Result is returned to callers of Execute.
type Result struct {
	RunID  string `json:"runId"`
	Status Status `json:"status"`
	Output any    `json:"output,omitempty"`
}

// Executor runs actions. It is safe for concurrent use.
type Executor struct {
	caps    *capability.Registry
	runtime integration.Runtime
	runs    run.Store
	audit   *audit.Logger
	clock   run.Clock
	ids     run.IDGenerator
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithAuditLogger sets the write-audit logger. Without one nothing is audited.
func WithAuditLogger(l *audit.Logger) Option {
	return func(e *Executor) { e.audit = l }
}

// WithClock sets the clock for run timestamps and durations.
func WithClock(c run.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithIDGenerator sets the run id generator.
func WithIDGenerator(g run.IDGenerator) Option {
	return func(e *Executor) { e.ids = g }
}

// WithTimeout bounds each integration call.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithMetrics sets the metrics handle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an Executor.
func New(caps *capability.Registry, runtime integration.Runtime, runs run.Store, opts ...Option) *Executor {
	e := &Executor{
		caps:    caps,
		runtime: runtime,
		runs:    runs,
		clock:   run.SystemClock{},
		ids:     run.UUIDv7Generator{},
		timeout: DefaultTimeout,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// prepared is an action resolved against the registry.
type prepared struct {
	action        toolspec.Action
	capability    capability.Capability
	integrationID string
	actionType    audit.ActionType
	audited       bool
}

// Prepare resolves actionID and validates input without invoking anything.
// Errors are SPECIFICATION (unknown action or capability) or VALIDATION.
func (e *Executor) Prepare(spec *toolspec.Spec, actionID string, input map[string]any) error {
	_, err := e.prepare(spec, actionID, input)
	return err
}

func (e *Executor) prepare(spec *toolspec.Spec, actionID string, input map[string]any) (prepared, error) {
	if spec == nil {
		return prepared{}, toolerr.Specification("no spec given")
	}
	a, ok := spec.Action(actionID)
	if !ok {
		return prepared{}, toolerr.Specification("action %q is not declared in spec %q", actionID, spec.ID).
			WithDetail("action", actionID)
	}
	integrationID, resource, err := a.CapabilityRef()
	if err != nil {
		return prepared{}, toolerr.Wrap(toolerr.CodeSpecification, err, "action "+actionID)
	}
	op := capability.Operation(a.Operation)
	c, err := e.caps.Resolve(integrationID, resource, op)
	if err != nil {
		return prepared{}, err
	}
	if err := c.ValidateInput(input); err != nil {
		return prepared{}, err
	}
	actionType, audited := op.ActionType()
	return prepared{
		action:        a,
		capability:    c,
		integrationID: integrationID,
		actionType:    audit.ActionType(actionType),
		audited:       audited,
	}, nil
}

// Invoke runs one action call. Failures are classified toolerr errors; a
// call needing approval returns Outcome{Status: pending_approval} together
// with an APPROVAL_REQUIRED error.
func (e *Executor) Invoke(ctx context.Context, inv Invocation) (Outcome, error) {
	p, err := e.prepare(inv.Spec, inv.ActionID, inv.Input)
	if err != nil {
		return Outcome{Status: StatusFailed}, err
	}

	entry := audit.Entry{
		OrgID:         inv.OrgID,
		UserID:        inv.UserID,
		ToolID:        inv.ToolID,
		ActionID:      inv.ActionID,
		RunID:         inv.RunID,
		ActionType:    p.actionType,
		IntegrationID: p.integrationID,
		Input:         inv.Input,
	}

	if p.action.RequiresApproval && !inv.Approved {
		if p.audited {
			entry.Status = audit.StatusPendingApproval
			e.audit.LogWriteAction(ctx, entry)
		}
		e.log.Info("action awaiting approval",
			"event", "action_pending_approval",
			"run_id", inv.RunID,
			"action_id", inv.ActionID,
		)
		return Outcome{Status: StatusPendingApproval},
			toolerr.New(toolerr.CodeApprovalRequired, "action %q requires approval", inv.ActionID).
				WithDetail("action", inv.ActionID)
	}

	if inv.DryRun {
		if p.audited {
			entry.Status = audit.StatusDryRun
			e.audit.LogWriteAction(ctx, entry)
		}
		return Outcome{Status: StatusDryRun}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := e.clock.Now()
	resp, err := e.runtime.Invoke(callCtx, p.integrationID, p.capability.ID, inv.Input)
	entry.DurationMs = e.clock.Now().Sub(start).Milliseconds()
	err = toolerr.ClassifyIntegration(err)

	if err != nil {
		e.metrics.IncActionInvocation(p.integrationID, string(StatusFailed))
		e.log.Warn("action failed",
			"event", "action_failed",
			"run_id", inv.RunID,
			"action_id", inv.ActionID,
			"integration_id", p.integrationID,
			"transient", toolerr.IsTransient(err),
			"error", err,
		)
	} else {
		e.metrics.IncActionInvocation(p.integrationID, string(StatusCompleted))
	}

	if p.audited {
		entry.Output = resp.Data
		entry.Status = audit.StatusSuccess
		if err != nil {
			entry.Status = audit.StatusFailed
			entry.Error = err.Error()
		}
		e.audit.LogWriteAction(ctx, entry)
	}

	if err != nil {
		return Outcome{Status: StatusFailed}, err
	}
	return Outcome{Status: StatusCompleted, Output: resp.Data}, nil
}

// Execute runs a standalone action and records it as an ExecutionRun.
//
// Specification and validation errors are returned before any run row is
// created. Every other outcome is reflected in the run row, and failures
// are also returned as classified errors.
func (e *Executor) Execute(ctx context.Context, p Params) (Result, error) {
	if _, err := e.prepare(p.Spec, p.ActionID, p.Input); err != nil {
		return Result{Status: StatusFailed}, err
	}

	specHash, err := p.Spec.Hash()
	if err != nil {
		return Result{Status: StatusFailed}, toolerr.Wrap(toolerr.CodeSpecification, err, "hash spec")
	}
	now := e.clock.Now()
	r := &run.ExecutionRun{
		ID:        e.ids.Generate(),
		ToolID:    p.ToolID,
		OrgID:     p.OrgID,
		UserID:    p.UserID,
		ActionID:  p.ActionID,
		TriggerID: p.TriggerID,
		Status:    run.StatusPending,
		Input:     p.Input,
		SpecHash:  specHash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.runs.CreateRun(ctx, r); err != nil {
		return Result{Status: StatusFailed}, toolerr.Wrap(toolerr.CodeInternal, err, "create run")
	}
	return e.ExecuteRun(ctx, r, p.Spec, RunOptions{DryRun: p.DryRun, Approved: p.Approved})
}

// RunOptions modify ExecuteRun.
type RunOptions struct {
	DryRun   bool
	Approved bool
}

// ExecuteRun executes the action recorded on an existing run row (a fresh
// run or one reset for retry) and persists the outcome.
func (e *Executor) ExecuteRun(ctx context.Context, r *run.ExecutionRun, spec *toolspec.Spec, opts RunOptions) (Result, error) {
	r.Status = run.StatusRunning
	r.CurrentStep = r.ActionID
	r.Error = nil
	e.save(ctx, r)

	out, err := e.Invoke(ctx, Invocation{
		OrgID:    r.OrgID,
		ToolID:   r.ToolID,
		UserID:   r.UserID,
		RunID:    r.ID,
		Spec:     spec,
		ActionID: r.ActionID,
		Input:    r.Input,
		DryRun:   opts.DryRun,
		Approved: opts.Approved,
	})

	if err != nil {
		r.Fail(err)
	} else {
		r.Status = run.StatusCompleted
		r.Output = out.Output
	}
	e.save(ctx, r)

	res := Result{RunID: r.ID, Status: out.Status, Output: out.Output}
	if err != nil {
		e.log.Error("action run failed",
			"event", "run_failed",
			"run_id", r.ID,
			"action_id", r.ActionID,
			"code", toolerr.CodeOf(err),
			"error", err,
		)
		return res, err
	}
	e.log.Info("action run completed", "event", "run_completed", "run_id", r.ID, "action_id", r.ActionID, "status", out.Status)
	return res, nil
}

// save persists r. A missing row is benign (the run was deleted or reset
// concurrently); other store errors are logged and do not change the
// action's outcome.
func (e *Executor) save(ctx context.Context, r *run.ExecutionRun) {
	r.UpdatedAt = e.clock.Now()
	err := e.runs.UpdateRun(context.WithoutCancel(ctx), r)
	switch {
	case err == nil:
	case errors.Is(err, run.ErrRunNotFound):
		e.log.Warn("run row not found on update", "event", "run_missing", "run_id", r.ID)
	default:
		e.log.Error("persist run", "event", "run_persist_failed", "run_id", r.ID, "error", err)
	}
}
