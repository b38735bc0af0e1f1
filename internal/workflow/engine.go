package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/roach88/toolrun/internal/action"
	"github.com/roach88/toolrun/internal/metrics"
	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/toolerr"
	"github.com/roach88/toolrun/internal/toolspec"
)

// ActionInvoker runs the action behind an action node.
// Implemented by *action.Executor.
type ActionInvoker interface {
	Invoke(ctx context.Context, inv action.Invocation) (action.Outcome, error)
}

// Sleeper waits d or until ctx is done. Tests replace it to avoid real
// backoff delays.
type Sleeper func(ctx context.Context, d time.Duration) error

// Engine executes workflow runs.
//
// Thread-safety: an Engine holds no per-run state and is safe for
// concurrent use. A single run must not be executed by two goroutines at
// once; the persisted run row is the only record of progress.
type Engine struct {
	actions ActionInvoker
	runs    run.Store
	clock   run.Clock
	ids     run.IDGenerator
	sleep   Sleeper
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for timestamps, timeouts and resume times.
func WithClock(c run.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the run id generator.
func WithIDGenerator(g run.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics handle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine.
func New(actions ActionInvoker, runs run.Store, opts ...Option) *Engine {
	e := &Engine{
		actions: actions,
		runs:    runs,
		clock:   run.SystemClock{},
		ids:     run.UUIDv7Generator{},
		sleep:   sleepContext,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StartParams starts a workflow run.
type StartParams struct {
	OrgID      string
	ToolID     string
	UserID     string
	WorkflowID string
	TriggerID  string
	Spec       *toolspec.Spec
	Input      map[string]any

	// Approved lets action nodes that require approval run.
	Approved bool
}

// Start compiles the workflow and creates its pending run row. A spec
// problem is returned before any row exists.
func (e *Engine) Start(ctx context.Context, p StartParams) (*run.ExecutionRun, error) {
	if _, err := Compile(p.Spec, p.WorkflowID); err != nil {
		return nil, err
	}
	specHash, err := p.Spec.Hash()
	if err != nil {
		return nil, toolerr.Wrap(toolerr.CodeSpecification, err, "hash spec")
	}
	state := run.NewWorkflowState()
	state.Approved = p.Approved

	now := e.clock.Now()
	r := &run.ExecutionRun{
		ID:         e.ids.Generate(),
		ToolID:     p.ToolID,
		OrgID:      p.OrgID,
		UserID:     p.UserID,
		WorkflowID: p.WorkflowID,
		TriggerID:  p.TriggerID,
		Status:     run.StatusPending,
		Input:      p.Input,
		SpecHash:   specHash,
		State:      state,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.runs.CreateRun(ctx, r); err != nil {
		return nil, toolerr.Wrap(toolerr.CodeInternal, err, "create run")
	}
	e.log.Info("workflow run created",
		"event", "run_created",
		"run_id", r.ID,
		"workflow_id", r.WorkflowID,
		"trigger_id", r.TriggerID,
	)
	return r, nil
}

// Run starts a workflow and executes it synchronously.
func (e *Engine) Run(ctx context.Context, p StartParams) (*run.ExecutionRun, error) {
	r, err := e.Start(ctx, p)
	if err != nil {
		return nil, err
	}
	return r, e.Execute(ctx, r, p.Spec)
}

// Resume continues a run suspended at a wait node. Resuming before the
// run's resume time is a NOT_READY error and leaves the run untouched.
func (e *Engine) Resume(ctx context.Context, r *run.ExecutionRun, spec *toolspec.Spec) error {
	if r.WorkflowID == "" {
		return toolerr.New(toolerr.CodeConflict, "run %q is not a workflow run", r.ID).WithDetail("run", r.ID)
	}
	if r.Status != run.StatusRunning || r.ResumeAt == nil {
		return toolerr.New(toolerr.CodeConflict, "run %q is %s and not suspended", r.ID, r.Status).
			WithDetail("run", r.ID).
			WithDetail("status", string(r.Status))
	}
	if now := e.clock.Now(); now.Before(*r.ResumeAt) {
		return toolerr.New(toolerr.CodeNotReady, "run %q resumes at %s", r.ID, r.ResumeAt.Format(time.RFC3339)).
			WithDetail("run", r.ID).
			WithDetail("resume_at", r.ResumeAt.Format(time.RFC3339Nano))
	}

	// Claim the run: only one caller clears a given resume time.
	r.ResumeAt = nil
	r.UpdatedAt = e.clock.Now()
	if err := e.runs.UpdateRunIf(ctx, r, run.Guard{Statuses: []run.Status{run.StatusRunning}, Suspended: true}); err != nil {
		switch {
		case errors.Is(err, run.ErrRunNotFound):
			return toolerr.NotFound("run", r.ID)
		case errors.Is(err, run.ErrRunChanged):
			return toolerr.New(toolerr.CodeConflict, "run %q was already resumed", r.ID).WithDetail("run", r.ID)
		}
		return toolerr.Wrap(toolerr.CodeInternal, err, "claim run")
	}

	e.log.Info("resuming workflow run", "event", "run_resumed", "run_id", r.ID, "step", r.CurrentStep)
	return e.Execute(ctx, r, spec)
}

// Execute walks r's workflow from wherever its state left off until the
// run completes, fails, or suspends at a wait node.
//
// The run row is persisted before every node and at every transition, so a
// crash leaves an inspectable CurrentStep. The returned error is the
// terminal failure, if any; a suspended or completed run returns nil.
func (e *Engine) Execute(ctx context.Context, r *run.ExecutionRun, spec *toolspec.Spec) error {
	plan, err := Compile(spec, r.WorkflowID)
	if err != nil {
		return e.fail(ctx, r, "", err)
	}
	if r.State == nil {
		r.State = run.NewWorkflowState()
	}
	st := r.State
	if len(st.Activated) == 0 {
		st.Activate(plan.Start)
	}

	r.Status = run.StatusRunning
	r.ResumeAt = nil
	r.Error = nil

	timeoutMs := plan.Workflow.TimeoutMs
	policy := NewRetryPolicy(plan.Workflow.RetryPolicy)
	segmentStart := e.clock.Now()
	elapsedBefore := st.ElapsedMs
	elapsed := func() int64 {
		return elapsedBefore + e.clock.Now().Sub(segmentStart).Milliseconds()
	}

	runCtx := ctx
	if timeoutMs > 0 {
		remaining := timeoutMs - elapsedBefore
		if remaining <= 0 {
			return e.fail(ctx, r, r.CurrentStep, timeoutError(timeoutMs))
		}
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(remaining)*time.Millisecond)
		defer cancel()
	}

	for _, id := range plan.Order {
		if st.IsCompleted(id) || !st.IsActivated(id) {
			continue
		}
		if timeoutMs > 0 && elapsed() >= timeoutMs {
			st.ElapsedMs = elapsed()
			return e.fail(ctx, r, id, timeoutError(timeoutMs))
		}

		node, _ := plan.Node(id)
		r.CurrentStep = id
		st.ElapsedMs = elapsed()
		e.save(ctx, r)

		if node.Type == toolspec.NodeWait {
			resumeAt := e.clock.Now().Add(time.Duration(node.DurationMs) * time.Millisecond)
			st.Complete(id, map[string]any{"resumeAt": resumeAt.Format(time.RFC3339Nano)})
			activate(plan, st, id, nil)
			st.ElapsedMs = elapsed()
			r.ResumeAt = &resumeAt
			e.save(ctx, r)
			e.metrics.IncWorkflowRun("suspended")
			e.log.Info("workflow run suspended",
				"event", "run_suspended",
				"run_id", r.ID,
				"node", id,
				"resume_at", resumeAt,
			)
			return nil
		}

		out, err := e.runNode(runCtx, r, plan, node, policy)
		if err != nil {
			if timeoutMs > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				err = timeoutError(timeoutMs)
			} else if timeoutMs > 0 && elapsed() >= timeoutMs {
				err = timeoutError(timeoutMs)
			}
			st.ElapsedMs = elapsed()
			return e.fail(ctx, r, id, err)
		}
		st.Complete(id, out)
		activate(plan, st, id, out)
		e.log.Debug("node completed", "event", "node_completed", "run_id", r.ID, "node", id, "type", node.Type)
	}

	st.Skipped = st.Skipped[:0]
	for _, id := range plan.Order {
		if !st.IsCompleted(id) {
			st.Skipped = append(st.Skipped, id)
		}
	}
	st.ElapsedMs = elapsed()
	r.Status = run.StatusCompleted
	r.Output = st.Steps
	e.save(ctx, r)
	e.metrics.IncWorkflowRun(string(run.StatusCompleted))
	e.log.Info("workflow run completed",
		"event", "run_completed",
		"run_id", r.ID,
		"workflow_id", r.WorkflowID,
		"retries", r.Retries,
		"elapsed_ms", st.ElapsedMs,
	)
	return nil
}

// runNode evaluates one node, retrying transient failures per policy. Each
// retry increments the run's retry counter and is persisted.
func (e *Engine) runNode(ctx context.Context, r *run.ExecutionRun, plan *Plan, node toolspec.Node, policy RetryPolicy) (any, error) {
	for attempt := 0; ; attempt++ {
		out, err := e.evalNode(ctx, r, plan, node)
		if err == nil {
			return out, nil
		}
		if !toolerr.IsTransient(err) || !policy.ShouldRetry(attempt) || ctx.Err() != nil {
			return nil, err
		}

		r.Retries++
		e.metrics.IncNodeRetry(string(node.Type))
		delay := policy.Delay(attempt + 1)
		e.log.Warn("retrying node after transient failure",
			"event", "node_retry",
			"run_id", r.ID,
			"node", node.ID,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		e.save(ctx, r)
		if serr := e.sleep(ctx, delay); serr != nil {
			return nil, err
		}
	}
}

func (e *Engine) evalNode(ctx context.Context, r *run.ExecutionRun, plan *Plan, node toolspec.Node) (any, error) {
	sc, err := newScope(r.Input, r.State.Steps)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.CodeInternal, err, "node "+node.ID)
	}

	switch node.Type {
	case toolspec.NodeAction:
		input := r.Input
		if len(node.Input) > 0 {
			if input, err = sc.Map(node.Input); err != nil {
				return nil, expressionError(node, err)
			}
		}
		out, err := e.actions.Invoke(ctx, action.Invocation{
			OrgID:    r.OrgID,
			ToolID:   r.ToolID,
			UserID:   r.UserID,
			RunID:    r.ID,
			Spec:     plan.Spec,
			ActionID: node.ActionID,
			Input:    input,
			Approved: r.State.Approved,
		})
		if err != nil {
			return nil, err
		}
		return out.Output, nil

	case toolspec.NodeCondition:
		b, err := sc.Bool(node.Expression)
		if err != nil {
			return nil, expressionError(node, err)
		}
		return b, nil

	case toolspec.NodeTransform:
		m, err := sc.Map(node.Mapping)
		if err != nil {
			return nil, expressionError(node, err)
		}
		return m, nil
	}
	return nil, toolerr.Specification("node %q has unknown type %q", node.ID, node.Type).WithDetail("node", node.ID)
}

// activate marks the targets of the edges taken out of id. After a
// condition node only unlabeled edges and edges labeled with the result
// are taken.
func activate(plan *Plan, st *run.WorkflowState, id string, out any) {
	node, _ := plan.Node(id)
	for _, edge := range plan.Successors(id) {
		if edge.When != "" && node.Type == toolspec.NodeCondition {
			b, _ := out.(bool)
			if edge.When != strconv.FormatBool(b) {
				continue
			}
		}
		st.Activate(edge.To)
	}
}

func expressionError(node toolspec.Node, err error) error {
	return toolerr.Wrap(toolerr.CodeSpecification, err, "node "+node.ID+" expression").
		WithDetail("node", node.ID)
}

func timeoutError(timeoutMs int64) error {
	return toolerr.New(toolerr.CodeTimeout, "workflow exceeded timeout of %dms", timeoutMs).
		WithDetail("timeout_ms", strconv.FormatInt(timeoutMs, 10))
}

func (e *Engine) fail(ctx context.Context, r *run.ExecutionRun, node string, err error) error {
	if node != "" {
		r.CurrentStep = node
	}
	r.Fail(err)
	e.save(ctx, r)
	e.metrics.IncWorkflowRun(string(run.StatusFailed))
	e.log.Error("workflow run failed",
		"event", "run_failed",
		"run_id", r.ID,
		"node", node,
		"code", toolerr.CodeOf(err),
		"retries", r.Retries,
		"error", err,
	)
	return err
}

// save persists r. A missing row is benign; other store errors are logged
// and do not change the run's outcome.
func (e *Engine) save(ctx context.Context, r *run.ExecutionRun) {
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
