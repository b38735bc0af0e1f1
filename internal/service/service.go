// Package service is the execution API: it wires the action executor,
// workflow engine, join and linking functions and the timeline aggregator
// behind the operations callers use.
//
// Workflow runs and retries execute in the background. Their progress is
// observed by polling the run row; Wait drains background executions.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/toolrun/internal/action"
	"github.com/roach88/toolrun/internal/join"
	"github.com/roach88/toolrun/internal/linking"
	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/timeline"
	"github.com/roach88/toolrun/internal/toolerr"
	"github.com/roach88/toolrun/internal/toolspec"
	"github.com/roach88/toolrun/internal/workflow"
)

// RetryTriggerPrefix prefixes the trigger id of a retried run.
const RetryTriggerPrefix = "retry:"

// RetryStarted is the status returned when a retry was accepted.
const RetryStarted = "retry_started"

// SpecProvider returns the current spec of a tool.
type SpecProvider interface {
	Spec(ctx context.Context, orgID, toolID string) (*toolspec.Spec, error)
}

// StaticSpecs serves specs from memory, keyed by tool id.
type StaticSpecs map[string]*toolspec.Spec

// Spec implements SpecProvider.
func (s StaticSpecs) Spec(ctx context.Context, orgID, toolID string) (*toolspec.Spec, error) {
	spec, ok := s[toolID]
	if !ok {
		return nil, toolerr.NotFound("spec", toolID)
	}
	return spec, nil
}

// Deps are the components a Service wires together.
type Deps struct {
	Actions   *action.Executor
	Workflows *workflow.Engine
	Runs      run.Store
	Specs     SpecProvider
	Timeline  *timeline.Aggregator
}

// Service implements the execution API.
type Service struct {
	actions   *action.Executor
	workflows *workflow.Engine
	runs      run.Store
	specs     SpecProvider
	timeline  *timeline.Aggregator
	clock     run.Clock
	log       *slog.Logger
	spawn     func(func())
	wg        sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for due-run selection and row timestamps.
func WithClock(c run.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithSpawner replaces how background executions are started. The
// function must eventually call its argument exactly once.
func WithSpawner(spawn func(func())) Option {
	return func(s *Service) { s.spawn = spawn }
}

// New creates a Service.
func New(d Deps, opts ...Option) *Service {
	s := &Service{
		actions:   d.Actions,
		workflows: d.Workflows,
		runs:      d.Runs,
		specs:     d.Specs,
		timeline:  d.Timeline,
		clock:     run.SystemClock{},
		log:       slog.Default(),
	}
	s.spawn = func(fn func()) { go fn() }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until every background execution started so far has
// finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) background(fn func()) {
	s.wg.Add(1)
	s.spawn(func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("background execution panicked", "event", "execution_panic", "panic", r)
			}
		}()
		fn()
	})
}

// ActionParams starts a standalone action.
type ActionParams = action.Params

// ActionResult is returned by ExecuteAction.
type ActionResult = action.Result

// ExecuteAction runs one action synchronously. An action awaiting approval
// is not an error: its result has status pending_approval.
func (s *Service) ExecuteAction(ctx context.Context, p ActionParams) (ActionResult, error) {
	res, err := s.actions.Execute(ctx, p)
	if toolerr.Is(err, toolerr.CodeApprovalRequired) {
		return res, nil
	}
	return res, err
}

// WorkflowParams starts a workflow run.
type WorkflowParams = workflow.StartParams

// Started is returned by operations that continue in the background.
type Started struct {
	RunID  string     `json:"runId"`
	Status run.Status `json:"status"`
}

// RunWorkflow validates the workflow, creates its run and executes it in
// the background. Specification errors are returned before any run exists.
func (s *Service) RunWorkflow(ctx context.Context, p WorkflowParams) (Started, error) {
	r, err := s.workflows.Start(ctx, p)
	if err != nil {
		return Started{}, err
	}
	started := Started{RunID: r.ID, Status: r.Status}
	bg := context.WithoutCancel(ctx)
	s.background(func() {
		_ = s.workflows.Execute(bg, r, p.Spec)
	})
	return started, nil
}

// RetryOptions modify RetryRun.
type RetryOptions struct {
	// Approved lets actions that require approval run on the retry.
	Approved bool
}

// RetryResult is returned by RetryRun.
type RetryResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// RetryRun re-executes a finished run in place: same row, same input, with
// trigger id "retry:<runId>". The retry counter is kept; workflow progress
// is reset. Runs still pending or running are refused, as are runs naming
// neither an action nor a workflow.
func (s *Service) RetryRun(ctx context.Context, key run.Key, opts RetryOptions) (RetryResult, error) {
	r, err := s.getRun(ctx, key)
	if err != nil {
		return RetryResult{}, err
	}
	if !r.Status.Terminal() {
		return RetryResult{}, toolerr.New(toolerr.CodeConflict, "run %q is %s and cannot be retried", r.ID, r.Status).
			WithDetail("run", r.ID).
			WithDetail("status", string(r.Status))
	}
	if r.ActionID == "" && r.WorkflowID == "" {
		return RetryResult{}, toolerr.New(toolerr.CodeConflict, "run %q has no action or workflow to retry", r.ID).
			WithDetail("run", r.ID)
	}

	spec, err := s.specFor(ctx, r)
	if err != nil {
		return RetryResult{}, err
	}
	if r.WorkflowID != "" {
		_, err = workflow.Compile(spec, r.WorkflowID)
	} else {
		err = s.actions.Prepare(spec, r.ActionID, r.Input)
	}
	if err != nil {
		return RetryResult{}, err
	}

	r.Status = run.StatusPending
	r.TriggerID = RetryTriggerPrefix + r.ID
	r.CurrentStep = ""
	r.Output = nil
	r.Error = nil
	r.ResumeAt = nil
	if r.WorkflowID != "" {
		r.State = run.NewWorkflowState()
		r.State.Approved = opts.Approved
	}
	r.UpdatedAt = s.clock.Now()
	if err := s.runs.UpdateRunIf(ctx, r, run.Guard{Statuses: run.TerminalStatuses}); err != nil {
		switch {
		case errors.Is(err, run.ErrRunNotFound):
			return RetryResult{}, toolerr.NotFound("run", r.ID)
		case errors.Is(err, run.ErrRunChanged):
			return RetryResult{}, toolerr.New(toolerr.CodeConflict, "run %q was restarted concurrently", r.ID).
				WithDetail("run", r.ID)
		}
		return RetryResult{}, toolerr.Wrap(toolerr.CodeInternal, err, "reset run")
	}

	s.log.Info("retry started",
		"event", "retry_started",
		"run_id", r.ID,
		"action_id", r.ActionID,
		"workflow_id", r.WorkflowID,
		"retries", r.Retries,
	)
	bg := context.WithoutCancel(ctx)
	s.background(func() {
		if r.WorkflowID != "" {
			_ = s.workflows.Execute(bg, r, spec)
			return
		}
		_, _ = s.actions.ExecuteRun(bg, r, spec, action.RunOptions{Approved: opts.Approved})
	})
	return RetryResult{RunID: r.ID, Status: RetryStarted}, nil
}

// ResumeRun continues a workflow run suspended at a wait node. It runs
// synchronously; a run not yet due returns a NOT_READY error.
func (s *Service) ResumeRun(ctx context.Context, key run.Key) (Started, error) {
	r, err := s.getRun(ctx, key)
	if err != nil {
		return Started{}, err
	}
	spec, err := s.specFor(ctx, r)
	if err != nil {
		return Started{}, err
	}
	err = s.workflows.Resume(ctx, r, spec)
	return Started{RunID: r.ID, Status: r.Status}, err
}

// ResumeSummary reports one ResumeDue pass.
type ResumeSummary struct {
	Resumed []Started         `json:"resumed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// ResumeDue resumes every suspended run whose resume time has passed, up
// to limit runs (limit <= 0 means no limit). Individual failures are
// reported in the summary; only a failure to list runs is returned.
func (s *Service) ResumeDue(ctx context.Context, limit int) (ResumeSummary, error) {
	due, err := s.runs.ListDueRuns(ctx, s.clock.Now(), limit)
	if err != nil {
		return ResumeSummary{}, toolerr.Wrap(toolerr.CodeInternal, err, "list due runs")
	}
	summary := ResumeSummary{Resumed: []Started{}}
	for _, r := range due {
		spec, err := s.specFor(ctx, r)
		if err == nil {
			err = s.workflows.Resume(ctx, r, spec)
		}
		if toolerr.CodeOf(err) == toolerr.CodeConflict {
			s.log.Debug("run claimed elsewhere", "event", "resume_skipped", "run_id", r.ID)
			continue
		}
		if err != nil {
			if summary.Errors == nil {
				summary.Errors = make(map[string]string)
			}
			summary.Errors[r.ID] = err.Error()
			s.log.Warn("resume failed", "event", "resume_failed", "run_id", r.ID, "error", err)
		}
		summary.Resumed = append(summary.Resumed, Started{RunID: r.ID, Status: r.Status})
	}
	return summary, nil
}

// GetRun returns one run.
func (s *Service) GetRun(ctx context.Context, key run.Key) (*run.ExecutionRun, error) {
	return s.getRun(ctx, key)
}

// ListRuns returns a tool's runs newest first.
func (s *Service) ListRuns(ctx context.Context, orgID, toolID string, limit int) ([]*run.ExecutionRun, error) {
	runs, err := s.runs.ListRuns(ctx, orgID, toolID, limit)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.CodeInternal, err, "list runs")
	}
	return runs, nil
}

// ExecuteJoin joins two bounded row sets.
func (s *Service) ExecuteJoin(def join.Definition, left, right []join.Row) (join.Result, error) {
	return join.Execute(def, left, right)
}

// LinkOptions modify LinkEntities.
type LinkOptions struct {
	// Dedupe keeps only the best candidate per (sourceId, targetId).
	Dedupe bool
}

// LinkEntities proposes link candidates.
func (s *Service) LinkEntities(p linking.Params, opts LinkOptions) []linking.Candidate {
	cands := linking.Link(p)
	if opts.Dedupe {
		return linking.Dedupe(cands)
	}
	return cands
}

// AggregateTimeline returns the tool's event feed, newest first.
func (s *Service) AggregateTimeline(ctx context.Context, orgID, toolID string, spec *toolspec.Spec) ([]timeline.Event, error) {
	events, err := s.timeline.Aggregate(ctx, orgID, toolID, spec)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.CodeInternal, err, "aggregate timeline")
	}
	return events, nil
}

func (s *Service) getRun(ctx context.Context, key run.Key) (*run.ExecutionRun, error) {
	r, err := s.runs.GetRun(ctx, key)
	if errors.Is(err, run.ErrRunNotFound) {
		return nil, toolerr.NotFound("run", key.RunID)
	}
	if err != nil {
		return nil, toolerr.Wrap(toolerr.CodeInternal, err, "get run")
	}
	return r, nil
}

// specFor loads the tool's current spec and warns when it differs from the
// version the run was started with.
func (s *Service) specFor(ctx context.Context, r *run.ExecutionRun) (*toolspec.Spec, error) {
	spec, err := s.specs.Spec(ctx, r.OrgID, r.ToolID)
	if err != nil {
		return nil, err
	}
	if h, err := spec.Hash(); err == nil && r.SpecHash != "" && h != r.SpecHash {
		s.log.Warn("spec changed since run started",
			"event", "spec_changed",
			"run_id", r.ID,
			"run_spec_hash", r.SpecHash,
			"spec_hash", h,
		)
	}
	return spec, nil
}
