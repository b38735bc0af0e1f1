package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/toolrun/internal/action"
	"github.com/roach88/toolrun/internal/audit"
	"github.com/roach88/toolrun/internal/capability"
	"github.com/roach88/toolrun/internal/integration"
	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/service"
	"github.com/roach88/toolrun/internal/store"
	"github.com/roach88/toolrun/internal/testutil"
	"github.com/roach88/toolrun/internal/timeline"
	"github.com/roach88/toolrun/internal/toolerr"
	"github.com/roach88/toolrun/internal/toolspec"
	"github.com/roach88/toolrun/internal/workflow"
)

// Default scope of scenario steps.
const (
	DefaultOrgID  = "org-1"
	DefaultUserID = "user-1"
)

// Harness is the test execution engine.
// It runs scenarios through the real service layer with a scripted
// integration runtime, a manual clock and sequential ids.
type Harness struct {
	store  *store.Store
	svc    *service.Service
	audit  *audit.Logger
	rt     *integration.ScriptedRuntime
	clock  *testutil.ManualClock
	spec   *toolspec.Spec
	orgID  string
	userID string

	// seen is how many runtime calls are already in the trace.
	seen int
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Standalone action runs are numbered run-1, run-2, ...; workflow runs
// wf-1, wf-2, ...; the clock starts at testutil.Epoch.
//
// The returned error is reserved for harness failures (unreadable spec,
// database errors). Unmet expectations and assertions are reported in
// Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	spec, err := toolspec.LoadFile(scenario.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to load spec: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	h := newHarness(st, spec, scenario)
	for integrationID, connID := range scenario.Connections {
		if err := st.PutConnection(ctx, h.orgID, integrationID, connID); err != nil {
			return nil, fmt.Errorf("failed to seed connection %s: %w", integrationID, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute steps[%d]: %w", i, err)
		}
	}

	actx := &AssertionContext{
		Ctx:    ctx,
		Runs:   st,
		Audit:  st,
		OrgID:  h.orgID,
		ToolID: spec.ID,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func newHarness(st *store.Store, spec *toolspec.Spec, scenario *Scenario) *Harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewManualClock()
	rt := integration.NewScriptedRuntime(scenario.Outcomes)

	auditLog := audit.New(st, st,
		audit.WithClock(clock),
		audit.WithIDGenerator(run.NewSequenceGenerator("audit")),
		audit.WithLogger(logger),
	)
	exec := action.New(capability.MustNewRegistry(capability.Builtin()...), rt, st,
		action.WithAuditLogger(auditLog),
		action.WithClock(clock),
		action.WithIDGenerator(run.NewSequenceGenerator("run")),
		action.WithLogger(logger),
	)
	eng := workflow.New(exec, st,
		workflow.WithClock(clock),
		workflow.WithIDGenerator(run.NewSequenceGenerator("wf")),
		workflow.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
		workflow.WithLogger(logger),
	)
	svc := service.New(service.Deps{
		Actions:   exec,
		Workflows: eng,
		Runs:      st,
		Specs:     service.StaticSpecs{spec.ID: spec},
		Timeline:  timeline.New(st, st, timeline.WithLogger(logger)),
	},
		service.WithClock(clock),
		service.WithLogger(logger),
		service.WithSpawner(func(fn func()) { fn() }),
	)

	h := &Harness{
		store:  st,
		svc:    svc,
		audit:  auditLog,
		rt:     rt,
		clock:  clock,
		spec:   spec,
		orgID:  scenario.OrgID,
		userID: scenario.UserID,
	}
	if h.orgID == "" {
		h.orgID = DefaultOrgID
	}
	if h.userID == "" {
		h.userID = DefaultUserID
	}
	return h
}

func (h *Harness) key(runID string) run.Key {
	return run.Key{RunID: runID, OrgID: h.orgID, ToolID: h.spec.ID}
}

// executeStep runs one step, appends its calls and outcome to the trace and
// checks its expectation.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	if step.Advance != "" {
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		result.AddAdvanceTrace(h.clock.Peek().Format(time.RFC3339))
		return nil
	}

	out, err := h.runStep(ctx, step)
	if err != nil {
		return err
	}
	h.svc.Wait()
	h.audit.Wait()

	calls := h.rt.Calls()
	for _, c := range calls[h.seen:] {
		result.AddCallTrace(c.CapabilityID, c.Input)
	}
	h.seen = len(calls)
	result.AddStepTrace(out)

	if step.Expect != nil {
		if step.Expect.Status != "" && step.Expect.Status != out.Status {
			result.AddError(fmt.Sprintf("steps[%d] (%s): expected status %q, got %q", index, out.Step, step.Expect.Status, out.Status))
		}
		if step.Expect.Code != "" && step.Expect.Code != out.Code {
			result.AddError(fmt.Sprintf("steps[%d] (%s): expected code %q, got %q", index, out.Step, step.Expect.Code, out.Code))
		}
	}
	return nil
}

// runStep dispatches a step to the service. Classified errors become part
// of the outcome; only unexpected store failures are returned.
func (h *Harness) runStep(ctx context.Context, step Step) (StepOutcome, error) {
	out := StepOutcome{Step: step.kind()}

	switch {
	case step.Action != "":
		res, err := h.svc.ExecuteAction(ctx, service.ActionParams{
			OrgID:     h.orgID,
			ToolID:    h.spec.ID,
			UserID:    h.userID,
			ActionID:  step.Action,
			TriggerID: "scenario",
			Spec:      h.spec,
			Input:     step.Input,
			DryRun:    step.DryRun,
			Approved:  step.Approve,
		})
		out.RunID = res.RunID
		out.Status = string(res.Status)
		out.Code = codeOf(err)
		return out, nil

	case step.Workflow != "":
		started, err := h.svc.RunWorkflow(ctx, service.WorkflowParams{
			OrgID:      h.orgID,
			ToolID:     h.spec.ID,
			UserID:     h.userID,
			WorkflowID: step.Workflow,
			TriggerID:  "scenario",
			Spec:       h.spec,
			Input:      step.Input,
			Approved:   step.Approve,
		})
		if err != nil {
			out.Code = codeOf(err)
			return out, nil
		}
		h.svc.Wait()
		return h.withRun(ctx, out, started.RunID)

	case step.Retry != "":
		_, err := h.svc.RetryRun(ctx, h.key(step.Retry), service.RetryOptions{Approved: step.Approve})
		if err != nil {
			out.RunID = step.Retry
			out.Code = codeOf(err)
			return out, nil
		}
		h.svc.Wait()
		return h.withRun(ctx, out, step.Retry)

	case step.Resume != "":
		_, err := h.svc.ResumeRun(ctx, h.key(step.Resume))
		if toolerr.Is(err, toolerr.CodeNotFound) {
			out.RunID = step.Resume
			out.Code = codeOf(err)
			return out, nil
		}
		out, rerr := h.withRun(ctx, out, step.Resume)
		if err != nil {
			out.Code = codeOf(err)
		}
		return out, rerr

	case step.ResumeDue:
		summary, err := h.svc.ResumeDue(ctx, 0)
		if err != nil {
			return out, err
		}
		out.Runs = []string{}
		for _, s := range summary.Resumed {
			out.Runs = append(out.Runs, s.RunID)
		}
		out.Status = fmt.Sprintf("%d resumed", len(summary.Resumed))
		if len(summary.Errors) > 0 {
			out.Code = "RESUME_ERRORS"
		}
		return out, nil
	}

	return out, fmt.Errorf("empty step")
}

// withRun fills the outcome from the stored run: its status, and its error
// code if it failed.
func (h *Harness) withRun(ctx context.Context, out StepOutcome, runID string) (StepOutcome, error) {
	r, err := h.store.GetRun(ctx, h.key(runID))
	if err != nil {
		return out, fmt.Errorf("read run %s: %w", runID, err)
	}
	out.RunID = r.ID
	out.Status = string(r.Status)
	if r.Error != nil {
		out.Code = string(r.Error.Code)
	}
	return out, nil
}

func codeOf(err error) string {
	if err == nil {
		return ""
	}
	return string(toolerr.CodeOf(err))
}
