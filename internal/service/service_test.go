package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/toolrun/internal/action"
	"github.com/roach88/toolrun/internal/capability"
	"github.com/roach88/toolrun/internal/integration"
	"github.com/roach88/toolrun/internal/join"
	"github.com/roach88/toolrun/internal/linking"
	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/store"
	"github.com/roach88/toolrun/internal/testutil"
	"github.com/roach88/toolrun/internal/timeline"
	"github.com/roach88/toolrun/internal/toolerr"
	"github.com/roach88/toolrun/internal/toolspec"
	"github.com/roach88/toolrun/internal/workflow"
)

const (
	testOrg  = "org-1"
	testTool = "triage-tool"
)

type fixture struct {
	svc   *Service
	store *store.Store
	rt    *integration.ScriptedRuntime
	clock *testutil.ManualClock
	specs StaticSpecs
}

// closeSpec is the triage spec plus a workflow running the approval-gated
// action.
func closeSpec() *toolspec.Spec {
	spec := testutil.TriageSpec()
	spec.Workflows = append(spec.Workflows, toolspec.Workflow{
		ID: "close",
		Nodes: []toolspec.Node{{
			ID:       "close",
			Type:     toolspec.NodeAction,
			ActionID: "close_issue",
			Input: map[string]string{
				"repo":   `"acme/api"`,
				"number": "7",
				"state":  `"closed"`,
			},
		}},
	})
	return spec
}

func newFixture(t *testing.T, scripts map[string][]integration.Outcome) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log, _ := testutil.Logger()
	clock := testutil.NewManualClock()
	rt := integration.NewScriptedRuntime(scripts)
	exec := action.New(capability.MustNewRegistry(capability.Builtin()...), rt, st,
		action.WithClock(clock),
		action.WithIDGenerator(run.NewSequenceGenerator("run")),
		action.WithLogger(log),
	)
	eng := workflow.New(exec, st,
		workflow.WithClock(clock),
		workflow.WithIDGenerator(run.NewSequenceGenerator("wf")),
		workflow.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
		workflow.WithLogger(log),
	)
	specs := StaticSpecs{testTool: closeSpec()}
	svc := New(Deps{
		Actions:   exec,
		Workflows: eng,
		Runs:      st,
		Specs:     specs,
		Timeline:  timeline.New(st, st, timeline.WithLogger(log)),
	},
		WithClock(clock),
		WithLogger(log),
		WithSpawner(func(fn func()) { fn() }),
	)
	return &fixture{svc: svc, store: st, rt: rt, clock: clock, specs: specs}
}

func key(id string) run.Key {
	return run.Key{RunID: id, OrgID: testOrg, ToolID: testTool}
}

func (f *fixture) actionParams(actionID string, input map[string]any) ActionParams {
	return ActionParams{
		OrgID:     testOrg,
		ToolID:    testTool,
		UserID:    "user-1",
		ActionID:  actionID,
		TriggerID: "manual",
		Spec:      f.specs[testTool],
		Input:     input,
	}
}

func (f *fixture) workflowParams(workflowID string) WorkflowParams {
	return WorkflowParams{
		OrgID:      testOrg,
		ToolID:     testTool,
		UserID:     "user-1",
		WorkflowID: workflowID,
		TriggerID:  "manual",
		Spec:       f.specs[testTool],
		Input:      map[string]any{"team": "core"},
	}
}

func TestExecuteAction_PendingApprovalIsNotAnError(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.ExecuteAction(context.Background(), f.actionParams("close_issue",
		map[string]any{"repo": "acme/api", "number": 7, "state": "closed"}))
	require.NoError(t, err)
	assert.Equal(t, action.StatusPendingApproval, res.Status)
	assert.Equal(t, 0, f.rt.CallCount("github.issues"))

	r, err := f.svc.GetRun(context.Background(), key(res.RunID))
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, toolerr.CodeApprovalRequired, r.Error.Code)
}

func TestExecuteAction_ValidationFailure(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.ExecuteAction(context.Background(), f.actionParams("list_issues", map[string]any{"colour": "red"}))
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeValidation, toolerr.CodeOf(err))

	runs, err := f.svc.ListRuns(context.Background(), testOrg, testTool, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunWorkflow_ReturnsPendingThenCompletes(t *testing.T) {
	f := newFixture(t, map[string][]integration.Outcome{
		"linear.issues": {{Data: map[string]any{"issues": []any{map[string]any{"id": "ENG-1"}}}}},
	})

	started, err := f.svc.RunWorkflow(context.Background(), f.workflowParams("triage"))
	require.NoError(t, err)
	assert.Equal(t, Started{RunID: "wf-1", Status: run.StatusPending}, started)

	f.svc.Wait()
	r, err := f.svc.GetRun(context.Background(), key("wf-1"))
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, 1, f.rt.CallCount("slack.messages"))
}

func TestRunWorkflow_SpecificationErrorCreatesNoRun(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.RunWorkflow(context.Background(), f.workflowParams("missing"))
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeSpecification, toolerr.CodeOf(err))

	runs, err := f.svc.ListRuns(context.Background(), testOrg, testTool, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRetryRun_FailedAction(t *testing.T) {
	f := newFixture(t, map[string][]integration.Outcome{
		"linear.issues": {
			{Status: 401, Error: "bad credentials"},
			{Data: map[string]any{"issues": []any{}}},
		},
	})
	ctx := context.Background()

	_, err := f.svc.ExecuteAction(ctx, f.actionParams("list_issues", map[string]any{"team": "core"}))
	require.Error(t, err)

	res, err := f.svc.RetryRun(ctx, key("run-1"), RetryOptions{})
	require.NoError(t, err)
	assert.Equal(t, RetryResult{RunID: "run-1", Status: RetryStarted}, res)

	f.svc.Wait()
	r, err := f.svc.GetRun(ctx, key("run-1"))
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, "retry:run-1", r.TriggerID)
	assert.Nil(t, r.Error)
	assert.Equal(t, map[string]any{"team": "core"}, f.rt.Calls()[1].Input)
}

func TestRetryRun_ApprovedWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	started, err := f.svc.RunWorkflow(ctx, f.workflowParams("close"))
	require.NoError(t, err)
	f.svc.Wait()

	r, err := f.svc.GetRun(ctx, key(started.RunID))
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, toolerr.CodeApprovalRequired, r.Error.Code)

	_, err = f.svc.RetryRun(ctx, key(started.RunID), RetryOptions{Approved: true})
	require.NoError(t, err)
	f.svc.Wait()

	r, err = f.svc.GetRun(ctx, key(started.RunID))
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.True(t, r.State.Approved)
	assert.Equal(t, 1, f.rt.CallCount("github.issues"))
}

func TestRetryRun_Refusals(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := testutil.Epoch
	for _, r := range []*run.ExecutionRun{
		{ID: "busy", ActionID: "list_issues", Status: run.StatusRunning},
		{ID: "bare", Status: run.StatusFailed},
	} {
		r.OrgID, r.ToolID, r.CreatedAt, r.UpdatedAt = testOrg, testTool, now, now
		require.NoError(t, f.store.CreateRun(ctx, r))
	}

	tests := []struct {
		id   string
		code toolerr.Code
	}{
		{"busy", toolerr.CodeConflict},
		{"bare", toolerr.CodeConflict},
		{"nope", toolerr.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			_, err := f.svc.RetryRun(ctx, key(tt.id), RetryOptions{})
			require.Error(t, err)
			assert.Equal(t, tt.code, toolerr.CodeOf(err))
		})
	}

	r, err := f.svc.GetRun(ctx, key("busy"))
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, r.Status)
}

// staleReads serves a fixed snapshot of one run, as a caller that read the
// row before another caller reset it would see.
type staleReads struct {
	*store.Store
	snapshot run.ExecutionRun
}

func (s staleReads) GetRun(ctx context.Context, key run.Key) (*run.ExecutionRun, error) {
	r := s.snapshot
	return &r, nil
}

func TestRetryRun_LosesRaceToConcurrentRetry(t *testing.T) {
	f := newFixture(t, map[string][]integration.Outcome{
		"linear.issues": {{Status: 401, Error: "bad credentials"}},
	})
	ctx := context.Background()

	_, err := f.svc.ExecuteAction(ctx, f.actionParams("list_issues", map[string]any{"team": "core"}))
	require.Error(t, err)
	failed, err := f.store.GetRun(ctx, key("run-1"))
	require.NoError(t, err)

	// Another retry already moved the row back to pending.
	winner := *failed
	winner.Status = run.StatusPending
	winner.TriggerID = "retry:run-1"
	require.NoError(t, f.store.UpdateRun(ctx, &winner))

	svc := New(Deps{
		Actions:   f.svc.actions,
		Workflows: f.svc.workflows,
		Runs:      staleReads{Store: f.store, snapshot: *failed},
		Specs:     f.specs,
	},
		WithClock(f.clock),
		WithSpawner(func(fn func()) { fn() }),
	)
	_, err = svc.RetryRun(ctx, key("run-1"), RetryOptions{})
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeConflict, toolerr.CodeOf(err))
	assert.Equal(t, 1, f.rt.CallCount("linear.issues"))

	r, err := f.store.GetRun(ctx, key("run-1"))
	require.NoError(t, err)
	assert.Equal(t, run.StatusPending, r.Status)
}

func TestResumeRun_SecondResumeConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	started, err := f.svc.RunWorkflow(ctx, f.workflowParams("delayed_notify"))
	require.NoError(t, err)
	f.svc.Wait()
	suspended, err := f.store.GetRun(ctx, key(started.RunID))
	require.NoError(t, err)
	require.NotNil(t, suspended.ResumeAt)

	f.clock.Advance(time.Minute)
	_, err = f.svc.ResumeRun(ctx, key(started.RunID))
	require.NoError(t, err)

	// A due-run pass that listed the run before the first resume finished.
	err = f.svc.workflows.Resume(ctx, suspended, f.specs[testTool])
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeConflict, toolerr.CodeOf(err))
	assert.Equal(t, 1, f.rt.CallCount("slack.messages"))
}

func TestRetryRun_WarnsWhenSpecChanged(t *testing.T) {
	log, buf := testutil.Logger()
	f := newFixture(t, map[string][]integration.Outcome{
		"linear.issues": {{Status: 401, Error: "bad credentials"}},
	})
	f.svc.log = log
	ctx := context.Background()

	_, err := f.svc.ExecuteAction(ctx, f.actionParams("list_issues", nil))
	require.Error(t, err)

	changed := closeSpec()
	changed.Version = 2
	f.specs[testTool] = changed

	_, err = f.svc.RetryRun(ctx, key("run-1"), RetryOptions{})
	require.NoError(t, err)
	f.svc.Wait()
	assert.Contains(t, buf.String(), "spec_changed")
}

func TestResume_WaitWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	started, err := f.svc.RunWorkflow(ctx, f.workflowParams("delayed_notify"))
	require.NoError(t, err)
	f.svc.Wait()

	_, err = f.svc.ResumeRun(ctx, key(started.RunID))
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeNotReady, toolerr.CodeOf(err))

	summary, err := f.svc.ResumeDue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, summary.Resumed)

	f.clock.Advance(time.Minute)
	summary, err = f.svc.ResumeDue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []Started{{RunID: started.RunID, Status: run.StatusCompleted}}, summary.Resumed)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, 1, f.rt.CallCount("slack.messages"))
}

func TestResumeDue_ReportsPerRunErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	started, err := f.svc.RunWorkflow(ctx, f.workflowParams("delayed_notify"))
	require.NoError(t, err)
	f.svc.Wait()
	delete(f.specs, testTool)

	f.clock.Advance(time.Minute)
	summary, err := f.svc.ResumeDue(ctx, 0)
	require.NoError(t, err)
	require.Contains(t, summary.Errors, started.RunID)
	assert.Contains(t, summary.Errors[started.RunID], "not found")
}

func TestExecuteJoin(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.ExecuteJoin(join.Definition{LeftField: "id", RightField: "issue_id", Type: join.Inner},
		[]join.Row{{"id": 1, "title": "a"}, {"id": 2, "title": "b"}},
		[]join.Row{{"issue_id": "2", "label": "bug"}},
	)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "bug", res.Data[0]["joined_label"])
	assert.Equal(t, 1, res.Stats.MatchedRows)
}

func TestLinkEntities(t *testing.T) {
	f := newFixture(t, nil)
	p := linking.Params{
		Source:      []linking.Item{{"id": "c1", "name": "Acme"}},
		Target:      []linking.Item{{"id": "t1", "company": "acme"}, {"id": "t2", "company": "Acme Corp"}},
		SourceField: "name",
		TargetField: "company",
	}

	cands := f.svc.LinkEntities(p, LinkOptions{Dedupe: true})
	require.Len(t, cands, 2)
	assert.Equal(t, "t1", cands[0].TargetID)
	assert.Equal(t, linking.ConfidenceExact, cands[0].Confidence)
	assert.Equal(t, linking.ConfidenceHeuristic, cands[1].Confidence)
}

func TestAggregateTimeline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.ExecuteAction(ctx, f.actionParams("list_issues", nil))
	require.NoError(t, err)

	events, err := f.svc.AggregateTimeline(ctx, testOrg, testTool, f.specs[testTool])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, res.RunID, events[0].Metadata["runId"])
	assert.Equal(t, "list_issues", events[0].Action)
}
