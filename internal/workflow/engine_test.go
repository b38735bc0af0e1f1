package workflow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/toolrun/internal/action"
	"github.com/roach88/toolrun/internal/capability"
	"github.com/roach88/toolrun/internal/integration"
	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/store"
	"github.com/roach88/toolrun/internal/testutil"
	"github.com/roach88/toolrun/internal/toolerr"
	"github.com/roach88/toolrun/internal/toolspec"
)

const (
	testOrg  = "org-1"
	testTool = "triage-tool"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

type fixture struct {
	engine *Engine
	store  *store.Store
	clock  *testutil.ManualClock
	sleep  *recordingSleeper
}

func newFixture(t *testing.T, rt integration.Runtime) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log, _ := testutil.Logger()
	clock := testutil.NewManualClock()
	exec := action.New(capability.MustNewRegistry(capability.Builtin()...), rt, st,
		action.WithClock(clock),
		action.WithLogger(log),
	)
	sleeper := &recordingSleeper{}
	eng := New(exec, st,
		WithClock(clock),
		WithIDGenerator(run.NewSequenceGenerator("wf")),
		WithSleeper(sleeper.Sleep),
		WithLogger(log),
	)
	return &fixture{engine: eng, store: st, clock: clock, sleep: sleeper}
}

func (f *fixture) params(workflowID string, spec *toolspec.Spec) StartParams {
	return StartParams{
		OrgID:      testOrg,
		ToolID:     testTool,
		UserID:     "user-1",
		WorkflowID: workflowID,
		TriggerID:  "manual",
		Spec:       spec,
		Input:      map[string]any{"team": "core"},
	}
}

func (f *fixture) reload(t *testing.T, id string) *run.ExecutionRun {
	t.Helper()
	r, err := f.store.GetRun(context.Background(), run.Key{RunID: id, OrgID: testOrg, ToolID: testTool})
	require.NoError(t, err)
	return r
}

func openIssues() map[string][]integration.Outcome {
	return map[string][]integration.Outcome{
		"linear.issues": {{Data: map[string]any{"issues": []any{
			map[string]any{"id": "ENG-1", "title": "Login broken"},
			map[string]any{"id": "ENG-2", "title": "Slow search"},
		}}}},
	}
}

func TestRun_TrueBranch(t *testing.T) {
	rt := integration.NewScriptedRuntime(openIssues())
	f := newFixture(t, rt)

	r, err := f.engine.Run(context.Background(), f.params("triage", testutil.TriageSpec()))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", r.ID)
	assert.Equal(t, run.StatusCompleted, r.Status)

	calls := rt.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, map[string]any{"team": "core"}, calls[0].Input)
	assert.Equal(t, "slack.messages", calls[1].CapabilityID)
	assert.Equal(t, map[string]any{"channel": "#triage", "text": "2 open issues in core"}, calls[1].Input)

	persisted := f.reload(t, r.ID)
	assert.Equal(t, run.StatusCompleted, persisted.Status)
	assert.Equal(t, "notify", persisted.CurrentStep)
	assert.Equal(t, 0, persisted.Retries)
	require.NotNil(t, persisted.State)
	assert.Equal(t, []string{"fetch", "any_open", "summarize", "notify"}, persisted.State.Completed)
	assert.Equal(t, []string{"idle"}, persisted.State.Skipped)
	assert.Equal(t, true, persisted.State.Steps["any_open"])
	assert.NotEmpty(t, persisted.SpecHash)
}

func TestRun_FalseBranch(t *testing.T) {
	rt := integration.NewScriptedRuntime(map[string][]integration.Outcome{
		"linear.issues": {{Data: map[string]any{"issues": []any{}}}},
	})
	f := newFixture(t, rt)

	r, err := f.engine.Run(context.Background(), f.params("triage", testutil.TriageSpec()))
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, 0, rt.CallCount("slack.messages"))
	assert.Equal(t, []string{"fetch", "any_open", "idle"}, r.State.Completed)
	assert.Equal(t, []string{"summarize", "notify"}, r.State.Skipped)
	assert.Equal(t, map[string]any{"text": "nothing to do"}, r.State.Steps["idle"])
}

func TestRun_RetryExhaustion(t *testing.T) {
	rt := integration.NewScriptedRuntime(map[string][]integration.Outcome{
		"linear.issues": {{Status: 503, Error: "upstream unavailable", Transient: true}},
	})
	f := newFixture(t, rt)

	r, err := f.engine.Run(context.Background(), f.params("triage", testutil.TriageSpec()))
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeTransientIntegration, toolerr.CodeOf(err))

	assert.Equal(t, 3, rt.CallCount("linear.issues"), "1 initial attempt + 2 retries")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.sleep.delays)

	persisted := f.reload(t, r.ID)
	assert.Equal(t, run.StatusFailed, persisted.Status)
	assert.Equal(t, 2, persisted.Retries)
	assert.Equal(t, "fetch", persisted.CurrentStep)
	require.NotNil(t, persisted.Error)
	assert.Equal(t, toolerr.CodeTransientIntegration, persisted.Error.Code)
	assert.Equal(t, "upstream unavailable", persisted.Error.Message)
}

func TestRun_RetryThenSuccess(t *testing.T) {
	outcomes := openIssues()
	outcomes["linear.issues"] = append([]integration.Outcome{{Status: 502, Error: "bad gateway", Transient: true}}, outcomes["linear.issues"]...)
	rt := integration.NewScriptedRuntime(outcomes)
	f := newFixture(t, rt)

	r, err := f.engine.Run(context.Background(), f.params("triage", testutil.TriageSpec()))
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, 1, f.reload(t, r.ID).Retries)
	assert.Equal(t, 2, rt.CallCount("linear.issues"))
}

func TestRun_PermanentFailureIsNotRetried(t *testing.T) {
	rt := integration.NewScriptedRuntime(map[string][]integration.Outcome{
		"linear.issues": {{Status: 403, Error: "forbidden"}},
	})
	f := newFixture(t, rt)

	r, err := f.engine.Run(context.Background(), f.params("triage", testutil.TriageSpec()))
	require.Error(t, err)
	assert.Equal(t, toolerr.CodePermanentIntegration, toolerr.CodeOf(err))
	assert.Equal(t, 1, rt.CallCount("linear.issues"))
	assert.Empty(t, f.sleep.delays)
	assert.Equal(t, 0, f.reload(t, r.ID).Retries)
}

func TestRun_ExpressionErrorFailsRun(t *testing.T) {
	spec := testutil.TriageSpec()
	spec.Workflows[0].Nodes[1].Expression = "steps.fetch.missing > 0"
	rt := integration.NewScriptedRuntime(openIssues())
	f := newFixture(t, rt)

	r, err := f.engine.Run(context.Background(), f.params("triage", spec))
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeSpecification, toolerr.CodeOf(err))

	persisted := f.reload(t, r.ID)
	assert.Equal(t, run.StatusFailed, persisted.Status)
	assert.Equal(t, "any_open", persisted.CurrentStep)
	assert.Equal(t, "any_open", persisted.Error.Details["node"])
}

func TestStart_CycleCreatesNoRun(t *testing.T) {
	spec := testutil.TriageSpec()
	spec.Workflows[0].Edges = append(spec.Workflows[0].Edges, toolspec.Edge{From: "notify", To: "fetch"})
	f := newFixture(t, integration.NewScriptedRuntime(nil))

	_, err := f.engine.Run(context.Background(), f.params("triage", spec))
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeSpecification, toolerr.CodeOf(err))

	runs, err := f.store.ListRuns(context.Background(), testOrg, testTool, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRun_WaitAndResume(t *testing.T) {
	rt := integration.NewScriptedRuntime(nil)
	f := newFixture(t, rt)
	ctx := context.Background()
	spec := testutil.TriageSpec()

	r, err := f.engine.Run(ctx, f.params("delayed_notify", spec))
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, r.Status)
	assert.Equal(t, 0, rt.CallCount("slack.messages"))

	suspended := f.reload(t, r.ID)
	assert.Equal(t, run.StatusRunning, suspended.Status)
	assert.Equal(t, "pause", suspended.CurrentStep)
	require.NotNil(t, suspended.ResumeAt)
	assert.True(t, suspended.ResumeAt.Equal(testutil.Epoch.Add(time.Minute)))

	due, err := f.store.ListDueRuns(ctx, f.clock.Peek(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	err = f.engine.Resume(ctx, suspended, spec)
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeNotReady, toolerr.CodeOf(err))
	assert.Equal(t, run.StatusRunning, f.reload(t, r.ID).Status)

	f.clock.Advance(time.Minute)
	due, err = f.store.ListDueRuns(ctx, f.clock.Peek(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, f.engine.Resume(ctx, due[0], spec))

	done := f.reload(t, r.ID)
	assert.Equal(t, run.StatusCompleted, done.Status)
	assert.Nil(t, done.ResumeAt)
	assert.Equal(t, []string{"pause", "notify"}, done.State.Completed)

	calls := rt.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"channel": "#triage", "text": "reminder"}, calls[0].Input)
}

func TestResume_NotSuspended(t *testing.T) {
	f := newFixture(t, integration.NewScriptedRuntime(openIssues()))

	r, err := f.engine.Run(context.Background(), f.params("triage", testutil.TriageSpec()))
	require.NoError(t, err)

	err = f.engine.Resume(context.Background(), r, testutil.TriageSpec())
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeConflict, toolerr.CodeOf(err))
}

func TestRun_Timeout(t *testing.T) {
	var clock *testutil.ManualClock
	slow := integration.RuntimeFunc(func(ctx context.Context, integrationID, capabilityID string, input map[string]any) (integration.Response, error) {
		clock.Advance(2 * time.Minute)
		return integration.Response{Status: 200, Data: map[string]any{"issues": []any{}}}, nil
	})
	f := newFixture(t, slow)
	clock = f.clock

	r, err := f.engine.Run(context.Background(), f.params("triage", testutil.TriageSpec()))
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeTimeout, toolerr.CodeOf(err))

	persisted := f.reload(t, r.ID)
	assert.Equal(t, run.StatusFailed, persisted.Status)
	assert.Equal(t, "any_open", persisted.CurrentStep)
	assert.Equal(t, toolerr.CodeTimeout, persisted.Error.Code)
	assert.Equal(t, []string{"fetch"}, persisted.State.Completed)
}

func TestRun_ApprovalRequired(t *testing.T) {
	spec := testutil.TriageSpec()
	spec.Workflows = append(spec.Workflows, toolspec.Workflow{
		ID: "close",
		Nodes: []toolspec.Node{{
			ID:       "close",
			Type:     toolspec.NodeAction,
			ActionID: "close_issue",
			Input: map[string]string{
				"repo":   `"acme/api"`,
				"number": "42",
				"state":  `"closed"`,
			},
		}},
	})
	rt := integration.NewScriptedRuntime(nil)
	f := newFixture(t, rt)

	_, err := f.engine.Run(context.Background(), f.params("close", spec))
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeApprovalRequired, toolerr.CodeOf(err))
	assert.Equal(t, 0, rt.CallCount("github.issues"))

	p := f.params("close", spec)
	p.Approved = true
	r, err := f.engine.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)

	calls := rt.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"repo": "acme/api", "number": 42, "state": "closed"}, calls[0].Input)
}
