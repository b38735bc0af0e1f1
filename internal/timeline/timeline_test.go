package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/store"
	"github.com/roach88/toolrun/internal/testutil"
	"github.com/roach88/toolrun/internal/toolerr"
)

const (
	testOrg  = "org-1"
	testTool = "triage-tool"
)

var epoch = testutil.Epoch

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	runs := []*run.ExecutionRun{
		{ID: "run-1", ActionID: "list_issues", Status: run.StatusCompleted, UpdatedAt: epoch.Add(time.Hour)},
		{ID: "run-2", WorkflowID: "triage", TriggerID: "nightly", Status: run.StatusFailed, Retries: 2,
			Error: &toolerr.ResultError{Code: toolerr.CodeTransientIntegration, Message: "boom"}, UpdatedAt: epoch.Add(3 * time.Hour)},
		{ID: "run-3", WorkflowID: "triage", Status: run.StatusRunning, UpdatedAt: epoch.Add(6 * time.Hour)},
	}
	for i, r := range runs {
		r.OrgID = testOrg
		r.ToolID = testTool
		r.CreatedAt = epoch.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.CreateRun(ctx, r))
	}

	require.NoError(t, st.PutState(ctx, testOrg, testTool, "github", map[string]any{
		"issues": []any{
			map[string]any{"number": 7, "title": "Login broken", "updated_at": "2026-01-15T11:00:00Z", "user": map[string]any{"login": "ann"}},
			map[string]any{"number": 8, "title": "No date", "updated_at": "yesterday"},
		},
		"commits": []any{
			map[string]any{"sha": "abc123", "commit": map[string]any{
				"message": "Fix login",
				"author":  map[string]any{"name": "Ann", "date": "2026-01-15T09:30:00Z"},
			}},
		},
	}))
	require.NoError(t, st.PutState(ctx, testOrg, testTool, "slack", map[string]any{
		"messages": []any{
			map[string]any{"ts": "1768482000.000100", "text": "deploy done", "channel": "C1"},
		},
	}))
	require.NoError(t, st.PutState(ctx, testOrg, testTool, "stripe", map[string]any{
		"charges": []any{
			map[string]any{"id": "ch_1", "created": 1768485600, "amount": 500, "currency": "usd"},
		},
	}))
	return st
}

func actions(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.SourceIntegration + ":" + e.Action
	}
	return out
}

func TestAggregate_MergesAndOrders(t *testing.T) {
	st := seededStore(t)
	agg := New(st, st)

	events, err := agg.Aggregate(context.Background(), testOrg, testTool, testutil.TriageSpec())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"slack:Message posted",
		"toolrun:Workflow Run",
		"github:Issue updated",
		"toolrun:list_issues",
		"github:Committed",
	}, actions(events))

	assert.True(t, events[0].Timestamp.Truncate(time.Second).Equal(epoch.Add(4*time.Hour)))
	assert.Equal(t, "deploy done", events[0].Metadata["title"])

	wf := events[1]
	assert.Equal(t, RunEntity, wf.Entity)
	assert.Equal(t, "run-2", wf.Metadata["runId"])
	assert.Equal(t, "failed", wf.Metadata["status"])
	assert.Equal(t, "TRANSIENT_INTEGRATION", wf.Metadata["errorCode"])
	assert.Equal(t, "nightly", wf.Metadata["triggerId"])

	issue := events[2]
	assert.Equal(t, "Issue", issue.Entity)
	assert.Equal(t, "Login broken", issue.Metadata["title"])
	assert.Equal(t, "ann", issue.Metadata["author"])

	commit := events[4]
	assert.Equal(t, "Fix login", commit.Metadata["title"])
	assert.Equal(t, "abc123", commit.Metadata["sha"])
}

func TestAggregate_WithoutSpecIncludesAllState(t *testing.T) {
	st := seededStore(t)

	events, err := New(st, st).Aggregate(context.Background(), testOrg, testTool, nil)
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, "stripe:Charge created", actions(events)[0])
	assert.Equal(t, json.Number("500"), events[0].Metadata["amount"])
}

func TestAggregate_Idempotent(t *testing.T) {
	st := seededStore(t)
	agg := New(st, st)

	first, err := agg.Aggregate(context.Background(), testOrg, testTool, testutil.TriageSpec())
	require.NoError(t, err)
	second, err := agg.Aggregate(context.Background(), testOrg, testTool, testutil.TriageSpec())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAggregate_RunLimit(t *testing.T) {
	st := seededStore(t)

	events, err := New(st, nil, WithRunLimit(1)).Aggregate(context.Background(), testOrg, testTool, nil)
	require.NoError(t, err)
	// The newest run is still running, so the limited read yields nothing.
	assert.Empty(t, events)
}

type failingRuns struct{}

func (failingRuns) ListRuns(ctx context.Context, orgID, toolID string, limit int) ([]*run.ExecutionRun, error) {
	return nil, errors.New("db locked")
}

type failingState struct{}

func (failingState) ReadState(ctx context.Context, orgID, toolID string) (map[string]any, error) {
	return nil, errors.New("redis down")
}

func TestAggregate_RunReadFailure(t *testing.T) {
	_, err := New(failingRuns{}, nil).Aggregate(context.Background(), testOrg, testTool, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db locked")
}

func TestAggregate_StateReadFailureDegrades(t *testing.T) {
	st := seededStore(t)
	log, buf := testutil.Logger()

	events, err := New(st, failingState{}, WithLogger(log)).Aggregate(context.Background(), testOrg, testTool, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"toolrun:Workflow Run", "toolrun:list_issues"}, actions(events))
	assert.Contains(t, buf.String(), "timeline_state_failed")
}

func TestRegistry_With(t *testing.T) {
	st := seededStore(t)
	custom := func(integrationID string, payload any) []Event {
		return []Event{{Timestamp: epoch.Add(10 * time.Hour), Entity: "Custom", SourceIntegration: integrationID, Action: "Seen"}}
	}
	reg := DefaultRegistry().With("slack", custom)

	events, err := New(st, st, WithRegistry(reg)).Aggregate(context.Background(), testOrg, testTool, testutil.TriageSpec())
	require.NoError(t, err)
	assert.Equal(t, "slack:Seen", actions(events)[0])

	_, ok := DefaultRegistry().Lookup("hubspot")
	assert.False(t, ok)
	assert.Equal(t, []string{"github", "linear", "slack", "stripe"}, DefaultRegistry().Integrations())
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   any
		want time.Time
		ok   bool
	}{
		{"2026-01-15T09:00:00Z", epoch, true},
		{"2026-01-15T10:00:00+01:00", epoch, true},
		{json.Number("1768467600"), epoch, true},
		{float64(1768467600), epoch, true},
		{1768467600, epoch, true},
		{"1768467600", epoch, true},
		{int64(1768467600000), epoch, true},
		{json.Number("1768467600000"), epoch, true},
		{"1768467600000", epoch, true},
		{float64(1768467600500), epoch.Add(500 * time.Millisecond), true},
		{"not a time", time.Time{}, false},
		{true, time.Time{}, false},
		{0, time.Time{}, false},
	}
	for _, tt := range tests {
		got, err := parseTimestamp(tt.in)
		if !tt.ok {
			assert.Error(t, err, "%v", tt.in)
			continue
		}
		require.NoError(t, err, "%v", tt.in)
		assert.True(t, got.Equal(tt.want), "%v: got %s", tt.in, got)
	}
}
