package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/toolrun/internal/integration"
)

func triageSpecPath(t *testing.T) string {
	t.Helper()
	p, err := filepath.Abs("testdata/specs/triage.yaml")
	require.NoError(t, err)
	return p
}

func TestRun_UnmetExpectationIsReported(t *testing.T) {
	scenario := &Scenario{
		Name:        "unmet",
		Description: "Expects the wrong status",
		Spec:        triageSpecPath(t),
		Steps: []Step{{
			Action: "list_issues",
			Input:  map[string]any{"team": "core"},
			Expect: &Expect{Status: "failed"},
		}},
		Assertions: []Assertion{{Type: AssertCallCount, Capability: "linear.issues", Count: 1}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `steps[0] (action:list_issues): expected status "failed", got "completed"`)
}

func TestRun_FailedAssertionIsReported(t *testing.T) {
	scenario := &Scenario{
		Name:        "assert_fail",
		Description: "Asserts a call that never happens",
		Spec:        triageSpecPath(t),
		Steps: []Step{{
			Action: "list_issues",
			Input:  map[string]any{"team": "core"},
		}},
		Assertions: []Assertion{
			{Type: AssertCallCount, Capability: "slack.messages", Count: 1},
			{Type: AssertRunStatus, Run: "run-1", Status: "completed"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: call_count")
}

func TestRun_PermanentFailureRecordsCode(t *testing.T) {
	scenario := &Scenario{
		Name:        "permanent",
		Description: "A 401 fails the run without retry",
		Spec:        triageSpecPath(t),
		Outcomes: map[string][]integration.Outcome{
			"linear.issues": {{Status: 401, Error: "bad credentials"}},
		},
		Steps: []Step{{
			Workflow: "triage",
			Input:    map[string]any{"team": "core"},
			Expect:   &Expect{Status: "failed", Code: "PERMANENT_INTEGRATION"},
		}},
		Assertions: []Assertion{
			{Type: AssertCallCount, Capability: "linear.issues", Count: 1},
			{Type: AssertRunStatus, Run: "wf-1", Status: "failed", Code: "PERMANENT_INTEGRATION"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}

func TestRun_UnknownWorkflowIsSpecificationError(t *testing.T) {
	scenario := &Scenario{
		Name:        "unknown_workflow",
		Description: "Starting an undeclared workflow",
		Spec:        triageSpecPath(t),
		Steps:       []Step{{Workflow: "missing", Expect: &Expect{Code: "SPECIFICATION"}}},
		Assertions:  []Assertion{{Type: AssertCallCount, Capability: "linear.issues", Count: 0}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, TraceEvent{Type: EventStep, Step: "workflow:missing", Code: "SPECIFICATION", Seq: 1}, result.Trace[0])
}

func TestRun_RetryOfUnknownRun(t *testing.T) {
	scenario := &Scenario{
		Name:        "retry_unknown",
		Description: "Retrying a run that does not exist",
		Spec:        triageSpecPath(t),
		Steps:       []Step{{Retry: "run-9", Expect: &Expect{Code: "NOT_FOUND"}}},
		Assertions:  []Assertion{{Type: AssertCallCount, Capability: "linear.issues", Count: 0}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}

func TestRun_MissingSpecFile(t *testing.T) {
	scenario := &Scenario{
		Name:        "no_spec",
		Description: "Spec path does not exist",
		Spec:        filepath.Join(t.TempDir(), "missing.yaml"),
		Steps:       []Step{{Action: "list_issues"}},
		Assertions:  []Assertion{{Type: AssertCallCount, Capability: "linear.issues", Count: 0}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load spec")
}

func TestRun_CustomScope(t *testing.T) {
	scenario := &Scenario{
		Name:        "scope",
		Description: "Runs are stored under the scenario's org",
		Spec:        triageSpecPath(t),
		OrgID:       "acme",
		UserID:      "ada",
		Steps:       []Step{{Action: "list_issues", Input: map[string]any{"team": "core"}}},
		Assertions:  []Assertion{{Type: AssertRunStatus, Run: "run-1", Status: "completed"}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}
