package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_SortedIndentedWithNewline(t *testing.T) {
	result := NewResult()
	result.AddCallTrace("slack.messages", map[string]any{"text": "hi", "channel": "#ops"})
	result.AddStepTrace(StepOutcome{Step: "action:notify", RunID: "run-1", Status: "completed"})

	got, err := Snapshot("snap", result)
	require.NoError(t, err)

	want := `{
  "scenario_name": "snap",
  "trace": [
    {
      "capability": "slack.messages",
      "input": {
        "channel": "#ops",
        "text": "hi"
      },
      "seq": 1,
      "type": "call"
    },
    {
      "run_id": "run-1",
      "seq": 2,
      "status": "completed",
      "step": "action:notify",
      "type": "step"
    }
  ]
}
`
	assert.Equal(t, want, string(got))
}

func TestSnapshot_NumbersAreNormalized(t *testing.T) {
	a := NewResult()
	a.AddCallTrace("github.issues", map[string]any{"number": 7})
	b := NewResult()
	b.AddCallTrace("github.issues", map[string]any{"number": float64(7)})

	sa, err := Snapshot("n", a)
	require.NoError(t, err)
	sb, err := Snapshot("n", b)
	require.NoError(t, err)
	assert.Equal(t, string(sa), string(sb))
	assert.Contains(t, string(sa), `"number": 7`)
}

func TestSnapshot_EmptyTrace(t *testing.T) {
	got, err := Snapshot("empty", NewResult())
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"scenario_name\": \"empty\",\n  \"trace\": []\n}\n", string(got))
}

func TestAssertGolden_FromResult(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/triage_notify.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NoError(t, AssertGolden(t, scenario.Name, result))
}
