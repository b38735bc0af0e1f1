package run

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/toolrun/internal/toolerr"
)

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestExecutionRun_Fail(t *testing.T) {
	r := &ExecutionRun{ID: "r1", OrgID: "o", ToolID: "t", Status: StatusRunning}
	r.Fail(toolerr.Transient(errors.New("502 from upstream"), 502))

	assert.Equal(t, StatusFailed, r.Status)
	require.NotNil(t, r.Error)
	assert.Equal(t, toolerr.CodeTransientIntegration, r.Error.Code)
	assert.Equal(t, Key{RunID: "r1", OrgID: "o", ToolID: "t"}, r.Key())
}

func TestWorkflowState(t *testing.T) {
	s := NewWorkflowState()
	s.Activate("b")
	s.Activate("b")
	assert.Equal(t, []string{"b"}, s.Activated)

	s.Complete("a", 1)
	s.Complete("a", 2)
	assert.Equal(t, []string{"a"}, s.Completed)
	assert.Equal(t, 2, s.Steps["a"])
	assert.True(t, s.IsCompleted("a"))
	assert.False(t, s.IsCompleted("b"))

	var zero WorkflowState
	zero.Complete("x", nil)
	assert.Contains(t, zero.Steps, "x")
}

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.NotEqual(t, a, b)

	id, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("")
	assert.Equal(t, "run-1", g.Generate())
	assert.Equal(t, "run-2", g.Generate())

	assert.Equal(t, "wf-1", NewSequenceGenerator("wf").Generate())
}
