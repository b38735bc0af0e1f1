package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/toolrun/internal/testutil"
	"github.com/roach88/toolrun/internal/toolspec"
)

func writeSpec(t *testing.T, spec *toolspec.Spec) string {
	t.Helper()
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "spec.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func runValidateCmd(t *testing.T, format, path string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateValidSpec(t *testing.T) {
	output, err := runValidateCmd(t, "text", writeSpec(t, testutil.TriageSpec()))
	require.NoError(t, err)
	assert.Contains(t, output, `✓ Spec "triage-tool" valid`)
}

func TestValidateValidSpecJSON(t *testing.T) {
	output, err := runValidateCmd(t, "json", writeSpec(t, testutil.TriageSpec()))
	require.NoError(t, err)

	var resp struct {
		Success bool             `json:"success"`
		Data    ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, "triage-tool", resp.Data.ToolID)
	assert.NotEmpty(t, resp.Data.SpecHash)
}

func TestValidateYAMLSpec(t *testing.T) {
	output, err := runValidateCmd(t, "text", filepath.Join("..", "harness", "testdata", "specs", "triage.yaml"))
	require.NoError(t, err)
	assert.Contains(t, output, "✓ Spec")
}

func TestValidateInvalidSpec(t *testing.T) {
	spec := testutil.TriageSpec()
	spec.Workflows[0].Nodes[0].ActionID = "missing"

	output, err := runValidateCmd(t, "json", writeSpec(t, spec))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Success bool             `json:"success"`
		Data    ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.False(t, resp.Data.Valid)
	require.NotEmpty(t, resp.Data.Errors)
	assert.Contains(t, resp.Data.Errors[0].Message, `action "missing" is not declared`)
	assert.Empty(t, resp.Data.SpecHash)
}

func TestValidateCyclicWorkflow(t *testing.T) {
	spec := testutil.TriageSpec()
	spec.Workflows[0].Edges = append(spec.Workflows[0].Edges, toolspec.Edge{From: "notify", To: "fetch"})

	output, err := runValidateCmd(t, "text", writeSpec(t, spec))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, `✗ Spec "triage-tool" has 1 error(s):`)
	assert.Contains(t, output, "[E209] workflows.triage:")
}

func TestValidateNonExistentFile(t *testing.T) {
	output, err := runValidateCmd(t, "text", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "Error [SPECIFICATION]")
}

func TestValidateUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.toml")
	require.NoError(t, os.WriteFile(path, []byte("id = 1"), 0644))

	output, err := runValidateCmd(t, "json", path)
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "unsupported spec file extension")
}
