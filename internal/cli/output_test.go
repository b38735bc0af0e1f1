package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/toolrun/internal/toolerr"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"result": "success"}, nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{"result": "success"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONFail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Fail(toolerr.NotFound("run", "run-9"), nil)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, toolerr.CodeNotFound, resp.Error.Code)
	assert.Equal(t, `run "run-9" not found`, resp.Error.Message)
	assert.Equal(t, map[string]string{"run": "run-9"}, resp.Error.Details)
}

func TestOutputFormatter_FailExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{toolerr.Permanent(errors.New("bad credentials"), 401), ExitFailure},
		{toolerr.New(toolerr.CodeTimeout, "too slow"), ExitFailure},
		{toolerr.Specification("cycle detected"), ExitFailure},
		{toolerr.New(toolerr.CodeConflict, "busy"), ExitCommandError},
		{errors.New("disk full"), ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(string(toolerr.CodeOf(tt.err)), func(t *testing.T) {
			formatter := &OutputFormatter{Format: "text", Writer: io.Discard}
			assert.Equal(t, tt.want, GetExitCode(formatter.Fail(tt.err, nil)))
		})
	}
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success("All specs valid", nil))
	assert.Contains(t, buf.String(), "All specs valid")

	buf.Reset()
	require.NoError(t, formatter.Success(42, func(w io.Writer) { fmt.Fprintf(w, "count=%d\n", 42) }))
	assert.Equal(t, "count=42\n", buf.String())
}

func TestOutputFormatter_TextFail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	_ = formatter.Fail(toolerr.Validation("project", "field %q is not supported", "project"), nil)
	assert.Contains(t, buf.String(), "Error [VALIDATION]")
	assert.Contains(t, buf.String(), `field "project" is not supported`)
	assert.NotContains(t, buf.String(), "Details:")
}

func TestOutputFormatter_TextFailVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	_ = formatter.Fail(toolerr.Validation("project", "field %q is not supported", "project"), nil)
	assert.Contains(t, buf.String(), "Error [VALIDATION]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("Loading %s", "tool.yaml")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "Loading tool.yaml")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}
