package capability

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/toolrun/internal/toolerr"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(Builtin()...)
	require.NoError(t, err)
	return r
}

func TestRegistry_Resolve(t *testing.T) {
	r := testRegistry(t)

	c, err := r.Resolve("github", "issues", OpRead)
	require.NoError(t, err)
	assert.Equal(t, "github.issues", c.ID)
	assert.Equal(t, "github", c.IntegrationID)

	_, err = r.Resolve("github", "wikis", OpRead)
	require.Error(t, err)
	assert.Equal(t, toolerr.CodeSpecification, toolerr.CodeOf(err))
	assert.False(t, toolerr.IsTransient(err))

	_, err = r.Resolve("stripe", "charges", OpWrite)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `does not allow operation "write"`)
}

func TestRegistry_LookupAndList(t *testing.T) {
	r := testRegistry(t)

	_, ok := r.Lookup("slack.messages")
	assert.True(t, ok)
	_, ok = r.Lookup("slack.channels")
	assert.False(t, ok)

	list := r.List()
	require.Len(t, list, r.Len())
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}
}

func TestNewRegistry_Errors(t *testing.T) {
	_, err := NewRegistry(Capability{IntegrationID: "a"})
	assert.Error(t, err)

	_, err = NewRegistry(Capability{ID: "a.c", IntegrationID: "a", Resource: "b"})
	assert.Error(t, err)

	_, err = NewRegistry(Capability{IntegrationID: "a", Resource: "b", AllowedOperations: []Operation{"delete"}})
	assert.Error(t, err)

	_, err = NewRegistry(
		Capability{IntegrationID: "a", Resource: "b"},
		Capability{IntegrationID: "a", Resource: "b"},
	)
	assert.Error(t, err)
}

func TestCapability_ValidateInput(t *testing.T) {
	c := Capability{
		ID:              "github.issues",
		SupportedFields: []string{"repo", "state"},
		Constraints:     &Constraints{MaxLimit: 50, RequiredFilters: []string{"repo"}},
	}

	tests := []struct {
		name      string
		input     map[string]any
		wantField string
	}{
		{"valid", map[string]any{"repo": "acme/api", "state": "open"}, ""},
		{"valid with limit", map[string]any{"repo": "acme/api", "limit": 50}, ""},
		{"json number limit", map[string]any{"repo": "acme/api", "limit": json.Number("10")}, ""},
		{"float limit", map[string]any{"repo": "acme/api", "limit": 10.0}, ""},
		{"unsupported field", map[string]any{"repo": "acme/api", "secret_field": 1}, "secret_field"},
		{"missing required filter", map[string]any{"state": "open"}, "repo"},
		{"empty required filter", map[string]any{"repo": ""}, "repo"},
		{"limit over max", map[string]any{"repo": "acme/api", "limit": 51}, "limit"},
		{"fractional limit", map[string]any{"repo": "acme/api", "limit": 1.5}, "limit"},
		{"negative limit", map[string]any{"repo": "acme/api", "limit": -1}, "limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.ValidateInput(tt.input)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, toolerr.CodeValidation, toolerr.CodeOf(err))
			assert.Equal(t, tt.wantField, toolerr.ToResult(err).Error.Details["field"])
		})
	}
}

func TestOperation_ActionType(t *testing.T) {
	for op, want := range map[Operation]string{OpWrite: "WRITE", OpMutate: "MUTATE", OpNotify: "NOTIFY"} {
		got, ok := op.ActionType()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	for _, op := range []Operation{OpRead, OpAggregate, OpFilter, OpGroup} {
		_, ok := op.ActionType()
		assert.False(t, ok, string(op))
	}
}

func TestDefault_WithFile(t *testing.T) {
	r, err := Default(filepath.Join("testdata", "extra.yaml"))
	require.NoError(t, err)

	assert.Equal(t, len(Builtin())+1, r.Len())

	pages, ok := r.Lookup("notion.pages")
	require.True(t, ok)
	assert.Equal(t, []string{"database"}, pages.Constraints.RequiredFilters)

	slack, ok := r.Lookup("slack.messages")
	require.True(t, ok)
	assert.False(t, slack.Allows(OpNotify), "file entry replaces builtin")
}
