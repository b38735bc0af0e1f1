package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	out, err := Marshal(map[string]any{"b": 1, "a": "x", "c": true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":true}`, string(out))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	out, err := Marshal("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(out))
}

func TestMarshal_LineSeparatorsLiteral(t *testing.T) {
	out, err := Marshal("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(out))

	// Escaped backslash followed by text stays as-is.
	out, err = Marshal(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(out))
}

func TestMarshal_NFCNormalization(t *testing.T) {
	composed, err := Marshal("\u00e9")
	require.NoError(t, err)
	decomposed, err := Marshal("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshal_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes to surrogate 0xD83D which sorts before U+FFFD (0xFFFD)
	// in UTF-16, but after it in UTF-8.
	out, err := Marshal(map[string]any{"\uFFFD": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uFFFD\":1}", string(out))
}

func TestMarshal_Numbers(t *testing.T) {
	out, err := Marshal([]any{json.Number("10"), 1.5, int64(7), nil})
	require.NoError(t, err)
	assert.Equal(t, `[10,1.5,7,null]`, string(out))
}

func TestMarshal_UnsupportedType(t *testing.T) {
	_, err := Marshal(struct{}{})
	assert.Error(t, err)
}

func TestHash_StableAcrossKeyOrder(t *testing.T) {
	type doc struct {
		Name  string         `json:"name"`
		Attrs map[string]int `json:"attrs"`
	}
	h1, err := Hash(DomainToolSpec, doc{Name: "x", Attrs: map[string]int{"a": 1, "b": 2}})
	require.NoError(t, err)
	h2, err := Hash(DomainToolSpec, map[string]any{"attrs": map[string]any{"b": 2, "a": 1}, "name": "x"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHash_DomainSeparation(t *testing.T) {
	h1, err := Hash(DomainToolSpec, "same")
	require.NoError(t, err)
	h2, err := Hash("toolrun/other/v1", "same")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
