package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalIsDeterministic(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": "x"}
	b := map[string]any{"c": "x", "a": 1, "b": 2}

	first, err := Marshal(a)
	require.NoError(t, err)
	second, err := Marshal(b)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first, second), "map key order must not change the encoding")
}

func TestUnmarshalUntypedMapUsesStringKeys(t *testing.T) {
	raw, err := Marshal(map[string]any{"name": "ada", "nested": map[string]any{"x": 1}})
	require.NoError(t, err)

	var out any
	require.NoError(t, Unmarshal(raw, &out))

	m, ok := out.(map[string]any)
	require.True(t, ok, "expected map[string]any, got %T", out)
	assert.Equal(t, "ada", m["name"])
	_, ok = m["nested"].(map[string]any)
	assert.True(t, ok)
}

func TestDiagnose(t *testing.T) {
	raw, err := Marshal(map[string]any{"t": "hello"})
	require.NoError(t, err)

	out, err := Diagnose(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"t": "hello"}`, out)
}
