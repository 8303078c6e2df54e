package ir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int", -100, "-100"},
		{"float", 1.5, "1.5"},
		{"integral float", 3.0, "3"},
		{"bool", true, "true"},
		{"null", nil, "null"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"no html escaping", "<a&b>", `"<a&b>"`},
		{"control chars", "a\nb\u0001", `"a\nb\u0001"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"b": 1, "a": 2},
		"beta":  []any{"x", nil},
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":2,"b":1},"beta":["x",null],"zebra":1}`, string(result))
}

func TestMarshalCanonicalStruct(t *testing.T) {
	result, err := MarshalCanonical(Label{K: "title", T: TagStr, V: "X"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"title","t":"str","v":"X"}`, string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := "e\u0301"

	result, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(result))
}

func TestContentOpIDStable(t *testing.T) {
	a := map[string]any{"model_id": 1, "k": "title", "v": "X"}
	b := map[string]any{"v": "X", "k": "title", "model_id": 1}

	idA, err := ContentOpID(a)
	require.NoError(t, err)
	idB, err := ContentOpID(b)
	require.NoError(t, err)

	assert.Equal(t, idA, idB)
	assert.True(t, strings.HasPrefix(idA, "c_"))
	assert.Len(t, idA, 34)

	other, err := ContentOpID(map[string]any{"model_id": 2})
	require.NoError(t, err)
	assert.NotEqual(t, idA, other)
}
