package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSONNarrowsNumbers(t *testing.T) {
	v, err := DecodeJSON([]byte(`{"port": 1, "mask": 255.0, "neg": -3, "list": [1, "a", true]}`))
	require.NoError(t, err)

	obj, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(1), obj["port"])
	assert.Equal(t, int64(255), obj["mask"])
	assert.Equal(t, int64(-3), obj["neg"])
	assert.Equal(t, []any{int64(1), "a", true}, obj["list"])
}

func TestDecodeJSONRejectsFractions(t *testing.T) {
	_, err := DecodeJSON([]byte(`{"a": 0.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-integer")
}

func TestDecodeJSONNull(t *testing.T) {
	v, err := DecodeJSON([]byte(`null`))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNormalizeValueGoTypes(t *testing.T) {
	v, err := NormalizeValue(map[string]any{
		"a": 1,
		"b": json.Number("7"),
		"c": float64(8),
		"d": []any{int32(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": int64(1),
		"b": int64(7),
		"c": int64(8),
		"d": []any{int64(2)},
	}, v)

	_, err = NormalizeValue(struct{}{})
	require.Error(t, err)
}

func TestCompareKeysRFC8785(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"a", "b", -1},
		{"b", "a", 1},
		{"a", "a", 0},
		{"a", "aa", -1},
		{"", "a", -1},
		{"\U00010000", "\uE000", -1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.expected, compareKeysRFC8785(tt.a, tt.b))
		})
	}
}
