package ir

import (
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
		{"int", int64(42), "42"},
		{"negative int", int64(-100), "-100"},
		{"max int64", int64(9223372036854775807), "9223372036854775807"},
		{"bool", true, "true"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"prefix pair", []any{"192.168.11.0", int64(24)}, `["192.168.11.0",24]`},
		{"simple object", map[string]any{"a": int64(1)}, `{"a":1}`},
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
		"hdr.ipv4.srcAddr": []any{"10.0.0.0", int64(8)},
		"hdr.ipv4.dstAddr": []any{"10.0.1.0", int64(24)},
		"hdr.ethernet.src": "08:00:00:00:01:11",
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t,
		`{"hdr.ethernet.src":"08:00:00:00:01:11","hdr.ipv4.dstAddr":["10.0.1.0",24],"hdr.ipv4.srcAddr":["10.0.0.0",8]}`,
		string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+E000 vs U+10000 - UTF-16 order differs from UTF-8
	obj := map[string]any{
		"\uE000":     int64(1),
		"\U00010000": int64(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)

	// UTF-16: 0xD800 (surrogate) < 0xE000, so U+10000 comes first
	expected := `{"` + "\U00010000" + `":2,"` + "\uE000" + `":1}`
	assert.Equal(t, expected, string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(result))
	assert.NotContains(t, string(result), `\u003c`)
	assert.NotContains(t, string(result), `\u0026`)
}

func TestMarshalCanonicalRejectsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(3.14)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")

	_, err = MarshalCanonical(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null is forbidden")

	_, err = MarshalCanonical(map[string]any{"a": nil})
	require.Error(t, err)
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	composed := "caf\u00E9"
	decomposed := "cafe\u0301"

	result1, err := MarshalCanonical(composed)
	require.NoError(t, err)
	result2, err := MarshalCanonical(decomposed)
	require.NoError(t, err)

	assert.Equal(t, result1, result2, "NFC normalization should make these equal")
}

func TestMarshalCanonicalU2028U2029NotEscaped(t *testing.T) {
	result, err := MarshalCanonical("a\u2028b\u2029c")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(result))
	assert.NotContains(t, string(result), `\u2028`)
	assert.NotContains(t, string(result), `\u2029`)
}

func TestMarshalCanonicalLiteralBackslashU2028(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "literal backslash-u2028 text",
			input:    `the escape sequence is \u2028`,
			expected: `"the escape sequence is \\u2028"`,
		},
		{
			name:     "mixed literal and actual",
			input:    "literal \\u2028 and actual \u2028",
			expected: "\"literal \\\\u2028 and actual \u2028\"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestCanonicalMatchTextIgnoresRepresentation(t *testing.T) {
	variants := []string{
		`{"hdr.ipv4.srcAddr": ["192.168.11.0", 24]}`,
		`{"hdr.ipv4.srcAddr":["192.168.11.0",24]}`,
		"{\n  \"hdr.ipv4.srcAddr\" : [ \"192.168.11.0\" , 24.0 ]\n}",
		`{"hdr.ipv4.srcAddr": ["192.168.11.0", 2.4e1]}`,
	}

	want, err := CanonicalMatchText(variants[0])
	require.NoError(t, err)
	assert.Equal(t, `{"hdr.ipv4.srcAddr":["192.168.11.0",24]}`, want)

	for _, v := range variants[1:] {
		got, err := CanonicalMatchText(v)
		require.NoError(t, err, v)
		assert.Equal(t, want, got, v)
	}
}

func TestCanonicalMatchTextEmpty(t *testing.T) {
	for _, raw := range []string{"", "  ", "null", "{}"} {
		got, err := CanonicalMatchText(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, "{}", got, raw)
	}
}

func TestCanonicalMatchTextRejectsNonObject(t *testing.T) {
	_, err := CanonicalMatchText(`["192.168.11.0", 24]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a JSON object")

	_, err = CanonicalMatchText(`{"a": 1.5}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-integer")

	_, err = CanonicalMatchText(`{"a": 1} {"b": 2}`)
	require.Error(t, err)
}
