package oml

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := Encode(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestEncode_NestedSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": []any{3, 1, 2},
	}

	b, err := Encode(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[3,1,2],"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestEncode_NoHTMLEscaping(t *testing.T) {
	b, err := Encode(map[string]string{"html": "<a> & </a>"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<a> & </a>"}`, string(b))
}

func TestEncode_NFCNormalization(t *testing.T) {
	// "é" as e + combining acute must normalize to the composed form.
	decomposed := "é"
	composed := "é"

	b1, err := Encode(map[string]string{decomposed: decomposed})
	require.NoError(t, err)
	b2, err := Encode(map[string]string{composed: composed})
	require.NoError(t, err)
	assert.Equal(t, string(b2), string(b1))
}

func TestEncode_NumberForms(t *testing.T) {
	b, err := Encode(map[string]any{"i": json.Number("42"), "f": 1.5})
	require.NoError(t, err)
	assert.Equal(t, `{"f":1.5,"i":42}`, string(b))
}

func TestEncode_Unrepresentable(t *testing.T) {
	_, err := Encode(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
	var encErr *EncodeError
	assert.ErrorAs(t, err, &encErr)
}

func TestDecode_RoundTrip(t *testing.T) {
	input := map[string]any{
		"hello": "world",
		"n":     json.Number("7"),
		"list":  []any{"a", json.Number("1"), true, nil},
	}

	b, err := Encode(input)
	require.NoError(t, err)

	v, err := Decode(b)
	require.NoError(t, err)

	b2, err := Encode(v)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(b2))
}

func TestCID_Stable(t *testing.T) {
	b, err := Encode(map[string]string{"hello": "world"})
	require.NoError(t, err)

	c1 := CID(b)
	c2 := CID(b)
	assert.Equal(t, c1, c2)
	assert.True(t, VerifyCID(c1, b))
}

func TestCID_ByteSensitivity(t *testing.T) {
	b, err := Encode(map[string]string{"hello": "world"})
	require.NoError(t, err)

	mutated := append([]byte(nil), b...)
	mutated[0] ^= 0x01
	assert.NotEqual(t, CID(b), CID(mutated))
	assert.False(t, VerifyCID(CID(b), mutated))
}

func TestCIDForValue(t *testing.T) {
	c, err := CIDForValue(map[string]any{"x": 1})
	require.NoError(t, err)
	b, _ := Encode(map[string]any{"x": 1})
	assert.Equal(t, CID(b), c)
}
