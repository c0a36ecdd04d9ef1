package codec

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_SortsKeysAndStripsWhitespace(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "y": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":null,"z":true},"b":1}`, out)
}

func TestCanonicalJSON_EscapesNonASCII(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"msg": "héllo\n", "emoji": "\U0001F680"})
	require.NoError(t, err)
	assert.Equal(t, "{\"emoji\":\"\\ud83d\\ude80\",\"msg\":\"h\\u00e9llo\\n\"}", out)
}

func TestCanonicalJSON_NumberForms(t *testing.T) {
	cases := map[string]any{
		`{"n":50}`:         map[string]any{"n": float64(50)},
		`{"n":0.5}`:        map[string]any{"n": float64(0.5)},
		`{"n":1200}`:       map[string]any{"n": int64(1200)},
		`{"n":9007199255}`: map[string]any{"n": json.Number("9007199255")},
	}
	for want, in := range cases {
		out, err := CanonicalJSON(in)
		require.NoError(t, err)
		assert.Equal(t, want, out)
	}
}

func TestCanonicalJSON_RejectsNonFinite(t *testing.T) {
	_, err := CanonicalJSON(map[string]any{"n": math.NaN()})
	assert.Error(t, err)
	_, err = CanonicalJSON(map[string]any{"n": math.Inf(1)})
	assert.Error(t, err)
}

// Round-trip property: parsing canonical output and re-canonicalizing must
// yield the identical byte string.
func TestCanonicalJSON_RoundTripStable(t *testing.T) {
	inputs := []any{
		map[string]any{"model": "gpt-4o-mini", "messages": []any{
			map[string]any{"role": "user", "content": "hêllo"},
		}, "max_tokens": 50, "temperature": 0.7},
		[]any{nil, true, "x", json.Number("42"), map[string]any{"k": []any{}}},
		map[string]any{"": "", "nested": map[string]any{"a": []any{1, 2, 3}}},
	}
	for _, in := range inputs {
		first, err := CanonicalJSON(in)
		require.NoError(t, err)

		dec := json.NewDecoder(strings.NewReader(first))
		dec.UseNumber()
		var parsed any
		require.NoError(t, dec.Decode(&parsed))

		second, err := CanonicalJSON(parsed)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestCanonicalJSON_Structs(t *testing.T) {
	type payload struct {
		Reason string `json:"reason"`
		Cost   int64  `json:"cost_micro"`
	}
	out, err := CanonicalJSON(payload{Reason: "ok", Cost: 2250})
	require.NoError(t, err)
	assert.Equal(t, `{"cost_micro":2250,"reason":"ok"}`, out)
}

func TestStableHash_PartFraming(t *testing.T) {
	assert.NotEqual(t, StableHash("ab", "c"), StableHash("a", "bc"))
	assert.Equal(t, StableHash("a", "b"), StableHash("a", "b"))
	assert.Len(t, StableHash("x"), 64)
	assert.Equal(t, strings.ToLower(StableHash("x")), StableHash("x"))
}

func TestStableHash_EmptyPartsDistinct(t *testing.T) {
	assert.NotEqual(t, StableHash(), StableHash(""))
	assert.NotEqual(t, StableHash(""), StableHash("", ""))
}
