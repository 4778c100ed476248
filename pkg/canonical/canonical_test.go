package canonical

import (
	"math"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	b, err := Marshal(map[string]any{"zeta": 1, "alpha": 2, "mid": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zeta":1}`, string(b))
}

func TestMarshal_NestedSort(t *testing.T) {
	b, err := Marshal(map[string]any{
		"outer": map[string]any{"b": []any{map[string]any{"y": 1, "x": 2}}, "a": true},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"a":true,"b":[{"x":2,"y":1}]}}`, string(b))
}

func TestMarshal_NonFiniteToNull(t *testing.T) {
	b, err := Marshal(map[string]any{"nan": math.NaN(), "inf": math.Inf(1), "ninf": math.Inf(-1)})
	require.NoError(t, err)
	assert.Equal(t, `{"inf":null,"nan":null,"ninf":null}`, string(b))
}

func TestMarshal_BigIntsAsStrings(t *testing.T) {
	huge := new(big.Int)
	huge.SetString("123456789012345678901234567890", 10)
	b, err := Marshal(map[string]any{
		"big":  huge,
		"edge": int64(1) << 53,
		"safe": int64(1)<<53 - 1,
	})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"big":"123456789012345678901234567890"`)
	assert.Contains(t, string(b), `"safe":9007199254740991`)
	// 2^53 itself exceeds the safe range by one.
	assert.Contains(t, string(b), `"edge":"9007199254740992"`)
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	b, err := Marshal(map[string]any{"html": "<a href=\"x\">&</a>"})
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(b), `<`), "canonical form must not HTML-escape: %s", b)
}

func TestMarshal_StructTagsApply(t *testing.T) {
	type envelope struct {
		B string `json:"beta"`
		A string `json:"alpha"`
		Z string `json:"-"`
	}
	b, err := Marshal(envelope{B: "2", A: "1", Z: "dropped"})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"1","beta":"2"}`, string(b))
}

func TestHash_StableAndPrefixed(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, "sha256:"))
	assert.Len(t, h1, len("sha256:")+64)
}

func TestHash_SensitiveToValues(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
