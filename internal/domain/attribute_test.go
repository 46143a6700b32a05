package domain

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatToInt64(t *testing.T) {
	tests := []struct {
		in   float64
		want int64
		ok   bool
	}{
		{in: 42, want: 42, ok: true},
		{in: -42, want: -42, ok: true},
		{in: 1.5},
		{in: math.MinInt64, want: math.MinInt64, ok: true},
		// 2^63 is the nearest float64 to math.MaxInt64 and is out of range.
		{in: 9.223372036854775808e18},
		{in: math.Nextafter(math.MinInt64, math.Inf(-1))},
		{in: math.Inf(1)},
		{in: math.NaN()},
	}
	for _, tt := range tests {
		got, ok := FloatToInt64(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}

func TestAttributeValueUnmarshalIntegers(t *testing.T) {
	var v AttributeValue
	require.NoError(t, json.Unmarshal([]byte(`1e3`), &v))
	n, ok := v.Int()
	require.True(t, ok)
	assert.Equal(t, int64(1000), n)

	require.NoError(t, json.Unmarshal([]byte(`-9223372036854775808`), &v))
	n, _ = v.Int()
	assert.Equal(t, int64(math.MinInt64), n)

	for _, raw := range []string{`9223372036854775808`, `9.223372036854775807e18`, `1e19`, `2.5`} {
		assert.Error(t, json.Unmarshal([]byte(raw), &v), raw)
	}
}
