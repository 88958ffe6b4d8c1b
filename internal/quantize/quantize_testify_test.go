package quantize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuantizeMonotonicWithinRange(t *testing.T) {
	out := Quantize([]float32{-1, -0.5, 0, 0.5, 1}, DefaultScale)
	require.Len(t, out, 5)
	for i := 1; i < len(out); i++ {
		require.GreaterOrEqual(t, out[i], out[i-1], "quantized values must be non-decreasing for non-decreasing input")
	}
}

func TestCosineInt8Symmetric(t *testing.T) {
	a := []int8{1, -2, 3, 4}
	b := []int8{4, 3, -2, 1}
	require.InDelta(t, CosineInt8(a, b), CosineInt8(b, a), 1e-9, "cosine similarity must be symmetric")
}
