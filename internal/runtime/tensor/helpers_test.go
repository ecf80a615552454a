package tensor

import (
	"math"
	"slices"
	"testing"
)

func equalI64(a, b []int64) bool { return slices.Equal(a, b) }

// equalF64 compares element-wise within an absolute tolerance; tol 0 means
// exact.
func equalF64(a, b []float64, tol float64) bool {
	return slices.EqualFunc(a, b, func(x, y float64) bool {
		return x == y || math.Abs(x-y) <= tol
	})
}

func mustNew(t *testing.T, data []float64, shape []int64, dtype DType) *Tensor {
	t.Helper()

	x, err := New(data, shape, dtype)
	if err != nil {
		t.Fatalf("New(%v, %v, %v): %v", data, shape, dtype, err)
	}

	return x
}

func seqData(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64((i%17)-8) / 17
	}

	return out
}
