package testutil

import (
	"testing"

	"github.com/example/go-opcheck/internal/check"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// MustTensor builds a tensor or fails the test.
func MustTensor(tb testing.TB, data []float64, shape []int64, dtype tensor.DType) *tensor.Tensor {
	tb.Helper()

	t, err := tensor.New(data, shape, dtype)
	if err != nil {
		tb.Fatalf("tensor.New(%v, %v): %v", shape, dtype, err)
	}

	return t
}

// AssertTensorsClose compares got against want output by output and fails
// with the first mismatching report. Integer and bool outputs are compared
// exactly.
func AssertTensorsClose(tb testing.TB, got, want []*tensor.Tensor, tol ops.Tolerance) {
	tb.Helper()

	reports, err := check.CompareAll(nil, got, want, func(int) ops.Tolerance { return tol })
	if err != nil {
		tb.Fatalf("compare: %v", err)
	}

	for _, r := range reports {
		if !r.Pass {
			tb.Fatalf("%s", r.String())
		}
	}
}

// AssertTensorsEqual requires got and want to match bit for bit, NaN
// matching NaN.
func AssertTensorsEqual(tb testing.TB, got, want []*tensor.Tensor) {
	tb.Helper()
	AssertTensorsClose(tb, got, want, ops.Tolerance{EqualNaN: true})
}
