package tensor

import (
	"fmt"
	"math"
	"math/bits"
	"slices"
)

func shapeElemCount(shape []int64) (int, error) {
	var total uint64 = 1

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		hi, lo := bits.Mul64(total, uint64(d))
		if hi != 0 || lo > math.MaxInt {
			return 0, fmt.Errorf("tensor: shape %v too large", shape)
		}

		total = lo
	}

	return int(total), nil
}

// ElemCount returns the number of elements described by shape.
func ElemCount(shape []int64) (int, error) { return shapeElemCount(shape) }

func normalizeDim(dim, rank int) (int, error) {
	n := dim
	if n < 0 {
		n += rank
	}

	if rank < 0 || n < 0 || n >= rank {
		return 0, fmt.Errorf("dim %d out of range for rank %d", dim, rank)
	}

	return n, nil
}

// NormalizeDim maps a possibly negative dim into [0, rank).
func NormalizeDim(dim, rank int) (int, error) { return normalizeDim(dim, rank) }

// NormalizeAxes normalizes, sorts and de-duplicates axes. An empty list means
// every axis.
func NormalizeAxes(axes []int, rank int) ([]int, error) {
	if len(axes) == 0 {
		all := make([]int, rank)
		for i := range all {
			all[i] = i
		}

		return all, nil
	}

	out := make([]int, 0, len(axes))

	for _, a := range axes {
		n, err := normalizeDim(a, rank)
		if err != nil {
			return nil, fmt.Errorf("tensor: axes %v: %w", axes, err)
		}

		out = append(out, n)
	}

	slices.Sort(out)

	return slices.Compact(out), nil
}

// computeStrides returns row-major strides; a scalar has none.
func computeStrides(shape []int64) []int64 {
	if len(shape) == 0 {
		return nil
	}

	strides := make([]int64, len(shape))
	strides[len(shape)-1] = 1

	for i := len(shape) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * shape[i+1]
	}

	return strides
}

// linearToCoord writes the coordinate of a row-major offset into out.
func linearToCoord(linear int64, shape, strides, out []int64) {
	rem := linear

	for i, st := range strides {
		if shape[i] == 0 || st == 0 {
			out[i] = 0
			continue
		}

		out[i] = rem / st
		rem -= out[i] * st
	}
}

func coordToLinear(coord, strides []int64) (off int64) {
	for i, c := range coord {
		off += c * strides[i]
	}

	return off
}

// EqualShapes reports whether a and b describe the same shape.
func EqualShapes(a, b []int64) bool { return slices.Equal(a, b) }
