package tensor

import (
	"errors"
	"fmt"
)

// BinaryFunc computes one output element from two operands. It may reject
// operands, e.g. integer division by zero.
type BinaryFunc func(x, y float64) (float64, error)

// Binary applies fn element-wise with NumPy-style broadcasting and quantizes
// the result to out.
func Binary(a, b *Tensor, name string, fn BinaryFunc, out DType) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: broadcast %s requires non-nil inputs", name)
	}

	outShape, err := BroadcastShapes(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: broadcast %s: %w", name, err)
	}

	total, err := shapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	data := make([]float64, total)
	strides := [][]int64{
		BroadcastStrides(a.shape, outShape),
		BroadcastStrides(b.shape, outShape),
	}

	var firstErr error

	WalkBroadcast(outShape, strides, func(i int, offs []int64) bool {
		v, err := fn(a.data[offs[0]], b.data[offs[1]])
		if err != nil {
			firstErr = fmt.Errorf("tensor: %s at element %d: %w", name, i, err)
			return false
		}

		data[i] = out.Quantize(v)

		return true
	})

	if firstErr != nil {
		return nil, firstErr
	}

	return newOwned(data, outShape, out), nil
}

// Where selects a where cond is non-zero and b otherwise, broadcasting all
// three operands.
func Where(cond, a, b *Tensor) (*Tensor, error) {
	if cond == nil || a == nil || b == nil {
		return nil, errors.New("tensor: where requires non-nil inputs")
	}

	if a.dtype != b.dtype {
		return nil, fmt.Errorf("tensor: where branch dtypes differ: %v vs %v", a.dtype, b.dtype)
	}

	ab, err := BroadcastShapes(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: where: %w", err)
	}

	outShape, err := BroadcastShapes(cond.shape, ab)
	if err != nil {
		return nil, fmt.Errorf("tensor: where: %w", err)
	}

	total, err := shapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	data := make([]float64, total)
	strides := [][]int64{
		BroadcastStrides(cond.shape, outShape),
		BroadcastStrides(a.shape, outShape),
		BroadcastStrides(b.shape, outShape),
	}

	WalkBroadcast(outShape, strides, func(i int, offs []int64) bool {
		if cond.data[offs[0]] != 0 {
			data[i] = a.data[offs[1]]
		} else {
			data[i] = b.data[offs[2]]
		}

		return true
	})

	return newOwned(data, outShape, a.dtype), nil
}

// BroadcastTo expands t to shape.
func (t *Tensor) BroadcastTo(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: broadcast on nil tensor")
	}

	got, err := BroadcastShapes(t.shape, shape)
	if err != nil || !EqualShapes(got, shape) {
		return nil, fmt.Errorf("tensor: cannot broadcast %v to %v", t.shape, shape)
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	data := make([]float64, total)
	strides := [][]int64{BroadcastStrides(t.shape, shape)}

	WalkBroadcast(shape, strides, func(i int, offs []int64) bool {
		data[i] = t.data[offs[0]]
		return true
	})

	return newOwned(data, append([]int64(nil), shape...), t.dtype), nil
}

// BroadcastShapes returns the NumPy broadcast of a and b.
func BroadcastShapes(a, b []int64) ([]int64, error) {
	outRank := max(len(a), len(b))

	out := make([]int64, outRank)
	for i := range outRank {
		ad := int64(1)
		if j := i - (outRank - len(a)); j >= 0 {
			ad = a[j]
		}

		bd := int64(1)
		if j := i - (outRank - len(b)); j >= 0 {
			bd = b[j]
		}

		switch {
		case ad == bd || ad == 1:
			out[i] = bd
		case bd == 1:
			out[i] = ad
		default:
			return nil, fmt.Errorf("cannot broadcast shapes %v and %v", a, b)
		}
	}

	return out, nil
}

// BroadcastStrides returns the strides of shape laid out against out, with
// zero stride on broadcast dimensions. shape must broadcast to out.
func BroadcastStrides(shape, out []int64) []int64 {
	strides := make([]int64, len(out))
	src := computeStrides(shape)
	pad := len(out) - len(shape)

	for i := range shape {
		if shape[i] != 1 {
			strides[pad+i] = src[i]
		}
	}

	return strides
}

// WalkBroadcast visits every element of outShape in row-major order, passing
// the linear index and the matching offset into each operand. Returning false
// stops the walk.
func WalkBroadcast(outShape []int64, strides [][]int64, fn func(i int, offs []int64) bool) {
	total, err := shapeElemCount(outShape)
	if err != nil {
		return
	}

	WalkBroadcastRange(outShape, strides, 0, total, fn)
}

// WalkBroadcastRange is WalkBroadcast restricted to linear indices [lo, hi).
func WalkBroadcastRange(outShape []int64, strides [][]int64, lo, hi int, fn func(i int, offs []int64) bool) {
	if lo >= hi {
		return
	}

	rank := len(outShape)
	coord := make([]int64, rank)
	offs := make([]int64, len(strides))

	if rank > 0 {
		linearToCoord(int64(lo), outShape, computeStrides(outShape), coord)
	}

	for k, s := range strides {
		offs[k] = coordToLinear(coord, s)
	}

	for i := lo; i < hi; i++ {
		if !fn(i, offs) {
			return
		}

		for d := rank - 1; d >= 0; d-- {
			coord[d]++
			for k := range strides {
				offs[k] += strides[k][d]
			}

			if coord[d] < outShape[d] {
				break
			}

			for k := range strides {
				offs[k] -= strides[k][d] * outShape[d]
			}

			coord[d] = 0
		}
	}
}

func leftPadShape(shape []int64, rank int) []int64 {
	if len(shape) == rank {
		return append([]int64(nil), shape...)
	}

	out := make([]int64, rank)

	pad := rank - len(shape)
	for i := range pad {
		out[i] = 1
	}

	copy(out[pad:], shape)

	return out
}

func broadcastBatchOffset(batchCoords, srcBatchShape, srcBatchStrides []int64) int64 {
	if len(srcBatchShape) == 0 {
		return 0
	}

	outRank := len(batchCoords)
	srcRank := len(srcBatchShape)
	pad := outRank - srcRank
	var off int64

	for i := range srcRank {
		coord := batchCoords[pad+i]
		if srcBatchShape[i] == 1 {
			coord = 0
		}

		off += coord * srcBatchStrides[i]
	}

	return off
}
