package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ReduceKind selects the reduction performed by Reduce.
type ReduceKind int

const (
	ReduceSum ReduceKind = iota
	ReduceMean
	ReduceMax
	ReduceMin
	ReduceProd
)

func (k ReduceKind) String() string {
	switch k {
	case ReduceSum:
		return "sum"
	case ReduceMean:
		return "mean"
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	case ReduceProd:
		return "prod"
	default:
		return fmt.Sprintf("reduce(%d)", int(k))
	}
}

// Identity returns the starting accumulator value.
func (k ReduceKind) Identity() float64 {
	switch k {
	case ReduceMax:
		return math.Inf(-1)
	case ReduceMin:
		return math.Inf(1)
	case ReduceProd:
		return 1
	default:
		return 0
	}
}

// Combine folds v into acc.
func (k ReduceKind) Combine(acc, v float64) float64 {
	switch k {
	case ReduceMax:
		if v > acc || math.IsNaN(v) {
			return v
		}

		return acc
	case ReduceMin:
		if v < acc || math.IsNaN(v) {
			return v
		}

		return acc
	case ReduceProd:
		return acc * v
	default:
		return acc + v
	}
}

// ReduceShape returns the output shape of reducing axes of shape, plus a
// mask of reduced dimensions. Empty axes reduces every dimension.
func ReduceShape(shape []int64, axes []int, keepDims bool) ([]int64, []bool, error) {
	norm, err := NormalizeAxes(axes, len(shape))
	if err != nil {
		return nil, nil, err
	}

	reduced := make([]bool, len(shape))
	for _, a := range norm {
		reduced[a] = true
	}

	out := make([]int64, 0, len(shape))

	for i, d := range shape {
		switch {
		case !reduced[i]:
			out = append(out, d)
		case keepDims:
			out = append(out, 1)
		}
	}

	return out, reduced, nil
}

// Reduce reduces x over axes. The accumulator is rounded to the dtype's
// accumulator type after every step, which is what an op-by-op interpreter
// produces.
func Reduce(x *Tensor, kind ReduceKind, axes []int, keepDims bool) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: reduce on nil tensor")
	}

	outShape, reduced, err := ReduceShape(x.shape, axes, keepDims)
	if err != nil {
		return nil, fmt.Errorf("tensor: reduce %s: %w", kind, err)
	}

	// Strides of the output laid out over the input rank, zero on reduced dims.
	keptShape := make([]int64, len(x.shape))
	for i, d := range x.shape {
		keptShape[i] = d
		if reduced[i] {
			keptShape[i] = 1
		}
	}

	outStrides := BroadcastStrides(keptShape, x.shape)

	total, err := shapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	acc := make([]float64, total)
	for i := range acc {
		acc[i] = kind.Identity()
	}

	accType := x.dtype.Accumulator()
	count := 1

	for i, d := range x.shape {
		if reduced[i] {
			count *= int(d)
		}
	}

	WalkBroadcast(x.shape, [][]int64{outStrides}, func(i int, offs []int64) bool {
		o := offs[0]
		acc[o] = accType.Quantize(kind.Combine(acc[o], x.data[i]))

		return true
	})

	for i := range acc {
		v := acc[i]
		if kind == ReduceMean {
			v /= float64(count)
		}

		acc[i] = x.dtype.Quantize(v)
	}

	return newOwned(acc, outShape, x.dtype), nil
}
