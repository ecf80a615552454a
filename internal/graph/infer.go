package graph

import (
	"errors"
	"fmt"

	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// infer fills n.shape and n.dtype and normalizes n.attrs.
func infer(def ops.Def, n *Node) error {
	in := n.inputs

	if def.FloatOnly {
		for _, x := range in {
			if !x.dtype.IsFloat() {
				return fmt.Errorf("requires float operands, got %v", x.dtype)
			}
		}
	}

	switch def.Category {
	case ops.Elementwise:
		return inferElementwise(def, n)
	case ops.Layout:
		return inferLayout(n)
	case ops.Contraction:
		if err := sameDType(in...); err != nil {
			return err
		}

		if in[0].dtype == tensor.Bool {
			return errors.New("bool operands are not supported")
		}

		shape, err := tensor.MatMulShape(in[0].shape, in[1].shape)
		if err != nil {
			return err
		}

		n.shape, n.dtype = shape, in[0].dtype

		return nil
	case ops.Reduction:
		if in[0].dtype == tensor.Bool {
			return errors.New("bool operands are not supported")
		}

		axes, err := tensor.NormalizeAxes(n.attrs.Axes, len(in[0].shape))
		if err != nil {
			return err
		}

		shape, _, err := tensor.ReduceShape(in[0].shape, axes, n.attrs.KeepDims)
		if err != nil {
			return err
		}

		n.attrs.Axes = axes
		n.shape, n.dtype = shape, in[0].dtype

		return nil
	case ops.Normalization:
		return inferNormalization(n)
	default:
		return fmt.Errorf("cannot infer category %v", def.Category)
	}
}

func inferElementwise(def ops.Def, n *Node) error {
	in := n.inputs

	switch n.kind {
	case ops.KindCast:
		if !n.attrs.DType.Valid() {
			return fmt.Errorf("invalid target dtype %v", n.attrs.DType)
		}

		n.shape, n.dtype = in[0].shape, n.attrs.DType

		return nil
	case ops.KindWhere:
		if err := sameDType(in[1], in[2]); err != nil {
			return err
		}

		shape, err := broadcastAll(in...)
		if err != nil {
			return err
		}

		n.shape, n.dtype = shape, in[1].dtype

		return nil
	}

	for _, x := range in {
		if x.dtype == tensor.Bool && !def.Predicate {
			return errors.New("bool operands are only supported by comparisons, where and cast")
		}
	}

	if err := sameDType(in...); err != nil {
		return err
	}

	shape, err := broadcastAll(in...)
	if err != nil {
		return err
	}

	n.shape, n.dtype = shape, in[0].dtype
	if def.Predicate {
		n.dtype = tensor.Bool
	}

	return nil
}

func inferLayout(n *Node) error {
	x := n.inputs[0]

	switch n.kind {
	case ops.KindReshape:
		shape, err := tensor.ResolveReshape(x.shape, n.attrs.Shape)
		if err != nil {
			return err
		}

		n.attrs.Shape = shape
		n.shape = shape
	case ops.KindTranspose:
		shape, err := tensor.PermuteShape(x.shape, n.attrs.Perm)
		if err != nil {
			return err
		}

		n.shape = shape
	case ops.KindBroadcast:
		got, err := tensor.BroadcastShapes(x.shape, n.attrs.Shape)
		if err != nil || !tensor.EqualShapes(got, n.attrs.Shape) {
			return fmt.Errorf("cannot broadcast %v to %v", x.shape, n.attrs.Shape)
		}

		n.shape = append([]int64(nil), n.attrs.Shape...)
	case ops.KindSlice:
		axis, err := tensor.NormalizeDim(n.attrs.Axis, len(x.shape))
		if err != nil {
			return err
		}

		a := n.attrs
		if a.Start < 0 || a.Length < 0 || a.Start+a.Length > x.shape[axis] {
			return fmt.Errorf("range [%d:%d] out of bounds for axis %d size %d", a.Start, a.Start+a.Length, axis, x.shape[axis])
		}

		n.attrs.Axis = axis
		n.shape = append([]int64(nil), x.shape...)
		n.shape[axis] = a.Length
	case ops.KindConcat:
		if err := sameDType(n.inputs...); err != nil {
			return err
		}

		shapes := make([][]int64, len(n.inputs))
		for i, in := range n.inputs {
			shapes[i] = in.shape
		}

		shape, err := tensor.ConcatShape(shapes, n.attrs.Axis)
		if err != nil {
			return err
		}

		n.attrs.Axis, _ = tensor.NormalizeDim(n.attrs.Axis, len(shape))
		n.shape = shape
	default:
		return fmt.Errorf("unhandled layout op %s", n.kind)
	}

	n.dtype = x.dtype

	return nil
}

func inferNormalization(n *Node) error {
	x := n.inputs[0]

	if err := sameDType(n.inputs...); err != nil {
		return err
	}

	switch n.kind {
	case ops.KindSoftmax:
		axis, err := tensor.NormalizeDim(n.attrs.Axis, len(x.shape))
		if err != nil {
			return err
		}

		if x.shape[axis] == 0 {
			return errors.New("softmax over an empty axis")
		}

		n.attrs.Axis = axis
	case ops.KindLayerNorm, ops.KindRMSNorm:
		maxInputs := 3
		if n.kind == ops.KindRMSNorm {
			maxInputs = 2
		}

		if len(n.inputs) < 1 || len(n.inputs) > maxInputs {
			return fmt.Errorf("expects 1 to %d inputs, got %d", maxInputs, len(n.inputs))
		}

		var weight, bias []int64
		if len(n.inputs) > 1 {
			weight = n.inputs[1].shape
		}

		if len(n.inputs) > 2 {
			bias = n.inputs[2].shape
		}

		if _, err := tensor.NormShape(string(n.kind), x.shape, weight, bias, len(n.inputs) > 1, len(n.inputs) > 2, n.attrs.Eps); err != nil {
			return err
		}
	}

	n.shape, n.dtype = append([]int64(nil), x.shape...), x.dtype

	return nil
}

func sameDType(in ...*Node) error {
	for _, x := range in[1:] {
		if x.dtype != in[0].dtype {
			return fmt.Errorf("dtype mismatch %v vs %v", in[0].dtype, x.dtype)
		}
	}

	return nil
}

func broadcastAll(in ...*Node) ([]int64, error) {
	shape := in[0].shape

	for _, x := range in[1:] {
		var err error

		shape, err = tensor.BroadcastShapes(shape, x.shape)
		if err != nil {
			return nil, err
		}
	}

	return append([]int64(nil), shape...), nil
}
