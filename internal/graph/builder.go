package graph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// ErrNilInput is reported when a node receives a nil input without an
// earlier error explaining why.
var ErrNilInput = errors.New("nil input node")

// Builder constructs a graph. The first error is kept and every later call
// returns nil, so construction reads as straight-line code with a single
// check at Build.
type Builder struct {
	name   string
	nodes  []*Node
	params []*Node
	err    error
}

func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Err returns the first construction error.
func (b *Builder) Err() error { return b.err }

func (b *Builder) failf(format string, args ...any) *Node {
	if b.err == nil {
		b.err = fmt.Errorf("graph %s: "+format, append([]any{b.name}, args...)...)
	}

	return nil
}

// Parameter declares a graph input.
func (b *Builder) Parameter(name string, dtype tensor.DType, shape ...int64) *Node {
	if b.err != nil {
		return nil
	}

	if name == "" {
		return b.failf("parameter %d has no name", len(b.params))
	}

	if !dtype.Valid() {
		return b.failf("parameter %q: invalid dtype %v", name, dtype)
	}

	if _, err := tensor.ElemCount(shape); err != nil {
		return b.failf("parameter %q: %v", name, err)
	}

	for _, p := range b.params {
		if p.name == name {
			return b.failf("duplicate parameter %q", name)
		}
	}

	n := b.add(&Node{kind: ops.KindParameter, name: name, shape: slices.Clone(shape), dtype: dtype})
	b.params = append(b.params, n)

	return n
}

// Constant embeds t in the graph.
func (b *Builder) Constant(t *tensor.Tensor) *Node {
	if b.err != nil {
		return nil
	}

	if t == nil {
		return b.failf("constant: nil tensor")
	}

	return b.add(&Node{kind: ops.KindConstant, shape: t.Shape(), dtype: t.DType(), value: t.Clone()})
}

// Const embeds a scalar constant.
func (b *Builder) Const(v float64, dtype tensor.DType) *Node {
	if b.err != nil {
		return nil
	}

	t, err := tensor.Scalar(v, dtype)
	if err != nil {
		return b.failf("constant: %v", err)
	}

	return b.Constant(t)
}

// Op adds a node of any kind. The typed helpers below all go through it.
func (b *Builder) Op(kind ops.Kind, attrs Attrs, inputs ...*Node) *Node {
	if b.err != nil {
		return nil
	}

	for i, in := range inputs {
		if in == nil {
			return b.failf("%s: input %d: %w", kind, i, ErrNilInput)
		}
	}

	def, err := ops.Lookup(kind)
	if err != nil {
		return b.failf("%w", err)
	}

	if def.Category == ops.Source {
		return b.failf("%s nodes are created with Parameter or Constant", kind)
	}

	if def.Arity >= 0 && len(inputs) != def.Arity {
		return b.failf("%s expects %d inputs, got %d", kind, def.Arity, len(inputs))
	}

	n := &Node{kind: kind, inputs: slices.Clone(inputs), attrs: attrs}
	if err := infer(def, n); err != nil {
		return b.failf("%s: %w", kind, err)
	}

	return b.add(n)
}

func (b *Builder) add(n *Node) *Node {
	n.id = len(b.nodes)
	b.nodes = append(b.nodes, n)

	return n
}

func (b *Builder) Add(x, y *Node) *Node         { return b.Op(ops.KindAdd, Attrs{}, x, y) }
func (b *Builder) Sub(x, y *Node) *Node         { return b.Op(ops.KindSub, Attrs{}, x, y) }
func (b *Builder) Mul(x, y *Node) *Node         { return b.Op(ops.KindMul, Attrs{}, x, y) }
func (b *Builder) Div(x, y *Node) *Node         { return b.Op(ops.KindDiv, Attrs{}, x, y) }
func (b *Builder) FloorDivide(x, y *Node) *Node { return b.Op(ops.KindFloorDivide, Attrs{}, x, y) }
func (b *Builder) Remainder(x, y *Node) *Node   { return b.Op(ops.KindRemainder, Attrs{}, x, y) }
func (b *Builder) Pow(x, y *Node) *Node         { return b.Op(ops.KindPow, Attrs{}, x, y) }
func (b *Builder) Maximum(x, y *Node) *Node     { return b.Op(ops.KindMaximum, Attrs{}, x, y) }
func (b *Builder) Minimum(x, y *Node) *Node     { return b.Op(ops.KindMinimum, Attrs{}, x, y) }
func (b *Builder) Equal(x, y *Node) *Node       { return b.Op(ops.KindEqual, Attrs{}, x, y) }
func (b *Builder) Greater(x, y *Node) *Node     { return b.Op(ops.KindGreater, Attrs{}, x, y) }
func (b *Builder) Less(x, y *Node) *Node        { return b.Op(ops.KindLess, Attrs{}, x, y) }

func (b *Builder) Neg(x *Node) *Node     { return b.Op(ops.KindNeg, Attrs{}, x) }
func (b *Builder) Abs(x *Node) *Node     { return b.Op(ops.KindAbs, Attrs{}, x) }
func (b *Builder) Exp(x *Node) *Node     { return b.Op(ops.KindExp, Attrs{}, x) }
func (b *Builder) Log(x *Node) *Node     { return b.Op(ops.KindLog, Attrs{}, x) }
func (b *Builder) Log2(x *Node) *Node    { return b.Op(ops.KindLog2, Attrs{}, x) }
func (b *Builder) Sqrt(x *Node) *Node    { return b.Op(ops.KindSqrt, Attrs{}, x) }
func (b *Builder) Rsqrt(x *Node) *Node   { return b.Op(ops.KindRsqrt, Attrs{}, x) }
func (b *Builder) Tanh(x *Node) *Node    { return b.Op(ops.KindTanh, Attrs{}, x) }
func (b *Builder) Sigmoid(x *Node) *Node { return b.Op(ops.KindSigmoid, Attrs{}, x) }
func (b *Builder) Relu(x *Node) *Node    { return b.Op(ops.KindRelu, Attrs{}, x) }
func (b *Builder) Gelu(x *Node) *Node    { return b.Op(ops.KindGelu, Attrs{}, x) }
func (b *Builder) Silu(x *Node) *Node    { return b.Op(ops.KindSilu, Attrs{}, x) }
func (b *Builder) Square(x *Node) *Node  { return b.Op(ops.KindSquare, Attrs{}, x) }
func (b *Builder) Floor(x *Node) *Node   { return b.Op(ops.KindFloor, Attrs{}, x) }
func (b *Builder) Ceil(x *Node) *Node    { return b.Op(ops.KindCeil, Attrs{}, x) }

// Cast converts x to dtype.
func (b *Builder) Cast(x *Node, dtype tensor.DType) *Node {
	return b.Op(ops.KindCast, Attrs{DType: dtype}, x)
}

// Scale multiplies x by a compile-time factor.
func (b *Builder) Scale(x *Node, factor float64) *Node {
	return b.Op(ops.KindScale, Attrs{Factor: factor}, x)
}

// Where selects x where cond is non-zero and y elsewhere.
func (b *Builder) Where(cond, x, y *Node) *Node {
	return b.Op(ops.KindWhere, Attrs{}, cond, x, y)
}

// Reshape accepts a single -1 dimension.
func (b *Builder) Reshape(x *Node, shape ...int64) *Node {
	return b.Op(ops.KindReshape, Attrs{Shape: shape}, x)
}

func (b *Builder) Transpose(x *Node, perm ...int) *Node {
	return b.Op(ops.KindTranspose, Attrs{Perm: perm}, x)
}

func (b *Builder) BroadcastTo(x *Node, shape ...int64) *Node {
	return b.Op(ops.KindBroadcast, Attrs{Shape: shape}, x)
}

// Slice keeps length elements of axis starting at start.
func (b *Builder) Slice(x *Node, axis int, start, length int64) *Node {
	return b.Op(ops.KindSlice, Attrs{Axis: axis, Start: start, Length: length}, x)
}

func (b *Builder) Concat(axis int, xs ...*Node) *Node {
	return b.Op(ops.KindConcat, Attrs{Axis: axis}, xs...)
}

func (b *Builder) MatMul(x, y *Node) *Node { return b.Op(ops.KindMatMul, Attrs{}, x, y) }

// ReduceSum reduces over axes; no axes reduces everything.
func (b *Builder) ReduceSum(x *Node, keepDims bool, axes ...int) *Node {
	return b.Op(ops.KindReduceSum, Attrs{Axes: axes, KeepDims: keepDims}, x)
}

func (b *Builder) ReduceMean(x *Node, keepDims bool, axes ...int) *Node {
	return b.Op(ops.KindReduceMean, Attrs{Axes: axes, KeepDims: keepDims}, x)
}

func (b *Builder) ReduceMax(x *Node, keepDims bool, axes ...int) *Node {
	return b.Op(ops.KindReduceMax, Attrs{Axes: axes, KeepDims: keepDims}, x)
}

func (b *Builder) ReduceMin(x *Node, keepDims bool, axes ...int) *Node {
	return b.Op(ops.KindReduceMin, Attrs{Axes: axes, KeepDims: keepDims}, x)
}

func (b *Builder) Softmax(x *Node, axis int) *Node {
	return b.Op(ops.KindSoftmax, Attrs{Axis: axis}, x)
}

// LayerNorm normalizes the last axis. weight and bias may be nil.
func (b *Builder) LayerNorm(x, weight, bias *Node, eps float64) *Node {
	if weight == nil && bias != nil {
		return b.failf("layer_norm: bias without weight")
	}

	return b.Op(ops.KindLayerNorm, Attrs{Eps: eps}, nonNil(x, weight, bias)...)
}

// RMSNorm normalizes the last axis by its root mean square. weight may be nil.
func (b *Builder) RMSNorm(x, weight *Node, eps float64) *Node {
	return b.Op(ops.KindRMSNorm, Attrs{Eps: eps}, nonNil(x, weight)...)
}

// nonNil drops trailing optional operands. The first operand is always kept
// so a nil x is still reported.
func nonNil(x *Node, optional ...*Node) []*Node {
	out := []*Node{x}

	for _, n := range optional {
		if n != nil {
			out = append(out, n)
		}
	}

	return out
}

// Build finalizes the graph with the given outputs.
func (b *Builder) Build(outputs ...*Node) (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}

	if len(outputs) == 0 {
		return nil, fmt.Errorf("graph %s: no outputs", b.name)
	}

	for i, o := range outputs {
		if o == nil {
			return nil, fmt.Errorf("graph %s: output %d: %w", b.name, i, ErrNilInput)
		}

		if o.id >= len(b.nodes) || b.nodes[o.id] != o {
			return nil, fmt.Errorf("graph %s: output %d belongs to another builder", b.name, i)
		}
	}

	return &Graph{
		name:    b.name,
		nodes:   slices.Clone(b.nodes),
		params:  slices.Clone(b.params),
		outputs: slices.Clone(outputs),
	}, nil
}
