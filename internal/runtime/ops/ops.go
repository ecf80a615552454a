// Package ops is the operator catalogue shared by the eager interpreter and
// the compiler. Scalar semantics live here so both execution paths agree on
// what every operator means.
package ops

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Kind names an operator.
type Kind string

const (
	KindParameter Kind = "parameter"
	KindConstant  Kind = "constant"

	KindAdd         Kind = "add"
	KindSub         Kind = "sub"
	KindMul         Kind = "mul"
	KindDiv         Kind = "div"
	KindFloorDivide Kind = "floor_divide"
	KindRemainder   Kind = "remainder"
	KindPow         Kind = "pow"
	KindMaximum     Kind = "maximum"
	KindMinimum     Kind = "minimum"
	KindEqual       Kind = "equal"
	KindGreater     Kind = "greater"
	KindLess        Kind = "less"

	KindNeg     Kind = "neg"
	KindAbs     Kind = "abs"
	KindExp     Kind = "exp"
	KindLog     Kind = "log"
	KindLog2    Kind = "log2"
	KindSqrt    Kind = "sqrt"
	KindRsqrt   Kind = "rsqrt"
	KindTanh    Kind = "tanh"
	KindSigmoid Kind = "sigmoid"
	KindRelu    Kind = "relu"
	KindGelu    Kind = "gelu"
	KindSilu    Kind = "silu"
	KindSquare  Kind = "square"
	KindFloor   Kind = "floor"
	KindCeil    Kind = "ceil"
	KindCast    Kind = "cast"
	KindScale   Kind = "scale"
	KindWhere   Kind = "where"

	KindReshape   Kind = "reshape"
	KindTranspose Kind = "transpose"
	KindBroadcast Kind = "broadcast"
	KindSlice     Kind = "slice"
	KindConcat    Kind = "concat"

	KindMatMul Kind = "matmul"

	KindReduceSum  Kind = "reduce_sum"
	KindReduceMean Kind = "reduce_mean"
	KindReduceMax  Kind = "reduce_max"
	KindReduceMin  Kind = "reduce_min"

	KindSoftmax   Kind = "softmax"
	KindLayerNorm Kind = "layer_norm"
	KindRMSNorm   Kind = "rms_norm"
)

// Category groups operators by how they are executed and fused.
type Category int

const (
	Source Category = iota
	Elementwise
	Reduction
	Contraction
	Layout
	Normalization
)

func (c Category) String() string {
	switch c {
	case Source:
		return "source"
	case Elementwise:
		return "elementwise"
	case Reduction:
		return "reduction"
	case Contraction:
		return "contraction"
	case Layout:
		return "layout"
	case Normalization:
		return "normalization"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

var (
	ErrUnknownOp      = errors.New("unknown operator")
	ErrDivisionByZero = errors.New("integer division by zero")
)

// Def describes one operator.
type Def struct {
	Kind     Kind
	Category Category
	// Arity is the number of tensor inputs; -1 means variadic.
	Arity  int
	Unary  func(float64) float64
	Binary func(x, y float64) float64
	// Predicate ops produce bool outputs.
	Predicate bool
	// FloatOnly ops reject integer and bool inputs.
	FloatOnly bool
	// Divides marks ops whose right operand must be non-zero on integer dtypes.
	Divides bool
	// Discontinuous ops (floor, comparisons, casts) can flip on a one-ulp
	// input change, so fused kernels round their operands first.
	Discontinuous bool
	// Reduce is set for reductions.
	Reduce tensor.ReduceKind
}

// BinaryFor returns the element function for dtype, adding the integer
// division guard where needed.
func (d Def) BinaryFor(dtype tensor.DType) tensor.BinaryFunc {
	fn := d.Binary
	if d.Divides && !dtype.IsFloat() {
		return func(x, y float64) (float64, error) {
			if y == 0 {
				return 0, ErrDivisionByZero
			}

			return fn(x, y), nil
		}
	}

	return func(x, y float64) (float64, error) { return fn(x, y), nil }
}

// Elementwise reports whether the op maps elements independently.
func (d Def) Elementwise() bool { return d.Category == Elementwise }

var registry = map[Kind]Def{}

func register(d Def) {
	if _, dup := registry[d.Kind]; dup {
		panic(fmt.Sprintf("ops: duplicate registration of %q", d.Kind))
	}

	registry[d.Kind] = d
}

// Lookup returns the definition of kind.
func Lookup(kind Kind) (Def, error) {
	d, ok := registry[kind]
	if !ok {
		return Def{}, fmt.Errorf("ops: %w %q", ErrUnknownOp, kind)
	}

	return d, nil
}

// MustLookup is Lookup for kinds known at compile time.
func MustLookup(kind Kind) Def {
	d, err := Lookup(kind)
	if err != nil {
		panic(err)
	}

	return d
}

// Kinds lists every registered operator, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}

	slices.Sort(out)

	return out
}

func init() {
	register(Def{Kind: KindParameter, Category: Source})
	register(Def{Kind: KindConstant, Category: Source})

	binary := func(k Kind, fn func(x, y float64) float64) Def {
		return Def{Kind: k, Category: Elementwise, Arity: 2, Binary: fn}
	}

	register(binary(KindAdd, func(x, y float64) float64 { return x + y }))
	register(binary(KindSub, func(x, y float64) float64 { return x - y }))
	register(binary(KindMul, func(x, y float64) float64 { return x * y }))
	register(binary(KindMaximum, maximum))
	register(binary(KindMinimum, minimum))

	div := binary(KindDiv, func(x, y float64) float64 { return x / y })
	div.Divides = true
	register(div)

	floorDiv := binary(KindFloorDivide, floorDivide)
	floorDiv.Divides = true
	floorDiv.Discontinuous = true
	register(floorDiv)

	rem := binary(KindRemainder, remainder)
	rem.Divides = true
	rem.Discontinuous = true
	register(rem)

	pow := binary(KindPow, math.Pow)
	pow.FloatOnly = true
	register(pow)

	for k, fn := range map[Kind]func(x, y float64) float64{
		KindEqual:   func(x, y float64) float64 { return boolf(x == y) },
		KindGreater: func(x, y float64) float64 { return boolf(x > y) },
		KindLess:    func(x, y float64) float64 { return boolf(x < y) },
	} {
		d := binary(k, fn)
		d.Predicate = true
		d.Discontinuous = true
		register(d)
	}

	unary := func(k Kind, fn func(float64) float64, floatOnly bool) Def {
		return Def{Kind: k, Category: Elementwise, Arity: 1, Unary: fn, FloatOnly: floatOnly}
	}

	register(unary(KindNeg, func(x float64) float64 { return -x }, false))
	register(unary(KindAbs, math.Abs, false))
	register(unary(KindSquare, func(x float64) float64 { return x * x }, false))
	register(unary(KindRelu, func(x float64) float64 { return math.Max(x, 0) }, false))
	register(unary(KindExp, math.Exp, true))
	register(unary(KindLog, math.Log, true))
	register(unary(KindLog2, math.Log2, true))
	register(unary(KindSqrt, math.Sqrt, true))
	register(unary(KindRsqrt, func(x float64) float64 { return 1 / math.Sqrt(x) }, true))
	register(unary(KindTanh, math.Tanh, true))
	register(unary(KindSigmoid, sigmoid, true))
	register(unary(KindGelu, gelu, true))
	register(unary(KindSilu, func(x float64) float64 { return x * sigmoid(x) }, true))

	for k, fn := range map[Kind]func(float64) float64{KindFloor: math.Floor, KindCeil: math.Ceil} {
		d := unary(k, fn, true)
		d.Discontinuous = true
		register(d)
	}

	cast := unary(KindCast, func(x float64) float64 { return x }, false)
	cast.Discontinuous = true
	register(cast)

	// The factor is a node attribute; Unary is bound per node.
	register(Def{Kind: KindScale, Category: Elementwise, Arity: 1})
	register(Def{Kind: KindWhere, Category: Elementwise, Arity: 3})

	register(Def{Kind: KindReshape, Category: Layout, Arity: 1})
	register(Def{Kind: KindTranspose, Category: Layout, Arity: 1})
	register(Def{Kind: KindBroadcast, Category: Layout, Arity: 1})
	register(Def{Kind: KindSlice, Category: Layout, Arity: 1})
	register(Def{Kind: KindConcat, Category: Layout, Arity: -1})

	register(Def{Kind: KindMatMul, Category: Contraction, Arity: 2})

	register(Def{Kind: KindReduceSum, Category: Reduction, Arity: 1, Reduce: tensor.ReduceSum})
	register(Def{Kind: KindReduceMean, Category: Reduction, Arity: 1, Reduce: tensor.ReduceMean})
	register(Def{Kind: KindReduceMax, Category: Reduction, Arity: 1, Reduce: tensor.ReduceMax})
	register(Def{Kind: KindReduceMin, Category: Reduction, Arity: 1, Reduce: tensor.ReduceMin})

	register(Def{Kind: KindSoftmax, Category: Normalization, Arity: 1, FloatOnly: true})
	register(Def{Kind: KindLayerNorm, Category: Normalization, Arity: -1, FloatOnly: true})
	register(Def{Kind: KindRMSNorm, Category: Normalization, Arity: -1, FloatOnly: true})
}

func boolf(b bool) float64 {
	if b {
		return 1
	}

	return 0
}

func maximum(x, y float64) float64 {
	if math.IsNaN(x) || math.IsNaN(y) {
		return math.NaN()
	}

	return math.Max(x, y)
}

func minimum(x, y float64) float64 {
	if math.IsNaN(x) || math.IsNaN(y) {
		return math.NaN()
	}

	return math.Min(x, y)
}

// floorDivide rounds the quotient toward negative infinity.
func floorDivide(x, y float64) float64 {
	return math.Floor(x / y)
}

// remainder takes the sign of the divisor.
func remainder(x, y float64) float64 {
	r := math.Mod(x, y)
	if r != 0 && (r < 0) != (y < 0) {
		r += y
	}

	return r
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}
