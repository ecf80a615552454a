package cases

import (
	"math"

	"github.com/example/go-opcheck/internal/graph"
	"github.com/example/go-opcheck/internal/randgen"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Model sub-graphs: the patterns transformer blocks are made of. They give
// fusion real chains to work on, which single operators do not.

func in(name string, dt tensor.DType, domain randgen.Domain, shape ...int64) randgen.Spec {
	return randgen.Spec{Name: name, DType: dt, Shape: shape, Domain: domain}
}

// perDType expands one sub-graph into a case per dtype, named
// "<base>/<dtype>".
func perDType(base string, tags []string, dtypes []tensor.DType, mk func(dt tensor.DType) ([]randgen.Spec, BuildFunc)) []*Case {
	out := make([]*Case, 0, len(dtypes))

	for _, dt := range dtypes {
		inputs, build := mk(dt)
		out = append(out, &Case{
			Name:   base + "/" + dt.Short(),
			Tags:   append([]string{"subgraph", dt.Short()}, tags...),
			Inputs: inputs,
			Build:  build,
		})
	}

	return out
}

func subgraphCases() []*Case {
	var out []*Case

	f32f16 := []tensor.DType{tensor.Float32, tensor.Float16}
	f32bf16 := []tensor.DType{tensor.Float32, tensor.BFloat16}

	out = append(out, perDType("attention", []string{"matmul", "softmax"}, f32f16, attention)...)
	out = append(out, perDType("residual_layernorm", []string{"layer_norm"}, f32bf16, residualLayerNorm)...)
	out = append(out, perDType("swiglu", []string{"matmul", "silu"}, f32f16, swiGLU)...)
	out = append(out, perDType("gelu_bias", []string{"gelu"}, f32bf16, geluBias)...)
	out = append(out, perDType("rmsnorm_scale", []string{"rms_norm"}, f32f16, rmsNormScale)...)
	out = append(out, perDType("mean_variance", []string{"reduce"}, []tensor.DType{tensor.Float64, tensor.Float32}, meanVariance)...)
	out = append(out, perDType("log_softmax", []string{"reduce"}, f32bf16, logSoftmax)...)
	out = append(out, perDType("masked_softmax", []string{"softmax", "where"}, f32f16, maskedSoftmax)...)
	out = append(out, perDType("entropy", []string{"softmax", "log2"}, f32f16, entropy)...)
	out = append(out, perDType("index_arith", []string{"integer"}, []tensor.DType{tensor.Int64, tensor.Int32}, indexArith)...)
	out = append(out, perDType("int_chain", []string{"integer"}, []tensor.DType{tensor.Int32}, intChain)...)

	out = append(out,
		&Case{
			Name:   "cast_chain/f32",
			Tags:   []string{"subgraph", "f32", "cast"},
			Inputs: []randgen.Spec{in("x", tensor.Float32, randgen.Any, 16), in("y", tensor.Float32, randgen.Any, 16)},
			Build: func(b *graph.Builder, p []*graph.Node) []*graph.Node {
				h := b.Exp(b.Cast(p[0], tensor.Float16))
				return []*graph.Node{b.Add(b.Cast(h, tensor.Float32), p[1])}
			},
		},
		&Case{
			Name:   "dead_branch/f32",
			Tags:   []string{"subgraph", "f32", "dce"},
			Inputs: []randgen.Spec{in("x", tensor.Float32, randgen.Any, 4, 8)},
			Build: func(b *graph.Builder, p []*graph.Node) []*graph.Node {
				_ = b.Exp(b.Mul(p[0], p[0]))
				return []*graph.Node{b.Relu(b.Scale(p[0], 2))}
			},
		},
		&Case{
			Name:   "constant_chain/f32",
			Tags:   []string{"subgraph", "f32", "fold"},
			Inputs: []randgen.Spec{in("x", tensor.Float32, randgen.Any, 3, 5)},
			Build: func(b *graph.Builder, p []*graph.Node) []*graph.Node {
				c := b.Mul(b.Sqrt(b.Const(4, tensor.Float32)), b.Const(0.25, tensor.Float32))
				return []*graph.Node{b.Mul(p[0], c), c}
			},
		},
	)

	return out
}

func attention(dt tensor.DType) ([]randgen.Spec, BuildFunc) {
	const d = 8

	inputs := []randgen.Spec{
		in("q", dt, randgen.Unit, 2, 4, d),
		in("k", dt, randgen.Unit, 2, 6, d),
		in("v", dt, randgen.Positive, 2, 6, d),
	}

	return inputs, func(b *graph.Builder, p []*graph.Node) []*graph.Node {
		scores := b.Scale(b.MatMul(p[0], b.Transpose(p[1], 0, 2, 1)), 1/math.Sqrt(d))
		return []*graph.Node{b.MatMul(b.Softmax(scores, -1), p[2])}
	}
}

func residualLayerNorm(dt tensor.DType) ([]randgen.Spec, BuildFunc) {
	inputs := []randgen.Spec{
		in("x", dt, randgen.Any, 4, 32),
		in("residual", dt, randgen.Any, 4, 32),
		in("weight", dt, randgen.Positive, 32),
		in("bias", dt, randgen.Any, 32),
	}

	return inputs, func(b *graph.Builder, p []*graph.Node) []*graph.Node {
		h := b.Add(p[0], p[1])
		return []*graph.Node{b.LayerNorm(h, p[2], p[3], 1e-5), h}
	}
}

func swiGLU(dt tensor.DType) ([]randgen.Spec, BuildFunc) {
	inputs := []randgen.Spec{
		in("x", dt, randgen.Unit, 4, 16),
		in("w_gate", dt, randgen.Unit, 16, 24),
		in("w_up", dt, randgen.Unit, 16, 24),
		in("w_down", dt, randgen.Unit, 24, 16),
	}

	return inputs, func(b *graph.Builder, p []*graph.Node) []*graph.Node {
		h := b.Mul(b.Silu(b.MatMul(p[0], p[1])), b.MatMul(p[0], p[2]))
		return []*graph.Node{b.MatMul(h, p[3])}
	}
}

func geluBias(dt tensor.DType) ([]randgen.Spec, BuildFunc) {
	inputs := []randgen.Spec{
		in("x", dt, randgen.Any, 8, 32),
		in("bias", dt, randgen.Any, 32),
	}

	return inputs, func(b *graph.Builder, p []*graph.Node) []*graph.Node {
		return []*graph.Node{b.Gelu(b.Add(p[0], p[1]))}
	}
}

func rmsNormScale(dt tensor.DType) ([]randgen.Spec, BuildFunc) {
	inputs := []randgen.Spec{
		in("x", dt, randgen.Any, 4, 64),
		in("weight", dt, randgen.Positive, 64),
	}

	return inputs, func(b *graph.Builder, p []*graph.Node) []*graph.Node {
		return []*graph.Node{b.Scale(b.RMSNorm(p[0], p[1], 1e-6), 0.5)}
	}
}

func meanVariance(dt tensor.DType) ([]randgen.Spec, BuildFunc) {
	inputs := []randgen.Spec{in("x", dt, randgen.Any, 6, 20)}

	return inputs, func(b *graph.Builder, p []*graph.Node) []*graph.Node {
		mean := b.ReduceMean(p[0], true, 1)
		variance := b.ReduceMean(b.Square(b.Sub(p[0], mean)), false, 1)

		return []*graph.Node{b.Reshape(mean, -1), variance}
	}
}

func logSoftmax(dt tensor.DType) ([]randgen.Spec, BuildFunc) {
	inputs := []randgen.Spec{in("x", dt, randgen.Any, 4, 12)}

	return inputs, func(b *graph.Builder, p []*graph.Node) []*graph.Node {
		shifted := b.Sub(p[0], b.ReduceMax(p[0], true, -1))
		lse := b.Log(b.ReduceSum(b.Exp(shifted), true, -1))

		return []*graph.Node{b.Sub(shifted, lse)}
	}
}

func maskedSoftmax(dt tensor.DType) ([]randgen.Spec, BuildFunc) {
	inputs := []randgen.Spec{
		in("scores", dt, randgen.Any, 3, 8),
		in("mask", tensor.Bool, randgen.Bool, 3, 8),
	}

	return inputs, func(b *graph.Builder, p []*graph.Node) []*graph.Node {
		masked := b.Where(p[1], p[0], b.Const(-1e4, dt))
		return []*graph.Node{b.Softmax(masked, -1)}
	}
}

func entropy(dt tensor.DType) ([]randgen.Spec, BuildFunc) {
	inputs := []randgen.Spec{in("logits", dt, randgen.Any, 5, 16)}

	return inputs, func(b *graph.Builder, p []*graph.Node) []*graph.Node {
		probs := b.Softmax(p[0], -1)
		return []*graph.Node{b.Neg(b.ReduceSum(b.Mul(probs, b.Log2(probs)), false, -1))}
	}
}

// indexArith splits flat indices into row and column and recombines them.
// Every output is integer, so the paths must agree exactly.
func indexArith(dt tensor.DType) ([]randgen.Spec, BuildFunc) {
	inputs := []randgen.Spec{
		in("idx", dt, randgen.SmallInt, 32),
		in("width", dt, randgen.Positive, 1),
	}

	return inputs, func(b *graph.Builder, p []*graph.Node) []*graph.Node {
		row := b.FloorDivide(p[0], p[1])
		col := b.Remainder(p[0], p[1])
		back := b.Add(b.Mul(row, p[1]), col)

		return []*graph.Node{row, col, back, b.FloorDivide(p[0], b.Const(3, dt))}
	}
}

func intChain(dt tensor.DType) ([]randgen.Spec, BuildFunc) {
	inputs := []randgen.Spec{
		in("x", dt, randgen.SmallInt, 6, 7),
		in("y", dt, randgen.SmallInt, 7),
	}

	return inputs, func(b *graph.Builder, p []*graph.Node) []*graph.Node {
		h := b.Add(b.Mul(p[0], p[1]), p[0])
		return []*graph.Node{b.Relu(b.Maximum(h, b.Neg(p[1]))), b.ReduceSum(b.Abs(h), false, 1)}
	}
}
