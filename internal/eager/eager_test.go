package eager

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/janpfeifer/must"

	"github.com/example/go-opcheck/internal/graph"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

func TestRunElementwiseChain(t *testing.T) {
	b := graph.NewBuilder("chain")
	x := b.Parameter("x", tensor.Float32, 2, 2)
	y := b.Parameter("y", tensor.Float32, 2)
	out := b.Relu(b.Sub(b.Mul(x, y), b.Const(1, tensor.Float32)))

	g := must.M1(b.Build(out))
	xs := must.M1(tensor.New([]float64{1, 2, 3, 4}, []int64{2, 2}, tensor.Float32))
	ys := must.M1(tensor.New([]float64{0.5, 2}, []int64{2}, tensor.Float32))

	got, err := (&Interpreter{}).Run(context.Background(), g, []*tensor.Tensor{xs, ys})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []float64{0, 3, 0.5, 7}
	for i, v := range got[0].RawData() {
		if v != want[i] {
			t.Fatalf("out[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestRunRoundsEveryStep(t *testing.T) {
	// 2048 + 1 is not representable in float16, so (x + 1) - x is 0 when
	// rounded after each op.
	b := graph.NewBuilder("f16")
	x := b.Parameter("x", tensor.Float16, 1)
	one := b.Const(1, tensor.Float16)
	out := b.Sub(b.Add(x, one), x)

	g := must.M1(b.Build(out))
	xs := must.M1(tensor.New([]float64{2048}, []int64{1}, tensor.Float16))

	got := must.M1((&Interpreter{}).Run(context.Background(), g, []*tensor.Tensor{xs}))
	if v := got[0].RawData()[0]; v != 0 {
		t.Fatalf("(2048+1)-2048 in f16 = %v, want 0", v)
	}
}

func TestRunIntegerDivisionByZero(t *testing.T) {
	b := graph.NewBuilder("idiv")
	x := b.Parameter("x", tensor.Int32, 2)
	y := b.Parameter("y", tensor.Int32, 2)

	g := must.M1(b.Build(b.FloorDivide(x, y)))
	xs := must.M1(tensor.New([]float64{7, -7}, []int64{2}, tensor.Int32))
	ys := must.M1(tensor.New([]float64{2, 0}, []int64{2}, tensor.Int32))

	_, err := (&Interpreter{}).Run(context.Background(), g, []*tensor.Tensor{xs, ys})
	if !errors.Is(err, ops.ErrDivisionByZero) {
		t.Fatalf("err = %v, want ErrDivisionByZero", err)
	}

	ys = must.M1(tensor.New([]float64{2, 2}, []int64{2}, tensor.Int32))

	got := must.M1((&Interpreter{}).Run(context.Background(), g, []*tensor.Tensor{xs, ys}))
	if d := got[0].RawData(); d[0] != 3 || d[1] != -4 {
		t.Fatalf("floor_divide = %v, want [3 -4]", d)
	}
}

func TestRunReleasesIntermediates(t *testing.T) {
	b := graph.NewBuilder("trace")
	x := b.Parameter("x", tensor.Float64, 3)
	e := b.Exp(x)
	s := b.ReduceSum(e, false)

	g := must.M1(b.Build(s, e))
	xs := must.M1(tensor.New([]float64{0, 1, 2}, []int64{3}, tensor.Float64))

	var traced []ops.Kind

	in := &Interpreter{Trace: func(n *graph.Node, _ *tensor.Tensor) { traced = append(traced, n.Kind()) }}

	got, err := in.Run(context.Background(), g, []*tensor.Tensor{xs})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(traced) != 2 || traced[0] != ops.KindExp || traced[1] != ops.KindReduceSum {
		t.Fatalf("traced = %v", traced)
	}

	want := 1 + math.E + math.Exp(2)
	if v := got[0].RawData()[0]; math.Abs(v-want) > 1e-12 {
		t.Fatalf("sum = %v, want %v", v, want)
	}

	// e is an output too and must survive its last consumer.
	if got[1] == nil || got[1].ElemCount() != 3 {
		t.Fatalf("pinned output missing: %v", got[1])
	}
}

func TestRunCanceled(t *testing.T) {
	b := graph.NewBuilder("cancel")
	x := b.Parameter("x", tensor.Float32, 1)
	g := must.M1(b.Build(b.Neg(x)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Interpreter{}).Run(ctx, g, []*tensor.Tensor{must.M1(tensor.Zeros([]int64{1}, tensor.Float32))})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRunRejectsBadInputs(t *testing.T) {
	b := graph.NewBuilder("inputs")
	x := b.Parameter("x", tensor.Float32, 2)
	g := must.M1(b.Build(b.Abs(x)))

	_, err := (&Interpreter{}).Run(context.Background(), g, []*tensor.Tensor{must.M1(tensor.Zeros([]int64{2}, tensor.Int32))})
	if err == nil {
		t.Fatal("expected dtype error")
	}
}

func TestEvaluateLayoutOps(t *testing.T) {
	b := graph.NewBuilder("layout")
	x := b.Parameter("x", tensor.Float32, 2, 3)
	tr := b.Transpose(x, 1, 0)
	sl := b.Slice(x, 1, 1, 2)
	cc := b.Concat(0, x, x)
	_ = must.M1(b.Build(tr, sl, cc))

	xs := must.M1(tensor.New([]float64{1, 2, 3, 4, 5, 6}, []int64{2, 3}, tensor.Float32))

	got := must.M1(Evaluate(tr, []*tensor.Tensor{xs}))
	if d := got.RawData(); d[1] != 4 || d[2] != 2 {
		t.Fatalf("transpose = %v", d)
	}

	got = must.M1(Evaluate(sl, []*tensor.Tensor{xs}))
	if d := got.RawData(); len(d) != 4 || d[0] != 2 || d[3] != 6 {
		t.Fatalf("slice = %v", d)
	}

	got = must.M1(Evaluate(cc, []*tensor.Tensor{xs, xs}))
	if s := got.Shape(); s[0] != 4 || s[1] != 3 {
		t.Fatalf("concat shape = %v", s)
	}
}
