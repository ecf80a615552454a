package compile

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/example/go-opcheck/internal/eager"
	"github.com/example/go-opcheck/internal/graph"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

func randTensor(rng *rand.Rand, dtype tensor.DType, shape ...int64) *tensor.Tensor {
	n := must.M1(tensor.ElemCount(shape))

	data := make([]float64, n)
	for i := range data {
		data[i] = rng.Float64()*4 - 2
	}

	return must.M1(tensor.New(data, shape, dtype))
}

func runBoth(t *testing.T, g *graph.Graph, opts Options, inputs []*tensor.Tensor) (want, got []*tensor.Tensor) {
	t.Helper()

	want, err := (&eager.Interpreter{}).Run(context.Background(), g, inputs)
	require.NoError(t, err)

	exe, err := Compile(g, opts)
	require.NoError(t, err)

	got, err = exe.Run(context.Background(), inputs)
	require.NoError(t, err)
	require.Len(t, got, len(want))

	return want, got
}

func requireClose(t *testing.T, want, got *tensor.Tensor, tol float64) {
	t.Helper()

	require.Equal(t, want.Shape(), got.Shape())
	require.Equal(t, want.DType(), got.DType())

	w, g := want.RawData(), got.RawData()
	for i := range w {
		if math.Abs(w[i]-g[i]) > tol*(1+math.Abs(w[i])) {
			t.Fatalf("element %d: got %v, want %v (tol %g)", i, g[i], w[i], tol)
		}
	}
}

func chainGraph(t *testing.T, dtype tensor.DType) *graph.Graph {
	t.Helper()

	b := graph.NewBuilder("chain")
	x := b.Parameter("x", dtype, 4, 3)
	y := b.Parameter("y", dtype, 3)
	out := b.Relu(b.Add(b.Mul(x, y), b.Const(0.25, dtype)))

	return must.M1(b.Build(out))
}

func TestFusionStats(t *testing.T) {
	g := chainGraph(t, tensor.Float32)

	fused := must.M1(Compile(g, DefaultOptions()))
	st := fused.Stats()
	require.Equal(t, 6, st.Nodes)
	require.Equal(t, 1, st.FusedKernels)
	require.Equal(t, 3, st.FusedNodes)
	require.Equal(t, 1, st.Instructions)
	require.Contains(t, fused.Plan(), "fused[mul add relu]")

	plain := must.M1(Compile(g, Options{ConstantFolding: true}))
	st = plain.Stats()
	require.Equal(t, 0, st.FusedKernels)
	require.Equal(t, 3, st.Instructions)
}

func TestUnfusedElementwiseMatchesEagerExactly(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	g := chainGraph(t, tensor.Float16)
	inputs := []*tensor.Tensor{randTensor(rng, tensor.Float16, 4, 3), randTensor(rng, tensor.Float16, 3)}

	want, got := runBoth(t, g, Options{}, inputs)
	require.Equal(t, want[0].RawData(), got[0].RawData())
}

func TestFusionSkipsIntermediateRounding(t *testing.T) {
	b := graph.NewBuilder("f16")
	x := b.Parameter("x", tensor.Float16, 1)
	out := b.Sub(b.Add(x, b.Const(1, tensor.Float16)), x)
	g := must.M1(b.Build(out))

	inputs := []*tensor.Tensor{must.M1(tensor.New([]float64{2048}, []int64{1}, tensor.Float16))}

	want, got := runBoth(t, g, DefaultOptions(), inputs)
	require.Equal(t, 0.0, want[0].RawData()[0])
	require.Equal(t, 1.0, got[0].RawData()[0])
}

func TestDiscontinuousOperandsAreRounded(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))

	b := graph.NewBuilder("floor")
	x := b.Parameter("x", tensor.Float16, 64)
	y := b.Parameter("y", tensor.Float16, 64)
	out := b.Floor(b.Mul(b.Scale(x, 3), y))
	g := must.M1(b.Build(out))

	inputs := []*tensor.Tensor{randTensor(rng, tensor.Float16, 64), randTensor(rng, tensor.Float16, 64)}

	// Only the floor operand is rounded; scale feeds mul unrounded, so the
	// outputs may differ but stay within one unit.
	want, got := runBoth(t, g, DefaultOptions(), inputs)
	for i, w := range want[0].RawData() {
		require.LessOrEqual(t, math.Abs(w-got[0].RawData()[i]), 1.0)
	}

	// A comparison of parameters is exact.
	b = graph.NewBuilder("pred")
	px := b.Parameter("x", tensor.Float16, 64)
	py := b.Parameter("y", tensor.Float16, 64)
	g = must.M1(b.Build(b.Cast(b.Greater(px, py), tensor.Int32)))

	want, got = runBoth(t, g, DefaultOptions(), inputs)
	require.Equal(t, want[0].RawData(), got[0].RawData())
	require.Equal(t, tensor.Int32, got[0].DType())
}

func TestConstantFoldingAndDeadCode(t *testing.T) {
	b := graph.NewBuilder("fold")
	x := b.Parameter("x", tensor.Float32, 3)
	c := b.Add(b.Const(2, tensor.Float32), b.Const(3, tensor.Float32))
	_ = b.Exp(x) // dead
	out := b.Mul(x, c)
	g := must.M1(b.Build(out))

	exe := must.M1(Compile(g, DefaultOptions()))
	st := exe.Stats()
	require.Equal(t, 1, st.Folded)
	require.Equal(t, 1, st.Eliminated)
	require.Equal(t, 1, st.Instructions)

	xs := must.M1(tensor.New([]float64{1, 2, 3}, []int64{3}, tensor.Float32))
	got := must.M1(exe.Run(context.Background(), []*tensor.Tensor{xs}))
	require.Equal(t, []float64{5, 10, 15}, got[0].RawData())

	noFold := must.M1(Compile(g, Options{Fusion: true}))
	require.Equal(t, 0, noFold.Stats().Folded)
	require.Equal(t, 1, noFold.Stats().FusedKernels)
}

func TestFoldedOutput(t *testing.T) {
	b := graph.NewBuilder("const-out")
	x := b.Parameter("x", tensor.Float64, 1)
	c := b.Neg(b.Const(4, tensor.Float64))
	g := must.M1(b.Build(c, x))

	exe := must.M1(Compile(g, DefaultOptions()))
	require.Equal(t, 0, exe.Stats().Instructions)

	xs := must.M1(tensor.New([]float64{7}, []int64{1}, tensor.Float64))
	got := must.M1(exe.Run(context.Background(), []*tensor.Tensor{xs}))
	require.Equal(t, []float64{-4}, got[0].RawData())
	require.Equal(t, []float64{7}, got[1].RawData())
}

func TestSlotsAreRecycled(t *testing.T) {
	b := graph.NewBuilder("slots")
	x := b.Parameter("x", tensor.Float64, 8)
	out := b.Neg(b.Log(b.Exp(x)))
	g := must.M1(b.Build(out))

	exe := must.M1(Compile(g, Options{}))
	require.Equal(t, 3, exe.Stats().Instructions)
	require.Equal(t, 3, exe.Stats().Slots)
	require.Contains(t, exe.Plan(), "free s1")
}

func TestConstantKeepsSlotAfterRecycling(t *testing.T) {
	b := graph.NewBuilder("late-const")
	x := b.Parameter("x", tensor.Int64, 6)
	k := b.Const(3, tensor.Int64)
	// x*x dies inside the add, and only then is k read.
	sum := b.Add(b.Mul(x, x), x)
	g := must.M1(b.Build(b.FloorDivide(sum, k), b.Remainder(sum, k)))

	exe := must.M1(Compile(g, Options{}))
	require.Equal(t, 4, exe.Stats().Instructions)
	require.Contains(t, exe.Plan(), "free")

	xs := must.M1(tensor.New([]float64{-3, -2, -1, 0, 1, 2}, []int64{6}, tensor.Int64))
	want, got := runBoth(t, g, Options{}, []*tensor.Tensor{xs})

	for i := range want {
		require.Equal(t, want[i].RawData(), got[i].RawData(), "output %d", i)
	}

	require.Equal(t, []float64{2, 0, 0, 0, 0, 2}, got[0].RawData())
}

func TestIntegerRemainderHasNoNegativeZero(t *testing.T) {
	b := graph.NewBuilder("irem")
	x := b.Parameter("x", tensor.Int64, 4)
	g := must.M1(b.Build(b.Remainder(x, b.Const(3, tensor.Int64))))

	xs := must.M1(tensor.New([]float64{-6, -3, 0, 3}, []int64{4}, tensor.Int64))

	for _, opts := range []Options{{}, DefaultOptions()} {
		got := must.M1(must.M1(Compile(g, opts)).Run(context.Background(), []*tensor.Tensor{xs}))
		for i, v := range got[0].RawData() {
			require.False(t, math.Signbit(v), "%s: element %d is %v", opts, i, v)
		}
	}
}

func TestIntegerDivisionByZeroInFusedKernel(t *testing.T) {
	b := graph.NewBuilder("idiv")
	x := b.Parameter("x", tensor.Int64, 4)
	y := b.Parameter("y", tensor.Int64, 4)
	g := must.M1(b.Build(b.Add(b.FloorDivide(x, y), x)))

	exe := must.M1(Compile(g, DefaultOptions()))
	require.Equal(t, 1, exe.Stats().FusedKernels)

	xs := must.M1(tensor.New([]float64{1, 2, 3, 4}, []int64{4}, tensor.Int64))
	ys := must.M1(tensor.New([]float64{1, 1, 0, 1}, []int64{4}, tensor.Int64))

	_, err := exe.Run(context.Background(), []*tensor.Tensor{xs, ys})
	require.True(t, errors.Is(err, ops.ErrDivisionByZero), "err = %v", err)
	require.ErrorContains(t, err, "element 2")
}

func TestTiledMatMulMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	a := randTensor(rng, tensor.Float64, 3, 1, 7, 9)
	bt := randTensor(rng, tensor.Float64, 2, 9, 5)

	want := must.M1(tensor.MatMul(a, bt))

	for _, tile := range []int{1, 3, 4, 32} {
		got := must.M1(tiledMatMul(a, bt, tile))
		requireClose(t, want, got, 1e-12)
	}
}

func TestCompiledKernelsCloseToEager(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))

	b := graph.NewBuilder("block")
	x := b.Parameter("x", tensor.Float32, 2, 5, 16)
	w := b.Parameter("w", tensor.Float32, 16, 16)
	gamma := b.Parameter("gamma", tensor.Float32, 16)
	h := b.LayerNorm(b.MatMul(x, w), gamma, nil, 1e-5)
	p := b.Softmax(b.Gelu(h), -1)
	m := b.ReduceMean(p, true, 1)
	r := b.RMSNorm(h, nil, 1e-6)
	g := must.M1(b.Build(m, r))

	inputs := []*tensor.Tensor{
		randTensor(rng, tensor.Float32, 2, 5, 16),
		randTensor(rng, tensor.Float32, 16, 16),
		randTensor(rng, tensor.Float32, 16),
	}

	for _, opts := range []Options{{}, DefaultOptions()} {
		want, got := runBoth(t, g, opts, inputs)
		requireClose(t, want[0], got[0], 1e-4)
		requireClose(t, want[1], got[1], 1e-4)
	}
}

func TestRunRejectsWrongInputs(t *testing.T) {
	exe := must.M1(Compile(chainGraph(t, tensor.Float32), DefaultOptions()))

	_, err := exe.Run(context.Background(), nil)
	require.ErrorContains(t, err, "expected 2 inputs")
}

func TestCache(t *testing.T) {
	cache := NewCache()
	g := chainGraph(t, tensor.Float32)

	var wg sync.WaitGroup

	exes := make([]*Executable, 8)
	for i := range exes {
		wg.Add(1)

		go func() {
			defer wg.Done()
			exes[i] = must.M1(cache.Get(g, DefaultOptions()))
		}()
	}

	wg.Wait()

	for _, e := range exes[1:] {
		require.Same(t, exes[0], e)
	}

	hits, misses := cache.Counts()
	require.Equal(t, 7, hits)
	require.Equal(t, 1, misses)

	_ = must.M1(cache.Get(g, Options{}))
	require.Equal(t, 2, cache.Len())

	// Equal structure from a fresh builder shares the entry.
	require.Same(t, exes[0], must.M1(cache.Get(chainGraph(t, tensor.Float32), DefaultOptions())))
}
