package tensor

import (
	"errors"
	"strings"
	"testing"
)

func add(x, y float64) (float64, error) { return x + y, nil }

func TestBinaryBroadcast(t *testing.T) {
	a := mustNew(t, []float64{1, 2, 3, 4, 5, 6}, []int64{2, 3}, Float32)
	b := mustNew(t, []float64{10, 20, 30}, []int64{1, 3}, Float32)

	sum, err := Binary(a, b, "add", add, Float32)
	if err != nil {
		t.Fatalf("broadcast add: %v", err)
	}

	wantAdd := []float64{11, 22, 33, 14, 25, 36}
	if got := sum.Data(); !equalF64(got, wantAdd, 0) {
		t.Fatalf("add = %v, want %v", got, wantAdd)
	}

	col := mustNew(t, []float64{100, 200}, []int64{2, 1}, Float32)

	mul, err := Binary(a, col, "mul", func(x, y float64) (float64, error) { return x * y, nil }, Float32)
	if err != nil {
		t.Fatalf("broadcast mul: %v", err)
	}

	wantMul := []float64{100, 200, 300, 800, 1000, 1200}
	if got := mul.Data(); !equalF64(got, wantMul, 0) {
		t.Fatalf("mul = %v, want %v", got, wantMul)
	}
}

func TestBinaryPropagatesKernelError(t *testing.T) {
	a := mustNew(t, []float64{1, 2}, []int64{2}, Int32)
	b := mustNew(t, []float64{1, 0}, []int64{2}, Int32)
	boom := errors.New("boom")

	_, err := Binary(a, b, "div", func(x, y float64) (float64, error) {
		if y == 0 {
			return 0, boom
		}

		return x / y, nil
	}, Int32)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}

	if !strings.Contains(err.Error(), "element 1") {
		t.Fatalf("error should name the failing element: %v", err)
	}
}

func TestBinaryShapeMismatch(t *testing.T) {
	a := mustNew(t, []float64{1, 2, 3}, []int64{3}, Float32)
	b := mustNew(t, []float64{1, 2}, []int64{2}, Float32)

	if _, err := Binary(a, b, "add", add, Float32); err == nil || !strings.Contains(err.Error(), "cannot broadcast") {
		t.Fatalf("expected broadcast error, got %v", err)
	}
}

func TestWhere(t *testing.T) {
	cond := mustNew(t, []float64{1, 0, 1}, []int64{3}, Bool)
	a := mustNew(t, []float64{1, 2, 3}, []int64{3}, Float32)
	b := mustNew(t, []float64{-1}, []int64{1}, Float32)

	out, err := Where(cond, a, b)
	if err != nil {
		t.Fatalf("where: %v", err)
	}

	if got := out.Data(); !equalF64(got, []float64{1, -1, 3}, 0) {
		t.Fatalf("where = %v, want [1 -1 3]", got)
	}
}

func TestBroadcastTo(t *testing.T) {
	x := mustNew(t, []float64{1, 2}, []int64{2, 1}, Int64)

	out, err := x.BroadcastTo([]int64{2, 3})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if got := out.Data(); !equalF64(got, []float64{1, 1, 1, 2, 2, 2}, 0) {
		t.Fatalf("broadcast = %v", got)
	}

	if _, err := x.BroadcastTo([]int64{3}); err == nil {
		t.Fatal("expected error broadcasting [2 1] to [3]")
	}
}

func TestWalkBroadcastRangeMatchesFullWalk(t *testing.T) {
	shape := []int64{3, 4, 5}
	strides := [][]int64{BroadcastStrides([]int64{4, 1}, shape)}

	var full []int64

	WalkBroadcast(shape, strides, func(_ int, offs []int64) bool {
		full = append(full, offs[0])
		return true
	})

	for _, lo := range []int{0, 7, 19, 59} {
		var part []int64

		WalkBroadcastRange(shape, strides, lo, 60, func(_ int, offs []int64) bool {
			part = append(part, offs[0])
			return true
		})

		if !equalI64(part, full[lo:]) {
			t.Fatalf("range walk from %d = %v, want %v", lo, part, full[lo:])
		}
	}
}

func TestLeftPadShape(t *testing.T) {
	shape := []int64{2, 3}

	gotEqual := leftPadShape(shape, 2)
	if !equalI64(gotEqual, []int64{2, 3}) {
		t.Fatalf("leftPadShape equal rank = %v, want [2 3]", gotEqual)
	}

	gotEqual[0] = 99

	if shape[0] != 2 {
		t.Fatalf("leftPadShape should return a copy when rank matches, source mutated: %v", shape)
	}

	gotPadded := leftPadShape(shape, 4)
	if !equalI64(gotPadded, []int64{1, 1, 2, 3}) {
		t.Fatalf("leftPadShape padded = %v, want [1 1 2 3]", gotPadded)
	}
}
