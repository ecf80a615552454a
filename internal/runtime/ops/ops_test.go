package ops

import (
	"errors"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

func TestLookup(t *testing.T) {
	d, err := Lookup(KindFloorDivide)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if !d.Divides || !d.Discontinuous || d.Arity != 2 || !d.Elementwise() {
		t.Fatalf("floor_divide def = %+v", d)
	}

	_, err = Lookup("no_such_op")
	if !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("Lookup(unknown) err = %v, want ErrUnknownOp", err)
	}

	if !strings.Contains(err.Error(), "no_such_op") {
		t.Fatalf("error %q does not name the op", err)
	}
}

func TestKindsSortedAndComplete(t *testing.T) {
	kinds := Kinds()
	if !slices.IsSorted(kinds) {
		t.Fatalf("Kinds() not sorted: %v", kinds)
	}

	for _, want := range []Kind{KindMatMul, KindLog2, KindFloorDivide, KindSoftmax, KindWhere} {
		if !slices.Contains(kinds, want) {
			t.Fatalf("Kinds() missing %q", want)
		}
	}
}

func TestElementwiseDefsHaveFunctions(t *testing.T) {
	for _, k := range Kinds() {
		d := MustLookup(k)
		if !d.Elementwise() || k == KindScale || k == KindWhere {
			continue
		}

		switch d.Arity {
		case 1:
			if d.Unary == nil {
				t.Fatalf("%s: missing unary function", k)
			}
		case 2:
			if d.Binary == nil {
				t.Fatalf("%s: missing binary function", k)
			}
		default:
			t.Fatalf("%s: unexpected arity %d", k, d.Arity)
		}
	}
}

func TestFloorDivideAndRemainder(t *testing.T) {
	tests := []struct {
		x, y      float64
		quo, rem float64
	}{
		{7, 2, 3, 1},
		{-7, 2, -4, 1},
		{7, -2, -4, -1},
		{-7, -2, 3, -1},
		{6, 3, 2, 0},
		{-0.5, 0.25, -2, 0},
	}

	fd := MustLookup(KindFloorDivide).Binary
	rm := MustLookup(KindRemainder).Binary

	for _, tc := range tests {
		if got := fd(tc.x, tc.y); got != tc.quo {
			t.Fatalf("floor_divide(%v, %v) = %v, want %v", tc.x, tc.y, got, tc.quo)
		}

		if got := rm(tc.x, tc.y); got != tc.rem {
			t.Fatalf("remainder(%v, %v) = %v, want %v", tc.x, tc.y, got, tc.rem)
		}
	}
}

func TestBinaryForIntegerDivisionByZero(t *testing.T) {
	fn := MustLookup(KindFloorDivide).BinaryFor(tensor.Int32)

	if _, err := fn(4, 0); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("int floor_divide by zero err = %v, want ErrDivisionByZero", err)
	}

	got, err := fn(9, 4)
	if err != nil || got != 2 {
		t.Fatalf("int floor_divide(9, 4) = %v, %v; want 2, nil", got, err)
	}

	ffn := MustLookup(KindDiv).BinaryFor(tensor.Float32)

	got, err = ffn(1, 0)
	if err != nil || !math.IsInf(got, 1) {
		t.Fatalf("float div(1, 0) = %v, %v; want +Inf, nil", got, err)
	}
}

func TestBinaryForThroughTensor(t *testing.T) {
	a, _ := tensor.New([]float64{5, 6}, []int64{2}, tensor.Int64)
	b, _ := tensor.New([]float64{2, 0}, []int64{2}, tensor.Int64)

	_, err := tensor.Binary(a, b, "remainder", MustLookup(KindRemainder).BinaryFor(tensor.Int64), tensor.Int64)
	if !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("err = %v, want ErrDivisionByZero", err)
	}
}

func TestMaximumPropagatesNaN(t *testing.T) {
	mx := MustLookup(KindMaximum).Binary
	if !math.IsNaN(mx(math.NaN(), 1)) || !math.IsNaN(mx(1, math.NaN())) {
		t.Fatal("maximum should propagate NaN")
	}

	if got := MustLookup(KindMinimum).Binary(-1, 3); got != -1 {
		t.Fatalf("minimum(-1, 3) = %v", got)
	}
}

func TestGelu(t *testing.T) {
	g := MustLookup(KindGelu).Unary

	if got := g(0); got != 0 {
		t.Fatalf("gelu(0) = %v", got)
	}

	// gelu(1) = 0.5 * (1 + erf(1/sqrt2))
	if got, want := g(1), 0.8413447460685429; math.Abs(got-want) > 1e-12 {
		t.Fatalf("gelu(1) = %v, want %v", got, want)
	}
}

func TestPredicates(t *testing.T) {
	for _, k := range []Kind{KindEqual, KindGreater, KindLess} {
		if !MustLookup(k).Predicate {
			t.Fatalf("%s should be a predicate", k)
		}
	}

	if got := MustLookup(KindGreater).Binary(2, 1); got != 1 {
		t.Fatalf("greater(2, 1) = %v", got)
	}

	if got := MustLookup(KindEqual).Binary(math.NaN(), math.NaN()); got != 0 {
		t.Fatalf("equal(NaN, NaN) = %v", got)
	}
}

func TestCategoryString(t *testing.T) {
	if got := MustLookup(KindMatMul).Category.String(); got != "contraction" {
		t.Fatalf("matmul category = %q", got)
	}

	if got := Category(99).String(); got != "category(99)" {
		t.Fatalf("unknown category = %q", got)
	}
}
