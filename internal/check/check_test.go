package check

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

func mustTensor(t *testing.T, data []float64, dtype tensor.DType, shape ...int64) *tensor.Tensor {
	t.Helper()

	tt, err := tensor.New(data, shape, dtype)
	if err != nil {
		t.Fatalf("tensor.New(%v, %v): %v", data, shape, err)
	}

	return tt
}

func TestWithin(t *testing.T) {
	nan, inf := math.NaN(), math.Inf(1)
	tol := ops.Tolerance{Abs: 1e-3, Rel: 1e-2, EqualNaN: true}

	tests := []struct {
		name      string
		got, want float64
		tol       ops.Tolerance
		ok        bool
	}{
		{"exact", 1, 1, tol, true},
		{"abs bound", 1e-3, 0, tol, true},
		{"rel bound", 101, 100, tol, true},
		{"outside", 102, 100, tol, false},
		{"nan equal", nan, nan, tol, true},
		{"nan not equal", nan, nan, ops.Tolerance{Abs: 1}, false},
		{"nan vs number", nan, 1, tol, false},
		{"inf equal", inf, inf, tol, true},
		{"inf sign", -inf, inf, tol, false},
		{"inf vs large", 1e300, inf, tol, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Within(tc.got, tc.want, tc.tol); got != tc.ok {
				t.Fatalf("Within(%v, %v, %v) = %v, want %v", tc.got, tc.want, tc.tol, got, tc.ok)
			}
		})
	}
}

func TestCompareTensorPass(t *testing.T) {
	want := mustTensor(t, []float64{1, 2, 4}, tensor.Float32, 3)
	got := mustTensor(t, []float64{1, 2.00001, 4}, tensor.Float32, 3)

	r, err := CompareTensor("y", got, want, ops.DTypeTolerances[tensor.Float32])
	if err != nil {
		t.Fatalf("CompareTensor: %v", err)
	}

	if !r.Pass || r.Mismatches != 0 || r.Elements != 3 {
		t.Fatalf("report = %+v", r)
	}

	if r.MaxAbsErr == 0 || r.MaxRelErr == 0 {
		t.Fatalf("expected nonzero errors, got %+v", r)
	}

	if !strings.HasPrefix(r.String(), "y: ok") {
		t.Fatalf("String() = %q", r.String())
	}
}

func TestCompareTensorMismatch(t *testing.T) {
	want := mustTensor(t, []float64{1, 2, 3, 4}, tensor.Float64, 2, 2)
	got := mustTensor(t, []float64{1, 2.5, 3, 5}, tensor.Float64, 2, 2)

	r, err := CompareTensor("z", got, want, ops.Tolerance{Abs: 0.1})
	if err != nil {
		t.Fatalf("CompareTensor: %v", err)
	}

	if r.Pass || r.Mismatches != 2 {
		t.Fatalf("report = %+v", r)
	}

	if m := r.FirstMismatch; m == nil || m.Index != 1 || m.Got != 2.5 || m.Want != 2 {
		t.Fatalf("first mismatch = %+v", r.FirstMismatch)
	}

	if r.MaxAbsErr != 1 {
		t.Fatalf("MaxAbsErr = %v, want 1", r.MaxAbsErr)
	}

	if !strings.Contains(r.String(), "2/4 elements") {
		t.Fatalf("String() = %q", r.String())
	}
}

func TestCompareTensorIntegersExact(t *testing.T) {
	want := mustTensor(t, []float64{3, -4}, tensor.Int32, 2)
	got := mustTensor(t, []float64{3, -3}, tensor.Int32, 2)

	r, err := CompareTensor("q", got, want, ops.Tolerance{Abs: 10, Rel: 10})
	if err != nil {
		t.Fatalf("CompareTensor: %v", err)
	}

	if r.Pass || !r.Tolerance.Exact() {
		t.Fatalf("integer compare should be exact, got %+v", r)
	}
}

func TestCompareTensorShapeAndDType(t *testing.T) {
	a := mustTensor(t, []float64{1, 2}, tensor.Float32, 2)
	b := mustTensor(t, []float64{1, 2}, tensor.Float32, 1, 2)
	c := mustTensor(t, []float64{1, 2}, tensor.Float16, 2)

	r, err := CompareTensor("s", a, b, ops.Tolerance{})
	if err != nil || r.Pass || r.ShapeMatch {
		t.Fatalf("shape mismatch report = %+v, %v", r, err)
	}

	r, err = CompareTensor("d", a, c, ops.Tolerance{})
	if err != nil || r.Pass || r.DTypeMatch {
		t.Fatalf("dtype mismatch report = %+v, %v", r, err)
	}

	if _, err := CompareTensor("nil", nil, a, ops.Tolerance{}); err == nil {
		t.Fatal("expected error for nil tensor")
	}
}

func TestCompareEmpty(t *testing.T) {
	e := mustTensor(t, nil, tensor.Float32, 0, 3)

	r, err := CompareTensor("empty", e, e, ops.Tolerance{})
	if err != nil || !r.Pass {
		t.Fatalf("empty compare = %+v, %v", r, err)
	}
}

func TestCompareAll(t *testing.T) {
	a := mustTensor(t, []float64{1}, tensor.Float64, 1)
	b := mustTensor(t, []float64{2}, tensor.Float64, 1)

	reports, err := CompareAll([]string{"first"}, []*tensor.Tensor{a, b}, []*tensor.Tensor{a, a},
		func(int) ops.Tolerance { return ops.Tolerance{Abs: 0.5} })
	if err != nil {
		t.Fatalf("CompareAll: %v", err)
	}

	if reports[0].Name != "first" || reports[1].Name != "out1" {
		t.Fatalf("names = %q, %q", reports[0].Name, reports[1].Name)
	}

	if AllPass(reports) || !reports[0].Pass {
		t.Fatalf("pass flags = %v, %v", reports[0].Pass, reports[1].Pass)
	}

	if _, err := CompareAll(nil, []*tensor.Tensor{a}, nil, nil); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestMismatchJSONNonFinite(t *testing.T) {
	in := Report{Name: "out0", FirstMismatch: &Mismatch{Index: 3, Got: math.NaN(), Want: math.Inf(-1)}}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if !strings.Contains(string(data), `"got":"NaN"`) || !strings.Contains(string(data), `"want":"-Inf"`) {
		t.Fatalf("encoded = %s", data)
	}

	var out Report
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	m := out.FirstMismatch
	if m == nil || m.Index != 3 || !math.IsNaN(m.Got) || !math.IsInf(m.Want, -1) {
		t.Fatalf("decoded = %+v", m)
	}

	data, err = json.Marshal(Mismatch{Got: 1.5, Want: 2})
	if err != nil || string(data) != `{"index":0,"got":1.5,"want":2}` {
		t.Fatalf("finite encoding = %s, %v", data, err)
	}
}
