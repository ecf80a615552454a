// Package check compares tensors produced by two execution paths.
package check

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Mismatch records one element outside tolerance.
type Mismatch struct {
	Index int     `json:"index"`
	Got   float64 `json:"got"`
	Want  float64 `json:"want"`
}

// Report is the outcome of comparing one tensor.
type Report struct {
	Name          string        `json:"name"`
	DType         string        `json:"dtype"`
	Shape         []int64       `json:"shape"`
	ShapeMatch    bool          `json:"shape_match"`
	DTypeMatch    bool          `json:"dtype_match"`
	Elements      int           `json:"elements"`
	MaxAbsErr     float64       `json:"max_abs_err"`
	MaxRelErr     float64       `json:"max_rel_err"`
	Mismatches    int           `json:"mismatches"`
	FirstMismatch *Mismatch     `json:"first_mismatch,omitempty"`
	Tolerance     ops.Tolerance `json:"tolerance"`
	Pass          bool          `json:"pass"`
}

func (r Report) String() string {
	if r.Pass {
		return fmt.Sprintf("%s: ok (max abs %.3g, max rel %.3g)", r.Name, r.MaxAbsErr, r.MaxRelErr)
	}

	switch {
	case !r.ShapeMatch:
		return fmt.Sprintf("%s: shape mismatch", r.Name)
	case !r.DTypeMatch:
		return fmt.Sprintf("%s: dtype mismatch", r.Name)
	case r.FirstMismatch != nil:
		m := r.FirstMismatch
		return fmt.Sprintf("%s: %d/%d elements outside %v, first at %d: got %v want %v",
			r.Name, r.Mismatches, r.Elements, r.Tolerance, m.Index, m.Got, m.Want)
	default:
		return fmt.Sprintf("%s: failed", r.Name)
	}
}

// Within reports whether got matches want under tol.
func Within(got, want float64, tol ops.Tolerance) bool {
	gNaN, wNaN := math.IsNaN(got), math.IsNaN(want)
	if gNaN || wNaN {
		return gNaN && wNaN && tol.EqualNaN
	}

	if math.IsInf(got, 0) || math.IsInf(want, 0) {
		return got == want
	}

	return math.Abs(got-want) <= tol.Abs+tol.Rel*math.Abs(want)
}

// CompareTensor checks got against want element by element. Integer and
// bool dtypes are compared exactly whatever tol says.
func CompareTensor(name string, got, want *tensor.Tensor, tol ops.Tolerance) (Report, error) {
	r := Report{Name: name, Tolerance: tol}
	if got == nil || want == nil {
		return r, fmt.Errorf("check: %s got/want tensor must be non-nil", name)
	}

	r.DType = want.DType().String()
	r.Shape = want.Shape()
	r.ShapeMatch = tensor.EqualShapes(got.Shape(), want.Shape())
	r.DTypeMatch = got.DType() == want.DType()

	if !r.ShapeMatch || !r.DTypeMatch {
		return r, nil
	}

	if !want.DType().IsFloat() {
		tol = ops.Tolerance{EqualNaN: tol.EqualNaN}
		r.Tolerance = tol
	}

	gd, wd := got.RawData(), want.RawData()
	if len(gd) != len(wd) {
		return r, fmt.Errorf("check: %s data length mismatch %d vs %d", name, len(gd), len(wd))
	}

	r.Elements = len(wd)

	for i := range gd {
		g, w := gd[i], wd[i]

		if !Within(g, w, tol) {
			r.Mismatches++
			if r.FirstMismatch == nil {
				r.FirstMismatch = &Mismatch{Index: i, Got: g, Want: w}
			}
		}

		if math.IsNaN(g) || math.IsNaN(w) || math.IsInf(g, 0) || math.IsInf(w, 0) {
			continue
		}

		absErr := math.Abs(g - w)
		r.MaxAbsErr = max(r.MaxAbsErr, absErr)

		if den := math.Abs(w); den > 0 {
			r.MaxRelErr = max(r.MaxRelErr, absErr/den)
		}
	}

	r.Pass = r.Mismatches == 0

	return r, nil
}

// CompareAll compares matching outputs. tolFn supplies the tolerance of
// output i.
func CompareAll(names []string, got, want []*tensor.Tensor, tolFn func(i int) ops.Tolerance) ([]Report, error) {
	if len(got) != len(want) {
		return nil, fmt.Errorf("check: got %d outputs, want %d", len(got), len(want))
	}

	reports := make([]Report, len(want))

	var errs []error

	for i := range want {
		name := fmt.Sprintf("out%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}

		r, err := CompareTensor(name, got[i], want[i], tolFn(i))
		if err != nil {
			errs = append(errs, err)
		}

		reports[i] = r
	}

	return reports, errors.Join(errs...)
}

// AllPass reports whether every report passed.
func AllPass(reports []Report) bool {
	for _, r := range reports {
		if !r.Pass {
			return false
		}
	}

	return true
}
