package ops

import (
	"fmt"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Tolerance defines acceptable numeric drift between the eager and compiled
// results of a graph. A value g matches w when |g-w| <= Abs + Rel*|w|.
type Tolerance struct {
	Abs      float64 `json:"abs" mapstructure:"abs"`
	Rel      float64 `json:"rel" mapstructure:"rel"`
	EqualNaN bool    `json:"equal_nan" mapstructure:"equal_nan"`
}

// Exact reports whether the tolerance admits no drift at all.
func (t Tolerance) Exact() bool { return t.Abs == 0 && t.Rel == 0 }

// Scale multiplies both bounds by factor.
func (t Tolerance) Scale(factor float64) Tolerance {
	return Tolerance{Abs: t.Abs * factor, Rel: t.Rel * factor, EqualNaN: t.EqualNaN}
}

// Merge returns the looser of t and o on each bound.
func (t Tolerance) Merge(o Tolerance) Tolerance {
	return Tolerance{
		Abs:      max(t.Abs, o.Abs),
		Rel:      max(t.Rel, o.Rel),
		EqualNaN: t.EqualNaN || o.EqualNaN,
	}
}

func (t Tolerance) String() string {
	return fmt.Sprintf("abs=%g rel=%g", t.Abs, t.Rel)
}

// DTypeTolerances are the base bounds for a single rounding step of each
// dtype. Integer and bool results must match exactly.
var DTypeTolerances = map[tensor.DType]Tolerance{
	tensor.Float64:  {Abs: 1e-9, Rel: 1e-7, EqualNaN: true},
	tensor.Float32:  {Abs: 1e-5, Rel: 1e-5, EqualNaN: true},
	tensor.Float16:  {Abs: 1e-3, Rel: 1e-2, EqualNaN: true},
	tensor.BFloat16: {Abs: 1e-2, Rel: 2e-2, EqualNaN: true},
	tensor.Int64:    {EqualNaN: true},
	tensor.Int32:    {EqualNaN: true},
	tensor.Bool:     {EqualNaN: true},
}

// KernelTolerances scales the dtype bound for kernels whose eager and fused
// forms round a different number of times.
var KernelTolerances = map[Kind]float64{
	KindMatMul:     10,
	KindReduceSum:  20,
	KindReduceMean: 20,
	KindSoftmax:    4,
	KindLayerNorm:  10,
	KindRMSNorm:    10,
	KindPow:        4,
	KindExp:        2,
	KindGelu:       4,
	KindSilu:       2,
	KindSigmoid:    2,
	KindTanh:       2,
}

// DTypeTolerance returns the base tolerance of dtype.
func DTypeTolerance(dtype tensor.DType) (Tolerance, error) {
	t, ok := DTypeTolerances[dtype]
	if !ok {
		return Tolerance{}, fmt.Errorf("ops: no tolerance configured for dtype %v", dtype)
	}

	return t, nil
}

// KernelMultiplier returns the scale factor for kind, 1 when unlisted.
func KernelMultiplier(kind Kind) float64 {
	if m, ok := KernelTolerances[kind]; ok {
		return m
	}

	return 1
}

// ToleranceFor returns the tolerance for a single kernel of kind producing
// dtype.
func ToleranceFor(kind Kind, dtype tensor.DType) (Tolerance, error) {
	base, err := DTypeTolerance(dtype)
	if err != nil {
		return Tolerance{}, err
	}

	return base.Scale(KernelMultiplier(kind)), nil
}

// GraphTolerance returns the tolerance for an output of dtype computed by a
// graph containing kinds. The loosest kernel multiplier wins.
func GraphTolerance(dtype tensor.DType, kinds []Kind) (Tolerance, error) {
	base, err := DTypeTolerance(dtype)
	if err != nil {
		return Tolerance{}, err
	}

	factor := 1.0
	for _, k := range kinds {
		factor = max(factor, KernelMultiplier(k))
	}

	return base.Scale(factor), nil
}
