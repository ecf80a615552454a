// Package randgen generates reproducible input tensors from a seed.
package randgen

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Domain restricts the values generated for an input.
type Domain int

const (
	// Any draws from [-2, 2) for floats and [-8, 8] for integers.
	Any Domain = iota
	// Positive draws from [0.1, 4).
	Positive
	// NonZero keeps magnitudes in [0.5, 4) with a random sign; integers in
	// [-8, -1] or [1, 8].
	NonZero
	// Unit draws from [0, 1).
	Unit
	// SmallInt draws whole numbers in [-8, 8], whatever the dtype.
	SmallInt
	// Bool draws 0 or 1.
	Bool
)

var domainNames = [...]string{
	Any:      "any",
	Positive: "positive",
	NonZero:  "nonzero",
	Unit:     "unit",
	SmallInt: "smallint",
	Bool:     "bool",
}

func (d Domain) String() string {
	if d >= 0 && int(d) < len(domainNames) {
		return domainNames[d]
	}

	return fmt.Sprintf("domain(%d)", int(d))
}

// ParseDomain accepts the names printed by String; empty means Any.
func ParseDomain(raw string) (Domain, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Any, nil
	}

	for i, name := range domainNames {
		if name == s {
			return Domain(i), nil
		}
	}

	return Any, fmt.Errorf("randgen: unknown domain %q", raw)
}

// Spec describes one generated input.
type Spec struct {
	Name   string       `json:"name" mapstructure:"name"`
	DType  tensor.DType `json:"-" mapstructure:"-"`
	Shape  []int64      `json:"shape" mapstructure:"shape"`
	Domain Domain       `json:"-" mapstructure:"-"`
}

func (s Spec) String() string {
	return fmt.Sprintf("%s:%s%v/%s", s.Name, s.DType.Short(), s.Shape, s.Domain)
}

// Generator draws tensors from a PCG stream. The same seed yields the same
// tensors on every platform.
type Generator struct {
	rng *rand.Rand
}

func New(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Tensor draws one tensor for spec.
func (g *Generator) Tensor(spec Spec) (*tensor.Tensor, error) {
	n, err := tensor.ElemCount(spec.Shape)
	if err != nil {
		return nil, fmt.Errorf("randgen: %s: %w", spec.Name, err)
	}

	data := make([]float64, n)
	for i := range data {
		data[i] = g.value(spec.DType, spec.Domain)
	}

	t, err := tensor.Wrap(data, append([]int64(nil), spec.Shape...), spec.DType)
	if err != nil {
		return nil, fmt.Errorf("randgen: %s: %w", spec.Name, err)
	}

	return t, nil
}

// Tensors draws one tensor per spec, in order.
func (g *Generator) Tensors(specs []Spec) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(specs))

	for i, s := range specs {
		t, err := g.Tensor(s)
		if err != nil {
			return nil, err
		}

		out[i] = t
	}

	return out, nil
}

func (g *Generator) value(dtype tensor.DType, domain Domain) float64 {
	if dtype == tensor.Bool || domain == Bool {
		return float64(g.rng.IntN(2))
	}

	if dtype.IsInteger() || domain == SmallInt {
		switch domain {
		case Positive:
			return float64(1 + g.rng.IntN(8))
		case NonZero:
			v := float64(1 + g.rng.IntN(8))
			if g.rng.IntN(2) == 0 {
				v = -v
			}

			return v
		case Unit:
			return float64(g.rng.IntN(2))
		default:
			return float64(g.rng.IntN(17) - 8)
		}
	}

	u := g.rng.Float64()

	switch domain {
	case Positive:
		return 0.1 + 3.9*u
	case NonZero:
		v := 0.5 + 3.5*u
		if g.rng.IntN(2) == 0 {
			v = -v
		}

		return v
	case Unit:
		return u
	default:
		return 4*u - 2
	}
}

// DeriveSeed mixes a base seed with a case name so every case gets an
// independent, stable stream.
func DeriveSeed(base uint64, name string) uint64 {
	h := fnv.New64a()

	var buf [8]byte
	for i := range buf {
		buf[i] = byte(base >> (8 * i))
	}

	h.Write(buf[:])
	h.Write([]byte(name))

	s := h.Sum64()
	if s == 0 {
		s = math.MaxUint64
	}

	return s
}
