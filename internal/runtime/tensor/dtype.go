package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType identifies the element type a tensor emulates. Values are stored as
// float64 but always hold something the dtype can represent.
type DType uint8

const (
	Invalid DType = iota
	Float64
	Float32
	Float16
	BFloat16
	Int64
	Int32
	Bool
)

var dtypeNames = [...]string{
	Invalid:  "invalid",
	Float64:  "float64",
	Float32:  "float32",
	Float16:  "float16",
	BFloat16: "bfloat16",
	Int64:    "int64",
	Int32:    "int32",
	Bool:     "bool",
}

var dtypeAliases = map[string]DType{
	"float64":  Float64,
	"f64":      Float64,
	"double":   Float64,
	"float32":  Float32,
	"f32":      Float32,
	"float":    Float32,
	"float16":  Float16,
	"f16":      Float16,
	"half":     Float16,
	"fp16":     Float16,
	"bfloat16": BFloat16,
	"bf16":     BFloat16,
	"int64":    Int64,
	"i64":      Int64,
	"int32":    Int32,
	"i32":      Int32,
	"int":      Int32,
	"bool":     Bool,
}

// DTypes lists every valid dtype in declaration order.
func DTypes() []DType {
	return []DType{Float64, Float32, Float16, BFloat16, Int64, Int32, Bool}
}

func (d DType) String() string {
	if int(d) < len(dtypeNames) {
		return dtypeNames[d]
	}

	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// Short returns the compact name used in graph dumps ("f32", "i64", ...).
func (d DType) Short() string {
	switch d {
	case Float64:
		return "f64"
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case BFloat16:
		return "bf16"
	case Int64:
		return "i64"
	case Int32:
		return "i32"
	case Bool:
		return "pred"
	default:
		return d.String()
	}
}

// ParseDType accepts canonical names and common aliases, case-insensitively.
func ParseDType(raw string) (DType, error) {
	d, ok := dtypeAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return Invalid, fmt.Errorf("tensor: unknown dtype %q", raw)
	}

	return d, nil
}

func (d DType) Valid() bool { return d > Invalid && d <= Bool }

func (d DType) IsFloat() bool {
	return d == Float64 || d == Float32 || d == Float16 || d == BFloat16
}

func (d DType) IsInteger() bool { return d == Int64 || d == Int32 }

// Accumulator returns the dtype eager kernels accumulate in. Half precision
// types accumulate in float32, integers accumulate exactly.
func (d DType) Accumulator() DType {
	switch d {
	case Float16, BFloat16, Float32:
		return Float32
	case Int32, Int64, Bool:
		return Int64
	default:
		return Float64
	}
}

// Quantize rounds v to the nearest value representable in d. Integer dtypes
// truncate toward zero and saturate; NaN becomes zero.
func (d DType) Quantize(v float64) float64 {
	switch d {
	case Float32:
		return float64(float32(v))
	case Float16:
		return float64(float16.Fromfloat32(float32(roundMantissa(v, 10, -14, 65504))).Float32())
	case BFloat16:
		return float64(roundBFloat16(float32(roundMantissa(v, 7, -126, maxBFloat16))))
	case Int64:
		return saturate(v, math.MinInt64, math.MaxInt64)
	case Int32:
		return saturate(v, math.MinInt32, math.MaxInt32)
	case Bool:
		if v != 0 {
			return 1
		}

		return 0
	default:
		return v
	}
}

func saturate(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}

	v = math.Trunc(v)
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	// Integers have no negative zero.
	return v + 0
}

const maxBFloat16 = 0x1.fep127

// roundMantissa rounds v to nearest-even with mantBits fraction bits, treating
// minExp as the smallest normal exponent and maxFinite as the overflow bound.
// Rounding straight from float64 avoids the double rounding of going through
// float32 first; the result is exact in float32.
func roundMantissa(v float64, mantBits, minExp int, maxFinite float64) float64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}

	ulp := math.Ldexp(1, max(math.Ilogb(v), minExp)-mantBits)

	q := math.RoundToEven(v/ulp) * ulp
	if math.Abs(q) > maxFinite {
		return math.Copysign(math.Inf(1), v)
	}

	return q
}

// roundBFloat16 rounds to nearest-even on the upper 16 bits of the float32
// representation, then decodes the truncated pattern.
func roundBFloat16(f float32) float32 {
	if math.IsNaN(float64(f)) {
		return f
	}

	bits := math.Float32bits(f)
	bits += 0x7fff + ((bits >> 16) & 1)

	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(bits>>16))

	return bfloat16.DecodeFloat32(buf[:])[0]
}

func quantizeAll(d DType, data []float64) {
	if d == Float64 {
		return
	}

	for i, v := range data {
		data[i] = d.Quantize(v)
	}
}
