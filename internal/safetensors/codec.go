package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

var le = binary.LittleEndian

// codec is the on-disk little-endian form of one dtype.
type codec struct {
	code  string
	dtype tensor.DType
	size  int
	put   func(b []byte, v float64)
	get   func(b []byte) float64
}

var codecs = []codec{
	{
		code: "F64", dtype: tensor.Float64, size: 8,
		put: func(b []byte, v float64) { le.PutUint64(b, math.Float64bits(v)) },
		get: func(b []byte) float64 { return math.Float64frombits(le.Uint64(b)) },
	},
	{
		code: "F32", dtype: tensor.Float32, size: 4,
		put: func(b []byte, v float64) { le.PutUint32(b, math.Float32bits(float32(v))) },
		get: func(b []byte) float64 { return float64(math.Float32frombits(le.Uint32(b))) },
	},
	{
		code: "F16", dtype: tensor.Float16, size: 2,
		put: func(b []byte, v float64) { le.PutUint16(b, float16.Fromfloat32(float32(v)).Bits()) },
		get: func(b []byte) float64 { return float64(float16.Frombits(le.Uint16(b)).Float32()) },
	},
	{
		// Values are already rounded to bfloat16, so truncating the float32
		// bits is exact.
		code: "BF16", dtype: tensor.BFloat16, size: 2,
		put: func(b []byte, v float64) { le.PutUint16(b, uint16(math.Float32bits(float32(v))>>16)) },
		get: func(b []byte) float64 { return float64(bfloat16.DecodeFloat32(b[:2])[0]) },
	},
	{
		code: "I64", dtype: tensor.Int64, size: 8,
		put: func(b []byte, v float64) { le.PutUint64(b, uint64(int64(v))) },
		get: func(b []byte) float64 { return float64(int64(le.Uint64(b))) },
	},
	{
		code: "I32", dtype: tensor.Int32, size: 4,
		put: func(b []byte, v float64) { le.PutUint32(b, uint32(int32(v))) },
		get: func(b []byte) float64 { return float64(int32(le.Uint32(b))) },
	},
	{
		code: "BOOL", dtype: tensor.Bool, size: 1,
		put: func(b []byte, v float64) {
			b[0] = 0
			if v != 0 {
				b[0] = 1
			}
		},
		get: func(b []byte) float64 {
			if b[0] != 0 {
				return 1
			}

			return 0
		},
	},
}

func codecFor(dt tensor.DType) (codec, error) {
	for _, c := range codecs {
		if c.dtype == dt {
			return c, nil
		}
	}

	return codec{}, fmt.Errorf("unsupported dtype %s", dt)
}

func codecByCode(code string) (codec, error) {
	for _, c := range codecs {
		if strings.EqualFold(c.code, code) {
			return c, nil
		}
	}

	return codec{}, fmt.Errorf("unsupported dtype %q", code)
}

// encode appends data to raw in c's layout.
func (c codec) encode(raw []byte, data []float64) []byte {
	at := len(raw)
	raw = append(raw, make([]byte, len(data)*c.size)...)

	for _, v := range data {
		c.put(raw[at:], v)
		at += c.size
	}

	return raw
}

// decode reads n elements from raw.
func (c codec) decode(raw []byte, n int) ([]float64, error) {
	if len(raw) < n*c.size {
		return nil, fmt.Errorf("need %d bytes for %s, got %d", n*c.size, c.code, len(raw))
	}

	out := make([]float64, n)

	if c.dtype == tensor.BFloat16 {
		for i, v := range bfloat16.DecodeFloat32(raw[:n*2]) {
			out[i] = float64(v)
		}

		return out, nil
	}

	for i := range out {
		out[i] = c.get(raw[i*c.size:])
	}

	return out, nil
}
