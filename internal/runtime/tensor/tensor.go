package tensor

import (
	"errors"
	"fmt"
)

// Tensor is a dense, row-major tensor. Elements are held as float64 and are
// always quantized to the tensor's dtype.
type Tensor struct {
	shape []int64
	dtype DType
	data  []float64
}

// New creates a tensor from data and shape, quantizing every element to dtype.
func New(data []float64, shape []int64, dtype DType) (*Tensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("tensor: invalid dtype %v", dtype)
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	s := append([]int64(nil), shape...)
	d := append([]float64(nil), data...)
	quantizeAll(dtype, d)

	return &Tensor{shape: s, dtype: dtype, data: d}, nil
}

// newOwned creates a Tensor taking ownership of the provided data and shape
// slices without copying. The caller must not retain or modify data or shape
// after this call, and data must already be quantized to dtype.
func newOwned(data []float64, shape []int64, dtype DType) *Tensor {
	return &Tensor{shape: shape, dtype: dtype, data: data}
}

// Wrap is like New but takes ownership of data and quantizes it in place.
// Kernels outside this package use it to hand back freshly computed buffers.
func Wrap(data []float64, shape []int64, dtype DType) (*Tensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("tensor: invalid dtype %v", dtype)
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	quantizeAll(dtype, data)

	return newOwned(data, append([]int64(nil), shape...), dtype), nil
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int64, dtype DType) (*Tensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("tensor: invalid dtype %v", dtype)
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		shape: append([]int64(nil), shape...),
		dtype: dtype,
		data:  make([]float64, total),
	}, nil
}

// Full creates a tensor filled with value.
func Full(shape []int64, dtype DType, value float64) (*Tensor, error) {
	t, err := Zeros(shape, dtype)
	if err != nil {
		return nil, err
	}

	value = dtype.Quantize(value)
	for i := range t.data {
		t.data[i] = value
	}

	return t, nil
}

// Scalar creates a rank-0 tensor.
func Scalar(value float64, dtype DType) (*Tensor, error) {
	return Full(nil, dtype, value)
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return append([]int64(nil), t.shape...)
}

func (t *Tensor) DType() DType {
	if t == nil {
		return Invalid
	}

	return t.dtype
}

// Data returns a copy of the underlying tensor data.
func (t *Tensor) Data() []float64 {
	if t == nil {
		return nil
	}

	return append([]float64(nil), t.data...)
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only.
func (t *Tensor) RawData() []float64 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return newOwned(append([]float64(nil), t.data...), append([]int64(nil), t.shape...), t.dtype)
}

// Reshape returns a tensor with a new shape and copied values. A single -1
// dimension is inferred from the element count.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	resolved, err := ResolveReshape(t.shape, shape)
	if err != nil {
		return nil, err
	}

	return newOwned(append([]float64(nil), t.data...), resolved, t.dtype), nil
}

// Cast converts the tensor to dtype.
func (t *Tensor) Cast(dtype DType) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: cast on nil tensor")
	}

	if !dtype.Valid() {
		return nil, fmt.Errorf("tensor: cast to invalid dtype %v", dtype)
	}

	out := t.Clone()
	out.dtype = dtype
	quantizeAll(dtype, out.data)

	return out, nil
}

// String renders a short description; values are elided beyond 8 elements.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}

	if len(t.data) > 8 {
		return fmt.Sprintf("%s%v%v...", t.dtype.Short(), t.shape, t.data[:8])
	}

	return fmt.Sprintf("%s%v%v", t.dtype.Short(), t.shape, t.data)
}

// ResolveReshape validates a target shape against src and fills in a single
// -1 dimension.
func ResolveReshape(src, target []int64) ([]int64, error) {
	total, err := shapeElemCount(src)
	if err != nil {
		return nil, err
	}

	out := append([]int64(nil), target...)
	infer := -1
	known := int64(1)

	for i, d := range out {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("tensor: reshape %v has more than one -1 dimension", target)
			}

			infer = i
		case d < 0:
			return nil, fmt.Errorf("tensor: reshape %v has negative dimension at %d", target, i)
		default:
			known *= d
		}
	}

	if infer >= 0 {
		if known == 0 || int64(total)%known != 0 {
			return nil, fmt.Errorf("tensor: cannot infer -1 in %v for %d elements", target, total)
		}

		out[infer] = int64(total) / known
		known *= out[infer]
	}

	if known != int64(total) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", src, total, target, known)
	}

	return out, nil
}
