package tensor

import (
	"errors"
	"fmt"
	"math"
)

// MatMulShape validates operand shapes for batched matrix multiplication and
// returns the output shape.
func MatMulShape(aShape, bShape []int64) ([]int64, error) {
	if len(aShape) < 2 || len(bShape) < 2 {
		return nil, fmt.Errorf("tensor: matmul requires rank >= 2, got %d and %d", len(aShape), len(bShape))
	}

	aRank := len(aShape)
	bRank := len(bShape)

	m := aShape[aRank-2]
	k := aShape[aRank-1]
	k2 := bShape[bRank-2]
	n := bShape[bRank-1]

	if k != k2 {
		return nil, fmt.Errorf("tensor: matmul mismatch: A shape %v and B shape %v (K dims %d vs %d)", aShape, bShape, k, k2)
	}

	batchShape, err := BroadcastShapes(aShape[:aRank-2], bShape[:bRank-2])
	if err != nil {
		return nil, fmt.Errorf("tensor: matmul batch broadcast: %w", err)
	}

	outShape := make([]int64, 0, len(batchShape)+2)
	outShape = append(outShape, batchShape...)
	outShape = append(outShape, m, n)

	return outShape, nil
}

// MatMul performs batched matrix multiplication with broadcasting over batch
// dims. Products and partial sums are rounded to the accumulator dtype.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}

	if a.dtype != b.dtype {
		return nil, fmt.Errorf("tensor: matmul dtype mismatch %v vs %v", a.dtype, b.dtype)
	}

	outShape, err := MatMulShape(a.shape, b.shape)
	if err != nil {
		return nil, err
	}

	out, err := Zeros(outShape, a.dtype)
	if err != nil {
		return nil, err
	}

	aShape, bShape := a.shape, b.shape
	aRank, bRank := len(aShape), len(bShape)
	m, k, n := aShape[aRank-2], aShape[aRank-1], bShape[bRank-1]
	batchShape := outShape[:len(outShape)-2]

	aStrides := computeStrides(aShape)
	bStrides := computeStrides(bShape)
	outStrides := computeStrides(outShape)

	batchCount, err := shapeElemCount(batchShape)
	if err != nil {
		return nil, err
	}

	batchStrides := computeStrides(batchShape)
	accType := a.dtype.Accumulator()

	// One task per output row; rows of a batch share its operand offsets.
	ParallelFor(batchCount*int(m), 1, func(lo, hi int) {
		coord := make([]int64, len(batchShape))

		for r := lo; r < hi; r++ {
			i := int64(r) % m

			linearToCoord(int64(r)/m, batchShape, batchStrides, coord)
			aRow := broadcastBatchOffset(coord, aShape[:aRank-2], aStrides[:aRank-2]) + i*k
			bBase := broadcastBatchOffset(coord, bShape[:bRank-2], bStrides[:bRank-2])
			dst := out.data[coordToLinear(coord, outStrides[:len(batchShape)])+i*n:][:n]

			for j := range dst {
				var acc float64

				for kk := range k {
					p := a.data[aRow+kk] * b.data[bBase+kk*n+int64(j)]
					acc = accType.Quantize(acc + accType.Quantize(p))
				}

				dst[j] = a.dtype.Quantize(acc)
			}
		}
	})

	return out, nil
}

// Softmax applies softmax along dim. Exponentials are rounded to the tensor
// dtype before normalization.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	if len(x.shape) == 0 {
		return nil, errors.New("tensor: softmax requires rank >= 1")
	}

	if !x.dtype.IsFloat() {
		return nil, fmt.Errorf("tensor: softmax requires a float dtype, got %v", x.dtype)
	}

	dim, err := normalizeDim(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	axis := x.shape[dim]
	if axis <= 0 {
		return nil, fmt.Errorf("tensor: softmax axis dimension must be > 0, got %d", axis)
	}

	outer, inner := splitAt(x.shape, dim)

	out := x.Clone()
	dt := x.dtype
	accType := dt.Accumulator()

	for o := range outer {
		for in := range inner {
			base := o*axis*inner + in
			maxV := math.Inf(-1)

			for k := range axis {
				v := out.data[base+k*inner]
				if v > maxV {
					maxV = v
				}
			}

			var sum float64

			for k := range axis {
				i := base + k*inner
				e := dt.Quantize(math.Exp(out.data[i] - maxV))
				out.data[i] = e
				sum = accType.Quantize(sum + e)
			}

			if sum == 0 {
				return nil, errors.New("tensor: softmax encountered zero normalization sum")
			}

			for k := range axis {
				i := base + k*inner
				out.data[i] = dt.Quantize(out.data[i] / sum)
			}
		}
	}

	return out, nil
}

// LayerNorm normalizes the last dimension to zero mean and unit variance,
// then applies the optional weight and bias.
func LayerNorm(x, weight, bias *Tensor, eps float64) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: layernorm input is nil")
	}

	d, err := checkNormOperands("layernorm", x, weight, bias, eps)
	if err != nil {
		return nil, err
	}

	return normRows(x, d, weight, bias, func(row []float64) (shift, scale float64) {
		for _, v := range row {
			shift += v
		}

		shift /= float64(len(row))

		var sq float64
		for _, v := range row {
			sq += (v - shift) * (v - shift)
		}

		return shift, 1 / math.Sqrt(sq/float64(len(row))+eps)
	}), nil
}

// RMSNorm scales the last dimension by its reciprocal root mean square and
// applies an optional weight.
func RMSNorm(x, weight *Tensor, eps float64) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: rmsnorm input is nil")
	}

	d, err := checkNormOperands("rmsnorm", x, weight, nil, eps)
	if err != nil {
		return nil, err
	}

	return normRows(x, d, weight, nil, func(row []float64) (shift, scale float64) {
		var sq float64
		for _, v := range row {
			sq += v * v
		}

		return 0, 1 / math.Sqrt(sq/float64(len(row))+eps)
	}), nil
}

// normRows maps each last-dim row r of x to (r-shift)*scale*weight+bias,
// rounding to the tensor dtype after every step.
func normRows(x *Tensor, d int64, weight, bias *Tensor, stats func(row []float64) (shift, scale float64)) *Tensor {
	out := x.Clone()
	dt := x.dtype

	for lo := 0; lo < len(out.data); lo += int(d) {
		row := out.data[lo : lo+int(d)]
		shift, scale := stats(row)

		for i, v := range row {
			n := dt.Quantize((v - shift) * scale)
			if weight != nil {
				n = dt.Quantize(n * weight.data[i])
			}

			if bias != nil {
				n = dt.Quantize(n + bias.data[i])
			}

			row[i] = n
		}
	}

	return out
}

// NormShape validates the operands of a last-dimension normalization and
// returns the normalized dimension size.
func NormShape(name string, x []int64, weight, bias []int64, hasWeight, hasBias bool, eps float64) (int64, error) {
	if len(x) < 1 {
		return 0, fmt.Errorf("tensor: %s requires rank >= 1", name)
	}

	if eps <= 0 {
		return 0, fmt.Errorf("tensor: %s eps must be > 0", name)
	}

	d := x[len(x)-1]
	if d <= 0 {
		return 0, fmt.Errorf("tensor: %s last dimension must be > 0", name)
	}

	if hasWeight && (len(weight) != 1 || weight[0] != d) {
		return 0, fmt.Errorf("tensor: %s weight shape %v does not match last dimension %d", name, weight, d)
	}

	if hasBias && (len(bias) != 1 || bias[0] != d) {
		return 0, fmt.Errorf("tensor: %s bias shape %v does not match last dimension %d", name, bias, d)
	}

	return d, nil
}

func checkNormOperands(name string, x, weight, bias *Tensor, eps float64) (int64, error) {
	if !x.dtype.IsFloat() {
		return 0, fmt.Errorf("tensor: %s requires a float dtype, got %v", name, x.dtype)
	}

	for _, p := range []*Tensor{weight, bias} {
		if p != nil && p.dtype != x.dtype {
			return 0, fmt.Errorf("tensor: %s parameter dtype %v does not match %v", name, p.dtype, x.dtype)
		}
	}

	return NormShape(name, x.shape, weight.Shape(), bias.Shape(), weight != nil, bias != nil, eps)
}
