package tensor

import "fmt"

// elementwiseChunk is the minimum number of elements handed to one worker.
const elementwiseChunk = 4096

// Unary applies fn to every element and quantizes the result to out.
func Unary(x *Tensor, name string, fn func(float64) float64, out DType) (*Tensor, error) {
	if x == nil {
		return nil, fmt.Errorf("tensor: %s on nil tensor", name)
	}

	if !out.Valid() {
		return nil, fmt.Errorf("tensor: %s: invalid output dtype %v", name, out)
	}

	data := make([]float64, len(x.data))

	ParallelFor(len(data), elementwiseChunk, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			data[i] = out.Quantize(fn(x.data[i]))
		}
	})

	return newOwned(data, append([]int64(nil), x.shape...), out), nil
}
