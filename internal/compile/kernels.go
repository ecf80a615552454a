package compile

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-opcheck/internal/eager"
	"github.com/example/go-opcheck/internal/graph"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

type kernelFunc func(args []*tensor.Tensor) (*tensor.Tensor, error)

// kernelFor resolves the kernel of a group. Layout ops move data without
// arithmetic and share the eager implementation.
func (c *compiler) kernelFor(gr *group) (kernelFunc, error) {
	n := gr.root
	def := n.Def()
	attrs := n.Attrs()

	switch def.Category {
	case ops.Elementwise:
		return fusedKernel(gr)
	case ops.Layout:
		return func(args []*tensor.Tensor) (*tensor.Tensor, error) { return eager.Evaluate(n, args) }, nil
	case ops.Contraction:
		tile := c.opts.TileSize
		return func(args []*tensor.Tensor) (*tensor.Tensor, error) { return tiledMatMul(args[0], args[1], tile) }, nil
	case ops.Reduction:
		return func(args []*tensor.Tensor) (*tensor.Tensor, error) {
			return reduceWide(args[0], def.Reduce, attrs.Axes, attrs.KeepDims)
		}, nil
	case ops.Normalization:
		switch n.Kind() {
		case ops.KindSoftmax:
			return func(args []*tensor.Tensor) (*tensor.Tensor, error) { return softmaxWide(args[0], attrs.Axis) }, nil
		case ops.KindLayerNorm, ops.KindRMSNorm:
			rms := n.Kind() == ops.KindRMSNorm
			return func(args []*tensor.Tensor) (*tensor.Tensor, error) { return normWide(args, attrs.Eps, rms) }, nil
		}
	}

	return nil, fmt.Errorf("no compiled kernel for %s", n.Kind())
}

// argsOf returns the runtime operands of gr in kernel order.
func argsOf(gr *group) []*graph.Node {
	if gr.root.Def().Elementwise() {
		return gr.leaves
	}

	return gr.root.Inputs()
}

// tiledMatMul multiplies in float64 over tile x tile blocks of the output,
// splitting the contraction into tile-sized partial dot products. The result
// is rounded once.
func tiledMatMul(a, b *tensor.Tensor, tile int) (*tensor.Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("matmul requires non-nil inputs")
	}

	aShape, bShape := a.Shape(), b.Shape()

	outShape, err := tensor.MatMulShape(aShape, bShape)
	if err != nil {
		return nil, err
	}

	ar, br := len(aShape), len(bShape)
	m, k, n := int(aShape[ar-2]), int(aShape[ar-1]), int(bShape[br-1])
	batchShape := outShape[:len(outShape)-2]

	// Batch offsets into each operand, with broadcast batch dims repeating.
	aBatch := tensor.BroadcastStrides(aShape[:ar-2], batchShape)
	bBatch := tensor.BroadcastStrides(bShape[:br-2], batchShape)

	var aOffs, bOffs []int

	tensor.WalkBroadcast(batchShape, [][]int64{aBatch, bBatch}, func(_ int, offs []int64) bool {
		aOffs = append(aOffs, int(offs[0])*m*k)
		bOffs = append(bOffs, int(offs[1])*k*n)

		return true
	})

	ad, bd := a.RawData(), b.RawData()
	out := make([]float64, len(aOffs)*m*n)
	rowTiles := (m + tile - 1) / tile
	dt := a.DType()

	tensor.ParallelFor(len(aOffs)*rowTiles, 1, func(lo, hi int) {
		bt := make([]float64, n*k)
		lastB := -1

		for job := lo; job < hi; job++ {
			batch, rt := job/rowTiles, job%rowTiles
			if bOffs[batch] != lastB {
				transposeInto(bt, bd[bOffs[batch]:bOffs[batch]+k*n], k, n)
				lastB = bOffs[batch]
			}

			aBase := aOffs[batch]
			oBase := batch * m * n
			iEnd := min((rt+1)*tile, m)

			for j0 := 0; j0 < n; j0 += tile {
				jEnd := min(j0+tile, n)

				for i := rt * tile; i < iEnd; i++ {
					row := ad[aBase+i*k : aBase+(i+1)*k]

					for j := j0; j < jEnd; j++ {
						col := bt[j*k : (j+1)*k]

						var sum float64
						for k0 := 0; k0 < k; k0 += tile {
							kEnd := min(k0+tile, k)
							sum += dot(row[k0:kEnd], col[k0:kEnd])
						}

						out[oBase+i*n+j] = dt.Quantize(sum)
					}
				}
			}
		}
	})

	return tensor.Wrap(out, outShape, dt)
}

func transposeInto(dst, src []float64, rows, cols int) {
	for r := range rows {
		for c := range cols {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
}

// reduceWide reduces in float64 and rounds each result once.
func reduceWide(x *tensor.Tensor, kind tensor.ReduceKind, axes []int, keepDims bool) (*tensor.Tensor, error) {
	shape := x.Shape()

	outShape, reduced, err := tensor.ReduceShape(shape, axes, keepDims)
	if err != nil {
		return nil, err
	}

	kept := make([]int64, len(shape))
	count := 1

	for i, d := range shape {
		kept[i] = d
		if reduced[i] {
			kept[i] = 1
			count *= int(d)
		}
	}

	total, err := tensor.ElemCount(outShape)
	if err != nil {
		return nil, err
	}

	acc := make([]float64, total)
	for i := range acc {
		acc[i] = kind.Identity()
	}

	data := x.RawData()

	tensor.WalkBroadcast(shape, [][]int64{tensor.BroadcastStrides(kept, shape)}, func(i int, offs []int64) bool {
		acc[offs[0]] = kind.Combine(acc[offs[0]], data[i])
		return true
	})

	if kind == tensor.ReduceMean {
		for i := range acc {
			acc[i] /= float64(count)
		}
	}

	return tensor.Wrap(acc, outShape, x.DType())
}

func softmaxWide(x *tensor.Tensor, axis int) (*tensor.Tensor, error) {
	shape := x.Shape()
	if !x.DType().IsFloat() {
		return nil, fmt.Errorf("softmax requires a float dtype, got %v", x.DType())
	}

	outer, size, inner := splitAxis(shape, axis)
	src := x.RawData()
	out := make([]float64, len(src))

	tensor.ParallelFor(outer*inner, 64, func(lo, hi int) {
		for job := lo; job < hi; job++ {
			base := (job/inner)*size*inner + job%inner
			maxV := math.Inf(-1)

			for k := range size {
				maxV = max(maxV, src[base+k*inner])
			}

			var sum float64

			for k := range size {
				e := math.Exp(src[base+k*inner] - maxV)
				out[base+k*inner] = e
				sum += e
			}

			for k := range size {
				out[base+k*inner] /= sum
			}
		}
	})

	return tensor.Wrap(out, shape, x.DType())
}

// normWide computes layer or RMS normalization over the last axis in float64.
func normWide(args []*tensor.Tensor, eps float64, rms bool) (*tensor.Tensor, error) {
	x := args[0]
	shape := x.Shape()

	var w, b []float64
	if len(args) > 1 {
		w = args[1].RawData()
	}

	if len(args) > 2 {
		b = args[2].RawData()
	}

	d := int(shape[len(shape)-1])
	src := x.RawData()
	out := make([]float64, len(src))

	for o := 0; o+d <= len(src) && d > 0; o += d {
		row := src[o : o+d]

		var mean, sq float64
		if !rms {
			for _, v := range row {
				mean += v
			}

			mean /= float64(d)
		}

		for _, v := range row {
			sq += (v - mean) * (v - mean)
		}

		inv := 1 / math.Sqrt(sq/float64(d)+eps)

		for i, v := range row {
			y := (v - mean) * inv
			if w != nil {
				y *= w[i]
			}

			if b != nil {
				y += b[i]
			}

			out[o+i] = y
		}
	}

	return tensor.Wrap(out, shape, x.DType())
}

func splitAxis(shape []int64, axis int) (outer, size, inner int) {
	outer, inner = 1, 1
	for i := range axis {
		outer *= int(shape[i])
	}

	for i := axis + 1; i < len(shape); i++ {
		inner *= int(shape[i])
	}

	return outer, int(shape[axis]), inner
}
