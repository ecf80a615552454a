package tensor

import (
	"errors"
	"fmt"
)

// splitAt returns the element counts before and after dim in a row-major
// layout.
func splitAt(shape []int64, dim int) (outer, inner int64) {
	outer, inner = 1, 1
	for _, d := range shape[:dim] {
		outer *= d
	}

	for _, d := range shape[dim+1:] {
		inner *= d
	}

	return outer, inner
}

// selectAlong builds a tensor whose slice j along dim is slice src(j) of t.
func (t *Tensor) selectAlong(dim int, n int64, src func(j int64) int64) (*Tensor, error) {
	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = n

	out, err := Zeros(outShape, t.dtype)
	if err != nil {
		return nil, err
	}

	outer, inner := splitAt(t.shape, dim)
	size := t.shape[dim]

	for o := range outer {
		for j := range n {
			from := (o*size + src(j)) * inner
			to := (o*n + j) * inner
			copy(out.data[to:to+inner], t.data[from:from+inner])
		}
	}

	return out, nil
}

// Narrow keeps length slices of dim starting at start.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: narrow: %w", err)
	}

	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("tensor: narrow: range [%d:%d] out of bounds for dim %d size %d", start, start+length, dim, t.shape[dim])
	}

	return t.selectAlong(dim, length, func(j int64) int64 { return start + j })
}

// Gather picks the listed slices of dim, in order. Indices may repeat.
func (t *Tensor) Gather(dim int, indices []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: gather on nil tensor")
	}

	if len(indices) == 0 {
		return nil, errors.New("tensor: gather requires at least one index")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: gather: %w", err)
	}

	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[dim] {
			return nil, fmt.Errorf("tensor: gather index %d (%d) out of range for dim %d size %d", i, idx, dim, t.shape[dim])
		}
	}

	return t.selectAlong(dim, int64(len(indices)), func(j int64) int64 { return indices[j] })
}

// Transpose swaps dim1 and dim2.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	rank := len(t.shape)

	d1, err := normalizeDim(dim1, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim1: %w", err)
	}

	d2, err := normalizeDim(dim2, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim2: %w", err)
	}

	perm := identityPerm(rank)
	perm[d1], perm[d2] = perm[d2], perm[d1]

	return t.Permute(perm)
}

// Permute reorders dimensions so that output dim i is input dim perm[i].
func (t *Tensor) Permute(perm []int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: permute on nil tensor")
	}

	outShape, err := PermuteShape(t.shape, perm)
	if err != nil {
		return nil, err
	}

	out, err := Zeros(outShape, t.dtype)
	if err != nil {
		return nil, err
	}

	srcStrides := computeStrides(t.shape)
	permStrides := make([]int64, len(perm))

	for i, p := range perm {
		permStrides[i] = srcStrides[p]
	}

	WalkBroadcast(outShape, [][]int64{permStrides}, func(i int, offs []int64) bool {
		out.data[i] = t.data[offs[0]]
		return true
	})

	return out, nil
}

// PermuteShape validates perm against shape and returns the permuted shape.
func PermuteShape(shape []int64, perm []int) ([]int64, error) {
	if len(perm) != len(shape) {
		return nil, fmt.Errorf("tensor: permutation %v does not match rank %d", perm, len(shape))
	}

	seen := make([]bool, len(perm))
	out := make([]int64, len(perm))

	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("tensor: invalid permutation %v", perm)
		}

		seen[p] = true
		out[i] = shape[p]
	}

	return out, nil
}

// Concat concatenates tensors along dim.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: concat requires at least one tensor")
	}

	first := tensors[0]
	if first == nil {
		return nil, errors.New("tensor: concat tensor 0 is nil")
	}

	shapes := make([][]int64, len(tensors))

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat tensor %d is nil", i)
		}

		if t.dtype != first.dtype {
			return nil, fmt.Errorf("tensor: concat tensor %d dtype %v does not match %v", i, t.dtype, first.dtype)
		}

		shapes[i] = t.shape
	}

	outShape, err := ConcatShape(shapes, dim)
	if err != nil {
		return nil, err
	}

	dim, _ = normalizeDim(dim, len(outShape))

	out, err := Zeros(outShape, first.dtype)
	if err != nil {
		return nil, err
	}

	outer, inner := splitAt(outShape, dim)
	pos := 0

	for o := range outer {
		for _, t := range tensors {
			span := t.shape[dim] * inner
			pos += copy(out.data[pos:], t.data[o*span:(o+1)*span])
		}
	}

	return out, nil
}

func identityPerm(rank int) []int {
	perm := make([]int, rank)
	for i := range perm {
		perm[i] = i
	}

	return perm
}

// ConcatShape validates shapes for concatenation along dim.
func ConcatShape(shapes [][]int64, dim int) ([]int64, error) {
	if len(shapes) == 0 {
		return nil, errors.New("tensor: concat requires at least one tensor")
	}

	first := shapes[0]
	rank := len(first)

	dim, err := normalizeDim(dim, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	outShape := append([]int64(nil), first...)
	outShape[dim] = 0

	for i, s := range shapes {
		if len(s) != rank {
			return nil, fmt.Errorf("tensor: concat tensor %d rank %d does not match rank %d", i, len(s), rank)
		}

		for d := range rank {
			if d == dim {
				continue
			}

			if s[d] != first[d] {
				return nil, fmt.Errorf("tensor: concat tensor %d shape %v does not match base shape %v on dim %d", i, s, first, d)
			}
		}

		outShape[dim] += s[dim]
	}

	return outShape, nil
}
