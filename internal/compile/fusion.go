package compile

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/example/go-opcheck/internal/graph"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// group is the set of nodes one kernel computes. Only elementwise groups can
// have more than one member.
type group struct {
	root    *graph.Node
	members []*graph.Node
	leaves  []*graph.Node
}

func (gr *group) fused() bool { return len(gr.members) > 1 }

// formGroups assigns every computed node to exactly one group and returns the
// groups in topological order of their roots.
func (c *compiler) formGroups() []*group {
	nodes := c.g.Nodes()
	uses := c.uses()
	absorbed := make([]bool, len(nodes))

	var groups []*group

	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if !c.computed(n) || absorbed[i] {
			continue
		}

		gr := &group{root: n, members: []*graph.Node{n}}
		if c.opts.Fusion && n.Def().Elementwise() {
			c.absorb(gr, n, uses, absorbed)
		}

		slices.SortFunc(gr.members, func(a, b *graph.Node) int { return a.ID() - b.ID() })
		gr.leaves = leavesOf(gr.members)

		if gr.fused() {
			c.stats.FusedKernels++
			c.stats.FusedNodes += len(gr.members)
		}

		groups = append(groups, gr)
	}

	slices.Reverse(groups)

	return groups
}

// absorb pulls producers of n into gr when n is their only reader and their
// value is not needed anywhere else.
func (c *compiler) absorb(gr *group, n *graph.Node, uses []int, absorbed []bool) {
	for _, in := range n.Inputs() {
		id := in.ID()
		if absorbed[id] || !c.computed(in) || !in.Def().Elementwise() || uses[id] != 1 || c.g.IsOutput(id) {
			continue
		}

		absorbed[id] = true
		gr.members = append(gr.members, in)
		c.absorb(gr, in, uses, absorbed)
	}
}

func leavesOf(members []*graph.Node) []*graph.Node {
	inside := make(map[int]bool, len(members))
	for _, m := range members {
		inside[m.ID()] = true
	}

	var leaves []*graph.Node

	seen := map[int]bool{}

	for _, m := range members {
		for _, in := range m.Inputs() {
			id := in.ID()
			if inside[id] || seen[id] {
				continue
			}

			seen[id] = true
			leaves = append(leaves, in)
		}
	}

	return leaves
}

type stepKind uint8

const (
	stepLoad stepKind = iota
	stepUnary
	stepBinary
	stepWhere
	stepRound
)

type step struct {
	kind   stepKind
	leaf   int
	unary  func(float64) float64
	binary tensor.BinaryFunc
	dtype  tensor.DType
}

// expr is a group flattened to a postfix program evaluated once per output
// element.
type expr struct {
	steps []step
	depth int
}

// compileExpr flattens gr. Intermediates stay in float64 except where the
// result would otherwise be ill-defined: operands of discontinuous ops and
// non-float values are rounded to their dtype first.
func compileExpr(gr *group) (*expr, error) {
	inside := make(map[int]bool, len(gr.members))
	for _, m := range gr.members {
		inside[m.ID()] = true
	}

	leafIdx := make(map[int]int, len(gr.leaves))
	for i, l := range gr.leaves {
		leafIdx[l.ID()] = i
	}

	e := &expr{}

	var emit func(n *graph.Node) error

	emit = func(n *graph.Node) error {
		if !inside[n.ID()] {
			e.steps = append(e.steps, step{kind: stepLoad, leaf: leafIdx[n.ID()]})
			return nil
		}

		def := n.Def()
		attrs := n.Attrs()

		for i, in := range n.Inputs() {
			if err := emit(in); err != nil {
				return err
			}

			if def.Discontinuous || (n.Kind() == ops.KindWhere && i == 0) {
				e.steps = append(e.steps, step{kind: stepRound, dtype: in.DType()})
			}
		}

		switch {
		case n.Kind() == ops.KindCast:
			e.steps = append(e.steps, step{kind: stepRound, dtype: n.DType()})
		case n.Kind() == ops.KindScale:
			f := attrs.Factor
			e.steps = append(e.steps, step{kind: stepUnary, unary: func(x float64) float64 { return x * f }})
		case n.Kind() == ops.KindWhere:
			e.steps = append(e.steps, step{kind: stepWhere})
		case def.Arity == 1 && def.Unary != nil:
			e.steps = append(e.steps, step{kind: stepUnary, unary: def.Unary})
		case def.Arity == 2 && def.Binary != nil:
			e.steps = append(e.steps, step{kind: stepBinary, binary: def.BinaryFor(n.Inputs()[0].DType())})
		default:
			return fmt.Errorf("no fused form for %s", n.Kind())
		}

		if n != gr.root && !n.DType().IsFloat() {
			e.steps = append(e.steps, step{kind: stepRound, dtype: n.DType()})
		}

		return nil
	}

	if err := emit(gr.root); err != nil {
		return nil, err
	}

	sp := 0
	for _, s := range e.steps {
		switch s.kind {
		case stepLoad:
			sp++
		case stepBinary:
			sp--
		case stepWhere:
			sp -= 2
		}

		e.depth = max(e.depth, sp)
	}

	return e, nil
}

func (e *expr) eval(stack []float64, leaves [][]float64, offs []int64) (float64, error) {
	sp := 0

	for _, s := range e.steps {
		switch s.kind {
		case stepLoad:
			stack[sp] = leaves[s.leaf][offs[s.leaf]]
			sp++
		case stepUnary:
			stack[sp-1] = s.unary(stack[sp-1])
		case stepBinary:
			v, err := s.binary(stack[sp-2], stack[sp-1])
			if err != nil {
				return 0, err
			}

			sp--
			stack[sp-1] = v
		case stepWhere:
			cond, a, b := stack[sp-3], stack[sp-2], stack[sp-1]
			sp -= 2

			if cond != 0 {
				stack[sp-1] = a
			} else {
				stack[sp-1] = b
			}
		case stepRound:
			stack[sp-1] = s.dtype.Quantize(stack[sp-1])
		}
	}

	return stack[0], nil
}

const fusedChunk = 2048

// fusedKernel evaluates gr per output element; args are the group leaves.
func fusedKernel(gr *group) (kernelFunc, error) {
	e, err := compileExpr(gr)
	if err != nil {
		return nil, err
	}

	outShape := gr.root.Shape()
	dtype := gr.root.DType()

	return func(args []*tensor.Tensor) (*tensor.Tensor, error) {
		total, err := tensor.ElemCount(outShape)
		if err != nil {
			return nil, err
		}

		leaves := make([][]float64, len(args))
		strides := make([][]int64, len(args))

		for i, a := range args {
			leaves[i] = a.RawData()
			strides[i] = tensor.BroadcastStrides(a.Shape(), outShape)
		}

		data := make([]float64, total)

		var (
			mu       sync.Mutex
			firstErr error
			errAt    = total
		)

		tensor.ParallelFor(total, fusedChunk, func(lo, hi int) {
			stack := make([]float64, e.depth)

			tensor.WalkBroadcastRange(outShape, strides, lo, hi, func(i int, offs []int64) bool {
				v, err := e.eval(stack, leaves, offs)
				if err != nil {
					mu.Lock()
					if i < errAt {
						errAt, firstErr = i, err
					}
					mu.Unlock()

					return false
				}

				data[i] = dtype.Quantize(v)

				return true
			})
		})

		if firstErr != nil {
			return nil, fmt.Errorf("element %d: %w", errAt, firstErr)
		}

		return tensor.Wrap(data, slices.Clone(outShape), dtype)
	}, nil
}

// label renders the group for plans and errors, e.g. "fused[mul add relu]".
func (gr *group) label() string {
	if !gr.fused() {
		return string(gr.root.Kind())
	}

	kinds := make([]string, len(gr.members))
	for i, m := range gr.members {
		kinds[i] = string(m.Kind())
	}

	return "fused[" + strings.Join(kinds, " ") + "]"
}
