// Package eager executes graphs op by op, the way a dynamic-graph framework
// does: every node materializes a tensor rounded to its dtype before the next
// node reads it.
package eager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/go-opcheck/internal/graph"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Interpreter runs graphs eagerly.
type Interpreter struct {
	// Trace, when set, is called after every node with its result.
	Trace func(n *graph.Node, out *tensor.Tensor)
}

// Run evaluates every node of g in order and returns the outputs. Values are
// dropped once their last consumer has run.
func (in *Interpreter) Run(ctx context.Context, g *graph.Graph, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := g.CheckInputs(inputs); err != nil {
		return nil, fmt.Errorf("eager: %w", err)
	}

	nodes := g.Nodes()
	values := make([]*tensor.Tensor, len(nodes))

	pending := make([]int, len(nodes))
	for _, n := range nodes {
		for _, x := range n.Inputs() {
			pending[x.ID()]++
		}
	}

	pinned := make([]bool, len(nodes))
	for _, o := range g.Outputs() {
		pinned[o.ID()] = true
	}

	for i, p := range g.Parameters() {
		values[p.ID()] = inputs[i]
	}

	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("eager: %w", err)
		}

		if n.Kind() == ops.KindParameter {
			continue
		}

		args := make([]*tensor.Tensor, len(n.Inputs()))
		for i, x := range n.Inputs() {
			args[i] = values[x.ID()]
		}

		out, err := Evaluate(n, args)
		if err != nil {
			return nil, fmt.Errorf("eager: graph %s node %s (%s): %w", g.Name(), n, n.Kind(), err)
		}

		values[n.ID()] = out

		if in != nil && in.Trace != nil {
			in.Trace(n, out)
		}

		for _, x := range n.Inputs() {
			id := x.ID()

			pending[id]--
			if pending[id] == 0 && !pinned[id] {
				values[id] = nil
			}
		}
	}

	outs := make([]*tensor.Tensor, len(g.Outputs()))
	for i, o := range g.Outputs() {
		outs[i] = values[o.ID()]
	}

	slog.Debug("eager run complete", "graph", g.Name(), "nodes", len(nodes))

	return outs, nil
}

// Evaluate computes a single non-parameter node from its input values. The
// compiler uses it to fold constants.
func Evaluate(n *graph.Node, args []*tensor.Tensor) (*tensor.Tensor, error) {
	def := n.Def()
	attrs := n.Attrs()
	name := string(n.Kind())

	switch n.Kind() {
	case ops.KindParameter:
		return nil, fmt.Errorf("parameter %q has no value", n.Name())
	case ops.KindConstant:
		return n.Value().Clone(), nil
	case ops.KindCast:
		return args[0].Cast(n.DType())
	case ops.KindScale:
		f := attrs.Factor
		return tensor.Unary(args[0], name, func(x float64) float64 { return x * f }, n.DType())
	case ops.KindWhere:
		return tensor.Where(args[0], args[1], args[2])
	case ops.KindReshape:
		return args[0].Reshape(attrs.Shape)
	case ops.KindTranspose:
		return args[0].Permute(attrs.Perm)
	case ops.KindBroadcast:
		return args[0].BroadcastTo(attrs.Shape)
	case ops.KindSlice:
		return args[0].Narrow(attrs.Axis, attrs.Start, attrs.Length)
	case ops.KindConcat:
		return tensor.Concat(args, attrs.Axis)
	case ops.KindMatMul:
		return tensor.MatMul(args[0], args[1])
	case ops.KindSoftmax:
		return tensor.Softmax(args[0], attrs.Axis)
	case ops.KindLayerNorm:
		w, b := optional(args, 1), optional(args, 2)
		return tensor.LayerNorm(args[0], w, b, attrs.Eps)
	case ops.KindRMSNorm:
		return tensor.RMSNorm(args[0], optional(args, 1), attrs.Eps)
	}

	switch def.Category {
	case ops.Reduction:
		return tensor.Reduce(args[0], def.Reduce, attrs.Axes, attrs.KeepDims)
	case ops.Elementwise:
		switch def.Arity {
		case 1:
			return tensor.Unary(args[0], name, def.Unary, n.DType())
		case 2:
			return tensor.Binary(args[0], args[1], name, def.BinaryFor(args[0].DType()), n.DType())
		}
	}

	return nil, fmt.Errorf("no eager kernel for %s", n.Kind())
}

func optional(args []*tensor.Tensor, i int) *tensor.Tensor {
	if i < len(args) {
		return args[i]
	}

	return nil
}
