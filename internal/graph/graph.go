package graph

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Graph is a built, immutable computation graph. Nodes are stored in
// creation order, which is a valid topological order.
type Graph struct {
	name    string
	nodes   []*Node
	params  []*Node
	outputs []*Node
}

func (g *Graph) Name() string { return g.name }

func (g *Graph) Nodes() []*Node { return g.nodes }

func (g *Graph) Parameters() []*Node { return g.params }

func (g *Graph) Outputs() []*Node { return g.outputs }

// Consumers returns, for every node id, the ids of the nodes reading it.
// Graph outputs are not counted as consumers.
func (g *Graph) Consumers() [][]int {
	out := make([][]int, len(g.nodes))

	for _, n := range g.nodes {
		for _, in := range n.inputs {
			out[in.id] = append(out[in.id], n.id)
		}
	}

	return out
}

// IsOutput reports whether node id is one of the graph outputs.
func (g *Graph) IsOutput(id int) bool {
	return slices.ContainsFunc(g.outputs, func(n *Node) bool { return n.id == id })
}

// Live marks the nodes that contribute to an output.
func (g *Graph) Live() []bool {
	live := make([]bool, len(g.nodes))
	for _, o := range g.outputs {
		live[o.id] = true
	}

	for i := len(g.nodes) - 1; i >= 0; i-- {
		if !live[i] {
			continue
		}

		for _, in := range g.nodes[i].inputs {
			live[in.id] = true
		}
	}

	return live
}

// Kinds lists the distinct computing operators in the graph, sorted.
func (g *Graph) Kinds() []ops.Kind {
	var kinds []ops.Kind

	for _, n := range g.nodes {
		if n.kind == ops.KindParameter || n.kind == ops.KindConstant {
			continue
		}

		if !slices.Contains(kinds, n.kind) {
			kinds = append(kinds, n.kind)
		}
	}

	slices.Sort(kinds)

	return kinds
}

// CheckInputs validates inputs against the parameters.
func (g *Graph) CheckInputs(inputs []*tensor.Tensor) error {
	if len(inputs) != len(g.params) {
		return fmt.Errorf("graph %s: expected %d inputs, got %d", g.name, len(g.params), len(inputs))
	}

	for i, p := range g.params {
		in := inputs[i]
		if in == nil {
			return fmt.Errorf("graph %s: input %q is nil", g.name, p.name)
		}

		if in.DType() != p.dtype {
			return fmt.Errorf("graph %s: input %q dtype %v, want %v", g.name, p.name, in.DType(), p.dtype)
		}

		if !tensor.EqualShapes(in.Shape(), p.shape) {
			return fmt.Errorf("graph %s: input %q shape %v, want %v", g.name, p.name, in.Shape(), p.shape)
		}
	}

	return nil
}

// String renders a stable textual dump of the graph.
func (g *Graph) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "graph %s {\n", g.name)

	for _, n := range g.nodes {
		fmt.Fprintf(&sb, "  %s = %s", n, n.kind)

		switch n.kind {
		case ops.KindParameter:
			fmt.Fprintf(&sb, " %q", n.name)
		case ops.KindConstant:
			fmt.Fprintf(&sb, " #%s", valueDigest(n.value))
		default:
			args := make([]string, len(n.inputs))
			for i, in := range n.inputs {
				args[i] = in.String()
			}

			fmt.Fprintf(&sb, "(%s)", strings.Join(args, ", "))
		}

		fmt.Fprintf(&sb, "%s : %s\n", n.attrs.format(n.kind), n.TypeString())
	}

	outs := make([]string, len(g.outputs))
	for i, o := range g.outputs {
		outs[i] = o.String()
	}

	fmt.Fprintf(&sb, "  return %s\n}\n", strings.Join(outs, ", "))

	return sb.String()
}

// Fingerprint identifies the graph's structure and constants.
func (g *Graph) Fingerprint() string {
	sum := sha256.Sum256([]byte(g.String()))
	return hex.EncodeToString(sum[:])
}

func valueDigest(t *tensor.Tensor) string {
	h := sha256.New()

	var buf [8]byte
	for _, v := range t.RawData() {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}

	return hex.EncodeToString(h.Sum(nil))[:12]
}
