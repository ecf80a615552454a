package compile

import (
	"fmt"
	"slices"
	"strings"

	"github.com/example/go-opcheck/internal/graph"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

type instruction struct {
	root  *graph.Node
	label string
	args  []int
	out   int
	// free lists the slots whose values die after this instruction.
	free []int
	run  kernelFunc
}

// slotAllocator hands out register slots, reusing released ones first.
type slotAllocator struct {
	n    int
	free []int
}

func (s *slotAllocator) take() int {
	if k := len(s.free); k > 0 {
		slot := s.free[k-1]
		s.free = s.free[:k-1]

		return slot
	}

	s.n++

	return s.n - 1
}

func (s *slotAllocator) release(slot int) {
	s.free = append(s.free, slot)
}

// lower turns groups into instructions and assigns slots by liveness.
// Parameters, constants and outputs are pinned to their slots.
func (c *compiler) lower(groups []*group) (*Executable, error) {
	exe := &Executable{
		graph:  c.g,
		opts:   c.opts,
		consts: map[int]*tensor.Tensor{},
	}

	var alloc slotAllocator

	slotOf := map[int]int{}
	pinned := map[int]bool{}

	for _, p := range c.g.Parameters() {
		s := alloc.take()
		slotOf[p.ID()] = s
		pinned[p.ID()] = true
		exe.paramSlots = append(exe.paramSlots, s)
	}

	for _, o := range c.g.Outputs() {
		pinned[o.ID()] = true
	}

	// Constants get their slots before any intermediate does, so no
	// instruction can take one over and free it.
	bindConst := func(n *graph.Node) {
		v := c.consts[n.ID()]
		if v == nil {
			return
		}

		if _, ok := slotOf[n.ID()]; ok {
			return
		}

		s := alloc.take()
		slotOf[n.ID()] = s
		pinned[n.ID()] = true
		exe.consts[s] = v
	}

	for _, gr := range groups {
		for _, a := range argsOf(gr) {
			bindConst(a)
		}
	}

	for _, o := range c.g.Outputs() {
		bindConst(o)
	}

	lookup := func(n *graph.Node) (int, error) {
		if s, ok := slotOf[n.ID()]; ok {
			return s, nil
		}

		return 0, fmt.Errorf("operand %s (%s) has no value", n, n.Kind())
	}

	lastUse := map[int]int{}

	for i, gr := range groups {
		for _, a := range argsOf(gr) {
			lastUse[a.ID()] = i
		}
	}

	for i, gr := range groups {
		kernel, err := c.kernelFor(gr)
		if err != nil {
			return nil, err
		}

		ins := &instruction{root: gr.root, label: gr.label(), run: kernel}

		operands := argsOf(gr)
		for _, a := range operands {
			s, err := lookup(a)
			if err != nil {
				return nil, err
			}

			ins.args = append(ins.args, s)
		}

		ins.out = alloc.take()
		slotOf[gr.root.ID()] = ins.out

		released := map[int]bool{}

		for _, a := range operands {
			id := a.ID()
			if lastUse[id] != i || pinned[id] || released[id] {
				continue
			}

			released[id] = true
			ins.free = append(ins.free, slotOf[id])
			alloc.release(slotOf[id])
		}

		exe.instrs = append(exe.instrs, ins)
	}

	for _, o := range c.g.Outputs() {
		s, err := lookup(o)
		if err != nil {
			return nil, err
		}

		exe.outputs = append(exe.outputs, s)
	}

	exe.nslots = alloc.n
	c.stats.Instructions = len(exe.instrs)
	c.stats.Slots = alloc.n
	exe.stats = c.stats

	return exe, nil
}

// Plan renders the compiled program.
func (e *Executable) Plan() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "executable %s (%s)\n", e.graph.Name(), e.opts)

	for i, p := range e.graph.Parameters() {
		fmt.Fprintf(&sb, "  s%d = parameter %q : %s\n", e.paramSlots[i], p.Name(), p.TypeString())
	}

	constSlots := make([]int, 0, len(e.consts))
	for s := range e.consts {
		constSlots = append(constSlots, s)
	}

	slices.Sort(constSlots)

	for _, s := range constSlots {
		v := e.consts[s]
		fmt.Fprintf(&sb, "  s%d = constant : %s%v\n", s, v.DType().Short(), v.Shape())
	}

	for _, ins := range e.instrs {
		args := make([]string, len(ins.args))
		for i, a := range ins.args {
			args[i] = fmt.Sprintf("s%d", a)
		}

		fmt.Fprintf(&sb, "  s%d = %s(%s) : %s", ins.out, ins.label, strings.Join(args, ", "), ins.root.TypeString())

		if ins.root.Kind() == ops.KindMatMul {
			fmt.Fprintf(&sb, " tile=%d", e.opts.TileSize)
		}

		if len(ins.free) > 0 {
			free := make([]string, len(ins.free))
			for i, f := range ins.free {
				free[i] = fmt.Sprintf("s%d", f)
			}

			fmt.Fprintf(&sb, " ; free %s", strings.Join(free, " "))
		}

		sb.WriteByte('\n')
	}

	outs := make([]string, len(e.outputs))
	for i, s := range e.outputs {
		outs[i] = fmt.Sprintf("s%d", s)
	}

	st := e.stats
	fmt.Fprintf(&sb, "  return %s\n", strings.Join(outs, ", "))
	fmt.Fprintf(&sb, "stats: nodes=%d eliminated=%d folded=%d fused_kernels=%d fused_nodes=%d instructions=%d slots=%d\n",
		st.Nodes, st.Eliminated, st.Folded, st.FusedKernels, st.FusedNodes, st.Instructions, st.Slots)

	return sb.String()
}
