// Package compile lowers a graph to a flat program of pre-resolved kernels.
//
// The compiled path keeps intermediate values in float64 and rounds to the
// node dtype only when a kernel writes its output. With fusion enabled,
// chains of elementwise nodes collapse into a single kernel so their
// intermediates are never rounded at all. Differences from the eager path
// are therefore limited to rounding placement and accumulation order.
package compile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/go-opcheck/internal/graph"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Options controls the compiler passes.
type Options struct {
	Fusion          bool `json:"fusion" mapstructure:"fusion"`
	ConstantFolding bool `json:"constant_folding" mapstructure:"constant_folding"`
	// TileSize is the matmul tile edge. Values <= 0 select the default.
	TileSize int `json:"tile_size" mapstructure:"tile_size"`
}

func DefaultOptions() Options {
	return Options{Fusion: true, ConstantFolding: true, TileSize: 32}
}

func (o Options) String() string {
	return fmt.Sprintf("fusion=%t folding=%t tile=%d", o.Fusion, o.ConstantFolding, o.TileSize)
}

// Stats summarizes what the passes did.
type Stats struct {
	Nodes        int `json:"nodes"`
	Eliminated   int `json:"eliminated"`
	Folded       int `json:"folded"`
	FusedKernels int `json:"fused_kernels"`
	FusedNodes   int `json:"fused_nodes"`
	Instructions int `json:"instructions"`
	Slots        int `json:"slots"`
}

// Executable is a compiled graph. It is safe for concurrent use.
type Executable struct {
	graph      *graph.Graph
	opts       Options
	paramSlots []int
	consts     map[int]*tensor.Tensor
	instrs     []*instruction
	outputs    []int
	nslots     int
	stats      Stats
}

// Compile runs the pass pipeline over g.
func Compile(g *graph.Graph, opts Options) (*Executable, error) {
	if g == nil {
		return nil, errors.New("compile: nil graph")
	}

	if opts.TileSize <= 0 {
		opts.TileSize = DefaultOptions().TileSize
	}

	c := &compiler{g: g, opts: opts}
	c.stats.Nodes = len(g.Nodes())

	c.eliminateDead()

	if err := c.foldConstants(); err != nil {
		return nil, fmt.Errorf("compile: graph %s: %w", g.Name(), err)
	}

	groups := c.formGroups()

	exe, err := c.lower(groups)
	if err != nil {
		return nil, fmt.Errorf("compile: graph %s: %w", g.Name(), err)
	}

	slog.Debug("compiled graph",
		"graph", g.Name(),
		"options", opts.String(),
		"instructions", exe.stats.Instructions,
		"fused_kernels", exe.stats.FusedKernels,
		"slots", exe.stats.Slots,
	)

	return exe, nil
}

// Options returns the options the executable was compiled with.
func (e *Executable) Options() Options { return e.opts }

func (e *Executable) Stats() Stats { return e.stats }

func (e *Executable) Graph() *graph.Graph { return e.graph }

// Run executes the program on inputs, given in parameter order.
func (e *Executable) Run(ctx context.Context, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := e.graph.CheckInputs(inputs); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	regs := make([]*tensor.Tensor, e.nslots)
	for i, s := range e.paramSlots {
		regs[s] = inputs[i]
	}

	for s, t := range e.consts {
		regs[s] = t
	}

	for _, ins := range e.instrs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("compile: %w", err)
		}

		args := make([]*tensor.Tensor, len(ins.args))
		for i, s := range ins.args {
			args[i] = regs[s]
		}

		out, err := ins.run(args)
		if err != nil {
			return nil, fmt.Errorf("compile: graph %s: s%d = %s: %w", e.graph.Name(), ins.out, ins.label, err)
		}

		regs[ins.out] = out

		for _, s := range ins.free {
			regs[s] = nil
		}
	}

	outs := make([]*tensor.Tensor, len(e.outputs))
	for i, s := range e.outputs {
		outs[i] = regs[s]
		if _, ok := e.consts[s]; ok {
			outs[i] = regs[s].Clone()
		}
	}

	return outs, nil
}

type compiler struct {
	g      *graph.Graph
	opts   Options
	live   []bool
	consts []*tensor.Tensor
	stats  Stats
}

// computed reports whether n produces a value at run time.
func (c *compiler) computed(n *graph.Node) bool {
	id := n.ID()
	return c.live[id] && c.consts[id] == nil && n.Def().Category != ops.Source
}
