package compile

import (
	"fmt"

	"github.com/example/go-opcheck/internal/eager"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// eliminateDead drops nodes that do not reach an output.
func (c *compiler) eliminateDead() {
	c.live = c.g.Live()

	for _, l := range c.live {
		if !l {
			c.stats.Eliminated++
		}
	}
}

// foldConstants evaluates nodes whose inputs are all constants. Folded
// values follow eager rounding, which is what a framework does when it
// evaluates constant subexpressions at trace time.
func (c *compiler) foldConstants() error {
	nodes := c.g.Nodes()
	c.consts = make([]*tensor.Tensor, len(nodes))

	for _, n := range nodes {
		id := n.ID()
		if !c.live[id] {
			continue
		}

		switch n.Kind() {
		case ops.KindConstant:
			c.consts[id] = n.Value()
			continue
		case ops.KindParameter:
			continue
		}

		if !c.opts.ConstantFolding || len(n.Inputs()) == 0 {
			continue
		}

		args := make([]*tensor.Tensor, len(n.Inputs()))
		foldable := true

		for i, in := range n.Inputs() {
			args[i] = c.consts[in.ID()]
			if args[i] == nil {
				foldable = false
				break
			}
		}

		if !foldable {
			continue
		}

		v, err := eager.Evaluate(n, args)
		if err != nil {
			return fmt.Errorf("fold %s (%s): %w", n, n.Kind(), err)
		}

		c.consts[id] = v
		c.stats.Folded++
	}

	return nil
}

// uses counts how often each node is read by a node computed at run time.
func (c *compiler) uses() []int {
	counts := make([]int, len(c.g.Nodes()))

	for _, n := range c.g.Nodes() {
		if !c.computed(n) {
			continue
		}

		for _, in := range n.Inputs() {
			counts[in.ID()]++
		}
	}

	return counts
}
