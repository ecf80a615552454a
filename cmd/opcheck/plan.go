package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-opcheck/internal/compile"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <case>",
		Short: "Print a case graph and the compiled plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			reg, err := loadRegistry(cfg)
			if err != nil {
				return err
			}

			c, err := reg.Lookup(args[0])
			if err != nil {
				return err
			}

			g, err := c.Graph()
			if err != nil {
				return err
			}

			opts := harnessOptions(cfg).Compile

			exe, err := compile.Compile(g, opts)
			if err != nil {
				return err
			}

			stats := exe.Stats()
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "# graph %s (fingerprint %s)\n%s\n", c.Name, g.Fingerprint(), g)
			fmt.Fprintf(out, "# plan (%s)\n%s\n", opts, exe.Plan())
			fmt.Fprintf(out, "# %d nodes, %d eliminated, %d folded, %d fused kernels over %d nodes, %d instructions, %d slots\n",
				stats.Nodes, stats.Eliminated, stats.Folded, stats.FusedKernels, stats.FusedNodes, stats.Instructions, stats.Slots)

			return nil
		},
	}
}
