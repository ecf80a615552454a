package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-opcheck/internal/report"
)

func newDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <old-report> <new-report>",
		Short: "Compare case statuses between two run reports",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prev, err := report.Load(args[0])
			if err != nil {
				return err
			}

			cur, err := report.Load(args[1])
			if err != nil {
				return err
			}

			changes := report.Diff(prev, cur)
			report.FormatChanges(changes, cmd.OutOrStdout())

			regressions := 0

			for _, c := range changes {
				if c.Regression() {
					regressions++
				}
			}

			if regressions > 0 {
				return fmt.Errorf("%d cases regressed since run %s", regressions, prev.RunID)
			}

			return nil
		},
	}
}
