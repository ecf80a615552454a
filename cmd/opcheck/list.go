package main

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var namesOnly bool

	cmd := &cobra.Command{
		Use:     "list [pattern...]",
		Aliases: []string{"ls"},
		Short:   "List the cases in the corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			cs, err := selectCases(cfg, args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if namesOnly {
				for _, c := range cs {
					fmt.Fprintln(out, c.Name)
				}

				return nil
			}

			var data [][]string

			for _, c := range cs {
				inputs := make([]string, len(c.Inputs))
				for i, in := range c.Inputs {
					inputs[i] = in.String()
				}

				seed := "-"
				if c.Seed != 0 {
					seed = fmt.Sprint(c.Seed)
				}

				data = append(data, []string{c.Name, strings.Join(inputs, " "), strings.Join(c.Tags, ","), seed})
			}

			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"NAME", "INPUTS", "TAGS", "SEED"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.SetAutoWrapText(false)
			table.AppendBulk(data)
			table.Render()

			return nil
		},
	}

	cmd.Flags().BoolVar(&namesOnly, "names", false, "Print case names only")

	return cmd
}
