package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/go-opcheck/internal/cases"
)

func newExportCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "export [pattern...]",
		Short: "Write declarative cases as JSON case files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			cs, err := selectCases(cfg, args)
			if err != nil {
				return err
			}

			written := 0

			for _, c := range cs {
				path, err := cases.ExportFile(dir, c)
				if errors.Is(err, cases.ErrNotDeclarative) {
					slog.Debug("skip case without declarative form", "case", c.Name)
					continue
				}

				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), path)

				written++
			}

			if written == 0 {
				return fmt.Errorf("none of the %d selected cases has a declarative form", len(cs))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "cases", "Output directory")

	return cmd
}
