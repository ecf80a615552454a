package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-opcheck/internal/doctor"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run environment and corpus preflight checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			dcfg := doctor.Config{
				CaseDir: cfg.Run.CaseDir,
				WorkDir: cfg.Run.WorkDir,
			}

			if stageExecutable != "" {
				dcfg.Executable = func() (string, error) { return stageExecutable, nil }
			}

			reg, err := loadRegistry(cfg)
			if err != nil {
				dcfg.CaseDir = ""
			} else {
				dcfg.Registry = reg
			}

			result := doctor.Run(dcfg, out)

			if err != nil {
				result.AddFailure(fmt.Sprintf("case registry: %v", err))
				fmt.Fprintf(out, "%s case registry: %v\n", doctor.FailMark, err)
			}

			if result.Failed() {
				return fmt.Errorf("doctor: %d check(s) failed", len(result.Failures()))
			}

			return nil
		},
	}
}
