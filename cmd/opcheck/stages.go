package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-opcheck/internal/harness"
	"github.com/example/go-opcheck/internal/report"
)

// stageExecutable is the binary the staged harness re-executes; empty means
// the running one.
var stageExecutable = ""

func newStagesCmd() *cobra.Command {
	var (
		reportPath string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "stages [pattern...]",
		Short: "Run the staged harness, one child process per stage",
		Long: `Stages re-executes this binary once per configured stage (eager, then
compiled, then fusion by default). A stage that exits nonzero or cannot start
causes every later stage to be skipped, so a crash in one backend never hides
the results of the stages before it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			stages, err := harness.StagesByName(cfg.Stages.Names)
			if err != nil {
				return err
			}

			// Stale references from an earlier run must not leak into this one.
			if err := harness.NewStore(cfg.Run.WorkDir).Clear(); err != nil {
				return err
			}

			inv := &harness.ProcessInvoker{
				Executable: stageExecutable,
				Args:       stageArgs(args),
				Seed:       cfg.Run.Seed,
				WorkDir:    cfg.Run.WorkDir,
				CaseDir:    cfg.Run.CaseDir,
				DumpDir:    cfg.Run.DumpDir,
				LogLevel:   cfg.LogLevel,
				Timeout:    cfg.Stages.Timeout,
			}

			if verbose {
				inv.Output = cmd.ErrOrStderr()
			}

			start := time.Now()
			results := harness.RunStages(cmd.Context(), stages, inv)

			out := cmd.OutOrStdout()
			report.FormatStages(results, out)

			if !verbose {
				printFailedOutput(results, out)
			}

			if reportPath != "" {
				snap := report.New("", cfg.Run.Seed, "", start, nil)
				snap.Stages = results

				if err := snap.Save(reportPath); err != nil {
					return err
				}
			}

			if harness.StagesFailed(results) {
				return errors.New("staged run failed")
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&reportPath, "report", "", "Write a JSON snapshot of the stage results to this file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Stream stage output while it runs")

	return cmd
}

// stageArgs are the arguments a stage child needs beyond what the
// environment carries.
func stageArgs(patterns []string) []string {
	var args []string
	if cfgFile != "" {
		args = append(args, "--config="+cfgFile)
	}

	args = append(args, "--no-progress")

	return append(args, patterns...)
}

// printFailedOutput repeats the captured output of stages that did not pass.
func printFailedOutput(results []harness.StageResult, w io.Writer) {
	for _, r := range results {
		if r.Status == harness.StatusPass || r.Status == harness.StatusSkipped || r.Output == "" {
			continue
		}

		fmt.Fprintf(w, "\n--- stage %s output ---\n%s", r.Stage, r.Output)
	}
}
