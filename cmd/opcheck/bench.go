package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/go-opcheck/internal/bench"
	"github.com/example/go-opcheck/internal/bench/stageprof"
)

func newBenchCmd() *cobra.Command {
	var (
		runs             int
		warmup           int
		format           string
		speedupThreshold float64
		profile          bool
		cpuprofile       string
	)

	cmd := &cobra.Command{
		Use:   "bench [pattern...]",
		Short: "Time cases on the eager and compiled paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return errors.New("--runs must be at least 1")
			}

			if format != "table" && format != "json" {
				return errors.New("--format must be 'table' or 'json'")
			}

			cs, err := selectCases(cfg, args)
			if err != nil {
				return err
			}

			opts := harnessOptions(cfg)
			out := cmd.OutOrStdout()

			if profile || cpuprofile != "" {
				if len(cs) != 1 {
					return fmt.Errorf("--profile needs exactly one case, %d match", len(cs))
				}

				t, err := stageprof.Run(cmd.Context(), stageprof.Config{
					Case:       cs[0],
					Options:    opts,
					Runs:       runs,
					Warmup:     warmup,
					CPUProfile: cpuprofile,
				})
				if err != nil {
					return err
				}

				t.Write(out, cs[0].Name)

				return nil
			}

			results := make([]bench.CaseBench, 0, len(cs))

			for _, c := range cs {
				r, err := bench.Measure(cmd.Context(), c, opts, runs)
				if err != nil {
					return err
				}

				slog.Debug("bench case", "case", c.Name, "speedup", r.Speedup)
				results = append(results, r)
			}

			switch format {
			case "json":
				if err := bench.FormatJSON(results, out); err != nil {
					return err
				}
			default:
				bench.FormatTable(results, out)
			}

			return bench.CheckSpeedupThreshold(bench.MeanSpeedup(results), speedupThreshold)
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 5, "Number of timed runs per case")
	cmd.Flags().IntVar(&warmup, "warmup", 1, "Untimed runs before profiling")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&speedupThreshold, "speedup-threshold", 0, "Exit non-zero if the mean speedup is below this value (0 = disabled)")
	cmd.Flags().BoolVar(&profile, "profile", false, "Break one case down by phase instead of comparing paths")
	cmd.Flags().StringVar(&cpuprofile, "cpuprofile", "", "Write a CPU profile of the profiled runs (implies --profile)")

	return cmd
}
