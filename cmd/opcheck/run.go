package main

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/example/go-opcheck/internal/config"
	"github.com/example/go-opcheck/internal/harness"
	"github.com/example/go-opcheck/internal/report"
)

type runFlags struct {
	stage      string
	format     string
	reportPath string
	baseline   string
	all        bool
	noProgress bool
}

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run [pattern...]",
		Short: "Run cases eagerly and compiled and compare the outputs",
		Long: `Run selects cases by name glob ("matmul/*/2d") or tag ("tag:subgraph"),
runs each through the eager interpreter and the compiler, and compares every
output under the dtype tolerance. With --stage the command runs as one stage
of the staged harness instead: the eager stage stores reference outputs
under the work directory and the compiled stages compare against them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if f.format != "table" && f.format != "json" {
				return errors.New("--format must be 'table' or 'json'")
			}

			if f.stage == "" {
				if s, ok := harness.CurrentStage(); ok {
					f.stage = s
				}
			}

			return runCases(cmd, cfg, args, f)
		},
	}

	cmd.Flags().StringVar(&f.stage, "stage", "", "Run as one stage of the staged harness (eager|compiled|fusion)")
	cmd.Flags().StringVar(&f.format, "format", "table", "Output format: table|json")
	cmd.Flags().StringVar(&f.reportPath, "report", "", "Write a JSON snapshot of the run to this file")
	cmd.Flags().StringVar(&f.baseline, "baseline", "", "Compare statuses against a snapshot from an earlier run")
	cmd.Flags().BoolVar(&f.all, "all", false, "List passing cases too")
	cmd.Flags().BoolVar(&f.noProgress, "no-progress", false, "Do not draw a progress bar")

	return cmd
}

func newProgress(total int, w io.Writer) func(done, total int, r harness.CaseResult) {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("cases"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	return func(_, _ int, _ harness.CaseResult) {
		_ = bar.Add(1)
	}
}

func runCases(cmd *cobra.Command, cfg config.Config, patterns []string, f runFlags) error {
	cs, err := selectCases(cfg, patterns)
	if err != nil {
		return err
	}

	opts := harnessOptions(cfg)
	runner := &harness.Runner{Workers: cfg.Run.Workers}

	if !f.noProgress && f.stage == "" && f.format == "table" {
		runner.Progress = newProgress(len(cs), cmd.ErrOrStderr())
	}

	start := time.Now()

	var results []harness.CaseResult

	if f.stage != "" {
		name, err := config.NormalizeStage(f.stage)
		if err != nil {
			return err
		}

		stage, err := harness.LookupStage(name)
		if err != nil {
			return err
		}

		f.stage = name
		results = runner.RunStage(cmd.Context(), stage, cs, opts, harness.NewStore(cfg.Run.WorkDir))
	} else {
		results = runner.Run(cmd.Context(), cs, opts)
	}

	snap := report.New(f.stage, cfg.Run.Seed, opts.Compile.String(), start, results)
	out := cmd.OutOrStdout()

	switch f.format {
	case "json":
		if err := report.FormatJSON(snap, out); err != nil {
			return err
		}
	default:
		report.FormatTable(results, f.all, out)
		report.FormatSummary(snap, out)
	}

	if f.reportPath != "" {
		if err := snap.Save(f.reportPath); err != nil {
			return err
		}

		slog.Info("report written", "path", f.reportPath, "run_id", snap.RunID)
	}

	if f.baseline != "" {
		prev, err := report.Load(f.baseline)
		if err != nil {
			return err
		}

		report.FormatChanges(report.Diff(prev, snap), out)
	}

	return snap.Summary.Err()
}
