package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-opcheck/internal/cases"
	"github.com/example/go-opcheck/internal/compile"
	"github.com/example/go-opcheck/internal/config"
	"github.com/example/go-opcheck/internal/harness"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

var (
	cfgFile   string
	activeCfg config.Config
	cfgLoaded bool
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "opcheck",
		Short:         "Differential correctness harness for tensor operators",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}

			activeCfg = loaded
			cfgLoaded = true

			setupLogger(loaded.LogLevel)
			tensor.SetWorkers(loaded.Run.KernelWorkers)

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStagesCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newBenchCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newDiffCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newInspectCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	lvl, err := config.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}

	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func requireConfig() (config.Config, error) {
	if !cfgLoaded {
		return config.Config{}, errors.New("configuration not loaded")
	}

	return activeCfg, nil
}

func harnessOptions(cfg config.Config) harness.Options {
	return harness.Options{
		Seed: cfg.Run.Seed,
		Compile: compile.Options{
			Fusion:          cfg.Compiler.Fusion,
			ConstantFolding: cfg.Compiler.ConstantFolding,
			TileSize:        cfg.Compiler.TileSize,
		},
		ToleranceScale: cfg.Tolerance.Scale,
		Cache:          compile.NewCache(),
		DumpDir:        cfg.Run.DumpDir,
	}
}

// loadRegistry returns the built-in corpus, extended by the case directory
// when one is configured.
func loadRegistry(cfg config.Config) (*cases.Registry, error) {
	if cfg.Run.CaseDir == "" {
		return cases.Default(), nil
	}

	r := cases.NewBuiltinRegistry()

	n, err := r.RegisterDir(cfg.Run.CaseDir)
	if err != nil {
		return nil, err
	}

	slog.Debug("loaded case files", "dir", cfg.Run.CaseDir, "count", n)

	return r, nil
}

// selectCases resolves patterns against the configured corpus. Matching
// nothing is an error.
func selectCases(cfg config.Config, patterns []string) ([]*cases.Case, error) {
	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	cs, err := reg.Select(patterns)
	if err != nil {
		return nil, err
	}

	if len(cs) == 0 {
		return nil, fmt.Errorf("no cases match %q", patterns)
	}

	return cs, nil
}
