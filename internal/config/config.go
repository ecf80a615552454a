package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// OPCHECK_COMPILER_FUSION for compiler.fusion. Stage children are configured
// through these variables.
const EnvPrefix = "OPCHECK"

type Config struct {
	Run       RunConfig       `mapstructure:"run"`
	Compiler  CompilerConfig  `mapstructure:"compiler"`
	Tolerance ToleranceConfig `mapstructure:"tolerance"`
	Stages    StagesConfig    `mapstructure:"stages"`
	LogLevel  string          `mapstructure:"log_level"`
}

type RunConfig struct {
	Seed          uint64 `mapstructure:"seed"`
	Workers       int    `mapstructure:"workers"`
	KernelWorkers int    `mapstructure:"kernel_workers"`
	CaseDir       string `mapstructure:"case_dir"`
	WorkDir       string `mapstructure:"work_dir"`
	// DumpDir, when set, receives safetensors dumps of failing cases.
	DumpDir string `mapstructure:"dump_dir"`
}

type CompilerConfig struct {
	Fusion          bool `mapstructure:"fusion"`
	ConstantFolding bool `mapstructure:"constant_folding"`
	TileSize        int  `mapstructure:"tile_size"`
}

type ToleranceConfig struct {
	// Scale multiplies every computed tolerance.
	Scale float64 `mapstructure:"scale"`
}

type StagesConfig struct {
	Names   []string      `mapstructure:"names"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Run: RunConfig{
			Seed:          1,
			Workers:       4,
			KernelWorkers: 1,
			CaseDir:       "",
			WorkDir:       ".opcheck",
		},
		Compiler: CompilerConfig{
			Fusion:          true,
			ConstantFolding: true,
			TileSize:        32,
		},
		Tolerance: ToleranceConfig{
			Scale: 1,
		},
		Stages: StagesConfig{
			Names:   []string{StageEager, StageCompiled, StageFusion},
			Timeout: 5 * time.Minute,
		},
		LogLevel: "info",
	}
}

// binding ties a config key to its command-line flag.
type binding struct {
	key  string
	flag string
}

var bindings = []binding{
	{"run.seed", "seed"},
	{"run.workers", "workers"},
	{"run.kernel_workers", "kernel-workers"},
	{"run.case_dir", "case-dir"},
	{"run.work_dir", "work-dir"},
	{"run.dump_dir", "dump-dir"},
	{"compiler.fusion", "fusion"},
	{"compiler.constant_folding", "constant-folding"},
	{"compiler.tile_size", "tile-size"},
	{"tolerance.scale", "tolerance-scale"},
	{"stages.names", "stages"},
	{"stages.timeout", "stage-timeout"},
	{"log_level", "log-level"},
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.Uint64("seed", defaults.Run.Seed, "Base seed; every case derives its input stream from it")
	fs.Int("workers", defaults.Run.Workers, "Cases run concurrently")
	fs.Int("kernel-workers", defaults.Run.KernelWorkers, "Goroutines per kernel")
	fs.String("case-dir", defaults.Run.CaseDir, "Directory of extra case files (yaml, json, toml)")
	fs.String("work-dir", defaults.Run.WorkDir, "Directory for stage references and reports")
	fs.String("dump-dir", defaults.Run.DumpDir, "Write inputs and outputs of failing cases here as safetensors")
	fs.Bool("fusion", defaults.Compiler.Fusion, "Enable the fusing backend of the compiler")
	fs.Bool("constant-folding", defaults.Compiler.ConstantFolding, "Fold constant sub-graphs at compile time")
	fs.Int("tile-size", defaults.Compiler.TileSize, "Matmul tile edge")
	fs.Float64("tolerance-scale", defaults.Tolerance.Scale, "Multiply every tolerance by this factor")
	fs.StringSlice("stages", defaults.Stages.Names, "Stages run by the staged harness, in order")
	fs.Duration("stage-timeout", defaults.Stages.Timeout, "Timeout of one stage process")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		fs := opts.Cmd.Flags()
		for _, b := range bindings {
			f := fs.Lookup(b.flag)
			if f == nil {
				continue
			}

			if err := v.BindPFlag(b.key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", b.flag, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("opcheck")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	stages, err := NormalizeStages(cfg.Stages.Names)
	if err != nil {
		return Config{}, err
	}

	cfg.Stages.Names = stages

	if cfg.Compiler.TileSize <= 0 {
		return Config{}, fmt.Errorf("compiler.tile_size must be positive, got %d", cfg.Compiler.TileSize)
	}

	if cfg.Tolerance.Scale <= 0 {
		return Config{}, fmt.Errorf("tolerance.scale must be positive, got %g", cfg.Tolerance.Scale)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("run.seed", c.Run.Seed)
	v.SetDefault("run.workers", c.Run.Workers)
	v.SetDefault("run.kernel_workers", c.Run.KernelWorkers)
	v.SetDefault("run.case_dir", c.Run.CaseDir)
	v.SetDefault("run.work_dir", c.Run.WorkDir)
	v.SetDefault("run.dump_dir", c.Run.DumpDir)
	v.SetDefault("compiler.fusion", c.Compiler.Fusion)
	v.SetDefault("compiler.constant_folding", c.Compiler.ConstantFolding)
	v.SetDefault("compiler.tile_size", c.Compiler.TileSize)
	v.SetDefault("tolerance.scale", c.Tolerance.Scale)
	v.SetDefault("stages.names", c.Stages.Names)
	v.SetDefault("stages.timeout", c.Stages.Timeout)
	v.SetDefault("log_level", c.LogLevel)
}
