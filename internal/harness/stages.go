package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Environment variables passed to stage children.
const (
	EnvStage    = "OPCHECK_STAGE"
	EnvFusion   = "OPCHECK_COMPILER_FUSION"
	EnvSeed     = "OPCHECK_RUN_SEED"
	EnvWorkDir  = "OPCHECK_RUN_WORK_DIR"
	EnvCaseDir  = "OPCHECK_RUN_CASE_DIR"
	EnvDumpDir  = "OPCHECK_RUN_DUMP_DIR"
	EnvLogLevel = "OPCHECK_LOG_LEVEL"
)

// Mode selects what a stage child does.
type Mode string

const (
	// ModeEager runs the interpreter and stores reference outputs.
	ModeEager Mode = "eager"
	// ModeCompiled runs the compiler with fusion off.
	ModeCompiled Mode = "compiled"
	// ModeFusion runs the compiler with the fusing backend on.
	ModeFusion Mode = "fusion"
)

// Stage is one step of the staged try-run.
type Stage struct {
	Name string
	Mode Mode
	// Env is added to the child's environment.
	Env map[string]string
}

// Apply sets the compile options the stage's mode implies.
func (s Stage) Apply(opts Options) Options {
	switch s.Mode {
	case ModeCompiled:
		opts.Compile.Fusion = false
	case ModeFusion:
		opts.Compile.Fusion = true
	}

	return opts
}

// DefaultStages is eager, then compiled, then fusion.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "eager", Mode: ModeEager},
		{Name: "compiled", Mode: ModeCompiled, Env: map[string]string{EnvFusion: "false"}},
		{Name: "fusion", Mode: ModeFusion, Env: map[string]string{EnvFusion: "true"}},
	}
}

// StagesByName picks default stages by name, in the given order.
func StagesByName(names []string) ([]Stage, error) {
	all := DefaultStages()
	out := make([]Stage, 0, len(names))

	for _, n := range names {
		found := false

		for _, s := range all {
			if s.Name == n {
				out = append(out, s)
				found = true

				break
			}
		}

		if !found {
			return nil, fmt.Errorf("harness: unknown stage %q", n)
		}
	}

	return out, nil
}

// LookupStage returns the default stage called name.
func LookupStage(name string) (Stage, error) {
	s, err := StagesByName([]string{name})
	if err != nil {
		return Stage{}, err
	}

	return s[0], nil
}

// CurrentStage returns the stage this process was started for, if any.
func CurrentStage() (string, bool) {
	s, ok := os.LookupEnv(EnvStage)
	return s, ok && s != ""
}

// Invocation is the outcome of running one stage child.
type Invocation struct {
	Stage    string
	ExitCode int
	Output   []byte
	Duration time.Duration
}

// Invoker starts a stage. A nonzero exit is reported in the Invocation; an
// error means the stage could not run at all.
type Invoker interface {
	Invoke(ctx context.Context, stage Stage) (Invocation, error)
}

// ProcessInvoker re-executes a binary as the stage child:
//
//	<Executable> <PrefixArgs...> run --stage=<name> <Args...>
type ProcessInvoker struct {
	// Executable defaults to the running binary.
	Executable string
	PrefixArgs []string
	Args       []string
	// Env is the base environment, os.Environ() when nil.
	Env     []string
	Seed    uint64
	WorkDir string
	CaseDir string
	DumpDir string
	// LogLevel, when set, is passed on to the child.
	LogLevel string
	// Timeout bounds one stage; zero means no limit.
	Timeout time.Duration
	// Output, when set, receives the child's combined output as it runs.
	Output io.Writer
}

// Invoke runs stage in a child process.
func (p *ProcessInvoker) Invoke(ctx context.Context, stage Stage) (Invocation, error) {
	inv := Invocation{Stage: stage.Name, ExitCode: -1}

	exe := p.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return inv, fmt.Errorf("resolve executable: %w", err)
		}

		exe = self
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	args := append([]string(nil), p.PrefixArgs...)
	args = append(args, "run", "--stage="+stage.Name)
	args = append(args, p.Args...)

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Env = p.environ(stage)

	var out bytes.Buffer

	w := io.Writer(&out)
	if p.Output != nil {
		w = io.MultiWriter(&out, p.Output)
	}

	cmd.Stdout = w
	cmd.Stderr = w

	slog.Debug("stage invoke", "stage", stage.Name, "exe", exe, "args", args)

	start := time.Now()
	err := cmd.Run()
	inv.Duration = time.Since(start)
	inv.Output = out.Bytes()

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return inv, fmt.Errorf("stage %s timed out after %v", stage.Name, p.Timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		inv.ExitCode = exitErr.ExitCode()
		return inv, nil
	}

	if err != nil {
		return inv, fmt.Errorf("stage %s: %w", stage.Name, err)
	}

	inv.ExitCode = 0

	return inv, nil
}

func (p *ProcessInvoker) environ(stage Stage) []string {
	env := p.Env
	if env == nil {
		env = os.Environ()
	}

	env = append([]string(nil), env...)
	env = append(env,
		EnvStage+"="+stage.Name,
		EnvSeed+"="+strconv.FormatUint(p.Seed, 10),
	)

	if p.WorkDir != "" {
		env = append(env, EnvWorkDir+"="+p.WorkDir)
	}

	if p.CaseDir != "" {
		env = append(env, EnvCaseDir+"="+p.CaseDir)
	}

	if p.DumpDir != "" {
		env = append(env, EnvDumpDir+"="+p.DumpDir)
	}

	if p.LogLevel != "" {
		env = append(env, EnvLogLevel+"="+p.LogLevel)
	}

	for k, v := range stage.Env {
		env = append(env, k+"="+v)
	}

	return env
}

// StageResult is the outcome of one stage of the staged try-run.
type StageResult struct {
	Stage    string        `json:"stage"`
	Mode     Mode          `json:"mode"`
	Status   Status        `json:"status"`
	ExitCode int           `json:"exit_code"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"-"`
}

// RunStages runs stages in order. Once a stage exits nonzero or cannot start,
// every later stage is skipped.
func RunStages(ctx context.Context, stages []Stage, inv Invoker) []StageResult {
	results := make([]StageResult, 0, len(stages))
	failed := ""

	for _, s := range stages {
		res := StageResult{Stage: s.Name, Mode: s.Mode, ExitCode: -1}

		switch {
		case failed != "":
			res.Status = StatusSkipped
			res.Reason = fmt.Sprintf("previous stage %q failed", failed)
		case ctx.Err() != nil:
			res.Status = StatusSkipped
			res.Reason = ctx.Err().Error()
		default:
			out, err := inv.Invoke(ctx, s)
			res.ExitCode = out.ExitCode
			res.Duration = out.Duration
			res.Output = string(out.Output)

			switch {
			case err != nil:
				res.Status = StatusError
				res.Reason = err.Error()
			case out.ExitCode != 0:
				res.Status = StatusFail
				res.Reason = fmt.Sprintf("exit code %d", out.ExitCode)
			default:
				res.Status = StatusPass
			}

			if res.Status != StatusPass {
				failed = s.Name
			}

			slog.Info("stage finished", "stage", s.Name, "status", res.Status, "exit_code", res.ExitCode, "elapsed", res.Duration)
		}

		results = append(results, res)
	}

	return results
}

// StagesFailed reports whether any stage did not pass.
func StagesFailed(results []StageResult) bool {
	for _, r := range results {
		if r.Status != StatusPass {
			return true
		}
	}

	return false
}
