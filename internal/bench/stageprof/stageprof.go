// Package stageprof profiles the phases of one case: graph build, input
// generation, eager run, compile, compiled run and comparison. Every phase
// runs under a pprof "phase" label so CPU profiles can be split by phase.
package stageprof

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/example/go-opcheck/internal/cases"
	"github.com/example/go-opcheck/internal/check"
	"github.com/example/go-opcheck/internal/compile"
	"github.com/example/go-opcheck/internal/eager"
	"github.com/example/go-opcheck/internal/graph"
	"github.com/example/go-opcheck/internal/harness"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Config selects what to profile.
type Config struct {
	Case    *cases.Case
	Options harness.Options
	Runs    int
	Warmup  int
	// CPUProfile, when set, receives a CPU profile of the measured runs.
	CPUProfile string
}

// Timings are phase durations summed over the measured runs.
type Timings struct {
	Build   time.Duration
	Inputs  time.Duration
	Eager   time.Duration
	Compile time.Duration
	Execute time.Duration
	Compare time.Duration
	Total   time.Duration
	Runs    int
	Nodes   int
	// Kernels counts compiled instructions, fused kernels included.
	Kernels int
}

func (t *Timings) add(o Timings) {
	t.Build += o.Build
	t.Inputs += o.Inputs
	t.Eager += o.Eager
	t.Compile += o.Compile
	t.Execute += o.Execute
	t.Compare += o.Compare
	t.Total += o.Total
	t.Nodes = o.Nodes
	t.Kernels = o.Kernels
}

// Run profiles cfg.Case and returns the summed timings.
func Run(ctx context.Context, cfg Config) (Timings, error) {
	if cfg.Case == nil {
		return Timings{}, errors.New("stageprof: no case")
	}

	if cfg.Runs < 1 {
		return Timings{}, errors.New("stageprof: runs must be >= 1")
	}

	for i := range cfg.Warmup {
		if _, err := runOnce(ctx, cfg); err != nil {
			return Timings{}, fmt.Errorf("warmup run %d failed: %w", i+1, err)
		}
	}

	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			return Timings{}, fmt.Errorf("create cpuprofile: %w", err)
		}
		defer f.Close()

		if err := pprof.StartCPUProfile(f); err != nil {
			return Timings{}, fmt.Errorf("start cpuprofile: %w", err)
		}

		defer pprof.StopCPUProfile()
	}

	agg := Timings{Runs: cfg.Runs}

	for i := range cfg.Runs {
		t, err := runOnce(ctx, cfg)
		if err != nil {
			return agg, fmt.Errorf("profiled run %d failed: %w", i+1, err)
		}

		agg.add(t)
	}

	return agg, nil
}

// Write prints per-run averages and phase shares in key: value form.
func (t Timings) Write(w io.Writer, caseName string) {
	div := float64(max(t.Runs, 1))
	avg := func(d time.Duration) float64 { return d.Seconds() * 1000 / div }

	avgTotal := avg(t.Total)

	fmt.Fprintf(w, "case: %s\n", caseName)
	fmt.Fprintf(w, "runs: %d\n", t.Runs)
	fmt.Fprintf(w, "nodes: %d\n", t.Nodes)
	fmt.Fprintf(w, "kernels: %d\n", t.Kernels)

	phases := []struct {
		name string
		d    time.Duration
	}{
		{"build", t.Build},
		{"inputs", t.Inputs},
		{"eager", t.Eager},
		{"compile", t.Compile},
		{"execute", t.Execute},
		{"compare", t.Compare},
	}

	for _, p := range phases {
		fmt.Fprintf(w, "avg_%s_ms: %.3f\n", p.name, avg(p.d))
	}

	fmt.Fprintf(w, "avg_total_ms: %.3f\n", avgTotal)

	if avgTotal > 0 {
		for _, p := range phases {
			fmt.Fprintf(w, "share_%s_pct: %.2f\n", p.name, 100*avg(p.d)/avgTotal)
		}
	}
}

func phase(ctx context.Context, name string, d *time.Duration, fn func(context.Context)) {
	pprof.Do(ctx, pprof.Labels("phase", name), func(ctx context.Context) {
		start := time.Now()
		fn(ctx)
		*d = time.Since(start)
	})
}

func runOnce(ctx context.Context, cfg Config) (Timings, error) {
	var (
		out  Timings
		err  error
		c    = cfg.Case
		opts = cfg.Options
	)

	startTotal := time.Now()

	var gr *graph.Graph

	phase(ctx, "build", &out.Build, func(context.Context) {
		gr, err = c.Graph()
	})

	if err != nil {
		return out, fmt.Errorf("build: %w", err)
	}

	out.Nodes = len(gr.Nodes())

	var inputs []*tensor.Tensor

	phase(ctx, "inputs", &out.Inputs, func(context.Context) {
		inputs, err = c.GenerateInputs(opts.Seed)
	})

	if err != nil {
		return out, fmt.Errorf("inputs: %w", err)
	}

	var want []*tensor.Tensor

	phase(ctx, "eager", &out.Eager, func(ctx context.Context) {
		var interp eager.Interpreter
		want, err = interp.Run(ctx, gr, inputs)
	})

	if err != nil {
		return out, fmt.Errorf("eager: %w", err)
	}

	var exe *compile.Executable

	phase(ctx, "compile", &out.Compile, func(context.Context) {
		exe, err = compile.Compile(gr, opts.Compile)
	})

	if err != nil {
		return out, fmt.Errorf("compile: %w", err)
	}

	out.Kernels = exe.Stats().Instructions

	var got []*tensor.Tensor

	phase(ctx, "execute", &out.Execute, func(ctx context.Context) {
		got, err = exe.Run(ctx, inputs)
	})

	if err != nil {
		return out, fmt.Errorf("execute: %w", err)
	}

	phase(ctx, "compare", &out.Compare, func(context.Context) {
		tolFn, terr := harness.ToleranceFunc(c, gr, opts.ToleranceScale)
		if terr != nil {
			err = terr
			return
		}

		_, err = check.CompareAll(harness.OutputNames(gr), got, want, tolFn)
	})

	if err != nil {
		return out, fmt.Errorf("compare: %w", err)
	}

	out.Total = time.Since(startTotal)

	return out, nil
}
