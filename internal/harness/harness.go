// Package harness runs cases through the eager and compiled paths and
// orchestrates the staged try-run, where every stage is a separate process.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/go-opcheck/internal/cases"
	"github.com/example/go-opcheck/internal/check"
	"github.com/example/go-opcheck/internal/compile"
	"github.com/example/go-opcheck/internal/eager"
	"github.com/example/go-opcheck/internal/graph"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Options configures a case run.
type Options struct {
	// Seed is the run seed. Cases without a pinned seed derive theirs from it.
	Seed    uint64
	Compile compile.Options
	// ToleranceScale multiplies every tolerance. Zero means 1.
	ToleranceScale float64
	// Cache, when set, shares executables between runs of the same graph.
	Cache *compile.Cache
	// DumpDir, when set, receives a safetensors file of inputs and both
	// output sets for every case that fails comparison.
	DumpDir string
}

// Durations are the per-phase wall times of one case.
type Durations struct {
	Build   time.Duration `json:"build"`
	Inputs  time.Duration `json:"inputs"`
	Eager   time.Duration `json:"eager"`
	Compile time.Duration `json:"compile"`
	Execute time.Duration `json:"execute"`
	Compare time.Duration `json:"compare"`
}

// Total sums every phase.
func (d Durations) Total() time.Duration {
	return d.Build + d.Inputs + d.Eager + d.Compile + d.Execute + d.Compare
}

// CaseResult is the outcome of one case.
type CaseResult struct {
	Case      string         `json:"case"`
	Stage     string         `json:"stage,omitempty"`
	Status    Status         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Seed      uint64         `json:"seed"`
	Compiler  string         `json:"compiler,omitempty"`
	Stats     *compile.Stats `json:"stats,omitempty"`
	Reports   []check.Report `json:"reports,omitempty"`
	Elements  int            `json:"elements"`
	Durations Durations      `json:"durations"`
}

// Failed reports whether the result should fail the run.
func (r CaseResult) Failed() bool {
	return r.Status == StatusFail || r.Status == StatusError
}

func (r *CaseResult) setError(phase string, err error) {
	r.Status = StatusError
	r.Reason = fmt.Sprintf("%s: %v", phase, err)
}

// ToleranceFunc returns the per-output tolerance of g for check.CompareAll.
//
// Fused kernels skip intermediate rounding, so an output can carry the error
// of any dtype and kernel upstream of it. The float bound is therefore merged
// over every float dtype in the graph and scaled by the loosest kernel
// multiplier. A case override replaces the computed bound. Integer and bool
// outputs are always exact.
func ToleranceFunc(c *cases.Case, g *graph.Graph, scale float64) (func(i int) ops.Tolerance, error) {
	if scale <= 0 {
		scale = 1
	}

	kinds := g.Kinds()

	var float ops.Tolerance

	seen := map[tensor.DType]bool{}

	for _, n := range g.Nodes() {
		dt := n.DType()
		if !dt.IsFloat() || seen[dt] {
			continue
		}

		seen[dt] = true

		t, err := ops.GraphTolerance(dt, kinds)
		if err != nil {
			return nil, err
		}

		float = float.Merge(t)
	}

	if c != nil && c.Tolerance != nil {
		float = *c.Tolerance
	}

	float = float.Scale(scale)
	outputs := g.Outputs()

	return func(i int) ops.Tolerance {
		if i < len(outputs) && !outputs[i].DType().IsFloat() {
			return ops.Tolerance{EqualNaN: true}
		}

		return float
	}, nil
}

// OutputNames labels graph outputs "out0", "out1", ... with their type.
func OutputNames(g *graph.Graph) []string {
	outs := g.Outputs()
	names := make([]string, len(outs))

	for i, o := range outs {
		names[i] = fmt.Sprintf("out%d:%s", i, o.TypeString())
	}

	return names
}

func compileGraph(g *graph.Graph, opts Options) (*compile.Executable, error) {
	if opts.Cache != nil {
		return opts.Cache.Get(g, opts.Compile)
	}

	return compile.Compile(g, opts.Compile)
}

// prepared is a case with its graph and inputs ready to run.
type prepared struct {
	graph  *graph.Graph
	inputs []*tensor.Tensor
}

func prepare(c *cases.Case, opts Options, res *CaseResult) (*prepared, bool) {
	start := time.Now()

	g, err := c.Graph()
	res.Durations.Build = time.Since(start)

	if err != nil {
		res.setError("build", err)
		return nil, false
	}

	start = time.Now()
	inputs, err := c.GenerateInputs(opts.Seed)
	res.Durations.Inputs = time.Since(start)

	if err != nil {
		res.setError("inputs", err)
		return nil, false
	}

	return &prepared{graph: g, inputs: inputs}, true
}

// RunCase executes c eagerly and compiled and compares every output. It never
// returns an error: failures are reported in the result.
func RunCase(ctx context.Context, c *cases.Case, opts Options) CaseResult {
	res := CaseResult{Case: c.Name, Seed: c.EffectiveSeed(opts.Seed), Compiler: opts.Compile.String()}

	if err := ctx.Err(); err != nil {
		res.Status = StatusSkipped
		res.Reason = err.Error()

		return res
	}

	p, ok := prepare(c, opts, &res)
	if !ok {
		return res
	}

	var interp eager.Interpreter

	start := time.Now()
	want, err := interp.Run(ctx, p.graph, p.inputs)
	res.Durations.Eager = time.Since(start)

	if err != nil {
		res.setError("eager", err)
		return res
	}

	got, ok := runCompiled(ctx, p, opts, &res)
	if !ok {
		return res
	}

	compareOutputs(c, p.graph, got, want, opts, &res)
	dumpFailure(c, p, got, want, opts, &res)

	return res
}

func runCompiled(ctx context.Context, p *prepared, opts Options, res *CaseResult) ([]*tensor.Tensor, bool) {
	start := time.Now()
	exe, err := compileGraph(p.graph, opts)
	res.Durations.Compile = time.Since(start)

	if err != nil {
		res.setError("compile", err)
		return nil, false
	}

	stats := exe.Stats()
	res.Stats = &stats

	start = time.Now()
	got, err := exe.Run(ctx, p.inputs)
	res.Durations.Execute = time.Since(start)

	if err != nil {
		res.setError("execute", err)
		return nil, false
	}

	return got, true
}

func compareOutputs(c *cases.Case, g *graph.Graph, got, want []*tensor.Tensor, opts Options, res *CaseResult) {
	start := time.Now()
	defer func() { res.Durations.Compare = time.Since(start) }()

	tolFn, err := ToleranceFunc(c, g, opts.ToleranceScale)
	if err != nil {
		res.setError("compare", err)
		return
	}

	reports, err := check.CompareAll(OutputNames(g), got, want, tolFn)
	res.Reports = reports

	for _, r := range reports {
		res.Elements += r.Elements
	}

	if err != nil {
		res.setError("compare", err)
		return
	}

	if check.AllPass(reports) {
		res.Status = StatusPass
		return
	}

	res.Status = StatusFail

	var msgs []error

	for _, r := range reports {
		if !r.Pass {
			msgs = append(msgs, errors.New(r.String()))
		}
	}

	res.Reason = errors.Join(msgs...).Error()
	slog.Debug("case mismatch", "case", c.Name, "reason", res.Reason)
}
