package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-opcheck/internal/cases"
	"github.com/example/go-opcheck/internal/eager"
)

// Runner fans cases out over a bounded number of goroutines.
type Runner struct {
	// Workers bounds concurrent cases. Values <= 0 mean 1.
	Workers int
	// Progress, when set, is called after every case. Calls are serialized.
	Progress func(done, total int, r CaseResult)
}

// CaseFunc runs one case.
type CaseFunc func(ctx context.Context, c *cases.Case) CaseResult

// RunCases runs fn over cs and returns the results in the order of cs. Cases
// not started before ctx is done are reported skipped.
func (r *Runner) RunCases(ctx context.Context, cs []*cases.Case, fn CaseFunc) []CaseResult {
	results := make([]CaseResult, len(cs))

	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var (
		mu   sync.Mutex
		done int
	)

	for i, c := range cs {
		g.Go(func() error {
			var res CaseResult
			if err := gctx.Err(); err != nil {
				res = CaseResult{Case: c.Name, Status: StatusSkipped, Reason: err.Error()}
			} else {
				res = runGuarded(gctx, c, fn)
			}

			results[i] = res

			mu.Lock()
			done++
			if r.Progress != nil {
				r.Progress(done, len(cs), res)
			}
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return results
}

// runGuarded turns a panic in fn into an error result for c alone.
func runGuarded(ctx context.Context, c *cases.Case, fn CaseFunc) (res CaseResult) {
	defer func() {
		if v := recover(); v != nil {
			slog.Error("case panicked", "case", c.Name, "panic", v, "stack", string(debug.Stack()))
			res = CaseResult{Case: c.Name, Status: StatusError, Reason: fmt.Sprintf("panic: %v", v)}
		}
	}()

	return fn(ctx, c)
}

// Run runs every case in-process, eager against compiled.
func (r *Runner) Run(ctx context.Context, cs []*cases.Case, opts Options) []CaseResult {
	return r.RunCases(ctx, cs, func(ctx context.Context, c *cases.Case) CaseResult {
		return RunCase(ctx, c, opts)
	})
}

// RunStage is the child side of the staged harness. The eager stage stores
// reference outputs; every other stage compiles with the stage's fusion
// setting, runs, and compares against those references.
func (r *Runner) RunStage(ctx context.Context, stage Stage, cs []*cases.Case, opts Options, store *Store) []CaseResult {
	if store == nil {
		return r.RunCases(ctx, cs, func(_ context.Context, c *cases.Case) CaseResult {
			return CaseResult{Case: c.Name, Stage: stage.Name, Status: StatusError, Reason: "no reference store"}
		})
	}

	opts = stage.Apply(opts)

	slog.Info("stage start", "stage", stage.Name, "mode", stage.Mode, "cases", len(cs), "compiler", opts.Compile.String())

	start := time.Now()

	results := r.RunCases(ctx, cs, func(ctx context.Context, c *cases.Case) CaseResult {
		var res CaseResult
		if stage.Mode == ModeEager {
			res = recordCase(ctx, c, opts, store)
		} else {
			res = replayCase(ctx, c, opts, store)
		}

		res.Stage = stage.Name

		return res
	})

	slog.Info("stage done", "stage", stage.Name, "elapsed", time.Since(start), "failed", countFailed(results))

	return results
}

func countFailed(results []CaseResult) int {
	n := 0

	for _, r := range results {
		if r.Failed() {
			n++
		}
	}

	return n
}

// recordCase runs c eagerly and stores the outputs.
func recordCase(ctx context.Context, c *cases.Case, opts Options, store *Store) CaseResult {
	res := CaseResult{Case: c.Name, Seed: c.EffectiveSeed(opts.Seed)}

	p, ok := prepare(c, opts, &res)
	if !ok {
		return res
	}

	var interp eager.Interpreter

	start := time.Now()
	outs, err := interp.Run(ctx, p.graph, p.inputs)
	res.Durations.Eager = time.Since(start)

	if err != nil {
		res.setError("eager", err)
		return res
	}

	for _, o := range outs {
		res.Elements += o.ElemCount()
	}

	if err := store.Save(NewReference(c.Name, res.Seed, p.graph.Fingerprint(), outs)); err != nil {
		res.setError("store", err)
		return res
	}

	res.Status = StatusPass

	return res
}

// replayCase compiles and runs c and compares against the stored reference.
func replayCase(ctx context.Context, c *cases.Case, opts Options, store *Store) CaseResult {
	res := CaseResult{Case: c.Name, Seed: c.EffectiveSeed(opts.Seed), Compiler: opts.Compile.String()}

	p, ok := prepare(c, opts, &res)
	if !ok {
		return res
	}

	ref, err := store.Load(c.Name, res.Seed, p.graph.Fingerprint())
	if err != nil {
		res.setError("reference", err)
		return res
	}

	want, err := ref.Tensors()
	if err != nil {
		res.setError("reference", err)
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

// Summary counts results by status.
type Summary struct {
	Total   int `json:"total"`
	Pass    int `json:"pass"`
	Fail    int `json:"fail"`
	Error   int `json:"error"`
	Skipped int `json:"skipped"`
}

func Summarize(results []CaseResult) Summary {
	s := Summary{Total: len(results)}

	for _, r := range results {
		switch r.Status {
		case StatusPass:
			s.Pass++
		case StatusFail:
			s.Fail++
		case StatusError:
			s.Error++
		case StatusSkipped:
			s.Skipped++
		}
	}

	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%d cases: %d pass, %d fail, %d error, %d skipped", s.Total, s.Pass, s.Fail, s.Error, s.Skipped)
}

// Err returns an error when any case failed or errored.
func (s Summary) Err() error {
	if s.Fail == 0 && s.Error == 0 {
		return nil
	}

	return errors.New(s.String())
}
