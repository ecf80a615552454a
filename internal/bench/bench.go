// Package bench times cases on the eager and compiled paths for the opcheck
// bench command.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/example/go-opcheck/internal/cases"
	"github.com/example/go-opcheck/internal/compile"
	"github.com/example/go-opcheck/internal/eager"
	"github.com/example/go-opcheck/internal/harness"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing of one eager and one compiled execution.
type RunResult struct {
	Index    int
	Cold     bool // true for the first run
	Eager    time.Duration
	Compiled time.Duration
	Speedup  float64
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
	P50  time.Duration
}

// ComputeStats calculates min, max, mean and median over a slice of
// durations. An empty slice yields zero stats.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	p50 := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		p50 = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	return Stats{
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		Mean: sum / time.Duration(len(sorted)),
		P50:  p50,
	}
}

// CalcSpeedup returns eager / compiled.
// Returns 0 if compiled is zero to avoid division by zero.
func CalcSpeedup(eagerDur, compiledDur time.Duration) float64 {
	if compiledDur <= 0 {
		return 0
	}

	return float64(eagerDur) / float64(compiledDur)
}

// CaseBench is the timing of one case over several runs.
type CaseBench struct {
	Case     string
	Compiler string
	Elements int
	Compile  time.Duration
	Runs     []RunResult
	Eager    Stats
	Compiled Stats
	// Speedup is the mean eager time over the mean compiled time.
	Speedup float64
}

// Measure compiles c once and then runs both paths runs times on the same
// inputs. The first run is marked cold.
func Measure(ctx context.Context, c *cases.Case, opts harness.Options, runs int) (CaseBench, error) {
	if runs < 1 {
		return CaseBench{}, fmt.Errorf("bench: runs must be >= 1, got %d", runs)
	}

	out := CaseBench{Case: c.Name, Compiler: opts.Compile.String()}

	g, err := c.Graph()
	if err != nil {
		return out, fmt.Errorf("build %s: %w", c.Name, err)
	}

	inputs, err := c.GenerateInputs(opts.Seed)
	if err != nil {
		return out, fmt.Errorf("inputs %s: %w", c.Name, err)
	}

	start := time.Now()

	exe, err := compile.Compile(g, opts.Compile)
	if err != nil {
		return out, fmt.Errorf("compile %s: %w", c.Name, err)
	}

	out.Compile = time.Since(start)

	var interp eager.Interpreter

	eagerDurs := make([]time.Duration, 0, runs)
	compiledDurs := make([]time.Duration, 0, runs)

	for i := range runs {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		start = time.Now()

		res, err := interp.Run(ctx, g, inputs)
		if err != nil {
			return out, fmt.Errorf("eager %s run %d: %w", c.Name, i+1, err)
		}

		e := time.Since(start)

		start = time.Now()

		if _, err := exe.Run(ctx, inputs); err != nil {
			return out, fmt.Errorf("execute %s run %d: %w", c.Name, i+1, err)
		}

		x := time.Since(start)

		if i == 0 {
			for _, t := range res {
				out.Elements += t.ElemCount()
			}
		}

		out.Runs = append(out.Runs, RunResult{Index: i, Cold: i == 0, Eager: e, Compiled: x, Speedup: CalcSpeedup(e, x)})
		eagerDurs = append(eagerDurs, e)
		compiledDurs = append(compiledDurs, x)
	}

	out.Eager = ComputeStats(eagerDurs)
	out.Compiled = ComputeStats(compiledDurs)
	out.Speedup = CalcSpeedup(out.Eager.Mean, out.Compiled.Mean)

	return out, nil
}

// MeanSpeedup averages Speedup over results with a nonzero speedup.
func MeanSpeedup(results []CaseBench) float64 {
	var (
		sum float64
		n   int
	)

	for _, r := range results {
		if r.Speedup > 0 {
			sum += r.Speedup
			n++
		}
	}

	if n == 0 {
		return 0
	}

	return sum / float64(n)
}

// ---------------------------------------------------------------------------
// Speedup threshold gate
// ---------------------------------------------------------------------------

// CheckSpeedupThreshold returns an error if meanSpeedup < threshold.
// A threshold of 0 disables the gate.
func CheckSpeedupThreshold(meanSpeedup, threshold float64) error {
	if threshold <= 0 {
		return nil
	}

	if meanSpeedup < threshold {
		return fmt.Errorf("mean speedup %.3f below threshold %.3f", meanSpeedup, threshold)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

func ms(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d)/float64(time.Millisecond))
}

// FormatTable writes a human-readable table of bench results to w.
func FormatTable(results []CaseBench, w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Case", "Compiler", "Compile(ms)", "Eager p50(ms)", "Compiled p50(ms)", "Eager mean(ms)", "Compiled mean(ms)", "Speedup"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	for _, r := range results {
		table.Append([]string{
			r.Case,
			r.Compiler,
			ms(r.Compile),
			ms(r.Eager.P50),
			ms(r.Compiled.P50),
			ms(r.Eager.Mean),
			ms(r.Compiled.Mean),
			fmt.Sprintf("%.2fx", r.Speedup),
		})
	}

	table.SetFooter([]string{"", "", "", "", "", "", "mean", fmt.Sprintf("%.2fx", MeanSpeedup(results))})
	table.Render()
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Cases       []jsonCase `json:"cases"`
	MeanSpeedup float64    `json:"mean_speedup"`
}

type jsonCase struct {
	Case      string    `json:"case"`
	Compiler  string    `json:"compiler"`
	Elements  int       `json:"elements"`
	CompileMS float64   `json:"compile_ms"`
	Runs      []jsonRun `json:"runs"`
	Eager     jsonStats `json:"eager"`
	Compiled  jsonStats `json:"compiled"`
	Speedup   float64   `json:"speedup"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	EagerMS    float64 `json:"eager_ms"`
	CompiledMS float64 `json:"compiled_ms"`
	Speedup    float64 `json:"speedup"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	MeanMS float64 `json:"mean_ms"`
	P50MS  float64 `json:"p50_ms"`
	MaxMS  float64 `json:"max_ms"`
}

func toMS(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func statsJSON(s Stats) jsonStats {
	return jsonStats{MinMS: toMS(s.Min), MeanMS: toMS(s.Mean), P50MS: toMS(s.P50), MaxMS: toMS(s.Max)}
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(results []CaseBench, w io.Writer) error {
	jr := jsonReport{Cases: make([]jsonCase, len(results)), MeanSpeedup: MeanSpeedup(results)}

	for i, r := range results {
		jc := jsonCase{
			Case:      r.Case,
			Compiler:  r.Compiler,
			Elements:  r.Elements,
			CompileMS: toMS(r.Compile),
			Runs:      make([]jsonRun, len(r.Runs)),
			Eager:     statsJSON(r.Eager),
			Compiled:  statsJSON(r.Compiled),
			Speedup:   r.Speedup,
		}

		for j, run := range r.Runs {
			jc.Runs[j] = jsonRun{
				Index:      run.Index,
				Cold:       run.Cold,
				EagerMS:    toMS(run.Eager),
				CompiledMS: toMS(run.Compiled),
				Speedup:    run.Speedup,
			}
		}

		jr.Cases[i] = jc
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(jr)
}
