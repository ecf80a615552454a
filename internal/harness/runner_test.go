package harness

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/go-opcheck/internal/cases"
)

func selectCases(t *testing.T, patterns ...string) []*cases.Case {
	t.Helper()

	cs, err := cases.Default().Select(patterns)
	require.NoError(t, err)
	require.NotEmpty(t, cs)

	return cs
}

func TestRunnerKeepsOrderAndReportsProgress(t *testing.T) {
	cs := selectCases(t, "add/f32", "softmax")

	var calls, overrun atomic.Int32

	r := &Runner{
		Workers: 3,
		Progress: func(done, total int, _ CaseResult) {
			calls.Add(1)
			if done > total {
				overrun.Add(1)
			}
		},
	}

	results := r.Run(context.Background(), cs, optsWithFusion(true))
	require.Len(t, results, len(cs))
	require.Equal(t, int32(len(cs)), calls.Load())
	require.Zero(t, overrun.Load())

	for i, res := range results {
		require.Equal(t, cs[i].Name, res.Case)
		require.Equal(t, StatusPass, res.Status, "%s: %s", res.Case, res.Reason)
	}

	s := Summarize(results)
	require.Equal(t, len(cs), s.Pass)
	require.NoError(t, s.Err())
}

func TestRunnerCancelledSkips(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cs := selectCases(t, "exp")
	results := (&Runner{Workers: 2}).Run(ctx, cs, optsWithFusion(true))

	s := Summarize(results)
	require.Equal(t, len(cs), s.Skipped)
	require.NoError(t, s.Err())
}

func TestRunnerContainsCasePanic(t *testing.T) {
	cs := selectCases(t, "add/f32")
	require.Greater(t, len(cs), 1)
	bad := cs[1].Name

	var progress atomic.Int32

	r := &Runner{Workers: 2, Progress: func(int, int, CaseResult) { progress.Add(1) }}
	results := r.RunCases(context.Background(), cs, func(ctx context.Context, c *cases.Case) CaseResult {
		if c.Name == bad {
			var regs []int
			_ = regs[0]
		}

		return RunCase(ctx, c, optsWithFusion(true))
	})

	require.Len(t, results, len(cs))
	require.Equal(t, int32(len(cs)), progress.Load())

	for i, res := range results {
		require.Equal(t, cs[i].Name, res.Case)

		if res.Case == bad {
			require.Equal(t, StatusError, res.Status)
			require.True(t, strings.HasPrefix(res.Reason, "panic: "), res.Reason)
			require.Contains(t, res.Reason, "index out of range")

			continue
		}

		require.Equal(t, StatusPass, res.Status, "%s: %s", res.Case, res.Reason)
	}

	s := Summarize(results)
	require.Equal(t, 1, s.Error)
	require.Error(t, s.Err())
}

func TestRunStageRecordsAndReplays(t *testing.T) {
	store := NewStore(t.TempDir())
	cs := selectCases(t, "tag:subgraph", "matmul/bf16")
	r := &Runner{Workers: 4}
	opts := optsWithFusion(true)

	for _, stage := range DefaultStages() {
		results := r.RunStage(context.Background(), stage, cs, opts, store)
		require.Len(t, results, len(cs))

		for _, res := range results {
			require.Equal(t, stage.Name, res.Stage)
			require.Equal(t, StatusPass, res.Status, "stage %s case %s: %s", stage.Name, res.Case, res.Reason)
		}
	}
}

func TestRunStageWithoutReferences(t *testing.T) {
	store := NewStore(t.TempDir())
	cs := selectCases(t, "neg/i32")

	compiled, err := LookupStage("compiled")
	require.NoError(t, err)

	results := (&Runner{}).RunStage(context.Background(), compiled, cs, optsWithFusion(false), store)
	for _, res := range results {
		require.Equal(t, StatusError, res.Status)
		require.Contains(t, res.Reason, ErrNoReference.Error())
	}

	s := Summarize(results)
	require.Error(t, s.Err())
	require.True(t, strings.Contains(s.String(), "error"))
}

func TestRunStageDetectsStaleSeed(t *testing.T) {
	store := NewStore(t.TempDir())
	cs := selectCases(t, "relu/f32")
	r := &Runner{}

	eagerStage, err := LookupStage("eager")
	require.NoError(t, err)

	fusion, err := LookupStage("fusion")
	require.NoError(t, err)

	opts := optsWithFusion(true)
	for _, res := range r.RunStage(context.Background(), eagerStage, cs, opts, store) {
		require.Equal(t, StatusPass, res.Status, res.Reason)
	}

	opts.Seed = 2
	for _, res := range r.RunStage(context.Background(), fusion, cs, opts, store) {
		require.Equal(t, StatusError, res.Status)
		require.True(t, strings.Contains(res.Reason, ErrStaleReference.Error()), res.Reason)
	}
}
