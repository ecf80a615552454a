package stageprof

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/go-opcheck/internal/cases"
	"github.com/example/go-opcheck/internal/compile"
	"github.com/example/go-opcheck/internal/harness"
)

func config(t *testing.T, name string) Config {
	t.Helper()

	c, err := cases.Default().Lookup(name)
	require.NoError(t, err)

	return Config{
		Case:    c,
		Options: harness.Options{Seed: 1, Compile: compile.DefaultOptions()},
		Runs:    2,
		Warmup:  1,
	}
}

func TestRun(t *testing.T) {
	cfg := config(t, "attention/f32")
	cfg.CPUProfile = filepath.Join(t.TempDir(), "cpu.pprof")

	tm, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, 2, tm.Runs)
	require.Positive(t, tm.Nodes)
	require.Positive(t, tm.Kernels)
	require.Positive(t, tm.Total)
	require.GreaterOrEqual(t, tm.Total, tm.Eager+tm.Execute)

	_, err = os.Stat(cfg.CPUProfile)
	require.NoError(t, err)

	var sb strings.Builder
	tm.Write(&sb, cfg.Case.Name)

	out := sb.String()
	for _, key := range []string{"case: attention/f32", "runs: 2", "avg_eager_ms:", "avg_execute_ms:", "share_compile_pct:"} {
		require.Contains(t, out, key)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	_, err := Run(context.Background(), Config{Runs: 1})
	require.ErrorContains(t, err, "no case")

	cfg := config(t, "exp/f32/vec")
	cfg.Runs = 0

	_, err = Run(context.Background(), cfg)
	require.ErrorContains(t, err, "runs")
}
