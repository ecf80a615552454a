package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/go-opcheck/internal/testutil"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd()

	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

func writeCaseFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

const divZeroCase = `{
  "name": "div_zero/i32/cli",
  "inputs": [{"name": "x", "dtype": "i32", "shape": [4]}],
  "nodes": [
    {"name": "zero", "op": "constant", "value": 0, "dtype": "i32"},
    {"name": "q", "op": "floor_divide", "inputs": ["x", "zero"]}
  ],
  "outputs": ["q"]
}`

const negCase = `{
  "name": "neg/f32/cli",
  "tags": ["cli"],
  "inputs": [{"name": "x", "dtype": "f32", "shape": [5]}],
  "nodes": [{"name": "y", "op": "neg", "inputs": ["x"]}],
  "outputs": ["y"]
}`

// absorbedCase loses x to f16 rounding eagerly; a fused kernel keeps it.
const absorbedCase = `{
  "name": "absorbed/f16/cli",
  "inputs": [{"name": "x", "dtype": "f16", "shape": [8], "domain": "unit"}],
  "nodes": [
    {"name": "big", "op": "constant", "value": 2048, "dtype": "f16"},
    {"name": "s", "op": "add", "inputs": ["big", "x"]},
    {"name": "y", "op": "sub", "inputs": ["s", "big"]}
  ],
  "outputs": ["y"]
}`

func TestRunCommandPasses(t *testing.T) {
	out, err := execute(t, "run", "--no-progress", "--work-dir", t.TempDir(), "relu/f32/vec", "add/f32/same")
	require.NoError(t, err)
	require.Contains(t, out, "2 cases: 2 pass, 0 fail, 0 error, 0 skipped")
}

func TestRunCommandJSONAndReport(t *testing.T) {
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "run.json")

	out, err := execute(t, "run", "--format", "json", "--report", reportPath, "matmul/f32/2d")
	require.NoError(t, err)

	var snap struct {
		RunID   string `json:"run_id"`
		Summary struct {
			Pass int `json:"pass"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Equal(t, 1, snap.Summary.Pass)
	require.NotEmpty(t, snap.RunID)

	out, err = execute(t, "run", "--no-progress", "--baseline", reportPath, "matmul/f32/2d")
	require.NoError(t, err)
	require.Contains(t, out, "no status changes")

	out, err = execute(t, "diff", reportPath, reportPath)
	require.NoError(t, err)
	require.Contains(t, out, "no status changes")
}

func TestRunCommandErrors(t *testing.T) {
	_, err := execute(t, "run", "--no-progress", "no_such_case/*")
	require.ErrorContains(t, err, "no cases match")

	_, err = execute(t, "run", "--format", "xml", "relu/f32/vec")
	require.ErrorContains(t, err, "--format")

	_, err = execute(t, "run", "--no-progress", "--stage", "jit", "relu/f32/vec")
	require.Error(t, err)
}

func TestRunCommandCaseDir(t *testing.T) {
	dir := t.TempDir()
	writeCaseFile(t, dir, "neg.json", negCase)
	writeCaseFile(t, dir, "div.json", divZeroCase)

	out, err := execute(t, "run", "--no-progress", "--case-dir", dir, "tag:cli")
	require.NoError(t, err)
	require.Contains(t, out, "1 cases: 1 pass")

	out, err = execute(t, "run", "--no-progress", "--case-dir", dir, "div_zero/*")
	require.Error(t, err)
	require.Contains(t, out, "division by zero")
}

func TestRunCommandStageModes(t *testing.T) {
	work := t.TempDir()

	_, err := execute(t, "run", "--no-progress", "--work-dir", work, "--stage", "compiled", "relu/f32/vec")
	require.Error(t, err, "compiled stage without references must fail")

	for _, stage := range []string{"eager", "compiled", "fused"} {
		out, err := execute(t, "run", "--no-progress", "--work-dir", work, "--stage", stage, "relu/f32/vec", "softmax/*")
		require.NoError(t, err, "stage %s: %s", stage, out)
	}
}

func TestListCommand(t *testing.T) {
	out, err := execute(t, "list", "--names", "matmul/f32/*")
	require.NoError(t, err)
	require.Contains(t, out, "matmul/f32/2d")
	require.NotContains(t, out, "matmul/f16/2d")

	out, err = execute(t, "list", "attention/f32")
	require.NoError(t, err)
	require.Contains(t, out, "NAME")
	require.Contains(t, out, "subgraph")
}

func TestPlanCommand(t *testing.T) {
	out, err := execute(t, "plan", "attention/f32")
	require.NoError(t, err)
	require.Contains(t, out, "# graph attention/f32")
	require.Contains(t, out, "# plan (fusion=true")
	require.Contains(t, out, "instructions")

	_, err = execute(t, "plan", "nope/f32")
	require.Error(t, err)
}

func TestBenchCommand(t *testing.T) {
	out, err := execute(t, "bench", "--runs", "2", "add/f32/same")
	require.NoError(t, err)
	require.Contains(t, out, "add/f32/same")
	require.Contains(t, out, "Speedup")

	out, err = execute(t, "bench", "--runs", "1", "--profile", "gelu_bias/f32")
	require.NoError(t, err)
	require.Contains(t, out, "avg_total_ms")

	_, err = execute(t, "bench", "--profile", "matmul/f32/*")
	require.ErrorContains(t, err, "exactly one case")

	_, err = execute(t, "bench", "--runs", "0", "add/f32/same")
	require.ErrorContains(t, err, "--runs")
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "export", "--dir", dir, "slice/f32/concat", "attention/f32")
	require.NoError(t, err)
	require.Contains(t, out, "slice__f32__concat.json")
	require.NotContains(t, out, "attention")

	_, err = execute(t, "export", "--dir", dir, "attention/f32")
	require.ErrorContains(t, err, "declarative")
}

func TestDoctorCommand(t *testing.T) {
	out, err := execute(t, "doctor", "--work-dir", filepath.Join(t.TempDir(), "work"))
	require.NoError(t, err, out)
	require.Contains(t, out, "corpus")

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err = execute(t, "doctor", "--work-dir", filepath.Join(file, "sub"))
	require.ErrorContains(t, err, "check(s) failed")
}

func TestStagesCommand(t *testing.T) {
	testutil.RequireSubprocess(t)

	work := t.TempDir()

	out, err := execute(t, "stages", "--work-dir", work, "relu/f32/vec", "gelu_bias/f32")
	require.NoError(t, err, out)
	require.Contains(t, out, "fusion")
	require.NotContains(t, out, "skipped")

	reportPath := filepath.Join(t.TempDir(), "stages.json")
	_, err = execute(t, "stages", "--work-dir", work, "--stages", "eager,fusion", "--report", reportPath, "relu/f32/vec")
	require.NoError(t, err)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	require.Contains(t, string(data), `"stage": "fusion"`)
}

func TestStagesCommandGatesAfterFailure(t *testing.T) {
	testutil.RequireSubprocess(t)

	dir := t.TempDir()
	writeCaseFile(t, dir, "div.json", divZeroCase)

	out, err := execute(t, "stages", "--work-dir", t.TempDir(), "--case-dir", dir, "div_zero/*")
	require.ErrorContains(t, err, "staged run failed")
	require.Contains(t, out, `previous stage "eager" failed`)
	require.True(t, strings.Contains(out, "--- stage eager output ---"), out)
}

func TestRunDumpAndInspect(t *testing.T) {
	cases := t.TempDir()
	dumps := t.TempDir()
	writeCaseFile(t, cases, "absorbed.json", absorbedCase)

	_, err := execute(t, "run", "--no-progress", "--case-dir", cases, "--dump-dir", dumps, "--fusion=false", "absorbed/*")
	require.NoError(t, err)

	entries, err := os.ReadDir(dumps)
	require.NoError(t, err)
	require.Empty(t, entries, "passing cases are not dumped")

	out, err := execute(t, "run", "--no-progress", "--case-dir", cases, "--dump-dir", dumps, "absorbed/*")
	require.Error(t, err)
	require.Contains(t, out, "fail")

	dump := filepath.Join(dumps, "absorbed_f16_cli.fusion.safetensors")

	out, err = execute(t, "inspect", dump)
	require.NoError(t, err)
	require.Contains(t, out, "case: absorbed/f16/cli")
	require.Contains(t, out, "input/x")
	require.Contains(t, out, "eager/out0")
	require.Contains(t, out, "compiled/out0")
	require.Contains(t, out, "float16")

	out, err = execute(t, "inspect", "--compare", dump)
	require.ErrorContains(t, err, "differ")
	require.Contains(t, out, "out0:")

	_, err = execute(t, "inspect", filepath.Join(dumps, "missing.safetensors"))
	require.Error(t, err)
}
