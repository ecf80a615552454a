package doctor_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-opcheck/internal/cases"
	"github.com/example/go-opcheck/internal/doctor"
)

func goodConfig(t *testing.T) doctor.Config {
	t.Helper()

	return doctor.Config{
		GoVersion:  func() (string, error) { return "go1.25.0", nil },
		Executable: func() (string, error) { return os.Args[0], nil },
		Registry:   cases.Default(),
		WorkDir:    filepath.Join(t.TempDir(), "work"),
	}
}

// ---------------------------------------------------------------------------
// all-pass scenario
// ---------------------------------------------------------------------------

func TestRun_AllChecksPass(t *testing.T) {
	var out strings.Builder
	result := doctor.Run(goodConfig(t), &out)

	if result.Failed() {
		t.Errorf("expected all checks to pass; failures: %v", result.Failures())
	}

	for _, want := range []string{"go version", "cpu features", "executable", "tolerances", "corpus", "work dir"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output should mention %q:\n%s", want, out.String())
		}
	}

	if strings.Contains(out.String(), doctor.FailMark) {
		t.Errorf("output should not contain %q:\n%s", doctor.FailMark, out.String())
	}
}

func TestRun_DefaultsResolve(t *testing.T) {
	var out strings.Builder
	result := doctor.Run(doctor.Config{}, &out)

	if result.Failed() {
		t.Errorf("expected default checks to pass; failures: %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// toolchain
// ---------------------------------------------------------------------------

func TestRun_GoTooOldFails(t *testing.T) {
	cfg := goodConfig(t)
	cfg.GoVersion = func() (string, error) { return "go1.20.3", nil }

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure for Go 1.20")
	}

	if !hasFailureContaining(result.Failures(), "go version") {
		t.Errorf("expected failure mentioning go version, got: %v", result.Failures())
	}
}

func TestRun_GoVersionErrorFails(t *testing.T) {
	cfg := goodConfig(t)
	cfg.GoVersion = func() (string, error) { return "", errUnavailable }

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "unavailable") {
		t.Errorf("expected failure carrying the error, got: %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// executable
// ---------------------------------------------------------------------------

func TestRun_ExecutableMissingFails(t *testing.T) {
	cfg := goodConfig(t)
	cfg.Executable = func() (string, error) { return "/nonexistent/opcheck", nil }

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "executable") {
		t.Errorf("expected failure mentioning executable, got: %v", result.Failures())
	}
}

func TestRun_ExecutableUnresolvableFails(t *testing.T) {
	cfg := goodConfig(t)
	cfg.Executable = func() (string, error) { return "", errUnavailable }

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure when the executable cannot be resolved")
	}
}

// ---------------------------------------------------------------------------
// corpus and directories
// ---------------------------------------------------------------------------

func TestRun_EmptyCorpusFails(t *testing.T) {
	cfg := goodConfig(t)
	cfg.Registry = cases.NewRegistry()

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "corpus") {
		t.Errorf("expected failure mentioning corpus, got: %v", result.Failures())
	}
}

func TestRun_CaseDir(t *testing.T) {
	dir := t.TempDir()
	src := `{"name":"neg/f32/doc","inputs":[{"name":"x","dtype":"f32","shape":[3]}],` +
		`"nodes":[{"name":"y","op":"neg","inputs":["x"]}],"outputs":["y"]}`

	if err := os.WriteFile(filepath.Join(dir, "neg.json"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := goodConfig(t)
	cfg.CaseDir = dir

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Fatalf("expected case dir to pass; failures: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "1 files") {
		t.Errorf("output should count the case file:\n%s", out.String())
	}

	cfg.CaseDir = filepath.Join(dir, "missing")
	result = doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "case dir") {
		t.Errorf("expected failure mentioning case dir, got: %v", result.Failures())
	}
}

func TestRun_WorkDirNotWritable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := goodConfig(t)
	cfg.WorkDir = filepath.Join(file, "sub")

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "work dir") {
		t.Errorf("expected failure mentioning work dir, got: %v", result.Failures())
	}

	if !strings.Contains(out.String(), doctor.FailMark) {
		t.Errorf("output should contain %q", doctor.FailMark)
	}
}

func TestResult_AddFailure(t *testing.T) {
	var r doctor.Result

	r.AddFailure("external")

	if !r.Failed() || r.Failures()[0] != "external" {
		t.Fatalf("AddFailure not recorded: %v", r.Failures())
	}
}

func TestCPUFeatures_NotEmpty(t *testing.T) {
	if len(doctor.CPUFeatures()) == 0 {
		t.Fatal("CPUFeatures returned nothing")
	}
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

var errUnavailable = sentinelError("unavailable")

func hasFailureContaining(failures []string, substr string) bool {
	for _, f := range failures {
		if strings.Contains(strings.ToLower(f), strings.ToLower(substr)) {
			return true
		}
	}

	return false
}
