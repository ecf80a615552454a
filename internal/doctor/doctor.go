// Package doctor provides environment preflight checks for opcheck.
package doctor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/example/go-opcheck/internal/cases"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// Minimum toolchain the binary must have been built with.
const (
	minGoMajor = 1
	minGoMinor = 22
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// GoVersion returns the toolchain version, runtime.Version when nil.
	GoVersion VersionFunc
	// Executable resolves the binary that stage children re-execute,
	// os.Executable when nil.
	Executable VersionFunc
	// Registry is the case corpus to inspect. Nil skips the corpus checks.
	Registry *cases.Registry
	// CaseDir, when set, must hold loadable case files.
	CaseDir string
	// WorkDir, when set, must be writable.
	WorkDir string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- toolchain --------------------------------------------------------
	goVersion := cfg.GoVersion
	if goVersion == nil {
		goVersion = func() (string, error) { return runtime.Version(), nil }
	}

	ver, err := goVersion()
	if err != nil {
		res.fail(fmt.Sprintf("go version: %v", err))
		fmt.Fprintf(w, "%s go version: unknown (%v)\n", FailMark, err)
	} else if verErr := checkGoVersion(ver); verErr != nil {
		res.fail(fmt.Sprintf("go version: %v", verErr))
		fmt.Fprintf(w, "%s go version %s: %v\n", FailMark, ver, verErr)
	} else {
		fmt.Fprintf(w, "%s go version: %s (%s/%s)\n", PassMark, ver, runtime.GOOS, runtime.GOARCH)
	}

	// ---- CPU features, informational --------------------------------------
	fmt.Fprintf(w, "%s cpu features: %s\n", PassMark, strings.Join(CPUFeatures(), " "))

	// ---- stage executable -------------------------------------------------
	exe := cfg.Executable
	if exe == nil {
		exe = os.Executable
	}

	path, err := exe()
	if err != nil {
		res.fail(fmt.Sprintf("executable: %v", err))
		fmt.Fprintf(w, "%s executable: not resolvable (%v)\n", FailMark, err)
	} else if _, statErr := os.Stat(path); statErr != nil {
		res.fail(fmt.Sprintf("executable %q: %v", path, statErr))
		fmt.Fprintf(w, "%s executable %s: not found\n", FailMark, path)
	} else {
		fmt.Fprintf(w, "%s executable: %s\n", PassMark, path)
	}

	// ---- tolerances -------------------------------------------------------
	var missing []string

	for _, dt := range tensor.DTypes() {
		if _, err := ops.DTypeTolerance(dt); err != nil {
			missing = append(missing, dt.String())
		}
	}

	if len(missing) > 0 {
		res.fail(fmt.Sprintf("tolerances: missing for %s", strings.Join(missing, ", ")))
		fmt.Fprintf(w, "%s tolerances: missing for %s\n", FailMark, strings.Join(missing, ", "))
	} else {
		fmt.Fprintf(w, "%s tolerances: %d dtypes\n", PassMark, len(tensor.DTypes()))
	}

	// ---- corpus -----------------------------------------------------------
	if cfg.Registry != nil {
		if n := cfg.Registry.Len(); n == 0 {
			res.fail("corpus: no cases registered")
			fmt.Fprintf(w, "%s corpus: empty\n", FailMark)
		} else {
			fmt.Fprintf(w, "%s corpus: %d cases\n", PassMark, n)
		}
	}

	// ---- case directory ---------------------------------------------------
	if cfg.CaseDir != "" {
		loaded, err := cases.LoadDir(cfg.CaseDir)
		if err != nil {
			res.fail(fmt.Sprintf("case dir %q: %v", cfg.CaseDir, err))
			fmt.Fprintf(w, "%s case dir %s: %v\n", FailMark, cfg.CaseDir, err)
		} else {
			fmt.Fprintf(w, "%s case dir: %s (%d files)\n", PassMark, cfg.CaseDir, len(loaded))
		}
	}

	// ---- work directory ---------------------------------------------------
	if cfg.WorkDir != "" {
		if err := checkWritable(cfg.WorkDir); err != nil {
			res.fail(fmt.Sprintf("work dir %q: %v", cfg.WorkDir, err))
			fmt.Fprintf(w, "%s work dir %s: not writable\n", FailMark, cfg.WorkDir)
		} else {
			fmt.Fprintf(w, "%s work dir: %s\n", PassMark, cfg.WorkDir)
		}
	}

	return res
}

// CPUFeatures lists the SIMD extensions the dot-product kernels can use.
func CPUFeatures() []string {
	var out []string

	switch runtime.GOARCH {
	case "amd64", "386":
		for _, f := range []struct {
			name string
			on   bool
		}{
			{"sse4.1", cpu.X86.HasSSE41},
			{"avx", cpu.X86.HasAVX},
			{"avx2", cpu.X86.HasAVX2},
			{"fma", cpu.X86.HasFMA},
			{"avx512f", cpu.X86.HasAVX512F},
		} {
			if f.on {
				out = append(out, f.name)
			}
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			out = append(out, "asimd")
		}

		if cpu.ARM64.HasFPHP {
			out = append(out, "fphp")
		}
	}

	if len(out) == 0 {
		return []string{"none"}
	}

	return out
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}

	name := f.Name()
	_ = f.Close()

	return os.Remove(filepath.Clean(name))
}

// checkGoVersion returns an error if ver is older than the minimum toolchain.
// ver is expected to look like "go1.25.0"; devel builds pass.
func checkGoVersion(ver string) error {
	if strings.HasPrefix(ver, "devel") {
		return nil
	}

	major, minor, err := parseMajorMinor(strings.TrimPrefix(ver, "go"))
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}

	if major != minGoMajor {
		return fmt.Errorf("requires Go %d, got %d", minGoMajor, major)
	}

	if minor < minGoMinor {
		return fmt.Errorf("requires Go >=%d.%d, got %d.%d", minGoMajor, minGoMinor, major, minor)
	}

	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}

	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}

	// "1.25rc1" carries a suffix after the minor number.
	minorStr := parts[1]
	if i := strings.IndexFunc(minorStr, func(r rune) bool { return r < '0' || r > '9' }); i > 0 {
		minorStr = minorStr[:i]
	}

	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}

	return major, minor, nil
}
