package harness

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/example/go-opcheck/internal/cases"
	"github.com/example/go-opcheck/internal/runtime/tensor"
	"github.com/example/go-opcheck/internal/safetensors"
)

// DumpPath is the file a failing case is dumped to. Fusion on and off get
// separate files so both compiled stages keep their dump.
func DumpPath(dir, caseName string, fusion bool) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(caseName)

	suffix := "compiled"
	if fusion {
		suffix = "fusion"
	}

	return filepath.Join(dir, name+"."+suffix+".safetensors")
}

// DumpTensors names inputs "input/<param>", eager outputs "eager/outN" and
// compiled outputs "compiled/outN".
func DumpTensors(params []string, inputs, got, want []*tensor.Tensor) []safetensors.Named {
	var out []safetensors.Named

	for i, t := range inputs {
		name := "input/" + strconv.Itoa(i)
		if i < len(params) && params[i] != "" {
			name = "input/" + params[i]
		}

		out = append(out, safetensors.Named{Name: name, Tensor: t})
	}

	for i, t := range want {
		out = append(out, safetensors.Named{Name: fmt.Sprintf("eager/out%d", i), Tensor: t})
	}

	for i, t := range got {
		out = append(out, safetensors.Named{Name: fmt.Sprintf("compiled/out%d", i), Tensor: t})
	}

	return out
}

// dumpFailure writes the tensors of a failed comparison to opts.DumpDir. A
// dump that cannot be written is logged and never changes the result.
func dumpFailure(c *cases.Case, p *prepared, got, want []*tensor.Tensor, opts Options, res *CaseResult) {
	if opts.DumpDir == "" || res.Status != StatusFail {
		return
	}

	params := make([]string, 0, len(p.graph.Parameters()))
	for _, n := range p.graph.Parameters() {
		params = append(params, n.Name())
	}

	path := DumpPath(opts.DumpDir, c.Name, opts.Compile.Fusion)
	meta := map[string]string{
		"case": c.Name,
		// run_seed reproduces the case with --seed; seed is what the inputs
		// were drawn with.
		"run_seed":    strconv.FormatUint(opts.Seed, 10),
		"seed":        strconv.FormatUint(res.Seed, 10),
		"compiler":    res.Compiler,
		"fingerprint": p.graph.Fingerprint(),
		"reason":      res.Reason,
	}

	if err := safetensors.WriteFile(path, DumpTensors(params, p.inputs, got, want), meta); err != nil {
		slog.Warn("dump failed case", "case", c.Name, "error", err)
		return
	}

	slog.Info("dumped failed case", "case", c.Name, "path", path)
}
