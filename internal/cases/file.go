package cases

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/example/go-opcheck/internal/graph"
	"github.com/example/go-opcheck/internal/randgen"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// ErrNotDeclarative is returned when exporting a case built in Go code.
var ErrNotDeclarative = errors.New("case has no declarative form")

// File is the declarative form of a case, as read from YAML, TOML or JSON.
type File struct {
	Name      string         `json:"name" mapstructure:"name"`
	Seed      uint64         `json:"seed,omitempty" mapstructure:"seed"`
	Tags      []string       `json:"tags,omitempty" mapstructure:"tags"`
	Inputs    []FileInput    `json:"inputs" mapstructure:"inputs"`
	Nodes     []FileNode     `json:"nodes" mapstructure:"nodes"`
	Outputs   []string       `json:"outputs" mapstructure:"outputs"`
	Tolerance *ops.Tolerance `json:"tolerance,omitempty" mapstructure:"tolerance"`
}

type FileInput struct {
	Name   string  `json:"name" mapstructure:"name"`
	DType  string  `json:"dtype" mapstructure:"dtype"`
	Shape  []int64 `json:"shape" mapstructure:"shape"`
	Domain string  `json:"domain,omitempty" mapstructure:"domain"`
}

// FileNode is one operation. Value and DType are used by constants; DType
// is also the cast target.
type FileNode struct {
	Name   string         `json:"name" mapstructure:"name"`
	Op     string         `json:"op" mapstructure:"op"`
	Inputs []string       `json:"inputs,omitempty" mapstructure:"inputs"`
	Attrs  map[string]any `json:"attrs,omitempty" mapstructure:"attrs"`
	Value  float64        `json:"value,omitempty" mapstructure:"value"`
	DType  string         `json:"dtype,omitempty" mapstructure:"dtype"`
}

// decodeAttrs converts a loosely typed attribute map into graph.Attrs.
func decodeAttrs(raw map[string]any) (graph.Attrs, error) {
	var attrs graph.Attrs
	if len(raw) == 0 {
		return attrs, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &attrs,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return attrs, err
	}

	if err := dec.Decode(raw); err != nil {
		return attrs, err
	}

	return attrs, nil
}

type compiledNode struct {
	name   string
	kind   ops.Kind
	inputs []int // indices into the value table
	attrs  graph.Attrs
	value  float64
	dtype  tensor.DType
}

// FromFile validates f and turns it into a case. Every reference, dtype and
// attribute is checked here so the build function cannot fail on names.
func FromFile(f *File) (*Case, error) {
	if f.Name == "" {
		return nil, errors.New("cases: case file has no name")
	}

	errf := func(format string, args ...any) error {
		return fmt.Errorf("cases: %s: "+format, append([]any{f.Name}, args...)...)
	}

	index := map[string]int{}
	specs := make([]randgen.Spec, len(f.Inputs))

	for i, in := range f.Inputs {
		dt, err := tensor.ParseDType(in.DType)
		if err != nil {
			return nil, errf("input %q: %w", in.Name, err)
		}

		dom, err := randgen.ParseDomain(in.Domain)
		if err != nil {
			return nil, errf("input %q: %w", in.Name, err)
		}

		if _, dup := index[in.Name]; dup || in.Name == "" {
			return nil, errf("input name %q is empty or duplicated", in.Name)
		}

		index[in.Name] = i
		specs[i] = randgen.Spec{Name: in.Name, DType: dt, Shape: slices.Clone(in.Shape), Domain: dom}
	}

	nodes := make([]compiledNode, len(f.Nodes))

	for i, n := range f.Nodes {
		if _, dup := index[n.Name]; dup || n.Name == "" {
			return nil, errf("node name %q is empty or duplicated", n.Name)
		}

		cn := compiledNode{name: n.Name, kind: ops.Kind(n.Op), value: n.Value}
		if _, err := ops.Lookup(cn.kind); err != nil {
			return nil, errf("node %q: %w", n.Name, err)
		}

		if cn.kind == ops.KindParameter {
			return nil, errf("node %q: parameters are declared under inputs", n.Name)
		}

		if n.DType != "" {
			dt, err := tensor.ParseDType(n.DType)
			if err != nil {
				return nil, errf("node %q: %w", n.Name, err)
			}

			cn.dtype = dt
		}

		if (cn.kind == ops.KindConstant || cn.kind == ops.KindCast) && !cn.dtype.Valid() {
			return nil, errf("node %q: %s needs a dtype", n.Name, cn.kind)
		}

		for _, ref := range n.Inputs {
			j, ok := index[ref]
			if !ok {
				return nil, errf("node %q: unknown input %q", n.Name, ref)
			}

			cn.inputs = append(cn.inputs, j)
		}

		attrs, err := decodeAttrs(n.Attrs)
		if err != nil {
			return nil, errf("node %q attrs: %w", n.Name, err)
		}

		attrs.DType = cn.dtype
		cn.attrs = attrs
		nodes[i] = cn
		index[n.Name] = len(f.Inputs) + i
	}

	if len(f.Outputs) == 0 {
		return nil, errf("no outputs")
	}

	outputs := make([]int, len(f.Outputs))

	for i, o := range f.Outputs {
		j, ok := index[o]
		if !ok {
			return nil, errf("unknown output %q", o)
		}

		outputs[i] = j
	}

	build := func(b *graph.Builder, params []*graph.Node) []*graph.Node {
		values := append([]*graph.Node(nil), params...)

		for _, cn := range nodes {
			args := make([]*graph.Node, len(cn.inputs))
			for i, j := range cn.inputs {
				args[i] = values[j]
			}

			var out *graph.Node

			switch cn.kind {
			case ops.KindConstant:
				out = b.Const(cn.value, cn.dtype)
			default:
				out = b.Op(cn.kind, cn.attrs, args...)
			}

			values = append(values, out)
		}

		outs := make([]*graph.Node, len(outputs))
		for i, j := range outputs {
			outs[i] = values[j]
		}

		return outs
	}

	tags := slices.Clone(f.Tags)
	if !slices.Contains(tags, "file") {
		tags = append(tags, "file")
	}

	return &Case{
		Name:      f.Name,
		Tags:      tags,
		Inputs:    specs,
		Build:     build,
		Seed:      f.Seed,
		Tolerance: f.Tolerance,
		File:      f,
	}, nil
}

// caseFileExts are the formats LoadDir picks up.
var caseFileExts = []string{".yaml", ".yml", ".json", ".toml"}

// LoadFile reads one case file with viper.
func LoadFile(path string) (*Case, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("cases: read %s: %w", path, err)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("cases: decode %s: %w", path, err)
	}

	c, err := FromFile(&f)
	if err != nil {
		return nil, fmt.Errorf("%w (file %s)", err, path)
	}

	return c, nil
}

// LoadDir reads every case file directly under dir, in name order.
func LoadDir(dir string) ([]*Case, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cases: read dir %s: %w", dir, err)
	}

	var out []*Case

	for _, e := range entries {
		if e.IsDir() || !slices.Contains(caseFileExts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}

		c, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}

		out = append(out, c)
	}

	return out, nil
}

// RegisterDir loads dir into r.
func (r *Registry) RegisterDir(dir string) (int, error) {
	loaded, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}

	for _, c := range loaded {
		if err := r.Register(c); err != nil {
			return 0, err
		}
	}

	return len(loaded), nil
}

// FileName maps a case name to a file name, e.g. "matmul/f32/2d" to
// "matmul__f32__2d.json".
func FileName(name string) string {
	return strings.ReplaceAll(name, "/", "__") + ".json"
}

// ExportFile writes the declarative form of c as JSON under dir and returns
// the file path.
func ExportFile(dir string, c *Case) (string, error) {
	if c.File == nil {
		return "", fmt.Errorf("cases: %s: %w", c.Name, ErrNotDeclarative)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cases: create dir: %w", err)
	}

	data, err := json.MarshalIndent(c.File, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cases: encode %s: %w", c.Name, err)
	}

	p := filepath.Join(dir, FileName(c.Name))
	if err := os.WriteFile(p, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("cases: write %s: %w", p, err)
	}

	return p, nil
}
