// Package cases holds the corpus of differential test cases.
package cases

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/example/go-opcheck/internal/graph"
	"github.com/example/go-opcheck/internal/randgen"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

var (
	ErrUnknownCase   = errors.New("unknown case")
	ErrDuplicateCase = errors.New("duplicate case")
)

// BuildFunc adds the case's computation to b. params are the parameter
// nodes, one per input spec, in order.
type BuildFunc func(b *graph.Builder, params []*graph.Node) []*graph.Node

// Case is one differential test: seeded inputs and the graph run on them.
type Case struct {
	Name   string
	Tags   []string
	Inputs []randgen.Spec
	Build  BuildFunc
	// Seed pins the input stream. Zero derives it from the run seed.
	Seed uint64
	// Tolerance overrides the dtype and kernel based tolerance for float
	// outputs.
	Tolerance *ops.Tolerance
	// File is the declarative form, when the case has one.
	File *File
}

// Graph builds the case graph.
func (c *Case) Graph() (*graph.Graph, error) {
	b := graph.NewBuilder(c.Name)

	params := make([]*graph.Node, len(c.Inputs))
	for i, in := range c.Inputs {
		params[i] = b.Parameter(in.Name, in.DType, in.Shape...)
	}

	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("cases: %w", err)
	}

	g, err := b.Build(c.Build(b, params)...)
	if err != nil {
		return nil, fmt.Errorf("cases: %w", err)
	}

	return g, nil
}

// EffectiveSeed returns the seed the inputs are drawn with.
func (c *Case) EffectiveSeed(runSeed uint64) uint64 {
	if c.Seed != 0 {
		return c.Seed
	}

	return randgen.DeriveSeed(runSeed, c.Name)
}

// GenerateInputs draws the case inputs. The same run seed always yields the
// same tensors.
func (c *Case) GenerateInputs(runSeed uint64) ([]*tensor.Tensor, error) {
	inputs, err := randgen.New(c.EffectiveSeed(runSeed)).Tensors(c.Inputs)
	if err != nil {
		return nil, fmt.Errorf("cases: %s: %w", c.Name, err)
	}

	return inputs, nil
}

// HasTag reports whether the case carries tag.
func (c *Case) HasTag(tag string) bool { return slices.Contains(c.Tags, tag) }

// Registry is a concurrency-safe set of cases keyed by name.
type Registry struct {
	mu    sync.RWMutex
	cases map[string]*Case
}

func NewRegistry() *Registry {
	return &Registry{cases: map[string]*Case{}}
}

// NewBuiltinRegistry returns a fresh registry holding the built-in corpus,
// for callers that add their own cases on top.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	registerBuiltins(r)

	return r
}

var defaultRegistry = NewBuiltinRegistry()

// Default returns the registry holding the built-in corpus.
func Default() *Registry { return defaultRegistry }

// Register adds c. Names must be unique and must not contain "__".
func (r *Registry) Register(c *Case) error {
	if c == nil || c.Name == "" {
		return errors.New("cases: case must have a name")
	}

	if strings.Contains(c.Name, "__") {
		return fmt.Errorf("cases: name %q contains %q, which file names use for %q", c.Name, "__", "/")
	}

	if c.Build == nil {
		return fmt.Errorf("cases: %s has no build function", c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.cases[c.Name]; dup {
		return fmt.Errorf("cases: %w %q", ErrDuplicateCase, c.Name)
	}

	r.cases[c.Name] = c

	return nil
}

// MustRegister is Register for the built-in corpus.
func (r *Registry) MustRegister(c *Case) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.cases)
}

// All returns every case sorted by name.
func (r *Registry) All() []*Case {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Case, 0, len(r.cases))
	for _, c := range r.cases {
		out = append(out, c)
	}

	slices.SortFunc(out, func(a, b *Case) int { return strings.Compare(a.Name, b.Name) })

	return out
}

func (r *Registry) Lookup(name string) (*Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.cases[name]
	if !ok {
		return nil, fmt.Errorf("cases: %w %q", ErrUnknownCase, name)
	}

	return c, nil
}

// Select returns the cases matching any pattern. A pattern is a path.Match
// glob on the name or "tag:<tag>". No patterns selects everything.
func (r *Registry) Select(patterns []string) ([]*Case, error) {
	all := r.All()
	if len(patterns) == 0 {
		return all, nil
	}

	for _, p := range patterns {
		if tag, ok := strings.CutPrefix(p, "tag:"); ok && tag == "" {
			return nil, fmt.Errorf("cases: empty tag in pattern %q", p)
		}

		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("cases: bad pattern %q: %w", p, err)
		}
	}

	var out []*Case

	for _, c := range all {
		for _, p := range patterns {
			if matches(c, p) {
				out = append(out, c)
				break
			}
		}
	}

	return out, nil
}

func matches(c *Case, pattern string) bool {
	if tag, ok := strings.CutPrefix(pattern, "tag:"); ok {
		return c.HasTag(tag)
	}

	// A pattern matching a leading run of path segments selects everything
	// below it, so "matmul" and "matmul/f*" both select "matmul/f32/2d".
	name := c.Name
	for {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}

		i := strings.LastIndexByte(name, '/')
		if i < 0 {
			return false
		}

		name = name[:i]
	}
}
