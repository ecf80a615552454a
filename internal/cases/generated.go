package cases

import (
	"fmt"

	"github.com/example/go-opcheck/internal/randgen"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// The single-operator corpus is a matrix of operator x dtype x shape. Each
// entry is declarative so it can be exported and edited as a case file.

var (
	floatDTypes   = []tensor.DType{tensor.Float64, tensor.Float32, tensor.Float16, tensor.BFloat16}
	intDTypes     = []tensor.DType{tensor.Int32, tensor.Int64}
	numericDTypes = append(append([]tensor.DType(nil), floatDTypes...), intDTypes...)
)

type shapeCase struct {
	tag    string
	shapes [][]int64
}

var unaryShapes = []shapeCase{
	{"vec", [][]int64{{33}}},
	{"3d", [][]int64{{3, 5, 7}}},
}

var binaryShapes = []shapeCase{
	{"same", [][]int64{{4, 6}, {4, 6}}},
	{"bcast", [][]int64{{4, 1, 6}, {5, 1}}},
	{"scalar", [][]int64{{3, 4}, {}}},
}

type unaryOp struct {
	kind   ops.Kind
	dtypes []tensor.DType
	domain randgen.Domain
}

var unaryOps = []unaryOp{
	{ops.KindNeg, numericDTypes, randgen.Any},
	{ops.KindAbs, numericDTypes, randgen.Any},
	{ops.KindSquare, numericDTypes, randgen.Any},
	{ops.KindRelu, numericDTypes, randgen.Any},
	{ops.KindExp, floatDTypes, randgen.Any},
	{ops.KindLog, floatDTypes, randgen.Positive},
	{ops.KindLog2, floatDTypes, randgen.Positive},
	{ops.KindSqrt, floatDTypes, randgen.Positive},
	{ops.KindRsqrt, floatDTypes, randgen.Positive},
	{ops.KindTanh, floatDTypes, randgen.Any},
	{ops.KindSigmoid, floatDTypes, randgen.Any},
	{ops.KindGelu, floatDTypes, randgen.Any},
	{ops.KindSilu, floatDTypes, randgen.Any},
	{ops.KindFloor, floatDTypes, randgen.Any},
	{ops.KindCeil, floatDTypes, randgen.Any},
}

type binaryOp struct {
	kind        ops.Kind
	dtypes      []tensor.DType
	left, right randgen.Domain
}

var binaryOps = []binaryOp{
	{ops.KindAdd, numericDTypes, randgen.Any, randgen.Any},
	{ops.KindSub, numericDTypes, randgen.Any, randgen.Any},
	{ops.KindMul, numericDTypes, randgen.Any, randgen.Any},
	{ops.KindDiv, floatDTypes, randgen.Any, randgen.NonZero},
	{ops.KindFloorDivide, numericDTypes, randgen.Any, randgen.NonZero},
	{ops.KindRemainder, numericDTypes, randgen.Any, randgen.NonZero},
	{ops.KindPow, floatDTypes, randgen.Positive, randgen.Any},
	{ops.KindMaximum, numericDTypes, randgen.Any, randgen.Any},
	{ops.KindMinimum, numericDTypes, randgen.Any, randgen.Any},
	{ops.KindEqual, numericDTypes, randgen.SmallInt, randgen.SmallInt},
	{ops.KindGreater, numericDTypes, randgen.Any, randgen.Any},
	{ops.KindLess, numericDTypes, randgen.Any, randgen.Any},
}

func caseName(kind ops.Kind, dt tensor.DType, tag string) string {
	return fmt.Sprintf("%s/%s/%s", kind, dt.Short(), tag)
}

func input(name string, dt tensor.DType, shape []int64, domain randgen.Domain) FileInput {
	return FileInput{Name: name, DType: dt.String(), Shape: shape, Domain: domain.String()}
}

func unaryFiles() []*File {
	var out []*File

	for _, op := range unaryOps {
		for _, dt := range op.dtypes {
			for _, sc := range unaryShapes {
				out = append(out, &File{
					Name:    caseName(op.kind, dt, sc.tag),
					Tags:    []string{"op", "unary", string(op.kind), dt.Short()},
					Inputs:  []FileInput{input("x", dt, sc.shapes[0], op.domain)},
					Nodes:   []FileNode{{Name: "y", Op: string(op.kind), Inputs: []string{"x"}}},
					Outputs: []string{"y"},
				})
			}
		}
	}

	return out
}

func binaryFiles() []*File {
	var out []*File

	for _, op := range binaryOps {
		for _, dt := range op.dtypes {
			for _, sc := range binaryShapes {
				out = append(out, &File{
					Name: caseName(op.kind, dt, sc.tag),
					Tags: []string{"op", "binary", string(op.kind), dt.Short()},
					Inputs: []FileInput{
						input("x", dt, sc.shapes[0], op.left),
						input("y", dt, sc.shapes[1], op.right),
					},
					Nodes:   []FileNode{{Name: "z", Op: string(op.kind), Inputs: []string{"x", "y"}}},
					Outputs: []string{"z"},
				})
			}
		}
	}

	return out
}

var matmulShapes = []shapeCase{
	{"2d", [][]int64{{8, 16}, {16, 12}}},
	{"batched", [][]int64{{3, 8, 16}, {3, 16, 12}}},
	{"bcast", [][]int64{{2, 1, 5, 7}, {3, 7, 4}}},
	{"vecmat", [][]int64{{1, 31}, {31, 9}}},
	{"tiles", [][]int64{{40, 70}, {70, 33}}},
}

func matmulFiles() []*File {
	var out []*File

	dtypes := append(append([]tensor.DType(nil), floatDTypes...), tensor.Int32)

	for _, dt := range dtypes {
		domain := randgen.Any
		if dt.IsInteger() {
			domain = randgen.SmallInt
		}

		for _, sc := range matmulShapes {
			out = append(out, &File{
				Name: caseName(ops.KindMatMul, dt, sc.tag),
				Tags: []string{"op", "matmul", dt.Short()},
				Inputs: []FileInput{
					input("a", dt, sc.shapes[0], domain),
					input("b", dt, sc.shapes[1], domain),
				},
				Nodes:   []FileNode{{Name: "c", Op: string(ops.KindMatMul), Inputs: []string{"a", "b"}}},
				Outputs: []string{"c"},
			})
		}
	}

	return out
}

type reduceCase struct {
	tag   string
	shape []int64
	axes  []int
	keep  bool
}

var reduceCases = []reduceCase{
	{"rows", []int64{6, 10}, []int{1}, false},
	{"outer_keep", []int64{4, 5, 6}, []int{0, 2}, true},
	{"all", []int64{7, 9}, nil, false},
}

func reduceFiles() []*File {
	var out []*File

	kinds := []ops.Kind{ops.KindReduceSum, ops.KindReduceMean, ops.KindReduceMax, ops.KindReduceMin}
	dtypes := append(append([]tensor.DType(nil), floatDTypes...), tensor.Int32)

	for _, kind := range kinds {
		for _, dt := range dtypes {
			for _, rc := range reduceCases {
				attrs := map[string]any{"keep_dims": rc.keep}
				if rc.axes != nil {
					attrs["axes"] = rc.axes
				}

				out = append(out, &File{
					Name:    caseName(kind, dt, rc.tag),
					Tags:    []string{"op", "reduce", string(kind), dt.Short()},
					Inputs:  []FileInput{input("x", dt, rc.shape, randgen.Any)},
					Nodes:   []FileNode{{Name: "r", Op: string(kind), Inputs: []string{"x"}, Attrs: attrs}},
					Outputs: []string{"r"},
				})
			}
		}
	}

	return out
}

func normFiles() []*File {
	var out []*File

	for _, dt := range floatDTypes {
		out = append(out,
			&File{
				Name:    caseName(ops.KindSoftmax, dt, "last"),
				Tags:    []string{"op", "norm", "softmax", dt.Short()},
				Inputs:  []FileInput{input("x", dt, []int64{4, 10}, randgen.Any)},
				Nodes:   []FileNode{{Name: "p", Op: string(ops.KindSoftmax), Inputs: []string{"x"}, Attrs: map[string]any{"axis": -1}}},
				Outputs: []string{"p"},
			},
			&File{
				Name:    caseName(ops.KindSoftmax, dt, "middle"),
				Tags:    []string{"op", "norm", "softmax", dt.Short()},
				Inputs:  []FileInput{input("x", dt, []int64{2, 3, 8}, randgen.Any)},
				Nodes:   []FileNode{{Name: "p", Op: string(ops.KindSoftmax), Inputs: []string{"x"}, Attrs: map[string]any{"axis": 1}}},
				Outputs: []string{"p"},
			},
			&File{
				Name: caseName(ops.KindLayerNorm, dt, "affine"),
				Tags: []string{"op", "norm", "layer_norm", dt.Short()},
				Inputs: []FileInput{
					input("x", dt, []int64{4, 16}, randgen.Any),
					input("w", dt, []int64{16}, randgen.Positive),
					input("b", dt, []int64{16}, randgen.Any),
				},
				Nodes: []FileNode{{
					Name: "y", Op: string(ops.KindLayerNorm), Inputs: []string{"x", "w", "b"},
					Attrs: map[string]any{"eps": 1e-5},
				}},
				Outputs: []string{"y"},
			},
			&File{
				Name:   caseName(ops.KindLayerNorm, dt, "plain"),
				Tags:   []string{"op", "norm", "layer_norm", dt.Short()},
				Inputs: []FileInput{input("x", dt, []int64{2, 3, 32}, randgen.Any)},
				Nodes: []FileNode{{
					Name: "y", Op: string(ops.KindLayerNorm), Inputs: []string{"x"},
					Attrs: map[string]any{"eps": 1e-5},
				}},
				Outputs: []string{"y"},
			},
			&File{
				Name: caseName(ops.KindRMSNorm, dt, "weight"),
				Tags: []string{"op", "norm", "rms_norm", dt.Short()},
				Inputs: []FileInput{
					input("x", dt, []int64{4, 16}, randgen.Any),
					input("w", dt, []int64{16}, randgen.Positive),
				},
				Nodes: []FileNode{{
					Name: "y", Op: string(ops.KindRMSNorm), Inputs: []string{"x", "w"},
					Attrs: map[string]any{"eps": 1e-6},
				}},
				Outputs: []string{"y"},
			},
		)
	}

	return out
}

// miscFiles covers where, cast, scale and the layout ops, each paired with
// arithmetic so the compiled path has something to fuse around them.
func miscFiles() []*File {
	var out []*File

	for _, dt := range []tensor.DType{tensor.Float32, tensor.Float16, tensor.Int32} {
		out = append(out, &File{
			Name: caseName(ops.KindWhere, dt, "select"),
			Tags: []string{"op", "where", dt.Short()},
			Inputs: []FileInput{
				input("x", dt, []int64{5, 6}, randgen.Any),
				input("y", dt, []int64{6}, randgen.Any),
			},
			Nodes: []FileNode{
				{Name: "m", Op: string(ops.KindGreater), Inputs: []string{"x", "y"}},
				{Name: "z", Op: string(ops.KindWhere), Inputs: []string{"m", "x", "y"}},
			},
			Outputs: []string{"z"},
		})
	}

	casts := []struct {
		from, to tensor.DType
		domain   randgen.Domain
	}{
		{tensor.Float32, tensor.Float16, randgen.Any},
		{tensor.Float32, tensor.BFloat16, randgen.Any},
		{tensor.Float32, tensor.Int32, randgen.Any},
		{tensor.Int32, tensor.Float32, randgen.Any},
		{tensor.Bool, tensor.Float32, randgen.Bool},
		{tensor.Float64, tensor.Float32, randgen.Any},
	}

	for _, c := range casts {
		out = append(out, &File{
			Name:    fmt.Sprintf("cast/%s_to_%s/vec", c.from.Short(), c.to.Short()),
			Tags:    []string{"op", "cast", c.from.Short()},
			Inputs:  []FileInput{input("x", c.from, []int64{64}, c.domain)},
			Nodes:   []FileNode{{Name: "y", Op: string(ops.KindCast), Inputs: []string{"x"}, DType: c.to.String()}},
			Outputs: []string{"y"},
		})
	}

	for _, dt := range []tensor.DType{tensor.Float32, tensor.BFloat16} {
		out = append(out,
			&File{
				Name:   caseName(ops.KindScale, dt, "vec"),
				Tags:   []string{"op", "scale", dt.Short()},
				Inputs: []FileInput{input("x", dt, []int64{40}, randgen.Any)},
				Nodes: []FileNode{
					{Name: "y", Op: string(ops.KindScale), Inputs: []string{"x"}, Attrs: map[string]any{"factor": 0.3}},
				},
				Outputs: []string{"y"},
			},
			&File{
				Name: caseName(ops.KindTranspose, dt, "add"),
				Tags: []string{"op", "layout", dt.Short()},
				Inputs: []FileInput{
					input("x", dt, []int64{3, 4, 5}, randgen.Any),
					input("y", dt, []int64{5, 3, 4}, randgen.Any),
				},
				Nodes: []FileNode{
					{Name: "t", Op: string(ops.KindTranspose), Inputs: []string{"x"}, Attrs: map[string]any{"perm": []int{2, 0, 1}}},
					{Name: "z", Op: string(ops.KindAdd), Inputs: []string{"t", "y"}},
				},
				Outputs: []string{"z"},
			},
			&File{
				Name:   caseName(ops.KindReshape, dt, "mul"),
				Tags:   []string{"op", "layout", dt.Short()},
				Inputs: []FileInput{input("x", dt, []int64{4, 6}, randgen.Any)},
				Nodes: []FileNode{
					{Name: "r", Op: string(ops.KindReshape), Inputs: []string{"x"}, Attrs: map[string]any{"shape": []int64{2, -1, 3}}},
					{Name: "z", Op: string(ops.KindMul), Inputs: []string{"r", "r"}},
				},
				Outputs: []string{"z"},
			},
			&File{
				Name:   caseName(ops.KindSlice, dt, "concat"),
				Tags:   []string{"op", "layout", dt.Short()},
				Inputs: []FileInput{input("x", dt, []int64{6, 8}, randgen.Any)},
				Nodes: []FileNode{
					{Name: "lo", Op: string(ops.KindSlice), Inputs: []string{"x"}, Attrs: map[string]any{"axis": 1, "start": 0, "length": 4}},
					{Name: "hi", Op: string(ops.KindSlice), Inputs: []string{"x"}, Attrs: map[string]any{"axis": 1, "start": 4, "length": 4}},
					{Name: "s", Op: string(ops.KindSub), Inputs: []string{"hi", "lo"}},
					{Name: "z", Op: string(ops.KindConcat), Inputs: []string{"s", "lo"}, Attrs: map[string]any{"axis": 0}},
				},
				Outputs: []string{"z"},
			},
			&File{
				Name: caseName(ops.KindBroadcast, dt, "exp"),
				Tags: []string{"op", "layout", dt.Short()},
				Inputs: []FileInput{
					input("x", dt, []int64{1, 7}, randgen.Any),
				},
				Nodes: []FileNode{
					{Name: "b", Op: string(ops.KindBroadcast), Inputs: []string{"x"}, Attrs: map[string]any{"shape": []int64{3, 7}}},
					{Name: "z", Op: string(ops.KindExp), Inputs: []string{"b"}},
				},
				Outputs: []string{"z"},
			},
		)
	}

	return out
}

// GeneratedFiles returns the declarative single-operator corpus.
func GeneratedFiles() []*File {
	var out []*File

	out = append(out, unaryFiles()...)
	out = append(out, binaryFiles()...)
	out = append(out, matmulFiles()...)
	out = append(out, reduceFiles()...)
	out = append(out, normFiles()...)
	out = append(out, miscFiles()...)

	return out
}

func registerBuiltins(r *Registry) {
	for _, f := range GeneratedFiles() {
		c, err := FromFile(f)
		if err != nil {
			panic(err)
		}

		r.MustRegister(c)
	}

	for _, c := range subgraphCases() {
		r.MustRegister(c)
	}
}
