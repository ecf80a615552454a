// Package graph builds small computation graphs with shapes and dtypes
// inferred at construction time. Both the eager interpreter and the compiler
// consume the same *Graph.
package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Attrs holds the static, non-tensor arguments of a node. Only the fields
// relevant to the node's kind are set.
type Attrs struct {
	Axes     []int        `json:"axes,omitempty" mapstructure:"axes"`
	KeepDims bool         `json:"keep_dims,omitempty" mapstructure:"keep_dims"`
	Perm     []int        `json:"perm,omitempty" mapstructure:"perm"`
	Shape    []int64      `json:"shape,omitempty" mapstructure:"shape"`
	Axis     int          `json:"axis,omitempty" mapstructure:"axis"`
	Start    int64        `json:"start,omitempty" mapstructure:"start"`
	Length   int64        `json:"length,omitempty" mapstructure:"length"`
	Factor   float64      `json:"factor,omitempty" mapstructure:"factor"`
	Eps      float64      `json:"eps,omitempty" mapstructure:"eps"`
	DType    tensor.DType `json:"-" mapstructure:"-"`
}

// Node is one operation in a graph. Nodes are immutable once built.
type Node struct {
	id     int
	kind   ops.Kind
	name   string
	inputs []*Node
	shape  []int64
	dtype  tensor.DType
	attrs  Attrs
	value  *tensor.Tensor
}

// ID is the node's position in creation order.
func (n *Node) ID() int { return n.id }

func (n *Node) Kind() ops.Kind { return n.kind }

// Name is set for parameters.
func (n *Node) Name() string { return n.name }

func (n *Node) Inputs() []*Node { return n.inputs }

func (n *Node) Shape() []int64 { return append([]int64(nil), n.shape...) }

func (n *Node) DType() tensor.DType { return n.dtype }

func (n *Node) Attrs() Attrs { return n.attrs }

// Value returns the tensor of a constant node, nil otherwise.
func (n *Node) Value() *tensor.Tensor { return n.value }

// Def returns the operator definition of the node.
func (n *Node) Def() ops.Def { return ops.MustLookup(n.kind) }

func (n *Node) String() string {
	return fmt.Sprintf("%%%d", n.id)
}

// TypeString renders dtype and shape, e.g. "f32[2,3]".
func (n *Node) TypeString() string {
	return typeString(n.dtype, n.shape)
}

func typeString(dtype tensor.DType, shape []int64) string {
	var sb strings.Builder

	sb.WriteString(dtype.Short())
	sb.WriteByte('[')

	for i, d := range shape {
		if i > 0 {
			sb.WriteByte(',')
		}

		sb.WriteString(strconv.FormatInt(d, 10))
	}

	sb.WriteByte(']')

	return sb.String()
}

// format renders the attributes that matter for kind, in a fixed order.
func (a Attrs) format(kind ops.Kind) string {
	var parts []string

	switch kind {
	case ops.KindReduceSum, ops.KindReduceMean, ops.KindReduceMax, ops.KindReduceMin:
		parts = append(parts, fmt.Sprintf("axes=%v", a.Axes), fmt.Sprintf("keep_dims=%t", a.KeepDims))
	case ops.KindTranspose:
		parts = append(parts, fmt.Sprintf("perm=%v", a.Perm))
	case ops.KindReshape, ops.KindBroadcast:
		parts = append(parts, fmt.Sprintf("shape=%v", a.Shape))
	case ops.KindSlice:
		parts = append(parts, fmt.Sprintf("axis=%d", a.Axis), fmt.Sprintf("start=%d", a.Start), fmt.Sprintf("length=%d", a.Length))
	case ops.KindConcat, ops.KindSoftmax:
		parts = append(parts, fmt.Sprintf("axis=%d", a.Axis))
	case ops.KindScale:
		parts = append(parts, "factor="+strconv.FormatFloat(a.Factor, 'g', -1, 64))
	case ops.KindLayerNorm, ops.KindRMSNorm:
		parts = append(parts, "eps="+strconv.FormatFloat(a.Eps, 'g', -1, 64))
	case ops.KindCast:
		parts = append(parts, "to="+a.DType.Short())
	}

	if len(parts) == 0 {
		return ""
	}

	return " {" + strings.Join(parts, " ") + "}"
}
