package graph

import (
	"slices"

	"github.com/matzehuels/hlsflow/pkg/tensor"
)

// Layout describes how the axes of a 4-D activation tensor are ordered.
type Layout string

// Known layouts.
const (
	LayoutUnknown Layout = ""
	LayoutNCHW    Layout = "NCHW"
	LayoutNHWC    Layout = "NHWC"
	LayoutNC      Layout = "NC"
)

// Tensor is the metadata of one named data edge. A tensor with a non-nil
// Value is an initializer: a compile-time constant such as a weight matrix.
type Tensor struct {
	Name     string
	Shape    []int
	DataType DataType
	Layout   Layout
	Value    *tensor.Array
}

// IsInitializer reports whether the tensor carries a constant value.
func (t *Tensor) IsInitializer() bool { return t != nil && t.Value != nil }

// HasShape reports whether shape metadata is present. A rank-0 tensor has
// an empty but non-nil shape.
func (t *Tensor) HasShape() bool { return t != nil && t.Shape != nil }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	out := *t
	out.Shape = slices.Clone(t.Shape)
	out.Value = t.Value.Clone()
	return &out
}
