package graph

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
)

// DomainHW marks nodes that are hardware primitives. Generic tensor-algebra
// nodes use the empty domain.
const DomainHW = "hw"

// Attrs holds operator parameters. Values decoded from JSON arrive as
// float64, string, []any or map[string]any; the typed accessors normalize
// them so passes never care where an attribute came from.
type Attrs map[string]any

// Has reports whether key is set.
func (a Attrs) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Int returns the attribute as an int, or def if unset or not numeric.
func (a Attrs) Int(key string, def int) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case float64:
		return int(v)
	case bool:
		if v {
			return 1
		}
		return 0
	}
	return def
}

// Float returns the attribute as a float64, or def if unset or not numeric.
func (a Attrs) Float(key string, def float64) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// String returns the attribute as a string, or def if unset.
func (a Attrs) String(key, def string) string {
	switch v := a[key].(type) {
	case string:
		return v
	case DataType:
		return string(v)
	}
	return def
}

// Ints returns the attribute as an int slice, or nil if unset.
func (a Attrs) Ints(key string) []int {
	switch v := a[key].(type) {
	case []int:
		return slices.Clone(v)
	case []int64:
		out := make([]int, len(v))
		for i, x := range v {
			out[i] = int(x)
		}
		return out
	case []float64:
		out := make([]int, len(v))
		for i, x := range v {
			out[i] = int(x)
		}
		return out
	case []any:
		out := make([]int, 0, len(v))
		for _, x := range v {
			switch n := x.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			}
		}
		return out
	}
	return nil
}

// Floats returns the attribute as a float64 slice, or nil if unset.
func (a Attrs) Floats(key string) []float64 {
	switch v := a[key].(type) {
	case []float64:
		return slices.Clone(v)
	case []int:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out
	case []any:
		out := make([]float64, 0, len(v))
		for _, x := range v {
			switch n := x.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			}
		}
		return out
	}
	return nil
}

// DataType returns the attribute as a DataType, or def if unset.
func (a Attrs) DataType(key string, def DataType) DataType {
	if s := a.String(key, ""); s != "" {
		return DataType(s)
	}
	return def
}

// Clone returns a copy of the attribute map. Slice values are copied so the
// clone can be edited independently.
func (a Attrs) Clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		switch s := v.(type) {
		case []int:
			out[k] = slices.Clone(s)
		case []float64:
			out[k] = slices.Clone(s)
		case []any:
			out[k] = slices.Clone(s)
		case []string:
			out[k] = slices.Clone(s)
		default:
			out[k] = v
		}
	}
	return out
}

// Node is an operator instance. Inputs and Outputs hold tensor names in
// positional order; an empty name marks an omitted optional input.
type Node struct {
	Name    string   // readable name, unique after renaming
	UID     string   // random identifier, stable across renames
	OpType  string   // operator type, e.g. "MatMul" or "MatrixVectorActivation"
	Domain  string   // "" for generic ops, DomainHW for hardware primitives
	Inputs  []string // consumed tensors
	Outputs []string // produced tensors
	Attrs   Attrs    // operator parameters (never nil after NewNode)
}

// NewNode creates a generic-domain node with a fresh UID. The node has no
// name until [Graph.AddNode] or the renaming pass assigns one.
func NewNode(opType string, inputs, outputs []string, attrs Attrs) *Node {
	if attrs == nil {
		attrs = Attrs{}
	}
	return &Node{
		UID:     uuid.NewString(),
		OpType:  opType,
		Inputs:  inputs,
		Outputs: outputs,
		Attrs:   attrs,
	}
}

// NewHWNode is like NewNode but places the node in the hardware domain.
func NewHWNode(opType string, inputs, outputs []string, attrs Attrs) *Node {
	n := NewNode(opType, inputs, outputs, attrs)
	n.Domain = DomainHW
	return n
}

// IsHW reports whether the node is a hardware primitive.
func (n *Node) IsHW() bool { return n.Domain == DomainHW }

// Input returns the i-th input tensor name, or "" if absent.
func (n *Node) Input(i int) string {
	if i < 0 || i >= len(n.Inputs) {
		return ""
	}
	return n.Inputs[i]
}

// Output returns the i-th output tensor name, or "" if absent.
func (n *Node) Output(i int) string {
	if i < 0 || i >= len(n.Outputs) {
		return ""
	}
	return n.Outputs[i]
}

// Clone returns a deep copy of the node, including its UID.
func (n *Node) Clone() *Node {
	return &Node{
		Name:    n.Name,
		UID:     n.UID,
		OpType:  n.OpType,
		Domain:  n.Domain,
		Inputs:  slices.Clone(n.Inputs),
		Outputs: slices.Clone(n.Outputs),
		Attrs:   n.Attrs.Clone(),
	}
}

// String returns a short description used in logs and error messages.
func (n *Node) String() string {
	if n.Name != "" {
		return fmt.Sprintf("%s(%s)", n.Name, n.OpType)
	}
	return n.OpType
}

// SortedAttrKeys returns attribute names in lexical order.
func (n *Node) SortedAttrKeys() []string {
	return slices.Sorted(maps.Keys(n.Attrs))
}
