// Package ops is the registry of operator types known to the compiler.
//
// Every operator the pipeline can encounter, generic tensor-algebra ops as
// well as the hardware primitives they are lowered to, registers an [Op]
// describing how to infer its output shapes, datatypes and layouts and how to
// execute it on constant inputs. Hardware primitives additionally carry an
// [HWSpec] with the node attributes they declare and a description of their
// folded stream interface.
//
// Execution is a reference implementation. It exists so constant subgraphs can
// be folded and so tests can check that a rewrite preserved the function a
// graph computes.
package ops

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/tensor"
)

var (
	// ErrUnknownOp is returned when a node's OpType has no registered Op.
	ErrUnknownOp = errors.New("unknown operator")

	// ErrMissingInput is returned when an input needed for inference or
	// execution has no shape or no value.
	ErrMissingInput = errors.New("missing input")

	// ErrBadAttr is returned when an attribute is missing or inconsistent.
	ErrBadAttr = errors.New("invalid attribute")

	// ErrInvalidFolding is returned when PE/SIMD do not divide the
	// dimensions they fold.
	ErrInvalidFolding = errors.New("invalid folding")
)

// ShapeFunc computes output shapes from the node and the current graph
// metadata.
type ShapeFunc func(g *graph.Graph, n *graph.Node) ([][]int, error)

// TypeFunc computes output datatypes. It may update datatype attributes of
// hardware nodes to match their inputs.
type TypeFunc func(g *graph.Graph, n *graph.Node) ([]graph.DataType, error)

// LayoutFunc computes the output layout. Nil means "same as input 0 if the
// rank matches, else derived from rank".
type LayoutFunc func(g *graph.Graph, n *graph.Node) graph.Layout

// ExecFunc evaluates the node on concrete inputs. Omitted optional inputs
// are passed as nil.
type ExecFunc func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error)

// Op describes one operator type.
type Op struct {
	Type     string
	Domain   string
	Shape    ShapeFunc
	DataType TypeFunc // nil: FLOAT32 outputs
	Layout   LayoutFunc
	Execute  ExecFunc
	HW       *HWSpec // nil for generic ops
}

var registry = make(map[string]*Op)

// Register adds op to the registry, replacing any previous entry.
func Register(op *Op) {
	registry[op.Type] = op
}

// Lookup returns the Op registered for opType.
func Lookup(opType string) (*Op, bool) {
	op, ok := registry[opType]
	return op, ok
}

// Types returns all registered op types in lexical order.
func Types() []string {
	return slices.Sorted(maps.Keys(registry))
}

func lookupNode(n *graph.Node) (*Op, error) {
	op, ok := registry[n.OpType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, n.OpType)
	}
	return op, nil
}

// InferShape computes and stores the output shapes of n.
func InferShape(g *graph.Graph, n *graph.Node) error {
	op, err := lookupNode(n)
	if err != nil {
		return err
	}
	for _, in := range n.Inputs {
		if in != "" && !g.Tensor(in).HasShape() {
			return fmt.Errorf("%s: %w: %q has no shape", n, ErrMissingInput, in)
		}
	}
	shapes, err := op.Shape(g, n)
	if err != nil {
		return fmt.Errorf("%s: %w", n, err)
	}
	if len(shapes) < len(n.Outputs) {
		return fmt.Errorf("%s: %d output shapes for %d outputs", n, len(shapes), len(n.Outputs))
	}
	for i, out := range n.Outputs {
		if out != "" {
			g.EnsureTensor(out).Shape = slices.Clone(shapes[i])
		}
	}
	return nil
}

// InferDataType computes and stores the output datatypes of n. Initializer
// outputs are never retyped.
func InferDataType(g *graph.Graph, n *graph.Node) error {
	op, err := lookupNode(n)
	if err != nil {
		return err
	}
	var types []graph.DataType
	if op.DataType != nil {
		types, err = op.DataType(g, n)
		if err != nil {
			return fmt.Errorf("%s: %w", n, err)
		}
	}
	for i, out := range n.Outputs {
		if out == "" {
			continue
		}
		t := g.EnsureTensor(out)
		if t.IsInitializer() {
			continue
		}
		dt := graph.Float32
		if i < len(types) && types[i] != "" {
			dt = types[i]
		}
		t.DataType = dt
	}
	return nil
}

// InferLayout computes and stores the output layouts of n.
func InferLayout(g *graph.Graph, n *graph.Node) error {
	op, err := lookupNode(n)
	if err != nil {
		return err
	}
	for _, out := range n.Outputs {
		if out == "" {
			continue
		}
		t := g.EnsureTensor(out)
		if op.Layout != nil {
			t.Layout = op.Layout(g, n)
			continue
		}
		t.Layout = defaultLayout(g, n.Input(0), len(t.Shape))
	}
	return nil
}

// defaultLayout keeps the layout of the reference input when the rank is
// unchanged and otherwise derives it from the rank.
func defaultLayout(g *graph.Graph, ref string, rank int) graph.Layout {
	if t := g.Tensor(ref); t != nil && len(t.Shape) == rank && t.Layout != graph.LayoutUnknown {
		return t.Layout
	}
	return LayoutForRank(rank)
}

// LayoutForRank returns the conventional layout of a tensor of the given
// rank: NC for 2-D and NCHW for 4-D tensors.
func LayoutForRank(rank int) graph.Layout {
	switch rank {
	case 2:
		return graph.LayoutNC
	case 4:
		return graph.LayoutNCHW
	}
	return graph.LayoutUnknown
}

// Execute evaluates n on concrete inputs.
func Execute(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
	op, err := lookupNode(n)
	if err != nil {
		return nil, err
	}
	if op.Execute == nil {
		return nil, fmt.Errorf("%s: no reference implementation", n.OpType)
	}
	out, err := op.Execute(n, in)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n, err)
	}
	return out, nil
}

// ExecuteGraph runs every node of g in order on the given graph input values.
// The returned map holds every tensor value computed, including initializers
// and intermediates.
func ExecuteGraph(g *graph.Graph, feeds map[string]*tensor.Array) (map[string]*tensor.Array, error) {
	values := make(map[string]*tensor.Array)
	for _, name := range g.TensorNames() {
		if v := g.Initializer(name); v != nil {
			values[name] = v
		}
	}
	for _, in := range g.Inputs {
		v, ok := feeds[in]
		if !ok {
			if _, isConst := values[in]; isConst {
				continue
			}
			return nil, fmt.Errorf("%w: no value fed for graph input %q", ErrMissingInput, in)
		}
		values[in] = v
	}
	for _, n := range g.Nodes {
		args := make([]*tensor.Array, len(n.Inputs))
		for i, in := range n.Inputs {
			if in == "" {
				continue
			}
			v, ok := values[in]
			if !ok {
				return nil, fmt.Errorf("%s: %w: %q not computed", n, ErrMissingInput, in)
			}
			args[i] = v
		}
		out, err := Execute(n, args)
		if err != nil {
			return nil, err
		}
		for i, name := range n.Outputs {
			if name != "" && i < len(out) {
				values[name] = out[i]
			}
		}
	}
	return values, nil
}

// Run executes g and returns only the graph outputs, in order.
func Run(g *graph.Graph, feeds map[string]*tensor.Array) ([]*tensor.Array, error) {
	values, err := ExecuteGraph(g, feeds)
	if err != nil {
		return nil, err
	}
	out := make([]*tensor.Array, len(g.Outputs))
	for i, name := range g.Outputs {
		v, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("%w: graph output %q not computed", ErrMissingInput, name)
		}
		out[i] = v
	}
	return out, nil
}

// =============================================================================
// Helpers shared by op definitions
// =============================================================================

func inputShape(g *graph.Graph, n *graph.Node, i int) []int {
	return g.Shape(n.Input(i))
}

func inputType(g *graph.Graph, n *graph.Node, i int) graph.DataType {
	return g.DataTypeOf(n.Input(i))
}

func sameShape(g *graph.Graph, n *graph.Node) ([][]int, error) {
	s := inputShape(g, n, 0)
	out := make([][]int, len(n.Outputs))
	for i := range out {
		out[i] = slices.Clone(s)
	}
	return out, nil
}

func sameType(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
	dt := inputType(g, n, 0)
	out := make([]graph.DataType, len(n.Outputs))
	for i := range out {
		out[i] = dt
	}
	return out, nil
}

func one[T any](v T) []T { return []T{v} }

// requireInit returns the constant value of input i or an error.
func requireInit(g *graph.Graph, n *graph.Node, i int) (*tensor.Array, error) {
	v := g.Initializer(n.Input(i))
	if v == nil {
		return nil, fmt.Errorf("%w: input %d of %s must be constant", ErrMissingInput, i, n.OpType)
	}
	return v, nil
}

// allInteger reports whether every non-empty input of n has an integer
// datatype.
func allInteger(g *graph.Graph, n *graph.Node) bool {
	for _, in := range n.Inputs {
		if in == "" {
			continue
		}
		if !g.DataTypeOf(in).IsInteger() {
			return false
		}
	}
	return true
}

func needInputs(in []*tensor.Array, k int) error {
	if len(in) < k {
		return fmt.Errorf("%w: want %d inputs, got %d", ErrMissingInput, k, len(in))
	}
	for i := range k {
		if in[i] == nil {
			return fmt.Errorf("%w: input %d", ErrMissingInput, i)
		}
	}
	return nil
}
