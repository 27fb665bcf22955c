package transform

import (
	"slices"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/tensor"
)

// SoleConsumer returns the only node reading name. It returns nil when the
// tensor is a graph output, unused, or read by more than one node.
func SoleConsumer(g *graph.Graph, name string) *graph.Node {
	if g.IsGraphOutput(name) {
		return nil
	}
	cs := g.Consumers(name)
	if len(cs) != 1 {
		return nil
	}
	return cs[0]
}

// ConstOperand returns the position and value of the constant operand of a
// two-input node. It prefers input 1 and returns -1 if neither or both
// inputs are constant.
func ConstOperand(g *graph.Graph, n *graph.Node) (int, *tensor.Array) {
	if len(n.Inputs) != 2 {
		return -1, nil
	}
	a, b := g.Initializer(n.Inputs[0]), g.Initializer(n.Inputs[1])
	switch {
	case b != nil && a == nil:
		return 1, b
	case a != nil && b == nil:
		return 0, a
	}
	return -1, nil
}

// Refresh recomputes shape, datatype and layout of the outputs of nodes, in
// the order given.
func Refresh(g *graph.Graph, nodes ...*graph.Node) error {
	for _, n := range nodes {
		if err := ops.InferShape(g, n); err != nil {
			return err
		}
		if err := ops.InferDataType(g, n); err != nil {
			return err
		}
		if err := ops.InferLayout(g, n); err != nil {
			return err
		}
	}
	return nil
}

// IsOp reports whether n is non-nil and has one of types.
func IsOp(n *graph.Node, types ...string) bool {
	return n != nil && slices.Contains(types, n.OpType)
}
