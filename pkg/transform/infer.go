package transform

import (
	"fmt"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
)

// InferShapes computes the shape of every node output in graph order. Graph
// inputs must already carry shapes.
func InferShapes() Pass {
	return InPlace("InferShapes", func(g *graph.Graph) error {
		for _, in := range g.Inputs {
			if !g.Tensor(in).HasShape() {
				return fmt.Errorf("%w: graph input %q", graph.ErrMissingShape, in)
			}
		}
		for _, n := range g.Nodes {
			if err := ops.InferShape(g, n); err != nil {
				return err
			}
		}
		return nil
	})
}

// InferDataTypes computes the datatype of every node output. Graph inputs
// without a datatype are taken to be FLOAT32.
func InferDataTypes() Pass {
	return InPlace("InferDataTypes", func(g *graph.Graph) error {
		for _, in := range g.Inputs {
			if t := g.EnsureTensor(in); t.DataType == "" {
				t.DataType = graph.Float32
			}
		}
		for _, n := range g.Nodes {
			if err := ops.InferDataType(g, n); err != nil {
				return err
			}
		}
		return nil
	})
}

// InferDataLayouts annotates every tensor with its memory layout. Graph
// inputs without a layout get the conventional layout of their rank.
func InferDataLayouts() Pass {
	return InPlace("InferDataLayouts", func(g *graph.Graph) error {
		for _, in := range g.Inputs {
			if t := g.EnsureTensor(in); t.Layout == graph.LayoutUnknown {
				t.Layout = ops.LayoutForRank(len(t.Shape))
			}
		}
		for _, n := range g.Nodes {
			if err := ops.InferLayout(g, n); err != nil {
				return err
			}
		}
		return nil
	})
}
