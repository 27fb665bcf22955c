// Package fifo inserts, sizes and removes the stream buffers between
// hardware nodes.
//
// Two ways of sizing exist. In manual mode the build inserts a FIFO on
// every stream with [InsertFIFO], lets a folding config override depths and
// drops what stayed shallow with [RemoveShallowFIFOs]. In automatic mode a
// [Sizer] picks the depths; [SimSizer] measures them by simulation.
package fifo

import (
	"fmt"
	"slices"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/transform"
)

// ShallowDepth is the depth every hardware primitive buffers internally. A
// FIFO no deeper than this adds nothing.
const ShallowDepth = 2

// streamNode reports whether n is a hardware node other than a FIFO.
func streamNode(n *graph.Node) bool {
	return n != nil && n.IsHW() && n.OpType != ops.OpFIFO
}

// InsertDWC inserts a StreamingDataWidthConverter_Batch on every stream
// between two hardware nodes whose word widths differ.
func InsertDWC() transform.Pass {
	return transform.NodePass("InsertDWC", func(g *graph.Graph, c *graph.Node) (bool, error) {
		if !c.IsHW() || c.OpType == ops.OpDWC {
			return false, nil
		}
		for k, in := range c.Inputs {
			p := g.Producer(in)
			if p == nil || !p.IsHW() || p.OpType == ops.OpDWC || g.Initializer(in) != nil {
				continue
			}
			ps, err := ops.StreamOf(g, p)
			if err != nil {
				return false, err
			}
			cs, err := ops.StreamOf(g, c)
			if err != nil {
				return false, err
			}
			if ps.OutWidth == cs.InWidth {
				continue
			}
			out := g.AddTensorLike(in+"_dwc", in)
			dwc := graph.NewHWNode(ops.OpDWC, []string{in}, []string{out}, graph.Attrs{
				"shape":    slices.Clone(g.Shape(in)),
				"inWidth":  ps.OutWidth,
				"outWidth": cs.InWidth,
				"dataType": string(g.DataTypeOf(in)),
			})
			ops.ApplyDefaults(dwc)
			if _, err := ops.StreamOf(g, dwc); err != nil {
				return false, fmt.Errorf("no width converter from %s to %s: %w", p, c, err)
			}
			c.Inputs[k] = out
			g.InsertNode(g.NodeIndex(c), dwc)
			return true, transform.Refresh(g, dwc)
		}
		return false, nil
	})
}

// InsertFIFO inserts a StreamingFIFO on every stream between two hardware
// nodes and on every stream entering or leaving the hardware region
// through the graph interface. The depth is the larger of the producer's
// outFIFODepth and the consumer's inFIFODepth. Unless createShallow is set,
// streams that would get a FIFO of at most [ShallowDepth] are left alone.
func InsertFIFO(createShallow bool) transform.Pass {
	return transform.NodePass("InsertFIFO", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if !streamNode(n) {
			return false, nil
		}
		s, err := ops.StreamOf(g, n)
		if err != nil {
			return false, err
		}

		// streams into n
		for k, in := range n.Inputs {
			if in == "" || g.Initializer(in) != nil {
				continue
			}
			p := g.Producer(in)
			if (p == nil && !g.IsGraphInput(in)) || (p != nil && !streamNode(p)) {
				continue
			}
			depth := n.Attrs.Int("inFIFODepth", ShallowDepth)
			folded := s.InFolded
			if p != nil {
				depth = max(depth, p.Attrs.Int("outFIFODepth", ShallowDepth))
				ps, err := ops.StreamOf(g, p)
				if err != nil {
					return false, err
				}
				folded = ps.OutFolded
			}
			if depth <= ShallowDepth && !createShallow {
				continue
			}
			out := g.AddTensorLike(in+"_fifo", in)
			n.Inputs[k] = out
			g.InsertNode(g.NodeIndex(n), newFIFO(g, in, out, depth, folded))
			return true, nil
		}

		// graph outputs written by n
		for j, out := range n.Outputs {
			if !g.IsGraphOutput(out) {
				continue
			}
			depth := n.Attrs.Int("outFIFODepth", ShallowDepth)
			if depth <= ShallowDepth && !createShallow {
				continue
			}
			in := g.AddTensorLike(out+"_fifo", out)
			n.Outputs[j] = in
			g.InsertAfter(n, newFIFO(g, in, out, depth, s.OutFolded))
			return true, nil
		}
		return false, nil
	})
}

func newFIFO(g *graph.Graph, in, out string, depth int, folded []int) *graph.Node {
	n := graph.NewHWNode(ops.OpFIFO, []string{in}, []string{out}, graph.Attrs{
		"depth":        depth,
		"folded_shape": slices.Clone(folded),
		"normal_shape": slices.Clone(g.Shape(in)),
		"dataType":     string(g.DataTypeOf(in)),
	})
	ops.ApplyDefaults(n)
	return n
}

// RemoveShallowFIFOs removes every StreamingFIFO of depth at most
// [ShallowDepth].
func RemoveShallowFIFOs() transform.Pass {
	return transform.NodePass("RemoveShallowFIFOs", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpFIFO || n.Attrs.Int("depth", ShallowDepth) > ShallowDepth {
			return false, nil
		}
		return true, g.Bypass(n)
	})
}
