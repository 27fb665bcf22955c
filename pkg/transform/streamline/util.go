package streamline

import (
	"slices"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/tensor"
	"github.com/matzehuels/hlsflow/pkg/transform"
)

// linear is an Add or Mul node with exactly one constant operand.
type linear struct {
	node *graph.Node
	dyn  int           // index of the dynamic input
	c    *tensor.Array // constant operand
}

func (l linear) x() string   { return l.node.Inputs[l.dyn] }
func (l linear) out() string { return l.node.Output(0) }
func (l linear) cIdx() int   { return 1 - l.dyn }

func asLinear(g *graph.Graph, n *graph.Node, opType string) (linear, bool) {
	if n == nil || n.OpType != opType {
		return linear{}, false
	}
	idx, c := transform.ConstOperand(g, n)
	if c == nil {
		return linear{}, false
	}
	return linear{node: n, dyn: 1 - idx, c: c}, true
}

// asScalar is asLinear restricted to single-element constants.
func asScalar(g *graph.Graph, n *graph.Node, opType string) (linear, bool) {
	l, ok := asLinear(g, n, opType)
	return l, ok && l.c.IsScalar()
}

// next returns the sole consumer of n's first output if it has one of types.
func next(g *graph.Graph, n *graph.Node, types ...string) *graph.Node {
	c := transform.SoleConsumer(g, n.Output(0))
	if !transform.IsOp(c, types...) {
		return nil
	}
	return c
}

// setConst replaces the constant operand of l with v.
func setConst(g *graph.Graph, l linear, v *tensor.Array) {
	l.node.Inputs[l.cIdx()] = g.AddInitializer(l.node.Inputs[l.cIdx()], v)
}

// moveAfter turns lin -> op into op -> lin: op reads lin's dynamic input
// directly and lin produces op's former output. Only valid when lin and op
// commute.
func moveAfter(g *graph.Graph, l linear, op *graph.Node, opIdx int) error {
	mid, out := l.out(), op.Output(0)
	op.Inputs[opIdx] = l.x()
	op.Outputs[0] = mid
	l.node.Inputs[l.dyn] = mid
	l.node.Outputs[0] = out
	g.RemoveNode(l.node)
	g.InsertAfter(op, l.node)
	return transform.Refresh(g, op, l.node)
}

// dropNode removes n and reconnects its consumers to the tensor in.
func dropNode(g *graph.Graph, n *graph.Node, in string) error {
	out := n.Output(0)
	if g.IsGraphOutput(out) {
		idx := slices.Index(n.Inputs, in)
		n.Inputs[0], n.Inputs[idx] = n.Inputs[idx], n.Inputs[0]
		return g.Bypass(n)
	}
	g.ReplaceInput(out, in)
	g.RemoveNode(n)
	g.DeleteTensor(out)
	return nil
}

// channelValues returns c as one value per channel of a tensor of shape x
// along axis, or a single value if c is a scalar. It fails if c varies along
// any other axis.
func channelValues(c *tensor.Array, x []int, axis int) ([]float64, bool) {
	if c.IsScalar() {
		return []float64{c.Data[0]}, true
	}
	if len(c.Shape) > len(x) || axis < 0 || axis >= len(x) {
		return nil, false
	}
	off := len(x) - len(c.Shape)
	for i, d := range c.Shape {
		if d == 1 {
			continue
		}
		if i+off != axis || d != x[axis] {
			return nil, false
		}
	}
	return slices.Clone(c.Data), true
}

// channelShaped lays out per-channel values so they broadcast along axis of
// a tensor of the given rank.
func channelShaped(vals []float64, rank, axis int) *tensor.Array {
	shape := make([]int, rank)
	for i := range shape {
		shape[i] = 1
	}
	shape[axis] = len(vals)
	return tensor.MustNew(shape, slices.Clone(vals))
}

// updateThresholds applies f(t, v) to every threshold of a [rows, n]
// threshold matrix, where v is the per-channel value of the row. A single
// threshold row is expanded when vals has one value per channel.
func updateThresholds(thr *tensor.Array, vals []float64, f func(t, v float64) float64) (*tensor.Array, bool) {
	if thr.Rank() != 2 {
		return nil, false
	}
	rows, nt := thr.Shape[0], thr.Shape[1]
	if rows > 1 && len(vals) > 1 && rows != len(vals) {
		return nil, false
	}
	outRows := max(rows, len(vals))
	out := tensor.Zeros(outRows, nt)
	for r := range outRows {
		tr, vr := 0, 0
		if rows > 1 {
			tr = r
		}
		if len(vals) > 1 {
			vr = r
		}
		for j := range nt {
			out.Data[r*nt+j] = f(thr.Data[tr*nt+j], vals[vr])
		}
	}
	return out, true
}

// thresholdOperand returns the threshold matrix of a MultiThreshold node.
func thresholdOperand(g *graph.Graph, mt *graph.Node) *tensor.Array {
	return g.Initializer(mt.Input(1))
}

// mtAxis returns the channel axis of a MultiThreshold node.
func mtAxis(g *graph.Graph, mt *graph.Node) int {
	return ops.MultiThresholdAxis(mt, len(g.Shape(mt.Input(0))))
}

func allPositive(v []float64) bool {
	for _, x := range v {
		if x <= 0 {
			return false
		}
	}
	return true
}

// keepsShape reports whether broadcasting c against x leaves x's shape
// unchanged.
func keepsShape(x []int, c *tensor.Array) bool {
	s, err := tensor.BroadcastShape(x, c.Shape)
	return err == nil && slices.Equal(s, x)
}
