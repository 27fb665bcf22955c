package streamline

import (
	"slices"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/tensor"
	"github.com/matzehuels/hlsflow/pkg/transform"
)

// MoveAddPastMul rewrites (x + a) * m as x * m + a*m, moving additions
// towards the thresholds they can be absorbed into.
func MoveAddPastMul() transform.Pass {
	return transform.NodePass("MoveAddPastMul", func(g *graph.Graph, n *graph.Node) (bool, error) {
		add, ok := asLinear(g, n, ops.OpAdd)
		if !ok {
			return false, nil
		}
		mul, ok := asLinear(g, next(g, n, ops.OpMul), ops.OpMul)
		if !ok || mul.x() != add.out() {
			return false, nil
		}
		am, err := tensor.Mul(add.c, mul.c)
		if err != nil {
			return false, nil
		}
		setConst(g, add, am)
		return true, moveAfter(g, add, mul.node, mul.dyn)
	})
}

// MoveScalarAddPastMatMul rewrites (x + c) W as xW + c*colsum(W).
func MoveScalarAddPastMatMul() transform.Pass {
	return transform.NodePass("MoveScalarAddPastMatMul", func(g *graph.Graph, n *graph.Node) (bool, error) {
		add, ok := asScalar(g, n, ops.OpAdd)
		if !ok {
			return false, nil
		}
		mm := next(g, n, ops.OpMatMul)
		if mm == nil || mm.Input(0) != add.out() {
			return false, nil
		}
		w := g.Initializer(mm.Input(1))
		if w == nil || w.Rank() != 2 {
			return false, nil
		}
		colsum, err := w.SumAxis(0, false)
		if err != nil {
			return false, err
		}
		c := add.c.Item()
		setConst(g, add, colsum.Map(func(v float64) float64 { return c * v }))
		return true, moveAfter(g, add, mm, 0)
	})
}

// MoveAddPastConv moves a scalar or per-channel Add past an unpadded,
// bias-free Conv. The constant becomes a per-output-channel bias.
func MoveAddPastConv() transform.Pass {
	return transform.NodePass("MoveAddPastConv", func(g *graph.Graph, n *graph.Node) (bool, error) {
		add, ok := asLinear(g, n, ops.OpAdd)
		if !ok {
			return false, nil
		}
		conv := next(g, n, ops.OpConv)
		if conv == nil || conv.Input(0) != add.out() || conv.Input(2) != "" {
			return false, nil
		}
		w := g.Initializer(conv.Input(1))
		x := g.Shape(add.x())
		if w == nil || w.Rank() != 4 || len(x) != 4 || !keepsShape(x, add.c) {
			return false, nil
		}
		_, _, pads := ops.ConvWindowAttrs(conv, w.Shape)
		if slices.ContainsFunc(pads, func(p int) bool { return p != 0 }) {
			return false, nil
		}
		vals, ok := channelValues(add.c, x, 1)
		if !ok {
			return false, nil
		}
		o, cg := w.Shape[0], w.Shape[1]
		og := o / max(1, x[1]/cg)
		per := cg * w.Shape[2] * w.Shape[3]
		bias := make([]float64, o)
		for oc := range o {
			base := (oc / og) * cg
			for i := range per {
				bias[oc] += w.Data[oc*per+i] * pick(vals, base+i/(w.Shape[2]*w.Shape[3]))
			}
		}
		setConst(g, add, channelShaped(bias, 4, 1))
		return true, moveAfter(g, add, conv, 0)
	})
}

// moveScalarMulPast moves a scalar Mul past a linear node of opType whose
// first input it feeds.
func moveScalarMulPast(name, opType string) transform.Pass {
	return transform.NodePass(name, func(g *graph.Graph, n *graph.Node) (bool, error) {
		mul, ok := asScalar(g, n, ops.OpMul)
		if !ok {
			return false, nil
		}
		op := next(g, n, opType)
		if op == nil || op.Input(0) != mul.out() || g.Initializer(op.Input(1)) == nil || op.Input(2) != "" {
			return false, nil
		}
		return true, moveAfter(g, mul, op, 0)
	})
}

// MoveScalarMulPastMatMul rewrites (x * m) W as (xW) * m.
func MoveScalarMulPastMatMul() transform.Pass {
	return moveScalarMulPast("MoveScalarMulPastMatMul", ops.OpMatMul)
}

// MoveScalarMulPastConv rewrites conv(x * m, W) as conv(x, W) * m for
// bias-free convolutions.
func MoveScalarMulPastConv() transform.Pass {
	return moveScalarMulPast("MoveScalarMulPastConv", ops.OpConv)
}

// invariantOps commute with scalar Add and Mul.
var invariantOps = []string{ops.OpTranspose, ops.OpReshape, ops.OpFlatten, ops.OpIdentity}

// MoveScalarLinearPastInvariants moves scalar Add and Mul nodes past
// operators that only rearrange elements.
func MoveScalarLinearPastInvariants() transform.Pass {
	return transform.NodePass("MoveScalarLinearPastInvariants", func(g *graph.Graph, n *graph.Node) (bool, error) {
		l, ok := asScalar(g, n, ops.OpAdd)
		if !ok {
			l, ok = asScalar(g, n, ops.OpMul)
		}
		if !ok || len(l.c.Shape) > len(g.Shape(l.x())) {
			return false, nil
		}
		inv := next(g, n, invariantOps...)
		if inv == nil || inv.Input(0) != l.out() {
			return false, nil
		}
		if inv.OpType == ops.OpReshape && g.Initializer(inv.Input(1)) == nil {
			return false, nil
		}
		// keep the constant rank-compatible with the rearranged tensor
		setConst(g, l, tensor.Scalar(l.c.Item()))
		return true, moveAfter(g, l, inv, 0)
	})
}

// MoveMaxPoolPastMultiThreshold swaps MaxPool -> MultiThreshold. Thresholding
// with a non-negative output scale is monotone per channel, so it commutes
// with taking a maximum.
func MoveMaxPoolPastMultiThreshold() transform.Pass {
	return transform.NodePass("MoveMaxPoolPastMultiThreshold", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpMaxPool {
			return false, nil
		}
		mt := next(g, n, ops.OpMultiThreshold)
		if mt == nil || mt.Input(0) != n.Output(0) || mt.Attrs.Float("out_scale", 1) < 0 {
			return false, nil
		}
		if mtAxis(g, mt) != 1 {
			return false, nil
		}
		x, mid, out := n.Input(0), n.Output(0), mt.Output(0)
		mt.Inputs[0] = x
		mt.Outputs[0] = mid
		n.Inputs[0] = mid
		n.Outputs[0] = out
		g.RemoveNode(n)
		g.InsertAfter(mt, n)
		return true, transform.Refresh(g, mt, n)
	})
}

// MoveLinearPastEltwiseAdd rewrites (x*c) + (y*c) as (x+y)*c and
// (x+a) + (y+b) as (x+y) + (a+b) for scalar constants.
func MoveLinearPastEltwiseAdd() transform.Pass {
	return transform.NodePass("MoveLinearPastEltwiseAdd", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpAdd || len(n.Inputs) != 2 {
			return false, nil
		}
		if g.Initializer(n.Inputs[0]) != nil || g.Initializer(n.Inputs[1]) != nil {
			return false, nil
		}
		p0, p1 := g.Producer(n.Inputs[0]), g.Producer(n.Inputs[1])
		if p0 == nil || p1 == nil || p0 == p1 || p0.OpType != p1.OpType {
			return false, nil
		}
		if transform.SoleConsumer(g, p0.Output(0)) != n || transform.SoleConsumer(g, p1.Output(0)) != n {
			return false, nil
		}
		a, ok0 := asScalar(g, p0, p0.OpType)
		b, ok1 := asScalar(g, p1, p1.OpType)
		if !ok0 || !ok1 {
			return false, nil
		}
		var c float64
		switch p0.OpType {
		case ops.OpMul:
			if a.c.Item() != b.c.Item() {
				return false, nil
			}
			c = a.c.Item()
		case ops.OpAdd:
			c = a.c.Item() + b.c.Item()
		default:
			return false, nil
		}
		x, y := a.x(), b.x()
		if !slices.Equal(g.Shape(x), g.Shape(y)) {
			return false, nil
		}
		mid, out, dead := a.out(), n.Output(0), b.out()
		n.Inputs[0], n.Inputs[1] = x, y
		n.Outputs[0] = mid
		setConst(g, a, tensor.Scalar(c))
		p0.Outputs[0] = out
		p0.Inputs[a.dyn] = mid
		g.RemoveNode(p1)
		g.DeleteTensor(dead)
		g.RemoveNode(p0)
		g.InsertAfter(n, p0)
		return true, transform.Refresh(g, n, p0)
	})
}

// MoveLinearPastFork duplicates an Add or Mul with a constant operand whose
// output feeds several nodes, giving every consumer its own copy.
func MoveLinearPastFork() transform.Pass {
	return transform.NodePass("MoveLinearPastFork", func(g *graph.Graph, n *graph.Node) (bool, error) {
		l, ok := asLinear(g, n, ops.OpAdd)
		if !ok {
			l, ok = asLinear(g, n, ops.OpMul)
		}
		if !ok || g.IsGraphOutput(l.out()) {
			return false, nil
		}
		consumers := g.Consumers(l.out())
		if len(consumers) < 2 {
			return false, nil
		}
		for _, c := range consumers[1:] {
			dup := n.Clone()
			dup.Name = ""
			dup.UID = ""
			out := g.AddTensorLike(l.out()+"_fork", l.out())
			dup.Outputs = []string{out}
			dup.Inputs[l.cIdx()] = g.AddInitializer(l.node.Inputs[l.cIdx()], l.c.Clone())
			for i, in := range c.Inputs {
				if in == l.out() {
					c.Inputs[i] = out
				}
			}
			g.InsertAfter(n, dup)
			if err := transform.Refresh(g, dup); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}
