package streamline

import (
	"math"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/tensor"
	"github.com/matzehuels/hlsflow/pkg/transform"
)

// AbsorbScalarMulAddIntoTopK removes a scalar Add, or a scalar Mul by a
// positive factor, feeding a TopK. Neither changes the order of the values.
func AbsorbScalarMulAddIntoTopK() transform.Pass {
	return transform.NodePass("AbsorbScalarMulAddIntoTopK", func(g *graph.Graph, n *graph.Node) (bool, error) {
		l, ok := asScalar(g, n, ops.OpAdd)
		if !ok {
			l, ok = asScalar(g, n, ops.OpMul)
			if !ok || l.c.Item() <= 0 {
				return false, nil
			}
		}
		if next(g, n, ops.OpTopK) == nil {
			return false, nil
		}
		return true, dropNode(g, n, l.x())
	})
}

// ConvertSubToAdd rewrites x - c as x + (-c).
func ConvertSubToAdd() transform.Pass {
	return transform.NodePass("ConvertSubToAdd", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpSub {
			return false, nil
		}
		c := g.Initializer(n.Input(1))
		if c == nil || g.Initializer(n.Input(0)) != nil {
			return false, nil
		}
		n.OpType = ops.OpAdd
		n.Inputs[1] = g.AddInitializer(n.Inputs[1], c.Map(func(v float64) float64 { return -v }))
		return true, transform.Refresh(g, n)
	})
}

// ConvertDivToMul rewrites x / c as x * (1/c).
func ConvertDivToMul() transform.Pass {
	return transform.NodePass("ConvertDivToMul", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpDiv {
			return false, nil
		}
		c := g.Initializer(n.Input(1))
		if c == nil || g.Initializer(n.Input(0)) != nil {
			return false, nil
		}
		n.OpType = ops.OpMul
		n.Inputs[1] = g.AddInitializer(n.Inputs[1], c.Map(func(v float64) float64 { return 1 / v }))
		return true, transform.Refresh(g, n)
	})
}

// RemoveIdentityOps removes Identity nodes, additions of zero and
// multiplications by one that do not broadcast their input.
func RemoveIdentityOps() transform.Pass {
	return transform.NodePass("RemoveIdentityOps", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType == ops.OpIdentity {
			if g.IsGraphInput(n.Input(0)) && g.IsGraphOutput(n.Output(0)) {
				return false, nil
			}
			return true, dropNode(g, n, n.Input(0))
		}
		var neutral float64
		l, ok := asLinear(g, n, ops.OpAdd)
		if !ok {
			l, ok = asLinear(g, n, ops.OpMul)
			neutral = 1
		}
		if !ok || !l.c.AllEqual(neutral) || !keepsShape(g.Shape(l.x()), l.c) {
			return false, nil
		}
		if g.IsGraphInput(l.x()) && g.IsGraphOutput(l.out()) {
			return false, nil
		}
		return true, dropNode(g, n, l.x())
	})
}

// collapseRepeated merges two consecutive Add or Mul nodes with constant
// operands into one.
func collapseRepeated(name, opType string, combine func(a, b *tensor.Array) (*tensor.Array, error)) transform.Pass {
	return transform.NodePass(name, func(g *graph.Graph, n *graph.Node) (bool, error) {
		first, ok := asLinear(g, n, opType)
		if !ok {
			return false, nil
		}
		second, ok := asLinear(g, next(g, n, opType), opType)
		if !ok || second.x() != first.out() {
			return false, nil
		}
		c, err := combine(first.c, second.c)
		if err != nil {
			return false, nil
		}
		setConst(g, first, c)
		mid := first.out()
		n.Outputs[0] = second.out()
		g.RemoveNode(second.node)
		g.DeleteTensor(mid)
		return true, transform.Refresh(g, n)
	})
}

// CollapseRepeatedMul rewrites (x * a) * b as x * (a*b).
func CollapseRepeatedMul() transform.Pass {
	return collapseRepeated("CollapseRepeatedMul", ops.OpMul, tensor.Mul)
}

// CollapseRepeatedAdd rewrites (x + a) + b as x + (a+b).
func CollapseRepeatedAdd() transform.Pass {
	return collapseRepeated("CollapseRepeatedAdd", ops.OpAdd, tensor.Add)
}

// BatchNormToAffine replaces inference-mode batch normalization with a
// per-channel Mul followed by a per-channel Add.
func BatchNormToAffine() transform.Pass {
	return transform.NodePass("BatchNormToAffine", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpBatchNorm || len(n.Inputs) < 5 {
			return false, nil
		}
		params := make([]*tensor.Array, 4)
		for i := range params {
			if params[i] = g.Initializer(n.Inputs[i+1]); params[i] == nil {
				return false, nil
			}
		}
		rank := len(g.Shape(n.Input(0)))
		if rank < 2 {
			return false, nil
		}
		scale, shift := ops.BatchNormAffine(params[0], params[1], params[2], params[3], n.Attrs.Float("epsilon", 1e-5))
		s := g.AddInitializer(n.Name+"_scale", channelShaped(scale.Data, rank, 1))
		b := g.AddInitializer(n.Name+"_shift", channelShaped(shift.Data, rank, 1))
		mid := g.AddTensorLike(n.Name+"_scaled", n.Input(0))

		mul := graph.NewNode(ops.OpMul, []string{n.Input(0), s}, []string{mid}, nil)
		add := graph.NewNode(ops.OpAdd, []string{mid, b}, []string{n.Output(0)}, nil)
		idx := g.NodeIndex(n)
		g.RemoveNode(n)
		g.InsertNode(idx, add)
		g.InsertNode(idx, mul)
		return true, transform.Refresh(g, mul, add)
	})
}

// ConvertSignToThres replaces Sign with a single-threshold MultiThreshold
// producing -1 below zero and +1 otherwise.
func ConvertSignToThres() transform.Pass {
	return transform.NodePass("ConvertSignToThres", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpSign {
			return false, nil
		}
		layout := graph.LayoutNCHW
		if t := g.Tensor(n.Input(0)); t != nil && t.Layout == graph.LayoutNHWC {
			layout = graph.LayoutNHWC
		}
		thr := g.AddInitializer(n.Name+"_thres", tensor.MustNew([]int{1, 1}, []float64{0}))
		mt := graph.NewNode(ops.OpMultiThreshold, []string{n.Input(0), thr}, []string{n.Output(0)}, graph.Attrs{
			"out_dtype":   string(graph.Bipolar),
			"out_scale":   2.0,
			"out_bias":    -1.0,
			"data_layout": string(layout),
		})
		idx := g.NodeIndex(n)
		g.RemoveNode(n)
		g.InsertNode(idx, mt)
		return true, transform.Refresh(g, mt)
	})
}

// AbsorbAddIntoMultiThreshold folds a scalar or per-channel Add into the
// thresholds of the following MultiThreshold: x + a >= t iff x >= t - a.
func AbsorbAddIntoMultiThreshold() transform.Pass {
	return transform.NodePass("AbsorbAddIntoMultiThreshold", func(g *graph.Graph, n *graph.Node) (bool, error) {
		return absorbIntoThresholds(g, n, ops.OpAdd, func(vals []float64) bool { return true },
			func(t, v float64) float64 { return t - v })
	})
}

// AbsorbMulIntoMultiThreshold folds a positive scalar or per-channel Mul into
// the thresholds of the following MultiThreshold: x * m >= t iff x >= t / m.
func AbsorbMulIntoMultiThreshold() transform.Pass {
	return transform.NodePass("AbsorbMulIntoMultiThreshold", func(g *graph.Graph, n *graph.Node) (bool, error) {
		return absorbIntoThresholds(g, n, ops.OpMul, allPositive,
			func(t, v float64) float64 { return t / v })
	})
}

func absorbIntoThresholds(g *graph.Graph, n *graph.Node, opType string, accept func([]float64) bool, f func(t, v float64) float64) (bool, error) {
	l, ok := asLinear(g, n, opType)
	if !ok {
		return false, nil
	}
	mt := next(g, n, ops.OpMultiThreshold)
	if mt == nil || mt.Input(0) != l.out() {
		return false, nil
	}
	thr := thresholdOperand(g, mt)
	if thr == nil {
		return false, nil
	}
	x := g.Shape(l.x())
	vals, ok := channelValues(l.c, x, mtAxis(g, mt))
	if !ok || !accept(vals) || !keepsShape(x, l.c) {
		return false, nil
	}
	updated, ok := updateThresholds(thr, vals, f)
	if !ok {
		return false, nil
	}
	mt.Inputs[1] = g.AddInitializer(mt.Inputs[1], updated)
	return true, dropNode(g, n, l.x())
}

// FactorOutMulSignMagnitude splits a Mul by constants of mixed sign and
// non-unit magnitude into a Mul by the signs followed by a Mul by the
// magnitudes, so the positive part can be absorbed downstream.
func FactorOutMulSignMagnitude() transform.Pass {
	return transform.NodePass("FactorOutMulSignMagnitude", func(g *graph.Graph, n *graph.Node) (bool, error) {
		l, ok := asLinear(g, n, ops.OpMul)
		if !ok {
			return false, nil
		}
		negative, unit := false, true
		for _, v := range l.c.Data {
			negative = negative || v < 0
			unit = unit && math.Abs(v) == 1
		}
		if !negative || unit {
			return false, nil
		}
		sign := l.c.Map(func(v float64) float64 {
			if v < 0 {
				return -1
			}
			return 1
		})
		mag := l.c.Map(math.Abs)
		out := l.out()
		mid := g.UniqueTensorName(out + "_sign")
		setConst(g, l, sign)
		n.Outputs[0] = mid
		magName := g.AddInitializer(n.Name+"_magnitude", mag)
		m := graph.NewNode(ops.OpMul, []string{mid, magName}, []string{out}, nil)
		g.InsertAfter(n, m)
		return true, transform.Refresh(g, n, m)
	})
}

// Absorb1BitMulIntoMatMul folds a Mul by a binary or bipolar per-column
// constant into the weights of the preceding MatMul.
func Absorb1BitMulIntoMatMul() transform.Pass {
	return transform.NodePass("Absorb1BitMulIntoMatMul", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpMatMul {
			return false, nil
		}
		w := g.Initializer(n.Input(1))
		if w == nil || w.Rank() != 2 {
			return false, nil
		}
		l, ok := asLinear(g, next(g, n, ops.OpMul), ops.OpMul)
		if !ok || !oneBit(l.c) {
			return false, nil
		}
		y := g.Shape(n.Output(0))
		vals, ok := channelValues(l.c, y, len(y)-1)
		if !ok || !keepsShape(y, l.c) {
			return false, nil
		}
		cols := w.Shape[1]
		scaled := w.Clone()
		for i := range scaled.Data {
			scaled.Data[i] *= pick(vals, i%cols)
		}
		setWeights(g, n, 1, scaled)
		return true, absorbFollower(g, n, l)
	})
}

// Absorb1BitMulIntoConv folds a Mul by a binary or bipolar per-output-channel
// constant into the weights of the preceding bias-free Conv.
func Absorb1BitMulIntoConv() transform.Pass {
	return transform.NodePass("Absorb1BitMulIntoConv", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpConv || n.Input(2) != "" {
			return false, nil
		}
		w := g.Initializer(n.Input(1))
		if w == nil || w.Rank() != 4 {
			return false, nil
		}
		l, ok := asLinear(g, next(g, n, ops.OpMul), ops.OpMul)
		if !ok || !oneBit(l.c) {
			return false, nil
		}
		y := g.Shape(n.Output(0))
		vals, ok := channelValues(l.c, y, 1)
		if !ok || !keepsShape(y, l.c) {
			return false, nil
		}
		per := w.Size() / w.Shape[0]
		scaled := w.Clone()
		for i := range scaled.Data {
			scaled.Data[i] *= pick(vals, i/per)
		}
		setWeights(g, n, 1, scaled)
		return true, absorbFollower(g, n, l)
	})
}

func oneBit(c *tensor.Array) bool {
	dt := graph.SmallestDataType(c.Data)
	return dt == graph.Binary || dt == graph.Bipolar
}

func pick(vals []float64, i int) float64 {
	if len(vals) == 1 {
		return vals[0]
	}
	return vals[i]
}

// setWeights replaces constant input i of n with w, keeping an integer
// datatype annotation when the new values still fit it.
func setWeights(g *graph.Graph, n *graph.Node, i int, w *tensor.Array) {
	old := g.DataTypeOf(n.Inputs[i])
	name := g.AddInitializer(n.Inputs[i], w)
	if old.IsInteger() && w.IsIntegral() {
		g.Tensor(name).DataType = graph.SmallestDataType(w.Data)
	}
	n.Inputs[i] = name
}

// absorbFollower removes the linear node l that directly follows n.
func absorbFollower(g *graph.Graph, n *graph.Node, l linear) error {
	if err := dropNode(g, l.node, l.x()); err != nil {
		return err
	}
	return transform.Refresh(g, n)
}
