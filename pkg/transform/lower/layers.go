package lower

import (
	"slices"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/tensor"
	"github.com/matzehuels/hlsflow/pkg/transform"
)

// InferQuantizedStreamingFCLayer lowers an integer MatMul with constant
// weights to a MatrixVectorActivation node. A directly following
// MultiThreshold with unit output scale becomes the node's activation;
// otherwise the node outputs the raw accumulator.
func InferQuantizedStreamingFCLayer() transform.Pass {
	return transform.NodePass("InferQuantizedStreamingFCLayer", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpMatMul {
			return false, nil
		}
		w := g.Initializer(n.Input(1))
		x := g.Shape(n.Input(0))
		if w == nil || w.Rank() != 2 || len(x) < 2 || !isInteger(g, n.Input(0)) {
			return false, nil
		}
		wdt := weightType(g, n.Input(1))
		if wdt == "" {
			return false, nil
		}
		idt := g.DataTypeOf(n.Input(0))
		mw, mh := w.Shape[0], w.Shape[1]
		attrs := graph.Attrs{
			"MW":              mw,
			"MH":              mh,
			"inputDataType":   string(idt),
			"weightDataType":  string(wdt),
			"numInputVectors": vectors(x),
		}
		if idt == graph.Bipolar && wdt == graph.Bipolar {
			attrs["binaryXnorMode"] = 1
		}
		weights := n.Input(1)
		if g.DataTypeOf(weights) != wdt {
			weights = addWeights(g, weights, w.Clone(), wdt)
		}

		if mt := transform.SoleConsumer(g, n.Output(0)); mt != nil && mt.Input(0) == n.Output(0) && activation(g, mt, mh) {
			act, _ := intValue(mt.Attrs.Float("out_bias", 0))
			attrs["ActVal"] = act
			attrs["noActivation"] = 0
			attrs["outputDataType"] = mt.Attrs.String("out_dtype", "")
			mvau := newHW(ops.OpMVAU, []string{n.Input(0), weights, mt.Input(1)}, []string{mt.Output(0)}, attrs)
			mid := n.Output(0)
			g.RemoveNode(mt)
			g.DeleteTensor(mid)
			return true, replace(g, n, mvau)
		}

		attrs["noActivation"] = 1
		attrs["outputDataType"] = string(accType(idt, columns(w)))
		return true, replace(g, n, newHW(ops.OpMVAU, []string{n.Input(0), weights}, []string{n.Output(0)}, attrs))
	})
}

// activation reports whether mt can be fused into an MVAU with mh outputs.
func activation(g *graph.Graph, mt *graph.Node, mh int) bool {
	if mt.OpType != ops.OpMultiThreshold || mt.Attrs.Float("out_scale", 1) != 1 {
		return false
	}
	if _, ok := intValue(mt.Attrs.Float("out_bias", 0)); !ok {
		return false
	}
	thr := g.Initializer(mt.Input(1))
	if thr == nil || thr.Rank() != 2 || (thr.Shape[0] != 1 && thr.Shape[0] != mh) {
		return false
	}
	x := g.Shape(mt.Input(0))
	return ops.MultiThresholdAxis(mt, len(x)) == len(x)-1
}

// InferThresholdingLayer lowers a MultiThreshold with integer input and
// unit output scale to a Thresholding_Batch node.
func InferThresholdingLayer() transform.Pass {
	return transform.NodePass("InferThresholdingLayer", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpMultiThreshold || !isInteger(g, n.Input(0)) || n.Attrs.Float("out_scale", 1) != 1 {
			return false, nil
		}
		act, ok := intValue(n.Attrs.Float("out_bias", 0))
		thr := g.Initializer(n.Input(1))
		if !ok || thr == nil || thr.Rank() != 2 {
			return false, nil
		}
		x := g.Shape(n.Input(0))
		if len(x) == 0 {
			return false, nil
		}
		axis := ops.MultiThresholdAxis(n, len(x))
		var wrap nhwcWrap
		in, out := n.Input(0), n.Output(0)
		switch {
		case axis == len(x)-1:
		case len(x) == 4 && axis == 1:
			in, out = wrap.input(g, in), wrap.output(g, out)
		default:
			return false, nil
		}
		c := x[axis]
		if thr.Shape[0] != 1 && thr.Shape[0] != c {
			return false, nil
		}
		shape := slices.Clone(x)
		if len(x) == 4 && axis == 1 {
			shape = tensor.PermuteShape(x, ops.PermNCHWToNHWC)
		}
		th := newHW(ops.OpThresholding, []string{in, n.Input(1)}, []string{out}, graph.Attrs{
			"NumChannels":     c,
			"ActVal":          act,
			"inputDataType":   string(g.DataTypeOf(n.Input(0))),
			"weightDataType":  string(graph.SmallestDataType(thr.Data)),
			"outputDataType":  n.Attrs.String("out_dtype", ""),
			"numInputVectors": vectors(shape),
		})
		return true, replace(g, n, wrap.nodes(th)...)
	})
}

// InferChannelwiseLinearLayer lowers an Add or Mul of an integer tensor and
// an integral scalar or per-channel constant to a ChannelwiseOp_Batch node.
func InferChannelwiseLinearLayer() transform.Pass {
	return transform.NodePass("InferChannelwiseLinearLayer", func(g *graph.Graph, n *graph.Node) (bool, error) {
		var fn string
		switch n.OpType {
		case ops.OpAdd:
			fn = "add"
		case ops.OpMul:
			fn = "mul"
		default:
			return false, nil
		}
		idx, c := transform.ConstOperand(g, n)
		if c == nil || !c.IsIntegral() {
			return false, nil
		}
		in := n.Inputs[1-idx]
		x := g.Shape(in)
		if len(x) == 0 || !isInteger(g, in) {
			return false, nil
		}
		var wrap nhwcWrap
		axis, hwIn, out := len(x)-1, in, n.Output(0)
		switch {
		case channelsLast(g, in):
		case channelsFirst(g, in):
			axis = 1
			hwIn, out = wrap.input(g, in), wrap.output(g, out)
		default:
			return false, nil
		}
		vals, ok := perChannel(c, x, axis)
		if !ok {
			return false, nil
		}
		idt := g.DataTypeOf(in)
		lo, hi := idt.Min(), idt.Max()
		var olo, ohi float64
		for i, p := range vals {
			a, b := lo+p, hi+p
			if fn == "mul" {
				a, b = lo*p, hi*p
			}
			if i == 0 {
				olo, ohi = min(a, b), max(a, b)
			}
			olo, ohi = min(olo, a, b), max(ohi, a, b)
		}
		params := addWeights(g, n.Inputs[idx], tensor.MustNew([]int{len(vals)}, vals), graph.SmallestDataType(vals))
		shape := slices.Clone(x)
		if axis == 1 && len(x) == 4 {
			shape = tensor.PermuteShape(x, ops.PermNCHWToNHWC)
		}
		cw := newHW(ops.OpChannelwise, []string{hwIn, params}, []string{out}, graph.Attrs{
			"Func":            fn,
			"NumChannels":     x[axis],
			"inputDataType":   string(idt),
			"paramDataType":   string(graph.SmallestDataType(vals)),
			"outputDataType":  string(graph.SmallestDataType([]float64{olo, ohi, 0})),
			"numInputVectors": vectors(shape),
		})
		return true, replace(g, n, wrap.nodes(cw)...)
	})
}

// perChannel expands a scalar or per-channel constant to one value per
// channel of a tensor of shape x along axis.
func perChannel(c *tensor.Array, x []int, axis int) ([]float64, bool) {
	ch := x[axis]
	if c.IsScalar() {
		vals := make([]float64, ch)
		for i := range vals {
			vals[i] = c.Data[0]
		}
		return vals, true
	}
	if c.Size() != ch || len(c.Shape) > len(x) {
		return nil, false
	}
	off := len(x) - len(c.Shape)
	for i, d := range c.Shape {
		if d != 1 && i+off != axis {
			return nil, false
		}
	}
	return slices.Clone(c.Data), true
}

// InferAddStreamsLayer lowers the addition of two integer streams of equal
// shape to an AddStreams_Batch node.
func InferAddStreamsLayer() transform.Pass {
	return transform.NodePass("InferAddStreamsLayer", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpAdd || len(n.Inputs) != 2 {
			return false, nil
		}
		a, b := n.Inputs[0], n.Inputs[1]
		if g.Initializer(a) != nil || g.Initializer(b) != nil || !isInteger(g, a) || !isInteger(g, b) {
			return false, nil
		}
		x := g.Shape(a)
		if len(x) == 0 || !slices.Equal(x, g.Shape(b)) || g.DataTypeOf(a) != g.DataTypeOf(b) {
			return false, nil
		}
		var wrap nhwcWrap
		out := n.Output(0)
		shape := slices.Clone(x)
		switch {
		case channelsLast(g, a) && channelsLast(g, b):
		case channelsFirst(g, a) && channelsFirst(g, b):
			a, b, out = wrap.input(g, a), wrap.input(g, b), wrap.output(g, out)
			shape = tensor.PermuteShape(x, ops.PermNCHWToNHWC)
		default:
			return false, nil
		}
		add := newHW(ops.OpAddStreams, []string{a, b}, []string{out}, graph.Attrs{
			"NumChannels":     shape[len(shape)-1],
			"inputDataType":   string(g.DataTypeOf(n.Inputs[0])),
			"numInputVectors": vectors(shape),
		})
		return true, replace(g, n, wrap.nodes(add)...)
	})
}

// InferDuplicateStreamsLayer gives every consumer of a forking hardware
// stream its own copy through a DuplicateStreams_Batch node.
func InferDuplicateStreamsLayer() transform.Pass {
	return transform.NodePass("InferDuplicateStreamsLayer", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if !n.IsHW() || n.OpType == ops.OpDuplicateStreams {
			return false, nil
		}
		for _, out := range n.Outputs {
			consumers := g.Consumers(out)
			if len(consumers) < 2 || g.IsGraphOutput(out) || !isInteger(g, out) || !channelsLast(g, out) {
				continue
			}
			shape := g.Shape(out)
			outs := make([]string, len(consumers))
			for i := range outs {
				outs[i] = g.UniqueTensorName(out + "_dup")
				g.EnsureTensor(outs[i])
			}
			dup := newHW(ops.OpDuplicateStreams, []string{out}, outs, graph.Attrs{
				"NumChannels":      shape[len(shape)-1],
				"NumOutputStreams": len(consumers),
				"inputDataType":    string(g.DataTypeOf(out)),
				"numInputVectors":  vectors(shape),
			})
			for i, c := range consumers {
				for j, in := range c.Inputs {
					if in == out {
						c.Inputs[j] = outs[i]
					}
				}
			}
			g.InsertAfter(n, dup)
			return true, transform.Refresh(g, dup)
		}
		return false, nil
	})
}

// InferLabelSelectLayer lowers a TopK over the last axis of integer data to
// a LabelSelect_Batch node.
func InferLabelSelectLayer() transform.Pass {
	return transform.NodePass("InferLabelSelectLayer", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpTopK || !isInteger(g, n.Input(0)) || len(n.Outputs) != 1 {
			return false, nil
		}
		x := g.Shape(n.Input(0))
		axis := n.Attrs.Int("axis", -1)
		if len(x) == 0 || (axis != -1 && axis != len(x)-1) || n.Attrs.Int("largest", 1) != 1 {
			return false, nil
		}
		labels := x[len(x)-1]
		sel := newHW(ops.OpLabelSelect, []string{n.Input(0)}, []string{n.Output(0)}, graph.Attrs{
			"Labels":          labels,
			"K":               n.Attrs.Int("k", 1),
			"inputDataType":   string(g.DataTypeOf(n.Input(0))),
			"outputDataType":  string(graph.SmallestDataType([]float64{0, float64(labels - 1)})),
			"numInputVectors": vectors(x),
		})
		return true, replace(g, n, sel)
	})
}
