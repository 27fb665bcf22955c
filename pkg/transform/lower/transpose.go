package lower

import (
	"math"
	"slices"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/tensor"
	"github.com/matzehuels/hlsflow/pkg/transform"
)

// AbsorbTransposeIntoMultiThreshold turns NHWC -> Transpose -> MultiThreshold
// (NCHW) into a MultiThreshold working on the NHWC tensor directly. The
// transpose moves behind the thresholds, where it often cancels against the
// next layer's NCHW -> NHWC transpose.
func AbsorbTransposeIntoMultiThreshold() transform.Pass {
	return transform.NodePass("AbsorbTransposeIntoMultiThreshold", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if !isPerm(n, g, ops.PermNHWCToNCHW) {
			return false, nil
		}
		mt := transform.SoleConsumer(g, n.Output(0))
		if mt == nil || mt.OpType != ops.OpMultiThreshold || mt.Input(0) != n.Output(0) {
			return false, nil
		}
		if ops.MultiThresholdAxis(mt, 4) != 1 {
			return false, nil
		}
		x, mid, out := n.Input(0), n.Output(0), mt.Output(0)
		mt.Inputs[0] = x
		mt.Attrs["data_layout"] = string(graph.LayoutNHWC)
		g.DeleteTensor(mid)

		if next := transform.SoleConsumer(g, out); isPerm(next, g, ops.PermNCHWToNHWC) {
			// the pair cancels: thresholds feed the next layer directly
			mt.Outputs[0] = next.Output(0)
			g.RemoveNode(next)
			g.RemoveNode(n)
			g.DeleteTensor(out)
			return true, transform.Refresh(g, mt)
		}

		nhwc := g.UniqueTensorName(out + "_nhwc")
		mt.Outputs[0] = nhwc
		n.Inputs[0], n.Outputs[0] = nhwc, out
		g.RemoveNode(n)
		g.InsertAfter(mt, n)
		return true, transform.Refresh(g, mt, n)
	})
}

// AbsorbConsecutiveTransposes removes a Transpose whose consumers are all
// Transposes that undo it.
func AbsorbConsecutiveTransposes() transform.Pass {
	return transform.NodePass("AbsorbConsecutiveTransposes", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpTranspose || g.IsGraphOutput(n.Output(0)) {
			return false, nil
		}
		consumers := g.Consumers(n.Output(0))
		if len(consumers) == 0 {
			return false, nil
		}
		perm := ops.TransposePerm(g, n)
		inverse := tensor.InversePerm(perm)
		for _, c := range consumers {
			if !isPerm(c, g, inverse) || c.Input(0) != n.Output(0) || g.IsGraphOutput(c.Output(0)) {
				return false, nil
			}
		}
		x := n.Input(0)
		for _, c := range consumers {
			g.ReplaceInput(c.Output(0), x)
			g.RemoveNode(c)
			g.DeleteTensor(c.Output(0))
		}
		g.RemoveNode(n)
		g.DeleteTensor(n.Output(0))
		return true, nil
	})
}

// RemoveCNVtoFCFlatten removes the NHWC -> NCHW transpose and flatten
// between the last convolutional layer and the first fully connected MVAU.
// The MVAU's weight rows are permuted to consume the NHWC order instead.
func RemoveCNVtoFCFlatten() transform.Pass {
	return transform.NodePass("RemoveCNVtoFCFlatten", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if !isPerm(n, g, ops.PermNHWCToNCHW) {
			return false, nil
		}
		x := g.Shape(n.Input(0))
		if len(x) != 4 {
			return false, nil
		}
		flat := transform.SoleConsumer(g, n.Output(0))
		if !transform.IsOp(flat, ops.OpFlatten, ops.OpReshape) || flat.Input(0) != n.Output(0) {
			return false, nil
		}
		h, w, c := x[1], x[2], x[3]
		if !slices.Equal(g.Shape(flat.Output(0)), []int{x[0], c * h * w}) {
			return false, nil
		}
		mvau := transform.SoleConsumer(g, flat.Output(0))
		if mvau == nil || mvau.OpType != ops.OpMVAU || mvau.Input(0) != flat.Output(0) {
			return false, nil
		}
		wt := g.Initializer(mvau.Input(1))
		if wt == nil || wt.Rank() != 2 || wt.Shape[0] != c*h*w {
			return false, nil
		}
		permuted := ops.PermuteRows(wt, ops.NCHWToNHWCRows(c, h, w))
		mvau.Inputs[1] = addWeights(g, mvau.Input(1), permuted, g.DataTypeOf(mvau.Input(1)))
		mvau.Inputs[0] = n.Input(0)
		g.RemoveNode(n)
		g.RemoveNode(flat)
		g.DeleteTensor(n.Output(0))
		g.DeleteTensor(flat.Output(0))
		return true, transform.Refresh(g, mvau)
	})
}

// RoundAndClipThresholds rounds the thresholds of a MultiThreshold with
// integer input up to the next integer and clips them to one past the input
// range. For integer x, x >= t iff x >= ceil(t).
func RoundAndClipThresholds() transform.Pass {
	return transform.NodePass("RoundAndClipThresholds", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpMultiThreshold || !isInteger(g, n.Input(0)) {
			return false, nil
		}
		thr := g.Initializer(n.Input(1))
		if thr == nil {
			return false, nil
		}
		idt := g.DataTypeOf(n.Input(0))
		lo, hi := idt.Min(), idt.Max()+1
		rounded := thr.Map(func(v float64) float64 {
			return max(lo, min(hi, math.Ceil(v)))
		})
		if slices.Equal(rounded.Data, thr.Data) {
			return false, nil
		}
		n.Inputs[1] = addWeights(g, n.Input(1), rounded, graph.SmallestDataType(rounded.Data))
		return true, nil
	})
}
