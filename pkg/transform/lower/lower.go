// Package lower converts a streamlined graph into hardware primitives.
//
// Every Infer* pass replaces one generic pattern with the hardware
// primitive that implements it, for example an integer MatMul followed by a
// MultiThreshold becomes one MatrixVectorActivation node. Patterns whose
// datatypes are not integer are left alone, so a graph can end up partially
// lowered; the remaining generic nodes run outside the dataflow region.
//
// Hardware primitives consume channels-last streams. Passes that meet a
// channels-first (NCHW) tensor wrap the new node in a pair of Transpose
// nodes, and [AbsorbTransposeIntoMultiThreshold] and
// [AbsorbConsecutiveTransposes] remove the pairs that cancel.
package lower

import (
	"slices"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/tensor"
	"github.com/matzehuels/hlsflow/pkg/transform"
)

// Passes returns the lowering passes in application order. The caller
// interleaves layout, naming and datatype inference after each.
func Passes() []transform.Pass {
	return []transform.Pass{
		InferAddStreamsLayer(),
		LowerConvsToMatMul(),
		InferChannelwiseLinearLayer(),
		InferPoolBatch(),
		AbsorbTransposeIntoMultiThreshold(),
		RoundAndClipThresholds(),
		InferQuantizedStreamingFCLayer(),
		InferThresholdingLayer(),
		AbsorbConsecutiveTransposes(),
		InferConvInpGen(),
		InferDuplicateStreamsLayer(),
		InferLabelSelectLayer(),
	}
}

// newHW creates a hardware node with every declared attribute set.
func newHW(opType string, inputs, outputs []string, attrs graph.Attrs) *graph.Node {
	n := graph.NewHWNode(opType, inputs, outputs, attrs)
	ops.ApplyDefaults(n)
	return n
}

// replace substitutes old with nodes, in order, at old's position and
// infers the metadata of the new nodes.
func replace(g *graph.Graph, old *graph.Node, nodes ...*graph.Node) error {
	idx := g.NodeIndex(old)
	g.RemoveNode(old)
	for i, n := range nodes {
		g.InsertNode(idx+i, n)
	}
	return transform.Refresh(g, nodes...)
}

func isInteger(g *graph.Graph, name string) bool {
	return g.DataTypeOf(name).IsInteger()
}

// weightType returns the datatype of an integer weight tensor, falling back
// to the narrowest type holding its values when it is annotated as float.
// It returns "" for non-integral weights.
func weightType(g *graph.Graph, name string) graph.DataType {
	if dt := g.DataTypeOf(name); dt.IsInteger() {
		return dt
	}
	if w := g.Initializer(name); w != nil && w.IsIntegral() {
		return graph.SmallestDataType(w.Data)
	}
	return ""
}

// addWeights adds w as a new initializer typed dt.
func addWeights(g *graph.Graph, prefix string, w *tensor.Array, dt graph.DataType) string {
	name := g.AddInitializer(prefix, w)
	g.Tensor(name).DataType = dt
	return name
}

// channelsLast reports whether the channels of name are its innermost
// dimension.
func channelsLast(g *graph.Graph, name string) bool {
	t := g.Tensor(name)
	if t == nil {
		return false
	}
	switch len(t.Shape) {
	case 2:
		return true
	case 4:
		return t.Layout == graph.LayoutNHWC
	}
	return false
}

// channelsFirst reports whether name is a 4-D NCHW tensor.
func channelsFirst(g *graph.Graph, name string) bool {
	t := g.Tensor(name)
	return t != nil && len(t.Shape) == 4 && t.Layout != graph.LayoutNHWC
}

// vectors returns the numInputVectors of a channels-last tensor shape.
func vectors(shape []int) []int {
	return slices.Clone(shape[:len(shape)-1])
}

// nhwcWrap inserts the transposes that let a channels-last primitive replace
// a node working on NCHW tensors.
type nhwcWrap struct {
	before []*graph.Node
	after  *graph.Node
}

// input returns an NHWC view of the NCHW tensor in.
func (w *nhwcWrap) input(g *graph.Graph, in string) string {
	t := g.UniqueTensorName(in + "_nhwc")
	w.before = append(w.before, graph.NewNode(ops.OpTranspose, []string{in}, []string{t},
		graph.Attrs{"perm": slices.Clone(ops.PermNCHWToNHWC)}))
	return t
}

// output returns the NHWC tensor a primitive writes so that out keeps its
// NCHW layout.
func (w *nhwcWrap) output(g *graph.Graph, out string) string {
	t := g.UniqueTensorName(out + "_nhwc")
	w.after = graph.NewNode(ops.OpTranspose, []string{t}, []string{out},
		graph.Attrs{"perm": slices.Clone(ops.PermNHWCToNCHW)})
	return t
}

// nodes returns the full replacement sequence around hw.
func (w *nhwcWrap) nodes(hw *graph.Node) []*graph.Node {
	out := append(slices.Clone(w.before), hw)
	if w.after != nil {
		out = append(out, w.after)
	}
	return out
}

// accType returns the narrowest type holding every dot product of an input
// of type idt with one of the weight vectors.
func accType(idt graph.DataType, vecs [][]float64) graph.DataType {
	var lo, hi float64
	for i, v := range vecs {
		var l, h float64
		for _, w := range v {
			a, b := w*idt.Min(), w*idt.Max()
			l += min(a, b)
			h += max(a, b)
		}
		if i == 0 {
			lo, hi = l, h
			continue
		}
		lo, hi = min(lo, l), max(hi, h)
	}
	return graph.AccumulatorType(lo, hi)
}

// columns returns the columns of a 2-D matrix.
func columns(w *tensor.Array) [][]float64 {
	rows, cols := w.Shape[0], w.Shape[1]
	out := make([][]float64, cols)
	for j := range cols {
		out[j] = make([]float64, rows)
		for i := range rows {
			out[j][i] = w.Data[i*cols+j]
		}
	}
	return out
}

// rows returns w as one vector per leading index.
func rows(w *tensor.Array) [][]float64 {
	per := w.Size() / w.Shape[0]
	out := make([][]float64, w.Shape[0])
	for i := range out {
		out[i] = w.Data[i*per : (i+1)*per]
	}
	return out
}

// intValue returns v as an int if it is integral.
func intValue(v float64) (int, bool) {
	if v != float64(int(v)) {
		return 0, false
	}
	return int(v), true
}

func isPerm(n *graph.Node, g *graph.Graph, perm []int) bool {
	return n != nil && n.OpType == ops.OpTranspose && slices.Equal(ops.TransposePerm(g, n), perm)
}
