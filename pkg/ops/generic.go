package ops

import (
	"fmt"
	"math"
	"slices"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/tensor"
)

// Generic op types.
const (
	OpAdd               = "Add"
	OpSub               = "Sub"
	OpMul               = "Mul"
	OpDiv               = "Div"
	OpMatMul            = "MatMul"
	OpConv              = "Conv"
	OpBatchNorm         = "BatchNormalization"
	OpMultiThreshold    = "MultiThreshold"
	OpTopK              = "TopK"
	OpTranspose         = "Transpose"
	OpReshape           = "Reshape"
	OpFlatten           = "Flatten"
	OpMaxPool           = "MaxPool"
	OpGlobalAveragePool = "GlobalAveragePool"
	OpIm2Col            = "Im2Col"
	OpSign              = "Sign"
	OpIdentity          = "Identity"
	OpRelu              = "Relu"
)

func init() {
	for _, op := range []struct {
		typ string
		f   func(x, y float64) float64
	}{
		{OpAdd, func(x, y float64) float64 { return x + y }},
		{OpSub, func(x, y float64) float64 { return x - y }},
		{OpMul, func(x, y float64) float64 { return x * y }},
		{OpDiv, func(x, y float64) float64 { return x / y }},
	} {
		Register(&Op{
			Type:     op.typ,
			Shape:    broadcastShape,
			DataType: linearType,
			Execute:  binaryExec(op.f),
		})
	}

	Register(&Op{
		Type: OpMatMul,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			s, err := tensor.MatMulShape(inputShape(g, n, 0), inputShape(g, n, 1))
			return one(s), err
		},
		DataType: linearType,
		Execute: func(_ *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 2); err != nil {
				return nil, err
			}
			out, err := tensor.MatMul(in[0], in[1])
			return one(out), err
		},
	})

	Register(&Op{
		Type:     OpConv,
		Shape:    convShape,
		DataType: linearType,
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 2); err != nil {
				return nil, err
			}
			var bias *tensor.Array
			if len(in) > 2 {
				bias = in[2]
			}
			win := onnxWindow(n.Attrs, convKernel(n, in[1].Shape))
			out, err := conv2D(in[0], in[1], bias, win, n.Attrs.Int("group", 1))
			return one(out), err
		},
	})

	Register(&Op{
		Type:  OpBatchNorm,
		Shape: sameShape,
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 5); err != nil {
				return nil, err
			}
			scale, shift := BatchNormAffine(in[1], in[2], in[3], in[4], n.Attrs.Float("epsilon", 1e-5))
			x := in[0]
			y, err := channelwise(x, scale, 1, func(v, p float64) float64 { return v * p })
			if err != nil {
				return nil, err
			}
			y, err = channelwise(y, shift, 1, func(v, p float64) float64 { return v + p })
			return one(y), err
		},
	})

	Register(&Op{
		Type:  OpMultiThreshold,
		Shape: sameShape,
		DataType: func(_ *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
			dt := n.Attrs.DataType("out_dtype", "")
			if !dt.Valid() {
				return nil, fmt.Errorf("%w: out_dtype %q", ErrBadAttr, dt)
			}
			return one(dt), nil
		},
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 2); err != nil {
				return nil, err
			}
			axis := channelAxis(in[0].Rank(), n.Attrs.String("data_layout", string(graph.LayoutNCHW)))
			out, err := multiThreshold(in[0], in[1], axis, n.Attrs.Float("out_scale", 1), n.Attrs.Float("out_bias", 0))
			return one(out), err
		},
	})

	Register(&Op{
		Type: OpTopK,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			s := slices.Clone(inputShape(g, n, 0))
			if len(s) == 0 {
				return nil, fmt.Errorf("%w: topk on scalar", tensor.ErrShapeMismatch)
			}
			k := n.Attrs.Int("k", 1)
			if k < 1 || k > s[len(s)-1] {
				return nil, fmt.Errorf("%w: k=%d", ErrBadAttr, k)
			}
			s[len(s)-1] = k
			return one(s), nil
		},
		DataType: func(*graph.Graph, *graph.Node) ([]graph.DataType, error) {
			return one(graph.Int64), nil
		},
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 1); err != nil {
				return nil, err
			}
			out, err := topKIndices(in[0], n.Attrs.Int("k", 1))
			return one(out), err
		},
	})

	Register(&Op{
		Type: OpTranspose,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			s := inputShape(g, n, 0)
			perm := transposePerm(n, len(s))
			if len(perm) != len(s) {
				return nil, fmt.Errorf("%w: perm %v for rank %d", ErrBadAttr, perm, len(s))
			}
			return one(tensor.PermuteShape(s, perm)), nil
		},
		DataType: sameType,
		Layout: func(g *graph.Graph, n *graph.Node) graph.Layout {
			in := g.Tensor(n.Input(0))
			if in == nil {
				return graph.LayoutUnknown
			}
			perm := transposePerm(n, len(in.Shape))
			switch {
			case in.Layout == graph.LayoutNCHW && slices.Equal(perm, PermNCHWToNHWC):
				return graph.LayoutNHWC
			case in.Layout == graph.LayoutNHWC && slices.Equal(perm, PermNHWCToNCHW):
				return graph.LayoutNCHW
			case slices.Equal(perm, PermNCHWToNHWC):
				return graph.LayoutNHWC
			}
			return LayoutForRank(len(in.Shape))
		},
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 1); err != nil {
				return nil, err
			}
			out, err := in[0].Transpose(transposePerm(n, in[0].Rank())...)
			return one(out), err
		},
	})

	Register(&Op{
		Type: OpReshape,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			target, err := requireInit(g, n, 1)
			if err != nil {
				return nil, err
			}
			s, err := reshapeTarget(inputShape(g, n, 0), target)
			return one(s), err
		},
		DataType: sameType,
		Layout: func(g *graph.Graph, n *graph.Node) graph.Layout {
			return LayoutForRank(len(g.Shape(n.Output(0))))
		},
		Execute: func(_ *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 2); err != nil {
				return nil, err
			}
			s, err := reshapeTarget(in[0].Shape, in[1])
			if err != nil {
				return nil, err
			}
			out, err := in[0].Reshape(s...)
			return one(out), err
		},
	})

	Register(&Op{
		Type: OpFlatten,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			return one(flattenShape(inputShape(g, n, 0), n.Attrs.Int("axis", 1))), nil
		},
		DataType: sameType,
		Layout: func(*graph.Graph, *graph.Node) graph.Layout {
			return graph.LayoutNC
		},
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 1); err != nil {
				return nil, err
			}
			out, err := in[0].Reshape(flattenShape(in[0].Shape, n.Attrs.Int("axis", 1))...)
			return one(out), err
		},
	})

	Register(&Op{
		Type: OpMaxPool,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			s := inputShape(g, n, 0)
			if len(s) != 4 {
				return nil, fmt.Errorf("%w: maxpool expects 4-D input, got %v", tensor.ErrShapeMismatch, s)
			}
			win := onnxWindow(n.Attrs, n.Attrs.Ints("kernel_shape"))
			if err := win.valid(s[2], s[3]); err != nil {
				return nil, err
			}
			oh, ow := win.outDims(s[2], s[3])
			return one([]int{s[0], s[1], oh, ow}), nil
		},
		DataType: sameType,
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 1); err != nil {
				return nil, err
			}
			out, err := maxPoolNCHW(in[0], onnxWindow(n.Attrs, n.Attrs.Ints("kernel_shape")))
			return one(out), err
		},
	})

	Register(&Op{
		Type: OpGlobalAveragePool,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			s := inputShape(g, n, 0)
			if len(s) != 4 {
				return nil, fmt.Errorf("%w: global pool expects 4-D input, got %v", tensor.ErrShapeMismatch, s)
			}
			return one([]int{s[0], s[1], 1, 1}), nil
		},
		Execute: func(_ *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 1); err != nil {
				return nil, err
			}
			x := in[0]
			if x.Rank() != 4 {
				return nil, fmt.Errorf("%w: global pool expects 4-D input", tensor.ErrShapeMismatch)
			}
			n, c, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
			out := tensor.Zeros(n, c, 1, 1)
			for i := range n * c {
				var s float64
				for _, v := range x.Data[i*hw : (i+1)*hw] {
					s += v
				}
				out.Data[i] = s / float64(hw)
			}
			return one(out), nil
		},
	})

	Register(&Op{
		Type: OpIm2Col,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			s := inputShape(g, n, 0)
			if len(s) != 4 {
				return nil, fmt.Errorf("%w: im2col expects 4-D NHWC input, got %v", tensor.ErrShapeMismatch, s)
			}
			win := im2colWindow(n.Attrs)
			if err := win.valid(s[1], s[2]); err != nil {
				return nil, err
			}
			oh, ow := win.outDims(s[1], s[2])
			return one([]int{s[0], oh, ow, win.kh * win.kw * s[3]}), nil
		},
		DataType: sameType,
		Layout: func(*graph.Graph, *graph.Node) graph.Layout {
			return graph.LayoutNHWC
		},
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 1); err != nil {
				return nil, err
			}
			out, err := im2colNHWC(in[0], im2colWindow(n.Attrs), n.Attrs.Float("pad_value", 0))
			return one(out), err
		},
	})

	// Sign maps zero to +1, matching a bipolar quantizer.
	Register(&Op{
		Type:  OpSign,
		Shape: sameShape,
		DataType: func(*graph.Graph, *graph.Node) ([]graph.DataType, error) {
			return one(graph.Bipolar), nil
		},
		Execute: unaryExec(func(v float64) float64 {
			if v >= 0 {
				return 1
			}
			return -1
		}),
	})

	Register(&Op{
		Type:     OpRelu,
		Shape:    sameShape,
		DataType: sameType,
		Execute:  unaryExec(func(v float64) float64 { return math.Max(v, 0) }),
	})

	Register(&Op{
		Type:     OpIdentity,
		Shape:    sameShape,
		DataType: sameType,
		Execute:  unaryExec(func(v float64) float64 { return v }),
	})
}

// Transpose permutations between channel-first and channel-last layouts.
var (
	PermNCHWToNHWC = []int{0, 2, 3, 1}
	PermNHWCToNCHW = []int{0, 3, 1, 2}
)

func broadcastShape(g *graph.Graph, n *graph.Node) ([][]int, error) {
	s, err := tensor.BroadcastShape(inputShape(g, n, 0), inputShape(g, n, 1))
	return one(s), err
}

func linearType(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
	if allInteger(g, n) {
		return one(graph.Int32), nil
	}
	return one(graph.Float32), nil
}

func binaryExec(f func(x, y float64) float64) ExecFunc {
	return func(_ *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
		if err := needInputs(in, 2); err != nil {
			return nil, err
		}
		out, err := tensor.Binary(in[0], in[1], f)
		return one(out), err
	}
}

func unaryExec(f func(float64) float64) ExecFunc {
	return func(_ *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
		if err := needInputs(in, 1); err != nil {
			return nil, err
		}
		return one(in[0].Map(f)), nil
	}
}

func convKernel(n *graph.Node, wShape []int) []int {
	if k := n.Attrs.Ints("kernel_shape"); len(k) > 0 {
		return k
	}
	if len(wShape) == 4 {
		return wShape[2:]
	}
	return nil
}

func convShape(g *graph.Graph, n *graph.Node) ([][]int, error) {
	x, w := inputShape(g, n, 0), inputShape(g, n, 1)
	if len(x) != 4 || len(w) != 4 {
		return nil, fmt.Errorf("%w: conv expects 4-D input and weights, got %v and %v", tensor.ErrShapeMismatch, x, w)
	}
	win := onnxWindow(n.Attrs, convKernel(n, w))
	if err := win.valid(x[2], x[3]); err != nil {
		return nil, err
	}
	oh, ow := win.outDims(x[2], x[3])
	return one([]int{x[0], w[0], oh, ow}), nil
}

// ConvWindowAttrs returns the kernel, stride and (top, left, bottom, right)
// padding of a Conv or MaxPool node, filling defaults.
func ConvWindowAttrs(n *graph.Node, wShape []int) (kernel, stride, pads []int) {
	k := convKernel(n, wShape)
	if n.OpType == OpMaxPool {
		k = n.Attrs.Ints("kernel_shape")
	}
	win := onnxWindow(n.Attrs, k)
	return []int{win.kh, win.kw}, []int{win.sh, win.sw}, []int{win.pt, win.pl, win.pb, win.pr}
}

// im2colWindow reads the window of an Im2Col node.
func im2colWindow(a graph.Attrs) window {
	var w window
	w.kh, w.kw = pair(a.Ints("kernel_size"), 1)
	w.sh, w.sw = pair(a.Ints("stride"), 1)
	w.pt, w.pl, w.pb, w.pr = quad(a.Ints("pad_amount"))
	w.dh, w.dw = pair(a.Ints("dilations"), 1)
	return w
}

func transposePerm(n *graph.Node, rank int) []int {
	perm := n.Attrs.Ints("perm")
	if len(perm) == 0 {
		perm = make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}
	return perm
}

// TransposePerm returns the effective permutation of a Transpose node.
func TransposePerm(g *graph.Graph, n *graph.Node) []int {
	return transposePerm(n, len(g.Shape(n.Input(0))))
}

func reshapeTarget(in []int, target *tensor.Array) ([]int, error) {
	s := make([]int, target.Size())
	for i, v := range target.Data {
		s[i] = int(v)
		if s[i] == 0 && i < len(in) {
			s[i] = in[i]
		}
	}
	return tensor.ResolveShape(tensor.Size(in), s)
}

func flattenShape(s []int, axis int) []int {
	if axis < 0 {
		axis += len(s)
	}
	axis = max(0, min(axis, len(s)))
	return []int{tensor.Size(s[:axis]), tensor.Size(s[axis:])}
}

// BatchNormAffine folds batch-normalization parameters into a per-channel
// scale and shift: y = x*scale + shift.
func BatchNormAffine(gamma, beta, mean, variance *tensor.Array, eps float64) (scale, shift *tensor.Array) {
	scale = tensor.Zeros(gamma.Size())
	shift = tensor.Zeros(gamma.Size())
	for c := range gamma.Size() {
		s := gamma.Data[c] / math.Sqrt(variance.Data[c]+eps)
		scale.Data[c] = s
		shift.Data[c] = beta.Data[c] - mean.Data[c]*s
	}
	return scale, shift
}

// MultiThresholdAxis returns the axis a MultiThreshold node compares along
// for an input of the given rank.
func MultiThresholdAxis(n *graph.Node, rank int) int {
	return channelAxis(rank, n.Attrs.String("data_layout", string(graph.LayoutNCHW)))
}
