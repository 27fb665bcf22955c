package lower

import (
	"slices"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/transform"
)

// convParams holds the geometry of a plain (ungrouped, bias-free) Conv.
type convParams struct {
	n, c, h, w      int
	o, kh, kw       int
	oh, ow          int
	stride, pads    []int
	dilations       []int
	unitWindow      bool // 1x1 kernel, stride 1, no padding
	weightName      string
	inName, outName string
}

// plainConv returns the geometry of n if it is an NCHW Conv with constant
// weights, one group and no bias.
func plainConv(g *graph.Graph, n *graph.Node) (convParams, bool) {
	if n.OpType != ops.OpConv || n.Input(2) != "" || n.Attrs.Int("group", 1) != 1 {
		return convParams{}, false
	}
	w := g.Initializer(n.Input(1))
	x, y := g.Shape(n.Input(0)), g.Shape(n.Output(0))
	if w == nil || w.Rank() != 4 || len(x) != 4 || len(y) != 4 || !channelsFirst(g, n.Input(0)) {
		return convParams{}, false
	}
	kernel, stride, pads := ops.ConvWindowAttrs(n, w.Shape)
	dil := n.Attrs.Ints("dilations")
	if len(dil) == 0 {
		dil = []int{1, 1}
	}
	p := convParams{
		n: x[0], c: x[1], h: x[2], w: x[3],
		o: w.Shape[0], kh: kernel[0], kw: kernel[1],
		oh: y[2], ow: y[3],
		stride: stride, pads: pads, dilations: dil,
		weightName: n.Input(1), inName: n.Input(0), outName: n.Output(0),
	}
	p.unitWindow = p.kh == 1 && p.kw == 1 && slices.Equal(stride, []int{1, 1}) &&
		!slices.ContainsFunc(pads, func(v int) bool { return v != 0 })
	return p, w.Shape[1] == p.c
}

// LowerConvsToMatMul rewrites each Conv as an NHWC sliding-window Im2Col
// followed by a MatMul with weights laid out as [(ky*kw+kx)*C+c, o].
func LowerConvsToMatMul() transform.Pass {
	return transform.NodePass("LowerConvsToMatMul", func(g *graph.Graph, n *graph.Node) (bool, error) {
		p, ok := plainConv(g, n)
		if !ok {
			return false, nil
		}
		w := g.Initializer(p.weightName)
		wt, err := w.Transpose(2, 3, 1, 0)
		if err != nil {
			return false, err
		}
		wm, err := wt.Reshape(p.kh*p.kw*p.c, p.o)
		if err != nil {
			return false, err
		}
		weights := g.AddInitializer(p.weightName+"_mat", wm)
		g.Tensor(weights).DataType = g.DataTypeOf(p.weightName)

		var wrap nhwcWrap
		cols := wrap.input(g, p.inName)
		if !p.unitWindow {
			im := graph.NewNode(ops.OpIm2Col, []string{cols}, []string{g.UniqueTensorName(n.Name + "_im2col")}, graph.Attrs{
				"kernel_size": []int{p.kh, p.kw},
				"stride":      slices.Clone(p.stride),
				"pad_amount":  slices.Clone(p.pads),
				"dilations":   slices.Clone(p.dilations),
			})
			wrap.before = append(wrap.before, im)
			cols = im.Output(0)
		}
		mm := graph.NewNode(ops.OpMatMul, []string{cols, weights}, []string{wrap.output(g, p.outName)}, nil)
		return true, replace(g, n, wrap.nodes(mm)...)
	})
}

// InferPoolBatch lowers MaxPool on integer data to an Im2Col feeding a
// Pool_Batch node, which takes the maximum over every window.
func InferPoolBatch() transform.Pass {
	return transform.NodePass("InferPoolBatch", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpMaxPool || !isInteger(g, n.Input(0)) || !channelsFirst(g, n.Input(0)) {
			return false, nil
		}
		kernel, stride, pads := ops.ConvWindowAttrs(n, nil)
		if slices.ContainsFunc(pads, func(v int) bool { return v != 0 }) {
			return false, nil
		}
		x, y := g.Shape(n.Input(0)), g.Shape(n.Output(0))
		c := x[1]

		var wrap nhwcWrap
		xt := wrap.input(g, n.Input(0))
		im := graph.NewNode(ops.OpIm2Col, []string{xt}, []string{g.UniqueTensorName(n.Name + "_im2col")}, graph.Attrs{
			"kernel_size": slices.Clone(kernel),
			"stride":      slices.Clone(stride),
			"pad_amount":  []int{0, 0, 0, 0},
			"depthwise":   1,
		})
		wrap.before = append(wrap.before, im)
		pool := newHW(ops.OpPool, []string{im.Output(0)}, []string{wrap.output(g, n.Output(0))}, graph.Attrs{
			"Channels":   c,
			"KernelSize": slices.Clone(kernel),
			"Function":   "MaxPool",
			"OutImgDims": []int{y[2], y[3]},
			"BatchSize":  x[0],
		})
		return true, replace(g, n, wrap.nodes(pool)...)
	})
}

// InferConvInpGen lowers Im2Col on integer NHWC data to a
// ConvolutionInputGenerator, preceded by FMPadding_Batch when the window
// is padded.
func InferConvInpGen() transform.Pass {
	return transform.NodePass("InferConvInpGen", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpIm2Col || !isInteger(g, n.Input(0)) {
			return false, nil
		}
		x := g.Shape(n.Input(0))
		if len(x) != 4 || g.Tensor(n.Input(0)).Layout != graph.LayoutNHWC {
			return false, nil
		}
		a := n.Attrs
		pads := a.Ints("pad_amount")
		if len(pads) == 0 {
			pads = []int{0, 0, 0, 0}
		}
		padded := slices.ContainsFunc(pads, func(v int) bool { return v != 0 })
		if padded && a.Float("pad_value", 0) != 0 {
			return false, nil
		}
		h, w, c := x[1], x[2], x[3]
		y := g.Shape(n.Output(0))

		var nodes []*graph.Node
		in := n.Input(0)
		if padded {
			pad := newHW(ops.OpFMPadding, []string{in}, []string{g.UniqueTensorName(n.Name + "_padded")}, graph.Attrs{
				"ImgDim":      []int{h, w},
				"Padding":     slices.Clone(pads),
				"NumChannels": c,
			})
			nodes = append(nodes, pad)
			in = pad.Output(0)
			h, w = h+pads[0]+pads[2], w+pads[1]+pads[3]
		}
		stride := a.Ints("stride")
		if len(stride) == 0 {
			stride = []int{1, 1}
		}
		dil := a.Ints("dilations")
		if len(dil) == 0 {
			dil = []int{1, 1}
		}
		swg := newHW(ops.OpConvInpGen, []string{in}, []string{n.Output(0)}, graph.Attrs{
			"ConvKernelDim": slices.Clone(a.Ints("kernel_size")),
			"IFMChannels":   c,
			"IFMDim":        []int{h, w},
			"OFMDim":        []int{y[1], y[2]},
			"Stride":        slices.Clone(stride),
			"Dilation":      slices.Clone(dil),
			"depthwise":     a.Int("depthwise", 0),
		})
		return true, replace(g, n, append(nodes, swg)...)
	})
}

// InferDoublePackedConv lowers a Conv on narrow integer data to a
// ConvDoublePacked_Batch node, which packs two multiplications into one DSP
// slice. It is an optional capability and not part of [Passes].
func InferDoublePackedConv() transform.Pass {
	return transform.NodePass("InferDoublePackedConv", func(g *graph.Graph, n *graph.Node) (bool, error) {
		p, ok := plainConv(g, n)
		if !ok || !slices.Equal(p.dilations, []int{1, 1}) {
			return false, nil
		}
		idt, wdt := g.DataTypeOf(p.inName), weightType(g, p.weightName)
		if !idt.IsInteger() || wdt == "" || idt.Bitwidth() > 8 || wdt.Bitwidth() > 8 {
			return false, nil
		}
		var wrap nhwcWrap
		xt := wrap.input(g, p.inName)
		conv := newHW(ops.OpConvDoublePacked, []string{xt, p.weightName}, []string{wrap.output(g, p.outName)}, graph.Attrs{
			"ConvKernelDim":  []int{p.kh, p.kw},
			"IFMChannels":    p.c,
			"OFMChannels":    p.o,
			"IFMDim":         []int{p.h, p.w},
			"OFMDim":         []int{p.oh, p.ow},
			"Stride":         slices.Clone(p.stride),
			"Padding":        slices.Clone(p.pads),
			"weightDataType": string(wdt),
			"outputDataType": string(accType(idt, rows(g.Initializer(p.weightName)))),
		})
		return true, replace(g, n, wrap.nodes(conv)...)
	})
}
