package ops

import (
	"fmt"
	"maps"
	"slices"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/tensor"
)

// Hardware primitive op types.
const (
	OpMVAU             = "MatrixVectorActivation"
	OpThresholding     = "Thresholding_Batch"
	OpChannelwise      = "ChannelwiseOp_Batch"
	OpAddStreams       = "AddStreams_Batch"
	OpDuplicateStreams = "DuplicateStreams_Batch"
	OpLabelSelect      = "LabelSelect_Batch"
	OpConvInpGen       = "ConvolutionInputGenerator"
	OpFMPadding        = "FMPadding_Batch"
	OpPool             = "Pool_Batch"
	OpFIFO             = "StreamingFIFO"
	OpDWC              = "StreamingDataWidthConverter_Batch"
	OpConvDoublePacked = "ConvDoublePacked_Batch"
)

// HWSpec describes a hardware primitive.
type HWSpec struct {
	// Attrs declares the node attributes of the primitive together with
	// their defaults. Folding configs may only set declared attributes.
	Attrs graph.Attrs

	// Stream describes the folded stream interface of a node.
	Stream func(g *graph.Graph, n *graph.Node) (Stream, error)
}

// Stream describes how a hardware node moves data per inference. Words are
// the units transferred per clock on a stream; their width follows from the
// folding (PE or SIMD elements per word).
type Stream struct {
	InWords   int   // words read per inference from each stream input
	OutWords  int   // words written per inference to each output
	InWidth   int   // bits per input word
	OutWidth  int   // bits per output word
	InFolded  []int // folded input shape, innermost dim is elements per word
	OutFolded []int // folded output shape
	Cycles    int   // cycles per inference at full throughput

	// NeedFn returns how many input words must have been read before output
	// word p (0-based, per inference) can be written. Nil means inputs are
	// consumed at a uniform rate.
	NeedFn func(p int) int
}

// Need returns the input words required before output word p.
func (s Stream) Need(p int) int {
	if s.NeedFn != nil {
		return min(s.InWords, s.NeedFn(p))
	}
	if s.OutWords == 0 {
		return s.InWords
	}
	return min(s.InWords, ((p+1)*s.InWords+s.OutWords-1)/s.OutWords)
}

// commonHWAttrs are declared by every hardware primitive.
var commonHWAttrs = graph.Attrs{
	"inFIFODepth":  2,
	"outFIFODepth": 2,
}

// HWAttrs returns the declared attributes of a hardware op type, or nil for
// generic or unknown op types.
func HWAttrs(opType string) graph.Attrs {
	op, ok := registry[opType]
	if !ok || op.HW == nil {
		return nil
	}
	return op.HW.Attrs
}

// Declares reports whether a hardware op type declares attr.
func Declares(opType, attr string) bool {
	return HWAttrs(opType).Has(attr)
}

// ApplyDefaults fills every declared attribute missing on n with its
// default value.
func ApplyDefaults(n *graph.Node) {
	for k, v := range HWAttrs(n.OpType) {
		if !n.Attrs.Has(k) {
			n.Attrs[k] = cloneValue(v)
		}
	}
}

func cloneValue(v any) any {
	if s, ok := v.([]int); ok {
		return slices.Clone(s)
	}
	return v
}

// StreamOf returns the stream description of a hardware node.
func StreamOf(g *graph.Graph, n *graph.Node) (Stream, error) {
	op, err := lookupNode(n)
	if err != nil {
		return Stream{}, err
	}
	if op.HW == nil || op.HW.Stream == nil {
		return Stream{}, fmt.Errorf("%s is not a hardware primitive", n.OpType)
	}
	s, err := op.HW.Stream(g, n)
	if err != nil {
		return Stream{}, fmt.Errorf("%s: %w", n, err)
	}
	return s, nil
}

// StreamInputs returns the inputs of n that carry streams, i.e. all inputs
// that are not initializers.
func StreamInputs(g *graph.Graph, n *graph.Node) []string {
	var out []string
	for _, in := range n.Inputs {
		if in != "" && g.Initializer(in) == nil {
			out = append(out, in)
		}
	}
	return out
}

func hwAttrs(extra graph.Attrs) graph.Attrs {
	a := maps.Clone(commonHWAttrs)
	maps.Copy(a, extra)
	return a
}

func bits(dt graph.DataType) int {
	return max(1, dt.Bitwidth())
}

func numVectors(a graph.Attrs) []int {
	v := a.Ints("numInputVectors")
	if len(v) == 0 {
		return []int{1}
	}
	return v
}

func fold(total, by int, what string) (int, error) {
	if by < 1 || total < 1 || total%by != 0 {
		return 0, fmt.Errorf("%w: %s %d not divisible by %d", ErrInvalidFolding, what, total, by)
	}
	return total / by, nil
}

func hwLayout(g *graph.Graph, n *graph.Node) graph.Layout {
	switch len(g.Shape(n.Output(0))) {
	case 4:
		return graph.LayoutNHWC
	case 2:
		return graph.LayoutNC
	}
	return graph.LayoutUnknown
}

// syncInputType records the actual input datatype on the node and returns
// it.
func syncInputType(g *graph.Graph, n *graph.Node, attr string) graph.DataType {
	dt := inputType(g, n, 0)
	if dt != "" {
		n.Attrs[attr] = string(dt)
	}
	return dt
}

func attrType(n *graph.Node, attr string) ([]graph.DataType, error) {
	dt := n.Attrs.DataType(attr, "")
	if !dt.Valid() {
		return nil, fmt.Errorf("%w: %s %q", ErrBadAttr, attr, dt)
	}
	out := make([]graph.DataType, len(n.Outputs))
	for i := range out {
		out[i] = dt
	}
	return out, nil
}

func init() {
	registerMVAU()
	registerElementwiseHW()
	registerWindowHW()
	registerPlumbingHW()
}

// =============================================================================
// Matrix-vector unit
// =============================================================================

func registerMVAU() {
	Register(&Op{
		Type:   OpMVAU,
		Domain: graph.DomainHW,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			in := inputShape(g, n, 0)
			vecs := numVectors(n.Attrs)
			mw, mh := n.Attrs.Int("MW", 0), n.Attrs.Int("MH", 0)
			if tensor.Size(in) != tensor.Size(vecs)*mw {
				return nil, fmt.Errorf("%w: input %v does not hold %v vectors of MW=%d", tensor.ErrShapeMismatch, in, vecs, mw)
			}
			return one(append(slices.Clone(vecs), mh)), nil
		},
		DataType: func(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
			syncInputType(g, n, "inputDataType")
			return attrType(n, "outputDataType")
		},
		Layout: hwLayout,
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 2); err != nil {
				return nil, err
			}
			mw, mh := n.Attrs.Int("MW", 0), n.Attrs.Int("MH", 0)
			x, err := in[0].Reshape(-1, mw)
			if err != nil {
				return nil, err
			}
			acc, err := tensor.MatMul(x, in[1])
			if err != nil {
				return nil, err
			}
			if n.Attrs.Int("noActivation", 0) == 0 {
				if len(in) < 3 || in[2] == nil {
					return nil, fmt.Errorf("%w: thresholds", ErrMissingInput)
				}
				acc, err = multiThreshold(acc, in[2], 1, 1, n.Attrs.Float("ActVal", 0))
				if err != nil {
					return nil, err
				}
			}
			out, err := acc.Reshape(append(slices.Clone(numVectors(n.Attrs)), mh)...)
			return one(out), err
		},
		HW: &HWSpec{
			Attrs: hwAttrs(graph.Attrs{
				"PE":                        1,
				"SIMD":                      1,
				"MW":                        0,
				"MH":                        0,
				"resType":                   "lut",
				"ActVal":                    0,
				"inputDataType":             "",
				"weightDataType":            "",
				"outputDataType":            "",
				"accDataType":               string(graph.Int32),
				"binaryXnorMode":            0,
				"noActivation":              0,
				"numInputVectors":           []int{1},
				"mem_mode":                  "const",
				"ram_style":                 "auto",
				"runtime_writeable_weights": 0,
			}),
			Stream: func(_ *graph.Graph, n *graph.Node) (Stream, error) {
				a := n.Attrs
				simd, pe := a.Int("SIMD", 1), a.Int("PE", 1)
				sf, err := fold(a.Int("MW", 0), simd, "MW")
				if err != nil {
					return Stream{}, err
				}
				nf, err := fold(a.Int("MH", 0), pe, "MH")
				if err != nil {
					return Stream{}, err
				}
				vecs := numVectors(a)
				nv := tensor.Size(vecs)
				return Stream{
					InWords:   nv * sf,
					OutWords:  nv * nf,
					InWidth:   simd * bits(a.DataType("inputDataType", "")),
					OutWidth:  pe * bits(a.DataType("outputDataType", "")),
					InFolded:  append(slices.Clone(vecs), sf, simd),
					OutFolded: append(slices.Clone(vecs), nf, pe),
					Cycles:    nv * sf * nf,
					NeedFn:    func(p int) int { return (p/nf + 1) * sf },
				}, nil
			},
		},
	})
}

// =============================================================================
// Per-channel stream operators
// =============================================================================

// channelStream is the stream of operators that process NumChannels
// elements per vector, PE at a time.
func channelStream(g *graph.Graph, n *graph.Node, chAttr, inType, outType string) (Stream, error) {
	a := n.Attrs
	pe := a.Int("PE", 1)
	nf, err := fold(a.Int(chAttr, 0), pe, chAttr)
	if err != nil {
		return Stream{}, err
	}
	vecs := numVectors(a)
	nv := tensor.Size(vecs)
	odt := a.DataType(outType, "")
	if outType == "" {
		odt = g.DataTypeOf(n.Output(0))
	}
	return Stream{
		InWords:   nv * nf,
		OutWords:  nv * nf,
		InWidth:   pe * bits(a.DataType(inType, "")),
		OutWidth:  pe * bits(odt),
		InFolded:  append(slices.Clone(vecs), nf, pe),
		OutFolded: append(slices.Clone(vecs), nf, pe),
		Cycles:    nv * nf,
		NeedFn:    func(p int) int { return p + 1 },
	}, nil
}

func registerElementwiseHW() {
	Register(&Op{
		Type:   OpThresholding,
		Domain: graph.DomainHW,
		Shape:  sameShape,
		DataType: func(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
			syncInputType(g, n, "inputDataType")
			return attrType(n, "outputDataType")
		},
		Layout: hwLayout,
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 2); err != nil {
				return nil, err
			}
			out, err := multiThreshold(in[0], in[1], in[0].Rank()-1, 1, n.Attrs.Float("ActVal", 0))
			return one(out), err
		},
		HW: &HWSpec{
			Attrs: hwAttrs(graph.Attrs{
				"PE":                        1,
				"NumChannels":               0,
				"ram_style":                 "distributed",
				"inputDataType":             "",
				"weightDataType":            "",
				"outputDataType":            "",
				"ActVal":                    0,
				"numInputVectors":           []int{1},
				"mem_mode":                  "const",
				"runtime_writeable_weights": 0,
			}),
			Stream: func(g *graph.Graph, n *graph.Node) (Stream, error) {
				return channelStream(g, n, "NumChannels", "inputDataType", "outputDataType")
			},
		},
	})

	Register(&Op{
		Type:   OpChannelwise,
		Domain: graph.DomainHW,
		Shape:  sameShape,
		DataType: func(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
			syncInputType(g, n, "inputDataType")
			return attrType(n, "outputDataType")
		},
		Layout: hwLayout,
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 2); err != nil {
				return nil, err
			}
			var f func(x, p float64) float64
			switch fn := n.Attrs.String("Func", "add"); fn {
			case "add":
				f = func(x, p float64) float64 { return x + p }
			case "mul":
				f = func(x, p float64) float64 { return x * p }
			case "cmp_le":
				f = func(x, p float64) float64 { return boolf(x <= p) }
			case "cmp_ge":
				f = func(x, p float64) float64 { return boolf(x >= p) }
			default:
				return nil, fmt.Errorf("%w: Func %q", ErrBadAttr, fn)
			}
			out, err := channelwise(in[0], in[1], in[0].Rank()-1, f)
			return one(out), err
		},
		HW: &HWSpec{
			Attrs: hwAttrs(graph.Attrs{
				"PE":              1,
				"NumChannels":     0,
				"Func":            "add",
				"ram_style":       "distributed",
				"inputDataType":   "",
				"paramDataType":   "",
				"outputDataType":  "",
				"numInputVectors": []int{1},
			}),
			Stream: func(g *graph.Graph, n *graph.Node) (Stream, error) {
				return channelStream(g, n, "NumChannels", "inputDataType", "outputDataType")
			},
		},
	})

	Register(&Op{
		Type:   OpAddStreams,
		Domain: graph.DomainHW,
		Shape:  sameShape,
		DataType: func(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
			dt := syncInputType(g, n, "inputDataType")
			if !dt.IsInteger() {
				return one(graph.Float32), nil
			}
			return one(graph.SmallestDataType([]float64{2 * dt.Min(), 2 * dt.Max(), 0, 2})), nil
		},
		Layout: hwLayout,
		Execute: func(_ *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 2); err != nil {
				return nil, err
			}
			out, err := tensor.Add(in[0], in[1])
			return one(out), err
		},
		HW: &HWSpec{
			Attrs: hwAttrs(graph.Attrs{
				"NumChannels":     0,
				"PE":              1,
				"inputDataType":   "",
				"numInputVectors": []int{1},
			}),
			Stream: func(g *graph.Graph, n *graph.Node) (Stream, error) {
				return channelStream(g, n, "NumChannels", "inputDataType", "")
			},
		},
	})

	Register(&Op{
		Type:   OpDuplicateStreams,
		Domain: graph.DomainHW,
		Shape:  sameShape,
		DataType: func(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
			syncInputType(g, n, "inputDataType")
			return sameType(g, n)
		},
		Layout: hwLayout,
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 1); err != nil {
				return nil, err
			}
			out := make([]*tensor.Array, len(n.Outputs))
			for i := range out {
				out[i] = in[0].Clone()
			}
			return out, nil
		},
		HW: &HWSpec{
			Attrs: hwAttrs(graph.Attrs{
				"NumChannels":      0,
				"PE":               1,
				"NumOutputStreams": 2,
				"inputDataType":    "",
				"numInputVectors":  []int{1},
			}),
			Stream: func(g *graph.Graph, n *graph.Node) (Stream, error) {
				return channelStream(g, n, "NumChannels", "inputDataType", "inputDataType")
			},
		},
	})

	Register(&Op{
		Type:   OpLabelSelect,
		Domain: graph.DomainHW,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			s := slices.Clone(inputShape(g, n, 0))
			if len(s) == 0 {
				return nil, fmt.Errorf("%w: label select on scalar", tensor.ErrShapeMismatch)
			}
			s[len(s)-1] = n.Attrs.Int("K", 1)
			return one(s), nil
		},
		DataType: func(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
			syncInputType(g, n, "inputDataType")
			return attrType(n, "outputDataType")
		},
		Layout: hwLayout,
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 1); err != nil {
				return nil, err
			}
			out, err := topKIndices(in[0], n.Attrs.Int("K", 1))
			return one(out), err
		},
		HW: &HWSpec{
			Attrs: hwAttrs(graph.Attrs{
				"Labels":          0,
				"PE":              1,
				"K":               1,
				"inputDataType":   "",
				"outputDataType":  "",
				"numInputVectors": []int{1},
			}),
			Stream: func(_ *graph.Graph, n *graph.Node) (Stream, error) {
				a := n.Attrs
				pe, k := a.Int("PE", 1), a.Int("K", 1)
				nf, err := fold(a.Int("Labels", 0), pe, "Labels")
				if err != nil {
					return Stream{}, err
				}
				vecs := numVectors(a)
				nv := tensor.Size(vecs)
				return Stream{
					InWords:   nv * nf,
					OutWords:  nv * k,
					InWidth:   pe * bits(a.DataType("inputDataType", "")),
					OutWidth:  bits(a.DataType("outputDataType", "")),
					InFolded:  append(slices.Clone(vecs), nf, pe),
					OutFolded: append(slices.Clone(vecs), k, 1),
					Cycles:    nv * (nf + k),
					NeedFn:    func(p int) int { return (p/k + 1) * nf },
				}, nil
			},
		},
	})
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// Sliding-window primitives
// =============================================================================

// hwWindow reads the window of a ConvolutionInputGenerator or
// ConvDoublePacked_Batch node.
func hwWindow(a graph.Attrs) window {
	var w window
	w.kh, w.kw = pair(a.Ints("ConvKernelDim"), 1)
	w.sh, w.sw = pair(a.Ints("Stride"), 1)
	w.dh, w.dw = pair(a.Ints("Dilation"), 1)
	w.pt, w.pl, w.pb, w.pr = quad(a.Ints("Padding"))
	return w
}

// windowNeed returns the need function of a primitive that emits, for every
// output pixel of an oh x ow map, wordsPerPixel words computed from a window
// over an h x w input streamed in raster order with inWords words per pixel.
func windowNeed(win window, h, w, oh, ow, inWords, wordsPerPixel int) func(p int) int {
	perImage := oh * ow * wordsPerPixel
	return func(p int) int {
		img, q := p/perImage, p%perImage
		pix := q / wordsPerPixel
		oy, ox := pix/ow, pix%ow
		row := min(h-1, max(0, oy*win.sh-win.pt+win.dh*(win.kh-1)))
		col := min(w-1, max(0, ox*win.sw-win.pl+win.dw*(win.kw-1)))
		return img*h*w*inWords + (row*w+col+1)*inWords
	}
}

func batch(g *graph.Graph, n *graph.Node) int {
	if s := inputShape(g, n, 0); len(s) > 0 {
		return max(1, s[0])
	}
	return 1
}

func registerWindowHW() {
	Register(&Op{
		Type:   OpConvInpGen,
		Domain: graph.DomainHW,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			a := n.Attrs
			win := hwWindow(a)
			oh, ow := pair(a.Ints("OFMDim"), 1)
			c := a.Int("IFMChannels", 0)
			return one([]int{batch(g, n), oh, ow, win.kh * win.kw * c}), nil
		},
		DataType: func(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
			dt := syncInputType(g, n, "inputDataType")
			if dt != "" {
				n.Attrs["outputDataType"] = string(dt)
			}
			return sameType(g, n)
		},
		Layout: hwLayout,
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 1); err != nil {
				return nil, err
			}
			win := hwWindow(n.Attrs)
			win.pt, win.pl, win.pb, win.pr = 0, 0, 0, 0
			out, err := im2colNHWC(in[0], win, 0)
			return one(out), err
		},
		HW: &HWSpec{
			Attrs: hwAttrs(graph.Attrs{
				"ConvKernelDim":  []int{1, 1},
				"IFMChannels":    0,
				"IFMDim":         []int{1, 1},
				"OFMDim":         []int{1, 1},
				"SIMD":           1,
				"Stride":         []int{1, 1},
				"Dilation":       []int{1, 1},
				"inputDataType":  "",
				"outputDataType": "",
				"depthwise":      0,
				"ram_style":      "distributed",
			}),
			Stream: func(g *graph.Graph, n *graph.Node) (Stream, error) {
				a := n.Attrs
				simd := a.Int("SIMD", 1)
				ww, err := fold(a.Int("IFMChannels", 0), simd, "IFMChannels")
				if err != nil {
					return Stream{}, err
				}
				win := hwWindow(a)
				win.pt, win.pl, win.pb, win.pr = 0, 0, 0, 0
				h, w := pair(a.Ints("IFMDim"), 1)
				oh, ow := pair(a.Ints("OFMDim"), 1)
				nb := batch(g, n)
				k := win.kh * win.kw
				width := simd * bits(a.DataType("inputDataType", ""))
				in, out := nb*h*w*ww, nb*oh*ow*k*ww
				return Stream{
					InWords:   in,
					OutWords:  out,
					InWidth:   width,
					OutWidth:  width,
					InFolded:  []int{nb, h, w, ww, simd},
					OutFolded: []int{nb, oh, ow, k * ww, simd},
					Cycles:    max(in, out),
					NeedFn:    windowNeed(win, h, w, oh, ow, ww, k*ww),
				}, nil
			},
		},
	})

	Register(&Op{
		Type:   OpFMPadding,
		Domain: graph.DomainHW,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			in := inputShape(g, n, 0)
			if len(in) != 4 {
				return nil, fmt.Errorf("%w: padding expects NHWC input, got %v", tensor.ErrShapeMismatch, in)
			}
			t, l, b, r := quad(n.Attrs.Ints("Padding"))
			return one([]int{in[0], in[1] + t + b, in[2] + l + r, in[3]}), nil
		},
		DataType: func(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
			syncInputType(g, n, "inputDataType")
			return sameType(g, n)
		},
		Layout: hwLayout,
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 1); err != nil {
				return nil, err
			}
			x := in[0]
			if x.Rank() != 4 {
				return nil, fmt.Errorf("%w: padding expects NHWC input", tensor.ErrShapeMismatch)
			}
			t, l, b, r := quad(n.Attrs.Ints("Padding"))
			nb, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
			out := tensor.Zeros(nb, h+t+b, w+l+r, c)
			for i := range nb {
				for y := range h {
					for xx := range w {
						for ch := range c {
							out.Set(x.At(i, y, xx, ch), i, y+t, xx+l, ch)
						}
					}
				}
			}
			return one(out), nil
		},
		HW: &HWSpec{
			Attrs: hwAttrs(graph.Attrs{
				"ImgDim":        []int{1, 1},
				"Padding":       []int{0, 0, 0, 0},
				"NumChannels":   0,
				"SIMD":          1,
				"inputDataType": "",
				"PaddingStyle":  2,
			}),
			Stream: func(g *graph.Graph, n *graph.Node) (Stream, error) {
				a := n.Attrs
				simd := a.Int("SIMD", 1)
				ww, err := fold(a.Int("NumChannels", 0), simd, "NumChannels")
				if err != nil {
					return Stream{}, err
				}
				h, w := pair(a.Ints("ImgDim"), 1)
				t, l, b, r := quad(a.Ints("Padding"))
				oh, ow := h+t+b, w+l+r
				nb := batch(g, n)
				width := simd * bits(a.DataType("inputDataType", ""))
				out := nb * oh * ow * ww
				return Stream{
					InWords:   nb * h * w * ww,
					OutWords:  out,
					InWidth:   width,
					OutWidth:  width,
					InFolded:  []int{nb, h, w, ww, simd},
					OutFolded: []int{nb, oh, ow, ww, simd},
					Cycles:    out,
				}, nil
			},
		},
	})

	Register(&Op{
		Type:   OpPool,
		Domain: graph.DomainHW,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			oh, ow := pair(n.Attrs.Ints("OutImgDims"), 1)
			return one([]int{batch(g, n), oh, ow, n.Attrs.Int("Channels", 0)}), nil
		},
		DataType: func(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
			dt := syncInputType(g, n, "InputDataType")
			if dt != "" {
				n.Attrs["OutputDataType"] = string(dt)
			}
			return sameType(g, n)
		},
		Layout: hwLayout,
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 1); err != nil {
				return nil, err
			}
			if fn := n.Attrs.String("Function", "MaxPool"); fn != "MaxPool" {
				return nil, fmt.Errorf("%w: pool function %q", ErrBadAttr, fn)
			}
			x := in[0]
			c := n.Attrs.Int("Channels", 0)
			if x.Rank() != 4 || c < 1 || x.Shape[3]%c != 0 {
				return nil, fmt.Errorf("%w: pool input %v for %d channels", tensor.ErrShapeMismatch, x.Shape, c)
			}
			k := x.Shape[3] / c
			rows := x.Size() / x.Shape[3]
			out := tensor.Zeros(x.Shape[0], x.Shape[1], x.Shape[2], c)
			for r := range rows {
				for ch := range c {
					m := x.Data[r*x.Shape[3]+ch]
					for j := 1; j < k; j++ {
						m = max(m, x.Data[r*x.Shape[3]+j*c+ch])
					}
					out.Data[r*c+ch] = m
				}
			}
			return one(out), nil
		},
		HW: &HWSpec{
			Attrs: hwAttrs(graph.Attrs{
				"Channels":       0,
				"PE":             1,
				"KernelSize":     []int{1, 1},
				"Function":       "MaxPool",
				"OutImgDims":     []int{1, 1},
				"BatchSize":      1,
				"InputDataType":  "",
				"OutputDataType": "",
			}),
			Stream: func(g *graph.Graph, n *graph.Node) (Stream, error) {
				a := n.Attrs
				pe := a.Int("PE", 1)
				nf, err := fold(a.Int("Channels", 0), pe, "Channels")
				if err != nil {
					return Stream{}, err
				}
				kh, kw := pair(a.Ints("KernelSize"), 1)
				oh, ow := pair(a.Ints("OutImgDims"), 1)
				nb := batch(g, n)
				k := kh * kw
				width := pe * bits(a.DataType("InputDataType", ""))
				in := nb * oh * ow * k * nf
				return Stream{
					InWords:   in,
					OutWords:  nb * oh * ow * nf,
					InWidth:   width,
					OutWidth:  width,
					InFolded:  []int{nb, oh, ow, k * nf, pe},
					OutFolded: []int{nb, oh, ow, nf, pe},
					Cycles:    in,
					NeedFn:    func(p int) int { return (p/nf + 1) * k * nf },
				}, nil
			},
		},
	})

	Register(&Op{
		Type:   OpConvDoublePacked,
		Domain: graph.DomainHW,
		Shape: func(g *graph.Graph, n *graph.Node) ([][]int, error) {
			oh, ow := pair(n.Attrs.Ints("OFMDim"), 1)
			return one([]int{batch(g, n), oh, ow, n.Attrs.Int("OFMChannels", 0)}), nil
		},
		DataType: func(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
			syncInputType(g, n, "inputDataType")
			return attrType(n, "outputDataType")
		},
		Layout: hwLayout,
		Execute: func(n *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
			if err := needInputs(in, 2); err != nil {
				return nil, err
			}
			x, err := in[0].Transpose(PermNHWCToNCHW...)
			if err != nil {
				return nil, err
			}
			y, err := conv2D(x, in[1], nil, hwWindow(n.Attrs), 1)
			if err != nil {
				return nil, err
			}
			out, err := y.Transpose(PermNCHWToNHWC...)
			return one(out), err
		},
		HW: &HWSpec{
			Attrs: hwAttrs(graph.Attrs{
				"ConvKernelDim":  []int{1, 1},
				"IFMChannels":    0,
				"OFMChannels":    0,
				"IFMDim":         []int{1, 1},
				"OFMDim":         []int{1, 1},
				"Stride":         []int{1, 1},
				"Padding":        []int{0, 0, 0, 0},
				"SIMD":           1,
				"PE":             1,
				"inputDataType":  "",
				"weightDataType": "",
				"outputDataType": "",
				"resType":        "dsp",
				"mem_mode":       "const",
				"ram_style":      "auto",
			}),
			Stream: func(g *graph.Graph, n *graph.Node) (Stream, error) {
				a := n.Attrs
				simd, pe := a.Int("SIMD", 1), a.Int("PE", 1)
				ww, err := fold(a.Int("IFMChannels", 0), simd, "IFMChannels")
				if err != nil {
					return Stream{}, err
				}
				nf, err := fold(a.Int("OFMChannels", 0), pe, "OFMChannels")
				if err != nil {
					return Stream{}, err
				}
				win := hwWindow(a)
				h, w := pair(a.Ints("IFMDim"), 1)
				oh, ow := pair(a.Ints("OFMDim"), 1)
				nb := batch(g, n)
				out := nb * oh * ow * nf
				// two multiplications share one DSP slice
				cycles := max(out, (nb*oh*ow*win.kh*win.kw*ww*nf+1)/2)
				return Stream{
					InWords:   nb * h * w * ww,
					OutWords:  out,
					InWidth:   simd * bits(a.DataType("inputDataType", "")),
					OutWidth:  pe * bits(a.DataType("outputDataType", "")),
					InFolded:  []int{nb, h, w, ww, simd},
					OutFolded: []int{nb, oh, ow, nf, pe},
					Cycles:    cycles,
					NeedFn:    windowNeed(win, h, w, oh, ow, ww, nf),
				}, nil
			},
		},
	})
}

// =============================================================================
// Stream plumbing
// =============================================================================

func identity(_ *graph.Node, in []*tensor.Array) ([]*tensor.Array, error) {
	if err := needInputs(in, 1); err != nil {
		return nil, err
	}
	return one(in[0]), nil
}

// plumbingType records the stream datatype in the dataType attribute.
func plumbingType(g *graph.Graph, n *graph.Node) ([]graph.DataType, error) {
	syncInputType(g, n, "dataType")
	return sameType(g, n)
}

func registerPlumbingHW() {
	Register(&Op{
		Type:     OpFIFO,
		Domain:   graph.DomainHW,
		Shape:    sameShape,
		DataType: plumbingType,
		Layout: func(g *graph.Graph, n *graph.Node) graph.Layout {
			return defaultLayout(g, n.Input(0), len(g.Shape(n.Output(0))))
		},
		Execute: identity,
		HW: &HWSpec{
			Attrs: hwAttrs(graph.Attrs{
				"depth":        2,
				"folded_shape": []int{},
				"normal_shape": []int{},
				"dataType":     "",
				"ram_style":    "auto",
				"impl_style":   "rtl",
			}),
			Stream: func(_ *graph.Graph, n *graph.Node) (Stream, error) {
				folded := n.Attrs.Ints("folded_shape")
				if len(folded) == 0 {
					return Stream{}, fmt.Errorf("%w: empty folded_shape", ErrBadAttr)
				}
				inner := folded[len(folded)-1]
				words := tensor.Size(folded[:len(folded)-1])
				width := inner * bits(n.Attrs.DataType("dataType", ""))
				return Stream{
					InWords:   words,
					OutWords:  words,
					InWidth:   width,
					OutWidth:  width,
					InFolded:  slices.Clone(folded),
					OutFolded: slices.Clone(folded),
					Cycles:    words,
					NeedFn:    func(p int) int { return p + 1 },
				}, nil
			},
		},
	})

	Register(&Op{
		Type:     OpDWC,
		Domain:   graph.DomainHW,
		Shape:    sameShape,
		DataType: plumbingType,
		Layout: func(g *graph.Graph, n *graph.Node) graph.Layout {
			return defaultLayout(g, n.Input(0), len(g.Shape(n.Output(0))))
		},
		Execute: identity,
		HW: &HWSpec{
			Attrs: hwAttrs(graph.Attrs{
				"shape":      []int{},
				"inWidth":    0,
				"outWidth":   0,
				"dataType":   "",
				"impl_style": "hls",
			}),
			Stream: func(_ *graph.Graph, n *graph.Node) (Stream, error) {
				a := n.Attrs
				shape := a.Ints("shape")
				if len(shape) == 0 {
					return Stream{}, fmt.Errorf("%w: empty shape", ErrBadAttr)
				}
				eb := bits(a.DataType("dataType", ""))
				inW, outW := a.Int("inWidth", 0), a.Int("outWidth", 0)
				inElems, err := fold(inW, eb, "inWidth")
				if err != nil {
					return Stream{}, err
				}
				outElems, err := fold(outW, eb, "outWidth")
				if err != nil {
					return Stream{}, err
				}
				last := shape[len(shape)-1]
				inFold, err := fold(last, inElems, "innermost dim")
				if err != nil {
					return Stream{}, err
				}
				outFold, err := fold(last, outElems, "innermost dim")
				if err != nil {
					return Stream{}, err
				}
				outer := slices.Clone(shape[:len(shape)-1])
				rows := tensor.Size(outer)
				return Stream{
					InWords:   rows * inFold,
					OutWords:  rows * outFold,
					InWidth:   inW,
					OutWidth:  outW,
					InFolded:  append(slices.Clone(outer), inFold, inElems),
					OutFolded: append(outer, outFold, outElems),
					Cycles:    rows * max(inFold, outFold),
				}, nil
			},
		},
	})
}
