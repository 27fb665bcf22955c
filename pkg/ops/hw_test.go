package ops

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/tensor"
)

func mvauNode(simd, pe int) *graph.Node {
	return graph.NewHWNode(OpMVAU, []string{"x", "w", "t"}, []string{"y"}, graph.Attrs{
		"MW": 4, "MH": 6, "SIMD": simd, "PE": pe,
		"inputDataType": "UINT4", "weightDataType": "INT2", "outputDataType": "UINT2",
		"numInputVectors": []int{1},
	})
}

func TestDeclares(t *testing.T) {
	r := require.New(t)

	r.True(Declares(OpFIFO, "depth"))
	r.True(Declares(OpMVAU, "PE"))
	r.True(Declares(OpMVAU, "inFIFODepth"))
	r.False(Declares(OpMVAU, "depth"))
	r.False(Declares(OpAdd, "PE"))
	r.Nil(HWAttrs(OpAdd))
	r.Nil(HWAttrs("NoSuchOp"))

	// every hardware primitive declares its FIFO depths
	for _, typ := range Types() {
		if attrs := HWAttrs(typ); attrs != nil {
			r.True(attrs.Has("inFIFODepth"), typ)
			r.True(attrs.Has("outFIFODepth"), typ)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	r := require.New(t)

	n := graph.NewHWNode(OpThresholding, nil, nil, graph.Attrs{"PE": 4})
	ApplyDefaults(n)
	r.Equal(4, n.Attrs.Int("PE", 0))
	r.Equal("distributed", n.Attrs.String("ram_style", ""))
	r.Equal([]int{1}, n.Attrs.Ints("numInputVectors"))

	// defaults are copied, not shared
	n.Attrs["numInputVectors"] = []int{7}
	r.Equal([]int{1}, HWAttrs(OpThresholding).Ints("numInputVectors"))
}

func TestMVAUStream(t *testing.T) {
	r := require.New(t)

	g := graph.New("s")
	s, err := StreamOf(g, mvauNode(2, 3))
	r.NoError(err)
	r.Equal(2, s.InWords)  // SF = 4/2
	r.Equal(2, s.OutWords) // NF = 6/3
	r.Equal(4, s.Cycles)
	r.Equal(2*4, s.InWidth)
	r.Equal(3*2, s.OutWidth)
	r.Equal([]int{1, 2, 2}, s.InFolded)
	r.Equal([]int{1, 2, 3}, s.OutFolded)
	// the whole input vector is needed before the first output
	r.Equal(2, s.Need(0))
	r.Equal(2, s.Need(1))

	_, err = StreamOf(g, mvauNode(3, 3))
	r.ErrorIs(err, ErrInvalidFolding)
	_, err = StreamOf(g, graph.NewNode(OpAdd, nil, nil, nil))
	r.Error(err)
}

func TestStreamNeedDefaultsToUniformRate(t *testing.T) {
	s := Stream{InWords: 4, OutWords: 2}
	require.Equal(t, 2, s.Need(0))
	require.Equal(t, 4, s.Need(1))

	s = Stream{InWords: 2, OutWords: 4}
	require.Equal(t, 1, s.Need(0))
	require.Equal(t, 1, s.Need(1))
	require.Equal(t, 2, s.Need(3))

	s = Stream{InWords: 3, NeedFn: func(p int) int { return p + 10 }}
	require.Equal(t, 3, s.Need(0))
}

func TestConvInpGenStream(t *testing.T) {
	r := require.New(t)

	g := graph.New("swg")
	g.SetTensor(&graph.Tensor{Name: "x", Shape: []int{1, 3, 3, 2}, DataType: graph.UInt4})
	n := graph.NewHWNode(OpConvInpGen, []string{"x"}, []string{"y"}, graph.Attrs{
		"ConvKernelDim": []int{2, 2}, "IFMChannels": 2, "IFMDim": []int{3, 3},
		"OFMDim": []int{2, 2}, "SIMD": 1, "Stride": []int{1, 1},
		"inputDataType": "UINT4",
	})
	s, err := StreamOf(g, n)
	r.NoError(err)
	r.Equal(9*2, s.InWords)
	r.Equal(4*4*2, s.OutWords)
	// first window ends at pixel (1, 1): 5 pixels of 2 words
	r.Equal(10, s.Need(0))
	// window at (0, 1) ends at pixel (1, 2)
	r.Equal(12, s.Need(8))
	// last window needs the whole image
	r.Equal(18, s.Need(31))

	r.NoError(InferShape(g, n))
	r.Equal([]int{1, 2, 2, 8}, g.Shape("y"))
}

func TestHWTypeInferenceSyncsAttrs(t *testing.T) {
	r := require.New(t)

	g := graph.New("t")
	g.SetTensor(&graph.Tensor{Name: "x", Shape: []int{1, 4}, DataType: graph.UInt8})
	g.SetInitializer("w", tensor.Zeros(4, 6))
	g.SetInitializer("t", tensor.Zeros(6, 1))
	n := mvauNode(1, 1)
	g.AddNode(n)
	r.NoError(InferShape(g, n))
	r.NoError(InferDataType(g, n))
	r.NoError(InferLayout(g, n))
	r.Equal("UINT8", n.Attrs.String("inputDataType", ""))
	r.Equal(graph.UInt2, g.DataTypeOf("y"))
	r.Equal([]int{1, 6}, g.Shape("y"))
	r.Equal(graph.LayoutNC, g.Tensor("y").Layout)

	add := graph.NewHWNode(OpAddStreams, []string{"y", "y"}, []string{"z"}, graph.Attrs{"NumChannels": 6})
	g.AddNode(add)
	r.NoError(InferShape(g, add))
	r.NoError(InferDataType(g, add))
	r.Equal(graph.UInt(3), g.DataTypeOf("z"))

	fifo := graph.NewHWNode(OpFIFO, []string{"z"}, []string{"f"}, nil)
	g.AddNode(fifo)
	r.NoError(InferDataType(g, fifo))
	r.Equal("UINT3", fifo.Attrs.String("dataType", ""))
}

func TestHWKernels(t *testing.T) {
	tests := []struct {
		name string
		node *graph.Node
		in   []*tensor.Array
		want []float64
	}{
		{
			name: "mvau without activation",
			node: graph.NewHWNode(OpMVAU, nil, []string{"y"}, graph.Attrs{"MW": 2, "MH": 2, "noActivation": 1}),
			in: []*tensor.Array{
				tensor.MustNew([]int{1, 2}, []float64{1, 2}),
				tensor.MustNew([]int{2, 2}, []float64{1, 1, 0, 1}),
			},
			want: []float64{1, 3},
		},
		{
			name: "mvau with thresholds and ActVal",
			node: graph.NewHWNode(OpMVAU, nil, []string{"y"}, graph.Attrs{"MW": 2, "MH": 2, "ActVal": -1}),
			in: []*tensor.Array{
				tensor.MustNew([]int{1, 2}, []float64{1, 2}),
				tensor.MustNew([]int{2, 2}, []float64{1, 1, 0, 1}),
				tensor.MustNew([]int{2, 2}, []float64{1, 2, 1, 3}),
			},
			want: []float64{0, 1},
		},
		{
			name: "thresholding on channel-last data",
			node: graph.NewHWNode(OpThresholding, nil, []string{"y"}, nil),
			in: []*tensor.Array{
				tensor.MustNew([]int{1, 1, 1, 2}, []float64{3, 3}),
				tensor.MustNew([]int{2, 2}, []float64{1, 2, 4, 5}),
			},
			want: []float64{2, 0},
		},
		{
			name: "channelwise mul",
			node: graph.NewHWNode(OpChannelwise, nil, []string{"y"}, graph.Attrs{"Func": "mul"}),
			in: []*tensor.Array{
				tensor.MustNew([]int{2, 2}, []float64{1, 2, 3, 4}),
				tensor.MustNew([]int{2}, []float64{10, -1}),
			},
			want: []float64{10, -2, 30, -4},
		},
		{
			name: "label select",
			node: graph.NewHWNode(OpLabelSelect, nil, []string{"y"}, graph.Attrs{"K": 1}),
			in:   []*tensor.Array{tensor.MustNew([]int{1, 3}, []float64{2, 9, 4})},
			want: []float64{1},
		},
		{
			name: "padding",
			node: graph.NewHWNode(OpFMPadding, nil, []string{"y"}, graph.Attrs{"Padding": []int{0, 1, 0, 0}}),
			in:   []*tensor.Array{tensor.MustNew([]int{1, 1, 1, 1}, []float64{5})},
			want: []float64{0, 5},
		},
		{
			name: "pool over window positions",
			node: graph.NewHWNode(OpPool, nil, []string{"y"}, graph.Attrs{"Channels": 2}),
			in:   []*tensor.Array{tensor.MustNew([]int{1, 1, 1, 4}, []float64{1, 5, 3, 2})},
			want: []float64{3, 5},
		},
		{
			name: "fifo is identity",
			node: graph.NewHWNode(OpFIFO, nil, []string{"y"}, nil),
			in:   []*tensor.Array{tensor.MustNew([]int{2}, []float64{1, 2})},
			want: []float64{1, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Execute(tt.node, tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, out[0].Data)
		})
	}
}

func TestDWCStream(t *testing.T) {
	r := require.New(t)

	n := graph.NewHWNode(OpDWC, []string{"x"}, []string{"y"}, graph.Attrs{
		"shape": []int{1, 8}, "inWidth": 8, "outWidth": 16, "dataType": "UINT4",
	})
	s, err := StreamOf(graph.New("d"), n)
	r.NoError(err)
	r.Equal(4, s.InWords)
	r.Equal(2, s.OutWords)
	r.Equal([]int{1, 4, 2}, s.InFolded)
	r.Equal([]int{1, 2, 4}, s.OutFolded)
	r.Equal(2, s.Need(0))

	n.Attrs["outWidth"] = 12
	_, err = StreamOf(graph.New("d"), n)
	r.ErrorIs(err, ErrInvalidFolding)
}
