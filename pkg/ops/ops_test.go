package ops

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/tensor"
)

// quantizedLayer builds x -> MatMul(w) -> MultiThreshold(t) -> y.
func quantizedLayer(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("layer")
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y"}
	g.SetTensor(&graph.Tensor{Name: "x", Shape: []int{1, 2}, DataType: graph.Float32})
	g.SetInitializer("w", tensor.MustNew([]int{2, 2}, []float64{1, 2, 3, 4}))
	g.SetInitializer("t", tensor.MustNew([]int{1, 2}, []float64{4, 8}))
	g.AddNode(graph.NewNode(OpMatMul, []string{"x", "w"}, []string{"h"}, nil))
	g.AddNode(graph.NewNode(OpMultiThreshold, []string{"h", "t"}, []string{"y"},
		graph.Attrs{"out_dtype": "UINT2", "data_layout": "NC"}))
	return g
}

func inferAll(t *testing.T, g *graph.Graph) {
	t.Helper()
	for _, n := range g.Nodes {
		require.NoError(t, InferShape(g, n))
		require.NoError(t, InferDataType(g, n))
		require.NoError(t, InferLayout(g, n))
	}
}

func TestRegistry(t *testing.T) {
	r := require.New(t)

	types := Types()
	r.Contains(types, OpMatMul)
	r.Contains(types, OpMVAU)
	r.Contains(types, OpFIFO)

	op, ok := Lookup(OpMVAU)
	r.True(ok)
	r.Equal(graph.DomainHW, op.Domain)
	r.NotNil(op.HW)

	op, ok = Lookup(OpAdd)
	r.True(ok)
	r.Nil(op.HW)

	_, ok = Lookup("NoSuchOp")
	r.False(ok)
}

func TestInferAndRun(t *testing.T) {
	r := require.New(t)

	g := quantizedLayer(t)
	inferAll(t, g)
	r.Equal([]int{1, 2}, g.Shape("h"))
	r.Equal(graph.Float32, g.DataTypeOf("h"))
	r.Equal(graph.UInt2, g.DataTypeOf("y"))
	r.Equal(graph.LayoutNC, g.Tensor("y").Layout)
	r.NoError(g.Validate())

	// h = [1+6, 2+8] = [7, 10]; thresholds {4, 8}
	out, err := Run(g, map[string]*tensor.Array{"x": tensor.MustNew([]int{1, 2}, []float64{1, 2})})
	r.NoError(err)
	r.Equal([]float64{1, 2}, out[0].Data)

	_, err = Run(g, nil)
	r.ErrorIs(err, ErrMissingInput)
}

func TestInferErrors(t *testing.T) {
	r := require.New(t)

	g := quantizedLayer(t)
	n := graph.NewNode("NoSuchOp", []string{"x"}, []string{"z"}, nil)
	r.ErrorIs(InferShape(g, n), ErrUnknownOp)

	// shapes must be known before inference
	n = graph.NewNode(OpRelu, []string{"nowhere"}, []string{"z"}, nil)
	r.ErrorIs(InferShape(g, n), ErrMissingInput)

	g.Nodes[1].Attrs["out_dtype"] = "INT99"
	infer := func() error {
		for _, n := range g.Nodes {
			if err := InferShape(g, n); err != nil {
				return err
			}
			if err := InferDataType(g, n); err != nil {
				return err
			}
		}
		return nil
	}
	r.ErrorIs(infer(), ErrBadAttr)
}

func TestLinearTypeIsIntegerForIntegerInputs(t *testing.T) {
	r := require.New(t)

	g := quantizedLayer(t)
	g.Tensor("x").DataType = graph.UInt8
	g.Tensor("w").DataType = graph.Int4
	inferAll(t, g)
	r.Equal(graph.Int32, g.DataTypeOf("h"))

	// initializers are never retyped
	g.AddNode(graph.NewNode(OpIdentity, []string{"h"}, []string{"w"}, nil))
	r.NoError(InferDataType(g, g.Nodes[2]))
	r.Equal(graph.Int4, g.DataTypeOf("w"))
}

func TestGenericKernels(t *testing.T) {
	tests := []struct {
		name  string
		node  *graph.Node
		in    []*tensor.Array
		shape []int
		want  []float64
	}{
		{
			name: "sign maps zero to one",
			node: graph.NewNode(OpSign, nil, []string{"y"}, nil),
			in:   []*tensor.Array{tensor.MustNew([]int{3}, []float64{-2, 0, 3})},
			want: []float64{-1, 1, 1},
		},
		{
			name: "topk returns indices",
			node: graph.NewNode(OpTopK, nil, []string{"y"}, graph.Attrs{"k": 2}),
			in:   []*tensor.Array{tensor.MustNew([]int{1, 4}, []float64{0.1, 0.9, 0.5, 0.9})},
			want: []float64{1, 3},
		},
		{
			name:  "reshape copies zero dims",
			node:  graph.NewNode(OpReshape, nil, []string{"y"}, nil),
			in:    []*tensor.Array{tensor.Zeros(2, 3, 2), tensor.MustNew([]int{2}, []float64{0, -1})},
			shape: []int{2, 6},
		},
		{
			name:  "flatten",
			node:  graph.NewNode(OpFlatten, nil, []string{"y"}, graph.Attrs{"axis": 1}),
			in:    []*tensor.Array{tensor.Zeros(2, 3, 4)},
			shape: []int{2, 12},
		},
		{
			name: "multithreshold nchw with scale and bias",
			node: graph.NewNode(OpMultiThreshold, nil, []string{"y"},
				graph.Attrs{"out_dtype": "INT2", "out_scale": 2.0, "out_bias": -1.0}),
			in: []*tensor.Array{
				tensor.MustNew([]int{1, 2, 1, 1}, []float64{0.5, 0.5}),
				tensor.MustNew([]int{2, 1}, []float64{0, 1}),
			},
			want: []float64{1, -1},
		},
		{
			name: "max pool",
			node: graph.NewNode(OpMaxPool, nil, []string{"y"},
				graph.Attrs{"kernel_shape": []int{2, 2}, "strides": []int{2, 2}}),
			in:   []*tensor.Array{tensor.MustNew([]int{1, 1, 2, 2}, []float64{1, 4, 3, 2})},
			want: []float64{4},
		},
		{
			name: "global average pool",
			node: graph.NewNode(OpGlobalAveragePool, nil, []string{"y"}, nil),
			in:   []*tensor.Array{tensor.MustNew([]int{1, 1, 2, 2}, []float64{1, 2, 3, 6})},
			want: []float64{3},
		},
		{
			name: "batchnorm",
			node: graph.NewNode(OpBatchNorm, nil, []string{"y"}, graph.Attrs{"epsilon": 0.0}),
			in: []*tensor.Array{
				tensor.MustNew([]int{1, 1, 1, 2}, []float64{2, 4}),
				tensor.MustNew([]int{1}, []float64{2}), // gamma
				tensor.MustNew([]int{1}, []float64{1}), // beta
				tensor.MustNew([]int{1}, []float64{1}), // mean
				tensor.MustNew([]int{1}, []float64{4}), // var
			},
			want: []float64{2, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Execute(tt.node, tt.in)
			require.NoError(t, err)
			if tt.shape != nil {
				require.Equal(t, tt.shape, out[0].Shape)
			}
			if tt.want != nil {
				require.Equal(t, tt.want, out[0].Data)
			}
		})
	}
}

func TestConvMatchesIm2ColMatMul(t *testing.T) {
	r := require.New(t)

	x := tensor.Zeros(1, 2, 3, 3)
	for i := range x.Data {
		x.Data[i] = float64(i%7) - 3
	}
	w := tensor.Zeros(2, 2, 2, 2)
	for i := range w.Data {
		w.Data[i] = float64(i%5) - 2
	}
	conv := graph.NewNode(OpConv, nil, []string{"y"}, graph.Attrs{"kernel_shape": []int{2, 2}})
	want, err := Execute(conv, []*tensor.Array{x, w})
	r.NoError(err)
	r.Equal([]int{1, 2, 2, 2}, want[0].Shape)

	// NHWC im2col followed by a matmul with weights reordered to
	// [(ky*kw+kx)*C+c, o]
	xt, err := x.Transpose(PermNCHWToNHWC...)
	r.NoError(err)
	cols, err := Execute(graph.NewNode(OpIm2Col, nil, []string{"c"}, graph.Attrs{"kernel_size": []int{2, 2}}), []*tensor.Array{xt})
	r.NoError(err)
	w2, err := w.Transpose(2, 3, 1, 0)
	r.NoError(err)
	w2, err = w2.Reshape(8, 2)
	r.NoError(err)
	y, err := tensor.MatMul(cols[0], w2)
	r.NoError(err)
	y, err = y.Transpose(PermNHWCToNCHW...)
	r.NoError(err)
	r.True(tensor.AllClose(want[0], y, 0, 1e-9))
}

func TestTransposeLayout(t *testing.T) {
	r := require.New(t)

	g := graph.New("t")
	g.Inputs = []string{"x"}
	g.SetTensor(&graph.Tensor{Name: "x", Shape: []int{1, 2, 3, 4}, DataType: graph.Float32, Layout: graph.LayoutNCHW})
	n := graph.NewNode(OpTranspose, []string{"x"}, []string{"y"}, graph.Attrs{"perm": PermNCHWToNHWC})
	g.AddNode(n)
	r.NoError(InferShape(g, n))
	r.NoError(InferLayout(g, n))
	r.Equal([]int{1, 3, 4, 2}, g.Shape("y"))
	r.Equal(graph.LayoutNHWC, g.Tensor("y").Layout)
	r.Equal(PermNCHWToNHWC, TransposePerm(g, n))
}

func TestRowPermutations(t *testing.T) {
	r := require.New(t)

	// C=2, H=1, W=2: NCHW flat order c0y0x0 c0y0x1 c1y0x0 c1y0x1
	src := NCHWToNHWCRows(2, 1, 2)
	r.Equal([]int{0, 2, 1, 3}, src)

	m := tensor.MustNew([]int{4, 1}, []float64{10, 11, 20, 21})
	r.Equal([]float64{10, 20, 11, 21}, PermuteRows(m, src).Data)
}

func TestBatchNormAffine(t *testing.T) {
	scale, shift := BatchNormAffine(
		tensor.MustNew([]int{1}, []float64{3}),
		tensor.MustNew([]int{1}, []float64{1}),
		tensor.MustNew([]int{1}, []float64{2}),
		tensor.MustNew([]int{1}, []float64{9}),
		0,
	)
	require.Equal(t, []float64{1}, scale.Data)
	require.Equal(t, []float64{-1}, shift.Data)
}
