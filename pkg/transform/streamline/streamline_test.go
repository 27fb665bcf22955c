package streamline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/tensor"
	"github.com/matzehuels/hlsflow/pkg/transform"
)

// builder assembles small test graphs with a single input x and output y.
type builder struct {
	t *testing.T
	g *graph.Graph
}

func newBuilder(t *testing.T, shape ...int) *builder {
	g := graph.New("test")
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y"}
	g.SetTensor(&graph.Tensor{Name: "x", Shape: shape, DataType: graph.Float32})
	return &builder{t: t, g: g}
}

func (b *builder) init(name string, shape []int, data ...float64) string {
	b.g.SetInitializer(name, tensor.MustNew(shape, data))
	return name
}

func (b *builder) node(opType string, in []string, out string, attrs graph.Attrs) *builder {
	b.g.AddNode(graph.NewNode(opType, in, []string{out}, attrs))
	return b
}

func (b *builder) build() *graph.Graph {
	b.t.Helper()
	g, err := transform.Apply(b.g, transform.InferShapes(), transform.InferDataTypes(), transform.InferDataLayouts())
	require.NoError(b.t, err)
	return g
}

func input(g *graph.Graph, shape []int, data ...float64) map[string]*tensor.Array {
	return map[string]*tensor.Array{g.Inputs[0]: tensor.MustNew(shape, data)}
}

// preserves applies passes and checks the graph still computes the same
// outputs for the given input.
func preserves(t *testing.T, g *graph.Graph, in []float64, passes ...transform.Pass) *graph.Graph {
	t.Helper()
	shape := g.Shape(g.Inputs[0])
	want, err := ops.Run(g.Clone(), input(g, shape, in...))
	require.NoError(t, err)

	g, err = transform.Apply(g, passes...)
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	got, err := ops.Run(g, input(g, shape, in...))
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Shape, got[i].Shape)
		require.True(t, tensor.AllClose(want[i], got[i], 1e-5, 1e-6), "want %v, got %v", want[i].Data, got[i].Data)
	}
	return g
}

// affineLayer builds x -> Add(1) -> Mul(0.5) -> MatMul(w) -> MultiThreshold.
func affineLayer(t *testing.T) *graph.Graph {
	b := newBuilder(t, 1, 2)
	b.init("a", []int{1}, 1)
	b.init("m", []int{1}, 0.5)
	b.init("w", []int{2, 2}, 1, 2, 3, 4)
	b.init("t", []int{1, 2}, 4, 8)
	b.g.Tensor("w").DataType = graph.Int4
	return b.node(ops.OpAdd, []string{"x", "a"}, "h0", nil).
		node(ops.OpMul, []string{"h0", "m"}, "h1", nil).
		node(ops.OpMatMul, []string{"h1", "w"}, "h2", nil).
		node(ops.OpMultiThreshold, []string{"h2", "t"}, "y", graph.Attrs{"out_dtype": "UINT2", "data_layout": "NC"}).
		build()
}

func TestRunStreamlinesAffineLayer(t *testing.T) {
	r := require.New(t)

	g := affineLayer(t)
	// ((x+1)*0.5) W = [5.5, 8] for x = [1, 2]
	want, err := ops.Run(g.Clone(), input(g, []int{1, 2}, 1, 2))
	r.NoError(err)
	r.Equal([]float64{1, 2}, want[0].Data)

	g, err = Run(context.Background(), g, 1, nil)
	r.NoError(err)
	r.NoError(g.Validate())
	r.Equal(map[string]int{ops.OpMatMul: 1, ops.OpMultiThreshold: 1}, g.CountOps())

	mt := g.NodesOfType(ops.OpMultiThreshold)[0]
	r.Equal([]int{2, 2}, g.Initializer(mt.Input(1)).Shape)
	r.Equal([]float64{4, 12, 2, 10}, g.Initializer(mt.Input(1)).Data)

	got, err := ops.Run(g, input(g, []int{1, 2}, 1, 2))
	r.NoError(err)
	r.Equal(want[0].Data, got[0].Data)
}

func TestRunReachesFixedPoint(t *testing.T) {
	r := require.New(t)

	once, err := Run(context.Background(), affineLayer(t), 1, nil)
	r.NoError(err)
	twice, err := Run(context.Background(), affineLayer(t), 2, nil)
	r.NoError(err)
	r.Equal(once.CountOps(), twice.CountOps())
	r.Equal(once.Fingerprint(), twice.Fingerprint())
}

func TestRunIterations(t *testing.T) {
	r := require.New(t)

	var seen []int
	_, err := Run(context.Background(), affineLayer(t), 3, func(i int, g *graph.Graph) {
		seen = append(seen, i)
		r.NotEmpty(g.Nodes)
	})
	r.NoError(err)
	r.Equal([]int{1, 2, 3}, seen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, affineLayer(t), 1, func(int, *graph.Graph) {
		t.Error("no iteration should run after cancellation")
	})
	r.ErrorIs(err, context.Canceled)
}

func TestIterationOrder(t *testing.T) {
	r := require.New(t)

	linear := LinearPasses()
	r.Len(linear, 22)
	r.Equal("AbsorbScalarMulAddIntoTopK", linear[0].Name())
	r.Equal("MoveAddPastMul", linear[7].Name())
	r.Equal("MoveAddPastMul", linear[13].Name())
	r.Equal("Absorb1BitMulIntoConv", linear[21].Name())

	it := Iteration()
	r.Len(it, 2*len(linear)+len(NonlinearPasses())+4)
	r.Equal("GiveUniqueNodeNames", it[1].Name())
	r.Equal("SortGraph", it[len(it)-1].Name())
}

func TestConvertSubAndDiv(t *testing.T) {
	b := newBuilder(t, 1, 3)
	b.init("s", []int{1}, 2)
	b.init("d", []int{3}, 4, 0.5, -2)
	g := b.node(ops.OpSub, []string{"x", "s"}, "h", nil).
		node(ops.OpDiv, []string{"h", "d"}, "y", nil).
		build()

	g = preserves(t, g, []float64{1, 2, 3}, ConvertSubToAdd(), ConvertDivToMul())
	require.Equal(t, map[string]int{ops.OpAdd: 1, ops.OpMul: 1}, g.CountOps())
}

func TestRemoveIdentityOps(t *testing.T) {
	b := newBuilder(t, 1, 2)
	b.init("zero", []int{1}, 0)
	b.init("one", []int{1, 2}, 1, 1)
	g := b.node(ops.OpIdentity, []string{"x"}, "h0", nil).
		node(ops.OpAdd, []string{"h0", "zero"}, "h1", nil).
		node(ops.OpMul, []string{"h1", "one"}, "h2", nil).
		node(ops.OpRelu, []string{"h2"}, "y", nil).
		build()

	g = preserves(t, g, []float64{-1, 2}, RemoveIdentityOps())
	require.Equal(t, map[string]int{ops.OpRelu: 1}, g.CountOps())
	require.Equal(t, "x", g.Nodes[0].Input(0))
}

func TestRemoveIdentityOpsKeepsGraphOutput(t *testing.T) {
	b := newBuilder(t, 1, 2)
	b.init("one", []int{1}, 1)
	g := b.node(ops.OpRelu, []string{"x"}, "h", nil).
		node(ops.OpMul, []string{"h", "one"}, "y", nil).
		build()

	g = preserves(t, g, []float64{-1, 2}, RemoveIdentityOps())
	require.Equal(t, map[string]int{ops.OpRelu: 1}, g.CountOps())
	require.Equal(t, []string{"y"}, g.Outputs)
	require.Equal(t, "y", g.Nodes[0].Output(0))
}

func TestCollapseRepeated(t *testing.T) {
	r := require.New(t)

	b := newBuilder(t, 1, 2)
	b.init("a", []int{1}, 1)
	b.init("b", []int{2}, 2, 3)
	b.init("m", []int{1}, 2)
	b.init("n", []int{1}, 3)
	g := b.node(ops.OpAdd, []string{"x", "a"}, "h0", nil).
		node(ops.OpAdd, []string{"h0", "b"}, "h1", nil).
		node(ops.OpMul, []string{"h1", "m"}, "h2", nil).
		node(ops.OpMul, []string{"h2", "n"}, "y", nil).
		build()

	g = preserves(t, g, []float64{1, -1}, CollapseRepeatedAdd(), CollapseRepeatedMul())
	r.Equal(map[string]int{ops.OpAdd: 1, ops.OpMul: 1}, g.CountOps())
	r.Equal([]float64{3, 4}, g.Initializer(g.Nodes[0].Input(1)).Data)
	r.Equal([]float64{6}, g.Initializer(g.Nodes[1].Input(1)).Data)
}

func TestBatchNormToAffine(t *testing.T) {
	b := newBuilder(t, 1, 2, 2, 1)
	b.init("gamma", []int{2}, 1, 2)
	b.init("beta", []int{2}, 0.5, -1)
	b.init("mean", []int{2}, 1, 0)
	b.init("var", []int{2}, 4, 1)
	g := b.node(ops.OpBatchNorm, []string{"x", "gamma", "beta", "mean", "var"}, "y", graph.Attrs{"epsilon": 0.0}).
		build()

	g = preserves(t, g, []float64{1, 2, 3, 4}, BatchNormToAffine())
	require.Equal(t, map[string]int{ops.OpMul: 1, ops.OpAdd: 1}, g.CountOps())
	require.Equal(t, []int{1, 2, 1, 1}, g.Initializer(g.Nodes[0].Input(1)).Shape)
}

func TestConvertSignToThres(t *testing.T) {
	r := require.New(t)

	g := newBuilder(t, 1, 4).node(ops.OpSign, []string{"x"}, "y", nil).build()
	g = preserves(t, g, []float64{-1.5, 0, 2, -0.25}, ConvertSignToThres())
	r.Equal(map[string]int{ops.OpMultiThreshold: 1}, g.CountOps())
	r.Equal(graph.Bipolar, g.DataTypeOf("y"))
}

func TestAbsorbIntoMultiThreshold(t *testing.T) {
	r := require.New(t)

	b := newBuilder(t, 1, 2)
	b.init("a", []int{1, 2}, 1, -2)
	b.init("m", []int{1}, 4)
	b.init("t", []int{1, 3}, 0, 2, 4)
	g := b.node(ops.OpMul, []string{"x", "m"}, "h0", nil).
		node(ops.OpAdd, []string{"h0", "a"}, "h1", nil).
		node(ops.OpMultiThreshold, []string{"h1", "t"}, "y", graph.Attrs{"out_dtype": "UINT2", "data_layout": "NC"}).
		build()

	g = preserves(t, g, []float64{0.25, 1.5}, AbsorbAddIntoMultiThreshold(), AbsorbMulIntoMultiThreshold())
	r.Equal(map[string]int{ops.OpMultiThreshold: 1}, g.CountOps())
	r.Equal([]float64{-0.25, 0.25, 0.75, 0.5, 1, 1.5}, g.Initializer(g.Nodes[0].Input(1)).Data)
}

func TestAbsorbMulRejectsNegativeScale(t *testing.T) {
	b := newBuilder(t, 1, 2)
	b.init("m", []int{1}, -2)
	b.init("t", []int{1, 1}, 0)
	g := b.node(ops.OpMul, []string{"x", "m"}, "h", nil).
		node(ops.OpMultiThreshold, []string{"h", "t"}, "y", graph.Attrs{"out_dtype": "BINARY", "data_layout": "NC"}).
		build()

	g = preserves(t, g, []float64{1, -1}, AbsorbMulIntoMultiThreshold())
	require.Equal(t, 1, g.CountOps()[ops.OpMul])
}

func TestFactorOutMulSignMagnitude(t *testing.T) {
	r := require.New(t)

	b := newBuilder(t, 1, 2)
	b.init("m", []int{2}, 2, -3)
	g := b.node(ops.OpMul, []string{"x", "m"}, "y", nil).build()

	g = preserves(t, g, []float64{1, 2}, FactorOutMulSignMagnitude())
	r.Equal(2, g.CountOps()[ops.OpMul])
	r.Equal([]float64{1, -1}, g.Initializer(g.Nodes[0].Input(1)).Data)
	r.Equal([]float64{2, 3}, g.Initializer(g.Nodes[1].Input(1)).Data)
}

func TestMoveAddPastMul(t *testing.T) {
	r := require.New(t)

	b := newBuilder(t, 1, 2)
	b.init("a", []int{1}, 3)
	b.init("m", []int{2}, 2, -1)
	g := b.node(ops.OpAdd, []string{"x", "a"}, "h", nil).
		node(ops.OpMul, []string{"h", "m"}, "y", nil).
		build()

	g = preserves(t, g, []float64{1, 2}, MoveAddPastMul())
	r.Equal(ops.OpMul, g.Nodes[0].OpType)
	r.Equal(ops.OpAdd, g.Nodes[1].OpType)
	r.Equal([]float64{6, -3}, g.Initializer(g.Nodes[1].Input(1)).Data)
}

func TestMoveScalarLinearPastMatMul(t *testing.T) {
	r := require.New(t)

	b := newBuilder(t, 1, 2)
	b.init("a", []int{1}, 1)
	b.init("m", []int{1}, 3)
	b.init("w", []int{2, 3}, 1, 0, -1, 2, 1, 0)
	g := b.node(ops.OpMul, []string{"x", "m"}, "h0", nil).
		node(ops.OpAdd, []string{"h0", "a"}, "h1", nil).
		node(ops.OpMatMul, []string{"h1", "w"}, "y", nil).
		build()

	g = preserves(t, g, []float64{1, 2}, MoveScalarAddPastMatMul(), MoveScalarMulPastMatMul())
	r.Equal([]string{ops.OpMatMul, ops.OpMul, ops.OpAdd}, opTypes(g))
	r.Equal([]float64{3, 1, -1}, g.Initializer(g.Nodes[2].Input(1)).Data)
}

func TestMoveLinearPastConv(t *testing.T) {
	r := require.New(t)

	b := newBuilder(t, 1, 2, 3, 3)
	b.init("a", []int{1, 2, 1, 1}, 1, -2)
	b.init("m", []int{1}, 0.5)
	b.init("w", []int{2, 2, 2, 2}, 1, 0, 0, 1, 2, 1, 0, -1, 0, 1, 1, 0, -1, 2, 1, 1)
	g := b.node(ops.OpMul, []string{"x", "m"}, "h0", nil).
		node(ops.OpAdd, []string{"h0", "a"}, "h1", nil).
		node(ops.OpConv, []string{"h1", "w"}, "y", graph.Attrs{"kernel_shape": []int{2, 2}}).
		build()

	in := make([]float64, 18)
	for i := range in {
		in[i] = float64(i%5) - 2
	}
	g = preserves(t, g, in, MoveAddPastConv(), MoveScalarMulPastConv())
	r.Equal([]string{ops.OpConv, ops.OpMul, ops.OpAdd}, opTypes(g))
	r.Equal([]int{1, 2, 1, 1}, g.Initializer(g.Nodes[2].Input(1)).Shape)
}

func TestMoveAddPastConvNeedsUnpadded(t *testing.T) {
	b := newBuilder(t, 1, 1, 3, 3)
	b.init("a", []int{1}, 1)
	b.init("w", []int{1, 1, 2, 2}, 1, 1, 1, 1)
	g := b.node(ops.OpAdd, []string{"x", "a"}, "h", nil).
		node(ops.OpConv, []string{"h", "w"}, "y", graph.Attrs{"pads": []int{1, 1, 1, 1}}).
		build()

	g = preserves(t, g, make([]float64, 9), MoveAddPastConv())
	require.Equal(t, ops.OpAdd, g.Nodes[0].OpType)
}

func TestMoveScalarLinearPastInvariants(t *testing.T) {
	b := newBuilder(t, 1, 2, 3)
	b.init("m", []int{1, 1, 1}, 2)
	g := b.node(ops.OpMul, []string{"x", "m"}, "h", nil).
		node(ops.OpTranspose, []string{"h"}, "y", graph.Attrs{"perm": []int{0, 2, 1}}).
		build()

	g = preserves(t, g, []float64{1, 2, 3, 4, 5, 6}, MoveScalarLinearPastInvariants())
	require.Equal(t, []string{ops.OpTranspose, ops.OpMul}, opTypes(g))
}

func TestMoveMaxPoolPastMultiThreshold(t *testing.T) {
	b := newBuilder(t, 1, 2, 2, 2)
	b.init("t", []int{2, 2}, 0, 2, 1, 3)
	g := b.node(ops.OpMaxPool, []string{"x"}, "h", graph.Attrs{"kernel_shape": []int{2, 2}, "strides": []int{2, 2}}).
		node(ops.OpMultiThreshold, []string{"h", "t"}, "y", graph.Attrs{"out_dtype": "UINT2"}).
		build()

	g = preserves(t, g, []float64{-1, 0.5, 2, 1, 4, 0, 2.5, 1}, MoveMaxPoolPastMultiThreshold())
	require.Equal(t, []string{ops.OpMultiThreshold, ops.OpMaxPool}, opTypes(g))
	require.Equal(t, graph.UInt2, g.DataTypeOf("y"))
}

func TestAbsorbScalarMulAddIntoTopK(t *testing.T) {
	b := newBuilder(t, 1, 4)
	b.init("m", []int{1}, 2)
	b.init("a", []int{1}, -7)
	g := b.node(ops.OpMul, []string{"x", "m"}, "h0", nil).
		node(ops.OpAdd, []string{"h0", "a"}, "h1", nil).
		node(ops.OpTopK, []string{"h1"}, "y", graph.Attrs{"k": 1}).
		build()

	g = preserves(t, g, []float64{3, 1, 4, 1}, AbsorbScalarMulAddIntoTopK())
	require.Equal(t, map[string]int{ops.OpTopK: 1}, g.CountOps())
}

func TestAbsorb1BitMul(t *testing.T) {
	t.Run("MatMul", func(t *testing.T) {
		b := newBuilder(t, 1, 2)
		b.init("w", []int{2, 2}, 1, -1, 2, 1)
		b.init("s", []int{2}, -1, 1)
		b.g.Tensor("w").DataType = graph.Int4
		g := b.node(ops.OpMatMul, []string{"x", "w"}, "h", nil).
			node(ops.OpMul, []string{"h", "s"}, "y", nil).
			build()

		g = preserves(t, g, []float64{3, -2}, Absorb1BitMulIntoMatMul())
		require.Equal(t, map[string]int{ops.OpMatMul: 1}, g.CountOps())
		require.Equal(t, []float64{-1, -1, -2, 1}, g.Initializer(g.Nodes[0].Input(1)).Data)
		require.True(t, g.DataTypeOf(g.Nodes[0].Input(1)).IsInteger())
	})

	t.Run("Conv", func(t *testing.T) {
		b := newBuilder(t, 1, 1, 2, 2)
		b.init("w", []int{2, 1, 1, 1}, 2, 3)
		b.init("s", []int{1, 2, 1, 1}, 1, -1)
		g := b.node(ops.OpConv, []string{"x", "w"}, "h", nil).
			node(ops.OpMul, []string{"h", "s"}, "y", nil).
			build()

		g = preserves(t, g, []float64{1, 2, 3, 4}, Absorb1BitMulIntoConv())
		require.Equal(t, map[string]int{ops.OpConv: 1}, g.CountOps())
	})

	t.Run("RejectsWideScale", func(t *testing.T) {
		b := newBuilder(t, 1, 2)
		b.init("w", []int{2, 2}, 1, 0, 0, 1)
		b.init("s", []int{2}, 3, 1)
		g := b.node(ops.OpMatMul, []string{"x", "w"}, "h", nil).
			node(ops.OpMul, []string{"h", "s"}, "y", nil).
			build()

		g = preserves(t, g, []float64{1, 1}, Absorb1BitMulIntoMatMul())
		require.Equal(t, 1, g.CountOps()[ops.OpMul])
	})
}

func TestMoveLinearPastEltwiseAdd(t *testing.T) {
	r := require.New(t)

	b := newBuilder(t, 1, 2)
	b.init("m0", []int{1}, 2)
	b.init("m1", []int{1}, 2)
	g := b.node(ops.OpRelu, []string{"x"}, "r", nil).
		node(ops.OpMul, []string{"x", "m0"}, "p", nil).
		node(ops.OpMul, []string{"r", "m1"}, "q", nil).
		node(ops.OpAdd, []string{"p", "q"}, "y", nil).
		build()

	g = preserves(t, g, []float64{-1, 3}, MoveLinearPastEltwiseAdd())
	r.Equal([]string{ops.OpRelu, ops.OpAdd, ops.OpMul}, opTypes(g))
	r.Equal("y", g.Nodes[2].Output(0))
}

func TestMoveLinearPastFork(t *testing.T) {
	r := require.New(t)

	b := newBuilder(t, 1, 2)
	b.init("m", []int{1}, 3)
	g := b.node(ops.OpMul, []string{"x", "m"}, "h", nil).
		node(ops.OpRelu, []string{"h"}, "a", nil).
		node(ops.OpRelu, []string{"h"}, "b", nil).
		node(ops.OpAdd, []string{"a", "b"}, "y", nil).
		build()

	g = preserves(t, g, []float64{-1, 2}, MoveLinearPastFork())
	r.Equal(2, g.CountOps()[ops.OpMul])
	for _, mul := range g.NodesOfType(ops.OpMul) {
		r.Len(g.Consumers(mul.Output(0)), 1)
		r.NotNil(g.Initializer(mul.Input(1)), mul.Name)
	}
	muls := g.NodesOfType(ops.OpMul)
	r.NotEqual(muls[0].Input(1), muls[1].Input(1))
}

func opTypes(g *graph.Graph) []string {
	out := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		out[i] = n.OpType
	}
	return out
}
