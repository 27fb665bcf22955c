package transform

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	errs "github.com/matzehuels/hlsflow/pkg/errors"
	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/tensor"
)

// mlp builds x[1,2] -> MatMul(w1) -> Relu -> MatMul(w2) -> y with both
// matmuls sharing one weight tensor.
func mlp(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("mlp")
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y"}
	g.SetTensor(&graph.Tensor{Name: "x", Shape: []int{1, 2}, DataType: graph.Float32})
	g.SetInitializer("w", tensor.MustNew([]int{2, 2}, []float64{1, -1, 2, 0.5}))
	g.AddNode(graph.NewNode(ops.OpMatMul, []string{"x", "w"}, []string{"a"}, nil))
	g.AddNode(graph.NewNode(ops.OpRelu, []string{"a"}, []string{"b"}, nil))
	g.AddNode(graph.NewNode(ops.OpMatMul, []string{"b", "w"}, []string{"y"}, nil))
	_, err := Apply(g, InferShapes(), InferDataTypes())
	require.NoError(t, err)
	return g
}

func feed(v ...float64) map[string]*tensor.Array {
	return map[string]*tensor.Array{"x": tensor.MustNew([]int{1, len(v)}, v)}
}

func TestApplyWrapsErrors(t *testing.T) {
	r := require.New(t)

	boom := errors.New("boom")
	calls := 0
	count := InPlace("Count", func(*graph.Graph) error { calls++; return nil })
	fail := InPlace("Fail", func(*graph.Graph) error { return boom })

	_, err := Apply(graph.New("g"), Sequence("seq", count, fail, count))
	r.ErrorIs(err, boom)
	var re *RewriteError
	r.ErrorAs(err, &re)
	r.Equal("Fail", re.Pass)
	r.Equal(1, calls)
	r.Contains(err.Error(), "Fail: boom")
}

func TestNodePass(t *testing.T) {
	r := require.New(t)

	g := mlp(t)
	relus := NodePass("DropRelu", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.OpType != ops.OpRelu {
			return false, nil
		}
		return true, g.Bypass(n)
	})
	g, err := Apply(g, relus)
	r.NoError(err)
	r.Zero(g.CountOps()[ops.OpRelu])
	r.NoError(g.Validate())

	// a rewrite that always claims progress never converges
	spin := NodePass("Spin", func(*graph.Graph, *graph.Node) (bool, error) { return true, nil })
	_, err = Apply(g, spin)
	r.ErrorIs(err, ErrNoProgress)

	failing := NodePass("Fail", func(*graph.Graph, *graph.Node) (bool, error) { return false, errors.New("bad node") })
	_, err = Apply(g, GiveUniqueNodeNames(), failing)
	var re *RewriteError
	r.ErrorAs(err, &re)
	r.Equal("MatMul_0", re.Node)
}

func TestGiveUniqueNodeNames(t *testing.T) {
	r := require.New(t)

	g := mlp(t)
	g.Nodes[0].UID = ""
	g, err := Apply(g, GiveUniqueNodeNames())
	r.NoError(err)
	r.Equal("MatMul_0", g.Nodes[0].Name)
	r.Equal("Relu_0", g.Nodes[1].Name)
	r.Equal("MatMul_1", g.Nodes[2].Name)
	r.NotEmpty(g.Nodes[0].UID)
}

func TestGiveReadableTensorNames(t *testing.T) {
	r := require.New(t)

	g := mlp(t)
	g.SetTensor(&graph.Tensor{Name: "stale"})
	g, err := Apply(g, GiveUniqueParameterTensors(), GiveUniqueNodeNames(), GiveReadableTensorNames())
	r.NoError(err)

	r.Equal([]string{"global_in"}, g.Inputs)
	r.Equal([]string{"global_out"}, g.Outputs)
	r.Equal([]string{"global_in", "MatMul_0_param1"}, g.Nodes[0].Inputs)
	r.Equal([]string{"MatMul_0_out0"}, g.Nodes[0].Outputs)
	r.Equal([]string{"Relu_0_out0", "MatMul_1_param1"}, g.Nodes[2].Inputs)
	r.Nil(g.Tensor("stale"))
	r.NoError(g.Validate())

	// renaming is stable
	fp := g.Fingerprint()
	g, err = Apply(g, GiveReadableTensorNames())
	r.NoError(err)
	r.Equal(fp, g.Fingerprint())
}

func TestGiveUniqueParameterTensors(t *testing.T) {
	r := require.New(t)

	g := mlp(t)
	g.Tensor("w").DataType = graph.Int4
	g, err := Apply(g, GiveUniqueParameterTensors())
	r.NoError(err)
	r.Equal("w", g.Nodes[0].Inputs[1])
	w2 := g.Nodes[2].Inputs[1]
	r.NotEqual("w", w2)
	r.Equal(graph.Int4, g.DataTypeOf(w2))

	g.Initializer(w2).Data[0] = 42
	r.Equal(1.0, g.Initializer("w").Data[0])
}

func TestFoldConstants(t *testing.T) {
	r := require.New(t)

	g := mlp(t)
	g.SetInitializer("raw", tensor.MustNew([]int{2, 2}, []float64{1, 2, 3, 4}))
	g.Tensor("raw").DataType = graph.UInt4
	tr := graph.NewNode(ops.OpTranspose, []string{"raw"}, []string{"wt"}, graph.Attrs{"perm": []int{1, 0}})
	g.InsertNode(0, tr)
	g.Nodes[3].Inputs[1] = "wt"
	want, err := ops.Run(g, feed(1, 2))
	r.NoError(err)

	g, err = Apply(g, FoldConstants(), RemoveUnusedTensors())
	r.NoError(err)
	r.Zero(g.CountOps()[ops.OpTranspose])
	r.Equal([]float64{1, 3, 2, 4}, g.Initializer("wt").Data)
	r.Equal(graph.UInt4, g.DataTypeOf("wt"))
	r.Nil(g.Tensor("raw"))

	got, err := ops.Run(g, feed(1, 2))
	r.NoError(err)
	r.Equal(want[0].Data, got[0].Data)
}

func TestRemoveStaticGraphInputs(t *testing.T) {
	g := mlp(t)
	g.Inputs = append(g.Inputs, "w")
	g, err := Apply(g, RemoveStaticGraphInputs())
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, g.Inputs)
}

func TestInsertTopK(t *testing.T) {
	r := require.New(t)

	g := mlp(t)
	g, err := Apply(g, InsertTopK())
	r.NoError(err)
	r.Equal([]string{"y"}, g.Outputs)
	top := g.Producer("y")
	r.Equal(ops.OpTopK, top.OpType)
	r.Equal([]int{1, 1}, g.Shape("y"))
	r.Equal(graph.Int64, g.DataTypeOf("y"))
	r.NoError(g.Validate())

	// x = [1, 2]: a = [5, 0], b = [5, 0], y = [5, -5]
	out, err := ops.Run(g, feed(1, 2))
	r.NoError(err)
	r.Equal([]float64{0}, out[0].Data)

	n := len(g.Nodes)
	g, err = Apply(g, InsertTopK())
	r.NoError(err)
	r.Len(g.Nodes, n)
}

func TestDoubleToSingleFloat(t *testing.T) {
	r := require.New(t)

	g := mlp(t)
	g.Tensor("x").DataType = graph.Float64
	g.Tensor("w").DataType = graph.Float64
	g.Initializer("w").Data[0] = 0.1
	g, err := Apply(g, DoubleToSingleFloat())
	r.NoError(err)
	r.Equal(graph.Float32, g.DataTypeOf("x"))
	r.Equal(graph.Float32, g.DataTypeOf("w"))
	r.Equal(float64(float32(0.1)), g.Initializer("w").Data[0])
}

func TestInferShapesNeedsInputShapes(t *testing.T) {
	g := mlp(t)
	g.Tensor("x").Shape = nil
	_, err := Apply(g, InferShapes())
	require.ErrorIs(t, err, graph.ErrMissingShape)
}

func TestInferDataLayouts(t *testing.T) {
	g := mlp(t)
	g, err := Apply(g, InferDataLayouts())
	require.NoError(t, err)
	for _, name := range []string{"x", "a", "b", "y"} {
		require.Equal(t, graph.LayoutNC, g.Tensor(name).Layout, name)
	}
}

func hwGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("hw")
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y"}
	g.SetTensor(&graph.Tensor{Name: "x", Shape: []int{1, 4}, DataType: graph.UInt4})
	th := graph.NewHWNode(ops.OpThresholding, []string{"x"}, []string{"h"}, graph.Attrs{"PE": 1, "NumChannels": 4})
	th.Name = "Thresholding_Batch_0"
	fifo := graph.NewHWNode(ops.OpFIFO, []string{"h"}, []string{"y"}, graph.Attrs{"depth": 2})
	fifo.Name = "StreamingFIFO_0"
	g.AddNode(th)
	g.AddNode(fifo)
	return g
}

func TestApplyConfig(t *testing.T) {
	r := require.New(t)

	cfg, err := ReadFoldingConfig(strings.NewReader(`{
		"Defaults": {"ram_style": ["block", ["all"]], "PE": [2, ["Thresholding_Batch"]]},
		"Thresholding_Batch_0": {"PE": 4, "depth": 99},
		"StreamingFIFO_0": {"depth": 16, "folded_shape": [1, 4, 1]},
		"NoSuchNode": {"PE": 8}
	}`))
	r.NoError(err)

	g, err := Apply(hwGraph(t), ApplyConfig(cfg, nil))
	r.NoError(err)

	th, _ := g.NodeByName("Thresholding_Batch_0")
	fifo, _ := g.NodeByName("StreamingFIFO_0")
	r.Equal(4, th.Attrs["PE"]) // node entry wins over defaults
	r.Equal("block", th.Attrs["ram_style"])
	r.False(th.Attrs.Has("depth")) // not declared by thresholding
	r.Equal(16, fifo.Attrs["depth"])
	r.Equal("block", fifo.Attrs["ram_style"])
	r.Equal([]int{1, 4, 1}, fifo.Attrs["folded_shape"])
}

func TestApplyConfigRejectsMalformedDefaults(t *testing.T) {
	cfg := FoldingConfig{DefaultsKey: {"PE": 2.0}}
	_, err := Apply(hwGraph(t), ApplyConfig(cfg, nil))
	require.Error(t, err)
}

func TestReadFoldingConfigErrors(t *testing.T) {
	_, err := ReadFoldingConfig(strings.NewReader(`{"a": 1}`))
	require.Error(t, err)

	_, err = LoadFoldingConfig("/nonexistent/folding.json")
	require.Error(t, err)

	_, err = ReadFoldingConfig(strings.NewReader(`{"../MVAU_0": {"PE": 2}}`))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ErrCodeInvalidFolding))

	cfg, err := ReadFoldingConfig(strings.NewReader(`{"Defaults": {}, "MVAU_0": {"PE": 2}}`))
	require.NoError(t, err)
	require.Len(t, cfg, 2)
}
