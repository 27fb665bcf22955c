package hwconfig

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
)

func built() *graph.Graph {
	g := graph.New("net")
	g.Inputs, g.Outputs = []string{"x"}, []string{"y"}
	hw := func(name, opType string, in, out string, attrs graph.Attrs) {
		n := graph.NewHWNode(opType, []string{in}, []string{out}, attrs)
		ops.ApplyDefaults(n)
		n.Name = name
		g.AddNode(n)
	}
	hw("StreamingFIFO_0", ops.OpFIFO, "x", "a", graph.Attrs{"depth": 32})
	hw("MatrixVectorActivation_0", ops.OpMVAU, "a", "b", graph.Attrs{"PE": 2, "SIMD": 4})
	relu := graph.NewNode(ops.OpRelu, []string{"b"}, []string{"y"}, nil)
	relu.Name = "Relu_0"
	g.AddNode(relu)
	return g
}

func TestExtract(t *testing.T) {
	r := require.New(t)

	cfg := Extract(built(), DefaultAttrs)
	r.Equal([]string{"MatrixVectorActivation_0", "StreamingFIFO_0"}, cfg.Nodes())
	r.Empty(cfg[DefaultsKey])
	r.NotContains(cfg, "Relu_0")

	r.Equal(map[string]any{
		"PE":                        2,
		"SIMD":                      4,
		"ram_style":                 "auto",
		"resType":                   "lut",
		"mem_mode":                  "const",
		"runtime_writeable_weights": 0,
	}, cfg["MatrixVectorActivation_0"])
	r.Equal(map[string]any{
		"depth":      32,
		"ram_style":  "auto",
		"impl_style": "rtl",
	}, cfg["StreamingFIFO_0"])
}

func TestExtractFallsBackToDeclaredDefault(t *testing.T) {
	g := graph.New("net")
	n := graph.NewHWNode(ops.OpMVAU, []string{"x"}, []string{"y"}, graph.Attrs{"PE": 2})
	n.Name = "mvau"
	g.AddNode(n)

	cfg := Extract(g, []string{"PE", "SIMD", "depth"})
	require.Equal(t, map[string]any{"PE": 2, "SIMD": 1}, cfg["mvau"])
}

func TestFileSink(t *testing.T) {
	r := require.New(t)

	dir := filepath.Join(t.TempDir(), "out")
	sink := NewFileSink(dir)
	rec := NewRecord("build-1", "xc7z020clg400-1", built())
	r.NoError(sink.Save(context.Background(), rec))

	cfg, err := Load(filepath.Join(dir, FileName))
	r.NoError(err)
	r.Equal(rec.Config.Nodes(), cfg.Nodes())
	r.Contains(cfg, DefaultsKey)
	r.EqualValues(32, cfg["StreamingFIFO_0"]["depth"])
	r.Equal("rtl", cfg["StreamingFIFO_0"]["impl_style"])
}

type failingSink struct{ err error }

func (s failingSink) Save(context.Context, *Record) error { return s.err }

func TestMultiSink(t *testing.T) {
	r := require.New(t)

	dir := t.TempDir()
	boom := errors.New("boom")
	m := MultiSink{failingSink{boom}, NewFileSink(dir)}
	err := m.Save(context.Background(), NewRecord("b", "", built()))
	r.ErrorIs(err, boom)

	// later sinks still run
	_, err = Load(filepath.Join(dir, FileName))
	r.NoError(err)

	r.NoError(MultiSink{}.Save(context.Background(), NewRecord("b", "", built())))
}

func TestRecordDocument(t *testing.T) {
	r := require.New(t)

	rec := NewRecord("build-7", "xczu3eg-sbva484-1-e", built())
	doc := recordDocument(rec)

	m := doc.Map()
	r.Equal("build-7", m["_id"])
	r.Equal("net", m["model"])
	r.Equal(rec.Fingerprint, m["fingerprint"])
	r.Equal("xczu3eg-sbva484-1-e", m["fpga_part"])

	nodes, ok := m["nodes"].(bson.D)
	r.True(ok)
	r.Len(nodes, 2)
	r.Equal("MatrixVectorActivation_0", nodes[0].Key)
	attrs := nodes[0].Value.(bson.D)
	r.Equal("PE", attrs[0].Key)
	r.Equal(2, attrs[0].Value)

	// the document is encodable
	_, err := bson.Marshal(doc)
	r.NoError(err)
}

func TestNewMongoSinkRejectsBadURI(t *testing.T) {
	_, err := NewMongoSink(context.Background(), MongoConfig{URI: "not-a-uri"})
	require.Error(t, err)
}
