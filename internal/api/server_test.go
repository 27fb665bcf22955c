package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matzehuels/hlsflow/pkg/buildinfo"
	"github.com/matzehuels/hlsflow/pkg/cache"
	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/observability"
	"github.com/matzehuels/hlsflow/pkg/ops"
)

// affineModel is x -> Add(1) -> Mul(0.5) -> MatMul(w) -> MultiThreshold.
const affineModel = `{
  "name": "affine",
  "inputs": ["x"],
  "outputs": ["y"],
  "tensors": [
    {"name": "x", "shape": [1, 2], "dtype": "FLOAT32", "layout": "NC"},
    {"name": "a", "value": {"shape": [1], "data": [1]}},
    {"name": "m", "value": {"shape": [1], "data": [0.5]}},
    {"name": "w", "dtype": "INT4", "value": {"shape": [2, 2], "data": [1, 2, 3, 4]}},
    {"name": "t", "value": {"shape": [1, 2], "data": [4, 8]}}
  ],
  "nodes": [
    {"op_type": "Add", "inputs": ["x", "a"], "outputs": ["h0"]},
    {"op_type": "Mul", "inputs": ["h0", "m"], "outputs": ["h1"]},
    {"op_type": "MatMul", "inputs": ["h1", "w"], "outputs": ["h2"]},
    {"op_type": "MultiThreshold", "inputs": ["h2", "t"], "outputs": ["y"],
     "attrs": {"out_dtype": "UINT2", "data_layout": "NC"}}
  ]
}`

const manualConfig = `{"fpga_part": "xc7z020clg400-1", "auto_fifo_depths": false, "streamline_iterations": 1}`

func newTestServer(t *testing.T, c cache.Cache) *Server {
	t.Helper()
	s := New(Options{Cache: c, WorkDir: t.TempDir()})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func buildBody(config string) string {
	return `{"model": ` + affineModel + `, "config": ` + config + `}`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t, nil), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, buildinfo.Get().Version, body["version"])
	require.NotEmpty(t, body["go_version"])
}

func TestListSteps(t *testing.T) {
	rec := do(t, newTestServer(t, nil), http.MethodGet, "/v1/steps", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var steps []StepInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&steps))
	var names []string
	for _, s := range steps {
		require.NotEmpty(t, s.Description)
		names = append(names, s.Name)
	}
	require.Equal(t, []string{"tidy", "streamline", "convert_to_hw", "set_fifo_depths"}, names)
}

func TestListBoards(t *testing.T) {
	rec := do(t, newTestServer(t, nil), http.MethodGet, "/v1/boards", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var boards []BoardInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&boards))
	require.NotEmpty(t, boards)
	found := false
	for _, b := range boards {
		require.NotEmpty(t, b.FPGAPart)
		if b.Board == "Pynq-Z1" {
			found = true
			require.Equal(t, "xc7z020clg400-1", b.FPGAPart)
		}
	}
	require.True(t, found)
}

func TestBuild(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/v1/builds", buildBody(manualConfig))
	r.Equal(http.StatusOK, rec.Code, rec.Body.String())

	var resp BuildResponse
	r.NoError(json.NewDecoder(rec.Body).Decode(&resp))
	r.NotEmpty(resp.BuildID)
	r.False(resp.CacheHit)
	r.Len(resp.Stats, 4)
	r.Contains(resp.HWConfig.Nodes(), "MatrixVectorActivation_0")

	g, err := graph.Unmarshal(resp.Model)
	r.NoError(err)
	counts := g.CountOps()
	r.Equal(1, counts[ops.OpMVAU])
	r.Zero(counts[ops.OpMatMul])
}

func TestBuildCacheHit(t *testing.T) {
	r := require.New(t)
	c, err := cache.NewFileCache(t.TempDir())
	r.NoError(err)
	s := newTestServer(t, c)

	first := do(t, s, http.MethodPost, "/v1/builds", buildBody(manualConfig))
	r.Equal(http.StatusOK, first.Code, first.Body.String())

	second := do(t, s, http.MethodPost, "/v1/builds", buildBody(manualConfig))
	r.Equal(http.StatusOK, second.Code, second.Body.String())

	var resp BuildResponse
	r.NoError(json.NewDecoder(second.Body).Decode(&resp))
	r.True(resp.CacheHit)
	r.Empty(resp.Stats)
	r.Contains(resp.HWConfig.Nodes(), "MatrixVectorActivation_0")
}

func TestBuildSelectedSteps(t *testing.T) {
	r := require.New(t)
	cfg := `{"fpga_part": "xc7z020clg400-1", "steps": ["tidy"]}`

	rec := do(t, newTestServer(t, nil), http.MethodPost, "/v1/builds", buildBody(cfg))
	r.Equal(http.StatusOK, rec.Code, rec.Body.String())

	var resp BuildResponse
	r.NoError(json.NewDecoder(rec.Body).Decode(&resp))
	r.Len(resp.Stats, 1)
	r.Equal("tidy", resp.Stats[0].Step)
	r.Nil(resp.HWConfig)
}

func TestBuildRejected(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"not json", "{", http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown field", `{"model": {}, "config": {}, "extra": 1}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"no model", `{"config": ` + manualConfig + `}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"folding path", buildBody(`{"fpga_part": "xc7z020clg400-1", "folding_config_file": "/etc/passwd"}`), http.StatusBadRequest, "INVALID_INPUT"},
		{"bad model", `{"model": {"nodes": [{"inputs": []}]}, "config": ` + manualConfig + `}`, http.StatusBadRequest, "INVALID_MODEL"},
		{"no part", buildBody(`{}`), http.StatusBadRequest, "INVALID_CONFIG"},
		{"folding key", `{"model": ` + affineModel + `, "config": ` + manualConfig + `, "folding": {"a/b": {"PE": 1}}}`, http.StatusBadRequest, "INVALID_FOLDING"},
		{"unknown step", buildBody(`{"fpga_part": "xc7z020clg400-1", "steps": ["synthesize"]}`), http.StatusBadRequest, "INVALID_STEP"},
	}

	s := newTestServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/v1/builds", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decodeError(t, rec)
			require.Equal(t, tt.code, body.Code)
			require.NotEmpty(t, body.Message)
		})
	}
}

func TestBuildBodyLimit(t *testing.T) {
	s := New(Options{WorkDir: t.TempDir(), MaxBodyBytes: 64})
	defer s.Close()

	rec := do(t, s, http.MethodPost, "/v1/builds", buildBody(manualConfig))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_INPUT", decodeError(t, rec).Code)
}

func TestBuildFolding(t *testing.T) {
	r := require.New(t)
	body := `{"model": ` + affineModel + `, "config": ` + manualConfig +
		`, "folding": {"MatrixVectorActivation_0": {"ram_style": "block"}}}`

	rec := do(t, newTestServer(t, nil), http.MethodPost, "/v1/builds", body)
	r.Equal(http.StatusOK, rec.Code, rec.Body.String())

	var resp BuildResponse
	r.NoError(json.NewDecoder(rec.Body).Decode(&resp))
	r.Equal("block", resp.HWConfig["MatrixVectorActivation_0"]["ram_style"])
}

// recordingHooks collects HTTP events.
type recordingHooks struct {
	mu        sync.Mutex
	requests  []string
	responses []int
	errors    int
}

func (h *recordingHooks) OnRequest(_ context.Context, method, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, method+" "+path)
}

func (h *recordingHooks) OnResponse(_ context.Context, _, _ string, status int, _ time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, status)
}

func (h *recordingHooks) OnError(context.Context, string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors++
}

func TestObserveHooks(t *testing.T) {
	hooks := &recordingHooks{}
	observability.SetHTTPHooks(hooks)
	defer observability.Reset()

	s := newTestServer(t, nil)
	do(t, s, http.MethodGet, "/healthz", "")
	do(t, s, http.MethodPost, "/v1/builds", "{")

	require.Equal(t, []string{"GET /healthz", "POST /v1/builds"}, hooks.requests)
	require.Equal(t, []int{http.StatusOK, http.StatusBadRequest}, hooks.responses)
	require.Equal(t, 1, hooks.errors)
}

func TestListenAndServeShutdown(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNotFound(t *testing.T) {
	rec := do(t, newTestServer(t, nil), http.MethodGet, "/v1/nothing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
