package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/matzehuels/hlsflow/pkg/buildinfo"
	errs "github.com/matzehuels/hlsflow/pkg/errors"
	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/hwconfig"
	"github.com/matzehuels/hlsflow/pkg/observability"
	"github.com/matzehuels/hlsflow/pkg/pipeline"
	"github.com/matzehuels/hlsflow/pkg/transform"
)

// foldingFileName is the name of an inline folding config inside the
// build scratch directory.
const foldingFileName = "folding.json"

// BuildRequest is the body of POST /v1/builds.
type BuildRequest struct {
	// Model is the model document as read by graph.ReadJSON.
	Model json.RawMessage `json:"model"`

	// Config holds the build settings. The output directory is chosen by
	// the server.
	Config pipeline.Config `json:"config"`

	// Folding is an optional inline folding config, applied in manual
	// FIFO mode.
	Folding transform.FoldingConfig `json:"folding,omitempty"`
}

// BuildResponse is the answer to a successful build.
type BuildResponse struct {
	BuildID  string               `json:"build_id"`
	CacheHit bool                 `json:"cache_hit"`
	Model    json.RawMessage      `json:"model"`
	HWConfig hwconfig.Config      `json:"hw_config,omitempty"`
	Stats    []pipeline.StepStats `json:"stats,omitempty"`
}

// StepInfo describes one build step.
type StepInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// BoardInfo names a board and its FPGA part.
type BoardInfo struct {
	Board    string `json:"board"`
	FPGAPart string `json:"fpga_part"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the machine-readable code and a readable message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		buildinfo.Info
	}{Status: "ok", Info: buildinfo.Get()})
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	steps := make([]StepInfo, len(pipeline.DefaultSteps))
	for i, st := range pipeline.DefaultSteps {
		steps[i] = StepInfo{Name: st.Name, Description: st.Description}
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleBoards(w http.ResponseWriter, r *http.Request) {
	boards := pipeline.Boards()
	out := make([]BoardInfo, len(boards))
	for i, b := range boards {
		part, _ := pipeline.PartForBoard(b)
		out[i] = BoardInfo{Board: b, FPGAPart: part}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeBuild(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	g, err := graph.Unmarshal(req.Model)
	if err != nil {
		s.fail(w, r, errs.Wrap(errs.ErrCodeInvalidModel, err, "decode model"))
		return
	}

	dir, err := os.MkdirTemp(s.opts.WorkDir, "build-*")
	if err != nil {
		s.fail(w, r, errs.Wrap(errs.ErrCodeStorage, err, "create build directory"))
		return
	}
	defer os.RemoveAll(dir)

	cfg := req.Config
	cfg.OutputDir = dir
	if req.Folding != nil {
		path := filepath.Join(dir, foldingFileName)
		if err := writeFolding(path, req.Folding); err != nil {
			s.fail(w, r, errs.Wrap(errs.ErrCodeStorage, err, "write folding config"))
			return
		}
		cfg.FoldingConfigFile = path
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.BuildTimeout)
	defer cancel()

	result, err := s.runner.Run(ctx, g, cfg, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	model, err := graph.Marshal(result.Graph)
	if err != nil {
		s.fail(w, r, errs.Wrap(errs.ErrCodeInternal, err, "encode model"))
		return
	}
	resp := BuildResponse{
		BuildID:  result.BuildID,
		CacheHit: result.CacheHit,
		Model:    model,
		Stats:    result.Stats,
	}
	if result.Record != nil {
		resp.HWConfig = result.Record.Config
	}
	s.logger.Info("build finished", "model", g.Name, "build_id", result.BuildID, "cache_hit", result.CacheHit)
	writeJSON(w, http.StatusOK, resp)
}

// decodeBuild reads and checks a build request.
func (s *Server) decodeBuild(w http.ResponseWriter, r *http.Request) (*BuildRequest, error) {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	var req BuildRequest
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errs.Wrap(errs.ErrCodeInvalidInput, err, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, errs.Wrap(errs.ErrCodeInvalidInput, err, "decode request")
	}
	if len(bytes.TrimSpace(req.Model)) == 0 || bytes.Equal(bytes.TrimSpace(req.Model), []byte("null")) {
		return nil, errs.New(errs.ErrCodeInvalidInput, "model is required")
	}
	if req.Config.FoldingConfigFile != "" {
		return nil, errs.New(errs.ErrCodeInvalidInput, "folding_config_file is not accepted, send the folding config inline")
	}
	if err := req.Folding.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func writeFolding(path string, cfg transform.FoldingConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// fail answers with the status derived from err and reports it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	code := string(errs.GetCode(err))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, context.Canceled):
		status, code = 499, "CANCELED"
	case code == "":
		code = string(errs.ErrCodeInternal)
	}

	observability.HTTP().OnError(r.Context(), r.Method, r.URL.Path, err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		s.logger.Warn("request rejected", "path", r.URL.Path, "error", err)
	}

	msg := errs.UserMessage(err)
	if status >= http.StatusInternalServerError && code == string(errs.ErrCodeInternal) {
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
