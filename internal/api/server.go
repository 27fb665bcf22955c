// Package api implements the hlsflow HTTP build service.
//
// The service accepts a model and a build configuration, runs the build
// pipeline on it in a scratch directory and answers with the rewritten
// model and its final hardware configuration:
//
//	POST /v1/builds   run a build
//	GET  /v1/steps    list the build steps
//	GET  /v1/boards   list the known boards
//	GET  /healthz     liveness and version
//
// Build results are shared through the configured cache, typically Redis,
// so replicas serving the same model answer from one another's work.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matzehuels/hlsflow/pkg/cache"
	"github.com/matzehuels/hlsflow/pkg/hwconfig"
	"github.com/matzehuels/hlsflow/pkg/observability"
	"github.com/matzehuels/hlsflow/pkg/pipeline"
)

// Defaults for [Options].
const (
	DefaultAddr         = ":8080"
	DefaultMaxBodyBytes = 32 << 20
	DefaultBuildTimeout = 10 * time.Minute

	// KeyPrefix scopes the cache keys written by the service.
	KeyPrefix = "api:"
)

// Options configures a [Server].
type Options struct {
	Cache  cache.Cache
	Sink   hwconfig.Sink
	Logger *log.Logger

	// WorkDir holds the per-build scratch directories. Empty uses the
	// system temp directory.
	WorkDir string

	MaxBodyBytes int64
	BuildTimeout time.Duration
	Experimental bool
}

// Server serves build requests.
type Server struct {
	runner  *pipeline.Runner
	logger  *log.Logger
	opts    Options
	handler http.Handler
}

// New creates a server. Missing options are filled with defaults.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = DefaultBuildTimeout
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}

	runner := pipeline.NewRunner(opts.Cache, cache.NewScopedKeyer(cache.NewDefaultKeyer(), KeyPrefix), opts.Logger)
	runner.Capabilities = pipeline.DetectCapabilities(opts.Experimental)
	runner.Sink = opts.Sink

	s := &Server{runner: runner, logger: opts.Logger, opts: opts}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/steps", s.handleSteps)
		r.Get("/boards", s.handleBoards)
		r.Post("/builds", s.handleBuild)
	})
	return r
}

// Handler returns the HTTP handler of the service.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("serving", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the cache held by the server.
func (s *Server) Close() error {
	return s.runner.Close()
}

// observe reports every request to the registered HTTP hooks and logs it.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hooks := observability.HTTP()
		hooks.OnRequest(r.Context(), r.Method, r.URL.Path)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		dur := time.Since(start)

		hooks.OnResponse(r.Context(), r.Method, r.URL.Path, ww.Status(), dur)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", dur,
			"request_id", middleware.GetReqID(r.Context()))
	})
}
