package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/matzehuels/hlsflow/pkg/cache"
	errs "github.com/matzehuels/hlsflow/pkg/errors"
	"github.com/matzehuels/hlsflow/pkg/fifo"
	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/hwconfig"
	"github.com/matzehuels/hlsflow/pkg/observability"
)

// IntermediateDir is the subdirectory of the output directory holding the
// model after every step when SaveIntermediateModels is set.
const IntermediateDir = "intermediate_models"

// Runner executes build steps with caching.
// Both CLI and API use this to avoid duplicating build logic.
//
// The Runner is stateless except for its collaborators - it doesn't
// store build results. Multiple goroutines can safely use the same
// Runner with different graphs, as long as Progress is safe for
// concurrent use.
type Runner struct {
	Cache  cache.Cache
	Keyer  cache.Keyer
	Logger *log.Logger

	// Sizer sizes FIFOs in automatic mode. Defaults to a [fifo.SimSizer]
	// sharing the runner's cache.
	Sizer fifo.Sizer

	// Sink receives the final hardware configuration. Nil writes
	// <output_dir>/final_hw_config.json.
	Sink hwconfig.Sink

	// Capabilities is resolved once by whoever builds the runner.
	Capabilities Capabilities

	// Progress, if set, is called before and after every step.
	Progress func(StepEvent)
}

// StepEvent reports the progress of one step.
type StepEvent struct {
	Index    int
	Total    int
	Step     string
	Done     bool
	Nodes    int
	Duration time.Duration
	Err      error
}

// StepStats describes one completed step.
type StepStats struct {
	Step     string        `json:"step"`
	Nodes    int           `json:"nodes"`
	Duration time.Duration `json:"duration"`
}

// Result contains the outputs of a build.
type Result struct {
	// Graph is the model after the last step.
	Graph *graph.Graph

	// BuildID identifies this build in saved records.
	BuildID string

	// Record is the saved hardware configuration, nil if no step saved one.
	Record *hwconfig.Record

	// Stats contains one entry per executed step.
	Stats []StepStats

	// CacheHit is set when the graph came from the build cache.
	CacheHit bool
}

// NewRunner creates a runner with the given cache and keyer.
// If keyer is nil, a DefaultKeyer is used.
// If cache is nil, a NullCache is used (caching disabled).
func NewRunner(c cache.Cache, keyer cache.Keyer, logger *log.Logger) *Runner {
	if keyer == nil {
		keyer = cache.NewDefaultKeyer()
	}
	if c == nil {
		c = cache.NewNullCache()
	}
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	sizer := fifo.NewSimSizer(c, logger)
	sizer.Keyer = keyer
	return &Runner{
		Cache:  c,
		Keyer:  keyer,
		Logger: logger,
		Sizer:  sizer,
	}
}

// Run validates cfg and applies steps to g in order. A nil steps list runs
// cfg.Steps, or [DefaultSteps] when that is empty. The first failing step
// aborts the build.
func (r *Runner) Run(ctx context.Context, g *graph.Graph, cfg Config, steps []Step) (*Result, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if steps == nil {
		var err error
		if steps, err = cfg.ResolveSteps(); err != nil {
			return nil, err
		}
	}

	sink := &recordingSink{Sink: r.Sink}
	if sink.Sink == nil {
		sink.Sink = hwconfig.NewFileSink(cfg.OutputDir)
	}
	env := Env{
		Logger:       r.Logger,
		Capabilities: r.Capabilities,
		Sizer:        r.Sizer,
		Sink:         sink,
		BuildID:      uuid.NewString(),
	}
	result := &Result{BuildID: env.BuildID}

	key, cacheable := r.buildKey(g, cfg, steps)
	if cacheable {
		if cached, ok := r.cached(ctx, key); ok {
			r.Logger.Info("build cache hit", "model", g.Name)
			if slices.ContainsFunc(steps, func(s Step) bool { return s.Name == StepNameSetFIFODepths }) {
				if err := sink.Save(ctx, hwconfig.NewRecord(env.BuildID, cfg.FPGAPart, cached)); err != nil {
					return nil, errs.Wrap(errs.ErrCodeStorage, err, "save hw config")
				}
			}
			result.Graph, result.Record, result.CacheHit = cached, sink.last, true
			return result, nil
		}
	}

	hooks := observability.Pipeline()
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.progress(StepEvent{Index: i, Total: len(steps), Step: s.Name, Nodes: len(g.Nodes)})
		hooks.OnStepStart(ctx, s.Name, len(g.Nodes))
		start := time.Now()

		out, err := r.runStep(ctx, s, g, cfg, env)
		dur := time.Since(start)
		nodes := 0
		if out != nil {
			nodes = len(out.Nodes)
		}
		hooks.OnStepComplete(ctx, s.Name, nodes, dur, err)
		r.progress(StepEvent{Index: i, Total: len(steps), Step: s.Name, Done: true, Nodes: nodes, Duration: dur, Err: err})
		if err != nil {
			r.Logger.Error("step failed", "step", s.Name, "error", err)
			return nil, err
		}

		g = out
		result.Stats = append(result.Stats, StepStats{Step: s.Name, Nodes: nodes, Duration: dur})
		r.Logger.Info("completed step", "step", s.Name, "nodes", nodes, "duration", dur)
	}

	result.Graph, result.Record = g, sink.last
	if cacheable {
		r.store(ctx, key, g)
	}
	return result, nil
}

// runStep runs one step and applies the per-step checks of cfg.
func (r *Runner) runStep(ctx context.Context, s Step, g *graph.Graph, cfg Config, env Env) (*graph.Graph, error) {
	out, err := s.Run(ctx, g, cfg, env)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Wrap(errs.ErrCodeStepFailed, err, "step %s", s.Name)
	}
	if out == nil {
		return nil, errs.New(errs.ErrCodeStepFailed, "step %s returned no graph", s.Name)
	}
	if cfg.VerifySteps {
		if err := out.Validate(); err != nil {
			return nil, errs.Wrap(errs.ErrCodeStructuralViolation, err, "after step %s", s.Name)
		}
		r.Logger.Debug("verified step", "step", s.Name)
	}
	if cfg.SaveIntermediateModels {
		if err := saveIntermediate(cfg.OutputDir, s.Name, out); err != nil {
			return nil, errs.Wrap(errs.ErrCodeStorage, err, "save model after step %s", s.Name)
		}
	}
	return out, nil
}

func saveIntermediate(outputDir, step string, g *graph.Graph) error {
	if err := errs.ValidateRelativePath(step + ".json"); err != nil {
		return err
	}
	dir := filepath.Join(outputDir, IntermediateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return graph.ExportJSON(g, filepath.Join(dir, step+".json"))
}

// buildKey returns the build cache key of g under cfg. Builds that write
// intermediate models or run steps outside the registry are not cached.
func (r *Runner) buildKey(g *graph.Graph, cfg Config, steps []Step) (string, bool) {
	if cfg.SaveIntermediateModels {
		return "", false
	}
	opts, err := cfg.BuildKeyOpts()
	if err != nil {
		return "", false
	}
	opts.Steps = opts.Steps[:0]
	for _, s := range steps {
		if _, ok := StepByName(s.Name); !ok {
			return "", false
		}
		opts.Steps = append(opts.Steps, s.Name)
	}
	return r.Keyer.BuildKey(g.Fingerprint(), opts), true
}

func (r *Runner) cached(ctx context.Context, key string) (*graph.Graph, bool) {
	data, hit, err := r.Cache.Get(ctx, key)
	if err != nil || !hit {
		observability.Cache().OnCacheMiss(ctx, key)
		return nil, false
	}
	g, err := graph.Unmarshal(data)
	if err != nil {
		r.Logger.Debug("discarding unreadable build cache entry", "error", err)
		return nil, false
	}
	observability.Cache().OnCacheHit(ctx, key)
	return g, true
}

func (r *Runner) store(ctx context.Context, key string, g *graph.Graph) {
	data, err := graph.Marshal(g)
	if err != nil {
		return
	}
	if err := r.Cache.Set(ctx, key, data, cache.TTLBuild); err != nil {
		r.Logger.Debug("build cache write failed", "error", err)
		return
	}
	observability.Cache().OnCacheSet(ctx, key, len(data))
}

func (r *Runner) progress(ev StepEvent) {
	if r.Progress != nil {
		r.Progress(ev)
	}
}

// Close releases resources held by the runner (primarily the cache).
func (r *Runner) Close() error {
	if r.Cache != nil {
		return r.Cache.Close()
	}
	return nil
}

// recordingSink remembers the last record it saved.
type recordingSink struct {
	hwconfig.Sink
	last *hwconfig.Record
}

func (s *recordingSink) Save(ctx context.Context, rec *hwconfig.Record) error {
	if err := s.Sink.Save(ctx, rec); err != nil {
		return err
	}
	s.last = rec
	return nil
}

func errMissing(what string) error {
	return errs.New(errs.ErrCodeInternal, "%s not configured", what)
}
