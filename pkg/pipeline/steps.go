package pipeline

import (
	"context"
	"io"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/hlsflow/pkg/fifo"
	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/hwconfig"
	"github.com/matzehuels/hlsflow/pkg/transform"
	"github.com/matzehuels/hlsflow/pkg/transform/lower"
	"github.com/matzehuels/hlsflow/pkg/transform/streamline"
)

// Step names.
const (
	StepNameTidy          = "tidy"
	StepNameStreamline    = "streamline"
	StepNameConvertToHW   = "convert_to_hw"
	StepNameSetFIFODepths = "set_fifo_depths"
)

// StepFunc is one build step. It returns the graph it produced; cfg has
// been validated and is never modified.
type StepFunc func(ctx context.Context, g *graph.Graph, cfg Config, env Env) (*graph.Graph, error)

// Step is a named build step.
type Step struct {
	Name        string
	Description string
	Run         StepFunc
}

// Env carries the collaborators of a build, resolved once per run.
type Env struct {
	Logger       *log.Logger
	Capabilities Capabilities
	Sizer        fifo.Sizer
	Sink         hwconfig.Sink
	BuildID      string
}

func (e Env) logger() *log.Logger {
	if e.Logger == nil {
		return log.New(io.Discard)
	}
	return e.Logger
}

// Capabilities lists the optional features available to a build.
type Capabilities struct {
	// DoublePackedConv enables lowering narrow convolutions to
	// ConvDoublePacked_Batch.
	DoublePackedConv bool
}

// DetectCapabilities resolves the optional features of this build of the
// tool. Experimental features are only reported when asked for.
func DetectCapabilities(experimental bool) Capabilities {
	return Capabilities{DoublePackedConv: experimental}
}

// DefaultSteps is the standard build flow.
var DefaultSteps = []Step{
	{StepNameTidy, "normalize names, shapes and datatypes", StepTidy},
	{StepNameStreamline, "absorb scales and shifts into thresholds", StepStreamline},
	{StepNameConvertToHW, "lower layers to hardware primitives", StepConvertToHW},
	{StepNameSetFIFODepths, "insert and size stream buffers", StepSetFIFODepths},
}

// StepByName looks up a step of [DefaultSteps].
func StepByName(name string) (Step, bool) {
	for _, s := range DefaultSteps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// TidyPasses returns the passes of the tidy-up step.
func TidyPasses() []transform.Pass {
	return []transform.Pass{
		transform.GiveUniqueParameterTensors(),
		transform.InferShapes(),
		transform.FoldConstants(),
		transform.RemoveStaticGraphInputs(),
		transform.GiveUniqueNodeNames(),
		transform.GiveReadableTensorNames(),
		transform.InferDataTypes(),
		transform.InsertTopK(),
		transform.InferShapes(),
		transform.GiveUniqueNodeNames(),
		transform.GiveReadableTensorNames(),
		transform.InferDataTypes(),
	}
}

// StepTidy normalizes the imported model.
func StepTidy(_ context.Context, g *graph.Graph, _ Config, _ Env) (*graph.Graph, error) {
	return transform.Apply(g, TidyPasses()...)
}

// StepStreamline runs cfg.StreamlineIterations streamline iterations.
func StepStreamline(ctx context.Context, g *graph.Graph, cfg Config, env Env) (*graph.Graph, error) {
	n := cfg.StreamlineIterations
	if n == 0 {
		n = streamline.DefaultIterations
	}
	logger := env.logger()
	return streamline.Run(ctx, g, n, func(i int, g *graph.Graph) {
		logger.Debug("streamline iteration", "iteration", i, "nodes", len(g.Nodes))
	})
}

// StepConvertToHW lowers the streamlined graph to hardware primitives.
// Layers that cannot be lowered stay in the graph.
func StepConvertToHW(ctx context.Context, g *graph.Graph, _ Config, env Env) (*graph.Graph, error) {
	logger := env.logger()
	if len(g.Inputs) > 0 {
		g.EnsureTensor(g.Inputs[0]).DataType = graph.UInt8
	}
	var err error
	if g, err = transform.Apply(g, transform.InferDataLayouts()); err != nil {
		return nil, err
	}
	if env.Capabilities.DoublePackedConv {
		if g, err = transform.Apply(g, lower.InferDoublePackedConv()); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("double-packed convolution not available, skipped")
	}
	if g, err = transform.Apply(g,
		transform.DoubleToSingleFloat(),
		transform.InferDataTypes(),
		transform.SortGraph(),
	); err != nil {
		return nil, err
	}

	for _, p := range lower.Passes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if g, err = transform.Apply(g,
			p,
			transform.InferDataLayouts(),
			transform.GiveUniqueNodeNames(),
			transform.InferDataTypes(),
		); err != nil {
			return nil, err
		}
	}

	return transform.Apply(g,
		lower.RemoveCNVtoFCFlatten(),
		transform.GiveReadableTensorNames(),
		transform.RemoveUnusedTensors(),
		transform.SortGraph(),
	)
}

// StepSetFIFODepths inserts the stream buffers between hardware nodes and
// sizes them, either with env.Sizer or from the folding config file, then
// saves the final hardware configuration through env.Sink.
func StepSetFIFODepths(ctx context.Context, g *graph.Graph, cfg Config, env Env) (*graph.Graph, error) {
	logger := env.logger()
	var err error
	if cfg.AutoFIFO() {
		if env.Sizer == nil {
			return nil, errMissing("fifo sizer")
		}
		if g, err = env.Sizer.SizeFIFOs(ctx, g, cfg.SizingOptions()); err != nil {
			return nil, err
		}
	} else {
		passes := []transform.Pass{
			fifo.InsertDWC(),
			fifo.InsertFIFO(true),
			transform.GiveUniqueNodeNames(),
			transform.GiveReadableTensorNames(),
		}
		if cfg.FoldingConfigFile != "" {
			folding, err := transform.LoadFoldingConfig(cfg.FoldingConfigFile)
			if err != nil {
				return nil, err
			}
			passes = append(passes, transform.ApplyConfig(folding, logger))
		}
		passes = append(passes, fifo.RemoveShallowFIFOs())
		if g, err = transform.Apply(g, passes...); err != nil {
			return nil, err
		}
	}

	if env.Sink == nil {
		return nil, errMissing("config sink")
	}
	rec := hwconfig.NewRecord(env.BuildID, cfg.FPGAPart, g)
	if err := env.Sink.Save(ctx, rec); err != nil {
		return nil, err
	}
	logger.Info("saved hardware config", "nodes", len(rec.Config.Nodes()))
	return g, nil
}
