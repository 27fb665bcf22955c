// Package sim runs a cycle-stepped simulation of the hardware dataflow
// region of a graph.
//
// Every hardware node except StreamingFIFO is an actor that moves words at
// the rates its [ops.Stream] describes. StreamingFIFO nodes do not act on
// their own: a chain of them between two actors becomes one channel whose
// capacity is the sum of their depths, or unbounded when sizing. Graph
// inputs and tensors produced outside the dataflow region act as sources
// that offer one word per cycle; graph outputs and tensors leaving the
// region are sinks that accept one word per cycle.
//
// Clock ticks are events on an akita serial engine. The simulation records
// the highest occupancy of every FIFO, which is what FIFO sizing needs.
package sim

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	errs "github.com/matzehuels/hlsflow/pkg/errors"
	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/observability"
)

// Defaults for [Options].
const (
	DefaultInferences    = 2
	DefaultMaxCycles     = 10_000_000
	DefaultClockPeriodNs = 10.0

	// directCapacity is the capacity of an edge without FIFOs, matching the
	// depth-2 stream buffers every primitive has built in.
	directCapacity = 2
)

// Options configures a simulation.
type Options struct {
	// Inferences is the number of back-to-back inputs streamed through.
	Inferences int

	// MaxCycles aborts the simulation when exceeded.
	MaxCycles int

	// ClockPeriodNs maps cycles to simulated time.
	ClockPeriodNs float64

	// Unbounded ignores FIFO depths and gives every channel unlimited
	// capacity. FIFO sizing measures occupancies this way.
	Unbounded bool

	Logger *log.Logger
}

func (o *Options) setDefaults() {
	if o.Inferences <= 0 {
		o.Inferences = DefaultInferences
	}
	if o.MaxCycles <= 0 {
		o.MaxCycles = DefaultMaxCycles
	}
	if o.ClockPeriodNs <= 0 {
		o.ClockPeriodNs = DefaultClockPeriodNs
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard)
	}
}

// Result holds the outcome of a simulation.
type Result struct {
	// Cycles is the number of cycles until every inference left the
	// dataflow region.
	Cycles int

	// Latency is the cycle at which the first inference was complete at
	// every sink.
	Latency int

	// MaxOccupancy maps each StreamingFIFO node name to the highest number
	// of words it held.
	MaxOccupancy map[string]int
}

// Simulate streams opts.Inferences inputs through the hardware nodes of g.
// It fails with code SIMULATION_FAILED when the dataflow deadlocks or runs
// longer than opts.MaxCycles, and returns ctx.Err() when ctx is cancelled.
// A graph without hardware nodes yields an empty result.
func Simulate(ctx context.Context, g *graph.Graph, opts Options) (*Result, error) {
	opts.setDefaults()
	start := time.Now()

	net, err := build(g, opts)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCodeSimulationFailed, err, "build dataflow network")
	}
	res := &Result{MaxOccupancy: make(map[string]int)}
	if len(net.actors) == 0 {
		return res, nil
	}

	s := newSimulator(ctx, net, opts)
	err = s.run()
	observability.Pipeline().OnSimulation(ctx, s.cycle, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	res.Cycles, res.Latency = s.cycle, s.latency
	for _, ch := range net.channels {
		for _, name := range ch.fifos {
			res.MaxOccupancy[name] = max(res.MaxOccupancy[name], ch.max)
		}
	}
	opts.Logger.Debug("simulation finished",
		"cycles", res.Cycles, "latency", res.Latency, "fifos", len(res.MaxOccupancy), "duration", time.Since(start))
	return res, nil
}
