package sim

import (
	"context"
	"fmt"
	"strings"

	"github.com/sarchlab/akita/v4/sim"

	errs "github.com/matzehuels/hlsflow/pkg/errors"
)

// tickEvent is one clock edge of the dataflow region.
type tickEvent struct {
	*sim.EventBase
}

// simulator advances the network by one cycle per tick event. Handler
// errors are kept on the simulator because the engine does not surface
// them from Run.
type simulator struct {
	ctx    context.Context
	net    *network
	opts   Options
	engine sim.Engine
	period float64 // seconds per cycle

	cycle       int
	latency     int
	idle        int
	stallWindow int
	done        bool
	err         error
}

func newSimulator(ctx context.Context, net *network, opts Options) *simulator {
	s := &simulator{
		ctx:    ctx,
		net:    net,
		opts:   opts,
		engine: sim.NewSerialEngine(),
		period: opts.ClockPeriodNs * 1e-9,
	}
	// a ready actor waits at most Cycles/OutWords cycles for its rate
	// credit, so a longer quiet spell means no word can move again
	for _, a := range net.actors {
		s.stallWindow = max(s.stallWindow, (a.stream.Cycles+a.stream.OutWords-1)/a.stream.OutWords)
	}
	s.stallWindow += 2
	return s
}

func (s *simulator) schedule() {
	t := sim.VTimeInSec(float64(s.cycle) * s.period)
	s.engine.Schedule(tickEvent{EventBase: sim.NewEventBase(t, s)})
}

func (s *simulator) run() error {
	s.schedule()
	if err := s.engine.Run(); err != nil && s.err == nil {
		s.err = err
	}
	if s.err != nil {
		return s.err
	}
	if !s.done {
		return errs.New(errs.ErrCodeSimulationFailed, "simulation stopped after %d cycles", s.cycle)
	}
	return nil
}

// Handle implements sim.Handler.
func (s *simulator) Handle(e sim.Event) error {
	if _, ok := e.(tickEvent); !ok {
		return fmt.Errorf("unexpected event %T", e)
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return nil
	}

	moved := s.step()
	s.cycle++
	if s.latency == 0 && s.firstInferenceDone() {
		s.latency = s.cycle
	}
	if s.finished() {
		s.done = true
		if s.latency == 0 {
			s.latency = s.cycle
		}
		return nil
	}

	if moved {
		s.idle = 0
	} else if s.idle++; s.idle > s.stallWindow {
		s.err = errs.New(errs.ErrCodeSimulationFailed, "dataflow deadlock at cycle %d: %s", s.cycle, s.pending())
		return nil
	}
	if s.cycle >= s.opts.MaxCycles {
		s.err = errs.New(errs.ErrCodeSimulationFailed, "exceeded %d cycles: %s", s.opts.MaxCycles, s.pending())
		return nil
	}
	s.schedule()
	return nil
}

// step advances every port by one cycle and reports whether any word moved.
func (s *simulator) step() bool {
	moved := false
	for _, src := range s.net.sources {
		if src.produced < s.opts.Inferences*src.ch.perInference && src.ch.hasSpace() {
			src.ch.incoming++
			src.produced++
			moved = true
		}
	}
	for _, a := range s.net.actors {
		if s.fire(a) {
			moved = true
		}
	}
	for _, sk := range s.net.sinks {
		if sk.ch.count > 0 {
			sk.ch.count--
			sk.received++
			moved = true
		}
	}
	for _, ch := range s.net.channels {
		ch.commit()
	}
	return moved
}

// fire reads at most one word per input and writes at most one word per
// output.
func (s *simulator) fire(a *actor) bool {
	inf := s.opts.Inferences
	moved := false
	for k, in := range a.inputs {
		if in.read < a.need(k, a.written, inf) && in.ch.count > 0 {
			in.ch.count--
			in.read++
			moved = true
		}
	}
	if a.written >= inf*a.stream.OutWords {
		return moved
	}

	a.credit = min(a.credit+a.stream.OutWords, a.stream.Cycles)
	if a.credit < a.stream.Cycles {
		return moved
	}
	for k, in := range a.inputs {
		if in.read < a.need(k, a.written, inf) {
			return moved
		}
	}
	for _, out := range a.outputs {
		if !out.hasSpace() {
			return moved
		}
	}
	for _, out := range a.outputs {
		out.incoming++
	}
	a.written++
	a.credit -= a.stream.Cycles
	return true
}

func (s *simulator) firstInferenceDone() bool {
	if len(s.net.sinks) == 0 {
		return false
	}
	for _, sk := range s.net.sinks {
		if sk.received < sk.ch.perInference {
			return false
		}
	}
	return true
}

func (s *simulator) finished() bool {
	for _, a := range s.net.actors {
		if a.written < s.opts.Inferences*a.stream.OutWords {
			return false
		}
	}
	for _, sk := range s.net.sinks {
		if sk.received < s.opts.Inferences*sk.ch.perInference {
			return false
		}
	}
	return true
}

// pending describes the actors that have not finished.
func (s *simulator) pending() string {
	var parts []string
	for _, a := range s.net.actors {
		total := s.opts.Inferences * a.stream.OutWords
		if a.written < total {
			parts = append(parts, fmt.Sprintf("%s wrote %d/%d", a.name, a.written, total))
		}
	}
	if len(parts) == 0 {
		return "sinks not drained"
	}
	return strings.Join(parts, ", ")
}
