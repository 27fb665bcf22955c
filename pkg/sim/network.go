package sim

import (
	"fmt"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
)

// channel is a bounded queue of words between two ports. Words written in
// a cycle become visible to the reader in the next cycle.
type channel struct {
	count    int // visible words
	incoming int // words written this cycle
	capacity int // 0 means unbounded
	max      int
	fifos    []string // StreamingFIFO nodes the channel stands for

	perInference int // words per inference, in the writer's word size
}

func (c *channel) hasSpace() bool {
	return c.capacity == 0 || c.count+c.incoming < c.capacity
}

func (c *channel) commit() {
	c.count += c.incoming
	c.incoming = 0
	c.max = max(c.max, c.count)
}

// input is a stream input of an actor.
type input struct {
	ch   *channel
	read int
}

// actor is a hardware node moving words between channels.
type actor struct {
	name    string
	stream  ops.Stream
	inputs  []*input
	outputs []*channel
	written int
	credit  int
}

// need returns the channel words input k must have delivered before
// output word w (counted over all inferences) can be written.
func (a *actor) need(k, w, inferences int) int {
	tpi := a.inputs[k].ch.perInference
	if w >= inferences*a.stream.OutWords {
		return inferences * tpi
	}
	i, p := w/a.stream.OutWords, w%a.stream.OutWords
	return i*tpi + scale(a.stream.Need(p), tpi, a.stream.InWords)
}

// scale converts n reader words into channel words, rounding up.
func scale(n, channelWords, readerWords int) int {
	if readerWords == 0 || channelWords == readerWords {
		return n
	}
	return (n*channelWords + readerWords - 1) / readerWords
}

// source offers words of a tensor produced outside the dataflow region.
type source struct {
	ch       *channel
	produced int
}

// sink drains a channel leaving the dataflow region.
type sink struct {
	ch       *channel
	received int
}

type network struct {
	actors   []*actor
	sources  []*source
	sinks    []*sink
	channels []*channel
}

// build turns the hardware nodes of g into a network of actors and
// channels.
func build(g *graph.Graph, opts Options) (*network, error) {
	net := &network{}
	byNode := make(map[*graph.Node]*actor)
	for _, n := range g.HWNodes() {
		if n.OpType == ops.OpFIFO {
			continue
		}
		s, err := ops.StreamOf(g, n)
		if err != nil {
			return nil, err
		}
		if s.OutWords <= 0 || s.Cycles <= 0 {
			return nil, fmt.Errorf("%s: stream moves no words", n)
		}
		a := &actor{name: n.Name, stream: s}
		byNode[n] = a
		net.actors = append(net.actors, a)
	}

	for _, n := range g.HWNodes() {
		a, ok := byNode[n]
		if !ok {
			continue
		}
		for _, in := range ops.StreamInputs(g, n) {
			ch := &channel{}
			producer, fifos := traceBack(g, in)
			ch.fifos = fifos
			ch.capacity = capacity(g, fifos, opts)
			if pa, ok := byNode[producer]; ok {
				ch.perInference = pa.stream.OutWords
				pa.outputs = append(pa.outputs, ch)
			} else {
				ch.perInference = a.stream.InWords
				net.sources = append(net.sources, &source{ch: ch})
			}
			a.inputs = append(a.inputs, &input{ch: ch})
			net.channels = append(net.channels, ch)
		}
	}

	// outputs leaving the region
	for _, n := range g.HWNodes() {
		a, ok := byNode[n]
		if !ok {
			continue
		}
		for _, out := range n.Outputs {
			for _, fifos := range traceForward(g, out, nil) {
				ch := &channel{fifos: fifos, perInference: a.stream.OutWords}
				ch.capacity = capacity(g, fifos, opts)
				a.outputs = append(a.outputs, ch)
				net.sinks = append(net.sinks, &sink{ch: ch})
				net.channels = append(net.channels, ch)
			}
		}
	}
	return net, nil
}

// traceBack follows tensor name upstream through StreamingFIFO nodes and
// returns the first other producer (nil for graph inputs) and the FIFOs on
// the way, in stream order.
func traceBack(g *graph.Graph, name string) (*graph.Node, []string) {
	var fifos []string
	p := g.Producer(name)
	for p != nil && p.OpType == ops.OpFIFO {
		fifos = append([]string{p.Name}, fifos...)
		p = g.Producer(p.Input(0))
	}
	if p != nil && !p.IsHW() {
		return nil, fifos
	}
	return p, fifos
}

// traceForward returns one FIFO chain per path from name to a point where
// the stream leaves the dataflow region.
func traceForward(g *graph.Graph, name string, fifos []string) [][]string {
	var out [][]string
	if g.IsGraphOutput(name) {
		out = append(out, fifos)
	}
	for _, c := range g.Consumers(name) {
		switch {
		case c.OpType == ops.OpFIFO:
			chain := append(append([]string(nil), fifos...), c.Name)
			out = append(out, traceForward(g, c.Output(0), chain)...)
		case !c.IsHW():
			out = append(out, fifos)
		}
	}
	return out
}

func capacity(g *graph.Graph, fifos []string, opts Options) int {
	if opts.Unbounded {
		return 0
	}
	if len(fifos) == 0 {
		return directCapacity
	}
	total := 0
	for _, name := range fifos {
		n, _ := g.NodeByName(name)
		total += max(1, n.Attrs.Int("depth", directCapacity))
	}
	return total
}
