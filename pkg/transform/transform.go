package transform

import (
	"errors"
	"fmt"

	"github.com/matzehuels/hlsflow/pkg/graph"
)

// maxRewrites bounds the number of times a [NodePass] may fire on one graph.
// Every rewrite in this module strictly shrinks or reorders a finite pattern,
// so hitting the bound means two rewrites are undoing each other.
const maxRewrites = 100000

// ErrNoProgress is returned when a [NodePass] keeps matching without
// converging.
var ErrNoProgress = errors.New("rewrite did not converge")

// Pass is one graph rewrite. Apply returns the graph it produced, which may
// be g itself modified in place. A pass whose pattern is absent returns g
// unchanged and no error.
type Pass interface {
	Name() string
	Apply(g *graph.Graph) (*graph.Graph, error)
}

// RewriteError reports a failed pass.
type RewriteError struct {
	Pass string // pass name
	Node string // node being rewritten, if any
	Err  error
}

func (e *RewriteError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s at %s: %v", e.Pass, e.Node, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Pass, e.Err)
}

func (e *RewriteError) Unwrap() error { return e.Err }

type funcPass struct {
	name string
	fn   func(g *graph.Graph) (*graph.Graph, error)
}

// Func adapts fn to a [Pass].
func Func(name string, fn func(g *graph.Graph) (*graph.Graph, error)) Pass {
	return &funcPass{name: name, fn: fn}
}

func (p *funcPass) Name() string { return p.name }

func (p *funcPass) Apply(g *graph.Graph) (*graph.Graph, error) { return p.fn(g) }

// InPlace adapts a function that edits the graph in place.
func InPlace(name string, fn func(g *graph.Graph) error) Pass {
	return Func(name, func(g *graph.Graph) (*graph.Graph, error) {
		return g, fn(g)
	})
}

type sequence struct {
	name   string
	passes []Pass
}

// Sequence composes passes into one pass that applies them in order.
func Sequence(name string, passes ...Pass) Pass {
	return &sequence{name: name, passes: passes}
}

func (s *sequence) Name() string { return s.name }

func (s *sequence) Apply(g *graph.Graph) (*graph.Graph, error) {
	return Apply(g, s.passes...)
}

// Apply runs passes in order, threading the graph through them. A failure
// aborts the sequence and is returned as a [*RewriteError].
func Apply(g *graph.Graph, passes ...Pass) (*graph.Graph, error) {
	for _, p := range passes {
		out, err := p.Apply(g)
		if err != nil {
			var re *RewriteError
			if errors.As(err, &re) {
				return nil, err
			}
			return nil, &RewriteError{Pass: p.Name(), Err: err}
		}
		g = out
	}
	return g, nil
}

// Rewriter tries to rewrite the neighborhood of n. It reports whether it
// changed the graph.
type Rewriter func(g *graph.Graph, n *graph.Node) (bool, error)

type nodePass struct {
	name string
	rw   Rewriter
}

// NodePass returns a pass that visits nodes in graph order and applies rw,
// restarting from the first node after every successful rewrite, until no
// node matches.
func NodePass(name string, rw Rewriter) Pass {
	return &nodePass{name: name, rw: rw}
}

func (p *nodePass) Name() string { return p.name }

func (p *nodePass) Apply(g *graph.Graph) (*graph.Graph, error) {
	for range maxRewrites {
		changed := false
		for _, n := range g.Nodes {
			ok, err := p.rw(g, n)
			if err != nil {
				return nil, &RewriteError{Pass: p.name, Node: n.Name, Err: err}
			}
			if ok {
				changed = true
				break
			}
		}
		if !changed {
			return g, nil
		}
	}
	return nil, &RewriteError{Pass: p.name, Err: ErrNoProgress}
}
