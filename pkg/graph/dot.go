package graph

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
)

// ToDOT returns a Graphviz DOT representation of the graph.
//
// Nodes are drawn as boxes labeled with name and op type; hardware nodes are
// filled. Edges are labeled with tensor shape and datatype. Graph inputs and
// outputs appear as ellipses; initializers are omitted to keep large models
// readable.
func ToDOT(g *Graph) string {
	var buf bytes.Buffer
	buf.WriteString("digraph model {\n")
	buf.WriteString("  rankdir=TB;\n")
	buf.WriteString("  bgcolor=\"transparent\";\n")
	buf.WriteString("  node [fontname=\"SF Mono, Menlo, monospace\", fontsize=12, shape=box, style=\"rounded\"];\n")
	buf.WriteString("  edge [fontname=\"SF Mono, Menlo, monospace\", fontsize=10];\n\n")

	for i, in := range g.Inputs {
		fmt.Fprintf(&buf, "  in%d [label=%q, shape=ellipse];\n", i, in)
	}
	for i, out := range g.Outputs {
		fmt.Fprintf(&buf, "  out%d [label=%q, shape=ellipse];\n", i, out)
	}

	ids := make(map[*Node]string, len(g.Nodes))
	for i, n := range g.Nodes {
		id := fmt.Sprintf("n%d", i)
		ids[n] = id
		style := "rounded"
		if n.IsHW() {
			style = "filled,rounded"
		}
		fmt.Fprintf(&buf, "  %s [label=%q, style=%q, fillcolor=\"#e8f0fe\"];\n", id, n.Name+"\n"+n.OpType, style)
	}
	buf.WriteString("\n")

	source := func(name string) (string, bool) {
		if p := g.Producer(name); p != nil {
			return ids[p], true
		}
		for i, in := range g.Inputs {
			if in == name {
				return fmt.Sprintf("in%d", i), true
			}
		}
		return "", false
	}

	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			if src, ok := source(in); ok {
				fmt.Fprintf(&buf, "  %s -> %s [label=%q];\n", src, ids[n], edgeLabel(g, in))
			}
		}
	}
	for i, out := range g.Outputs {
		if src, ok := source(out); ok {
			fmt.Fprintf(&buf, "  %s -> out%d [label=%q];\n", src, i, edgeLabel(g, out))
		}
	}

	buf.WriteString("}\n")
	return buf.String()
}

func edgeLabel(g *Graph, name string) string {
	t := g.Tensor(name)
	if t == nil {
		return ""
	}
	dims := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s [%s]", t.DataType, strings.Join(dims, ","))
}

// RenderSVG renders the graph as an SVG document using Graphviz.
//
// Errors are returned if Graphviz cannot initialize, the DOT is malformed, or
// rendering fails.
func RenderSVG(ctx context.Context, g *Graph) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	parsed, err := graphviz.ParseBytes([]byte(ToDOT(g)))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer parsed.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, parsed, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}
