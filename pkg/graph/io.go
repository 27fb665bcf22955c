package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/google/uuid"
	"github.com/matzehuels/hlsflow/pkg/tensor"
)

// document is the JSON wire form of a graph.
type document struct {
	Name    string        `json:"name,omitempty"`
	Inputs  []string      `json:"inputs"`
	Outputs []string      `json:"outputs"`
	Tensors []tensorEntry `json:"tensors"`
	Nodes   []nodeEntry   `json:"nodes"`
}

type tensorEntry struct {
	Name   string        `json:"name"`
	Shape  []int         `json:"shape"`
	DType  DataType      `json:"dtype,omitempty"`
	Layout Layout        `json:"layout,omitempty"`
	Value  *tensor.Array `json:"value,omitempty"`
}

type nodeEntry struct {
	Name    string   `json:"name,omitempty"`
	UID     string   `json:"uid,omitempty"`
	OpType  string   `json:"op_type"`
	Domain  string   `json:"domain,omitempty"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
	Attrs   Attrs    `json:"attrs,omitempty"`
}

func toDocument(g *Graph) document {
	doc := document{
		Name:    g.Name,
		Inputs:  slices.Clone(g.Inputs),
		Outputs: slices.Clone(g.Outputs),
		Tensors: make([]tensorEntry, 0, len(g.tensors)),
		Nodes:   make([]nodeEntry, len(g.Nodes)),
	}
	for _, name := range g.TensorNames() {
		t := g.tensors[name]
		doc.Tensors = append(doc.Tensors, tensorEntry{
			Name:   t.Name,
			Shape:  t.Shape,
			DType:  t.DataType,
			Layout: t.Layout,
			Value:  t.Value,
		})
	}
	for i, n := range g.Nodes {
		doc.Nodes[i] = nodeEntry{
			Name:    n.Name,
			UID:     n.UID,
			OpType:  n.OpType,
			Domain:  n.Domain,
			Inputs:  n.Inputs,
			Outputs: n.Outputs,
			Attrs:   n.Attrs,
		}
	}
	return doc
}

func fromDocument(doc document) (*Graph, error) {
	g := New(doc.Name)
	g.Inputs = doc.Inputs
	g.Outputs = doc.Outputs
	for _, te := range doc.Tensors {
		if te.Name == "" {
			return nil, fmt.Errorf("tensor without name")
		}
		if _, dup := g.tensors[te.Name]; dup {
			return nil, fmt.Errorf("tensor %s: duplicate entry", te.Name)
		}
		if te.DType != "" && !te.DType.Valid() {
			return nil, fmt.Errorf("tensor %s: unknown datatype %q", te.Name, te.DType)
		}
		t := &Tensor{Name: te.Name, Shape: te.Shape, DataType: te.DType, Layout: te.Layout}
		if te.Value != nil {
			v, err := tensor.New(te.Value.Shape, te.Value.Data)
			if err != nil {
				return nil, fmt.Errorf("tensor %s: %w", te.Name, err)
			}
			t.Value = v
			if t.Shape == nil {
				t.Shape = slices.Clone(v.Shape)
			}
		}
		g.tensors[te.Name] = t
	}
	for _, ne := range doc.Nodes {
		if ne.OpType == "" {
			return nil, fmt.Errorf("node %s: missing op_type", ne.Name)
		}
		n := &Node{
			Name:    ne.Name,
			UID:     ne.UID,
			OpType:  ne.OpType,
			Domain:  ne.Domain,
			Inputs:  ne.Inputs,
			Outputs: ne.Outputs,
			Attrs:   ne.Attrs,
		}
		if n.UID == "" {
			n.UID = uuid.NewString()
		}
		if n.Attrs == nil {
			n.Attrs = Attrs{}
		}
		g.Nodes = append(g.Nodes, n)
	}
	return g, nil
}

// ReadJSON decodes a JSON model from r.
//
// The input is an object with "inputs", "outputs", "tensors" and "nodes":
//
//	{
//	  "inputs": ["x"], "outputs": ["y"],
//	  "tensors": [{"name": "x", "shape": [1, 4], "dtype": "FLOAT32"},
//	              {"name": "w", "shape": [4, 2], "value": {"shape": [4, 2], "data": [...]}}],
//	  "nodes": [{"op_type": "MatMul", "inputs": ["x", "w"], "outputs": ["y"]}]
//	}
//
// Nodes without a "uid" are given a fresh one. ReadJSON checks the document
// is well formed but does not run [Graph.Validate]; freshly exported models
// usually lack intermediate shapes until shape inference has run.
func ReadJSON(r io.Reader) (*Graph, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return fromDocument(doc)
}

// ImportJSON reads a JSON model file at path.
func ImportJSON(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ReadJSON(f)
}

// WriteJSON encodes g as indented JSON. Tensors are sorted by name so the
// output is deterministic.
func WriteJSON(g *Graph, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toDocument(g)); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// Marshal returns the JSON encoding of g.
func Marshal(g *Graph) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteJSON(g, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a graph from JSON bytes.
func Unmarshal(data []byte) (*Graph, error) {
	return ReadJSON(bytes.NewReader(data))
}

// ExportJSON writes g to a JSON file at path.
func ExportJSON(g *Graph, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return WriteJSON(g, f)
}
