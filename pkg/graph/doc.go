// Package graph provides the computation-graph model the compiler rewrites.
//
// # Overview
//
// A [Graph] is an ordered list of [Node] operators connected through named
// tensors. Per-tensor metadata ([Tensor]) carries the shape, the numeric
// [DataType], the data [Layout] and, for initializers, a constant value.
//
// The graph maintains these invariants between build steps:
//
//   - every consumed tensor is produced by exactly one node, or is a graph
//     input, or an initializer
//   - the node list is a topological order ([Graph.Sort] restores it)
//   - node names are unique
//   - every referenced tensor has a shape and a datatype
//
// [Graph.Validate] checks all of them and returns sentinel errors such as
// [ErrDanglingTensor] or [ErrNotTopological] wrapped with the offending name.
//
// # Basic Usage
//
//	g := graph.New("tfc")
//	g.Inputs = []string{"x"}
//	g.Outputs = []string{"y"}
//	g.SetTensor(&graph.Tensor{Name: "x", Shape: []int{1, 784}, DataType: graph.UInt8})
//	g.SetInitializer("w", weights)
//	g.AddNode(graph.NewNode("MatMul", []string{"x", "w"}, []string{"y"}, nil))
//
// # Datatypes
//
// [DataType] is the finite lattice of precisions understood by the hardware
// backend: BINARY, BIPOLAR, TERNARY, UINTn, INTn, FLOAT32 and FLOAT64.
// [SmallestDataType] picks the narrowest member for a set of constants.
//
// # Serialization
//
// [ReadJSON] and [WriteJSON] convert between graphs and the JSON model
// format. [ToDOT] and [RenderSVG] produce Graphviz visualizations.
//
// # Concurrency
//
// Graph instances are not safe for concurrent use.
package graph
