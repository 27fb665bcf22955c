package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/matzehuels/hlsflow/pkg/tensor"
)

var (
	// ErrDanglingTensor is returned by [Graph.Validate] when a node consumes
	// a tensor that no node produces and that is neither a graph input nor
	// an initializer.
	ErrDanglingTensor = errors.New("tensor has no producer")

	// ErrMultipleProducers is returned by [Graph.Validate] when two nodes
	// write the same tensor.
	ErrMultipleProducers = errors.New("tensor has multiple producers")

	// ErrDuplicateNodeName is returned by [Graph.Validate] when two nodes
	// share a non-empty name. Names are re-established by the renaming pass
	// after every structural edit.
	ErrDuplicateNodeName = errors.New("duplicate node name")

	// ErrNotTopological is returned by [Graph.Validate] when a node appears
	// before the producer of one of its inputs. Call [Graph.Sort] to fix.
	ErrNotTopological = errors.New("node order is not topological")

	// ErrGraphHasCycle is returned by [Graph.Validate] and [Graph.Sort] when
	// the tensor dependencies form a directed cycle.
	ErrGraphHasCycle = errors.New("graph contains a cycle")

	// ErrMissingShape is returned by [Graph.Validate] when a tensor used by
	// the graph has no shape metadata.
	ErrMissingShape = errors.New("tensor has no shape")

	// ErrMissingDataType is returned by [Graph.Validate] when a tensor used
	// by the graph has no datatype.
	ErrMissingDataType = errors.New("tensor has no datatype")

	// ErrUnknownNode is returned when a node is not part of the graph.
	ErrUnknownNode = errors.New("unknown node")
)

// Graph is a computation graph: an ordered node list connected through named
// tensors. The node order is kept topological; rewrites that break it call
// [Graph.Sort] afterwards.
//
// The zero value is not usable - use New. Graph is not safe for concurrent
// use; the pipeline hands a graph from step to step without sharing it.
type Graph struct {
	Name    string
	Nodes   []*Node
	Inputs  []string
	Outputs []string

	tensors map[string]*Tensor
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{Name: name, tensors: make(map[string]*Tensor)}
}

// =============================================================================
// Tensors
// =============================================================================

// Tensor returns the metadata for name, or nil if unknown.
func (g *Graph) Tensor(name string) *Tensor { return g.tensors[name] }

// EnsureTensor returns the metadata for name, creating an empty entry if
// needed.
func (g *Graph) EnsureTensor(name string) *Tensor {
	t, ok := g.tensors[name]
	if !ok {
		t = &Tensor{Name: name}
		g.tensors[name] = t
	}
	return t
}

// SetTensor stores t under t.Name, replacing any previous entry.
func (g *Graph) SetTensor(t *Tensor) { g.tensors[t.Name] = t }

// DeleteTensor removes the metadata entry for name.
func (g *Graph) DeleteTensor(name string) { delete(g.tensors, name) }

// TensorNames returns all known tensor names in lexical order.
func (g *Graph) TensorNames() []string {
	return slices.Sorted(maps.Keys(g.tensors))
}

// Shape returns the shape of name, or nil if unknown.
func (g *Graph) Shape(name string) []int {
	if t := g.tensors[name]; t != nil {
		return t.Shape
	}
	return nil
}

// DataTypeOf returns the datatype of name, or "" if unknown.
func (g *Graph) DataTypeOf(name string) DataType {
	if t := g.tensors[name]; t != nil {
		return t.DataType
	}
	return ""
}

// Initializer returns the constant value of name, or nil if the tensor is
// not an initializer.
func (g *Graph) Initializer(name string) *tensor.Array {
	if t := g.tensors[name]; t != nil {
		return t.Value
	}
	return nil
}

// SetInitializer makes name a constant holding v. Shape follows v; a missing
// datatype defaults to FLOAT32.
func (g *Graph) SetInitializer(name string, v *tensor.Array) {
	t := g.EnsureTensor(name)
	t.Value = v
	t.Shape = slices.Clone(v.Shape)
	if t.Shape == nil {
		t.Shape = []int{}
	}
	if t.DataType == "" {
		t.DataType = Float32
	}
}

// AddInitializer creates a new uniquely named initializer and returns its
// name.
func (g *Graph) AddInitializer(prefix string, v *tensor.Array) string {
	name := g.UniqueTensorName(prefix)
	g.SetInitializer(name, v)
	return name
}

// AddTensorLike creates a new uniquely named tensor whose shape, datatype
// and layout are copied from like, and returns its name.
func (g *Graph) AddTensorLike(prefix, like string) string {
	name := g.UniqueTensorName(prefix)
	t := &Tensor{Name: name}
	if src := g.tensors[like]; src != nil {
		t.Shape = slices.Clone(src.Shape)
		t.DataType = src.DataType
		t.Layout = src.Layout
	}
	g.tensors[name] = t
	return name
}

// UniqueTensorName returns prefix, or prefix with a numeric suffix, such that
// no tensor of that name exists yet.
func (g *Graph) UniqueTensorName(prefix string) string {
	if prefix == "" {
		prefix = "t"
	}
	if _, ok := g.tensors[prefix]; !ok && !g.isReferenced(prefix) {
		return prefix
	}
	for i := 0; ; i++ {
		name := prefix + "_" + strconv.Itoa(i)
		if _, ok := g.tensors[name]; !ok && !g.isReferenced(name) {
			return name
		}
	}
}

func (g *Graph) isReferenced(name string) bool {
	if slices.Contains(g.Inputs, name) || slices.Contains(g.Outputs, name) {
		return true
	}
	for _, n := range g.Nodes {
		if slices.Contains(n.Inputs, name) || slices.Contains(n.Outputs, name) {
			return true
		}
	}
	return false
}

// RenameTensor renames a tensor everywhere it is referenced. Renaming to an
// existing name is an error.
func (g *Graph) RenameTensor(oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	if newName == "" {
		return fmt.Errorf("rename %q: empty name", oldName)
	}
	if _, ok := g.tensors[newName]; ok {
		return fmt.Errorf("rename %q: tensor %q already exists", oldName, newName)
	}
	if t, ok := g.tensors[oldName]; ok {
		delete(g.tensors, oldName)
		t.Name = newName
		g.tensors[newName] = t
	}
	replace := func(names []string) {
		for i, s := range names {
			if s == oldName {
				names[i] = newName
			}
		}
	}
	replace(g.Inputs)
	replace(g.Outputs)
	for _, n := range g.Nodes {
		replace(n.Inputs)
		replace(n.Outputs)
	}
	return nil
}

// IsGraphInput reports whether name is a graph input.
func (g *Graph) IsGraphInput(name string) bool { return slices.Contains(g.Inputs, name) }

// IsGraphOutput reports whether name is a graph output.
func (g *Graph) IsGraphOutput(name string) bool { return slices.Contains(g.Outputs, name) }

// RemoveUnusedTensors drops metadata for tensors that no node and no graph
// input or output references. It returns the number of entries removed.
func (g *Graph) RemoveUnusedTensors() int {
	used := make(map[string]bool)
	for _, s := range g.Inputs {
		used[s] = true
	}
	for _, s := range g.Outputs {
		used[s] = true
	}
	for _, n := range g.Nodes {
		for _, s := range n.Inputs {
			used[s] = true
		}
		for _, s := range n.Outputs {
			used[s] = true
		}
	}
	removed := 0
	for name := range g.tensors {
		if !used[name] {
			delete(g.tensors, name)
			removed++
		}
	}
	return removed
}

// =============================================================================
// Nodes
// =============================================================================

// AddNode appends n. A node without a name is given "<OpType>_<uid prefix>"
// so it is addressable until the renaming pass runs.
func (g *Graph) AddNode(n *Node) {
	g.ensureNamed(n)
	g.Nodes = append(g.Nodes, n)
}

// InsertNode inserts n at position i of the node list.
func (g *Graph) InsertNode(i int, n *Node) {
	g.ensureNamed(n)
	i = max(0, min(i, len(g.Nodes)))
	g.Nodes = slices.Insert(g.Nodes, i, n)
}

// InsertAfter inserts n directly after anchor, or appends if anchor is not
// part of the graph.
func (g *Graph) InsertAfter(anchor, n *Node) {
	idx := g.NodeIndex(anchor)
	if idx < 0 {
		g.AddNode(n)
		return
	}
	g.InsertNode(idx+1, n)
}

func (g *Graph) ensureNamed(n *Node) {
	if n.Name == "" {
		n.Name = placeholderName(n)
	}
}

// placeholderName is the name ensureNamed gives an unnamed node.
func placeholderName(n *Node) string {
	suffix := n.UID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return n.OpType + "_" + suffix
}

// RemoveNode deletes n from the node list. Its tensors are left in place;
// run [Graph.RemoveUnusedTensors] to drop them.
func (g *Graph) RemoveNode(n *Node) {
	g.Nodes = slices.DeleteFunc(g.Nodes, func(m *Node) bool { return m == n })
}

// NodeIndex returns the position of n, or -1.
func (g *Graph) NodeIndex(n *Node) int {
	return slices.Index(g.Nodes, n)
}

// NodeByName returns the first node named name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// Producer returns the node that writes tensor name, or nil.
func (g *Graph) Producer(name string) *Node {
	if name == "" {
		return nil
	}
	for _, n := range g.Nodes {
		if slices.Contains(n.Outputs, name) {
			return n
		}
	}
	return nil
}

// Consumers returns the nodes that read tensor name, in node order. A node
// reading the tensor twice appears once.
func (g *Graph) Consumers(name string) []*Node {
	if name == "" {
		return nil
	}
	var out []*Node
	for _, n := range g.Nodes {
		if slices.Contains(n.Inputs, name) {
			out = append(out, n)
		}
	}
	return out
}

// IsFork reports whether the tensor has more than one consumer, counting
// graph outputs as a consumer.
func (g *Graph) IsFork(name string) bool {
	c := len(g.Consumers(name))
	if g.IsGraphOutput(name) {
		c++
	}
	return c > 1
}

// Predecessors returns the producers of n's inputs, skipping inputs without
// a producer.
func (g *Graph) Predecessors(n *Node) []*Node {
	var out []*Node
	for _, in := range n.Inputs {
		if p := g.Producer(in); p != nil && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// Successors returns the consumers of n's outputs.
func (g *Graph) Successors(n *Node) []*Node {
	var out []*Node
	for _, o := range n.Outputs {
		for _, c := range g.Consumers(o) {
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// ReplaceInput rewires every consumer of oldName to read newName instead.
// Graph outputs named oldName are redirected as well.
func (g *Graph) ReplaceInput(oldName, newName string) {
	for _, n := range g.Nodes {
		for i, s := range n.Inputs {
			if s == oldName {
				n.Inputs[i] = newName
			}
		}
	}
	for i, s := range g.Outputs {
		if s == oldName {
			g.Outputs[i] = newName
		}
	}
}

// Bypass removes a single-path node n by connecting the consumers of its
// first output to its first input. If the output was a graph output, the
// input tensor takes over the output name so the graph interface is kept.
func (g *Graph) Bypass(n *Node) error {
	if g.NodeIndex(n) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownNode, n)
	}
	in, out := n.Input(0), n.Output(0)
	g.RemoveNode(n)
	if out == "" {
		return nil
	}
	if g.IsGraphOutput(out) && !g.IsGraphInput(in) && g.Initializer(in) == nil {
		// keep the public output name stable
		outMeta := g.tensors[out]
		delete(g.tensors, out)
		if err := g.RenameTensor(in, out); err != nil {
			return err
		}
		if outMeta != nil && g.tensors[out] != nil && g.tensors[out].Layout == LayoutUnknown {
			g.tensors[out].Layout = outMeta.Layout
		}
		return nil
	}
	g.ReplaceInput(out, in)
	delete(g.tensors, out)
	return nil
}

// HWNodes returns all hardware-domain nodes in graph order.
func (g *Graph) HWNodes() []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.IsHW() {
			out = append(out, n)
		}
	}
	return out
}

// NodesOfType returns the nodes whose OpType is one of types.
func (g *Graph) NodesOfType(types ...string) []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if slices.Contains(types, n.OpType) {
			out = append(out, n)
		}
	}
	return out
}

// CountOps returns the number of nodes per OpType.
func (g *Graph) CountOps() map[string]int {
	m := make(map[string]int)
	for _, n := range g.Nodes {
		m[n.OpType]++
	}
	return m
}

// Clone returns a deep copy of the graph. Node UIDs are preserved.
func (g *Graph) Clone() *Graph {
	out := New(g.Name)
	out.Inputs = slices.Clone(g.Inputs)
	out.Outputs = slices.Clone(g.Outputs)
	out.Nodes = make([]*Node, len(g.Nodes))
	for i, n := range g.Nodes {
		out.Nodes[i] = n.Clone()
	}
	for name, t := range g.tensors {
		out.tensors[name] = t.Clone()
	}
	return out
}

// =============================================================================
// Ordering & Validation
// =============================================================================

// Sort reorders the nodes topologically. The sort is stable: among nodes
// that are ready at the same time the one that came first keeps precedence,
// so an already sorted graph is left unchanged.
//
// Returns ErrGraphHasCycle if no topological order exists.
func (g *Graph) Sort() error {
	producer := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		for _, o := range n.Outputs {
			if o != "" {
				producer[o] = i
			}
		}
	}

	indeg := make([]int, len(g.Nodes))
	succ := make([][]int, len(g.Nodes))
	for i, n := range g.Nodes {
		seen := make(map[int]bool)
		for _, in := range n.Inputs {
			p, ok := producer[in]
			if !ok || seen[p] {
				continue
			}
			if p == i {
				return fmt.Errorf("%w: %s reads its own output", ErrGraphHasCycle, n)
			}
			seen[p] = true
			indeg[i]++
			succ[p] = append(succ[p], i)
		}
	}

	done := make([]bool, len(g.Nodes))
	order := make([]*Node, 0, len(g.Nodes))
	for len(order) < len(g.Nodes) {
		next := -1
		for i := range g.Nodes {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return ErrGraphHasCycle
		}
		done[next] = true
		order = append(order, g.Nodes[next])
		for _, s := range succ[next] {
			indeg[s]--
		}
	}
	g.Nodes = order
	return nil
}

// Validate checks the structural invariants of the graph:
//
//  1. Node names are unique
//  2. Every tensor has at most one producer
//  3. Every consumed tensor is produced, a graph input, or an initializer
//  4. The graph is acyclic and the node order is topological
//  5. Every referenced tensor has a shape and a datatype
//
// The first violation found is returned, wrapped with the offending name.
func (g *Graph) Validate() error {
	names := make(map[string]bool, len(g.Nodes))
	producer := make(map[string]int)
	for i, n := range g.Nodes {
		if n.Name != "" {
			if names[n.Name] {
				return fmt.Errorf("%w: %q", ErrDuplicateNodeName, n.Name)
			}
			names[n.Name] = true
		}
		for _, o := range n.Outputs {
			if o == "" {
				continue
			}
			if _, dup := producer[o]; dup || g.IsGraphInput(o) {
				return fmt.Errorf("%w: %q", ErrMultipleProducers, o)
			}
			producer[o] = i
		}
	}

	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			if in == "" {
				continue
			}
			if _, ok := producer[in]; ok {
				continue
			}
			if g.IsGraphInput(in) || g.Initializer(in) != nil {
				continue
			}
			return fmt.Errorf("%w: %q consumed by %s", ErrDanglingTensor, in, n)
		}
	}
	for _, out := range g.Outputs {
		if _, ok := producer[out]; !ok && !g.IsGraphInput(out) && g.Initializer(out) == nil {
			return fmt.Errorf("%w: graph output %q", ErrDanglingTensor, out)
		}
	}

	if err := g.detectCycles(producer); err != nil {
		return err
	}
	for i, n := range g.Nodes {
		for _, in := range n.Inputs {
			if p, ok := producer[in]; ok && p >= i {
				return fmt.Errorf("%w: %s before producer of %q", ErrNotTopological, n, in)
			}
		}
	}

	return g.validateMetadata()
}

func (g *Graph) detectCycles(producer map[string]int) error {
	const (
		white = iota
		gray
		black
	)

	color := make([]int, len(g.Nodes))
	var hasCycle bool

	var dfs func(i int)
	dfs = func(i int) {
		color[i] = gray
		for _, in := range g.Nodes[i].Inputs {
			p, ok := producer[in]
			if !ok {
				continue
			}
			switch color[p] {
			case white:
				dfs(p)
			case gray:
				hasCycle = true
				return
			}
		}
		color[i] = black
	}

	for i := range g.Nodes {
		if color[i] == white {
			dfs(i)
			if hasCycle {
				return ErrGraphHasCycle
			}
		}
	}
	return nil
}

func (g *Graph) validateMetadata() error {
	check := func(name string) error {
		if name == "" {
			return nil
		}
		t := g.tensors[name]
		if !t.HasShape() {
			return fmt.Errorf("%w: %q", ErrMissingShape, name)
		}
		if t.DataType == "" {
			return fmt.Errorf("%w: %q", ErrMissingDataType, name)
		}
		return nil
	}
	for _, s := range g.Inputs {
		if err := check(s); err != nil {
			return err
		}
	}
	for _, n := range g.Nodes {
		for _, s := range n.Inputs {
			if err := check(s); err != nil {
				return err
			}
		}
		for _, s := range n.Outputs {
			if err := check(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fingerprint returns a stable hash of the graph structure, metadata and
// constant values. UIDs and the placeholder names derived from them are
// excluded so two graphs that differ only by freshly generated identifiers
// hash the same.
func (g *Graph) Fingerprint() string {
	doc := toDocument(g)
	for i, n := range g.Nodes {
		if n.Name == placeholderName(n) {
			doc.Nodes[i].Name = ""
		}
		doc.Nodes[i].UID = ""
	}
	data, err := json.Marshal(doc)
	if err != nil {
		// NaN or Inf constants are not JSON-encodable
		data = fmt.Appendf(nil, "%+v", doc)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
