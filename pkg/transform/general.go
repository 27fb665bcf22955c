package transform

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/ops"
	"github.com/matzehuels/hlsflow/pkg/tensor"
)

// GiveUniqueNodeNames names every node "<OpType>_<i>", counting per op type
// in graph order, and assigns a UID to nodes that lack one.
func GiveUniqueNodeNames() Pass {
	return InPlace("GiveUniqueNodeNames", func(g *graph.Graph) error {
		count := make(map[string]int)
		for _, n := range g.Nodes {
			n.Name = n.OpType + "_" + strconv.Itoa(count[n.OpType])
			count[n.OpType]++
			if n.UID == "" {
				n.UID = uuid.NewString()
			}
		}
		return nil
	})
}

// GiveReadableTensorNames renames tensors after their role: "global_in" and
// "global_out" for the graph interface, "<node>_out<i>" for node outputs and
// "<node>_param<i>" for constant node inputs. Node names must be unique.
func GiveReadableTensorNames() Pass {
	return InPlace("GiveReadableTensorNames", func(g *graph.Graph) error {
		g.RemoveUnusedTensors()

		target := make(map[string]string)
		var order []string
		assign := func(old, name string) {
			if old == "" {
				return
			}
			if _, done := target[old]; done {
				return
			}
			target[old] = name
			order = append(order, old)
		}
		for i, in := range g.Inputs {
			assign(in, interfaceName("global_in", i, len(g.Inputs)))
		}
		for i, out := range g.Outputs {
			assign(out, interfaceName("global_out", i, len(g.Outputs)))
		}
		for _, n := range g.Nodes {
			for i, out := range n.Outputs {
				assign(out, n.Name+"_out"+strconv.Itoa(i))
			}
			for i, in := range n.Inputs {
				if g.Initializer(in) != nil {
					assign(in, n.Name+"_param"+strconv.Itoa(i))
				}
			}
		}

		// two phases so that swapping names never collides
		tmp := make([]string, len(order))
		for i, old := range order {
			tmp[i] = g.UniqueTensorName("__rename_" + strconv.Itoa(i))
			if err := g.RenameTensor(old, tmp[i]); err != nil {
				return err
			}
		}
		for i, old := range order {
			if err := g.RenameTensor(tmp[i], target[old]); err != nil {
				return err
			}
		}
		return nil
	})
}

func interfaceName(base string, i, n int) string {
	if n == 1 {
		return base
	}
	return base + "_" + strconv.Itoa(i)
}

// GiveUniqueParameterTensors gives every consumer of a shared initializer
// its own copy, so later passes can rewrite parameters of one node without
// affecting another.
func GiveUniqueParameterTensors() Pass {
	return InPlace("GiveUniqueParameterTensors", func(g *graph.Graph) error {
		seen := make(map[string]bool)
		for _, n := range g.Nodes {
			for i, in := range n.Inputs {
				v := g.Initializer(in)
				if v == nil {
					continue
				}
				if !seen[in] {
					seen[in] = true
					continue
				}
				name := g.AddInitializer(in, v.Clone())
				src := g.Tensor(in)
				dst := g.Tensor(name)
				dst.DataType = src.DataType
				dst.Layout = src.Layout
				n.Inputs[i] = name
			}
		}
		return nil
	})
}

// RemoveStaticGraphInputs drops graph inputs that are initializers.
func RemoveStaticGraphInputs() Pass {
	return InPlace("RemoveStaticGraphInputs", func(g *graph.Graph) error {
		inputs := g.Inputs[:0]
		for _, in := range g.Inputs {
			if g.Initializer(in) == nil {
				inputs = append(inputs, in)
			}
		}
		g.Inputs = inputs
		return nil
	})
}

// RemoveUnusedTensors drops metadata of tensors nothing references.
func RemoveUnusedTensors() Pass {
	return InPlace("RemoveUnusedTensors", func(g *graph.Graph) error {
		g.RemoveUnusedTensors()
		return nil
	})
}

// SortGraph restores topological node order.
func SortGraph() Pass {
	return InPlace("SortGraph", func(g *graph.Graph) error {
		return g.Sort()
	})
}

// FoldConstants evaluates generic nodes whose inputs are all constant and
// replaces them with initializers. Nodes producing graph outputs are kept.
func FoldConstants() Pass {
	return NodePass("FoldConstants", func(g *graph.Graph, n *graph.Node) (bool, error) {
		if n.IsHW() || len(n.Inputs) == 0 {
			return false, nil
		}
		args := make([]*tensor.Array, len(n.Inputs))
		for i, in := range n.Inputs {
			if in == "" {
				continue
			}
			if args[i] = g.Initializer(in); args[i] == nil {
				return false, nil
			}
		}
		for _, out := range n.Outputs {
			if g.IsGraphOutput(out) {
				return false, nil
			}
		}
		vals, err := ops.Execute(n, args)
		if err != nil {
			return false, err
		}
		ref := g.DataTypeOf(n.Input(0))
		for i, out := range n.Outputs {
			if out == "" || i >= len(vals) {
				continue
			}
			t := g.EnsureTensor(out)
			if t.DataType == "" && ref.Valid() && allowedAll(ref, vals[i]) {
				t.DataType = ref
			}
			g.SetInitializer(out, vals[i])
		}
		g.RemoveNode(n)
		return true, nil
	})
}

func allowedAll(dt graph.DataType, v *tensor.Array) bool {
	for _, x := range v.Data {
		if !dt.Allowed(x) {
			return false
		}
	}
	return true
}

// InsertTopK appends a TopK node with k=1 to the first graph output so the
// network emits a class index. Graphs whose output already comes from a
// TopK are left unchanged.
func InsertTopK() Pass {
	return InPlace("InsertTopK", func(g *graph.Graph) error {
		if len(g.Outputs) == 0 {
			return nil
		}
		out := g.Outputs[0]
		if IsOp(g.Producer(out), ops.OpTopK) {
			return nil
		}
		shape := g.Shape(out)
		if len(shape) == 0 {
			return fmt.Errorf("%w: graph output %q", graph.ErrMissingShape, out)
		}
		if shape[len(shape)-1] < 1 {
			return nil
		}
		values := g.UniqueTensorName(out + "_values")
		if err := g.RenameTensor(out, values); err != nil {
			return err
		}
		// RenameTensor redirected the graph output too; point it back
		g.Outputs[0] = out
		n := graph.NewNode(ops.OpTopK, []string{values}, []string{out},
			graph.Attrs{"k": 1, "axis": -1, "largest": 1, "sorted": 1})
		g.AddNode(n)
		return Refresh(g, n)
	})
}

// DoubleToSingleFloat narrows FLOAT64 tensors to FLOAT32 and rounds
// constant values to single precision.
func DoubleToSingleFloat() Pass {
	return InPlace("DoubleToSingleFloat", func(g *graph.Graph) error {
		for _, name := range g.TensorNames() {
			t := g.Tensor(name)
			if t.DataType == graph.Float64 {
				t.DataType = graph.Float32
			}
			if t.Value != nil && t.DataType == graph.Float32 {
				t.Value = t.Value.RoundFloat32()
			}
		}
		return nil
	})
}
