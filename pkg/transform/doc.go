// Package transform provides the graph rewrites the build steps are made of.
//
// # Passes
//
// A [Pass] is a named function from graph to graph. Passes are composed with
// [Sequence] and run with [Apply], which threads the graph through them and
// wraps the first failure in a [*RewriteError] naming the pass and, where
// known, the node:
//
//	g, err := transform.Apply(g,
//	    transform.InferShapes(),
//	    transform.FoldConstants(),
//	    transform.GiveUniqueNodeNames(),
//	)
//
// Pattern rewrites are written as a [Rewriter] and wrapped with [NodePass],
// which keeps applying the rewrite until no node matches. A pass whose
// pattern is absent leaves the graph unchanged.
//
// # Invariant Restoring Passes
//
// Structural rewrites leave metadata stale. The passes [InferShapes],
// [InferDataTypes], [InferDataLayouts], [GiveUniqueNodeNames],
// [GiveReadableTensorNames], [RemoveUnusedTensors] and [SortGraph] restore
// it and are interleaved after every structural step.
//
// # Configuration
//
// [ApplyConfig] sets per-node attributes from a folding config, the JSON
// document mapping node names to hardware attributes such as PE and SIMD.
//
// The streamlining and hardware-lowering rewrites live in the streamline
// and lower subpackages.
package transform
