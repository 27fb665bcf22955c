// Package streamline moves and absorbs the floating-point scale and shift
// operations of a quantized network into integer thresholds.
//
// After streamlining, a quantized layer is an integer MatMul or Conv followed
// directly by a MultiThreshold node, which is the shape the hardware
// lowering stage in package lower expects. The passes here are pure pattern
// rewrites: each preserves the function the graph computes and is a no-op
// when its pattern is absent.
//
// The build step runs [LinearPasses] a fixed number of times, each pass
// followed by node renaming, then [NonlinearPasses], then a tidy-up:
//
//	g, err := streamline.Run(ctx, g, streamline.DefaultIterations, nil)
package streamline

import (
	"context"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/transform"
)

// DefaultIterations is the number of streamline iterations a build runs
// unless configured otherwise.
const DefaultIterations = 4

// LinearPasses returns the linear sub-step in application order. Some
// passes appear twice because later moves expose new matches for them.
func LinearPasses() []transform.Pass {
	return []transform.Pass{
		AbsorbScalarMulAddIntoTopK(),
		ConvertSubToAdd(),
		ConvertDivToMul(),
		RemoveIdentityOps(),
		CollapseRepeatedMul(),
		BatchNormToAffine(),
		ConvertSignToThres(),
		MoveAddPastMul(),
		MoveScalarAddPastMatMul(),
		MoveAddPastConv(),
		MoveScalarMulPastMatMul(),
		MoveScalarMulPastConv(),
		MoveScalarLinearPastInvariants(),
		MoveAddPastMul(),
		CollapseRepeatedAdd(),
		CollapseRepeatedMul(),
		AbsorbAddIntoMultiThreshold(),
		FactorOutMulSignMagnitude(),
		MoveMaxPoolPastMultiThreshold(),
		AbsorbMulIntoMultiThreshold(),
		Absorb1BitMulIntoMatMul(),
		Absorb1BitMulIntoConv(),
	}
}

// NonlinearPasses returns the passes that move linear operations across
// joins and forks of the graph.
func NonlinearPasses() []transform.Pass {
	return []transform.Pass{
		MoveLinearPastEltwiseAdd(),
		MoveLinearPastFork(),
	}
}

// Iteration returns one full streamline iteration: every linear pass
// followed by GiveUniqueNodeNames, the nonlinear passes, and a tidy-up.
func Iteration() []transform.Pass {
	var passes []transform.Pass
	for _, p := range LinearPasses() {
		passes = append(passes, p, transform.GiveUniqueNodeNames())
	}
	passes = append(passes, NonlinearPasses()...)
	return append(passes,
		transform.RemoveUnusedTensors(),
		transform.GiveReadableTensorNames(),
		transform.InferDataTypes(),
		transform.SortGraph(),
	)
}

// Run applies n iterations followed by DoubleToSingleFloat. ctx is checked
// before every iteration. done, if not nil, is called after each iteration
// with its 1-based number and the resulting graph.
func Run(ctx context.Context, g *graph.Graph, n int, done func(i int, g *graph.Graph)) (*graph.Graph, error) {
	var err error
	for i := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if g, err = transform.Apply(g, Iteration()...); err != nil {
			return nil, err
		}
		if done != nil {
			done(i+1, g)
		}
	}
	return transform.Apply(g, transform.DoubleToSingleFloat())
}
