// Package tensor provides a small dense N-dimensional array used for
// initializers, constant folding and reference execution of graphs.
//
// Arrays store float64 values in row-major order. Binary operations follow
// numpy broadcasting rules. The package favors clarity over speed: graphs
// handled by the compiler carry weight tensors of at most a few megabytes and
// execution is only used for folding constants and checking rewrites.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	// ErrShapeMismatch is returned when operand shapes cannot be combined,
	// for example when broadcasting fails or inner matmul dimensions differ.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidShape is returned when a shape has negative dimensions or does
	// not agree with the number of elements.
	ErrInvalidShape = errors.New("invalid shape")

	// ErrInvalidAxis is returned when an axis or permutation is out of range.
	ErrInvalidAxis = errors.New("invalid axis")
)

// Array is a dense row-major N-dimensional array. A rank-0 array (empty
// Shape) holds a single scalar.
type Array struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Size returns the number of elements implied by shape.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New creates an array with the given shape and data. The data slice is
// used directly, not copied.
func New(shape []int, data []float64) (*Array, error) {
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrInvalidShape, shape)
		}
	}
	if Size(shape) != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d elements, got %d", ErrInvalidShape, shape, Size(shape), len(data))
	}
	return &Array{Shape: slices.Clone(shape), Data: data}, nil
}

// MustNew is like New but panics on error. Intended for tests and literals.
func MustNew(shape []int, data []float64) *Array {
	a, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return a
}

// Zeros returns a zero-filled array.
func Zeros(shape ...int) *Array {
	return &Array{Shape: slices.Clone(shape), Data: make([]float64, Size(shape))}
}

// Full returns an array filled with v.
func Full(v float64, shape ...int) *Array {
	a := Zeros(shape...)
	for i := range a.Data {
		a.Data[i] = v
	}
	return a
}

// Scalar returns a rank-0 array holding v.
func Scalar(v float64) *Array {
	return &Array{Shape: []int{}, Data: []float64{v}}
}

// Size returns the number of elements.
func (a *Array) Size() int { return len(a.Data) }

// Rank returns the number of dimensions.
func (a *Array) Rank() int { return len(a.Shape) }

// IsScalar reports whether the array holds exactly one element, regardless
// of rank.
func (a *Array) IsScalar() bool { return len(a.Data) == 1 }

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	if a == nil {
		return nil
	}
	return &Array{Shape: slices.Clone(a.Shape), Data: slices.Clone(a.Data)}
}

// Item returns the single element of a scalar-sized array.
func (a *Array) Item() float64 {
	if len(a.Data) != 1 {
		panic(fmt.Sprintf("tensor: Item on array of size %d", len(a.Data)))
	}
	return a.Data[0]
}

// Strides returns row-major strides for shape.
func Strides(shape []int) []int {
	st := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = s
		s *= shape[i]
	}
	return st
}

// At returns the element at the given multi-index.
func (a *Array) At(idx ...int) float64 {
	return a.Data[a.offset(idx)]
}

// Set assigns the element at the given multi-index.
func (a *Array) Set(v float64, idx ...int) {
	a.Data[a.offset(idx)] = v
}

func (a *Array) offset(idx []int) int {
	if len(idx) != len(a.Shape) {
		panic(fmt.Sprintf("tensor: index rank %d, array rank %d", len(idx), len(a.Shape)))
	}
	off := 0
	st := Strides(a.Shape)
	for i, x := range idx {
		off += x * st[i]
	}
	return off
}

// Map returns a new array with f applied to every element.
func (a *Array) Map(f func(float64) float64) *Array {
	out := a.Clone()
	for i, v := range out.Data {
		out.Data[i] = f(v)
	}
	return out
}

// RoundFloat32 returns a copy with every element rounded to float32
// precision.
func (a *Array) RoundFloat32() *Array {
	return a.Map(func(v float64) float64 { return float64(float32(v)) })
}

// IsIntegral reports whether every element is a whole number.
func (a *Array) IsIntegral() bool {
	for _, v := range a.Data {
		if v != math.Trunc(v) {
			return false
		}
	}
	return true
}

// MinMax returns the smallest and largest element. An empty array yields
// (0, 0).
func (a *Array) MinMax() (lo, hi float64) {
	if len(a.Data) == 0 {
		return 0, 0
	}
	lo, hi = a.Data[0], a.Data[0]
	for _, v := range a.Data[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

// AllEqual reports whether every element equals v.
func (a *Array) AllEqual(v float64) bool {
	for _, x := range a.Data {
		if x != v {
			return false
		}
	}
	return true
}

// AllClose reports whether a and b have equal shapes and every pair of
// elements differs by at most atol + rtol*|b|.
func AllClose(a, b *Array, rtol, atol float64) bool {
	if !slices.Equal(a.Shape, b.Shape) {
		return false
	}
	for i := range a.Data {
		if math.Abs(a.Data[i]-b.Data[i]) > atol+rtol*math.Abs(b.Data[i]) {
			return false
		}
	}
	return true
}

// Reshape returns a copy of a with a new shape. At most one dimension may be
// -1, in which case it is inferred from the element count.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	resolved, err := ResolveShape(a.Size(), shape)
	if err != nil {
		return nil, err
	}
	return &Array{Shape: resolved, Data: slices.Clone(a.Data)}, nil
}

// ResolveShape replaces a single -1 entry in shape so that the total matches
// size.
func ResolveShape(size int, shape []int) ([]int, error) {
	out := slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range out {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("%w: more than one -1 in %v", ErrInvalidShape, shape)
			}
			infer = i
		case d < 0:
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrInvalidShape, shape)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || size%known != 0 {
			return nil, fmt.Errorf("%w: cannot infer dimension of %v for %d elements", ErrInvalidShape, shape, size)
		}
		out[infer] = size / known
	}
	if Size(out) != size {
		return nil, fmt.Errorf("%w: cannot reshape %d elements into %v", ErrInvalidShape, size, shape)
	}
	return out, nil
}

// Transpose permutes the axes of a. An empty perm reverses the axes.
func (a *Array) Transpose(perm ...int) (*Array, error) {
	r := a.Rank()
	if len(perm) == 0 {
		perm = make([]int, r)
		for i := range perm {
			perm[i] = r - 1 - i
		}
	}
	if len(perm) != r {
		return nil, fmt.Errorf("%w: permutation %v for rank %d", ErrInvalidAxis, perm, r)
	}
	seen := make([]bool, r)
	for _, p := range perm {
		if p < 0 || p >= r || seen[p] {
			return nil, fmt.Errorf("%w: permutation %v", ErrInvalidAxis, perm)
		}
		seen[p] = true
	}

	outShape := PermuteShape(a.Shape, perm)
	out := Zeros(outShape...)
	inStrides := Strides(a.Shape)
	idx := make([]int, r)
	for o := range out.Data {
		src := 0
		for i := range r {
			src += idx[i] * inStrides[perm[i]]
		}
		out.Data[o] = a.Data[src]
		increment(idx, outShape)
	}
	return out, nil
}

// PermuteShape returns shape reordered by perm.
func PermuteShape(shape, perm []int) []int {
	out := make([]int, len(perm))
	for i, p := range perm {
		out[i] = shape[p]
	}
	return out
}

// InversePerm returns the permutation that undoes perm.
func InversePerm(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}

// increment advances a row-major multi-index by one.
func increment(idx, shape []int) {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < shape[i] {
			return
		}
		idx[i] = 0
	}
}

// SumAxis sums over axis. With keepDims the reduced axis stays with size 1.
func (a *Array) SumAxis(axis int, keepDims bool) (*Array, error) {
	r := a.Rank()
	if axis < 0 {
		axis += r
	}
	if axis < 0 || axis >= r {
		return nil, fmt.Errorf("%w: axis %d for rank %d", ErrInvalidAxis, axis, r)
	}
	outer := Size(a.Shape[:axis])
	n := a.Shape[axis]
	inner := Size(a.Shape[axis+1:])
	data := make([]float64, outer*inner)
	for o := range outer {
		for k := range n {
			base := (o*n + k) * inner
			for i := range inner {
				data[o*inner+i] += a.Data[base+i]
			}
		}
	}
	shape := slices.Clone(a.Shape)
	if keepDims {
		shape[axis] = 1
	} else {
		shape = slices.Delete(shape, axis, axis+1)
	}
	return &Array{Shape: shape, Data: data}, nil
}
