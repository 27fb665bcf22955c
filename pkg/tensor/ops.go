package tensor

import (
	"fmt"
	"slices"
)

// BroadcastShape returns the numpy broadcast of two shapes.
func BroadcastShape(a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := range n {
		da, db := 1, 1
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v with %v", ErrShapeMismatch, a, b)
		}
	}
	return out, nil
}

// BroadcastTo expands a to shape following broadcasting rules.
func (a *Array) BroadcastTo(shape ...int) (*Array, error) {
	got, err := BroadcastShape(a.Shape, shape)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(got, shape) {
		return nil, fmt.Errorf("%w: cannot broadcast %v to %v", ErrShapeMismatch, a.Shape, shape)
	}
	return Binary(a, Zeros(shape...), func(x, _ float64) float64 { return x })
}

// Binary applies f element-wise to a and b after broadcasting.
func Binary(a, b *Array, f func(x, y float64) float64) (*Array, error) {
	shape, err := BroadcastShape(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	out := Zeros(shape...)
	sa := broadcastStrides(a.Shape, shape)
	sb := broadcastStrides(b.Shape, shape)
	idx := make([]int, len(shape))
	for o := range out.Data {
		ia, ib := 0, 0
		for i, x := range idx {
			ia += x * sa[i]
			ib += x * sb[i]
		}
		out.Data[o] = f(a.Data[ia], b.Data[ib])
		increment(idx, shape)
	}
	return out, nil
}

// broadcastStrides returns strides of shape aligned to target, with zero
// stride on broadcast dimensions.
func broadcastStrides(shape, target []int) []int {
	st := Strides(shape)
	out := make([]int, len(target))
	off := len(target) - len(shape)
	for i := range shape {
		if shape[i] != 1 {
			out[off+i] = st[i]
		}
	}
	return out
}

// Add returns a + b.
func Add(a, b *Array) (*Array, error) {
	return Binary(a, b, func(x, y float64) float64 { return x + y })
}

// Sub returns a - b.
func Sub(a, b *Array) (*Array, error) {
	return Binary(a, b, func(x, y float64) float64 { return x - y })
}

// Mul returns a * b.
func Mul(a, b *Array) (*Array, error) {
	return Binary(a, b, func(x, y float64) float64 { return x * y })
}

// Div returns a / b.
func Div(a, b *Array) (*Array, error) {
	return Binary(a, b, func(x, y float64) float64 { return x / y })
}

// MatMul multiplies the last two axes of a by a 2-D matrix b. A rank-1 a is
// treated as a row vector and the leading dimension is dropped from the
// result. Leading axes of a are batch axes.
func MatMul(a, b *Array) (*Array, error) {
	if b.Rank() != 2 {
		return nil, fmt.Errorf("%w: matmul right operand must be 2-D, got %v", ErrShapeMismatch, b.Shape)
	}
	vector := a.Rank() == 1
	lhs := a
	if vector {
		lhs = &Array{Shape: []int{1, a.Shape[0]}, Data: a.Data}
	}
	if lhs.Rank() < 2 {
		return nil, fmt.Errorf("%w: matmul left operand has rank %d", ErrShapeMismatch, a.Rank())
	}
	k := lhs.Shape[lhs.Rank()-1]
	if k != b.Shape[0] {
		return nil, fmt.Errorf("%w: matmul %v x %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	n := b.Shape[1]
	rows := lhs.Size() / max(k, 1)
	if k == 0 {
		rows = Size(lhs.Shape[:lhs.Rank()-1])
	}
	data := make([]float64, rows*n)
	for r := range rows {
		for j := range n {
			var s float64
			for i := range k {
				s += lhs.Data[r*k+i] * b.Data[i*n+j]
			}
			data[r*n+j] = s
		}
	}
	shape := slices.Clone(lhs.Shape)
	shape[len(shape)-1] = n
	if vector {
		shape = shape[1:]
	}
	return &Array{Shape: shape, Data: data}, nil
}

// MatMulShape returns the output shape MatMul would produce.
func MatMulShape(a, b []int) ([]int, error) {
	if len(b) != 2 || len(a) == 0 || a[len(a)-1] != b[0] {
		return nil, fmt.Errorf("%w: matmul %v x %v", ErrShapeMismatch, a, b)
	}
	out := slices.Clone(a)
	out[len(out)-1] = b[1]
	return out, nil
}
