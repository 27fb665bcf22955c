package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadShape(t *testing.T) {
	_, err := New([]int{2, 2}, []float64{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidShape)

	_, err = New([]int{-1}, nil)
	require.ErrorIs(t, err, ErrInvalidShape)
}

func TestBinaryBroadcast(t *testing.T) {
	r := require.New(t)

	a := MustNew([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	b := MustNew([]int{3}, []float64{10, 20, 30})
	got, err := Add(a, b)
	r.NoError(err)
	r.Equal([]int{2, 3}, got.Shape)
	r.Equal([]float64{11, 22, 33, 14, 25, 36}, got.Data)

	col := MustNew([]int{2, 1}, []float64{2, 3})
	got, err = Mul(a, col)
	r.NoError(err)
	r.Equal([]float64{2, 4, 6, 12, 15, 18}, got.Data)

	got, err = Sub(a, Scalar(1))
	r.NoError(err)
	r.Equal([]float64{0, 1, 2, 3, 4, 5}, got.Data)

	_, err = Add(a, MustNew([]int{2}, []float64{1, 2}))
	r.ErrorIs(err, ErrShapeMismatch)
}

func TestMatMul(t *testing.T) {
	r := require.New(t)

	a := MustNew([]int{2, 2}, []float64{1, 2, 3, 4})
	b := MustNew([]int{2, 3}, []float64{1, 0, 1, 0, 1, 1})
	got, err := MatMul(a, b)
	r.NoError(err)
	r.Equal([]int{2, 3}, got.Shape)
	r.Equal([]float64{1, 2, 3, 3, 4, 7}, got.Data)

	batched := MustNew([]int{2, 1, 2}, []float64{1, 2, 3, 4})
	got, err = MatMul(batched, b)
	r.NoError(err)
	r.Equal([]int{2, 1, 3}, got.Shape)
	r.Equal([]float64{1, 2, 3, 3, 4, 7}, got.Data)

	vec := MustNew([]int{2}, []float64{1, 1})
	got, err = MatMul(vec, b)
	r.NoError(err)
	r.Equal([]int{3}, got.Shape)
	r.Equal([]float64{1, 1, 2}, got.Data)

	_, err = MatMul(b, a)
	r.ErrorIs(err, ErrShapeMismatch)
}

func TestTranspose(t *testing.T) {
	r := require.New(t)

	a := MustNew([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	got, err := a.Transpose()
	r.NoError(err)
	r.Equal([]int{3, 2}, got.Shape)
	r.Equal([]float64{1, 4, 2, 5, 3, 6}, got.Data)

	nchw := Zeros(1, 2, 2, 3)
	for i := range nchw.Data {
		nchw.Data[i] = float64(i)
	}
	nhwc, err := nchw.Transpose(0, 2, 3, 1)
	r.NoError(err)
	r.Equal([]int{1, 2, 3, 2}, nhwc.Shape)
	r.Equal(nchw.At(0, 1, 1, 2), nhwc.At(0, 1, 2, 1))

	back, err := nhwc.Transpose(InversePerm([]int{0, 2, 3, 1})...)
	r.NoError(err)
	r.Equal(nchw.Data, back.Data)

	_, err = a.Transpose(0, 0)
	r.ErrorIs(err, ErrInvalidAxis)
}

func TestReshape(t *testing.T) {
	r := require.New(t)

	a := Zeros(2, 3, 4)
	got, err := a.Reshape(2, -1)
	r.NoError(err)
	r.Equal([]int{2, 12}, got.Shape)

	_, err = a.Reshape(5, -1)
	r.ErrorIs(err, ErrInvalidShape)

	_, err = a.Reshape(-1, -1)
	r.ErrorIs(err, ErrInvalidShape)
}

func TestSumAxis(t *testing.T) {
	r := require.New(t)

	a := MustNew([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	got, err := a.SumAxis(0, false)
	r.NoError(err)
	r.Equal([]int{3}, got.Shape)
	r.Equal([]float64{5, 7, 9}, got.Data)

	got, err = a.SumAxis(-1, true)
	r.NoError(err)
	r.Equal([]int{2, 1}, got.Shape)
	r.Equal([]float64{6, 15}, got.Data)
}

func TestAllCloseAndHelpers(t *testing.T) {
	r := require.New(t)

	a := MustNew([]int{2}, []float64{1, 2})
	b := MustNew([]int{2}, []float64{1, 2.0000001})
	r.True(AllClose(a, b, 0, 1e-5))
	r.False(AllClose(a, MustNew([]int{1, 2}, []float64{1, 2}), 0, 1e-5))

	r.True(a.IsIntegral())
	r.False(b.IsIntegral())

	lo, hi := MustNew([]int{3}, []float64{-1, 5, 2}).MinMax()
	r.Equal(-1.0, lo)
	r.Equal(5.0, hi)

	r.Equal(float64(float32(0.1)), Scalar(0.1).RoundFloat32().Item())

	bc, err := Scalar(3).BroadcastTo(2, 2)
	r.NoError(err)
	r.True(bc.AllEqual(3))
}
