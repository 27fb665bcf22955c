package ops

import (
	"fmt"
	"math"
	"sort"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/tensor"
)

// window describes a 2-D sliding window: kernel, stride, padding
// (top, left, bottom, right) and dilation.
type window struct {
	kh, kw         int
	sh, sw         int
	pt, pl, pb, pr int
	dh, dw         int
}

func pair(v []int, def int) (int, int) {
	switch len(v) {
	case 0:
		return def, def
	case 1:
		return v[0], v[0]
	}
	return v[0], v[1]
}

func quad(v []int) (int, int, int, int) {
	switch len(v) {
	case 0:
		return 0, 0, 0, 0
	case 1:
		return v[0], v[0], v[0], v[0]
	case 2:
		return v[0], v[1], v[0], v[1]
	}
	return v[0], v[1], v[2], v[3]
}

// onnxWindow reads ONNX-style kernel_shape/strides/pads/dilations. ONNX pads
// are ordered (top, left, bottom, right) for 2-D kernels.
func onnxWindow(a graph.Attrs, kernel []int) window {
	var w window
	w.kh, w.kw = pair(kernel, 1)
	w.sh, w.sw = pair(a.Ints("strides"), 1)
	w.pt, w.pl, w.pb, w.pr = quad(a.Ints("pads"))
	w.dh, w.dw = pair(a.Ints("dilations"), 1)
	return w
}

func (w window) outDims(h, wd int) (int, int) {
	oh := (h+w.pt+w.pb-w.dh*(w.kh-1)-1)/w.sh + 1
	ow := (wd+w.pl+w.pr-w.dw*(w.kw-1)-1)/w.sw + 1
	return oh, ow
}

func (w window) valid(h, wd int) error {
	if w.kh < 1 || w.kw < 1 || w.sh < 1 || w.sw < 1 || w.dh < 1 || w.dw < 1 {
		return fmt.Errorf("%w: window %+v", ErrBadAttr, w)
	}
	oh, ow := w.outDims(h, wd)
	if oh < 1 || ow < 1 {
		return fmt.Errorf("%w: window %dx%d larger than padded input %dx%d", ErrBadAttr, w.kh, w.kw, h, wd)
	}
	return nil
}

// conv2D computes an NCHW convolution. w is [O, C/group, kh, kw]; b is an
// optional per-output-channel bias.
func conv2D(x, wt, b *tensor.Array, win window, group int) (*tensor.Array, error) {
	if x.Rank() != 4 || wt.Rank() != 4 {
		return nil, fmt.Errorf("%w: conv expects 4-D input and weights", tensor.ErrShapeMismatch)
	}
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	o, cg := wt.Shape[0], wt.Shape[1]
	if group < 1 || c%group != 0 || o%group != 0 || cg != c/group {
		return nil, fmt.Errorf("%w: conv group %d with input channels %d and weights %v", ErrBadAttr, group, c, wt.Shape)
	}
	if err := win.valid(h, wd); err != nil {
		return nil, err
	}
	oh, ow := win.outDims(h, wd)
	out := tensor.Zeros(n, o, oh, ow)
	og := o / group
	for ni := range n {
		for oc := range o {
			base := (oc / og) * cg
			for oy := range oh {
				for ox := range ow {
					var s float64
					if b != nil {
						s = b.Data[oc]
					}
					for ci := range cg {
						for ky := range win.kh {
							iy := oy*win.sh - win.pt + ky*win.dh
							if iy < 0 || iy >= h {
								continue
							}
							for kx := range win.kw {
								ix := ox*win.sw - win.pl + kx*win.dw
								if ix < 0 || ix >= wd {
									continue
								}
								s += x.At(ni, base+ci, iy, ix) * wt.At(oc, ci, ky, kx)
							}
						}
					}
					out.Set(s, ni, oc, oy, ox)
				}
			}
		}
	}
	return out, nil
}

// im2colNHWC extracts sliding windows from an NHWC tensor. The output is
// [N, OH, OW, kh*kw*C] with the innermost index ordered (ky, kx, c).
func im2colNHWC(x *tensor.Array, win window, padValue float64) (*tensor.Array, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("%w: im2col expects 4-D NHWC input, got %v", tensor.ErrShapeMismatch, x.Shape)
	}
	n, h, wd, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if err := win.valid(h, wd); err != nil {
		return nil, err
	}
	oh, ow := win.outDims(h, wd)
	k := win.kh * win.kw * c
	out := tensor.Zeros(n, oh, ow, k)
	for ni := range n {
		for oy := range oh {
			for ox := range ow {
				for ky := range win.kh {
					iy := oy*win.sh - win.pt + ky*win.dh
					for kx := range win.kw {
						ix := ox*win.sw - win.pl + kx*win.dw
						for ci := range c {
							v := padValue
							if iy >= 0 && iy < h && ix >= 0 && ix < wd {
								v = x.At(ni, iy, ix, ci)
							}
							out.Set(v, ni, oy, ox, (ky*win.kw+kx)*c+ci)
						}
					}
				}
			}
		}
	}
	return out, nil
}

// maxPoolNCHW computes max pooling; padded positions never win.
func maxPoolNCHW(x *tensor.Array, win window) (*tensor.Array, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("%w: maxpool expects 4-D input", tensor.ErrShapeMismatch)
	}
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if err := win.valid(h, wd); err != nil {
		return nil, err
	}
	oh, ow := win.outDims(h, wd)
	out := tensor.Zeros(n, c, oh, ow)
	for ni := range n {
		for ci := range c {
			for oy := range oh {
				for ox := range ow {
					m := math.Inf(-1)
					for ky := range win.kh {
						iy := oy*win.sh - win.pt + ky*win.dh
						if iy < 0 || iy >= h {
							continue
						}
						for kx := range win.kw {
							ix := ox*win.sw - win.pl + kx*win.dw
							if ix < 0 || ix >= wd {
								continue
							}
							m = max(m, x.At(ni, ci, iy, ix))
						}
					}
					out.Set(m, ni, ci, oy, ox)
				}
			}
		}
	}
	return out, nil
}

// channelAxis returns the channel axis for a tensor of the given rank and
// layout.
func channelAxis(rank int, layout string) int {
	if rank <= 1 {
		return 0
	}
	if layout == string(graph.LayoutNHWC) {
		return rank - 1
	}
	return 1
}

// multiThreshold counts, per element, how many thresholds of its channel it
// reaches: out = bias + scale * |{j : x >= T[c, j]}|. T is [C, n] or [1, n].
func multiThreshold(x, thr *tensor.Array, axis int, scale, bias float64) (*tensor.Array, error) {
	if thr.Rank() != 2 {
		return nil, fmt.Errorf("%w: thresholds must be 2-D, got %v", tensor.ErrShapeMismatch, thr.Shape)
	}
	rows, nt := thr.Shape[0], thr.Shape[1]
	channels := 1
	if x.Rank() > 0 {
		channels = x.Shape[axis]
	}
	if rows != 1 && rows != channels {
		return nil, fmt.Errorf("%w: %d threshold rows for %d channels", tensor.ErrShapeMismatch, rows, channels)
	}
	inner := 1
	if x.Rank() > 0 {
		inner = tensor.Size(x.Shape[axis+1:])
	}
	out := tensor.Zeros(x.Shape...)
	for i, v := range x.Data {
		c := (i / inner) % channels
		row := 0
		if rows > 1 {
			row = c
		}
		count := 0
		for j := range nt {
			if v >= thr.Data[row*nt+j] {
				count++
			}
		}
		out.Data[i] = bias + scale*float64(count)
	}
	return out, nil
}

// channelwise applies f(x, p[c]) along the channel axis. p has one element
// per channel or a single element.
func channelwise(x, p *tensor.Array, axis int, f func(x, p float64) float64) (*tensor.Array, error) {
	channels := x.Shape[axis]
	if p.Size() != 1 && p.Size() != channels {
		return nil, fmt.Errorf("%w: %d parameters for %d channels", tensor.ErrShapeMismatch, p.Size(), channels)
	}
	inner := tensor.Size(x.Shape[axis+1:])
	out := tensor.Zeros(x.Shape...)
	for i, v := range x.Data {
		c := 0
		if p.Size() > 1 {
			c = (i / inner) % channels
		}
		out.Data[i] = f(v, p.Data[c])
	}
	return out, nil
}

// topKIndices returns the indices of the k largest values along the last
// axis. Ties keep the lower index first.
func topKIndices(x *tensor.Array, k int) (*tensor.Array, error) {
	if x.Rank() == 0 {
		return nil, fmt.Errorf("%w: topk on scalar", tensor.ErrShapeMismatch)
	}
	l := x.Shape[x.Rank()-1]
	if k < 1 || k > l {
		return nil, fmt.Errorf("%w: k=%d for axis of size %d", ErrBadAttr, k, l)
	}
	rows := x.Size() / max(l, 1)
	shape := append([]int(nil), x.Shape...)
	shape[len(shape)-1] = k
	out := tensor.Zeros(shape...)
	idx := make([]int, l)
	for r := range rows {
		row := x.Data[r*l : (r+1)*l]
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
		for j := range k {
			out.Data[r*k+j] = float64(idx[j])
		}
	}
	return out, nil
}

// PermuteRows reorders the rows of a 2-D matrix: out[i] = m[src[i]].
func PermuteRows(m *tensor.Array, src []int) *tensor.Array {
	cols := m.Shape[1]
	out := tensor.Zeros(m.Shape...)
	for i, s := range src {
		copy(out.Data[i*cols:(i+1)*cols], m.Data[s*cols:(s+1)*cols])
	}
	return out
}

// NCHWToNHWCRows returns, for a flattened [C, H, W] feature map, the source
// row of every row in the flattened [H, W, C] order.
func NCHWToNHWCRows(c, h, w int) []int {
	src := make([]int, c*h*w)
	for y := range h {
		for x := range w {
			for ch := range c {
				src[(y*w+x)*c+ch] = ch*h*w + y*w + x
			}
		}
	}
	return src
}
