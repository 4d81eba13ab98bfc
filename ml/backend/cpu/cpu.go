// Package cpu is an eager, pure-Go reference backend. Every operation
// computes immediately; Forward and Compute are no-ops. It exists so the
// batch-preparation and fusion paths can run (and be tested) without a
// device runtime.
package cpu

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/anyres/anyres/ml"
)

type Backend struct{}

func New() ml.Backend {
	return &Backend{}
}

func (b *Backend) NewContext() ml.Context {
	return &Context{}
}

func (b *Backend) NewContextSize(int) ml.Context {
	return &Context{}
}

func (b *Backend) Close() {}

type Context struct{}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}

	return &Tensor{dtype: dtype, shape: append([]int(nil), shape...), data: make([]float32, n)}
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.Empty(dtype, shape...)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := c.Empty(ml.DTypeF32, shape...).(*Tensor)
	if len(s) != len(t.data) {
		panic("cpu: data does not match shape")
	}

	copy(t.data, s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := c.Empty(ml.DTypeI32, shape...).(*Tensor)
	if len(s) != len(t.data) {
		panic("cpu: data does not match shape")
	}

	for i, v := range s {
		t.data[i] = float32(v)
	}

	return t
}

func (c *Context) Input() ml.Context { return c }

func (c *Context) Forward(...ml.Tensor) ml.Context { return c }

func (c *Context) Compute(...ml.Tensor) {}

func (c *Context) Close() {}

// Tensor stores elements as float32 regardless of DType; Bytes encodes
// at the declared precision. Dimension 0 varies fastest.
type Tensor struct {
	dtype ml.DType
	shape []int
	data  []float32
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Stride(n int) int {
	stride := t.dtype.ElementSize()
	for i := 0; i < n; i++ {
		stride *= t.shape[i]
	}

	return stride
}

func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Bytes() []byte {
	switch t.dtype {
	case ml.DTypeF16:
		bts := make([]byte, 2*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(bts[2*i:], float16.Fromfloat32(v).Bits())
		}
		return bts
	case ml.DTypeI32:
		bts := make([]byte, 4*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(bts[4*i:], uint32(int32(v)))
		}
		return bts
	default:
		bts := make([]byte, 4*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(bts[4*i:], math.Float32bits(v))
		}
		return bts
	}
}

func (t *Tensor) Floats() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *Tensor) Ints() []int32 {
	out := make([]int32, len(t.data))
	for i, v := range t.data {
		out[i] = int32(v)
	}

	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	u := t2.(*Tensor)
	out := newLike(t)
	for i := range out.data {
		out.data[i] = t.data[i] + u.data[i%len(u.data)]
	}

	return out
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	u := t2.(*Tensor)
	out := newLike(t)
	for i := range out.data {
		out.data[i] = t.data[i] * u.data[i%len(u.data)]
	}

	return out
}

func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	u := t2.(*Tensor)

	k := t.shape[0]
	if u.shape[0] != k {
		panic("cpu: mulmat dimension mismatch")
	}

	m := len(t.data) / k
	n := len(u.data) / k

	out := &Tensor{dtype: ml.DTypeF32, shape: outShape(t, u), data: make([]float32, m*n)}
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			var sum float32
			for l := 0; l < k; l++ {
				sum += t.data[i*k+l] * u.data[j*k+l]
			}
			out.data[j*m+i] = sum
		}
	}

	return out
}

// outShape is (t.rest..., u.rest...) collapsed to (m, n) with n keeping
// u's trailing dimensions.
func outShape(t, u *Tensor) []int {
	m := 1
	for _, d := range t.shape[1:] {
		m *= d
	}

	shape := []int{m}
	if len(u.shape) > 1 {
		shape = append(shape, u.shape[1:]...)
	} else {
		shape = append(shape, 1)
	}

	return shape
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := newLike(t)
	for i, v := range t.data {
		out.data[i] = v * float32(s)
	}

	return out
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}

	if n != len(t.data) {
		panic("cpu: reshape changes element count")
	}

	return &Tensor{dtype: t.dtype, shape: append([]int(nil), shape...), data: t.data}
}

func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	offset /= t.dtype.ElementSize()

	n := 1
	for _, s := range shape {
		n *= s
	}

	return &Tensor{dtype: t.dtype, shape: append([]int(nil), shape...), data: t.data[offset : offset+n]}
}

func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) < len(t.shape) {
		panic("cpu: permute needs the full axis order")
	}
	order = order[:len(t.shape)]

	shape := make([]int, len(t.shape))
	for i, o := range order {
		shape[i] = t.shape[o]
	}

	out := &Tensor{dtype: t.dtype, shape: shape, data: make([]float32, len(t.data))}
	idx := make([]int, len(t.shape))
	for flat := range t.data {
		decode(flat, t.shape, idx)

		dst := 0
		for i := len(order) - 1; i >= 0; i-- {
			dst = dst*shape[i] + idx[order[i]]
		}
		out.data[dst] = t.data[flat]
	}

	return out
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t
}

func (t *Tensor) Pad(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) != len(t.shape) {
		panic("cpu: pad needs one entry per dimension")
	}

	padded := make([]int, len(t.shape))
	for i := range padded {
		padded[i] = t.shape[i] + shape[i]
	}

	out := &Tensor{dtype: t.dtype, shape: padded, data: make([]float32, count(padded))}
	idx := make([]int, len(t.shape))
	for flat := range t.data {
		decode(flat, t.shape, idx)
		out.data[encode(idx, padded)] = t.data[flat]
	}

	return out
}

func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor {
	shape := t.Shape()
	shape[dim] *= n

	out := &Tensor{dtype: t.dtype, shape: shape, data: make([]float32, count(shape))}
	idx := make([]int, len(t.shape))
	for r := 0; r < n; r++ {
		for flat := range t.data {
			decode(flat, t.shape, idx)
			idx[dim] += r * t.shape[dim]
			out.data[encode(idx, shape)] = t.data[flat]
			idx[dim] -= r * t.shape[dim]
		}
	}

	return out
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	u := t2.(*Tensor)
	if len(t.shape) != len(u.shape) {
		panic("cpu: concat rank mismatch")
	}

	shape := t.Shape()
	shape[dim] += u.shape[dim]

	out := &Tensor{dtype: t.dtype, shape: shape, data: make([]float32, count(shape))}
	idx := make([]int, len(t.shape))
	for flat := range t.data {
		decode(flat, t.shape, idx)
		out.data[encode(idx, shape)] = t.data[flat]
	}
	for flat := range u.data {
		decode(flat, u.shape, idx)
		idx[dim] += t.shape[dim]
		out.data[encode(idx, shape)] = u.data[flat]
	}

	return out
}

func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	indices := t2.Ints()

	d0 := t.shape[0]
	out := &Tensor{dtype: t.dtype, shape: []int{d0, len(indices)}, data: make([]float32, d0*len(indices))}
	for i, row := range indices {
		copy(out.data[i*d0:(i+1)*d0], t.data[int(row)*d0:(int(row)+1)*d0])
	}

	return out
}

func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	u := t2.(*Tensor)
	if len(t.data) != len(u.data) {
		panic("cpu: copy element count mismatch")
	}

	copy(u.data, t.data)
	return t2
}

func (t *Tensor) Duplicate(ctx ml.Context) ml.Tensor {
	out := newLike(t)
	copy(out.data, t.data)
	return out
}

func newLike(t *Tensor) *Tensor {
	return &Tensor{dtype: t.dtype, shape: t.Shape(), data: make([]float32, len(t.data))}
}

func count(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}

	return n
}

// decode writes the multi-index of flat into idx, dimension 0 fastest.
func decode(flat int, shape, idx []int) {
	for i, s := range shape {
		idx[i] = flat % s
		flat /= s
	}
}

func encode(idx, shape []int) int {
	flat := 0
	for i := len(shape) - 1; i >= 0; i-- {
		flat = flat*shape[i] + idx[i]
	}

	return flat
}

func init() {
	ml.RegisterBackend("cpu", func() (ml.Backend, error) {
		return New(), nil
	})
}
