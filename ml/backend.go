package ml

import "fmt"

// Backend owns tensor storage and hands out computation contexts.
type Backend interface {
	NewContext() Context
	NewContextSize(n int) Context
	Close()
}

var backends = make(map[string]func() (Backend, error))

// RegisterBackend registers a backend constructor under a name.
func RegisterBackend(name string, f func() (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend constructs the named backend.
func NewBackend(name string) (Backend, error) {
	if f, ok := backends[name]; ok {
		return f()
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

// Context allocates tensors and schedules computation. Contexts are not
// safe for concurrent use.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	// Input returns a context suitable for input tensors, i.e. host data
	// transferred to the compute device for this forward pass.
	Input() Context

	Forward(...Tensor) Context
	Compute(...Tensor)
	Close()
}

type Tensor interface {
	// Dim returns the size of dimension n. Dimension 0 varies fastest in
	// memory.
	Dim(n int) int

	// Stride returns the distance in bytes between consecutive elements
	// along dimension n.
	Stride(n int) int

	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32
	Ints() []int32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor

	// Mulmat multiplies the rows of t against the rows of t2 along their
	// shared dimension 0: (k, m) x (k, n) -> (m, n).
	Mulmat(ctx Context, t2 Tensor) Tensor

	Scale(ctx Context, s float64) Tensor

	Reshape(ctx Context, shape ...int) Tensor

	// View reinterprets a contiguous range of t starting at a byte offset.
	View(ctx Context, offset int, shape ...int) Tensor

	Permute(ctx Context, order ...int) Tensor
	Contiguous(ctx Context) Tensor

	// Pad grows each dimension by shape[i] trailing zero elements.
	Pad(ctx Context, shape ...int) Tensor

	// Repeat tiles t n times along dim.
	Repeat(ctx Context, dim, n int) Tensor

	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Rows gathers rows of t (along dimension 1) by the int32 indices in t2.
	Rows(ctx Context, t2 Tensor) Tensor

	// Copy writes the contents of t into t2, which must have the same
	// number of elements.
	Copy(ctx Context, t2 Tensor) Tensor

	Duplicate(ctx Context) Tensor
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeI32
	DTypeOther
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeI32:
		return "I32"
	default:
		return "Other"
	}
}

// ElementSize returns the storage size of one element in bytes.
func (t DType) ElementSize() int {
	if t == DTypeF16 {
		return 2
	}

	return 4
}
