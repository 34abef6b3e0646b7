package tensor

import "fmt"

// Tensor is a dense float32 array with explicit per-axis strides.
// The attention kernels index raw data through the stride table, so a
// Tensor can present either the fixed-length 4D layout
// (batch, head, seq, feature) or the packed varlen 3D layout
// (total, head, feature) without copying.
type Tensor struct {
	data    []float32
	dims    []int
	strides []int
	name    string
}

// NewDense4D allocates a (batch, heads, seqLen, headDim) tensor in
// row-major order.
func NewDense4D(name string, batch, heads, seqLen, headDim int) *Tensor {
	dims := []int{batch, heads, seqLen, headDim}
	strides := []int{heads * seqLen * headDim, seqLen * headDim, headDim, 1}
	return &Tensor{
		data:    make([]float32, batch*heads*seqLen*headDim),
		dims:    dims,
		strides: strides,
		name:    name,
	}
}

// NewPacked3D allocates a (total, heads, headDim) tensor: the packed
// varlen layout where all sequences of a batch are concatenated along
// the first axis.
func NewPacked3D(name string, total, heads, headDim int) *Tensor {
	dims := []int{total, heads, headDim}
	strides := []int{heads * headDim, headDim, 1}
	return &Tensor{
		data:    make([]float32, total*heads*headDim),
		dims:    dims,
		strides: strides,
		name:    name,
	}
}

// FromData wraps an existing slice with the given dims, computing
// contiguous row-major strides. Returns an error if the slice length
// does not match the shape.
func FromData(name string, data []float32, dims ...int) (*Tensor, error) {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("tensor %s: data length %d does not match shape %v (%d elements)",
			name, len(data), dims, n)
	}
	strides := make([]int, len(dims))
	s := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = s
		s *= dims[i]
	}
	return &Tensor{data: data, dims: append([]int(nil), dims...), strides: strides, name: name}, nil
}

func (t *Tensor) Dims() []int {
	return t.dims
}

func (t *Tensor) Strides() []int {
	return t.strides
}

func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) Name() string {
	return t.name
}

func (t *Tensor) Rank() int {
	return len(t.dims)
}

func (t *Tensor) Dim(i int) int {
	return t.dims[i]
}

// Stride returns the element stride of axis i.
func (t *Tensor) Stride(i int) int {
	return t.strides[i]
}

func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

func (t *Tensor) Free() {
	t.data = nil
}

// At reads one element of a 4D tensor. Test/debug path; the kernel
// walks data directly.
func (t *Tensor) At(z, h, m, k int) float32 {
	return t.data[z*t.strides[0]+h*t.strides[1]+m*t.strides[2]+k*t.strides[3]]
}

func (t *Tensor) Set(z, h, m, k int, v float32) {
	t.data[z*t.strides[0]+h*t.strides[1]+m*t.strides[2]+k*t.strides[3]] = v
}

// At3 reads one element of a packed 3D tensor.
func (t *Tensor) At3(p, h, k int) float32 {
	return t.data[p*t.strides[0]+h*t.strides[1]+k*t.strides[2]]
}

func (t *Tensor) Set3(p, h, k int, v float32) {
	t.data[p*t.strides[0]+h*t.strides[1]+k*t.strides[2]] = v
}

// SameShape reports whether two tensors have identical dims.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.dims) != len(o.dims) {
		return false
	}
	for i := range t.dims {
		if t.dims[i] != o.dims[i] {
			return false
		}
	}
	return true
}
