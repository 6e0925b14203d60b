package tensor

import (
	"math/rand"
)

// Axis indices for the four tensor dimensions.
const (
	AxisBatch = 0
	AxisHead  = 1
	AxisSeq   = 2
	AxisDim   = 3
)

// Tensor is a dense 4-D array of float32 values indexed by
// (batch, head, sequence position, feature). The logical layout is
// described by Shape; the physical layout by Stride, the element
// distance between consecutive indices along each axis. Strides are
// independent, so transposed or sliced views share storage with their
// parent without copying.
//
// Tensor performs no memory safety beyond Go's slice bounds checks;
// out-of-range indices panic.
type Tensor struct {
	Shape  [4]int
	Stride [4]int
	Data   []float32
}

// New allocates a zero-filled contiguous tensor with the given shape.
func New(batch, heads, seq, dim int) *Tensor {
	if batch < 0 || heads < 0 || seq < 0 || dim < 0 {
		panic("tensor: negative dimension")
	}
	shape := [4]int{batch, heads, seq, dim}
	return &Tensor{
		Shape:  shape,
		Stride: contiguousStrides(shape),
		Data:   make([]float32, batch*heads*seq*dim),
	}
}

// FromData wraps existing data in a contiguous tensor. The slice length
// must match the element count of the shape.
func FromData(batch, heads, seq, dim int, data []float32) *Tensor {
	if batch*heads*seq*dim != len(data) {
		panic("tensor: data length mismatch")
	}
	shape := [4]int{batch, heads, seq, dim}
	return &Tensor{
		Shape:  shape,
		Stride: contiguousStrides(shape),
		Data:   data,
	}
}

func contiguousStrides(shape [4]int) [4]int {
	return [4]int{
		shape[1] * shape[2] * shape[3],
		shape[2] * shape[3],
		shape[3],
		1,
	}
}

// Numel returns the number of logical elements.
func (t *Tensor) Numel() int {
	return t.Shape[0] * t.Shape[1] * t.Shape[2] * t.Shape[3]
}

// Index returns the flat offset of element (b, h, i, j).
func (t *Tensor) Index(b, h, i, j int) int {
	return b*t.Stride[0] + h*t.Stride[1] + i*t.Stride[2] + j*t.Stride[3]
}

// At reads element (b, h, i, j).
func (t *Tensor) At(b, h, i, j int) float32 {
	return t.Data[t.Index(b, h, i, j)]
}

// Set writes element (b, h, i, j).
func (t *Tensor) Set(b, h, i, j int, v float32) {
	t.Data[t.Index(b, h, i, j)] = v
}

// SameShape reports whether t and o have identical logical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.Shape == o.Shape
}

// IsContiguous reports whether the physical layout is dense row-major,
// i.e. iterating the last axis fastest walks Data without gaps.
func (t *Tensor) IsContiguous() bool {
	return t.Stride == contiguousStrides(t.Shape)
}

// Contiguous returns t if it is already dense, otherwise a freshly
// allocated dense copy. Kernels that assume unit feature stride call
// this on caller-provided gradients before dispatch.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	out := New(t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3])
	for b := 0; b < t.Shape[0]; b++ {
		for h := 0; h < t.Shape[1]; h++ {
			for i := 0; i < t.Shape[2]; i++ {
				src := t.Index(b, h, i, 0)
				dst := out.Index(b, h, i, 0)
				for j := 0; j < t.Shape[3]; j++ {
					out.Data[dst+j] = t.Data[src+j*t.Stride[3]]
				}
			}
		}
	}
	return out
}

// Clone returns a dense deep copy of t.
func (t *Tensor) Clone() *Tensor {
	if !t.IsContiguous() {
		return t.Contiguous()
	}
	out := New(t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3])
	copy(out.Data, t.Data)
	return out
}

// NarrowSeq returns a view of t restricted to sequence positions
// [start, start+length). The view shares storage with t.
func (t *Tensor) NarrowSeq(start, length int) *Tensor {
	if start < 0 || length < 0 || start+length > t.Shape[2] {
		panic("tensor: sequence narrow out of range")
	}
	v := *t
	v.Shape[2] = length
	v.Data = t.Data[start*t.Stride[2]:]
	return &v
}

// FillRand fills the tensor with reproducible pseudo-random values in a
// small range around zero. The same seed always produces the same
// tensor.
func (t *Tensor) FillRand(seed int64) {
	if !t.IsContiguous() {
		panic("tensor: FillRand requires contiguous storage")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32() - 0.5) * 0.2
	}
}
