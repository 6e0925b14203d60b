// Package kernel implements the four tiled attention compute kernels:
// forward (online softmax), backward preprocess, backward dQ, and
// backward dK/dV. Each kernel is a pure function over one
// (batch, head, tile) task; tasks share no mutable state, so a launch
// may run them in any order or concurrency.
package kernel

import (
	"math"

	"github.com/samcharles93/flashtile/pkg/tensor"
)

// Params carries everything a kernel task needs. Tensors are addressed
// through their own strides; M, L and D are dense [batch*heads*seq]
// buffers owned by the dispatcher and passed explicitly, never derived
// from the output tensor's storage.
type Params struct {
	Q, K, V *tensor.Tensor
	O       *tensor.Tensor
	DO      *tensor.Tensor

	DQ, DK, DV *tensor.Tensor

	M, L, D []float32

	Batch, Heads, SeqLen, HeadDim int

	Scale  float32
	Causal bool

	// TileM and TileN are the query-axis and key-axis tile sizes.
	// BlockD is the feature tile, rounded up to a power of two by the
	// dispatcher; columns past HeadDim are zero-filled and masked.
	TileM, TileN, BlockD int
}

// StatOffset returns the base index into M/L/D for (batch, head).
func (p *Params) StatOffset(b, h int) int {
	return (b*p.Heads + h) * p.SeqLen
}

var negInf = float32(math.Inf(-1))

func exp32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// NextPow2 returns the smallest power of two >= n.
func NextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

// CeilDiv returns ceil(a/b).
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

// loadTile copies rows [start, start+rows) of t at (b, h) into dst as a
// rows x blockD row-major block. Feature columns past the tensor's dim
// are zeroed so dot products over blockD equal dot products over dim;
// callers never pass rows past the sequence length.
func loadTile(dst []float32, t *tensor.Tensor, b, h, start, rows, blockD int) {
	dim := t.Shape[3]
	fs := t.Stride[3]
	for i := 0; i < rows; i++ {
		base := t.Index(b, h, start+i, 0)
		row := dst[i*blockD : (i+1)*blockD]
		for j := 0; j < dim; j++ {
			row[j] = t.Data[base+j*fs]
		}
		for j := dim; j < blockD; j++ {
			row[j] = 0
		}
	}
}

// storeTile writes the first dim columns of a rows x blockD block back
// to t at (b, h) starting at sequence position start.
func storeTile(src []float32, t *tensor.Tensor, b, h, start, rows, blockD int) {
	dim := t.Shape[3]
	fs := t.Stride[3]
	for i := 0; i < rows; i++ {
		base := t.Index(b, h, start+i, 0)
		row := src[i*blockD : (i+1)*blockD]
		for j := 0; j < dim; j++ {
			t.Data[base+j*fs] = row[j]
		}
	}
}
