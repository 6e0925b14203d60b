package tensor

import (
	"encoding/binary"

	"github.com/x448/float16"
)

// FromFloat16 decodes little-endian IEEE 754 half-precision values into
// a contiguous float32 tensor. Training runtimes commonly hold
// activations in f16; the kernels themselves compute in f32, so inputs
// are widened once at the boundary. The raw slice must contain exactly
// batch*heads*seq*dim elements (2 bytes each).
func FromFloat16(batch, heads, seq, dim int, raw []byte) *Tensor {
	n := batch * heads * seq * dim
	if len(raw) != n*2 {
		panic("tensor: raw f16 length mismatch")
	}
	t := New(batch, heads, seq, dim)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint16(raw[i*2:])
		t.Data[i] = float16.Frombits(bits).Float32()
	}
	return t
}

// ToFloat16 encodes a tensor as little-endian IEEE 754 half-precision
// values, densifying first if needed.
func ToFloat16(t *Tensor) []byte {
	d := t.Contiguous()
	raw := make([]byte, len(d.Data)*2)
	for i, v := range d.Data {
		binary.LittleEndian.PutUint16(raw[i*2:], float16.Fromfloat32(v).Bits())
	}
	return raw
}
