package tensor

import (
	"math"
	"testing"
)

func TestNewShapeAndStrides(t *testing.T) {
	tt := New(2, 3, 5, 7)
	if tt.Numel() != 2*3*5*7 {
		t.Fatalf("Numel = %d", tt.Numel())
	}
	if !tt.IsContiguous() {
		t.Fatal("freshly allocated tensor should be contiguous")
	}
	want := [4]int{3 * 5 * 7, 5 * 7, 7, 1}
	if tt.Stride != want {
		t.Fatalf("strides = %v, want %v", tt.Stride, want)
	}
}

func TestAtSetRoundTrip(t *testing.T) {
	tt := New(2, 2, 4, 3)
	tt.Set(1, 0, 3, 2, 42)
	if got := tt.At(1, 0, 3, 2); got != 42 {
		t.Fatalf("At = %v, want 42", got)
	}
	if got := tt.Data[tt.Index(1, 0, 3, 2)]; got != 42 {
		t.Fatalf("flat read = %v, want 42", got)
	}
}

func TestFromDataLengthMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on length mismatch")
		}
	}()
	FromData(1, 1, 2, 2, make([]float32, 3))
}

func TestContiguousCopiesStridedView(t *testing.T) {
	// A feature-strided view selecting every other column of a wider
	// buffer; the skipped columns hold NaN sentinels.
	base := New(1, 1, 3, 8)
	for i := range base.Data {
		base.Data[i] = float32(math.NaN())
	}
	view := &Tensor{
		Shape:  [4]int{1, 1, 3, 4},
		Stride: [4]int{24, 24, 8, 2},
		Data:   base.Data,
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			view.Data[view.Index(0, 0, i, j)] = float32(i*4 + j)
		}
	}

	if view.IsContiguous() {
		t.Fatal("strided view reported contiguous")
	}
	dense := view.Contiguous()
	if !dense.IsContiguous() {
		t.Fatal("Contiguous() result not contiguous")
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			got := dense.At(0, 0, i, j)
			if got != float32(i*4+j) {
				t.Fatalf("dense(%d,%d) = %v, want %d", i, j, got, i*4+j)
			}
		}
	}
}

func TestContiguousReturnsSelfWhenDense(t *testing.T) {
	tt := New(1, 2, 3, 4)
	if tt.Contiguous() != tt {
		t.Fatal("Contiguous() should return the receiver for dense tensors")
	}
}

func TestNarrowSeq(t *testing.T) {
	tt := New(2, 2, 8, 3)
	tt.FillRand(1)
	v := tt.NarrowSeq(2, 4)
	if v.Shape[2] != 4 {
		t.Fatalf("narrowed seq = %d, want 4", v.Shape[2])
	}
	for b := 0; b < 2; b++ {
		for h := 0; h < 2; h++ {
			for i := 0; i < 4; i++ {
				for j := 0; j < 3; j++ {
					if v.At(b, h, i, j) != tt.At(b, h, i+2, j) {
						t.Fatalf("view mismatch at (%d,%d,%d,%d)", b, h, i, j)
					}
				}
			}
		}
	}
}

func TestFillRandDeterministic(t *testing.T) {
	a := New(1, 1, 4, 4)
	b := New(1, 1, 4, 4)
	a.FillRand(99)
	b.FillRand(99)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatal("same seed produced different tensors")
		}
	}
	c := New(1, 1, 4, 4)
	c.FillRand(100)
	same := true
	for i := range a.Data {
		if a.Data[i] != c.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced identical tensors")
	}
}

func TestFloat16RoundTrip(t *testing.T) {
	tt := New(1, 2, 3, 4)
	// Values exactly representable in half precision survive the trip.
	for i := range tt.Data {
		tt.Data[i] = float32(i) * 0.25
	}
	raw := ToFloat16(tt)
	back := FromFloat16(1, 2, 3, 4, raw)
	for i := range tt.Data {
		if back.Data[i] != tt.Data[i] {
			t.Fatalf("f16 round trip mismatch at %d: %v != %v", i, back.Data[i], tt.Data[i])
		}
	}
}

func TestFromFloat16LengthMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on raw length mismatch")
		}
	}()
	FromFloat16(1, 1, 2, 2, make([]byte, 7))
}
