package kernel

import (
	"math"
	"testing"

	"github.com/samcharles93/flashtile/internal/refattn"
	"github.com/samcharles93/flashtile/pkg/tensor"
)

// runBackward drives the full kernel sequence serially: forward,
// preprocess, then dQ and dK/dV.
func runBackward(q, k, v, dOut *tensor.Tensor, scale float32, causal bool, tileM, tileN int) (dq, dk, dv *tensor.Tensor) {
	p, _ := newForwardParams(q, k, v, scale, causal, tileM, tileN)
	runForward(p)

	batch, heads, seq, dim := q.Shape[0], q.Shape[1], q.Shape[2], q.Shape[3]
	p.DO = dOut
	p.D = make([]float32, batch*heads*seq)
	p.DQ = tensor.New(batch, heads, seq, dim)
	p.DK = tensor.New(batch, heads, seq, dim)
	p.DV = tensor.New(batch, heads, seq, dim)

	rowTiles := CeilDiv(seq, tileM)
	colTiles := CeilDiv(seq, tileN)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for t := 0; t < rowTiles; t++ {
				Preprocess(p, b, h, t)
			}
		}
	}
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for t := 0; t < rowTiles; t++ {
				DQ(p, b, h, t)
			}
			for t := 0; t < colTiles; t++ {
				DKV(p, b, h, t)
			}
		}
	}
	return p.DQ, p.DK, p.DV
}

func TestPreprocessComputesRowDots(t *testing.T) {
	const (
		seq = 7
		dim = 5
	)
	o := tensor.New(1, 2, seq, dim)
	g := tensor.New(1, 2, seq, dim)
	o.FillRand(5)
	g.FillRand(6)

	p := &Params{
		O: o, DO: g,
		D:     make([]float32, 2*seq),
		Batch: 1, Heads: 2, SeqLen: seq, HeadDim: dim,
		TileM: 3,
	}
	for h := 0; h < 2; h++ {
		for t := 0; t < CeilDiv(seq, 3); t++ {
			Preprocess(p, 0, h, t)
		}
	}

	for h := 0; h < 2; h++ {
		for i := 0; i < seq; i++ {
			var want float64
			for d := 0; d < dim; d++ {
				want += float64(o.At(0, h, i, d)) * float64(g.At(0, h, i, d))
			}
			got := float64(p.D[h*seq+i])
			if math.Abs(got-want) > 1e-6 {
				t.Fatalf("D[%d,%d] = %v, want %v", h, i, got, want)
			}
		}
	}
}

func TestBackwardMatchesAnalyticGradients(t *testing.T) {
	const (
		batch = 2
		heads = 2
		seq   = 12
		dim   = 5
	)
	scale := float32(1.0 / math.Sqrt(dim))
	q, k, v := randomInputs(batch, heads, seq, dim)
	dOut := tensor.New(batch, heads, seq, dim)
	dOut.FillRand(44)

	for _, causal := range []bool{false, true} {
		wq, wk, wv := refattn.Gradients(q, k, v, dOut, scale, causal)
		for _, tile := range []int{4, 5, 16} {
			dq, dk, dv := runBackward(q, k, v, dOut, scale, causal, tile, tile)
			compareTensors(t, dq, wq, 1e-4)
			compareTensors(t, dk, wk, 1e-4)
			compareTensors(t, dv, wv, 1e-4)
		}
	}
}

func TestBackwardRectangularTiles(t *testing.T) {
	const (
		seq = 14
		dim = 3
	)
	scale := float32(0.4)
	q, k, v := randomInputs(1, 2, seq, dim)
	dOut := tensor.New(1, 2, seq, dim)
	dOut.FillRand(7)

	wq, wk, wv := refattn.Gradients(q, k, v, dOut, scale, false)
	dq, dk, dv := runBackward(q, k, v, dOut, scale, false, 6, 4)
	compareTensors(t, dq, wq, 1e-4)
	compareTensors(t, dk, wk, 1e-4)
	compareTensors(t, dv, wv, 1e-4)
}

// Gradients must agree across tile sizes; the recomputation makes them
// functions of the same statistics regardless of tiling.
func TestBackwardTileInvariance(t *testing.T) {
	const (
		seq = 15
		dim = 4
	)
	scale := float32(1.0 / math.Sqrt(dim))
	q, k, v := randomInputs(1, 1, seq, dim)
	dOut := tensor.New(1, 1, seq, dim)
	dOut.FillRand(9)

	baseQ, baseK, baseV := runBackward(q, k, v, dOut, scale, true, 4, 4)
	for _, tile := range []int{1, 5, 15, 32} {
		dq, dk, dv := runBackward(q, k, v, dOut, scale, true, tile, tile)
		compareTensors(t, dq, baseQ, 1e-5)
		compareTensors(t, dk, baseK, 1e-5)
		compareTensors(t, dv, baseV, 1e-5)
	}
}

func TestBackwardFiniteDifferenceSpotCheck(t *testing.T) {
	const (
		seq = 6
		dim = 3
		eps = 1e-2
	)
	scale := float32(1.0 / math.Sqrt(dim))
	q, k, v := randomInputs(1, 1, seq, dim)
	dOut := tensor.New(1, 1, seq, dim)
	for i := range dOut.Data {
		dOut.Data[i] = 1 // loss = sum of outputs
	}

	dq, dk, dv := runBackward(q, k, v, dOut, scale, false, 4, 4)

	loss := func(q, k, v *tensor.Tensor) float64 {
		p, out := newForwardParams(q, k, v, scale, false, 4, 4)
		runForward(p)
		var sum float64
		for _, x := range out.Data {
			sum += float64(x)
		}
		return sum
	}

	type probe struct {
		t    *tensor.Tensor
		grad *tensor.Tensor
		i, j int
	}
	probes := []probe{
		{q, dq, 0, 0}, {q, dq, 3, 2},
		{k, dk, 1, 1}, {k, dk, 5, 0},
		{v, dv, 2, 2}, {v, dv, 4, 1},
	}
	for _, pr := range probes {
		orig := pr.t.At(0, 0, pr.i, pr.j)
		pr.t.Set(0, 0, pr.i, pr.j, orig+eps)
		up := loss(q, k, v)
		pr.t.Set(0, 0, pr.i, pr.j, orig-eps)
		down := loss(q, k, v)
		pr.t.Set(0, 0, pr.i, pr.j, orig)

		numeric := (up - down) / (2 * eps)
		analytic := float64(pr.grad.At(0, 0, pr.i, pr.j))
		if math.Abs(numeric-analytic) > 5e-3+0.05*math.Abs(numeric) {
			t.Fatalf("finite difference mismatch at (%d,%d): numeric %v analytic %v",
				pr.i, pr.j, numeric, analytic)
		}
	}
}
