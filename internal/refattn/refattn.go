// Package refattn is the direct, materializing counterpart of the tiled
// engine: it builds the full NxN score matrix per (batch, head) in
// float64 and computes softmax attention and its analytic gradients the
// textbook way. It exists as a correctness oracle for tests and the
// verify command, not as a fast path.
package refattn

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/flashtile/pkg/tensor"
)

// Forward computes softmax(scale * Q K^T) V directly.
func Forward(q, k, v *tensor.Tensor, scale float32, causal bool) *tensor.Tensor {
	batch, heads := q.Shape[0], q.Shape[1]
	out := tensor.New(batch, heads, q.Shape[2], q.Shape[3])
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			qm := headMatrix(q, b, h)
			km := headMatrix(k, b, h)
			vm := headMatrix(v, b, h)

			p := probabilities(qm, km, scale, causal)

			var om mat.Dense
			om.Mul(p, vm)
			storeHead(out, b, h, &om)
		}
	}
	return out
}

// Gradients computes the analytic gradients of softmax attention with
// respect to Q, K and V for the given output gradient. Per head:
// dP = G V^T, dS_ij = P_ij (dP_ij - D_i) with D_i = rowsum(P .* dP),
// dQ = scale * dS K, dK = scale * dS^T Q, dV = P^T G.
func Gradients(q, k, v, g *tensor.Tensor, scale float32, causal bool) (dq, dk, dv *tensor.Tensor) {
	batch, heads := q.Shape[0], q.Shape[1]
	seq := q.Shape[2]
	dq = tensor.New(batch, heads, seq, q.Shape[3])
	dk = tensor.New(batch, heads, seq, k.Shape[3])
	dv = tensor.New(batch, heads, seq, v.Shape[3])

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			qm := headMatrix(q, b, h)
			km := headMatrix(k, b, h)
			vm := headMatrix(v, b, h)
			gm := headMatrix(g, b, h)

			p := probabilities(qm, km, scale, causal)

			var dp mat.Dense
			dp.Mul(gm, vm.T())

			ds := mat.NewDense(seq, seq, nil)
			for i := 0; i < seq; i++ {
				var di float64
				for j := 0; j < seq; j++ {
					di += p.At(i, j) * dp.At(i, j)
				}
				for j := 0; j < seq; j++ {
					ds.Set(i, j, p.At(i, j)*(dp.At(i, j)-di)*float64(scale))
				}
			}

			var dqm, dkm, dvm mat.Dense
			dqm.Mul(ds, km)
			dkm.Mul(ds.T(), qm)
			dvm.Mul(p.T(), gm)
			storeHead(dq, b, h, &dqm)
			storeHead(dk, b, h, &dkm)
			storeHead(dv, b, h, &dvm)
		}
	}
	return dq, dk, dv
}

// probabilities returns the row-softmax of the (optionally causally
// masked) scaled score matrix.
func probabilities(qm, km *mat.Dense, scale float32, causal bool) *mat.Dense {
	rows, _ := qm.Dims()
	cols, _ := km.Dims()

	var s mat.Dense
	s.Mul(qm, km.T())
	s.Scale(float64(scale), &s)
	if causal {
		for i := 0; i < rows; i++ {
			for j := i + 1; j < cols; j++ {
				s.Set(i, j, math.Inf(-1))
			}
		}
	}

	for i := 0; i < rows; i++ {
		maxv := math.Inf(-1)
		for j := 0; j < cols; j++ {
			if v := s.At(i, j); v > maxv {
				maxv = v
			}
		}
		var sum float64
		for j := 0; j < cols; j++ {
			e := math.Exp(s.At(i, j) - maxv)
			s.Set(i, j, e)
			sum += e
		}
		if sum == 0 {
			continue
		}
		for j := 0; j < cols; j++ {
			s.Set(i, j, s.At(i, j)/sum)
		}
	}
	return &s
}

func headMatrix(t *tensor.Tensor, b, h int) *mat.Dense {
	seq, dim := t.Shape[2], t.Shape[3]
	m := mat.NewDense(seq, dim, nil)
	for i := 0; i < seq; i++ {
		for j := 0; j < dim; j++ {
			m.Set(i, j, float64(t.At(b, h, i, j)))
		}
	}
	return m
}

func storeHead(t *tensor.Tensor, b, h int, m *mat.Dense) {
	seq, dim := t.Shape[2], t.Shape[3]
	for i := 0; i < seq; i++ {
		for j := 0; j < dim; j++ {
			t.Set(b, h, i, j, float32(m.At(i, j)))
		}
	}
}
