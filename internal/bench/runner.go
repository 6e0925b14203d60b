// Package bench times the attention engine over declarative suites of
// shapes and emits machine-readable reports.
package bench

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/samcharles93/flashtile/internal/logger"
	"github.com/samcharles93/flashtile/pkg/flash"
	"github.com/samcharles93/flashtile/pkg/tensor"
)

// Runner executes benchmark cases against the engine.
type Runner struct {
	Log logger.Logger
}

// Run times every case in the suite and returns the populated report.
func (r *Runner) Run(ctx context.Context, s *Suite) (*Report, error) {
	report := NewReport(s.Name)
	for _, c := range s.Cases {
		res, err := r.RunCase(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("case %s: %w", c.Name, err)
		}
		report.Results = append(report.Results, *res)
	}
	return report, nil
}

// RunCase times one case: warmup runs, then timed runs of the forward
// pass and, when requested, the full backward pass.
func (r *Runner) RunCase(ctx context.Context, c Case) (*CaseResult, error) {
	cfg := flash.Config{
		Scale:    rsqrt(c.HeadDim),
		Causal:   c.Causal,
		TileRows: c.TileRows,
		TileCols: c.TileCols,
	}

	q := tensor.New(c.Batch, c.Heads, c.SeqLen, c.HeadDim)
	k := tensor.New(c.Batch, c.Heads, c.SeqLen, c.HeadDim)
	v := tensor.New(c.Batch, c.Heads, c.SeqLen, c.HeadDim)
	q.FillRand(1)
	k.FillRand(2)
	v.FillRand(3)
	dOut := tensor.New(c.Batch, c.Heads, c.SeqLen, c.HeadDim)
	dOut.FillRand(4)

	if r.Log != nil {
		r.Log.Info("benchmark case", "name", c.Name,
			"batch", c.Batch, "heads", c.Heads, "seq", c.SeqLen, "dim", c.HeadDim,
			"causal", c.Causal, "backward", c.Backward)
	}

	for i := 0; i < c.Warmup; i++ {
		o, stats, err := flash.Forward(ctx, q, k, v, cfg)
		if err != nil {
			return nil, err
		}
		if c.Backward {
			if _, _, _, err := flash.Backward(ctx, q, k, v, o, stats, dOut, cfg); err != nil {
				return nil, err
			}
		}
	}

	res := &CaseResult{Case: c}
	var fwdTotal, bwdTotal, fwdMin, bwdMin time.Duration
	for i := 0; i < c.Runs; i++ {
		start := time.Now()
		o, stats, err := flash.Forward(ctx, q, k, v, cfg)
		if err != nil {
			return nil, err
		}
		fwd := time.Since(start)
		fwdTotal += fwd
		if fwdMin == 0 || fwd < fwdMin {
			fwdMin = fwd
		}

		if c.Backward {
			start = time.Now()
			if _, _, _, err := flash.Backward(ctx, q, k, v, o, stats, dOut, cfg); err != nil {
				return nil, err
			}
			bwd := time.Since(start)
			bwdTotal += bwd
			if bwdMin == 0 || bwd < bwdMin {
				bwdMin = bwd
			}
		}
	}

	runs := time.Duration(c.Runs)
	res.ForwardAvg = fwdTotal / runs
	res.ForwardMin = fwdMin
	res.ForwardGFLOPS = gflops(forwardFlops(c), fwdMin)
	if c.Backward {
		res.BackwardAvg = bwdTotal / runs
		res.BackwardMin = bwdMin
		res.BackwardGFLOPS = gflops(backwardFlops(c), bwdMin)
	}
	return res, nil
}

// forwardFlops counts the two S x S x D matmuls (QK^T and PV) at two
// flops per multiply-add.
func forwardFlops(c Case) float64 {
	s := float64(c.SeqLen)
	return 4 * float64(c.Batch) * float64(c.Heads) * s * s * float64(c.HeadDim)
}

// backwardFlops counts the five tile matmuls of the dQ and dK/dV
// kernels (score recompute twice, dP twice, gradient accumulation).
func backwardFlops(c Case) float64 {
	return 2.5 * forwardFlops(c)
}

func gflops(flops float64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return flops / d.Seconds() / 1e9
}

func rsqrt(dim int) float32 {
	return float32(1.0 / math.Sqrt(float64(dim)))
}
