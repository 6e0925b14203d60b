// Package flash exposes the tiled scaled-dot-product attention operator:
// a forward pass producing attention output plus per-row softmax
// statistics, and a backward pass producing input gradients, neither of
// which ever materializes the full NxN score matrix.
package flash

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/flashtile/internal/kernel"
	"github.com/samcharles93/flashtile/internal/logger"
	"github.com/samcharles93/flashtile/pkg/tensor"
)

var (
	// ErrShapeMismatch is wrapped by all precondition failures about
	// tensor dimensions.
	ErrShapeMismatch = errors.New("flash: tensor shape mismatch")
	// ErrBadConfig is wrapped by all precondition failures about the
	// attention configuration.
	ErrBadConfig = errors.New("flash: invalid config")
)

// DefaultTile is the sequence-axis tile size used when the caller does
// not choose one.
const DefaultTile = 64

// Config holds the scalar knobs of one attention call.
type Config struct {
	// Scale multiplies raw scores before the softmax, typically
	// 1/sqrt(headDim).
	Scale float32
	// Causal restricts each query position to keys at or before it.
	Causal bool
	// TileRows and TileCols are the query-axis and key-axis tile sizes.
	// Zero means DefaultTile. They may differ.
	TileRows int
	TileCols int
}

func (c Config) withDefaults() Config {
	if c.TileRows == 0 {
		c.TileRows = DefaultTile
	}
	if c.TileCols == 0 {
		c.TileCols = DefaultTile
	}
	return c
}

func (c Config) validate() error {
	if !(c.Scale > 0) {
		return fmt.Errorf("%w: scale must be positive, got %v", ErrBadConfig, c.Scale)
	}
	if c.TileRows < 0 || c.TileCols < 0 {
		return fmt.Errorf("%w: negative tile size (%d, %d)", ErrBadConfig, c.TileRows, c.TileCols)
	}
	return nil
}

// Stats holds the per-row softmax statistics the forward pass produces
// and the backward pass consumes: M is the running maximum of scaled
// scores, L the sum of max-shifted exponentials (the softmax
// denominator). Both are dense [batch*heads*seq] buffers, allocated
// independently of the output tensor and passed to every kernel
// explicitly. The caller keeps Stats alive between Forward and
// Backward.
type Stats struct {
	M, L []float32

	batch, heads, seq int
}

func newStats(batch, heads, seq int) *Stats {
	n := batch * heads * seq
	return &Stats{
		M:     make([]float32, n),
		L:     make([]float32, n),
		batch: batch,
		heads: heads,
		seq:   seq,
	}
}

// At returns (M, L) for one (batch, head, query-position) row.
func (s *Stats) At(b, h, i int) (float32, float32) {
	idx := (b*s.heads+h)*s.seq + i
	return s.M[idx], s.L[idx]
}

// Forward computes Output = softmax(scale * Q K^T) V with optional
// causal masking, tiled so that only per-row statistics ever leave a
// task's working set. Q, K and V must share [batch, heads, seq] and Q
// must share the feature dimension with K and V; layouts may be
// non-contiguous. The returned Stats must be retained by the caller if
// Backward will run.
func Forward(ctx context.Context, q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, *Stats, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	if err := checkInputs(q, k, v); err != nil {
		return nil, nil, err
	}

	batch, heads, seq, dim := q.Shape[0], q.Shape[1], q.Shape[2], q.Shape[3]
	out := tensor.New(batch, heads, seq, dim)
	stats := newStats(batch, heads, seq)

	p := &kernel.Params{
		Q: q, K: k, V: v, O: out,
		M: stats.M, L: stats.L,
		Batch: batch, Heads: heads, SeqLen: seq, HeadDim: dim,
		Scale: cfg.Scale, Causal: cfg.Causal,
		TileM: cfg.TileRows, TileN: cfg.TileCols,
		BlockD: kernel.NextPow2(dim),
	}
	grid := kernel.Grid{Batch: batch, Heads: heads, Tiles: kernel.CeilDiv(seq, p.TileM)}

	logger.FromContext(ctx).Debug("forward launch",
		"grid", grid.Tasks(), "seq", seq, "dim", dim,
		"tileRows", p.TileM, "tileCols", p.TileN, "blockDim", p.BlockD,
		"causal", cfg.Causal)

	if err := kernel.Launch(ctx, grid, func(b, h, t int) {
		kernel.Forward(p, b, h, t)
	}); err != nil {
		return nil, nil, err
	}
	return out, stats, nil
}

// Backward computes the gradients of Q, K and V given the forward
// inputs, the forward output and statistics, and the output gradient.
// It runs three kernels: a preprocess pass producing the per-row
// gradient statistic D = rowsum(O * dO), then the dQ and dK/dV passes,
// which are independent of each other and run concurrently. A
// non-contiguous output gradient is densified before use.
func Backward(ctx context.Context, q, k, v, o *tensor.Tensor, stats *Stats, dOut *tensor.Tensor, cfg Config) (dq, dk, dv *tensor.Tensor, err error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, nil, nil, err
	}
	if err := checkInputs(q, k, v); err != nil {
		return nil, nil, nil, err
	}
	if !o.SameShape(q) {
		return nil, nil, nil, fmt.Errorf("%w: output shape %v does not match query shape %v",
			ErrShapeMismatch, o.Shape, q.Shape)
	}
	if !dOut.SameShape(o) {
		return nil, nil, nil, fmt.Errorf("%w: output gradient shape %v does not match output shape %v",
			ErrShapeMismatch, dOut.Shape, o.Shape)
	}
	if stats == nil || stats.batch != q.Shape[0] || stats.heads != q.Shape[1] || stats.seq != q.Shape[2] {
		return nil, nil, nil, fmt.Errorf("%w: statistics do not match query shape %v", ErrShapeMismatch, q.Shape)
	}

	batch, heads, seq, dim := q.Shape[0], q.Shape[1], q.Shape[2], q.Shape[3]
	dOut = dOut.Contiguous()

	dq = tensor.New(batch, heads, seq, dim)
	dk = tensor.New(batch, heads, seq, k.Shape[3])
	dv = tensor.New(batch, heads, seq, v.Shape[3])
	d := make([]float32, batch*heads*seq)

	p := &kernel.Params{
		Q: q, K: k, V: v, O: o, DO: dOut,
		DQ: dq, DK: dk, DV: dv,
		M: stats.M, L: stats.L, D: d,
		Batch: batch, Heads: heads, SeqLen: seq, HeadDim: dim,
		Scale: cfg.Scale, Causal: cfg.Causal,
		TileM: cfg.TileRows, TileN: cfg.TileCols,
		BlockD: kernel.NextPow2(dim),
	}
	rowGrid := kernel.Grid{Batch: batch, Heads: heads, Tiles: kernel.CeilDiv(seq, p.TileM)}
	colGrid := kernel.Grid{Batch: batch, Heads: heads, Tiles: kernel.CeilDiv(seq, p.TileN)}

	log := logger.FromContext(ctx)
	log.Debug("backward launch", "rowTasks", rowGrid.Tasks(), "colTasks", colGrid.Tasks())

	// D must be complete before either gradient kernel reads it.
	if err := kernel.Launch(ctx, rowGrid, func(b, h, t int) {
		kernel.Preprocess(p, b, h, t)
	}); err != nil {
		return nil, nil, nil, err
	}

	// dQ and dK/dV write disjoint tensors; run both in one launch by
	// folding the two grids into a single index space.
	split := rowGrid.Tiles
	joint := kernel.Grid{Batch: batch, Heads: heads, Tiles: split + colGrid.Tiles}
	if err := kernel.Launch(ctx, joint, func(b, h, t int) {
		if t < split {
			kernel.DQ(p, b, h, t)
		} else {
			kernel.DKV(p, b, h, t-split)
		}
	}); err != nil {
		return nil, nil, nil, err
	}
	return dq, dk, dv, nil
}

// checkInputs rejects shape mismatches before any kernel launch,
// naming the offending tensor and dimension.
func checkInputs(q, k, v *tensor.Tensor) error {
	for i, name := range [...]string{"batch", "heads", "seq"} {
		if k.Shape[i] != q.Shape[i] {
			return fmt.Errorf("%w: key %s %d does not match query %s %d",
				ErrShapeMismatch, name, k.Shape[i], name, q.Shape[i])
		}
		if v.Shape[i] != q.Shape[i] {
			return fmt.Errorf("%w: value %s %d does not match query %s %d",
				ErrShapeMismatch, name, v.Shape[i], name, q.Shape[i])
		}
	}
	if k.Shape[3] != q.Shape[3] {
		return fmt.Errorf("%w: key feature dim %d does not match query feature dim %d",
			ErrShapeMismatch, k.Shape[3], q.Shape[3])
	}
	if v.Shape[3] != k.Shape[3] {
		return fmt.Errorf("%w: value feature dim %d does not match key feature dim %d",
			ErrShapeMismatch, v.Shape[3], k.Shape[3])
	}
	return nil
}
