package kernel

// Preprocess computes one (batch, head, row-tile) task of the backward
// gradient-statistics pass: D[row] = sum_d O[row,d] * dO[row,d]. The
// scalar D folds the full-row dependency of softmax's gradient into one
// precomputed term, so the dQ and dK/dV kernels never need the NxN
// probability matrix's row sums.
func Preprocess(p *Params, b, h, it int) {
	rowStart := it * p.TileM
	rows := min(p.TileM, p.SeqLen-rowStart)
	if rows <= 0 {
		return
	}

	stat := p.StatOffset(b, h)
	ofs := p.O.Stride[3]
	gfs := p.DO.Stride[3]
	for i := 0; i < rows; i++ {
		row := rowStart + i
		oBase := p.O.Index(b, h, row, 0)
		gBase := p.DO.Index(b, h, row, 0)
		var sum float32
		for d := 0; d < p.HeadDim; d++ {
			sum += p.O.Data[oBase+d*ofs] * p.DO.Data[gBase+d*gfs]
		}
		p.D[stat+row] = sum
	}
}
