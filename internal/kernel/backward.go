package kernel

// The backward kernels trade compute for memory: probability tiles are
// regenerated from Q, K and the stored per-row statistics instead of
// being kept from the forward pass. With M and L known exactly, the
// recomputed P = exp(S - M) / L needs no running-max bookkeeping and
// reproduces the forward attention weights bit for bit.

// DQ computes one (batch, head, query-tile) task of the query-gradient
// pass, mirroring the forward tiling: the query and output-gradient
// tiles load once, key/value tiles stream past. For each tile,
// dS = P * (dP - D) with dP = dO . V^T, and dQ accumulates dS * K * scale.
func DQ(p *Params, b, h, it int) {
	rowStart := it * p.TileM
	rows := min(p.TileM, p.SeqLen-rowStart)
	if rows <= 0 {
		return
	}
	bd := p.BlockD

	qt := make([]float32, rows*bd)
	gt := make([]float32, rows*bd)
	kt := make([]float32, p.TileN*bd)
	vt := make([]float32, p.TileN*bd)
	loadTile(qt, p.Q, b, h, rowStart, rows, bd)
	loadTile(gt, p.DO, b, h, rowStart, rows, bd)

	dq := make([]float32, rows*bd)
	stat := p.StatOffset(b, h)

	colLimit := p.SeqLen
	if p.Causal {
		colLimit = min(colLimit, rowStart+rows)
	}

	for colStart := 0; colStart < colLimit; colStart += p.TileN {
		cols := min(p.TileN, p.SeqLen-colStart)
		loadTile(kt, p.K, b, h, colStart, cols, bd)
		loadTile(vt, p.V, b, h, colStart, cols, bd)

		for i := 0; i < rows; i++ {
			row := rowStart + i
			l := p.L[stat+row]
			if l == 0 {
				// Row had no valid keys in forward; its gradient is zero.
				continue
			}
			invL := 1 / l
			m := p.M[stat+row]
			d := p.D[stat+row]
			qi := qt[i*bd : (i+1)*bd]
			gi := gt[i*bd : (i+1)*bd]
			dqi := dq[i*bd : (i+1)*bd]

			for j := 0; j < cols; j++ {
				if p.Causal && colStart+j > row {
					continue
				}
				kj := kt[j*bd : (j+1)*bd]
				s := dot(qi, kj) * p.Scale
				w := exp32(s-m) * invL
				dp := dot(gi, vt[j*bd:(j+1)*bd])
				ds := w * (dp - d) * p.Scale
				for x := 0; x < bd; x++ {
					dqi[x] += ds * kj[x]
				}
			}
		}
	}

	storeTile(dq, p.DQ, b, h, rowStart, rows, bd)
}

// DKV computes one (batch, head, key/value-tile) task of the key and
// value gradient pass: the tiling transposed relative to DQ. The key
// and value tiles load once, query and output-gradient tiles stream
// past. dV accumulates P^T . dO; dK accumulates dS^T . Q * scale with
// dS^T = P^T * (dP^T - D) and dP^T = V . dO^T. The causal restriction
// applies transposed, since the roles of rows and columns invert.
func DKV(p *Params, b, h, jt int) {
	colStart := jt * p.TileN
	cols := min(p.TileN, p.SeqLen-colStart)
	if cols <= 0 {
		return
	}
	bd := p.BlockD

	kt := make([]float32, cols*bd)
	vt := make([]float32, cols*bd)
	qt := make([]float32, p.TileM*bd)
	gt := make([]float32, p.TileM*bd)
	loadTile(kt, p.K, b, h, colStart, cols, bd)
	loadTile(vt, p.V, b, h, colStart, cols, bd)

	dk := make([]float32, cols*bd)
	dv := make([]float32, cols*bd)
	stat := p.StatOffset(b, h)

	for rowStart := 0; rowStart < p.SeqLen; rowStart += p.TileM {
		rows := min(p.TileM, p.SeqLen-rowStart)
		if p.Causal && rowStart+rows <= colStart {
			// Every query row in this tile precedes every key here.
			continue
		}
		loadTile(qt, p.Q, b, h, rowStart, rows, bd)
		loadTile(gt, p.DO, b, h, rowStart, rows, bd)

		for i := 0; i < rows; i++ {
			row := rowStart + i
			l := p.L[stat+row]
			if l == 0 {
				continue
			}
			invL := 1 / l
			m := p.M[stat+row]
			d := p.D[stat+row]
			qi := qt[i*bd : (i+1)*bd]
			gi := gt[i*bd : (i+1)*bd]

			for j := 0; j < cols; j++ {
				if p.Causal && colStart+j > row {
					continue
				}
				kj := kt[j*bd : (j+1)*bd]
				s := dot(qi, kj) * p.Scale
				w := exp32(s-m) * invL

				dvj := dv[j*bd : (j+1)*bd]
				for x := 0; x < bd; x++ {
					dvj[x] += w * gi[x]
				}

				dp := dot(vt[j*bd:(j+1)*bd], gi)
				ds := w * (dp - d) * p.Scale
				dkj := dk[j*bd : (j+1)*bd]
				for x := 0; x < bd; x++ {
					dkj[x] += ds * qi[x]
				}
			}
		}
	}

	storeTile(dk, p.DK, b, h, colStart, cols, bd)
	storeTile(dv, p.DV, b, h, colStart, cols, bd)
}
