package kernel

// Forward computes one (batch, head, query-tile) task of the attention
// forward pass. The query tile is loaded once; key/value tiles stream
// past it while a per-row fold state (running max, running sum, output
// accumulator) carries the online softmax. The fold is strictly
// sequential over key tiles: each step rescales the previous state by
// exp(mOld-mNew), which is exactly the standard max-subtraction softmax
// applied incrementally.
//
// On return, output rows [it*TileM, ...) hold acc/l and the M and L
// entries for those rows hold the final running max and sum. Rows past
// the sequence length are never touched.
func Forward(p *Params, b, h, it int) {
	rowStart := it * p.TileM
	rows := min(p.TileM, p.SeqLen-rowStart)
	if rows <= 0 {
		return
	}
	bd := p.BlockD

	qt := make([]float32, rows*bd)
	kt := make([]float32, p.TileN*bd)
	vt := make([]float32, p.TileN*bd)
	loadTile(qt, p.Q, b, h, rowStart, rows, bd)

	mi := make([]float32, rows)
	li := make([]float32, rows)
	acc := make([]float32, rows*bd)
	scores := make([]float32, p.TileN)
	for i := range mi {
		mi[i] = negInf
	}

	colLimit := p.SeqLen
	if p.Causal {
		// Key tiles strictly past the last query row contribute nothing.
		colLimit = min(colLimit, rowStart+rows)
	}

	for colStart := 0; colStart < colLimit; colStart += p.TileN {
		cols := min(p.TileN, p.SeqLen-colStart)
		loadTile(kt, p.K, b, h, colStart, cols, bd)
		loadTile(vt, p.V, b, h, colStart, cols, bd)

		for i := 0; i < rows; i++ {
			row := rowStart + i
			qi := qt[i*bd : (i+1)*bd]

			tileMax := negInf
			for j := 0; j < cols; j++ {
				if p.Causal && colStart+j > row {
					scores[j] = negInf
					continue
				}
				s := dot(qi, kt[j*bd:(j+1)*bd]) * p.Scale
				scores[j] = s
				if s > tileMax {
					tileMax = s
				}
			}
			if tileMax == negInf {
				// Every key in this tile is masked for this row.
				continue
			}

			mNew := max(mi[i], tileMax)
			alpha := exp32(mi[i] - mNew)
			mi[i] = mNew
			li[i] *= alpha
			accRow := acc[i*bd : (i+1)*bd]
			for d := range accRow {
				accRow[d] *= alpha
			}

			for j := 0; j < cols; j++ {
				if scores[j] == negInf {
					continue
				}
				w := exp32(scores[j] - mNew)
				li[i] += w
				vj := vt[j*bd : (j+1)*bd]
				for d := 0; d < bd; d++ {
					accRow[d] += w * vj[d]
				}
			}
		}
	}

	stat := p.StatOffset(b, h)
	fs := p.O.Stride[3]
	for i := 0; i < rows; i++ {
		row := rowStart + i
		p.M[stat+row] = mi[i]
		p.L[stat+row] = li[i]

		// A row with no valid keys has a zero running sum; it is defined
		// to produce a zero output row rather than dividing by zero.
		var inv float32
		if li[i] != 0 {
			inv = 1 / li[i]
		}
		base := p.O.Index(b, h, row, 0)
		for d := 0; d < p.HeadDim; d++ {
			p.O.Data[base+d*fs] = acc[i*bd+d] * inv
		}
	}
}
