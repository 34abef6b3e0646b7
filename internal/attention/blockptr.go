package attention

// blockPtr is a strided 2D tile cursor over a flat tensor, the
// software analogue of a hardware block pointer. It carries the true
// (rows, cols) extent of the logical matrix it walks, so tile loads can
// zero-pad anything past the boundary and tile stores never touch
// memory outside the tensor's real extent.
type blockPtr struct {
	data    []float32
	base    int
	rows    int
	cols    int
	strideR int
	strideC int
	offR    int
	offC    int
}

func newBlockPtr(data []float32, base, rows, cols, strideR, strideC, offR, offC int) *blockPtr {
	return &blockPtr{
		data:    data,
		base:    base,
		rows:    rows,
		cols:    cols,
		strideR: strideR,
		strideC: strideC,
		offR:    offR,
		offC:    offC,
	}
}

func (b *blockPtr) advance(dr, dc int) {
	b.offR += dr
	b.offC += dc
}

// load fills dst (tileR x tileC, row-major) from the current tile
// offset, zero-padding any element outside the logical extent.
func (b *blockPtr) load(dst []float32, tileR, tileC int) {
	for r := 0; r < tileR; r++ {
		gr := b.offR + r
		row := dst[r*tileC : (r+1)*tileC]
		if gr >= b.rows {
			for c := range row {
				row[c] = 0
			}
			continue
		}
		rowBase := b.base + gr*b.strideR
		for c := 0; c < tileC; c++ {
			gc := b.offC + c
			if gc >= b.cols {
				row[c] = 0
				continue
			}
			row[c] = b.data[rowBase+gc*b.strideC]
		}
	}
}

// store writes src (tileR x tileC, row-major) at the current tile
// offset, skipping every element outside the logical extent.
func (b *blockPtr) store(src []float32, tileR, tileC int) {
	for r := 0; r < tileR; r++ {
		gr := b.offR + r
		if gr >= b.rows {
			continue
		}
		rowBase := b.base + gr*b.strideR
		row := src[r*tileC : (r+1)*tileC]
		for c := 0; c < tileC; c++ {
			gc := b.offC + c
			if gc >= b.cols {
				continue
			}
			b.data[rowBase+gc*b.strideC] = row[c]
		}
	}
}

// storeConst writes a constant over the tile, bounded by the extent.
// Used by the causal early-exit path to zero-fill output tiles.
func (b *blockPtr) storeConst(v float32, tileR, tileC int) {
	for r := 0; r < tileR; r++ {
		gr := b.offR + r
		if gr >= b.rows {
			continue
		}
		rowBase := b.base + gr*b.strideR
		for c := 0; c < tileC; c++ {
			gc := b.offC + c
			if gc >= b.cols {
				continue
			}
			b.data[rowBase+gc*b.strideC] = v
		}
	}
}
