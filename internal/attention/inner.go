package attention

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// log2(e): the softmax scale is pre-multiplied by this so the loop can
// use base-2 exponentials throughout. Bias and alibi terms get the same
// rescale before joining the logits.
const log2e = 1.44269504089

func exp2f(x float32) float32 {
	return float32(math.Exp2(float64(x)))
}

var (
	negInf = float32(math.Inf(-1))
	posInf = float32(math.Inf(1))
)

// tileState is the per-program running accumulator triple plus scratch
// tiles. acc is the unnormalized weighted sum of value rows, m the
// running per-row logit maximum, l the running per-row normalizer.
// Initialized at (-Inf, 1, 0), folded once per key/value tile, consumed
// by the epilogue, never shared between programs.
type tileState struct {
	q   []float32 // blockM x dModel, pre-scaled query tile
	acc []float32 // blockM x dModel
	m   []float32 // blockM
	l   []float32 // blockM

	qk    []float32 // blockM x blockN scores, reused as probabilities
	kTile []float32 // blockN x dModel
	vTile []float32 // blockN x dModel
	bTile []float32 // blockM x blockN
	eTile []float32 // blockM x blockN signed probabilities
}

func newTileState(blockM, blockN, dModel int) *tileState {
	st := &tileState{
		q:     make([]float32, blockM*dModel),
		acc:   make([]float32, blockM*dModel),
		m:     make([]float32, blockM),
		l:     make([]float32, blockM),
		qk:    make([]float32, blockM*blockN),
		kTile: make([]float32, blockN*dModel),
		vTile: make([]float32, blockN*dModel),
	}
	for i := range st.m {
		st.m[i] = negInf
		st.l[i] = 1.0
	}
	return st
}

// innerLoop folds the key/value tiles in [blockMin, blockMax) into the
// running accumulator. maskSteps enables the trailing-tile boundary
// mask and per-row causal mask; the full-tile pass runs with both off.
// Mask order is fixed (boundary, causal, bias, alibi) so the -Inf
// masks dominate any finite term added after them.
func (ka *kernelArgs) innerLoop(st *tileState, kPtr, vPtr, biasPtr, encPtr *blockPtr,
	startM, seqlenQ, seqlenK, blockMin, blockMax, causalShift, nExtraTokens int,
	alibiSlope float32, isCausal, maskSteps bool, batchPhilox uint64) {

	blockM, blockN, dModel := ka.blockM, ka.blockN, ka.headDimPadded

	for startN := blockMin; startN < blockMax; startN += blockN {
		kPtr.load(st.kTile, blockN, dModel)
		if ka.preloadV {
			vPtr.load(st.vTile, blockN, dModel)
		}

		// Raw logits: q is pre-scaled, so qk is already in the base-2
		// domain. K tile rows are key vectors, so row-row dot gives
		// q . k^T.
		for r := 0; r < blockM; r++ {
			qRow := st.q[r*dModel : (r+1)*dModel]
			qkRow := st.qk[r*blockN : (r+1)*blockN]
			for c := 0; c < blockN; c++ {
				qkRow[c] = simd.Dot(qRow, st.kTile[c*dModel:(c+1)*dModel])
			}
		}

		// Boundary mask: only the trailing tile can overrun seqlenK.
		if maskSteps && startN+blockN == blockMax && nExtraTokens != 0 {
			for r := 0; r < blockM; r++ {
				qkRow := st.qk[r*blockN : (r+1)*blockN]
				for c := 0; c < blockN; c++ {
					if startN+c >= seqlenK {
						qkRow[c] = negInf
					}
				}
			}
		}

		// Causal mask, bottom-right aligned via causalShift
		// (seqlenQ - seqlenK).
		if isCausal {
			for r := 0; r < blockM; r++ {
				offM := startM*blockM + r
				qkRow := st.qk[r*blockN : (r+1)*blockN]
				for c := 0; c < blockN; c++ {
					if offM < startN+c+causalShift {
						qkRow[c] = negInf
					}
				}
			}
		}

		if biasPtr != nil {
			if st.bTile == nil {
				st.bTile = make([]float32, blockM*blockN)
			}
			biasPtr.load(st.bTile, blockM, blockN)
			for i, b := range st.bTile {
				st.qk[i] += b * log2e
			}
		}

		if ka.useAlibi {
			for r := 0; r < blockM; r++ {
				globalM := startM*blockM + r
				qkRow := st.qk[r*blockN : (r+1)*blockN]
				for c := 0; c < blockN; c++ {
					// Anchor the decay at matching absolute positions
					// even when seqlenQ != seqlenK.
					rel := globalM + seqlenK - (startN + c) - seqlenQ
					if rel < 0 {
						rel = -rel
					}
					qkRow[c] += -alibiSlope * float32(rel) * log2e
				}
			}
		}

		if encPtr != nil && st.eTile == nil {
			st.eTile = make([]float32, blockM*blockN)
		}

		// Online softmax update. The per-tile normalizer l_ij must be
		// summed before dropout zeroing so the 1/(1-p) epilogue rescale
		// keeps the estimator unbiased.
		for r := 0; r < blockM; r++ {
			qkRow := st.qk[r*blockN : (r+1)*blockN]
			mIj := st.m[r]
			if rm := simd.RowMax(qkRow); rm > mIj {
				mIj = rm
			}
			var lIj float32
			for c := 0; c < blockN; c++ {
				p := exp2f(qkRow[c] - mIj)
				qkRow[c] = p
				lIj += p
			}
			if ka.enableDropout {
				rowOff := batchPhilox + uint64(startM*blockM+r)*uint64(seqlenK) + uint64(startN)
				for c := 0; c < blockN; c++ {
					keep := dropoutKeep(ka.philoxSeed, rowOff+uint64(c), ka.dropoutP)
					if encPtr != nil {
						if keep {
							st.eTile[r*blockN+c] = qkRow[c]
						} else {
							st.eTile[r*blockN+c] = -qkRow[c]
						}
					}
					if !keep {
						qkRow[c] = 0
					}
				}
			} else if encPtr != nil {
				copy(st.eTile[r*blockN:(r+1)*blockN], qkRow)
			}

			alpha := exp2f(st.m[r] - mIj)
			simd.Scale(alpha, st.acc[r*dModel:(r+1)*dModel])
			st.l[r] = st.l[r]*alpha + lIj
			st.m[r] = mIj
		}

		if encPtr != nil {
			encPtr.store(st.eTile, blockM, blockN)
		}

		if !ka.preloadV {
			vPtr.load(st.vTile, blockN, dModel)
		}

		// acc += p . V
		for r := 0; r < blockM; r++ {
			accRow := st.acc[r*dModel : (r+1)*dModel]
			qkRow := st.qk[r*blockN : (r+1)*blockN]
			for c := 0; c < blockN; c++ {
				if p := qkRow[c]; p != 0 {
					simd.Axpy(p, st.vTile[c*dModel:(c+1)*dModel], accRow)
				}
			}
		}

		kPtr.advance(blockN, 0)
		vPtr.advance(blockN, 0)
		if biasPtr != nil {
			biasPtr.advance(0, blockN)
		}
		if encPtr != nil {
			encPtr.advance(0, blockN)
		}
	}
}
