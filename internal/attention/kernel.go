package attention

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// kernelArgs is the flattened launch argument block consumed by every
// grid program: raw data slices, per-axis element strides, and the
// compile-time-style constants. Programs share it read-only; each
// program writes a disjoint region of out/lse.
type kernelArgs struct {
	q, k, v []float32
	out     []float32
	lse     []float32
	bias    []float32
	alibi   []float32
	enc     []float32

	strideQZ, strideQH, strideQM, strideQK int
	strideKZ, strideKH, strideKN, strideKK int
	strideVZ, strideVH, strideVK, strideVN int
	strideOZ, strideOH, strideOM, strideON int
	strideBZ, strideBH, strideBM, strideBN int
	strideAZ, strideAH                     int

	cuSeqlensQ []int
	cuSeqlensK []int

	smScale      float32
	dropoutP     float32
	philoxSeed   uint64
	philoxOffset uint64

	hq, hk                 int
	maxSeqlenQ, maxSeqlenK int
	actualHeadDim          int
	headDimPadded          int
	blockM, blockN         int

	varlen        bool
	causal        bool
	preloadV      bool
	enableDropout bool
	useBias       bool
	useAlibi      bool
}

func cdiv(x, y int) int {
	return (x + y - 1) / y
}

// program computes one (query tile, head, batch) grid coordinate, from
// bounds resolution through the epilogue. Every terminal path writes
// this program's output region exactly once.
func (ka *kernelArgs) program(startM, offHQ, offZ int) {
	blockM, blockN, dModel := ka.blockM, ka.blockN, ka.headDimPadded

	// Bounds resolution.
	var cuQStart, cuKStart int
	seqlenQ, seqlenK := ka.maxSeqlenQ, ka.maxSeqlenK
	if ka.varlen {
		cuQStart = ka.cuSeqlensQ[offZ]
		seqlenQ = ka.cuSeqlensQ[offZ+1] - cuQStart
		// The grid is sized for the longest sequence; shorter ones own
		// no rows at this tile offset.
		if startM*blockM > seqlenQ {
			metrics.ProgramEarlyExits.WithLabelValues("varlen_bounds").Inc()
			return
		}
		cuKStart = ka.cuSeqlensK[offZ]
		seqlenK = ka.cuSeqlensK[offZ+1] - cuKStart
		// A sequence with no keys has every query row fully masked.
		if seqlenK == 0 {
			ka.writeMaskedTile(startM, offHQ, offZ, cuQStart, seqlenQ)
			metrics.ProgramEarlyExits.WithLabelValues("empty_keys").Inc()
			return
		}
	}

	// Causal short-circuit. With unequal lengths the causal boundary is
	// bottom-right aligned, so a query tile can sit entirely above it
	// and legitimately attend to nothing.
	nBlocks := cdiv(seqlenK, blockN)
	if ka.causal {
		rect := (startM+1)*blockM + seqlenK - seqlenQ
		nBlocksSeqlen := 0
		if rect > 0 {
			nBlocksSeqlen = cdiv(rect, blockN)
		}
		if nBlocksSeqlen < nBlocks {
			nBlocks = nBlocksSeqlen
		}
		if nBlocks <= 0 {
			ka.writeMaskedTile(startM, offHQ, offZ, cuQStart, seqlenQ)
			metrics.ProgramEarlyExits.WithLabelValues("causal_empty").Inc()
			return
		}
	}

	// Grouped-head resolution: modulo mapping for MQA/GQA.
	offHK := offHQ
	if ka.hq != ka.hk {
		offHK = offHQ % ka.hk
	}

	nExtraTokens := 0
	if seqlenK < blockN {
		nExtraTokens = blockN - seqlenK
	} else if seqlenK%blockN != 0 {
		nExtraTokens = seqlenK % blockN
	}

	qPtr := newBlockPtr(ka.q,
		offZ*ka.strideQZ+offHQ*ka.strideQH+cuQStart*ka.strideQM,
		seqlenQ, ka.actualHeadDim, ka.strideQM, ka.strideQK,
		startM*blockM, 0)
	kPtr := newBlockPtr(ka.k,
		offZ*ka.strideKZ+offHK*ka.strideKH+cuKStart*ka.strideKN,
		seqlenK, ka.actualHeadDim, ka.strideKN, ka.strideKK,
		0, 0)
	vPtr := newBlockPtr(ka.v,
		offZ*ka.strideVZ+offHK*ka.strideVH+cuKStart*ka.strideVK,
		seqlenK, ka.actualHeadDim, ka.strideVK, ka.strideVN,
		0, 0)

	var biasPtr *blockPtr
	if ka.useBias {
		biasPtr = newBlockPtr(ka.bias,
			offHQ*ka.strideBH,
			seqlenQ, seqlenK, ka.strideBM, ka.strideBN,
			startM*blockM, 0)
	}

	var alibiSlope float32
	if ka.useAlibi {
		alibiSlope = ka.alibi[offZ*ka.strideAZ+offHQ*ka.strideAH]
	}

	var batchPhilox uint64
	if ka.enableDropout {
		batchPhilox = ka.philoxOffset + uint64(offZ*ka.hq+offHQ)*uint64(seqlenQ)*uint64(seqlenK)
	}

	var encPtr *blockPtr
	if ka.enc != nil {
		encPtr = newBlockPtr(ka.enc,
			(offZ*ka.hq+offHQ)*seqlenQ*seqlenK,
			seqlenQ, seqlenK, seqlenK, 1,
			startM*blockM, 0)
	}

	// Query load and pre-scale into the base-2 domain. Loaded once,
	// shared by every key/value tile.
	st := newTileState(blockM, blockN, dModel)
	qPtr.load(st.q, blockM, dModel)
	simd.Scale(ka.smScale*log2e, st.q)

	// Tile-count partition: trailing tiles that need boundary or causal
	// masking, everything before them runs maskless.
	paddedBlockK := nExtraTokens != 0
	isModuloMN := !paddedBlockK && seqlenQ%blockM == 0
	maskedBlocks := 0
	if ka.causal {
		maskedBlocks = blockM / blockN
		if !isModuloMN {
			maskedBlocks++
		}
	} else if paddedBlockK {
		maskedBlocks = 1
	}
	if maskedBlocks > nBlocks {
		maskedBlocks = nBlocks
	}
	nFullBlocks := nBlocks - maskedBlocks

	blockMin, blockMax := 0, nBlocks*blockN
	if nFullBlocks > 0 {
		blockMax = nFullBlocks * blockN
		ka.innerLoop(st, kPtr, vPtr, biasPtr, encPtr,
			startM, seqlenQ, seqlenK, blockMin, blockMax,
			0, 0, alibiSlope, false, false, batchPhilox)
		blockMin = blockMax
		blockMax = nBlocks * blockN
	}
	if maskedBlocks > 0 {
		causalShift := 0
		if ka.causal {
			causalShift = seqlenQ - seqlenK
		}
		ka.innerLoop(st, kPtr, vPtr, biasPtr, encPtr,
			startM, seqlenQ, seqlenK, blockMin, blockMax,
			causalShift, nExtraTokens, alibiSlope, ka.causal, true, batchPhilox)
	}

	ka.epilogue(st, startM, offHQ, offZ, cuQStart, seqlenQ, seqlenK)
}

// writeMaskedTile is the all-masked terminal state, reached when the
// causal window is empty or a packed sequence has no keys: a zero
// output tile plus +Inf log-sum-exp for every row, so a later gradient
// pass sees exp(qk - Inf) = 0 for the whole tile.
func (ka *kernelArgs) writeMaskedTile(startM, offHQ, offZ, cuQStart, seqlenQ int) {
	blockM, dModel := ka.blockM, ka.headDimPadded
	oPtr := newBlockPtr(ka.out,
		offZ*ka.strideOZ+cuQStart*ka.strideOM+offHQ*ka.strideOH,
		seqlenQ, ka.actualHeadDim, ka.strideOM, ka.strideON,
		startM*blockM, 0)
	oPtr.storeConst(0, blockM, dModel)

	lBase := (offZ*ka.hq + offHQ) * ka.maxSeqlenQ
	rows := 0
	for r := 0; r < blockM; r++ {
		m := startM*blockM + r
		if m >= ka.maxSeqlenQ {
			break
		}
		ka.lse[lBase+m] = posInf
		rows++
	}
	metrics.MaskedRowsTotal.Add(float64(rows))
}

// epilogue normalizes the accumulator, corrects all-masked NaN rows,
// and writes the output tile and log-sum-exp vector with boundary
// checks.
func (ka *kernelArgs) epilogue(st *tileState, startM, offHQ, offZ, cuQStart, seqlenQ, seqlenK int) {
	blockM, dModel := ka.blockM, ka.headDimPadded

	invKeep := float32(1)
	if ka.enableDropout {
		invKeep = 1 / (1 - ka.dropoutP)
	}
	for r := 0; r < blockM; r++ {
		simd.Scale(invKeep/st.l[r], st.acc[r*dModel:(r+1)*dModel])
	}

	startMIdx := startM * blockM
	endMIdx := startMIdx + blockM

	// When seqlenQ > seqlenK by a non-tile-aligned amount, the rows
	// above the causal start computed softmax over all -Inf logits and
	// hold NaN. Those rows are defined to be zero with +Inf
	// log-sum-exp, so force them rather than propagate.
	causalStartIdx := seqlenQ - seqlenK
	nanRows := 0
	if ka.causal && causalStartIdx > startMIdx && causalStartIdx < endMIdx {
		for r := 0; r < blockM; r++ {
			if startMIdx+r >= causalStartIdx {
				break
			}
			row := st.acc[r*dModel : (r+1)*dModel]
			if math.IsNaN(float64(st.l[r])) || math.IsNaN(float64(row[0])) {
				nanRows++
			}
			for c := range row {
				row[c] = 0
			}
			st.m[r] = posInf
			st.l[r] = 1 // makes the LSE write below come out as +Inf
		}
	}
	if nanRows > 0 {
		metrics.NaNRowsCorrected.Add(float64(nanRows))
		metrics.MaskedRowsTotal.Add(float64(nanRows))
	}

	// Log-sum-exp write: m + log2(l), masking out rows past the true
	// query length.
	lBase := (offZ*ka.hq + offHQ) * ka.maxSeqlenQ
	for r := 0; r < blockM; r++ {
		m := startMIdx + r
		if m >= seqlenQ || m >= ka.maxSeqlenQ {
			break
		}
		ka.lse[lBase+m] = st.m[r] + float32(math.Log2(float64(st.l[r])))
	}

	// Output write, bounded on both axes so head padding and the last
	// partial tile never escape the tensor's true extent.
	oPtr := newBlockPtr(ka.out,
		offZ*ka.strideOZ+cuQStart*ka.strideOM+offHQ*ka.strideOH,
		seqlenQ, ka.actualHeadDim, ka.strideOM, ka.strideON,
		startMIdx, 0)
	oPtr.store(st.acc, blockM, dModel)
}
