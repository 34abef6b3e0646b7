package attention

import (
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Result bundles the tensors a forward launch produces.
type Result struct {
	// Out has the same logical shape as Q.
	Out *tensor.Tensor
	// LSE holds one log normalizer per (batch, head, query position),
	// +Inf where a query row is entirely masked.
	LSE *tensor.Tensor
	// Scores is the optional signed encoded-softmax diagnostic tensor
	// (batch, headsQ, seqlenQ, seqlenK); nil unless requested. Debug
	// and test use only.
	Scores *tensor.Tensor
}

// Forward runs tiled single-pass attention over Q, K, V as described by
// meta, dispatching one program per (query tile, head, batch) grid
// coordinate across cfg.Workers() goroutines. All preconditions are
// checked before anything is scheduled; an error here means nothing
// ran.
func Forward(q, k, v *tensor.Tensor, meta *MetaData, cfg config.Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		metrics.RecordValidationError("config")
		return nil, fmt.Errorf("attention config: %w", err)
	}

	var out *tensor.Tensor
	if meta.Varlen {
		if q.Rank() != 3 {
			metrics.RecordValidationError("rank")
			return nil, fmt.Errorf("packed tensors must be 3D, got rank %d", q.Rank())
		}
		out = tensor.NewPacked3D("out", q.Dim(0), q.Dim(1), q.Dim(2))
	} else {
		if q.Rank() != 4 {
			metrics.RecordValidationError("rank")
			return nil, fmt.Errorf("dense tensors must be 4D, got rank %d", q.Rank())
		}
		out = tensor.NewDense4D("out", q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3))
	}
	if err := meta.CheckArgs(q, k, v, out); err != nil {
		metrics.RecordValidationError("check_args")
		return nil, fmt.Errorf("attention preconditions: %w", err)
	}

	seed, offset := meta.rngPair()
	ka := &kernelArgs{
		q:             q.Data(),
		k:             k.Data(),
		v:             v.Data(),
		out:           out.Data(),
		smScale:       meta.SMScale,
		dropoutP:      meta.DropoutP,
		philoxSeed:    seed,
		philoxOffset:  offset,
		blockM:        cfg.BlockM,
		blockN:        cfg.BlockN,
		varlen:        meta.Varlen,
		causal:        meta.Causal,
		preloadV:      cfg.PreloadV,
		enableDropout: meta.DropoutP > 0,
		useBias:       meta.Bias != nil,
		useAlibi:      meta.AlibiSlopes != nil,
	}

	var batch int
	mode := "dense"
	if meta.Varlen {
		mode = "varlen"
		batch = meta.NumContexts
		ka.hq, ka.hk = q.Dim(1), k.Dim(1)
		ka.actualHeadDim = q.Dim(2)
		ka.cuSeqlensQ, ka.cuSeqlensK = meta.CuSeqlensQ, meta.CuSeqlensK
		ka.maxSeqlenQ, ka.maxSeqlenK = meta.MaxSeqlenQ, meta.MaxSeqlenK
		// Packed layout has no batch axis; the offset tables select the
		// sequence, so the batch stride is zero.
		ka.strideQZ, ka.strideQH, ka.strideQM, ka.strideQK = 0, q.Stride(1), q.Stride(0), q.Stride(2)
		ka.strideKZ, ka.strideKH, ka.strideKN, ka.strideKK = 0, k.Stride(1), k.Stride(0), k.Stride(2)
		ka.strideVZ, ka.strideVH, ka.strideVK, ka.strideVN = 0, v.Stride(1), v.Stride(0), v.Stride(2)
		ka.strideOZ, ka.strideOH, ka.strideOM, ka.strideON = 0, out.Stride(1), out.Stride(0), out.Stride(2)
	} else {
		batch = q.Dim(0)
		ka.hq, ka.hk = q.Dim(1), k.Dim(1)
		ka.actualHeadDim = q.Dim(3)
		ka.maxSeqlenQ, ka.maxSeqlenK = meta.MaxSeqlenQ, meta.MaxSeqlenK
		ka.strideQZ, ka.strideQH, ka.strideQM, ka.strideQK = q.Stride(0), q.Stride(1), q.Stride(2), q.Stride(3)
		ka.strideKZ, ka.strideKH, ka.strideKN, ka.strideKK = k.Stride(0), k.Stride(1), k.Stride(2), k.Stride(3)
		ka.strideVZ, ka.strideVH, ka.strideVK, ka.strideVN = v.Stride(0), v.Stride(1), v.Stride(2), v.Stride(3)
		ka.strideOZ, ka.strideOH, ka.strideOM, ka.strideON = out.Stride(0), out.Stride(1), out.Stride(2), out.Stride(3)
	}

	padded, err := paddedHeadDim(ka.actualHeadDim)
	if err != nil {
		metrics.RecordValidationError("head_dim")
		return nil, err
	}
	ka.headDimPadded = padded
	if padded != ka.actualHeadDim {
		metrics.HeadDimPadded.Inc()
	}
	metrics.GQARatio.Observe(float64(ka.hq) / float64(ka.hk))

	if meta.Bias != nil {
		ka.bias = meta.Bias.Data()
		ka.strideBZ, ka.strideBH = meta.Bias.Stride(0), meta.Bias.Stride(1)
		ka.strideBM, ka.strideBN = meta.Bias.Stride(2), meta.Bias.Stride(3)
	}
	if meta.AlibiSlopes != nil {
		ka.alibi = meta.AlibiSlopes.Data()
		ka.strideAZ, ka.strideAH = meta.AlibiSlopes.Stride(0), meta.AlibiSlopes.Stride(1)
	}

	lseData := make([]float32, batch*ka.hq*ka.maxSeqlenQ)
	lse, err := tensor.FromData("lse", lseData, batch, ka.hq, ka.maxSeqlenQ)
	if err != nil {
		return nil, err
	}
	ka.lse = lseData

	var scores *tensor.Tensor
	if meta.ReturnScores {
		encData := make([]float32, batch*ka.hq*ka.maxSeqlenQ*ka.maxSeqlenK)
		scores, err = tensor.FromData("encoded_softmax", encData,
			batch, ka.hq, ka.maxSeqlenQ, ka.maxSeqlenK)
		if err != nil {
			return nil, err
		}
		ka.enc = encData
	}

	gridM := cdiv(ka.maxSeqlenQ, ka.blockM)
	programs := gridM * ka.hq * batch

	logger.Log.Debug("attention launch",
		"mode", mode,
		"grid_m", gridM,
		"heads_q", ka.hq,
		"heads_k", ka.hk,
		"batch", batch,
		"block_m", ka.blockM,
		"block_n", ka.blockN,
		"head_dim", ka.actualHeadDim,
		"head_dim_padded", ka.headDimPadded,
		"causal", ka.causal,
		"dropout_p", ka.dropoutP)

	start := time.Now()
	parallelism := cfg.Workers()
	chunkSize := (programs + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for i := 0; i < programs; i += chunkSize {
		end := i + chunkSize
		if end > programs {
			end = programs
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for p := lo; p < hi; p++ {
				startM := p % gridM
				offHQ := (p / gridM) % ka.hq
				offZ := p / (gridM * ka.hq)
				ka.program(startM, offHQ, offZ)
			}
		}(i, end)
	}
	wg.Wait()
	metrics.ObserveLaunch(mode, programs, time.Since(start))

	return &Result{Out: out, LSE: lse, Scores: scores}, nil
}
