package attention

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Reference computes naive two-pass attention for dense 4D tensors:
// softmax(QK^T*scale + bias + alibi)V with the same masking contracts
// as the tiled kernel, materializing the full score matrix. It exists
// to validate the kernel; float64 accumulation keeps it trustworthy as
// a baseline. Dropout is not applied here; dropout runs are compared
// in expectation.
func Reference(q, k, v *tensor.Tensor, meta *MetaData) (*tensor.Tensor, *tensor.Tensor) {
	batch, headsQ, seqlenQ, headDim := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	headsK, seqlenK := k.Dim(1), k.Dim(2)

	out := tensor.NewDense4D("ref_out", batch, headsQ, seqlenQ, headDim)
	lseData := make([]float32, batch*headsQ*seqlenQ)
	lse, _ := tensor.FromData("ref_lse", lseData, batch, headsQ, seqlenQ)

	shift := seqlenQ - seqlenK
	scores := make([]float64, seqlenK)

	for z := 0; z < batch; z++ {
		for h := 0; h < headsQ; h++ {
			hk := h
			if headsQ != headsK {
				hk = h % headsK
			}
			var slope float64
			if meta.AlibiSlopes != nil {
				s := meta.AlibiSlopes
				slope = float64(s.Data()[z*s.Stride(0)+h*s.Stride(1)])
			}
			for m := 0; m < seqlenQ; m++ {
				visible := 0
				for j := 0; j < seqlenK; j++ {
					if meta.Causal && m < j+shift {
						scores[j] = math.Inf(-1)
						continue
					}
					var dot float64
					for d := 0; d < headDim; d++ {
						dot += float64(q.At(z, h, m, d)) * float64(k.At(z, hk, j, d))
					}
					s := dot * float64(meta.SMScale)
					if meta.Bias != nil {
						s += float64(meta.Bias.At(0, h, m, j))
					}
					if meta.AlibiSlopes != nil {
						rel := m + seqlenK - j - seqlenQ
						if rel < 0 {
							rel = -rel
						}
						s -= slope * float64(rel)
					}
					scores[j] = s
					visible++
				}

				lseIdx := (z*headsQ+h)*seqlenQ + m
				if visible == 0 {
					// Empty causal window: zero row, +Inf normalizer.
					lseData[lseIdx] = posInf
					continue
				}

				maxS := math.Inf(-1)
				for _, s := range scores {
					if s > maxS {
						maxS = s
					}
				}
				var sum float64
				for j := 0; j < seqlenK; j++ {
					scores[j] = math.Exp(scores[j] - maxS)
					sum += scores[j]
				}
				for d := 0; d < headDim; d++ {
					var acc float64
					for j := 0; j < seqlenK; j++ {
						acc += scores[j] * float64(v.At(z, hk, j, d))
					}
					out.Set(z, h, m, d, float32(acc/sum))
				}
				// The kernel keeps its normalizer in the base-2 scaled
				// domain, so convert for comparison.
				lseData[lseIdx] = float32((maxS + math.Log(sum)) * log2e)
			}
		}
	}
	return out, lse
}
