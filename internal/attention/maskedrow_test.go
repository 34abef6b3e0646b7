package attention

import (
	"math"
	"math/rand"
	"testing"
)

// Causal masking with far more queries than keys leaves leading query
// rows with an empty attention window. Those rows must come back as
// exact zeros with a +Inf log normalizer, both from the early-exit path
// (whole tiles above the boundary) and from the in-tile correction.
func TestCausal_EmptyWindowRows(t *testing.T) {
	cases := []struct {
		name   string
		seqQ   int
		seqK   int
		blockM int
		blockN int
	}{
		{"early_exit_tiles", 70, 3, 64, 32},
		{"in_tile_boundary", 33, 32, 64, 32},
		{"single_key", 96, 1, 32, 32},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(59))
			const heads, headDim = 2, 32
			q := randDense4D(t, rng, "q", 1, heads, tc.seqQ, headDim)
			k := randDense4D(t, rng, "k", 1, heads, tc.seqK, headDim)
			v := randDense4D(t, rng, "v", 1, heads, tc.seqK, headDim)

			meta := NewMetaData(0.125)
			meta.MaxSeqlenQ = tc.seqQ
			meta.MaxSeqlenK = tc.seqK
			meta.NeedCausal()
			res, err := Forward(q, k, v, meta, testConfig(tc.blockM, tc.blockN))
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}

			shift := tc.seqQ - tc.seqK
			for h := 0; h < heads; h++ {
				for m := 0; m < tc.seqQ; m++ {
					lse := res.LSE.Data()[h*tc.seqQ+m]
					if m < shift {
						for d := 0; d < headDim; d++ {
							if got := res.Out.At(0, h, m, d); got != 0 {
								t.Fatalf("head=%d row=%d dim=%d: empty-window output %f, want 0",
									h, m, d, got)
							}
						}
						if !math.IsInf(float64(lse), 1) {
							t.Fatalf("head=%d row=%d: empty-window LSE %f, want +Inf", h, m, lse)
						}
					} else {
						if math.IsInf(float64(lse), 0) || math.IsNaN(float64(lse)) {
							t.Fatalf("head=%d row=%d: live row has LSE %f", h, m, lse)
						}
					}
				}
			}

			// Live rows still match the reference.
			refOut, refLSE := Reference(q, k, v, meta)
			for h := 0; h < heads; h++ {
				for m := shift; m < tc.seqQ; m++ {
					for d := 0; d < headDim; d++ {
						got := res.Out.At(0, h, m, d)
						want := refOut.At(0, h, m, d)
						if diff := math.Abs(float64(got - want)); diff > fwdTol {
							t.Fatalf("head=%d row=%d dim=%d: got %f, want %f", h, m, d, got, want)
						}
					}
					gotLSE := res.LSE.Data()[h*tc.seqQ+m]
					wantLSE := refLSE.Data()[h*tc.seqQ+m]
					if diff := math.Abs(float64(gotLSE - wantLSE)); diff > fwdTol {
						t.Fatalf("head=%d row=%d: LSE got %f, want %f", h, m, gotLSE, wantLSE)
					}
				}
			}
		})
	}
}
