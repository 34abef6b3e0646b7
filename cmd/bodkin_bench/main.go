package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var (
	batch   = flag.Int("batch", 2, "Batch size")
	heads   = flag.Int("heads", 8, "Number of heads")
	seqLen  = flag.Int("seq", 1024, "Sequence length")
	headDim = flag.Int("head-dim", 64, "Head dimension")
	causal  = flag.Bool("causal", true, "Apply the causal mask")
	iters   = flag.Int("iters", 3, "Timed iterations per tile config")
)

func main() {
	flag.Parse()
	logger.Setup("warn", "console")

	rng := rand.New(rand.NewSource(1))
	mk := func(name string) *tensor.Tensor {
		t := tensor.NewDense4D(name, *batch, *heads, *seqLen, *headDim)
		data := t.Data()
		for i := range data {
			data[i] = rng.Float32()*2 - 1
		}
		return t
	}
	q, k, v := mk("q"), mk("k"), mk("v")

	meta := attention.NewMetaData(float32(1 / math.Sqrt(float64(*headDim))))
	meta.MaxSeqlenQ = *seqLen
	meta.MaxSeqlenK = *seqLen
	if *causal {
		meta.NeedCausal()
	}

	flops := 4 * float64(*batch) * float64(*heads) * float64(*seqLen) * float64(*seqLen) * float64(*headDim)
	if *causal {
		flops /= 2
	}

	fmt.Printf("Sweeping tile configs: batch=%d heads=%d seq=%d head_dim=%d causal=%v\n",
		*batch, *heads, *seqLen, *headDim, *causal)

	var best config.TileConfig
	bestTime := time.Duration(math.MaxInt64)
	for _, tc := range config.SweepSpace() {
		cfg := config.Default()
		cfg.BlockM = tc.BlockM
		cfg.BlockN = tc.BlockN
		cfg.PreloadV = tc.PreloadV

		// Warmup run, then take the best of the timed iterations.
		if _, err := attention.Forward(q, k, v, meta, cfg); err != nil {
			log.Fatalf("Forward failed for %dx%d: %v", tc.BlockM, tc.BlockN, err)
		}
		fastest := time.Duration(math.MaxInt64)
		for i := 0; i < *iters; i++ {
			start := time.Now()
			if _, err := attention.Forward(q, k, v, meta, cfg); err != nil {
				log.Fatalf("Forward failed for %dx%d: %v", tc.BlockM, tc.BlockN, err)
			}
			if d := time.Since(start); d < fastest {
				fastest = d
			}
		}

		fmt.Printf("  block_m=%3d block_n=%3d preload_v=%-5v  %10v  %7.2f GFLOP/s\n",
			tc.BlockM, tc.BlockN, tc.PreloadV, fastest, flops/fastest.Seconds()/1e9)
		if fastest < bestTime {
			bestTime = fastest
			best = tc
		}
	}

	fmt.Printf("Best: block_m=%d block_n=%d preload_v=%v (%v)\n",
		best.BlockM, best.BlockN, best.PreloadV, bestTime)
}
