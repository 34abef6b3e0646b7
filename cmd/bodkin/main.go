package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/arrowio"
	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var (
	batch       = flag.Int("batch", 2, "Batch size")
	heads       = flag.Int("heads", 8, "Number of query heads")
	headsKV     = flag.Int("heads-kv", 0, "Number of key/value heads (0 = same as -heads)")
	seqQ        = flag.Int("seq-q", 512, "Query sequence length")
	seqK        = flag.Int("seq-k", 0, "Key sequence length (0 = same as -seq-q)")
	headDim     = flag.Int("head-dim", 64, "Head dimension")
	causal      = flag.Bool("causal", false, "Apply the causal mask")
	dropoutP    = flag.Float64("dropout", 0, "Dropout probability")
	smScale     = flag.Float64("scale", 0, "Softmax scale (0 = 1/sqrt(head-dim))")
	blockM      = flag.Int("block-m", 64, "Query tile size")
	blockN      = flag.Int("block-n", 32, "Key tile size")
	workers     = flag.Int("workers", 0, "Worker goroutines (0 = NumCPU)")
	seed        = flag.Int64("seed", 1, "RNG seed for the input tensors")
	qFile       = flag.String("q-file", "", "Load Q from an Arrow IPC stream instead of random data")
	kFile       = flag.String("k-file", "", "Load K from an Arrow IPC stream instead of random data")
	vFile       = flag.String("v-file", "", "Load V from an Arrow IPC stream instead of random data")
	outFile     = flag.String("out-file", "", "Write the output tensor as an Arrow IPC stream")
	verify      = flag.Bool("verify", false, "Check the output against the two-pass reference")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics (empty = off)")
)

func randTensor(rng *rand.Rand, name string, dims ...int) *tensor.Tensor {
	t := tensor.NewDense4D(name, dims[0], dims[1], dims[2], dims[3])
	data := t.Data()
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return t
}

func loadTensor(path string) *tensor.Tensor {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()
	t, err := arrowio.ReadTensor(f)
	if err != nil {
		log.Fatalf("Failed to read tensor from %s: %v", path, err)
	}
	return t
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")

	if *headsKV == 0 {
		*headsKV = *heads
	}
	if *seqK == 0 {
		*seqK = *seqQ
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Printf("Metrics serving on %s/metrics", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	cfg := config.Default()
	cfg.BlockM = *blockM
	cfg.BlockN = *blockN
	cfg.NumWorkers = *workers
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid tile config: %v", err)
	}

	var q, k, v *tensor.Tensor
	if *qFile != "" || *kFile != "" || *vFile != "" {
		if *qFile == "" || *kFile == "" || *vFile == "" {
			log.Fatal("-q-file, -k-file and -v-file must be given together")
		}
		q, k, v = loadTensor(*qFile), loadTensor(*kFile), loadTensor(*vFile)
		if q.Rank() != 4 || k.Rank() != 4 {
			log.Fatalf("IPC tensors must be dense 4D, got q rank %d, k rank %d", q.Rank(), k.Rank())
		}
		*batch, *heads, *seqQ, *headDim = q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
		*headsKV, *seqK = k.Dim(1), k.Dim(2)
	} else {
		rng := rand.New(rand.NewSource(*seed))
		q = randTensor(rng, "q", *batch, *heads, *seqQ, *headDim)
		k = randTensor(rng, "k", *batch, *headsKV, *seqK, *headDim)
		v = randTensor(rng, "v", *batch, *headsKV, *seqK, *headDim)
	}

	if *smScale == 0 {
		*smScale = 1 / math.Sqrt(float64(*headDim))
	}
	meta := attention.NewMetaData(float32(*smScale))
	meta.MaxSeqlenQ = *seqQ
	meta.MaxSeqlenK = *seqK
	if *causal {
		meta.NeedCausal()
	}
	if *dropoutP > 0 {
		meta.NeedDropout(float32(*dropoutP), false)
	}

	log.Printf("Running attention: batch=%d heads=%d/%d seq=%dx%d head_dim=%d causal=%v tile=%dx%d",
		*batch, *heads, *headsKV, *seqQ, *seqK, *headDim, *causal, *blockM, *blockN)

	start := time.Now()
	res, err := attention.Forward(q, k, v, meta, cfg)
	if err != nil {
		log.Fatalf("Forward failed: %v", err)
	}
	elapsed := time.Since(start)

	// 4 matmul-equivalent flops per (q, k) pair per feature.
	flops := 4 * float64(*batch) * float64(*heads) * float64(*seqQ) * float64(*seqK) * float64(*headDim)
	log.Printf("Forward complete in %v (%.2f GFLOP/s)", elapsed, flops/elapsed.Seconds()/1e9)

	if info, err := res.Out.ScanForNaN(0); err != nil {
		log.Fatalf("Output validation failed: %v (%d NaNs)", err, info.Count)
	}

	if *outFile != "" {
		f, err := os.Create(*outFile)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", *outFile, err)
		}
		if err := arrowio.WriteTensor(f, res.Out); err != nil {
			log.Fatalf("Failed to write output tensor: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("Failed to close %s: %v", *outFile, err)
		}
		log.Printf("Wrote output tensor to %s", *outFile)
	}

	if *verify {
		if *dropoutP > 0 {
			log.Fatal("-verify needs -dropout 0: the reference has no dropout")
		}
		refOut, _ := attention.Reference(q, k, v, meta)
		var maxDiff float64
		a, b := res.Out.Data(), refOut.Data()
		for i := range a {
			if d := math.Abs(float64(a[i] - b[i])); d > maxDiff {
				maxDiff = d
			}
		}
		fmt.Printf("Max abs diff vs reference: %g\n", maxDiff)
		if maxDiff > 2e-3 {
			fmt.Println("VERIFY FAILED")
			os.Exit(1)
		}
		fmt.Println("VERIFY OK")
	}
}
