package attention

import (
	"math"
	"math/rand"
	"testing"
)

func TestDropout_DeterministicForSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(37))
	q := randDense4D(t, rng, "q", 1, 2, 64, 32)
	k := randDense4D(t, rng, "k", 1, 2, 64, 32)
	v := randDense4D(t, rng, "v", 1, 2, 64, 32)

	run := func(seed uint64) []float32 {
		meta := NewMetaData(0.125)
		meta.MaxSeqlenQ = 64
		meta.MaxSeqlenK = 64
		meta.NeedDropout(0.5, false)
		meta.SeedDropout(seed, 0)
		res, err := Forward(q, k, v, meta, testConfig(32, 32))
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		return res.Out.Data()
	}

	a := run(101)
	b := run(101)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed diverged at %d: %f vs %f", i, a[i], b[i])
		}
	}

	c := run(102)
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds produced identical outputs")
	}
}

// Dropout zeroes positions before normalization but the normalizer is
// computed from the full probability row, so with the 1/(1-p) rescale
// the mean over seeds converges to the no-dropout output.
func TestDropout_UnbiasedOverSeeds(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	const seqLen, headDim, trials = 32, 32, 300
	q := randDense4D(t, rng, "q", 1, 1, seqLen, headDim)
	k := randDense4D(t, rng, "k", 1, 1, seqLen, headDim)
	v := randDense4D(t, rng, "v", 1, 1, seqLen, headDim)

	base := NewMetaData(0.125)
	base.MaxSeqlenQ = seqLen
	base.MaxSeqlenK = seqLen
	baseline, err := Forward(q, k, v, base, testConfig(32, 32))
	if err != nil {
		t.Fatalf("baseline Forward failed: %v", err)
	}

	sum := make([]float64, seqLen*headDim)
	for trial := 0; trial < trials; trial++ {
		meta := NewMetaData(0.125)
		meta.MaxSeqlenQ = seqLen
		meta.MaxSeqlenK = seqLen
		meta.NeedDropout(0.5, false)
		meta.SeedDropout(uint64(trial)*7919+1, 0)
		res, err := Forward(q, k, v, meta, testConfig(32, 32))
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		for i, x := range res.Out.Data() {
			sum[i] += float64(x)
		}
	}

	worst := 0.0
	for i, s := range sum {
		diff := math.Abs(s/trials - float64(baseline.Out.Data()[i]))
		if diff > worst {
			worst = diff
		}
	}
	t.Logf("worst mean deviation over %d trials: %f", trials, worst)
	if worst > 0.06 {
		t.Errorf("dropout mean deviates from baseline by %f", worst)
	}
}

func TestDropout_EncodedSoftmaxSigns(t *testing.T) {
	rng := rand.New(rand.NewSource(43))
	const seqLen = 64
	q := randDense4D(t, rng, "q", 1, 1, seqLen, 32)
	k := randDense4D(t, rng, "k", 1, 1, seqLen, 32)
	v := randDense4D(t, rng, "v", 1, 1, seqLen, 32)

	meta := NewMetaData(0.125)
	meta.MaxSeqlenQ = seqLen
	meta.MaxSeqlenK = seqLen
	meta.NeedDropout(0.5, true)
	res, err := Forward(q, k, v, meta, testConfig(32, 32))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if res.Scores == nil {
		t.Fatal("encoded softmax requested but Scores is nil")
	}

	negatives, total := 0, 0
	for _, x := range res.Scores.Data() {
		if math.Abs(float64(x)) > 1+1e-6 {
			t.Fatalf("encoded probability magnitude %f exceeds 1", x)
		}
		if x == 0 {
			continue
		}
		total++
		if x < 0 {
			negatives++
		}
	}
	if total == 0 {
		t.Fatal("encoded softmax is all zeros")
	}
	frac := float64(negatives) / float64(total)
	t.Logf("dropped fraction %f over %d entries", frac, total)
	if math.Abs(frac-0.5) > 0.05 {
		t.Errorf("dropped fraction %f not near dropout probability 0.5", frac)
	}
}

func TestDropout_ZeroProbabilityMatchesBaseline(t *testing.T) {
	rng := rand.New(rand.NewSource(47))
	q := randDense4D(t, rng, "q", 1, 2, 48, 32)
	k := randDense4D(t, rng, "k", 1, 2, 48, 32)
	v := randDense4D(t, rng, "v", 1, 2, 48, 32)

	base := NewMetaData(0.125)
	base.MaxSeqlenQ = 48
	base.MaxSeqlenK = 48
	want, err := Forward(q, k, v, base, testConfig(32, 32))
	if err != nil {
		t.Fatal(err)
	}

	meta := NewMetaData(0.125)
	meta.MaxSeqlenQ = 48
	meta.MaxSeqlenK = 48
	meta.NeedDropout(0, true)
	got, err := Forward(q, k, v, meta, testConfig(32, 32))
	if err != nil {
		t.Fatal(err)
	}
	if d, i := maxAbsDiff(got.Out.Data(), want.Out.Data()); d > 0 {
		t.Errorf("p=0 dropout changed output by %f at %d", d, i)
	}
	for _, x := range got.Scores.Data() {
		if x < 0 {
			t.Fatal("p=0 encoded softmax has negative entries")
		}
	}
}
