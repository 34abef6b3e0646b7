package attention

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Fixed seed pair for the dropout counter RNG so repeated runs are
// reproducible.
const (
	philoxSeed       uint64 = 0x1BF52
	philoxOffsetBase uint64 = 0x1D4B42
)

// MaxHeadDim is the largest supported head dimension. Anything above
// this is rejected at configuration time.
const MaxHeadDim = 128

// MetaData is the immutable per-call problem descriptor: masking
// regime, softmax scale, optional bias/alibi terms, dropout, and the
// varlen offset tables with their derived maximum sequence lengths.
type MetaData struct {
	SMScale      float32
	Causal       bool
	DropoutP     float32
	ReturnScores bool

	// Bias is an optional additive score bias, shape
	// (1, heads, seqlenQ, seqlenK), broadcast over batch.
	Bias *tensor.Tensor

	// AlibiSlopes is an optional per-(batch, head) decay slope table.
	AlibiSlopes *tensor.Tensor

	Varlen      bool
	CuSeqlensQ  []int
	CuSeqlensK  []int
	NumContexts int

	MaxSeqlenQ int
	MaxSeqlenK int

	dropoutSeed   uint64
	dropoutOffset uint64
	seeded        bool
}

func NewMetaData(smScale float32) *MetaData {
	return &MetaData{SMScale: smScale}
}

// SetVarlenParams switches the descriptor to packed varlen mode and
// derives per-batch maximum sequence lengths from the offset tables.
func (m *MetaData) SetVarlenParams(cuSeqlensQ, cuSeqlensK []int) error {
	if err := tensor.ValidateOffsets("cu_seqlens_q", cuSeqlensQ); err != nil {
		return err
	}
	if err := tensor.ValidateOffsets("cu_seqlens_k", cuSeqlensK); err != nil {
		return err
	}
	if len(cuSeqlensQ) != len(cuSeqlensK) {
		return fmt.Errorf("offset table length mismatch: cu_seqlens_q has %d entries, cu_seqlens_k has %d",
			len(cuSeqlensQ), len(cuSeqlensK))
	}
	m.Varlen = true
	m.CuSeqlensQ = cuSeqlensQ
	m.CuSeqlensK = cuSeqlensK
	m.NumContexts = len(cuSeqlensQ) - 1
	m.MaxSeqlenQ = 0
	m.MaxSeqlenK = 0
	for i := 0; i < m.NumContexts; i++ {
		if n := cuSeqlensQ[i+1] - cuSeqlensQ[i]; n > m.MaxSeqlenQ {
			m.MaxSeqlenQ = n
		}
		if n := cuSeqlensK[i+1] - cuSeqlensK[i]; n > m.MaxSeqlenK {
			m.MaxSeqlenK = n
		}
	}
	return nil
}

// NeedBias attaches an additive score bias. The bias must be 4D with a
// broadcast batch axis of size 1 and trailing (seqlenQ, seqlenK) dims.
func (m *MetaData) NeedBias(bias *tensor.Tensor, seqlenQ, seqlenK int) error {
	if bias.Rank() != 4 {
		return fmt.Errorf("bias must be 4D, got rank %d", bias.Rank())
	}
	if bias.Dim(0) != 1 {
		return fmt.Errorf("bias batch dim must be 1 (broadcast), got %d", bias.Dim(0))
	}
	if bias.Dim(2) != seqlenQ || bias.Dim(3) != seqlenK {
		return fmt.Errorf("bias trailing dims must be (%d, %d), got (%d, %d)",
			seqlenQ, seqlenK, bias.Dim(2), bias.Dim(3))
	}
	m.Bias = bias
	return nil
}

// NeedAlibi attaches per-(batch, head) alibi decay slopes.
func (m *MetaData) NeedAlibi(slopes *tensor.Tensor, batch, heads int) error {
	if slopes.Rank() != 2 {
		return fmt.Errorf("alibi slopes must be 2D, got rank %d", slopes.Rank())
	}
	if slopes.Dim(0) != batch || slopes.Dim(1) != heads {
		return fmt.Errorf("alibi slopes must be (%d, %d), got (%d, %d)",
			batch, heads, slopes.Dim(0), slopes.Dim(1))
	}
	m.AlibiSlopes = slopes
	return nil
}

func (m *MetaData) NeedCausal() {
	m.Causal = true
}

func (m *MetaData) NeedDropout(p float32, returnScores bool) {
	m.DropoutP = p
	m.ReturnScores = returnScores
}

// SeedDropout overrides the default dropout RNG seed pair. Calls with
// the same pair and problem shape drop the same positions.
func (m *MetaData) SeedDropout(seed, offset uint64) {
	m.dropoutSeed = seed
	m.dropoutOffset = offset
	m.seeded = true
}

// rngPair returns the effective dropout seed and base offset.
func (m *MetaData) rngPair() (uint64, uint64) {
	if m.seeded {
		return m.dropoutSeed, m.dropoutOffset
	}
	return philoxSeed, philoxOffsetBase
}

// CheckArgs enforces every launch precondition. A violation is fatal
// for the call: nothing has been scheduled yet, so nothing is partially
// executed.
func (m *MetaData) CheckArgs(q, k, v, o *tensor.Tensor) error {
	if q.Rank() != k.Rank() || q.Rank() != v.Rank() {
		return fmt.Errorf("rank mismatch: q=%d k=%d v=%d", q.Rank(), k.Rank(), v.Rank())
	}

	var headsQ, headsK, headSize int
	if m.Varlen {
		if q.Rank() != 3 {
			return fmt.Errorf("varlen tensors must be packed 3D, got rank %d", q.Rank())
		}
		if m.CuSeqlensQ == nil || m.CuSeqlensK == nil {
			return errors.New("varlen mode requires both cu_seqlens tables")
		}
		if m.NumContexts < 1 {
			return fmt.Errorf("varlen mode requires at least one context, got %d", m.NumContexts)
		}
		if m.CuSeqlensQ[m.NumContexts] != q.Dim(0) {
			return fmt.Errorf("cu_seqlens_q final offset %d does not match packed length %d",
				m.CuSeqlensQ[m.NumContexts], q.Dim(0))
		}
		if m.CuSeqlensK[m.NumContexts] != k.Dim(0) {
			return fmt.Errorf("cu_seqlens_k final offset %d does not match packed length %d",
				m.CuSeqlensK[m.NumContexts], k.Dim(0))
		}
		if m.Bias != nil {
			return errors.New("bias is not supported in varlen mode")
		}
		if m.DropoutP != 0 {
			return errors.New("dropout is not supported in varlen mode")
		}
		if m.ReturnScores {
			return errors.New("encoded softmax is not supported in varlen mode")
		}
		headsQ, headsK, headSize = q.Dim(1), k.Dim(1), q.Dim(2)
	} else {
		if q.Rank() != 4 {
			return fmt.Errorf("dense tensors must be 4D, got rank %d", q.Rank())
		}
		if m.MaxSeqlenQ <= 0 || m.MaxSeqlenK <= 0 {
			return fmt.Errorf("max seqlens must be positive, got q=%d k=%d", m.MaxSeqlenQ, m.MaxSeqlenK)
		}
		if m.CuSeqlensQ != nil || m.CuSeqlensK != nil {
			return errors.New("cu_seqlens tables are only valid in varlen mode")
		}
		headsQ, headsK, headSize = q.Dim(1), k.Dim(1), q.Dim(3)
	}

	if !k.SameShape(v) {
		return fmt.Errorf("k and v shapes must match: k=%v v=%v", k.Dims(), v.Dims())
	}
	if q.Dim(q.Rank()-1) != k.Dim(k.Rank()-1) || q.Dim(q.Rank()-1) != v.Dim(v.Rank()-1) {
		return fmt.Errorf("head dimension mismatch: q=%d k=%d v=%d",
			q.Dim(q.Rank()-1), k.Dim(k.Rank()-1), v.Dim(v.Rank()-1))
	}
	if headSize > MaxHeadDim {
		return fmt.Errorf("head dimension %d exceeds supported maximum %d", headSize, MaxHeadDim)
	}
	if !o.SameShape(q) {
		return fmt.Errorf("output shape %v must equal query shape %v", o.Dims(), q.Dims())
	}
	if headsK <= 0 || headsQ%headsK != 0 {
		return fmt.Errorf("query heads (%d) must be an exact multiple of kv heads (%d)", headsQ, headsK)
	}
	if m.DropoutP < 0 || m.DropoutP >= 1 {
		return fmt.Errorf("dropout probability %v out of range [0, 1)", m.DropoutP)
	}
	return nil
}

// paddedHeadDim returns the smallest supported head-dimension padding
// that covers headSize. Supported targets: 32, 64, 128.
func paddedHeadDim(headSize int) (int, error) {
	for _, d := range []int{32, 64, 128} {
		if headSize <= d {
			return d, nil
		}
	}
	return 0, fmt.Errorf("head dimension %d exceeds supported maximum %d", headSize, MaxHeadDim)
}
