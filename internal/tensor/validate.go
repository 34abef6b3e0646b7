package tensor

import (
	"fmt"
	"math"
)

type NaNInfo struct {
	Count     int
	Positions []int
	Values    []float32
	HasInf    bool
	InfCount  int
}

func (n *NaNInfo) HasNaN() bool {
	return n.Count > 0
}

func (n *NaNInfo) IsValid() bool {
	return n.Count == 0 && !n.HasInf
}

// DetectNaN scans data for NaN/Inf, recording up to maxPositions of the
// first NaN locations for diagnostics.
func DetectNaN(data []float32, maxPositions int) *NaNInfo {
	info := &NaNInfo{}
	for i, v := range data {
		if math.IsNaN(float64(v)) {
			info.Count++
			if len(info.Positions) < maxPositions {
				info.Positions = append(info.Positions, i)
				info.Values = append(info.Values, v)
			}
		}
		if math.IsInf(float64(v), 0) {
			info.HasInf = true
			info.InfCount++
		}
	}
	return info
}

func HasAnyNaN(data []float32) bool {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}

func HasAnyInf(data []float32) bool {
	for _, v := range data {
		if math.IsInf(float64(v), 0) {
			return true
		}
	}
	return false
}

func IsValid(data []float32) bool {
	return !HasAnyNaN(data) && !HasAnyInf(data)
}

// ScanForNaN validates a tensor and returns an error when more than
// maxNaNAllowed NaN entries are present.
func (t *Tensor) ScanForNaN(maxNaNAllowed int) (*NaNInfo, error) {
	info := DetectNaN(t.data, 10)
	if info.Count > maxNaNAllowed {
		return info, fmt.Errorf("%s: too many NaNs (%d > %d allowed), first positions: %v",
			t.name, info.Count, maxNaNAllowed, info.Positions)
	}
	return info, nil
}

// ValidateOffsets checks a cu_seqlens offset table: length >= 2,
// starting at zero, non-decreasing.
func ValidateOffsets(name string, offsets []int) error {
	if len(offsets) < 2 {
		return fmt.Errorf("%s: offset table needs at least 2 entries, got %d", name, len(offsets))
	}
	if offsets[0] != 0 {
		return fmt.Errorf("%s: offset table must start at 0, got %d", name, offsets[0])
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			return fmt.Errorf("%s: offset table not monotonic at %d: %d < %d",
				name, i, offsets[i], offsets[i-1])
		}
	}
	return nil
}
