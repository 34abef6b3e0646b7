package tensor

import (
	"math"
	"testing"
)

func TestDense4DStrides(t *testing.T) {
	ten := NewDense4D("q", 2, 4, 8, 16)
	if ten.Rank() != 4 {
		t.Fatalf("expected rank 4, got %d", ten.Rank())
	}
	wantStrides := []int{4 * 8 * 16, 8 * 16, 16, 1}
	for i, s := range wantStrides {
		if ten.Stride(i) != s {
			t.Errorf("stride %d: got %d, want %d", i, ten.Stride(i), s)
		}
	}
	if ten.NumElements() != 2*4*8*16 {
		t.Errorf("NumElements: got %d", ten.NumElements())
	}

	ten.Set(1, 3, 7, 15, 2.5)
	if got := ten.At(1, 3, 7, 15); got != 2.5 {
		t.Errorf("round trip: got %f", got)
	}
	// Last element of the backing array.
	if got := ten.Data()[len(ten.Data())-1]; got != 2.5 {
		t.Errorf("layout: last element is %f, want 2.5", got)
	}
}

func TestPacked3DStrides(t *testing.T) {
	ten := NewPacked3D("q", 10, 2, 16)
	if ten.Rank() != 3 {
		t.Fatalf("expected rank 3, got %d", ten.Rank())
	}
	ten.Set3(9, 1, 15, -1)
	if got := ten.At3(9, 1, 15); got != -1 {
		t.Errorf("round trip: got %f", got)
	}
	if got := ten.Data()[len(ten.Data())-1]; got != -1 {
		t.Errorf("layout: last element is %f, want -1", got)
	}
}

func TestFromData(t *testing.T) {
	data := make([]float32, 24)
	ten, err := FromData("lse", data, 2, 3, 4)
	if err != nil {
		t.Fatalf("FromData failed: %v", err)
	}
	want := []int{12, 4, 1}
	for i, s := range want {
		if ten.Stride(i) != s {
			t.Errorf("stride %d: got %d, want %d", i, ten.Stride(i), s)
		}
	}

	if _, err := FromData("bad", data, 2, 3, 5); err == nil {
		t.Error("expected shape/length mismatch to fail")
	}
}

func TestSameShape(t *testing.T) {
	a := NewDense4D("a", 1, 2, 3, 4)
	b := NewDense4D("b", 1, 2, 3, 4)
	c := NewDense4D("c", 1, 2, 3, 5)
	p := NewPacked3D("p", 6, 2, 4)
	if !a.SameShape(b) {
		t.Error("identical dims reported unequal")
	}
	if a.SameShape(c) || a.SameShape(p) {
		t.Error("different shapes reported equal")
	}
}

func TestDetectNaN(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	data := []float32{1, nan, 2, nan, inf, 3}

	info := DetectNaN(data, 1)
	if info.Count != 2 {
		t.Errorf("NaN count: got %d, want 2", info.Count)
	}
	if len(info.Positions) != 1 || info.Positions[0] != 1 {
		t.Errorf("positions capped at 1, got %v", info.Positions)
	}
	if !info.HasInf || info.InfCount != 1 {
		t.Errorf("inf detection: HasInf=%v InfCount=%d", info.HasInf, info.InfCount)
	}
	if info.IsValid() {
		t.Error("data with NaN/Inf reported valid")
	}

	if !HasAnyNaN(data) || !HasAnyInf(data) || IsValid(data) {
		t.Error("scalar helpers disagree with DetectNaN")
	}
	if HasAnyNaN([]float32{1, 2}) || !IsValid([]float32{1, 2}) {
		t.Error("clean data misreported")
	}
}

func TestScanForNaN(t *testing.T) {
	ten, err := FromData("out", []float32{1, float32(math.NaN()), 3, 4}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ten.ScanForNaN(1); err != nil {
		t.Errorf("within allowance: %v", err)
	}
	if _, err := ten.ScanForNaN(0); err == nil {
		t.Error("expected one NaN to exceed zero allowance")
	}
}

func TestValidateOffsets(t *testing.T) {
	if err := ValidateOffsets("cu", []int{0, 5, 5, 9}); err != nil {
		t.Errorf("valid table rejected: %v", err)
	}
	for name, tab := range map[string][]int{
		"too short":     {0},
		"nonzero start": {1, 5},
		"decreasing":    {0, 5, 3},
	} {
		if err := ValidateOffsets("cu", tab); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
