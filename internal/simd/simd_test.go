package simd

import (
	"math"
	"math/rand"
	"testing"
)

const tol = 1e-5

func TestDot(t *testing.T) {
	if got := Dot([]float32{1, 2, 3}, []float32{4, 5, 6}); got != 32 {
		t.Errorf("Dot: got %f, want 32", got)
	}
	if got := Dot(nil, nil); got != 0 {
		t.Errorf("empty Dot: got %f, want 0", got)
	}

	rng := rand.New(rand.NewSource(7))
	a := make([]float32, 128)
	b := make([]float32, 128)
	var want float64
	for i := range a {
		a[i] = rng.Float32()*2 - 1
		b[i] = rng.Float32()*2 - 1
		want += float64(a[i]) * float64(b[i])
	}
	if got := Dot(a, b); math.Abs(float64(got)-want) > tol {
		t.Errorf("Dot(128): got %f, want %f", got, want)
	}
}

func TestAxpy(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	y := []float32{10, 20, 30, 40}
	Axpy(0.5, x, y)
	want := []float32{10.5, 21, 31.5, 42}
	for i := range want {
		if y[i] != want[i] {
			t.Errorf("Axpy[%d]: got %f, want %f", i, y[i], want[i])
		}
	}

	// alpha 0 leaves y untouched.
	before := append([]float32(nil), y...)
	Axpy(0, x, y)
	for i := range y {
		if y[i] != before[i] {
			t.Errorf("Axpy alpha=0 changed y[%d]", i)
		}
	}
}

func TestScale(t *testing.T) {
	x := []float32{1, -2, 4}
	Scale(0.25, x)
	want := []float32{0.25, -0.5, 1}
	for i := range want {
		if x[i] != want[i] {
			t.Errorf("Scale[%d]: got %f, want %f", i, x[i], want[i])
		}
	}

	Scale(0, x)
	for i, v := range x {
		if v != 0 {
			t.Errorf("Scale alpha=0: x[%d] = %f", i, v)
		}
	}
}

func TestRowMax(t *testing.T) {
	if got := RowMax([]float32{-3, 7, 2}); got != 7 {
		t.Errorf("RowMax: got %f, want 7", got)
	}
	if got := RowMax(nil); !math.IsInf(float64(got), -1) {
		t.Errorf("empty RowMax: got %f, want -Inf", got)
	}
	// All -Inf stays -Inf, the fully masked row sentinel.
	ni := float32(math.Inf(-1))
	if got := RowMax([]float32{ni, ni}); !math.IsInf(float64(got), -1) {
		t.Errorf("all-masked RowMax: got %f, want -Inf", got)
	}
}

func TestImplsMatchFallbacks(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	a := make([]float32, 100)
	b := make([]float32, 100)
	for i := range a {
		a[i] = rng.Float32()*2 - 1
		b[i] = rng.Float32()*2 - 1
	}

	if got, want := Dot(a, b), dotFallback(a, b); math.Abs(float64(got-want)) > tol {
		t.Errorf("Dot impl diverges from fallback: %f vs %f", got, want)
	}
	if got, want := RowMax(a), rowMaxFallback(a); got != want {
		t.Errorf("RowMax impl diverges from fallback: %f vs %f", got, want)
	}

	y1 := append([]float32(nil), b...)
	y2 := append([]float32(nil), b...)
	Axpy(0.7, a, y1)
	axpyFallback(0.7, a, y2)
	for i := range y1 {
		if math.Abs(float64(y1[i]-y2[i])) > tol {
			t.Fatalf("Axpy impl diverges at %d: %f vs %f", i, y1[i], y2[i])
		}
	}
}
