package simd

import "math"

// Hot-loop primitives for the tiled attention kernel. The exported
// functions route through impl variables so per-arch files can swap in
// vectorized versions without touching callers.

var negInf = float32(math.Inf(-1))

var (
	dotImpl    func(a, b []float32) float32
	axpyImpl   func(alpha float32, x, y []float32)
	scaleImpl  func(alpha float32, x []float32)
	rowMaxImpl func(x []float32) float32
)

func init() {
	dotImpl = dotFallback
	axpyImpl = axpyFallback
	scaleImpl = scaleFallback
	rowMaxImpl = rowMaxFallback
}

// Dot returns the inner product of a and b. Lengths must match.
func Dot(a, b []float32) float32 {
	return dotImpl(a, b)
}

// Axpy computes y += alpha * x elementwise.
func Axpy(alpha float32, x, y []float32) {
	axpyImpl(alpha, x, y)
}

// Scale computes x *= alpha elementwise.
func Scale(alpha float32, x []float32) {
	scaleImpl(alpha, x)
}

// RowMax returns the maximum of x, or -Inf for an empty slice.
func RowMax(x []float32) float32 {
	return rowMaxImpl(x)
}

func dotFallback(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func axpyFallback(alpha float32, x, y []float32) {
	for i := range x {
		y[i] += alpha * x[i]
	}
}

func scaleFallback(alpha float32, x []float32) {
	for i := range x {
		x[i] *= alpha
	}
}

func rowMaxFallback(x []float32) float32 {
	max := negInf
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	return max
}
