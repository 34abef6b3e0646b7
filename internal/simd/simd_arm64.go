//go:build arm64 && !noasm

package simd

func init() {
	dotImpl = dotNEON
	axpyImpl = axpyNEON
}

func dotNEON(a, b []float32) float32 {
	// TODO: Implement NEON version
	return dotFallback(a, b)
}

func axpyNEON(alpha float32, x, y []float32) {
	// TODO: Implement NEON version
	axpyFallback(alpha, x, y)
}
