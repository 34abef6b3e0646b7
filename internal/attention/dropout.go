package attention

// Counter-based dropout RNG. Each (seed, offset) pair maps to one
// uniform value in [0, 1), so the keep decision for a score element is
// a pure function of the launch seed and the element's global offset.

// mix64 is the splitmix64 finalizer.
func mix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

// dropoutUniform returns the uniform variate for one element.
func dropoutUniform(seed, offset uint64) float32 {
	h := mix64(seed ^ mix64(offset))
	// Top 24 bits give a float32-exact uniform in [0, 1).
	return float32(h>>40) / float32(1<<24)
}

// dropoutKeep reports whether the element survives dropout with
// probability p of being dropped.
func dropoutKeep(seed, offset uint64, p float32) bool {
	return dropoutUniform(seed, offset) > p
}
