package config

import (
	"fmt"
	"runtime"
)

// Config carries the kernel tuning and runtime knobs shared by the
// CLIs and the Flight service. Tile sizes follow the supported
// power-of-two set; BlockM must not be smaller than BlockN so the
// causal masked-tile count stays bounded by BlockM/BlockN+1.
type Config struct {
	BlockM   int
	BlockN   int
	PreloadV bool

	// NumWorkers bounds the goroutines used to walk the launch grid.
	// Zero means one worker per CPU.
	NumWorkers int

	LogLevel  string
	LogFormat string

	MetricsAddr string
}

var supportedBlocks = []int{16, 32, 64, 128}

func supportedBlock(n int) bool {
	for _, b := range supportedBlocks {
		if n == b {
			return true
		}
	}
	return false
}

func (c *Config) Validate() error {
	if !supportedBlock(c.BlockM) {
		return fmt.Errorf("invalid block_m: %d (supported: %v)", c.BlockM, supportedBlocks)
	}
	if !supportedBlock(c.BlockN) {
		return fmt.Errorf("invalid block_n: %d (supported: %v)", c.BlockN, supportedBlocks)
	}
	if c.BlockM < c.BlockN {
		return fmt.Errorf("invalid tile shape: block_m (%d) must be >= block_n (%d)", c.BlockM, c.BlockN)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("invalid num_workers: %d (must be non-negative)", c.NumWorkers)
	}
	return nil
}

// Workers resolves NumWorkers, defaulting to the CPU count.
func (c *Config) Workers() int {
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func Default() Config {
	return Config{
		BlockM:      64,
		BlockN:      32,
		PreloadV:    true,
		LogLevel:    "info",
		LogFormat:   "console",
		MetricsAddr: ":9090",
	}
}

// TileConfig is one (BlockM, BlockN, PreloadV) point of the sweep space.
type TileConfig struct {
	BlockM   int
	BlockN   int
	PreloadV bool
}

// SweepSpace enumerates the tile configurations the bench tool walks:
// {32,64,128} x {32,64,128} with BlockM >= BlockN, each with and
// without value preloading.
func SweepSpace() []TileConfig {
	sizes := []int{32, 64, 128}
	var out []TileConfig
	for _, m := range sizes {
		for _, n := range sizes {
			if m < n {
				continue
			}
			for _, pre := range []bool{true, false} {
				out = append(out, TileConfig{BlockM: m, BlockN: n, PreloadV: pre})
			}
		}
	}
	return out
}
