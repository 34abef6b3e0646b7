package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.BlockM >= cfg.BlockN)
	assert.Greater(t, cfg.Workers(), 0)
}

func TestValidateRejectsBadBlocks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"block_m not power of two", func(c *Config) { c.BlockM = 48 }},
		{"block_m too large", func(c *Config) { c.BlockM = 256 }},
		{"block_n unsupported", func(c *Config) { c.BlockN = 7 }},
		{"block_m smaller than block_n", func(c *Config) { c.BlockM = 32; c.BlockN = 64 }},
		{"negative workers", func(c *Config) { c.NumWorkers = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWorkersOverride(t *testing.T) {
	cfg := Default()
	cfg.NumWorkers = 3
	assert.Equal(t, 3, cfg.Workers())
}

func TestSweepSpace(t *testing.T) {
	space := SweepSpace()
	require.NotEmpty(t, space)
	for _, tc := range space {
		assert.GreaterOrEqual(t, tc.BlockM, tc.BlockN)
		cfg := Default()
		cfg.BlockM = tc.BlockM
		cfg.BlockN = tc.BlockN
		cfg.PreloadV = tc.PreloadV
		assert.NoError(t, cfg.Validate())
	}
	// 6 shape pairs, preload on/off for each.
	assert.Len(t, space, 12)
}
