package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfig_Validate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk size", func(c *Config) { c.Batch.ChunkSize = 0 }},
		{"budget below chunk", func(c *Config) { c.Batch.MaxBatchTokens = c.Batch.ChunkSize - 1 }},
		{"bypass above budget", func(c *Config) { c.Batch.BypassThreshold = c.Batch.MaxBatchTokens + 1 }},
		{"negative active prompts", func(c *Config) { c.Batch.MaxActivePrompts = -1 }},
		{"negative starvation threshold", func(c *Config) { c.Batch.DecodeStarvationThreshold = -1 }},
		{"no decode slots", func(c *Config) { c.Batch.MaxDecodeSlots = 0 }},
		{"unknown fairness", func(c *Config) { c.Policy.Fairness = "sjf" }},
		{"unknown decode order", func(c *Config) { c.Policy.DecodeOrder = "random" }},
		{"watermark at one", func(c *Config) { c.Migration.OffloadWatermark = 1 }},
		{"no migration workers", func(c *Config) { c.Migration.Concurrency = 0 }},
		{"negative result buffer", func(c *Config) { c.ResultBuffer = -1 }},
		{"negative retention", func(c *Config) { c.MaxRetained = -1 }},
		{"zero block size", func(c *Config) { c.Cache.BlockSizeTokens = 0 }},
		{"no servable tier", func(c *Config) { c.Cache.FastBlocks, c.Cache.MediumBlocks = 0, 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
