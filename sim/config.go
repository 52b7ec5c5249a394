package sim

import (
	"fmt"

	"github.com/inference-sim/chunked-prefill/sim/kv"
)

// BatchConfig groups batch formation parameters.
type BatchConfig struct {
	ChunkSize                 int `yaml:"chunk_size"`                  // max prompt tokens per chunk (must be > 0)
	MaxBatchTokens            int `yaml:"max_batch_tokens"`            // max prefill tokens per batch (must be >= chunk_size)
	MaxActivePrompts          int `yaml:"max_active_prompts"`          // prompts with prefill in progress (0 = unlimited)
	DecodeStarvationThreshold int `yaml:"decode_starvation_threshold"` // cycles before a decode is forced (0 = never forced)
	MaxDecodeSlots            int `yaml:"max_decode_slots"`            // decode steps per batch, forced decodes excluded (must be > 0)
	BypassThreshold           int `yaml:"bypass_threshold"`            // prompts shorter than this run as one chunk (0 = off)
}

// PolicyConfig groups ordering policy selection.
type PolicyConfig struct {
	Fairness    string `yaml:"fairness"`     // "fcfs" (default), "longest-remaining", "priority-fcfs"
	DecodeOrder string `yaml:"decode_order"` // "priority" (default), "recency"
}

// MigrationConfig groups background offload parameters.
type MigrationConfig struct {
	OffloadWatermark float64 `yaml:"offload_watermark"` // fast tier utilization that triggers offload (0 = off)
	Concurrency      int     `yaml:"concurrency"`       // migrations in flight at once (must be > 0)
}

// Config is the full scheduler configuration.
type Config struct {
	Batch     BatchConfig     `yaml:"batch"`
	Policy    PolicyConfig    `yaml:"policy"`
	Migration MigrationConfig `yaml:"migration"`
	Cache     kv.Config       `yaml:"cache"`

	// ResultBuffer caps the undelivered outputs kept per request; the oldest
	// are dropped first. 0 disables result streams.
	ResultBuffer int `yaml:"result_buffer"`

	// MaxRetained caps the finished requests kept for queries until Forget;
	// past it the oldest finished record is forgotten. 0 keeps all of them.
	MaxRetained int `yaml:"max_retained"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Batch: BatchConfig{
			ChunkSize:                 512,
			MaxBatchTokens:            2048,
			MaxActivePrompts:          16,
			DecodeStarvationThreshold: 4,
			MaxDecodeSlots:            64,
			BypassThreshold:           128,
		},
		Policy: PolicyConfig{Fairness: "fcfs", DecodeOrder: "priority"},
		Migration: MigrationConfig{
			OffloadWatermark: 0.9,
			Concurrency:      4,
		},
		Cache: kv.Config{
			BlockSizeTokens: 16,
			FastBlocks:      2048,
			MediumBlocks:    8192,
			SlowBlocks:      32768,
		},
		ResultBuffer: 64,
		MaxRetained:  1024,
	}
}

// Validate checks parameter ranges and policy names.
func (c Config) Validate() error {
	b := c.Batch
	if b.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be > 0, got %d", ErrInvalidConfig, b.ChunkSize)
	}
	if b.MaxBatchTokens < b.ChunkSize {
		return fmt.Errorf("%w: max_batch_tokens (%d) must be >= chunk_size (%d)", ErrInvalidConfig, b.MaxBatchTokens, b.ChunkSize)
	}
	if b.BypassThreshold < 0 || b.BypassThreshold > b.MaxBatchTokens {
		return fmt.Errorf("%w: bypass_threshold must be in [0, max_batch_tokens], got %d", ErrInvalidConfig, b.BypassThreshold)
	}
	if b.MaxActivePrompts < 0 {
		return fmt.Errorf("%w: max_active_prompts must be >= 0, got %d", ErrInvalidConfig, b.MaxActivePrompts)
	}
	if b.DecodeStarvationThreshold < 0 {
		return fmt.Errorf("%w: decode_starvation_threshold must be >= 0, got %d", ErrInvalidConfig, b.DecodeStarvationThreshold)
	}
	if b.MaxDecodeSlots <= 0 {
		return fmt.Errorf("%w: max_decode_slots must be > 0, got %d", ErrInvalidConfig, b.MaxDecodeSlots)
	}
	if !ValidFairnessPolicies[c.Policy.Fairness] {
		return fmt.Errorf("%w: unknown fairness policy %q", ErrInvalidConfig, c.Policy.Fairness)
	}
	if !ValidDecodeOrders[c.Policy.DecodeOrder] {
		return fmt.Errorf("%w: unknown decode order %q", ErrInvalidConfig, c.Policy.DecodeOrder)
	}
	if w := c.Migration.OffloadWatermark; w < 0 || w >= 1 {
		return fmt.Errorf("%w: offload_watermark must be in [0, 1), got %v", ErrInvalidConfig, w)
	}
	if c.Migration.Concurrency <= 0 {
		return fmt.Errorf("%w: migration concurrency must be > 0, got %d", ErrInvalidConfig, c.Migration.Concurrency)
	}
	if c.ResultBuffer < 0 {
		return fmt.Errorf("%w: result_buffer must be >= 0, got %d", ErrInvalidConfig, c.ResultBuffer)
	}
	if c.MaxRetained < 0 {
		return fmt.Errorf("%w: max_retained must be >= 0, got %d", ErrInvalidConfig, c.MaxRetained)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("%w: cache: %v", ErrInvalidConfig, err)
	}
	return nil
}
