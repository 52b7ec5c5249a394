package sim

import (
	"context"

	"github.com/inference-sim/chunked-prefill/sim/kv"
)

// KVReader gives the engine page-aware access to tier-resident content.
// *kv.Manager satisfies it.
type KVReader interface {
	BlockSize() int
	Read(h kv.BlockHandle, offset int) ([]byte, error)
}

// ChunkOutput is the engine's result for one batch entry.
type ChunkOutput struct {
	RequestID string
	Start     int       // first position covered by KV
	Logits    []float32 // logits at the entry's last position
	Token     int       // token sampled from Logits
	KV        [][]byte  // KV[i] is the delta for position Start+i
}

// EngineResult holds one output per batch entry.
type EngineResult struct {
	Outputs []ChunkOutput
}

// ComputeEngine runs the numeric forward pass for a batch. It receives block
// handles rather than buffers and reads earlier positions through reader. It must
// not write to the cache; deltas are returned and applied by the scheduler.
type ComputeEngine interface {
	RunBatch(ctx context.Context, b *Batch, reader KVReader) (*EngineResult, error)
}
