// Package engine provides a deterministic ComputeEngine for tests and CLI
// replays. It has no numerics beyond a hash chain, but it is causal in the
// same way a transformer is: position p depends only on the tokens at
// positions <= p, read back from the paged cache.
package engine

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/inference-sim/chunked-prefill/sim"
	"github.com/inference-sim/chunked-prefill/sim/kv"
)

const (
	seed   uint64 = 0x9e3779b97f4a7c15
	stateN        = 8 // bytes per KV entry
)

// Causal is a stub engine whose KV entry for position p is
// mix(entry(p-1), token(p), p). Logits are derived from the last entry of
// each batch item, so any chunking of a prompt yields the same logits.
type Causal struct {
	Vocab int // logits per output; <= 0 means 32
}

// NewCausal returns a Causal engine with the given vocabulary size.
func NewCausal(vocab int) *Causal {
	return &Causal{Vocab: vocab}
}

// RunBatch implements sim.ComputeEngine.
func (c *Causal) RunBatch(ctx context.Context, b *sim.Batch, reader sim.KVReader) (*sim.EngineResult, error) {
	res := &sim.EngineResult{Outputs: make([]sim.ChunkOutput, 0, len(b.Prefill)+len(b.Decode))}
	for _, ch := range b.Prefill {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state, err := c.previous(reader, ch.Blocks, ch.Start)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", ch.RequestID, err)
		}
		deltas := make([][]byte, ch.Len())
		for i, tok := range ch.Tokens {
			state = mix(state, tok, ch.Start+i)
			deltas[i] = encode(state)
		}
		res.Outputs = append(res.Outputs, c.output(ch.RequestID, ch.Start, state, deltas))
	}
	for _, d := range b.Decode {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state, err := c.previous(reader, d.Blocks, d.Position)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", d.RequestID, err)
		}
		state = mix(state, d.Token, d.Position)
		res.Outputs = append(res.Outputs, c.output(d.RequestID, d.Position, state, [][]byte{encode(state)}))
	}
	return res, nil
}

// previous reads the entry at pos-1 through the block table slice.
func (c *Causal) previous(reader sim.KVReader, blocks []kv.BlockHandle, pos int) (uint64, error) {
	if pos == 0 {
		return seed, nil
	}
	p := reader.BlockSize()
	idx, offset := (pos-1)/p, (pos-1)%p
	if idx >= len(blocks) {
		return 0, fmt.Errorf("position %d is outside the %d blocks passed", pos-1, len(blocks))
	}
	entry, err := reader.Read(blocks[idx], offset)
	if err != nil {
		return 0, err
	}
	if len(entry) != stateN {
		return 0, fmt.Errorf("position %d holds %d bytes, want %d", pos-1, len(entry), stateN)
	}
	return binary.LittleEndian.Uint64(entry), nil
}

func (c *Causal) output(id string, start int, state uint64, deltas [][]byte) sim.ChunkOutput {
	logits := Logits(state, c.vocab())
	return sim.ChunkOutput{
		RequestID: id,
		Start:     start,
		Logits:    logits,
		Token:     argmax(logits),
		KV:        deltas,
	}
}

func (c *Causal) vocab() int {
	if c.Vocab <= 0 {
		return 32
	}
	return c.Vocab
}

// Logits expands a state into n deterministic scores in [0, 1).
func Logits(state uint64, n int) []float32 {
	out := make([]float32, n)
	x := state
	for i := range out {
		x = splitmix(x)
		out[i] = float32(x>>40) / float32(1<<24)
	}
	return out
}

func mix(state uint64, token, pos int) uint64 {
	return splitmix(state ^ splitmix(uint64(token)<<20^uint64(pos)))
}

func splitmix(x uint64) uint64 {
	x += seed
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func encode(state uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, stateN), state)
}

func argmax(xs []float32) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}
