// batch.go
//
// Defines the Batch struct which groups prefill chunks and decode steps
// dispatched to the compute engine in one cycle.

package sim

import "github.com/inference-sim/chunked-prefill/sim/kv"

// PrefillChunk is the contiguous prompt range [Start, Start+len(Tokens)) of
// one request. It exists only inside one Batch.
type PrefillChunk struct {
	RequestID string
	Start     int
	Tokens    []int            // prompt tokens of the chunk
	Blocks    []kv.BlockHandle // block-table slice covering [0, End())
	Final     bool             // the chunk completes the prompt
}

// Len returns the number of prompt tokens in the chunk.
func (c PrefillChunk) Len() int {
	return len(c.Tokens)
}

// End returns the position after the chunk's last token.
func (c PrefillChunk) End() int {
	return c.Start + len(c.Tokens)
}

// DecodeStep feeds the newest generated token at Position.
type DecodeStep struct {
	RequestID string
	Position  int              // L + generated - 1
	Token     int              // input token for this step
	Blocks    []kv.BlockHandle // block-table slice covering [0, Position]
	Forced    bool             // included by the starvation bound
}

// Batch represents the work of one scheduling cycle. A request appears at
// most once, either as a chunk or as a decode step.
type Batch struct {
	Cycle   int64
	Prefill []PrefillChunk
	Decode  []DecodeStep
}

// PrefillTokens returns the sum of chunk lengths. It never exceeds
// max_batch_tokens for a formed batch.
func (b *Batch) PrefillTokens() int {
	total := 0
	for _, c := range b.Prefill {
		total += c.Len()
	}
	return total
}

// Empty reports whether the batch carries no work.
func (b *Batch) Empty() bool {
	return len(b.Prefill) == 0 && len(b.Decode) == 0
}

// RequestIDs returns the ids of every entry, chunks first.
func (b *Batch) RequestIDs() []string {
	ids := make([]string, 0, len(b.Prefill)+len(b.Decode))
	for _, c := range b.Prefill {
		ids = append(ids, c.RequestID)
	}
	for _, d := range b.Decode {
		ids = append(ids, d.RequestID)
	}
	return ids
}

// prune removes entries whose request drop reports true and returns their ids.
func (b *Batch) prune(drop func(id string) bool) []string {
	var dropped []string
	prefill := b.Prefill[:0]
	for _, c := range b.Prefill {
		if drop(c.RequestID) {
			dropped = append(dropped, c.RequestID)
			continue
		}
		prefill = append(prefill, c)
	}
	b.Prefill = prefill
	decode := b.Decode[:0]
	for _, d := range b.Decode {
		if drop(d.RequestID) {
			dropped = append(dropped, d.RequestID)
			continue
		}
		decode = append(decode, d)
	}
	b.Decode = decode
	return dropped
}

// blocksPerTier counts the distinct blocks referenced by the batch.
func (b *Batch) blocksPerTier() map[string]int {
	seen := make(map[kv.BlockHandle]bool)
	counts := make(map[string]int)
	add := func(hs []kv.BlockHandle) {
		for _, h := range hs {
			if !seen[h] {
				seen[h] = true
				counts[h.Tier.String()]++
			}
		}
	}
	for _, c := range b.Prefill {
		add(c.Blocks)
	}
	for _, d := range b.Decode {
		add(d.Blocks)
	}
	return counts
}
