package engine

import (
	"context"
	"math/rand"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/chunked-prefill/sim"
	"github.com/inference-sim/chunked-prefill/sim/kv"
)

func TestMain(m *testing.M) {
	// Set DEBUG_TESTS=1 to see full logs: DEBUG_TESTS=1 go test ./sim/engine/... -v
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

func testPrompt(n int, seed int64) []int {
	rng := rand.New(rand.NewSource(seed))
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = rng.Intn(50000)
	}
	return tokens
}

// reference runs the prompt unchunked and without a cache.
func reference(prompt []int, n, vocab int) []int {
	state := seed
	for i, tok := range prompt {
		state = mix(state, tok, i)
	}
	out := []int{argmax(Logits(state, vocab))}
	for pos := len(prompt); len(out) < n; pos++ {
		state = mix(state, out[len(out)-1], pos)
		out = append(out, argmax(Logits(state, vocab)))
	}
	return out
}

// prefillInChunks applies the prompt chunk by chunk through a cache and
// returns the final chunk's output. Between chunks, shuffle may move blocks.
func prefillInChunks(t *testing.T, m *kv.Manager, prompt []int, sizes []int, shuffle func()) sim.ChunkOutput {
	t.Helper()
	eng := NewCausal(64)
	var last sim.ChunkOutput
	start := 0
	for _, n := range sizes {
		require.NoError(t, m.Restore("r"))
		blocks, err := m.EnsureCapacity("r", start+n, kv.Fast)
		require.NoError(t, err)
		b := &sim.Batch{Prefill: []sim.PrefillChunk{{RequestID: "r", Start: start, Tokens: prompt[start : start+n], Blocks: blocks}}}
		res, err := eng.RunBatch(context.Background(), b, m)
		require.NoError(t, err)
		require.Len(t, res.Outputs, 1)
		last = res.Outputs[0]
		require.Len(t, last.KV, n)
		for i, delta := range last.KV {
			require.NoError(t, m.WritePosition("r", start+i, delta))
		}
		start += n
		if shuffle != nil {
			shuffle()
		}
	}
	require.Equal(t, len(prompt), start)
	return last
}

func newManager(t *testing.T, cfg kv.Config) *kv.Manager {
	t.Helper()
	m, err := kv.NewManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestCausal_ChunkingDoesNotChangeLogits(t *testing.T) {
	// GIVEN one 300-token prompt and several ways to split it
	prompt := testPrompt(300, 1)
	rng := rand.New(rand.NewSource(3))
	var random []int
	for left := 300; left > 0; {
		n := min(left, 1+rng.Intn(90))
		random = append(random, n)
		left -= n
	}
	splits := map[string][]int{
		"unchunked": {300},
		"by 128":    {128, 128, 44},
		"uneven":    {7, 293},
		"random":    random,
	}

	// WHEN each split is prefilled
	var want sim.ChunkOutput
	for name, sizes := range splits {
		m := newManager(t, kv.Config{BlockSizeTokens: 16, FastBlocks: 64})
		got := prefillInChunks(t, m, prompt, sizes, nil)

		// THEN the logits and the sampled token match the unchunked run
		if want.Logits == nil {
			want = got
			continue
		}
		assert.Empty(t, cmp.Diff(want.Logits, got.Logits), name)
		assert.Equal(t, want.Token, got.Token, name)
	}
	assert.Equal(t, reference(prompt, 1, 64)[0], want.Token)
}

func TestCausal_MigrationBetweenChunksDoesNotChangeLogits(t *testing.T) {
	// GIVEN a cache with all three tiers
	prompt := testPrompt(200, 2)
	plain := prefillInChunks(t, newManager(t, kv.Config{BlockSizeTokens: 16, FastBlocks: 32}), prompt, []int{200}, nil)
	m := newManager(t, kv.Config{BlockSizeTokens: 16, FastBlocks: 32, MediumBlocks: 32, SlowBlocks: 32})

	// WHEN every block is pushed to the slow tier after each chunk and restored before the next
	shuffle := func() {
		for i := range m.Table("r") {
			_, err := m.MigrateOwned("r", i, kv.Slow)
			require.NoError(t, err)
		}
	}
	got := prefillInChunks(t, m, prompt, []int{50, 50, 50, 50}, shuffle)

	// THEN the result is identical
	assert.Empty(t, cmp.Diff(plain.Logits, got.Logits))
	assert.Equal(t, plain.Token, got.Token)
	require.NoError(t, m.CheckInvariants())
}

func TestCausal_ReadOutsideBlocksFails(t *testing.T) {
	m := newManager(t, kv.Config{BlockSizeTokens: 4, FastBlocks: 4})
	b := &sim.Batch{Prefill: []sim.PrefillChunk{{RequestID: "r", Start: 8, Tokens: []int{1}}}}
	_, err := NewCausal(8).RunBatch(context.Background(), b, m)
	assert.Error(t, err)
}

func TestCausal_CancelledContext(t *testing.T) {
	m := newManager(t, kv.Config{BlockSizeTokens: 4, FastBlocks: 4})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &sim.Batch{Prefill: []sim.PrefillChunk{{RequestID: "r", Tokens: []int{1}}}}
	_, err := NewCausal(8).RunBatch(ctx, b, m)
	assert.ErrorIs(t, err, context.Canceled)
}

func runToCompletion(t *testing.T, cfg sim.Config, prompts map[string][]int, n int) map[string][]int {
	t.Helper()
	s, err := sim.NewScheduler(cfg, NewCausal(64))
	require.NoError(t, err)
	defer s.Close()
	for id, p := range prompts {
		require.NoError(t, s.SubmitRequest(&sim.Request{ID: id, Tokens: p, Stop: sim.StopCondition{MaxTokens: n}}))
	}
	for i := 0; i < 5000 && !s.Idle(); i++ {
		_, err := s.Step(context.Background())
		require.NoError(t, err)
	}
	require.True(t, s.Idle(), "scheduler did not drain")
	require.NoError(t, s.Cache().CheckInvariants())
	out := make(map[string][]int)
	for id := range prompts {
		r, ok := s.Request(id)
		require.True(t, ok)
		require.Equal(t, sim.StateDone, r.State, id)
		out[id] = r.Output
	}
	return out
}

func TestScheduler_GeneratesSameTokensForAnyChunkSize(t *testing.T) {
	// GIVEN four prompts and their unchunked reference generations
	prompts := map[string][]int{
		"a": testPrompt(1000, 10),
		"b": testPrompt(333, 11),
		"c": testPrompt(57, 12),
		"d": testPrompt(1500, 13),
	}
	want := make(map[string][]int)
	for id, p := range prompts {
		want[id] = reference(p, 20, 64)
	}

	for _, chunk := range []int{2048, 512, 100, 7} {
		// WHEN the scheduler prefills them with the given chunk size
		cfg := sim.DefaultConfig()
		cfg.Batch.ChunkSize = chunk
		cfg.Batch.MaxBatchTokens = max(chunk, 2048)
		cfg.Batch.BypassThreshold = 0
		cfg.Migration.OffloadWatermark = 0
		got := runToCompletion(t, cfg, prompts, 20)

		// THEN every request generates the reference tokens
		assert.Empty(t, cmp.Diff(want, got), "chunk size %d", chunk)
	}
}

func TestScheduler_GeneratesSameTokensUnderTierPressure(t *testing.T) {
	// GIVEN a fast tier far smaller than the working set, so blocks are
	// evicted, offloaded, compressed and restored while prompts are chunked
	prompts := map[string][]int{}
	want := map[string][]int{}
	for i := 0; i < 4; i++ {
		id := string(rune('a' + i))
		prompts[id] = testPrompt(100+37*i, int64(20+i))
		want[id] = reference(prompts[id], 20, 64)
	}
	cfg := sim.DefaultConfig()
	cfg.Batch = sim.BatchConfig{ChunkSize: 32, MaxBatchTokens: 64, DecodeStarvationThreshold: 2, MaxDecodeSlots: 2}
	cfg.Cache = kv.Config{BlockSizeTokens: 16, FastBlocks: 8, MediumBlocks: 8, SlowBlocks: 64}
	cfg.Migration = sim.MigrationConfig{OffloadWatermark: 0.5, Concurrency: 3}

	// WHEN they run to completion
	got := runToCompletion(t, cfg, prompts, 20)

	// THEN the generations match the unchunked reference
	assert.Empty(t, cmp.Diff(want, got))
}
