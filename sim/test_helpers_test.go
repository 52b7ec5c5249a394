package sim

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/chunked-prefill/sim/kv"
	"github.com/inference-sim/chunked-prefill/sim/trace"
)

// fakeEngine echoes each input token as its KV delta and samples token 1.
// It records every batch it receives.
type fakeEngine struct {
	mu      sync.Mutex
	batches []*Batch
	err     error
	onRun   func(b *Batch)
}

func (e *fakeEngine) RunBatch(_ context.Context, b *Batch, _ KVReader) (*EngineResult, error) {
	if e.onRun != nil {
		e.onRun(b)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = append(e.batches, b)
	if e.err != nil {
		return nil, e.err
	}
	res := &EngineResult{}
	for _, c := range b.Prefill {
		deltas := make([][]byte, c.Len())
		for i, tok := range c.Tokens {
			deltas[i] = []byte(fmt.Sprint(tok))
		}
		res.Outputs = append(res.Outputs, ChunkOutput{RequestID: c.RequestID, Start: c.Start, Logits: []float32{1}, Token: 1, KV: deltas})
	}
	for _, d := range b.Decode {
		res.Outputs = append(res.Outputs, ChunkOutput{
			RequestID: d.RequestID, Start: d.Position, Logits: []float32{1}, Token: 1,
			KV: [][]byte{[]byte(fmt.Sprint(d.Token))},
		})
	}
	return res, nil
}

func (e *fakeEngine) Batches() []*Batch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Batch(nil), e.batches...)
}

// testConfig is a single-tier configuration large enough for every test
// that does not exercise memory pressure.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Batch = BatchConfig{
		ChunkSize:                 512,
		MaxBatchTokens:            1536,
		DecodeStarvationThreshold: 4,
		MaxDecodeSlots:            8,
	}
	cfg.Migration.OffloadWatermark = 0
	cfg.Cache = kv.Config{BlockSizeTokens: 16, FastBlocks: 4096}
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config, eng ComputeEngine, opts ...Option) (*Scheduler, *trace.Recorder) {
	t.Helper()
	rec := trace.NewRecorder()
	s, err := NewScheduler(cfg, eng, append([]Option{WithSink(rec)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, rec
}

func promptOf(n int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = 100 + i%50
	}
	return tokens
}

func submitTest(t *testing.T, s *Scheduler, id string, promptLen, maxTokens int) {
	t.Helper()
	require.NoError(t, s.SubmitRequest(&Request{
		ID:     id,
		Tokens: promptOf(promptLen),
		Stop:   StopCondition{MaxTokens: maxTokens},
	}))
}

func stepN(t *testing.T, s *Scheduler, n int) []StepReport {
	t.Helper()
	reports := make([]StepReport, 0, n)
	for i := 0; i < n; i++ {
		rep, err := s.Step(context.Background())
		require.NoError(t, err)
		reports = append(reports, rep)
	}
	return reports
}

func requestIDs(reqs []*Request) []string {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	return ids
}
