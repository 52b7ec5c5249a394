package sim

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/chunked-prefill/sim/kv"
	"github.com/inference-sim/chunked-prefill/sim/trace"
)

type formationFixture struct {
	t     *testing.T
	rg    *Registry
	cache *kv.Manager
	rec   *trace.Recorder
	cs    *ChunkScheduler
	cfg   BatchConfig
	cycle int64
}

func newFormationFixture(t *testing.T, cfg BatchConfig, cacheCfg kv.Config) *formationFixture {
	t.Helper()
	rec := trace.NewRecorder()
	m, err := kv.NewManager(cacheCfg, rec)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return &formationFixture{
		t:     t,
		rg:    NewRegistry(),
		cache: m,
		rec:   rec,
		cs:    NewChunkScheduler(&FCFSFairness{}, &PriorityDecodeOrder{}),
		cfg:   cfg,
	}
}

func (f *formationFixture) form(inFlight ...string) BatchResult {
	f.cycle++
	flying := make(map[string]bool)
	for _, id := range inFlight {
		flying[id] = true
	}
	return f.cs.FormBatch(BatchContext{
		Cycle:    f.cycle,
		Registry: f.rg,
		Cache:    f.cache,
		Config:   f.cfg,
		InFlight: flying,
		Sink:     f.rec,
	})
}

// settle plays the scheduler's part after dispatch: advance cursors and clear
// the active marks.
func (f *formationFixture) settle(res BatchResult) {
	for _, c := range res.Batch.Prefill {
		require.NoError(f.t, f.rg.AdvanceCursor(c.RequestID, c.Len()))
	}
	f.cache.ClearActive(res.Batch.RequestIDs()...)
}

func (f *formationFixture) submit(id string, promptLen int) *Request {
	r := &Request{ID: id, Tokens: promptOf(promptLen), Stop: StopCondition{MaxTokens: 100}}
	require.NoError(f.t, f.rg.Submit(r))
	return r
}

// decodeReady submits a prompt, prefills it outside of batch formation and
// appends its first token.
func (f *formationFixture) decodeReady(id string, promptLen int, preferred kv.Tier) *Request {
	r := f.submit(id, promptLen)
	_, err := f.cache.EnsureCapacity(id, promptLen, preferred)
	require.NoError(f.t, err)
	require.NoError(f.t, f.rg.AdvanceCursor(id, promptLen))
	_, err = f.rg.AppendDecodedToken(id, 9)
	require.NoError(f.t, err)
	return r
}

type chunkSpan struct {
	ID         string
	Start, Len int
	Final      bool
}

func spans(b *Batch) []chunkSpan {
	var out []chunkSpan
	for _, c := range b.Prefill {
		out = append(out, chunkSpan{ID: c.RequestID, Start: c.Start, Len: c.Len(), Final: c.Final})
	}
	return out
}

func bigCache() kv.Config {
	return kv.Config{BlockSizeTokens: 16, FastBlocks: 4096}
}

func TestFormBatch_LongPromptSplitsIntoChunks(t *testing.T) {
	// GIVEN a 1000-token prompt with chunk_size 512
	f := newFormationFixture(t, BatchConfig{ChunkSize: 512, MaxBatchTokens: 2048, MaxDecodeSlots: 4}, bigCache())
	r := f.submit("a", 1000)

	// WHEN two cycles are formed and applied
	first := f.form()
	f.settle(first)
	second := f.form()
	f.settle(second)

	// THEN the chunks are [0,512) and [512,1000) and the request is ready for decode
	assert.Empty(t, cmp.Diff([]chunkSpan{{"a", 0, 512, false}}, spans(first.Batch)))
	assert.Empty(t, cmp.Diff([]chunkSpan{{"a", 512, 488, true}}, spans(second.Batch)))
	assert.Equal(t, StateReadyForDecode, r.State)
	assert.Len(t, second.Batch.Prefill[0].Blocks, 63) // ceil(1000/16)
}

func TestFormBatch_ThreeLongPromptsShareTheBudget(t *testing.T) {
	// GIVEN prompts of 8000, 4000 and 6000 tokens and a budget of three chunks
	f := newFormationFixture(t, BatchConfig{ChunkSize: 512, MaxBatchTokens: 1536, MaxDecodeSlots: 4}, bigCache())
	f.submit("a", 8000)
	f.submit("b", 4000)
	f.submit("c", 6000)

	// WHEN one cycle is formed
	res := f.form()

	// THEN each prompt contributes one 512-token chunk
	want := []chunkSpan{{"a", 0, 512, false}, {"b", 0, 512, false}, {"c", 0, 512, false}}
	assert.Empty(t, cmp.Diff(want, spans(res.Batch)))
	assert.Equal(t, 1536, res.Batch.PrefillTokens())
}

func TestFormBatch_GreedyFirstFitStopsAtFirstOverflow(t *testing.T) {
	// GIVEN a budget of 1000 and candidates of 512, 512 and 100 tokens
	f := newFormationFixture(t, BatchConfig{ChunkSize: 512, MaxBatchTokens: 1000, MaxDecodeSlots: 4}, bigCache())
	f.submit("a", 4000)
	f.submit("b", 4000)
	f.submit("c", 100)

	res := f.form()

	// THEN packing stops at b even though c would fit
	assert.Empty(t, cmp.Diff([]chunkSpan{{"a", 0, 512, false}}, spans(res.Batch)))
	assert.LessOrEqual(t, res.Batch.PrefillTokens(), 1000)
}

func TestFormBatch_ShortPromptBypassesChunking(t *testing.T) {
	// GIVEN a 300-token prompt under the bypass threshold of 301 with chunk_size 128,
	// and a prompt exactly at the threshold
	f := newFormationFixture(t, BatchConfig{ChunkSize: 128, MaxBatchTokens: 512, BypassThreshold: 301, MaxDecodeSlots: 4}, bigCache())
	f.submit("short", 300)
	f.submit("long", 301)

	res := f.form()

	// THEN the short prompt runs as a single chunk and the long one is chunked
	want := []chunkSpan{{"short", 0, 300, true}, {"long", 0, 128, false}}
	assert.Empty(t, cmp.Diff(want, spans(res.Batch)))
}

func TestFormBatch_MaxActivePromptsLimitsAdmission(t *testing.T) {
	// GIVEN one prompt already mid-prefill and max_active_prompts = 1
	f := newFormationFixture(t, BatchConfig{ChunkSize: 64, MaxBatchTokens: 512, MaxActivePrompts: 1, MaxDecodeSlots: 4}, bigCache())
	f.submit("started", 200)
	f.settle(f.form())
	f.submit("new", 200)

	// WHEN the next cycle is formed
	res := f.form()

	// THEN only the admitted prompt progresses
	assert.Empty(t, cmp.Diff([]chunkSpan{{"started", 64, 64, false}}, spans(res.Batch)))
}

func TestFormBatch_OutOfMemoryDropsChunkAndKeepsRequestUnchanged(t *testing.T) {
	// GIVEN a single 4-block tier and a first prompt that fills it
	f := newFormationFixture(t, BatchConfig{ChunkSize: 64, MaxBatchTokens: 512, MaxDecodeSlots: 4},
		kv.Config{BlockSizeTokens: 16, FastBlocks: 4})
	f.submit("a", 64)
	b := f.submit("b", 16)

	// WHEN a cycle is formed
	res := f.form()

	// THEN b's chunk is dropped with an AllocationFailed event
	assert.Empty(t, cmp.Diff([]chunkSpan{{"a", 0, 64, true}}, spans(res.Batch)))
	assert.Equal(t, []string{"b"}, res.Deferred)
	assert.Equal(t, StatePendingPrefill, b.State)
	assert.Equal(t, 0, b.Cursor)
	assert.Nil(t, f.cache.Table("b"))
	assert.False(t, f.cache.IsActive("b"))
	failures := f.rec.Of(trace.KindAllocationFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "prefill", failures[0].(trace.AllocationFailed).Phase)
	require.NoError(t, f.cache.CheckInvariants())
}

func TestFormBatch_DecodeReservesNextPosition(t *testing.T) {
	// GIVEN a request whose 4-token prompt is done and which generated one token
	f := newFormationFixture(t, BatchConfig{ChunkSize: 64, MaxBatchTokens: 512, MaxDecodeSlots: 4},
		kv.Config{BlockSizeTokens: 4, FastBlocks: 8})
	f.decodeReady("a", 4, kv.Fast)

	res := f.form()

	// THEN the decode step writes position L + 1 - 1 in a newly reserved block
	require.Len(t, res.Batch.Decode, 1)
	step := res.Batch.Decode[0]
	assert.Equal(t, 4, step.Position)
	assert.Equal(t, 9, step.Token)
	assert.Len(t, step.Blocks, 2)
	assert.True(t, f.cache.IsActive("a"))
}

func TestFormBatch_StarvedDecodesForcedBeyondSlots(t *testing.T) {
	// GIVEN one decode slot, threshold 2 and three decode-ready requests
	f := newFormationFixture(t, BatchConfig{ChunkSize: 64, MaxBatchTokens: 512, DecodeStarvationThreshold: 2, MaxDecodeSlots: 1}, bigCache())
	fresh := f.decodeReady("fresh", 4, kv.Fast)
	starved := f.decodeReady("starved", 4, kv.Fast)
	moreStarved := f.decodeReady("more-starved", 4, kv.Fast)
	fresh.SinceLastDecode = 0
	starved.SinceLastDecode = 2
	moreStarved.SinceLastDecode = 3
	f.submit("prefill", 64)

	res := f.form()

	// THEN both starved requests are forced, most starved first, and the slot still serves fresh
	var got []string
	for _, d := range res.Batch.Decode {
		got = append(got, d.RequestID)
	}
	assert.Equal(t, []string{"more-starved", "starved", "fresh"}, got)
	assert.Equal(t, []string{"more-starved", "starved"}, res.Forced)
	assert.True(t, res.Batch.Decode[0].Forced)
	assert.False(t, res.Batch.Decode[2].Forced)
	assert.Len(t, f.rec.Of(trace.KindDecodeStarved), 2)
	assert.Len(t, res.Batch.Prefill, 1)
}

func TestFormBatch_InFlightRequestsAreSkipped(t *testing.T) {
	f := newFormationFixture(t, BatchConfig{ChunkSize: 64, MaxBatchTokens: 512, MaxDecodeSlots: 4}, bigCache())
	f.submit("busy", 64)
	f.decodeReady("decoding", 4, kv.Fast)
	f.submit("idle", 64)

	res := f.form("busy", "decoding")

	assert.Equal(t, []string{"idle"}, res.Batch.RequestIDs())
}

func TestFormBatch_ForcedDecodeOOMPreemptsNewestHolder(t *testing.T) {
	// GIVEN full fast and medium tiers and no slow tier:
	// a (fast, starved), b (fast), c (medium, newest)
	f := newFormationFixture(t, BatchConfig{ChunkSize: 64, MaxBatchTokens: 512, DecodeStarvationThreshold: 2, MaxDecodeSlots: 4},
		kv.Config{BlockSizeTokens: 1, FastBlocks: 2, MediumBlocks: 2})
	a := f.decodeReady("a", 1, kv.Fast)
	f.decodeReady("b", 1, kv.Fast)
	c := f.decodeReady("c", 2, kv.Medium)
	a.SinceLastDecode = 2

	// WHEN a cycle is formed
	res := f.form()

	// THEN c is paused and the forced decode, still short, is deferred
	assert.Equal(t, []string{"c"}, res.Preempted)
	assert.Equal(t, StatePaused, c.State)
	assert.Equal(t, StateReadyForDecode, c.PausedFrom)
	assert.Contains(t, res.Deferred, "a")
	assert.True(t, res.Batch.Empty())
	preempted := f.rec.Of(trace.KindPreempted)
	require.Len(t, preempted, 1)
	assert.Equal(t, "c", preempted[0].(trace.Preempted).RequestID)

	// WHEN the next cycle is formed without pressure from a dispatched batch
	next := f.form()

	// THEN c's servable blocks let it resume into its prior state
	assert.Contains(t, next.Resumed, "c")
	require.NoError(t, f.cache.CheckInvariants())
}

func TestFormBatch_PausedRequestStaysPausedWhileRestoreFails(t *testing.T) {
	// GIVEN x paused with its block in the slow tier and the only fast block held by an in-flight y
	f := newFormationFixture(t, BatchConfig{ChunkSize: 64, MaxBatchTokens: 512, MaxDecodeSlots: 4},
		kv.Config{BlockSizeTokens: 1, FastBlocks: 1, SlowBlocks: 2})
	x := f.submit("x", 4)
	_, err := f.cache.Allocate("x", 1, kv.Fast)
	require.NoError(t, err)
	_, err = f.cache.MigrateOwned("x", 0, kv.Slow)
	require.NoError(t, err)
	require.NoError(t, f.rg.Pause("x"))
	f.cache.SetPaused("x", true)
	f.submit("y", 1)
	_, err = f.cache.Allocate("y", 1, kv.Fast)
	require.NoError(t, err)
	f.cache.SetActive("y")

	// WHEN a cycle is formed
	res := f.form("y")

	// THEN x remains paused with its block in the slow tier
	assert.Empty(t, res.Resumed)
	assert.Equal(t, StatePaused, x.State)
	assert.Equal(t, kv.Slow, f.cache.Table("x")[0].Tier)
}

func TestFormBatch_EmitsBatchComposed(t *testing.T) {
	f := newFormationFixture(t, BatchConfig{ChunkSize: 32, MaxBatchTokens: 512, MaxDecodeSlots: 4}, bigCache())
	f.submit("a", 64)
	f.decodeReady("b", 4, kv.Fast)

	f.form()

	events := f.rec.Of(trace.KindBatchComposed)
	require.Len(t, events, 1)
	got := events[0].(trace.BatchComposed)
	assert.Equal(t, trace.BatchComposed{
		Cycle:         1,
		PrefillTokens: 32,
		Chunks:        1,
		Decodes:       1,
		BlocksPerTier: map[string]int{"fast": 3},
	}, got)
}
