package sim

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/chunked-prefill/sim/kv"
	"github.com/inference-sim/chunked-prefill/sim/trace"
)

// BatchFormation encapsulates the batch composition strategy for a cycle.
// Implementations handle KV allocation, restore and preemption decisions
// internally but do NOT apply engine results; that is the Scheduler's job
// after the batch returns.
type BatchFormation interface {
	FormBatch(ctx BatchContext) BatchResult
}

// BatchContext provides the inputs for batch formation. The implementation
// may pause and resume requests in Registry and allocate, restore and demote
// blocks in Cache. Every request placed in the batch is marked active in
// Cache; the Scheduler clears the mark once results are applied.
type BatchContext struct {
	Cycle    int64
	Registry *Registry
	Cache    *kv.Manager
	Config   BatchConfig
	InFlight map[string]bool // requests of a batch still executing
	Sink     trace.Sink
}

// BatchResult describes the outcome of batch formation.
type BatchResult struct {
	Batch     *Batch
	Resumed   []string // paused requests returned to their prior state
	Preempted []string // requests paused to make room for forced decodes
	Deferred  []string // entries dropped on ErrOutOfMemory
	Forced    []string // decodes included by the starvation bound
}

// ChunkScheduler packs prefill chunks greedily under the token budget and
// interleaves decode steps, forcing starved decodes in first.
type ChunkScheduler struct {
	fairness    FairnessPolicy
	decodeOrder DecodeOrder

	// pressure is set when the previous non-empty batch hit ErrOutOfMemory.
	// Paused requests are not resumed while it holds.
	pressure bool
}

// NewChunkScheduler creates a ChunkScheduler with the given policies.
func NewChunkScheduler(fairness FairnessPolicy, decodeOrder DecodeOrder) *ChunkScheduler {
	return &ChunkScheduler{fairness: fairness, decodeOrder: decodeOrder}
}

// NewBatchFormation creates the default BatchFormation from policy names.
// Panics on unrecognized names; Config.Validate rejects them first.
func NewBatchFormation(cfg PolicyConfig) BatchFormation {
	return NewChunkScheduler(NewFairnessPolicy(cfg.Fairness), NewDecodeOrder(cfg.DecodeOrder))
}

// formation carries per-call state.
type formation struct {
	BatchContext
	result  *BatchResult
	members map[string]bool
}

func (cs *ChunkScheduler) FormBatch(ctx BatchContext) BatchResult {
	if ctx.Sink == nil {
		ctx.Sink = trace.Discard
	}
	if ctx.InFlight == nil {
		ctx.InFlight = map[string]bool{}
	}
	result := BatchResult{Batch: &Batch{Cycle: ctx.Cycle}}
	f := &formation{BatchContext: ctx, result: &result, members: make(map[string]bool)}

	// Phase 0: resume paused requests whose blocks can be made servable.
	if !cs.pressure {
		cs.resumePaused(f)
	}

	// Phase 1: forced decodes claim memory before any prefill.
	var forced, rest []*Request
	for _, r := range ctx.Registry.DecodeReady() {
		if ctx.InFlight[r.ID] {
			continue
		}
		if threshold := ctx.Config.DecodeStarvationThreshold; threshold > 0 && r.SinceLastDecode >= threshold {
			forced = append(forced, r)
		} else {
			rest = append(rest, r)
		}
	}
	orderByStarvation(forced)
	for _, r := range forced {
		ctx.Sink.Emit(trace.DecodeStarved{Cycle: ctx.Cycle, RequestID: r.ID, Waited: r.SinceLastDecode})
		if cs.scheduleDecode(f, r, true) {
			result.Forced = append(result.Forced, r.ID)
		}
	}

	// Phase 2: pack prefill chunks under the token budget.
	cs.packPrefill(f)

	// Phase 3: fill the remaining decode slots.
	cs.decodeOrder.OrderDecodes(rest)
	used := 0
	for _, r := range rest {
		if used >= ctx.Config.MaxDecodeSlots {
			break
		}
		if !r.State.DecodeReady() { // preempted above
			continue
		}
		if cs.scheduleDecode(f, r, false) {
			used++
		}
	}

	batch := result.Batch
	cs.pressure = len(result.Deferred) > 0 && !batch.Empty()
	if !batch.Empty() {
		ctx.Sink.Emit(trace.BatchComposed{
			Cycle:         ctx.Cycle,
			PrefillTokens: batch.PrefillTokens(),
			Chunks:        len(batch.Prefill),
			Decodes:       len(batch.Decode),
			BlocksPerTier: batch.blocksPerTier(),
		})
		logrus.Debugf("[cycle %07d] batch: %d chunks (%d tokens), %d decodes (%d forced)",
			ctx.Cycle, len(batch.Prefill), batch.PrefillTokens(), len(batch.Decode), len(result.Forced))
	}
	return result
}

func (cs *ChunkScheduler) resumePaused(f *formation) {
	for _, r := range f.Registry.Paused() {
		if f.InFlight[r.ID] {
			continue
		}
		if err := f.Cache.Restore(r.ID); err != nil {
			logrus.Debugf("[cycle %07d] %s stays paused: %v", f.Cycle, r.ID, err)
			continue
		}
		if err := f.Registry.Resume(r.ID); err != nil {
			panic(err)
		}
		f.Cache.SetPaused(r.ID, false)
		f.result.Resumed = append(f.result.Resumed, r.ID)
		logrus.Infof("[cycle %07d] resumed %s into %s", f.Cycle, r.ID, r.State)
	}
}

// packPrefill takes candidates in fairness order and stops at the first
// chunk that does not fit the remaining budget.
func (cs *ChunkScheduler) packPrefill(f *formation) {
	cfg := f.Config
	candidates := f.Registry.PendingPrefill()
	active := f.activePrompts()
	eligible := candidates[:0]
	for _, r := range candidates {
		if !f.InFlight[r.ID] {
			eligible = append(eligible, r)
		}
	}
	cs.fairness.OrderQueue(eligible)

	tokens := 0
	for _, r := range eligible {
		admitted := r.Cursor > 0
		if !admitted && cfg.MaxActivePrompts > 0 && active >= cfg.MaxActivePrompts {
			continue
		}
		n := min(cfg.ChunkSize, r.Remaining())
		if r.Cursor == 0 && r.PromptLen() < cfg.BypassThreshold {
			n = r.PromptLen()
		}
		if tokens+n > cfg.MaxBatchTokens {
			logrus.Debugf("[cycle %07d] token budget exhausted at %d/%d, deferring remaining prefill",
				f.Cycle, tokens, cfg.MaxBatchTokens)
			break
		}
		blocks, err := f.reserve(r, r.Cursor+n, false)
		if err != nil {
			f.deferEntry(r, "prefill", n, err)
			continue
		}
		f.result.Batch.Prefill = append(f.result.Batch.Prefill, PrefillChunk{
			RequestID: r.ID,
			Start:     r.Cursor,
			Tokens:    append([]int(nil), r.Tokens[r.Cursor:r.Cursor+n]...),
			Blocks:    blocks,
			Final:     r.Cursor+n == r.PromptLen(),
		})
		tokens += n
		if !admitted {
			active++
		}
	}
}

// scheduleDecode reserves the KV slot for r's next position and adds the
// step. A forced decode that hits ErrOutOfMemory preempts one other request
// and retries once. Returns false when the step was deferred.
func (cs *ChunkScheduler) scheduleDecode(f *formation, r *Request, forced bool) bool {
	if len(r.Output) == 0 {
		panic("scheduleDecode: decode-ready request " + r.ID + " has no generated token")
	}
	blocks, err := f.reserve(r, r.Length(), forced)
	if err != nil {
		f.deferEntry(r, "decode", 1, err)
		return false
	}
	f.result.Batch.Decode = append(f.result.Batch.Decode, DecodeStep{
		RequestID: r.ID,
		Position:  r.Length() - 1,
		Token:     r.Output[len(r.Output)-1],
		Blocks:    blocks,
		Forced:    forced,
	})
	return true
}

// reserve marks r active, restores its blocks if needed and grows its table
// to cover tokens positions. On failure the active mark is dropped again.
func (f *formation) reserve(r *Request, tokens int, preempt bool) ([]kv.BlockHandle, error) {
	f.Cache.SetActive(r.ID)
	f.members[r.ID] = true
	blocks, err := f.tryReserve(r.ID, tokens)
	if err != nil && preempt {
		if victim := f.preempt(r.ID); victim != "" {
			blocks, err = f.tryReserve(r.ID, tokens)
		}
	}
	if err != nil {
		f.Cache.ClearActive(r.ID)
		delete(f.members, r.ID)
		return nil, err
	}
	return blocks, nil
}

func (f *formation) tryReserve(id string, tokens int) ([]kv.BlockHandle, error) {
	if !f.Cache.Servable(id) {
		if err := f.Cache.Restore(id); err != nil {
			return nil, err
		}
	}
	return f.Cache.EnsureCapacity(id, tokens, kv.Fast)
}

// preempt pauses the most recently arrived request that is neither batched
// nor in flight and still holds servable blocks, then demotes its blocks.
func (f *formation) preempt(requester string) string {
	live := f.Registry.Live()
	for i := len(live) - 1; i >= 0; i-- {
		r := live[i]
		if r.ID == requester || r.State == StatePaused || f.members[r.ID] || f.InFlight[r.ID] {
			continue
		}
		if !holdsServable(f.Cache.Table(r.ID)) {
			continue
		}
		if err := f.Registry.Pause(r.ID); err != nil {
			panic(err)
		}
		f.Cache.SetPaused(r.ID, true)
		demoted := f.Cache.Demote(r.ID)
		f.result.Preempted = append(f.result.Preempted, r.ID)
		f.Sink.Emit(trace.Preempted{Cycle: f.Cycle, RequestID: r.ID, Demoted: demoted})
		logrus.Warnf("[cycle %07d] preemption: pausing %s for forced decode of %s (%d blocks demoted)",
			f.Cycle, r.ID, requester, demoted)
		return r.ID
	}
	return ""
}

func (f *formation) deferEntry(r *Request, phase string, tokens int, err error) {
	f.result.Deferred = append(f.result.Deferred, r.ID)
	f.Sink.Emit(trace.AllocationFailed{
		Cycle:     f.Cycle,
		RequestID: r.ID,
		Phase:     phase,
		Tokens:    tokens,
		Reason:    err.Error(),
	})
	logrus.Warnf("[cycle %07d] %s of %s deferred: %v", f.Cycle, phase, r.ID, err)
}

// activePrompts counts prompts whose prefill has started but not finished,
// including paused ones.
func (f *formation) activePrompts() int {
	n := 0
	for _, r := range f.Registry.Live() {
		prefilling := r.State == StatePendingPrefill ||
			(r.State == StatePaused && r.PausedFrom == StatePendingPrefill)
		if prefilling && (r.Cursor > 0 || f.InFlight[r.ID]) {
			n++
		}
	}
	return n
}

func holdsServable(handles []kv.BlockHandle) bool {
	for _, h := range handles {
		if h.Tier.Servable() {
			return true
		}
	}
	return false
}
