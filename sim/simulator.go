// sim/simulator.go
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/chunked-prefill/sim/kv"
	"github.com/inference-sim/chunked-prefill/sim/trace"
)

const defaultIdlePoll = 10 * time.Millisecond

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSink publishes scheduler and cache events to sink.
func WithSink(sink trace.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithFairness overrides the fairness policy named in the config.
func WithFairness(p FairnessPolicy) Option {
	return func(s *Scheduler) { s.fairness = p }
}

// WithBatchFormation replaces the default ChunkScheduler.
func WithBatchFormation(bf BatchFormation) Option {
	return func(s *Scheduler) { s.formation = bf }
}

// WithIdlePoll sets how long Run sleeps when there is nothing to schedule
// and no submission wakes it.
func WithIdlePoll(d time.Duration) Option {
	return func(s *Scheduler) { s.idlePoll = d }
}

// StepReport summarises one cycle.
type StepReport struct {
	Cycle         int64
	PrefillTokens int
	Chunks        int
	Decodes       int
	Forced        []string
	Deferred      []string
	Preempted     []string
	Resumed       []string
	Completed     []string
	Failed        []string
	Migrated      int
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Cycle             int64
	Live              int
	PendingPrefill    int
	DecodeReady       int
	Paused            int
	InFlight          int
	PendingMigrations int
	Tiers             []kv.TierStats
}

// Scheduler is the control loop. It owns the registry, the cache manager and
// the migrator, forms one batch per cycle, dispatches it to the engine and
// applies the results.
//
// Submit, Cancel and the query methods are safe to call from any goroutine,
// including while Run is active. Step and Run must not run concurrently.
type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	engine    ComputeEngine
	registry  *Registry
	cache     *kv.Manager
	migrator  *kv.Migrator
	fairness  FairnessPolicy
	formation BatchFormation
	sink      trace.Sink
	idlePoll  time.Duration

	cycle    int64
	inFlight map[string]bool
	results  map[string][]ChunkOutput
	finished []string // terminal ids in finishing order, capped by MaxRetained
	wake     chan struct{}
}

// NewScheduler validates cfg and builds a Scheduler around engine.
func NewScheduler(cfg Config, engine ComputeEngine, opts ...Option) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: compute engine must not be nil", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:      cfg,
		engine:   engine,
		registry: NewRegistry(),
		sink:     trace.Discard,
		idlePoll: defaultIdlePoll,
		inFlight: make(map[string]bool),
		results:  make(map[string][]ChunkOutput),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = trace.Discard
	}
	if s.formation == nil {
		fairness := s.fairness
		if fairness == nil {
			fairness = NewFairnessPolicy(cfg.Policy.Fairness)
		}
		s.formation = NewChunkScheduler(fairness, NewDecodeOrder(cfg.Policy.DecodeOrder))
	}
	cache, err := kv.NewManager(cfg.Cache, s.sink)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	s.cache = cache
	s.migrator = kv.NewMigrator(cache, cfg.Migration.Concurrency)
	return s, nil
}

// Close releases the cache's codec resources.
func (s *Scheduler) Close() {
	s.cache.Close()
}

// Cache exposes the cache manager for inspection.
func (s *Scheduler) Cache() *kv.Manager {
	return s.cache
}

// Submit registers a new request with a generated id.
func (s *Scheduler) Submit(tokens []int, priority float64, stop StopCondition) (string, error) {
	r := &Request{
		ID:       uuid.NewString(),
		Tokens:   append([]int(nil), tokens...),
		Priority: priority,
		Stop:     stop,
	}
	if err := s.SubmitRequest(r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// SubmitRequest registers r. An empty id is replaced by a uuid. The Scheduler
// takes ownership of r.
func (s *Scheduler) SubmitRequest(r *Request) error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrUnknownRequest)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.mu.Lock()
	err := s.registry.Submit(r)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	logrus.Debugf("submitted %s (%d prompt tokens, priority %v)", r.ID, r.PromptLen(), r.Priority)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel stops a request. It leaves every selection queue at once and its
// undelivered results are dropped. Its blocks are released immediately,
// unless a dispatched batch still references them; then they are released
// when that batch returns and its output for the request is discarded.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if r.State.Terminal() {
		return nil
	}
	if err := s.registry.Cancel(id); err != nil {
		return err
	}
	s.finishLocked(r, "cancelled")
	return nil
}

// Forget drops a terminal request's record and any undelivered results.
// Live requests are kept.
func (s *Scheduler) Forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forgetLocked(id)
}

func (s *Scheduler) forgetLocked(id string) bool {
	if !s.registry.Remove(id) {
		return false
	}
	delete(s.results, id)
	return true
}

// Request returns a snapshot of the request with the given id.
func (s *Scheduler) Request(id string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.registry.Get(id)
	if !ok {
		return Request{}, false
	}
	snap := *r
	snap.Output = append([]int(nil), r.Output...)
	return snap, true
}

// Stats returns counters for the registry, the cache and the migrator.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Cycle:             s.cycle,
		Live:              s.registry.Len(),
		PendingPrefill:    len(s.registry.PendingPrefill()),
		DecodeReady:       len(s.registry.DecodeReady()),
		Paused:            len(s.registry.Paused()),
		InFlight:          len(s.inFlight),
		PendingMigrations: s.migrator.Pending(),
		Tiers:             s.cache.Stats(),
	}
}

// Idle reports whether no request is live and nothing is in flight.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Len() == 0 && len(s.inFlight) == 0
}

// Step runs one cycle: form a batch, dispatch it while queued migrations
// drain, and apply the results. It returns an error only when ctx ends;
// engine failures fail the batch's requests and are reported in StepReport.
func (s *Scheduler) Step(ctx context.Context) (StepReport, error) {
	if err := ctx.Err(); err != nil {
		return StepReport{}, err
	}
	s.mu.Lock()
	res := s.formLocked()
	s.mu.Unlock()
	report := newStepReport(res)

	if res.Batch.Empty() {
		moved, err := s.migrator.Drain(ctx)
		report.Migrated = moved
		return report, err
	}
	ex := s.execute(ctx, res.Batch)
	report.Migrated = ex.migrated

	s.mu.Lock()
	defer s.mu.Unlock()
	if ex.engineErr != nil && ctx.Err() != nil {
		s.abandonLocked(res.Batch)
		return report, ctx.Err()
	}
	s.applyLocked(res.Batch, ex, &report)
	return report, ex.migrateErr
}

// Run loops until ctx ends. While batch k executes, batch k+1 is formed from
// the requests that are not in flight. With nothing to schedule it waits for
// a submission, the idle poll interval or ctx. Returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	var next *BatchResult
	for {
		if err := ctx.Err(); err != nil {
			if next != nil {
				s.mu.Lock()
				s.abandonLocked(next.Batch)
				s.mu.Unlock()
			}
			return err
		}
		var cur BatchResult
		s.mu.Lock()
		if next != nil {
			cur, next = *next, nil
		} else {
			cur = s.formLocked()
		}
		s.pruneLocked(cur.Batch)
		s.mu.Unlock()

		if cur.Batch.Empty() {
			if err := s.idle(ctx); err != nil {
				return err
			}
			continue
		}

		done := make(chan execution, 1)
		go func() { done <- s.execute(ctx, cur.Batch) }()

		s.mu.Lock()
		if pre := s.formLocked(); !pre.Batch.Empty() {
			next = &pre
		}
		s.mu.Unlock()

		ex := <-done
		report := newStepReport(cur)
		report.Migrated = ex.migrated
		s.mu.Lock()
		if ex.engineErr != nil && ctx.Err() != nil {
			s.abandonLocked(cur.Batch)
			s.mu.Unlock()
			continue
		}
		s.applyLocked(cur.Batch, ex, &report)
		s.mu.Unlock()
	}
}

func (s *Scheduler) idle(ctx context.Context) error {
	if _, err := s.migrator.Drain(ctx); err != nil {
		return err
	}
	timer := time.NewTimer(s.idlePoll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.wake:
	case <-timer.C:
	}
	return nil
}

// formLocked advances the cycle, forms a batch and queues watermark
// offloads. Offloads are planned after formation so that they only pick
// blocks of requests outside every batch.
func (s *Scheduler) formLocked() BatchResult {
	s.cycle++
	res := s.formation.FormBatch(BatchContext{
		Cycle:    s.cycle,
		Registry: s.registry,
		Cache:    s.cache,
		Config:   s.cfg.Batch,
		InFlight: s.inFlight,
		Sink:     s.sink,
	})
	for _, id := range res.Batch.RequestIDs() {
		s.inFlight[id] = true
	}
	if !res.Batch.Empty() {
		s.ageDecodesLocked(res.Batch)
	}
	if s.migrator.Pending() == 0 {
		if tasks := s.cache.PlanOffload(s.cfg.Migration.OffloadWatermark); len(tasks) > 0 {
			logrus.Debugf("[cycle %07d] fast tier above watermark, queueing %d offloads", s.cycle, len(tasks))
			s.migrator.Schedule(tasks...)
		}
	}
	return res
}

type execution struct {
	result     *EngineResult
	engineErr  error
	migrated   int
	migrateErr error
}

// execute runs the engine and drains queued migrations concurrently.
func (s *Scheduler) execute(ctx context.Context, b *Batch) execution {
	var ex execution
	var g errgroup.Group
	g.Go(func() error {
		ex.result, ex.engineErr = s.engine.RunBatch(ctx, b, s.cache)
		if ex.engineErr == nil && ex.result == nil {
			ex.engineErr = fmt.Errorf("engine returned no result")
		}
		return nil
	})
	g.Go(func() error {
		moved, err := s.migrator.Drain(ctx)
		ex.migrated = moved
		return err
	})
	ex.migrateErr = g.Wait()
	return ex
}

// pruneLocked drops entries of requests that ended before dispatch.
func (s *Scheduler) pruneLocked(b *Batch) {
	dropped := b.prune(func(id string) bool {
		r, ok := s.registry.Get(id)
		return !ok || r.State.Terminal()
	})
	for _, id := range dropped {
		s.settleLocked(id)
	}
}

// abandonLocked returns a batch that will never be applied. Cursors and
// counters are untouched; reserved blocks stay with their requests.
func (s *Scheduler) abandonLocked(b *Batch) {
	for _, id := range b.RequestIDs() {
		s.settleLocked(id)
	}
}

// settleLocked ends id's flight and releases its blocks if it terminated meanwhile.
func (s *Scheduler) settleLocked(id string) {
	delete(s.inFlight, id)
	s.cache.ClearActive(id)
	if r, ok := s.registry.Get(id); !ok || r.State.Terminal() {
		s.cache.Release(id)
	}
}

// applyLocked commits engine output entry by entry: KV deltas are written,
// cursors advance, completed prompts emit their first token and decode
// steps append theirs.
func (s *Scheduler) applyLocked(b *Batch, ex execution, report *StepReport) {
	ids := b.RequestIDs()
	for _, id := range ids {
		delete(s.inFlight, id)
	}
	defer s.cache.ClearActive(ids...)

	if ex.engineErr != nil {
		cause := fmt.Errorf("%w: %v", ErrEngineFailure, ex.engineErr)
		logrus.Errorf("[cycle %07d] %v; failing %d requests", b.Cycle, cause, len(ids))
		for _, id := range ids {
			s.failLocked(id, cause, report)
		}
		return
	}

	outputs := make(map[string]ChunkOutput, len(ex.result.Outputs))
	for _, o := range ex.result.Outputs {
		outputs[o.RequestID] = o
	}
	for _, c := range b.Prefill {
		r := s.liveLocked(c.RequestID)
		if r == nil {
			continue
		}
		o, ok := outputs[c.RequestID]
		if !ok || len(o.KV) != c.Len() {
			s.failLocked(r.ID, fmt.Errorf("%w: chunk of %s returned %d of %d deltas", ErrEngineFailure, r.ID, len(o.KV), c.Len()), report)
			continue
		}
		if err := s.writeDeltasLocked(r.ID, c.Start, o.KV); err != nil {
			s.failLocked(r.ID, err, report)
			continue
		}
		if err := s.registry.AdvanceCursor(r.ID, c.Len()); err != nil {
			s.failLocked(r.ID, err, report)
			continue
		}
		s.pushResultLocked(o, c.Start)
		if r.State != StateReadyForDecode {
			continue
		}
		r.SinceLastDecode = 0
		s.appendTokenLocked(r, o.Token, report)
	}
	for _, d := range b.Decode {
		r := s.liveLocked(d.RequestID)
		if r == nil {
			continue
		}
		o, ok := outputs[d.RequestID]
		if !ok || len(o.KV) != 1 {
			s.failLocked(r.ID, fmt.Errorf("%w: decode of %s returned %d deltas", ErrEngineFailure, r.ID, len(o.KV)), report)
			continue
		}
		if err := s.writeDeltasLocked(r.ID, d.Position, o.KV); err != nil {
			s.failLocked(r.ID, err, report)
			continue
		}
		if err := s.registry.MarkDecoding(r.ID); err != nil {
			s.failLocked(r.ID, err, report)
			continue
		}
		s.pushResultLocked(o, d.Position)
		s.appendTokenLocked(r, o.Token, report)
	}
}

// liveLocked returns the request unless it terminated while in flight, in
// which case its blocks are released and its output discarded.
func (s *Scheduler) liveLocked(id string) *Request {
	r, ok := s.registry.Get(id)
	if ok && !r.State.Terminal() {
		return r
	}
	s.cache.Release(id)
	return nil
}

func (s *Scheduler) writeDeltasLocked(id string, start int, deltas [][]byte) error {
	for i, delta := range deltas {
		if err := s.cache.WritePosition(id, start+i, delta); err != nil {
			return fmt.Errorf("apply kv delta at position %d: %w", start+i, err)
		}
	}
	return nil
}

func (s *Scheduler) appendTokenLocked(r *Request, token int, report *StepReport) {
	done, err := s.registry.AppendDecodedToken(r.ID, token)
	if err != nil {
		s.failLocked(r.ID, err, report)
		return
	}
	if done {
		report.Completed = append(report.Completed, r.ID)
		s.finishLocked(r, "stop condition")
	}
}

// ageDecodesLocked runs when b is formed, before any earlier batch is
// applied: decode-ready requests b leaves out count one more cycle, including
// those still in flight, so a pre-formed batch sees current counters.
func (s *Scheduler) ageDecodesLocked(b *Batch) {
	included := make(map[string]bool, len(b.Decode))
	for _, d := range b.Decode {
		included[d.RequestID] = true
	}
	for _, r := range s.registry.DecodeReady() {
		if included[r.ID] {
			r.SinceLastDecode = 0
		} else {
			r.SinceLastDecode++
		}
	}
}

func (s *Scheduler) failLocked(id string, cause error, report *StepReport) {
	r, ok := s.registry.Get(id)
	if !ok {
		return
	}
	if r.State.Terminal() {
		s.cache.Release(id)
		return
	}
	if err := s.registry.Fail(id, cause); err != nil {
		panic(err)
	}
	report.Failed = append(report.Failed, id)
	s.finishLocked(r, cause.Error())
}

// finishLocked releases a terminal request's blocks, unless a dispatched
// batch still references them, and publishes RequestFinished.
func (s *Scheduler) finishLocked(r *Request, reason string) {
	freed := 0
	if !s.inFlight[r.ID] {
		freed = s.cache.Release(r.ID)
	}
	if r.State != StateDone {
		delete(s.results, r.ID)
	}
	s.sink.Emit(trace.RequestFinished{
		RequestID: r.ID,
		State:     string(r.State),
		Prompt:    r.PromptLen(),
		Generated: len(r.Output),
		Reason:    reason,
	})
	logrus.Infof("[cycle %07d] %s %s after %d prompt and %d generated tokens (%d blocks freed)",
		s.cycle, r.ID, r.State, r.PromptLen(), len(r.Output), freed)
	s.retainLocked(r.ID)
}

// retainLocked records a finished id and forgets the oldest finished
// requests beyond MaxRetained.
func (s *Scheduler) retainLocked(id string) {
	limit := s.cfg.MaxRetained
	if limit == 0 {
		return
	}
	s.finished = append(s.finished, id)
	for len(s.finished) > limit {
		old := s.finished[0]
		s.finished = s.finished[1:]
		if s.forgetLocked(old) {
			logrus.Debugf("[cycle %07d] retention limit %d reached, forgot %s", s.cycle, limit, old)
		}
	}
}

func newStepReport(res BatchResult) StepReport {
	b := res.Batch
	return StepReport{
		Cycle:         b.Cycle,
		PrefillTokens: b.PrefillTokens(),
		Chunks:        len(b.Prefill),
		Decodes:       len(b.Decode),
		Forced:        res.Forced,
		Deferred:      res.Deferred,
		Preempted:     res.Preempted,
		Resumed:       res.Resumed,
	}
}
