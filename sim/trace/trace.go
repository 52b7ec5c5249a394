package trace

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// TraceLevel controls the verbosity of event recording.
type TraceLevel string

const (
	// TraceLevelNone disables recording (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelEvents records every event.
	TraceLevelEvents TraceLevel = "events"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:   true,
	TraceLevelEvents: true,
	"":               true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// Sink consumes events. Implementations must be safe for concurrent use:
// migrations emit from background goroutines.
type Sink interface {
	Emit(Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{events: make([]Event, 0)}
}

// Emit appends ev.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of all recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of returns the recorded events of one kind.
func (r *Recorder) Of(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = r.events[:0]
}

// LogSink writes events to logrus. Backpressure and failures log at Warn,
// everything else at Debug.
type LogSink struct{}

func (LogSink) Emit(ev Event) {
	switch e := ev.(type) {
	case BatchComposed:
		logrus.Debugf("[cycle %07d] batch: %d chunks (%d tokens), %d decodes, blocks %v",
			e.Cycle, e.Chunks, e.PrefillTokens, e.Decodes, e.BlocksPerTier)
	case AllocationFailed:
		logrus.Warnf("[cycle %07d] %s allocation for %s deferred (%d tokens): %s",
			e.Cycle, e.Phase, e.RequestID, e.Tokens, e.Reason)
	case Migrated:
		logrus.Debugf("migrated %s block %d: %s -> %s", e.RequestID, e.Index, e.From, e.To)
	case MigrationFailed:
		logrus.Warnf("migration of %s block %d %s -> %s failed: %s", e.RequestID, e.Index, e.From, e.To, e.Reason)
	case DecodeStarved:
		logrus.Debugf("[cycle %07d] forcing decode for %s after %d cycles", e.Cycle, e.RequestID, e.Waited)
	case Preempted:
		logrus.Warnf("[cycle %07d] preempted %s, demoted %d blocks", e.Cycle, e.RequestID, e.Demoted)
	case RequestFinished:
		logrus.Infof("request %s finished: %s (prompt=%d, generated=%d) %s",
			e.RequestID, e.State, e.Prompt, e.Generated, e.Reason)
	}
}
