// Package trace provides the telemetry events published by the scheduler core.
// It has no dependencies on sim/ or sim/kv/ and stores pure data types.
package trace

// Kind names an event type.
type Kind string

const (
	KindBatchComposed    Kind = "batch_composed"
	KindAllocationFailed Kind = "allocation_failed"
	KindMigrated         Kind = "migrated"
	KindMigrationFailed  Kind = "migration_failed"
	KindDecodeStarved    Kind = "decode_starved"
	KindPreempted        Kind = "preempted"
	KindRequestFinished  Kind = "request_finished"
)

// Event is implemented by every record below.
type Event interface {
	Kind() Kind
}

// BatchComposed describes one dispatched batch.
type BatchComposed struct {
	Cycle         int64
	PrefillTokens int            // sum of prefill chunk lengths
	Chunks        int            // number of prefill chunks
	Decodes       int            // number of decode steps
	BlocksPerTier map[string]int // tier name -> blocks referenced by the batch
}

// AllocationFailed records a chunk or decode step deferred by backpressure.
type AllocationFailed struct {
	Cycle     int64
	RequestID string
	Phase     string // "prefill" or "decode"
	Tokens    int    // positions the allocation had to cover
	Reason    string
}

// Migrated records a block moving between tiers.
type Migrated struct {
	RequestID string
	Index     int // logical block index in the owner's table
	From      string
	To        string
}

// MigrationFailed records a migration that left the source block in place.
type MigrationFailed struct {
	RequestID string
	Index     int
	From      string
	To        string
	Reason    string
}

// DecodeStarved records a forced decode inclusion.
type DecodeStarved struct {
	Cycle     int64
	RequestID string
	Waited    int // cycles since the request was last serviced
}

// Preempted records a request paused under memory pressure.
type Preempted struct {
	Cycle     int64
	RequestID string
	Demoted   int // blocks moved one tier down
}

// RequestFinished records a request leaving the scheduler.
type RequestFinished struct {
	RequestID string
	State     string
	Prompt    int
	Generated int
	Reason    string // failure cause, empty on success
}

func (BatchComposed) Kind() Kind    { return KindBatchComposed }
func (AllocationFailed) Kind() Kind { return KindAllocationFailed }
func (Migrated) Kind() Kind         { return KindMigrated }
func (MigrationFailed) Kind() Kind  { return KindMigrationFailed }
func (DecodeStarved) Kind() Kind    { return KindDecodeStarved }
func (Preempted) Kind() Kind        { return KindPreempted }
func (RequestFinished) Kind() Kind  { return KindRequestFinished }
