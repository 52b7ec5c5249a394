// Defines the Request struct that models an individual inference request.
// Tracks the prompt, prefill cursor, decode counters and lifecycle state.

package sim

import (
	"fmt"
	"slices"
)

// RequestState represents the lifecycle state of a request.
type RequestState string

const (
	StatePendingPrefill RequestState = "pending_prefill"
	StateReadyForDecode RequestState = "ready_for_decode"
	StateDecoding       RequestState = "decoding"
	StatePaused         RequestState = "paused"
	StateDone           RequestState = "done"
	StateCancelled      RequestState = "cancelled"
	StateFailed         RequestState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s RequestState) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// DecodeReady reports whether a request in s may receive a decode step.
func (s RequestState) DecodeReady() bool {
	return s == StateReadyForDecode || s == StateDecoding
}

// StopCondition ends generation.
type StopCondition struct {
	MaxTokens  int   `yaml:"max_tokens"`  // generation cap; <= 0 means 1
	StopTokens []int `yaml:"stop_tokens"` // any of these ends generation
}

// reached reports whether output satisfies the condition.
func (sc StopCondition) reached(output []int) bool {
	if len(output) == 0 {
		return false
	}
	if len(output) >= max(sc.MaxTokens, 1) {
		return true
	}
	return slices.Contains(sc.StopTokens, output[len(output)-1])
}

// Request models a single request's lifecycle.
// Each request has:
// - an immutable prompt (Tokens)
// - a prefill cursor that only moves forward
// - decode counters (output so far, cycles since last decode step)
// - a lifecycle state
type Request struct {
	ID       string // Unique identifier for the request
	Tokens   []int  // Prompt tokens; len(Tokens) is the prompt length L
	Priority float64
	Stop     StopCondition

	Arrival         int64        // Arrival sequence number, assigned by the registry
	State           RequestState // See the state constants above
	Cursor          int          // Prompt tokens already prefilled, 0 <= Cursor <= L
	Output          []int        // Tokens generated so far
	SinceLastDecode int          // Scheduling cycles since the last decode step
	PausedFrom      RequestState // State to resume into while paused
	Err             error        // Terminal failure cause

	pauseSeq int64 // order in which paused requests resume
}

// PromptLen returns L.
func (r *Request) PromptLen() int {
	return len(r.Tokens)
}

// Remaining returns the prompt tokens not yet prefilled.
func (r *Request) Remaining() int {
	return len(r.Tokens) - r.Cursor
}

// Length returns the number of token positions whose KV the request needs.
// During decode the newest generated token is the next position to be written.
func (r *Request) Length() int {
	return r.Cursor + len(r.Output)
}

// This method returns a human-readable string representation of a Request.
func (r *Request) String() string {
	return fmt.Sprintf("Request: (ID: %s, State: %s, Cursor: %d/%d, Output: %d, Arrival: %d)",
		r.ID, r.State, r.Cursor, len(r.Tokens), len(r.Output), r.Arrival)
}
