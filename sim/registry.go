package sim

import (
	"fmt"
	"slices"
)

// Registry owns every request and enforces the lifecycle:
//
//	PENDING_PREFILL -> READY_FOR_DECODE -> DECODING -> DONE
//	any non-terminal -> PAUSED -> prior state
//	any non-terminal -> CANCELLED | FAILED
//
// Terminal requests stay queryable until Remove. Registry is not safe for
// concurrent use; the Scheduler serialises access.
type Registry struct {
	requests    map[string]*Request
	live        WaitQueue // non-terminal requests in arrival order
	nextArrival int64
	nextPause   int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{requests: make(map[string]*Request)}
}

// Submit registers r in PENDING_PREFILL with cursor 0 and assigns its
// arrival sequence number.
func (rg *Registry) Submit(r *Request) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("%w: request must have an id", ErrUnknownRequest)
	}
	if len(r.Tokens) == 0 {
		return fmt.Errorf("%w: request %s", ErrEmptyPrompt, r.ID)
	}
	if _, ok := rg.requests[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, r.ID)
	}
	r.Arrival = rg.nextArrival
	rg.nextArrival++
	r.State = StatePendingPrefill
	r.Cursor = 0
	r.Output = nil
	r.SinceLastDecode = 0
	r.PausedFrom = ""
	r.Err = nil
	rg.requests[r.ID] = r
	rg.live.Enqueue(r)
	return nil
}

// Get returns the request with the given id.
func (rg *Registry) Get(id string) (*Request, bool) {
	r, ok := rg.requests[id]
	return r, ok
}

func (rg *Registry) mustGet(id string) (*Request, error) {
	r, ok := rg.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return r, nil
}

// Cancel moves a non-terminal request to CANCELLED. Cancelling a terminal
// request is a no-op.
func (rg *Registry) Cancel(id string) error {
	r, err := rg.mustGet(id)
	if err != nil {
		return err
	}
	if r.State.Terminal() {
		return nil
	}
	rg.finish(r, StateCancelled)
	return nil
}

// AdvanceCursor moves the prefill cursor forward by n. When the cursor
// reaches the prompt length the request becomes READY_FOR_DECODE. A chunk
// that would run past the prompt is rejected with ErrInvalidChunkBounds and
// the cursor is left unchanged.
func (rg *Registry) AdvanceCursor(id string, n int) error {
	r, err := rg.mustGet(id)
	if err != nil {
		return err
	}
	if r.State != StatePendingPrefill {
		return fmt.Errorf("%w: advance cursor of %s in state %s", ErrInvalidTransition, id, r.State)
	}
	if n <= 0 || r.Cursor+n > len(r.Tokens) {
		return fmt.Errorf("%w: %s chunk [%d, %d) with prompt length %d",
			ErrInvalidChunkBounds, id, r.Cursor, r.Cursor+n, len(r.Tokens))
	}
	r.Cursor += n
	if r.Cursor == len(r.Tokens) {
		r.State = StateReadyForDecode
	}
	return nil
}

// MarkDecoding records that a decode step was dispatched for id.
func (rg *Registry) MarkDecoding(id string) error {
	r, err := rg.mustGet(id)
	if err != nil {
		return err
	}
	switch r.State {
	case StateReadyForDecode:
		r.State = StateDecoding
		return nil
	case StateDecoding:
		return nil
	default:
		return fmt.Errorf("%w: mark %s decoding in state %s", ErrInvalidTransition, id, r.State)
	}
}

// AppendDecodedToken appends a generated token. It reports true when the
// stop condition is met, in which case the request is DONE.
func (rg *Registry) AppendDecodedToken(id string, token int) (bool, error) {
	r, err := rg.mustGet(id)
	if err != nil {
		return false, err
	}
	if !r.State.DecodeReady() {
		return false, fmt.Errorf("%w: append token to %s in state %s", ErrInvalidTransition, id, r.State)
	}
	r.Output = append(r.Output, token)
	if r.Stop.reached(r.Output) {
		rg.finish(r, StateDone)
		return true, nil
	}
	return false, nil
}

// Pause preempts a non-terminal request. It keeps its cursor and output and
// resumes into the state it was paused from.
func (rg *Registry) Pause(id string) error {
	r, err := rg.mustGet(id)
	if err != nil {
		return err
	}
	if r.State.Terminal() || r.State == StatePaused {
		return fmt.Errorf("%w: pause %s in state %s", ErrInvalidTransition, id, r.State)
	}
	r.PausedFrom = r.State
	r.State = StatePaused
	r.pauseSeq = rg.nextPause
	rg.nextPause++
	return nil
}

// Resume returns a paused request to its prior state.
func (rg *Registry) Resume(id string) error {
	r, err := rg.mustGet(id)
	if err != nil {
		return err
	}
	if r.State != StatePaused {
		return fmt.Errorf("%w: resume %s in state %s", ErrInvalidTransition, id, r.State)
	}
	r.State = r.PausedFrom
	r.PausedFrom = ""
	return nil
}

// Fail moves a non-terminal request to FAILED with cause.
func (rg *Registry) Fail(id string, cause error) error {
	r, err := rg.mustGet(id)
	if err != nil {
		return err
	}
	if r.State.Terminal() {
		return fmt.Errorf("%w: fail %s in state %s", ErrInvalidTransition, id, r.State)
	}
	r.Err = cause
	rg.finish(r, StateFailed)
	return nil
}

func (rg *Registry) finish(r *Request, state RequestState) {
	r.State = state
	r.PausedFrom = ""
	rg.live.Remove(r.ID)
}

// Remove forgets a terminal request. Live requests are kept.
func (rg *Registry) Remove(id string) bool {
	r, ok := rg.requests[id]
	if !ok || !r.State.Terminal() {
		return false
	}
	delete(rg.requests, id)
	return true
}

// PendingPrefill returns PENDING_PREFILL requests in arrival order.
func (rg *Registry) PendingPrefill() []*Request {
	return rg.live.Filter(func(r *Request) bool { return r.State == StatePendingPrefill })
}

// DecodeReady returns READY_FOR_DECODE and DECODING requests in arrival order.
func (rg *Registry) DecodeReady() []*Request {
	return rg.live.Filter(func(r *Request) bool { return r.State.DecodeReady() })
}

// Paused returns paused requests in the order they were paused.
func (rg *Registry) Paused() []*Request {
	paused := rg.live.Filter(func(r *Request) bool { return r.State == StatePaused })
	slices.SortFunc(paused, func(a, b *Request) int { return int(a.pauseSeq - b.pauseSeq) })
	return paused
}

// Live returns every non-terminal request in arrival order.
func (rg *Registry) Live() []*Request {
	return rg.live.Filter(func(*Request) bool { return true })
}

// Len returns the number of non-terminal requests.
func (rg *Registry) Len() int {
	return rg.live.Len()
}
