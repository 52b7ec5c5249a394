// Implements the WaitQueue, which holds every live request in arrival order.
// Requests are enqueued on submission and removed when they reach a terminal state.

package sim

import (
	"fmt"
	"strings"
)

// WaitQueue is an arrival-ordered list of live requests. Candidate selection
// filters it by state; fairness policies reorder a copy, never the queue.
type WaitQueue struct {
	queue []*Request
}

// Enqueue adds a request to the back of the queue.
func (wq *WaitQueue) Enqueue(r *Request) {
	if r == nil {
		panic("Enqueue: req must not be nil")
	}
	wq.queue = append(wq.queue, r)
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, val := range wq.queue {
		sb.WriteString(fmt.Sprint(val))
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// Len returns the number of requests in the queue.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the request at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (wq *WaitQueue) Peek() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Remove deletes the request with the given id, preserving the order of the
// rest. Returns false when it is not queued.
func (wq *WaitQueue) Remove(id string) bool {
	for i, r := range wq.queue {
		if r.ID == id {
			wq.queue = append(wq.queue[:i], wq.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Filter returns, in queue order, the requests for which keep returns true.
// The result is a fresh slice that callers may reorder.
func (wq *WaitQueue) Filter(keep func(*Request) bool) []*Request {
	var out []*Request
	for _, r := range wq.queue {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
