package server

import "github.com/inference-sim/chunked-prefill/sim"

// SubmitRequest is the body of POST /api/requests.
type SubmitRequest struct {
	ID         string  `json:"id,omitempty"`
	Tokens     []int   `json:"tokens"`
	Priority   float64 `json:"priority,omitempty"`
	MaxTokens  int     `json:"max_tokens,omitempty"`
	StopTokens []int   `json:"stop_tokens,omitempty"`
}

// SubmitResponse returns the id the request was registered under.
type SubmitResponse struct {
	ID string `json:"id"`
}

// RequestStatus is a snapshot of one request.
type RequestStatus struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Prompt    int    `json:"prompt_tokens"`
	Prefilled int    `json:"prefilled_tokens"`
	Output    []int  `json:"output"`
	Error     string `json:"error,omitempty"`
}

// StreamChunk is one ndjson line of GET /api/requests/:id/stream. The last
// line has Done set and carries the final status.
type StreamChunk struct {
	Start  int            `json:"start"`
	Token  int            `json:"token"`
	Logits []float32      `json:"logits,omitempty"`
	Done   bool           `json:"done"`
	Status *RequestStatus `json:"status,omitempty"`
}

func statusOf(r sim.Request) RequestStatus {
	st := RequestStatus{
		ID:        r.ID,
		State:     string(r.State),
		Prompt:    r.PromptLen(),
		Prefilled: r.Cursor,
		Output:    r.Output,
	}
	if r.Err != nil {
		st.Error = r.Err.Error()
	}
	return st
}
