package sim

import (
	"fmt"
	"sort"
)

// DecodeOrder fills the decode slots left after forced decodes.
// Implementations sort in-place and MUST NOT modify the requests.
type DecodeOrder interface {
	OrderDecodes(requests []*Request)
}

// PriorityDecodeOrder serves higher priority first, then earlier arrival.
type PriorityDecodeOrder struct{}

func (p *PriorityDecodeOrder) OrderDecodes(reqs []*Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].Priority != reqs[j].Priority {
			return reqs[i].Priority > reqs[j].Priority
		}
		if reqs[i].Arrival != reqs[j].Arrival {
			return reqs[i].Arrival < reqs[j].Arrival
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// RecencyDecodeOrder serves the request that waited longest since its last
// decode step first.
type RecencyDecodeOrder struct{}

func (r *RecencyDecodeOrder) OrderDecodes(reqs []*Request) {
	orderByStarvation(reqs)
}

// orderByStarvation sorts by SinceLastDecode (descending), then arrival,
// then ID. Forced decodes are always taken in this order.
func orderByStarvation(reqs []*Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].SinceLastDecode != reqs[j].SinceLastDecode {
			return reqs[i].SinceLastDecode > reqs[j].SinceLastDecode
		}
		if reqs[i].Arrival != reqs[j].Arrival {
			return reqs[i].Arrival < reqs[j].Arrival
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// ValidDecodeOrders is the set of recognized decode order names.
var ValidDecodeOrders = map[string]bool{"": true, "priority": true, "recency": true}

// NewDecodeOrder creates a DecodeOrder by name.
// Valid names: "priority" (default), "recency".
// Panics on unrecognized names.
func NewDecodeOrder(name string) DecodeOrder {
	switch name {
	case "", "priority":
		return &PriorityDecodeOrder{}
	case "recency":
		return &RecencyDecodeOrder{}
	default:
		panic(fmt.Sprintf("unknown decode order %q", name))
	}
}
