package sim

import (
	"fmt"
	"sort"
)

// FairnessPolicy orders prefill candidates before chunks are packed.
// Called each cycle on a fresh copy of the candidates; implementations sort
// the slice in-place using sort.SliceStable for determinism.
type FairnessPolicy interface {
	OrderQueue(requests []*Request)
}

// FCFSFairness preserves arrival order (no-op).
type FCFSFairness struct{}

func (f *FCFSFairness) OrderQueue(_ []*Request) {
	// No-op: candidates arrive in registry (arrival) order
}

// LongestRemainingFairness sorts by remaining prompt tokens (descending),
// then by arrival (ascending), then by ID (ascending) for determinism.
// Long prompts make steady progress instead of waiting behind short ones.
type LongestRemainingFairness struct{}

func (l *LongestRemainingFairness) OrderQueue(reqs []*Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		ri, rj := reqs[i].Remaining(), reqs[j].Remaining()
		if ri != rj {
			return ri > rj
		}
		if reqs[i].Arrival != reqs[j].Arrival {
			return reqs[i].Arrival < reqs[j].Arrival
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// PriorityFCFSFairness sorts by priority (descending), then by arrival
// (ascending), then by ID (ascending) for determinism.
type PriorityFCFSFairness struct{}

func (p *PriorityFCFSFairness) OrderQueue(reqs []*Request) {
	// Float != comparison is safe here: priorities are caller-supplied constants.
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

// ValidFairnessPolicies is the set of recognized fairness policy names.
// Shared by Config.Validate() and NewFairnessPolicy() to avoid duplication.
var ValidFairnessPolicies = map[string]bool{"": true, "fcfs": true, "longest-remaining": true, "priority-fcfs": true}

// NewFairnessPolicy creates a FairnessPolicy by name.
// Valid names: "fcfs" (default), "longest-remaining", "priority-fcfs".
// Empty string defaults to FCFSFairness (for CLI flag default compatibility).
// Panics on unrecognized names.
func NewFairnessPolicy(name string) FairnessPolicy {
	if !ValidFairnessPolicies[name] {
		panic(fmt.Sprintf("unknown fairness policy %q", name))
	}
	switch name {
	case "", "fcfs":
		return &FCFSFairness{}
	case "longest-remaining":
		return &LongestRemainingFairness{}
	case "priority-fcfs":
		return &PriorityFCFSFairness{}
	default:
		panic(fmt.Sprintf("unhandled fairness policy %q", name))
	}
}
