package workload

import (
	"fmt"

	"github.com/inference-sim/chunked-prefill/sim"
)

// Arrival is a request due for submission at Cycle.
type Arrival struct {
	Cycle   int64
	Request *sim.Request
}

// Generate produces spec.Requests arrivals in non-decreasing cycle order.
// Identical specs produce identical arrivals.
func Generate(spec Spec) ([]Arrival, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	promptLen, err := NewLengthSampler(spec.Prompt)
	if err != nil {
		return nil, fmt.Errorf("prompt: %w", err)
	}
	outputLen, err := NewLengthSampler(spec.Output)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}

	rng := NewPartitionedRNG(spec.Seed)
	lengths := rng.ForSubsystem(SubsystemLengths)
	tokens := rng.ForSubsystem(SubsystemTokens)
	arrivals := rng.ForSubsystem(SubsystemArrivals)
	priorities := rng.ForSubsystem(SubsystemPriority)

	randomTokens := func(n int) []int {
		out := make([]int, n)
		for i := range out {
			out[i] = tokens.Intn(spec.VocabSize)
		}
		return out
	}
	prefix := randomTokens(spec.PrefixTokens)

	out := make([]Arrival, 0, spec.Requests)
	clock := 0.0
	for i := 0; i < spec.Requests; i++ {
		prompt := append(append([]int(nil), prefix...), randomTokens(promptLen.Sample(lengths))...)
		req := &sim.Request{
			ID:       fmt.Sprintf("request_%d", i),
			Tokens:   prompt,
			Priority: float64(priorities.Intn(spec.PriorityMax + 1)),
			Stop:     sim.StopCondition{MaxTokens: outputLen.Sample(lengths)},
		}
		out = append(out, Arrival{Cycle: int64(clock), Request: req})
		if spec.Rate > 0 {
			clock += arrivals.ExpFloat64() / spec.Rate
		}
	}
	return out, nil
}
