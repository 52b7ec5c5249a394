package workload

import (
	"hash/fnv"
	"math/rand"
)

// Subsystem names for PartitionedRNG.
const (
	SubsystemLengths  = "lengths"
	SubsystemTokens   = "tokens"
	SubsystemArrivals = "arrivals"
	SubsystemPriority = "priority"
)

// PartitionedRNG provides deterministic, isolated RNG instances per
// subsystem, so changing one distribution does not shift the others.
//
// Derivation: seed XOR fnv1a64(subsystem). Not thread-safe.
type PartitionedRNG struct {
	seed       int64
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a master seed.
func NewPartitionedRNG(seed int64) *PartitionedRNG {
	return &PartitionedRNG{seed: seed, subsystems: make(map[string]*rand.Rand)}
}

// ForSubsystem returns the cached RNG for name, creating it on first use.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.seed ^ fnv1a64(name)))
	p.subsystems[name] = rng
	return rng
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
