package kv

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory is returned when no servable tier can supply the requested
	// blocks, even after evicting every eligible victim.
	ErrOutOfMemory = errors.New("kv: out of memory")
	// ErrMigrationFailure is returned when a block cannot be moved to its target
	// tier. The source block is left untouched and remains valid.
	ErrMigrationFailure = errors.New("kv: migration failed")
	// ErrStaleHandle is returned for handles that no longer name an allocated block.
	ErrStaleHandle = errors.New("kv: stale block handle")
	// ErrUnknownOwner is returned when an owner has no block table.
	ErrUnknownOwner = errors.New("kv: unknown owner")
)

// Tier identifies a memory pool. Lower values are faster and smaller.
type Tier int

const (
	Fast Tier = iota
	Medium
	Slow

	numTiers = 3
)

// AllTiers lists tiers from fastest to slowest.
var AllTiers = []Tier{Fast, Medium, Slow}

var tierNames = map[Tier]string{Fast: "fast", Medium: "medium", Slow: "slow"}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Servable reports whether the compute engine can read blocks resident in t.
// Slow-tier content is compressed and must be restored first.
func (t Tier) Servable() bool {
	return t == Fast || t == Medium
}

// Lower returns the next slower tier, if any.
func (t Tier) Lower() (Tier, bool) {
	if t < Fast || t >= Slow {
		return t, false
	}
	return t + 1, true
}

func (t Tier) valid() bool {
	return t >= Fast && t < numTiers
}

// ParseTier converts a tier name ("fast", "medium", "slow") into a Tier.
func ParseTier(name string) (Tier, error) {
	for t, n := range tierNames {
		if n == name {
			return t, nil
		}
	}
	return Fast, fmt.Errorf("unknown tier %q", name)
}

// BlockHandle locates one physical block: the tier it lives in and its slot
// within that tier's pool. Block tables store handles rather than addresses so
// that a migration only rewrites a single table entry.
type BlockHandle struct {
	Tier Tier
	Slot int
}

func (h BlockHandle) String() string {
	return fmt.Sprintf("%s/%d", h.Tier, h.Slot)
}
