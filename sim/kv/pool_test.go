package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierPool_NewPool_AllBlocksFree(t *testing.T) {
	p := NewTierPool(Fast, 4)
	assert.Equal(t, 4, p.Free())
	assert.Equal(t, 0, p.Allocated())
	assert.Equal(t, 4, p.countFreeList())
}

func TestTierPool_PopPush_ReusesReleasedBlocksLast(t *testing.T) {
	// GIVEN a pool of 3 blocks
	p := NewTierPool(Fast, 3)

	// WHEN slot 0 is taken and returned
	b0 := p.pop("a", 0, 1)
	assert.Equal(t, 0, b0.Slot)
	p.push(b0)

	// THEN the next pops hand out slots 1 and 2 before slot 0 again
	assert.Equal(t, 1, p.pop("b", 0, 2).Slot)
	assert.Equal(t, 2, p.pop("b", 1, 3).Slot)
	assert.Equal(t, 0, p.pop("b", 2, 4).Slot)
	assert.Nil(t, p.pop("b", 3, 5), "exhausted pool must return nil")
	assert.Equal(t, 3, p.Allocated())
	assert.Equal(t, 0, p.countFreeList())
}

func TestTierPool_DoubleFree_Panics(t *testing.T) {
	p := NewTierPool(Medium, 1)
	blk := p.pop("a", 0, 1)
	p.push(blk)
	assert.PanicsWithValue(t, "TierPool medium: double free of slot 0", func() { p.push(blk) })
}

func TestTierPool_NegativeCapacity_Panics(t *testing.T) {
	assert.PanicsWithValue(t, "TierPool: capacity must be >= 0, got -1", func() { NewTierPool(Fast, -1) })
}

func TestTier_LowerAndServable(t *testing.T) {
	lower, ok := Fast.Lower()
	assert.True(t, ok)
	assert.Equal(t, Medium, lower)
	_, ok = Slow.Lower()
	assert.False(t, ok)
	assert.True(t, Fast.Servable())
	assert.True(t, Medium.Servable())
	assert.False(t, Slow.Servable())
}

func TestParseTier(t *testing.T) {
	for _, tier := range AllTiers {
		got, err := ParseTier(tier.String())
		assert.NoError(t, err)
		assert.Equal(t, tier, got)
	}
	_, err := ParseTier("hbm")
	assert.Error(t, err)
}
