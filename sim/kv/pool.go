package kv

import "fmt"

// block is one physical slot of a tier pool.
type block struct {
	Slot      int    // Slot index within the tier
	Owner     string // Request that holds this block (empty when free)
	Index     int    // Logical index within the owner's block table
	InUse     bool   // Whether the block is allocated
	LastTouch uint64 // Manager clock value of the most recent access
	PrevFree  *block // free list: previous free block
	NextFree  *block // free list: next free block
}

// TierPool is the free list of one tier. Blocks are handed out from the head
// and returned to the tail, so recently released blocks are reused last.
type TierPool struct {
	Tier      Tier
	Capacity  int
	blocks    []*block
	freeHead  *block
	freeTail  *block
	allocated int
}

// NewTierPool creates a pool with every block on the free list, in slot order.
func NewTierPool(tier Tier, capacity int) *TierPool {
	if capacity < 0 {
		panic(fmt.Sprintf("TierPool: capacity must be >= 0, got %d", capacity))
	}
	p := &TierPool{
		Tier:     tier,
		Capacity: capacity,
		blocks:   make([]*block, capacity),
	}
	for i := 0; i < capacity; i++ {
		blk := &block{Slot: i}
		p.blocks[i] = blk
		p.appendToFreeList(blk)
	}
	return p
}

// Free returns the number of unallocated blocks.
func (p *TierPool) Free() int {
	return p.Capacity - p.allocated
}

// Allocated returns the number of blocks currently owned by some request.
func (p *TierPool) Allocated() int {
	return p.allocated
}

// Utilization returns allocated/capacity, or 0 for an empty pool.
func (p *TierPool) Utilization() float64 {
	if p.Capacity == 0 {
		return 0
	}
	return float64(p.allocated) / float64(p.Capacity)
}

func (p *TierPool) appendToFreeList(blk *block) {
	blk.NextFree = nil
	if p.freeTail != nil {
		p.freeTail.NextFree = blk
		blk.PrevFree = p.freeTail
		p.freeTail = blk
	} else {
		p.freeHead = blk
		p.freeTail = blk
		blk.PrevFree = nil
	}
}

func (p *TierPool) removeFromFreeList(blk *block) {
	if blk.PrevFree != nil {
		blk.PrevFree.NextFree = blk.NextFree
	} else {
		p.freeHead = blk.NextFree
	}
	if blk.NextFree != nil {
		blk.NextFree.PrevFree = blk.PrevFree
	} else {
		p.freeTail = blk.PrevFree
	}
	blk.NextFree = nil
	blk.PrevFree = nil
}

// pop takes the head of the free list and marks it in use by owner at index.
// Returns nil when the pool is exhausted.
func (p *TierPool) pop(owner string, index int, now uint64) *block {
	head := p.freeHead
	if head == nil {
		return nil
	}
	p.removeFromFreeList(head)
	head.InUse = true
	head.Owner = owner
	head.Index = index
	head.LastTouch = now
	p.allocated++
	return head
}

// push returns an allocated block to the tail of the free list.
func (p *TierPool) push(blk *block) {
	if !blk.InUse {
		panic(fmt.Sprintf("TierPool %s: double free of slot %d", p.Tier, blk.Slot))
	}
	blk.InUse = false
	blk.Owner = ""
	blk.Index = 0
	p.allocated--
	p.appendToFreeList(blk)
}

// lookup returns the block at slot, or nil when slot is out of range.
func (p *TierPool) lookup(slot int) *block {
	if slot < 0 || slot >= len(p.blocks) {
		return nil
	}
	return p.blocks[slot]
}

// countFreeList walks the free list. Used for invariant checks only.
func (p *TierPool) countFreeList() int {
	n := 0
	for blk := p.freeHead; blk != nil; blk = blk.NextFree {
		n++
	}
	return n
}
