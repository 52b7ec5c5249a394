package kv

import "sync"

// BlockTable is a request's private page table: logical block index to
// physical handle. It grows by appending and is only emptied by release.
//
// The table lock is always taken after the manager's allocation lock.
type BlockTable struct {
	mu      sync.Mutex
	owner   string
	handles []BlockHandle
	length  int // logical token positions covered
}

func newBlockTable(owner string) *BlockTable {
	return &BlockTable{owner: owner}
}

// Owner returns the request that owns the table.
func (bt *BlockTable) Owner() string {
	return bt.owner
}

// Len returns the number of blocks in the table.
func (bt *BlockTable) Len() int {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return len(bt.handles)
}

// Length returns the number of logical token positions the table covers.
func (bt *BlockTable) Length() int {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.length
}

// Handles returns a copy of the table's handles in logical order.
func (bt *BlockTable) Handles() []BlockHandle {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return append([]BlockHandle(nil), bt.handles...)
}

// Resolve maps a logical token position to its block handle and in-block offset.
func (bt *BlockTable) Resolve(pos, blockSize int) (BlockHandle, int, bool) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	idx := pos / blockSize
	if pos < 0 || idx >= len(bt.handles) {
		return BlockHandle{}, 0, false
	}
	return bt.handles[idx], pos % blockSize, true
}

func (bt *BlockTable) append(hs ...BlockHandle) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.handles = append(bt.handles, hs...)
}

func (bt *BlockTable) set(index int, h BlockHandle) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.handles[index] = h
}

func (bt *BlockTable) extend(tokens int) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if tokens > bt.length {
		bt.length = tokens
	}
}

func (bt *BlockTable) truncate() []BlockHandle {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	hs := bt.handles
	bt.handles = nil
	bt.length = 0
	return hs
}
