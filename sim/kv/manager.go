package kv

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/chunked-prefill/sim/trace"
)

// Config sizes the tier pools. A tier with zero blocks is absent.
type Config struct {
	BlockSizeTokens int `yaml:"block_size_tokens"` // token positions per block (must be > 0)
	FastBlocks      int `yaml:"fast_blocks"`       // fast tier capacity in blocks
	MediumBlocks    int `yaml:"medium_blocks"`     // medium tier capacity in blocks
	SlowBlocks      int `yaml:"slow_blocks"`       // slow tier capacity in blocks
}

func (c Config) capacities() [numTiers]int {
	return [numTiers]int{Fast: c.FastBlocks, Medium: c.MediumBlocks, Slow: c.SlowBlocks}
}

// Validate checks block size and tier capacities.
func (c Config) Validate() error {
	if c.BlockSizeTokens <= 0 {
		return fmt.Errorf("block_size_tokens must be > 0, got %d", c.BlockSizeTokens)
	}
	for t, capacity := range c.capacities() {
		if capacity < 0 {
			return fmt.Errorf("%s tier capacity must be >= 0, got %d", Tier(t), capacity)
		}
	}
	if c.FastBlocks+c.MediumBlocks == 0 {
		return fmt.Errorf("at least one servable tier (fast or medium) must have capacity")
	}
	return nil
}

// TierStats is a point-in-time view of one tier pool.
type TierStats struct {
	Tier      Tier
	Capacity  int
	Allocated int
	Free      int
}

// Manager owns every tier pool, every block table and the slot content.
//
// mu is the allocation lock. It is always acquired before any BlockTable
// lock, never the reverse.
type Manager struct {
	mu        sync.Mutex
	blockSize int
	pools     [numTiers]*TierPool
	tables    map[string]*BlockTable
	active    map[string]bool // owners in a dispatched or forming batch
	paused    map[string]bool // owners preempted by the scheduler
	clock     uint64
	content   *store
	sink      trace.Sink
}

// NewManager builds the tier pools described by cfg. Events are published to
// sink; a nil sink discards them.
func NewManager(cfg Config, sink trace.Sink) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kv: %w", err)
	}
	if sink == nil {
		sink = trace.Discard
	}
	content, err := newStore(cfg.BlockSizeTokens, cfg.capacities())
	if err != nil {
		return nil, err
	}
	m := &Manager{
		blockSize: cfg.BlockSizeTokens,
		tables:    make(map[string]*BlockTable),
		active:    make(map[string]bool),
		paused:    make(map[string]bool),
		content:   content,
		sink:      sink,
	}
	for t, capacity := range cfg.capacities() {
		m.pools[t] = NewTierPool(Tier(t), capacity)
	}
	return m, nil
}

// Close releases the compression codecs.
func (m *Manager) Close() {
	m.content.close()
}

// BlockSize returns the number of token positions per block.
func (m *Manager) BlockSize() int {
	return m.blockSize
}

// BlocksFor returns ceil(tokens / block size).
func (m *Manager) BlocksFor(tokens int) int {
	return (tokens + m.blockSize - 1) / m.blockSize
}

func (m *Manager) tick() uint64 {
	m.clock++
	return m.clock
}

// Allocate appends count new blocks to owner's table. The preferred tier is
// tried first; when it is short, the eviction policy pushes victims one tier
// down before slower servable tiers are considered. Allocation is
// all-or-nothing: on ErrOutOfMemory no block is taken.
func (m *Manager) Allocate(owner string, count int, preferred Tier) ([]BlockHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(owner, count, preferred)
}

func (m *Manager) allocateLocked(owner string, count int, preferred Tier) ([]BlockHandle, error) {
	if count <= 0 {
		return nil, nil
	}
	if !preferred.Servable() {
		preferred = Fast
	}
	tiers := m.servableFrom(preferred)
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no servable tier at or below %s", ErrOutOfMemory, preferred)
	}

	if short := count - m.pools[tiers[0]].Free(); short > 0 {
		m.evictLocked(tiers[0], short, owner)
	}
	avail := m.freeIn(tiers)
	for _, t := range tiers[1:] {
		if avail >= count {
			break
		}
		m.evictLocked(t, count-avail, owner)
		avail = m.freeIn(tiers)
	}
	if avail < count {
		logrus.Debugf("kv: cannot allocate %d blocks for %s (%d free in servable tiers)", count, owner, avail)
		return nil, fmt.Errorf("%w: %d blocks requested for %s, %d free", ErrOutOfMemory, count, owner, avail)
	}

	table := m.tableLocked(owner)
	base := table.Len()
	handles := make([]BlockHandle, 0, count)
	for _, t := range tiers {
		pool := m.pools[t]
		for len(handles) < count && pool.Free() > 0 {
			blk := pool.pop(owner, base+len(handles), m.tick())
			handles = append(handles, BlockHandle{Tier: t, Slot: blk.Slot})
		}
	}
	table.append(handles...)
	return append([]BlockHandle(nil), handles...), nil
}

// EnsureCapacity grows owner's table until it covers tokens positions and
// returns the full table. Blocks already held are kept where they are.
func (m *Manager) EnsureCapacity(owner string, tokens int, preferred Tier) ([]BlockHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	have := 0
	if table, ok := m.tables[owner]; ok {
		have = table.Len()
	}
	if need := m.BlocksFor(tokens) - have; need > 0 {
		if _, err := m.allocateLocked(owner, need, preferred); err != nil {
			return nil, err
		}
	}
	table := m.tableLocked(owner)
	table.extend(tokens)
	return table.Handles(), nil
}

// Migrate moves the block at h to target and retargets the owning table
// entry. It is the only way content changes tier. Blocks of owners in the
// active batch are not moved.
func (m *Manager) Migrate(h BlockHandle, target Tier) (BlockHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blk := m.lookupLocked(h)
	if blk == nil {
		return h, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	if m.active[blk.Owner] {
		return h, fmt.Errorf("%w: %s is in the active batch", ErrMigrationFailure, blk.Owner)
	}
	return m.migrateLocked(h, target)
}

// MigrateOwned moves owner's block at logical index to target.
func (m *Manager) MigrateOwned(owner string, index int, target Tier) (BlockHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[owner]
	if !ok {
		return BlockHandle{}, fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
	}
	handles := table.Handles()
	if index < 0 || index >= len(handles) {
		return BlockHandle{}, fmt.Errorf("%w: %s has no block %d", ErrStaleHandle, owner, index)
	}
	if m.active[owner] {
		return handles[index], fmt.Errorf("%w: %s is in the active batch", ErrMigrationFailure, owner)
	}
	return m.migrateLocked(handles[index], target)
}

func (m *Manager) migrateLocked(h BlockHandle, target Tier) (BlockHandle, error) {
	src := m.lookupLocked(h)
	if src == nil {
		return h, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	if target == h.Tier {
		return h, nil
	}
	owner, index := src.Owner, src.Index
	fail := func(reason string) error {
		m.sink.Emit(trace.MigrationFailed{RequestID: owner, Index: index, From: h.Tier.String(), To: target.String(), Reason: reason})
		return fmt.Errorf("%w: %s block %d %s -> %s: %s", ErrMigrationFailure, owner, index, h.Tier, target, reason)
	}
	if !target.valid() {
		return h, fail("invalid target tier")
	}
	dst := m.pools[target]
	if dst.Free() == 0 {
		return h, fail("target tier full")
	}
	entries, err := m.content.load(h)
	if err != nil {
		return h, fail(err.Error())
	}

	nb := dst.pop(owner, index, src.LastTouch)
	nh := BlockHandle{Tier: target, Slot: nb.Slot}
	m.content.put(nh, entries)
	m.tables[owner].set(index, nh)
	m.content.clear(h)
	m.pools[h.Tier].push(src)

	m.sink.Emit(trace.Migrated{RequestID: owner, Index: index, From: h.Tier.String(), To: target.String()})
	return nh, nil
}

// evictLocked pushes up to need victims out of tier t, one tier down,
// cascading into the lower tier when it is full. Returns blocks freed in t.
func (m *Manager) evictLocked(t Tier, need int, exclude string) int {
	target, ok := m.lowerTier(t)
	if !ok || need <= 0 {
		return 0
	}
	freed := 0
	for _, v := range m.victimsLocked(t, exclude) {
		if freed >= need {
			break
		}
		if m.pools[target].Free() == 0 {
			m.evictLocked(target, 1, exclude)
		}
		if _, err := m.migrateLocked(BlockHandle{Tier: t, Slot: v.Slot}, target); err != nil {
			logrus.Debugf("kv: eviction skipped victim: %v", err)
			continue
		}
		freed++
	}
	if freed > 0 {
		logrus.Debugf("kv: evicted %d blocks from %s to %s", freed, t, target)
	}
	return freed
}

// victimsLocked lists eviction candidates in t: blocks whose owner is
// neither exclude nor in the active batch. Paused owners come first, then
// least recently touched, then tail blocks before head blocks.
func (m *Manager) victimsLocked(t Tier, exclude string) []*block {
	var victims []*block
	for _, blk := range m.pools[t].blocks {
		if blk.InUse && blk.Owner != exclude && !m.active[blk.Owner] {
			victims = append(victims, blk)
		}
	}
	sort.SliceStable(victims, func(i, j int) bool {
		pi, pj := m.paused[victims[i].Owner], m.paused[victims[j].Owner]
		if pi != pj {
			return pi
		}
		if victims[i].LastTouch != victims[j].LastTouch {
			return victims[i].LastTouch < victims[j].LastTouch
		}
		if victims[i].Owner != victims[j].Owner {
			return victims[i].Owner < victims[j].Owner
		}
		return victims[i].Index > victims[j].Index
	})
	return victims
}

// Release returns every block held by owner to its tier's free list and
// drops the table. Returns the number of blocks freed; a second call frees 0.
func (m *Manager) Release(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[owner]
	delete(m.tables, owner)
	delete(m.active, owner)
	delete(m.paused, owner)
	if !ok {
		return 0
	}
	handles := table.truncate()
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		m.content.clear(h)
		m.pools[h.Tier].push(m.pools[h.Tier].lookup(h.Slot))
	}
	return len(handles)
}

// Touch records an access to h for LRU ranking.
func (m *Manager) Touch(h BlockHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blk := m.lookupLocked(h); blk != nil {
		blk.LastTouch = m.tick()
	}
}

// Read returns the entry at offset within the block at h, or nil when the
// position has not been written.
func (m *Manager) Read(h BlockHandle, offset int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkSlotLocked(h, offset); err != nil {
		return nil, err
	}
	return m.content.read(h, offset)
}

// Write stores data at offset within the block at h.
func (m *Manager) Write(h BlockHandle, offset int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkSlotLocked(h, offset); err != nil {
		return err
	}
	m.lookupLocked(h).LastTouch = m.tick()
	return m.content.write(h, offset, data)
}

// WritePosition stores data for owner's logical token position pos,
// resolving the block through the owner's table.
func (m *Manager) WritePosition(owner string, pos int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[owner]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
	}
	h, offset, ok := table.Resolve(pos, m.blockSize)
	if !ok {
		return fmt.Errorf("%w: %s position %d is beyond its table", ErrStaleHandle, owner, pos)
	}
	m.lookupLocked(h).LastTouch = m.tick()
	return m.content.write(h, offset, data)
}

// ReadPosition returns owner's entry at logical token position pos.
func (m *Manager) ReadPosition(owner string, pos int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
	}
	h, offset, ok := table.Resolve(pos, m.blockSize)
	if !ok {
		return nil, fmt.Errorf("%w: %s position %d is beyond its table", ErrStaleHandle, owner, pos)
	}
	return m.content.read(h, offset)
}

func (m *Manager) checkSlotLocked(h BlockHandle, offset int) error {
	if m.lookupLocked(h) == nil {
		return fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	if offset < 0 || offset >= m.blockSize {
		return fmt.Errorf("kv: offset %d outside block of %d positions", offset, m.blockSize)
	}
	return nil
}

// SetActive marks owners as part of the batch being formed or executed.
// Their blocks are never chosen as eviction victims.
func (m *Manager) SetActive(owners ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range owners {
		m.active[o] = true
	}
}

// ClearActive removes owners from the active set.
func (m *Manager) ClearActive(owners ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range owners {
		delete(m.active, o)
	}
}

// IsActive reports whether owner is in the active set.
func (m *Manager) IsActive(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[owner]
}

// SetPaused marks owner as preempted; its blocks are evicted before any other.
func (m *Manager) SetPaused(owner string, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if paused {
		m.paused[owner] = true
	} else {
		delete(m.paused, owner)
	}
}

// Servable reports whether every block of owner lives in a servable tier.
func (m *Manager) Servable(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[owner]
	if !ok {
		return true
	}
	for _, h := range table.Handles() {
		if !h.Tier.Servable() {
			return false
		}
	}
	return true
}

// Restore promotes owner's non-servable blocks into the fastest servable tier
// with room, evicting other owners' blocks if needed. Blocks already restored
// stay restored when a later block fails.
func (m *Manager) Restore(owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[owner]
	if !ok {
		return nil
	}
	for idx, h := range table.Handles() {
		if h.Tier.Servable() {
			continue
		}
		target, ok := m.restoreTargetLocked(owner)
		if !ok {
			return fmt.Errorf("%w: no servable room to restore %s block %d", ErrOutOfMemory, owner, idx)
		}
		if _, err := m.migrateLocked(h, target); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) restoreTargetLocked(owner string) (Tier, bool) {
	servable := m.servableFrom(Fast)
	for _, t := range servable {
		if m.pools[t].Free() > 0 {
			return t, true
		}
	}
	for _, t := range servable {
		if m.evictLocked(t, 1, owner) > 0 && m.pools[t].Free() > 0 {
			return t, true
		}
	}
	return Fast, false
}

// Demote moves each of owner's blocks one tier down where the lower tier has
// room. Returns the number of blocks moved.
func (m *Manager) Demote(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[owner]
	if !ok {
		return 0
	}
	moved := 0
	handles := table.Handles()
	for i := len(handles) - 1; i >= 0; i-- {
		lower, ok := m.lowerTier(handles[i].Tier)
		if !ok || m.pools[lower].Free() == 0 {
			continue
		}
		if _, err := m.migrateLocked(handles[i], lower); err == nil {
			moved++
		}
	}
	return moved
}

// PlanOffload returns migration tasks that bring the fast tier back under
// watermark utilisation, taking eviction victims in eviction order.
func (m *Manager) PlanOffload(watermark float64) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	fast := m.pools[Fast]
	if watermark <= 0 || watermark >= 1 || fast.Utilization() <= watermark {
		return nil
	}
	target, ok := m.lowerTier(Fast)
	if !ok {
		return nil
	}
	excess := fast.Allocated() - int(watermark*float64(fast.Capacity))
	var tasks []Task
	for _, v := range m.victimsLocked(Fast, "") {
		if len(tasks) >= excess {
			break
		}
		tasks = append(tasks, Task{Owner: v.Owner, Index: v.Index, Target: target})
	}
	return tasks
}

// Table returns a copy of owner's handles, or nil when it holds none.
func (m *Manager) Table(owner string) []BlockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if table, ok := m.tables[owner]; ok {
		return table.Handles()
	}
	return nil
}

// Stats returns one entry per tier, fastest first.
func (m *Manager) Stats() []TierStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make([]TierStats, 0, numTiers)
	for _, p := range m.pools {
		stats = append(stats, TierStats{Tier: p.Tier, Capacity: p.Capacity, Allocated: p.Allocated(), Free: p.Free()})
	}
	return stats
}

// FreeBlocks returns the free count of tier t.
func (m *Manager) FreeBlocks(t Tier) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[t].Free()
}

// CheckInvariants verifies pool accounting and table ownership. It is meant
// for tests and debugging; it walks every block.
func (m *Manager) CheckInvariants() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		inUse := 0
		for _, blk := range p.blocks {
			if blk.InUse {
				inUse++
			}
		}
		if inUse != p.Allocated() {
			return fmt.Errorf("%s: %d blocks in use but allocated count is %d", p.Tier, inUse, p.Allocated())
		}
		if free := p.countFreeList(); free+p.Allocated() != p.Capacity {
			return fmt.Errorf("%s: allocated %d + free %d != capacity %d", p.Tier, p.Allocated(), free, p.Capacity)
		}
	}
	seen := make(map[BlockHandle]string)
	referenced := 0
	for owner, table := range m.tables {
		handles := table.Handles()
		if want := m.BlocksFor(table.Length()); len(handles) < want {
			return fmt.Errorf("%s: table has %d blocks but covers %d positions", owner, len(handles), table.Length())
		}
		for i, h := range handles {
			if prev, dup := seen[h]; dup {
				return fmt.Errorf("%s referenced by both %s and %s", h, prev, owner)
			}
			seen[h] = owner
			blk := m.lookupLocked(h)
			if blk == nil {
				return fmt.Errorf("%s: entry %d points at free block %s", owner, i, h)
			}
			if blk.Owner != owner || blk.Index != i {
				return fmt.Errorf("%s: entry %d points at %s owned by %s[%d]", owner, i, h, blk.Owner, blk.Index)
			}
		}
		referenced += len(handles)
	}
	allocated := 0
	for _, p := range m.pools {
		allocated += p.Allocated()
	}
	if referenced != allocated {
		return fmt.Errorf("%d blocks allocated but %d referenced by tables", allocated, referenced)
	}
	return nil
}

func (m *Manager) tableLocked(owner string) *BlockTable {
	table, ok := m.tables[owner]
	if !ok {
		table = newBlockTable(owner)
		m.tables[owner] = table
	}
	return table
}

// lookupLocked returns the allocated block named by h, or nil.
func (m *Manager) lookupLocked(h BlockHandle) *block {
	if !h.Tier.valid() {
		return nil
	}
	blk := m.pools[h.Tier].lookup(h.Slot)
	if blk == nil || !blk.InUse {
		return nil
	}
	return blk
}

// lowerTier returns the next slower tier that has capacity.
func (m *Manager) lowerTier(t Tier) (Tier, bool) {
	for next, ok := t.Lower(); ok; next, ok = next.Lower() {
		if m.pools[next].Capacity > 0 {
			return next, true
		}
	}
	return t, false
}

// servableFrom lists servable tiers with capacity, starting at from.
func (m *Manager) servableFrom(from Tier) []Tier {
	var tiers []Tier
	for _, t := range AllTiers {
		if t >= from && t.Servable() && m.pools[t].Capacity > 0 {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

func (m *Manager) freeIn(tiers []Tier) int {
	n := 0
	for _, t := range tiers {
		n += m.pools[t].Free()
	}
	return n
}
