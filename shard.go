package shardmap

import (
	"sync/atomic"
	"unsafe"

	"github.com/llxisdsh/shardmap/internal/opt"
)

// slotData is the payload published through a slot's seqlock window.
//
// dist encodes the probe distance: 0 means empty, 1 means the element
// sits at its home position, k means it is displaced k-1 steps. hash is
// cached so lookups can reject mismatches before comparing keys and so
// resize never rehashes a key.
type slotData[K comparable, V any] struct {
	dist  uint8
	hash  uintptr
	key   K
	value V
}

// slot is one cell of the Robin Hood table: a sequence counter plus the
// guarded payload. An even sequence means the payload bytes are stable;
// odd means a writer is inside the slot.
type slot[K comparable, V any] struct {
	seq  seqCount
	data seqSlot[slotData[K, V]]
}

// table is a power-of-two slot array. Its identity is immutable: once
// published via the shard's table pointer it is only ever mutated under
// the shard mutex with per-slot seq brackets, and a resize publishes a
// whole new table rather than growing this one.
type table[K comparable, V any] struct {
	slots []slot[K, V]
	mask  uintptr
}

func newShardTable[K comparable, V any](capacity int) *table[K, V] {
	if capacity < minTableCap {
		capacity = minTableCap
	} else if !isPowOf2(capacity) {
		capacity = nextPowOf2(capacity)
	}
	return &table[K, V]{
		slots: make([]slot[K, V], capacity),
		mask:  uintptr(capacity - 1),
	}
}

// shardHeader mirrors shard's leading fields for padding arithmetic.
type shardHeader struct {
	table   unsafe.Pointer
	mu      SpinLock
	size    atomic.Int64
	shrinks int
}

// shard is one independently locked Robin Hood table. Readers traverse
// the current table without the mutex, relying on per-slot seqlocks;
// writers serialize on mu for their entire operation. Padded so
// adjacent shards in the dispatcher's array do not share cache lines.
type shard[K comparable, V any] struct {
	table   unsafe.Pointer // *table[K, V]
	mu      SpinLock
	size    atomic.Int64
	shrinks int // erase hysteresis, writer-only
	_       [(opt.CacheLineSize_ - unsafe.Sizeof(shardHeader{})%opt.CacheLineSize_) % opt.CacheLineSize_]byte
}

func (s *shard[K, V]) init(capacity int) {
	atomic.StorePointer(&s.table, unsafe.Pointer(newShardTable[K, V](capacity)))
}

//go:nosplit
func (s *shard[K, V]) loadTable() *table[K, V] {
	return (*table[K, V])(atomic.LoadPointer(&s.table))
}

func (s *shard[K, V]) publishTable(t *table[K, V]) {
	atomic.StorePointer(&s.table, unsafe.Pointer(t))
}

// ============================================================================
// Lock-free reads (caller must hold an epoch guard)
// ============================================================================

// find probes for key without taking the shard mutex. Each slot is
// copied inside a seq-stable window; any instability (odd sequence or a
// sequence change across the copy) restarts the whole probe, because
// the table pointer itself may have moved under a resize.
func (s *shard[K, V]) find(hash uintptr, key K) (V, bool) {
	if opt.Race_ {
		// The race detector cannot model seqlock reads; degrade to the
		// locked lookup so instrumented builds stay warning-free.
		return s.findLocked(hash, key)
	}
restart:
	for {
		t := s.loadTable()
		pos := hash & t.mask
		expected := uint8(1)
		for {
			sl := &t.slots[pos]
			s1, even := sl.seq.BeginRead()
			if !even {
				continue restart // writer inside the slot
			}
			d := sl.data.ReadUnfenced()
			if !sl.seq.EndRead(s1) {
				continue restart // slot changed during the copy
			}
			if d.dist == 0 || d.dist < expected {
				// Empty, or a less-displaced resident: the key cannot
				// be further down this probe chain.
				var zero V
				return zero, false
			}
			if d.dist == expected && d.hash == hash && d.key == key {
				return d.value, true
			}
			pos = (pos + 1) & t.mask
			expected++
			if expected == 0 {
				var zero V
				return zero, false
			}
		}
	}
}

func (s *shard[K, V]) findLocked(hash uintptr, key K) (V, bool) {
	s.mu.Lock()
	t := s.loadTable()
	var v V
	pos, ok := lookupIn(t, hash, key)
	if ok {
		v = t.slots[pos].data.Ptr().value
	}
	s.mu.Unlock()
	return v, ok
}

// lookupIn probes for key with plain reads. Only valid under the shard
// mutex, where no other writer can be inside a slot.
func lookupIn[K comparable, V any](t *table[K, V], hash uintptr, key K) (uintptr, bool) {
	pos := hash & t.mask
	expected := uint8(1)
	for {
		d := t.slots[pos].data.Ptr()
		if d.dist == 0 || d.dist < expected {
			return 0, false
		}
		if d.dist == expected && d.hash == hash && d.key == key {
			return pos, true
		}
		pos = (pos + 1) & t.mask
		expected++
		if expected == 0 {
			return 0, false
		}
	}
}

// ============================================================================
// Locked writes (caller must hold an epoch guard)
// ============================================================================

func (s *shard[K, V]) insert(hash uintptr, key K, value V, ebr *EpochManager) bool {
	s.mu.Lock()
	t := s.loadTable()
	if _, ok := lookupIn(t, hash, key); ok {
		s.mu.Unlock()
		return false
	}
	t = s.maybeGrow(t, ebr)
	s.insertFresh(t, hash, key, value, ebr)
	s.mu.Unlock()
	return true
}

// insertFresh places a key known to be absent, growing the table until
// the Robin Hood insertion succeeds, and updates the counters.
// Must be called under the shard mutex.
func (s *shard[K, V]) insertFresh(t *table[K, V], hash uintptr, key K, value V, ebr *EpochManager) {
	cur := slotData[K, V]{dist: 1, hash: hash, key: key, value: value}
	for {
		var ok bool
		cur, ok = insertIntoTable(t, cur)
		if ok {
			break
		}
		// Max probe distance reached: grow and re-place the carried
		// element (which, after displacements, need not be the one this
		// call started with) from its home position in the wider table.
		cur.dist = 1
		t = s.resize(t, len(t.slots)*2, ebr)
	}
	s.size.Add(1)
	s.shrinks = 0
}

// insertIntoTable runs Robin Hood insertion on a published table,
// bracketing every slot mutation with its seqlock. It does NOT check
// for duplicates; the caller must.
//
// On success returns (_, true). If the carry's probe distance reaches
// maxProbeDist it returns the carried element and false; the caller
// must resize and re-place that carry.
func insertIntoTable[K comparable, V any](t *table[K, V], cur slotData[K, V]) (slotData[K, V], bool) {
	pos := cur.hash & t.mask
	for {
		sl := &t.slots[pos]
		d := sl.data.Ptr()
		if d.dist == 0 {
			sl.seq.BeginWriteLocked()
			sl.data.WriteUnfenced(cur)
			sl.seq.EndWriteLocked()
			return cur, true
		}
		if d.dist < cur.dist {
			// Robin Hood: steal from the rich.
			old := *d
			sl.seq.BeginWriteLocked()
			sl.data.WriteUnfenced(cur)
			sl.seq.EndWriteLocked()
			cur = old
		}
		pos = (pos + 1) & t.mask
		cur.dist++
		if cur.dist >= maxProbeDist {
			return cur, false
		}
	}
}

// rehashInsert is Robin Hood insertion into a table that has not been
// published yet: no sequence brackets are needed because no reader can
// reach it.
func rehashInsert[K comparable, V any](t *table[K, V], cur slotData[K, V]) {
	pos := cur.hash & t.mask
	for {
		d := t.slots[pos].data.Ptr()
		if d.dist == 0 {
			*d = cur
			return
		}
		if d.dist < cur.dist {
			cur, *d = *d, cur
		}
		pos = (pos + 1) & t.mask
		cur.dist++
	}
}

func (s *shard[K, V]) erase(hash uintptr, key K, ebr *EpochManager) bool {
	s.mu.Lock()
	t := s.loadTable()
	pos, ok := lookupIn(t, hash, key)
	if !ok {
		s.mu.Unlock()
		return false
	}

	// Backward-shift delete: walk the probe chain, pulling each
	// displaced successor one step closer to home, until an empty or
	// at-home slot terminates the run; the last vacated slot is reset.
	for {
		next := (pos + 1) & t.mask
		nxt := &t.slots[next]
		nd := nxt.data.Ptr()
		if nd.dist <= 1 {
			sl := &t.slots[pos]
			sl.seq.BeginWriteLocked()
			sl.data.WriteUnfenced(slotData[K, V]{})
			sl.seq.EndWriteLocked()
			break
		}
		moved := *nd
		moved.dist--
		sl := &t.slots[pos]
		sl.seq.BeginWriteLocked()
		nxt.seq.BeginWriteLocked()
		sl.data.WriteUnfenced(moved)
		nxt.seq.EndWriteLocked()
		sl.seq.EndWriteLocked()
		pos = next
	}

	s.size.Add(-1)
	s.maybeShrink(t, ebr)
	s.mu.Unlock()
	return true
}

func (s *shard[K, V]) store(hash uintptr, key K, value V, ebr *EpochManager) bool {
	s.mu.Lock()
	t := s.loadTable()
	if pos, ok := lookupIn(t, hash, key); ok {
		sl := &t.slots[pos]
		cur := *sl.data.Ptr()
		cur.value = value
		sl.seq.BeginWriteLocked()
		sl.data.WriteUnfenced(cur)
		sl.seq.EndWriteLocked()
		s.mu.Unlock()
		return false // assigned, not inserted
	}
	t = s.maybeGrow(t, ebr)
	s.insertFresh(t, hash, key, value, ebr)
	s.mu.Unlock()
	return true
}

func (s *shard[K, V]) loadOrStore(hash uintptr, key K, value V, ebr *EpochManager) (V, bool) {
	s.mu.Lock()
	t := s.loadTable()
	if pos, ok := lookupIn(t, hash, key); ok {
		v := t.slots[pos].data.Ptr().value
		s.mu.Unlock()
		return v, true
	}
	t = s.maybeGrow(t, ebr)
	s.insertFresh(t, hash, key, value, ebr)
	s.mu.Unlock()
	return value, false
}

// loadOrStoreFn is the lazily-computed variant: fn runs at most once,
// only when the key was absent at the moment the mutex was acquired.
// fn must not call back into the same map. The unlock is deferred so a
// panicking factory leaves the table consistent (the factory runs
// before any slot is touched).
func (s *shard[K, V]) loadOrStoreFn(hash uintptr, key K, fn func() V, ebr *EpochManager) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.loadTable()
	if pos, ok := lookupIn(t, hash, key); ok {
		return t.slots[pos].data.Ptr().value, true
	}
	value := fn()
	t = s.maybeGrow(t, ebr)
	s.insertFresh(t, hash, key, value, ebr)
	return value, false
}

func (s *shard[K, V]) insertFn(hash uintptr, key K, fn func() V, ebr *EpochManager) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.loadTable()
	if _, ok := lookupIn(t, hash, key); ok {
		return false
	}
	value := fn()
	t = s.maybeGrow(t, ebr)
	s.insertFresh(t, hash, key, value, ebr)
	return true
}

func (s *shard[K, V]) clear(ebr *EpochManager) {
	s.mu.Lock()
	old := s.loadTable()
	s.publishTable(newShardTable[K, V](minTableCap))
	s.size.Store(0)
	s.shrinks = 0
	retireTable(old, ebr)
	s.mu.Unlock()
}

func (s *shard[K, V]) reserve(count int, ebr *EpochManager) {
	s.mu.Lock()
	// Capacity such that count/capacity stays within the load factor.
	needed := nextPowOf2(int(float64(count)/maxLoadFactor) + 1)
	if needed < minTableCap {
		needed = minTableCap
	}
	t := s.loadTable()
	if needed > len(t.slots) {
		s.resize(t, needed, ebr)
	}
	s.mu.Unlock()
}

//go:nosplit
func (s *shard[K, V]) count() int {
	return int(s.size.Load())
}

// capacity is a diagnostics hook; it reads the published table without
// the mutex and is exact only in quiescence.
func (s *shard[K, V]) capacity() int {
	return len(s.loadTable().slots)
}

// ============================================================================
// Resizing (all under the shard mutex)
// ============================================================================

// resize moves every live element into a fresh table of newCap slots
// using the cached hashes, publishes the new table, and retires the old
// one through the epoch manager. Each vacated source slot is cleared
// inside a seq bracket so in-flight readers of the old table retry
// instead of observing moved-out entries twice.
func (s *shard[K, V]) resize(t *table[K, V], newCap int, ebr *EpochManager) *table[K, V] {
	nt := newShardTable[K, V](newCap)
	for i := range t.slots {
		sl := &t.slots[i]
		d := sl.data.Ptr()
		if d.dist == 0 {
			continue
		}
		moved := *d
		sl.seq.BeginWriteLocked()
		sl.data.WriteUnfenced(slotData[K, V]{})
		sl.seq.EndWriteLocked()
		moved.dist = 1
		rehashInsert(nt, moved)
	}
	s.publishTable(nt)
	retireTable(t, ebr)
	return nt
}

func (s *shard[K, V]) maybeGrow(t *table[K, V], ebr *EpochManager) *table[K, V] {
	if float64(s.size.Load()+1) > float64(len(t.slots))*maxLoadFactor {
		return s.resize(t, len(t.slots)*2, ebr)
	}
	return t
}

// maybeShrink applies the erase hysteresis: each erase that leaves the
// load below the shrink threshold bumps a counter, and only when the
// counter exceeds the current capacity does the table halve (clamped at
// the minimum). Any erase at healthy load resets the counter.
func (s *shard[K, V]) maybeShrink(t *table[K, V], ebr *EpochManager) {
	capacity := len(t.slots)
	load := float64(s.size.Load()) / float64(capacity)
	if load < shrinkLoadFactor && capacity > minTableCap {
		s.shrinks++
		if s.shrinks > capacity {
			newCap := capacity / 2
			if newCap < minTableCap {
				newCap = minTableCap
			}
			s.resize(t, newCap, ebr)
			s.shrinks = 0
		}
	} else {
		s.shrinks = 0
	}
}

// retireTable defers releasing the old table's payload until no pinned
// reader can still probe it. Dropping the key/value references in the
// destructor keeps retired generations from pinning large payloads in
// the heap for longer than the grace period.
func retireTable[K comparable, V any](t *table[K, V], ebr *EpochManager) {
	ebr.Retire(func() {
		clear(t.slots)
	})
}
