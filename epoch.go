package shardmap

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/llxisdsh/shardmap/internal/opt"
)

// EpochManager implements three-generation epoch-based reclamation.
//
// Objects retired at epoch N are destroyed once the global epoch reaches
// N+2, because by then every pinned reader has moved past epoch N. The
// retire lists are Treiber stacks indexed by epoch mod 3; the global
// epoch only advances when every pinned entry has observed it.
//
// Go has no per-OS-thread storage, so entries are bound per guard
// instead of per thread: Pin acquires an entry from a per-P cache (or a
// lock-free freelist), Unpin returns it. Entries are recycled rather
// than orphaned, which keeps the intrusive entry list bounded by the
// peak number of concurrent guards plus the idle entries parked in
// per-P cache slots, instead of growing with every short-lived
// goroutine.
type EpochManager struct {
	globalEpoch atomic.Uint64
	entries     atomic.Pointer[epochEntry] // every entry ever created
	retire      [3]retireList
	advanceMu   SpinLock
	free        atomic.Pointer[epochEntry] // idle entries for reuse
	cache       []entryCacheLine           // per-P idle entry, fast path
	cacheMask   int
}

// epochAdvanceInterval amortizes tryAdvance: only every Nth unpin on a
// given entry attempts an advance, reducing advance-mutex contention
// and entry-list scans.
const epochAdvanceInterval = 64

// epochEntry is the per-pin record linked into the manager's intrusive
// lock-free list. next is immutable once the entry is published.
type epochEntry struct {
	localEpoch atomic.Uint64
	active     atomic.Bool
	unpins     uint32 // owner-only amortization counter
	next       *epochEntry
	freeNext   atomic.Pointer[epochEntry]
}

type entryCacheLine struct {
	p atomic.Pointer[epochEntry]
	_ [(opt.CacheLineSize_ - unsafe.Sizeof(atomic.Pointer[epochEntry]{})%opt.CacheLineSize_) % opt.CacheLineSize_]byte
}

// retireList is a lock-free Treiber stack of retired objects.
type retireList struct {
	head atomic.Pointer[retired]
}

// retired carries a deferred destructor for one retired object.
type retired struct {
	next *retired
	fn   func()
}

func (l *retireList) push(r *retired) {
	for {
		old := l.head.Load()
		r.next = old
		if l.head.CompareAndSwap(old, r) {
			return
		}
	}
}

// drain atomically detaches the entire stack and runs every destructor.
func (l *retireList) drain() {
	r := l.head.Swap(nil)
	for r != nil {
		next := r.next
		if r.fn != nil {
			r.fn()
		}
		r = next
	}
}

// NewEpochManager creates an epoch manager with a per-P entry cache
// sized for the current GOMAXPROCS.
func NewEpochManager() *EpochManager {
	n := nextPowOf2(runtime.GOMAXPROCS(0))
	return &EpochManager{
		cache:     make([]entryCacheLine, n),
		cacheMask: n - 1,
	}
}

// Pin enters an epoch-protected region. Objects retired while the
// returned guard is held will not be destroyed until after Unpin.
// Guards may be stacked freely on the same goroutine.
func (m *EpochManager) Pin() EpochGuard {
	e := m.acquireEntry()
	e.active.Store(true)
	e.localEpoch.Store(m.globalEpoch.Load())
	return EpochGuard{mgr: m, entry: e}
}

// Retire schedules fn to run once no pinned reader can still observe
// the retired object, i.e. after the global epoch has advanced twice.
// fn may be nil when only the grace period matters.
func (m *EpochManager) Retire(fn func()) {
	r := &retired{fn: fn}
	m.retire[m.globalEpoch.Load()%3].push(r)
	m.tryAdvance()
}

// tryAdvance attempts to advance the global epoch by one and drain the
// generation that became unreachable. Serialized by a try-lock;
// contenders simply return (someone else is already advancing).
func (m *EpochManager) tryAdvance() {
	if !m.advanceMu.TryLock() {
		return
	}
	epoch := m.globalEpoch.Load()
	for e := m.entries.Load(); e != nil; e = e.next {
		if e.active.Load() && e.localEpoch.Load() < epoch {
			// A pinned reader has not observed the current epoch yet.
			m.advanceMu.Unlock()
			return
		}
	}
	next := epoch + 1
	m.globalEpoch.Store(next)
	// Generations at new_epoch%3 (current) and (new_epoch-1)%3 (may
	// still be observed) stay; (new_epoch-2)%3 is unreachable.
	if next >= 2 {
		m.retire[(next-2)%3].drain()
	}
	m.advanceMu.Unlock()
}

// acquireEntry returns an idle entry for the calling goroutine: the
// per-P cached one when available, otherwise one popped from the
// freelist, otherwise a fresh entry published on the entry list.
func (m *EpochManager) acquireEntry() *epochEntry {
	pid := runtime_procPin()
	runtime_procUnpin()
	slot := &m.cache[pid&m.cacheMask].p
	if e := slot.Swap(nil); e != nil {
		return e
	}
	for {
		e := m.free.Load()
		if e == nil {
			break
		}
		if m.free.CompareAndSwap(e, e.freeNext.Load()) {
			return e
		}
	}
	e := &epochEntry{}
	for {
		head := m.entries.Load()
		e.next = head
		if m.entries.CompareAndSwap(head, e) {
			return e
		}
	}
}

func (m *EpochManager) releaseEntry(e *epochEntry) {
	pid := runtime_procPin()
	runtime_procUnpin()
	slot := &m.cache[pid&m.cacheMask].p
	if slot.CompareAndSwap(nil, e) {
		return
	}
	for {
		head := m.free.Load()
		e.freeNext.Store(head)
		if m.free.CompareAndSwap(head, e) {
			return
		}
	}
}

// EpochGuard is a pinned region handle. It must be released exactly
// once via Unpin, on any exit path.
type EpochGuard struct {
	mgr   *EpochManager
	entry *epochEntry
}

// Unpin leaves the epoch-protected region and occasionally attempts to
// advance the global epoch.
func (g EpochGuard) Unpin() {
	e := g.entry
	e.active.Store(false)
	e.unpins++
	advance := e.unpins >= epochAdvanceInterval
	if advance {
		e.unpins = 0
	}
	// The entry may be handed to another goroutine as soon as it is
	// released; no touching it past this point.
	g.mgr.releaseEntry(e)
	if advance {
		g.mgr.tryAdvance()
	}
}
