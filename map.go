package shardmap

import (
	"math/rand/v2"
	"unsafe"
)

// Map is a thread-safe hash map built from sharded Robin Hood tables
// with per-slot seqlocks and epoch-based memory reclamation.
//
// Core properties:
//   - Lock-free reads: Load/Contains/Count never take a mutex; they
//     copy slots inside seq-stable windows and retry on writer overlap.
//     Under the race detector they take the shard mutex instead.
//   - Fine-grained writes: each shard has its own spin mutex, so
//     writers to different shards never contend.
//   - Safe table turnover: resized-away tables are retired through an
//     epoch manager and released only after every in-flight reader has
//     moved on.
//
// Usage:
//
//	m := New[string, int](WithCapacity(1024))
//	m.Store("a", 1)
//	v, ok := m.Load("a")
//
// Notes:
//   - Map must not be copied after first use.
//   - Size is exact per shard but only approximate across shards; see
//     Size for details.
//   - Factory callbacks (InsertFn, LoadOrStoreFn) run under a shard
//     mutex and must not call back into the same Map.
type Map[K comparable, V any] struct {
	_       noCopy
	shards  []shard[K, V]
	ebr     *EpochManager
	keyHash HashFunc
	seed    uintptr
	bits    int
}

// New creates a Map configured by the given options.
//
// Configuration options:
//   - WithShardBits(b): use 1<<b shards (default 6, so 64 shards).
//   - WithCapacity(n): pre-size the tables for about n entries.
//   - WithKeyHasher / WithKeyHasherUnsafe: custom or built-in hashing.
func New[K comparable, V any](options ...func(*MapConfig)) *Map[K, V] {
	var cfg MapConfig
	for _, o := range options {
		o(&cfg)
	}

	bits := defaultShardBits
	if cfg.hasShardBits {
		if cfg.shardBits < 0 || cfg.shardBits > maxShardBits {
			panic("shardmap: shard bits out of range [0, 16]")
		}
		bits = cfg.shardBits
	}

	m := &Map[K, V]{
		shards: make([]shard[K, V], 1<<bits),
		ebr:    NewEpochManager(),
		seed:   uintptr(rand.Uint64()),
		bits:   bits,
	}
	m.keyHash = defaultHasher[K]()
	if cfg.keyHash != nil {
		m.keyHash = cfg.keyHash
	}

	slotCap := minTableCap
	if cfg.capacity > 0 {
		perShard := (cfg.capacity + len(m.shards) - 1) / len(m.shards)
		slotCap = nextPowOf2(int(float64(perShard)/maxLoadFactor) + 1)
	}
	for i := range m.shards {
		m.shards[i].init(slotCap)
	}
	return m
}

//go:nosplit
func (m *Map[K, V]) hash(key *K) uintptr {
	return m.keyHash(noescape(unsafe.Pointer(key)), m.seed)
}

// shardFor routes a hash to its shard using the hash's high bits; the
// low bits go on to pick the home slot inside the shard's table.
//
//go:nosplit
func (m *Map[K, V]) shardFor(h uintptr) *shard[K, V] {
	return &m.shards[shardIndex(h, m.bits)]
}

// Load retrieves the value for a key without locking (race-detector
// builds take the shard mutex).
// It returns the value and true on a hit, the zero value and false on
// a miss.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	h := m.hash(&key)
	g := m.ebr.Pin()
	value, ok = m.shardFor(h).find(h, key)
	g.Unpin()
	return
}

// Contains reports whether the key is present.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.Load(key)
	return ok
}

// Count returns 1 if the key is present and 0 otherwise.
func (m *Map[K, V]) Count(key K) int {
	if m.Contains(key) {
		return 1
	}
	return 0
}

// Insert adds a key-value pair.
// It reports true if the pair was inserted, false if the key already
// existed (in which case the existing value is left untouched).
func (m *Map[K, V]) Insert(key K, value V) bool {
	h := m.hash(&key)
	g := m.ebr.Pin()
	ok := m.shardFor(h).insert(h, key, value, m.ebr)
	g.Unpin()
	return ok
}

// InsertFn adds a key with a lazily-built value.
// fn is invoked at most once, and only if the key was absent when the
// shard lock was taken. It reports true if the value was inserted.
// fn must not call back into the same Map.
func (m *Map[K, V]) InsertFn(key K, fn func() V) bool {
	h := m.hash(&key)
	g := m.ebr.Pin()
	defer g.Unpin()
	return m.shardFor(h).insertFn(h, key, fn, m.ebr)
}

// Store sets the value for a key, inserting it if absent.
// It reports true if the key was newly inserted, false if an existing
// value was overwritten.
func (m *Map[K, V]) Store(key K, value V) bool {
	h := m.hash(&key)
	g := m.ebr.Pin()
	ok := m.shardFor(h).store(h, key, value, m.ebr)
	g.Unpin()
	return ok
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value. The loaded result
// is true if the value was loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	h := m.hash(&key)
	g := m.ebr.Pin()
	actual, loaded = m.shardFor(h).loadOrStore(h, key, value, m.ebr)
	g.Unpin()
	return
}

// LoadOrStoreFn loads the value for a key if present. Otherwise, it
// stores and returns the value built by fn. fn is invoked at most once,
// only when the key was absent under the shard lock, and must not call
// back into the same Map.
func (m *Map[K, V]) LoadOrStoreFn(key K, fn func() V) (actual V, loaded bool) {
	h := m.hash(&key)
	g := m.ebr.Pin()
	defer g.Unpin()
	return m.shardFor(h).loadOrStoreFn(h, key, fn, m.ebr)
}

// Delete removes the key. It reports whether the key was present.
func (m *Map[K, V]) Delete(key K) bool {
	h := m.hash(&key)
	g := m.ebr.Pin()
	ok := m.shardFor(h).erase(h, key, m.ebr)
	g.Unpin()
	return ok
}

// Size returns the number of entries as the sum of per-shard counters.
// Each counter is exact under its shard's mutex; the sum taken without
// global locking is a consistent-per-shard approximation.
func (m *Map[K, V]) Size() int {
	total := 0
	for i := range m.shards {
		total += m.shards[i].count()
	}
	return total
}

// IsZero reports whether the map appears empty. Subject to the same
// cross-shard approximation as Size.
func (m *Map[K, V]) IsZero() bool {
	for i := range m.shards {
		if m.shards[i].count() != 0 {
			return false
		}
	}
	return true
}

// Clear resets every shard to an empty minimum-capacity table. The
// replaced tables are retired through the epoch manager.
func (m *Map[K, V]) Clear() {
	g := m.ebr.Pin()
	for i := range m.shards {
		m.shards[i].clear(m.ebr)
	}
	g.Unpin()
}

// Reserve grows the tables so that about n entries fit without further
// resizing, spreading the budget evenly across shards. It never
// shrinks.
func (m *Map[K, V]) Reserve(n int) {
	perShard := n / len(m.shards)
	if n%len(m.shards) != 0 {
		perShard++
	}
	g := m.ebr.Pin()
	for i := range m.shards {
		m.shards[i].reserve(perShard, m.ebr)
	}
	g.Unpin()
}

// capacity sums the shard table capacities; diagnostics only.
func (m *Map[K, V]) capacity() int {
	total := 0
	for i := range m.shards {
		total += m.shards[i].capacity()
	}
	return total
}
