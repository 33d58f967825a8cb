package shardmap

import (
	"unsafe"
)

// ============================================================================
// Configuration
// ============================================================================

// MapConfig defines configurable options for Map initialization.
type MapConfig struct {
	// keyHash specifies a custom hash function for keys.
	// If nil, the built-in hash function will be used.
	// Custom hash functions can improve performance for specific key
	// types or provide better hash distribution; note that the shard is
	// chosen from the hash's HIGH bits, so hashers that only randomize
	// low bits will concentrate keys on few shards.
	keyHash HashFunc

	// shardBits is log2 of the shard count. Legal range 0..16.
	// hasShardBits distinguishes an explicit 0 (one shard) from the
	// default (6, i.e. 64 shards).
	shardBits    int
	hasShardBits bool

	// capacity provides an estimate of the expected number of entries.
	// It is used to pre-allocate the shard tables, reducing resizes
	// during initial population. If zero or negative it is ignored.
	// The per-shard capacity is rounded up to the next power of 2.
	capacity int
}

// WithShardBits sets the number of shards to 1<<bits.
// Legal range for bits is 0 through 16; New panics outside it.
// More shards reduce writer contention at the cost of a larger
// footprint; the default of 6 (64 shards) suits most workloads.
func WithShardBits(bits int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.shardBits = bits
		c.hasShardBits = true
	}
}

// WithCapacity configures a new Map instance with capacity enough to
// hold n entries without resizing. If n is zero or negative, the value
// is ignored.
func WithCapacity(n int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.capacity = n
	}
}

// WithKeyHasher sets a custom key hashing function for the map.
//
// Parameters:
//   - keyHash: custom hash function that takes a key and seed and
//     returns the hash value. Pass nil to use the default built-in
//     hasher.
//
// Use cases:
//   - Optimize hash distribution for specific data patterns
//   - Case-insensitive string hashing
//   - Deterministic hashing in tests
func WithKeyHasher[K comparable](
	keyHash func(key K, seed uintptr) uintptr,
) func(*MapConfig) {
	return func(c *MapConfig) {
		if keyHash != nil {
			c.keyHash = func(ptr unsafe.Pointer, seed uintptr) uintptr {
				return keyHash(*(*K)(ptr), seed)
			}
		}
	}
}

// WithKeyHasherUnsafe sets a low-level key hashing function operating
// directly on the key's memory. This is the high-performance variant of
// WithKeyHasher; the pointer passed to hs is the address of the key.
//
// Notes:
//   - You must correctly cast unsafe.Pointer to the actual key type
//   - Incorrect pointer operations will cause crashes or memory
//     corruption
func WithKeyHasherUnsafe(hs HashFunc) func(*MapConfig) {
	return func(c *MapConfig) {
		c.keyHash = hs
	}
}
