package shardmap

import (
	"reflect"
	"time"
	"unsafe"
)

// ============================================================================
// Private Constants
// ============================================================================

const (
	// minTableCap: minimum number of slots per shard table
	minTableCap = 16
	// maxLoadFactor: grow the table when occupancy would exceed this
	maxLoadFactor = 0.75
	// shrinkLoadFactor: shrink candidate when occupancy drops below this
	shrinkLoadFactor = 0.15
	// maxProbeDist: probe distance that forces a grow-and-retry
	maxProbeDist = 128

	// defaultShardBits yields 1<<6 = 64 shards
	defaultShardBits = 6
	maxShardBits     = 16
)

const (
	intSize = 32 << (^uint(0) >> 63) // 32 or 64
	ptrBits = int(unsafe.Sizeof(uintptr(0))) * 8
)

// ============================================================================
// Hash Routing Utilities
// ============================================================================

// shardIndex derives a shard number from the top bits of a hash.
// The low bits feed the in-table position (hash & mask), so using the
// high bits here keeps shard routing and slot placement independent.
//
//go:nosplit
func shardIndex(h uintptr, bits int) int {
	return int(h >> (uint(ptrBits) - uint(bits)))
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or
// equal to n. Compatible with both 32-bit and 64-bit systems.
//
//go:nosplit
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}
	v := n - 1
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	if intSize == 64 {
		v |= v >> 32
	}
	return v + 1
}

// isPowOf2 reports whether n is a positive power of two.
//
//go:nosplit
func isPowOf2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// ============================================================================
// Escape / Copy Utilities
// ============================================================================

// noescape hides a pointer from escape analysis. noescape is
// the identity function, but escape analysis doesn't think the
// output depends on the input. noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	//nolint:all
	return unsafe.Pointer(x ^ 0)
}

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// ============================================================================
// Spin / Backoff Utilities
// ============================================================================

func trySpin(spins *int) bool {
	if runtime_canSpin(*spins) {
		*spins++
		runtime_doSpin()
		return true
	}
	return false
}

func delay(spins *int) {
	if trySpin(spins) {
		return
	}
	*spins = 0
	// time.Sleep with non-zero duration (≈Millisecond level) works
	// effectively as backoff under high concurrency.
	// The 500µs duration is derived from Facebook/folly's implementation:
	// https://github.com/facebook/folly/blob/main/folly/synchronization/detail/Sleeper.h
	time.Sleep(500 * time.Microsecond)
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
func runtime_doSpin()

// nolint:all
//
//go:linkname runtime_procPin sync.runtime_procPin
func runtime_procPin() int

// nolint:all
//
//go:linkname runtime_procUnpin sync.runtime_procUnpin
func runtime_procUnpin()

// ============================================================================
// Hash Utilities
// ============================================================================

// HashFunc is the function to hash a value of type K.
type HashFunc func(ptr unsafe.Pointer, seed uintptr) uintptr

func defaultHasher[K comparable]() HashFunc {
	switch any(*new(K)).(type) {
	case uint, int, uintptr:
		return hashUintptr
	case uint64, int64:
		if intSize == 64 {
			return hashUint64
		}
		return hashUint64On32Bit
	case uint32, int32:
		return hashUint32
	case uint16, int16:
		return hashUint16
	case uint8, int8:
		return hashUint8
	case string:
		return hashString
	default:
		switch reflect.TypeFor[K]().Kind() {
		case reflect.Uint, reflect.Int, reflect.Uintptr:
			return hashUintptr
		case reflect.Int64, reflect.Uint64:
			if intSize == 64 {
				return hashUint64
			}
			return hashUint64On32Bit
		case reflect.Int32, reflect.Uint32:
			return hashUint32
		case reflect.Int16, reflect.Uint16:
			return hashUint16
		case reflect.Int8, reflect.Uint8:
			return hashUint8
		case reflect.String:
			return hashString
		default:
			return defaultHasherUsingBuiltIn[K]()
		}
	}
}

// mix spreads an integer key across the whole word with Fibonacci
// hashing. Shard routing consumes the HIGH bits of the hash, so integer
// keys cannot be used as-is: sequential ints would collapse onto one
// shard. Multiplying by the golden-ratio constant pushes entropy from
// the low bits into the top bits while staying a bijection.
//
//go:nosplit
func mix(h uintptr) uintptr {
	if unsafe.Sizeof(h) == 8 {
		var c64 uint64 = 0x9e3779b97f4a7c15
		return h * uintptr(c64)
	}
	var c32 uint32 = 0x9e3779b1
	return h * uintptr(c32)
}

//go:nosplit
func hashUintptr(ptr unsafe.Pointer, _ uintptr) uintptr {
	return mix(*(*uintptr)(ptr))
}

//go:nosplit
func hashUint64On32Bit(ptr unsafe.Pointer, _ uintptr) uintptr {
	v := *(*uint64)(ptr)
	return mix(uintptr(v) ^ uintptr(v>>32))
}

//go:nosplit
func hashUint64(ptr unsafe.Pointer, _ uintptr) uintptr {
	return mix(uintptr(*(*uint64)(ptr)))
}

//go:nosplit
func hashUint32(ptr unsafe.Pointer, _ uintptr) uintptr {
	return mix(uintptr(*(*uint32)(ptr)))
}

//go:nosplit
func hashUint16(ptr unsafe.Pointer, _ uintptr) uintptr {
	return mix(uintptr(*(*uint16)(ptr)))
}

//go:nosplit
func hashUint8(ptr unsafe.Pointer, _ uintptr) uintptr {
	return mix(uintptr(*(*uint8)(ptr)))
}

//go:nosplit
func hashString(ptr unsafe.Pointer, seed uintptr) uintptr {
	// The algorithm has good cache affinity for short keys
	type stringHeader struct {
		data unsafe.Pointer
		len  int
	}
	s := (*stringHeader)(ptr)
	if s.len <= 12 {
		for i := range s.len {
			seed = seed*31 + uintptr(*(*uint8)(unsafe.Add(s.data, i)))
		}
		// The polynomial only varies the low bits; mix lifts that
		// entropy into the high bits that pick the shard.
		return mix(seed)
	}
	// Fallback to the built-in hash function
	return builtInStringHasher(ptr, seed)
}

var builtInStringHasher = defaultHasherUsingBuiltIn[string]()

// defaultHasherUsingBuiltIn gets Go's built-in hash function for the
// specified key type using the runtime's map type metadata.
//
// This approach provides direct access to the type-specific function
// without the overhead of switch statements.
//
// Notes:
//   - This implementation relies on Go's internal type representation
//   - It should be verified for compatibility with each Go version upgrade
func defaultHasherUsingBuiltIn[K comparable]() HashFunc {
	var m map[K]struct{}
	return iTypeOf(m).MapType().Hasher
}

type (
	iTFlag   uint8
	iKind    uint8
	iNameOff int32
)

// iTypeOff is the offset to a type from moduledata.types. See
// resolveTypeOff in runtime.
type iTypeOff int32

type iType struct {
	Size_       uintptr
	PtrBytes    uintptr
	Hash        uint32
	TFlag       iTFlag
	Align_      uint8
	FieldAlign_ uint8
	Kind_       iKind
	Equal       func(unsafe.Pointer, unsafe.Pointer) bool
	GCData      *byte
	Str         iNameOff
	PtrToThis   iTypeOff
}

func (t *iType) MapType() *iMapType {
	return (*iMapType)(unsafe.Pointer(t))
}

type iMapType struct {
	iType
	Key   *iType
	Elem  *iType
	Group *iType
	// function for hashing keys (ptr to key, seed) -> hash
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

func iTypeOf(a any) *iType {
	eface := *(*iEmptyInterface)(unsafe.Pointer(&a))
	// Types are either static or heap-allocated but always reachable,
	// so there is no need to escape them.
	return (*iType)(noescape(unsafe.Pointer(eface.Type)))
}

type iEmptyInterface struct {
	Type *iType
	Data unsafe.Pointer
}
