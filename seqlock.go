package shardmap

import (
	"sync/atomic"
	"unsafe"

	"github.com/llxisdsh/shardmap/internal/opt"
)

// seqCount coordinates tear-free publication for a single slot.
//
// Role:
//   - Sequence guard only: holds the odd/even counter, no payload.
//   - Stable-window reads: readers copy from a seqSlot while the
//     sequence is even and unchanged across the copy.
//   - In-lock writes: writers already serialized by an external mutex
//     flip the sequence to odd, mutate, then flip it back to even.
//
// An odd sequence means a writer is inside the slot; readers observing
// odd, or a sequence change across their copy window, must retry.
type seqCount struct {
	seq uint32
}

// BeginRead enters the reader window if the sequence is even.
// Returns the observed sequence and ok=true when even.
//
//go:nosplit
func (sc *seqCount) BeginRead() (s1 uint32, ok bool) {
	s1 = atomic.LoadUint32(&sc.seq)
	return s1, s1&1 == 0
}

// EndRead verifies window stability: true if the sequence is unchanged.
//
//go:nosplit
func (sc *seqCount) EndRead(s1 uint32) bool {
	return atomic.LoadUint32(&sc.seq) == s1
}

// BeginWriteLocked enters the writer window (sequence becomes odd).
// Only safe while the slot's owning mutex is held.
//
//go:nosplit
func (sc *seqCount) BeginWriteLocked() {
	atomic.AddUint32(&sc.seq, 1)
}

// EndWriteLocked exits the writer window (sequence becomes even again).
// Only safe while the slot's owning mutex is held.
//
//go:nosplit
func (sc *seqCount) EndWriteLocked() {
	atomic.AddUint32(&sc.seq, 1)
}

// seqSlot holds an inline buffer of T, published tear-free through a
// paired seqCount.
//
// Copy semantics:
//   - On TSO (amd64/386/s390x), plain typed copies are sufficient
//     within a stable window.
//   - On weak models, uintptr-sized atomic copies are used when the
//     layout permits; otherwise a typed copy is the best available.
//
// Safety:
//   - ReadUnfenced/WriteUnfenced must run under a seqlock-stable window
//     or the owning mutex; otherwise torn reads/writes are possible.
type seqSlot[T any] struct {
	_   [0]atomic.Uintptr
	buf T
}

// ReadUnfenced copies buf into v. Must be called within a seqlock
// read window or with the owning mutex held.
func (s *seqSlot[T]) ReadUnfenced() (v T) {
	if opt.IsTSO_ {
		return s.buf
	}
	ws := unsafe.Sizeof(uintptr(0))
	sz := unsafe.Sizeof(s.buf)
	if sz != 0 && unsafe.Alignof(s.buf) >= ws && sz%ws == 0 {
		for i := uintptr(0); i < sz/ws; i++ {
			src := (*uintptr)(unsafe.Add(unsafe.Pointer(&s.buf), i*ws))
			dst := (*uintptr)(unsafe.Add(unsafe.Pointer(&v), i*ws))
			*dst = atomic.LoadUintptr(src)
		}
		return v
	}
	return s.buf
}

// WriteUnfenced writes v into buf. Must be called within a seqlock
// write window (odd sequence) with the owning mutex held.
func (s *seqSlot[T]) WriteUnfenced(v T) {
	if opt.IsTSO_ {
		s.buf = v
		return
	}
	ws := unsafe.Sizeof(uintptr(0))
	sz := unsafe.Sizeof(s.buf)
	if sz != 0 && unsafe.Alignof(s.buf) >= ws && sz%ws == 0 {
		for i := uintptr(0); i < sz/ws; i++ {
			src := (*uintptr)(unsafe.Add(unsafe.Pointer(&v), i*ws))
			dst := (*uintptr)(unsafe.Add(unsafe.Pointer(&s.buf), i*ws))
			atomic.StoreUintptr(dst, *src)
		}
		return
	}
	s.buf = v
}

// Ptr returns the address of the inline buffer. Mutations through this
// pointer must be guarded by the owning mutex and, when the slot is
// reachable by readers, an odd/even sequence bracket.
//
//go:nosplit
func (s *seqSlot[T]) Ptr() *T {
	return &s.buf
}
