package shardmap

import (
	"testing"
	"unsafe"
)

func TestNextPowOf2(t *testing.T) {
	cases := []struct{ in, want int }{
		{-1, 1},
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{15, 16},
		{16, 16},
		{17, 32},
		{1000, 1024},
		{1 << 20, 1 << 20},
		{1<<20 + 1, 1 << 21},
	}
	for _, c := range cases {
		if got := nextPowOf2(c.in); got != c.want {
			t.Fatalf("nextPowOf2(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestIsPowOf2(t *testing.T) {
	for _, n := range []int{1, 2, 4, 16, 1 << 20} {
		if !isPowOf2(n) {
			t.Fatalf("isPowOf2(%d) = false", n)
		}
	}
	for _, n := range []int{0, -1, 3, 6, 1<<20 + 1} {
		if isPowOf2(n) {
			t.Fatalf("isPowOf2(%d) = true", n)
		}
	}
}

func TestShardIndex(t *testing.T) {
	all := ^uintptr(0)
	if got := shardIndex(all, 6); got != 63 {
		t.Fatalf("shardIndex(all-ones, 6) = %d, want 63", got)
	}
	if got := shardIndex(0, 6); got != 0 {
		t.Fatalf("shardIndex(0, 6) = %d, want 0", got)
	}
	if got := shardIndex(all, 0); got != 0 {
		t.Fatalf("shardIndex(all-ones, 0) = %d, want 0", got)
	}
	// Only the top bits participate: flipping low bits must not move
	// the shard.
	h := uintptr(0xABCD) << (uint(ptrBits) - 16)
	if shardIndex(h, 6) != shardIndex(h|0xFFF, 6) {
		t.Fatalf("low bits leaked into shard routing")
	}
	if got, want := shardIndex(h, 16), 0xABCD; got != want {
		t.Fatalf("shardIndex = %#x, want %#x", got, want)
	}
}

func TestIntHashIsBijective(t *testing.T) {
	// Fibonacci mixing must keep distinct keys distinct while spreading
	// them across shards.
	seen := make(map[uintptr]bool)
	shards := make(map[int]bool)
	for i := range 4096 {
		k := i
		h := hashUintptr(unsafe.Pointer(&k), 0)
		if seen[h] {
			t.Fatalf("hash collision for key %d", i)
		}
		seen[h] = true
		shards[shardIndex(h, 6)] = true
	}
	if len(shards) < 32 {
		t.Fatalf("sequential keys reached only %d of 64 shards", len(shards))
	}
}

func TestDefaultHasherStringSpread(t *testing.T) {
	m := New[string, int]()
	shards := make(map[int]bool)
	for i := range 1024 {
		k := "k" + string(rune('a'+i%26)) + string(rune('0'+i%10))
		h := m.hash(&k)
		shards[shardIndex(h, 6)] = true
	}
	if len(shards) < 16 {
		t.Fatalf("string keys reached only %d of 64 shards", len(shards))
	}
}
