package benchmark

import (
	"runtime"
	"sync"
	"testing"

	"github.com/llxisdsh/pb"
	"github.com/llxisdsh/shardmap"
	"github.com/puzpuzpuz/xsync/v4"
)

const (
	countStore = 1_000_000
	countLoad  = min(1_000_000, countStore)
)

// ------------------------------------------------------

func BenchmarkStore_shardmap_Map(b *testing.B) {
	b.ReportAllocs()
	m := shardmap.New[int, int]()
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		i := 0
		for p.Next() {
			m.Store(i, i)
			i++
			if i >= countStore {
				i = 0
			}
		}
	})
}

func BenchmarkLoad_shardmap_Map(b *testing.B) {
	b.ReportAllocs()
	m := shardmap.New[int, int]()
	for i := 0; i < countLoad; i++ {
		m.Store(i, i)
	}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		i := 0
		for p.Next() {
			_, _ = m.Load(i)
			i++
			if i >= countLoad {
				i = 0
			}
		}
	})
}

func BenchmarkLoadOrStore_shardmap_Map(b *testing.B) {
	b.ReportAllocs()
	m := shardmap.New[int, int]()
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		i := 0
		for p.Next() {
			_, _ = m.LoadOrStore(i, i)
			i++
			if i >= countStore {
				i = 0
			}
		}
	})
}

// ------------------------------------------------------

func BenchmarkStore_pb_MapOf(b *testing.B) {
	b.ReportAllocs()
	m := pb.NewMapOf[int, int]()
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		i := 0
		for p.Next() {
			m.Store(i, i)
			i++
			if i >= countStore {
				i = 0
			}
		}
	})
}

func BenchmarkLoad_pb_MapOf(b *testing.B) {
	b.ReportAllocs()
	m := pb.NewMapOf[int, int]()
	for i := 0; i < countLoad; i++ {
		m.Store(i, i)
	}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		i := 0
		for p.Next() {
			_, _ = m.Load(i)
			i++
			if i >= countLoad {
				i = 0
			}
		}
	})
}

func BenchmarkLoadOrStore_pb_MapOf(b *testing.B) {
	b.ReportAllocs()
	m := pb.NewMapOf[int, int]()
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		i := 0
		for p.Next() {
			_, _ = m.LoadOrStore(i, i)
			i++
			if i >= countStore {
				i = 0
			}
		}
	})
}

// ------------------------------------------------------

func BenchmarkStore_xsync_Map(b *testing.B) {
	b.ReportAllocs()
	m := xsync.NewMap[int, int]()
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		i := 0
		for p.Next() {
			m.Store(i, i)
			i++
			if i >= countStore {
				i = 0
			}
		}
	})
}

func BenchmarkLoad_xsync_Map(b *testing.B) {
	b.ReportAllocs()
	m := xsync.NewMap[int, int]()
	for i := 0; i < countLoad; i++ {
		m.Store(i, i)
	}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		i := 0
		for p.Next() {
			_, _ = m.Load(i)
			i++
			if i >= countLoad {
				i = 0
			}
		}
	})
}

// ------------------------------------------------------

func BenchmarkStore_sync_Map(b *testing.B) {
	b.ReportAllocs()
	var m sync.Map
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		i := 0
		for p.Next() {
			m.Store(i, i)
			i++
			if i >= countStore {
				i = 0
			}
		}
	})
}

func BenchmarkLoad_sync_Map(b *testing.B) {
	b.ReportAllocs()
	var m sync.Map
	for i := 0; i < countLoad; i++ {
		m.Store(i, i)
	}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		i := 0
		for p.Next() {
			_, _ = m.Load(i)
			i++
			if i >= countLoad {
				i = 0
			}
		}
	})
}

// ------------------------------------------------------

type rwMutexMap struct {
	mu sync.RWMutex
	m  map[int]int
}

func BenchmarkStore_RWMutexMap(b *testing.B) {
	b.ReportAllocs()
	m := &rwMutexMap{m: make(map[int]int)}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		i := 0
		for p.Next() {
			m.mu.Lock()
			m.m[i] = i
			m.mu.Unlock()
			i++
			if i >= countStore {
				i = 0
			}
		}
	})
}

func BenchmarkLoad_RWMutexMap(b *testing.B) {
	b.ReportAllocs()
	m := &rwMutexMap{m: make(map[int]int)}
	for i := 0; i < countLoad; i++ {
		m.m[i] = i
	}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(p *testing.PB) {
		i := 0
		for p.Next() {
			m.mu.RLock()
			_ = m.m[i]
			m.mu.RUnlock()
			i++
			if i >= countLoad {
				i = 0
			}
		}
	})
}
