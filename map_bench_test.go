package shardmap

import (
	"runtime"
	"testing"
)

const benchKeys = 1 << 16

func BenchmarkLoad_Hit(b *testing.B) {
	b.ReportAllocs()
	m := New[int, int]()
	for i := range benchKeys {
		m.Store(i, i)
	}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = m.Load(i)
			i++
			if i >= benchKeys {
				i = 0
			}
		}
	})
}

func BenchmarkLoad_Miss(b *testing.B) {
	b.ReportAllocs()
	m := New[int, int]()
	for i := range benchKeys {
		m.Store(i, i)
	}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := benchKeys
		for pb.Next() {
			_, _ = m.Load(i)
			i++
			if i >= 2*benchKeys {
				i = benchKeys
			}
		}
	})
}

func BenchmarkStore(b *testing.B) {
	b.ReportAllocs()
	m := New[int, int]()
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.Store(i, i)
			i++
			if i >= benchKeys {
				i = 0
			}
		}
	})
}

func BenchmarkLoadOrStore(b *testing.B) {
	b.ReportAllocs()
	m := New[int, int]()
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = m.LoadOrStore(i, i)
			i++
			if i >= benchKeys {
				i = 0
			}
		}
	})
}

func BenchmarkMixed_90Read10Write(b *testing.B) {
	b.ReportAllocs()
	m := New[int, int]()
	for i := range benchKeys {
		m.Store(i, i)
	}
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if i%10 == 0 {
				m.Store(i%benchKeys, i)
			} else {
				_, _ = m.Load(i % benchKeys)
			}
			i++
		}
	})
}

func BenchmarkInsertDelete(b *testing.B) {
	b.ReportAllocs()
	m := New[int, int]()
	runtime.GC()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if i&1 == 0 {
				m.Insert(i%benchKeys, i)
			} else {
				m.Delete(i % benchKeys)
			}
			i++
		}
	})
}
