package rcutest

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/urcu/lib/rcu"
)

// RunDomainBenchmarks runs all benchmarks for RCU domains created by factory
func RunDomainBenchmarks(b *testing.B, name string, factory DomainFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("EnterExit", func(b *testing.B) {
			benchmarkEnterExit(b, factory())
		})

		b.Run("NestedEnterExit", func(b *testing.B) {
			benchmarkNestedEnterExit(b, factory())
		})

		b.Run("ParallelRead", func(b *testing.B) {
			benchmarkParallelRead(b, factory())
		})

		b.Run("Synchronize", func(b *testing.B) {
			benchmarkSynchronize(b, factory())
		})

		b.Run("ParallelSynchronize", func(b *testing.B) {
			benchmarkParallelSynchronize(b, factory())
		})

		b.Run("Defer", func(b *testing.B) {
			benchmarkDefer(b, factory())
		})

		b.Run("ReadMostly", func(b *testing.B) {
			benchmarkReadMostly(b, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// registerThreads hands out unique thread ids to parallel benchmark goroutines
type registerThreads struct {
	next atomic.Uint64
}

func (r *registerThreads) register(d *rcu.Domain) *rcu.ThreadHandle {
	h, err := d.RegisterThread(r.next.Add(1))
	if err != nil {
		panic(err)
	}
	return h
}

func benchmarkEnterExit(b *testing.B, d *rcu.Domain) {
	b.Cleanup(func() {
		d.Close()
	})

	h, _ := d.RegisterThread(0)
	defer h.Deregister()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g := h.Enter()
		_ = g.Release()
	}
}

func benchmarkNestedEnterExit(b *testing.B, d *rcu.Domain) {
	b.Cleanup(func() {
		d.Close()
	})

	h, _ := d.RegisterThread(0)
	defer h.Deregister()

	outer := h.Enter()
	defer outer.Release()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g := h.Enter()
		_ = g.Release()
	}
}

func benchmarkParallelRead(b *testing.B, d *rcu.Domain) {
	b.Cleanup(func() {
		d.Close()
	})

	var value atomic.Pointer[int]
	v := 42
	value.Store(&v)

	ids := &registerThreads{}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		h := ids.register(d)
		defer h.Deregister()

		sum := 0
		for pb.Next() {
			g := h.Enter()
			sum += *value.Load()
			_ = g.Release()
		}
		_ = sum
	})
}

func benchmarkSynchronize(b *testing.B, d *rcu.Domain) {
	b.Cleanup(func() {
		d.Close()
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Synchronize()
	}
}

func benchmarkParallelSynchronize(b *testing.B, d *rcu.Domain) {
	b.Cleanup(func() {
		d.Close()
	})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			d.Synchronize()
		}
	})
	b.StopTimer()
	b.ReportMetric(float64(d.Stats().GracePeriods)/float64(b.N), "passes/op")
}

func benchmarkDefer(b *testing.B, d *rcu.Domain) {
	b.Cleanup(func() {
		d.Close()
	})

	release := func(any) error { return nil }

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := d.Defer(i, release); err != nil {
			b.Fatal(err)
		}
	}
	if err := d.Barrier(context.Background()); err != nil {
		b.Fatal(err)
	}
}

// benchmarkReadMostly: every 100th operation replaces the value and defers the old one
func benchmarkReadMostly(b *testing.B, d *rcu.Domain) {
	b.Cleanup(func() {
		d.Close()
	})

	var value atomic.Pointer[int]
	v := 0
	value.Store(&v)

	ids := &registerThreads{}
	release := func(any) error { return nil }

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		h := ids.register(d)
		defer h.Deregister()

		counter := 0
		for pb.Next() {
			counter++
			if counter%100 == 0 {
				n := counter
				old := value.Swap(&n)
				_ = d.Defer(old, release)
				continue
			}
			g := h.Enter()
			_ = *value.Load()
			_ = g.Release()
		}
	})
}
