package rcutest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/urcu/lib/rcu"
	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc"
)

// DomainFactory is a function that creates a new, empty RCU domain
type DomainFactory func() *rcu.Domain

// RunDomainTests runs the test suite for RCU domains created by factory.
func RunDomainTests(t *testing.T, name string, factory DomainFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("RegisterDeregister", func(t *testing.T) {
			testRegisterDeregister(t, factory())
		})

		t.Run("Nesting", func(t *testing.T) {
			testNesting(t, factory())
		})

		t.Run("GuardMisuse", func(t *testing.T) {
			testGuardMisuse(t, factory())
		})

		t.Run("SynchronizeWaitsForReaders", func(t *testing.T) {
			testSynchronizeWaitsForReaders(t, factory())
		})

		t.Run("ConcurrentSynchronize", func(t *testing.T) {
			testConcurrentSynchronize(t, factory())
		})

		t.Run("DeferredReclamation", func(t *testing.T) {
			testDeferredReclamation(t, factory())
		})

		t.Run("FailureIsolation", func(t *testing.T) {
			testFailureIsolation(t, factory())
		})

		t.Run("Canary", func(t *testing.T) {
			testCanary(t, factory())
		})

		t.Run("Close", func(t *testing.T) {
			testClose(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testRegisterDeregister(t *testing.T, d *rcu.Domain) {
	defer d.Close()

	h, err := d.RegisterThread(7)
	if err != nil {
		t.Fatalf("RegisterThread failed: %v", err)
	}
	if _, err := d.RegisterThread(7); !errors.Is(err, rcu.ErrAlreadyRegistered) {
		t.Errorf("Expected ErrAlreadyRegistered, got %v", err)
	}

	g := h.Enter()
	if err := h.Deregister(); !errors.Is(err, rcu.ErrActiveCriticalSection) {
		t.Errorf("Expected ErrActiveCriticalSection, got %v", err)
	}
	_ = g.Release()

	if err := h.Deregister(); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if err := h.Deregister(); !errors.Is(err, rcu.ErrNotRegistered) {
		t.Errorf("Expected ErrNotRegistered, got %v", err)
	}

	// the id can be reused
	h2, err := d.RegisterThread(7)
	if err != nil {
		t.Fatalf("Re-registering failed: %v", err)
	}
	_ = h2.Deregister()
}

func testNesting(t *testing.T, d *rcu.Domain) {
	defer d.Close()

	h, _ := d.RegisterThread(1)
	defer h.Deregister()

	for depth := 1; depth <= 5; depth++ {
		h.Enter()
		if h.Nesting() != depth {
			t.Fatalf("Expected nesting %d, got %d", depth, h.Nesting())
		}
	}
	for depth := 4; depth >= 0; depth-- {
		if err := h.Exit(); err != nil {
			t.Fatal(err)
		}
		if h.Nesting() != depth {
			t.Fatalf("Expected nesting %d, got %d", depth, h.Nesting())
		}
	}
	if h.InCriticalSection() {
		t.Error("Thread should be quiescent")
	}
	if err := h.Exit(); !errors.Is(err, rcu.ErrUnbalancedExit) {
		t.Errorf("Expected ErrUnbalancedExit, got %v", err)
	}
	if h.Nesting() != 0 {
		t.Errorf("Unbalanced exit changed the nesting to %d", h.Nesting())
	}
}

func testGuardMisuse(t *testing.T, d *rcu.Domain) {
	defer d.Close()

	h, _ := d.RegisterThread(1)
	defer h.Deregister()

	outer := h.Enter()
	inner := h.Enter()

	if err := outer.Release(); !errors.Is(err, rcu.ErrUnbalancedExit) {
		t.Errorf("Out of order release should fail, got %v", err)
	}
	if err := inner.Release(); err != nil {
		t.Fatal(err)
	}
	if err := inner.Release(); !errors.Is(err, rcu.ErrUnbalancedExit) {
		t.Errorf("Double release should fail, got %v", err)
	}
	if err := outer.Release(); err != nil {
		t.Fatal(err)
	}
	if err := (rcu.Guard{}).Release(); !errors.Is(err, rcu.ErrUnbalancedExit) {
		t.Errorf("Zero guard release should fail, got %v", err)
	}
	if err := h.Synchronize(); err != nil {
		t.Errorf("Synchronize outside of a section failed: %v", err)
	}
}

func testSynchronizeWaitsForReaders(t *testing.T, d *rcu.Domain) {
	defer d.Close()

	const numReaders = 4
	guards := make([]rcu.Guard, numReaders)
	for i := range guards {
		h, _ := d.RegisterThread(uint64(i))
		guards[i] = h.Enter()
	}

	var released atomic.Int64
	done := make(chan struct{})
	go func() {
		d.Synchronize()
		if released.Load() != numReaders {
			t.Errorf("Synchronize returned after %d of %d readers exited", released.Load(), numReaders)
		}
		close(done)
	}()

	for i := range guards {
		time.Sleep(5 * time.Millisecond)
		released.Add(1)
		_ = guards[i].Release()
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Synchronize did not complete")
	}
}

func testConcurrentSynchronize(t *testing.T, d *rcu.Domain) {
	defer d.Close()

	const numCallers = 32
	before := d.Stats().GracePeriods

	var wg conc.WaitGroup
	for i := 0; i < numCallers; i++ {
		wg.Go(d.Synchronize)
	}
	wg.Wait()

	passes := d.Stats().GracePeriods - before
	if passes == 0 || passes > numCallers {
		t.Errorf("Unexpected number of passes %d for %d callers", passes, numCallers)
	}
	if d.CompletedEpoch() != d.Epoch() {
		t.Errorf("Epoch %d not certified after all callers returned (completed %d)", d.Epoch(), d.CompletedEpoch())
	}
}

func testDeferredReclamation(t *testing.T, d *rcu.Domain) {
	defer d.Close()

	h, _ := d.RegisterThread(1)
	defer h.Deregister()

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	g := h.Enter()
	if err := d.DeferFunc(func() { record("free") }); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	record("exit")
	_ = g.Release()

	if err := d.Barrier(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "exit" || events[1] != "free" {
		t.Errorf("Expected [exit free], got %v", events)
	}
}

func testFailureIsolation(t *testing.T, d *rcu.Domain) {
	defer d.Close()

	var ran atomic.Int64
	_ = d.Defer(nil, func(any) error { return errors.New("failed") })
	_ = d.Defer(nil, func(any) error { panic("panicked") })
	_ = d.DeferFunc(func() { ran.Add(1) })

	if err := d.Barrier(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ran.Load() != 1 {
		t.Errorf("Action after failures did not run")
	}
	if s := d.Stats(); s.CallbacksFailed != 2 {
		t.Errorf("Expected 2 failed actions, got %d", s.CallbacksFailed)
	}
}

// canary is a published object. Readers fail when they observe a freed one.
type canary struct {
	freed   atomic.Bool
	version uint64
}

func testCanary(t *testing.T, d *rcu.Domain) {
	const (
		numReaders = 4
		numWriters = 2
		duration   = 200 * time.Millisecond
	)

	var current atomic.Pointer[canary]
	current.Store(&canary{})

	var (
		stop       atomic.Bool
		violations atomic.Int64
		reads      atomic.Int64
		updates    atomic.Uint64
		wg         conc.WaitGroup
	)

	for i := 0; i < numReaders; i++ {
		h, err := d.RegisterThread(uint64(i))
		if err != nil {
			t.Fatal(err)
		}
		wg.Go(func() {
			defer h.Deregister()
			for !stop.Load() {
				_ = h.Read(func() error {
					c := current.Load()
					for j := 0; j < 16; j++ {
						if c.freed.Load() {
							violations.Add(1)
							break
						}
					}
					return nil
				})
				reads.Add(1)
			}
		})
	}

	for i := 0; i < numWriters; i++ {
		wg.Go(func() {
			for !stop.Load() {
				old := current.Swap(&canary{version: updates.Add(1)})
				if i%2 == 0 {
					d.Synchronize()
					old.freed.Store(true)
				} else {
					_ = d.Defer(old, func(payload any) error {
						payload.(*canary).freed.Store(true)
						return nil
					})
				}
			}
		})
	}

	time.Sleep(duration)
	stop.Store(true)
	wg.Wait()

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	if violations.Load() > 0 {
		t.Errorf("Readers observed %d freed objects", violations.Load())
	}
	if reads.Load() == 0 || updates.Load() == 0 {
		t.Errorf("Stress made no progress: %d reads, %d updates", reads.Load(), updates.Load())
	}
	if p := d.Pending(); p != 0 {
		t.Errorf("Expected no pending requests after Close, got %d", p)
	}
}

func testClose(t *testing.T, d *rcu.Domain) {
	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		_ = d.DeferFunc(func() { ran.Add(1) })
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if ran.Load() != 10 {
		t.Errorf("Close did not flush pending requests: %d of 10 ran", ran.Load())
	}
	if err := d.DeferFunc(func() {}); !errors.Is(err, rcu.ErrDomainClosed) {
		t.Errorf("Expected ErrDomainClosed, got %v", err)
	}
}
