package rcu

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/urcu/lib/fence"
	"github.com/cockroachdb/errors"
)

// TestSynchronizeWithoutReaders completes and certifies a new epoch
func TestSynchronizeWithoutReaders(t *testing.T) {
	f := newGateFence()
	d := newTestDomain(t, f)

	before := d.Epoch()
	d.Synchronize()

	if d.Epoch() != before+1 {
		t.Errorf("Expected epoch %d, got %d", before+1, d.Epoch())
	}
	if d.CompletedEpoch() != d.Epoch() {
		t.Errorf("Completed epoch %d should equal epoch %d", d.CompletedEpoch(), d.Epoch())
	}
	if f.calls.Load() != 1 {
		t.Errorf("Expected exactly one fence per pass, got %d", f.calls.Load())
	}
	if s := d.Stats(); s.GracePeriods != 1 || s.SynchronizeCalls != 1 {
		t.Errorf("Unexpected stats: %+v", s)
	}
}

// TestSynchronizeWaitsForReader verifies that a pass does not complete while a pre-existing reader is active
func TestSynchronizeWaitsForReader(t *testing.T) {
	d := newTestDomain(t, fence.NewAtomic())
	h, _ := d.RegisterThread(1)

	g := h.Enter()

	var exited atomic.Bool
	done := make(chan struct{})
	go func() {
		d.Synchronize()
		if !exited.Load() {
			t.Error("Synchronize returned while the reader was still active")
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Synchronize returned before the reader exited")
	case <-time.After(50 * time.Millisecond):
	}

	exited.Store(true)
	if err := g.Release(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Synchronize did not return after the reader exited")
	}
}

// TestSynchronizeIgnoresNewSections verifies that sections starting after the transition are not waited for
func TestSynchronizeIgnoresNewSections(t *testing.T) {
	f := newGateFence()
	d := newTestDomain(t, f)
	h, _ := d.RegisterThread(1)

	g := h.Enter()

	// hold the pass in the fence, after the epoch transition
	f.Close()
	done := make(chan struct{})
	go func() {
		d.Synchronize()
		close(done)
	}()

	if !waitFor(t, time.Second, func() bool { return f.calls.Load() == 1 }) {
		t.Fatal("Pass did not reach the fence")
	}

	// leave and re-enter: the new section observes the new epoch
	_ = g.Release()
	g = h.Enter()
	f.Open()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Synchronize waited for a section that started after the transition")
	}
	_ = g.Release()
}

// TestSynchronizeIgnoresLateRegistration verifies that threads registered after the snapshot are not waited for
func TestSynchronizeIgnoresLateRegistration(t *testing.T) {
	f := newGateFence()
	d := newTestDomain(t, f)

	f.Close()
	done := make(chan struct{})
	go func() {
		d.Synchronize()
		close(done)
	}()
	if !waitFor(t, time.Second, func() bool { return f.calls.Load() == 1 }) {
		t.Fatal("Pass did not reach the fence")
	}

	late, _ := d.RegisterThread(99)
	g := late.Enter()
	f.Open()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Synchronize waited for a thread registered after the snapshot")
	}
	_ = g.Release()
}

// TestDeregisterDuringPass verifies that a thread leaving the registry does not block a pass
func TestDeregisterDuringPass(t *testing.T) {
	d := newTestDomain(t, fence.NewAtomic())
	h, _ := d.RegisterThread(1)
	g := h.Enter()

	done := make(chan struct{})
	go func() {
		d.Synchronize()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	_ = g.Release()
	if err := h.Deregister(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Synchronize did not complete after deregistration")
	}
}

// TestCoalescing verifies that concurrent callers share passes and still wait for all readers
func TestCoalescing(t *testing.T) {
	f := newGateFence()
	d := newTestDomain(t, f)

	const numReaders = 4
	const numCallers = 16

	guards := make([]Guard, numReaders)
	for i := 0; i < numReaders; i++ {
		h, err := d.RegisterThread(uint64(i))
		if err != nil {
			t.Fatal(err)
		}
		guards[i] = h.Enter()
	}

	// a pass is already running and held in the fence
	f.Close()
	go d.Synchronize()
	if !waitFor(t, time.Second, func() bool { return f.calls.Load() == 1 }) {
		t.Fatal("First pass did not reach the fence")
	}

	var completed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(numCallers)
	for i := 0; i < numCallers; i++ {
		go func() {
			defer wg.Done()
			d.Synchronize()
			completed.Add(1)
		}()
	}

	// let all callers join the pending pass
	time.Sleep(50 * time.Millisecond)
	f.Open()

	time.Sleep(20 * time.Millisecond)
	if n := completed.Load(); n != 0 {
		t.Fatalf("%d callers completed while readers were still active", n)
	}

	for i := range guards {
		_ = guards[i].Release()
	}
	wg.Wait()

	if got := d.Stats().GracePeriods; got > 2 {
		t.Errorf("Expected at most 2 passes for %d callers, got %d", numCallers, got)
	}
	if got := d.Stats().SynchronizeCalls; got != numCallers+1 {
		t.Errorf("Expected %d synchronize calls, got %d", numCallers+1, got)
	}
}

// TestSynchronizeAlwaysStartsNewPass verifies that a caller never piggybacks on a pass that started before it
func TestSynchronizeAlwaysStartsNewPass(t *testing.T) {
	f := newGateFence()
	d := newTestDomain(t, f)

	f.Close()
	go d.Synchronize()
	if !waitFor(t, time.Second, func() bool { return f.calls.Load() == 1 }) {
		t.Fatal("First pass did not reach the fence")
	}

	done := make(chan struct{})
	go func() {
		d.Synchronize()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	f.Open()

	<-done
	if got := f.calls.Load(); got != 2 {
		t.Errorf("Caller arriving during a pass needs its own pass, fence calls: %d", got)
	}
	if d.CompletedEpoch() != firstEpoch+2 {
		t.Errorf("Expected completed epoch %d, got %d", firstEpoch+2, d.CompletedEpoch())
	}
}

// TestSynchronizeTimeout verifies the bounded wait and that the pass completes anyway
func TestSynchronizeTimeout(t *testing.T) {
	d := newTestDomain(t, fence.NewAtomic())
	h, _ := d.RegisterThread(1)
	g := h.Enter()

	err := d.SynchronizeTimeout(20 * time.Millisecond)
	if !errors.Is(err, ErrGracePeriodTimeout) {
		t.Fatalf("Expected ErrGracePeriodTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded in chain, got %v", err)
	}

	// another waiter joins, the reader leaves, everyone completes
	done := make(chan error, 1)
	go func() {
		done <- d.SynchronizeContext(context.Background())
	}()
	_ = g.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SynchronizeContext failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Grace period did not complete after timeout of an earlier waiter")
	}

	if !waitFor(t, time.Second, func() bool { return d.CompletedEpoch() == d.Epoch() }) {
		t.Errorf("Epoch %d not certified (completed %d)", d.Epoch(), d.CompletedEpoch())
	}
}

// TestStallDiagnostic verifies that a stuck reader is reported while the pass keeps waiting
func TestStallDiagnostic(t *testing.T) {
	conf := DefaultConfig()
	conf.Name = t.Name()
	conf.Fence = fence.NewAtomic()
	conf.SpinIterations = 0
	conf.PollInterval = 100 * time.Microsecond
	conf.MaxPollInterval = time.Millisecond
	conf.StallWarnAfter = 5 * time.Millisecond

	d, err := NewDomain(conf)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	h, _ := d.RegisterThread(1)
	g := h.Enter()

	done := make(chan struct{})
	go func() {
		d.Synchronize()
		close(done)
	}()

	if !waitFor(t, 5*time.Second, func() bool { return d.Stats().Stalls >= 2 }) {
		t.Fatalf("Expected stall reports, got %d", d.Stats().Stalls)
	}
	select {
	case <-done:
		t.Fatal("Stalled grace period completed early")
	default:
	}

	_ = g.Release()
	<-done
}

// failingFence always fails
type failingFence struct{}

func (failingFence) Fence() error { return errors.New("fence unavailable") }
func (failingFence) Name() string { return "failing" }

// TestFenceErrorIsCounted verifies that a fence error neither aborts nor stalls a pass
func TestFenceErrorIsCounted(t *testing.T) {
	d := newTestDomain(t, failingFence{})

	d.Synchronize()
	if s := d.Stats(); s.FenceErrors != 1 || s.GracePeriods != 1 {
		t.Errorf("Unexpected stats after failing fence: %+v", s)
	}
}
