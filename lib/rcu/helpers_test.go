package rcu

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/urcu/lib/fence"
)

// newTestDomain creates a domain with fast polling that is closed at the end of the test
func newTestDomain(t testing.TB, f fence.Fence) *Domain {
	t.Helper()

	conf := DefaultConfig()
	conf.Name = t.Name()
	conf.Fence = f
	conf.PollInterval = 10 * time.Microsecond
	conf.MaxPollInterval = 200 * time.Microsecond
	conf.DrainInterval = time.Millisecond

	d, err := NewDomain(conf)
	if err != nil {
		t.Fatalf("NewDomain failed: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d
}

// gateFence counts fence calls and blocks the calls while the gate is closed
type gateFence struct {
	calls atomic.Int64

	mu   sync.Mutex
	gate chan struct{}
}

func newGateFence() *gateFence {
	return &gateFence{}
}

// Close makes subsequent fence calls block until Open
func (f *gateFence) Close() {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.mu.Unlock()
}

// Open releases blocked fence calls
func (f *gateFence) Open() {
	f.mu.Lock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
	f.mu.Unlock()
}

func (f *gateFence) Fence() error {
	f.calls.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

func (f *gateFence) Name() string {
	return "gate"
}

// waitFor polls cond until it is true or the timeout expires
func waitFor(t testing.TB, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
