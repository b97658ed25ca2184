package rcu

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ThreadHandle is the per-thread reader state returned by RegisterThread.
//
// The nesting depth is owned by the goroutine using the handle; the engine only
// reads ctr. A handle must not be used by two goroutines at the same time.
type ThreadHandle struct {
	id     uint64
	domain *Domain

	// nesting is the critical section depth (owner only)
	nesting int
	// guards holds the ids of the open guards, innermost last (owner only).
	// Ids are never reused, so a stale guard never matches.
	guards    []uint64
	lastGuard uint64

	// ctr is 0 while the thread is outside of all critical sections, otherwise
	// the epoch observed by the outermost Enter
	ctr atomic.Uint64

	// quiescent is the epoch observed by the last outermost Exit
	quiescent atomic.Uint64

	registered atomic.Bool
}

// ID returns the logical thread id
func (h *ThreadHandle) ID() uint64 {
	return h.id
}

// Domain returns the domain the handle belongs to
func (h *ThreadHandle) Domain() *Domain {
	return h.domain
}

// Nesting returns the current critical section depth
func (h *ThreadHandle) Nesting() int {
	return h.nesting
}

// InCriticalSection reports whether the thread is inside at least one critical section
func (h *ThreadHandle) InCriticalSection() bool {
	return h.nesting > 0
}

// QuiescentEpoch returns the epoch observed when the thread last left all critical sections
func (h *ThreadHandle) QuiescentEpoch() uint64 {
	return h.quiescent.Load()
}

// Registered reports whether the handle is still registered
func (h *ThreadHandle) Registered() bool {
	return h.registered.Load()
}

// Enter starts a (possibly nested) read-side critical section and returns
// the guard that ends it. Enter never blocks.
//
// Enter panics with ErrNotRegistered when the handle was deregistered.
func (h *ThreadHandle) Enter() Guard {
	if !h.registered.Load() {
		panic(errors.Wrapf(ErrNotRegistered, "enter on thread %d", h.id))
	}

	if h.nesting == 0 {
		// sequentially consistent store: every read after this line is ordered
		// after the engine's scan that can still see ctr == 0
		h.ctr.Store(h.domain.epoch.Load())
	}
	h.nesting++
	h.lastGuard++
	h.guards = append(h.guards, h.lastGuard)

	return Guard{h: h, id: h.lastGuard}
}

// Exit ends the innermost critical section.
// Without a matching Enter it returns ErrUnbalancedExit and changes nothing.
func (h *ThreadHandle) Exit() error {
	if h.nesting == 0 {
		return errors.Wrapf(ErrUnbalancedExit, "thread %d", h.id)
	}

	h.nesting--
	h.guards = h.guards[:h.nesting]
	if h.nesting == 0 {
		h.quiescent.Store(h.domain.epoch.Load())
		h.ctr.Store(0)
	}
	return nil
}

// Read runs fn inside a critical section. The section ends on every return
// path of fn, panics included.
func (h *ThreadHandle) Read(fn func() error) error {
	g := h.Enter()
	defer g.Release()
	return fn()
}

// Synchronize waits for a grace period on behalf of this thread.
// It refuses to wait for the thread's own critical section.
func (h *ThreadHandle) Synchronize() error {
	if h.nesting > 0 {
		return errors.Wrapf(ErrSynchronizeInCriticalSection, "thread %d at depth %d", h.id, h.nesting)
	}
	h.domain.Synchronize()
	return nil
}

// Deregister removes the thread from its domain.
// Fails with ErrActiveCriticalSection while nested and ErrNotRegistered when already deregistered.
func (h *ThreadHandle) Deregister() error {
	if h.nesting > 0 {
		return errors.Wrapf(ErrActiveCriticalSection, "thread %d at depth %d", h.id, h.nesting)
	}
	return h.domain.deregister(h)
}

// --------------------------------------------------------------------------
// Guard
// --------------------------------------------------------------------------

// Guard ends the critical section opened by Enter. Use it with defer:
//
//	g := h.Enter()
//	defer g.Release()
type Guard struct {
	h  *ThreadHandle
	id uint64
}

// Release ends the critical section of this guard.
// Releasing twice, releasing out of order or releasing the zero Guard
// returns ErrUnbalancedExit without touching the thread state.
func (g Guard) Release() error {
	if g.h == nil {
		return errors.Wrap(ErrUnbalancedExit, "zero guard")
	}
	if g.h.nesting == 0 || g.h.guards[g.h.nesting-1] != g.id {
		return errors.Wrapf(ErrUnbalancedExit, "thread %d: guard %d is not the innermost open guard (depth %d)", g.h.id, g.id, g.h.nesting)
	}
	return g.h.Exit()
}
