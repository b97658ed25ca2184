// Package rcu implements userspace read-copy-update with membarrier-style
// grace-period detection and deferred reclamation.
//
// Readers traverse shared data without locks or reference counts; writers
// replace data and reclaim the old version only after every reader that could
// still observe it has left its critical section.
//
// Core Components:
//
//   - Domain: an independent RCU instance (epoch, thread registry, grace-period
//     engine, reclamation worker, metrics). Several domains can live in one
//     process.
//   - ThreadHandle: per-thread reader state returned by Domain.RegisterThread.
//     It is passed explicitly to every critical section of the thread.
//   - Guard: returned by ThreadHandle.Enter, ends the critical section.
//   - Synchronize: blocks until a full grace period has elapsed. Concurrent
//     callers are coalesced into shared passes.
//   - Defer: schedules a release action after a grace period, executed by the
//     domain's reclamation worker.
//
// Implementation Approach:
//
//	Every thread publishes the epoch observed at its outermost Enter (0 while
//	outside of all sections). A grace-period pass advances the epoch to a new
//	target, snapshots the registry, issues one process-wide fence (see
//	package fence) and waits until every snapshotted thread is either outside
//	of all sections or in a section that started at or after the target. Readers
//	never write shared state besides their own counter and never wait.
//
//	Deferred requests are tagged with the epoch at enqueue. The worker collects
//	them and runs their release actions once a pass with a larger target has
//	completed, running a pass itself when none has.
//
// Usage Example:
//
//	d, err := rcu.NewDomain(nil)
//	if err != nil {
//	    // handle error
//	}
//	defer d.Close()
//
//	// reader goroutine
//	h, _ := d.RegisterThread(1)
//	defer h.Deregister()
//
//	g := h.Enter()
//	n := shared.Load()
//	use(n)
//	g.Release()
//
//	// writer goroutine
//	old := shared.Swap(newNode)
//	_ = d.Defer(old, func(p any) error {
//	    p.(*node).free()
//	    return nil
//	})
//
// Contract:
//
//   - A ThreadHandle is used by one goroutine at a time.
//   - Synchronize must not be called from a critical section of the same domain.
//   - Release actions must not call Synchronize, Barrier or Close of their domain.
//   - A thread that never leaves its critical section stalls every grace period.
//     This is reported through the stall diagnostic, never by reclaiming early.
package rcu
