package rcu

import (
	"context"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
)

// gracePeriod is one pass of the engine. Every caller that joined it before
// it started is released when done is closed.
type gracePeriod struct {
	seq  uint64
	done chan struct{}
}

// Synchronize blocks until a full grace period has elapsed: every critical
// section that was active when Synchronize was called has ended.
//
// Concurrent callers share passes. A caller joins the pending pass, which
// starts as soon as the running one (if any) finished, so N concurrent
// callers cost at most two passes.
//
// Thread-safety: This method is thread-safe. It must not be called from a
// critical section of the same domain (use ThreadHandle.Synchronize to get
// an error instead of a deadlock).
func (d *Domain) Synchronize() {
	<-d.requestGracePeriod().done
}

// SynchronizeContext is the bounded-wait variant of Synchronize.
// When ctx ends first, the returned error matches both ErrGracePeriodTimeout
// and the context error. The pass itself is never cancelled.
func (d *Domain) SynchronizeContext(ctx context.Context) error {
	gp := d.requestGracePeriod()
	select {
	case <-gp.done:
		return nil
	case <-ctx.Done():
		return errors.Mark(errors.Wrapf(ctx.Err(), "rcu: waiting for grace period %d", gp.seq), ErrGracePeriodTimeout)
	}
}

// SynchronizeTimeout calls SynchronizeContext with a timeout
func (d *Domain) SynchronizeTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.SynchronizeContext(ctx)
}

// Retire waits for a grace period and then runs release on the calling
// goroutine. It is the blocking counterpart of Defer.
func (d *Domain) Retire(payload any, release ReleaseFunc) error {
	if release == nil {
		return ErrNilRelease
	}
	d.Synchronize()
	return invoke(release, payload)
}

// requestGracePeriod returns a pass that starts after this call
func (d *Domain) requestGracePeriod() *gracePeriod {
	d.metrics.synchronizeCalls.Inc()

	d.gpMu.Lock()
	defer d.gpMu.Unlock()

	if d.gpPending == nil {
		d.gpPending = &gracePeriod{done: make(chan struct{})}
	}
	gp := d.gpPending

	if d.gpRunning == nil {
		d.startGracePeriodLocked()
	}
	return gp
}

// startGracePeriodLocked moves the pending pass to running. Caller holds gpMu.
func (d *Domain) startGracePeriodLocked() {
	gp := d.gpPending
	d.gpPending = nil
	d.gpSeq++
	gp.seq = d.gpSeq
	d.gpRunning = gp

	go d.runGracePeriod(gp)
}

// runGracePeriod runs one pass and chains to the pending one.
// Passes are serialized by this chain, so the epoch has a single writer.
func (d *Domain) runGracePeriod(gp *gracePeriod) {
	d.pass()

	d.gpMu.Lock()
	d.gpRunning = nil
	close(gp.done)
	if d.gpPending != nil {
		d.startGracePeriodLocked()
	}
	d.gpMu.Unlock()
}

// pass is the grace-period algorithm
func (d *Domain) pass() {
	start := time.Now()

	// 1. transition into the new epoch: sections that start from now on
	// observe target and never need to be waited for, requests deferred from
	// now on carry target and wait for the next pass
	target := d.epoch.Add(1)

	if d.passHook != nil {
		d.passHook()
	}

	// 2. participants: a thread missing from the snapshot registered after
	// the transition, so it can only hold data unpublished at or after target
	threads := d.snapshot()

	// 3. make every thread observe everything published before this point
	if err := d.fence.Fence(); err != nil {
		d.metrics.fenceErrors.Inc()
		log.Errorf("domain %q: %s fence failed: %v", d.conf.Name, d.fence.Name(), err)
	}

	// 4. wait for every thread that may still be in a section from before target
	for _, h := range threads {
		d.waitQuiescent(h, target, start)
	}

	// 5. certify
	d.completed.Store(target)
	d.metrics.observeGracePeriod(start)

	log.Debugf("domain %q: grace period %d completed in %s (%d threads)", d.conf.Name, target, time.Since(start), len(threads))
}

// waitQuiescent blocks until h is outside of all critical sections or in a
// section that started at or after target.
//
// Backoff: SpinIterations Gosched polls, then sleeps doubling from
// PollInterval up to MaxPollInterval.
func (d *Domain) waitQuiescent(h *ThreadHandle, target uint64, start time.Time) {
	var (
		spins     = 0
		sleep     = d.conf.PollInterval
		lastWarn  = start
		warnAfter = d.conf.StallWarnAfter
	)

	for {
		if ctr := h.ctr.Load(); ctr == 0 || ctr >= target {
			return
		}

		if spins < d.conf.SpinIterations {
			spins++
			runtime.Gosched()
			continue
		}

		if warnAfter > 0 && time.Since(lastWarn) >= warnAfter {
			lastWarn = time.Now()
			d.metrics.stalls.Inc()
			log.Warningf("domain %q: grace period %d stalled for %s by thread %d (section started in epoch %d)",
				d.conf.Name, target, time.Since(start).Round(time.Millisecond), h.id, h.ctr.Load())
		}

		time.Sleep(sleep)
		if sleep < d.conf.MaxPollInterval {
			sleep *= 2
			if sleep > d.conf.MaxPollInterval {
				sleep = d.conf.MaxPollInterval
			}
		}
	}
}
