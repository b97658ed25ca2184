package rcu

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
)

// ReleaseFunc reclaims a payload once no reader can observe it anymore.
//
// A release action runs on the reclamation worker. It must not call
// Synchronize, SynchronizeContext, Barrier or Close of its own domain.
type ReleaseFunc func(payload any) error

// Defer schedules release(payload) to run after a grace period that starts
// after this call. Defer never blocks.
//
// Errors: ErrNilRelease, ErrDomainClosed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *Domain) Defer(payload any, release ReleaseFunc) error {
	if release == nil {
		return ErrNilRelease
	}
	return d.push(&request{payload: payload, release: release})
}

// DeferFunc schedules fn to run after a grace period
func (d *Domain) DeferFunc(fn func()) error {
	if fn == nil {
		return ErrNilRelease
	}
	return d.Defer(nil, func(any) error {
		fn()
		return nil
	})
}

// Barrier waits until every request deferred before the call has executed.
//
// Thread-safety: Barrier must not be called from a release action.
func (d *Domain) Barrier(ctx context.Context) error {
	done := make(chan struct{})
	req := &request{
		release: func(any) error {
			close(done)
			return nil
		},
		flush: true,
	}
	if err := d.push(req); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Mark(errors.Wrap(ctx.Err(), "rcu: waiting for barrier"), ErrGracePeriodTimeout)
	}
}

// Pending returns the approximate number of requests waiting for reclamation
func (d *Domain) Pending() int {
	return d.queue.Len() + int(d.batched.Load())
}

func (d *Domain) push(req *request) error {
	d.lifecycle.RLock()
	defer d.lifecycle.RUnlock()

	if d.closed {
		return errors.Wrapf(ErrDomainClosed, "domain %q", d.conf.Name)
	}

	// the tag is read after the caller unpublished the payload
	req.epoch = d.epoch.Load()
	if !d.queue.Push(req) {
		return errors.Wrapf(ErrDomainClosed, "domain %q: queue closed", d.conf.Name)
	}
	d.metrics.deferred.Inc()
	return nil
}

// --------------------------------------------------------------------------
// Reclamation worker
// --------------------------------------------------------------------------

// drain collects requests from the queue and reclaims them in batches:
// on every tick, when DrainBatchSize requests are collected, for a Barrier
// and once more when the queue is closed.
func (d *Domain) drain() {
	defer close(d.drainerDone)

	ticker := time.NewTicker(d.conf.DrainInterval)
	defer ticker.Stop()

	var batch []*request

	for {
		flush := false

		select {
		case req, ok := <-d.queue.Recv():
			if !ok {
				d.reclaim(batch)
				return
			}
			batch = append(batch, req)
			d.batched.Add(1)
			flush = req.flush || len(batch) >= d.conf.DrainBatchSize

		case <-ticker.C:
			flush = true
		}

		if flush && len(batch) > 0 {
			d.reclaim(batch)
			batch = nil
		}
	}
}

// reclaim runs the release actions of batch in order.
// A request is safe once a grace period that started after its enqueue has
// completed, i.e. completed > request epoch. Epochs increase along the batch
// only approximately (concurrent producers), so the maximum is used.
func (d *Domain) reclaim(batch []*request) {
	if len(batch) == 0 {
		return
	}

	var newest uint64
	for _, req := range batch {
		if req.epoch > newest {
			newest = req.epoch
		}
	}
	if d.completed.Load() <= newest {
		d.Synchronize()
	}

	var merr *multierror.Error
	for _, req := range batch {
		if err := invoke(req.release, req.payload); err != nil {
			d.metrics.failed.Inc()
			merr = multierror.Append(merr, err)
			if d.conf.OnCallbackError != nil {
				d.conf.OnCallbackError(err)
			}
		} else {
			d.metrics.executed.Inc()
		}
		d.batched.Add(-1)
	}

	if err := merr.ErrorOrNil(); err != nil {
		log.Errorf("domain %q: %d of %d release actions failed: %v", d.conf.Name, len(merr.Errors), len(batch), err)
	}
}

// invoke runs one release action and converts a panic into an error
func invoke(release ReleaseFunc, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(ErrCallbackPanic, fmt.Sprint(r))
		}
	}()
	return release(payload)
}
