package rcu

import "github.com/cockroachdb/errors"

// RegisterThread registers the logical thread id as a reader of this domain
// and returns its handle. The handle is owned by one goroutine at a time and
// must be passed explicitly to every critical section of that thread.
//
// Registering an id that is already registered fails with ErrAlreadyRegistered.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *Domain) RegisterThread(id uint64) (*ThreadHandle, error) {
	h := &ThreadHandle{
		id:     id,
		domain: d,
	}
	h.registered.Store(true)

	d.regMu.Lock()
	defer d.regMu.Unlock()

	if _, loaded := d.threads.LoadOrStore(id, h); loaded {
		return nil, errors.Wrapf(ErrAlreadyRegistered, "thread %d", id)
	}

	log.Debugf("registered thread %d in domain %q", id, d.conf.Name)
	return h, nil
}

// Lookup returns the handle registered for id
func (d *Domain) Lookup(id uint64) (*ThreadHandle, bool) {
	return d.threads.Load(id)
}

// Threads returns the number of registered threads
func (d *Domain) Threads() int {
	return d.threads.Size()
}

// deregister removes h from the registry. The caller checked the nesting depth.
func (d *Domain) deregister(h *ThreadHandle) error {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	if !h.registered.Load() {
		return errors.Wrapf(ErrNotRegistered, "thread %d", h.id)
	}

	h.registered.Store(false)
	d.threads.Delete(h.id)

	log.Debugf("deregistered thread %d from domain %q", h.id, d.conf.Name)
	return nil
}

// snapshot returns the currently registered threads.
// It is taken after the epoch transition: a thread registering later enters
// with the new epoch and is never waited for.
func (d *Domain) snapshot() []*ThreadHandle {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	threads := make([]*ThreadHandle, 0, d.threads.Size())
	d.threads.Range(func(_ uint64, h *ThreadHandle) bool {
		threads = append(threads, h)
		return true
	})
	return threads
}
