package rcu

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/urcu/lib/fence"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("rcu")

// firstEpoch is the epoch of a new domain. Zero is reserved as the "not in a
// critical section" marker of ThreadHandle.ctr.
const firstEpoch = 1

// Domain is one independent RCU instance: its own epoch, thread registry,
// grace-period engine and reclamation worker.
type Domain struct {
	conf  Config
	fence fence.Fence

	// epoch is the current generation (GlobalEpoch). It is advanced only by
	// the grace-period engine, one pass at a time.
	epoch atomic.Uint64
	// completed is the last certified epoch
	completed atomic.Uint64

	// registry: regMu serializes membership changes with the engine's snapshot
	regMu   sync.Mutex
	threads *xsync.MapOf[uint64, *ThreadHandle]

	// grace-period coalescing (see grace.go)
	gpMu      sync.Mutex
	gpRunning *gracePeriod
	gpPending *gracePeriod
	gpSeq     uint64

	// deferred reclamation (see reclaim.go)
	lifecycle   sync.RWMutex
	closed      bool
	queue       *requestQueue
	batched     atomic.Int64 // taken from the queue, not yet reclaimed
	drainerDone chan struct{}

	metrics *domainMetrics

	// passHook runs between the epoch transition and the registry snapshot of
	// every pass (tests only)
	passHook func()
}

// NewDomain creates a new RCU domain and starts its reclamation worker.
// A nil config means DefaultConfig().
//
// Close must be called to stop the worker.
func NewDomain(conf *Config) (*Domain, error) {
	if conf == nil {
		conf = DefaultConfig()
	}

	// work on a copy so the caller can reuse its config
	c := *conf
	if err := c.validate(); err != nil {
		return nil, errors.Wrap(err, "rcu: invalid config")
	}

	d := &Domain{
		conf:        c,
		fence:       c.Fence,
		threads:     xsync.NewMapOf[uint64, *ThreadHandle](),
		queue:       newRequestQueue(),
		drainerDone: make(chan struct{}),
	}
	d.epoch.Store(firstEpoch)
	d.completed.Store(firstEpoch)
	d.metrics = newDomainMetrics(d)

	go d.drain()

	log.Infof("created domain %q (fence: %s)", c.Name, d.fence.Name())

	return d, nil
}

// Name returns the configured domain name
func (d *Domain) Name() string {
	return d.conf.Name
}

// Config returns a copy of the effective configuration
func (d *Domain) Config() Config {
	return d.conf
}

// Epoch returns the current epoch
func (d *Domain) Epoch() uint64 {
	return d.epoch.Load()
}

// CompletedEpoch returns the last epoch certified by a grace period
func (d *Domain) CompletedEpoch() uint64 {
	return d.completed.Load()
}

// Close stops accepting deferred requests, runs every pending request after a
// final grace period and stops the reclamation worker.
// Calling Close more than once is a no-op.
//
// Thread-safety: Close must not be called from a release action.
func (d *Domain) Close() error {
	d.lifecycle.Lock()
	if d.closed {
		d.lifecycle.Unlock()
		return nil
	}
	d.closed = true
	d.lifecycle.Unlock()

	// no producer can be inside Push anymore
	d.queue.Close()
	<-d.drainerDone

	if n := d.threads.Size(); n > 0 {
		log.Warningf("domain %q closed with %d registered threads", d.conf.Name, n)
	}
	log.Infof("closed domain %q", d.conf.Name)
	return nil
}
