package rcu

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// domainMetrics holds the metric set of one domain.
// Every domain owns a separate set so multiple domains never collide on names.
type domainMetrics struct {
	set *metrics.Set

	gracePeriods     *metrics.Counter
	synchronizeCalls *metrics.Counter
	fenceErrors      *metrics.Counter
	stalls           *metrics.Counter
	deferred         *metrics.Counter
	executed         *metrics.Counter
	failed           *metrics.Counter

	gracePeriodDuration *metrics.Histogram
}

func newDomainMetrics(d *Domain) *domainMetrics {
	set := metrics.NewSet()
	name := func(metric string) string {
		return fmt.Sprintf("%s{domain=%q}", metric, d.conf.Name)
	}

	m := &domainMetrics{
		set:                 set,
		gracePeriods:        set.NewCounter(name("rcu_grace_periods_total")),
		synchronizeCalls:    set.NewCounter(name("rcu_synchronize_calls_total")),
		fenceErrors:         set.NewCounter(name("rcu_fence_errors_total")),
		stalls:              set.NewCounter(name("rcu_stalls_total")),
		deferred:            set.NewCounter(name("rcu_callbacks_deferred_total")),
		executed:            set.NewCounter(name("rcu_callbacks_executed_total")),
		failed:              set.NewCounter(name("rcu_callbacks_failed_total")),
		gracePeriodDuration: set.NewHistogram(name("rcu_grace_period_duration_seconds")),
	}

	set.NewGauge(name("rcu_registered_threads"), func() float64 {
		return float64(d.threads.Size())
	})
	set.NewGauge(name("rcu_callbacks_pending"), func() float64 {
		return float64(d.Pending())
	})
	set.NewGauge(name("rcu_epoch"), func() float64 {
		return float64(d.epoch.Load())
	})

	return m
}

func (m *domainMetrics) observeGracePeriod(start time.Time) {
	m.gracePeriods.Inc()
	m.gracePeriodDuration.UpdateDuration(start)
}

// Stats is a point-in-time snapshot of a domain's counters
type Stats struct {
	Epoch             uint64 `json:"epoch"`
	CompletedEpoch    uint64 `json:"completed_epoch"`
	Threads           int    `json:"threads"`
	GracePeriods      uint64 `json:"grace_periods"`
	SynchronizeCalls  uint64 `json:"synchronize_calls"`
	FenceErrors       uint64 `json:"fence_errors"`
	Stalls            uint64 `json:"stalls"`
	CallbacksDeferred uint64 `json:"callbacks_deferred"`
	CallbacksExecuted uint64 `json:"callbacks_executed"`
	CallbacksFailed   uint64 `json:"callbacks_failed"`
	CallbacksPending  int    `json:"callbacks_pending"`
}

// Stats returns a snapshot of the domain's counters.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *Domain) Stats() Stats {
	return Stats{
		Epoch:             d.epoch.Load(),
		CompletedEpoch:    d.completed.Load(),
		Threads:           d.threads.Size(),
		GracePeriods:      d.metrics.gracePeriods.Get(),
		SynchronizeCalls:  d.metrics.synchronizeCalls.Get(),
		FenceErrors:       d.metrics.fenceErrors.Get(),
		Stalls:            d.metrics.stalls.Get(),
		CallbacksDeferred: d.metrics.deferred.Get(),
		CallbacksExecuted: d.metrics.executed.Get(),
		CallbacksFailed:   d.metrics.failed.Get(),
		CallbacksPending:  d.Pending(),
	}
}

// WriteMetrics writes the domain's metrics in Prometheus text format to w
func (d *Domain) WriteMetrics(w io.Writer) {
	d.metrics.set.WritePrometheus(w)
}
