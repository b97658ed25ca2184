package rcu_test

import (
	"testing"
	"time"

	"github.com/ValentinKolb/urcu/lib/fence"
	"github.com/ValentinKolb/urcu/lib/rcu"
	"github.com/ValentinKolb/urcu/lib/rcu/rcutest"
)

func factory(f func() fence.Fence) rcutest.DomainFactory {
	return func() *rcu.Domain {
		conf := rcu.DefaultConfig()
		conf.Fence = f()
		conf.PollInterval = 10 * time.Microsecond
		conf.MaxPollInterval = 500 * time.Microsecond
		conf.DrainInterval = time.Millisecond

		d, err := rcu.NewDomain(conf)
		if err != nil {
			panic(err)
		}
		return d
	}
}

func TestDomain(t *testing.T) {
	rcutest.RunDomainTests(t, "Atomic", factory(fence.NewAtomic))
	rcutest.RunDomainTests(t, "Detected", factory(fence.Detect))
}

func BenchmarkDomain(b *testing.B) {
	rcutest.RunDomainBenchmarks(b, "Atomic", factory(fence.NewAtomic))
	rcutest.RunDomainBenchmarks(b, "Detected", factory(fence.Detect))
}
