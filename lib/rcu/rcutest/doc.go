// Package rcutest provides standardised tests and benchmarks for RCU
// domains, so every fence implementation and configuration is validated
// against the same usage contract.
//
// The package contains:
//   - testing: A test suite for the reader, grace-period and reclamation contract
//   - benchmark: Performance tests for read-side sections, grace periods and deferred reclamation
//
// Example usage:
//
//	// Creating a factory function for your configuration
//	factory := func() *rcu.Domain {
//		conf := rcu.DefaultConfig()
//		conf.Fence = fence.NewAtomic()
//		d, _ := rcu.NewDomain(conf)
//		return d
//	}
//
//	// Running the standard test suite
//	rcutest.RunDomainTests(t, "Atomic", factory)
//
//	// Running performance benchmarks
//	rcutest.RunDomainBenchmarks(b, "Atomic", factory)
package rcutest
