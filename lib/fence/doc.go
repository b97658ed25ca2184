// Package fence provides the process-wide memory barrier used by the RCU
// grace-period engine.
//
// A Fence forces every running thread of the process to cross a full memory
// barrier without the cooperation of those threads. The engine issues exactly
// one fence per grace-period pass, so the cost (hundreds of microseconds for
// the expedited membarrier command) is amortized over all coalesced callers.
//
// Implementations:
//
//   - membarrier: Linux membarrier(2). The private expedited command is used
//     when the kernel supports it (after registering the process), the global
//     command otherwise.
//   - atomic: a sequentially consistent read-modify-write on a process-local
//     word. This is the fallback on every platform without membarrier. It is
//     sound for this module because every reader-side publication is a
//     sequentially consistent sync/atomic access; the fence only strengthens
//     ordering, it is never the sole source of it.
//
// Use Detect to obtain the best implementation for the running platform, or
// ByName to select one from configuration:
//
//	f, err := fence.ByName("auto")
//	if err != nil {
//	    // handle error
//	}
//	_ = f.Fence()
package fence
