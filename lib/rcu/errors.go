package rcu

import "github.com/cockroachdb/errors"

// Usage-contract violations are reported with these sentinels (wrapped with
// the thread id or domain name). Test with errors.Is.
var (
	// ErrAlreadyRegistered is returned by RegisterThread for an id that is already registered
	ErrAlreadyRegistered = errors.New("rcu: thread already registered")

	// ErrNotRegistered is returned when a deregistered handle is used
	ErrNotRegistered = errors.New("rcu: thread not registered")

	// ErrActiveCriticalSection is returned by Deregister while the thread is nested
	ErrActiveCriticalSection = errors.New("rcu: thread is inside a critical section")

	// ErrUnbalancedExit is returned by Exit / Guard.Release without a matching Enter
	ErrUnbalancedExit = errors.New("rcu: exit without matching enter")

	// ErrSynchronizeInCriticalSection is returned when a thread would wait for its own critical section
	ErrSynchronizeInCriticalSection = errors.New("rcu: synchronize called inside a critical section")

	// ErrGracePeriodTimeout marks a bounded grace-period wait that gave up
	ErrGracePeriodTimeout = errors.New("rcu: grace period wait timed out")

	// ErrDomainClosed is returned by Defer and Barrier after Close
	ErrDomainClosed = errors.New("rcu: domain closed")

	// ErrNilRelease is returned by Defer without a release action
	ErrNilRelease = errors.New("rcu: nil release action")

	// ErrCallbackPanic wraps a panic recovered from a release action
	ErrCallbackPanic = errors.New("rcu: release action panicked")
)
