package rcu

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// request is one deferred reclamation: (epoch at enqueue, payload, release action)
type request struct {
	epoch   uint64
	payload any
	release ReleaseFunc

	// flush asks the worker to reclaim its batch right away (Barrier)
	flush bool
}

type requestNode struct {
	req  *request
	next atomic.Pointer[requestNode]
}

// requestQueue is a lock-free multi-producer single-consumer queue of
// reclamation requests.
//
// Producers append with CAS on the tail of a linked list that starts with a
// sentinel node. A consumer goroutine forwards the requests, in list order, to
// the channel returned by Recv. The list order is the order in which Push
// calls linearized, so a Push that returned before another Push started is
// always delivered first.
type requestQueue struct {
	head     atomic.Pointer[requestNode]
	tail     atomic.Pointer[requestNode]
	out      chan *request
	closed   atomic.Bool
	pending  atomic.Int64
	consumer sync.WaitGroup

	mu   sync.Mutex
	cond *sync.Cond
}

func newRequestQueue() *requestQueue {
	sentinel := &requestNode{}

	q := &requestQueue{
		out: make(chan *request),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push appends req. Returns false when req is nil or the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *requestQueue) Push(req *request) bool {
	if req == nil || q.closed.Load() {
		return false
	}

	n := &requestNode{req: req}
	q.pending.Add(1)

	var backoff uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// a failed CAS means another producer already moved the tail
				q.tail.CompareAndSwap(tail, n)

				// signal under the lock: the consumer checks for work while
				// holding it, so the wakeup cannot fall between check and Wait
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// exponential backoff under contention
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// consume forwards requests to out until the queue is closed and empty
func (q *requestQueue) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		forwarded := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			forwarded = true

			req := next.req
			q.head.Store(next)
			q.out <- req
			q.pending.Add(-1)

			// the node is the new sentinel, drop the reference for the gc
			next.req = nil
		}

		// a Push may link its node between the empty check above and Close,
		// so the queue is only done when it is still empty after closing
		if !forwarded && q.closed.Load() {
			if q.head.Load().next.Load() == nil {
				return
			}
			continue
		}

		if !forwarded {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel the consumer goroutine delivers to.
// It is closed after Close once every pushed request was delivered.
func (q *requestQueue) Recv() <-chan *request {
	return q.out
}

// Close stops accepting requests. Requests already pushed are still delivered.
func (q *requestQueue) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// Len returns the number of requests pushed but not yet handed to the consumer channel
func (q *requestQueue) Len() int {
	return int(q.pending.Load())
}
