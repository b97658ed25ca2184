package rcu

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// TestQueueBasicOperations tests basic push and consume functionality
func TestQueueBasicOperations(t *testing.T) {
	q := newRequestQueue()
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(&request{epoch: uint64(i)}) {
			t.Fatalf("Failed to push request %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case req := <-q.Recv():
			if req.epoch != uint64(i) {
				t.Errorf("Expected epoch %d, got %d", i, req.epoch)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for request %d", i)
		}
	}

	select {
	case req := <-q.Recv():
		t.Errorf("Queue should be empty, but got %v", req)
	case <-time.After(10 * time.Millisecond):
	}
}

// TestQueueRejectsNil verifies that nil requests are not queued
func TestQueueRejectsNil(t *testing.T) {
	q := newRequestQueue()
	defer q.Close()

	if q.Push(nil) {
		t.Error("Push(nil) should return false")
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got length %d", q.Len())
	}
}

// TestQueueConcurrentProducers verifies that no request is lost or duplicated with multiple producers
func TestQueueConcurrentProducers(t *testing.T) {
	q := newRequestQueue()
	defer q.Close()

	const numProducers = 10
	const perProducer = 1000
	total := numProducers * perProducer

	received := make(map[uint64]bool, total)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for len(received) < total {
			select {
			case req := <-q.Recv():
				if received[req.epoch] {
					t.Errorf("Duplicate request received: %d", req.epoch)
				}
				received[req.epoch] = true
			case <-time.After(2 * time.Second):
				t.Errorf("Timeout waiting for requests, received %d of %d", len(received), total)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func(producer int) {
			defer wg.Done()
			base := uint64(producer * perProducer)
			for i := uint64(0); i < perProducer; i++ {
				if !q.Push(&request{epoch: base + i}) {
					t.Errorf("Producer %d failed to push %d", producer, i)
				}
				if i%100 == 0 {
					runtime.Gosched()
				}
			}
		}(p)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for consumer")
	}

	if len(received) != total {
		t.Errorf("Expected %d requests, got %d", total, len(received))
	}
}

// TestQueuePerProducerOrder verifies that requests of one producer keep their order
func TestQueuePerProducerOrder(t *testing.T) {
	q := newRequestQueue()
	defer q.Close()

	const numProducers = 4
	const perProducer = 500

	var wg sync.WaitGroup
	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func(producer int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(&request{payload: producer, epoch: uint64(i)})
			}
		}(p)
	}

	last := make(map[int]int64)
	for p := 0; p < numProducers; p++ {
		last[p] = -1
	}

	for n := 0; n < numProducers*perProducer; n++ {
		select {
		case req := <-q.Recv():
			producer := req.payload.(int)
			if int64(req.epoch) <= last[producer] {
				t.Fatalf("Producer %d: request %d delivered after %d", producer, req.epoch, last[producer])
			}
			last[producer] = int64(req.epoch)
		case <-time.After(2 * time.Second):
			t.Fatalf("Timeout after %d requests", n)
		}
	}
	wg.Wait()
}

// TestQueueClose verifies closing behavior
func TestQueueClose(t *testing.T) {
	q := newRequestQueue()

	for i := 0; i < 5; i++ {
		q.Push(&request{epoch: uint64(i)})
	}

	q.Close()

	if q.Push(&request{epoch: 100}) {
		t.Error("Should not be able to push after queue is closed")
	}

	for i := 0; i < 5; i++ {
		select {
		case req, ok := <-q.Recv():
			if !ok {
				t.Fatalf("Channel closed before request %d was delivered", i)
			}
			if req.epoch != uint64(i) {
				t.Errorf("Expected epoch %d, got %d", i, req.epoch)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for request %d", i)
		}
	}

	select {
	case _, ok := <-q.Recv():
		if ok {
			t.Error("Channel should be closed after the last request")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Channel was not closed")
	}
}

// TestQueueWakeup verifies that a waiting consumer is woken for every push
func TestQueueWakeup(t *testing.T) {
	q := newRequestQueue()
	defer q.Close()

	for i := 0; i < 100; i++ {
		// give the consumer time to go to sleep
		if i%10 == 0 {
			time.Sleep(time.Millisecond)
		}
		q.Push(&request{epoch: uint64(i)})

		select {
		case <-q.Recv():
		case <-time.After(time.Second):
			t.Fatalf("Consumer not woken for request %d", i)
		}
	}
}

// TestQueuePushThenClose verifies that a request pushed right before Close is delivered
func TestQueuePushThenClose(t *testing.T) {
	for i := 0; i < 1000; i++ {
		q := newRequestQueue()

		// let the consumer find the queue empty before the last push
		if i%2 == 0 {
			runtime.Gosched()
		}
		q.Push(&request{epoch: uint64(i)})
		q.Close()

		delivered := 0
		timeout := time.After(time.Second)
	recv:
		for {
			select {
			case _, ok := <-q.Recv():
				if !ok {
					break recv
				}
				delivered++
			case <-timeout:
				t.Fatalf("Iteration %d: channel not closed", i)
			}
		}

		if delivered != 1 {
			t.Fatalf("Iteration %d: expected 1 delivered request, got %d", i, delivered)
		}
	}
}
