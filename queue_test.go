// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmq_test

import (
	"errors"
	"testing"

	"code.hybscloud.com/shmq"
)

// =============================================================================
// Queue - Fan-Out
// =============================================================================

// TestQueueFanOut tests that every consumer observes every element.
func TestQueueFanOut(t *testing.T) {
	p := newTestPool(t, 1<<20)

	c1, err := shmq.CreateQueue[int](p, true, 8)
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	c2, err := shmq.LoadQueue[int](p, true, c1.Offset())
	if err != nil {
		t.Fatalf("LoadQueue consumer: %v", err)
	}
	producer, err := shmq.LoadQueue[int](p, false, c1.Offset())
	if err != nil {
		t.Fatalf("LoadQueue producer: %v", err)
	}

	if got := producer.NumConsumers(); got != 2 {
		t.Fatalf("NumConsumers: got %d, want 2", got)
	}

	for i := range 8 {
		v := i + 100
		if err := producer.Enqueue(&v); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	for i := range 8 {
		v1, err := c1.DequeueNext()
		if err != nil {
			t.Fatalf("consumer 1 DequeueNext(%d): %v", i, err)
		}
		v2, err := c2.DequeueNext()
		if err != nil {
			t.Fatalf("consumer 2 DequeueNext(%d): %v", i, err)
		}
		if v1 != i+100 || v2 != i+100 {
			t.Fatalf("DequeueNext(%d): got %d and %d, want %d", i, v1, v2, i+100)
		}
	}
}

// TestQueueNoConsumers tests that enqueueing into a queue with no
// consumers refuses rather than dropping the element silently.
func TestQueueNoConsumers(t *testing.T) {
	p := newTestPool(t, 1<<20)

	producer, err := shmq.CreateQueue[int](p, false, 8)
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	v := 1
	if err := producer.Enqueue(&v); !errors.Is(err, shmq.ErrWouldBlock) {
		t.Fatalf("Enqueue with no consumers: got %v, want ErrWouldBlock", err)
	}
	if err := producer.EnqueueBlocking(&v); !errors.Is(err, shmq.ErrWouldBlock) {
		t.Fatalf("EnqueueBlocking with no consumers: got %v, want ErrWouldBlock", err)
	}
}

// TestQueueLateConsumer tests that a producer handle created before a
// consumer still delivers to it.
func TestQueueLateConsumer(t *testing.T) {
	p := newTestPool(t, 1<<20)

	producer, err := shmq.CreateQueue[int](p, false, 8)
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	// Joins after the producer handle exists.
	consumer, err := shmq.LoadQueue[int](p, true, producer.Offset())
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}

	v := 55
	if err := producer.Enqueue(&v); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := consumer.DequeueNext()
	if err != nil {
		t.Fatalf("DequeueNext: %v", err)
	}
	if got != 55 {
		t.Fatalf("DequeueNext: got %d, want 55", got)
	}
}

// TestQueueAllOrNothing tests that a full subqueue fails the enqueue
// for every consumer, not just the full one.
func TestQueueAllOrNothing(t *testing.T) {
	p := newTestPool(t, 1<<20)

	slow, err := shmq.CreateQueue[int](p, true, 4)
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	fast, err := shmq.LoadQueue[int](p, true, slow.Offset())
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	producer, err := shmq.LoadQueue[int](p, false, slow.Offset())
	if err != nil {
		t.Fatalf("LoadQueue producer: %v", err)
	}

	// Fill both subqueues, then drain only the fast consumer.
	for i := range 4 {
		v := i
		if err := producer.Enqueue(&v); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	for i := range 4 {
		if _, err := fast.DequeueNext(); err != nil {
			t.Fatalf("fast DequeueNext(%d): %v", i, err)
		}
	}

	// The slow consumer's subqueue is still full, so nobody receives.
	v := 99
	if err := producer.Enqueue(&v); !errors.Is(err, shmq.ErrWouldBlock) {
		t.Fatalf("Enqueue with one full subqueue: got %v, want ErrWouldBlock", err)
	}
	if _, err := fast.DequeueNext(); !errors.Is(err, shmq.ErrWouldBlock) {
		t.Fatalf("fast consumer received a partial enqueue: got %v, want ErrWouldBlock", err)
	}

	// Draining the slow consumer unblocks delivery to both.
	for i := range 4 {
		if _, err := slow.DequeueNext(); err != nil {
			t.Fatalf("slow DequeueNext(%d): %v", i, err)
		}
	}
	if err := producer.Enqueue(&v); err != nil {
		t.Fatalf("Enqueue after drain: %v", err)
	}
	if got, err := fast.DequeueNext(); err != nil || got != 99 {
		t.Fatalf("fast DequeueNext: got %d, %v, want 99, nil", got, err)
	}
	if got, err := slow.DequeueNext(); err != nil || got != 99 {
		t.Fatalf("slow DequeueNext: got %d, %v, want 99, nil", got, err)
	}
}

// TestQueueConsumerClose tests that a closed consumer stops counting
// and no longer blocks producers.
func TestQueueConsumerClose(t *testing.T) {
	p := newTestPool(t, 1<<20)

	keeper, err := shmq.CreateQueue[int](p, true, 4)
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	leaver, err := shmq.LoadQueue[int](p, true, keeper.Offset())
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	producer, err := shmq.LoadQueue[int](p, false, keeper.Offset())
	if err != nil {
		t.Fatalf("LoadQueue producer: %v", err)
	}

	// Fill the leaver's subqueue through the producer, then close it.
	for i := range 4 {
		v := i
		if err := producer.Enqueue(&v); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
		if _, err := keeper.DequeueNext(); err != nil {
			t.Fatalf("keeper DequeueNext(%d): %v", i, err)
		}
	}
	leaver.Close()

	if got := producer.NumConsumers(); got != 1 {
		t.Fatalf("NumConsumers after close: got %d, want 1", got)
	}

	// The full, abandoned subqueue no longer blocks the producer.
	v := 500
	if err := producer.Enqueue(&v); err != nil {
		t.Fatalf("Enqueue after close: %v", err)
	}
	if got, err := keeper.DequeueNext(); err != nil || got != 500 {
		t.Fatalf("keeper DequeueNext: got %d, %v, want 500, nil", got, err)
	}
}

// TestQueueTooManyConsumers tests the consumer table limit.
func TestQueueTooManyConsumers(t *testing.T) {
	p := newTestPool(t, 1<<22)

	first, err := shmq.CreateQueue[int](p, true, 2)
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	for i := 1; i < shmq.MaxConsumers; i++ {
		if _, err := shmq.LoadQueue[int](p, true, first.Offset()); err != nil {
			t.Fatalf("LoadQueue(%d): %v", i, err)
		}
	}

	if _, err := shmq.LoadQueue[int](p, true, first.Offset()); !errors.Is(err, shmq.ErrTooManyConsumers) {
		t.Fatalf("LoadQueue past the limit: got %v, want ErrTooManyConsumers", err)
	}
}

// TestQueueProducerOnlyDequeuePanics tests that dequeueing on a
// producer-only handle is fatal.
func TestQueueProducerOnlyDequeuePanics(t *testing.T) {
	p := newTestPool(t, 1<<20)

	producer, err := shmq.CreateQueue[int](p, false, 4)
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on producer-only dequeue")
		}
	}()
	producer.DequeueNext()
}
