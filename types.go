// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmq

// Producer is the interface for enqueueing elements.
//
// The element is passed by pointer to avoid copying large structs. The
// queue stores a copy of the pointed-to value in shared memory, so the
// original can be modified after Enqueue returns.
//
// Both [MPSC] and the fan-out [Queue] implement Producer.
//
// Example:
//
//	var p shmq.Producer[int] = q
//
//	val := 42
//	if err := p.Enqueue(&val); err != nil {
//	    // Handle a full queue
//	}
type Producer[T any] interface {
	// Enqueue adds an element to the queue (non-blocking).
	// The element is copied into the queue's shared buffer.
	// Returns nil on success, ErrWouldBlock if the queue is full.
	Enqueue(elem *T) error
}

// Consumer is the interface for dequeueing elements.
//
// Elements are returned by value, copied out of shared memory. The
// interface intentionally excludes length because accurate counts in
// lock-free algorithms require expensive cross-core synchronization.
// Track counts in application logic when needed.
//
// Both [MPSC] and consumer handles of the fan-out [Queue] implement
// Consumer. Calling either method on a producer-only [Queue] handle
// panics.
type Consumer[T any] interface {
	// DequeueNext removes and returns the oldest element (non-blocking).
	// Returns (zero-value, ErrWouldBlock) if the queue is empty.
	DequeueNext() (T, error)

	// DequeueNextBlocking removes and returns the oldest element,
	// sleeping until one is available.
	DequeueNextBlocking() T
}
