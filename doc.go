// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

/*
Package shmq provides lock-free queues in shared memory for
inter-process communication.

Queues live in a named shared memory segment and are operated on
directly by any process that maps the segment; there is no broker, no
socket and no syscall on the fast path. The enqueue and dequeue
operations are lock-free and stay in userspace; the blocking variants
park in the kernel on futex words inside the segment, so processes
wake each other directly.

# Queues

[Queue] is the main type: a fan-out queue where every enqueued element
is delivered to every consumer. Handles are created with the builder:

	// Consumer handle; finds or creates the queue by name.
	q, err := shmq.Fetch[Event](shmq.New(1024), "sensors")
	if err != nil {
	    return err
	}
	defer q.Close()

	for {
	    ev := q.DequeueNextBlocking()
	    handle(ev)
	}

Producers use a producer-only handle and the same name:

	q, err := shmq.Fetch[Event](shmq.New(1024).ProducerOnly(), "sensors")
	if err != nil {
	    return err
	}
	defer q.Close()

	if err := q.Enqueue(&ev); err != nil {
	    // shmq.IsWouldBlock(err): some consumer's buffer is full,
	    // nobody received the element; retry or drop.
	}

[MPSC] is the underlying single-consumer queue, exported for cases
where fan-out is not wanted: multiple producers, exactly one consumer,
minimum overhead.

# Elements

Elements cross process boundaries as raw bytes, so T must be trivially
copyable: fixed-size value types only. Pointers, slices, maps, strings
and channels refer to process-private memory and are meaningless, and
unsafe, in the receiving process. This property is documented rather
than enforced.

# Blocking and backpressure

The non-blocking operations return [ErrWouldBlock] when the queue is
full (enqueue) or empty (dequeue). This is a control flow signal, not a
failure; see [IsWouldBlock]. The blocking variants sleep in the kernel
instead and impose backpressure on producers when a consumer falls
behind.

Mixing blocking producers with a consumer that only ever uses the
non-blocking dequeue is not supported: the non-blocking dequeue never
issues wake-ups, so a parked producer could sleep forever. Use
[MPSC.DequeueNextBlocking] (or the [Queue] equivalent) on queues that
have blocking producers.

# Memory

Queues are allocated from a [Pool], a named /dev/shm segment with a
block allocator on top. Most callers never touch it: the builder uses
the process-wide [DefaultPool]. Explicit pools allow several
independent segments or non-default sizes:

	pool, err := shmq.NewPool("telemetry", 1<<20)
	...
	q, err := shmq.Fetch[Sample](shmq.New(256).WithPool(pool), "samples")

Objects in a pool are referenced by offset, never by pointer, because
each process maps the segment at a different address. [Queue.Offset]
and [LoadQueue] pass anonymous queues between processes without the
name registry.

Shared memory outlives processes. A crashed process leaves its segment,
and everything in it, behind; remove stale segments with [Pool.Unlink]
or by deleting the file under /dev/shm.
*/
package shmq
