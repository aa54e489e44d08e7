// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmq

import (
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// subqueueRecord is one entry in the shared consumer table.
//
// dead guards slot reuse: a record starts dead, the consumer that
// claims it flips dead to 0, and the last handle to drop a reference
// flips it back after freeing the subqueue. valid tells producers the
// subqueue behind offset is live; refs counts attached handles.
type subqueueRecord struct {
	offset uint64
	valid  atomix.Int32
	dead   atomix.Int32
	refs   atomix.Int32
}

// rawQueue is the shared portion of a fan-out [Queue].
type rawQueue struct {
	subqueueSize    uint32
	numSubqueues    atomix.Int32
	subqueueUpdates atomix.Int32
	records         [MaxConsumers]subqueueRecord
}

// Queue is a fan-out queue: every element a producer enqueues is
// delivered to every consumer.
//
// Under the hood each consumer handle owns a private [MPSC] subqueue
// registered in a shared table, and producers enqueue into all live
// subqueues. Consumers therefore never contend with each other, and a
// slow consumer only stalls producers once its own subqueue fills up.
//
// A handle is either a consumer (owns a subqueue, may dequeue) or a
// producer-only handle. Producer operations are valid on both kinds.
// Handles are not safe for concurrent use; give each goroutine its own
// handle, the way each process gets its own.
//
// Handles learn about consumers that joined or left through a shared
// update counter checked on every enqueue, so a producer created
// before a consumer still reaches it.
type Queue[T any] struct {
	pool      *Pool
	q         *rawQueue
	subqueues [MaxConsumers]*MPSC[T]
	own       *MPSC[T]
	ownIndex  uint32

	lastNumSubqueues uint32
	lastUpdates      int32

	writable []uint32
}

// CreateQueue creates a new fan-out queue in pool. If consumer is true
// the returned handle can also dequeue.
//
// Capacity is the per-subqueue capacity and must be a power of 2.
// Returns ErrOutOfSpace if the pool cannot hold the queue.
func CreateQueue[T any](pool *Pool, consumer bool, capacity uint32) (*Queue[T], error) {
	rawSize := int(unsafe.Sizeof(rawQueue{}))
	qp, _, err := pool.Allocate(rawSize)
	if err != nil {
		return nil, err
	}
	raw := (*rawQueue)(qp)

	raw.subqueueSize = capacity
	raw.numSubqueues.StoreRelaxed(0)
	raw.subqueueUpdates.StoreRelaxed(0)
	for i := range raw.records {
		raw.records[i].offset = 0
		raw.records[i].valid.StoreRelaxed(0)
		raw.records[i].dead.StoreRelaxed(1)
		raw.records[i].refs.StoreRelaxed(0)
	}

	q := &Queue[T]{pool: pool, q: raw, writable: make([]uint32, 0, MaxConsumers)}
	if consumer {
		if err := q.makeOwnSubqueue(); err != nil {
			pool.Free(qp, rawSize)
			return nil, err
		}
	}
	return q, nil
}

// LoadQueue attaches a new handle to an existing fan-out queue at
// offset in pool, typically one created by another process. If
// consumer is true the handle registers its own subqueue and can
// dequeue.
func LoadQueue[T any](pool *Pool, consumer bool, offset uint64) (*Queue[T], error) {
	q := &Queue[T]{
		pool:     pool,
		q:        (*rawQueue)(pool.AtOffset(offset)),
		writable: make([]uint32, 0, MaxConsumers),
	}
	if consumer {
		if err := q.makeOwnSubqueue(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// makeOwnSubqueue claims a consumer table slot and creates the subqueue
// this handle will dequeue from.
func (q *Queue[T]) makeOwnSubqueue() error {
	index := uint32(MaxConsumers)
	for i := uint32(0); i < MaxConsumers; i++ {
		if q.q.records[i].dead.CompareAndSwapAcqRel(1, 0) {
			index = i
			break
		}
	}
	if index == MaxConsumers {
		return ErrTooManyConsumers
	}
	rec := &q.q.records[index]

	sub, err := CreateMPSC[T](q.pool, q.q.subqueueSize)
	if err != nil {
		rec.dead.StoreRelease(1)
		return err
	}

	rec.offset = sub.Offset()
	rec.refs.StoreRelaxed(1)
	// Producers may act on the record as soon as valid flips.
	rec.valid.StoreRelease(1)

	q.subqueues[index] = sub
	q.own = sub
	q.ownIndex = index
	q.lastNumSubqueues++
	q.lastUpdates++
	q.q.subqueueUpdates.AddAcqRel(1)
	q.q.numSubqueues.AddAcqRel(1)
	return nil
}

// addSubqueue attaches to the subqueue registered at index. Reports
// false when the subqueue got freed before a reference was taken.
func (q *Queue[T]) addSubqueue(index uint32) bool {
	rec := &q.q.records[index]
	sw := spin.Wait{}
	for {
		refs := rec.refs.LoadAcquire()
		if refs == 0 {
			return false
		}
		if rec.refs.CompareAndSwapAcqRel(refs, refs+1) {
			break
		}
		sw.Once()
	}

	sub, err := LoadMPSC[T](q.pool, rec.offset)
	if err != nil {
		rec.refs.AddAcqRel(-1)
		return false
	}
	q.subqueues[index] = sub
	return true
}

// removeSubqueue drops this handle's reference to the subqueue at
// index, freeing the shared memory when the last reference goes.
func (q *Queue[T]) removeSubqueue(index uint32) {
	rec := &q.q.records[index]
	refs := rec.refs.AddAcqRel(-1) + 1
	if refs == 1 {
		q.subqueues[index].FreeQueue()
		// The slot may be claimed again only after the memory is back
		// in the pool.
		rec.dead.StoreRelease(1)
	}
	q.subqueues[index] = nil
}

// incorporateNewSubqueues reconciles the local subqueue handles with
// the shared consumer table.
func (q *Queue[T]) incorporateNewSubqueues() {
	updates := q.q.subqueueUpdates.LoadAcquire()
	if updates == q.lastUpdates {
		return
	}
	for i := uint32(0); i < MaxConsumers; i++ {
		valid := q.q.records[i].valid.LoadAcquire()
		if valid != 0 && q.subqueues[i] == nil {
			if q.addSubqueue(i) {
				q.lastNumSubqueues++
			}
		} else if valid == 0 && q.subqueues[i] != nil && (q.own == nil || i != q.ownIndex) {
			q.removeSubqueue(i)
			q.lastNumSubqueues--
		}
	}
	q.lastUpdates = updates
}

// Enqueue delivers an element to every consumer without blocking.
//
// The enqueue is all or nothing: space is reserved in every live
// subqueue before anything is written, and if any subqueue is full all
// reservations are rolled back and ErrWouldBlock comes back with no
// consumer having received the element. ErrWouldBlock is also returned
// when the queue has no consumers at all, since the element would be
// dropped.
func (q *Queue[T]) Enqueue(elem *T) error {
	q.incorporateNewSubqueues()
	if q.lastNumSubqueues == 0 {
		return ErrWouldBlock
	}

	q.writable = q.writable[:0]
	for i := uint32(0); i < MaxConsumers; i++ {
		sub := q.subqueues[i]
		if sub == nil {
			continue
		}
		if !sub.Reserve() {
			for _, j := range q.writable {
				q.subqueues[j].CancelReservation()
			}
			return ErrWouldBlock
		}
		q.writable = append(q.writable, i)
		if uint32(len(q.writable)) == q.lastNumSubqueues {
			break
		}
	}

	for _, i := range q.writable {
		q.subqueues[i].EnqueueAt(elem)
	}
	return nil
}

// EnqueueBlocking delivers an element to every consumer, sleeping on
// each full subqueue until it has space.
//
// Returns ErrWouldBlock only when the queue has no consumers;
// otherwise delivery is unconditional. Consumers that dequeue with
// the non-blocking operations can leave a blocking producer parked,
// see [MPSC.EnqueueBlocking].
func (q *Queue[T]) EnqueueBlocking(elem *T) error {
	q.incorporateNewSubqueues()
	if q.lastNumSubqueues == 0 {
		return ErrWouldBlock
	}

	written := uint32(0)
	for i := uint32(0); i < MaxConsumers; i++ {
		sub := q.subqueues[i]
		if sub == nil {
			continue
		}
		sub.EnqueueBlocking(elem)
		written++
		if written == q.lastNumSubqueues {
			break
		}
	}
	return nil
}

// DequeueNext removes and returns the next element from this handle's
// subqueue without blocking. Returns ErrWouldBlock if the subqueue is
// empty. Panics on a producer-only handle.
func (q *Queue[T]) DequeueNext() (T, error) {
	if q.own == nil {
		panic("shmq: dequeue on a producer-only handle")
	}
	return q.own.DequeueNext()
}

// DequeueNextBlocking removes and returns the next element from this
// handle's subqueue, sleeping while it is empty. Panics on a
// producer-only handle.
func (q *Queue[T]) DequeueNextBlocking() T {
	if q.own == nil {
		panic("shmq: dequeue on a producer-only handle")
	}
	return q.own.DequeueNextBlocking()
}

// NumConsumers returns the number of consumer handles currently
// attached to the queue across all processes.
func (q *Queue[T]) NumConsumers() int {
	return int(q.q.numSubqueues.LoadAcquire())
}

// Offset returns the durable pool offset of the queue, the form to
// hand to [LoadQueue] in another process.
func (q *Queue[T]) Offset() uint64 {
	return q.pool.Offset(unsafe.Pointer(q.q))
}

// Close detaches the handle from the queue. A consumer handle retires
// its subqueue so producers stop delivering to it, then every held
// subqueue reference is dropped. The queue itself stays alive for
// other handles.
func (q *Queue[T]) Close() {
	if q.own != nil {
		rec := &q.q.records[q.ownIndex]
		rec.valid.StoreRelease(0)
		q.q.numSubqueues.AddAcqRel(-1)
		q.q.subqueueUpdates.AddAcqRel(1)
		q.own = nil
	}
	for i := uint32(0); i < MaxConsumers; i++ {
		if q.subqueues[i] != nil {
			q.removeSubqueue(i)
		}
	}
}

// FreeQueue releases all shared memory behind the queue, including
// every registered subqueue. Only call it when no process will touch
// the queue again.
func (q *Queue[T]) FreeQueue() {
	q.incorporateNewSubqueues()
	for i := uint32(0); i < MaxConsumers; i++ {
		if q.subqueues[i] != nil {
			q.subqueues[i].FreeQueue()
			q.subqueues[i] = nil
		}
	}
	q.own = nil
	q.pool.Free(unsafe.Pointer(q.q), int(unsafe.Sizeof(rawQueue{})))
	q.q = nil
}
