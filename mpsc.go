// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmq

import (
	"math/bits"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"

	"code.hybscloud.com/shmq/internal/futex"
)

// Slot states
const (
	nodeEmpty     = 0 // free, writable once the writer's turn comes
	nodePublished = 1 // holds an element
	nodeParked    = 2 // free, consumer sleeping on the word
)

// write_waiters word layout: two 16-bit deli counters.
// Low half counts writers that took a ticket for the slot, high half
// counts completed reads of the slot. Bit 15 of each half is a lap
// parity bit; the payload counters are 15 bits wide.
const (
	waitTicketMask = 0x7FFF
)

// rawMPSC is the shared portion of an [MPSC]. Field order and widths
// are part of the cross-process layout.
type rawMPSC struct {
	arrayOffset uint64
	arrayLength uint32
	arrayShifts uint32
	_           pad
	writeLength atomix.Int32
	_           pad
	headIndex atomix.Int32
	_         pad
	blockedThreads atomix.Int32
	_              pad
}

// node is one slot of the ring. The trailing padding keeps the valid
// and waiters words of adjacent slots on separate cache lines, since
// producers hammer different slots concurrently.
type node[T any] struct {
	value   T
	valid   atomix.Int32
	waiters atomix.Int32
	_       padShort
}

// MPSC is a bounded multi-producer single-consumer queue living in a
// shared memory [Pool].
//
// Producers claim positions with a fetch-add on a shared head cursor
// and publish through a per-slot state word, so any number of producer
// threads in any number of processes may enqueue concurrently. Exactly
// one consumer may dequeue: the read cursor is private to the consumer
// handle and is not stored in shared memory.
//
// The non-blocking operations stay in userspace. The blocking variants
// park in the kernel on words inside the segment, so producers and the
// consumer wake each other across process boundaries.
//
// T must be trivially copyable: its bytes are copied in and out of
// shared memory, so pointers, slices, maps, channels and strings inside
// T would be dangling in every other process.
type MPSC[T any] struct {
	pool  *Pool
	q     *rawMPSC
	nodes []node[T]
	tail  uint32
	mask  uint32
}

// CreateMPSC creates a new queue with the given capacity in pool.
//
// Capacity must be a power of 2 between 2 and [MaxQueueCapacity]; other
// values panic. Returns ErrOutOfSpace, allocating nothing, if the pool
// cannot hold the queue header and slot array.
func CreateMPSC[T any](pool *Pool, capacity uint32) (*MPSC[T], error) {
	if capacity < 2 || capacity > MaxQueueCapacity || capacity&(capacity-1) != 0 {
		panic("shmq: queue capacity must be a power of 2 in [2, MaxQueueCapacity]")
	}

	rawSize := int(unsafe.Sizeof(rawMPSC{}))
	qp, _, err := pool.Allocate(rawSize)
	if err != nil {
		return nil, err
	}
	q := (*rawMPSC)(qp)

	nodeSize := int(unsafe.Sizeof(node[T]{}))
	ap, arrayOffset, err := pool.Allocate(nodeSize * int(capacity))
	if err != nil {
		pool.Free(qp, rawSize)
		return nil, err
	}

	// Pool memory may be recycled, so every shared word gets an
	// explicit store before the queue is handed out.
	q.arrayOffset = arrayOffset
	q.arrayLength = capacity
	q.arrayShifts = uint32(bits.TrailingZeros32(capacity))
	q.writeLength.StoreRelaxed(0)
	q.headIndex.StoreRelaxed(0)
	q.blockedThreads.StoreRelaxed(0)

	nodes := unsafe.Slice((*node[T])(ap), capacity)
	for i := range nodes {
		nodes[i].valid.StoreRelaxed(nodeEmpty)
		nodes[i].waiters.StoreRelaxed(0)
	}

	return &MPSC[T]{
		pool:  pool,
		q:     q,
		nodes: nodes,
		mask:  capacity - 1,
	}, nil
}

// LoadMPSC attaches to an existing queue at offset in pool, typically
// one created by another process.
//
// The returned handle starts reading at slot 0; attach the consumer
// handle before the first enqueue, or use one handle per queue side.
func LoadMPSC[T any](pool *Pool, offset uint64) (*MPSC[T], error) {
	q := (*rawMPSC)(pool.AtOffset(offset))
	nodes := unsafe.Slice((*node[T])(pool.AtOffset(q.arrayOffset)), q.arrayLength)
	return &MPSC[T]{
		pool:  pool,
		q:     q,
		nodes: nodes,
		mask:  q.arrayLength - 1,
	}, nil
}

// Reserve claims space for one future [MPSC.EnqueueAt] without writing
// anything yet. It reports false, leaving the queue untouched, when the
// queue is full.
//
// Reservations let a caller claim space in several queues and only
// commit when every claim succeeded; see [MPSC.CancelReservation] for
// the rollback half.
func (m *MPSC[T]) Reserve() bool {
	old := uint32(m.q.writeLength.AddAcqRel(1) - 1)
	if old >= m.q.arrayLength {
		m.q.writeLength.AddAcqRel(-1)
		return false
	}
	return true
}

// CancelReservation gives back space claimed by a successful
// [MPSC.Reserve]. Calling it without a matching reservation loses
// legitimate elements.
func (m *MPSC[T]) CancelReservation() {
	m.q.writeLength.AddAcqRel(-1)
}

// EnqueueAt writes an element into space previously claimed with a
// successful [MPSC.Reserve]. Calling it without a matching reservation
// can overwrite a live element, which panics.
func (m *MPSC[T]) EnqueueAt(elem *T) {
	m.enqueue(elem, false)
}

// Enqueue adds an element without blocking. Safe for any number of
// concurrent producers. Returns ErrWouldBlock if the queue is full.
func (m *MPSC[T]) Enqueue(elem *T) error {
	if !m.Reserve() {
		return ErrWouldBlock
	}
	m.enqueue(elem, false)
	return nil
}

// EnqueueBlocking adds an element, sleeping in the kernel until space
// frees up if the queue is full.
//
// Writers queue per slot in ticket order, so blocked producers complete
// in the order they arrived at the slot. The consumer must use
// [MPSC.DequeueNextBlocking] to dequeue while writers may be parked:
// the non-blocking dequeue never wakes them.
func (m *MPSC[T]) EnqueueBlocking(elem *T) {
	// Claim space unconditionally. The counter may overshoot the
	// capacity; the overshoot is what tells a dequeuer that writers
	// are parked.
	m.q.writeLength.AddAcqRel(1)
	m.enqueue(elem, true)
}

func (m *MPSC[T]) enqueue(elem *T, canBlock bool) {
	head := uint32(m.q.headIndex.AddAcqRel(1) - 1)
	m.maskHead()
	// The claimed index may predate the masking of earlier claims, so
	// it gets wrapped separately.
	head &= m.mask

	slot := &m.nodes[head]

	// Take a deli ticket on the slot even when not blocking, so the
	// ticket and woken counters stay in step.
	ticket := slot.takeWriteTicket()
	if canBlock {
		m.awaitWriteTurn(slot, ticket)
	}

	sharedCopy(unsafe.Pointer(&slot.value), unsafe.Pointer(elem), unsafe.Sizeof(*elem))

	prev := exchangeInt32(&slot.valid, nodePublished)
	if prev == nodePublished {
		panic("shmq: overwrite of a published slot")
	}
	if prev != nodeEmpty && prev != nodeParked {
		panic("shmq: unknown slot state")
	}
	if prev == nodeParked {
		// The consumer is asleep on this word.
		futex.Wake(addr32(&slot.valid), 1)
	}
}

// maskHead wraps the shared head cursor back into the array. Claims and
// wraps are not atomic together, so the cursor may transiently exceed
// the mask by the number of in-flight claims.
func (m *MPSC[T]) maskHead() {
	sw := spin.Wait{}
	for {
		old := m.q.headIndex.LoadRelaxed()
		masked := int32(uint32(old) & m.mask)
		if old == masked || m.q.headIndex.CompareAndSwapRelaxed(old, masked) {
			return
		}
		sw.Once()
	}
}

// takeWriteTicket increments the 16-bit ticket half of the waiters word
// and returns the previous value. The carry stays inside the low half.
func (n *node[T]) takeWriteTicket() uint16 {
	sw := spin.Wait{}
	for {
		old := uint32(n.waiters.LoadRelaxed())
		next := (old &^ 0xFFFF) | ((old + 1) & 0xFFFF)
		if n.waiters.CompareAndSwapAcqRel(int32(old), int32(next)) {
			return uint16(old)
		}
		sw.Once()
	}
}

// awaitWriteTurn parks the writer until the slot's woken counter
// reaches its ticket.
//
// Both counters are 15 bits with a lap parity bit on top. Equal parity
// bits mean both counters are on the same lap and the plain comparison
// holds; unequal parity means the ticket counter wrapped first and the
// comparison inverts until the woken counter wraps too.
func (m *MPSC[T]) awaitWriteTurn(slot *node[T], ticket uint16) {
	turn := ticket & waitTicketMask

	w := uint32(slot.waiters.LoadAcquire())
	woken := uint16(w>>16) & waitTicketMask
	inverted := (w>>15)&1 != (w>>31)&1
	for (!inverted && woken < turn) || (inverted && woken > turn) {
		m.q.blockedThreads.AddAcqRel(1)
		futex.Wait(addr32(&slot.waiters), w)
		m.q.blockedThreads.AddAcqRel(-1)

		w = uint32(slot.waiters.LoadAcquire())
		woken = uint16(w>>16) & waitTicketMask
		inverted = (w>>15)&1 != (w>>31)&1
	}
}

// DequeueNext removes and returns the next element without blocking.
// Single consumer only. Returns (zero value, ErrWouldBlock) if the
// queue is empty.
//
// Parked writers are not woken from here; a consumer that shares a
// queue with blocking producers dequeues with
// [MPSC.DequeueNextBlocking].
func (m *MPSC[T]) DequeueNext() (T, error) {
	slot := &m.nodes[m.tail]
	if !slot.valid.CompareAndSwapAcqRel(nodePublished, nodeEmpty) {
		var zero T
		return zero, ErrWouldBlock
	}

	elem := m.consume(slot)

	// Only now may another writer claim the space.
	m.q.writeLength.AddAcqRel(-1)
	return elem, nil
}

// DequeueNextBlocking removes and returns the next element, sleeping in
// the kernel while the queue is empty. Single consumer only.
func (m *MPSC[T]) DequeueNextBlocking() T {
	slot := &m.nodes[m.tail]
	if !slot.valid.CompareAndSwapAcqRel(nodePublished, nodeEmpty) {
		// Advertise that a reader sleeps here. The publishing writer
		// sees the sentinel when it exchanges the word and wakes us.
		if slot.valid.CompareAndSwapAcqRel(nodeEmpty, nodeParked) {
			for slot.valid.LoadAcquire() == nodeParked {
				m.q.blockedThreads.AddAcqRel(1)
				futex.Wait(addr32(&slot.valid), nodeParked)
				m.q.blockedThreads.AddAcqRel(-1)
			}
		}
		// Single consumer: whatever got published is ours to take.
		exchangeInt32(&slot.valid, nodeEmpty)
	}

	elem := m.consume(slot)

	old := uint32(m.q.writeLength.AddAcqRel(-1) + 1)
	if old > m.q.arrayLength {
		// Writers overshot the capacity, so some of them are parked
		// on this slot's ticket word. All of them wake and re-check;
		// the one whose turn it is proceeds.
		futex.WakeAll(addr32(&slot.waiters))
	}
	return elem
}

// consume copies the element out of slot, advances the read cursor and
// retires the slot's deli turn.
func (m *MPSC[T]) consume(slot *node[T]) T {
	var elem T
	sharedCopy(unsafe.Pointer(&elem), unsafe.Pointer(&slot.value), unsafe.Sizeof(elem))

	m.tail = (m.tail + 1) & m.mask

	// Bump the woken half of the waiters word. A carry out of the top
	// bit falls off the word and cannot reach the ticket half.
	slot.waiters.AddAcqRel(1 << 16)
	return elem
}

// PeekNext returns the next element without removing it and without
// blocking. Single consumer only. Returns (zero value, ErrWouldBlock)
// if the queue is empty.
func (m *MPSC[T]) PeekNext() (T, error) {
	slot := &m.nodes[m.tail]
	if slot.valid.LoadAcquire() != nodePublished {
		var zero T
		return zero, ErrWouldBlock
	}
	// The slot stays published until this consumer dequeues it, so the
	// copy cannot race a writer.
	var elem T
	sharedCopy(unsafe.Pointer(&elem), unsafe.Pointer(&slot.value), unsafe.Sizeof(elem))
	return elem, nil
}

// PeekNextBlocking returns the next element without removing it,
// waiting for one to arrive if the queue is empty. Single consumer
// only.
//
// Peeking must leave the slot word untouched for a later dequeue, so
// the wait is an adaptive spin rather than a kernel sleep.
func (m *MPSC[T]) PeekNextBlocking() T {
	slot := &m.nodes[m.tail]
	backoff := iox.Backoff{}
	for slot.valid.LoadAcquire() != nodePublished {
		backoff.Wait()
	}
	var elem T
	sharedCopy(unsafe.Pointer(&elem), unsafe.Pointer(&slot.value), unsafe.Sizeof(elem))
	return elem
}

// Cap returns the queue capacity.
func (m *MPSC[T]) Cap() int {
	return int(m.q.arrayLength)
}

// Offset returns the durable pool offset of the queue, the form to hand
// to [LoadMPSC] in another process.
func (m *MPSC[T]) Offset() uint64 {
	return m.pool.Offset(unsafe.Pointer(m.q))
}

// FreeQueue releases the queue's shared memory back to the pool. The
// caller is responsible for making sure no process touches the queue
// afterwards.
func (m *MPSC[T]) FreeQueue() {
	m.pool.FreeOffset(m.q.arrayOffset, int(unsafe.Sizeof(node[T]{}))*int(m.q.arrayLength))
	m.pool.Free(unsafe.Pointer(m.q), int(unsafe.Sizeof(rawMPSC{})))
	m.q = nil
	m.nodes = nil
}

// sharedCopy copies size bytes between shared and private memory, whole
// words first so that aligned 8-byte fields move in single accesses.
func sharedCopy(dst, src unsafe.Pointer, size uintptr) {
	for size >= 8 && uintptr(dst)%8 == 0 && uintptr(src)%8 == 0 {
		*(*uint64)(dst) = *(*uint64)(src)
		dst = unsafe.Add(dst, 8)
		src = unsafe.Add(src, 8)
		size -= 8
	}
	for size > 0 {
		*(*byte)(dst) = *(*byte)(src)
		dst = unsafe.Add(dst, 1)
		src = unsafe.Add(src, 1)
		size--
	}
}

// exchangeInt32 emulates an atomic exchange with a CAS loop.
func exchangeInt32(w *atomix.Int32, v int32) int32 {
	sw := spin.Wait{}
	for {
		old := w.LoadAcquire()
		if w.CompareAndSwapAcqRel(old, v) {
			return old
		}
		sw.Once()
	}
}

// addr32 exposes a shared atomic word to the futex syscall.
func addr32(w *atomix.Int32) *uint32 {
	return (*uint32)(unsafe.Pointer(w))
}
