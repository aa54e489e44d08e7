// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmq

import "sync"

// Tunables for the shared segment and its data structures. They are
// compile-time constants so that every process mapping a segment agrees
// on the layout without negotiation.
const (
	// BlockSize is the allocation granularity of the pool in bytes.
	// It balances bitmap overhead against wasted space; the page size
	// should be an integer multiple of it.
	BlockSize = 128

	// DefaultPoolSize is the data size in bytes used by [DefaultPool].
	DefaultPoolSize = 64000

	// DefaultQueueCapacity is a conventional per-subqueue capacity to
	// pass to [New]; the builder itself always takes an explicit
	// capacity. Must be a power of 2.
	DefaultQueueCapacity = 64

	// MaxQueueCapacity bounds queue capacities. Above this, the packed
	// waiter ticket word and the write-length oversubscription scheme
	// lose too much headroom to be trusted.
	MaxQueueCapacity = 1 << 20

	// MaxConsumers is the maximum number of consumer handles a fan-out
	// [Queue] can have at once.
	MaxConsumers = 64

	// NameMapSize is the number of buckets in the shared registry that
	// maps queue names to segment offsets.
	NameMapSize = 128

	// NameMapOffset is the fixed segment offset of the registry header.
	NameMapOffset = 0

	// DefaultSegmentName is the shared memory segment used by
	// [DefaultPool].
	DefaultSegmentName = "tachyon_shm"
)

// Options configures queue fetching and creation.
type Options struct {
	// Role of the handle being built
	consumer bool

	// Pool override; nil means DefaultPool
	pool *Pool

	// Per-subqueue capacity (rounds up to next power of 2)
	capacity int
}

// Builder creates fan-out queue handles with fluent configuration.
//
// Example:
//
//	// Consumer handle on the default segment
//	q, err := shmq.Fetch[Event](shmq.New(1024), "sensors")
//
//	// Producer-only handle on an explicit pool
//	q, err := shmq.Fetch[Event](shmq.New(1024).ProducerOnly().WithPool(pool), "sensors")
type Builder struct {
	opts Options
}

// New creates a queue builder with the given per-subqueue capacity.
//
// Capacity rounds up to the next power of 2. For example, capacity=4
// results in actual capacity=4, capacity=1000 results in actual
// capacity=1024.
//
// The handle is a consumer by default; use [Builder.ProducerOnly] for
// handles that never dequeue.
//
// Panics if capacity < 2 or capacity > MaxQueueCapacity.
func New(capacity int) *Builder {
	if capacity < 2 {
		panic("shmq: capacity must be >= 2")
	}
	if capacity > MaxQueueCapacity {
		panic("shmq: capacity exceeds MaxQueueCapacity")
	}
	return &Builder{opts: Options{capacity: capacity, consumer: true}}
}

// ProducerOnly declares that the handle will never dequeue.
//
// Producer-only handles do not allocate a subqueue of their own, so they
// are cheap and do not count against [MaxConsumers].
func (b *Builder) ProducerOnly() *Builder {
	b.opts.consumer = false
	return b
}

// Consumer declares that the handle will dequeue. This is the default.
//
// Each consumer handle owns a private subqueue that every producer
// enqueues into.
func (b *Builder) Consumer() *Builder {
	b.opts.consumer = true
	return b
}

// WithPool selects the shared memory pool to operate on instead of
// [DefaultPool].
func (b *Builder) WithPool(p *Pool) *Builder {
	b.opts.pool = p
	return b
}

func (b *Builder) resolvePool() (*Pool, error) {
	if b.opts.pool != nil {
		return b.opts.pool, nil
	}
	return DefaultPool()
}

// Fetch finds or creates the named fan-out queue on the builder's pool.
//
// If the registry already maps name to a queue, a new handle to that
// queue is returned; otherwise a queue with the builder's capacity is
// created and registered.
//
// Returns ErrOutOfSpace if the pool cannot hold a new queue or registry
// entry.
func Fetch[T any](b *Builder, name string) (*Queue[T], error) {
	pool, err := b.resolvePool()
	if err != nil {
		return nil, err
	}

	reg, err := OpenRegistry(pool)
	if err != nil {
		return nil, err
	}

	if offset, ok := reg.Fetch(name); ok {
		return LoadQueue[T](pool, b.opts.consumer, offset)
	}

	q, err := CreateQueue[T](pool, b.opts.consumer, uint32(roundToPow2(b.opts.capacity)))
	if err != nil {
		return nil, err
	}
	if err := reg.AddOrSet(name, q.Offset()); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

// Build creates an anonymous fan-out queue on the builder's pool,
// bypassing the registry. Share it with other processes through
// [Queue.Offset] and [LoadQueue].
func Build[T any](b *Builder) (*Queue[T], error) {
	pool, err := b.resolvePool()
	if err != nil {
		return nil, err
	}
	return CreateQueue[T](pool, b.opts.consumer, uint32(roundToPow2(b.opts.capacity)))
}

var (
	defaultPoolOnce sync.Once
	defaultPool     *Pool
	defaultPoolErr  error
)

// DefaultPool opens the process-wide pool on the [DefaultSegmentName]
// segment, creating the segment on first use. The pool is shared by all
// callers in the process and stays mapped until exit.
func DefaultPool() (*Pool, error) {
	defaultPoolOnce.Do(func() {
		defaultPool, defaultPoolErr = NewPool(DefaultSegmentName, DefaultPoolSize)
	})
	return defaultPool, defaultPoolErr
}

// roundToPow2 rounds n up to the next power of 2.
func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// pad is cache line padding to prevent false sharing.
type pad [64]byte

// padShort is padding to fill cache line after 8-byte field.
type padShort [64 - 8]byte
