// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmq

import (
	"hash/fnv"
	"unsafe"
)

// registryHeader sits at [NameMapOffset] and points at the bucket array
// and the lock guarding it.
type registryHeader struct {
	bucketsOffset uint64
	lockOffset    uint64
}

// registryBucket is one slot of the shared name map. Chaining uses pool
// offsets, never pointers: an offset of 0 terminates a chain, which is
// unambiguous because offset 0 always holds the registry header itself.
type registryBucket struct {
	occupied  uint32
	keyLen    uint32
	keyOffset uint64
	value     uint64
	next      uint64
}

// Registry is the shared map from queue names to pool offsets. Every
// process opening the same pool sees the same registry, which is how
// [Fetch] finds queues created elsewhere by name.
//
// All operations are serialized by a mutex in the pool, so the registry
// is for infrequent lookups at attach time, not for hot paths.
type Registry struct {
	pool    *Pool
	lock    *Mutex
	buckets []registryBucket
}

// OpenRegistry opens the pool's name registry, creating it at its fixed
// offset on first use.
func OpenRegistry(pool *Pool) (*Registry, error) {
	if pool.IsMemoryUsed(NameMapOffset) {
		hdr := (*registryHeader)(pool.AtOffset(NameMapOffset))
		return &Registry{
			pool: pool,
			lock: (*Mutex)(pool.AtOffset(hdr.lockOffset)),
			buckets: unsafe.Slice(
				(*registryBucket)(pool.AtOffset(hdr.bucketsOffset)), NameMapSize),
		}, nil
	}

	hp, err := pool.AllocateAt(NameMapOffset, int(unsafe.Sizeof(registryHeader{})))
	if err != nil {
		return nil, err
	}
	hdr := (*registryHeader)(hp)

	bucketBytes := int(unsafe.Sizeof(registryBucket{})) * NameMapSize
	bp, bucketsOffset, err := pool.Allocate(bucketBytes)
	if err != nil {
		return nil, err
	}
	buckets := unsafe.Slice((*registryBucket)(bp), NameMapSize)
	for i := range buckets {
		buckets[i] = registryBucket{}
	}

	lp, lockOffset, err := pool.Allocate(int(unsafe.Sizeof(Mutex{})))
	if err != nil {
		pool.Free(bp, bucketBytes)
		return nil, err
	}
	lock := (*Mutex)(lp)
	lock.word.StoreRelaxed(mutexFree)

	hdr.bucketsOffset = bucketsOffset
	hdr.lockOffset = lockOffset

	return &Registry{pool: pool, lock: lock, buckets: buckets}, nil
}

// AddOrSet maps name to offset, overwriting any previous mapping.
// Returns ErrOutOfSpace if the pool cannot hold a new chain bucket or
// key copy.
func (r *Registry) AddOrSet(name string, offset uint64) error {
	r.lock.Acquire()
	defer r.lock.Release()

	bucket := r.findBucket(name)
	if bucket.occupied != 0 && !r.keyEquals(bucket, name) {
		// End of a collision chain; grow it by one bucket.
		np, nextOffset, err := r.pool.Allocate(int(unsafe.Sizeof(registryBucket{})))
		if err != nil {
			return err
		}
		next := (*registryBucket)(np)
		*next = registryBucket{}
		bucket.next = nextOffset
		bucket = next
	}

	if bucket.occupied == 0 {
		keyPtr, keyOffset, err := r.pool.Allocate(len(name))
		if err != nil {
			return err
		}
		copy(unsafe.Slice((*byte)(keyPtr), len(name)), name)
		bucket.keyOffset = keyOffset
		bucket.keyLen = uint32(len(name))
	}
	bucket.value = offset
	bucket.occupied = 1
	return nil
}

// Fetch looks up the offset mapped to name.
func (r *Registry) Fetch(name string) (uint64, bool) {
	r.lock.Acquire()
	defer r.lock.Release()

	bucket := r.findBucket(name)
	if bucket.occupied == 0 || !r.keyEquals(bucket, name) {
		return 0, false
	}
	return bucket.value, true
}

// Free releases the registry's shared memory: chain buckets, key
// copies, the bucket array, the lock and the header. Only call it when
// no process will use the registry, or any registered name, again.
func (r *Registry) Free() {
	bucketSize := int(unsafe.Sizeof(registryBucket{}))
	for i := range r.buckets {
		if r.buckets[i].occupied != 0 {
			r.pool.FreeOffset(r.buckets[i].keyOffset, int(r.buckets[i].keyLen))
		}
		next := r.buckets[i].next
		for next != 0 {
			b := (*registryBucket)(r.pool.AtOffset(next))
			if b.occupied != 0 {
				r.pool.FreeOffset(b.keyOffset, int(b.keyLen))
			}
			r.pool.FreeOffset(next, bucketSize)
			next = b.next
		}
	}
	r.pool.Free(unsafe.Pointer(&r.buckets[0]), bucketSize*NameMapSize)
	r.pool.Free(unsafe.Pointer(r.lock), int(unsafe.Sizeof(Mutex{})))
	r.pool.FreeOffset(NameMapOffset, int(unsafe.Sizeof(registryHeader{})))
	r.buckets = nil
	r.lock = nil
}

// findBucket returns the bucket holding name, or the first free bucket
// in its chain, or the last bucket of the chain when it is full.
func (r *Registry) findBucket(name string) *registryBucket {
	bucket := &r.buckets[hashName(name)%NameMapSize]
	for {
		if bucket.occupied == 0 || r.keyEquals(bucket, name) {
			return bucket
		}
		if bucket.next == 0 {
			return bucket
		}
		bucket = (*registryBucket)(r.pool.AtOffset(bucket.next))
	}
}

func (r *Registry) keyEquals(b *registryBucket, name string) bool {
	if int(b.keyLen) != len(name) {
		return false
	}
	key := unsafe.Slice((*byte)(r.pool.AtOffset(b.keyOffset)), b.keyLen)
	return string(key) == name
}

// hashName must agree across processes, so it is a fixed hash rather
// than a per-process seeded one.
func hashName(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}
