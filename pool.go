// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmq

import (
	"fmt"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

// Pool header state values
const (
	poolRaw   = 0
	poolReady = 1
)

// poolHeader lives at the start of the mapped segment. The creator of
// the segment fills it in exactly once; every other opener waits for
// state to become poolReady before touching anything behind it.
type poolHeader struct {
	dataSize    uint32
	numBlocks   uint32
	bitmapWords uint32
	state       atomix.Int32
	lock        Mutex
}

// Pool is a handle to a named shared memory segment with a block
// allocator on top.
//
// Any number of processes may open the same segment by name; the first
// one creates and initializes it, the rest attach to the existing
// layout. Objects in the pool are referred to by offset, never by
// pointer, because every process maps the segment at a different
// virtual address. [Pool.AtOffset] and [Pool.Offset] translate between
// the two forms in O(1).
//
// Allocation granularity is [BlockSize] bytes. The allocator is a
// bitmap with a smallest-fit contiguous scan, serialized by a [Mutex]
// in the segment header, so it is cheap for the handful of long-lived
// objects an IPC segment holds but is not a general-purpose malloc.
type Pool struct {
	name     string
	mem      []byte
	hdr      *poolHeader
	bitmap   []atomix.Uint64
	data     unsafe.Pointer
	dataSize uint32
}

// NewPool opens the named shared memory segment, creating it with room
// for dataSize bytes of pool data if it does not exist yet.
//
// dataSize rounds up to a multiple of [BlockSize]. Opening an existing
// segment with a different dataSize returns an error.
//
// Every pool carries a name registry at its lowest offsets; dataSize
// must leave room for it (a few KiB) on top of the queues themselves.
func NewPool(name string, dataSize int) (*Pool, error) {
	if dataSize <= 0 {
		panic("shmq: pool data size must be positive")
	}
	numBlocks := (uint32(dataSize) + BlockSize - 1) / BlockSize
	dataBytes := numBlocks * BlockSize
	bitmapWords := (numBlocks + 63) / 64

	headerEnd := uint32(unsafe.Sizeof(poolHeader{})) + bitmapWords*8
	dataStart := (headerEnd + BlockSize - 1) / BlockSize * BlockSize
	total := int(dataStart + dataBytes)

	path := "/dev/shm/" + name
	created := true
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o666)
	if err == unix.EEXIST {
		created = false
		fd, err = unix.Open(path, unix.O_RDWR, 0o666)
	}
	if err != nil {
		return nil, fmt.Errorf("shmq: open segment %q: %w", name, err)
	}
	if created {
		if err := unix.Ftruncate(fd, int64(total)); err != nil {
			unix.Close(fd)
			unix.Unlink(path)
			return nil, fmt.Errorf("shmq: size segment %q: %w", name, err)
		}
	}
	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	unix.Close(fd)
	if err != nil {
		return nil, fmt.Errorf("shmq: map segment %q: %w", name, err)
	}

	p := &Pool{
		name:     name,
		mem:      mem,
		hdr:      (*poolHeader)(unsafe.Pointer(&mem[0])),
		data:     unsafe.Pointer(&mem[dataStart]),
		dataSize: dataBytes,
	}
	p.bitmap = unsafe.Slice(
		(*atomix.Uint64)(unsafe.Pointer(&mem[unsafe.Sizeof(poolHeader{})])),
		bitmapWords,
	)

	if created {
		// Fresh pages are zero-filled, so only the non-zero fields
		// need stores before publishing.
		p.hdr.dataSize = dataBytes
		p.hdr.numBlocks = numBlocks
		p.hdr.bitmapWords = bitmapWords

		// The name registry claims the pool's fixed low offsets before
		// anything else can, so it happens here while the segment is
		// still private to its creator.
		if _, err := OpenRegistry(p); err != nil {
			unix.Munmap(mem)
			unix.Unlink(path)
			return nil, fmt.Errorf("shmq: segment %q too small for the name registry: %w", name, err)
		}
		p.hdr.state.StoreRelease(poolReady)
	} else {
		backoff := iox.Backoff{}
		for p.hdr.state.LoadAcquire() != poolReady {
			backoff.Wait()
		}
		if have := p.hdr.dataSize; have != dataBytes {
			unix.Munmap(mem)
			return nil, fmt.Errorf("shmq: segment %q holds %d data bytes, want %d",
				name, have, dataBytes)
		}
	}
	return p, nil
}

// Allocate reserves a contiguous run of blocks covering size bytes and
// returns its address in this process plus its durable offset.
//
// Returns ErrOutOfSpace when no contiguous run is large enough. The
// returned memory is not zeroed unless it has never been allocated
// before.
func (p *Pool) Allocate(size int) (unsafe.Pointer, uint64, error) {
	n := blocksFor(size)
	p.hdr.lock.Acquire()
	defer p.hdr.lock.Release()

	start, ok := p.findRun(n)
	if !ok {
		return nil, 0, ErrOutOfSpace
	}
	p.markRange(start, n, true)
	offset := uint64(start) * BlockSize
	return p.AtOffset(offset), offset, nil
}

// AllocateAt reserves the run of blocks covering size bytes at a fixed
// offset. It is idempotent: if the exact run is already fully reserved,
// AllocateAt succeeds and returns the same address, which lets several
// processes bootstrap a fixed-position object without coordination.
//
// A run that is only partially reserved overlaps some other object;
// that returns ErrOutOfSpace.
func (p *Pool) AllocateAt(offset uint64, size int) (unsafe.Pointer, error) {
	if offset%BlockSize != 0 {
		panic("shmq: AllocateAt offset must be block aligned")
	}
	n := blocksFor(size)
	start := uint32(offset / BlockSize)
	if start+n > p.hdr.numBlocks {
		return nil, ErrOutOfSpace
	}

	p.hdr.lock.Acquire()
	defer p.hdr.lock.Release()

	used := uint32(0)
	for i := uint32(0); i < n; i++ {
		if p.blockUsed(start + i) {
			used++
		}
	}
	if used != 0 && used != n {
		return nil, ErrOutOfSpace
	}
	if used == 0 {
		p.markRange(start, n, true)
	}
	return p.AtOffset(offset), nil
}

// Free releases the run of blocks covering size bytes at ptr.
func (p *Pool) Free(ptr unsafe.Pointer, size int) {
	p.FreeOffset(p.Offset(ptr), size)
}

// FreeOffset releases the run of blocks covering size bytes at offset.
func (p *Pool) FreeOffset(offset uint64, size int) {
	n := blocksFor(size)
	start := uint32(offset / BlockSize)

	p.hdr.lock.Acquire()
	defer p.hdr.lock.Release()
	p.markRange(start, n, false)
}

// IsMemoryUsed reports whether the block containing offset is
// allocated.
func (p *Pool) IsMemoryUsed(offset uint64) bool {
	p.hdr.lock.Acquire()
	defer p.hdr.lock.Release()
	return p.blockUsed(uint32(offset / BlockSize))
}

// AtOffset translates a pool offset to an address in this process.
func (p *Pool) AtOffset(offset uint64) unsafe.Pointer {
	if uint64(uint32(offset)) != offset || uint32(offset) >= p.dataSize {
		panic("shmq: offset outside pool")
	}
	return unsafe.Add(p.data, offset)
}

// Offset translates an address in this process to a pool offset.
func (p *Pool) Offset(ptr unsafe.Pointer) uint64 {
	d := uintptr(ptr) - uintptr(p.data)
	if d >= uintptr(p.dataSize) {
		panic("shmq: pointer outside pool")
	}
	return uint64(d)
}

// Clear releases every allocation in the pool at once. Objects inside
// the pool become garbage; existing handles to them must not be used
// afterwards.
func (p *Pool) Clear() {
	p.hdr.lock.Acquire()
	defer p.hdr.lock.Release()
	for i := range p.bitmap {
		p.bitmap[i].StoreRelaxed(0)
	}
}

// Close unmaps the segment from this process. The segment itself, and
// every object in it, stays alive for other processes until the name is
// removed with [Pool.Unlink].
func (p *Pool) Close() error {
	if p.mem == nil {
		return nil
	}
	mem := p.mem
	p.mem = nil
	p.hdr = nil
	p.bitmap = nil
	p.data = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("shmq: unmap segment %q: %w", p.name, err)
	}
	return nil
}

// Unlink removes the segment name from the file system. Processes that
// still have it mapped keep working; the memory is reclaimed once the
// last mapping goes away.
func (p *Pool) Unlink() error {
	if err := unix.Unlink("/dev/shm/" + p.name); err != nil {
		return fmt.Errorf("shmq: unlink segment %q: %w", p.name, err)
	}
	return nil
}

func blocksFor(size int) uint32 {
	if size <= 0 {
		panic("shmq: allocation size must be positive")
	}
	return (uint32(size) + BlockSize - 1) / BlockSize
}

func (p *Pool) blockUsed(i uint32) bool {
	return p.bitmap[i/64].LoadRelaxed()&(1<<(i%64)) != 0
}

// findRun locates the smallest free run of at least n blocks. Smallest
// fit keeps the handful of large, long-lived queue arrays from being
// fragmented by small registry nodes.
func (p *Pool) findRun(n uint32) (uint32, bool) {
	bestStart, bestLen := uint32(0), uint32(0)
	runStart, runLen := uint32(0), uint32(0)
	for i := uint32(0); i < p.hdr.numBlocks; i++ {
		if !p.blockUsed(i) {
			if runLen == 0 {
				runStart = i
			}
			runLen++
			continue
		}
		if runLen >= n && (bestLen == 0 || runLen < bestLen) {
			bestStart, bestLen = runStart, runLen
		}
		runLen = 0
	}
	if runLen >= n && (bestLen == 0 || runLen < bestLen) {
		bestStart, bestLen = runStart, runLen
	}
	if bestLen == 0 {
		return 0, false
	}
	return bestStart, true
}

func (p *Pool) markRange(start, n uint32, used bool) {
	for i := start; i < start+n; i++ {
		w := &p.bitmap[i/64]
		bit := uint64(1) << (i % 64)
		if used {
			w.StoreRelaxed(w.LoadRelaxed() | bit)
		} else {
			w.StoreRelaxed(w.LoadRelaxed() &^ bit)
		}
	}
}
