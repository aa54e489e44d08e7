// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmq

import (
	"unsafe"

	"code.hybscloud.com/atomix"

	"code.hybscloud.com/shmq/internal/futex"
)

// Mutex word states
const (
	mutexFree      = 0
	mutexHeld      = 1
	mutexContended = 2
)

// Mutex is a futex-backed mutual exclusion lock that works across
// processes when placed in shared memory.
//
// The zero value is an unlocked mutex, so freshly created (zeroed)
// segments need no initialization step. Unlike [sync.Mutex] it must not
// be copied while mapped, and misuse is fatal: releasing a mutex that is
// not held panics, since a stray release means the shared state it
// guards can no longer be trusted.
type Mutex struct {
	word atomix.Int32
}

// Acquire locks the mutex, sleeping in the kernel under contention.
//
// Threads that ever slept re-acquire with the contended state so that a
// later [Mutex.Release] knows somebody may still be parked.
func (m *Mutex) Acquire() {
	if m.word.CompareAndSwapAcqRel(mutexFree, mutexHeld) {
		return
	}
	for {
		if m.word.LoadRelaxed() == mutexContended ||
			m.word.CompareAndSwapAcqRel(mutexHeld, mutexContended) {
			futex.Wait(m.addr(), mutexContended)
		}
		if m.word.CompareAndSwapAcqRel(mutexFree, mutexContended) {
			return
		}
	}
}

// Release unlocks the mutex and wakes one parked waiter if the lock was
// contended. Panics if the mutex is not held.
func (m *Mutex) Release() {
	if m.word.CompareAndSwapAcqRel(mutexHeld, mutexFree) {
		return
	}
	if m.word.CompareAndSwapAcqRel(mutexContended, mutexFree) {
		futex.Wake(m.addr(), 1)
		return
	}
	panic("shmq: release of unheld mutex")
}

func (m *Mutex) addr() *uint32 {
	return (*uint32)(unsafe.Pointer(&m.word))
}
