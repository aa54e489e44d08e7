// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package futex

import (
	"math"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operation codes. Not exported by golang.org/x/sys/unix.
const (
	futexWait = 0
	futexWake = 1
)

// Wait blocks the calling thread on addr until a Wake on the same word,
// provided *addr still equals expected at sleep time.
//
// Returns false without sleeping when the word no longer holds expected
// (EAGAIN) or when the sleep was interrupted by a signal (EINTR; the Go
// runtime delivers these routinely). The caller re-reads the word and
// decides whether to wait again. Returns true after a genuine wake-up.
//
// Any other errno indicates a corrupted word or segment and panics.
func Wait(addr *uint32, expected uint32) bool {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWait),
		uintptr(expected),
		0, 0, 0,
	)
	switch errno {
	case 0:
		return true
	case unix.EAGAIN, unix.EINTR:
		return false
	}
	panic("futex: wait failed: " + errno.Error())
}

// Wake wakes up to n threads blocked on addr and returns the number
// actually woken. Panics on an unexpected errno.
func Wake(addr *uint32, n uint32) int {
	woken, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWake),
		uintptr(n),
		0, 0, 0,
	)
	if errno != 0 {
		panic("futex: wake failed: " + errno.Error())
	}
	return int(woken)
}

// WakeAll wakes every thread blocked on addr.
func WakeAll(addr *uint32) int {
	return Wake(addr, math.MaxInt32)
}
