// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package futex exposes the kernel futex word as a wait/wake primitive
// for 32-bit words living in shared memory.
//
// All operations use the cross-process form of the syscall (no PRIVATE
// flag): the kernel keys the wait queue on the physical page behind the
// word, so processes that map the same segment at different virtual
// addresses still rendezvous on the same queue.
package futex
