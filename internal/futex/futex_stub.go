// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package futex

// Wait is unsupported on this platform.
func Wait(addr *uint32, expected uint32) bool {
	panic("futex: not supported on this platform")
}

// Wake is unsupported on this platform.
func Wake(addr *uint32, n uint32) int {
	panic("futex: not supported on this platform")
}

// WakeAll is unsupported on this platform.
func WakeAll(addr *uint32) int {
	panic("futex: not supported on this platform")
}
