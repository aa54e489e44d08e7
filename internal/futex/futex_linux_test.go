// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package futex_test

import (
	"runtime"
	"sync/atomic"
	"testing"

	"code.hybscloud.com/shmq/internal/futex"
)

// TestWaitValueMismatch tests that waiting on a word that already
// changed returns immediately without sleeping.
func TestWaitValueMismatch(t *testing.T) {
	var word uint32 = 1
	if futex.Wait(&word, 0) {
		t.Fatal("Wait with mismatched value: got true, want false")
	}
}

// TestWakeWithoutWaiters tests that waking an idle word is a no-op.
func TestWakeWithoutWaiters(t *testing.T) {
	var word uint32
	if n := futex.Wake(&word, 1); n != 0 {
		t.Fatalf("Wake without waiters: woke %d, want 0", n)
	}
	if n := futex.WakeAll(&word); n != 0 {
		t.Fatalf("WakeAll without waiters: woke %d, want 0", n)
	}
}

// TestWaitWake tests the park/wake handshake between two goroutines.
func TestWaitWake(t *testing.T) {
	var word uint32
	done := make(chan struct{})

	go func() {
		defer close(done)
		for atomic.LoadUint32(&word) == 0 {
			futex.Wait(&word, 0)
		}
	}()

	atomic.StoreUint32(&word, 1)
	for {
		futex.Wake(&word, 1)
		select {
		case <-done:
			return
		default:
			runtime.Gosched()
		}
	}
}

// TestWakeAllReleasesEveryWaiter tests that a broadcast wakes every
// parked goroutine.
func TestWakeAllReleasesEveryWaiter(t *testing.T) {
	const waiters = 8

	var word uint32
	done := make(chan struct{}, waiters)

	for range waiters {
		go func() {
			for atomic.LoadUint32(&word) == 0 {
				futex.Wait(&word, 0)
			}
			done <- struct{}{}
		}()
	}

	atomic.StoreUint32(&word, 1)
	released := 0
	for released < waiters {
		futex.WakeAll(&word)
		select {
		case <-done:
			released++
		default:
			runtime.Gosched()
		}
	}
}
