// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package gothread implements a minimal user-space threading runtime on top
// of real Linux futex words, goroutines pinned 1:1 to kernel tasks, and the
// handful of syscalls a POSIX-style thread library needs: mutexes (three
// types crossed with three priority protocols), condition variables,
// read/write locks, thread-local storage with destructors, deferred and
// asynchronous cancellation with a cleanup-handler stack, and a
// priority-aware scheduler that recomputes a thread's effective scheduling
// parameters from the set of priority-protocol mutexes it owns.
//
// See SPEC_FULL.md in the module root for why "thread" here means a
// goroutine locked to its OS thread via runtime.LockOSThread rather than a
// raw clone(2)ed kernel task running bare Go code.
package gothread

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operations this package issues. golang.org/x/sys/unix does
// not wrap futex itself (it is rarely needed outside a runtime), so the
// syscall number and op codes are used directly, the same way the rest of
// the retrieval pack's futex-adjacent code does (e.g. twmb/dash's emulated
// futex, or the Go runtime's own lock_futex.go).
const (
	futexWaitOp = 0
	futexWakeOp = 1
	// futexPrivateFlag restricts the futex to this process's address space:
	// spec.md's non-goal "no cross-process shared primitives" means every
	// futex word here is process-private, which also lets the kernel skip
	// its more expensive shared-futex bookkeeping.
	futexPrivateFlag = 128
)

// futexWait blocks the calling OS thread until *word no longer equals
// expected, or until a FUTEX_WAKE targets it. Spurious wakeups and EINTR are
// both legal outcomes under Linux futex semantics; every caller in this
// package re-checks its own condition in a loop after returning, exactly as
// spec.md's components describe ("would-block / interrupted ... handled
// internally by retry, never surfaced").
func futexWait(word *uint32, expected uint32) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(futexWaitOp|futexPrivateFlag),
		uintptr(expected),
		0, 0, 0,
	)
}

// futexWake wakes up to n waiters blocked on *word.
func futexWake(word *uint32, n int) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(futexWakeOp|futexPrivateFlag),
		uintptr(n),
		0, 0, 0,
	)
}

// FutexLock is the 0/1 spinlock of spec.md §4.A: a single word, acquired via
// CAS and, on contention, parked with FUTEX_WAIT. It provides no fairness,
// no recursion, and no priority awareness, and exists only to synchronize
// this package's own small internal critical sections (a thread's
// owned-mutex lists, a Cond's internal state, Init/Finit) — Mutex is the
// primitive user code should reach for.
type FutexLock struct {
	word uint32
}

// Lock acquires the spinlock, parking in the kernel between CAS attempts.
func (f *FutexLock) Lock() {
	for {
		if atomic.CompareAndSwapUint32(&f.word, 0, 1) {
			return
		}
		futexWait(&f.word, 1)
	}
}

// TryLock attempts to acquire the spinlock without blocking.
func (f *FutexLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&f.word, 0, 1)
}

// Unlock releases the spinlock and wakes a single waiter, if any.
func (f *FutexLock) Unlock() {
	if atomic.CompareAndSwapUint32(&f.word, 1, 0) {
		futexWake(&f.word, 1)
	}
}
