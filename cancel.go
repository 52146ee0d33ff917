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

package gothread

import (
	"runtime"
	"sync/atomic"
)

// Cancellation status bits, packed into Descriptor.cancelStatus exactly as
// spec.md §4.H describes.
const (
	cancelEnabled   uint32 = 1 << 0
	cancelDeferred  uint32 = 1 << 1
	cancelCanceling uint32 = 1 << 2
	cancelCanceled  uint32 = 1 << 3
)

// CancelState is the argument/result type of SetCancelState.
type CancelState int

const (
	CancelEnable CancelState = iota
	CancelDisable
)

// CancelType is the argument/result type of SetCancelType.
type CancelType int

const (
	CancelDeferred CancelType = iota
	CancelAsynchronous
)

// Canceled is the distinguished sentinel retval a joiner observes when the
// joined thread ended via cancellation rather than returning normally or
// calling Exit explicitly.
var Canceled = new(struct{ _ byte })

// initialCancelStatus is the state a newly created thread starts in:
// cancellation enabled, deferred — matching "Cancellation is initialized to
// {ENABLED, DEFERRED}" in spec.md §4.C.
const initialCancelStatus = cancelEnabled | cancelDeferred

// setCancelBit CASes a single bit of self's cancel status and returns
// whether it was previously set.
func setCancelBit(self *Descriptor, bit uint32, set bool) bool {
	for {
		old := atomic.LoadUint32(&self.cancelStatus)
		was := old&bit != 0
		var next uint32
		if set {
			next = old | bit
		} else {
			next = old &^ bit
		}
		if next == old {
			return was
		}
		if atomic.CompareAndSwapUint32(&self.cancelStatus, old, next) {
			return was
		}
	}
}

// SetCancelState toggles whether the calling thread can be canceled at all,
// returning the previous state. Enabling immediately re-tests for a pending
// cancellation.
func SetCancelState(state CancelState) (CancelState, error) {
	if state != CancelEnable && state != CancelDisable {
		return 0, ErrInvalid
	}
	self := Self()
	was := setCancelBit(self, cancelEnabled, state == CancelEnable)
	old := CancelDisable
	if was {
		old = CancelEnable
	}
	if state == CancelEnable {
		TestCancel()
	}
	return old, nil
}

// SetCancelType toggles deferred vs. asynchronous cancellation for the
// calling thread, returning the previous type. Switching to asynchronous
// can cause an immediate exit if a cancellation is already pending.
func SetCancelType(t CancelType) (CancelType, error) {
	if t != CancelDeferred && t != CancelAsynchronous {
		return 0, ErrInvalid
	}
	self := Self()
	was := setCancelBit(self, cancelDeferred, t == CancelDeferred)
	old := CancelAsynchronous
	if was {
		old = CancelDeferred
	}
	TestCancel()
	return old, nil
}

// Cancel requests cancellation of target. If target has cancellation
// enabled and is in asynchronous mode, the cancellation signal is delivered
// immediately via tgkill; otherwise it takes effect the next time target
// reaches a cancellation point (TestCancel, or a blocking call built atop
// one). Idempotent: a second Cancel on an already-canceling thread is a
// no-op.
func Cancel(target *Descriptor) error {
	if !descriptorIsUsed(target) {
		return ErrNoSuchThread
	}

	var old uint32
	for {
		old = atomic.LoadUint32(&target.cancelStatus)
		if old&cancelCanceling != 0 {
			return nil
		}
		next := old | cancelCanceling
		if atomic.CompareAndSwapUint32(&target.cancelStatus, old, next) {
			break
		}
	}

	if old&cancelEnabled != 0 && old&cancelDeferred == 0 {
		deliverCancelSignal(target)
	}
	return nil
}

// TestCancel is the explicit deferred-cancellation point of spec.md §4.H:
// if cancellation is enabled, pending, and not yet consumed, it marks the
// thread CANCELED and exits with the Canceled sentinel. It never returns in
// that case.
func TestCancel() {
	self := selfOrNil()
	if self == nil {
		return
	}
	for {
		old := atomic.LoadUint32(&self.cancelStatus)
		if old&cancelEnabled == 0 || old&cancelCanceling == 0 || old&cancelCanceled != 0 {
			return
		}
		next := old | cancelCanceled
		if atomic.CompareAndSwapUint32(&self.cancelStatus, old, next) {
			break
		}
	}
	exitThread(Canceled)
}

// blockingFutexWait parks on word until it no longer equals expected,
// treating each wakeup as a deferred cancellation point — the Go analogue
// of spec.md's "FUTEX_WAIT-based blocking primitives ... call testcancel
// between retries". The Mutex, RWMutex and Cond wait loops, the descriptor
// pool, and the Create/Join handshakes go through this; FutexLock and the
// waiters in Once park with the bare futexWait and are not cancellation
// points.
func blockingFutexWait(word *uint32, expected uint32) {
	futexWait(word, expected)
	TestCancel()
}

// CleanupPush installs a cleanup handler on the calling thread's LIFO
// cleanup stack. It runs at normal exit, at Exit(), or at cancellation.
func CleanupPush(fn func(arg interface{}), arg interface{}) {
	self := Self()
	self.cleanup = append(self.cleanup, cleanupHandler{fn: fn, arg: arg})
}

// CleanupPop removes the most recently pushed cleanup handler, optionally
// executing it first.
func CleanupPop(execute bool) {
	self := Self()
	n := len(self.cleanup)
	if n == 0 {
		return
	}
	h := self.cleanup[n-1]
	self.cleanup = self.cleanup[:n-1]
	if execute {
		h.fn(h.arg)
	}
}

// drainCleanupHandlers runs every handler still on the stack, LIFO, as part
// of thread teardown (normal exit or cancellation — spec.md: "Cleanup
// handlers run in LIFO order on cancel or normal exit").
func drainCleanupHandlers(self *Descriptor) {
	for len(self.cleanup) > 0 {
		n := len(self.cleanup)
		h := self.cleanup[n-1]
		self.cleanup = self.cleanup[:n-1]
		h.fn(h.arg)
	}
}

// exitThread is the common teardown path for Exit(), TestCancel(), and a
// thread's start function returning normally (spec.md §4.C "Exit"): run
// cleanup handlers, run TLS destructors, store the return value, fix the
// join status, release the descriptor if detached, and tear down this
// goroutine's OS-thread binding. It never returns.
func exitThread(retval interface{}) {
	self := Self()

	drainCleanupHandlers(self)
	runTLSDestructors(self)

	self.retval = retval

	self.mu.Lock()
	wasDetached := self.joinState == joinDetached
	self.joinState = joinJoinableFixed
	self.mu.Unlock()

	unregisterSelf(self.tid)
	atomic.StoreUint32(&self.exitFutex, 0)
	futexWake(&self.exitFutex, 1<<30)

	if wasDetached {
		releaseDescriptor(self)
	}

	runtime.UnlockOSThread()
	runtime.Goexit()
}
