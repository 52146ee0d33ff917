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

// defaultStackSize matches glibc's default pthread stack size. Go manages
// its own goroutine stacks (SPEC_FULL.md §0), so this is bookkeeping only —
// recorded on the descriptor, never mmap'd.
const defaultStackSize = 8 << 20

// Attr configures a thread to be created by Create. The zero value creates a
// joinable SCHED_OTHER priority-0 thread with no recorded stack size or
// guard page; DefaultAttr gives the fully populated defaults.
type Attr struct {
	StackSize     uint32
	GuardPage     bool
	Detached      bool
	InheritSched  bool
	SchedPolicy   Policy
	SchedPriority int
}

// DefaultAttr returns the attributes Create uses when given a nil *Attr:
// an 8MiB stack, a guard page, joinable, SCHED_OTHER priority 0, and
// explicit (not inherited) scheduling.
func DefaultAttr() Attr {
	return Attr{
		StackSize:     defaultStackSize,
		GuardPage:     true,
		Detached:      false,
		InheritSched:  false,
		SchedPolicy:   SchedNormal,
		SchedPriority: 0,
	}
}

const (
	startWait uint32 = iota
	startOK
	startExit
)

// Create spawns a new thread running fn(arg), following spec.md §4.C's
// handshake: the caller blocks until the new thread has locked its OS
// thread, recorded its kernel tid, and registered itself, so a Create that
// returns successfully hands back a descriptor Self()/Cancel()/Join() can
// already safely act on.
func Create(attr *Attr, fn func(arg interface{}) interface{}, arg interface{}) (*Descriptor, error) {
	a := DefaultAttr()
	if attr != nil {
		a = *attr
	}

	d := acquireDescriptor()
	d.fn = fn
	d.arg = arg
	d.stackSize = a.StackSize
	d.guardPage = a.GuardPage
	if a.Detached {
		d.joinState = joinDetached
	} else {
		d.joinState = joinJoinable
	}
	d.cancelStatus = initialCancelStatus
	d.exitFutex = 1

	var sched uint32
	if a.InheritSched {
		sched = atomic.LoadUint32(&Self().userSchedInfo)
	} else {
		sched = packSched(a.SchedPolicy, a.SchedPriority)
	}
	atomic.StoreUint32(&d.userSchedInfo, sched)
	atomic.StoreUint32(&d.effSchedInfo, sched)
	atomic.StoreUint32(&d.startStatus, startWait)

	go runThread(d)

	for atomic.LoadUint32(&d.startStatus) == startWait {
		blockingFutexWait(&d.startStatus, startWait)
	}
	if atomic.LoadUint32(&d.startStatus) == startExit {
		releaseDescriptor(d)
		return nil, ErrAgain
	}
	return d, nil
}

// runThread is the body of every goroutine Create spawns. It locks itself
// to its OS thread for life, publishes its kernel tid, applies its initial
// effective scheduling, runs the user function, and tears down via
// exitThread.
func runThread(d *Descriptor) {
	runtime.LockOSThread()
	d.tid = gettid()
	registerSelf(d.tid, d)

	if policy, pri := unpackSched(atomic.LoadUint32(&d.effSchedInfo)); policy != SchedNormal {
		_ = setSchedRaw(d.tid, policy, pri)
	}

	atomic.StoreUint32(&d.startStatus, startOK)
	futexWake(&d.startStatus, 1)

	retval := d.fn(d.arg)
	exitThread(retval)
}

// Exit terminates the calling thread, making retval available to a Join.
// It never returns.
func Exit(retval interface{}) {
	exitThread(retval)
}

// Detach marks target as detached: its descriptor is recycled automatically
// when it exits instead of waiting for a Join. Detaching a thread that has
// already exited (and was never joined) recycles its descriptor
// immediately. Detaching an already-detached thread is an error.
func Detach(target *Descriptor) error {
	if !descriptorIsUsed(target) {
		return ErrNoSuchThread
	}
	target.mu.Lock()
	switch target.joinState {
	case joinDetached:
		target.mu.Unlock()
		return ErrInvalid
	case joinJoinableFixed:
		target.joinState = joinDetached
		target.mu.Unlock()
		releaseDescriptor(target)
		return nil
	default:
		target.joinState = joinDetached
		target.mu.Unlock()
		return nil
	}
}

// Join blocks until target exits, then returns the value it passed to Exit
// (or Canceled, if it ended via cancellation) and recycles its descriptor.
// Joining a detached thread, a thread already being joined by someone else,
// the calling thread itself, or a thread that is already joining the caller,
// is an error.
func Join(target *Descriptor) (interface{}, error) {
	if !descriptorIsUsed(target) {
		return nil, ErrNoSuchThread
	}

	self := Self()
	if self == target {
		return nil, ErrDeadlock
	}

	self.mu.Lock()
	mutual := self.joiner == target
	self.mu.Unlock()
	if mutual {
		return nil, ErrDeadlock
	}

	target.mu.Lock()
	if target.joinState == joinDetached {
		target.mu.Unlock()
		return nil, ErrInvalid
	}
	if target.joiner != nil {
		target.mu.Unlock()
		return nil, ErrInvalid
	}
	target.joiner = self
	target.mu.Unlock()

	for atomic.LoadUint32(&target.exitFutex) != 0 {
		blockingFutexWait(&target.exitFutex, 1)
	}

	rv := target.retval
	releaseDescriptor(target)
	return rv, nil
}

const (
	onceNew uint32 = iota
	onceInProgress
	onceDone
)

// OnceControl guards a func passed to Once. Its zero value is NEW, ready to
// use — spec.md §6's "once=NEW" static-initializer layout.
type OnceControl struct {
	state uint32
}

// Once runs fn exactly once for the lifetime of control, no matter how many
// threads call Once(control, fn) concurrently, per spec.md §4.C: control is
// a 3-state atom {NEW, IN_PROGRESS, DONE}. The first caller to CAS
// NEW->IN_PROGRESS runs fn with a cleanup handler that resets control to
// NEW and wakes every waiter — so if that caller is cancelled partway
// through fn, another caller can retry instead of the once being stuck
// permanently "done" without ever having completed. This is why Once
// cannot be built on sync.Once: its internal completion flag is set via a
// defer that still fires when fn is cut short by runtime.Goexit-based
// cancellation (see exitThread), which would mark an aborted once done
// with no way to retry.
//
// Cancellation is disabled around the state transitions themselves and
// re-enabled around the call to fn, matching spec.md's "cancellation is
// disabled around the state transitions but enabled around the user
// function". Other callers FUTEX_WAIT on IN_PROGRESS until it changes, then
// re-examine: DONE returns, NEW retries.
func Once(control *OnceControl, fn func()) {
	for {
		if atomic.LoadUint32(&control.state) == onceDone {
			return
		}

		self := selfOrNil()
		var wasEnabled bool
		if self != nil {
			wasEnabled = setCancelBit(self, cancelEnabled, false)
		}

		if !atomic.CompareAndSwapUint32(&control.state, onceNew, onceInProgress) {
			state := atomic.LoadUint32(&control.state)
			if self != nil {
				setCancelBit(self, cancelEnabled, wasEnabled)
				if wasEnabled {
					TestCancel()
				}
			}
			if state == onceDone {
				return
			}
			if state == onceInProgress {
				futexWait(&control.state, onceInProgress)
			}
			continue
		}

		if self != nil {
			setCancelBit(self, cancelEnabled, true)
			CleanupPush(func(interface{}) {
				atomic.StoreUint32(&control.state, onceNew)
				futexWake(&control.state, 1<<30)
			}, nil)
		}

		fn()

		if self != nil {
			CleanupPop(false)
		}

		if self != nil {
			setCancelBit(self, cancelEnabled, false)
		}
		atomic.StoreUint32(&control.state, onceDone)
		futexWake(&control.state, 1<<30)

		if self != nil {
			setCancelBit(self, cancelEnabled, wasEnabled)
			if wasEnabled {
				TestCancel()
			}
		}
		return
	}
}

var initGuard FutexLock
var mainDescriptor *Descriptor

// Init registers the calling goroutine as the process's initial thread,
// locking it to its OS thread and installing the cancellation-signal
// handler every other thread relies on (SPEC_FULL.md §0). It must be
// called once, before any other exported function in this package, from
// the goroutine that is to be treated as the main thread.
func Init() error {
	initGuard.Lock()
	defer initGuard.Unlock()
	if mainDescriptor != nil {
		return ErrInvalid
	}

	runtime.LockOSThread()
	d := acquireDescriptor()
	d.tid = gettid()
	d.joinState = joinDetached
	d.cancelStatus = initialCancelStatus
	atomic.StoreUint32(&d.userSchedInfo, packSched(SchedNormal, 0))
	atomic.StoreUint32(&d.effSchedInfo, packSched(SchedNormal, 0))
	registerSelf(d.tid, d)

	mainDescriptor = d
	installSignalling()
	return nil
}

// Finit reverses Init: it unregisters the main thread's descriptor and
// releases its OS-thread lock. Mainly useful for tests that need a clean
// slate between scenarios.
func Finit() error {
	initGuard.Lock()
	defer initGuard.Unlock()
	if mainDescriptor == nil {
		return ErrInvalid
	}

	unregisterSelf(mainDescriptor.tid)
	releaseDescriptor(mainDescriptor)
	mainDescriptor = nil
	runtime.UnlockOSThread()
	return nil
}
