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
	"sync"
	"sync/atomic"
)

const tlsCapacity = 1024

// joinState is the descriptor's join-status tristate (spec.md §3).
type joinState uint8

const (
	joinDetached joinState = iota
	joinJoinable
	joinJoinableFixed
)

type tlsSlot struct {
	generation uint64
	value      interface{}
}

type cleanupHandler struct {
	fn  func(interface{})
	arg interface{}
}

type protectEntry struct {
	mutex   *Mutex
	ceiling uint32 // packed (policy, priority), cached at registration
}

type inheritEntry struct {
	mutex *Mutex
	sched uint32 // max waiter sched observed for this mutex, packed
}

// Descriptor is the per-thread control block of spec.md §3: identity,
// join/cancellation/scheduling state, owned-mutex lists, TLS slots, and a
// cleanup-handler stack. One exists per live (or recycled-but-unused)
// logical thread.
type Descriptor struct {
	self *Descriptor

	tid int32 // kernel task id, set once by the thread itself at start

	fn  func(arg interface{}) interface{}
	arg interface{}

	retval interface{}

	// exitFutex is 1 while the thread is alive and 0 once it has torn down;
	// joiners and the pool both FUTEX_WAIT on it. Spec.md's exit-futex word
	// is normally cleared by the kernel (CLONE_CHILD_CLEARTID); since this
	// thread is a goroutine rather than a raw clone()ed task, exitThread
	// clears it explicitly in the same place that teardown would.
	exitFutex uint32

	mu         sync.Mutex // guards joinState/joiner, per spec.md's "guarded by descriptor mutex"
	joinState  joinState
	joiner     *Descriptor
	stackSize  uint32
	guardPage  bool

	startStatus uint32 // startOK | startWait | startExit, a futex word

	cancelStatus uint32 // atomic bitset: enabled/deferred/canceling/canceled

	userSchedInfo uint32 // atomic, packed (policy, priority) — last value set by SetSchedParam
	effSchedInfo  uint32 // atomic, packed — what the kernel currently has

	listLock       FutexLock // guards protectMutexes/inheritMutexes and effSchedInfo recomputation
	protectMutexes []protectEntry
	inheritMutexes []inheritEntry

	tls [tlsCapacity]tlsSlot

	cleanup []cleanupHandler
}

// descPool implements spec.md §4.B: a single mutex-guarded pair of
// used/free lists. The mutex is itself a *Mutex of type Normal, matching
// "A single process-wide mutex (of type NORMAL) guards two intrusive
// lists" — this package eats its own dog food rather than reaching for an
// unexported sync.Mutex here.
type descPool struct {
	guard *Mutex
	used  []*Descriptor
	free  []*Descriptor
}

var pool = &descPool{guard: NewMutex(nil)}

// selfRegistry maps a kernel task id to the Descriptor that owns it. This is
// the re-architected "thread-pointer register" of spec.md §4.B /
// §9 — see SPEC_FULL.md §0 for why a register load isn't available to us.
var selfRegistry sync.Map // int32 -> *Descriptor

func registerSelf(tid int32, d *Descriptor) {
	selfRegistry.Store(tid, d)
}

func unregisterSelf(tid int32) {
	selfRegistry.Delete(tid)
}

// selfOrNil is Self() without the panic, for the handful of bootstrap-time
// call sites (the descriptor pool's own guard mutex, the TLS key table's
// guard mutex) that must work correctly before any thread descriptor
// exists at all.
func selfOrNil() *Descriptor {
	tid := gettid()
	if v, ok := selfRegistry.Load(tid); ok {
		return v.(*Descriptor)
	}
	return nil
}

// Self returns the descriptor of the calling thread. It must only be called
// from a goroutine that was started via Create (or the one Init()
// registered for the process's initial thread).
func Self() *Descriptor {
	if d := selfOrNil(); d != nil {
		return d
	}
	panic("gothread: Self() called from a goroutine that is not a gothread thread")
}

// Equal reports whether two descriptors name the same thread.
func Equal(a, b *Descriptor) bool {
	return a == b
}

// acquireDescriptor implements spec.md's get_descriptor: pop the head of the
// free list and, if the descriptor it names hasn't actually exited yet
// (exitFutex != 0), block until it has — "a recycled descriptor is only
// returned after its exit-futex has reached 0" — before handing it back
// freshly zeroed. Only after that check does it get pushed onto the used
// list.
func acquireDescriptor() *Descriptor {
	pool.guard.Lock()
	var d *Descriptor
	if n := len(pool.free); n > 0 {
		d = pool.free[n-1]
		pool.free = pool.free[:n-1]
	}
	pool.guard.Unlock()

	if d != nil {
		for atomic.LoadUint32(&d.exitFutex) != 0 {
			blockingFutexWait(&d.exitFutex, 1)
		}
		*d = Descriptor{}
	} else {
		d = &Descriptor{}
	}
	d.self = d

	pool.guard.Lock()
	pool.used = append(pool.used, d)
	pool.guard.Unlock()
	return d
}

// releaseDescriptor moves d from the used list to the free list. It is a
// fatal, unrecoverable condition (per spec.md §7) to release a descriptor
// that isn't on the used list — that means pool bookkeeping has already
// been corrupted.
func releaseDescriptor(d *Descriptor) {
	pool.guard.Lock()
	idx := -1
	for i, u := range pool.used {
		if u == d {
			idx = i
			break
		}
	}
	if idx < 0 {
		pool.guard.Unlock()
		panic("gothread: releasing unknown descriptor")
	}
	pool.used = append(pool.used[:idx], pool.used[idx+1:]...)
	pool.free = append(pool.free, d)
	pool.guard.Unlock()
}

func descriptorIsUsed(d *Descriptor) bool {
	pool.guard.Lock()
	defer pool.guard.Unlock()
	for _, u := range pool.used {
		if u == d {
			return true
		}
	}
	return false
}
