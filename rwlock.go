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

import "sync/atomic"

const rwWriterBit uint32 = 1 << 31

// RWMutex is a writer-preferring reader/writer lock, spec.md §4.G: two
// futex words, state (reader count in the low bits, a writer-held flag in
// the top bit) and writersWaiting (a count of writers currently queued).
// A writer queuing itself blocks new readers from joining even if the lock
// is currently read-held, which is what keeps a steady stream of readers
// from starving a writer.
type RWMutex struct {
	state          uint32
	writersWaiting uint32
}

// NewRWMutex constructs a ready-to-use reader/writer lock.
func NewRWMutex() *RWMutex {
	return &RWMutex{}
}

// RLock blocks until no writer holds or is waiting for the lock, then
// registers as a reader.
func (rw *RWMutex) RLock() error {
	for {
		if ww := atomic.LoadUint32(&rw.writersWaiting); ww != 0 {
			blockingFutexWait(&rw.writersWaiting, ww)
			continue
		}
		old := atomic.LoadUint32(&rw.state)
		if old&rwWriterBit != 0 {
			blockingFutexWait(&rw.state, old)
			continue
		}
		if atomic.CompareAndSwapUint32(&rw.state, old, old+1) {
			TestCancel()
			return nil
		}
	}
}

// TryRLock attempts to acquire a read lock without blocking.
func (rw *RWMutex) TryRLock() bool {
	if atomic.LoadUint32(&rw.writersWaiting) != 0 {
		return false
	}
	old := atomic.LoadUint32(&rw.state)
	if old&rwWriterBit != 0 {
		return false
	}
	return atomic.CompareAndSwapUint32(&rw.state, old, old+1)
}

// RUnlock releases a read lock, waking a waiting writer if this was the
// last reader.
func (rw *RWMutex) RUnlock() error {
	next := atomic.AddUint32(&rw.state, ^uint32(0))
	if next == 0 {
		futexWake(&rw.state, 1<<30)
	}
	return nil
}

// Lock blocks until the lock can be taken for writing: every current
// reader has released it and no other writer holds it.
func (rw *RWMutex) Lock() error {
	atomic.AddUint32(&rw.writersWaiting, 1)
	for {
		if atomic.CompareAndSwapUint32(&rw.state, 0, rwWriterBit) {
			break
		}
		old := atomic.LoadUint32(&rw.state)
		blockingFutexWait(&rw.state, old)
	}
	if rem := atomic.AddUint32(&rw.writersWaiting, ^uint32(0)); rem == 0 {
		futexWake(&rw.writersWaiting, 1<<30)
	}
	TestCancel()
	return nil
}

// TryWLock attempts to acquire the write lock without blocking.
func (rw *RWMutex) TryWLock() bool {
	return atomic.CompareAndSwapUint32(&rw.state, 0, rwWriterBit)
}

// Unlock releases the write lock, waking every blocked reader and writer to
// let them race for it again.
func (rw *RWMutex) Unlock() error {
	atomic.StoreUint32(&rw.state, 0)
	futexWake(&rw.state, 1<<30)
	return nil
}
