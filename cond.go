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

// Cond is a condition variable, spec.md §4.F. It tracks, under its own
// internal lock, the mutex it is currently bound to, the number of parked
// waiters, how many of them a Signal still owes a wakeup (signalNum), and
// a broadcast generation (broadcastSeq) a Broadcast bumps to release every
// waiter at once. futex is the word waiters actually park on.
type Cond struct {
	lock FutexLock

	mutex *Mutex // the mutex Wait was first called with; nil until then

	futex        uint32
	waiters      int
	signalNum    int
	broadcastSeq int
}

// NewCond constructs a ready-to-use condition variable.
func NewCond() *Cond {
	return &Cond{}
}

// Wait atomically releases m and blocks until signaled or broadcast, then
// reacquires m before returning — including when the wait ends via
// cancellation, via a cleanup handler pushed before parking so that m is
// always relocked (and this cond's own bookkeeping fixed up) before any
// earlier-pushed cleanup handler runs. Every Cond only ever binds to one
// mutex at a time: calling Wait with a second, different mutex while any
// waiter is still parked on it returns ErrInvalid, exactly as spec.md §7's
// "incompatible condvar mutex" requires.
func (c *Cond) Wait(m *Mutex) error {
	c.lock.Lock()

	if c.mutex == nil {
		c.mutex = m
	}
	if c.mutex != m {
		c.lock.Unlock()
		return ErrInvalid
	}

	if err := m.Unlock(); err != nil {
		if c.waiters == 0 {
			c.mutex = nil
		}
		c.lock.Unlock()
		return err
	}

	c.waiters++
	bseq := c.broadcastSeq
	futexVal := c.futex
	c.lock.Unlock()

	// fixup undoes the bookkeeping above and relocks m. It runs either
	// here, after a genuine wakeup, or automatically via
	// drainCleanupHandlers if this wait instead ends through cancellation
	// — so m is always relocked, and this cond's waiters count always
	// corrected, before any earlier-pushed cleanup handler runs.
	fixup := func(interface{}) {
		c.lock.Lock()
		c.waiters--
		if c.waiters == 0 {
			c.mutex = nil
		}
		c.lock.Unlock()
		_ = m.Lock()
	}

	self := selfOrNil()
	if self != nil {
		CleanupPush(fixup, nil)
	}

	for {
		// A spurious wakeup, a FUTEX_WAKE meant for a different
		// generation, or an EINTR from a delivered cancellation signal
		// are all legal reasons for this to return without our
		// condition actually holding — re-check under lock and loop.
		blockingFutexWait(&c.futex, futexVal)

		c.lock.Lock()
		if c.signalNum > 0 {
			c.signalNum--
			c.lock.Unlock()
			break
		}
		if bseq != c.broadcastSeq {
			c.lock.Unlock()
			break
		}
		c.lock.Unlock()
	}

	if self != nil {
		CleanupPop(true)
	} else {
		fixup(nil)
	}

	TestCancel()
	return nil
}

// Signal wakes one thread blocked in Wait on c, if any owe a wakeup.
func (c *Cond) Signal() {
	c.lock.Lock()
	if c.waiters != c.signalNum {
		c.futex++
		c.signalNum++
		futexWake(&c.futex, 1)
	}
	c.lock.Unlock()
}

// Broadcast wakes every thread currently blocked in Wait on c.
func (c *Cond) Broadcast() {
	c.lock.Lock()
	if c.waiters > 0 {
		c.futex++
		c.broadcastSeq++
		futexWake(&c.futex, 1<<30)
	}
	c.lock.Unlock()
}
