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
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Policy mirrors the Linux scheduling policies spec.md §4.I allows:
// SCHED_OTHER (time-shared), SCHED_FIFO, and SCHED_RR. The numeric values
// match the kernel's so they can be passed straight to sched_setscheduler.
type Policy int32

const (
	SchedNormal Policy = unix.SCHED_OTHER
	SchedFIFO   Policy = unix.SCHED_FIFO
	SchedRR     Policy = unix.SCHED_RR
)

func gettid() int32 {
	return int32(unix.Gettid())
}

// packSched and unpackSched implement spec.md's SCHED_INFO_PACK/PRIORITY/
// POLICY: policy and priority packed into one atomically-swappable word so
// a thread's scheduling info can be read and written without tearing.
func packSched(policy Policy, priority int) uint32 {
	return (uint32(uint8(policy)) << 8) | uint32(uint8(priority))
}

func unpackSched(v uint32) (Policy, int) {
	return Policy((v >> 8) & 0xff), int(v & 0xff)
}

// policyRank orders policies for the equal-priority tie-break spec.md §4.I
// specifies: "FIFO>RR>NORMAL ordering for policy upgrades at equal
// priority, chosen to match PROTECT semantics".
func policyRank(p Policy) int {
	switch p {
	case SchedFIFO:
		return 2
	case SchedRR:
		return 1
	default:
		return 0
	}
}

// maxSched picks the "more urgent" of two packed (policy, priority) values:
// higher priority wins outright; a tie is broken by policyRank.
func maxSched(a, b uint32) uint32 {
	ap, apri := unpackSched(a)
	bp, bpri := unpackSched(b)
	if bpri > apri {
		return b
	}
	if bpri == apri && policyRank(bp) > policyRank(ap) {
		return b
	}
	return a
}

type schedParamRaw struct {
	Priority int32
}

// setSchedRaw issues the real sched_setscheduler(2) syscall against tid.
// golang.org/x/sys/unix does not wrap this call (it is a rare, Linux-only,
// real-time-scheduling primitive), so the syscall number it exports is used
// directly against a Syscall, matching how every other low-level syscall in
// this package is issued.
func setSchedRaw(tid int32, policy Policy, priority int) error {
	p := schedParamRaw{Priority: int32(priority)}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, uintptr(tid), uintptr(policy), uintptr(unsafe.Pointer(&p)))
	if errno != 0 {
		return errno
	}
	return nil
}

// computeEffective implements spec.md §4.I's compute(T): start from the
// user-requested scheduling info, then raise it to the head of the
// PROTECT-ceiling list and to the maximum of every INHERIT waiter's
// recorded sched info. Callers must hold d.listLock.
func computeEffective(d *Descriptor) uint32 {
	cur := atomic.LoadUint32(&d.userSchedInfo)
	if len(d.protectMutexes) > 0 {
		cur = maxSched(cur, d.protectMutexes[0].ceiling)
	}
	for _, e := range d.inheritMutexes {
		cur = maxSched(cur, e.sched)
	}
	return cur
}

// recomputeLocked applies computeEffective's result via a single
// sched_setscheduler call if it differs from what the kernel currently has.
// Callers must hold d.listLock. Errors (most commonly EPERM, when the
// process lacks CAP_SYS_NICE for SCHED_FIFO/SCHED_RR) are reported to
// explicit SetSchedParam callers but swallowed by the mutex-acquire/release
// triggers that call this opportunistically, matching spec.md's own
// treatment of those triggers as best-effort.
func recomputeLocked(d *Descriptor) error {
	desired := computeEffective(d)
	if desired == atomic.LoadUint32(&d.effSchedInfo) {
		return nil
	}
	policy, pri := unpackSched(desired)
	if err := setSchedRaw(d.tid, policy, pri); err != nil {
		return err
	}
	atomic.StoreUint32(&d.effSchedInfo, desired)
	return nil
}

// SetSchedParam validates policy/priority and applies them as the owning
// thread's new baseline scheduling, then recomputes its effective
// scheduling (which may be higher, if it owns PROTECT/INHERIT mutexes).
func SetSchedParam(d *Descriptor, policy Policy, priority int) error {
	if policy != SchedNormal && policy != SchedFIFO && policy != SchedRR {
		return ErrInvalid
	}
	if priority < 0 || priority > 99 {
		return ErrInvalid
	}
	if !descriptorIsUsed(d) {
		return ErrNoSuchThread
	}
	atomic.StoreUint32(&d.userSchedInfo, packSched(policy, priority))
	d.listLock.Lock()
	err := recomputeLocked(d)
	d.listLock.Unlock()
	return err
}

// GetSchedParam reports the scheduling policy/priority last requested via
// SetSchedParam (the thread's baseline, not its dynamically boosted
// effective value — a boosted thread's caller should not observe its own
// boost, matching POSIX pthread_getschedparam).
func GetSchedParam(d *Descriptor) (Policy, int, error) {
	if !descriptorIsUsed(d) {
		return 0, 0, ErrNoSuchThread
	}
	policy, pri := unpackSched(atomic.LoadUint32(&d.userSchedInfo))
	return policy, pri, nil
}

// registerProtectMutex inserts m into owner's PROTECT list, ordered by
// ceiling (highest first), and recomputes owner's effective scheduling if m
// became the new head.
func registerProtectMutex(owner *Descriptor, m *Mutex) {
	ceiling := atomic.LoadUint32(&m.schedInfo)
	owner.listLock.Lock()
	defer owner.listLock.Unlock()

	_, cpri := unpackSched(ceiling)
	idx := 0
	for idx < len(owner.protectMutexes) {
		_, epri := unpackSched(owner.protectMutexes[idx].ceiling)
		if epri < cpri {
			break
		}
		idx++
	}
	owner.protectMutexes = append(owner.protectMutexes, protectEntry{})
	copy(owner.protectMutexes[idx+1:], owner.protectMutexes[idx:])
	owner.protectMutexes[idx] = protectEntry{mutex: m, ceiling: ceiling}

	if idx == 0 {
		_ = recomputeLocked(owner)
	}
}

// unregisterProtectMutex removes m from owner's PROTECT list and
// recomputes owner's effective scheduling if m was the head.
func unregisterProtectMutex(owner *Descriptor, m *Mutex) {
	owner.listLock.Lock()
	defer owner.listLock.Unlock()

	idx := -1
	for i, e := range owner.protectMutexes {
		if e.mutex == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	wasHead := idx == 0
	owner.protectMutexes = append(owner.protectMutexes[:idx], owner.protectMutexes[idx+1:]...)
	if wasHead {
		_ = recomputeLocked(owner)
	}
}

// registerInheritMutex adds m to owner's INHERIT list with a zero observed
// waiter priority; no recompute happens yet (spec.md: "add record with
// zero sched_info; do not yet recompute").
func registerInheritMutex(owner *Descriptor, m *Mutex) {
	owner.listLock.Lock()
	owner.inheritMutexes = append(owner.inheritMutexes, inheritEntry{mutex: m})
	owner.listLock.Unlock()
}

// noteInheritWaiter raises the cached sched info owner has observed for
// waiters of m to the max of what it already had and waiter's current
// effective scheduling, recomputing owner's effective scheduling if that
// changed anything — spec.md's priority-inheritance boost.
func noteInheritWaiter(owner *Descriptor, m *Mutex, waiter *Descriptor) {
	if owner == nil {
		return
	}
	waiterSched := atomic.LoadUint32(&waiter.effSchedInfo)

	owner.listLock.Lock()
	defer owner.listLock.Unlock()

	for i := range owner.inheritMutexes {
		if owner.inheritMutexes[i].mutex != m {
			continue
		}
		next := maxSched(owner.inheritMutexes[i].sched, waiterSched)
		if next != owner.inheritMutexes[i].sched {
			owner.inheritMutexes[i].sched = next
			_ = recomputeLocked(owner)
		}
		return
	}
}

// unregisterInheritMutex removes m from owner's INHERIT list, recomputing
// owner's effective scheduling only if the removed record was the one
// currently determining it.
func unregisterInheritMutex(owner *Descriptor, m *Mutex) {
	if owner == nil {
		return
	}
	owner.listLock.Lock()
	defer owner.listLock.Unlock()

	idx := -1
	for i, e := range owner.inheritMutexes {
		if e.mutex == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	entry := owner.inheritMutexes[idx]
	owner.inheritMutexes = append(owner.inheritMutexes[:idx], owner.inheritMutexes[idx+1:]...)
	if entry.sched == atomic.LoadUint32(&owner.effSchedInfo) {
		_ = recomputeLocked(owner)
	}
}
