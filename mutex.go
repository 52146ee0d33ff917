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

// MutexType selects the re-entrancy/error-checking behavior of a Mutex,
// spec.md §4.E's "type layer".
type MutexType int

const (
	MutexNormal MutexType = iota
	MutexErrorCheck
	MutexRecursive
)

// MutexProtocol selects the priority-handling behavior of a Mutex, spec.md
// §4.E's "protocol layer".
type MutexProtocol int

const (
	MutexProtocolNone MutexProtocol = iota
	MutexProtocolInherit
	MutexProtocolProtect
)

// MutexAttr configures a Mutex at construction time. Its zero value is a
// valid NORMAL/NONE attribute (spec.md §6's static-initializer layout), but
// NewMutexAttr and the Set* methods below are what enforce the
// mutexattr_settype/setprotocol/setprioceiling validation spec.md §7
// requires — assigning the fields directly bypasses it, same as the
// original's plain struct.
type MutexAttr struct {
	Type        MutexType
	Protocol    MutexProtocol
	PrioCeiling int // only meaningful when Protocol == MutexProtocolProtect
}

// NewMutexAttr returns an attribute initialised to NORMAL/NONE, the
// pthread_mutexattr_init default.
func NewMutexAttr() *MutexAttr {
	return &MutexAttr{Type: MutexNormal, Protocol: MutexProtocolNone}
}

// SetType validates and sets a's mutex type, rejecting anything outside
// {NORMAL, ERRORCHECK, RECURSIVE}.
func (a *MutexAttr) SetType(t MutexType) error {
	if t < MutexNormal || t > MutexRecursive {
		return ErrInvalid
	}
	a.Type = t
	return nil
}

// GetType returns a's mutex type.
func (a *MutexAttr) GetType() MutexType {
	return a.Type
}

// SetProtocol validates and sets a's locking protocol, rejecting anything
// outside {NONE, INHERIT, PROTECT}.
func (a *MutexAttr) SetProtocol(p MutexProtocol) error {
	if p != MutexProtocolNone && p != MutexProtocolInherit && p != MutexProtocolProtect {
		return ErrInvalid
	}
	a.Protocol = p
	return nil
}

// GetProtocol returns a's locking protocol.
func (a *MutexAttr) GetProtocol() MutexProtocol {
	return a.Protocol
}

// SetPrioCeiling validates and sets a's priority ceiling, mirroring
// tb-mutexes.c's tbthread_mutexattr_setprioceiling: only 0..99 is legal.
func (a *MutexAttr) SetPrioCeiling(ceiling int) error {
	if ceiling < 0 || ceiling > 99 {
		return ErrInvalid
	}
	a.PrioCeiling = ceiling
	return nil
}

// GetPrioCeiling returns a's priority ceiling.
func (a *MutexAttr) GetPrioCeiling() int {
	return a.PrioCeiling
}

// Mutex composes a MutexType with a MutexProtocol, spec.md §4.E: "the type
// layer and the protocol layer compose independently; dispatch between them
// is two explicit switches, never a table of function pointers, so every
// (type, protocol) pair reads as ordinary control flow." word holds the
// underlying futex-based lock state (0 free, 2 held — any non-zero value
// means "held, and FUTEX_WAKE the word on release" since every waiter swaps
// in 2 before parking).
type Mutex struct {
	attr MutexAttr

	word uint32

	owner     atomic.Pointer[Descriptor]
	recursion int32

	schedInfo uint32 // packed (SCHED_FIFO, ceiling) for the PROTECT protocol
}

// NewMutex constructs a Mutex. A nil attr gives a NORMAL/NONE mutex, the
// same default pthread_mutex_init(..., NULL) produces.
func NewMutex(attr *MutexAttr) *Mutex {
	a := MutexAttr{Type: MutexNormal, Protocol: MutexProtocolNone}
	if attr != nil {
		a = *attr
	}
	return &Mutex{
		attr:      a,
		schedInfo: packSched(SchedFIFO, a.PrioCeiling),
	}
}

func (m *Mutex) lockRaw() {
	for {
		if atomic.SwapUint32(&m.word, 2) == 0 {
			return
		}
		blockingFutexWait(&m.word, 2)
	}
}

func (m *Mutex) tryLockRaw() bool {
	return atomic.CompareAndSwapUint32(&m.word, 0, 2)
}

func (m *Mutex) unlockRaw() {
	if atomic.SwapUint32(&m.word, 0) != 0 {
		futexWake(&m.word, 1)
	}
}

// lockInherit behaves like lockRaw but, on every contended iteration, notes
// the calling thread's effective scheduling against the current owner's
// INHERIT record, implementing spec.md's priority-inheritance boost on a
// best-effort basis: a boost may lag by one wakeup when ownership is
// changing hands quickly, but a thread parked here always eventually
// observes the highest priority any of its waiters has reached.
func (m *Mutex) lockInherit(self *Descriptor) {
	for {
		if atomic.CompareAndSwapUint32(&m.word, 0, 2) {
			return
		}
		if owner := m.owner.Load(); owner != nil && self != nil {
			noteInheritWaiter(owner, m, self)
		}
		if atomic.SwapUint32(&m.word, 2) == 0 {
			return
		}
		blockingFutexWait(&m.word, 2)
	}
}

// protectCheck implements the PTHREAD_PRIO_PROTECT admission rule: a thread
// whose own priority already exceeds the mutex's ceiling may not lock it.
func (m *Mutex) protectCheck(self *Descriptor) error {
	if self == nil {
		return nil
	}
	_, callerPri := unpackSched(atomic.LoadUint32(&self.userSchedInfo))
	_, ceilPri := unpackSched(atomic.LoadUint32(&m.schedInfo))
	if callerPri > ceilPri {
		return ErrPermission
	}
	return nil
}

// Lock acquires m, blocking until available. Recursive mutexes re-entered
// by their own owner increment a recursion count instead of blocking;
// error-checking mutexes report ErrDeadlock instead of blocking.
func (m *Mutex) Lock() error {
	self := selfOrNil()

	switch m.attr.Type {
	case MutexErrorCheck:
		if self != nil && m.owner.Load() == self {
			return ErrDeadlock
		}
	case MutexRecursive:
		if self != nil && m.owner.Load() == self {
			atomic.AddInt32(&m.recursion, 1)
			return nil
		}
	}

	switch m.attr.Protocol {
	case MutexProtocolProtect:
		if err := m.protectCheck(self); err != nil {
			return err
		}
		m.lockRaw()
	case MutexProtocolInherit:
		m.lockInherit(self)
	default:
		m.lockRaw()
	}

	m.owner.Store(self)
	atomic.StoreInt32(&m.recursion, 1)
	if self != nil {
		switch m.attr.Protocol {
		case MutexProtocolProtect:
			registerProtectMutex(self, m)
		case MutexProtocolInherit:
			registerInheritMutex(self, m)
		}
	}
	return nil
}

// TryLock attempts to acquire m without blocking, returning (false, nil) if
// it is currently held by someone else.
func (m *Mutex) TryLock() (bool, error) {
	self := selfOrNil()

	switch m.attr.Type {
	case MutexErrorCheck:
		if self != nil && m.owner.Load() == self {
			return false, ErrBusy
		}
	case MutexRecursive:
		if self != nil && m.owner.Load() == self {
			atomic.AddInt32(&m.recursion, 1)
			return true, nil
		}
	}

	if m.attr.Protocol == MutexProtocolProtect {
		if err := m.protectCheck(self); err != nil {
			return false, err
		}
	}

	if !m.tryLockRaw() {
		return false, nil
	}

	m.owner.Store(self)
	atomic.StoreInt32(&m.recursion, 1)
	if self != nil {
		switch m.attr.Protocol {
		case MutexProtocolProtect:
			registerProtectMutex(self, m)
		case MutexProtocolInherit:
			registerInheritMutex(self, m)
		}
	}
	return true, nil
}

// Unlock releases m. Error-checking and recursive mutexes report
// ErrPermission if the calling thread does not hold m.
func (m *Mutex) Unlock() error {
	self := selfOrNil()
	owner := m.owner.Load()

	if m.attr.Type == MutexErrorCheck || m.attr.Type == MutexRecursive {
		if owner != self {
			return ErrPermission
		}
	}

	if m.attr.Type == MutexRecursive {
		if atomic.AddInt32(&m.recursion, -1) > 0 {
			return nil
		}
	}

	if owner != nil {
		switch m.attr.Protocol {
		case MutexProtocolProtect:
			unregisterProtectMutex(owner, m)
		case MutexProtocolInherit:
			unregisterInheritMutex(owner, m)
		}
	}

	m.owner.Store(nil)
	m.unlockRaw()
	return nil
}

// GetPrioCeiling returns m's current priority ceiling. Valid only for
// PROTECT-protocol mutexes.
func (m *Mutex) GetPrioCeiling() (int, error) {
	if m.attr.Protocol != MutexProtocolProtect {
		return 0, ErrInvalid
	}
	_, pri := unpackSched(atomic.LoadUint32(&m.schedInfo))
	return pri, nil
}

// SetPrioCeiling changes m's priority ceiling and returns the previous
// value. Valid only for PROTECT-protocol mutexes. Serializes with active
// holders: if the calling thread does not already own m, SetPrioCeiling
// locks it before swapping the ceiling and unlocks it afterward, mirroring
// tb-mutexes.c's tbthread_mutex_setprioceiling. Does not retroactively
// reorder m's position in an owner's already-registered PROTECT list; the
// new ceiling takes effect at the next Lock/Unlock of m.
func (m *Mutex) SetPrioCeiling(ceiling int) (int, error) {
	if m.attr.Protocol != MutexProtocolProtect {
		return 0, ErrInvalid
	}
	if ceiling < 0 || ceiling > 99 {
		return 0, ErrInvalid
	}

	self := selfOrNil()
	locked := false
	if m.owner.Load() != self {
		if err := m.Lock(); err != nil {
			return 0, err
		}
		locked = true
	}

	old := atomic.SwapUint32(&m.schedInfo, packSched(SchedFIFO, ceiling))

	if locked {
		_ = m.Unlock()
	}

	_, oldPri := unpackSched(old)
	return oldPri, nil
}
