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

// Key identifies a thread-local storage slot, spec.md §4.D. The low bits
// index into each Descriptor's tls array; the high bits are the generation
// the key was created with, so a stale Key from a deleted slot can be
// detected instead of silently reading whatever key reused that index.
type Key uint64

const keyGenShift = 32
const keyIndexMask = 1<<keyGenShift - 1

func makeKey(index uint32, generation uint64) Key {
	return Key(generation<<keyGenShift | uint64(index))
}

func (k Key) index() uint32      { return uint32(k & keyIndexMask) }
func (k Key) generation() uint64 { return uint64(k) >> keyGenShift }

type keySlot struct {
	generation uint64
	inUse      bool
	destructor func(interface{})
}

// keyTable is the process-wide table of TLS key destructors, guarded by its
// own mutex exactly as spec.md's "a single process-wide mutex protects the
// key table; each thread's slots are private and unlocked" describes.
type keyTable struct {
	guard *Mutex
	slots [tlsCapacity]keySlot
}

var keys = &keyTable{guard: NewMutex(nil)}

// CreateKey allocates a new TLS key with an optional per-thread destructor,
// run when a thread holding a non-nil value for this key exits. Returns
// ErrNoMem if every slot is in use, matching tb-tls.c's -ENOMEM on key-table
// exhaustion and spec.md's PTHREAD_KEYS_MAX boundary condition.
func CreateKey(destructor func(interface{})) (Key, error) {
	keys.guard.Lock()
	defer keys.guard.Unlock()

	for i := range keys.slots {
		if !keys.slots[i].inUse {
			keys.slots[i].inUse = true
			keys.slots[i].destructor = destructor
			keys.slots[i].generation++
			return makeKey(uint32(i), keys.slots[i].generation), nil
		}
	}
	return 0, ErrNoMem
}

// DeleteKey frees key for reuse. It does not run destructors and does not
// clear any thread's stored value for it — matching POSIX
// pthread_key_delete, whose cleanup-on-exit behavior stops applying the
// instant the key is deleted. A later CreateKey may reuse the same index
// under a new generation, which is exactly what distinguishes a stale Key
// value from a live one in GetSpecific/SetSpecific.
func DeleteKey(key Key) error {
	keys.guard.Lock()
	defer keys.guard.Unlock()

	idx := key.index()
	if int(idx) >= len(keys.slots) || !keys.slots[idx].inUse || keys.slots[idx].generation != key.generation() {
		return ErrInvalid
	}
	keys.slots[idx].inUse = false
	keys.slots[idx].destructor = nil
	return nil
}

func validKey(key Key) bool {
	keys.guard.Lock()
	defer keys.guard.Unlock()
	idx := key.index()
	return int(idx) < len(keys.slots) && keys.slots[idx].inUse && keys.slots[idx].generation == key.generation()
}

// SetSpecific stores value in the calling thread's slot for key.
func SetSpecific(key Key, value interface{}) error {
	if !validKey(key) {
		return ErrInvalid
	}
	self := Self()
	idx := key.index()
	self.tls[idx] = tlsSlot{generation: uint64(key.generation()), value: value}
	return nil
}

// GetSpecific returns the calling thread's value for key, or nil if it was
// never set (or was set under a now-deleted, reused generation of key).
func GetSpecific(key Key) interface{} {
	if !validKey(key) {
		return nil
	}
	self := Self()
	idx := key.index()
	slot := self.tls[idx]
	if slot.generation != uint64(key.generation()) {
		return nil
	}
	return slot.value
}

// runTLSDestructors implements spec.md's exit-time destructor pass: for
// every slot self has a value in, clear the slot, then, if the key is still
// live and carries a destructor, run it on the old value. POSIX requires iterating this
// to a bounded number of rounds since a destructor may itself call
// SetSpecific; this package matches that with the same
// PTHREAD_DESTRUCTOR_ITERATIONS-shaped bound.
func runTLSDestructors(self *Descriptor) {
	const maxIterations = 4

	for iter := 0; iter < maxIterations; iter++ {
		ran := false
		for i := range self.tls {
			slot := self.tls[i]
			if slot.value == nil {
				continue
			}
			keys.guard.Lock()
			ks := keys.slots[i]
			keys.guard.Unlock()
			if !ks.inUse || ks.generation != slot.generation {
				self.tls[i] = tlsSlot{}
				continue
			}
			self.tls[i] = tlsSlot{}
			if ks.destructor != nil {
				ks.destructor(slot.value)
				ran = true
			}
		}
		if !ran {
			return
		}
	}
}
