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

// Errno is the package's error taxonomy: a small, closed set of conditions
// every operation that can fail returns. It implements error so callers can
// use errors.Is against the sentinels below.
type Errno int

const (
	errnoNone Errno = iota
	errInvalid
	errNoSuchThread
	errDeadlock
	errPermission
	errBusy
	errNoMem
	errAgain
)

var errnoText = map[Errno]string{
	errnoNone:       "success",
	errInvalid:      "invalid argument",
	errNoSuchThread: "no such thread",
	errDeadlock:     "resource deadlock would occur",
	errPermission:   "operation not permitted",
	errBusy:         "device or resource busy",
	errNoMem:        "cannot allocate memory",
	errAgain:        "resource temporarily unavailable",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return "unknown error"
}

// Is lets errors.Is(err, gothread.ErrBusy) work without requiring identical
// values, matching how the wrapped sentinels below are compared.
func (e Errno) Is(target error) bool {
	t, ok := target.(Errno)
	return ok && t == e
}

// Sentinels corresponding to spec.md §7's error taxonomy. Every fallible
// operation in this package returns one of these, unwrapped, or nil on
// success; the one exception is SetSchedParam, which passes through the
// kernel's error from sched_setscheduler.
var (
	// ErrInvalid covers a bad enum value, an incompatible condvar mutex,
	// detached-then-joined, or a ceiling out of range. Nil arguments are not
	// checked for: a nil descriptor is reported as ErrNoSuchThread.
	ErrInvalid error = errInvalid
	// ErrNoSuchThread means the target descriptor is not on the used list.
	ErrNoSuchThread error = errNoSuchThread
	// ErrDeadlock covers self-join, mutual join, and errorcheck re-lock.
	ErrDeadlock error = errDeadlock
	// ErrPermission covers errorcheck/recursive unlock by a non-owner or of
	// an unlocked mutex.
	ErrPermission error = errPermission
	// ErrBusy is returned by Mutex.TryLock when an error-checking mutex is
	// tried by its own owner. Trylock contention is not reported with it:
	// Mutex.TryLock returns (false, nil) and the RWMutex try-variants return
	// false.
	ErrBusy error = errBusy
	// ErrNoMem covers TLS key exhaustion.
	ErrNoMem error = errNoMem
	// ErrAgain is returned by Create when the new thread's start handshake
	// ends in the exit state instead of OK.
	ErrAgain error = errAgain
)
