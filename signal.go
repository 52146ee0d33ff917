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
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// cancelSignal is the runtime's dedicated cancellation signal, the Go
// analogue of thread-bites' SIGCANCEL. 34 is SIGRTMIN on Linux/amd64 and
// Linux/arm64; no other part of this package, nor (by convention) the host
// process, should claim it.
const cancelSignal = syscall.Signal(34)

var signalOnce sync.Once

// deliverCancelSignal issues a real tgkill against target's kernel task,
// exactly as spec.md §4.H's tbthread_cancel does. Whether this interrupts a
// blocking syscall on that thread with EINTR depends on installSignalling
// having registered a handler for cancelSignal — see SPEC_FULL.md §0.
func deliverCancelSignal(target *Descriptor) {
	tid := target.tid
	if tid == 0 {
		return
	}
	_ = unix.Tgkill(unix.Getpid(), int(tid), cancelSignal)
}

// installSignalling registers the cancellation signal with the Go runtime
// so its default disposition (terminate the process) never triggers, and so
// a tgkill targeting a thread blocked in a syscall reaches it as an EINTR.
// The notification channel is drained and otherwise ignored here: the
// actual cancellation test happens in blockingFutexWait, on the target
// thread's own goroutine, not in this dispatcher.
func installSignalling() {
	signalOnce.Do(func() {
		ch := make(chan os.Signal, 64)
		signal.Notify(ch, cancelSignal)
		go drainSignals(ch)
	})
}

func drainSignals(ch chan os.Signal) {
	for range ch {
	}
}
