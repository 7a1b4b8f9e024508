package gclock

import (
	"sync/atomic"

	"github.com/llxisdsh/gclock/internal/opt"
)

// latch is a one-way door: once opened, every current and future wait
// returns. A batch of deferred callbacks opens its latch when the batch has
// run, so concurrent barriers can wait for work another goroutine popped.
//
// Size: 8 bytes (4 byte state + 4 byte semaphore).
type latch struct {
	_ noCopy
	// state 32-bit:
	//   bit 0: open flag
	//   bits 1-31: waiter count
	state atomic.Uint32
	sema  opt.Sema
}

const (
	latchOpenFlag  = 1
	latchOneWaiter = 2 // 1 << 1
)

// open wakes every blocked waiter. It is idempotent.
func (l *latch) open() {
	for {
		s := l.state.Load()
		if s&latchOpenFlag != 0 {
			return
		}
		if l.state.CompareAndSwap(s, s|latchOpenFlag) {
			for range s >> 1 {
				l.sema.Release()
			}
			return
		}
	}
}

// wait blocks until open has been called.
func (l *latch) wait() {
	for {
		s := l.state.Load()
		if s&latchOpenFlag != 0 {
			return
		}
		if l.state.CompareAndSwap(s, s+latchOneWaiter) {
			l.sema.Acquire()
			return
		}
	}
}

func (l *latch) isOpen() bool {
	return l.state.Load()&latchOpenFlag != 0
}
