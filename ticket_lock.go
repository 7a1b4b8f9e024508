package gclock

import (
	"sync/atomic"
)

// ticketLock is a fair, FIFO spin lock guarding the deferred queue.
//
// Barriers, unlock paths and Defer all pass through the queue for a handful
// of slice operations. Ticket order keeps a barrier that is draining the
// queue from being overtaken indefinitely by a stream of Defer calls.
//
//   - lock(): takes a ticket, spins/sleeps until serving == ticket.
//   - unlock(): advances serving to the next ticket holder.
type ticketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

func (m *ticketLock) lock() {
	my := m.next.Add(1) - 1
	var spins int
	for {
		if m.serving.Load() == my {
			return
		}
		delay(&spins)
	}
}

func (m *ticketLock) unlock() {
	m.serving.Add(1)
}
