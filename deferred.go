package gclock

import (
	"sync/atomic"
)

// deferredItem is a callback waiting for the grace period of the epoch it
// was submitted in.
type deferredItem struct {
	fn    func()
	epoch Epoch
	seq   uint64
}

// deferBatch is a run of items popped together and executed by one
// goroutine. Barriers that need those items wait on done.
type deferBatch struct {
	first uint64
	done  latch
}

// deferQueue is the process-local deferred work queue. Items are appended
// under the lock with the epoch read inside it, so the queue is ordered by
// sequence and, cyclically, by epoch: releasing always pops a prefix.
type deferQueue struct {
	mu       ticketLock
	items    []deferredItem
	head     int
	nextSeq  uint64
	inflight []*deferBatch

	// queued counts items not yet popped. Readers leaving a section check it
	// before touching mu.
	queued atomic.Int64
}

// Defer schedules fn to run once every participant that may have entered a
// section before the call has left it. Defer never runs fn inline and never
// blocks on readers. Writes made before Defer are visible to fn.
//
// fn runs on whichever goroutine releases it: a barrier caller or the last
// reader leaving a section. It may take the lock, but must not call
// DeferBarrier. Callbacks still queued when the process exits never run;
// call DeferBarrier at shutdown to drain the queue.
func (gc *GcLock) Defer(fn func()) {
	if fn == nil {
		return
	}
	q := &gc.q
	q.mu.lock()
	q.items = append(q.items, deferredItem{fn: fn, epoch: gc.CurrentEpoch(), seq: q.nextSeq})
	q.nextSeq++
	q.queued.Add(1)
	q.mu.unlock()
	gc.r.pending().Add(1)
}

// PendingDeferred returns the number of callbacks queued in this process.
func (gc *GcLock) PendingDeferred() int {
	return int(gc.q.queued.Load())
}

// deferLimit returns the sequence bound of everything queued so far and the
// epoch of the newest queued item.
func (q *deferQueue) deferLimit() (limit uint64, newest Epoch, nonEmpty bool) {
	q.mu.lock()
	defer q.mu.unlock()
	if q.head < len(q.items) {
		return q.nextSeq, q.items[len(q.items)-1].epoch, true
	}
	return q.nextSeq, 0, false
}

// release pops the queued items with seq < limit whose epoch is safe, runs
// them, and when wait is set also waits for batches popped concurrently by
// other goroutines that contain items below limit.
func (gc *GcLock) release(limit uint64, safe func(Epoch) bool, wait bool) int {
	q := &gc.q
	q.mu.lock()
	n := 0
	for q.head+n < len(q.items) {
		it := &q.items[q.head+n]
		if it.seq >= limit || !safe(it.epoch) {
			break
		}
		n++
	}
	var (
		batch []deferredItem
		b     *deferBatch
	)
	if n > 0 {
		batch = make([]deferredItem, n)
		copy(batch, q.items[q.head:q.head+n])
		clear(q.items[q.head : q.head+n])
		q.head += n
		q.queued.Add(-int64(n))
		q.compact()
		b = &deferBatch{first: batch[0].seq}
		q.inflight = append(q.inflight, b)
	}
	var others []*deferBatch
	if wait {
		for _, o := range q.inflight {
			if o != b && o.first < limit {
				others = append(others, o)
			}
		}
	}
	q.mu.unlock()

	if b != nil {
		gc.runBatch(b, batch)
	}
	for _, o := range others {
		o.done.wait()
	}
	return n
}

// compact drops the consumed prefix once it dominates the slice.
func (q *deferQueue) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 > len(q.items) {
		m := copy(q.items, q.items[q.head:])
		clear(q.items[m:])
		q.items = q.items[:m]
		q.head = 0
	}
}

// hasBelow reports whether an item with seq < limit is still queued. A
// batch whose callback panicked puts its unrun items back at the front.
func (q *deferQueue) hasBelow(limit uint64) bool {
	q.mu.lock()
	defer q.mu.unlock()
	return q.head < len(q.items) && q.items[q.head].seq < limit
}

func (gc *GcLock) runBatch(b *deferBatch, batch []deferredItem) {
	ran := 0
	defer func() {
		var rest []deferredItem
		if ran < len(batch) {
			rest = batch[ran+1:]
		}
		q := &gc.q
		q.mu.lock()
		for i, o := range q.inflight {
			if o == b {
				q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
				break
			}
		}
		if len(rest) > 0 {
			// Popped items are older than anything still queued.
			q.items = append(rest, q.items[q.head:]...)
			q.head = 0
			q.queued.Add(int64(len(rest)))
		}
		q.mu.unlock()
		b.done.open()
		if ran < len(batch) {
			gc.log.Error("deferred callback panicked; requeued the rest of its batch",
				"seq", batch[ran].seq,
				"epoch", batch[ran].epoch,
				"requeued", len(rest),
			)
			gc.r.pending().Add(^uint64(0))
		}
	}()
	for i := range batch {
		batch[i].fn()
		ran++
		gc.r.pending().Add(^uint64(0))
		gc.r.fired().Add(1)
	}
}

// reclaim releases deferred work that is already safe, without blocking.
// It runs when a participant leaves its outermost section.
func (gc *GcLock) reclaim() {
	if gc.q.queued.Load() == 0 {
		return
	}
	limit, newest, ok := gc.q.deferLimit()
	if !ok {
		return
	}
	// Move the epoch past the newest item so readers entering from now on
	// no longer hold it back.
	if cur := gc.CurrentEpoch(); !newest.Before(cur) {
		gc.r.epoch().CompareAndSwap(uint32(cur), uint32(cur.Next()))
	}
	oldest, active := gc.oldestActive()
	gc.release(limit, func(e Epoch) bool {
		return !active || e.Before(oldest)
	}, false)
}
