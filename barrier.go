package gclock

import (
	"time"
)

// noSlot is passed to waitGrace when no slot is exempt from the scan.
const noSlot = ^uint32(0)

// firstBlocker returns a slot that is inside a section entered before
// target, ignoring skip.
func (gc *GcLock) firstBlocker(target Epoch, skip uint32) (slot uint32, at Epoch, ok bool) {
	for i, n := uint32(0), gc.r.scanLimit(); i < n; i++ {
		if i == skip {
			continue
		}
		ep, rl := unpackWord(gc.r.slotWord(i).Load())
		if rl != roleNone && ep.Before(target) {
			return i, ep, true
		}
	}
	return 0, 0, false
}

// oldestActive returns the earliest epoch any participant is in, measured
// cyclically from the current epoch.
func (gc *GcLock) oldestActive() (oldest Epoch, ok bool) {
	cur := gc.CurrentEpoch()
	var age int32 = -1
	for i, n := uint32(0), gc.r.scanLimit(); i < n; i++ {
		ep, rl := unpackWord(gc.r.slotWord(i).Load())
		if rl == roleNone {
			continue
		}
		if d := cur.Distance(ep); d > age {
			age, oldest, ok = d, ep, true
		}
	}
	return oldest, ok
}

// waitGrace blocks until no slot other than skip is inside a section
// entered before target. Scans back off between passes; a pass finding a
// blocker that has been there longer than the slow barrier threshold logs
// it once.
func (gc *GcLock) waitGrace(op string, target Epoch, skip uint32) {
	slot, at, blocked := gc.firstBlocker(target, skip)
	if !blocked {
		return
	}
	start := time.Now()
	warned := false
	var spins int
	for blocked {
		if !warned && gc.slowBarrier > 0 && time.Since(start) > gc.slowBarrier {
			warned = true
			gc.log.Warn("grace period is slow",
				"op", op,
				"target", target,
				"slot", slot,
				"slot_epoch", at,
				"owner", gc.r.slotOwner(slot).Load(),
				"waited", time.Since(start),
			)
		}
		delay(&spins)
		slot, at, blocked = gc.firstBlocker(target, skip)
	}
	if warned {
		gc.log.Info("slow grace period completed", "op", op, "target", target, "waited", time.Since(start))
	}
}

func (gc *GcLock) visibleBarrier() {
	target := gc.advanceEpoch()
	gc.waitGrace("VisibleBarrier", target, noSlot)
	gc.r.barriers().Add(1)
	gc.reclaim()
}

func (gc *GcLock) deferBarrier() {
	// Take the queue bound before advancing: every item below it was
	// submitted at an epoch before target.
	limit, _, _ := gc.q.deferLimit()
	target := gc.advanceEpoch()
	gc.waitGrace("DeferBarrier", target, noSlot)
	safe := func(e Epoch) bool { return e.Before(target) }
	for {
		gc.release(limit, safe, true)
		if !gc.q.hasBelow(limit) {
			break
		}
	}
	gc.r.barriers().Add(1)
}

// VisibleBarrier advances the epoch and blocks until every participant
// that entered a section before the call has left it. After it returns, no
// reader can still hold a reference to anything unpublished before the
// call. Calling it from inside a section of the calling goroutine is a
// protocol violation.
func (gc *GcLock) VisibleBarrier() {
	if e := gc.callerEntry(); e != nil {
		e.VisibleBarrier()
		return
	}
	gc.visibleBarrier()
}

// DeferBarrier advances the epoch, waits for the grace period, and runs
// every callback deferred before the call, including those another
// goroutine is running concurrently. Call it at shutdown to drain the queue.
func (gc *GcLock) DeferBarrier() {
	if e := gc.callerEntry(); e != nil {
		e.DeferBarrier()
		return
	}
	gc.deferBarrier()
}
