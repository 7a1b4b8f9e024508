package gclock

// Entry is a registered participant of a GcLock.
//
// The entry owns one registry slot. Only the entry's methods write the slot;
// barriers in other goroutines (or processes) only read it. An Entry is not
// safe for concurrent use: give each goroutine its own.
type Entry struct {
	_         noCopy
	gc        *GcLock
	slot      uint32
	gid       int64
	depth     uint32
	exclusive bool
	closed    bool
}

// Slot returns the stable registry slot id of the entry.
func (e *Entry) Slot() uint32 {
	return e.slot
}

// Depth returns the shared section nesting depth.
func (e *Entry) Depth() int {
	return int(e.depth)
}

// IsLockedShared reports whether the entry is inside a shared section.
func (e *Entry) IsLockedShared() bool {
	return e.depth > 0
}

// IsLockedExclusive reports whether the entry holds the exclusive section.
func (e *Entry) IsLockedExclusive() bool {
	return e.exclusive
}

func (e *Entry) setDepth(d uint32) {
	e.depth = d
	e.gc.r.slotDepth(e.slot).Store(d)
}

func (e *Entry) checkOpen(op string) {
	if e.closed {
		e.gc.fatalf(op, "entry for slot %d used after Close", e.slot)
	}
}

// LockShared enters a shared section. Only the outermost call stamps the
// entry with the current epoch; nested calls just count. It blocks only
// while an exclusive holder is active.
func (e *Entry) LockShared() {
	e.checkOpen("LockShared")
	if e.depth > 0 || e.exclusive {
		e.setDepth(e.depth + 1)
		return
	}

	gc := e.gc
	word := gc.r.slotWord(e.slot)
	excl := gc.r.exclusive()
	var spins int
	for {
		if excl.Load() == 0 {
			// Publish first, then re-check. An exclusive acquirer sets the
			// flag before scanning, so either it sees this slot or this
			// goroutine sees its flag.
			word.Store(packWord(gc.CurrentEpoch(), roleShared))
			if excl.Load() == 0 {
				break
			}
			word.Store(idleWord)
		}
		delay(&spins)
	}
	e.setDepth(1)
}

// UnlockShared leaves a shared section. Leaving the outermost section makes
// the entry invisible to grace-period scans and releases deferred work that
// became safe.
func (e *Entry) UnlockShared() {
	e.checkOpen("UnlockShared")
	if e.depth == 0 {
		e.gc.fatalf("UnlockShared", "slot %d is not in a shared section", e.slot)
	}
	e.setDepth(e.depth - 1)
	if e.depth > 0 || e.exclusive {
		return
	}
	e.gc.r.slotWord(e.slot).Store(idleWord)
	e.gc.reclaim()
}

// LockExclusive enters the exclusive section. It waits for any other
// exclusive holder, then advances the epoch and waits until every entry
// that entered before the advance has left. Shared sections may nest
// inside it; the reverse is a protocol violation.
func (e *Entry) LockExclusive() {
	e.checkOpen("LockExclusive")
	gc := e.gc
	if e.exclusive {
		gc.fatalf("LockExclusive", "slot %d already holds the exclusive section", e.slot)
	}
	if e.depth > 0 {
		gc.fatalf("LockExclusive", "slot %d is inside a shared section", e.slot)
	}

	excl := gc.r.exclusive()
	me := e.slot + 1
	var spins int
	for !excl.CompareAndSwap(0, me) {
		delay(&spins)
	}
	target := gc.advanceEpoch()
	gc.waitGrace("LockExclusive", target, e.slot)
	gc.r.slotWord(e.slot).Store(packWord(target, roleExclusive))
	e.exclusive = true
}

// UnlockExclusive leaves the exclusive section.
func (e *Entry) UnlockExclusive() {
	e.checkOpen("UnlockExclusive")
	gc := e.gc
	if !e.exclusive {
		gc.fatalf("UnlockExclusive", "slot %d does not hold the exclusive section", e.slot)
	}
	if e.depth > 0 {
		gc.fatalf("UnlockExclusive", "slot %d still has %d nested shared sections", e.slot, e.depth)
	}
	gc.r.slotWord(e.slot).Store(idleWord)
	e.exclusive = false
	if excl := gc.r.exclusive(); !excl.CompareAndSwap(e.slot+1, 0) {
		gc.fatalf("UnlockExclusive", "exclusive flag names slot %d, expected %d",
			int64(excl.Load())-1, e.slot)
	}
	gc.reclaim()
}

// VisibleBarrier waits for one grace period; see GcLock.VisibleBarrier.
func (e *Entry) VisibleBarrier() {
	e.checkOutside("VisibleBarrier")
	e.gc.visibleBarrier()
}

// DeferBarrier advances the epoch and runs ready deferred work; see
// GcLock.DeferBarrier.
func (e *Entry) DeferBarrier() {
	e.checkOutside("DeferBarrier")
	e.gc.deferBarrier()
}

func (e *Entry) checkOutside(op string) {
	e.checkOpen(op)
	if e.depth > 0 || e.exclusive {
		e.gc.fatalf(op, "slot %d would wait for its own critical section", e.slot)
	}
}

// Close deregisters the entry. Closing an entry inside a section is a
// protocol violation. Close is idempotent.
func (e *Entry) Close() {
	if e.closed {
		return
	}
	if e.depth > 0 || e.exclusive {
		e.gc.fatalf("Close", "slot %d closed inside a critical section", e.slot)
	}
	e.closed = true
	if e.gid != 0 {
		e.gc.goroutines.Delete(e.gid)
	}
	e.gc.entries.Delete(e.slot)
	e.gc.releaseSlot(e.slot)
}
