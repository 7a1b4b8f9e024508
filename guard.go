package gclock

// The methods below resolve the calling goroutine's entry (registering it
// on first use) and forward to it. They stand in for thread-local lock
// state; code that can carry an *Entry should prefer it.

// LockShared enters a shared section for the calling goroutine.
func (gc *GcLock) LockShared() {
	gc.mustEntry().LockShared()
}

// UnlockShared leaves the calling goroutine's shared section.
func (gc *GcLock) UnlockShared() {
	e := gc.callerEntry()
	if e == nil {
		gc.fatalf("UnlockShared", "goroutine has no entry")
	}
	e.UnlockShared()
}

// LockExclusive enters the exclusive section for the calling goroutine.
func (gc *GcLock) LockExclusive() {
	gc.mustEntry().LockExclusive()
}

// UnlockExclusive leaves the calling goroutine's exclusive section.
func (gc *GcLock) UnlockExclusive() {
	e := gc.callerEntry()
	if e == nil {
		gc.fatalf("UnlockExclusive", "goroutine has no entry")
	}
	e.UnlockExclusive()
}

// IsLockedShared reports whether the calling goroutine is inside a shared
// section.
func (gc *GcLock) IsLockedShared() bool {
	e := gc.callerEntry()
	return e != nil && e.IsLockedShared()
}

// IsLockedExclusive reports whether the calling goroutine holds the
// exclusive section.
func (gc *GcLock) IsLockedExclusive() bool {
	e := gc.callerEntry()
	return e != nil && e.IsLockedExclusive()
}

// Guard releases a section acquired by SharedGuard or ExclusiveGuard.
// Release is idempotent, so it can be deferred and also called early.
type Guard struct {
	e         *Entry
	exclusive bool
	released  bool
}

// Release leaves the guarded section.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	if g.exclusive {
		g.e.UnlockExclusive()
	} else {
		g.e.UnlockShared()
	}
}

// SharedGuard enters a shared section and returns its guard.
//
//	g := e.SharedGuard()
//	defer g.Release()
func (e *Entry) SharedGuard() *Guard {
	e.LockShared()
	return &Guard{e: e}
}

// ExclusiveGuard enters the exclusive section and returns its guard.
func (e *Entry) ExclusiveGuard() *Guard {
	e.LockExclusive()
	return &Guard{e: e, exclusive: true}
}

// WithShared runs fn inside a shared section, leaving it on every exit
// path, panics included.
func (e *Entry) WithShared(fn func()) {
	e.LockShared()
	defer e.UnlockShared()
	fn()
}

// WithExclusive runs fn inside the exclusive section, leaving it on every
// exit path, panics included.
func (e *Entry) WithExclusive(fn func()) {
	e.LockExclusive()
	defer e.UnlockExclusive()
	fn()
}

// SharedGuard enters a shared section for the calling goroutine.
func (gc *GcLock) SharedGuard() *Guard {
	return gc.mustEntry().SharedGuard()
}

// ExclusiveGuard enters the exclusive section for the calling goroutine.
func (gc *GcLock) ExclusiveGuard() *Guard {
	return gc.mustEntry().ExclusiveGuard()
}

// WithShared runs fn inside a shared section of the calling goroutine.
func (gc *GcLock) WithShared(fn func()) {
	gc.mustEntry().WithShared(fn)
}

// WithExclusive runs fn inside the exclusive section of the calling
// goroutine.
func (gc *GcLock) WithExclusive(fn func()) {
	gc.mustEntry().WithExclusive(fn)
}
