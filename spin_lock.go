package gclock

import "sync/atomic"

// SpinLock is a test-and-set spin lock for very short critical sections.
// The zero value is unlocked. It backs the allocator in the stress harness
// and, through the word helpers below, the registry lock stored in the lock
// header.
type SpinLock struct {
	_     noCopy
	state atomic.Uint32
}

// Lock acquires the lock, spinning with backoff until it is free.
func (l *SpinLock) Lock() {
	lockWord(&l.state, 1)
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	l.state.Store(0)
}

// lockWord spins until it installs owner into a zero word. Locks living in
// shared memory store the owner pid, so a lock left behind by a dead process
// can be identified and broken.
func lockWord(w *atomic.Uint32, owner uint32) {
	if w.CompareAndSwap(0, owner) {
		return
	}
	slowLockWord(w, owner)
}

func slowLockWord(w *atomic.Uint32, owner uint32) {
	var spins int
	for !tryLockWord(w, owner) {
		delay(&spins)
	}
}

//go:nosplit
func tryLockWord(w *atomic.Uint32, owner uint32) bool {
	return w.Load() == 0 && w.CompareAndSwap(0, owner)
}

// unlockWord releases a word lock held by owner. It reports false if the
// word was not held by owner.
//
//go:nosplit
func unlockWord(w *atomic.Uint32, owner uint32) bool {
	return w.CompareAndSwap(owner, 0)
}
