package gclock

import (
	"fmt"

	"github.com/petermattis/goid"
)

// claimSlot registers a new participant. Registry mutation runs under the
// header spin lock; readers in their sections never take it.
func (gc *GcLock) claimSlot() (uint32, error) {
	lk := gc.r.registry()
	lockWord(lk, gc.pid)
	defer unlockWord(lk, gc.pid)

	for i := uint32(0); i < gc.r.capacity; i++ {
		owner := gc.r.slotOwner(i)
		if owner.Load() != 0 {
			continue
		}
		gc.r.slotWord(i).Store(idleWord)
		gc.r.slotDepth(i).Store(0)
		gc.r.slotGen(i).Add(1)
		gc.r.slotStart(i).Store(gc.startTime)
		owner.Store(gc.pid)
		gc.r.registered().Add(1)
		if hw := gc.r.highWater(); hw.Load() <= i {
			hw.Store(i + 1)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%w: all %d slots in use", ErrRegistryExhausted, gc.r.capacity)
}

func (gc *GcLock) releaseSlot(i uint32) {
	lk := gc.r.registry()
	lockWord(lk, gc.pid)
	defer unlockWord(lk, gc.pid)

	if w := gc.r.slotWord(i).Load(); w != idleWord {
		ep, rl := unpackWord(w)
		gc.fatalf("Close", "slot %d released while %s at epoch %d", i, rl, ep)
	}
	gc.r.slotOwner(i).Store(0)
	gc.r.registered().Add(^uint32(0))
}

// NewEntry registers a participant handle that is not tied to any
// goroutine. The handle must be used by one goroutine at a time and closed
// when no longer needed.
func (gc *GcLock) NewEntry() (*Entry, error) {
	return gc.newEntry(0)
}

// newEntry claims a slot for an entry bound to goroutine gid, or to no
// goroutine when gid is 0. The entry is complete before it is published.
func (gc *GcLock) newEntry(gid int64) (*Entry, error) {
	slot, err := gc.claimSlot()
	if err != nil {
		return nil, err
	}
	e := &Entry{gc: gc, slot: slot, gid: gid}
	gc.entries.Store(slot, e)
	return e, nil
}

// GetEntry returns the entry bound to the calling goroutine, registering
// one on first use. Goroutine-bound entries are used by the GcLock methods
// that take no handle; release them with ReleaseEntry before the goroutine
// exits, or the slot stays claimed.
func (gc *GcLock) GetEntry() (*Entry, error) {
	id := goid.Get()
	if e, ok := gc.goroutines.Load(id); ok {
		return e, nil
	}
	e, err := gc.newEntry(id)
	if err != nil {
		return nil, err
	}
	gc.goroutines.Store(id, e)
	return e, nil
}

// ReleaseEntry deregisters the calling goroutine's entry, if any.
func (gc *GcLock) ReleaseEntry() {
	if e, ok := gc.goroutines.Load(goid.Get()); ok {
		e.Close()
	}
}

// callerEntry returns the calling goroutine's entry without registering.
func (gc *GcLock) callerEntry() *Entry {
	e, _ := gc.goroutines.Load(goid.Get())
	return e
}

// mustEntry resolves the calling goroutine's entry for the handle-less
// methods. Registry exhaustion cannot be reported through them, so it
// panics with the error; call GetEntry first to handle it.
func (gc *GcLock) mustEntry() *Entry {
	e, err := gc.GetEntry()
	if err != nil {
		panic(err)
	}
	return e
}

// EntryState is a read-only view of one registry slot.
type EntryState struct {
	Slot       uint32
	Owner      uint32
	Generation uint32
	Role       string
	InEpoch    Epoch
	Depth      uint32
}

// Active reports whether the slot was inside a section when observed.
func (s EntryState) Active() bool {
	return s.Role != roleNone.String()
}

// Entries returns the state of every claimed slot. Slots are read one at a
// time while their owners keep running, so the result is a diagnostic
// snapshot, not an atomic picture.
func (gc *GcLock) Entries() []EntryState {
	var out []EntryState
	for i, n := uint32(0), gc.r.scanLimit(); i < n; i++ {
		owner := gc.r.slotOwner(i).Load()
		if owner == 0 {
			continue
		}
		ep, rl := unpackWord(gc.r.slotWord(i).Load())
		out = append(out, EntryState{
			Slot:       i,
			Owner:      owner,
			Generation: gc.r.slotGen(i).Load(),
			Role:       rl.String(),
			InEpoch:    ep,
			Depth:      gc.r.slotDepth(i).Load(),
		})
	}
	return out
}
