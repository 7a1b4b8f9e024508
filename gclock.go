// Package gclock implements an epoch-based reader/writer reclamation lock.
//
// Readers enter short shared sections to traverse pointer-based structures
// without blocking each other. Writers publish new versions, then either
// wait for a grace period (VisibleBarrier) or hand the cleanup of the old
// version to Defer, which runs it once no reader that could have observed
// the old version is still inside a section.
//
// Features:
//   - Wrapping 32-bit epoch with cyclic comparison.
//   - Fixed registry of participant slots; entries are explicit handles or
//     bound to the calling goroutine.
//   - Re-entrant shared sections, writer-preferred exclusive sections.
//   - Deferred callbacks released by any barrier or by the last reader
//     leaving a section.
//   - SharedGcLock: the same lock in a named shared-memory segment, usable
//     by several processes.
//
// Example:
//
//	gc := gclock.New()
//	e, _ := gc.NewEntry()
//	defer e.Close()
//
//	e.LockShared()
//	v := current.Load() // read a published version
//	e.UnlockShared()
//
//	old := current.Swap(next) // publish
//	gc.Defer(func() { release(old) })
package gclock

import (
	"log/slog"
	"os"
	"time"

	"github.com/llxisdsh/pb"

	"github.com/llxisdsh/gclock/internal/opt"
)

// GcLock is an epoch-based reclamation lock. Create it with New; the zero
// value is not usable.
type GcLock struct {
	_ noCopy

	r   region
	pid uint32

	// startTime is this process's start time, recorded in claimed slots of
	// a shared lock so a reused pid is not mistaken for the owner.
	startTime uint64

	log         *slog.Logger
	slowBarrier time.Duration

	// goroutines maps goroutine ids to entries created by GetEntry.
	goroutines pb.MapOf[int64, *Entry]
	// entries holds every live entry registered through this handle.
	entries pb.MapOf[uint32, *Entry]

	_ opt.CachePad_
	q deferQueue
}

// New returns an in-process GcLock.
func New(opts ...Option) *GcLock {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	pid := uint32(os.Getpid())
	r, err := initRegion(newHeapRegion(cfg.capacity), cfg.capacity, cfg.start, pid)
	if err != nil {
		panic("gclock: " + err.Error())
	}
	gc := &GcLock{}
	gc.init(r, pid, &cfg)
	return gc
}

func (gc *GcLock) init(r region, pid uint32, cfg *config) {
	gc.r = r
	gc.pid = pid
	gc.log = cfg.logger
	gc.slowBarrier = cfg.slowBarrier
}

// Capacity returns the number of registry slots.
func (gc *GcLock) Capacity() int {
	return int(gc.r.capacity)
}

// IsLockedByAnyThread reports whether any participant, in any process
// sharing the lock, is inside a shared or exclusive section.
func (gc *GcLock) IsLockedByAnyThread() bool {
	if gc.r.exclusive().Load() != 0 {
		return true
	}
	for i, n := uint32(0), gc.r.scanLimit(); i < n; i++ {
		if _, rl := unpackWord(gc.r.slotWord(i).Load()); rl != roleNone {
			return true
		}
	}
	return false
}
