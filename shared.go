package gclock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/llxisdsh/gclock/internal/shm"
)

// SharedGcLock is a GcLock whose epoch, registry and exclusive flag live in
// a named shared memory segment, so cooperating processes share one logical
// lock. Every GcLock method works on it unchanged.
//
// Deferred callbacks are closures and stay in the process that queued them;
// they are released by that process's barriers and unlocks once the grace
// period, which spans every process, has elapsed. The header tracks how many
// callbacks are queued across all processes.
type SharedGcLock struct {
	GcLock
	seg    *shm.Segment
	closed bool
}

// CreateShared creates and initializes the named lock. It fails with
// ErrAlreadyExists if the name is in use.
func CreateShared(name string, opts ...Option) (*SharedGcLock, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	seg, err := shm.Create(name, int(layoutSize(cfg.capacity)))
	if err != nil {
		return nil, segmentError(name, err)
	}
	pid := uint32(os.Getpid())
	r, err := initRegion(seg.Mem, cfg.capacity, cfg.start, pid)
	if err != nil {
		seg.Close()
		shm.Unlink(name)
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSegment, name, err)
	}
	s := &SharedGcLock{seg: seg}
	s.init(r, pid, &cfg)
	s.startTime, _ = shm.ProcessStartTime(int(pid))
	s.log.Info("created shared lock",
		"name", name,
		"path", seg.Path,
		"capacity", cfg.capacity,
		"epoch", cfg.start,
	)
	return s, nil
}

// OpenShared attaches to a lock created by CreateShared, possibly in
// another process. It fails with ErrNotFound if the name does not exist and
// with ErrInvalidSegment if the segment is not a compatible lock. Slots left
// behind by exited processes are reaped on open.
func OpenShared(name string, opts ...Option) (*SharedGcLock, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	deadline := time.Now().Add(cfg.openTimeout)
	var spins int
	for {
		seg, err := shm.Open(name)
		if err != nil && !errors.Is(err, shm.ErrEmpty) {
			return nil, segmentError(name, err)
		}
		if err == nil {
			r, aerr := attachRegion(seg.Mem)
			if aerr == nil {
				pid := uint32(os.Getpid())
				s := &SharedGcLock{seg: seg}
				s.init(r, pid, &cfg)
				s.startTime, _ = shm.ProcessStartTime(int(pid))
				s.log.Debug("opened shared lock",
					"name", name,
					"path", seg.Path,
					"capacity", r.capacity,
					"epoch", s.CurrentEpoch(),
				)
				s.ReapDead()
				return s, nil
			}
			seg.Close()
			if !errors.Is(aerr, errNotReady) {
				return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSegment, name, aerr)
			}
			err = aerr
		}
		// The creator is still sizing or formatting the segment.
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSegment, name, err)
		}
		delay(&spins)
	}
}

// Unlink removes the named lock from the system namespace. Processes that
// have it open keep working; later OpenShared calls fail with ErrNotFound.
func Unlink(name string) error {
	if err := shm.Unlink(name); err != nil {
		return segmentError(name, err)
	}
	return nil
}

func segmentError(name string, err error) error {
	switch {
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %q: %w", ErrAlreadyExists, name, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %q: %w", ErrNotFound, name, err)
	default:
		return fmt.Errorf("gclock: shared lock %q: %w", name, err)
	}
}

// Name returns the segment name.
func (s *SharedGcLock) Name() string {
	return s.seg.Name
}

// Path returns the file backing the segment.
func (s *SharedGcLock) Path() string {
	return s.seg.Path
}

// Unlink removes the lock's name; see the package-level Unlink.
func (s *SharedGcLock) Unlink() error {
	if err := Unlink(s.seg.Name); err != nil {
		return err
	}
	s.log.Info("unlinked shared lock", "name", s.seg.Name)
	return nil
}

// ReapDead frees registry slots, and the exclusive section, held by
// processes that no longer exist. A slot whose pid was reused by a newer
// process counts as dead where process start times are available. It
// returns the number of slots freed.
func (s *SharedGcLock) ReapDead() int {
	r := &s.r
	lk := r.registry()
	if owner := lk.Load(); owner != 0 && owner != s.pid && !shm.ProcessAlive(int(owner)) {
		if lk.CompareAndSwap(owner, 0) {
			s.log.Warn("broke registry lock of dead process", "pid", owner)
		}
	}
	lockWord(lk, s.pid)
	defer unlockWord(lk, s.pid)

	reaped := 0
	for i, n := uint32(0), r.scanLimit(); i < n; i++ {
		owner := r.slotOwner(i).Load()
		if owner == 0 || !s.ownerGone(owner, r.slotStart(i).Load()) {
			continue
		}
		ep, rl := unpackWord(r.slotWord(i).Load())
		r.exclusive().CompareAndSwap(i+1, 0)
		r.slotWord(i).Store(idleWord)
		r.slotDepth(i).Store(0)
		r.slotStart(i).Store(0)
		r.slotOwner(i).Store(0)
		r.registered().Add(^uint32(0))
		reaped++
		s.log.Warn("reaped slot of dead process",
			"slot", i,
			"pid", owner,
			"role", rl,
			"slot_epoch", ep,
		)
	}
	return reaped
}

// ownerGone reports whether the process that claimed a slot as pid,
// started at start, has exited.
func (s *SharedGcLock) ownerGone(pid uint32, start uint64) bool {
	if pid == s.pid {
		return start != 0 && s.startTime != 0 && start != s.startTime
	}
	if !shm.ProcessAlive(int(pid)) {
		return true
	}
	if start == 0 {
		return false
	}
	now, ok := shm.ProcessStartTime(int(pid))
	return ok && now != start
}

// Close drains this process's deferred callbacks and unmaps the segment.
// Entries registered through this handle must be closed by their users
// first; only the calling goroutine's own GetEntry entry is released by
// Close. It fails with ErrBusy while other entries remain registered or
// the caller is inside a section, and with ErrClosed when called again.
// Every other method panics with ErrClosed after Close.
func (s *SharedGcLock) Close() error {
	if s.closed {
		return ErrClosed
	}
	own := s.callerEntry()
	others := 0
	s.entries.Range(func(_ uint32, e *Entry) bool {
		if e != own {
			others++
		}
		return true
	})
	if others > 0 {
		return fmt.Errorf("%w: %d entries still registered", ErrBusy, others)
	}
	if own != nil {
		if s.r.slotWord(own.slot).Load() != idleWord {
			return fmt.Errorf("%w: caller is inside a section", ErrBusy)
		}
		own.Close()
	}
	s.deferBarrier()
	s.closed = true
	s.r = region{}
	s.log.Debug("closed shared lock", "name", s.seg.Name)
	return s.seg.Close()
}
