package gclock

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/llxisdsh/gclock/internal/opt"
)

// Lock state layout. The same layout backs the in-process lock (heap
// memory) and SharedGcLock (a mapped segment), so both run the exact same
// protocol code.
//
//	+--------------------+ 0x00
//	| header (128 bytes) |
//	+--------------------+ 0x80
//	| slot 0             |  one slot per registered participant,
//	| slot 1             |  slotStride bytes each
//	| ...                |
//	+--------------------+
const (
	layoutMagic   = "GCLOCK\x00\x01"
	layoutVersion = uint32(2)

	headerSize = 128

	hdrMagic      = 0x00 // [8]byte
	hdrVersion    = 0x08 // uint32
	hdrCapacity   = 0x0C // uint32: number of slots
	hdrSlotStride = 0x10 // uint32
	hdrEpoch      = 0x14 // uint32: global epoch
	hdrExclusive  = 0x18 // uint32: 0, or slot+1 of the exclusive holder
	hdrRegistry   = 0x1C // uint32: registry spin lock word (owner pid)
	hdrRegistered = 0x20 // uint32: claimed slots
	hdrHighWater  = 0x24 // uint32: 1 + highest slot ever claimed
	hdrCreatorPID = 0x28 // uint32
	hdrReady      = 0x2C // uint32: set last during initialization
	hdrPending    = 0x30 // uint64: deferred items queued, all processes
	hdrBarriers   = 0x38 // uint64: completed barriers
	hdrFired      = 0x40 // uint64: deferred items executed

	slotWord  = 0x00 // uint64: inEpoch<<32 | role
	slotOwner = 0x08 // uint32: owner pid, 0 when free
	slotDepth = 0x0C // uint32: shared nesting depth, mirrored by the owner
	slotGen   = 0x10 // uint32: bumped on every claim
	slotStart = 0x18 // uint64: owner process start time, 0 when unknown
)

// role is the kind of critical section a slot is in.
type role uint32

const (
	roleNone role = iota
	roleShared
	roleExclusive
)

func (r role) String() string {
	switch r {
	case roleNone:
		return "none"
	case roleShared:
		return "shared"
	case roleExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("role(%d)", uint32(r))
	}
}

const idleWord = uint64(roleNone)

// packWord folds the entry epoch and role into the single word scanned by
// barriers, so a scan never observes one without the other.
//
//go:nosplit
func packWord(e Epoch, r role) uint64 {
	return uint64(e)<<32 | uint64(r)
}

//go:nosplit
func unpackWord(w uint64) (Epoch, role) {
	return Epoch(w >> 32), role(uint32(w))
}

var (
	errBadMagic   = errors.New("bad magic")
	errBadVersion = errors.New("unsupported version")
	errBadStride  = errors.New("slot stride mismatch")
	errTruncated  = errors.New("segment too small")
	errNotReady   = errors.New("segment not initialized")
)

// layoutSize returns the number of bytes needed for capacity slots.
func layoutSize(capacity uint32) uintptr {
	return headerSize + uintptr(capacity)*opt.SlotStride_()
}

// region is a bounds-checked view over the lock state bytes.
type region struct {
	mem      []byte
	stride   uintptr
	capacity uint32
}

// newHeapRegion allocates an 8-byte aligned region for an in-process lock.
func newHeapRegion(capacity uint32) []byte {
	n := layoutSize(capacity)
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

// initRegion formats mem as an empty lock with the given capacity.
func initRegion(mem []byte, capacity uint32, start Epoch, pid uint32) (region, error) {
	if uintptr(len(mem)) < layoutSize(capacity) {
		return region{}, fmt.Errorf("%w: %d bytes for %d slots", errTruncated, len(mem), capacity)
	}
	r := region{mem: mem, stride: opt.SlotStride_(), capacity: capacity}
	copy(mem[hdrMagic:hdrMagic+8], layoutMagic)
	r.u32(hdrVersion).Store(layoutVersion)
	r.u32(hdrCapacity).Store(capacity)
	r.u32(hdrSlotStride).Store(uint32(r.stride))
	r.u32(hdrEpoch).Store(uint32(start))
	r.u32(hdrCreatorPID).Store(pid)
	r.u32(hdrReady).Store(1)
	return r, nil
}

// attachRegion validates an already formatted region.
func attachRegion(mem []byte) (region, error) {
	if len(mem) < headerSize {
		return region{}, fmt.Errorf("%w: %d bytes", errTruncated, len(mem))
	}
	r := region{mem: mem, stride: opt.SlotStride_()}
	if r.u32(hdrReady).Load() == 0 {
		return region{}, errNotReady
	}
	if string(mem[hdrMagic:hdrMagic+8]) != layoutMagic {
		return region{}, errBadMagic
	}
	if v := r.u32(hdrVersion).Load(); v != layoutVersion {
		return region{}, fmt.Errorf("%w: %d", errBadVersion, v)
	}
	if s := uintptr(r.u32(hdrSlotStride).Load()); s != r.stride {
		return region{}, fmt.Errorf("%w: segment %d, local %d", errBadStride, s, r.stride)
	}
	r.capacity = r.u32(hdrCapacity).Load()
	if need := layoutSize(r.capacity); uintptr(len(mem)) < need {
		return region{}, fmt.Errorf("%w: %d bytes, need %d", errTruncated, len(mem), need)
	}
	return r, nil
}

func (r *region) check(off, size uintptr) {
	if off%size != 0 || off+size > uintptr(len(r.mem)) {
		if r.mem == nil {
			panic(ErrClosed)
		}
		panic(fmt.Sprintf("gclock: region access out of bounds: off=%#x size=%d len=%d",
			off, size, len(r.mem)))
	}
}

func (r *region) u32(off uintptr) *atomic.Uint32 {
	r.check(off, 4)
	return (*atomic.Uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *region) u64(off uintptr) *atomic.Uint64 {
	r.check(off, 8)
	return (*atomic.Uint64)(unsafe.Pointer(&r.mem[off]))
}

func (r *region) slot(i uint32) uintptr {
	if i >= r.capacity {
		if r.mem == nil {
			panic(ErrClosed)
		}
		panic(fmt.Sprintf("gclock: slot %d out of range [0,%d)", i, r.capacity))
	}
	return headerSize + uintptr(i)*r.stride
}

func (r *region) epoch() *atomic.Uint32      { return r.u32(hdrEpoch) }
func (r *region) exclusive() *atomic.Uint32  { return r.u32(hdrExclusive) }
func (r *region) registry() *atomic.Uint32   { return r.u32(hdrRegistry) }
func (r *region) registered() *atomic.Uint32 { return r.u32(hdrRegistered) }
func (r *region) highWater() *atomic.Uint32  { return r.u32(hdrHighWater) }
func (r *region) pending() *atomic.Uint64    { return r.u64(hdrPending) }
func (r *region) barriers() *atomic.Uint64   { return r.u64(hdrBarriers) }
func (r *region) fired() *atomic.Uint64      { return r.u64(hdrFired) }

func (r *region) slotWord(i uint32) *atomic.Uint64  { return r.u64(r.slot(i) + slotWord) }
func (r *region) slotOwner(i uint32) *atomic.Uint32 { return r.u32(r.slot(i) + slotOwner) }
func (r *region) slotDepth(i uint32) *atomic.Uint32 { return r.u32(r.slot(i) + slotDepth) }
func (r *region) slotGen(i uint32) *atomic.Uint32   { return r.u32(r.slot(i) + slotGen) }
func (r *region) slotStart(i uint32) *atomic.Uint64 { return r.u64(r.slot(i) + slotStart) }

// scanLimit bounds registry scans to slots that were ever claimed.
func (r *region) scanLimit() uint32 {
	return min(r.highWater().Load(), r.capacity)
}
