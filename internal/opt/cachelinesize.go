package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is the cache line size of the running CPU, derived from
// golang.org/x/sys/cpu. It is used to pad hot fields against false sharing.
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})

// MinSlotStride_ is the smallest stride of a registry slot. Slots that live
// in shared memory must agree on the stride across processes, so the stride
// never drops below 64 bytes even on CPUs reporting smaller lines.
const MinSlotStride_ = 64

// SlotStride_ returns the stride used for registry slots on this CPU.
func SlotStride_() uintptr {
	return max(CacheLineSize_, MinSlotStride_)
}

// CachePad_ pads a struct field to a full cache line.
type CachePad_ = cpu.CacheLinePad
