package stress

import (
	"sync/atomic"

	"github.com/llxisdsh/gclock"
)

// poison is the value of every block on the free list.
const poison = -1

// Allocator hands out int32 blocks from a free list. Freed blocks are
// poisoned and reused, so a reader that still holds a block after it was
// freed sees a foreign value instead of silently reading live memory.
type Allocator struct {
	mu   gclock.SpinLock
	free []*atomic.Int32

	allocs   atomic.Int64
	deallocs atomic.Int64
	highest  atomic.Int64
	reused   atomic.Int64 // blocks handed out that were not poisoned
}

// Alloc returns a poisoned block.
func (a *Allocator) Alloc() *atomic.Int32 {
	a.mu.Lock()
	var b *atomic.Int32
	if n := len(a.free); n > 0 {
		b = a.free[n-1]
		a.free[n-1] = nil
		a.free = a.free[:n-1]
	}
	a.mu.Unlock()
	if b == nil {
		b = new(atomic.Int32)
		b.Store(poison)
	}
	if b.Load() != poison {
		a.reused.Add(1)
	}

	live := a.allocs.Add(1) - a.deallocs.Load()
	for {
		cur := a.highest.Load()
		if live <= cur || a.highest.CompareAndSwap(cur, live) {
			break
		}
	}
	return b
}

// Free poisons b and returns it to the free list. A nil block is ignored.
func (a *Allocator) Free(b *atomic.Int32) {
	if b == nil {
		return
	}
	b.Store(poison)
	a.mu.Lock()
	a.free = append(a.free, b)
	a.mu.Unlock()
	a.deallocs.Add(1)
}

// Allocs returns the number of Alloc calls.
func (a *Allocator) Allocs() int64 { return a.allocs.Load() }

// Deallocs returns the number of blocks freed.
func (a *Allocator) Deallocs() int64 { return a.deallocs.Load() }

// Highest returns the largest number of simultaneously live blocks seen.
func (a *Allocator) Highest() int64 { return a.highest.Load() }
