package gclock

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Stats is a snapshot of the lock counters.
type Stats struct {
	Epoch           Epoch
	ExclusiveSlot   int // -1 when nobody holds the exclusive section
	Capacity        int
	Registered      int
	Active          int
	PendingDeferred int    // queued in this process
	PendingShared   uint64 // queued across every process sharing the lock
	FiredDeferred   uint64
	Barriers        uint64
}

// Stats returns the current counters. It only reads lock state.
func (gc *GcLock) Stats() Stats {
	s := Stats{
		Epoch:           gc.CurrentEpoch(),
		ExclusiveSlot:   int(gc.r.exclusive().Load()) - 1,
		Capacity:        int(gc.r.capacity),
		Registered:      int(gc.r.registered().Load()),
		PendingDeferred: gc.PendingDeferred(),
		PendingShared:   gc.r.pending().Load(),
		FiredDeferred:   gc.r.fired().Load(),
		Barriers:        gc.r.barriers().Load(),
	}
	for i, n := uint32(0), gc.r.scanLimit(); i < n; i++ {
		if _, rl := unpackWord(gc.r.slotWord(i).Load()); rl != roleNone {
			s.Active++
		}
	}
	return s
}

// Dump writes a human readable description of the epoch, the exclusive
// holder, the deferred queue and every claimed registry slot. It never
// changes lock state.
func (gc *GcLock) Dump(w io.Writer) error {
	s := gc.Stats()
	excl := "none"
	if s.ExclusiveSlot >= 0 {
		excl = fmt.Sprintf("slot %d", s.ExclusiveSlot)
	}
	_, err := fmt.Fprintf(w,
		"gclock epoch=%d exclusive=%s entries=%d/%d active=%d deferred=%d (all processes %d) fired=%d barriers=%d\n",
		s.Epoch, excl, s.Registered, s.Capacity, s.Active,
		s.PendingDeferred, s.PendingShared, s.FiredDeferred, s.Barriers)
	if err != nil {
		return err
	}

	q := &gc.q
	q.mu.lock()
	var oldest, newest Epoch
	queued := len(q.items) - q.head
	if queued > 0 {
		oldest, newest = q.items[q.head].epoch, q.items[len(q.items)-1].epoch
	}
	inflight := len(q.inflight)
	q.mu.unlock()
	if queued > 0 {
		if _, err = fmt.Fprintf(w, "  queue: %d items, epochs %d..%d, %d batches running\n",
			queued, oldest, newest, inflight); err != nil {
			return err
		}
	}

	entries := gc.Entries()
	if len(entries) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  slot\towner\tgen\trole\tinEpoch\tage\tdepth")
	for _, e := range entries {
		inEpoch, age := "-", "-"
		if e.Active() {
			inEpoch = fmt.Sprint(e.InEpoch)
			age = fmt.Sprint(s.Epoch.Distance(e.InEpoch))
		}
		fmt.Fprintf(tw, "  %d\t%d\t%d\t%s\t%s\t%s\t%d\n",
			e.Slot, e.Owner, e.Generation, e.Role, inEpoch, age, e.Depth)
	}
	return tw.Flush()
}

// String returns the Dump output.
func (gc *GcLock) String() string {
	var b strings.Builder
	_ = gc.Dump(&b)
	return b.String()
}
