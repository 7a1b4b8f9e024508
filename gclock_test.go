package gclock

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petermattis/goid"
)

func TestGcLockDeferInShared(t *testing.T) {
	gc := New()
	defer gc.ReleaseEntry()
	gc.LockShared()
	if !gc.IsLockedShared() {
		t.Fatal("IsLockedShared = false inside a shared section")
	}
	if !gc.IsLockedByAnyThread() {
		t.Fatal("IsLockedByAnyThread = false inside a shared section")
	}

	var deferred atomic.Bool
	gc.Defer(func() { deferred.Store(true) })
	if deferred.Load() {
		t.Fatal("Defer ran its callback inline")
	}
	if gc.PendingDeferred() != 1 {
		t.Fatalf("PendingDeferred = %d, want 1", gc.PendingDeferred())
	}

	gc.UnlockShared()
	if gc.IsLockedShared() {
		t.Fatal("IsLockedShared = true after unlock")
	}
	if !deferred.Load() {
		t.Fatal("callback did not run when the last section closed")
	}
	if gc.IsLockedByAnyThread() {
		t.Fatal("IsLockedByAnyThread = true with no holders")
	}
}

func TestGcLockExclusiveLoop(t *testing.T) {
	gc := New()
	defer gc.ReleaseEntry()
	start := gc.CurrentEpoch()
	const n = 100000
	for range n {
		g := gc.ExclusiveGuard()
		g.Release()
	}
	if gc.IsLockedByAnyThread() {
		t.Fatal("lock still held after the loop")
	}
	if d := gc.CurrentEpoch().Distance(start); d != n {
		t.Fatalf("epoch advanced %d times, want %d", d, n)
	}
}

func TestGcLockNesting(t *testing.T) {
	gc := New()
	e, err := gc.NewEntry()
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	e.LockShared()
	at := gc.Entries()[0].InEpoch
	gc.advanceEpoch()
	e.LockShared()
	if e.Depth() != 2 {
		t.Fatalf("depth = %d, want 2", e.Depth())
	}
	if got := gc.Entries()[0].InEpoch; got != at {
		t.Fatalf("nested lock restamped epoch %d -> %d", at, got)
	}
	e.UnlockShared()
	if !e.IsLockedShared() {
		t.Fatal("inner unlock left the outer section")
	}
	e.UnlockShared()
	if e.IsLockedShared() || gc.IsLockedByAnyThread() {
		t.Fatal("outer unlock did not leave the section")
	}

	e.LockExclusive()
	e.LockShared()
	if !e.IsLockedExclusive() || e.Depth() != 1 {
		t.Fatalf("shared inside exclusive: exclusive=%v depth=%d", e.IsLockedExclusive(), e.Depth())
	}
	e.UnlockShared()
	if !gc.IsLockedByAnyThread() {
		t.Fatal("exclusive section lost after nested shared unlock")
	}
	e.UnlockExclusive()
	if gc.IsLockedByAnyThread() {
		t.Fatal("lock still held")
	}
}

func TestExclusiveWaitsForReaders(t *testing.T) {
	gc := New()
	r, _ := gc.NewEntry()
	w, _ := gc.NewEntry()
	defer r.Close()
	defer w.Close()

	r.LockShared()
	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		w.LockExclusive()
		acquired.Store(true)
		w.UnlockExclusive()
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("exclusive granted while a reader was inside")
	}
	r.UnlockShared()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("exclusive not granted after the reader left")
	}
}

func TestSharedWaitsForExclusive(t *testing.T) {
	gc := New()
	r, _ := gc.NewEntry()
	w, _ := gc.NewEntry()
	defer r.Close()
	defer w.Close()

	w.LockExclusive()
	var entered atomic.Bool
	done := make(chan struct{})
	go func() {
		r.LockShared()
		entered.Store(true)
		r.UnlockShared()
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	if entered.Load() {
		t.Fatal("reader entered during an exclusive section")
	}
	w.UnlockExclusive()
	<-done
}

type exclusionCounters struct {
	finished            atomic.Bool
	numExclusive        atomic.Int32
	numShared           atomic.Int32
	errors              atomic.Int32
	multiShared         atomic.Int32
	sharedIterations    atomic.Int64
	exclusiveIterations atomic.Int64
}

func (c *exclusionCounters) shared(gc *GcLock) {
	defer gc.ReleaseEntry()
	for !c.finished.Load() {
		g := gc.SharedGuard()
		c.numShared.Add(1)
		if c.numExclusive.Load() > 0 {
			c.errors.Add(1)
		}
		if c.numShared.Load() > 1 {
			c.multiShared.Add(1)
		}
		c.numShared.Add(-1)
		g.Release()
		c.sharedIterations.Add(1)
	}
}

func (c *exclusionCounters) exclusive(gc *GcLock) {
	defer gc.ReleaseEntry()
	for !c.finished.Load() {
		gc.WithExclusive(func() {
			if c.numExclusive.Add(1) > 1 {
				c.errors.Add(1)
			}
			if c.numShared.Load() > 0 {
				c.errors.Add(1)
			}
			c.numExclusive.Add(-1)
		})
		c.exclusiveIterations.Add(1)
	}
}

func TestMutualExclusion(t *testing.T) {
	nthreads := max(4, runtime.GOMAXPROCS(0))
	dur := 200 * time.Millisecond
	if testing.Short() {
		dur = 50 * time.Millisecond
	}
	cases := []struct {
		name      string
		seed      Epoch
		shared    int
		exclusive int
	}{
		{"single shared", 0, 1, 0},
		{"multi shared", 0, nthreads, 0},
		{"single exclusive", 0, 0, 1},
		{"multi exclusive", 0, 0, nthreads},
		{"mixed", 0, nthreads, nthreads},
		{"overflow", 0xFFFFFFF0, 1, 1},
		{"INT_MIN to INT_MAX", 0x7FFFFFF0, 1, 1},
		{"benign overflow", 0xBFFFFFF0, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gc := New(WithStartingEpoch(tc.seed))
			var c exclusionCounters
			var wg sync.WaitGroup
			for range tc.shared {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c.shared(gc)
				}()
			}
			for range tc.exclusive {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c.exclusive(gc)
				}()
			}
			time.Sleep(dur)
			c.finished.Store(true)
			wg.Wait()

			if n := c.errors.Load(); n != 0 {
				t.Fatalf("%d exclusion violations\n%s", n, gc)
			}
			if gc.IsLockedByAnyThread() {
				t.Fatalf("lock held after every goroutine finished\n%s", gc)
			}
			if tc.exclusive == 0 && c.sharedIterations.Load() == 0 {
				t.Fatal("no shared iterations completed")
			}
			if tc.shared == 0 && c.exclusiveIterations.Load() == 0 {
				t.Fatal("no exclusive iterations completed")
			}
			if st := gc.Stats(); st.Registered != 0 {
				t.Fatalf("%d entries leaked", st.Registered)
			}
		})
	}
}

func TestVisibleBarrierWaitsForReaders(t *testing.T) {
	gc := New()
	r, _ := gc.NewEntry()
	defer r.Close()

	r.LockShared()
	returned := make(chan struct{})
	go func() {
		gc.VisibleBarrier()
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatal("VisibleBarrier returned while a reader from before it was inside")
	case <-time.After(50 * time.Millisecond):
	}
	r.UnlockShared()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("VisibleBarrier did not return after the reader left")
	}
}

func TestVisibleBarrierIgnoresLaterReaders(t *testing.T) {
	gc := New()
	r, _ := gc.NewEntry()
	defer r.Close()

	target := gc.advanceEpoch()
	r.LockShared()
	done := make(chan struct{})
	go func() {
		gc.waitGrace("test", target, noSlot)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("grace period waited for a reader that entered after it started")
	}
	r.UnlockShared()
}

func TestRegistryExhausted(t *testing.T) {
	gc := New(WithCapacity(2))
	a, err := gc.NewEntry()
	if err != nil {
		t.Fatal(err)
	}
	b, err := gc.NewEntry()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gc.NewEntry(); !errors.Is(err, ErrRegistryExhausted) {
		t.Fatalf("third NewEntry error = %v, want ErrRegistryExhausted", err)
	}
	slot := a.Slot()
	a.Close()
	c, err := gc.NewEntry()
	if err != nil {
		t.Fatalf("NewEntry after Close: %v", err)
	}
	if c.Slot() != slot {
		t.Fatalf("reused slot %d, want %d", c.Slot(), slot)
	}
	b.Close()
	c.Close()
	if gc.Stats().Registered != 0 {
		t.Fatal("entries still registered")
	}
}

func TestGetEntryPerGoroutine(t *testing.T) {
	gc := New()
	e1, err := gc.GetEntry()
	if err != nil {
		t.Fatal(err)
	}
	e2, _ := gc.GetEntry()
	if e1 != e2 {
		t.Fatal("GetEntry returned different entries on one goroutine")
	}
	if e, ok := gc.goroutines.Load(goid.Get()); !ok || e != e1 {
		t.Fatal("entry is not keyed by the goroutine id")
	}
	ch := make(chan *Entry)
	go func() {
		e, _ := gc.GetEntry()
		ch <- e
		gc.ReleaseEntry()
		ch <- nil
	}()
	other := <-ch
	if other == e1 || other.Slot() == e1.Slot() {
		t.Fatal("two goroutines share an entry")
	}
	<-ch
	gc.ReleaseEntry()
	if n := gc.Stats().Registered; n != 0 {
		t.Fatalf("%d entries registered after ReleaseEntry", n)
	}
	gc.ReleaseEntry()
}

func TestSlotGenerationBumps(t *testing.T) {
	gc := New(WithCapacity(1))
	e, _ := gc.NewEntry()
	g1 := gc.Entries()[0].Generation
	e.Close()
	e.Close()
	e, _ = gc.NewEntry()
	if g2 := gc.Entries()[0].Generation; g2 != g1+1 {
		t.Fatalf("generation %d after reclaim, want %d", g2, g1+1)
	}
	e.Close()
}

func expectInvariant(t *testing.T, op string, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		v := recover()
		ie, ok := v.(*InvariantError)
		if !ok {
			t.Fatalf("panic value %v (%T), want *InvariantError", v, v)
		}
		if ie.Op != op {
			t.Fatalf("invariant op %q, want %q", ie.Op, op)
		}
	}()
	f()
}

func TestInvariantViolations(t *testing.T) {
	var logs bytes.Buffer
	gc := New(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	e, _ := gc.NewEntry()

	expectInvariant(t, "UnlockShared", e.UnlockShared)
	expectInvariant(t, "UnlockExclusive", e.UnlockExclusive)

	e.LockShared()
	expectInvariant(t, "LockExclusive", e.LockExclusive)
	expectInvariant(t, "VisibleBarrier", e.VisibleBarrier)
	expectInvariant(t, "DeferBarrier", e.DeferBarrier)
	expectInvariant(t, "Close", e.Close)
	e.UnlockShared()

	e.LockExclusive()
	expectInvariant(t, "LockExclusive", e.LockExclusive)
	e.UnlockExclusive()

	e.Close()
	expectInvariant(t, "LockShared", e.LockShared)

	expectInvariant(t, "UnlockShared", gc.UnlockShared)

	if !strings.Contains(logs.String(), "invariant violation") {
		t.Fatalf("violations were not logged:\n%s", logs.String())
	}
}

func TestGoroutineBarrierInsideSection(t *testing.T) {
	gc := New()
	defer gc.ReleaseEntry()
	gc.LockShared()
	expectInvariant(t, "VisibleBarrier", gc.VisibleBarrier)
	expectInvariant(t, "DeferBarrier", gc.DeferBarrier)
	gc.UnlockShared()
	gc.VisibleBarrier()
	gc.DeferBarrier()
}

func TestForeignExclusiveFlagIsFatal(t *testing.T) {
	gc := New()
	e, _ := gc.NewEntry()
	e.LockExclusive()
	gc.r.exclusive().Store(e.Slot() + 5)
	expectInvariant(t, "UnlockExclusive", e.UnlockExclusive)
}

func TestSlowBarrierIsLogged(t *testing.T) {
	var mu sync.Mutex
	var logs bytes.Buffer
	h := slog.NewTextHandler(&lockedWriter{mu: &mu, w: &logs}, &slog.HandlerOptions{Level: slog.LevelDebug})
	gc := New(WithLogger(slog.New(h)), WithSlowBarrierThreshold(20*time.Millisecond))
	r, _ := gc.NewEntry()
	defer r.Close()

	r.LockShared()
	time.AfterFunc(100*time.Millisecond, r.UnlockShared)
	gc.VisibleBarrier()

	mu.Lock()
	out := logs.String()
	mu.Unlock()
	for _, want := range []string{"grace period is slow", fmt.Sprintf("slot=%d", r.Slot()), "slow grace period completed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log lacks %q:\n%s", want, out)
		}
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func BenchmarkEntryShared(b *testing.B) {
	gc := New()
	e, _ := gc.NewEntry()
	defer e.Close()
	for i := 0; i < b.N; i++ {
		e.LockShared()
		e.UnlockShared()
	}
}

func BenchmarkGoroutineShared(b *testing.B) {
	gc := New()
	defer gc.ReleaseEntry()
	for i := 0; i < b.N; i++ {
		gc.LockShared()
		gc.UnlockShared()
	}
}

func BenchmarkGoroutineSharedParallel(b *testing.B) {
	gc := New(WithCapacity(4 * runtime.GOMAXPROCS(0)))
	b.RunParallel(func(pb *testing.PB) {
		defer gc.ReleaseEntry()
		for pb.Next() {
			gc.LockShared()
			gc.UnlockShared()
		}
	})
}
