// Package stress runs the reclamation workloads used to validate GcLock:
// writers publish freshly allocated blocks and retire the old ones, either
// synchronously behind VisibleBarrier or through Defer, while readers
// verify every block they can reach still holds its writer's id.
package stress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/gclock"
)

// Modes.
const (
	ModeSync  = "sync"
	ModeDefer = "defer"
)

// retiredMark is written into blocks retired by a sync writer once the
// grace period has passed. A reader that observes it read a block after
// its grace period ended.
const retiredMark = 1234

// deferBarrierEvery bounds the deferred queue of a writer that shares the
// lock with few readers.
const deferBarrierEvery = 256

var (
	// ErrInvalidRead is returned when a reader saw a retired or reused
	// block.
	ErrInvalidRead = errors.New("stress: reader observed a reclaimed block")

	// ErrImbalance is returned when, after the final DeferBarrier, not
	// every allocated block was freed.
	ErrImbalance = errors.New("stress: allocations and deallocations differ")
)

// Config shapes a run.
type Config struct {
	Mode     string
	Readers  int
	Writers  int
	Spinners int
	Blocks   int
	Duration time.Duration
	Logger   *slog.Logger
}

// Result summarizes a run.
type Result struct {
	Allocs     int64
	Deallocs   int64
	Highest    int64
	Reused     int64
	BadReads   int64
	Reads      int64
	Writes     int64
	StartEpoch gclock.Epoch
	EndEpoch   gclock.Epoch
	Elapsed    time.Duration
}

type run struct {
	gc     *gclock.GcLock
	cfg    Config
	log    *slog.Logger
	alloc  Allocator
	blocks [][]atomic.Pointer[atomic.Int32] // per writer, per block
	stop   atomic.Bool

	reads    atomic.Int64
	writes   atomic.Int64
	badReads atomic.Int64
}

// Run drives the workload against gc until cfg.Duration elapses or ctx is
// done, then drains deferred work with DeferBarrier and checks that every
// allocation was freed and no reader saw a reclaimed block.
func Run(ctx context.Context, gc *gclock.GcLock, cfg Config) (Result, error) {
	if cfg.Mode != ModeSync && cfg.Mode != ModeDefer {
		return Result{}, fmt.Errorf("stress: unknown mode %q", cfg.Mode)
	}
	if cfg.Blocks <= 0 {
		return Result{}, fmt.Errorf("stress: blocks must be positive, got %d", cfg.Blocks)
	}
	r := &run{gc: gc, cfg: cfg, log: cfg.Logger}
	if r.log == nil {
		r.log = slog.New(slog.DiscardHandler)
	}
	r.blocks = make([][]atomic.Pointer[atomic.Int32], cfg.Writers)
	for i := range r.blocks {
		r.blocks[i] = make([]atomic.Pointer[atomic.Int32], cfg.Blocks)
	}

	res := Result{StartEpoch: gc.CurrentEpoch()}
	start := time.Now()
	r.log.Info("stress run starting",
		"mode", cfg.Mode,
		"readers", cfg.Readers,
		"writers", cfg.Writers,
		"spinners", cfg.Spinners,
		"blocks", cfg.Blocks,
		"duration", cfg.Duration,
		"epoch", res.StartEpoch,
	)

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		<-gctx.Done()
		r.stop.Store(true)
		return nil
	})
	for i := 0; i < cfg.Readers; i++ {
		g.Go(r.reader)
	}
	for i := 0; i < cfg.Writers; i++ {
		if cfg.Mode == ModeSync {
			g.Go(func() error { return r.syncWriter(i) })
		} else {
			g.Go(func() error { return r.deferWriter(i) })
		}
	}
	for i := 0; i < cfg.Spinners; i++ {
		g.Go(r.spinner)
	}
	err := g.Wait()

	gc.DeferBarrier()

	res.Allocs = r.alloc.Allocs()
	res.Deallocs = r.alloc.Deallocs()
	res.Highest = r.alloc.Highest()
	res.Reused = r.alloc.reused.Load()
	res.BadReads = r.badReads.Load()
	res.Reads = r.reads.Load()
	res.Writes = r.writes.Load()
	res.EndEpoch = gc.CurrentEpoch()
	res.Elapsed = time.Since(start)
	r.log.Info("stress run finished",
		"allocs", res.Allocs,
		"deallocs", res.Deallocs,
		"highest", res.Highest,
		"reads", res.Reads,
		"bad_reads", res.BadReads,
		"epoch", res.EndEpoch,
		"elapsed", res.Elapsed,
	)

	if err != nil {
		return res, err
	}
	if res.BadReads != 0 || res.Reused != 0 {
		return res, fmt.Errorf("%w: %d bad reads, %d reused blocks", ErrInvalidRead, res.BadReads, res.Reused)
	}
	if res.Allocs != res.Deallocs {
		return res, fmt.Errorf("%w: %d allocs, %d deallocs", ErrImbalance, res.Allocs, res.Deallocs)
	}
	return res, nil
}

// reader repeatedly enters a shared section and checks every published
// block. It uses the goroutine-bound entry.
func (r *run) reader() error {
	if _, err := r.gc.GetEntry(); err != nil {
		return err
	}
	defer r.gc.ReleaseEntry()
	for !r.stop.Load() {
		r.gc.LockShared()
		for w := range r.blocks {
			for j := range r.blocks[w] {
				b := r.blocks[w][j].Load()
				if b == nil {
					continue
				}
				if v := b.Load(); v != int32(w) {
					r.badReads.Add(1)
					r.log.Error("invalid value read", "writer", w, "block", j, "value", v)
				}
			}
		}
		r.gc.UnlockShared()
		r.reads.Add(1)
	}
	return nil
}

// publish replaces writer w's blocks with fresh ones and returns the
// previous blocks.
func (r *run) publish(w int, old []*atomic.Int32) {
	for j := range r.blocks[w] {
		b := r.alloc.Alloc()
		b.Store(int32(w))
		old[j] = r.blocks[w][j].Swap(b)
	}
	r.writes.Add(1)
}

// retire unpublishes writer w's blocks, waits one grace period and frees
// them.
func (r *run) retire(e *gclock.Entry, w int) {
	old := make([]*atomic.Int32, len(r.blocks[w]))
	for j := range r.blocks[w] {
		old[j] = r.blocks[w][j].Swap(nil)
	}
	e.VisibleBarrier()
	for _, b := range old {
		r.alloc.Free(b)
	}
}

func (r *run) syncWriter(w int) error {
	e, err := r.gc.NewEntry()
	if err != nil {
		return err
	}
	defer e.Close()
	old := make([]*atomic.Int32, r.cfg.Blocks)
	for !r.stop.Load() {
		r.publish(w, old)
		e.VisibleBarrier()
		for _, b := range old {
			if b != nil {
				b.Store(retiredMark)
			}
		}
		for _, b := range old {
			r.alloc.Free(b)
		}
	}
	r.retire(e, w)
	return nil
}

func (r *run) deferWriter(w int) error {
	e, err := r.gc.NewEntry()
	if err != nil {
		return err
	}
	defer e.Close()
	for n := 1; !r.stop.Load(); n++ {
		old := make([]*atomic.Int32, r.cfg.Blocks)
		r.publish(w, old)
		r.gc.Defer(func() {
			for _, b := range old {
				r.alloc.Free(b)
			}
		})
		if n%deferBarrierEvery == 0 {
			e.DeferBarrier()
		}
	}
	r.retire(e, w)
	return nil
}

// spinner burns a CPU to make readers and writers contend for processors.
func (r *run) spinner() error {
	for !r.stop.Load() {
	}
	return nil
}
