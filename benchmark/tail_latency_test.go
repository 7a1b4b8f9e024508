package benchmark

import (
	"context"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	latencyReaders  = 8
	latencyDuration = 500 * time.Millisecond
	latencyBatch    = 64 // reads timed together to get above timer resolution
)

type latencyResult struct {
	name  string
	reads int
	p50   time.Duration
	p99   time.Duration
	p999  time.Duration
	max   time.Duration
}

// runLatency times reader batches while one writer swaps the snapshot as
// fast as it can.
func runLatency(name string, g guard) (latencyResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), latencyDuration)
	defer cancel()
	var stop atomic.Bool
	samples := make([][]time.Duration, latencyReaders)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		stop.Store(true)
		return nil
	})
	eg.Go(func() error {
		for v := uint64(1); !stop.Load(); v++ {
			g.write(v)
		}
		return nil
	})
	for i := range latencyReaders {
		eg.Go(func() error {
			read, done := g.reader()
			defer done()
			for !stop.Load() {
				start := time.Now()
				for range latencyBatch {
					read()
				}
				samples[i] = append(samples[i], time.Since(start)/latencyBatch)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return latencyResult{}, err
	}

	all := slices.Concat(samples...)
	slices.Sort(all)
	pct := func(p float64) time.Duration {
		if len(all) == 0 {
			return 0
		}
		return all[min(len(all)-1, int(float64(len(all))*p))]
	}
	return latencyResult{
		name:  name,
		reads: len(all) * latencyBatch,
		p50:   pct(0.50),
		p99:   pct(0.99),
		p999:  pct(0.999),
		max:   pct(1),
	}, nil
}

func TestReadLatencyUnderWrites(t *testing.T) {
	if testing.Short() {
		t.Skip("latency comparison")
	}
	for _, gd := range guards {
		r, err := runLatency(gd.name, gd.new())
		if err != nil {
			t.Fatal(err)
		}
		t.Logf("%-14s reads=%-10d p50=%-8v p99=%-8v p99.9=%-8v max=%v",
			r.name, r.reads, r.p50, r.p99, r.p999, r.max)
	}
}
