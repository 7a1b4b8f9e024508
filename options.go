package gclock

import (
	"log/slog"
	"time"
)

const (
	// DefaultCapacity is the registry size used when none is configured.
	DefaultCapacity = 1024

	// DefaultSlowBarrierThreshold is how long a grace period may take before
	// the lock logs a warning naming the entry holding it up.
	DefaultSlowBarrierThreshold = time.Second
)

type config struct {
	capacity    uint32
	start       Epoch
	logger      *slog.Logger
	slowBarrier time.Duration
	openTimeout time.Duration
}

func defaultConfig() config {
	return config{
		capacity:    DefaultCapacity,
		logger:      slog.New(slog.DiscardHandler),
		slowBarrier: DefaultSlowBarrierThreshold,
		openTimeout: time.Second,
	}
}

// Option configures a GcLock or SharedGcLock.
type Option func(*config)

// WithCapacity sets the number of registry slots. Values below one are
// ignored. For OpenShared the creator's capacity wins.
func WithCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.capacity = uint32(n)
		}
	}
}

// WithStartingEpoch seeds the epoch counter. It exists mainly to exercise
// wraparound; OpenShared ignores it.
func WithStartingEpoch(e Epoch) Option {
	return func(c *config) {
		c.start = e
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSlowBarrierThreshold sets how long a grace period may run before a
// warning is logged. Zero disables the warning.
func WithSlowBarrierThreshold(d time.Duration) Option {
	return func(c *config) {
		c.slowBarrier = d
	}
}

// WithOpenTimeout bounds how long OpenShared waits for a segment that is
// still being initialized by its creator.
func WithOpenTimeout(d time.Duration) Option {
	return func(c *config) {
		c.openTimeout = d
	}
}
