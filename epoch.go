package gclock

// Epoch is a wrapping 32-bit generation number.
//
// Epochs are never compared with plain unsigned ordering: once the counter
// wraps, a numerically larger value may be the older one. All ordering goes
// through Distance, which interprets the difference of two epochs as a
// signed 32-bit value. The rule holds as long as two epochs being compared
// are less than 2^31 advances apart.
type Epoch uint32

// Distance returns the signed cyclic distance from o to e.
// It is positive when e is later than o, negative when earlier.
//
//go:nosplit
func (e Epoch) Distance(o Epoch) int32 {
	return int32(e - o)
}

// Before reports whether e precedes o.
//
//go:nosplit
func (e Epoch) Before(o Epoch) bool {
	return e.Distance(o) < 0
}

// After reports whether e follows o.
//
//go:nosplit
func (e Epoch) After(o Epoch) bool {
	return e.Distance(o) > 0
}

// Next returns the epoch following e.
func (e Epoch) Next() Epoch {
	return e + 1
}

// advanceEpoch moves the global epoch one step forward with a CAS loop and
// returns the epoch it installed. No lock is taken.
func (gc *GcLock) advanceEpoch() Epoch {
	p := gc.r.epoch()
	for {
		cur := p.Load()
		if p.CompareAndSwap(cur, cur+1) {
			return Epoch(cur + 1)
		}
	}
}

// CurrentEpoch returns a snapshot of the global epoch.
func (gc *GcLock) CurrentEpoch() Epoch {
	return Epoch(gc.r.epoch().Load())
}
