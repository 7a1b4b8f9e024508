package shm

import (
	"github.com/prometheus/procfs"
)

// ProcessStartTime returns when pid started, in clock ticks since boot. A
// pid reused by a new process reports a different start time.
func ProcessStartTime(pid int) (uint64, bool) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return 0, false
	}
	st, err := p.Stat()
	if err != nil {
		return 0, false
	}
	return st.Starttime, true
}
