//go:build !linux

package shm

// ProcessStartTime is unknown on this platform; callers fall back to the
// pid alone.
func ProcessStartTime(pid int) (uint64, bool) {
	return 0, false
}
