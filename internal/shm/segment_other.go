//go:build !unix

package shm

import (
	"errors"
	"fmt"
)

// Create is not supported on this platform.
func Create(name string, size int) (*Segment, error) {
	return nil, fmt.Errorf("shm: create %q: %w", name, errors.ErrUnsupported)
}

// Open is not supported on this platform.
func Open(name string) (*Segment, error) {
	return nil, fmt.Errorf("shm: open %q: %w", name, errors.ErrUnsupported)
}

// Unlink is not supported on this platform.
func Unlink(name string) error {
	return fmt.Errorf("shm: unlink %q: %w", name, errors.ErrUnsupported)
}

// Close is a no-op on this platform.
func (s *Segment) Close() error {
	return nil
}

// ProcessAlive always reports true on this platform.
func ProcessAlive(pid int) bool {
	return true
}
