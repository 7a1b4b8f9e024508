package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Prefix is prepended to segment names to form file names.
const Prefix = "gclock_"

var (
	// ErrInvalidName is returned for names that cannot form a single path
	// component.
	ErrInvalidName = errors.New("shm: invalid segment name")

	// ErrEmpty is returned by Open for a segment whose creator has not sized
	// it yet.
	ErrEmpty = errors.New("shm: segment is empty")
)

// Segment is a mapped shared memory segment.
type Segment struct {
	Name string
	Path string
	Mem  []byte

	file *os.File
}

// Path returns the file backing the named segment.
func Path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\\x00") || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", Prefix+name), nil
	}
	return filepath.Join(os.TempDir(), Prefix+name), nil
}

// isDevShmAvailable checks if /dev/shm is available
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}
