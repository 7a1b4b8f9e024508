//go:build unix

package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// Create creates and maps a new segment of size bytes. It fails with an
// error matching fs.ErrExist when the name is already in use.
func Create(name string, size int) (*Segment, error) {
	path, err := Path(name)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}
	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("resize segment %s: %w", path, err)
	}
	mem, err := mmap(file, size)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &Segment{Name: name, Path: path, Mem: mem, file: file}, nil
}

// Open maps an existing segment. It fails with an error matching
// fs.ErrNotExist when there is no segment with that name.
func Open(name string) (*Segment, error) {
	path, err := Path(name)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}
	if info.Size() == 0 {
		file.Close()
		return nil, fmt.Errorf("segment %s: %w", path, ErrEmpty)
	}
	mem, err := mmap(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Segment{Name: name, Path: path, Mem: mem, file: file}, nil
}

// Unlink removes the segment name. Mappings stay valid until closed. It
// fails with an error matching fs.ErrNotExist for unknown names.
func Unlink(name string) error {
	path, err := Path(name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("unlink segment %s: %w", path, fs.ErrNotExist)
		}
		return fmt.Errorf("unlink segment %s: %w", path, err)
	}
	return nil
}

// Close unmaps the segment and closes its file.
func (s *Segment) Close() error {
	var errs []error
	if s.Mem != nil {
		if err := unix.Munmap(s.Mem); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		s.Mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
		s.file = nil
	}
	return errors.Join(errs...)
}

// ProcessAlive reports whether a process with the given pid exists.
func ProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func mmap(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", file.Name(), err)
	}
	return mem, nil
}
