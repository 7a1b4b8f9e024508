package gclock

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistryExhausted is returned when every registry slot is claimed.
	// Callers may retry once other participants release their entries.
	ErrRegistryExhausted = errors.New("gclock: registry exhausted")

	// ErrAlreadyExists is returned by CreateShared when the name is taken.
	ErrAlreadyExists = errors.New("gclock: shared lock already exists")

	// ErrNotFound is returned by OpenShared and Unlink for unknown names.
	ErrNotFound = errors.New("gclock: shared lock not found")

	// ErrInvalidSegment is returned by OpenShared when the named segment
	// does not hold a lock this package can attach to.
	ErrInvalidSegment = errors.New("gclock: invalid shared lock segment")

	// ErrBusy is returned by SharedGcLock.Close while entries registered
	// through the handle are still open.
	ErrBusy = errors.New("gclock: lock still held")

	// ErrClosed is returned by a second SharedGcLock.Close. Other methods
	// of a closed SharedGcLock panic with it.
	ErrClosed = errors.New("gclock: shared lock closed")

	// ErrUnsupported is matched by shared lock errors on platforms without
	// shared memory mappings.
	ErrUnsupported = errors.ErrUnsupported
)

// InvariantError describes a violated locking protocol invariant, such as
// an unlock without a matching lock or two exclusive holders. The lock
// panics with it: continuing after a broken reclamation invariant risks
// freeing memory that readers still use.
type InvariantError struct {
	Op  string
	Msg string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("gclock: invariant violation in %s: %s", e.Op, e.Msg)
}

// fatalf logs and panics with an InvariantError.
func (gc *GcLock) fatalf(op, format string, args ...any) {
	err := &InvariantError{Op: op, Msg: fmt.Sprintf(format, args...)}
	gc.log.Error("invariant violation",
		"op", op,
		"err", err.Msg,
		"epoch", gc.CurrentEpoch(),
		"exclusive", gc.r.exclusive().Load(),
	)
	panic(err)
}
