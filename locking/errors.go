package locking

import "errors"

var (
	// ErrLockTimeout is returned when a bounded acquisition gives up.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrSameKey is returned when two resources passed to ordered locking
	// compare equal, so no order between them exists.
	ErrSameKey = errors.New("resources share a lock key")
)
