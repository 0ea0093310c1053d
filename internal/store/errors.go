package store

import "errors"

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrLeaseHeld is returned when another holder owns an unexpired lease.
	ErrLeaseHeld = errors.New("lease held by another process")
)
