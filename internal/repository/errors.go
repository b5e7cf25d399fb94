package repository

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrNoCapacity      = errors.New("not enough capacity")
	ErrStaleState      = errors.New("row is not in the expected state")
	ErrAlreadyReleased = errors.New("reservation already released")
)
